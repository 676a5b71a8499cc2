// Package store persists index documents under an index directory.
//
// Layout:
//
//	<dir>/core.json
//	<dir>/modules/<id>.json
//	<dir>/backups/<name>-<timestamp>/
//
// Every document is written to a temporary file in its destination
// directory, synced, and renamed into place, so readers see either the old
// or the new document and never a partial one.
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/phobologic/repoindex/internal/model"
)

// File and directory names inside the index directory.
const (
	CoreFile   = "core.json"
	ModulesDir = "modules"
	BackupsDir = "backups"
)

// ErrNotFound is returned when a requested document does not exist.
var ErrNotFound = errors.New("document not found")

// WriteError reports a failed document write. The destination is left as
// it was before the write started.
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("writing %s: %v", e.Path, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Store reads and writes the documents of one index directory. Writes are
// serialized within the process.
type Store struct {
	dir string
	mu  sync.Mutex
}

// New returns a store rooted at dir. The directory is created on first write.
func New(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the index directory.
func (s *Store) Dir() string { return s.dir }

// Encode returns the canonical serialization of a document: two-space
// indented JSON with a trailing newline. Map keys are sorted by
// encoding/json, so equal documents encode to equal bytes.
func Encode(v any) ([]byte, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// Hash returns the hex sha256 of data.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// CorePath returns the path of the core document.
func (s *Store) CorePath() string {
	return filepath.Join(s.dir, CoreFile)
}

// ModulePath returns the path of a module document.
func (s *Store) ModulePath(id string) string {
	return filepath.Join(s.dir, ModulesDir, id+".json")
}

// Exists reports whether a core document is present.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.CorePath())
	return err == nil
}

// WriteCore atomically replaces the core document.
func (s *Store) WriteCore(core *model.CoreIndex) error {
	data, err := Encode(core)
	if err != nil {
		return &WriteError{Path: s.CorePath(), Err: err}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeAtomic(s.CorePath(), data)
}

// ReadCore returns the raw bytes of the core document.
func (s *Store) ReadCore() ([]byte, error) {
	return readDoc(s.CorePath())
}

// WriteModule atomically replaces a module document and returns the hash
// of the bytes written.
func (s *Store) WriteModule(m *model.DetailModule) (string, error) {
	if err := ValidateModuleID(m.ModuleID); err != nil {
		return "", &WriteError{Path: m.ModuleID, Err: err}
	}
	data, err := Encode(m)
	if err != nil {
		return "", &WriteError{Path: s.ModulePath(m.ModuleID), Err: err}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := writeAtomic(s.ModulePath(m.ModuleID), data); err != nil {
		return "", err
	}
	return Hash(data), nil
}

// ReadModule returns the raw bytes of a module document.
func (s *Store) ReadModule(id string) ([]byte, error) {
	if err := ValidateModuleID(id); err != nil {
		return nil, err
	}
	return readDoc(s.ModulePath(id))
}

// HashModule recomputes the hash of a module document from disk.
func (s *Store) HashModule(id string) (string, error) {
	data, err := s.ReadModule(id)
	if err != nil {
		return "", err
	}
	return Hash(data), nil
}

// RemoveModule deletes a module document. Removing a missing module is not
// an error.
func (s *Store) RemoveModule(id string) error {
	if err := ValidateModuleID(id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.ModulePath(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing module %s: %w", id, err)
	}
	return nil
}

// ModuleIDs lists the module documents present on disk, sorted.
func (s *Store) ModuleIDs() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, ModulesDir))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing modules: %w", err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}

// ValidateModuleID rejects ids that would escape the modules directory.
func ValidateModuleID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) || strings.HasPrefix(id, ".") {
		return fmt.Errorf("invalid module id %q", id)
	}
	return nil
}

func readDoc(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return data, nil
}

// writeAtomic writes data to a process-unique temp file next to path, syncs
// it and renames it over path.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &WriteError{Path: path, Err: err}
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return &WriteError{Path: path, Err: err}
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return &WriteError{Path: path, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return &WriteError{Path: path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &WriteError{Path: path, Err: err}
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		return &WriteError{Path: path, Err: err}
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return &WriteError{Path: path, Err: err}
	}

	success = true
	return nil
}
