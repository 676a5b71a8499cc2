// Package loader is the read side of an index: it decodes the core
// document, resolves files to modules and lazily loads module documents.
package loader

import (
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/phobologic/repoindex/internal/metrics"
	"github.com/phobologic/repoindex/internal/model"
	"github.com/phobologic/repoindex/internal/store"
)

var (
	// ErrIndexNotFound means no core document exists.
	ErrIndexNotFound = errors.New("index not found")
	// ErrMalformedIndex means the core document is unreadable, misses
	// required fields, or is internally inconsistent.
	ErrMalformedIndex = errors.New("malformed index")
	// ErrMalformedModule means a module document is unreadable or does not
	// match the hash the core records for it.
	ErrMalformedModule = errors.New("malformed module")
	// ErrModuleNotFound means the core does not reference the module, or
	// its document is missing.
	ErrModuleNotFound = errors.New("module not found")
	// ErrFileNotIndexed means no module contains the file.
	ErrFileNotIndexed = errors.New("file not indexed")
)

// UnsupportedFormatError is returned for index versions this build can
// recognize but not read.
type UnsupportedFormatError struct {
	Version string
	Hint    string
	Err     error
}

func (e *UnsupportedFormatError) Error() string {
	msg := fmt.Sprintf("unsupported index format %s", e.Version)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Hint != "" {
		msg += " (" + e.Hint + ")"
	}
	return msg
}

func (e *UnsupportedFormatError) Unwrap() error { return e.Err }

// MigrateHint tells users how to replace a legacy index.
const MigrateHint = "run `repoindex build --full` to migrate; the old index is backed up first"

// Reader supplies raw documents. *store.Store implements it.
type Reader interface {
	ReadCore() ([]byte, error)
	ReadModule(id string) ([]byte, error)
}

// Loader reads a committed index. It is safe for concurrent use.
type Loader struct {
	r       Reader
	cache   *lru.Cache[string, *model.DetailModule]
	metrics *metrics.Metrics
}

// New returns a loader with an LRU cache of cacheSize decoded modules.
// cacheSize <= 0 disables caching. m may be nil.
func New(r Reader, cacheSize int, m *metrics.Metrics) (*Loader, error) {
	l := &Loader{r: r, metrics: m}
	if cacheSize > 0 {
		c, err := lru.New[string, *model.DetailModule](cacheSize)
		if err != nil {
			return nil, fmt.Errorf("creating module cache: %w", err)
		}
		l.cache = c
	}
	return l, nil
}

// Core is a decoded core document together with its parsed version.
type Core struct {
	*model.CoreIndex
	SchemaVersion model.SchemaVersion
}

// DecodeCore parses and checks a core document.
func DecodeCore(data []byte) (*Core, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedIndex, err)
	}
	rawVersion, ok := fields["version"]
	if !ok {
		return nil, fmt.Errorf("%w: missing version", ErrMalformedIndex)
	}
	var tag string
	if err := json.Unmarshal(rawVersion, &tag); err != nil || tag == "" {
		return nil, fmt.Errorf("%w: version must be a non-empty string", ErrMalformedIndex)
	}
	v, err := model.ParseVersion(tag)
	switch {
	case errors.Is(err, model.ErrFutureVersion):
		return nil, &UnsupportedFormatError{Version: tag, Hint: "upgrade repoindex to read it", Err: err}
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrMalformedIndex, err)
	}

	switch v {
	case model.LegacyV1:
		return nil, &UnsupportedFormatError{Version: tag, Hint: MigrateHint}
	case model.SplitV2, model.EnhancedV2_1, model.SubmoduleV2_2:
	default:
		return nil, fmt.Errorf("%w: unknown version %s", ErrMalformedIndex, tag)
	}

	if _, ok := fields["module_references"]; !ok {
		return nil, fmt.Errorf("%w: missing module_references", ErrMalformedIndex)
	}
	var core model.CoreIndex
	if err := json.Unmarshal(data, &core); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedIndex, err)
	}
	if err := CheckConsistency(&core, v); err != nil {
		return nil, err
	}
	return &Core{CoreIndex: &core, SchemaVersion: v}, nil
}

// CheckConsistency verifies that the partition recorded in a core document
// is total and disjoint and, for versions that carry one, that the
// file-to-module map agrees with the module references.
func CheckConsistency(core *model.CoreIndex, v model.SchemaVersion) error {
	owner := make(map[string]string)
	for _, id := range core.ModuleIDs() {
		if err := store.ValidateModuleID(id); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedIndex, err)
		}
		for _, f := range core.ModuleReferences[id].Files {
			if prev, dup := owner[f]; dup {
				return fmt.Errorf("%w: %s listed in modules %s and %s", ErrMalformedIndex, f, prev, id)
			}
			owner[f] = id
		}
	}
	if !v.HasModuleMap() {
		return nil
	}
	if len(core.FileToModule) != len(owner) {
		return fmt.Errorf("%w: file_to_module_map has %d files, module_references %d",
			ErrMalformedIndex, len(core.FileToModule), len(owner))
	}
	for f, id := range core.FileToModule {
		if owner[f] != id {
			return fmt.Errorf("%w: file_to_module_map maps %s to %s, module_references to %q",
				ErrMalformedIndex, f, id, owner[f])
		}
	}
	if v.HasModuleHashes() && !core.Stats.SkipDetails {
		for id := range core.ModuleReferences {
			if _, ok := core.ModuleHashes[id]; !ok {
				return fmt.Errorf("%w: no hash recorded for module %s", ErrMalformedIndex, id)
			}
		}
	}
	return nil
}

// LoadCore reads and decodes the core document.
func (l *Loader) LoadCore() (*Core, error) {
	data, err := l.r.ReadCore()
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %v", ErrIndexNotFound, err)
	}
	if err != nil {
		return nil, err
	}
	return DecodeCore(data)
}

// LoadModule loads one module document, verifying its recorded hash.
func (l *Loader) LoadModule(id string) (*model.DetailModule, error) {
	core, err := l.LoadCore()
	if err != nil {
		return nil, err
	}
	return l.loadModule(core, id)
}

func (l *Loader) loadModule(core *Core, id string) (*model.DetailModule, error) {
	if _, ok := core.ModuleReferences[id]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrModuleNotFound, id)
	}
	if core.Stats.SkipDetails {
		return nil, fmt.Errorf("%w: %s (index built without module details)", ErrModuleNotFound, id)
	}

	recorded := ""
	if core.SchemaVersion.HasModuleHashes() {
		recorded = core.ModuleHashes[id]
	}
	if recorded != "" && l.cache != nil {
		dm, ok := l.cache.Get(id + "@" + recorded)
		l.metrics.CacheLookup(ok)
		if ok {
			return dm, nil
		}
	}

	data, err := l.r.ReadModule(id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s: document missing", ErrModuleNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	dm, err := DecodeModule(id, data, recorded)
	if err != nil {
		return nil, err
	}
	if l.cache != nil {
		key := recorded
		if key == "" {
			key = store.Hash(data)
		}
		l.cache.Add(id+"@"+key, dm)
	}
	return dm, nil
}

// DecodeModule parses a module document and checks it against the hash
// the core records, when one is given.
func DecodeModule(id string, data []byte, recordedHash string) (*model.DetailModule, error) {
	if recordedHash != "" {
		if got := store.Hash(data); got != recordedHash {
			return nil, fmt.Errorf("%w: %s: hash %s does not match recorded %s", ErrMalformedModule, id, short(got), short(recordedHash))
		}
	}
	var dm model.DetailModule
	if err := json.Unmarshal(data, &dm); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedModule, id, err)
	}
	if dm.ModuleID != id {
		return nil, fmt.Errorf("%w: %s: document declares module %q", ErrMalformedModule, id, dm.ModuleID)
	}
	v, err := model.ParseVersion(dm.Version)
	if err != nil || !v.Native() {
		return nil, fmt.Errorf("%w: %s: unsupported version %q", ErrMalformedModule, id, dm.Version)
	}
	return &dm, nil
}

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}

// ResolveModuleForFile returns the id of the module containing file.
func (l *Loader) ResolveModuleForFile(file string) (string, error) {
	core, err := l.LoadCore()
	if err != nil {
		return "", err
	}
	return core.ModuleFor(file)
}

// ModuleFor looks a file up in the file-to-module map, or scans the module
// references for versions without one.
func (c *Core) ModuleFor(file string) (string, error) {
	file = NormalizePath(file)
	if c.SchemaVersion.HasModuleMap() {
		if id, ok := c.FileToModule[file]; ok {
			return id, nil
		}
		return "", fmt.Errorf("%w: %s", ErrFileNotIndexed, file)
	}
	for _, id := range c.ModuleIDs() {
		for _, f := range c.ModuleReferences[id].Files {
			if f == file {
				return id, nil
			}
		}
	}
	return "", fmt.Errorf("%w: %s", ErrFileNotIndexed, file)
}

// NormalizePath converts a user-supplied path to the index's
// slash-separated, root-relative form.
func NormalizePath(p string) string {
	p = path.Clean(filepath.ToSlash(p))
	return strings.TrimPrefix(p, "./")
}

// LoadByPath loads the module containing file.
func (l *Loader) LoadByPath(file string) (*model.DetailModule, error) {
	core, err := l.LoadCore()
	if err != nil {
		return nil, err
	}
	id, err := core.ModuleFor(file)
	if err != nil {
		return nil, err
	}
	return l.loadModule(core, id)
}

// LoadMany loads several modules. Failures are reported per id; the error
// return is reserved for problems with the core itself.
func (l *Loader) LoadMany(ids []string) (map[string]*model.DetailModule, map[string]error, error) {
	core, err := l.LoadCore()
	if err != nil {
		return nil, nil, err
	}
	loaded := make(map[string]*model.DetailModule, len(ids))
	failed := make(map[string]error)
	for _, id := range ids {
		if _, done := loaded[id]; done {
			continue
		}
		dm, err := l.loadModule(core, id)
		if err != nil {
			failed[id] = err
			continue
		}
		loaded[id] = dm
	}
	return loaded, failed, nil
}

// VerifyModule re-reads a module and checks it against the core without
// touching the cache.
func (l *Loader) VerifyModule(id string) error {
	core, err := l.LoadCore()
	if err != nil {
		return err
	}
	if _, ok := core.ModuleReferences[id]; !ok {
		return fmt.Errorf("%w: %s", ErrModuleNotFound, id)
	}
	data, err := l.r.ReadModule(id)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s: document missing", ErrModuleNotFound, id)
	}
	if err != nil {
		return err
	}
	recorded := ""
	if core.SchemaVersion.HasModuleHashes() {
		recorded = core.ModuleHashes[id]
	}
	_, err = DecodeModule(id, data, recorded)
	return err
}

// SortedErrors returns per-id failures in id order, for display.
func SortedErrors(failed map[string]error) []string {
	ids := make([]string, 0, len(failed))
	for id := range failed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, fmt.Sprintf("%s: %v", id, failed[id]))
	}
	return out
}
