package store

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

const backupTimeLayout = "20060102T150405Z"

var backupNameRe = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// Backup is one saved copy of the index.
type Backup struct {
	Name      string
	Path      string
	CreatedAt time.Time
}

// Backup copies the core and every module document into
// backups/<name>-<timestamp>/ and returns its path.
func (s *Store) Backup(name string, now time.Time) (string, error) {
	if name == "" {
		name = "backup"
	}
	if !backupNameRe.MatchString(name) {
		return "", fmt.Errorf("invalid backup name %q", name)
	}
	if !s.Exists() {
		return "", fmt.Errorf("backup: %s: %w", s.CorePath(), ErrNotFound)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dest := filepath.Join(s.dir, BackupsDir, name+"-"+now.UTC().Format(backupTimeLayout))
	if _, err := os.Stat(dest); err == nil {
		return "", fmt.Errorf("backup %s already exists", dest)
	}
	if err := os.MkdirAll(filepath.Join(dest, ModulesDir), 0o755); err != nil {
		return "", fmt.Errorf("creating backup: %w", err)
	}
	if err := copyFile(s.CorePath(), filepath.Join(dest, CoreFile)); err != nil {
		return "", err
	}

	entries, err := os.ReadDir(filepath.Join(s.dir, ModulesDir))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("listing modules: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		src := filepath.Join(s.dir, ModulesDir, e.Name())
		if err := copyFile(src, filepath.Join(dest, ModulesDir, e.Name())); err != nil {
			return "", err
		}
	}
	return dest, nil
}

// Backups lists saved backups, oldest first.
func (s *Store) Backups() ([]Backup, error) {
	root := filepath.Join(s.dir, BackupsDir)
	entries, err := os.ReadDir(root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing backups: %w", err)
	}
	var out []Backup
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		i := strings.LastIndex(e.Name(), "-")
		if i < 0 {
			continue
		}
		ts, err := time.Parse(backupTimeLayout, e.Name()[i+1:])
		if err != nil {
			continue
		}
		out = append(out, Backup{Name: e.Name()[:i], Path: filepath.Join(root, e.Name()), CreatedAt: ts})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Path < out[j].Path
	})
	return out, nil
}

// PruneBackups removes the oldest backups so that at most keep remain and
// returns the removed paths. keep <= 0 keeps everything.
func (s *Store) PruneBackups(keep int) ([]string, error) {
	if keep <= 0 {
		return nil, nil
	}
	backups, err := s.Backups()
	if err != nil {
		return nil, err
	}
	if len(backups) <= keep {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed []string
	for _, b := range backups[:len(backups)-keep] {
		if err := os.RemoveAll(b.Path); err != nil {
			return removed, fmt.Errorf("removing backup %s: %w", b.Path, err)
		}
		removed = append(removed, b.Path)
	}
	return removed, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("creating %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copying %s: %w", src, err)
	}
	return out.Close()
}
