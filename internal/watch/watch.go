// Package watch runs incremental index updates as files change on disk.
package watch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/fsnotify/fsnotify"

	"github.com/phobologic/repoindex/internal/lang"
	"github.com/phobologic/repoindex/internal/update"
)

// DefaultDebounce is used when Options.Debounce is not positive.
const DefaultDebounce = 500 * time.Millisecond

// Updater is the part of *update.Updater the watcher drives.
type Updater interface {
	Run(ctx context.Context, mode update.Mode) (*update.Report, error)
}

// Options configures a Watcher.
type Options struct {
	Root     string
	IndexDir string
	Debounce time.Duration
	// Relevant reports whether a slash-separated, root-relative path can
	// affect the index. nil accepts files of any registered language.
	Relevant func(rel string) bool
	// OnUpdate, if set, receives the outcome of every update run.
	OnUpdate func(*update.Report, error)
}

// Watcher triggers an update once changes to relevant files settle.
type Watcher struct {
	updater      Updater
	opts         Options
	logger       *slog.Logger
	fingerprints map[string]uint64
}

// New returns a watcher for opts.Root.
func New(u Updater, opts Options, logger *slog.Logger) *Watcher {
	opts.Root = filepath.Clean(opts.Root)
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Relevant == nil {
		opts.Relevant = func(rel string) bool {
			return lang.ForExtension(filepath.Ext(rel)) != ""
		}
	}
	return &Watcher{
		updater:      u,
		opts:         opts,
		logger:       logger,
		fingerprints: make(map[string]uint64),
	}
}

// Run brings the index up to date, then watches until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	if err := w.addRecursive(fw, w.opts.Root); err != nil {
		return err
	}
	w.snapshot()
	w.update(ctx)

	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()
	pending := make(map[string]struct{})

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			path := filepath.Clean(event.Name)
			if w.ignored(path) {
				continue
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(path); err == nil && info.IsDir() {
					if err := w.addRecursive(fw, path); err != nil {
						w.logger.Warn("watching new directory", "path", path, "err", err)
					}
					// Files created before the watch was added produce no events.
					filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
						if err == nil && !d.IsDir() {
							pending[p] = struct{}{}
						}
						return nil
					})
				}
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			pending[path] = struct{}{}
			timer.Reset(w.opts.Debounce)
		case <-timer.C:
			paths := make([]string, 0, len(pending))
			for p := range pending {
				paths = append(paths, p)
			}
			pending = make(map[string]struct{})
			if changed := w.settle(paths); len(changed) > 0 {
				w.logger.Info("files changed", "count", len(changed), "first", changed[0])
				w.update(ctx)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				w.logger.Warn("watch events overflowed, updating", "err", err)
				w.snapshot()
				w.update(ctx)
				continue
			}
			return err
		}
	}
}

func (w *Watcher) update(ctx context.Context) {
	rep, err := w.updater.Run(ctx, update.ModeIncremental)
	switch {
	case err != nil && ctx.Err() != nil:
		return
	case err != nil:
		w.logger.Error("update failed", "err", err)
	case rep.FullRegeneration:
		w.logger.Info("index regenerated", "run", rep.RunID, "reason", rep.Reason, "modules", len(rep.RegeneratedModules))
	case rep.Written():
		w.logger.Info("index updated", "run", rep.RunID, "modules", rep.RegeneratedModules, "removed", rep.RemovedModules)
	}
	if w.opts.OnUpdate != nil {
		w.opts.OnUpdate(rep, err)
	}
}

// snapshot fingerprints every relevant file under the root.
func (w *Watcher) snapshot() {
	w.fingerprints = make(map[string]uint64)
	filepath.WalkDir(w.opts.Root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if p != w.opts.Root && w.skipDir(p, d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		rel, ok := w.relevant(p)
		if !ok {
			return nil
		}
		if fp, ok := fingerprint(p); ok {
			w.fingerprints[rel] = fp
		}
		return nil
	})
}

// settle returns the relevant paths whose content differs from the last
// fingerprint and records the new fingerprints. Events that leave a file
// byte-identical are dropped.
func (w *Watcher) settle(paths []string) []string {
	var changed []string
	for _, p := range paths {
		rel, ok := w.relevant(p)
		if !ok {
			continue
		}
		old, known := w.fingerprints[rel]
		fp, exists := fingerprint(p)
		switch {
		case !exists && known:
			delete(w.fingerprints, rel)
			changed = append(changed, rel)
		case exists && (!known || fp != old):
			w.fingerprints[rel] = fp
			changed = append(changed, rel)
		}
	}
	sort.Strings(changed)
	return changed
}

func (w *Watcher) relevant(path string) (string, bool) {
	rel, err := filepath.Rel(w.opts.Root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", false
	}
	rel = filepath.ToSlash(rel)
	return rel, w.opts.Relevant(rel)
}

func (w *Watcher) ignored(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".#") || strings.HasSuffix(base, ".swp") || strings.HasSuffix(base, "~") {
		return true
	}
	return w.opts.IndexDir != "" && strings.HasPrefix(path, filepath.Join(w.opts.Root, w.opts.IndexDir))
}

func (w *Watcher) skipDir(path, name string) bool {
	switch name {
	case "node_modules", "vendor", "__pycache__", "venv":
		return true
	}
	if strings.HasPrefix(name, ".") {
		return true
	}
	return w.opts.IndexDir != "" && filepath.Clean(path) == filepath.Join(w.opts.Root, w.opts.IndexDir)
}

func (w *Watcher) addRecursive(fw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if p != w.opts.Root && w.skipDir(p, d.Name()) {
			return filepath.SkipDir
		}
		return fw.Add(p)
	})
}

// fingerprint hashes a file's content. ok is false when it cannot be read.
func fingerprint(path string) (uint64, bool) {
	f, err := os.Open(path)
	if err != nil {
		return 0, false
	}
	defer f.Close()
	h := xxhash.New()
	if _, err := io.Copy(h, f); err != nil {
		return 0, false
	}
	return h.Sum64(), true
}
