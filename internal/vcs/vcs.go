// Package vcs reports which files changed since an index was built.
package vcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/sourcegraph/go-diff/diff"

	"github.com/phobologic/repoindex/internal/model"
)

// ErrUnavailable means changes cannot be determined and the caller should
// rebuild from scratch.
var ErrUnavailable = errors.New("change detection unavailable")

// DefaultTimeout bounds each git invocation.
const DefaultTimeout = 10 * time.Second

// ChangeSet lists repo-relative paths changed since a baseline.
type ChangeSet struct {
	Added    []string
	Modified []string
	Deleted  []string
}

// Empty reports whether nothing changed.
func (c ChangeSet) Empty() bool {
	return len(c.Added) == 0 && len(c.Modified) == 0 && len(c.Deleted) == 0
}

// Paths returns every changed path, sorted and deduplicated.
func (c ChangeSet) Paths() []string {
	set := make(map[string]struct{})
	for _, list := range [][]string{c.Added, c.Modified, c.Deleted} {
		for _, p := range list {
			set[p] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Detector is a source of change information.
type Detector interface {
	// Detect returns the files changed since baseline.
	Detect(ctx context.Context, baseline model.Baseline) (ChangeSet, error)
	// Current describes the working tree as a baseline for the next Detect.
	Current(ctx context.Context) (model.Baseline, error)
}

// Git detects changes with the git command line.
type Git struct {
	root    string
	timeout time.Duration
	logger  *slog.Logger
}

// NewGit returns a detector for the working tree at root.
func NewGit(root string, timeout time.Duration, logger *slog.Logger) *Git {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Git{root: root, timeout: timeout, logger: logger}
}

// Detect diffs the working tree against the baseline commit and adds
// untracked files. Files that were dirty when the baseline was taken count
// only when their content has changed since.
func (g *Git) Detect(ctx context.Context, baseline model.Baseline) (ChangeSet, error) {
	if baseline.Commit == "" {
		return ChangeSet{}, fmt.Errorf("%w: no baseline commit", ErrUnavailable)
	}
	if _, err := g.run(ctx, "cat-file", "-e", baseline.Commit+"^{commit}"); err != nil {
		return ChangeSet{}, err
	}
	cs, err := g.changesSince(ctx, baseline.Commit)
	if err != nil {
		return ChangeSet{}, err
	}

	known := make(map[string]struct{})
	for _, p := range cs.Paths() {
		known[p] = struct{}{}
	}
	unchanged := func(p string) bool {
		fp, dirty := baseline.Dirty[p]
		return dirty && g.fingerprint(p) == fp
	}
	cs.Added = slices.DeleteFunc(cs.Added, unchanged)
	cs.Modified = slices.DeleteFunc(cs.Modified, unchanged)
	cs.Deleted = slices.DeleteFunc(cs.Deleted, unchanged)

	// Dirty files that no longer differ from the commit are back to their
	// committed content, which the index has not seen.
	for p, fp := range baseline.Dirty {
		if _, ok := known[p]; ok {
			continue
		}
		exists := g.fingerprint(p) != ""
		switch {
		case exists && fp == "":
			cs.Added = append(cs.Added, p)
		case exists:
			cs.Modified = append(cs.Modified, p)
		case fp != "":
			cs.Deleted = append(cs.Deleted, p)
		}
	}
	sortChangeSet(&cs)
	g.logger.Debug("changes detected", "since", baseline.Commit,
		"added", len(cs.Added), "modified", len(cs.Modified), "deleted", len(cs.Deleted))
	return cs, nil
}

// Current returns HEAD and fingerprints the files that differ from it.
func (g *Git) Current(ctx context.Context) (model.Baseline, error) {
	out, err := g.run(ctx, "rev-parse", "--verify", "HEAD")
	if err != nil {
		return model.Baseline{}, err
	}
	commit := strings.TrimSpace(string(out))
	cs, err := g.changesSince(ctx, commit)
	if err != nil {
		return model.Baseline{}, err
	}
	b := model.Baseline{Commit: commit}
	for _, p := range cs.Paths() {
		if b.Dirty == nil {
			b.Dirty = make(map[string]string)
		}
		b.Dirty[p] = g.fingerprint(p)
	}
	return b, nil
}

// fingerprint hashes a file's content, or returns "" when it cannot be read.
func (g *Git) fingerprint(rel string) string {
	f, err := os.Open(filepath.Join(g.root, filepath.FromSlash(rel)))
	if err != nil {
		return ""
	}
	defer f.Close()
	h := xxhash.New()
	if _, err := io.Copy(h, f); err != nil {
		return ""
	}
	return strconv.FormatUint(h.Sum64(), 16)
}

func (g *Git) changesSince(ctx context.Context, commit string) (ChangeSet, error) {
	out, err := g.run(ctx, "-c", "core.quotepath=off", "diff", "--no-color", "--no-renames", "--no-ext-diff", "--relative", commit, "--")
	if err != nil {
		return ChangeSet{}, err
	}
	cs, err := ParseDiff(out)
	if err != nil {
		return ChangeSet{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	out, err = g.run(ctx, "-c", "core.quotepath=off", "ls-files", "--others", "--exclude-standard")
	if err != nil {
		return ChangeSet{}, err
	}
	for _, line := range strings.Split(string(out), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			cs.Added = append(cs.Added, line)
		}
	}
	sortChangeSet(&cs)
	return cs, nil
}

func (g *Git) run(ctx context.Context, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.root
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return nil, fmt.Errorf("%w: git %s: %v: %s", ErrUnavailable, strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

// ParseDiff classifies the files of a unified git diff.
func ParseDiff(data []byte) (ChangeSet, error) {
	var cs ChangeSet
	if len(bytes.TrimSpace(data)) == 0 {
		return cs, nil
	}
	fds, err := diff.NewMultiFileDiffReader(bytes.NewReader(data)).ReadAllFiles()
	if err != nil {
		return cs, fmt.Errorf("parsing diff: %w", err)
	}
	for _, fd := range fds {
		orig, next := diffPath(fd.OrigName), diffPath(fd.NewName)
		if orig == "" && next == "" {
			orig, next = gitHeaderPaths(fd.Extended)
		}
		added := fd.OrigName == "/dev/null" || hasExtended(fd.Extended, "new file mode")
		deleted := fd.NewName == "/dev/null" || hasExtended(fd.Extended, "deleted file mode")
		switch {
		case added && next != "":
			cs.Added = append(cs.Added, next)
		case deleted && orig != "":
			cs.Deleted = append(cs.Deleted, orig)
		case next != "":
			cs.Modified = append(cs.Modified, next)
		case orig != "":
			cs.Modified = append(cs.Modified, orig)
		}
	}
	sortChangeSet(&cs)
	return cs, nil
}

// diffPath strips the a/ or b/ prefix from a diff file name.
func diffPath(name string) string {
	if name == "" || name == "/dev/null" {
		return ""
	}
	if unq, err := strconv.Unquote(name); err == nil {
		name = unq
	}
	if strings.HasPrefix(name, "a/") || strings.HasPrefix(name, "b/") {
		return name[2:]
	}
	return name
}

// gitHeaderPaths reads the paths of a "diff --git a/x b/y" header, used for
// entries without ---/+++ lines such as empty or binary files.
func gitHeaderPaths(extended []string) (string, string) {
	for _, line := range extended {
		rest, ok := strings.CutPrefix(line, "diff --git ")
		if !ok {
			continue
		}
		i := strings.Index(rest, " b/")
		if i < 0 || !strings.HasPrefix(rest, "a/") {
			return "", ""
		}
		return rest[2:i], rest[i+3:]
	}
	return "", ""
}

func hasExtended(extended []string, prefix string) bool {
	for _, line := range extended {
		if strings.HasPrefix(line, prefix) {
			return true
		}
	}
	return false
}

func sortChangeSet(cs *ChangeSet) {
	cs.Added = dedupe(cs.Added)
	cs.Modified = dedupe(cs.Modified)
	cs.Deleted = dedupe(cs.Deleted)
}

func dedupe(list []string) []string {
	if len(list) == 0 {
		return nil
	}
	sort.Strings(list)
	out := list[:1]
	for _, s := range list[1:] {
		if s != out[len(out)-1] {
			out = append(out, s)
		}
	}
	return out
}
