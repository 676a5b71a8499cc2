// Package partition assigns every indexed file to exactly one module.
//
// Files are grouped by their leading directory segments. Oversized groups
// are split by the next directory level until the module id reaches the
// configured maximum depth. The result is a pure function of the file set
// and the Config.
package partition

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
)

// RootID is the module holding files that live at the repository root.
const RootID = "root"

// Config controls how files are grouped into modules.
type Config struct {
	Depth          int `yaml:"depth"`
	SplitThreshold int `yaml:"split_threshold"`
	MaxDepth       int `yaml:"max_depth"`
}

// DefaultConfig returns the default partition settings.
func DefaultConfig() Config {
	return Config{Depth: 1, SplitThreshold: 100, MaxDepth: 3}
}

// Validate reports settings the planner cannot honor.
func (c Config) Validate() error {
	var errs []error
	if c.Depth < 1 {
		errs = append(errs, fmt.Errorf("partition depth must be >= 1, got %d", c.Depth))
	}
	if c.SplitThreshold < 1 {
		errs = append(errs, fmt.Errorf("partition split_threshold must be >= 1, got %d", c.SplitThreshold))
	}
	if c.MaxDepth < c.Depth {
		errs = append(errs, fmt.Errorf("partition max_depth (%d) must be >= depth (%d)", c.MaxDepth, c.Depth))
	}
	return errors.Join(errs...)
}

// Module is one partition cell.
type Module struct {
	ID        string
	Directory string
	Files     []string
}

// Partition maps modules to files and files back to modules.
type Partition struct {
	Modules      map[string]Module
	FileToModule map[string]string
}

// IDs returns the module ids in sorted order.
func (p *Partition) IDs() []string {
	ids := make([]string, 0, len(p.Modules))
	for id := range p.Modules {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Plan partitions the given repo-relative, slash-separated file paths.
// Duplicate paths are ignored.
func Plan(files []string, cfg Config) (*Partition, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(files))
	groups := make(map[string][]string)
	for _, f := range files {
		f = path.Clean(f)
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		dirs := dirSegments(f)
		n := min(len(dirs), cfg.Depth)
		key := strings.Join(dirs[:n], "/")
		groups[key] = append(groups[key], f)
	}

	cells := make(map[string][]string)
	keys := sortedKeys(groups)
	for _, key := range keys {
		split(key, groups[key], cfg, cells)
	}

	ids := assignIDs(sortedKeys(cells))
	p := &Partition{
		Modules:      make(map[string]Module, len(cells)),
		FileToModule: make(map[string]string, len(seen)),
	}
	for key, members := range cells {
		id := ids[key]
		sort.Strings(members)
		dir := key
		if dir == "" {
			dir = "."
		}
		p.Modules[id] = Module{ID: id, Directory: dir, Files: members}
		for _, f := range members {
			p.FileToModule[f] = id
		}
	}
	return p, nil
}

// split places files under key into cells, recursing into subdirectories
// while the group is too large and the id may still grow.
func split(key string, files []string, cfg Config, cells map[string][]string) {
	depth := segmentCount(key)
	if key == "" || len(files) <= cfg.SplitThreshold || depth >= cfg.MaxDepth {
		cells[key] = append(cells[key], files...)
		return
	}

	var direct []string
	sub := make(map[string][]string)
	for _, f := range files {
		dirs := dirSegments(f)
		if len(dirs) <= depth {
			direct = append(direct, f)
			continue
		}
		child := strings.Join(dirs[:depth+1], "/")
		sub[child] = append(sub[child], f)
	}
	if len(sub) == 0 {
		cells[key] = append(cells[key], files...)
		return
	}
	if len(direct) > 0 {
		cells[key] = append(cells[key], direct...)
	}
	for _, child := range sortedKeys(sub) {
		split(child, sub[child], cfg, cells)
	}
}

// assignIDs derives a module id for every directory key. Keys whose plain
// ids collide are resolved in sorted order: the first keeps the plain id
// (the repository root always wins "root") and the rest get a digest suffix.
func assignIDs(keys []string) map[string]string {
	byID := make(map[string][]string)
	for _, key := range keys {
		id := plainID(key)
		byID[id] = append(byID[id], key)
	}

	out := make(map[string]string, len(keys))
	taken := make(map[string]bool, len(keys))
	var losers []string
	for _, id := range sortedKeys(byID) {
		claimants := byID[id]
		winner := claimants[0]
		for _, k := range claimants {
			if k == "" {
				winner = k
			}
		}
		out[winner] = id
		taken[id] = true
		for _, k := range claimants {
			if k != winner {
				losers = append(losers, k)
			}
		}
	}
	sort.Strings(losers)
	for _, key := range losers {
		sum := sha256.Sum256([]byte(key))
		digest := hex.EncodeToString(sum[:])
		for n := 6; ; n += 2 {
			candidate := plainID(key) + "-" + digest[:min(n, len(digest))]
			if !taken[candidate] || n >= len(digest) {
				out[key] = candidate
				taken[candidate] = true
				break
			}
		}
	}
	return out
}

// idReplacer maps directory keys onto names that are safe as file names in
// the modules directory.
var idReplacer = strings.NewReplacer("/", "-", `\`, "_")

func plainID(key string) string {
	if key == "" {
		return RootID
	}
	id := idReplacer.Replace(key)
	if strings.HasPrefix(id, ".") {
		id = "_" + id[1:]
	}
	return id
}

func dirSegments(file string) []string {
	dir := path.Dir(file)
	if dir == "." || dir == "/" {
		return nil
	}
	return strings.Split(dir, "/")
}

func segmentCount(key string) int {
	if key == "" {
		return 0
	}
	return strings.Count(key, "/") + 1
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
