package graph

import (
	"log/slog"
	"sort"

	"github.com/phobologic/repoindex/internal/model"
)

// DependencyGraph holds file-level edges. An edge a -> b means a imports
// or calls into b. It is rebuilt on every update and never persisted.
type DependencyGraph struct {
	forward map[string]map[string]struct{}
	reverse map[string]map[string]struct{}
}

// New returns an empty graph.
func New() *DependencyGraph {
	return &DependencyGraph{
		forward: make(map[string]map[string]struct{}),
		reverse: make(map[string]map[string]struct{}),
	}
}

// Build resolves raw imports against r and adds the file edges implied by
// the given call edges.
func Build(r *Resolver, imports map[string][]string, calls []model.CallEdge, logger *slog.Logger) *DependencyGraph {
	g := New()
	for from, targets := range ResolveImports(r, imports, logger) {
		for _, to := range targets {
			g.AddEdge(from, to)
		}
	}
	for _, e := range calls {
		g.AddEdge(e.From, e.To)
	}
	return g
}

// AddEdge records that from depends on to. Self edges are ignored.
func (g *DependencyGraph) AddEdge(from, to string) {
	if from == to {
		return
	}
	if g.forward[from] == nil {
		g.forward[from] = make(map[string]struct{})
	}
	g.forward[from][to] = struct{}{}
	if g.reverse[to] == nil {
		g.reverse[to] = make(map[string]struct{})
	}
	g.reverse[to][from] = struct{}{}
}

// DependsOn returns the files that file depends on, sorted.
func (g *DependencyGraph) DependsOn(file string) []string {
	return sortedKeys(g.forward[file])
}

// Dependents returns the files that depend on file, sorted.
func (g *DependencyGraph) Dependents(file string) []string {
	return sortedKeys(g.reverse[file])
}

// Affected returns the changed files plus their direct dependents. The
// closure is deliberately one hop deep.
func (g *DependencyGraph) Affected(changed []string) []string {
	set := make(map[string]struct{}, len(changed))
	for _, f := range changed {
		set[f] = struct{}{}
		for dep := range g.reverse[f] {
			set[dep] = struct{}{}
		}
	}
	return sortedKeys(set)
}

// AffectedModules maps affected files to the modules that must be rebuilt:
// the modules holding them under the old and the new partition, plus every
// module whose file list differs between the two.
func AffectedModules(affected []string, oldMap, newMap map[string]string, oldFiles, newFiles map[string][]string) []string {
	set := make(map[string]struct{})
	for _, f := range affected {
		if id, ok := oldMap[f]; ok {
			set[id] = struct{}{}
		}
		if id, ok := newMap[f]; ok {
			set[id] = struct{}{}
		}
	}
	for id, files := range newFiles {
		if !equalFiles(files, oldFiles[id]) {
			set[id] = struct{}{}
		}
	}
	for id := range oldFiles {
		if _, ok := newFiles[id]; !ok {
			set[id] = struct{}{}
		}
	}
	return sortedKeys(set)
}

func equalFiles(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	x := append([]string(nil), a...)
	y := append([]string(nil), b...)
	sort.Strings(x)
	sort.Strings(y)
	for i := range x {
		if x[i] != y[i] {
			return false
		}
	}
	return true
}
