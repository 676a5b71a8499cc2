// Package graph resolves imports and calls between files and computes the
// set of files affected by a change.
package graph

import (
	"sort"
	"strings"

	"github.com/phobologic/repoindex/internal/model"
)

type definition struct {
	file string
	name string
}

// Definitions indexes every defined symbol by its full and short name.
type Definitions struct {
	byShort map[string][]definition
}

// NewDefinitions builds the index from per-file signatures. Qualified names
// such as "Server.Run" are reachable by "Run" and by "Server.Run".
func NewDefinitions(signatures map[string][]model.Signature) *Definitions {
	d := &Definitions{byShort: make(map[string][]definition)}
	for _, file := range sortedKeys(signatures) {
		for _, sig := range signatures[file] {
			def := definition{file: file, name: sig.Name}
			d.byShort[sig.Name] = append(d.byShort[sig.Name], def)
			if i := strings.LastIndex(sig.Name, "."); i >= 0 {
				short := sig.Name[i+1:]
				d.byShort[short] = append(d.byShort[short], def)
			}
		}
	}
	return d
}

// CallContext describes where a call site lives.
type CallContext struct {
	File     string
	Module   string
	Imports  map[string]struct{}
	ModuleOf func(file string) string
}

// Resolve picks the definition a call from ctx most plausibly targets:
// same file, then files the caller imports, then the caller's module, then
// a unique definer anywhere. Several candidates at the first matching tier
// leave the call unresolved.
func (d *Definitions) Resolve(ctx CallContext, callee string) (file, name string, ok bool) {
	candidates := d.byShort[callee]
	if len(candidates) == 0 {
		return "", "", false
	}
	tiers := []func(definition) bool{
		func(def definition) bool { return def.file == ctx.File },
		func(def definition) bool { _, ok := ctx.Imports[def.file]; return ok },
		func(def definition) bool {
			return ctx.ModuleOf != nil && ctx.Module != "" && ctx.ModuleOf(def.file) == ctx.Module
		},
		func(definition) bool { return true },
	}
	for _, tier := range tiers {
		var match []definition
		for _, def := range candidates {
			if tier(def) && !containsDef(match, def) {
				match = append(match, def)
			}
		}
		switch len(match) {
		case 0:
			continue
		case 1:
			return match[0].file, match[0].name, true
		default:
			return "", "", false
		}
	}
	return "", "", false
}

func containsDef(list []definition, def definition) bool {
	for _, d := range list {
		if d == def {
			return true
		}
	}
	return false
}

// ResolveCalls turns the per-function call lists of the given files into
// deduplicated, sorted call edges. imports holds each file's resolved import
// targets and fileToModule the partition.
func ResolveCalls(defs *Definitions, files map[string]model.FileSymbols, imports map[string][]string, fileToModule map[string]string) []model.CallEdge {
	moduleOf := func(f string) string { return fileToModule[f] }
	type key struct{ from, caller, to, callee string }
	seen := make(map[key]struct{})

	var edges []model.CallEdge
	for _, file := range sortedKeys(files) {
		ctx := CallContext{
			File:     file,
			Module:   fileToModule[file],
			Imports:  toSet(imports[file]),
			ModuleOf: moduleOf,
		}
		for _, fn := range files[file].Functions {
			for _, callee := range fn.Calls {
				to, name, ok := defs.Resolve(ctx, callee)
				if !ok {
					continue
				}
				if to == file && name == fn.Name {
					continue // recursion
				}
				k := key{file, fn.Name, to, name}
				if _, dup := seen[k]; dup {
					continue
				}
				seen[k] = struct{}{}
				edges = append(edges, model.CallEdge{From: file, Caller: fn.Name, To: to, Callee: name})
			}
		}
	}
	model.SortEdges(edges)
	return edges
}

// SplitEdges separates edges within one module from edges crossing modules.
func SplitEdges(edges []model.CallEdge, fileToModule map[string]string) (local map[string][]model.CallEdge, global []model.CallEdge) {
	local = make(map[string][]model.CallEdge)
	for _, e := range edges {
		from, to := fileToModule[e.From], fileToModule[e.To]
		if from != "" && from == to {
			local[from] = append(local[from], e)
		} else {
			global = append(global, e)
		}
	}
	return local, global
}

func toSet(list []string) map[string]struct{} {
	set := make(map[string]struct{}, len(list))
	for _, s := range list {
		set[s] = struct{}{}
	}
	return set
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
