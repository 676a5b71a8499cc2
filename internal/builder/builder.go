// Package builder assembles core and module documents from source files.
package builder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"sort"
	"sync"

	"golang.org/x/mod/modfile"

	"github.com/phobologic/repoindex/internal/discover"
	"github.com/phobologic/repoindex/internal/extract"
	"github.com/phobologic/repoindex/internal/graph"
	"github.com/phobologic/repoindex/internal/lang"
	"github.com/phobologic/repoindex/internal/model"
	"github.com/phobologic/repoindex/internal/partition"
	"github.com/phobologic/repoindex/internal/store"
)

// Options configures a Builder.
type Options struct {
	Root         string
	Project      string
	Partition    partition.Config
	Workers      int
	SkipDetails  bool
	CriticalDocs []string
}

// Builder extracts files and assembles index documents. The definition
// index and resolver it builds are owned by each call.
type Builder struct {
	opts      Options
	extractor extract.Extractor
	logger    *slog.Logger
	goModule  string
}

// New returns a builder. The go.mod at the root, if any, is read once to
// resolve Go imports.
func New(extractor extract.Extractor, opts Options, logger *slog.Logger) *Builder {
	if opts.Project == "" {
		opts.Project = filepath.Base(opts.Root)
	}
	return &Builder{
		opts:      opts,
		extractor: extractor,
		logger:    logger,
		goModule:  ReadGoModule(opts.Root),
	}
}

// Options returns the builder's configuration.
func (b *Builder) Options() Options { return b.opts }

// Result is a fully assembled index that has not been written yet.
type Result struct {
	Core    *model.CoreIndex
	Modules map[string]*model.DetailModule
}

// ReadGoModule returns the module path declared by root/go.mod, or "".
func ReadGoModule(root string) string {
	data, err := os.ReadFile(filepath.Join(root, "go.mod"))
	if err != nil {
		return ""
	}
	return modfile.ModulePath(data)
}

// Extract reads and extracts files concurrently. Files that cannot be read
// or parsed are kept with empty symbols and reported as warnings.
func (b *Builder) Extract(ctx context.Context, files []discover.FileEntry) (map[string]model.FileSymbols, error) {
	type result struct {
		index   int
		symbols model.FileSymbols
	}

	numWorkers := b.opts.Workers
	if numWorkers <= 0 {
		numWorkers = runtime.GOMAXPROCS(0)
	}
	if numWorkers > len(files) {
		numWorkers = len(files)
	}

	work := make(chan int, len(files))
	results := make(chan result, len(files))

	var wg sync.WaitGroup
	for range numWorkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range work {
				if ctx.Err() != nil {
					continue
				}
				f := files[idx]
				results <- result{index: idx, symbols: b.extractOne(f)}
			}
		}()
	}

	for i := range files {
		work <- i
	}
	close(work)

	go func() {
		wg.Wait()
		close(results)
	}()

	out := make(map[string]model.FileSymbols, len(files))
	for r := range results {
		out[files[r.index].Path] = r.symbols
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (b *Builder) extractOne(f discover.FileEntry) model.FileSymbols {
	empty := model.FileSymbols{Language: f.Language}
	source, err := os.ReadFile(filepath.Join(b.opts.Root, filepath.FromSlash(f.Path)))
	if err != nil {
		b.logger.Warn("failed to read file", "path", f.Path, "err", err)
		return empty
	}
	symbols, err := b.extractor.Extract(f.Path, source, f.Language)
	switch {
	case errors.Is(err, extract.ErrUnsupported):
		b.logger.Warn("unsupported language", "path", f.Path, "language", f.Language)
		return empty
	case err != nil:
		b.logger.Warn("extraction failed", "path", f.Path, "err", err)
		return empty
	}
	symbols.Language = f.Language
	return symbols
}

// CallEdges resolves the calls made by the files in symbols. signatures and
// imports cover every file of the index so that calls into files that are
// not being rebuilt still resolve.
func (b *Builder) CallEdges(symbols map[string]model.FileSymbols, signatures map[string][]model.Signature, imports map[string][]string, fileToModule map[string]string) []model.CallEdge {
	files := make([]string, 0, len(signatures))
	for f := range signatures {
		files = append(files, f)
	}
	resolver := graph.NewResolver(files, b.goModule)
	own := make(map[string][]string, len(symbols))
	for f := range symbols {
		own[f] = imports[f]
	}
	resolved := graph.ResolveImports(resolver, own, b.logger)
	return graph.ResolveCalls(graph.NewDefinitions(signatures), symbols, resolved, fileToModule)
}

// Resolver returns an import resolver over the given files.
func (b *Builder) Resolver(files []string) *graph.Resolver {
	return graph.NewResolver(files, b.goModule)
}

// Full builds every document for the given files.
func (b *Builder) Full(ctx context.Context, files []discover.FileEntry) (*Result, error) {
	symbols, err := b.Extract(ctx, files)
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(symbols))
	for p := range symbols {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	part, err := partition.Plan(paths, b.opts.Partition)
	if err != nil {
		return nil, err
	}

	signatures := make(map[string][]model.Signature, len(symbols))
	imports := make(map[string][]string, len(symbols))
	for p, fs := range symbols {
		signatures[p] = fs.Signatures()
		imports[p] = fs.Imports
	}

	edges := b.CallEdges(symbols, signatures, imports, part.FileToModule)
	local, global := graph.SplitEdges(edges, part.FileToModule)

	core := &model.CoreIndex{
		Version:          model.CurrentVersion.String(),
		Project:          b.opts.Project,
		Tree:             Tree(paths),
		Signatures:       signatures,
		Imports:          imports,
		ModuleReferences: make(map[string]model.ModuleReference, len(part.Modules)),
		FileToModule:     part.FileToModule,
		GlobalCallGraph:  global,
		Partition:        Settings(b.opts.Partition),
	}
	core.CriticalDocs, err = discover.CriticalDocs(b.opts.Root, b.opts.CriticalDocs)
	if err != nil {
		return nil, err
	}

	res := &Result{Core: core, Modules: make(map[string]*model.DetailModule, len(part.Modules))}
	for id, m := range part.Modules {
		dm := BuildModule(m, symbols, local[id])
		res.Modules[id] = dm
		core.ModuleReferences[id] = Reference(dm)
	}

	if b.opts.SkipDetails {
		res.Modules = nil
	} else {
		core.ModuleHashes = make(map[string]string, len(res.Modules))
		for id, dm := range res.Modules {
			h, err := ModuleHash(dm)
			if err != nil {
				return nil, fmt.Errorf("hashing module %s: %w", id, err)
			}
			core.ModuleHashes[id] = h
		}
	}
	core.Stats = ComputeStats(core)
	core.Stats.SkipDetails = b.opts.SkipDetails
	return res, nil
}

// BuildModule assembles the detail document of one partition cell.
func BuildModule(m partition.Module, symbols map[string]model.FileSymbols, local []model.CallEdge) *model.DetailModule {
	dm := &model.DetailModule{
		ModuleID:  m.ID,
		Version:   model.CurrentVersion.String(),
		Directory: m.Directory,
		Files:     make(map[string]model.FileSymbols, len(m.Files)),
	}
	for _, f := range m.Files {
		fs, ok := symbols[f]
		if !ok {
			fs = model.FileSymbols{Language: lang.ForExtension(path.Ext(f))}
		}
		dm.Files[f] = fs
	}
	if len(local) > 0 {
		dm.LocalCallGraph = append([]model.CallEdge(nil), local...)
		model.SortEdges(dm.LocalCallGraph)
	}
	return dm
}

// Reference summarizes a module for the core document.
func Reference(dm *model.DetailModule) model.ModuleReference {
	files := make([]string, 0, len(dm.Files))
	for f := range dm.Files {
		files = append(files, f)
	}
	sort.Strings(files)
	return model.ModuleReference{
		Directory:     dm.Directory,
		Files:         files,
		FileCount:     len(files),
		FunctionCount: dm.FunctionCount(),
		ClassCount:    dm.ClassCount(),
	}
}

// ModuleHash returns the hash of a module's canonical serialization, which
// is what the store writes.
func ModuleHash(dm *model.DetailModule) (string, error) {
	data, err := store.Encode(dm)
	if err != nil {
		return "", err
	}
	return store.Hash(data), nil
}

// Tree groups file basenames by directory. Root files are under ".".
func Tree(paths []string) map[string][]string {
	tree := make(map[string][]string)
	for _, p := range paths {
		dir := path.Dir(p)
		tree[dir] = append(tree[dir], path.Base(p))
	}
	for _, names := range tree {
		sort.Strings(names)
	}
	return tree
}

// Settings converts planner configuration to its recorded form.
func Settings(cfg partition.Config) model.PartitionSettings {
	return model.PartitionSettings{Depth: cfg.Depth, SplitThreshold: cfg.SplitThreshold, MaxDepth: cfg.MaxDepth}
}

// ComputeStats derives aggregate counts from the core document alone.
func ComputeStats(core *model.CoreIndex) model.Stats {
	st := model.Stats{
		TotalModules: len(core.ModuleReferences),
		Languages:    make(map[string]int),
	}
	for _, ref := range core.ModuleReferences {
		st.TotalFiles += ref.FileCount
		st.TotalFunctions += ref.FunctionCount
		st.TotalClasses += ref.ClassCount
		for _, f := range ref.Files {
			if l := lang.ForExtension(path.Ext(f)); l != "" {
				st.Languages[l]++
			}
			if discover.IsTestFile(f) {
				st.TestFiles++
			}
		}
	}
	if len(st.Languages) == 0 {
		st.Languages = nil
	}
	return st
}

// Writer is the subset of the store needed to persist a Result.
type Writer interface {
	WriteModule(m *model.DetailModule) (string, error)
	WriteCore(core *model.CoreIndex) error
	RemoveModule(id string) error
	ModuleIDs() ([]string, error)
}

// Write persists a result: module documents first, then the core, then
// removal of module documents the core no longer references.
func Write(ctx context.Context, w Writer, res *Result) error {
	ids := make([]string, 0, len(res.Modules))
	for id := range res.Modules {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		hash, err := w.WriteModule(res.Modules[id])
		if err != nil {
			return err
		}
		if res.Core.ModuleHashes != nil {
			res.Core.ModuleHashes[id] = hash
		}
	}
	if err := w.WriteCore(res.Core); err != nil {
		return err
	}
	return RemoveStale(w, res.Core)
}

// RemoveStale deletes module documents that the core does not reference.
// In skip-details mode every module document is stale.
func RemoveStale(w Writer, core *model.CoreIndex) error {
	onDisk, err := w.ModuleIDs()
	if err != nil {
		return err
	}
	for _, id := range onDisk {
		_, referenced := core.ModuleReferences[id]
		if referenced && !core.Stats.SkipDetails {
			continue
		}
		if err := w.RemoveModule(id); err != nil {
			return err
		}
	}
	return nil
}
