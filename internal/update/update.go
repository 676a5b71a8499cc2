// Package update keeps a committed index in step with the working tree.
//
// A run detects changed files, widens them by one hop of reverse
// dependencies, rebuilds only the modules holding the affected files and
// rewrites the core. Every run ends with a validation pass; an incremental
// run that fails it is replaced by a full regeneration.
package update

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/phobologic/repoindex/internal/builder"
	"github.com/phobologic/repoindex/internal/discover"
	"github.com/phobologic/repoindex/internal/extract"
	"github.com/phobologic/repoindex/internal/graph"
	"github.com/phobologic/repoindex/internal/loader"
	"github.com/phobologic/repoindex/internal/metrics"
	"github.com/phobologic/repoindex/internal/model"
	"github.com/phobologic/repoindex/internal/partition"
	"github.com/phobologic/repoindex/internal/store"
	"github.com/phobologic/repoindex/internal/vcs"
)

// ErrValidation means a committed index failed its structural or hash checks.
var ErrValidation = errors.New("index validation failed")

// CorrectiveAction is appended when a full regeneration does not validate.
const CorrectiveAction = "remove the index directory and run `repoindex build --full`"

// Store is the persistence an Updater needs. *store.Store implements it.
type Store interface {
	builder.Writer
	loader.Reader
	HashModule(id string) (string, error)
	Backup(name string, now time.Time) (string, error)
}

// Options configures an Updater. Builder.SkipDetails is decided per run.
type Options struct {
	Builder  builder.Options
	Discover discover.Options
}

// Updater runs updates against one index. Runs are serialized.
type Updater struct {
	store     Store
	extractor extract.Extractor
	detector  vcs.Detector
	opts      Options
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time

	mu sync.Mutex
}

// New returns an updater. m may be nil.
func New(st Store, extractor extract.Extractor, detector vcs.Detector, opts Options, m *metrics.Metrics, logger *slog.Logger) *Updater {
	return &Updater{
		store:     st,
		extractor: extractor,
		detector:  detector,
		opts:      opts,
		metrics:   m,
		logger:    logger,
		now:       time.Now,
	}
}

// Run performs one update. The report is returned even when err is set.
func (u *Updater) Run(ctx context.Context, mode Mode) (*Report, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	start := time.Now()
	r := &run{u: u, report: &Report{RunID: uuid.NewString(), Mode: mode}}
	r.logger = u.logger.With("run", r.report.RunID)

	err := r.execute(ctx)

	result := "success"
	switch {
	case err != nil:
		result = "error"
	case mode == ModeIncremental && r.report.FullRegeneration:
		result = "fallback"
	case !r.report.Written():
		result = "noop"
	}
	u.metrics.ObserveUpdate(string(mode), result, time.Since(start))
	return r.report, err
}

func (u *Updater) builder(skip bool, logger *slog.Logger) *builder.Builder {
	opts := u.opts.Builder
	opts.SkipDetails = skip
	return builder.New(u.extractor, opts, logger)
}

// run carries the state of one Run call.
type run struct {
	u      *Updater
	report *Report
	state  State
	logger *slog.Logger
}

func (r *run) to(s State, reason string) {
	r.report.Transitions = append(r.report.Transitions, Transition{
		From:   r.state,
		To:     s,
		Reason: reason,
		At:     r.u.now().UTC(),
	})
	attrs := []any{"from", r.state.String(), "to", s.String()}
	if reason != "" {
		attrs = append(attrs, "reason", reason)
	}
	r.logger.Info("update state", attrs...)
	r.state = s
}

func (r *run) abort(err error) error {
	r.to(Idle, err.Error())
	return err
}

func (r *run) execute(ctx context.Context) error {
	switch r.report.Mode {
	case ModeFull:
		return r.full(ctx, "full regeneration requested", false)
	case ModeSkipDetails:
		return r.full(ctx, "core-only regeneration requested", true)
	case ModeIncremental:
	default:
		return fmt.Errorf("unknown update mode %q", r.report.Mode)
	}

	r.to(DetectingChanges, "")
	data, err := r.u.store.ReadCore()
	if errors.Is(err, store.ErrNotFound) {
		return r.fallback(ctx, "no_index", "no existing index", false)
	}
	if err != nil {
		return r.abort(err)
	}
	prior, err := loader.DecodeCore(data)
	if err != nil {
		if err := r.backup(); err != nil {
			return r.abort(err)
		}
		return r.fallback(ctx, "unreadable_index", err.Error(), false)
	}
	skip := prior.Stats.SkipDetails
	if prior.SchemaVersion != model.CurrentVersion {
		if err := r.backup(); err != nil {
			return r.abort(err)
		}
		return r.fallback(ctx, "old_format",
			fmt.Sprintf("index format %s predates %s", prior.Version, model.CurrentVersion), skip)
	}
	if prior.Partition != builder.Settings(r.u.opts.Builder.Partition) {
		return r.fallback(ctx, "partition_changed", "partition settings changed", skip)
	}
	if err := checkModules(r.u.store, prior.CoreIndex, nil); err != nil {
		return r.fallback(ctx, "invalid_index", err.Error(), skip)
	}

	cs, err := r.u.detector.Detect(ctx, prior.Baseline)
	if err != nil {
		if ctx.Err() != nil {
			return r.abort(ctx.Err())
		}
		return r.fallback(ctx, "detector_unavailable", err.Error(), skip)
	}
	files, err := discover.Files(r.u.opts.Builder.Root, r.u.opts.Discover)
	if err != nil {
		return r.abort(err)
	}
	cs = reconcile(cs, prior.CoreIndex, files)
	r.report.Changes = cs
	if cs.Empty() {
		r.to(NoChanges, "")
		r.to(Idle, "")
		return nil
	}
	r.to(Detected, fmt.Sprintf("%d added, %d modified, %d deleted", len(cs.Added), len(cs.Modified), len(cs.Deleted)))

	err = r.incremental(ctx, prior, files, cs)
	var writeErr *store.WriteError
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return r.abort(ctx.Err())
	case errors.As(err, &writeErr):
		return r.fallback(ctx, "write_failed", err.Error(), skip)
	case errors.Is(err, ErrValidation):
		return r.fallback(ctx, "validation_failed", err.Error(), skip)
	default:
		return r.fallback(ctx, "error", err.Error(), skip)
	}
}

func (r *run) backup() error {
	p, err := r.u.store.Backup("pre-rebuild", r.u.now())
	if err != nil {
		return fmt.Errorf("backing up index before rebuild: %w", err)
	}
	r.report.BackupPath = p
	r.logger.Info("index backed up", "path", p)
	return nil
}

func (r *run) fallback(ctx context.Context, label, reason string, skip bool) error {
	r.u.metrics.Fallback(label)
	return r.full(ctx, reason, skip)
}

// full rebuilds every document.
func (r *run) full(ctx context.Context, reason string, skip bool) error {
	r.report.FullRegeneration = true
	r.report.Reason = reason
	r.to(FallingBackToFullRegeneration, reason)

	files, err := discover.Files(r.u.opts.Builder.Root, r.u.opts.Discover)
	if err != nil {
		return r.abort(err)
	}
	res, err := r.u.builder(skip, r.logger).Full(ctx, files)
	if err != nil {
		return r.abort(err)
	}
	r.u.metrics.FilesExtracted(len(files))
	res.Core.Baseline = r.baseline(ctx)
	if err := builder.Write(ctx, r.u.store, res); err != nil {
		return r.abort(err)
	}
	r.report.RegeneratedModules = sortedKeys(res.Modules)
	r.u.metrics.ModulesRegenerated(len(res.Modules))

	r.to(Validating, "")
	if _, err := validate(r.u.store, entryPaths(files), nil); err != nil {
		r.to(ValidationFailed, err.Error())
		r.to(Idle, "")
		return fmt.Errorf("%w; %s", err, CorrectiveAction)
	}
	r.to(Success, "")
	r.to(Idle, "")
	return nil
}

func (r *run) baseline(ctx context.Context) model.Baseline {
	b, err := r.u.detector.Current(ctx)
	if err != nil {
		r.logger.Warn("recording baseline without a commit", "err", err)
		b = model.Baseline{}
	}
	b.IndexedAt = r.u.now().UTC()
	return b
}

func (r *run) incremental(ctx context.Context, prior *loader.Core, files []discover.FileEntry, cs vcs.ChangeSet) error {
	skip := prior.Stats.SkipDetails
	b := r.u.builder(skip, r.logger)

	r.to(BuildingGraph, "")
	entries := make(map[string]discover.FileEntry, len(files))
	for _, f := range files {
		entries[f.Path] = f
	}
	changed := append(append([]string(nil), cs.Added...), cs.Modified...)
	symbols, err := b.Extract(ctx, lookup(entries, changed))
	if err != nil {
		return err
	}

	signatures := cloneMap(prior.Signatures)
	imports := cloneMap(prior.Imports)
	for _, p := range cs.Deleted {
		delete(signatures, p)
		delete(imports, p)
	}
	for p, fs := range symbols {
		signatures[p] = fs.Signatures()
		imports[p] = fs.Imports
	}

	newPaths := entryPaths(files)
	resolver := b.Resolver(union(prior.Files(), newPaths))
	deps := graph.Build(resolver, imports, prior.GlobalCallGraph, r.logger)
	r.report.AffectedFiles = deps.Affected(cs.Paths())

	r.to(IdentifyingAffectedModules, fmt.Sprintf("%d affected files", len(r.report.AffectedFiles)))
	part, err := partition.Plan(newPaths, r.u.opts.Builder.Partition)
	if err != nil {
		return err
	}
	oldFiles := make(map[string][]string, len(prior.ModuleReferences))
	for id, ref := range prior.ModuleReferences {
		oldFiles[id] = ref.Files
	}
	newFiles := make(map[string][]string, len(part.Modules))
	for id, m := range part.Modules {
		newFiles[id] = m.Files
	}
	var regen, removed []string
	for _, id := range graph.AffectedModules(r.report.AffectedFiles, prior.FileToModule, part.FileToModule, oldFiles, newFiles) {
		if _, ok := part.Modules[id]; ok {
			regen = append(regen, id)
		} else {
			removed = append(removed, id)
		}
	}

	r.to(RegeneratingModules, fmt.Sprintf("%d modules", len(regen)))
	var need []string
	for _, id := range regen {
		for _, f := range part.Modules[id].Files {
			if _, ok := symbols[f]; !ok {
				need = append(need, f)
			}
		}
	}
	more, err := b.Extract(ctx, lookup(entries, need))
	if err != nil {
		return err
	}
	for p, fs := range more {
		symbols[p] = fs
		signatures[p] = fs.Signatures()
		imports[p] = fs.Imports
	}
	r.u.metrics.FilesExtracted(len(symbols))

	docs, hashes, cross, err := r.regenerate(ctx, b, part, regen, symbols, signatures, imports, skip)
	if err != nil {
		return err
	}

	r.to(UpdatingCoreIndex, "")
	core := &model.CoreIndex{
		Version:          model.CurrentVersion.String(),
		Project:          b.Options().Project,
		Tree:             builder.Tree(newPaths),
		Signatures:       signatures,
		Imports:          imports,
		ModuleReferences: make(map[string]model.ModuleReference, len(part.Modules)),
		FileToModule:     part.FileToModule,
		Partition:        prior.Partition,
	}
	core.CriticalDocs, err = discover.CriticalDocs(r.u.opts.Builder.Root, r.u.opts.Builder.CriticalDocs)
	if err != nil {
		return err
	}
	if !skip {
		core.ModuleHashes = make(map[string]string, len(part.Modules))
	}
	rebuilt := make(map[string]struct{})
	for id := range part.Modules {
		if dm, ok := docs[id]; ok {
			core.ModuleReferences[id] = builder.Reference(dm)
			for f := range dm.Files {
				rebuilt[f] = struct{}{}
			}
			if !skip {
				core.ModuleHashes[id] = hashes[id]
			}
			continue
		}
		core.ModuleReferences[id] = prior.ModuleReferences[id]
		if !skip {
			core.ModuleHashes[id] = prior.ModuleHashes[id]
		}
	}
	core.GlobalCallGraph = mergeGlobal(prior.GlobalCallGraph, cross, rebuilt, signatures)
	core.Stats = builder.ComputeStats(core)
	core.Stats.SkipDetails = skip
	core.Baseline = r.baseline(ctx)

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := r.u.store.WriteCore(core); err != nil {
		return err
	}
	if err := builder.RemoveStale(r.u.store, core); err != nil {
		return err
	}
	r.report.RegeneratedModules = regen
	r.report.RemovedModules = removed
	r.u.metrics.ModulesRegenerated(len(regen))

	r.to(Validating, "")
	if _, err := validate(r.u.store, newPaths, regen); err != nil {
		r.to(ValidationFailed, err.Error())
		return err
	}
	r.to(Success, "")
	r.to(Idle, "")
	return nil
}

// regenerate rebuilds and writes the given modules in parallel. It returns
// the new documents, their hashes and the cross-module edges leaving them.
func (r *run) regenerate(ctx context.Context, b *builder.Builder, part *partition.Partition, ids []string,
	symbols map[string]model.FileSymbols, signatures map[string][]model.Signature, imports map[string][]string, skip bool,
) (map[string]*model.DetailModule, map[string]string, []model.CallEdge, error) {
	var mu sync.Mutex
	docs := make(map[string]*model.DetailModule, len(ids))
	hashes := make(map[string]string, len(ids))
	var cross []model.CallEdge

	limit := b.Options().Workers
	if limit <= 0 {
		limit = runtime.GOMAXPROCS(0)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, id := range ids {
		m := part.Modules[id]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			own := make(map[string]model.FileSymbols, len(m.Files))
			for _, f := range m.Files {
				own[f] = symbols[f]
			}
			edges := b.CallEdges(own, signatures, imports, part.FileToModule)
			local, global := graph.SplitEdges(edges, part.FileToModule)
			dm := builder.BuildModule(m, own, local[id])

			var hash string
			if !skip {
				var err error
				if hash, err = r.u.store.WriteModule(dm); err != nil {
					return fmt.Errorf("writing module %s: %w", id, err)
				}
			}
			mu.Lock()
			defer mu.Unlock()
			docs[id] = dm
			hashes[id] = hash
			cross = append(cross, global...)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, nil, err
	}
	return docs, hashes, cross, nil
}

// Validate checks the committed index: the core decodes and is consistent,
// and every module document on disk matches the hash the core records.
func Validate(st Store) error {
	_, err := validate(st, nil, nil)
	return err
}

// validate re-reads the core from st. When files is non-nil the partition
// must cover exactly those files. Only the listed modules are hashed; nil
// means all of them.
func validate(st Store, files []string, ids []string) (*loader.Core, error) {
	data, err := st.ReadCore()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	core, err := loader.DecodeCore(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	if files != nil {
		if got := core.Files(); !equalSorted(got, files) {
			return nil, fmt.Errorf("%w: index covers %d files, tree has %d", ErrValidation, len(got), len(files))
		}
	}
	if err := checkModules(st, core.CoreIndex, ids); err != nil {
		return nil, err
	}
	return core, nil
}

// checkModules compares module documents on disk with the recorded hashes.
func checkModules(st Store, core *model.CoreIndex, ids []string) error {
	if core.Stats.SkipDetails {
		return nil
	}
	if ids == nil {
		ids = core.ModuleIDs()
	}
	var problems []error
	for _, id := range ids {
		got, err := st.HashModule(id)
		if err != nil {
			problems = append(problems, fmt.Errorf("module %s: %w", id, err))
			continue
		}
		if want := core.ModuleHashes[id]; got != want {
			problems = append(problems, fmt.Errorf("module %s: hash on disk does not match the core", id))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %w", ErrValidation, errors.Join(problems...))
	}
	return nil
}

// reconcile restricts a change set to indexable files and adds files that
// entered or left the discovered set without a VCS change, such as after a
// configuration edit.
func reconcile(cs vcs.ChangeSet, prior *model.CoreIndex, files []discover.FileEntry) vcs.ChangeSet {
	now := make(map[string]struct{}, len(files))
	for _, f := range files {
		now[f.Path] = struct{}{}
	}
	old := make(map[string]struct{})
	for _, f := range prior.Files() {
		old[f] = struct{}{}
	}

	var out vcs.ChangeSet
	seen := make(map[string]struct{})
	classify := func(p string) {
		if _, ok := seen[p]; ok {
			return
		}
		seen[p] = struct{}{}
		_, inNow := now[p]
		_, inOld := old[p]
		switch {
		case inNow && inOld:
			out.Modified = append(out.Modified, p)
		case inNow:
			out.Added = append(out.Added, p)
		case inOld:
			out.Deleted = append(out.Deleted, p)
		}
	}
	for _, p := range cs.Paths() {
		classify(p)
	}
	for p := range now {
		if _, ok := old[p]; !ok {
			classify(p)
		}
	}
	for p := range old {
		if _, ok := now[p]; !ok {
			classify(p)
		}
	}
	sort.Strings(out.Added)
	sort.Strings(out.Modified)
	sort.Strings(out.Deleted)
	return out
}

// mergeGlobal keeps prior cross-module edges that leave files which were not
// rebuilt and still point at a defined symbol, then adds the fresh edges.
func mergeGlobal(prior, fresh []model.CallEdge, rebuilt map[string]struct{}, signatures map[string][]model.Signature) []model.CallEdge {
	defined := func(file, name string) bool {
		for _, s := range signatures[file] {
			if s.Name == name {
				return true
			}
		}
		return false
	}
	seen := make(map[model.CallEdge]struct{})
	var out []model.CallEdge
	add := func(e model.CallEdge) {
		if _, dup := seen[e]; dup {
			return
		}
		seen[e] = struct{}{}
		out = append(out, e)
	}
	for _, e := range prior {
		if _, ok := rebuilt[e.From]; ok {
			continue
		}
		if _, ok := signatures[e.From]; !ok || !defined(e.To, e.Callee) {
			continue
		}
		add(e)
	}
	for _, e := range fresh {
		add(e)
	}
	model.SortEdges(out)
	return out
}

func lookup(entries map[string]discover.FileEntry, paths []string) []discover.FileEntry {
	out := make([]discover.FileEntry, 0, len(paths))
	for _, p := range paths {
		if e, ok := entries[p]; ok {
			out = append(out, e)
		}
	}
	return out
}

func entryPaths(files []discover.FileEntry) []string {
	out := make([]string, 0, len(files))
	for _, f := range files {
		out = append(out, f.Path)
	}
	sort.Strings(out)
	return out
}

func union(a, b []string) []string {
	set := make(map[string]struct{}, len(a)+len(b))
	for _, s := range a {
		set[s] = struct{}{}
	}
	for _, s := range b {
		set[s] = struct{}{}
	}
	return sortedKeys(set)
}

func equalSorted(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func cloneMap[V any](m map[string]V) map[string]V {
	if m == nil {
		return make(map[string]V)
	}
	return maps.Clone(m)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
