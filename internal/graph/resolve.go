package graph

import (
	"errors"
	"log/slog"
	"path"
	"sort"
	"strings"

	"github.com/phobologic/repoindex/internal/lang"
)

var (
	// ErrUnresolved means an import names nothing in the file set,
	// typically a standard library or third-party package.
	ErrUnresolved = errors.New("import not resolved")
	// ErrAmbiguous means several files match an import equally well.
	ErrAmbiguous = errors.New("import ambiguous")
)

// Resolver maps raw import strings to files in the current file set.
type Resolver struct {
	files    map[string]struct{}
	goDirs   map[string][]string // directory -> .go files (tests excluded)
	byBase   map[string][]string // base name -> files
	goModule string
}

// NewResolver indexes the given slash-separated file paths. goModule is the
// module path from go.mod, or "" when the tree has none.
func NewResolver(files []string, goModule string) *Resolver {
	r := &Resolver{
		files:    make(map[string]struct{}, len(files)),
		goDirs:   make(map[string][]string),
		byBase:   make(map[string][]string),
		goModule: goModule,
	}
	for _, f := range files {
		r.files[f] = struct{}{}
		r.byBase[path.Base(f)] = append(r.byBase[path.Base(f)], f)
		if path.Ext(f) == ".go" && !strings.HasSuffix(f, "_test.go") {
			dir := path.Dir(f)
			r.goDirs[dir] = append(r.goDirs[dir], f)
		}
	}
	for _, list := range r.goDirs {
		sort.Strings(list)
	}
	for _, list := range r.byBase {
		sort.Strings(list)
	}
	return r
}

// Resolve returns the files that an import in from refers to. Go imports
// resolve to every file of the imported package.
func (r *Resolver) Resolve(from, raw string) ([]string, error) {
	var targets []string
	var err error
	switch lang.ForExtension(path.Ext(from)) {
	case "python":
		targets, err = r.resolvePython(from, raw)
	case "go":
		targets, err = r.resolveGo(raw)
	case "ruby":
		targets, err = r.resolveRuby(from, raw)
	default:
		targets, err = r.resolvePathLike(from, raw)
	}
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(targets))
	for _, t := range targets {
		if t != from {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return nil, ErrUnresolved
	}
	return out, nil
}

func (r *Resolver) has(f string) bool {
	_, ok := r.files[f]
	return ok
}

// first returns the first candidate present in the file set.
func (r *Resolver) first(candidates ...string) (string, bool) {
	for _, c := range candidates {
		c = path.Clean(c)
		if r.has(c) {
			return c, true
		}
	}
	return "", false
}

// bySuffix finds files whose path ends in "/"+suffix.
func (r *Resolver) bySuffix(suffix string) ([]string, error) {
	var matches []string
	for _, f := range r.byBase[path.Base(suffix)] {
		if strings.HasSuffix(f, "/"+suffix) {
			matches = append(matches, f)
		}
	}
	switch len(matches) {
	case 0:
		return nil, ErrUnresolved
	case 1:
		return matches, nil
	default:
		return nil, ErrAmbiguous
	}
}

func (r *Resolver) resolvePython(from, raw string) ([]string, error) {
	if strings.HasPrefix(raw, ".") {
		dots := len(raw) - len(strings.TrimLeft(raw, "."))
		base := path.Dir(from)
		for i := 1; i < dots; i++ {
			base = path.Dir(base)
		}
		rest := strings.ReplaceAll(strings.TrimLeft(raw, "."), ".", "/")
		if rest == "" {
			if f, ok := r.first(path.Join(base, "__init__.py")); ok {
				return []string{f}, nil
			}
			return nil, ErrUnresolved
		}
		if f, ok := r.first(path.Join(base, rest+".py"), path.Join(base, rest, "__init__.py")); ok {
			return []string{f}, nil
		}
		return nil, ErrUnresolved
	}

	rel := strings.ReplaceAll(raw, ".", "/")
	if f, ok := r.first(rel+".py", path.Join(rel, "__init__.py")); ok {
		return []string{f}, nil
	}
	// src layouts and nested packages
	targets, err := r.bySuffix(rel + ".py")
	if errors.Is(err, ErrUnresolved) {
		return r.bySuffix(path.Join(rel, "__init__.py"))
	}
	return targets, err
}

func (r *Resolver) resolveGo(raw string) ([]string, error) {
	if r.goModule != "" {
		if raw == r.goModule {
			if files := r.goDirs["."]; len(files) > 0 {
				return files, nil
			}
			return nil, ErrUnresolved
		}
		if rest, ok := strings.CutPrefix(raw, r.goModule+"/"); ok {
			if files := r.goDirs[rest]; len(files) > 0 {
				return files, nil
			}
			return nil, ErrUnresolved
		}
		return nil, ErrUnresolved
	}

	// Without go.mod only module-style paths are matched, by the longest
	// directory that is a suffix of the import path.
	first, _, _ := strings.Cut(raw, "/")
	if !strings.Contains(first, ".") {
		return nil, ErrUnresolved
	}
	best := ""
	for dir := range r.goDirs {
		if dir == "." {
			continue
		}
		if (raw == dir || strings.HasSuffix(raw, "/"+dir)) && len(dir) > len(best) {
			best = dir
		}
	}
	if best == "" {
		return nil, ErrUnresolved
	}
	return r.goDirs[best], nil
}

func (r *Resolver) resolveRuby(from, raw string) ([]string, error) {
	name := strings.TrimSuffix(raw, ".rb")
	if strings.HasPrefix(name, "./") || strings.HasPrefix(name, "../") {
		if f, ok := r.first(path.Join(path.Dir(from), name+".rb")); ok {
			return []string{f}, nil
		}
		return nil, ErrUnresolved
	}
	if f, ok := r.first(name+".rb", path.Join("lib", name+".rb")); ok {
		return []string{f}, nil
	}
	return r.bySuffix(name + ".rb")
}

func (r *Resolver) resolvePathLike(from, raw string) ([]string, error) {
	if !strings.Contains(raw, "/") {
		return nil, ErrUnresolved
	}
	ext := path.Ext(from)
	if f, ok := r.first(path.Join(path.Dir(from), raw), path.Join(path.Dir(from), raw+ext), raw, raw+ext); ok {
		return []string{f}, nil
	}
	return nil, ErrUnresolved
}

// ResolveImports resolves every file's raw imports. Ambiguous imports are
// dropped with a warning, unresolved ones at debug level.
func ResolveImports(r *Resolver, imports map[string][]string, logger *slog.Logger) map[string][]string {
	out := make(map[string][]string, len(imports))
	for _, from := range sortedKeys(imports) {
		seen := make(map[string]struct{})
		for _, raw := range imports[from] {
			targets, err := r.Resolve(from, raw)
			switch {
			case errors.Is(err, ErrAmbiguous):
				logger.Warn("ambiguous import dropped", "path", from, "import", raw)
				continue
			case err != nil:
				logger.Debug("unresolved import", "path", from, "import", raw)
				continue
			}
			for _, t := range targets {
				if _, dup := seen[t]; !dup {
					seen[t] = struct{}{}
					out[from] = append(out[from], t)
				}
			}
		}
		sort.Strings(out[from])
	}
	return out
}
