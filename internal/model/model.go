// Package model defines the documents that make up a partitioned repository index.
package model

import (
	"sort"
	"time"
)

// SymbolKind indicates the syntactic kind of a symbol.
type SymbolKind string

const (
	KindClass    SymbolKind = "class"
	KindFunction SymbolKind = "function"
	KindMethod   SymbolKind = "method"
)

// Signature is the lightweight form of a definition kept in the core document.
type Signature struct {
	Name string `json:"name"`
	Line int    `json:"line"`
}

// Function is the full signature of a function or method.
type Function struct {
	Name     string   `json:"name"`
	Line     int      `json:"line"`
	Params   []string `json:"params,omitempty"`
	Returns  string   `json:"returns,omitempty"`
	Calls    []string `json:"calls,omitempty"`
	Category string   `json:"category,omitempty"`
}

// Class is a class, struct or module-like type with its method names.
type Class struct {
	Name    string   `json:"name"`
	Line    int      `json:"line"`
	Methods []string `json:"methods,omitempty"`
}

// FileSymbols is what an extractor reports for a single file.
type FileSymbols struct {
	Language  string     `json:"language"`
	Functions []Function `json:"functions,omitempty"`
	Classes   []Class    `json:"classes,omitempty"`
	Imports   []string   `json:"imports,omitempty"`
}

// Signatures returns the lightweight signatures of every function and class,
// ordered by line then name.
func (fs *FileSymbols) Signatures() []Signature {
	sigs := make([]Signature, 0, len(fs.Functions)+len(fs.Classes))
	for _, fn := range fs.Functions {
		sigs = append(sigs, Signature{Name: fn.Name, Line: fn.Line})
	}
	for _, cls := range fs.Classes {
		sigs = append(sigs, Signature{Name: cls.Name, Line: cls.Line})
	}
	sort.Slice(sigs, func(i, j int) bool {
		if sigs[i].Line != sigs[j].Line {
			return sigs[i].Line < sigs[j].Line
		}
		return sigs[i].Name < sigs[j].Name
	})
	return sigs
}

// CallEdge connects a calling function to the function it calls.
type CallEdge struct {
	From   string `json:"from"`
	Caller string `json:"caller"`
	To     string `json:"to"`
	Callee string `json:"callee"`
}

// SortEdges orders edges by (from, caller, to, callee).
func SortEdges(edges []CallEdge) {
	sort.Slice(edges, func(i, j int) bool {
		a, b := edges[i], edges[j]
		if a.From != b.From {
			return a.From < b.From
		}
		if a.Caller != b.Caller {
			return a.Caller < b.Caller
		}
		if a.To != b.To {
			return a.To < b.To
		}
		return a.Callee < b.Callee
	})
}

// ModuleReference describes one module inside the core document.
type ModuleReference struct {
	Directory     string   `json:"directory"`
	Files         []string `json:"files"`
	FileCount     int      `json:"file_count"`
	FunctionCount int      `json:"function_count"`
	ClassCount    int      `json:"class_count"`
}

// Baseline identifies the tree state an index was built from.
type Baseline struct {
	Commit    string            `json:"commit,omitempty"`
	// Dirty maps files that differed from Commit to a fingerprint of their
	// content when the index was built. Missing files map to "".
	Dirty     map[string]string `json:"dirty,omitempty"`
	IndexedAt time.Time         `json:"indexed_at"`
}

// PartitionSettings records the planner configuration used for an index.
type PartitionSettings struct {
	Depth          int `json:"depth"`
	SplitThreshold int `json:"split_threshold"`
	MaxDepth       int `json:"max_depth"`
}

// Stats holds aggregate counts over the whole index.
type Stats struct {
	TotalFiles     int            `json:"total_files"`
	TotalModules   int            `json:"total_modules"`
	TotalFunctions int            `json:"total_functions"`
	TotalClasses   int            `json:"total_classes"`
	TestFiles      int            `json:"test_files"`
	Languages      map[string]int `json:"languages,omitempty"`
	SkipDetails    bool           `json:"skip_details,omitempty"`
}

// CoreIndex is the single navigation document of a project.
type CoreIndex struct {
	Version          string                     `json:"version"`
	Project          string                     `json:"project"`
	Tree             map[string][]string        `json:"tree"`
	Signatures       map[string][]Signature     `json:"signatures"`
	Imports          map[string][]string        `json:"imports"`
	ModuleReferences map[string]ModuleReference `json:"module_references"`
	FileToModule     map[string]string          `json:"file_to_module_map,omitempty"`
	ModuleHashes     map[string]string          `json:"module_hashes,omitempty"`
	GlobalCallGraph  []CallEdge                 `json:"global_call_graph,omitempty"`
	CriticalDocs     []string                   `json:"critical_docs,omitempty"`
	Stats            Stats                      `json:"stats"`
	Baseline         Baseline                   `json:"baseline"`
	Partition        PartitionSettings          `json:"partition"`
}

// ModuleIDs returns the module ids of the index in sorted order.
func (c *CoreIndex) ModuleIDs() []string {
	ids := make([]string, 0, len(c.ModuleReferences))
	for id := range c.ModuleReferences {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Files returns every indexed file path in sorted order.
func (c *CoreIndex) Files() []string {
	var files []string
	for _, ref := range c.ModuleReferences {
		files = append(files, ref.Files...)
	}
	sort.Strings(files)
	return files
}

// DetailModule holds the full symbol data of one module.
type DetailModule struct {
	ModuleID       string                 `json:"module_id"`
	Version        string                 `json:"version"`
	Directory      string                 `json:"directory"`
	Files          map[string]FileSymbols `json:"files"`
	LocalCallGraph []CallEdge             `json:"local_call_graph,omitempty"`
	DocTiers       map[string][]string    `json:"doc_tiers,omitempty"`
}

// FunctionCount returns the number of functions across the module's files.
func (m *DetailModule) FunctionCount() int {
	n := 0
	for _, fs := range m.Files {
		n += len(fs.Functions)
	}
	return n
}

// ClassCount returns the number of classes across the module's files.
func (m *DetailModule) ClassCount() int {
	n := 0
	for _, fs := range m.Files {
		n += len(fs.Classes)
	}
	return n
}
