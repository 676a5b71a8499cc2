// Package extract turns source files into per-file symbol data using
// tree-sitter tag queries.
package extract

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/phobologic/repoindex/internal/lang"
	"github.com/phobologic/repoindex/internal/model"
)

// ErrUnsupported is returned for languages without a registered grammar.
var ErrUnsupported = errors.New("unsupported language")

// Extractor reports the symbols defined, imported and called by one file.
type Extractor interface {
	Extract(path string, source []byte, language string) (model.FileSymbols, error)
}

// Func adapts an ordinary function to the Extractor interface.
type Func func(path string, source []byte, language string) (model.FileSymbols, error)

// Extract calls f(path, source, language).
func (f Func) Extract(path string, source []byte, language string) (model.FileSymbols, error) {
	return f(path, source, language)
}

// TreeSitter is the Extractor backed by the lang registry.
type TreeSitter struct{}

// New returns a tree-sitter extractor. It is safe for concurrent use.
func New() *TreeSitter {
	return &TreeSitter{}
}

type callSite struct {
	caller string
	callee string
	start  uint32
}

// Extract parses source and returns its functions, classes, imports and
// per-function call lists. filePath is the repo-relative path.
func (ts *TreeSitter) Extract(filePath string, source []byte, language string) (model.FileSymbols, error) {
	l := lang.Languages[language]
	if l == nil {
		return model.FileSymbols{}, fmt.Errorf("%s: %w", language, ErrUnsupported)
	}
	fs := model.FileSymbols{Language: language}
	if len(source) == 0 {
		return fs, nil
	}

	query, err := l.GetTagQuery()
	if err != nil {
		return fs, fmt.Errorf("loading %s query: %w", language, err)
	}

	parser := l.AcquireParser()
	defer l.ReleaseParser(parser)

	tree, err := parser.ParseCtx(context.Background(), nil, source)
	if err != nil {
		return fs, fmt.Errorf("parsing %s: %w", filePath, err)
	}
	defer tree.Close()

	qc := sitter.NewQueryCursor()
	defer qc.Close()
	qc.Exec(query, tree.RootNode())

	classIdx := make(map[string]int)
	funcIdx := make(map[string]int)
	importSeen := make(map[string]bool)
	importNodes := make(map[uint32]bool)
	var calls []callSite

	for {
		match, ok := qc.NextMatch()
		if !ok {
			break
		}
		match = qc.FilterPredicates(match, source)
		if len(match.Captures) == 0 {
			continue
		}

		var nameNode, defNode *sitter.Node
		var captureName string
		for _, c := range match.Captures {
			cname := query.CaptureNameForId(c.Index)
			switch {
			case cname == "name":
				nameNode = c.Node
			case strings.HasPrefix(cname, "definition.") || strings.HasPrefix(cname, "reference."):
				captureName = cname
				defNode = c.Node
			}
		}
		if defNode == nil {
			continue
		}

		if captureName == "reference.import" {
			importNodes[defNode.StartByte()] = true
			for _, target := range l.ImportTargets(defNode, source) {
				if !importSeen[target] {
					importSeen[target] = true
					fs.Imports = append(fs.Imports, target)
				}
			}
			continue
		}
		if nameNode == nil {
			continue
		}
		name := lang.NodeText(nameNode, source)
		line := int(nameNode.StartPoint().Row) + 1

		switch captureName {
		case "definition.class":
			if _, dup := classIdx[name]; dup {
				continue
			}
			classIdx[name] = len(fs.Classes)
			fs.Classes = append(fs.Classes, model.Class{Name: name, Line: line})

		case "definition.function", "definition.method":
			var owner string
			if captureName == "definition.method" && l.FindReceiverType != nil {
				owner = l.FindReceiverType(defNode, source)
			} else if l.FindMethodClass != nil {
				owner = l.FindMethodClass(defNode, source)
			}
			qualified := name
			if owner != "" {
				qualified = owner + "." + name
			}
			if _, dup := funcIdx[qualified]; dup {
				continue
			}
			funcIdx[qualified] = len(fs.Functions)
			fn := model.Function{
				Name:     qualified,
				Line:     line,
				Category: Categorize(filePath, name),
			}
			if l.Params != nil {
				fn.Params = l.Params(defNode, source)
			}
			if l.Returns != nil {
				fn.Returns = l.Returns(defNode, source)
			}
			fs.Functions = append(fs.Functions, fn)
			if owner != "" {
				if ci, ok := classIdx[owner]; ok {
					fs.Classes[ci].Methods = append(fs.Classes[ci].Methods, name)
				} else {
					pendingMethods(&fs, owner, name)
				}
			}

		case "reference.call":
			caller := l.FindEnclosingDef(defNode, source)
			if caller == "" {
				continue
			}
			calls = append(calls, callSite{caller: caller, callee: name, start: defNode.StartByte()})
		}
	}

	attachCalls(&fs, funcIdx, calls, importNodes)
	finish(&fs)
	return fs, nil
}

// pendingMethods records a method whose class is declared later in the file
// (Go receivers may precede their type). Methods of types declared in other
// files are dropped by finish.
func pendingMethods(fs *model.FileSymbols, owner, method string) {
	for i := range fs.Classes {
		if fs.Classes[i].Name == owner {
			fs.Classes[i].Methods = append(fs.Classes[i].Methods, method)
			return
		}
	}
	fs.Classes = append(fs.Classes, model.Class{Name: owner, Line: -1, Methods: []string{method}})
}

func attachCalls(fs *model.FileSymbols, funcIdx map[string]int, calls []callSite, importNodes map[uint32]bool) {
	perCaller := make(map[string]map[string]bool)
	for _, c := range calls {
		if importNodes[c.start] {
			continue
		}
		if _, ok := funcIdx[c.caller]; !ok {
			continue
		}
		if perCaller[c.caller] == nil {
			perCaller[c.caller] = make(map[string]bool)
		}
		perCaller[c.caller][c.callee] = true
	}
	for caller, set := range perCaller {
		callees := make([]string, 0, len(set))
		for callee := range set {
			callees = append(callees, callee)
		}
		sort.Strings(callees)
		fs.Functions[funcIdx[caller]].Calls = callees
	}
}

// finish merges placeholder classes into their real declarations and puts
// everything in line order.
func finish(fs *model.FileSymbols) {
	kept := fs.Classes[:0]
	var placeholders []model.Class
	for _, cls := range fs.Classes {
		if cls.Line < 0 {
			placeholders = append(placeholders, cls)
			continue
		}
		kept = append(kept, cls)
	}
	for _, ph := range placeholders {
		for i := range kept {
			if kept[i].Name == ph.Name {
				kept[i].Methods = append(kept[i].Methods, ph.Methods...)
			}
		}
	}
	fs.Classes = kept
	if len(fs.Classes) == 0 {
		fs.Classes = nil
	}

	for i := range fs.Classes {
		sort.Strings(fs.Classes[i].Methods)
	}
	sort.SliceStable(fs.Classes, func(i, j int) bool { return fs.Classes[i].Line < fs.Classes[j].Line })
	sort.SliceStable(fs.Functions, func(i, j int) bool {
		if fs.Functions[i].Line != fs.Functions[j].Line {
			return fs.Functions[i].Line < fs.Functions[j].Line
		}
		return fs.Functions[i].Name < fs.Functions[j].Name
	})
}

// Categorize labels test functions and program entry points.
func Categorize(filePath, name string) string {
	base := path.Base(filePath)
	switch {
	case name == "main":
		return "entrypoint"
	case strings.HasSuffix(base, "_test.go") && (strings.HasPrefix(name, "Test") || strings.HasPrefix(name, "Benchmark")):
		return "test"
	case strings.HasPrefix(name, "test_"):
		return "test"
	case strings.HasSuffix(base, "_spec.rb") || strings.HasSuffix(base, "_test.rb"):
		return "test"
	}
	return ""
}
