// Package toon renders index documents in TOON (Token-Oriented Object
// Notation), a compact tabular form for agents.
package toon

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/phobologic/repoindex/internal/model"
)

var (
	needsQuoting = regexp.MustCompile(`[,:"\\{}\[\]]`)
	looksNumeric = regexp.MustCompile(`^-?(?:0|[1-9]\d*)(?:\.\d+)?$`)
	keywords     = map[string]struct{}{
		"true":  {},
		"false": {},
		"null":  {},
	}
)

// EncodeCore renders the navigation view of a core document.
func EncodeCore(core *model.CoreIndex) string {
	var parts []string

	parts = append(parts, fmt.Sprintf("project: %s", encodeValue(core.Project)))
	parts = append(parts, fmt.Sprintf("version: %s", encodeValue(core.Version)))
	parts = append(parts, fmt.Sprintf("commit: %s", encodeValue(core.Baseline.Commit)))
	parts = append(parts, fmt.Sprintf("stats: %s", encodeValue(fmt.Sprintf("%d files %d modules %d functions %d classes %d tests",
		core.Stats.TotalFiles, core.Stats.TotalModules, core.Stats.TotalFunctions, core.Stats.TotalClasses, core.Stats.TestFiles))))
	if core.Stats.SkipDetails {
		parts = append(parts, "details: false")
	}

	var moduleRows [][]string
	for _, id := range core.ModuleIDs() {
		ref := core.ModuleReferences[id]
		moduleRows = append(moduleRows, []string{
			id,
			ref.Directory,
			strconv.Itoa(ref.FileCount),
			strconv.Itoa(ref.FunctionCount),
			strconv.Itoa(ref.ClassCount),
		})
	}
	parts = append(parts, formatTabular("modules", []string{"id", "directory", "files", "functions", "classes"}, moduleRows))

	var docRows [][]string
	for _, d := range core.CriticalDocs {
		docRows = append(docRows, []string{d})
	}
	parts = append(parts, formatTabular("docs", []string{"path"}, docRows))

	parts = append(parts, formatTabular("calls", []string{"from", "caller", "to", "callee"}, edgeRows(core.GlobalCallGraph)))

	return strings.Join(parts, "\n")
}

// EncodeModule renders the symbols and local calls of a module document.
func EncodeModule(dm *model.DetailModule) string {
	var parts []string

	parts = append(parts, fmt.Sprintf("module: %s", encodeValue(dm.ModuleID)))
	parts = append(parts, fmt.Sprintf("directory: %s", encodeValue(dm.Directory)))

	files := make([]string, 0, len(dm.Files))
	for f := range dm.Files {
		files = append(files, f)
	}
	sort.Strings(files)

	var fileRows, symbolRows [][]string
	for _, f := range files {
		fs := dm.Files[f]
		fileRows = append(fileRows, []string{f, fs.Language, strings.Join(fs.Imports, " ")})
		for _, cls := range fs.Classes {
			symbolRows = append(symbolRows, []string{f, cls.Name, string(model.KindClass), strconv.Itoa(cls.Line), ""})
		}
		for _, fn := range fs.Functions {
			kind := model.KindFunction
			if strings.Contains(fn.Name, ".") {
				kind = model.KindMethod
			}
			symbolRows = append(symbolRows, []string{f, fn.Name, string(kind), strconv.Itoa(fn.Line), signature(fn)})
		}
	}
	parts = append(parts, formatTabular("files", []string{"path", "language", "imports"}, fileRows))
	parts = append(parts, formatTabular("symbols", []string{"file", "name", "kind", "line", "signature"}, symbolRows))
	parts = append(parts, formatTabular("calls", []string{"from", "caller", "to", "callee"}, edgeRows(dm.LocalCallGraph)))

	return strings.Join(parts, "\n")
}

func signature(fn model.Function) string {
	name := fn.Name
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	sig := name + "(" + strings.Join(fn.Params, ", ") + ")"
	if fn.Returns != "" {
		sig += " -> " + fn.Returns
	}
	return sig
}

func edgeRows(edges []model.CallEdge) [][]string {
	rows := make([][]string, 0, len(edges))
	for _, e := range edges {
		rows = append(rows, []string{e.From, e.Caller, e.To, e.Callee})
	}
	return rows
}

func formatTabular(name string, columns []string, rows [][]string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s[%d]{%s}:", name, len(rows), strings.Join(columns, ","))
	for _, row := range rows {
		encoded := make([]string, len(row))
		for i, cell := range row {
			encoded[i] = encodeValue(cell)
		}
		fmt.Fprintf(&b, "\n  %s", strings.Join(encoded, ","))
	}
	return b.String()
}

func encodeValue(value string) string {
	if value == "" {
		return `""`
	}

	if value != strings.TrimSpace(value) {
		return quote(value)
	}

	if strings.ContainsAny(value, "\n\r\t") {
		return quote(value)
	}

	if _, ok := keywords[strings.ToLower(value)]; ok {
		return quote(value)
	}

	if looksNumeric.MatchString(value) {
		return value
	}

	if needsQuoting.MatchString(value) {
		return quote(value)
	}

	if strings.HasPrefix(value, "-") {
		return quote(value)
	}

	return value
}

func quote(value string) string {
	escaped := strings.ReplaceAll(value, `\`, `\\`)
	escaped = strings.ReplaceAll(escaped, `"`, `\"`)
	escaped = strings.ReplaceAll(escaped, "\n", `\n`)
	escaped = strings.ReplaceAll(escaped, "\r", `\r`)
	escaped = strings.ReplaceAll(escaped, "\t", `\t`)
	return `"` + escaped + `"`
}
