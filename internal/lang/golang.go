package lang

import (
	"strconv"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
)

func init() {
	Languages["go"] = &Language{
		Name:             "go",
		Extensions:       []string{".go"},
		lang:             golang.GetLanguage(),
		FindReceiverType: goFindReceiverType,
		FindEnclosingDef: goFindEnclosingDef,
		Params:           goParams,
		Returns:          goReturns,
		ImportTargets:    goImportTargets,
	}
}

// goFindReceiverType extracts the receiver type name from a method_declaration node.
// Navigates: method_declaration → parameter_list (receiver) → parameter_declaration → type.
func goFindReceiverType(node *sitter.Node, source []byte) string {
	receiver := node.ChildByFieldName("receiver")
	if receiver == nil {
		return ""
	}
	for j := 0; j < int(receiver.ChildCount()); j++ {
		param := receiver.Child(j)
		if param.Type() == "parameter_declaration" {
			return goExtractTypeName(param, source)
		}
	}
	return ""
}

// goExtractTypeName extracts the type name from a parameter_declaration,
// unwrapping pointer_type and generic_type if present.
func goExtractTypeName(param *sitter.Node, source []byte) string {
	for i := 0; i < int(param.ChildCount()); i++ {
		child := param.Child(i)
		switch child.Type() {
		case "type_identifier":
			return NodeText(child, source)
		case "pointer_type", "generic_type":
			for k := 0; k < int(child.ChildCount()); k++ {
				inner := child.Child(k)
				if inner.Type() == "type_identifier" {
					return NodeText(inner, source)
				}
				if inner.Type() == "generic_type" {
					if name := inner.ChildByFieldName("type"); name != nil {
						return NodeText(name, source)
					}
				}
			}
		}
	}
	return ""
}

// goFindEnclosingDef walks up from a call site to the named function or
// method containing it. Function literals are transparent.
func goFindEnclosingDef(node *sitter.Node, source []byte) string {
	for current := node.Parent(); current != nil; current = current.Parent() {
		switch current.Type() {
		case "function_declaration":
			if name := current.ChildByFieldName("name"); name != nil {
				return NodeText(name, source)
			}
			return ""
		case "method_declaration":
			name := current.ChildByFieldName("name")
			if name == nil {
				return ""
			}
			if recv := goFindReceiverType(current, source); recv != "" {
				return recv + "." + NodeText(name, source)
			}
			return NodeText(name, source)
		}
	}
	return ""
}

func goParams(node *sitter.Node, source []byte) []string {
	return namedChildTexts(node.ChildByFieldName("parameters"), source)
}

func goReturns(node *sitter.Node, source []byte) string {
	result := node.ChildByFieldName("result")
	if result == nil {
		return ""
	}
	return CollapseWhitespace(NodeText(result, source))
}

// goImportTargets returns the unquoted path of an import_spec.
func goImportTargets(node *sitter.Node, source []byte) []string {
	path := node.ChildByFieldName("path")
	if path == nil {
		return nil
	}
	raw := NodeText(path, source)
	unquoted, err := strconv.Unquote(raw)
	if err != nil {
		return nil
	}
	return []string{unquoted}
}
