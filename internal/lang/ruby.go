package lang

import (
	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/ruby"
)

func init() {
	Languages["ruby"] = &Language{
		Name:             "ruby",
		Extensions:       []string{".rb"},
		lang:             ruby.GetLanguage(),
		FindMethodClass:  rubyFindMethodClass,
		FindEnclosingDef: rubyFindEnclosingDef,
		Params:           rubyParams,
		Returns:          func(*sitter.Node, []byte) string { return "" },
		ImportTargets:    rubyImportTargets,
	}
}

// rubyFindEnclosingDef returns the qualified name of the method containing
// the given call-site node (e.g., "MyClass.method" or "methodName").
// Returns "" if the call is at class/module body level or script top-level.
func rubyFindEnclosingDef(node *sitter.Node, source []byte) string {
	for current := node.Parent(); current != nil; current = current.Parent() {
		var methodName string
		switch current.Type() {
		case "method":
			for i := 0; i < int(current.ChildCount()); i++ {
				child := current.Child(i)
				if child.Type() == "identifier" {
					methodName = NodeText(child, source)
					break
				}
			}
		case "singleton_method":
			// def self.foo — the method name is the last identifier, not "self".
			for i := 0; i < int(current.ChildCount()); i++ {
				child := current.Child(i)
				if child.Type() == "identifier" {
					methodName = NodeText(child, source)
				}
			}
		default:
			continue
		}
		if methodName == "" {
			return ""
		}
		if cls := rubyFindMethodClass(current, source); cls != "" {
			return cls + "." + methodName
		}
		return methodName
	}
	return ""
}

// rubyFindMethodClass walks the parent chain looking for a class or module node.
func rubyFindMethodClass(funcNode *sitter.Node, source []byte) string {
	node := funcNode.Parent()
	for node != nil {
		if node.Type() == "class" || node.Type() == "module" {
			return rubyClassName(node, source)
		}
		node = node.Parent()
	}
	return ""
}

// rubyClassName extracts the name from a class or module node.
func rubyClassName(node *sitter.Node, source []byte) string {
	for i := 0; i < int(node.ChildCount()); i++ {
		child := node.Child(i)
		if child.Type() == "constant" || child.Type() == "scope_resolution" {
			return NodeText(child, source)
		}
	}
	return ""
}

func rubyParams(node *sitter.Node, source []byte) []string {
	return namedChildTexts(node.ChildByFieldName("parameters"), source)
}

// rubyImportTargets returns the feature named by a require or
// require_relative call. Relative requires are prefixed with "./".
func rubyImportTargets(node *sitter.Node, source []byte) []string {
	method := node.ChildByFieldName("method")
	args := node.ChildByFieldName("arguments")
	if method == nil || args == nil {
		return nil
	}
	for i := 0; i < int(args.NamedChildCount()); i++ {
		arg := args.NamedChild(i)
		if arg.Type() != "string" {
			continue
		}
		var content string
		for j := 0; j < int(arg.NamedChildCount()); j++ {
			part := arg.NamedChild(j)
			if part.Type() == "string_content" {
				content += NodeText(part, source)
			}
		}
		if content == "" {
			return nil
		}
		if NodeText(method, source) == "require_relative" {
			return []string{"./" + content}
		}
		return []string{content}
	}
	return nil
}
