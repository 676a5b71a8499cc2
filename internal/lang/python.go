package lang

import (
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"
)

func init() {
	Languages["python"] = &Language{
		Name:             "python",
		Extensions:       []string{".py"},
		lang:             python.GetLanguage(),
		FindMethodClass:  pythonFindMethodClass,
		FindEnclosingDef: pythonFindEnclosingDef,
		Params:           pythonParams,
		Returns:          pythonReturns,
		ImportTargets:    pythonImportTargets,
	}
}

// pythonFindEnclosingDef returns the qualified name of the function or method
// containing the given call-site node (e.g., "MyClass.method" or "funcName").
// Returns "" if the call is at module top-level.
func pythonFindEnclosingDef(node *sitter.Node, source []byte) string {
	current := node.Parent()
	for current != nil {
		if current.Type() == "function_definition" {
			var funcName string
			for i := 0; i < int(current.ChildCount()); i++ {
				child := current.Child(i)
				if child.Type() == "identifier" {
					funcName = NodeText(child, source)
					break
				}
			}
			if funcName == "" {
				return ""
			}
			if cls := pythonFindEnclosingClass(current); cls != nil {
				for i := 0; i < int(cls.ChildCount()); i++ {
					child := cls.Child(i)
					if child.Type() == "identifier" {
						return NodeText(child, source) + "." + funcName
					}
				}
			}
			return funcName
		}
		current = current.Parent()
	}
	return ""
}

func pythonFindMethodClass(funcNode *sitter.Node, source []byte) string {
	classNode := pythonFindEnclosingClass(funcNode)
	if classNode == nil {
		return ""
	}
	for i := 0; i < int(classNode.ChildCount()); i++ {
		child := classNode.Child(i)
		if child.Type() == "identifier" {
			return NodeText(child, source)
		}
	}
	return ""
}

func pythonFindEnclosingClass(funcNode *sitter.Node) *sitter.Node {
	parent := funcNode.Parent()
	if parent == nil {
		return nil
	}

	// Direct: func -> block -> class_definition
	if parent.Type() == "block" && parent.Parent() != nil && parent.Parent().Type() == "class_definition" {
		return parent.Parent()
	}

	// Decorated: func -> decorated_definition -> block -> class_definition
	if parent.Type() == "decorated_definition" {
		gp := parent.Parent()
		if gp != nil && gp.Type() == "block" && gp.Parent() != nil && gp.Parent().Type() == "class_definition" {
			return gp.Parent()
		}
	}

	return nil
}

func pythonParams(node *sitter.Node, source []byte) []string {
	return namedChildTexts(node.ChildByFieldName("parameters"), source)
}

func pythonReturns(node *sitter.Node, source []byte) string {
	rt := node.ChildByFieldName("return_type")
	if rt == nil {
		return ""
	}
	return CollapseWhitespace(NodeText(rt, source))
}

// pythonImportTargets returns dotted module names for import statements.
// For "from pkg import a, b" it yields "pkg.a", "pkg.b" and "pkg" so that
// submodule imports resolve to files; relative modules keep their leading dots.
func pythonImportTargets(node *sitter.Node, source []byte) []string {
	switch node.Type() {
	case "import_statement":
		var out []string
		for i := 0; i < int(node.NamedChildCount()); i++ {
			if name := pythonImportedName(node.NamedChild(i), source); name != "" {
				out = append(out, name)
			}
		}
		return out
	case "import_from_statement":
		moduleNode := node.ChildByFieldName("module_name")
		if moduleNode == nil {
			return nil
		}
		module := NodeText(moduleNode, source)
		var out []string
		for i := 0; i < int(node.NamedChildCount()); i++ {
			child := node.NamedChild(i)
			if sameNode(child, moduleNode) {
				continue
			}
			name := pythonImportedName(child, source)
			if name == "" {
				continue
			}
			if strings.HasSuffix(module, ".") {
				out = append(out, module+name)
			} else {
				out = append(out, module+"."+name)
			}
		}
		return append(out, module)
	}
	return nil
}

func pythonImportedName(node *sitter.Node, source []byte) string {
	switch node.Type() {
	case "dotted_name":
		return NodeText(node, source)
	case "aliased_import":
		if name := node.ChildByFieldName("name"); name != nil {
			return NodeText(name, source)
		}
	}
	return ""
}
