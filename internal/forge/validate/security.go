package validate

import (
	"fmt"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
)

var (
	bannedModules = map[string]bool{
		"os": true, "subprocess": true, "shutil": true, "sys": true, "builtins": true, "importlib": true,
	}
	bannedFunctions = map[string]bool{"eval": true, "exec": true, "compile": true, "__import__": true}
)

// bindingParents are node types whose name-position identifiers declare or
// label something rather than read a value.
var bindingParents = map[string]string{
	"attribute":               "attribute",
	"keyword_argument":        "name",
	"function_definition":     "name",
	"class_definition":        "name",
	"default_parameter":       "name",
	"typed_default_parameter": "name",
}

// isValueReference reports whether identifier n reads a name, so `x = eval`
// counts but `re.compile` and `def compile(self)` do not.
func isValueReference(n *sitter.Node) bool {
	p := n.Parent()
	if p == nil {
		return true
	}
	switch p.Type() {
	case "dotted_name", "aliased_import", "parameters", "typed_parameter", "lambda_parameters":
		return false
	}
	field, ok := bindingParents[p.Type()]
	if !ok {
		return true
	}
	named := p.ChildByFieldName(field)
	return named == nil || named.StartByte() != n.StartByte() || named.EndByte() != n.EndByte()
}

// rootModule returns the first dotted segment, so "os.path" maps to "os".
func rootModule(name string) string {
	name = strings.TrimSpace(name)
	if i := strings.IndexByte(name, '.'); i >= 0 {
		return name[:i]
	}
	return name
}

// securityViolation returns the first forbidden construct in source order,
// or "" when the module is clean.
func (s *source) securityViolation() string {
	var found string
	walk(s.root, func(n *sitter.Node) bool {
		switch n.Type() {
		case "import_statement":
			for i := 0; i < int(n.NamedChildCount()); i++ {
				c := n.NamedChild(i)
				name := c
				if c.Type() == "aliased_import" {
					name = c.ChildByFieldName("name")
				}
				mod := s.text(name)
				if bannedModules[rootModule(mod)] {
					found = fmt.Sprintf("Security Error: Forbidden import '%s'.", mod)
					return false
				}
			}
		case "import_from_statement":
			mod := n.ChildByFieldName("module_name")
			if mod != nil && mod.Type() == "dotted_name" && bannedModules[rootModule(s.text(mod))] {
				found = fmt.Sprintf("Security Error: Forbidden import from '%s'.", s.text(mod))
				return false
			}
		case "call":
			fn := n.ChildByFieldName("function")
			if fn == nil || fn.Type() != "attribute" {
				return true
			}
			full := s.fullName(fn)
			if mod := rootModule(full); full != "" && bannedModules[mod] {
				found = fmt.Sprintf("Security Error: Forbidden call '%s' on module '%s'.", full, mod)
				return false
			}
		case "identifier":
			// covers direct calls, aliasing and passing the builtin around
			if name := s.text(n); bannedFunctions[name] && isValueReference(n) {
				found = fmt.Sprintf("Security Error: Forbidden function '%s'.", name)
				return false
			}
		}
		return true
	})
	return found
}
