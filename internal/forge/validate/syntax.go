package validate

import (
	"context"
	"fmt"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"
)

// source is a parsed Python module. Callers must Close it.
type source struct {
	tree *sitter.Tree
	root *sitter.Node
	src  []byte
}

func parsePython(ctx context.Context, code string) (*source, error) {
	p := sitter.NewParser()
	p.SetLanguage(python.GetLanguage())
	src := []byte(code)
	tree, err := p.ParseCtx(ctx, nil, src)
	if err != nil {
		return nil, fmt.Errorf("tree-sitter parse: %w", err)
	}
	return &source{tree: tree, root: tree.RootNode(), src: src}, nil
}

func (s *source) Close() {
	if s != nil && s.tree != nil {
		s.tree.Close()
	}
}

func (s *source) text(n *sitter.Node) string {
	if n == nil {
		return ""
	}
	return n.Content(s.src)
}

// syntaxError describes the first ERROR or MISSING node, or "" for a clean tree.
func (s *source) syntaxError() string {
	if !s.root.HasError() {
		return ""
	}
	bad := firstErrorNode(s.root)
	if bad == nil {
		return "AST Syntax Error: invalid syntax"
	}
	pt := bad.StartPoint()
	near := strings.TrimSpace(s.text(bad))
	if len(near) > 40 {
		near = near[:40]
	}
	what := "invalid syntax"
	if bad.IsMissing() {
		what = fmt.Sprintf("expected '%s'", bad.Type())
	}
	if near == "" {
		return fmt.Sprintf("AST Syntax Error: %s (line %d, column %d)", what, pt.Row+1, pt.Column+1)
	}
	return fmt.Sprintf("AST Syntax Error: %s (line %d, column %d) near %q", what, pt.Row+1, pt.Column+1, near)
}

func firstErrorNode(n *sitter.Node) *sitter.Node {
	if n == nil {
		return nil
	}
	if n.IsError() || n.IsMissing() {
		return n
	}
	for i := 0; i < int(n.ChildCount()); i++ {
		if found := firstErrorNode(n.Child(i)); found != nil {
			return found
		}
	}
	return nil
}

// walk visits n and its descendants in source order. Returning false from fn
// stops the walk.
func walk(n *sitter.Node, fn func(*sitter.Node) bool) bool {
	if n == nil {
		return true
	}
	if !fn(n) {
		return false
	}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		if !walk(n.NamedChild(i), fn) {
			return false
		}
	}
	return true
}

// definition unwraps a decorated_definition into the class/function node and
// its decorator expressions.
func definition(n *sitter.Node) (*sitter.Node, []*sitter.Node) {
	if n == nil {
		return nil, nil
	}
	if n.Type() != "decorated_definition" {
		return n, nil
	}
	var decorators []*sitter.Node
	for i := 0; i < int(n.NamedChildCount()); i++ {
		c := n.NamedChild(i)
		if c.Type() == "decorator" && c.NamedChildCount() > 0 {
			decorators = append(decorators, c.NamedChild(0))
		}
	}
	return n.ChildByFieldName("definition"), decorators
}

// fullName renders identifier/attribute chains as "a.b.c". For a call it
// names the callee.
func (s *source) fullName(n *sitter.Node) string {
	if n == nil {
		return ""
	}
	switch n.Type() {
	case "identifier":
		return s.text(n)
	case "attribute":
		obj := s.fullName(n.ChildByFieldName("object"))
		attr := s.text(n.ChildByFieldName("attribute"))
		if obj == "" {
			return ""
		}
		return obj + "." + attr
	case "call":
		return s.fullName(n.ChildByFieldName("function"))
	}
	return ""
}

// stringValue returns the literal value of a plain string node.
func (s *source) stringValue(n *sitter.Node) (string, bool) {
	if n == nil || n.Type() != "string" {
		return "", false
	}
	raw := s.text(n)
	raw = strings.TrimLeft(raw, "rRbBuUfF")
	for _, q := range []string{`"""`, `'''`, `"`, `'`} {
		if len(raw) >= 2*len(q) && strings.HasPrefix(raw, q) && strings.HasSuffix(raw, q) {
			return raw[len(q) : len(raw)-len(q)], true
		}
	}
	return "", false
}

type pyFunc struct {
	name       string
	node       *sitter.Node
	decorators []*sitter.Node
}

type pyClass struct {
	name       string
	node       *sitter.Node
	decorators []*sitter.Node
	methods    []pyFunc
}

// topLevel collects module-level classes (with their methods) and functions.
func (s *source) topLevel() ([]pyClass, []pyFunc) {
	var classes []pyClass
	var funcs []pyFunc
	for i := 0; i < int(s.root.NamedChildCount()); i++ {
		def, decs := definition(s.root.NamedChild(i))
		if def == nil {
			continue
		}
		switch def.Type() {
		case "class_definition":
			c := pyClass{name: s.text(def.ChildByFieldName("name")), node: def, decorators: decs}
			c.methods = s.methods(def)
			classes = append(classes, c)
		case "function_definition":
			funcs = append(funcs, pyFunc{name: s.text(def.ChildByFieldName("name")), node: def, decorators: decs})
		}
	}
	return classes, funcs
}

func (s *source) methods(class *sitter.Node) []pyFunc {
	body := class.ChildByFieldName("body")
	if body == nil {
		return nil
	}
	var out []pyFunc
	for i := 0; i < int(body.NamedChildCount()); i++ {
		def, decs := definition(body.NamedChild(i))
		if def == nil || def.Type() != "function_definition" {
			continue
		}
		out = append(out, pyFunc{name: s.text(def.ChildByFieldName("name")), node: def, decorators: decs})
	}
	return out
}

// ClassNames lists every class defined in code, nested ones included, in
// source order without repeats. Unparseable code yields nil.
func ClassNames(ctx context.Context, code string) []string {
	s, err := parsePython(ctx, code)
	if err != nil {
		return nil
	}
	defer s.Close()
	var out []string
	seen := map[string]bool{}
	walk(s.root, func(n *sitter.Node) bool {
		if n.Type() != "class_definition" {
			return true
		}
		if name := s.text(n.ChildByFieldName("name")); name != "" && !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
		return true
	})
	return out
}
