package validate

import (
	"fmt"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
)

const (
	allureHeader = "Allure Strict Compliance Failed:\n"
	pomHeader    = "Page Object Model Violation:\n"
)

// conventionViolations runs the reporting rules (Allure metadata, then Page
// Object consistency) and returns a combined diagnostic or "".
func (s *source) conventionViolations() string {
	classes, funcs := s.topLevel()
	var parts []string
	if errs := s.allureViolations(classes, funcs); len(errs) > 0 {
		parts = append(parts, allureHeader+strings.Join(errs, "\n"))
	}
	if errs := s.pomViolations(classes, funcs); len(errs) > 0 {
		parts = append(parts, pomHeader+strings.Join(errs, "\n"))
	}
	return strings.Join(parts, "\n\n")
}

func isTestName(name string) bool { return strings.HasPrefix(name, "test_") }

func (s *source) allureViolations(classes []pyClass, funcs []pyFunc) []string {
	var errs []string
	for _, c := range classes {
		names := s.decoratorNames(c.decorators)
		if !names["allure.feature"] {
			errs = append(errs, fmt.Sprintf("Class '%s' missing @allure.feature", c.name))
		}
		if !names["allure.story"] {
			errs = append(errs, fmt.Sprintf("Class '%s' missing @allure.story", c.name))
		}
		classOwner := s.hasLabel(c.decorators, "owner")
		for _, m := range c.methods {
			if isTestName(m.name) {
				errs = append(errs, s.testFunctionViolations(m, classOwner)...)
			}
		}
	}
	for _, f := range funcs {
		if isTestName(f.name) {
			errs = append(errs, s.testFunctionViolations(f, false)...)
		}
	}
	return errs
}

func (s *source) testFunctionViolations(f pyFunc, parentHasOwner bool) []string {
	var errs []string
	names := s.decoratorNames(f.decorators)
	if !names["allure.title"] {
		errs = append(errs, fmt.Sprintf("Test '%s' missing @allure.title", f.name))
	}
	if !names["allure.tag"] {
		errs = append(errs, fmt.Sprintf("Test '%s' missing @allure.tag", f.name))
	}
	if !names["allure.link"] {
		errs = append(errs, fmt.Sprintf("Test '%s' missing @allure.link (Jira)", f.name))
	}
	if !names["allure.label.priority"] && !s.hasLabel(f.decorators, "priority") {
		errs = append(errs, fmt.Sprintf("Test '%s' missing @allure.label('priority', ...)", f.name))
	}
	if !parentHasOwner && !s.hasLabel(f.decorators, "owner") {
		errs = append(errs, fmt.Sprintf("Test '%s' missing @allure.label('owner', ...)", f.name))
	}
	return errs
}

func (s *source) decoratorNames(decs []*sitter.Node) map[string]bool {
	out := make(map[string]bool, len(decs))
	for _, d := range decs {
		if name := s.fullName(d); name != "" {
			out[name] = true
		}
	}
	return out
}

// hasLabel reports an @allure.label("<label>", ...) decorator.
func (s *source) hasLabel(decs []*sitter.Node, label string) bool {
	for _, d := range decs {
		if d.Type() != "call" || s.fullName(d) != "allure.label" {
			continue
		}
		args := d.ChildByFieldName("arguments")
		if args == nil || args.NamedChildCount() == 0 {
			continue
		}
		if v, ok := s.stringValue(args.NamedChild(0)); ok && v == label {
			return true
		}
	}
	return false
}

// pomViolations checks module-level test functions and the test methods of
// module-level classes: a variable assigned from a module-level class
// constructor may only call methods that class defines.
func (s *source) pomViolations(classes []pyClass, funcs []pyFunc) []string {
	registry := make(map[string]map[string]bool, len(classes))
	for _, c := range classes {
		methods := make(map[string]bool, len(c.methods))
		for _, m := range c.methods {
			methods[m.name] = true
		}
		registry[c.name] = methods
	}
	var errs []string
	for _, f := range funcs {
		if isTestName(f.name) {
			errs = append(errs, s.verifyFunctionBody(f, registry)...)
		}
	}
	for _, c := range classes {
		for _, m := range c.methods {
			if isTestName(m.name) {
				errs = append(errs, s.verifyFunctionBody(m, registry)...)
			}
		}
	}
	return errs
}

func (s *source) verifyFunctionBody(f pyFunc, registry map[string]map[string]bool) []string {
	body := f.node.ChildByFieldName("body")
	if body == nil {
		return nil
	}
	varTypes := map[string]string{}
	var errs []string
	for i := 0; i < int(body.NamedChildCount()); i++ {
		stmt := body.NamedChild(i)
		if stmt.Type() == "expression_statement" && stmt.NamedChildCount() > 0 {
			if a := stmt.NamedChild(0); a.Type() == "assignment" {
				s.recordConstruction(a, registry, varTypes)
			}
		}
		walk(stmt, func(n *sitter.Node) bool {
			if n.Type() != "call" {
				return true
			}
			fn := n.ChildByFieldName("function")
			if fn == nil || fn.Type() != "attribute" {
				return true
			}
			obj := fn.ChildByFieldName("object")
			if obj == nil || obj.Type() != "identifier" {
				return true
			}
			varName := s.text(obj)
			class, ok := varTypes[varName]
			if !ok {
				return true
			}
			method := s.text(fn.ChildByFieldName("attribute"))
			if !registry[class][method] {
				errs = append(errs, fmt.Sprintf(
					"POM Violation in '%s': Method '%s' called on '%s' but is NOT defined in class '%s'.",
					f.name, method, varName, class))
			}
			return true
		})
	}
	return errs
}

// recordConstruction handles `x = ClassName(...)` and chained `a = b = ClassName(...)`.
func (s *source) recordConstruction(a *sitter.Node, registry map[string]map[string]bool, varTypes map[string]string) {
	var targets []*sitter.Node
	cur := a
	for cur != nil && cur.Type() == "assignment" {
		targets = append(targets, cur.ChildByFieldName("left"))
		cur = cur.ChildByFieldName("right")
	}
	if cur == nil || cur.Type() != "call" {
		return
	}
	fn := cur.ChildByFieldName("function")
	if fn == nil || fn.Type() != "identifier" {
		return
	}
	class := s.text(fn)
	if _, ok := registry[class]; !ok {
		return
	}
	for _, t := range targets {
		if t != nil && t.Type() == "identifier" {
			varTypes[s.text(t)] = class
		}
	}
}
