package validate

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	locatorCallRE = regexp.MustCompile(`\.locator\(\s*(?:"([^"\n]+)"|'([^'\n]+)')`)
	testIDCallRE  = regexp.MustCompile(`get_by_test_id\(\s*(?:"([^"\n]+)"|'([^'\n]+)')`)
	// Page-object constants such as LOGIN_BUTTON = "#login".
	selectorConstRE = regexp.MustCompile(`(?m)^\s+[A-Z][A-Z0-9_]*\s*=\s*(?:"([#.\[][^"\n]*)"|'([#.\[][^'\n]*)')`)
)

// ExtractLocators pulls CSS-style selectors out of generated code so they can
// be dry-run against the live page. Order of first appearance is kept.
func ExtractLocators(code string) []string {
	seen := map[string]bool{}
	var out []string
	add := func(s string) {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			return
		}
		seen[s] = true
		out = append(out, s)
	}
	type hit struct {
		pos int
		val string
	}
	var hits []hit
	collect := func(re *regexp.Regexp, wrap func(string) string) {
		for _, m := range re.FindAllStringSubmatchIndex(code, -1) {
			val := ""
			if m[2] >= 0 {
				val = code[m[2]:m[3]]
			} else if m[4] >= 0 {
				val = code[m[4]:m[5]]
			}
			if wrap != nil {
				val = wrap(val)
			}
			hits = append(hits, hit{pos: m[0], val: val})
		}
	}
	collect(selectorConstRE, nil)
	collect(locatorCallRE, nil)
	collect(testIDCallRE, func(id string) string { return fmt.Sprintf(`[data-testid="%s"]`, id) })

	// Stable insertion sort by position; hit counts are small.
	for i := 1; i < len(hits); i++ {
		for j := i; j > 0 && hits[j].pos < hits[j-1].pos; j-- {
			hits[j], hits[j-1] = hits[j-1], hits[j]
		}
	}
	for _, h := range hits {
		add(h.val)
	}
	return out
}
