package nodes

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/danshapiro/testforge/internal/forge/runtime"
)

var (
	pythonFenceRE = regexp.MustCompile("(?s)```python[ \\t]*\\r?\\n?(.*?)```")
	anyFenceRE    = regexp.MustCompile("(?s)```[\\w+#.-]*[ \\t]*\\r?\\n?(.*?)```")
	urlRE         = regexp.MustCompile(`https?://[^\s"'<>)\]]+`)
	repoURLRE     = regexp.MustCompile(`(?:https?://(?:www\.)?(?:github\.com|gitlab\.com|bitbucket\.org)/[\w.-]+/[\w.-]+|https?://\S+?\.git|git@[\w.-]+:[\w./-]+?\.git)\b`)
)

// An opening fence with no closing one, as in a truncated reply.
var (
	openPythonRE = regexp.MustCompile("(?s)```python[ \\t]*\\r?\\n?(.*)$")
	openAnyRE    = regexp.MustCompile("(?s)```[\\w+#.-]*[ \\t]*\\r?\\n?(.*)$")
)

// ExtractCode applies, in order: the first python fenced block, an unclosed
// python fence running to the end of the reply, the first fenced block of
// any language, an unclosed fence of any language, the whole reply trimmed.
func ExtractCode(text string) string {
	for _, re := range []*regexp.Regexp{pythonFenceRE, openPythonRE, anyFenceRE, openAnyRE} {
		if m := re.FindStringSubmatch(text); m != nil {
			return strings.TrimSpace(m[1])
		}
	}
	return strings.TrimSpace(text)
}

// ParseClarification reports whether text is a clarification question and
// returns the question without the prefix.
func ParseClarification(text string) (string, bool) {
	t := strings.TrimSpace(text)
	if len(t) < len(clarificationPrefix) || !strings.EqualFold(t[:len(clarificationPrefix)], clarificationPrefix) {
		return "", false
	}
	return strings.TrimSpace(t[len(clarificationPrefix):]), true
}

// SplitScenarios returns one entry per scenario marker, or nil when the plan
// has fewer than two markers. Text before the first marker is shared context
// and is prepended to every scenario.
func SplitScenarios(plan string) []string {
	if strings.Count(plan, scenarioMarker) < 2 {
		return nil
	}
	parts := strings.Split(plan, scenarioMarker)
	preamble := strings.TrimSpace(parts[0])
	out := make([]string, 0, len(parts)-1)
	for _, p := range parts[1:] {
		body := strings.TrimSpace(p)
		if body == "" {
			continue
		}
		s := scenarioMarker + " " + body
		if preamble != "" {
			s = preamble + "\n\n" + s
		}
		out = append(out, s)
	}
	if len(out) < 2 {
		return nil
	}
	return out
}

var taskLabels = map[string]runtime.TaskType{
	"ui_test_gen":   runtime.TaskUITestGeneration,
	"api_test_gen":  runtime.TaskAPITestGeneration,
	"repo_analysis": runtime.TaskRepositoryAnalyze,
	"code_edit":     runtime.TaskCodeEdit,
	"debug_request": runtime.TaskDebugRequest,
	"clarification": runtime.TaskClarification,
}

// taskKeywords are scanned when the reply holds no usable JSON: the short
// labels and the full enum names.
var taskKeywords = func() map[string]runtime.TaskType {
	m := make(map[string]runtime.TaskType, 2*len(taskLabels))
	for k, v := range taskLabels {
		m[k] = v
		m[string(v)] = v
	}
	return m
}()

func normalizeTask(label string) (runtime.TaskType, bool) {
	label = strings.ToLower(strings.TrimSpace(label))
	if t, ok := taskLabels[label]; ok {
		return t, true
	}
	if t := runtime.TaskType(label); t.Valid() {
		return t, true
	}
	return "", false
}

// ParseTaskType reads {"task_type": ...} from the first JSON object in text,
// falling back to a keyword scan of the raw reply.
func ParseTaskType(text string) (runtime.TaskType, bool) {
	if start := strings.IndexByte(text, '{'); start >= 0 {
		dec := json.NewDecoder(strings.NewReader(text[start:]))
		var obj struct {
			TaskType string `json:"task_type"`
		}
		if err := dec.Decode(&obj); err == nil {
			if t, ok := normalizeTask(obj.TaskType); ok {
				return t, true
			}
		}
	}
	return firstKeyword(strings.ToLower(text))
}

// firstKeyword returns the task whose keyword occurs earliest in text. At
// equal positions the longer keyword wins.
func firstKeyword(text string) (runtime.TaskType, bool) {
	best, bestAt, bestLen := runtime.TaskType(""), -1, 0
	for k, t := range taskKeywords {
		at := strings.Index(text, k)
		if at < 0 {
			continue
		}
		if bestAt < 0 || at < bestAt || (at == bestAt && len(k) > bestLen) {
			best, bestAt, bestLen = t, at, len(k)
		}
	}
	return best, bestAt >= 0
}

// FirstURL returns the first http(s) URL in text with trailing punctuation
// removed.
func FirstURL(text string) string {
	return strings.TrimRight(urlRE.FindString(text), ".,;:!?")
}

// RepositoryURL returns the first git repository URL in text.
func RepositoryURL(text string) string {
	return strings.TrimRight(repoURLRE.FindString(text), ".,;:!?")
}
