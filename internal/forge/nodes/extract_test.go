package nodes

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/danshapiro/testforge/internal/forge/runtime"
)

func TestExtractCode(t *testing.T) {
	cases := []struct {
		name, in, want string
	}{
		{"python fence", "Here:\n```python\nimport allure\n```\nDone.", "import allure"},
		{"python fence wins", "```text\nnotes\n```\n```python\nx = 1\n```", "x = 1"},
		{"any fence", "```py\ny = 2\n```", "y = 2"},
		{"bare fence", "```\nz = 3\n```", "z = 3"},
		{"raw", "  a = 1\n", "a = 1"},
		{"unclosed python fence", "Here is the test:\n```python\nimport allure\n\ndef test_a():", "import allure\n\ndef test_a():"},
		{"notes then unclosed python", "```text\nnotes\n```\n```python\nx = 1", "x = 1"},
		{"unclosed bare fence", "Code:\n```\nz = 3", "z = 3"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ExtractCode(tc.in))
		})
	}
}

func TestParseClarification(t *testing.T) {
	q, ok := ParseClarification("  [clarification] Which scenario first?")
	assert.True(t, ok)
	assert.Equal(t, "Which scenario first?", q)

	_, ok = ParseClarification("Plan:\n[CLARIFICATION] not a prefix")
	assert.False(t, ok)
}

func TestSplitScenarios(t *testing.T) {
	assert.Nil(t, SplitScenarios("Steps only"))
	assert.Nil(t, SplitScenarios("### SCENARIO: only one\n1. open page"))

	got := SplitScenarios("URL: https://shop.test\n### SCENARIO: login\n1. a\n### SCENARIO: logout\n1. b")
	assert.Equal(t, []string{
		"URL: https://shop.test\n\n### SCENARIO: login\n1. a",
		"URL: https://shop.test\n\n### SCENARIO: logout\n1. b",
	}, got)

	// an empty second marker leaves a single scenario
	assert.Nil(t, SplitScenarios("### SCENARIO: one\n### SCENARIO:   "))
}

func TestParseTaskType(t *testing.T) {
	cases := []struct {
		in   string
		want runtime.TaskType
		ok   bool
	}{
		{`{"task_type": "api_test_gen"}`, runtime.TaskAPITestGeneration, true},
		{"Sure! {\"task_type\":\"repo_analysis\"} hope that helps", runtime.TaskRepositoryAnalyze, true},
		{`{"task_type": "code_edit"}`, runtime.TaskCodeEdit, true},
		{`{"task_type": "ui_test_generation"}`, runtime.TaskUITestGeneration, true},
		{"I think this is a debug_request", runtime.TaskDebugRequest, true},
		{"This is a ui_test_gen request, not a debug_request.", runtime.TaskUITestGeneration, true},
		{"repository_analysis, maybe code_edit", runtime.TaskRepositoryAnalyze, true},
		{`{"task_type": "weather"}`, "", false},
		{"no idea", "", false},
	}
	for _, tc := range cases {
		got, ok := ParseTaskType(tc.in)
		assert.Equal(t, tc.ok, ok, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}

func TestURLs(t *testing.T) {
	assert.Equal(t, "https://shop.test/login", FirstURL("Test https://shop.test/login."))
	assert.Equal(t, "", FirstURL("no links"))
	assert.Equal(t, "https://github.com/acme/shop", RepositoryURL("cover https://github.com/acme/shop please"))
	assert.Equal(t, "https://git.corp/x/y.git", RepositoryURL("clone https://git.corp/x/y.git"))
	assert.Equal(t, "", RepositoryURL("https://shop.test/login"))
}
