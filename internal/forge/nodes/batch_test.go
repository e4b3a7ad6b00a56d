package nodes

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danshapiro/testforge/internal/forge/runtime"
	"github.com/danshapiro/testforge/internal/forge/validate"
	"github.com/danshapiro/testforge/internal/llm"
)

var scenarioNameRE = regexp.MustCompile(`SCENARIO: (\w+)`)

func TestBatch_PreservesOrder(t *testing.T) {
	f := newFixture(t)
	var inflight, peak atomic.Int32
	f.llm.reply = func(req llm.Request) (string, error) {
		n := inflight.Add(1)
		defer inflight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		name := scenarioNameRE.FindStringSubmatch(userText(req))[1]
		// earlier scenarios finish last
		delay := map[string]time.Duration{"alpha": 60, "beta": 30, "gamma": 0}[name]
		time.Sleep(delay * time.Millisecond)
		return fmt.Sprintf("```python\nclass Page:\n    pass\n\ndef test_%s():\n    Page()\n```", name), nil
	}
	f.deps.Limits.BatchConcurrency = 2

	st := runtime.NewWorkflowState("r1", "three tests")
	st.Scenarios = []string{"### SCENARIO: alpha", "### SCENARIO: beta", "### SCENARIO: gamma"}
	st = run(t, f.handler(t, Batch), st)

	assert.Equal(t, runtime.StatusCompleted, st.Status)
	parts := strings.Split(f.get(t, st.CodeRef), BatchSeparator)
	require.Len(t, parts, 3)
	for i, name := range []string{"alpha", "beta", "gamma"} {
		assert.Contains(t, parts[i], "def test_"+name+"():")
		assert.Contains(t, parts[i], fmt.Sprintf("class Page_S%d:", i))
		assert.Contains(t, parts[i], fmt.Sprintf("Page_S%d()", i))
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestBatch_FailedAndErroredScenarios(t *testing.T) {
	f := newFixture(t)
	f.llm.reply = func(req llm.Request) (string, error) {
		if strings.Contains(userText(req), "boom") {
			return "", fmt.Errorf("model\nunavailable")
		}
		return "```python\nbad\n```", nil
	}
	f.val.fn = func(code string) validate.Result {
		return validate.Result{Diagnostic: "Linter Error (Ruff):\nline one\nline two", Repaired: &code, Stage: validate.StageLint}
	}

	st := runtime.NewWorkflowState("r1", "x")
	st.Scenarios = []string{"### SCENARIO: never valid", "### SCENARIO: boom"}
	st = run(t, f.handler(t, Batch), st)

	parts := strings.Split(f.get(t, st.CodeRef), BatchSeparator)
	require.Len(t, parts, 2)
	assert.Equal(t, "# FAILED TO VALIDATE AFTER 3 ATTEMPTS\n# ERROR: Linter Error (Ruff):\n# line one\n# line two\nbad", parts[0])
	assert.Equal(t, "# GENERATION ERROR: model unavailable", parts[1])
	// one initial check plus one per repair
	assert.Len(t, f.val.codes, 4)
	assert.Equal(t, runtime.StatusCompleted, st.Status)
}

func TestBatch_SecurityStopsRepairs(t *testing.T) {
	f := newFixture(t)
	f.llm.reply = replies("import os")
	f.val.fn = func(string) validate.Result {
		return validate.Result{Diagnostic: "Security Error: Forbidden import 'os'.", Stage: validate.StageSecurity}
	}
	st := runtime.NewWorkflowState("r1", "x")
	st.Scenarios = []string{"a", "b"}
	run(t, f.handler(t, Batch), st)
	assert.Equal(t, 2, f.llm.count())
	assert.Len(t, f.val.codes, 2)
}

func TestIsolateNamespaces(t *testing.T) {
	code := "class LoginPage:\n    pass\n\nclass Login:\n    pass\n\nclass TestLogin:\n    def test_a(self):\n        LoginPage()\n        Login()\n"
	got := IsolateNamespaces(context.Background(), code, 2)
	assert.Contains(t, got, "class LoginPage_S2:")
	assert.Contains(t, got, "class Login_S2:")
	assert.Contains(t, got, "class TestLogin_S2:")
	assert.Contains(t, got, "LoginPage_S2()")
	assert.Contains(t, got, "Login_S2()")
	assert.NotContains(t, got, "_S2_S2")

	assert.Equal(t, "x = 1", IsolateNamespaces(context.Background(), "x = 1", 0))
}

func TestIsolateNamespaces_NestedClasses(t *testing.T) {
	code := "class CartPage:\n    class Locators:\n        BUY = '#buy'\n\n    def buy(self):\n        return self.Locators.BUY\n\ndef test_cart():\n    class Stub:\n        pass\n    Stub()\n"
	got := IsolateNamespaces(context.Background(), code, 1)
	assert.Contains(t, got, "class CartPage_S1:")
	assert.Contains(t, got, "    class Locators_S1:")
	assert.Contains(t, got, "self.Locators_S1.BUY")
	assert.Contains(t, got, "    class Stub_S1:")
	assert.Contains(t, got, "    Stub_S1()")
	assert.Contains(t, got, "def test_cart():")
}
