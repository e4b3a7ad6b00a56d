package nodes

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danshapiro/testforge/internal/forge/runtime"
	"github.com/danshapiro/testforge/internal/llm"
)

func TestRouter_Classifies(t *testing.T) {
	f := newFixture(t)
	f.llm.reply = replies(`{"task_type": "api_test_gen"}`)
	st := run(t, f.handler(t, Router), runtime.NewWorkflowState("r1", "test GET /items"))

	assert.Equal(t, runtime.TaskAPITestGeneration, st.TaskType)
	assert.Equal(t, runtime.StatusAnalyzing, st.Status)
	require.Equal(t, 1, f.llm.count())
	assert.Equal(t, "r", f.llm.calls[0].Model)
	assert.Equal(t, routerPrompt, systemText(f.llm.calls[0]))
}

func TestRouter_FailsOpen(t *testing.T) {
	for name, reply := range map[string]func(llm.Request) (string, error){
		"model error": failing,
		"garbage":     replies("I'm not sure"),
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			f.llm.reply = reply
			st := run(t, f.handler(t, Router), runtime.NewWorkflowState("r1", "hello"))
			assert.Equal(t, runtime.TaskUITestGeneration, st.TaskType)
			assert.NotEqual(t, runtime.StatusFailed, st.Status)
		})
	}
}

func TestRouter_AutoFixSkipsModel(t *testing.T) {
	f := newFixture(t)
	st := run(t, f.handler(t, Router), runtime.NewWorkflowState("r1", "[AUTO-FIX]\nOriginal Request: x"))
	assert.Equal(t, runtime.TaskDebugRequest, st.TaskType)
	assert.Zero(t, f.llm.count())
}

func TestRouter_DebugWithoutCodeIsPlanned(t *testing.T) {
	f := newFixture(t)
	f.llm.reply = replies(`{"task_type": "debug_request"}`)
	st := run(t, f.handler(t, Router), runtime.NewWorkflowState("r1", "my test fails with TimeoutError"))
	assert.Equal(t, runtime.TaskUITestGeneration, st.TaskType)

	st = runtime.NewWorkflowState("r2", "my test fails with TimeoutError")
	st.CodeRef = f.put(t, st, "code", "def test_x(): pass")
	st = run(t, f.handler(t, Router), st)
	assert.Equal(t, runtime.TaskDebugRequest, st.TaskType)
}
