package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danshapiro/testforge/internal/forge/blob"
	"github.com/danshapiro/testforge/internal/forge/checkpoint"
	"github.com/danshapiro/testforge/internal/forge/engine"
	"github.com/danshapiro/testforge/internal/forge/history"
	"github.com/danshapiro/testforge/internal/forge/nodes"
	"github.com/danshapiro/testforge/internal/forge/runtime"
	"github.com/danshapiro/testforge/internal/forge/tools/executor"
)

const twoScenarios = "### SCENARIO: login\nsteps\n### SCENARIO: logout\nsteps"

type recorder struct {
	mu  sync.Mutex
	evs []map[string]any
}

func (r *recorder) sink(ev map[string]any) {
	r.mu.Lock()
	r.evs = append(r.evs, ev)
	r.mu.Unlock()
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.evs {
		out = append(out, ev["type"].(string))
	}
	return out
}

func (r *recorder) data(typ string) []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []any
	for _, ev := range r.evs {
		if ev["type"] == typ {
			out = append(out, ev["data"])
		}
	}
	return out
}

type env struct {
	store   *checkpoint.BadgerStore
	blobs   *blob.FSStore
	hist    *history.Store
	dir     string
	batched int
	crash   bool
	exec    executor.Executor
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store, err := checkpoint.Open(checkpoint.Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	blobs, err := blob.NewFSStore(t.TempDir())
	require.NoError(t, err)
	hist, err := history.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = hist.Close() })
	return &env{store: store, blobs: blobs, hist: hist, dir: t.TempDir()}
}

// registry is a scripted graph: the analyst writes a one-scenario plan, the
// coder writes code, and everything validates first time.
func (e *env) registry() *nodes.Registry {
	put := func(ctx context.Context, st *runtime.WorkflowState, kind blob.Kind, s string) blob.Ref {
		ref, err := e.blobs.Put(ctx, []byte(s), st.RunID, kind)
		if err != nil {
			panic(err)
		}
		return ref
	}
	reg := nodes.NewEmptyRegistry()
	reg.Register(nodes.Router, nodes.HandlerFunc(func(context.Context, *runtime.WorkflowState) (runtime.Update, error) {
		return runtime.Update{TaskType: runtime.Ptr(runtime.TaskUITestGeneration), Status: runtime.Ptr(runtime.StatusAnalyzing)}, nil
	}))
	reg.Register(nodes.Analyst, nodes.HandlerFunc(func(ctx context.Context, st *runtime.WorkflowState) (runtime.Update, error) {
		ref := put(ctx, st, blob.KindPlan, "1. open the login page")
		return runtime.Update{
			PlanRef:        &ref,
			Status:         runtime.Ptr(runtime.StatusGenerating),
			TestCategory:   runtime.Ptr(runtime.TestCategory("ui")),
			AppendMessages: []runtime.Message{{Role: runtime.RoleAssistant, Content: "1. open the login page"}},
			AppendLogs:     []string{"Analyst: plan ready."},
		}, nil
	}))
	reg.Register(nodes.HumanApproval, nodes.HandlerFunc(func(context.Context, *runtime.WorkflowState) (runtime.Update, error) {
		return runtime.Update{Status: runtime.Ptr(runtime.StatusGenerating)}, nil
	}))
	coder := nodes.HandlerFunc(func(ctx context.Context, st *runtime.WorkflowState) (runtime.Update, error) {
		if e.crash {
			return runtime.Update{}, errors.New("blob store offline")
		}
		ref := put(ctx, st, blob.KindCode, "def test_login():\n    pass")
		return runtime.Update{CodeRef: &ref, Status: runtime.Ptr(runtime.StatusValidating)}, nil
	})
	reg.Register(nodes.FeatureCoder, coder)
	reg.Register(nodes.RepoExplorer, coder)
	reg.Register(nodes.Debugger, coder)
	reg.Register(nodes.Reviewer, nodes.HandlerFunc(func(context.Context, *runtime.WorkflowState) (runtime.Update, error) {
		return runtime.Update{Status: runtime.Ptr(runtime.StatusCompleted)}, nil
	}))
	reg.Register(nodes.Batch, nodes.HandlerFunc(func(ctx context.Context, st *runtime.WorkflowState) (runtime.Update, error) {
		e.batched = len(st.Scenarios)
		ref := put(ctx, st, blob.KindCode, "def test_a():\n    pass")
		return runtime.Update{CodeRef: &ref, Status: runtime.Ptr(runtime.StatusCompleted)}, nil
	}))
	reg.Register(nodes.FinalOutput, nodes.HandlerFunc(func(context.Context, *runtime.WorkflowState) (runtime.Update, error) {
		return runtime.Update{AppendMessages: []runtime.Message{{Role: runtime.RoleAssistant, Content: "done"}}}, nil
	}))
	return reg
}

func (e *env) orchestrator(t *testing.T, global func(map[string]any)) *Orchestrator {
	t.Helper()
	eng, err := engine.New(e.registry(), e.store, engine.Options{StateDir: e.dir})
	require.NoError(t, err)
	o, err := New(eng, e.hist, e.blobs, Options{Sink: global, Executor: e.exec})
	require.NoError(t, err)
	return o
}

func TestSubmitPausesThenApproveCompletes(t *testing.T) {
	e := newEnv(t)
	o := e.orchestrator(t, nil)
	ctx := context.Background()

	rec := &recorder{}
	out, err := o.Submit(ctx, Request{Message: "test the login page"}, rec.sink)
	require.NoError(t, err)
	assert.Equal(t, FinishWaitingForApproval, out.Finish)
	assert.Equal(t, runtime.StatusWaitingForApproval, out.Status)
	assert.Equal(t, "1. open the login page", out.Plan)
	assert.Equal(t, "meta", rec.types()[0])
	assert.Equal(t, []any{"1. open the login page"}, rec.data("plan"))
	assert.Contains(t, rec.data("log"), "Analyst: plan ready.")
	assert.Equal(t, []any{FinishWaitingForApproval}, rec.data("finish"))

	row, err := e.hist.GetRun(ctx, out.RunID)
	require.NoError(t, err)
	assert.Equal(t, "waiting_for_approval", row.Status)
	assert.Equal(t, "test the login page", row.Request)

	// approval happens in another process
	o2 := e.orchestrator(t, nil)
	rec2 := &recorder{}
	out, err = o2.Approve(ctx, out.RunID, "", rec2.sink)
	require.NoError(t, err)
	assert.Equal(t, FinishDone, out.Finish)
	assert.Equal(t, runtime.StatusCompleted, out.Status)
	assert.Equal(t, "def test_login():\n    pass", out.Code)
	assert.Equal(t, []any{"def test_login():\n    pass"}, rec2.data("code"))
	assert.Contains(t, rec2.data("status"), "completed")

	row, err = e.hist.GetRun(ctx, out.RunID)
	require.NoError(t, err)
	assert.Equal(t, "completed", row.Status)
	assert.Equal(t, "ui", row.TestCategory)
	assert.False(t, row.CodeRef.IsZero())

	_, err = o2.Approve(ctx, out.RunID, "", nil)
	assert.ErrorIs(t, err, ErrRunNotPaused)
}

func TestApproveWithFeedbackReplacesPlan(t *testing.T) {
	e := newEnv(t)
	o := e.orchestrator(t, nil)
	ctx := context.Background()
	out, err := o.Submit(ctx, Request{Message: "test auth"}, nil)
	require.NoError(t, err)

	out, err = o.Approve(ctx, out.RunID, twoScenarios, nil)
	require.NoError(t, err)
	assert.Equal(t, runtime.StatusCompleted, out.Status)
	assert.Equal(t, 2, e.batched)
	assert.Equal(t, twoScenarios, out.Plan)

	row, err := e.hist.GetRun(ctx, out.RunID)
	require.NoError(t, err)
	plan, err := o.Artifact(ctx, row.PlanRef)
	require.NoError(t, err)
	assert.Equal(t, twoScenarios, plan)
}

func TestDeny(t *testing.T) {
	e := newEnv(t)
	global := &recorder{}
	o := e.orchestrator(t, global.sink)
	ctx := context.Background()
	out, err := o.Submit(ctx, Request{Message: "test auth"}, nil)
	require.NoError(t, err)

	out, err = o.Deny(ctx, out.RunID, "")
	require.NoError(t, err)
	assert.Equal(t, runtime.StatusFailed, out.Status)
	assert.Equal(t, runtime.FailureDenied, out.State.FailureKind)
	assert.Equal(t, FinishDone, out.Finish)
	assert.Contains(t, out.State.LastMessage().Content, "(denied)")

	row, err := e.hist.GetRun(ctx, out.RunID)
	require.NoError(t, err)
	assert.Equal(t, "failed", row.Status)
	assert.Equal(t, "denied", row.FailureKind)

	fo, err := runtime.LoadFinalOutcome(o.eng.FinalPath(out.RunID))
	require.NoError(t, err)
	assert.Equal(t, runtime.FailureDenied, fo.FailureKind)

	_, err = o.Deny(ctx, out.RunID, "")
	assert.ErrorIs(t, err, ErrRunNotPaused)
	_, err = o.Approve(ctx, out.RunID, "", nil)
	assert.ErrorIs(t, err, ErrRunNotPaused)
	assert.Equal(t, []any{FinishWaitingForApproval, FinishDone}, global.data("finish"))
}

func TestFollowUpCarriesConversationAndArtifacts(t *testing.T) {
	e := newEnv(t)
	o := e.orchestrator(t, nil)
	ctx := context.Background()
	parent, err := o.Submit(ctx, Request{Message: "test login"}, nil)
	require.NoError(t, err)
	parent, err = o.Approve(ctx, parent.RunID, "", nil)
	require.NoError(t, err)

	child, err := o.Submit(ctx, Request{Message: "also check logout", ParentRunID: parent.RunID}, nil)
	require.NoError(t, err)
	st, err := o.Get(ctx, child.RunID)
	require.NoError(t, err)
	assert.True(t, st.FollowUp)
	assert.Equal(t, parent.RunID, st.ParentRunID)
	assert.Equal(t, "also check logout", st.UserRequest)
	assert.Equal(t, "test login", st.Conversation[0].Content)
	assert.Greater(t, len(st.Conversation), len(parent.State.Conversation))

	row, err := e.hist.GetRun(ctx, child.RunID)
	require.NoError(t, err)
	assert.Equal(t, parent.RunID, row.ParentRunID)

	_, err = o.Submit(ctx, Request{Message: "x", ParentRunID: "missing"}, nil)
	assert.ErrorIs(t, err, engine.ErrRunNotFound)
}

func TestSeedAndTitle(t *testing.T) {
	e := newEnv(t)
	o := e.orchestrator(t, nil)
	ctx := context.Background()
	seedRef, err := e.blobs.Put(ctx, []byte("old code"), "seed", blob.KindCode)
	require.NoError(t, err)

	out, err := o.Submit(ctx, Request{
		Message: "[AUTO-FIX]\nOriginal Request: test login",
		Title:   "test login",
		Seed:    &runtime.WorkflowState{CodeRef: seedRef, TracePath: "/tmp/trace.zip", AutoFix: true},
	}, nil)
	require.NoError(t, err)
	assert.True(t, out.State.AutoFix)
	assert.Equal(t, "/tmp/trace.zip", out.State.TracePath)

	row, err := e.hist.GetRun(ctx, out.RunID)
	require.NoError(t, err)
	assert.Equal(t, "test login", row.Request)
}

func TestCrashIsRecorded(t *testing.T) {
	e := newEnv(t)
	o := e.orchestrator(t, nil)
	ctx := context.Background()
	out, err := o.Submit(ctx, Request{Message: "x"}, nil)
	require.NoError(t, err)

	e.crash = true
	rec := &recorder{}
	_, err = o.Approve(ctx, out.RunID, "", rec.sink)
	var nerr *engine.NodeError
	require.True(t, errors.As(err, &nerr), "got %v", err)
	assert.NotEmpty(t, rec.data("error"))
	assert.Equal(t, []any{FinishDone}, rec.data("finish"))

	row, err := e.hist.GetRun(ctx, out.RunID)
	require.NoError(t, err)
	assert.Equal(t, "failed", row.Status)
	assert.Equal(t, "internal", row.FailureKind)
}

func TestManualStepping(t *testing.T) {
	e := newEnv(t)
	o := e.orchestrator(t, nil)
	ctx := context.Background()
	out, err := o.Submit(ctx, Request{Message: "x", Manual: true}, nil)
	require.NoError(t, err)
	assert.Empty(t, out.Finish)
	assert.Equal(t, runtime.StatusIdle, out.Status)

	out, err = o.Step(ctx, out.RunID, nil)
	require.NoError(t, err)
	assert.Equal(t, runtime.StatusAnalyzing, out.Status)
	assert.Empty(t, out.Finish)

	out, err = o.Step(ctx, out.RunID, nil)
	require.NoError(t, err)
	assert.Equal(t, FinishWaitingForApproval, out.Finish)
}

func TestSubmitRejectsEmptyMessage(t *testing.T) {
	o := newEnv(t).orchestrator(t, nil)
	_, err := o.Submit(context.Background(), Request{Message: "  "}, nil)
	assert.Error(t, err)
}

type fakeExecutor struct {
	exit  int
	err   error
	codes []string
}

func (f *fakeExecutor) RunIsolated(_ context.Context, _ string, code string) (executor.Result, error) {
	f.codes = append(f.codes, code)
	if f.err != nil {
		return executor.Result{}, f.err
	}
	res := executor.Result{ExitCode: f.exit, Logs: "1 passed", ReportDir: "/reports/r"}
	if f.exit != 0 {
		res.Logs = "E   AssertionError: title mismatch"
		res.TracePath = "/traces/trace.zip"
	}
	return res, nil
}

func TestExecuteRecordsOutcome(t *testing.T) {
	e := newEnv(t)
	fx := &fakeExecutor{exit: 1}
	e.exec = fx
	o := e.orchestrator(t, nil)
	ctx := context.Background()
	out, err := o.Submit(ctx, Request{Message: "test the login page"}, nil)
	require.NoError(t, err)
	_, err = o.Approve(ctx, out.RunID, "", nil)
	require.NoError(t, err)

	ex, err := o.Execute(ctx, out.RunID)
	require.NoError(t, err)
	assert.False(t, ex.Passed())
	assert.Equal(t, 1, ex.ExitCode)
	assert.Equal(t, "/traces/trace.zip", ex.TracePath)
	assert.Equal(t, []string{"def test_login():\n    pass"}, fx.codes)

	row, err := e.hist.GetRun(ctx, out.RunID)
	require.NoError(t, err)
	assert.Equal(t, history.ExecutionFailed, row.ExecutionStatus)
	assert.Equal(t, "/reports/r", row.ReportURL)
	assert.Contains(t, row.ExecutionLogs, "AssertionError")

	fx.exit = 0
	ex, err = o.Execute(ctx, out.RunID)
	require.NoError(t, err)
	assert.True(t, ex.Passed())
	row, err = e.hist.GetRun(ctx, out.RunID)
	require.NoError(t, err)
	assert.Equal(t, history.ExecutionSuccess, row.ExecutionStatus)
	assert.Equal(t, "1 passed", row.ExecutionLogs)
}

func TestExecuteErrors(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	out, err := e.orchestrator(t, nil).Submit(ctx, Request{Message: "test the login page"}, nil)
	require.NoError(t, err)

	_, err = e.orchestrator(t, nil).Execute(ctx, out.RunID)
	assert.ErrorIs(t, err, ErrNoExecutor)

	fx := &fakeExecutor{}
	e.exec = fx
	o := e.orchestrator(t, nil)
	// paused before the coder ran
	_, err = o.Execute(ctx, out.RunID)
	assert.ErrorIs(t, err, ErrNoCode)
	assert.Empty(t, fx.codes)

	_, err = o.Approve(ctx, out.RunID, "", nil)
	require.NoError(t, err)
	fx.err = errors.New("runner image unavailable")
	_, err = o.Execute(ctx, out.RunID)
	assert.ErrorContains(t, err, "runner image unavailable")
	row, err := e.hist.GetRun(ctx, out.RunID)
	require.NoError(t, err)
	assert.Empty(t, row.ExecutionStatus)
}
