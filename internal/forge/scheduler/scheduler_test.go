package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danshapiro/testforge/internal/events"
	"github.com/danshapiro/testforge/internal/forge/blob"
	"github.com/danshapiro/testforge/internal/forge/history"
	"github.com/danshapiro/testforge/internal/forge/orchestrator"
	"github.com/danshapiro/testforge/internal/forge/runtime"
	"github.com/danshapiro/testforge/internal/forge/tools/executor"
)

type fakeRunner struct {
	mu    sync.Mutex
	codes []string
	// exit maps test code to an exit code; missing means pass.
	exit map[string]int
	err  error
}

func (f *fakeRunner) RunIsolated(_ context.Context, _ string, code string) (executor.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.codes = append(f.codes, code)
	if f.err != nil {
		return executor.Result{}, f.err
	}
	res := executor.Result{ExitCode: f.exit[code], Logs: "E   TimeoutError: locator('#go')", ReportDir: "/reports/x"}
	if res.ExitCode != 0 {
		res.TracePath = "/traces/trace.zip"
	}
	return res, nil
}

type fakeSubmitter struct {
	reqs   []orchestrator.Request
	status runtime.RunStatus
}

func (f *fakeSubmitter) Submit(_ context.Context, req orchestrator.Request, _ events.Sink) (*orchestrator.Outcome, error) {
	f.reqs = append(f.reqs, req)
	st := &runtime.WorkflowState{Status: f.status}
	return &orchestrator.Outcome{RunID: "fix-1", Status: f.status, State: st}, nil
}

type fakePruner struct{ ttl time.Duration }

func (f *fakePruner) Prune(_ context.Context, ttl time.Duration) (int, error) {
	f.ttl = ttl
	return 2, nil
}

type fixture struct {
	hist   *history.Store
	blobs  *blob.FSStore
	runner *fakeRunner
	sub    *fakeSubmitter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	hist, err := history.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = hist.Close() })
	blobs, err := blob.NewFSStore(t.TempDir())
	require.NoError(t, err)
	return &fixture{
		hist:   hist,
		blobs:  blobs,
		runner: &fakeRunner{exit: map[string]int{}},
		sub:    &fakeSubmitter{status: runtime.StatusCompleted},
	}
}

func (f *fixture) addRun(t *testing.T, id, request, code string) {
	t.Helper()
	ctx := context.Background()
	ref, err := f.blobs.Put(ctx, []byte(code), id, blob.KindCode)
	require.NoError(t, err)
	plan, err := f.blobs.Put(ctx, []byte("plan for "+request), id, blob.KindPlan)
	require.NoError(t, err)
	require.NoError(t, f.hist.CreateRun(ctx, history.Run{
		ID: id, Request: request, Status: "completed", TestCategory: "ui", CodeRef: ref, PlanRef: plan,
	}))
}

func (f *fixture) scheduler(t *testing.T, cfg Config, pruners ...Pruner) *Scheduler {
	t.Helper()
	s, err := New(cfg, f.hist, f.blobs, f.runner, f.sub, nil, pruners...)
	require.NoError(t, err)
	return s
}

func TestRunOnce_PassingRunsAreRecorded(t *testing.T) {
	f := newFixture(t)
	f.addRun(t, "r1", "test login", "def test_login(): pass")
	f.addRun(t, "r2", "test search", "def test_search(): pass")

	rep := f.scheduler(t, Config{}).RunOnce(context.Background())
	assert.Equal(t, Report{Checked: 2, Passed: 2}, rep)
	assert.Empty(t, f.sub.reqs)

	row, err := f.hist.GetRun(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, history.ExecutionSuccess, row.ExecutionStatus)
	assert.Equal(t, "/reports/x", row.ReportURL)
}

func TestRunOnce_FailingRunStartsAutoFix(t *testing.T) {
	f := newFixture(t)
	request := "check that the checkout flow shows the order summary page"
	f.addRun(t, "r1", request, "def test_checkout(): broken")
	f.runner.exit["def test_checkout(): broken"] = 1

	rep := f.scheduler(t, Config{}).RunOnce(context.Background())
	assert.Equal(t, 1, rep.Checked)
	assert.Equal(t, 1, rep.Failed)
	assert.Equal(t, 1, rep.Repaired)
	assert.Empty(t, rep.Errors)

	require.Len(t, f.sub.reqs, 1)
	req := f.sub.reqs[0]
	assert.Equal(t, "[AUTO-FIX]\nOriginal Request: "+request+"\n\nExecution Log:\nE   TimeoutError: locator('#go')", req.Message)
	assert.Equal(t, request, req.Title)
	require.NotNil(t, req.Seed)
	assert.True(t, req.Seed.AutoFix)
	assert.Equal(t, "/traces/trace.zip", req.Seed.TracePath)
	assert.Equal(t, runtime.TestCategory("ui"), req.Seed.TestCategory)
	code, err := f.blobs.Get(context.Background(), req.Seed.CodeRef)
	require.NoError(t, err)
	assert.Equal(t, "def test_checkout(): broken", string(code))
	assert.False(t, req.Seed.PlanRef.IsZero())

	ctx := context.Background()
	row, err := f.hist.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, history.ExecutionFailed, row.ExecutionStatus)
	assert.Contains(t, row.ExecutionLogs, "TimeoutError")

	notes, err := f.hist.Notifications(ctx, "default", true)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, "Test for 'check that the checkout flow shows the o...' was automatically repaired.", notes[0].Message)
	assert.Equal(t, "fix-1", notes[0].RunID)

	// the failed run drops out of the next pass
	rep = f.scheduler(t, Config{}).RunOnce(ctx)
	assert.Equal(t, 0, rep.Checked)
}

func TestRunOnce_UnrepairedFailureHasNoNotification(t *testing.T) {
	f := newFixture(t)
	f.addRun(t, "r1", "short", "bad")
	f.runner.exit["bad"] = 2
	f.sub.status = runtime.StatusFailed

	rep := f.scheduler(t, Config{}).RunOnce(context.Background())
	assert.Equal(t, 1, rep.Failed)
	assert.Zero(t, rep.Repaired)
	notes, err := f.hist.Notifications(context.Background(), "default", false)
	require.NoError(t, err)
	assert.Empty(t, notes)
}

func TestRunOnce_ExecutorErrorIsReported(t *testing.T) {
	f := newFixture(t)
	f.addRun(t, "r1", "x", "code")
	f.runner.err = errors.New("docker unavailable")

	rep := f.scheduler(t, Config{}).RunOnce(context.Background())
	require.Len(t, rep.Errors, 1)
	assert.Contains(t, rep.Errors[0].Error(), "docker unavailable")
	assert.Empty(t, f.sub.reqs)
}

func TestRunOnce_PrunesWhenTTLSet(t *testing.T) {
	f := newFixture(t)
	p := &fakePruner{}
	f.scheduler(t, Config{}, p).RunOnce(context.Background())
	assert.Zero(t, p.ttl)

	f.scheduler(t, Config{KnowledgeTTL: 72 * time.Hour}, p).RunOnce(context.Background())
	assert.Equal(t, 72*time.Hour, p.ttl)
}

func TestStartRejectsBadSpec(t *testing.T) {
	f := newFixture(t)
	s := f.scheduler(t, Config{Spec: "every tuesday"})
	assert.Error(t, s.Start())

	s = f.scheduler(t, Config{})
	require.NoError(t, s.Start())
	s.Stop()
	s.Stop()
}

func TestRepairedNotice(t *testing.T) {
	assert.Equal(t, "Test for 'abc...' was automatically repaired.", RepairedNotice("abc"))
	assert.True(t, strings.HasPrefix(AutoFixMessage("r", "l"), "[AUTO-FIX]\n"))
}
