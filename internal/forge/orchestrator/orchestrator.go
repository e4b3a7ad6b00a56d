// Package orchestrator drives workflow runs on behalf of callers: it creates
// run ids and history rows, translates engine progress into user-facing
// events, and handles approval, denial and follow-up turns.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/danshapiro/testforge/internal/events"
	"github.com/danshapiro/testforge/internal/forge/blob"
	"github.com/danshapiro/testforge/internal/forge/engine"
	"github.com/danshapiro/testforge/internal/forge/history"
	"github.com/danshapiro/testforge/internal/forge/nodes"
	"github.com/danshapiro/testforge/internal/forge/runtime"
	"github.com/danshapiro/testforge/internal/forge/tools/executor"
)

var (
	ErrRunNotPaused = errors.New("run is not waiting for approval")
	ErrNoCode       = errors.New("run has no generated code")
	ErrNoExecutor   = errors.New("no test executor configured")
)

// Finish reasons carried by the finish event and Outcome.Finish.
const (
	FinishDone               = "done"
	FinishWaitingForApproval = "waiting_for_approval"
	FinishWaitingForInput    = "waiting_for_input"
)

const deniedDiagnostic = "The test plan was rejected."

// HistoryStore is the part of history.Store the orchestrator writes to.
type HistoryStore interface {
	CreateRun(ctx context.Context, r history.Run) error
	UpdateRun(ctx context.Context, id string, u history.RunUpdate) error
	SetExecution(ctx context.Context, id, status, reportURL, logs string) error
}

type Request struct {
	// RunID is generated when empty.
	RunID         string
	Message       string
	SessionID     string
	ModelSelector string
	// ParentRunID makes this a follow-up turn on an earlier run.
	ParentRunID string
	// Title is stored as the request text in history. Defaults to Message.
	Title string
	// Seed pre-populates artifacts for re-entry, as the scheduler does for
	// auto-fix runs.
	Seed *runtime.WorkflowState
	// Manual only creates the run; the caller advances it with Step.
	Manual bool
}

// Outcome is where a call left the run.
type Outcome struct {
	RunID  string
	Status runtime.RunStatus
	// Finish is empty while a manual run is still mid-graph.
	Finish string
	State  *runtime.WorkflowState
	Plan   string
	Code   string
}

type Options struct {
	// Sink receives every event of every run, in addition to the per-call
	// sink.
	Sink   events.Sink
	Logger *slog.Logger
	// Executor runs generated code for Execute. Execute fails without one.
	Executor executor.Executor
}

type Orchestrator struct {
	eng     *engine.Engine
	history HistoryStore
	blobs   blob.Store
	sink    events.Sink
	exec    executor.Executor
	logger  *slog.Logger

	mu    sync.Mutex
	sinks map[string]events.Sink
}

// New takes over the engine's progress sink.
func New(eng *engine.Engine, hist HistoryStore, blobs blob.Store, opts Options) (*Orchestrator, error) {
	if eng == nil || blobs == nil {
		return nil, fmt.Errorf("orchestrator: engine and blob store are required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	o := &Orchestrator{
		eng:     eng,
		history: hist,
		blobs:   blobs,
		sink:    opts.Sink,
		exec:    opts.Executor,
		logger:  opts.Logger.With("component", "orchestrator"),
		sinks:   map[string]events.Sink{},
	}
	eng.SetProgressSink(o.progress)
	return o, nil
}

// Submit starts a new run and drives it until it pauses or stops.
func (o *Orchestrator) Submit(ctx context.Context, req Request, sink events.Sink) (*Outcome, error) {
	msg := strings.TrimSpace(req.Message)
	if msg == "" {
		return nil, fmt.Errorf("orchestrator: message is empty")
	}
	id := strings.TrimSpace(req.RunID)
	if id == "" {
		var err error
		if id, err = engine.NewRunID(); err != nil {
			return nil, err
		}
	}
	st := runtime.NewWorkflowState(id, msg)
	st.ModelSelector = strings.TrimSpace(req.ModelSelector)
	if req.ParentRunID != "" {
		if err := o.continueFrom(ctx, st, req.ParentRunID); err != nil {
			return nil, err
		}
	}
	seed(st, req.Seed)

	title := req.Title
	if title == "" {
		title = msg
	}
	if o.history != nil {
		if err := o.history.CreateRun(ctx, history.Run{
			ID:          id,
			SessionID:   req.SessionID,
			ParentRunID: req.ParentRunID,
			Request:     title,
			Status:      string(st.Status),
		}); err != nil {
			return nil, err
		}
	}

	emit := o.attach(id, sink)
	defer o.detach(id)
	emit(events.New(events.TypeMeta, id, map[string]any{"parent_run_id": req.ParentRunID, "follow_up": st.FollowUp}))
	o.logger.Info("run submitted", "run_id", id, "follow_up", st.FollowUp, "auto_fix", st.AutoFix)

	var res *engine.Result
	var err error
	if req.Manual {
		res, err = o.eng.Begin(ctx, st)
	} else {
		res, err = o.eng.Start(ctx, st)
	}
	return o.settle(ctx, id, res, err, emit)
}

// continueFrom turns st into a follow-up of parent: the earlier conversation
// and artifacts carry over.
func (o *Orchestrator) continueFrom(ctx context.Context, st *runtime.WorkflowState, parentID string) error {
	rec, err := o.eng.Load(ctx, parentID)
	if err != nil {
		return fmt.Errorf("load parent run: %w", err)
	}
	p := rec.State
	st.ParentRunID = parentID
	st.FollowUp = true
	st.Conversation = append(append([]runtime.Message(nil), p.Conversation...), st.Conversation...)
	st.CodeRef = p.CodeRef
	st.PlanRef = p.PlanRef
	st.TestCategory = p.TestCategory
	st.TargetURL = p.TargetURL
	st.RepositoryPath = p.RepositoryPath
	st.RepositoryURL = p.RepositoryURL
	if st.ModelSelector == "" {
		st.ModelSelector = p.ModelSelector
	}
	return nil
}

func seed(st *runtime.WorkflowState, s *runtime.WorkflowState) {
	if s == nil {
		return
	}
	if !s.CodeRef.IsZero() {
		st.CodeRef = s.CodeRef
	}
	if !s.PlanRef.IsZero() {
		st.PlanRef = s.PlanRef
	}
	if s.TestCategory != "" {
		st.TestCategory = s.TestCategory
	}
	if s.TracePath != "" {
		st.TracePath = s.TracePath
	}
	if s.TargetURL != "" {
		st.TargetURL = s.TargetURL
	}
	st.AutoFix = st.AutoFix || s.AutoFix
}

// Approve resumes a paused run. Non-empty feedback replaces the plan.
func (o *Orchestrator) Approve(ctx context.Context, runID, feedback string, sink events.Sink) (*Outcome, error) {
	rec, err := o.eng.Load(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !rec.Interrupted {
		return nil, fmt.Errorf("%w: %s (status %s)", ErrRunNotPaused, runID, rec.State.Status)
	}
	emit := o.attach(runID, sink)
	defer o.detach(runID)

	var planRef blob.Ref
	feedback = strings.TrimSpace(feedback)
	if feedback != "" {
		if planRef, err = o.blobs.Put(ctx, []byte(feedback), runID, blob.KindPlan); err != nil {
			return nil, fmt.Errorf("store edited plan: %w", err)
		}
		if o.history != nil {
			if err := o.history.UpdateRun(ctx, runID, history.RunUpdate{PlanRef: &planRef}); err != nil {
				o.logger.Warn("history update failed", "run_id", runID, "error", err)
			}
		}
		emit(events.New(events.TypePlan, runID, feedback))
	}
	o.logger.Info("plan approved", "run_id", runID, "edited", feedback != "")
	res, err := o.eng.Resume(ctx, runID, func(st *runtime.WorkflowState) {
		if planRef.IsZero() {
			return
		}
		st.PlanRef = planRef
		st.Scenarios = nodes.SplitScenarios(feedback)
		st.Logs = append(st.Logs, "Approval: plan replaced by reviewer feedback.")
	})
	return o.settle(ctx, runID, res, err, emit)
}

// Deny ends a paused run as failed/denied without re-entering the graph.
func (o *Orchestrator) Deny(ctx context.Context, runID, reason string) (*Outcome, error) {
	rec, err := o.eng.Load(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !rec.Interrupted {
		return nil, fmt.Errorf("%w: %s (status %s)", ErrRunNotPaused, runID, rec.State.Status)
	}
	diag := strings.TrimSpace(reason)
	if diag == "" {
		diag = deniedDiagnostic
	}
	up := runtime.Fail(runtime.FailureDenied, diag)
	up.AppendMessages = []runtime.Message{{
		Role:    runtime.RoleAssistant,
		Content: nodes.ClosingMessage(runtime.StatusFailed, runtime.FailureDenied, diag, "", false),
	}}
	rec.State.Apply(up)
	if err := o.eng.Finish(ctx, rec); err != nil {
		return nil, err
	}
	o.logger.Info("plan denied", "run_id", runID)
	emit := o.attach(runID, nil)
	defer o.detach(runID)
	emit(events.New(events.TypeStatus, runID, string(runtime.StatusFailed)))
	return o.settle(ctx, runID, &engine.Result{RunID: runID, State: rec.State, LastNode: rec.LastNode, Halted: true}, nil, emit)
}

// Step advances a manual run by one node.
func (o *Orchestrator) Step(ctx context.Context, runID string, sink events.Sink) (*Outcome, error) {
	emit := o.attach(runID, sink)
	defer o.detach(runID)
	res, err := o.eng.Step(ctx, runID)
	return o.settle(ctx, runID, res, err, emit)
}

// Get returns the latest checkpointed state of a run.
func (o *Orchestrator) Get(ctx context.Context, runID string) (*runtime.WorkflowState, error) {
	rec, err := o.eng.Load(ctx, runID)
	if err != nil {
		return nil, err
	}
	return rec.State, nil
}

// Artifact returns the text behind a blob reference.
func (o *Orchestrator) Artifact(ctx context.Context, ref blob.Ref) (string, error) {
	b, err := o.blobs.Get(ctx, ref)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Execution is the result of running a run's code on demand.
type Execution struct {
	RunID string
	// Status is history.ExecutionSuccess or history.ExecutionFailed.
	Status    string
	ExitCode  int
	Logs      string
	ReportURL string
	TracePath string
}

func (e *Execution) Passed() bool { return e.Status == history.ExecutionSuccess }

// Execute runs the run's current code in an isolated runner and records the
// outcome on the run's history row. Failing tests are an Execution with
// status failed; err is reserved for missing code and runner failures.
func (o *Orchestrator) Execute(ctx context.Context, runID string) (*Execution, error) {
	if o.exec == nil {
		return nil, ErrNoExecutor
	}
	rec, err := o.eng.Load(ctx, runID)
	if err != nil {
		return nil, err
	}
	if rec.State.CodeRef.IsZero() {
		return nil, fmt.Errorf("%w: %s", ErrNoCode, runID)
	}
	code, err := o.blobs.Get(ctx, rec.State.CodeRef)
	if err != nil {
		return nil, fmt.Errorf("load code: %w", err)
	}
	o.logger.Info("executing run", "run_id", runID)
	res, err := o.exec.RunIsolated(ctx, runID, string(code))
	if err != nil {
		return nil, fmt.Errorf("execute: %w", err)
	}
	out := &Execution{
		RunID:     runID,
		Status:    history.ExecutionSuccess,
		ExitCode:  res.ExitCode,
		Logs:      res.Logs,
		ReportURL: res.ReportDir,
		TracePath: res.TracePath,
	}
	if !res.Passed() {
		out.Status = history.ExecutionFailed
	}
	if o.history != nil {
		if err := o.history.SetExecution(context.WithoutCancel(ctx), runID, out.Status, out.ReportURL, out.Logs); err != nil {
			o.logger.Warn("recording execution failed", "run_id", runID, "error", err)
		}
	}
	o.logger.Info("execution finished", "run_id", runID, "status", out.Status, "exit_code", out.ExitCode)
	return out, nil
}

// settle records where the run stopped and emits the finish or error event.
func (o *Orchestrator) settle(ctx context.Context, runID string, res *engine.Result, runErr error, emit events.Sink) (*Outcome, error) {
	if runErr != nil {
		emit(events.New(events.TypeError, runID, runErr.Error()))
		var nerr *engine.NodeError
		if errors.As(runErr, &nerr) {
			o.record(ctx, runID, &runtime.WorkflowState{
				Status:      runtime.StatusFailed,
				FailureKind: runtime.FailureInternal,
				Diagnostic:  nerr.Error(),
			})
			emit(events.New(events.TypeFinish, runID, FinishDone))
		}
		o.logger.Error("run failed", "run_id", runID, "error", runErr)
		return nil, runErr
	}
	st := res.State
	out := &Outcome{RunID: runID, Status: st.Status, State: st}
	switch {
	case res.Paused:
		out.Finish = FinishWaitingForApproval
	case st.Status == runtime.StatusWaitingForInput:
		out.Finish = FinishWaitingForInput
	case st.Status.Terminal():
		out.Finish = FinishDone
	}
	out.Plan = o.text(ctx, st.PlanRef)
	out.Code = o.text(ctx, st.CodeRef)
	o.record(ctx, runID, st)
	if out.Finish != "" {
		emit(events.New(events.TypeFinish, runID, out.Finish))
	}
	return out, nil
}

func (o *Orchestrator) record(ctx context.Context, runID string, st *runtime.WorkflowState) {
	if o.history == nil {
		return
	}
	u := history.RunUpdate{
		Status:      ptr(string(st.Status)),
		FailureKind: ptr(string(st.FailureKind)),
		Diagnostic:  ptr(st.Diagnostic),
	}
	if st.TaskType != "" {
		u.TaskType = ptr(string(st.TaskType))
	}
	if st.TestCategory != "" {
		u.TestCategory = ptr(string(st.TestCategory))
	}
	if !st.CodeRef.IsZero() {
		u.CodeRef = &st.CodeRef
	}
	if !st.PlanRef.IsZero() {
		u.PlanRef = &st.PlanRef
	}
	if err := o.history.UpdateRun(context.WithoutCancel(ctx), runID, u); err != nil {
		o.logger.Warn("history update failed", "run_id", runID, "error", err)
	}
}

func (o *Orchestrator) text(ctx context.Context, ref blob.Ref) string {
	if ref.IsZero() {
		return ""
	}
	b, err := o.blobs.Get(ctx, ref)
	if err != nil {
		o.logger.Warn("loading artifact failed", "ref", ref, "error", err)
		return ""
	}
	return string(b)
}

// attach registers the per-call sink for runID and returns the combined
// emitter for this call.
func (o *Orchestrator) attach(runID string, sink events.Sink) events.Sink {
	emit := events.Tee(sink, o.sink)
	o.mu.Lock()
	o.sinks[runID] = emit
	o.mu.Unlock()
	return emit
}

func (o *Orchestrator) detach(runID string) {
	o.mu.Lock()
	delete(o.sinks, runID)
	o.mu.Unlock()
}

func (o *Orchestrator) emitter(runID string) events.Sink {
	o.mu.Lock()
	defer o.mu.Unlock()
	if s, ok := o.sinks[runID]; ok {
		return s
	}
	return events.Tee(o.sink)
}

// progress turns engine events into user-facing run events.
func (o *Orchestrator) progress(ev map[string]any) {
	runID, _ := ev["run_id"].(string)
	emit := o.emitter(runID)
	switch ev["event"] {
	case "node_finished":
		up, _ := ev["update"].(runtime.Update)
		for _, line := range up.AppendLogs {
			emit(events.New(events.TypeLog, runID, line))
		}
		for _, m := range up.AppendMessages {
			emit(events.New(events.TypeMessage, runID, map[string]any{"role": string(m.Role), "content": m.Content}))
		}
		ctx := context.Background()
		if up.PlanRef != nil {
			emit(events.New(events.TypePlan, runID, o.text(ctx, *up.PlanRef)))
		}
		if up.CodeRef != nil {
			emit(events.New(events.TypeCode, runID, o.text(ctx, *up.CodeRef)))
		}
		if up.Status != nil {
			emit(events.New(events.TypeStatus, runID, string(*up.Status)))
		}
	case "run_paused":
		emit(events.New(events.TypeStatus, runID, string(runtime.StatusWaitingForApproval)))
	case "node_crashed":
		emit(events.New(events.TypeLog, runID, fmt.Sprintf("Node %v crashed: %v", ev["node"], ev["error"])))
	}
}

func ptr[T any](v T) *T { return &v }
