// Package engine runs the fixed test-generation graph over a WorkflowState,
// saving a checkpoint after every node so runs can pause for approval and be
// resumed from another process.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	rdebug "runtime/debug"
	"strings"
	"time"

	"github.com/danshapiro/testforge/internal/forge/checkpoint"
	"github.com/danshapiro/testforge/internal/forge/nodes"
	"github.com/danshapiro/testforge/internal/forge/runtime"
)

var (
	ErrRunNotFound  = errors.New("run not found")
	ErrNotResumable = errors.New("run is not resumable")
)

// NodeError is returned when a handler fails outside the state machine: it
// returned a Go error, panicked, or is missing from the registry.
type NodeError struct {
	Node string
	Err  error
}

func (e *NodeError) Error() string { return fmt.Sprintf("node %s: %v", e.Node, e.Err) }

func (e *NodeError) Unwrap() error { return e.Err }

type Options struct {
	MaxAttempts int
	// InterruptBefore names nodes the engine pauses in front of. Nil means
	// human_approval; an empty non-nil slice disables interrupts.
	InterruptBefore []string
	// ProgressSink receives one map per engine event, synchronously.
	ProgressSink func(map[string]any)
	// StageTimeout bounds a single node. Zero means no limit.
	StageTimeout time.Duration
	// StateDir receives runs/<run_id>/final.json. Empty disables the file.
	StateDir string
	Logger   *slog.Logger
}

type Engine struct {
	registry    *nodes.Registry
	checkpoints checkpoint.Store
	opts        Options
	interrupts  map[string]bool
	logger      *slog.Logger
}

// Result describes where a run stopped.
type Result struct {
	RunID    string
	State    *runtime.WorkflowState
	LastNode string
	// Paused is set when the run waits in front of an interrupt node.
	Paused bool
	// Halted is set when the run stopped before final_output.
	Halted bool
	// Completed is set when the run ended with StatusCompleted.
	Completed bool
}

func New(registry *nodes.Registry, checkpoints checkpoint.Store, opts Options) (*Engine, error) {
	if registry == nil {
		return nil, fmt.Errorf("engine: registry is required")
	}
	if checkpoints == nil {
		return nil, fmt.Errorf("engine: checkpoint store is required")
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.InterruptBefore == nil {
		opts.InterruptBefore = []string{nodes.HumanApproval}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	e := &Engine{
		registry:    registry,
		checkpoints: checkpoints,
		opts:        opts,
		interrupts:  map[string]bool{},
		logger:      opts.Logger.With("component", "engine"),
	}
	for _, n := range opts.InterruptBefore {
		n = strings.TrimSpace(n)
		if _, ok := registry.Resolve(n); !ok {
			return nil, fmt.Errorf("engine: interrupt node %q is not registered", n)
		}
		e.interrupts[n] = true
	}
	return e, nil
}

// SetProgressSink replaces the progress callback. Call it before running.
func (e *Engine) SetProgressSink(sink func(map[string]any)) {
	e.opts.ProgressSink = sink
}

// MaxAttempts is the repair budget used for the reviewer edge.
func (e *Engine) MaxAttempts() int { return e.opts.MaxAttempts }

// FinalPath is where the terminal outcome of runID is written.
func (e *Engine) FinalPath(runID string) string {
	if e.opts.StateDir == "" {
		return ""
	}
	return filepath.Join(e.opts.StateDir, "runs", runID, "final.json")
}

// Start runs a new workflow from router until it pauses, halts or finishes.
func (e *Engine) Start(ctx context.Context, st *runtime.WorkflowState) (*Result, error) {
	rec, err := e.begin(ctx, st)
	if err != nil {
		return nil, err
	}
	return e.drive(ctx, rec, 0)
}

// Begin saves the initial checkpoint for st without running any node. Use
// Step to advance it.
func (e *Engine) Begin(ctx context.Context, st *runtime.WorkflowState) (*Result, error) {
	rec, err := e.begin(ctx, st)
	if err != nil {
		return nil, err
	}
	return e.result(rec), nil
}

func (e *Engine) begin(ctx context.Context, st *runtime.WorkflowState) (*checkpoint.Record, error) {
	if st == nil {
		return nil, fmt.Errorf("engine: state is nil")
	}
	if st.RunID == "" {
		id, err := NewRunID()
		if err != nil {
			return nil, err
		}
		st.RunID = id
	}
	rec := &checkpoint.Record{RunID: st.RunID, State: st, NextNode: nodes.Router}
	if err := e.save(ctx, rec); err != nil {
		return nil, err
	}
	e.appendProgress(st.RunID, map[string]any{"event": "run_started", "request": st.UserRequest})
	return rec, nil
}

// Resume continues runID from its last checkpoint. mutate, if non-nil, edits
// the loaded state before the next node runs.
func (e *Engine) Resume(ctx context.Context, runID string, mutate func(*runtime.WorkflowState)) (*Result, error) {
	rec, err := e.resumable(ctx, runID)
	if err != nil {
		return nil, err
	}
	if mutate != nil {
		mutate(rec.State)
	}
	rec.Interrupted = false
	e.appendProgress(runID, map[string]any{"event": "run_resumed", "node": rec.NextNode})
	return e.drive(ctx, rec, 0)
}

// Step runs exactly one node of runID. A paused run is reported as paused
// without executing anything; use Resume to get past an interrupt.
func (e *Engine) Step(ctx context.Context, runID string) (*Result, error) {
	rec, err := e.resumable(ctx, runID)
	if err != nil {
		return nil, err
	}
	if rec.Interrupted {
		return e.result(rec), nil
	}
	return e.drive(ctx, rec, 1)
}

// Load returns the last checkpoint of runID.
func (e *Engine) Load(ctx context.Context, runID string) (*checkpoint.Record, error) {
	rec, err := e.checkpoints.Load(ctx, runID)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Save overwrites the checkpoint of an existing run. Callers use it to
// record decisions made outside the graph, such as a denial.
func (e *Engine) Save(ctx context.Context, rec *checkpoint.Record) error {
	return e.save(ctx, rec)
}

// Finish marks rec terminal and writes its final outcome.
func (e *Engine) Finish(ctx context.Context, rec *checkpoint.Record) error {
	rec.NextNode = ""
	rec.Interrupted = false
	rec.Terminal = true
	if err := e.save(ctx, rec); err != nil {
		return err
	}
	e.writeFinal(rec)
	runsTotal.WithLabelValues(outcomeLabel(rec.State)).Inc()
	return nil
}

func (e *Engine) resumable(ctx context.Context, runID string) (*checkpoint.Record, error) {
	rec, err := e.Load(ctx, runID)
	if err != nil {
		return nil, err
	}
	if rec.Terminal || rec.NextNode == "" || rec.State == nil {
		return nil, fmt.Errorf("%w: %s (status %s)", ErrNotResumable, runID, statusOf(rec))
	}
	return rec, nil
}

func (e *Engine) drive(ctx context.Context, rec *checkpoint.Record, maxSteps int) (*Result, error) {
	st := rec.State
	current := rec.NextNode
	log := e.logger.With("run_id", rec.RunID)
	for steps := 0; ; steps++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if maxSteps > 0 && steps >= maxSteps {
			return e.result(rec), nil
		}

		h, ok := e.registry.Resolve(current)
		if !ok {
			return nil, e.crash(ctx, rec, current, fmt.Errorf("no handler registered"))
		}
		log.Info("node started", "node", current, "attempt", st.AttemptCount)
		e.appendProgress(rec.RunID, map[string]any{"event": "node_started", "node": current})

		start := time.Now()
		up, err := e.execute(ctx, h, current, st)
		nodeDuration.WithLabelValues(current).Observe(time.Since(start).Seconds())
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
				// Cancelled runs stay resumable at the node that was interrupted.
				return nil, err
			}
			return nil, e.crash(ctx, rec, current, err)
		}
		st.Apply(up)
		rec.LastNode = current
		rec.Completed = append(rec.Completed, current)

		next := nextNode(current, st, e.opts.MaxAttempts)
		if next == "" && current != nodes.FinalOutput {
			if halt, ok := haltUpdate(current, st); ok {
				st.Apply(halt)
				up = runtime.Merge(up, halt)
			}
		}
		log.Info("node finished", "node", current, "status", st.Status, "next", next)
		e.appendProgress(rec.RunID, map[string]any{
			"event":  "node_finished",
			"node":   current,
			"status": string(st.Status),
			"update": up,
		})

		if next == "" {
			if err := e.Finish(ctx, rec); err != nil {
				return nil, err
			}
			res := e.result(rec)
			e.appendProgress(rec.RunID, map[string]any{
				"event":  "run_finished",
				"status": string(st.Status),
				"halted": res.Halted,
			})
			log.Info("run stopped", "status", st.Status, "last_node", current, "failure_kind", st.FailureKind)
			return res, nil
		}

		transitionsTotal.WithLabelValues(current, next).Inc()
		e.appendProgress(rec.RunID, map[string]any{"event": "edge_selected", "from_node": current, "to_node": next})
		rec.NextNode = next

		if e.interrupts[next] {
			st.Apply(runtime.Update{Status: runtime.Ptr(runtime.StatusWaitingForApproval)})
			rec.Interrupted = true
			if err := e.save(ctx, rec); err != nil {
				return nil, err
			}
			runsTotal.WithLabelValues("paused").Inc()
			e.appendProgress(rec.RunID, map[string]any{"event": "run_paused", "node": next})
			log.Info("run paused", "before", next)
			return e.result(rec), nil
		}
		if err := e.save(ctx, rec); err != nil {
			return nil, err
		}
		current = next
	}
}

func (e *Engine) execute(ctx context.Context, h nodes.Handler, node string, st *runtime.WorkflowState) (up runtime.Update, err error) {
	if e.opts.StageTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.StageTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("node panicked", "node", node, "run_id", st.RunID, "panic", r, "stack", string(rdebug.Stack()))
			up = runtime.Update{}
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h.Execute(ctx, st)
}

// crash records an infrastructure failure of node as a terminal internal
// failure and returns the wrapped error.
func (e *Engine) crash(ctx context.Context, rec *checkpoint.Record, node string, cause error) error {
	nerr := &NodeError{Node: node, Err: cause}
	st := rec.State
	st.Apply(runtime.Fail(runtime.FailureInternal, nerr.Error()))
	rec.LastNode = node
	e.logger.Error("node crashed", "run_id", rec.RunID, "node", node, "error", cause)
	if err := e.Finish(context.WithoutCancel(ctx), rec); err != nil {
		e.logger.Error("saving crashed run failed", "run_id", rec.RunID, "error", err)
	}
	e.appendProgress(rec.RunID, map[string]any{"event": "node_crashed", "node": node, "error": cause.Error()})
	return nerr
}

func (e *Engine) save(ctx context.Context, rec *checkpoint.Record) error {
	rec.UpdatedAt = time.Now().UTC()
	if err := e.checkpoints.Save(ctx, rec); err != nil {
		return fmt.Errorf("save checkpoint %s: %w", rec.RunID, err)
	}
	return nil
}

func (e *Engine) writeFinal(rec *checkpoint.Record) {
	path := e.FinalPath(rec.RunID)
	if path == "" || !rec.State.Status.Terminal() {
		return
	}
	fo := runtime.OutcomeFromState(rec.State, rec.LastNode)
	if err := runtime.WriteJSONAtomicFile(path, fo); err != nil {
		e.logger.Warn("writing final outcome failed", "run_id", rec.RunID, "error", err)
	}
}

func (e *Engine) result(rec *checkpoint.Record) *Result {
	st := rec.State
	return &Result{
		RunID:     rec.RunID,
		State:     st,
		LastNode:  rec.LastNode,
		Paused:    rec.Interrupted,
		Halted:    rec.Terminal && rec.LastNode != nodes.FinalOutput,
		Completed: st.Status == runtime.StatusCompleted,
	}
}

func (e *Engine) appendProgress(runID string, ev map[string]any) {
	if e.opts.ProgressSink == nil {
		return
	}
	ev["run_id"] = runID
	ev["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	e.opts.ProgressSink(ev)
}

func outcomeLabel(st *runtime.WorkflowState) string {
	switch st.Status {
	case runtime.StatusCompleted:
		return "completed"
	case runtime.StatusFailed:
		return "failed"
	case runtime.StatusWaitingForInput:
		return "waiting_for_input"
	}
	return "halted"
}

func statusOf(rec *checkpoint.Record) runtime.RunStatus {
	if rec.State == nil {
		return ""
	}
	return rec.State.Status
}
