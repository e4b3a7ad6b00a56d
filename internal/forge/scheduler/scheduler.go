// Package scheduler re-runs every stored test on a timer and starts an
// auto-fix workflow for the ones that no longer pass.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/danshapiro/testforge/internal/events"
	"github.com/danshapiro/testforge/internal/forge/blob"
	"github.com/danshapiro/testforge/internal/forge/history"
	"github.com/danshapiro/testforge/internal/forge/nodes"
	"github.com/danshapiro/testforge/internal/forge/orchestrator"
	"github.com/danshapiro/testforge/internal/forge/runtime"
	"github.com/danshapiro/testforge/internal/forge/tools/executor"
)

const (
	DefaultSpec         = "@every 6h"
	DefaultCheckTimeout = 30 * time.Minute
)

// Runs is the part of history.Store the scheduler reads and writes.
type Runs interface {
	LatestSuccessfulPerRequest(ctx context.Context) ([]history.Run, error)
	SetExecution(ctx context.Context, id, status, reportURL, logs string) error
	AddNotification(ctx context.Context, sessionID, message, runID string) (int64, error)
}

type Submitter interface {
	Submit(ctx context.Context, req orchestrator.Request, sink events.Sink) (*orchestrator.Outcome, error)
}

// Pruner drops knowledge entries older than a TTL.
type Pruner interface {
	Prune(ctx context.Context, ttl time.Duration) (int, error)
}

type Config struct {
	Spec         string
	CheckTimeout time.Duration
	// KnowledgeTTL enables pruning of Pruners on every tick when positive.
	KnowledgeTTL time.Duration
}

type Scheduler struct {
	cfg     Config
	runs    Runs
	blobs   blob.Store
	exec    executor.Executor
	submit  Submitter
	pruners []Pruner
	logger  *slog.Logger

	cron *cron.Cron
	// mu serialises passes.
	mu sync.Mutex
}

// Report summarises one pass.
type Report struct {
	Checked  int
	Passed   int
	Failed   int
	Repaired int
	Errors   []error
}

func New(cfg Config, runs Runs, blobs blob.Store, exec executor.Executor, submit Submitter, logger *slog.Logger, pruners ...Pruner) (*Scheduler, error) {
	if runs == nil || blobs == nil || exec == nil || submit == nil {
		return nil, errors.New("scheduler: runs, blobs, executor and submitter are required")
	}
	if strings.TrimSpace(cfg.Spec) == "" {
		cfg.Spec = DefaultSpec
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = DefaultCheckTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cfg:     cfg,
		runs:    runs,
		blobs:   blobs,
		exec:    exec,
		submit:  submit,
		pruners: pruners,
		logger:  logger.With("component", "scheduler"),
	}, nil
}

// Start schedules RunOnce according to the configured cron spec.
func (s *Scheduler) Start() error {
	cl := cronLogger{s.logger}
	c := cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	if _, err := c.AddFunc(s.cfg.Spec, func() {
		rep := s.RunOnce(context.Background())
		s.logger.Info("health check finished",
			"checked", rep.Checked, "failed", rep.Failed, "repaired", rep.Repaired, "errors", len(rep.Errors))
	}); err != nil {
		return fmt.Errorf("scheduler: bad spec %q: %w", s.cfg.Spec, err)
	}
	s.cron = c
	c.Start()
	s.logger.Info("scheduler started", "spec", s.cfg.Spec)
	return nil
}

// cronLogger routes cron's own messages, such as skipped overlapping ticks,
// to slog.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, kv ...any) { c.l.Debug("cron: "+msg, kv...) }
func (c cronLogger) Error(err error, msg string, kv ...any) {
	c.l.Error("cron: "+msg, append(kv, "error", err)...)
}

// Stop halts the schedule and waits for a running pass to return.
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.cron = nil
}

// RunOnce checks every latest successful run in turn.
func (s *Scheduler) RunOnce(ctx context.Context) Report {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rep Report
	s.prune(ctx)
	runs, err := s.runs.LatestSuccessfulPerRequest(ctx)
	if err != nil {
		rep.Errors = append(rep.Errors, fmt.Errorf("list runs: %w", err))
		return rep
	}
	for _, run := range runs {
		if ctx.Err() != nil {
			rep.Errors = append(rep.Errors, ctx.Err())
			break
		}
		rep.Checked++
		passed, repaired, err := s.check(ctx, run)
		switch {
		case err != nil:
			rep.Errors = append(rep.Errors, fmt.Errorf("run %s: %w", run.ID, err))
		case passed:
			rep.Passed++
		default:
			rep.Failed++
			if repaired {
				rep.Repaired++
			}
		}
	}
	return rep
}

func (s *Scheduler) check(parent context.Context, run history.Run) (passed, repaired bool, err error) {
	ctx, cancel := context.WithTimeout(parent, s.cfg.CheckTimeout)
	defer cancel()
	log := s.logger.With("run_id", run.ID)

	code, err := s.blobs.Get(ctx, run.CodeRef)
	if err != nil {
		return false, false, fmt.Errorf("load code: %w", err)
	}
	res, err := s.exec.RunIsolated(ctx, "health-"+run.ID, string(code))
	if err != nil {
		return false, false, fmt.Errorf("execute: %w", err)
	}
	status := history.ExecutionSuccess
	if !res.Passed() {
		status = history.ExecutionFailed
	}
	if err := s.runs.SetExecution(ctx, run.ID, status, res.ReportDir, res.Logs); err != nil {
		log.Warn("recording execution failed", "error", err)
	}
	if res.Passed() {
		log.Info("health check passed")
		return true, false, nil
	}

	log.Warn("health check failed, starting auto-fix", "exit_code", res.ExitCode)
	out, err := s.submit.Submit(ctx, orchestrator.Request{
		Message:   AutoFixMessage(run.Request, res.Logs),
		SessionID: run.SessionID,
		Title:     run.Request,
		Seed: &runtime.WorkflowState{
			CodeRef:      run.CodeRef,
			PlanRef:      run.PlanRef,
			TestCategory: runtime.TestCategory(run.TestCategory),
			TracePath:    res.TracePath,
			AutoFix:      true,
		},
	}, nil)
	if err != nil {
		return false, false, fmt.Errorf("auto-fix: %w", err)
	}
	if out.Status != runtime.StatusCompleted {
		log.Warn("auto-fix did not complete", "fix_run_id", out.RunID, "status", out.Status, "failure_kind", out.State.FailureKind)
		return false, false, nil
	}
	if _, err := s.runs.AddNotification(ctx, run.SessionID, RepairedNotice(run.Request), out.RunID); err != nil {
		log.Warn("adding notification failed", "error", err)
	}
	log.Info("auto-fix completed", "fix_run_id", out.RunID)
	return false, true, nil
}

func (s *Scheduler) prune(ctx context.Context) {
	if s.cfg.KnowledgeTTL <= 0 {
		return
	}
	for _, p := range s.pruners {
		n, err := p.Prune(ctx, s.cfg.KnowledgeTTL)
		if err != nil {
			s.logger.Warn("knowledge prune failed", "error", err)
			continue
		}
		if n > 0 {
			s.logger.Info("knowledge pruned", "removed", n)
		}
	}
}

// AutoFixMessage is the request text of a repair run.
func AutoFixMessage(request, logs string) string {
	return fmt.Sprintf("%s\nOriginal Request: %s\n\nExecution Log:\n%s", nodes.AutoFixPrefix, request, logs)
}

func RepairedNotice(request string) string {
	r := []rune(request)
	if len(r) > 40 {
		r = r[:40]
	}
	return fmt.Sprintf("Test for '%s...' was automatically repaired.", string(r))
}
