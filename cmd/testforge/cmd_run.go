package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/danshapiro/testforge/internal/events"
	"github.com/danshapiro/testforge/internal/forge/orchestrator"
	"github.com/danshapiro/testforge/internal/forge/runtime"
)

// withApp loads the config, wires the app and runs fn under a context that
// is cancelled on SIGINT/SIGTERM. A cancelled run stays resumable from its
// last checkpoint.
func withApp(cmd *cobra.Command, g *globalFlags, fn func(ctx context.Context, a *app) error) error {
	e, err := loadEnv(g, cmd.ErrOrStderr(), "testforge")
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	a, err := newApp(ctx, e)
	if err != nil {
		e.Close()
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func runCmd(g *globalFlags) *cobra.Command {
	var (
		req    orchestrator.Request
		follow bool
	)
	cmd := &cobra.Command{
		Use:   "run <request>",
		Short: "Start a new test-generation run",
		Long: `Start a new run from a plain-language request. The run stops when it
needs plan approval, needs more input, or finishes. Use "approve" or "deny"
to continue a paused run.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Message = strings.Join(args, " ")
			return withApp(cmd, g, func(ctx context.Context, a *app) error {
				out, err := a.orch.Submit(ctx, req, progressSink(cmd.ErrOrStderr(), follow))
				if err != nil {
					return err
				}
				return printOutcome(cmd.OutOrStdout(), out)
			})
		},
	}
	cmd.Flags().StringVar(&req.RunID, "run-id", "", "run id (default: a new ULID)")
	cmd.Flags().StringVar(&req.SessionID, "session", "", "session the run belongs to")
	cmd.Flags().StringVar(&req.ModelSelector, "model", "", "override the generation model")
	cmd.Flags().StringVar(&req.ParentRunID, "parent", "", "continue the conversation of an earlier run")
	cmd.Flags().BoolVar(&req.Manual, "manual", false, "create the run without executing it; advance with \"step\"")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "print progress events to stderr")
	return cmd
}

func approveCmd(g *globalFlags) *cobra.Command {
	var (
		feedback     string
		feedbackFile string
		follow       bool
	)
	cmd := &cobra.Command{
		Use:   "approve <run-id>",
		Short: "Approve the plan of a paused run and continue it",
		Long: `Approve the plan of a run waiting for approval. Feedback, if given,
replaces the plan before code generation starts.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if feedbackFile != "" {
				b, err := os.ReadFile(feedbackFile)
				if err != nil {
					return err
				}
				feedback = string(b)
			}
			return withApp(cmd, g, func(ctx context.Context, a *app) error {
				out, err := a.orch.Approve(ctx, args[0], feedback, progressSink(cmd.ErrOrStderr(), follow))
				if err != nil {
					return err
				}
				return printOutcome(cmd.OutOrStdout(), out)
			})
		},
	}
	cmd.Flags().StringVar(&feedback, "feedback", "", "replacement plan text")
	cmd.Flags().StringVar(&feedbackFile, "feedback-file", "", "read the replacement plan from a file")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "print progress events to stderr")
	cmd.MarkFlagsMutuallyExclusive("feedback", "feedback-file")
	return cmd
}

func denyCmd(g *globalFlags) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "deny <run-id>",
		Short: "Reject the plan of a paused run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, func(ctx context.Context, a *app) error {
				out, err := a.orch.Deny(ctx, args[0], reason)
				if err != nil {
					return err
				}
				return printOutcome(cmd.OutOrStdout(), out)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the plan was rejected")
	return cmd
}

func stepCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "step <run-id>",
		Short: "Execute exactly one node of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, func(ctx context.Context, a *app) error {
				out, err := a.orch.Step(ctx, args[0], progressSink(cmd.ErrOrStderr(), true))
				if err != nil {
					return err
				}
				return printOutcome(cmd.OutOrStdout(), out)
			})
		},
	}
}

func statusCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show the checkpointed state of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, g, func(ctx context.Context, a *app) error {
				st, err := a.orch.Get(ctx, args[0])
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				printState(w, st)
				if plan, err := a.orch.Artifact(ctx, st.PlanRef); err == nil && plan != "" {
					fmt.Fprintf(w, "\n--- plan ---\n%s\n", plan)
				}
				if code, err := a.orch.Artifact(ctx, st.CodeRef); err == nil && code != "" {
					fmt.Fprintf(w, "\n--- code ---\n%s\n", code)
				}
				return nil
			})
		},
	}
}

// printOutcome writes key=value lines followed by the plan or code the
// caller needs next. A failed run exits with status 1.
func printOutcome(w io.Writer, out *orchestrator.Outcome) error {
	printState(w, out.State)
	if out.Finish != "" {
		fmt.Fprintf(w, "finish=%s\n", out.Finish)
	}
	switch {
	case out.Finish == orchestrator.FinishWaitingForApproval && out.Plan != "":
		fmt.Fprintf(w, "\n--- plan ---\n%s\n", out.Plan)
	case out.Finish == orchestrator.FinishWaitingForInput:
		if m := out.State.LastMessage(); m.Role == runtime.RoleAssistant {
			fmt.Fprintf(w, "\n%s\n", m.Content)
		}
	case out.Code != "":
		fmt.Fprintf(w, "\n--- code ---\n%s\n", out.Code)
	}
	if out.Status == runtime.StatusFailed {
		return &exitError{code: 1}
	}
	return nil
}

func printState(w io.Writer, st *runtime.WorkflowState) {
	fmt.Fprintf(w, "run_id=%s\n", st.RunID)
	fmt.Fprintf(w, "status=%s\n", st.Status)
	if st.TaskType != "" {
		fmt.Fprintf(w, "task_type=%s\n", st.TaskType)
	}
	if st.TestCategory != "" {
		fmt.Fprintf(w, "test_category=%s\n", st.TestCategory)
	}
	fmt.Fprintf(w, "attempts=%d\n", st.AttemptCount)
	if st.CacheHit {
		fmt.Fprintln(w, "cache_hit=true")
	}
	if st.FailureKind != "" {
		fmt.Fprintf(w, "failure_kind=%s\n", st.FailureKind)
	}
	if st.Diagnostic != "" {
		fmt.Fprintf(w, "diagnostic=%s\n", oneLine(st.Diagnostic))
	}
}

// progressSink prints log and status events as they arrive. With verbose off
// it prints nothing.
func progressSink(w io.Writer, verbose bool) events.Sink {
	if !verbose {
		return nil
	}
	var mu sync.Mutex
	return func(ev map[string]any) {
		mu.Lock()
		defer mu.Unlock()
		switch ev["type"] {
		case events.TypeLog:
			fmt.Fprintf(w, "  %v\n", ev["data"])
		case events.TypeStatus:
			fmt.Fprintf(w, "[%v]\n", ev["data"])
		case events.TypeError:
			fmt.Fprintf(w, "error: %v\n", ev["data"])
		}
	}
}

func oneLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " ..."
	}
	return s
}
