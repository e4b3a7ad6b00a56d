package nodes

import (
	"context"
	"fmt"
	"strings"

	"github.com/danshapiro/testforge/internal/forge/runtime"
)

type finalNode struct{ d *Deps }

// Execute closes the run with an assistant message describing the outcome. A completed run without code is downgraded to a failure.
func (n *finalNode) Execute(ctx context.Context, st *runtime.WorkflowState) (runtime.Update, error) {
	log := n.d.logger(FinalOutput, st)
	var up runtime.Update
	if st.Status == runtime.StatusCompleted && st.CodeRef.IsZero() && !st.CacheHit {
		log.Error("completed without code")
		up = runtime.Fail(runtime.FailureInternal, "The run completed without producing code.")
		up.AppendMessages = []runtime.Message{assistant(ClosingMessage(runtime.StatusFailed, runtime.FailureInternal, "The run completed without producing code.", "", false))}
		return up, nil
	}

	if st.Status != runtime.StatusFailed {
		up.Status = runtime.Ptr(runtime.StatusCompleted)
	}
	code, err := n.d.text(ctx, st.CodeRef)
	if err != nil {
		log.Warn("loading final code failed", "error", err)
	}
	up.AppendMessages = []runtime.Message{assistant(ClosingMessage(st.Status, st.FailureKind, st.Diagnostic, code, st.CacheHit))}
	up.AppendLogs = []string{"Final: run finished with status " + string(st.Status) + "."}
	return up, nil
}

// ClosingMessage is the user-facing summary for a finished run.
func ClosingMessage(status runtime.RunStatus, kind runtime.FailureKind, diagnostic, code string, cacheHit bool) string {
	if status == runtime.StatusFailed {
		msg := "Test generation failed"
		if kind != "" {
			msg += " (" + string(kind) + ")"
		}
		if d := strings.TrimSpace(diagnostic); d != "" {
			msg += ": " + d
		}
		return msg + "."
	}
	if cacheHit {
		return "Returned a previously generated test for a matching request from the knowledge cache."
	}
	lines := 0
	if c := strings.TrimSpace(code); c != "" {
		lines = strings.Count(c, "\n") + 1
	}
	tests := strings.Count(code, "\ndef test_") + strings.Count(code, "\n    def test_")
	if strings.HasPrefix(code, "def test_") {
		tests++
	}
	return fmt.Sprintf("Generated and validated the test file: %d line(s), %d test function(s).", lines, tests)
}
