package nodes

import (
	"context"
	"fmt"
	"strings"

	"github.com/danshapiro/testforge/internal/forge/runtime"
	"github.com/danshapiro/testforge/internal/forge/tools/traceinspect"
	"github.com/danshapiro/testforge/internal/llm"
)

type debuggerNode struct{ d *Deps }

// Execute repairs the current code. In-loop repairs start from the last
// validation error; an auto-fix starts from the failure the user or the
// scheduler reported, preferring the structured trace context when present.
func (n *debuggerNode) Execute(ctx context.Context, st *runtime.WorkflowState) (runtime.Update, error) {
	log := n.d.logger(Debugger, st).With("attempt", st.AttemptCount+1)
	code, err := n.d.text(ctx, st.CodeRef)
	if err != nil {
		return runtime.Update{}, err
	}
	request := latestRequest(st)
	if code == "" && strings.Contains(request, "```") {
		code = ExtractCode(request)
	}

	inLoop := st.LastValidationError != ""
	errText := st.LastValidationError
	if !inLoop {
		errText = request
	}

	var prompt, mode string
	if fc := n.failureContext(st, errText, inLoop); fc != nil {
		prompt = debuggerPrompt(fc, code)
		mode = "trace"
	} else {
		prompt = fixerPrompt(errText, code)
		mode = "error log"
	}
	if n.d.Lessons != nil {
		prompt += n.d.Lessons.Recall(ctx, errText, st.TargetURL, n.d.Limits.LessonsRecall)
	}

	reply, err := n.d.complete(ctx, n.d.model(st), []llm.Message{llm.System(coderPrompt), llm.User(prompt)})
	if err != nil {
		log.Error("repair call failed", "error", err)
		return runtime.Fail(runtime.FailureLLM, "Repair model call failed: "+err.Error()), nil
	}

	var line string
	if inLoop {
		line = fmt.Sprintf("Debugger: fixing validation errors (attempt %d).", st.AttemptCount+1)
	} else {
		line = fmt.Sprintf("Debugger: auto-fixing reported failure from %s (attempt %d).", mode, st.AttemptCount+1)
	}
	log.Info("repair generated", "in_loop", inLoop, "mode", mode)

	up, err := n.d.storeCode(ctx, st, reply, line)
	if err != nil || (up.Status != nil && *up.Status == runtime.StatusFailed) {
		return up, err
	}
	up.IncrementAttempts = true
	up.FixProvenance = &runtime.FixProvenance{PreviousCodeRef: st.CodeRef, PreviousError: errText}
	if st.TracePath != "" {
		up.TracePath = runtime.Ptr("")
	}
	return up, nil
}

// failureContext reads the trace for reported failures. In-loop repairs are
// driven by the validator and never use the trace.
func (n *debuggerNode) failureContext(st *runtime.WorkflowState, errText string, inLoop bool) *traceinspect.FailureContext {
	if inLoop || st.TracePath == "" || n.d.Traces == nil {
		return nil
	}
	fc, err := n.d.Traces(st.TracePath, errText)
	if err != nil {
		n.d.logger(Debugger, st).Warn("trace inspection failed", "path", st.TracePath, "error", err)
		return nil
	}
	return fc
}
