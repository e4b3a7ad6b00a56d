package engine

import (
	"fmt"

	"github.com/danshapiro/testforge/internal/forge/nodes"
	"github.com/danshapiro/testforge/internal/forge/runtime"
)

// nextNode returns the node that runs after from, given the state it left
// has run, or "" when the run halts.
func nextNode(from string, st *runtime.WorkflowState, maxAttempts int) string {
	switch from {
	case nodes.Router:
		if st.TaskType == runtime.TaskDebugRequest {
			return nodes.Debugger
		}
		return nodes.Analyst
	case nodes.Analyst:
		switch st.Status {
		case runtime.StatusCompleted:
			return nodes.FinalOutput
		case runtime.StatusWaitingForInput, runtime.StatusFailed:
			return ""
		}
		return nodes.HumanApproval
	case nodes.HumanApproval:
		switch {
		case len(st.Scenarios) > 1:
			return nodes.Batch
		case st.RepositoryPath != "":
			return nodes.RepoExplorer
		}
		return nodes.FeatureCoder
	case nodes.FeatureCoder, nodes.RepoExplorer, nodes.Debugger:
		if st.Status == runtime.StatusFailed {
			return ""
		}
		return nodes.Reviewer
	case nodes.Reviewer:
		switch {
		case st.Status == runtime.StatusCompleted:
			return nodes.FinalOutput
		case st.Status == runtime.StatusFixing && st.AttemptCount < maxAttempts:
			return nodes.Debugger
		}
		return ""
	case nodes.Batch:
		return nodes.FinalOutput
	}
	return ""
}

// haltUpdate is applied when the run stops somewhere other than final_output.
// A reviewer that still wants a repair has run out of attempts.
func haltUpdate(from string, st *runtime.WorkflowState) (runtime.Update, bool) {
	if from != nodes.Reviewer || st.Status == runtime.StatusFailed {
		return runtime.Update{}, false
	}
	diag := fmt.Sprintf("Validation still failing after %d repair attempts.", st.AttemptCount)
	if st.LastValidationError != "" {
		diag = fmt.Sprintf("Validation still failing after %d repair attempts: %s", st.AttemptCount, st.LastValidationError)
	}
	return runtime.Fail(runtime.FailureRetriesExhausted, diag), true
}
