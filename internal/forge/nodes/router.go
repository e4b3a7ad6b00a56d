package nodes

import (
	"context"
	"strings"

	"github.com/danshapiro/testforge/internal/forge/runtime"
	"github.com/danshapiro/testforge/internal/llm"
)

type routerNode struct{ d *Deps }

// Execute classifies the latest message. It never fails the run: any model
// or parse failure falls back to UI test generation.
func (n *routerNode) Execute(ctx context.Context, st *runtime.WorkflowState) (runtime.Update, error) {
	log := n.d.logger(Router, st)
	msg := latestRequest(st)

	if strings.HasPrefix(strings.TrimSpace(msg), AutoFixPrefix) {
		return runtime.Update{
			TaskType:   runtime.Ptr(runtime.TaskDebugRequest),
			Status:     runtime.Ptr(runtime.StatusAnalyzing),
			AppendLogs: []string{"Router: auto-fix request, routing to debugger."},
		}, nil
	}

	model := n.d.Models.Router
	if model == "" {
		model = n.d.model(st)
	}
	task := runtime.TaskUITestGeneration
	reply, err := n.d.complete(ctx, model, []llm.Message{llm.System(routerPrompt), llm.User(msg)})
	switch {
	case err != nil:
		log.Warn("router call failed, defaulting", "error", err)
	default:
		if t, ok := ParseTaskType(reply); ok {
			task = t
		} else {
			log.Warn("router reply not understood, defaulting", "reply", clip(reply, 200))
		}
	}
	// A debug request with no code to repair is planned like a new test.
	if task == runtime.TaskDebugRequest && st.CodeRef.IsZero() && !strings.Contains(msg, "```") {
		task = runtime.TaskUITestGeneration
	}
	log.Info("request classified", "task_type", task)
	return runtime.Update{
		TaskType:   runtime.Ptr(task),
		Status:     runtime.Ptr(runtime.StatusAnalyzing),
		AppendLogs: []string{"Router: classified request as " + string(task) + "."},
	}, nil
}
