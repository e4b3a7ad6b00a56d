package nodes

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/danshapiro/testforge/internal/agent"
	"github.com/danshapiro/testforge/internal/forge/blob"
	"github.com/danshapiro/testforge/internal/forge/runtime"
	"github.com/danshapiro/testforge/internal/forge/tools/repo"
	"github.com/danshapiro/testforge/internal/llm"
)

type approvalNode struct{ d *Deps }

// Execute runs once a human has released the run. The approval itself
// happens outside the graph.
func (n *approvalNode) Execute(_ context.Context, st *runtime.WorkflowState) (runtime.Update, error) {
	n.d.logger(HumanApproval, st).Info("plan approved")
	return runtime.Update{
		Status:     runtime.Ptr(runtime.StatusGenerating),
		AppendLogs: []string{"Human approval: plan approved, generating code."},
	}, nil
}

// planAndContext loads the plan (falling back to the request) and the stored
// context for the coder prompts.
func (d *Deps) planAndContext(ctx context.Context, st *runtime.WorkflowState) (string, string, error) {
	plan, err := d.text(ctx, st.PlanRef)
	if err != nil {
		return "", "", err
	}
	if strings.TrimSpace(plan) == "" {
		plan = st.UserRequest
	}
	extra, err := d.text(ctx, st.ContextRef)
	if err != nil {
		return "", "", err
	}
	return plan, extra, nil
}

// storeCode saves freshly generated code and moves the run to validation.
func (d *Deps) storeCode(ctx context.Context, st *runtime.WorkflowState, reply, logLine string) (runtime.Update, error) {
	code := ExtractCode(reply)
	if code == "" {
		return runtime.Fail(runtime.FailureLLM, "The model returned no code."), nil
	}
	ref, err := d.put(ctx, st, blob.KindCode, code)
	if err != nil {
		return runtime.Update{}, err
	}
	return runtime.Update{
		CodeRef:    &ref,
		Status:     runtime.Ptr(runtime.StatusValidating),
		AppendLogs: []string{logLine},
	}, nil
}

type coderNode struct{ d *Deps }

func (n *coderNode) Execute(ctx context.Context, st *runtime.WorkflowState) (runtime.Update, error) {
	log := n.d.logger(FeatureCoder, st)
	plan, extra, err := n.d.planAndContext(ctx, st)
	if err != nil {
		return runtime.Update{}, err
	}
	reply, err := n.d.complete(ctx, n.d.model(st), []llm.Message{
		llm.System(coderPrompt),
		llm.User(coderInput(plan, extra)),
	})
	if err != nil {
		log.Error("code generation failed", "error", err)
		return runtime.Fail(runtime.FailureLLM, "Code generation failed: "+err.Error()), nil
	}
	log.Info("code generated")
	return n.d.storeCode(ctx, st, reply, "Coder: generated initial code.")
}

type explorerNode struct{ d *Deps }

func (n *explorerNode) Execute(ctx context.Context, st *runtime.WorkflowState) (runtime.Update, error) {
	log := n.d.logger(RepoExplorer, st)
	ws, err := repo.Open(st.RepositoryPath)
	if err != nil {
		return runtime.Fail(runtime.FailureInternal, "Repository is not available: "+err.Error()), nil
	}
	reg := agent.NewRegistry()
	if err := repo.RegisterTools(reg, ws); err != nil {
		return runtime.Update{}, err
	}
	plan, extra, err := n.d.planAndContext(ctx, st)
	if err != nil {
		return runtime.Update{}, err
	}

	calls := 0
	res, err := agent.RunToolLoop(ctx, n.d.LLM, reg, llm.Request{
		Model: n.d.model(st),
		Messages: []llm.Message{
			llm.System(explorerPrompt),
			llm.User(coderInput(plan, extra)),
		},
	}, agent.LoopConfig{
		MaxRounds: n.d.Limits.ToolIterations,
		OnToolCall: func(r agent.CallResult) {
			calls++
			log.Debug("tool call", "tool", r.Tool, "error", r.IsError)
		},
	})
	switch {
	case errors.Is(err, agent.ErrToolBudgetExhausted):
		log.Warn("tool budget exhausted", "rounds", res.Rounds, "tool_calls", calls)
		up := runtime.Fail(runtime.FailureToolBudgetExhausted,
			fmt.Sprintf("Repository exploration did not produce code within %d iterations.", n.d.Limits.ToolIterations))
		up.AppendLogs = []string{fmt.Sprintf("Explorer: gave up after %d iterations and %d tool calls.", res.Rounds, calls)}
		return up, nil
	case err != nil:
		log.Error("exploration failed", "error", err)
		return runtime.Fail(runtime.FailureLLM, "Repository exploration failed: "+err.Error()), nil
	}
	log.Info("exploration finished", "rounds", res.Rounds, "tool_calls", calls)
	return n.d.storeCode(ctx, st, res.Text,
		fmt.Sprintf("Explorer: generated code after %d tool call(s).", calls))
}
