package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/danshapiro/testforge/internal/llm"
)

// ErrToolBudgetExhausted is returned when the model is still calling tools
// after the configured number of rounds.
var ErrToolBudgetExhausted = errors.New("tool budget exhausted")

type LoopConfig struct {
	// MaxRounds bounds the number of model calls. Each round may execute
	// several tool calls.
	MaxRounds int
	// OnToolCall is notified after each tool execution.
	OnToolCall func(CallResult)
}

type LoopResult struct {
	Text      string
	Rounds    int
	ToolCalls int
	Messages  []llm.Message
}

// RunToolLoop sends req to the model, executes any tool calls against reg,
// and repeats until the model replies without tool calls or the round budget
// is spent. The transcript is returned even on budget exhaustion.
func RunToolLoop(ctx context.Context, client llm.Completer, reg *Registry, req llm.Request, cfg LoopConfig) (LoopResult, error) {
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = 7
	}
	req.Tools = reg.Definitions()
	msgs := append([]llm.Message{}, req.Messages...)
	res := LoopResult{}

	var lastFP string
	for round := 0; round < cfg.MaxRounds; round++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		req.Messages = msgs
		resp, err := client.Complete(ctx, req)
		res.Rounds = round + 1
		if err != nil {
			res.Messages = msgs
			return res, err
		}
		msgs = append(msgs, resp.Message)

		calls := resp.ToolCalls()
		if len(calls) == 0 {
			res.Text = resp.Text()
			res.Messages = msgs
			return res, nil
		}

		fp := toolCallsFingerprint(calls)
		repeated := fp != "" && fp == lastFP
		lastFP = fp

		for _, call := range calls {
			r := reg.Call(ctx, call)
			res.ToolCalls++
			if cfg.OnToolCall != nil {
				cfg.OnToolCall(r)
			}
			msgs = append(msgs, llm.ToolResult(r.CallID, r.Output))
		}
		if repeated {
			msgs = append(msgs, llm.User("You are repeating the same tool calls. Stop exploring and write the final answer."))
		}
	}
	res.Messages = msgs
	return res, fmt.Errorf("%w after %d rounds", ErrToolBudgetExhausted, cfg.MaxRounds)
}

func toolCallsFingerprint(calls []llm.ToolCallData) string {
	if len(calls) == 0 {
		return ""
	}
	parts := make([]string, 0, len(calls))
	for _, c := range calls {
		parts = append(parts, c.Name+":"+shortHash(c.Arguments))
	}
	sort.Strings(parts)
	return strings.Join(parts, "|")
}
