// Package openai adapts any OpenAI-compatible chat completions endpoint to
// the llm.Provider interface.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/danshapiro/testforge/internal/llm"
)

const providerName = "openai"

type Adapter struct {
	client *goopenai.Client
}

// New builds an adapter. An empty baseURL targets api.openai.com.
func New(apiKey, baseURL string) *Adapter {
	cfg := goopenai.DefaultConfig(strings.TrimSpace(apiKey))
	if base := strings.TrimRight(strings.TrimSpace(baseURL), "/"); base != "" {
		cfg.BaseURL = base
	}
	return &Adapter{client: goopenai.NewClientWithConfig(cfg)}
}

func (a *Adapter) Name() string { return providerName }

func (a *Adapter) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	creq := goopenai.ChatCompletionRequest{
		Model:     req.Model,
		Messages:  toChatMessages(req.Messages),
		Tools:     toTools(req.Tools),
		MaxTokens: req.MaxTokens,
	}
	if req.Temperature != nil {
		creq.Temperature = float32(*req.Temperature)
	}
	resp, err := a.client.CreateChatCompletion(ctx, creq)
	if err != nil {
		return llm.Response{}, mapError(ctx, err)
	}
	if len(resp.Choices) == 0 {
		return llm.Response{}, llm.ErrorFromHTTPStatus(providerName, 502, "response contained no choices", nil)
	}
	choice := resp.Choices[0]
	msg := llm.Message{Role: llm.RoleAssistant, Content: choice.Message.Content}
	for _, tc := range choice.Message.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, llm.ToolCallData{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}
	return llm.Response{
		Provider:     providerName,
		Model:        resp.Model,
		Message:      msg,
		FinishReason: string(choice.FinishReason),
		Usage: llm.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		},
	}, nil
}

func toChatMessages(msgs []llm.Message) []goopenai.ChatCompletionMessage {
	out := make([]goopenai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		cm := goopenai.ChatCompletionMessage{Content: m.Content}
		switch m.Role {
		case llm.RoleSystem:
			cm.Role = goopenai.ChatMessageRoleSystem
		case llm.RoleAssistant:
			cm.Role = goopenai.ChatMessageRoleAssistant
		case llm.RoleTool:
			cm.Role = goopenai.ChatMessageRoleTool
			cm.ToolCallID = m.ToolCallID
		default:
			cm.Role = goopenai.ChatMessageRoleUser
		}
		for _, tc := range m.ToolCalls {
			cm.ToolCalls = append(cm.ToolCalls, goopenai.ToolCall{
				ID:   tc.ID,
				Type: goopenai.ToolTypeFunction,
				Function: goopenai.FunctionCall{
					Name:      tc.Name,
					Arguments: string(tc.Arguments),
				},
			})
		}
		out = append(out, cm)
	}
	return out
}

func toTools(defs []llm.ToolDefinition) []goopenai.Tool {
	if len(defs) == 0 {
		return nil
	}
	out := make([]goopenai.Tool, 0, len(defs))
	for _, d := range defs {
		params := d.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, goopenai.Tool{
			Type: goopenai.ToolTypeFunction,
			Function: &goopenai.FunctionDefinition{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  params,
			},
		})
	}
	return out
}

func mapError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return llm.NewRequestTimeoutError(providerName, err.Error())
	}
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		return llm.ErrorFromHTTPStatus(providerName, apiErr.HTTPStatusCode, apiErr.Message, nil)
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) {
		msg := reqErr.Error()
		if reqErr.Err != nil {
			msg = reqErr.Err.Error()
		}
		return llm.ErrorFromHTTPStatus(providerName, reqErr.HTTPStatusCode, msg, nil)
	}
	return fmt.Errorf("%s request: %w", providerName, err)
}
