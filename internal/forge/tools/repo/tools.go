package repo

import (
	"context"
	"strings"

	"github.com/danshapiro/testforge/internal/agent"
	"github.com/danshapiro/testforge/internal/llm"
)

// RegisterTools exposes read_file, search_code and list_files over ws.
func RegisterTools(reg *agent.Registry, ws *Workspace) error {
	tools := []agent.Tool{
		{
			Definition: llm.ToolDefinition{
				Name:        "read_file",
				Description: "Read a file from the repository (first 500 lines).",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"path": map[string]any{"type": "string", "description": "Path relative to the repository root."},
					},
					"required":             []string{"path"},
					"additionalProperties": false,
				},
			},
			Run: func(_ context.Context, args map[string]any) (string, error) {
				path, _ := args["path"].(string)
				return ws.ReadFile(path, DefaultMaxLines)
			},
			Limit: agent.OutputLimit{MaxChars: 40_000},
		},
		{
			Definition: llm.ToolDefinition{
				Name:        "search_code",
				Description: "Case-insensitive text search across the repository.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"query": map[string]any{"type": "string", "minLength": 1},
					},
					"required":             []string{"query"},
					"additionalProperties": false,
				},
			},
			Run: func(ctx context.Context, args map[string]any) (string, error) {
				q, _ := args["query"].(string)
				return ws.Search(ctx, q)
			},
			Limit: agent.OutputLimit{MaxChars: 20_000, MaxLines: 200, KeepTail: true},
		},
		{
			Definition: llm.ToolDefinition{
				Name:        "list_files",
				Description: "List repository files matching a glob such as **/*.py. Without a pattern, returns the directory tree.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"pattern": map[string]any{"type": "string"},
					},
					"additionalProperties": false,
				},
			},
			Run: func(_ context.Context, args map[string]any) (string, error) {
				pattern, _ := args["pattern"].(string)
				if strings.TrimSpace(pattern) == "" {
					return ws.Tree(DefaultTreeMax), nil
				}
				files, err := ws.Glob(pattern)
				if err != nil {
					return "", err
				}
				if len(files) == 0 {
					return noResults, nil
				}
				return strings.Join(files, "\n"), nil
			},
			Limit: agent.OutputLimit{MaxChars: 20_000, MaxLines: 500},
		},
	}
	for _, t := range tools {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}
