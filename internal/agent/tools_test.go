package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danshapiro/testforge/internal/llm"
)

func echoTool(name string, lim OutputLimit) Tool {
	return Tool{
		Definition: llm.ToolDefinition{Name: name, Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"text": map[string]any{"type": "string"}},
			"required":   []string{"text"},
		}},
		Run: func(_ context.Context, args map[string]any) (string, error) {
			return args["text"].(string), nil
		},
		Limit: lim,
	}
}

func call(name, args string) llm.ToolCallData {
	return llm.ToolCallData{ID: "c1", Name: name, Arguments: json.RawMessage(args)}
}

func TestRegistry_UnknownToolListsAvailable(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(echoTool("read_file", OutputLimit{})))
	res := r.Call(context.Background(), call("write_file", `{}`))
	assert.True(t, res.IsError)
	assert.Contains(t, res.Output, `unknown tool "write_file"`)
	assert.Contains(t, res.Output, "read_file")
}

func TestRegistry_SchemaMismatchIsReturnedToModel(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(echoTool("read_file", OutputLimit{})))

	res := r.Call(context.Background(), call("read_file", `{}`))
	assert.True(t, res.IsError)
	assert.True(t, strings.HasPrefix(res.Output, "Error: arguments do not match the schema"), res.Output)

	res = r.Call(context.Background(), call("read_file", `{"text": 3}`))
	assert.True(t, res.IsError)
}

func TestRegistry_MalformedArguments(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(echoTool("search_code", OutputLimit{})))

	res := r.Call(context.Background(), call("search_code", `{"text":"a"}{"text":"b"}`))
	assert.True(t, res.IsError)
	assert.Contains(t, res.Output, "not a JSON object")

	res = r.Call(context.Background(), call("search_code", `{"text":"login"}`))
	assert.False(t, res.IsError)
	assert.Equal(t, "login", res.Output)
	assert.Equal(t, "c1", res.CallID)
}

func TestRegistry_RunErrorKeepsToolOutput(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Tool{
		Definition: llm.ToolDefinition{Name: "list_files"},
		Run: func(context.Context, map[string]any) (string, error) {
			return "partial listing", errors.New("walk failed")
		},
	}))
	res := r.Call(context.Background(), call("list_files", ``))
	assert.True(t, res.IsError)
	assert.Equal(t, "Error: partial listing", res.Output)

	require.NoError(t, r.Register(Tool{
		Definition: llm.ToolDefinition{Name: "read_file"},
		Run: func(context.Context, map[string]any) (string, error) {
			return "", errors.New("no such file")
		},
	}))
	res = r.Call(context.Background(), call("read_file", `{}`))
	assert.Equal(t, "Error: no such file", res.Output)
}

func TestRegistry_MissingCallIDIsDerivedFromArguments(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(echoTool("read_file", OutputLimit{})))
	a := r.Call(context.Background(), llm.ToolCallData{Name: "read_file", Arguments: json.RawMessage(`{"text":"x"}`)})
	b := r.Call(context.Background(), llm.ToolCallData{Name: "read_file", Arguments: json.RawMessage(`{"text":"x"}`)})
	assert.True(t, strings.HasPrefix(a.CallID, "call_"))
	assert.Equal(t, a.CallID, b.CallID)
}

func TestRegistry_ClipsMiddleByDefault(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(echoTool("read_file", OutputLimit{MaxChars: 10})))
	text := "AAAAA" + strings.Repeat("x", 100) + "BBBBB"
	args, _ := json.Marshal(map[string]string{"text": text})

	res := r.Call(context.Background(), call("read_file", string(args)))
	assert.True(t, res.Truncated)
	assert.True(t, strings.HasPrefix(res.Output, "AAAAA"))
	assert.True(t, strings.HasSuffix(res.Output, "BBBBB"))
	assert.Contains(t, res.Output, "100 characters omitted")
}

func TestRegistry_KeepTailClipsLines(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(echoTool("search_code", OutputLimit{MaxLines: 2, KeepTail: true})))
	args, _ := json.Marshal(map[string]string{"text": "a\nb\nc\nd"})

	res := r.Call(context.Background(), call("search_code", string(args)))
	assert.True(t, res.Truncated)
	assert.Equal(t, "[2 lines omitted]\nc\nd", res.Output)
}

func TestRegistry_DefinitionsSorted(t *testing.T) {
	r := NewRegistry()
	for _, n := range []string{"search_code", "list_files", "read_file"} {
		require.NoError(t, r.Register(echoTool(n, OutputLimit{})))
	}
	var names []string
	for _, d := range r.Definitions() {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"list_files", "read_file", "search_code"}, names)
}

func TestRegistry_RejectsInvalidTools(t *testing.T) {
	r := NewRegistry()
	assert.Error(t, r.Register(echoTool("bad name!", OutputLimit{})))
	assert.Error(t, r.Register(Tool{Definition: llm.ToolDefinition{Name: "no_run"}}))
	require.NoError(t, r.Register(echoTool("read_file", OutputLimit{})))
	assert.Error(t, r.Register(echoTool("read_file", OutputLimit{})), "duplicate")
	assert.Error(t, r.Register(Tool{
		Definition: llm.ToolDefinition{Name: "bad_schema", Parameters: map[string]any{"type": 7}},
		Run:        func(context.Context, map[string]any) (string, error) { return "", nil },
	}))
}
