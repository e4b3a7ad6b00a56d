// Package agent runs bounded tool-calling conversations: a registry of tools
// with JSON-schema checked arguments, and a loop that feeds tool output back
// to the model until it answers in plain text.
package agent

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/zeebo/blake3"

	"github.com/danshapiro/testforge/internal/llm"
)

const defaultMaxChars = 20_000

// OutputLimit caps what a tool sends back to the model. Characters are cut
// first, then lines.
type OutputLimit struct {
	MaxChars int
	MaxLines int
	// KeepTail drops the start of long output instead of its middle. Search
	// and listing tools use it so the model sees the most specific matches.
	KeepTail bool
}

type ToolFunc func(ctx context.Context, args map[string]any) (string, error)

type Tool struct {
	Definition llm.ToolDefinition
	Run        ToolFunc
	// Limit zero means defaultMaxChars with head and tail kept.
	Limit OutputLimit
}

// CallResult is one executed tool call as the model will see it.
type CallResult struct {
	Tool      string
	CallID    string
	Output    string
	Truncated bool
	IsError   bool
}

type entry struct {
	tool   Tool
	schema *jsonschema.Schema
}

// Registry holds the tools offered to the model in one conversation.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]entry
}

func NewRegistry() *Registry {
	return &Registry{tools: map[string]entry{}}
}

// Register compiles the tool's parameter schema. A nil schema accepts any
// object.
func (r *Registry) Register(t Tool) error {
	name := t.Definition.Name
	if err := llm.ValidateToolName(name); err != nil {
		return err
	}
	if t.Run == nil {
		return fmt.Errorf("tool %s has no Run func", name)
	}
	if t.Limit.MaxChars <= 0 {
		t.Limit.MaxChars = defaultMaxChars
	}
	schema, err := compileSchema(name, t.Definition.Parameters)
	if err != nil {
		return fmt.Errorf("tool %s schema: %w", name, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.tools[name]; dup {
		return fmt.Errorf("tool %s registered twice", name)
	}
	r.tools[name] = entry{tool: t, schema: schema}
	return nil
}

// Definitions are sorted by name so identical registries produce identical
// requests.
func (r *Registry) Definitions() []llm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]llm.ToolDefinition, 0, len(r.tools))
	for _, e := range r.tools {
		out = append(out, e.tool.Definition)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Call executes one tool call. Every failure, from an unknown tool to a
// schema mismatch, comes back as an error result for the model to correct
// rather than as a Go error.
func (r *Registry) Call(ctx context.Context, call llm.ToolCallData) CallResult {
	res := CallResult{Tool: call.Name, CallID: strings.TrimSpace(call.ID)}
	if res.CallID == "" {
		res.CallID = "call_" + shortHash(call.Arguments)
	}

	r.mu.RLock()
	e, ok := r.tools[call.Name]
	r.mu.RUnlock()
	if !ok {
		return res.fail(fmt.Sprintf("unknown tool %q; available: %s", call.Name, strings.Join(r.names(), ", ")), OutputLimit{MaxChars: defaultMaxChars})
	}

	args := map[string]any{}
	if raw := strings.TrimSpace(string(call.Arguments)); raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			return res.fail("arguments are not a JSON object: "+err.Error(), e.tool.Limit)
		}
	}
	if err := e.schema.Validate(args); err != nil {
		return res.fail("arguments do not match the schema: "+err.Error(), e.tool.Limit)
	}

	out, err := e.tool.Run(ctx, args)
	if err != nil {
		if strings.TrimSpace(out) == "" {
			out = err.Error()
		}
		return res.fail(out, e.tool.Limit)
	}
	res.Output, res.Truncated = clip(out, e.tool.Limit)
	return res
}

func (res CallResult) fail(msg string, lim OutputLimit) CallResult {
	res.IsError = true
	res.Output, res.Truncated = clip("Error: "+msg, lim)
	return res
}

func (r *Registry) names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for n := range r.tools {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func clip(s string, lim OutputLimit) (string, bool) {
	out, cut := clipChars(s, lim.MaxChars, lim.KeepTail)
	if lim.MaxLines > 0 {
		var cutLines bool
		out, cutLines = clipLines(out, lim.MaxLines, lim.KeepTail)
		cut = cut || cutLines
	}
	return out, cut
}

func clipChars(s string, max int, keepTail bool) (string, bool) {
	if max <= 0 || len(s) <= max {
		return s, false
	}
	dropped := len(s) - max
	if keepTail {
		return fmt.Sprintf("[output truncated: first %d characters omitted]\n", dropped) + s[len(s)-max:], true
	}
	head := max / 2
	return s[:head] +
		fmt.Sprintf("\n[output truncated: %d characters omitted; narrow the arguments to see them]\n", dropped) +
		s[len(s)-(max-head):], true
}

func clipLines(s string, max int, keepTail bool) (string, bool) {
	lines := strings.Split(s, "\n")
	if len(lines) <= max {
		return s, false
	}
	dropped := len(lines) - max
	if keepTail {
		return fmt.Sprintf("[%d lines omitted]\n", dropped) + strings.Join(lines[dropped:], "\n"), true
	}
	head := max / 2
	tail := max - head
	return strings.Join(lines[:head], "\n") +
		fmt.Sprintf("\n[%d lines omitted]\n", dropped) +
		strings.Join(lines[len(lines)-tail:], "\n"), true
}

func compileSchema(name string, params map[string]any) (*jsonschema.Schema, error) {
	if params == nil {
		params = map[string]any{"type": "object"}
	}
	b, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	url := name + ".schema.json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, strings.NewReader(string(b))); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

func shortHash(b []byte) string {
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:8])
}
