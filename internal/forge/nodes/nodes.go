// Package nodes holds the handlers for the nine workflow steps. Handlers read
// the current WorkflowState and return a runtime.Update; they never write to
// the state directly.
package nodes

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/danshapiro/testforge/internal/forge/blob"
	"github.com/danshapiro/testforge/internal/forge/knowledge"
	"github.com/danshapiro/testforge/internal/forge/runtime"
	"github.com/danshapiro/testforge/internal/forge/tools/defects"
	"github.com/danshapiro/testforge/internal/forge/tools/openapi"
	"github.com/danshapiro/testforge/internal/forge/tools/repo"
	"github.com/danshapiro/testforge/internal/forge/tools/traceinspect"
	"github.com/danshapiro/testforge/internal/forge/validate"
	"github.com/danshapiro/testforge/internal/llm"
)

const (
	Router        = "router"
	Analyst       = "analyst"
	HumanApproval = "human_approval"
	FeatureCoder  = "feature_coder"
	RepoExplorer  = "repo_explorer"
	Debugger      = "debugger"
	Reviewer      = "reviewer"
	Batch         = "batch_node"
	FinalOutput   = "final_output"
)

// All lists the node names in graph order.
var All = []string{Router, Analyst, HumanApproval, FeatureCoder, RepoExplorer, Debugger, Reviewer, Batch, FinalOutput}

type Handler interface {
	Execute(ctx context.Context, st *runtime.WorkflowState) (runtime.Update, error)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, st *runtime.WorkflowState) (runtime.Update, error)

func (f HandlerFunc) Execute(ctx context.Context, st *runtime.WorkflowState) (runtime.Update, error) {
	return f(ctx, st)
}

type CodeValidator interface {
	Validate(ctx context.Context, code string) validate.Result
}

type ResultCache interface {
	FindSimilar(ctx context.Context, query string, threshold float64) (*knowledge.Entry, error)
	Save(ctx context.Context, request, code, pageURL string) error
}

type LessonStore interface {
	Learn(ctx context.Context, pageURL, originalError, lesson string) error
	Recall(ctx context.Context, query, pageURL string, n int) string
}

type PageInspector interface {
	Inspect(ctx context.Context, url string) (string, error)
	CheckLocators(ctx context.Context, url string, locators []string) []string
}

type RepoCloner interface {
	Clone(ctx context.Context, url string) (*repo.Workspace, error)
}

type SpecLoader interface {
	Load(ctx context.Context, src openapi.Source) (string, error)
}

// TraceReader extracts the failure context from a trace archive.
type TraceReader func(path, originalError string) (*traceinspect.FailureContext, error)

type Limits struct {
	MaxAttempts      int
	ToolIterations   int
	BatchConcurrency int
	LessonsRecall    int
	TreeLimit        int
}

func (l *Limits) applyDefaults() {
	if l.MaxAttempts <= 0 {
		l.MaxAttempts = 3
	}
	if l.ToolIterations <= 0 {
		l.ToolIterations = 7
	}
	if l.BatchConcurrency <= 0 {
		l.BatchConcurrency = 5
	}
	if l.LessonsRecall <= 0 {
		l.LessonsRecall = 3
	}
	if l.TreeLimit <= 0 {
		l.TreeLimit = repo.DefaultTreeMax
	}
}

// Models names the model used for each kind of call. A run's ModelSelector
// overrides Default but never Router.
type Models struct {
	Default string
	Router  string
}

// Deps carries every collaborator a node may need. Only LLM, Blobs and
// Validator are required; the rest switch features off when nil.
type Deps struct {
	LLM       llm.Completer
	Blobs     blob.Store
	Validator CodeValidator

	Cache   ResultCache
	Lessons LessonStore
	Browser PageInspector
	Repos   RepoCloner
	OpenAPI SpecLoader
	Defects *defects.Catalog
	Traces  TraceReader

	Limits Limits
	Models Models
	Logger *slog.Logger
}

type Registry struct {
	handlers map[string]Handler
}

// NewRegistry wires the built-in handlers for every node in All.
func NewRegistry(d Deps) (*Registry, error) {
	if d.LLM == nil || d.Blobs == nil || d.Validator == nil {
		return nil, fmt.Errorf("nodes: LLM, Blobs and Validator are required")
	}
	d.Limits.applyDefaults()
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	deps := &d
	r := &Registry{handlers: map[string]Handler{}}
	r.Register(Router, &routerNode{deps})
	r.Register(Analyst, &analystNode{deps})
	r.Register(HumanApproval, &approvalNode{deps})
	r.Register(FeatureCoder, &coderNode{deps})
	r.Register(RepoExplorer, &explorerNode{deps})
	r.Register(Debugger, &debuggerNode{deps})
	r.Register(Reviewer, &reviewerNode{deps})
	r.Register(Batch, &batchNode{deps})
	r.Register(FinalOutput, &finalNode{deps})
	return r, nil
}

// NewEmptyRegistry is for callers that register their own handlers.
func NewEmptyRegistry() *Registry {
	return &Registry{handlers: map[string]Handler{}}
}

func (r *Registry) Register(name string, h Handler) {
	if r.handlers == nil {
		r.handlers = map[string]Handler{}
	}
	r.handlers[name] = h
}

func (r *Registry) Resolve(name string) (Handler, bool) {
	if r == nil {
		return nil, false
	}
	h, ok := r.handlers[name]
	return h, ok
}

func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func (d *Deps) logger(node string, st *runtime.WorkflowState) *slog.Logger {
	return d.Logger.With("node", node, "run_id", st.RunID)
}

func (d *Deps) model(st *runtime.WorkflowState) string {
	if m := strings.TrimSpace(st.ModelSelector); m != "" {
		return m
	}
	return d.Models.Default
}

// complete sends one request and returns the trimmed reply text.
func (d *Deps) complete(ctx context.Context, model string, msgs []llm.Message) (string, error) {
	resp, err := d.LLM.Complete(ctx, llm.Request{Model: model, Messages: msgs})
	if err != nil {
		return "", err
	}
	return resp.Text(), nil
}

func (d *Deps) put(ctx context.Context, st *runtime.WorkflowState, kind blob.Kind, text string) (blob.Ref, error) {
	ref, err := d.Blobs.Put(ctx, []byte(text), st.RunID, kind)
	if err != nil {
		return "", fmt.Errorf("store %s: %w", kind, err)
	}
	return ref, nil
}

// text loads a blob, returning "" for an empty ref.
func (d *Deps) text(ctx context.Context, ref blob.Ref) (string, error) {
	if ref.IsZero() {
		return "", nil
	}
	b, err := d.Blobs.Get(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("load %s: %w", ref, err)
	}
	return string(b), nil
}

// history converts the conversation, minus the newest user message, into
// model messages.
func history(st *runtime.WorkflowState) []llm.Message {
	conv := st.Conversation
	if n := len(conv); n > 0 && conv[n-1].Role == runtime.RoleUser {
		conv = conv[:n-1]
	}
	out := make([]llm.Message, 0, len(conv))
	for _, m := range conv {
		switch m.Role {
		case runtime.RoleAssistant:
			out = append(out, llm.Assistant(m.Content))
		case runtime.RoleUser:
			out = append(out, llm.User(m.Content))
		}
	}
	return out
}

// latestRequest is the newest user message, falling back to UserRequest.
func latestRequest(st *runtime.WorkflowState) string {
	for i := len(st.Conversation) - 1; i >= 0; i-- {
		if st.Conversation[i].Role == runtime.RoleUser {
			return st.Conversation[i].Content
		}
	}
	return st.UserRequest
}

func assistant(text string) runtime.Message {
	return runtime.Message{Role: runtime.RoleAssistant, Content: text}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func clip(s string, n int) string {
	if r := []rune(s); len(r) > n {
		return string(r[:n]) + "..."
	}
	return s
}
