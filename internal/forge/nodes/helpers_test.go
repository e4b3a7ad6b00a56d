package nodes

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/danshapiro/testforge/internal/forge/blob"
	"github.com/danshapiro/testforge/internal/forge/knowledge"
	"github.com/danshapiro/testforge/internal/forge/runtime"
	"github.com/danshapiro/testforge/internal/forge/validate"
	"github.com/danshapiro/testforge/internal/llm"
)

type fakeLLM struct {
	mu    sync.Mutex
	calls []llm.Request
	reply func(req llm.Request) (string, error)
}

func (f *fakeLLM) Complete(_ context.Context, req llm.Request) (llm.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	text, err := f.reply(req)
	if err != nil {
		return llm.Response{}, err
	}
	return llm.Response{Message: llm.Assistant(text)}, nil
}

func (f *fakeLLM) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// replies returns the scripted texts in order, repeating the last one.
func replies(texts ...string) func(llm.Request) (string, error) {
	var mu sync.Mutex
	i := 0
	return func(llm.Request) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		t := texts[min(i, len(texts)-1)]
		i++
		return t, nil
	}
}

func failing(llm.Request) (string, error) { return "", errors.New("backend down") }

func userText(req llm.Request) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == llm.RoleUser {
			return req.Messages[i].Content
		}
	}
	return ""
}

func systemText(req llm.Request) string {
	if len(req.Messages) > 0 && req.Messages[0].Role == llm.RoleSystem {
		return req.Messages[0].Content
	}
	return ""
}

// scriptedLLM hands back full responses, for tool-calling conversations.
type scriptedLLM struct {
	fn func(req llm.Request) llm.Response
}

func (s *scriptedLLM) Complete(_ context.Context, req llm.Request) (llm.Response, error) {
	return s.fn(req), nil
}

type fakeValidator struct {
	mu    sync.Mutex
	codes []string
	fn    func(code string) validate.Result
}

func (f *fakeValidator) Validate(_ context.Context, code string) validate.Result {
	f.mu.Lock()
	f.codes = append(f.codes, code)
	f.mu.Unlock()
	return f.fn(code)
}

func valid(code string) validate.Result {
	return validate.Result{Valid: true, Diagnostic: validate.SuccessMessage, Repaired: &code, Stage: validate.StageOK}
}

func lintError(code string) validate.Result {
	return validate.Result{Diagnostic: "Linter Error (Ruff):\nF821 undefined name", Repaired: &code, Stage: validate.StageLint}
}

type fakeCache struct {
	hit   *knowledge.Entry
	err   error
	saved []string
}

func (f *fakeCache) FindSimilar(context.Context, string, float64) (*knowledge.Entry, error) {
	return f.hit, f.err
}

func (f *fakeCache) Save(_ context.Context, request, code, _ string) error {
	f.saved = append(f.saved, request+"=>"+code)
	return nil
}

type fakeLessons struct {
	recall  string
	learned []string
}

func (f *fakeLessons) Learn(_ context.Context, _, originalError, lesson string) error {
	f.learned = append(f.learned, originalError+"|"+lesson)
	return nil
}

func (f *fakeLessons) Recall(context.Context, string, string, int) string { return f.recall }

type fakeBrowser struct {
	dom     string
	missing []string
	checked []string
}

func (f *fakeBrowser) Inspect(context.Context, string) (string, error) { return f.dom, nil }

func (f *fakeBrowser) CheckLocators(_ context.Context, _ string, locs []string) []string {
	f.checked = append(f.checked, locs...)
	return f.missing
}

type fixture struct {
	llm   *fakeLLM
	val   *fakeValidator
	blobs *blob.FSStore
	deps  Deps
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := blob.NewFSStore(t.TempDir())
	require.NoError(t, err)
	f := &fixture{
		llm:   &fakeLLM{reply: replies("```python\nprint(1)\n```")},
		val:   &fakeValidator{fn: valid},
		blobs: store,
	}
	f.deps = Deps{LLM: f.llm, Blobs: store, Validator: f.val, Models: Models{Default: "m", Router: "r"}}
	return f
}

func (f *fixture) handler(t *testing.T, name string) Handler {
	t.Helper()
	reg, err := NewRegistry(f.deps)
	require.NoError(t, err)
	h, ok := reg.Resolve(name)
	require.True(t, ok, name)
	return h
}

func (f *fixture) put(t *testing.T, st *runtime.WorkflowState, kind blob.Kind, text string) blob.Ref {
	t.Helper()
	ref, err := f.blobs.Put(context.Background(), []byte(text), st.RunID, kind)
	require.NoError(t, err)
	return ref
}

func (f *fixture) get(t *testing.T, ref blob.Ref) string {
	t.Helper()
	b, err := f.blobs.Get(context.Background(), ref)
	require.NoError(t, err)
	return string(b)
}

func run(t *testing.T, h Handler, st *runtime.WorkflowState) *runtime.WorkflowState {
	t.Helper()
	up, err := h.Execute(context.Background(), st)
	require.NoError(t, err)
	st.Apply(up)
	return st
}
