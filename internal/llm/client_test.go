package llm

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

type fakeAdapter struct {
	name string
}

func (a *fakeAdapter) Name() string { return a.name }
func (a *fakeAdapter) Complete(ctx context.Context, req Request) (Response, error) {
	_ = ctx
	return Response{Provider: a.name, Model: req.Model, Message: Assistant("ok")}, nil
}

type blockingAdapter struct{}

func (blockingAdapter) Name() string { return "openai" }
func (blockingAdapter) Complete(ctx context.Context, req Request) (Response, error) {
	<-ctx.Done()
	return Response{}, ctx.Err()
}

func TestClient_DefaultProviderRouting(t *testing.T) {
	c := NewClient()
	c.Register(&fakeAdapter{name: "openai"})
	resp, err := c.Complete(context.Background(), Request{Model: "m", Messages: []Message{User("hi")}})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Provider != "openai" || resp.Text() != "ok" {
		t.Fatalf("resp: %+v", resp)
	}
}

func TestClient_ProviderAlias_OpenAICompatibleRoutesToOpenAI(t *testing.T) {
	c := NewClient()
	c.Register(&fakeAdapter{name: "openai"})
	resp, err := c.Complete(context.Background(), Request{Provider: "openai-compatible", Messages: []Message{User("hi")}})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Provider != "openai" {
		t.Fatalf("provider: %q", resp.Provider)
	}
}

func TestClient_UnknownProviderError(t *testing.T) {
	c := NewClient()
	c.Register(&fakeAdapter{name: "openai"})
	_, err := c.Complete(context.Background(), Request{Provider: "nope", Messages: []Message{User("hi")}})
	var ce *ConfigurationError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConfigurationError, got %T (%v)", err, err)
	}
}

func TestClient_NoProviderConfiguredError(t *testing.T) {
	c := NewClient()
	_, err := c.Complete(context.Background(), Request{Messages: []Message{User("hi")}})
	if err == nil || !strings.Contains(err.Error(), "no provider registered") {
		t.Fatalf("err: %v", err)
	}
}

func TestClient_RejectsEmptyRequest(t *testing.T) {
	c := NewClient()
	c.Register(&fakeAdapter{name: "openai"})
	if _, err := c.Complete(context.Background(), Request{}); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestClient_MiddlewareChainOrder(t *testing.T) {
	c := NewClient()
	c.Register(&fakeAdapter{name: "openai"})

	var mu sync.Mutex
	var order []string
	mk := func(name string) Middleware {
		return func(next CompleteFunc) CompleteFunc {
			return func(ctx context.Context, req Request) (Response, error) {
				mu.Lock()
				order = append(order, name+":before")
				mu.Unlock()
				resp, err := next(ctx, req)
				mu.Lock()
				order = append(order, name+":after")
				mu.Unlock()
				return resp, err
			}
		}
	}
	c.Use(mk("a"), mk("b"))
	if _, err := c.Complete(context.Background(), Request{Messages: []Message{User("hi")}}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	want := "a:before,b:before,b:after,a:after"
	if got := strings.Join(order, ","); got != want {
		t.Fatalf("order=%s want %s", got, want)
	}
}

func TestWithDefaultModel_FillsOnlyEmpty(t *testing.T) {
	c := NewClient()
	c.Register(&fakeAdapter{name: "openai"})
	c.Use(WithDefaultModel("gpt-4o"))

	resp, err := c.Complete(context.Background(), Request{Messages: []Message{User("hi")}})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Model != "gpt-4o" {
		t.Fatalf("model=%q", resp.Model)
	}
	resp, err = c.Complete(context.Background(), Request{Model: "custom", Messages: []Message{User("hi")}})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Model != "custom" {
		t.Fatalf("model=%q", resp.Model)
	}
}

func TestWithTimeout_ReturnsTimeoutKind(t *testing.T) {
	c := NewClient()
	c.Register(blockingAdapter{})
	c.Use(WithTimeout(20 * time.Millisecond))

	_, err := c.Complete(context.Background(), Request{Messages: []Message{User("hi")}})
	if KindOf(err) != KindTimeout {
		t.Fatalf("expected timeout APIError, got %T (%v)", err, err)
	}
}

type flakyAdapter struct {
	calls int
	fails int
	kind  int
}

func (a *flakyAdapter) Name() string { return "openai" }
func (a *flakyAdapter) Complete(ctx context.Context, req Request) (Response, error) {
	a.calls++
	if a.calls <= a.fails {
		return Response{}, ErrorFromHTTPStatus("openai", a.kind, "try again", nil)
	}
	return Response{Provider: "openai", Message: Assistant("ok")}, nil
}

func TestWithRetry_RetriesTransientFailures(t *testing.T) {
	a := &flakyAdapter{fails: 2, kind: 503}
	c := NewClient()
	c.Register(a)
	c.Use(WithRetry(3, time.Millisecond))

	resp, err := c.Complete(context.Background(), Request{Messages: []Message{User("hi")}})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Text() != "ok" || a.calls != 3 {
		t.Fatalf("calls=%d resp=%+v", a.calls, resp)
	}
}

func TestWithRetry_GivesUpAfterMax(t *testing.T) {
	a := &flakyAdapter{fails: 10, kind: 429}
	c := NewClient()
	c.Register(a)
	c.Use(WithRetry(2, time.Millisecond))

	_, err := c.Complete(context.Background(), Request{Messages: []Message{User("hi")}})
	if KindOf(err) != KindRateLimit {
		t.Fatalf("err: %v", err)
	}
	if a.calls != 3 {
		t.Fatalf("calls=%d want 3", a.calls)
	}
}

func TestWithRetry_DoesNotRetryPermanentFailures(t *testing.T) {
	a := &flakyAdapter{fails: 1, kind: 401}
	c := NewClient()
	c.Register(a)
	c.Use(WithRetry(3, time.Millisecond))

	if _, err := c.Complete(context.Background(), Request{Messages: []Message{User("hi")}}); KindOf(err) != KindAuth {
		t.Fatalf("err: %v", err)
	}
	if a.calls != 1 {
		t.Fatalf("calls=%d want 1", a.calls)
	}
}

func TestWithRateLimit_CanceledContextFailsFast(t *testing.T) {
	c := NewClient()
	c.Register(&fakeAdapter{name: "openai"})
	lim := rate.NewLimiter(rate.Every(time.Hour), 1)
	c.Use(WithRateLimit(lim))

	if _, err := c.Complete(context.Background(), Request{Messages: []Message{User("first")}}); err != nil {
		t.Fatalf("first call: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := c.Complete(ctx, Request{Messages: []Message{User("second")}}); err == nil {
		t.Fatalf("expected rate limit wait to fail")
	}
}

func TestNewLimiter_NonPositiveIsUnlimited(t *testing.T) {
	if NewLimiter(0, 5) != nil {
		t.Fatalf("expected nil limiter")
	}
	if NewLimiter(2, 0) == nil {
		t.Fatalf("expected limiter")
	}
}
