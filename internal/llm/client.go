package llm

import (
	"context"
	"fmt"
	"strings"
)

// Provider sends one chat completion to a concrete backend.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (Response, error)
}

// Completer is what workflow nodes depend on. *Client satisfies it.
type Completer interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// Client routes requests to registered providers through a middleware chain.
// The first registered provider handles requests that name none.
type Client struct {
	providers map[string]Provider
	fallback  string
	chain     []Middleware
}

func NewClient() *Client {
	return &Client{providers: make(map[string]Provider)}
}

func (c *Client) Register(p Provider) {
	name := providerKey(p.Name())
	c.providers[name] = p
	if c.fallback == "" {
		c.fallback = name
	}
}

// Use appends middleware. The first one registered sees the request first.
func (c *Client) Use(mw ...Middleware) {
	c.chain = append(c.chain, mw...)
}

func (c *Client) Complete(ctx context.Context, req Request) (Response, error) {
	if err := req.Validate(); err != nil {
		return Response{}, err
	}
	p, err := c.route(req.Provider)
	if err != nil {
		return Response{}, err
	}
	req.Provider = providerKey(p.Name())
	h := CompleteFunc(p.Complete)
	for i := len(c.chain) - 1; i >= 0; i-- {
		h = c.chain[i](h)
	}
	return h(ctx, req)
}

func (c *Client) route(name string) (Provider, error) {
	if name == "" {
		name = c.fallback
	}
	if name == "" {
		return nil, &ConfigurationError{Message: "no provider registered"}
	}
	p, ok := c.providers[providerKey(name)]
	if !ok {
		return nil, &ConfigurationError{Message: fmt.Sprintf("unknown provider %q", name)}
	}
	return p, nil
}

// providerKey folds the spellings of OpenAI-compatible endpoints onto the
// one adapter that serves them.
func providerKey(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	switch n {
	case "openai-compatible", "openai_compat", "openaicompat", "azure", "ollama", "vllm":
		return "openai"
	}
	return n
}
