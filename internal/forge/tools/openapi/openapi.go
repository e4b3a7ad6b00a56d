// Package openapi turns an OpenAPI or Swagger document into a short endpoint
// listing that fits in a planning prompt.
package openapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	MaxEndpoints = 20
	header       = "OpenAPI Specification Summary:"
	truncated    = "... (Truncated for context limit)"
	maxSpecBytes = 10 << 20
)

var ErrNotSpec = errors.New("document is not an OpenAPI specification")

var (
	specURLRE  = regexp.MustCompile(`https?://\S+?(?:openapi|swagger|api-docs)\S*|https?://\S+?\.(?:json|ya?ml)\b`)
	httpMethod = map[string]bool{"get": true, "post": true, "put": true, "delete": true, "patch": true}
)

// Source is where a spec was found in a request: exactly one of URL or Inline
// is set.
type Source struct {
	URL    string
	Inline string
}

// Detect looks for an OpenAPI document in free text: a URL that points at a
// spec, or the request itself being a JSON or YAML spec.
func Detect(text string) (Source, bool) {
	trimmed := strings.TrimSpace(text)
	if looksInline(trimmed) {
		return Source{Inline: trimmed}, true
	}
	if m := specURLRE.FindString(text); m != "" {
		return Source{URL: strings.TrimRight(m, ".,;)\"'")}, true
	}
	return Source{}, false
}

func looksInline(s string) bool {
	if strings.HasPrefix(s, "{") {
		return strings.Contains(s, `"paths"`)
	}
	return (strings.HasPrefix(s, "openapi:") || strings.HasPrefix(s, "swagger:")) && strings.Contains(s, "paths:")
}

type Fetcher struct {
	client *http.Client
}

func NewFetcher(timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Fetcher{client: &http.Client{Timeout: timeout}}
}

// Load resolves src and returns its summary.
func (f *Fetcher) Load(ctx context.Context, src Source) (string, error) {
	if src.Inline != "" {
		return Summarize([]byte(src.Inline))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json, application/yaml;q=0.9, */*;q=0.5")
	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch spec: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("fetch spec: HTTP %d", resp.StatusCode)
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxSpecBytes))
	if err != nil {
		return "", fmt.Errorf("read spec: %w", err)
	}
	return Summarize(b)
}

// Summarize lists up to MaxEndpoints operations in document order. JSON input
// is parsed as YAML, which keeps key order.
func Summarize(data []byte) (string, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return "", fmt.Errorf("parse spec: %w", err)
	}
	root := &doc
	if root.Kind == yaml.DocumentNode && len(root.Content) > 0 {
		root = root.Content[0]
	}
	if root.Kind != yaml.MappingNode {
		return "", ErrNotSpec
	}
	paths := lookup(root, "paths")
	if paths == nil || paths.Kind != yaml.MappingNode {
		return "", ErrNotSpec
	}

	title := "Unknown API"
	if info := lookup(root, "info"); info != nil {
		if t := scalar(lookup(info, "title")); t != "" {
			title = t
		}
	}
	lines := []string{header, "API Title: " + title}
	count := 0
	for i := 0; i+1 < len(paths.Content); i += 2 {
		path := paths.Content[i].Value
		ops := paths.Content[i+1]
		if ops.Kind != yaml.MappingNode {
			continue
		}
		for j := 0; j+1 < len(ops.Content); j += 2 {
			method := strings.ToLower(ops.Content[j].Value)
			if !httpMethod[method] {
				continue
			}
			details := ops.Content[j+1]
			desc := scalar(lookup(details, "summary"))
			if desc == "" {
				desc = scalar(lookup(details, "description"))
			}
			if desc == "" {
				desc = "No description"
			}
			lines = append(lines, fmt.Sprintf("- %s %s : %s", strings.ToUpper(method), path, desc))
			count++
			if count >= MaxEndpoints {
				lines = append(lines, truncated)
				return strings.Join(lines, "\n"), nil
			}
		}
	}
	return strings.Join(lines, "\n"), nil
}

func lookup(m *yaml.Node, key string) *yaml.Node {
	if m == nil || m.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return m.Content[i+1]
		}
	}
	return nil
}

func scalar(n *yaml.Node) string {
	if n == nil || n.Kind != yaml.ScalarNode {
		return ""
	}
	return strings.TrimSpace(n.Value)
}
