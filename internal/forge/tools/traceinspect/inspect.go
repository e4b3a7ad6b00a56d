// Package traceinspect pulls a structured failure context out of a Playwright
// trace archive so the debugger can see what the page looked like when the
// test broke.
package traceinspect

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strings"
)

const (
	noSnapshot        = "No DOM snapshot available for the failed action."
	unknownSnapshot   = "Could not be retrieved as the specific failed action was not identified."
	unpinnedSummary   = "Could not pinpoint a specific failed action in the trace, but context is available."
	maxSnapshotBytes  = 20000
	snapshotTruncated = "\n... (snapshot truncated)"
)

type FailureContext struct {
	Summary       string   `json:"summary"`
	OriginalError string   `json:"original_error"`
	DOMSnapshot   string   `json:"dom_snapshot"`
	NetworkErrors []string `json:"network_errors"`
	ConsoleLogs   []string `json:"console_logs"`
	Selector      string   `json:"selector,omitempty"`
}

type action struct {
	Name     string          `json:"name"`
	Selector string          `json:"selector"`
	Error    json.RawMessage `json:"error"`
	Metadata struct {
		After string `json:"after"`
	} `json:"metadata"`
}

func (a action) failed() bool {
	e := strings.TrimSpace(string(a.Error))
	return e != "" && e != "null" && e != `""` && e != "{}" && e != "false"
}

type traceDoc struct {
	Actions []action `json:"actions"`
}

type networkDoc struct {
	Requests []struct {
		URL    string `json:"url"`
		Method string `json:"method"`
		Status *int   `json:"status"`
	} `json:"requests"`
}

type consoleDoc struct {
	Messages []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"messages"`
}

// Inspect reads the archive at tracePath. It returns (nil, nil) when the
// archive holds no JSON sources to reason about.
func Inspect(tracePath, originalError string) (*FailureContext, error) {
	zr, err := zip.OpenReader(tracePath)
	if err != nil {
		return nil, fmt.Errorf("open trace: %w", err)
	}
	defer zr.Close()
	sources, err := readSources(&zr.Reader)
	if err != nil {
		return nil, err
	}
	return FromSources(sources, originalError), nil
}

// readSources loads every *.json member keyed by its base name. Members that
// fail to decode are skipped.
func readSources(zr *zip.Reader) (map[string]json.RawMessage, error) {
	out := map[string]json.RawMessage{}
	for _, f := range zr.File {
		if !strings.HasSuffix(f.Name, ".json") {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", f.Name, err)
		}
		b, err := io.ReadAll(rc)
		_ = rc.Close()
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", f.Name, err)
		}
		if !json.Valid(b) {
			continue
		}
		out[path.Base(f.Name)] = b
	}
	return out, nil
}

// FromSources builds the context from already extracted trace members.
func FromSources(sources map[string]json.RawMessage, originalError string) *FailureContext {
	if len(sources) == 0 {
		return nil
	}
	fc := &FailureContext{
		OriginalError: originalError,
		NetworkErrors: networkErrors(sources["network.json"]),
		ConsoleLogs:   consoleLogs(sources["console.json"]),
	}
	failed := lastFailedAction(sources["trace.json"])
	if failed == nil {
		fc.Summary = unpinnedSummary
		fc.DOMSnapshot = unknownSnapshot
		return fc
	}
	fc.Summary = fmt.Sprintf("Failed Action: %s with selector '%s'", failed.Name, failed.Selector)
	fc.Selector = failed.Selector
	fc.DOMSnapshot = domSnapshot(*failed, sources)
	return fc
}

func lastFailedAction(raw json.RawMessage) *action {
	if len(raw) == 0 {
		return nil
	}
	var doc traceDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil
	}
	for i := len(doc.Actions) - 1; i >= 0; i-- {
		if doc.Actions[i].failed() {
			a := doc.Actions[i]
			return &a
		}
	}
	return nil
}

func domSnapshot(a action, sources map[string]json.RawMessage) string {
	if a.Metadata.After == "" {
		return noSnapshot
	}
	id := a.Metadata.After
	if i := strings.LastIndex(id, "@"); i >= 0 {
		id = id[i+1:]
	}
	raw := sources["snapshot_"+id+".json"]
	var v any = map[string]any{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &v)
	}
	if list, ok := v.([]any); ok && len(list) > 0 {
		v = list[0]
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return noSnapshot
	}
	s := string(b)
	if len(s) > maxSnapshotBytes {
		s = s[:maxSnapshotBytes] + snapshotTruncated
	}
	return s
}

func networkErrors(raw json.RawMessage) []string {
	var doc networkDoc
	if len(raw) == 0 || json.Unmarshal(raw, &doc) != nil {
		return nil
	}
	var out []string
	for _, r := range doc.Requests {
		if r.Status == nil || *r.Status < 400 || *r.Status >= 600 {
			continue
		}
		out = append(out, fmt.Sprintf("URL: %s, Method: %s, Status: %d", r.URL, r.Method, *r.Status))
	}
	return out
}

func consoleLogs(raw json.RawMessage) []string {
	var doc consoleDoc
	if len(raw) == 0 || json.Unmarshal(raw, &doc) != nil {
		return nil
	}
	var out []string
	for _, m := range doc.Messages {
		switch strings.ToLower(m.Type) {
		case "error", "warning":
			out = append(out, fmt.Sprintf("Type: %s, Text: %s", m.Type, m.Text))
		}
	}
	return out
}
