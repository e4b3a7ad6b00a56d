// Package events carries run progress to observers: SSE clients through a
// per-run Stream and, optionally, a NATS subject.
package events

import "time"

// Event types emitted by the orchestrator.
const (
	TypeMeta    = "meta"
	TypeLog     = "log"
	TypeMessage = "message"
	TypePlan    = "plan"
	TypeCode    = "code"
	TypeStatus  = "status"
	TypeFinish  = "finish"
	TypeError   = "error"
)

// Sink receives events synchronously. Implementations must not block.
type Sink func(ev map[string]any)

// New builds an event of type typ for runID with the given payload.
func New(typ, runID string, data any) map[string]any {
	ev := map[string]any{
		"type":   typ,
		"run_id": runID,
		"ts":     time.Now().UTC().Format(time.RFC3339Nano),
	}
	if data != nil {
		ev["data"] = data
	}
	return ev
}

// Tee sends every event to each non-nil sink in order.
func Tee(sinks ...Sink) Sink {
	var live []Sink
	for _, s := range sinks {
		if s != nil {
			live = append(live, s)
		}
	}
	return func(ev map[string]any) {
		for _, s := range live {
			s(ev)
		}
	}
}

// Discard drops every event.
func Discard(map[string]any) {}
