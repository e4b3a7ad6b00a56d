package events

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
)

// Stream is the append-only event log of one run segment. Readers keep
// their own cursor into the log, so a slow SSE client never holds up the
// run and a reconnecting one resumes from Last-Event-ID.
type Stream struct {
	mu     sync.Mutex
	log    []map[string]any
	closed bool
	// wake is closed and replaced on every append and on Close.
	wake chan struct{}
}

func NewStream() *Stream {
	return &Stream{wake: make(chan struct{})}
}

// Append adds ev to the log. Events after Close are dropped.
func (s *Stream) Append(ev map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.log = append(s.log, ev)
	close(s.wake)
	s.wake = make(chan struct{})
}

func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.wake)
}

func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Since returns the events from index from on, whether the stream has
// ended, and a channel that is closed when either changes.
func (s *Stream) Since(from int) ([]map[string]any, bool, <-chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if from < 0 {
		from = 0
	}
	var evs []map[string]any
	if from < len(s.log) {
		evs = append(evs, s.log[from:]...)
	}
	return evs, s.closed, s.wake
}

func (s *Stream) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.log)
}

// Hub keeps the current Stream of every run.
type Hub struct {
	mu   sync.Mutex
	runs map[string]*Stream
}

func NewHub() *Hub {
	return &Hub{runs: map[string]*Stream{}}
}

// Get returns the stream for runID, creating it on first use.
func (h *Hub) Get(runID string) *Stream {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.runs[runID]
	if !ok {
		s = NewStream()
		h.runs[runID] = s
	}
	return s
}

func (h *Hub) Lookup(runID string) (*Stream, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.runs[runID]
	return s, ok
}

// Sink appends ev to the stream of its run_id and ends that stream on a
// finish event. An ended stream stays readable until the run emits again,
// as it does after an approval, which starts a fresh one.
func (h *Hub) Sink(ev map[string]any) {
	runID, _ := ev["run_id"].(string)
	if runID == "" {
		return
	}
	h.mu.Lock()
	s, ok := h.runs[runID]
	if !ok || s.Closed() {
		s = NewStream()
		h.runs[runID] = s
	}
	h.mu.Unlock()
	s.Append(ev)
	if ev["type"] == TypeFinish {
		s.Close()
	}
}

// WriteSSE serves s as Server-Sent Events until the stream ends or the
// client goes away. Each event carries its log index as the SSE id.
func WriteSSE(w http.ResponseWriter, r *http.Request, s *Stream) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	cursor := 0
	if last, err := strconv.Atoi(r.Header.Get("Last-Event-ID")); err == nil {
		cursor = last + 1
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		evs, closed, wake := s.Since(cursor)
		for _, ev := range evs {
			if data, err := json.Marshal(ev); err == nil {
				fmt.Fprintf(w, "id: %d\n", cursor)
				if typ, _ := ev["type"].(string); typ != "" {
					fmt.Fprintf(w, "event: %s\n", typ)
				}
				fmt.Fprintf(w, "data: %s\n\n", data)
			}
			cursor++
		}
		if len(evs) > 0 {
			flusher.Flush()
		}
		if closed {
			fmt.Fprint(w, "event: done\ndata: {}\n\n")
			flusher.Flush()
			return
		}
		select {
		case <-r.Context().Done():
			return
		case <-wake:
		}
	}
}
