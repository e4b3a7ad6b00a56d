package server

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ActiveRun is a run this server instance is currently driving.
type ActiveRun struct {
	RunID string
	// Op is what the goroutine is doing: submit, approve or step.
	Op        string
	Cancel    context.CancelCauseFunc
	StartedAt time.Time
}

// RunRegistry tracks the runs being driven in the background. A run can have
// at most one driver at a time.
type RunRegistry struct {
	mu   sync.RWMutex
	runs map[string]*ActiveRun
}

func NewRunRegistry() *RunRegistry {
	return &RunRegistry{runs: make(map[string]*ActiveRun)}
}

// Register adds a run. Returns error if the run already has a driver.
func (r *RunRegistry) Register(ar *ActiveRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, exists := r.runs[ar.RunID]; exists {
		return fmt.Errorf("run %s is busy (%s)", ar.RunID, cur.Op)
	}
	r.runs[ar.RunID] = ar
	return nil
}

// Done removes runID once its driver returns.
func (r *RunRegistry) Done(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.runs, runID)
}

func (r *RunRegistry) Get(runID string) (*ActiveRun, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ar, ok := r.runs[runID]
	return ar, ok
}

// List returns the ids of all active runs.
func (r *RunRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.runs))
	for id := range r.runs {
		ids = append(ids, id)
	}
	return ids
}

// CancelAll cancels all active runs with the given reason. Cancelled runs
// stay resumable from their last checkpoint.
func (r *RunRegistry) CancelAll(reason string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, ar := range r.runs {
		if ar.Cancel != nil {
			ar.Cancel(fmt.Errorf("%s", reason))
		}
	}
}
