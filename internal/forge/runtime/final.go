package runtime

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/danshapiro/testforge/internal/forge/blob"
)

type FinalStatus string

const (
	FinalCompleted FinalStatus = "completed"
	FinalFailed    FinalStatus = "failed"
)

// FinalOutcome is the durable record left behind by every run that reaches
// a terminal status, including crashes.
type FinalOutcome struct {
	Timestamp time.Time   `json:"timestamp"`
	Status    FinalStatus `json:"status"`

	RunID string `json:"run_id"`

	FailureKind   FailureKind `json:"failure_kind,omitempty"`
	FailureReason string      `json:"failure_reason,omitempty"`

	CodeRef  blob.Ref `json:"code_ref,omitempty"`
	Attempts int      `json:"attempts"`
	LastNode string   `json:"last_node,omitempty"`
	CacheHit bool     `json:"cache_hit,omitempty"`
}

// OutcomeFromState summarizes a terminal state.
func OutcomeFromState(s *WorkflowState, lastNode string) FinalOutcome {
	fo := FinalOutcome{
		Timestamp: time.Now().UTC(),
		Status:    FinalCompleted,
		RunID:     s.RunID,
		CodeRef:   s.CodeRef,
		Attempts:  s.AttemptCount,
		LastNode:  lastNode,
		CacheHit:  s.CacheHit,
	}
	if s.Status != StatusCompleted {
		fo.Status = FinalFailed
		fo.FailureKind = s.FailureKind
		fo.FailureReason = s.Diagnostic
		if fo.FailureReason == "" {
			fo.FailureReason = s.LastValidationError
		}
	}
	return fo
}

func (fo *FinalOutcome) Save(path string) error {
	if fo == nil {
		return fmt.Errorf("final outcome is nil")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(fo, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

func LoadFinalOutcome(path string) (*FinalOutcome, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var fo FinalOutcome
	if err := json.Unmarshal(b, &fo); err != nil {
		return nil, err
	}
	return &fo, nil
}

// WriteJSONAtomicFile writes v as indented JSON via a temp file and rename.
func WriteJSONAtomicFile(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
