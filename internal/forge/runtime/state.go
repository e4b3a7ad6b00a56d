package runtime

import (
	"time"

	"github.com/danshapiro/testforge/internal/forge/blob"
)

type RunStatus string

const (
	StatusIdle               RunStatus = "idle"
	StatusAnalyzing          RunStatus = "analyzing"
	StatusGenerating         RunStatus = "generating"
	StatusValidating         RunStatus = "validating"
	StatusFixing             RunStatus = "fixing"
	StatusWaitingForInput    RunStatus = "waiting_for_input"
	StatusWaitingForApproval RunStatus = "waiting_for_approval"
	StatusCompleted          RunStatus = "completed"
	StatusFailed             RunStatus = "failed"
)

// Terminal reports whether no node will run again for this status without
// outside input.
func (s RunStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

type TaskType string

const (
	TaskUITestGeneration  TaskType = "ui_test_generation"
	TaskAPITestGeneration TaskType = "api_test_generation"
	TaskRepositoryAnalyze TaskType = "repository_analysis"
	TaskCodeEdit          TaskType = "code_edit"
	TaskDebugRequest      TaskType = "debug_request"
	TaskClarification     TaskType = "clarification"
)

func (t TaskType) Valid() bool {
	switch t {
	case TaskUITestGeneration, TaskAPITestGeneration, TaskRepositoryAnalyze,
		TaskCodeEdit, TaskDebugRequest, TaskClarification:
		return true
	}
	return false
}

type TestCategory string

const (
	CategoryUI  TestCategory = "ui"
	CategoryAPI TestCategory = "api"
)

// FailureKind says why a run ended in StatusFailed.
type FailureKind string

const (
	FailureRetriesExhausted    FailureKind = "retries_exhausted"
	FailureToolBudgetExhausted FailureKind = "tool_budget_exhausted"
	FailureSecurityViolation   FailureKind = "security_violation"
	FailureLLM                 FailureKind = "llm_failure"
	FailureValidationSystem    FailureKind = "validation_system"
	FailureDenied              FailureKind = "denied"
	FailureInternal            FailureKind = "internal"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

type Message struct {
	Role    Role      `json:"role" msgpack:"role"`
	Content string    `json:"content" msgpack:"content"`
	At      time.Time `json:"at" msgpack:"at"`
}

// FixProvenance remembers what a repair started from so a lesson can be
// extracted once the repaired code validates.
type FixProvenance struct {
	PreviousCodeRef blob.Ref `json:"previous_code_ref" msgpack:"previous_code_ref"`
	PreviousError   string   `json:"previous_error" msgpack:"previous_error"`
}

// WorkflowState is the single record every node reads. Nodes never mutate it;
// they return an Update that the engine applies.
type WorkflowState struct {
	RunID       string `json:"run_id" msgpack:"run_id"`
	ParentRunID string `json:"parent_run_id,omitempty" msgpack:"parent_run_id"`

	Conversation  []Message `json:"conversation" msgpack:"conversation"`
	UserRequest   string    `json:"user_request" msgpack:"user_request"`
	ModelSelector string    `json:"model_selector,omitempty" msgpack:"model_selector"`

	TaskType     TaskType     `json:"task_type,omitempty" msgpack:"task_type"`
	Status       RunStatus    `json:"status" msgpack:"status"`
	TestCategory TestCategory `json:"test_category,omitempty" msgpack:"test_category"`
	AttemptCount int          `json:"attempt_count" msgpack:"attempt_count"`

	PlanRef    blob.Ref `json:"plan_ref,omitempty" msgpack:"plan_ref"`
	ContextRef blob.Ref `json:"context_ref,omitempty" msgpack:"context_ref"`
	CodeRef    blob.Ref `json:"code_ref,omitempty" msgpack:"code_ref"`

	Scenarios           []string       `json:"scenarios,omitempty" msgpack:"scenarios"`
	LastValidationError string         `json:"last_validation_error,omitempty" msgpack:"last_validation_error"`
	FixProvenance       *FixProvenance `json:"fix_provenance,omitempty" msgpack:"fix_provenance"`

	RepositoryPath string `json:"repository_path,omitempty" msgpack:"repository_path"`
	RepositoryURL  string `json:"repository_url,omitempty" msgpack:"repository_url"`
	TargetURL      string `json:"target_url,omitempty" msgpack:"target_url"`
	TracePath      string `json:"trace_path,omitempty" msgpack:"trace_path"`

	FollowUp bool `json:"follow_up,omitempty" msgpack:"follow_up"`
	AutoFix  bool `json:"auto_fix,omitempty" msgpack:"auto_fix"`
	CacheHit bool `json:"cache_hit,omitempty" msgpack:"cache_hit"`

	FailureKind FailureKind `json:"failure_kind,omitempty" msgpack:"failure_kind"`
	Diagnostic  string      `json:"diagnostic,omitempty" msgpack:"diagnostic"`

	Logs []string `json:"logs,omitempty" msgpack:"logs"`
}

// NewWorkflowState seeds a run with the user's message as the first
// conversation entry.
func NewWorkflowState(runID, request string) *WorkflowState {
	return &WorkflowState{
		RunID:        runID,
		UserRequest:  request,
		Status:       StatusIdle,
		Conversation: []Message{{Role: RoleUser, Content: request, At: time.Now().UTC()}},
	}
}

// LastMessage returns the newest conversation entry, or a zero Message.
func (s *WorkflowState) LastMessage() Message {
	if s == nil || len(s.Conversation) == 0 {
		return Message{}
	}
	return s.Conversation[len(s.Conversation)-1]
}

// Clone returns a deep copy safe to hand to another goroutine.
func (s *WorkflowState) Clone() *WorkflowState {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Conversation = append([]Message(nil), s.Conversation...)
	cp.Scenarios = append([]string(nil), s.Scenarios...)
	cp.Logs = append([]string(nil), s.Logs...)
	if s.FixProvenance != nil {
		fp := *s.FixProvenance
		cp.FixProvenance = &fp
	}
	return &cp
}
