package server

import "time"

// SubmitRunRequest is the POST /runs request body.
type SubmitRunRequest struct {
	Message string `json:"message" validate:"required,max=20000"`

	// SessionID groups runs in history. Defaults to "default".
	SessionID string `json:"session_id,omitempty" validate:"omitempty,max=128"`

	// Model overrides the default generation model for this run.
	Model string `json:"model,omitempty" validate:"omitempty,max=128"`

	// ParentRunID makes this a follow-up turn of an earlier run.
	ParentRunID string `json:"parent_run_id,omitempty" validate:"omitempty,max=128"`

	// RunID is optional. If empty, a ULID is generated.
	RunID string `json:"run_id,omitempty"`

	// Manual creates the run without executing it; advance it with /step.
	Manual bool `json:"manual,omitempty"`
}

// ApproveRequest is the POST /runs/{id}/approve body. A non-empty
// Feedback replaces the plan.
type ApproveRequest struct {
	Feedback string `json:"feedback,omitempty" validate:"max=50000"`
}

type DenyRequest struct {
	Reason string `json:"reason,omitempty" validate:"max=2000"`
}

type MessageView struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// RunStatus is returned by GET /runs/{id}.
type RunStatus struct {
	RunID        string        `json:"run_id"`
	Status       string        `json:"status"`
	Active       bool          `json:"active"`
	ParentRunID  string        `json:"parent_run_id,omitempty"`
	TaskType     string        `json:"task_type,omitempty"`
	TestCategory string        `json:"test_category,omitempty"`
	Attempts     int           `json:"attempts"`
	CacheHit     bool          `json:"cache_hit,omitempty"`
	FailureKind  string        `json:"failure_kind,omitempty"`
	Diagnostic   string        `json:"diagnostic,omitempty"`
	Plan         string        `json:"plan,omitempty"`
	Code         string        `json:"code,omitempty"`
	Scenarios    []string      `json:"scenarios,omitempty"`
	Conversation []MessageView `json:"conversation,omitempty"`
	Logs         []string      `json:"logs,omitempty"`
}

// RunSummary is one row of GET /runs.
type RunSummary struct {
	RunID           string    `json:"run_id"`
	SessionID       string    `json:"session_id"`
	ParentRunID     string    `json:"parent_run_id,omitempty"`
	Request         string    `json:"request"`
	Status          string    `json:"status"`
	TestCategory    string    `json:"test_category,omitempty"`
	FailureKind     string    `json:"failure_kind,omitempty"`
	ExecutionStatus string    `json:"execution_status,omitempty"`
	ReportURL       string    `json:"report_url,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// ExecutionView is the response of POST /runs/{id}/execute.
type ExecutionView struct {
	RunID     string `json:"run_id"`
	Status    string `json:"status"`
	ExitCode  int    `json:"exit_code"`
	Logs      string `json:"logs"`
	ReportURL string `json:"report_url,omitempty"`
	TracePath string `json:"trace_path,omitempty"`
}

type NotificationView struct {
	ID        int64     `json:"id"`
	Message   string    `json:"message"`
	RunID     string    `json:"run_id,omitempty"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"created_at"`
}

// ErrorResponse is a standard error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
