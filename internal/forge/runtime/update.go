package runtime

import (
	"strings"
	"time"

	"github.com/danshapiro/testforge/internal/forge/blob"
)

// Update is a partial change to WorkflowState returned by a node. Nil fields
// are left alone.
type Update struct {
	TaskType     *TaskType
	Status       *RunStatus
	TestCategory *TestCategory

	PlanRef    *blob.Ref
	ContextRef *blob.Ref
	CodeRef    *blob.Ref

	Scenarios           *[]string
	LastValidationError *string

	FixProvenance      *FixProvenance
	ClearFixProvenance bool

	RepositoryPath *string
	RepositoryURL  *string
	TargetURL      *string
	TracePath      *string

	CacheHit *bool

	FailureKind *FailureKind
	Diagnostic  *string

	// IncrementAttempts bumps AttemptCount by one. There is no way to lower it.
	IncrementAttempts bool

	AppendMessages []Message
	AppendLogs     []string
}

// Ptr is a convenience for building Updates.
func Ptr[T any](v T) *T { return &v }

// Fail builds an Update that ends the run with the given kind and diagnostic.
func Fail(kind FailureKind, diagnostic string) Update {
	return Update{
		Status:      Ptr(StatusFailed),
		FailureKind: Ptr(kind),
		Diagnostic:  Ptr(diagnostic),
	}
}

// Apply merges u into s. A new CodeRef clears LastValidationError unless the
// same update sets it explicitly.
func (s *WorkflowState) Apply(u Update) {
	if u.TaskType != nil {
		s.TaskType = *u.TaskType
	}
	if u.Status != nil {
		s.Status = *u.Status
	}
	if u.TestCategory != nil {
		s.TestCategory = *u.TestCategory
	}
	if u.PlanRef != nil {
		s.PlanRef = *u.PlanRef
	}
	if u.ContextRef != nil {
		s.ContextRef = *u.ContextRef
	}
	if u.CodeRef != nil {
		s.CodeRef = *u.CodeRef
		s.LastValidationError = ""
	}
	if u.Scenarios != nil {
		s.Scenarios = append([]string(nil), (*u.Scenarios)...)
	}
	if u.LastValidationError != nil {
		s.LastValidationError = *u.LastValidationError
	}
	if u.ClearFixProvenance {
		s.FixProvenance = nil
	}
	if u.FixProvenance != nil {
		fp := *u.FixProvenance
		s.FixProvenance = &fp
	}
	if u.RepositoryPath != nil {
		s.RepositoryPath = *u.RepositoryPath
	}
	if u.RepositoryURL != nil {
		s.RepositoryURL = *u.RepositoryURL
	}
	if u.TargetURL != nil {
		s.TargetURL = *u.TargetURL
	}
	if u.TracePath != nil {
		s.TracePath = *u.TracePath
	}
	if u.CacheHit != nil {
		s.CacheHit = *u.CacheHit
	}
	if u.FailureKind != nil {
		s.FailureKind = *u.FailureKind
	}
	if u.Diagnostic != nil {
		s.Diagnostic = *u.Diagnostic
	}
	if u.IncrementAttempts {
		s.AttemptCount++
	}
	now := time.Now().UTC()
	for _, m := range u.AppendMessages {
		if m.At.IsZero() {
			m.At = now
		}
		s.Conversation = append(s.Conversation, m)
	}
	for _, l := range u.AppendLogs {
		if l = strings.TrimSpace(l); l != "" {
			s.Logs = append(s.Logs, l)
		}
	}
}

// Merge folds b into a so that two node-local updates can be returned as one.
// Fields set in b win.
func Merge(a, b Update) Update {
	out := a
	if b.TaskType != nil {
		out.TaskType = b.TaskType
	}
	if b.Status != nil {
		out.Status = b.Status
	}
	if b.TestCategory != nil {
		out.TestCategory = b.TestCategory
	}
	if b.PlanRef != nil {
		out.PlanRef = b.PlanRef
	}
	if b.ContextRef != nil {
		out.ContextRef = b.ContextRef
	}
	if b.CodeRef != nil {
		out.CodeRef = b.CodeRef
	}
	if b.Scenarios != nil {
		out.Scenarios = b.Scenarios
	}
	if b.LastValidationError != nil {
		out.LastValidationError = b.LastValidationError
	}
	if b.FixProvenance != nil {
		out.FixProvenance = b.FixProvenance
	}
	out.ClearFixProvenance = out.ClearFixProvenance || b.ClearFixProvenance
	if b.RepositoryPath != nil {
		out.RepositoryPath = b.RepositoryPath
	}
	if b.RepositoryURL != nil {
		out.RepositoryURL = b.RepositoryURL
	}
	if b.TargetURL != nil {
		out.TargetURL = b.TargetURL
	}
	if b.TracePath != nil {
		out.TracePath = b.TracePath
	}
	if b.CacheHit != nil {
		out.CacheHit = b.CacheHit
	}
	if b.FailureKind != nil {
		out.FailureKind = b.FailureKind
	}
	if b.Diagnostic != nil {
		out.Diagnostic = b.Diagnostic
	}
	out.IncrementAttempts = out.IncrementAttempts || b.IncrementAttempts
	out.AppendMessages = append(append([]Message(nil), a.AppendMessages...), b.AppendMessages...)
	out.AppendLogs = append(append([]string(nil), a.AppendLogs...), b.AppendLogs...)
	return out
}
