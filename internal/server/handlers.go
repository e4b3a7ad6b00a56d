package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/danshapiro/testforge/internal/events"
	"github.com/danshapiro/testforge/internal/forge/engine"
	"github.com/danshapiro/testforge/internal/forge/history"
	"github.com/danshapiro/testforge/internal/forge/orchestrator"
	"github.com/danshapiro/testforge/internal/forge/runtime"
)

// validRunID matches ULIDs, UUIDs, and other safe identifiers.
// Only alphanumeric, dashes, and underscores are allowed.
var validRunID = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]{0,127}$`)

const maxBodyBytes = 1 << 20

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"active_runs": len(s.registry.List()),
	})
}

func (s *Server) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	var req SubmitRunRequest
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	if req.ParentRunID != "" && !validRunID.MatchString(req.ParentRunID) {
		writeError(w, http.StatusBadRequest, "parent_run_id must be alphanumeric with dashes/underscores, 1-128 chars")
		return
	}

	runID := strings.TrimSpace(req.RunID)
	if runID == "" {
		id, err := engine.NewRunID()
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("generate run id: %v", err))
			return
		}
		runID = id
	}
	if !validRunID.MatchString(runID) {
		writeError(w, http.StatusBadRequest, "run_id must be alphanumeric with dashes/underscores, 1-128 chars")
		return
	}
	if _, err := s.runner.Get(r.Context(), runID); err == nil {
		writeError(w, http.StatusConflict, fmt.Sprintf("run %s already exists", runID))
		return
	}

	oreq := orchestrator.Request{
		RunID:         runID,
		Message:       req.Message,
		SessionID:     req.SessionID,
		ModelSelector: req.Model,
		ParentRunID:   req.ParentRunID,
		Manual:        req.Manual,
	}
	err := s.drive(runID, "submit", func(ctx context.Context) error {
		_, err := s.runner.Submit(ctx, oreq, nil)
		return err
	})
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"run_id": runID,
		"status": "accepted",
	})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}
	runs, err := s.history.ListRuns(r.Context(), r.URL.Query().Get("session"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]RunSummary, 0, len(runs))
	for _, run := range runs {
		out = append(out, RunSummary{
			RunID:           run.ID,
			SessionID:       run.SessionID,
			ParentRunID:     run.ParentRunID,
			Request:         run.Request,
			Status:          run.Status,
			TestCategory:    run.TestCategory,
			FailureKind:     run.FailureKind,
			ExecutionStatus: run.ExecutionStatus,
			ReportURL:       run.ReportURL,
			CreatedAt:       run.CreatedAt,
			UpdatedAt:       run.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID, ok := pathRunID(w, r)
	if !ok {
		return
	}
	_, active := s.registry.Get(runID)
	st, err := s.runner.Get(r.Context(), runID)
	if err != nil {
		if errors.Is(err, engine.ErrRunNotFound) && active {
			// the driver has not written the first checkpoint yet
			writeJSON(w, http.StatusOK, RunStatus{RunID: runID, Status: "starting", Active: true})
			return
		}
		writeRunError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.statusOf(r.Context(), st, active))
}

func (s *Server) statusOf(ctx context.Context, st *runtime.WorkflowState, active bool) RunStatus {
	out := RunStatus{
		RunID:        st.RunID,
		Status:       string(st.Status),
		Active:       active,
		ParentRunID:  st.ParentRunID,
		TaskType:     string(st.TaskType),
		TestCategory: string(st.TestCategory),
		Attempts:     st.AttemptCount,
		CacheHit:     st.CacheHit,
		FailureKind:  string(st.FailureKind),
		Diagnostic:   st.Diagnostic,
		Scenarios:    st.Scenarios,
		Logs:         st.Logs,
	}
	for _, m := range st.Conversation {
		out.Conversation = append(out.Conversation, MessageView{Role: string(m.Role), Content: m.Content})
	}
	if !st.PlanRef.IsZero() {
		if plan, err := s.runner.Artifact(ctx, st.PlanRef); err == nil {
			out.Plan = plan
		}
	}
	if !st.CodeRef.IsZero() {
		if code, err := s.runner.Artifact(ctx, st.CodeRef); err == nil {
			out.Code = code
		}
	}
	return out
}

func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	runID, ok := pathRunID(w, r)
	if !ok {
		return
	}
	b, ok := s.hub.Lookup(runID)
	if !ok {
		if _, active := s.registry.Get(runID); !active {
			writeError(w, http.StatusNotFound, fmt.Sprintf("no event stream for run %s", runID))
			return
		}
		b = s.hub.Get(runID)
	}
	events.WriteSSE(w, r, b)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	runID, ok := pathRunID(w, r)
	if !ok {
		return
	}
	var req ApproveRequest
	if !s.decode(w, r, &req) {
		return
	}
	if !s.awaitingApproval(w, r, runID) {
		return
	}
	err := s.drive(runID, "approve", func(ctx context.Context) error {
		_, err := s.runner.Approve(ctx, runID, req.Feedback, nil)
		return err
	})
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID, "status": "approved"})
}

func (s *Server) handleDeny(w http.ResponseWriter, r *http.Request) {
	runID, ok := pathRunID(w, r)
	if !ok {
		return
	}
	var req DenyRequest
	if !s.decode(w, r, &req) {
		return
	}
	if _, busy := s.registry.Get(runID); busy {
		writeError(w, http.StatusConflict, fmt.Sprintf("run %s is busy", runID))
		return
	}
	out, err := s.runner.Deny(r.Context(), runID, req.Reason)
	if err != nil {
		writeRunError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.statusOf(r.Context(), out.State, false))
}

// handleStep runs one node synchronously.
func (s *Server) handleStep(w http.ResponseWriter, r *http.Request) {
	runID, ok := pathRunID(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithCancelCause(r.Context())
	defer cancel(nil)
	if err := s.registry.Register(&ActiveRun{RunID: runID, Op: "step", Cancel: cancel, StartedAt: time.Now().UTC()}); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	defer s.registry.Done(runID)

	out, err := s.runner.Step(ctx, runID, nil)
	if err != nil {
		writeRunError(w, err)
		return
	}
	resp := s.statusOf(ctx, out.State, false)
	writeJSON(w, http.StatusOK, map[string]any{"finish": out.Finish, "run": resp})
}

// handleExecute runs the run's current code in the runner container and
// answers once it has finished.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	runID, ok := pathRunID(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithCancelCause(r.Context())
	defer cancel(nil)
	if err := s.registry.Register(&ActiveRun{RunID: runID, Op: "execute", Cancel: cancel, StartedAt: time.Now().UTC()}); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	defer s.registry.Done(runID)

	ex, err := s.runner.Execute(ctx, runID)
	if err != nil {
		writeRunError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ExecutionView{
		RunID:     ex.RunID,
		Status:    ex.Status,
		ExitCode:  ex.ExitCode,
		Logs:      ex.Logs,
		ReportURL: ex.ReportURL,
		TracePath: ex.TracePath,
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	runID, ok := pathRunID(w, r)
	if !ok {
		return
	}
	ar, active := s.registry.Get(runID)
	if !active {
		writeError(w, http.StatusConflict, fmt.Sprintf("run %s is not running", runID))
		return
	}
	ar.Cancel(fmt.Errorf("canceled via HTTP API"))
	writeJSON(w, http.StatusOK, map[string]string{"status": "canceling"})
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	session := r.URL.Query().Get("session")
	if session == "" {
		session = "default"
	}
	unread := r.URL.Query().Get("unread") == "true"
	notes, err := s.history.Notifications(r.Context(), session, unread)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]NotificationView, 0, len(notes))
	for _, n := range notes {
		out = append(out, NotificationView{ID: n.ID, Message: n.Message, RunID: n.RunID, Read: n.Read, CreatedAt: n.CreatedAt})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("nid"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "notification id must be a positive integer")
		return
	}
	if err := s.history.MarkRead(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "read"})
}

// drive runs fn for runID in the background under the server's base
// context.
func (s *Server) drive(runID, op string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithCancelCause(s.baseCtx)
	if err := s.registry.Register(&ActiveRun{RunID: runID, Op: op, Cancel: cancel, StartedAt: time.Now().UTC()}); err != nil {
		cancel(nil)
		return err
	}
	s.drivers.Add(1)
	go func() {
		defer s.drivers.Done()
		defer cancel(nil)
		defer s.registry.Done(runID)
		if err := fn(ctx); err != nil {
			s.logger.Warn("run driver stopped", "run_id", runID, "op", op, "error", err)
		}
	}()
	return nil
}

func (s *Server) awaitingApproval(w http.ResponseWriter, r *http.Request, runID string) bool {
	if _, busy := s.registry.Get(runID); busy {
		writeError(w, http.StatusConflict, fmt.Sprintf("run %s is busy", runID))
		return false
	}
	st, err := s.runner.Get(r.Context(), runID)
	if err != nil {
		writeRunError(w, err)
		return false
	}
	if st.Status != runtime.StatusWaitingForApproval {
		writeError(w, http.StatusConflict, fmt.Sprintf("run %s is %s, not waiting for approval", runID, st.Status))
		return false
	}
	return true
}

// decode reads a JSON body into v and validates it. An empty body is
// allowed for requests whose fields are all optional.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
			}
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request", Details: strings.Join(msgs, "; ")})
			return false
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func pathRunID(w http.ResponseWriter, r *http.Request) (string, bool) {
	runID := r.PathValue("id")
	if !validRunID.MatchString(runID) {
		writeError(w, http.StatusBadRequest, "run_id must be alphanumeric with dashes/underscores, 1-128 chars")
		return "", false
	}
	return runID, true
}

func writeRunError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrRunNotFound), errors.Is(err, history.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, orchestrator.ErrRunNotPaused), errors.Is(err, engine.ErrNotResumable),
		errors.Is(err, orchestrator.ErrNoCode):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, orchestrator.ErrNoExecutor):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
