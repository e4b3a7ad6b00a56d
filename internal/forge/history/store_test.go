package history

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danshapiro/testforge/internal/forge/blob"
)

func openMemory(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func ptr[T any](v T) *T { return &v }

func TestCreateUpdateGet(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()
	require.NoError(t, s.CreateRun(ctx, Run{ID: "r1", Request: "test login", Status: "analyzing"}))

	require.NoError(t, s.UpdateRun(ctx, "r1", RunUpdate{
		Status:  ptr("completed"),
		CodeRef: ptr(blob.Ref("blake3:ab:code")),
	}))
	r, err := s.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "default", r.SessionID)
	assert.Equal(t, "completed", r.Status)
	assert.Equal(t, blob.Ref("blake3:ab:code"), r.CodeRef)
	assert.False(t, r.CreatedAt.IsZero())
	assert.False(t, r.UpdatedAt.Before(r.CreatedAt))

	_, err = s.GetRun(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.UpdateRun(ctx, "nope", RunUpdate{Status: ptr("x")}), ErrNotFound)
	assert.ErrorIs(t, s.SetExecution(ctx, "nope", ExecutionFailed, "", ""), ErrNotFound)
}

func TestLatestSuccessfulPerRequest(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()
	add := func(id, req, status, code string) {
		require.NoError(t, s.CreateRun(ctx, Run{ID: id, Request: req, Status: status, CodeRef: blob.Ref(code)}))
	}
	add("a1", "login", "completed", "c1")
	add("a2", "login", "completed", "c2")
	add("a3", "login", "failed", "c3")
	add("b1", "cart", "completed", "c4")
	add("b2", "cart", "completed", "")
	add("c1", "search", "completed", "c5")
	require.NoError(t, s.SetExecution(ctx, "c1", ExecutionFailed, "", ""))

	runs, err := s.LatestSuccessfulPerRequest(ctx)
	require.NoError(t, err)
	var ids []string
	for _, r := range runs {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"a2", "b1"}, ids)
}

func TestListRuns(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()
	require.NoError(t, s.CreateRun(ctx, Run{ID: "r1", SessionID: "s1", Request: "a", Status: "completed"}))
	require.NoError(t, s.CreateRun(ctx, Run{ID: "r2", SessionID: "s1", Request: "b", Status: "completed"}))
	require.NoError(t, s.CreateRun(ctx, Run{ID: "r3", SessionID: "s2", Request: "c", Status: "completed"}))

	runs, err := s.ListRuns(ctx, "s1", 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "r2", runs[0].ID)

	all, err := s.ListRuns(ctx, "", 2)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestNotifications(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()
	id, err := s.AddNotification(ctx, "", "Test for 'login...' was automatically repaired.", "r1")
	require.NoError(t, err)
	_, err = s.AddNotification(ctx, "", "second", "r2")
	require.NoError(t, err)

	unread, err := s.Notifications(ctx, "default", true)
	require.NoError(t, err)
	require.Len(t, unread, 2)
	assert.Equal(t, "second", unread[0].Message)

	require.NoError(t, s.MarkRead(ctx, id))
	unread, err = s.Notifications(ctx, "default", true)
	require.NoError(t, err)
	require.Len(t, unread, 1)

	all, err := s.Notifications(ctx, "default", false)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.True(t, all[1].Read)
	assert.Equal(t, "r1", all[1].RunID)
}

func TestOpen_FileSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "history.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.CreateRun(context.Background(), Run{ID: "r1", Request: "x", Status: "completed"}))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	r, err := s.GetRun(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, "x", r.Request)
}

func TestSetExecution_RecordsLogs(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()
	require.NoError(t, s.CreateRun(ctx, Run{ID: "r1", Request: "x", Status: "completed", CodeRef: "c1"}))
	require.NoError(t, s.SetExecution(ctx, "r1", ExecutionFailed, "/reports/r1", "1 failed, 2 passed"))

	r, err := s.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, ExecutionFailed, r.ExecutionStatus)
	assert.Equal(t, "/reports/r1", r.ReportURL)
	assert.Equal(t, "1 failed, 2 passed", r.ExecutionLogs)

	long := strings.Repeat("x", maxExecutionLogs) + "END"
	require.NoError(t, s.SetExecution(ctx, "r1", ExecutionSuccess, "", long))
	r, err = s.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Len(t, r.ExecutionLogs, maxExecutionLogs)
	assert.True(t, strings.HasSuffix(r.ExecutionLogs, "END"))
}

func TestOpen_AddsExecutionLogsToOlderDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE runs (
		id TEXT PRIMARY KEY, session_id TEXT NOT NULL DEFAULT 'default', parent_run_id TEXT NOT NULL DEFAULT '',
		request TEXT NOT NULL, task_type TEXT NOT NULL DEFAULT '', test_category TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL, failure_kind TEXT NOT NULL DEFAULT '', diagnostic TEXT NOT NULL DEFAULT '',
		code_ref TEXT NOT NULL DEFAULT '', plan_ref TEXT NOT NULL DEFAULT '',
		execution_status TEXT NOT NULL DEFAULT '', report_url TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL, updated_at TEXT NOT NULL);
		INSERT INTO runs (id, request, status, created_at, updated_at) VALUES ('old', 'x', 'completed', '', '');`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()
	require.NoError(t, s.SetExecution(ctx, "old", ExecutionSuccess, "", "ok"))
	r, err := s.GetRun(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, "ok", r.ExecutionLogs)
}
