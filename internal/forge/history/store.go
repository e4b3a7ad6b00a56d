// Package history keeps one row per run and the user notifications raised
// by background repairs. It is the queryable record behind the run list and
// the scheduler; the checkpoint store stays the source of truth for state.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	_ "modernc.org/sqlite"

	"github.com/danshapiro/testforge/internal/forge/blob"
)

// openDB is a package-level var to allow test injection.
var openDB = sql.Open

var ErrNotFound = errors.New("history: run not found")

const (
	ExecutionSuccess = "success"
	ExecutionFailed  = "failed"
)

type Run struct {
	ID           string
	SessionID    string
	ParentRunID  string
	Request      string
	TaskType     string
	TestCategory string
	Status       string
	FailureKind  string
	Diagnostic   string
	CodeRef      blob.Ref
	PlanRef      blob.Ref
	// ExecutionStatus is the outcome of the last container run of the code,
	// empty when it was never executed.
	ExecutionStatus string
	ReportURL       string
	ExecutionLogs   string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// RunUpdate changes the non-nil fields of a run.
type RunUpdate struct {
	Status       *string
	TaskType     *string
	TestCategory *string
	FailureKind  *string
	Diagnostic   *string
	CodeRef      *blob.Ref
	PlanRef      *blob.Ref
}

type Notification struct {
	ID        int64
	SessionID string
	Message   string
	RunID     string
	Read      bool
	CreatedAt time.Time
}

type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path. ":memory:" gives a private
// in-memory database.
func Open(path string) (*Store, error) {
	memory := path == ":memory:"
	if !memory {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("history: create data dir: %w", err)
		}
	}
	db, err := openDB("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("history: open database: %w", err)
	}
	pragmas := []string{"PRAGMA busy_timeout = 5000", "PRAGMA foreign_keys = ON"}
	if memory {
		// every pooled connection would otherwise see its own empty database
		db.SetMaxOpenConns(1)
	} else {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL", "PRAGMA synchronous = NORMAL")
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("history: pragma %q: %w", p, err)
		}
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history: migration: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			id               TEXT PRIMARY KEY,
			session_id       TEXT NOT NULL DEFAULT 'default',
			parent_run_id    TEXT NOT NULL DEFAULT '',
			request          TEXT NOT NULL,
			task_type        TEXT NOT NULL DEFAULT '',
			test_category    TEXT NOT NULL DEFAULT '',
			status           TEXT NOT NULL,
			failure_kind     TEXT NOT NULL DEFAULT '',
			diagnostic       TEXT NOT NULL DEFAULT '',
			code_ref         TEXT NOT NULL DEFAULT '',
			plan_ref         TEXT NOT NULL DEFAULT '',
			execution_status TEXT NOT NULL DEFAULT '',
			report_url       TEXT NOT NULL DEFAULT '',
			execution_logs   TEXT NOT NULL DEFAULT '',
			created_at       TEXT NOT NULL,
			updated_at       TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_runs_session ON runs(session_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_runs_request ON runs(request);

		CREATE TABLE IF NOT EXISTS notifications (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT    NOT NULL,
			message    TEXT    NOT NULL,
			run_id     TEXT    NOT NULL DEFAULT '',
			is_read    INTEGER NOT NULL DEFAULT 0,
			created_at TEXT    NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_notifications_session ON notifications(session_id, is_read);
	`); err != nil {
		return err
	}
	return s.addColumn("runs", "execution_logs", "TEXT NOT NULL DEFAULT ''")
}

// addColumn brings a table created by an older build up to date.
func (s *Store) addColumn(table, column, decl string) error {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, table, column).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	_, err := s.db.Exec(`ALTER TABLE ` + table + ` ADD COLUMN ` + column + ` ` + decl)
	return err
}

const runColumns = `id, session_id, parent_run_id, request, task_type, test_category, status,
	failure_kind, diagnostic, code_ref, plan_ref, execution_status, report_url, execution_logs, created_at, updated_at`

func (s *Store) CreateRun(ctx context.Context, r Run) error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("history: run id is required")
	}
	if r.SessionID == "" {
		r.SessionID = "default"
	}
	now := stamp(time.Now())
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.SessionID, r.ParentRunID, r.Request, r.TaskType, r.TestCategory, r.Status,
		r.FailureKind, r.Diagnostic, string(r.CodeRef), string(r.PlanRef), r.ExecutionStatus, r.ReportURL, r.ExecutionLogs, now, now,
	)
	if err != nil {
		return fmt.Errorf("history: create run %s: %w", r.ID, err)
	}
	return nil
}

func (s *Store) UpdateRun(ctx context.Context, id string, u RunUpdate) error {
	var sets []string
	var args []any
	add := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if u.Status != nil {
		add("status", *u.Status)
	}
	if u.TaskType != nil {
		add("task_type", *u.TaskType)
	}
	if u.TestCategory != nil {
		add("test_category", *u.TestCategory)
	}
	if u.FailureKind != nil {
		add("failure_kind", *u.FailureKind)
	}
	if u.Diagnostic != nil {
		add("diagnostic", *u.Diagnostic)
	}
	if u.CodeRef != nil {
		add("code_ref", string(*u.CodeRef))
	}
	if u.PlanRef != nil {
		add("plan_ref", string(*u.PlanRef))
	}
	if len(sets) == 0 {
		return nil
	}
	add("updated_at", stamp(time.Now()))
	args = append(args, id)
	return s.exec1(ctx, `UPDATE runs SET `+strings.Join(sets, ", ")+` WHERE id = ?`, id, args...)
}

// SetExecution records the result of running the run's code in a container.
// Only the tail of logs is kept.
func (s *Store) SetExecution(ctx context.Context, id, status, reportURL, logs string) error {
	return s.exec1(ctx,
		`UPDATE runs SET execution_status = ?, report_url = ?, execution_logs = ?, updated_at = ? WHERE id = ?`,
		id, status, reportURL, tail(logs, maxExecutionLogs), stamp(time.Now()), id)
}

const maxExecutionLogs = 64 << 10

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[len(s)-n:]
	// drop a split rune at the cut
	for len(s) > 0 && !utf8.RuneStart(s[0]) {
		s = s[1:]
	}
	return s
}

func (s *Store) exec1(ctx context.Context, query, id string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("history: update run %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	runs, err := scanRuns(rows)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return &runs[0], nil
}

// ListRuns returns the newest runs of a session first. An empty session
// lists every session.
func (s *Store) ListRuns(ctx context.Context, sessionID string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT ` + runColumns + ` FROM runs`
	var args []any
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanRuns(rows)
}

// LatestSuccessfulPerRequest returns, for every distinct request text, the
// most recent completed run that produced code and whose last execution (if
// any) passed.
func (s *Store) LatestSuccessfulPerRequest(ctx context.Context) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+` FROM runs WHERE rowid IN (
			SELECT MAX(rowid) FROM runs
			WHERE status = 'completed' AND code_ref <> '' AND execution_status <> ?
			GROUP BY request
		)
		ORDER BY created_at, rowid`, ExecutionFailed)
	if err != nil {
		return nil, err
	}
	return scanRuns(rows)
}

func scanRuns(rows *sql.Rows) ([]Run, error) {
	defer func() { _ = rows.Close() }()
	var out []Run
	for rows.Next() {
		var r Run
		var code, plan, created, updated string
		if err := rows.Scan(&r.ID, &r.SessionID, &r.ParentRunID, &r.Request, &r.TaskType, &r.TestCategory, &r.Status,
			&r.FailureKind, &r.Diagnostic, &code, &plan, &r.ExecutionStatus, &r.ReportURL, &r.ExecutionLogs, &created, &updated); err != nil {
			return nil, err
		}
		r.CodeRef, r.PlanRef = blob.Ref(code), blob.Ref(plan)
		r.CreatedAt, r.UpdatedAt = parseStamp(created), parseStamp(updated)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) AddNotification(ctx context.Context, sessionID, message, runID string) (int64, error) {
	if sessionID == "" {
		sessionID = "default"
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications (session_id, message, run_id, created_at) VALUES (?, ?, ?, ?)`,
		sessionID, message, runID, stamp(time.Now()))
	if err != nil {
		return 0, fmt.Errorf("history: add notification: %w", err)
	}
	return res.LastInsertId()
}

func (s *Store) Notifications(ctx context.Context, sessionID string, unreadOnly bool) ([]Notification, error) {
	query := `SELECT id, session_id, message, run_id, is_read, created_at FROM notifications WHERE session_id = ?`
	if unreadOnly {
		query += ` AND is_read = 0`
	}
	query += ` ORDER BY id DESC`
	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []Notification
	for rows.Next() {
		var n Notification
		var created string
		if err := rows.Scan(&n.ID, &n.SessionID, &n.Message, &n.RunID, &n.Read, &created); err != nil {
			return nil, err
		}
		n.CreatedAt = parseStamp(created)
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *Store) MarkRead(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE notifications SET is_read = 1 WHERE id = ?`, id)
	return err
}

// stampLayout is fixed width so that stored timestamps sort as text.
const stampLayout = "2006-01-02T15:04:05.000000000Z07:00"

func stamp(t time.Time) string { return t.UTC().Format(stampLayout) }

func parseStamp(s string) time.Time {
	t, err := time.Parse(stampLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
