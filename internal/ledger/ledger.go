// Package ledger records sessions, step executions, timelines and processed
// control messages in SQLite.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/iksnae/mindmap/internal"
	"go.uber.org/zap"
)

// ErrSessionNotFound is returned when a session id is unknown
var ErrSessionNotFound = errors.New("session not found")

// timeLayout is fixed width so stored timestamps sort lexically
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Ledger is the session and step store
type Ledger struct {
	db  *sql.DB
	log *zap.Logger
	now func() time.Time
}

// Option customizes a Ledger
type Option func(*Ledger)

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(lg *Ledger) { lg.log = l.Named("ledger") }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(lg *Ledger) { lg.now = now }
}

// Open opens or creates the ledger database at path
func Open(path string, opts ...Option) (*Ledger, error) {
	db, err := internal.OpenDatabase(path)
	if err != nil {
		return nil, &internal.LedgerError{Op: "open", Err: err}
	}
	l, err := New(db, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

// OpenReadOnly opens an existing ledger for queries
func OpenReadOnly(path string, opts ...Option) (*Ledger, error) {
	db, err := internal.OpenDatabaseReadOnly(path)
	if err != nil {
		return nil, &internal.LedgerError{Op: "open", Err: err}
	}
	l := &Ledger{db: db, log: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// New wraps an open database and applies the schema
func New(db *sql.DB, opts ...Option) (*Ledger, error) {
	l := &Ledger{db: db, log: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return nil, &internal.LedgerError{Op: "migrate", Err: err}
		}
	}
	return l, nil
}

// Close closes the database
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Ping checks the database connection
func (l *Ledger) Ping(ctx context.Context) error {
	return l.db.PingContext(ctx)
}

func (l *Ledger) stamp() string {
	return l.now().UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// CreateSession inserts a session. A zero CreatedAt is stamped with the
// current time.
func (l *Ledger) CreateSession(ctx context.Context, s *internal.Session) error {
	if s.ID == "" {
		return &internal.LedgerError{Op: "create session", Err: errors.New("session id is required")}
	}
	if s.ParentSessionID != "" && s.BaseCommitRef == "" {
		return &internal.LedgerError{Op: "create session", Err: errors.New("a forked session needs a base commit")}
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = l.now().UTC()
	}

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, parent_session_id, prompt, git_branch, base_commit_ref, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		s.ID, nullString(s.ParentSessionID), s.Prompt, s.GitBranch, nullString(s.BaseCommitRef),
		s.CreatedAt.UTC().Format(timeLayout))
	if err != nil {
		return &internal.LedgerError{Op: "create session", Err: err}
	}
	l.log.Debug("Created session", zap.String("session_id", s.ID), zap.String("branch", s.GitBranch))
	return nil
}

const sessionColumns = `s.session_id, s.parent_session_id, s.prompt, s.git_branch, s.base_commit_ref, s.created_at,
	(SELECT COUNT(*) FROM node_executions n WHERE n.session_id = s.session_id)`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row scanner) (*internal.Session, error) {
	var (
		s       internal.Session
		parent  sql.NullString
		base    sql.NullString
		created string
	)
	if err := row.Scan(&s.ID, &parent, &s.Prompt, &s.GitBranch, &base, &created, &s.StepCount); err != nil {
		return nil, err
	}
	s.ParentSessionID = parent.String
	s.BaseCommitRef = base.String
	s.CreatedAt = parseTime(created)
	return &s, nil
}

// GetSession returns a session with its step count
func (l *Ledger) GetSession(ctx context.Context, id string) (*internal.Session, error) {
	row := l.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions s WHERE s.session_id = ?`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, &internal.LedgerError{Op: "get session", Err: err}
	}
	return s, nil
}

// LatestSessionOnBranch returns the newest session bound to branch, or nil
func (l *Ledger) LatestSessionOnBranch(ctx context.Context, branch string) (*internal.Session, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions s WHERE s.git_branch = ?
		 ORDER BY s.created_at DESC, s.rowid DESC LIMIT 1`, branch)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &internal.LedgerError{Op: "latest session", Err: err}
	}
	return s, nil
}

// ListSessions returns every session, oldest first, with parent links and
// step counts
func (l *Ledger) ListSessions(ctx context.Context) ([]*internal.Session, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions s ORDER BY s.created_at, s.rowid`)
	if err != nil {
		return nil, &internal.LedgerError{Op: "list sessions", Err: err}
	}
	defer rows.Close()

	sessions := []*internal.Session{}
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, &internal.LedgerError{Op: "list sessions", Err: err}
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, &internal.LedgerError{Op: "list sessions", Err: err}
	}
	return sessions, nil
}

// StepRecord is a committed step to be appended to a session
type StepRecord struct {
	SessionID  string
	Step       int
	CommitRef  string
	Delta      map[string]interface{}
	OutputText string
	StartedAt  time.Time
}

// RecordStep appends a step execution, chaining it to the previous
// execution of the same session
func (l *Ledger) RecordStep(ctx context.Context, rec StepRecord) (*internal.StepExecution, error) {
	if rec.CommitRef == "" {
		return nil, &internal.LedgerError{Op: "record step", Err: errors.New("commit ref is required")}
	}
	delta := rec.Delta
	if delta == nil {
		delta = map[string]interface{}{}
	}
	deltaJSON, err := json.Marshal(delta)
	if err != nil {
		return nil, &internal.LedgerError{Op: "record step", Err: fmt.Errorf("encoding delta: %w", err)}
	}

	finished := l.now().UTC()
	started := rec.StartedAt
	if started.IsZero() {
		started = finished
	}
	exec := &internal.StepExecution{
		SessionID:     rec.SessionID,
		NodeName:      fmt.Sprintf("step_%d", rec.Step),
		StartedAt:     started.UTC(),
		FinishedAt:    finished,
		StateSnapshot: deltaJSON,
		OutputText:    rec.OutputText,
		CommitRef:     rec.CommitRef,
		StepID:        internal.StepID(rec.SessionID, rec.Step),
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &internal.LedgerError{Op: "record step", Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	var parent sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(id) FROM node_executions WHERE session_id = ?`, rec.SessionID).Scan(&parent); err != nil {
		return nil, &internal.LedgerError{Op: "record step", Err: err}
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO node_executions
		 (session_id, node_name, parent_node_id, started_at, finished_at, state_update_json, output_text, commit_ref, step_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.SessionID, exec.NodeName, parent, exec.StartedAt.Format(timeLayout), exec.FinishedAt.Format(timeLayout),
		string(deltaJSON), nullString(rec.OutputText), exec.CommitRef, exec.StepID)
	if err != nil {
		return nil, &internal.LedgerError{Op: "record step", Err: err}
	}
	if exec.ID, err = res.LastInsertId(); err != nil {
		return nil, &internal.LedgerError{Op: "record step", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return nil, &internal.LedgerError{Op: "record step", Err: err}
	}
	exec.ParentNodeID = parent.Int64
	return exec, nil
}

const stepColumns = `id, session_id, node_name, parent_node_id, started_at, finished_at, state_update_json, output_text, commit_ref, step_id`

func scanStep(row scanner) (*internal.StepExecution, error) {
	var (
		e        internal.StepExecution
		parent   sql.NullInt64
		started  string
		finished sql.NullString
		delta    string
		output   sql.NullString
	)
	if err := row.Scan(&e.ID, &e.SessionID, &e.NodeName, &parent, &started, &finished, &delta, &output, &e.CommitRef, &e.StepID); err != nil {
		return nil, err
	}
	e.ParentNodeID = parent.Int64
	e.StartedAt = parseTime(started)
	e.FinishedAt = parseTime(finished.String)
	e.StateSnapshot = json.RawMessage(delta)
	e.OutputText = output.String
	return &e, nil
}

// ListSteps returns a session's step executions in recording order
func (l *Ledger) ListSteps(ctx context.Context, sessionID string) ([]internal.StepExecution, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT `+stepColumns+` FROM node_executions WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, &internal.LedgerError{Op: "list steps", Err: err}
	}
	defer rows.Close()

	steps := []internal.StepExecution{}
	for rows.Next() {
		e, err := scanStep(rows)
		if err != nil {
			return nil, &internal.LedgerError{Op: "list steps", Err: err}
		}
		steps = append(steps, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, &internal.LedgerError{Op: "list steps", Err: err}
	}
	return steps, nil
}

// StepByCommit returns the execution recorded for a commit, or nil
func (l *Ledger) StepByCommit(ctx context.Context, commitRef string) (*internal.StepExecution, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT `+stepColumns+` FROM node_executions WHERE commit_ref = ? ORDER BY id LIMIT 1`, commitRef)
	e, err := scanStep(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &internal.LedgerError{Op: "step by commit", Err: err}
	}
	return e, nil
}
