package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/iksnae/mindmap/internal"
	"go.uber.org/zap"
)

// CumulativeState folds the step deltas of a session in recording order.
// uptoID limits the fold to executions with id <= uptoID; zero or less
// folds every execution. A forked session starts from its parent's state at
// the base commit.
func (l *Ledger) CumulativeState(ctx context.Context, sessionID string, uptoID int64) (*internal.CumulativeState, error) {
	state := &internal.CumulativeState{
		SessionID: sessionID,
		UptoID:    uptoID,
		Steps:     []string{},
		State:     map[string]interface{}{},
	}
	if err := l.fold(ctx, sessionID, uptoID, state, 0); err != nil {
		return nil, err
	}
	return state, nil
}

// maxLineage bounds the parent walk in case of a corrupted parent cycle
const maxLineage = 64

func (l *Ledger) fold(ctx context.Context, sessionID string, uptoID int64, state *internal.CumulativeState, depth int) error {
	if depth > maxLineage {
		return &internal.LedgerError{Op: "cumulative state", Err: errors.New("session lineage too deep")}
	}
	session, err := l.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	if session.ParentSessionID != "" {
		if err := l.foldBase(ctx, session.ParentSessionID, session.BaseCommitRef, state, depth+1); err != nil {
			return err
		}
	}

	query := `SELECT id, node_name, state_update_json FROM node_executions WHERE session_id = ?`
	args := []interface{}{sessionID}
	if uptoID > 0 {
		query += ` AND id <= ?`
		args = append(args, uptoID)
	}
	query += ` ORDER BY id`

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return &internal.LedgerError{Op: "cumulative state", Err: err}
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id    int64
			node  string
			delta string
		)
		if err := rows.Scan(&id, &node, &delta); err != nil {
			return &internal.LedgerError{Op: "cumulative state", Err: err}
		}
		update := map[string]interface{}{}
		if strings.TrimSpace(delta) != "" {
			if err := json.Unmarshal([]byte(delta), &update); err != nil {
				l.log.Warn("Skipping unreadable step delta", zap.Int64("id", id), zap.Error(err))
				continue
			}
		}
		for k, v := range update {
			state.State[k] = v
		}
		state.Steps = append(state.Steps, node)
	}
	if err := rows.Err(); err != nil {
		return &internal.LedgerError{Op: "cumulative state", Err: err}
	}
	return nil
}

// foldBase folds the state at commitRef into state. The commit is looked up
// in sessionID first and then in its ancestors, since a session forked at
// its parent's base commit has no row of its own there. A commit recorded by
// no ancestor contributes nothing.
func (l *Ledger) foldBase(ctx context.Context, sessionID, commitRef string, state *internal.CumulativeState, depth int) error {
	for id := sessionID; id != ""; depth++ {
		if depth > maxLineage {
			return &internal.LedgerError{Op: "cumulative state", Err: errors.New("session lineage too deep")}
		}
		base, err := l.baseExecution(ctx, id, commitRef)
		if err != nil {
			return err
		}
		if base > 0 {
			return l.fold(ctx, id, base, state, depth)
		}
		ancestor, err := l.GetSession(ctx, id)
		if err != nil {
			return err
		}
		id = ancestor.ParentSessionID
	}
	return nil
}

// baseExecution returns the id of the last execution in sessionID recorded
// at commitRef, or 0 when there is none
func (l *Ledger) baseExecution(ctx context.Context, sessionID, commitRef string) (int64, error) {
	var id int64
	err := l.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(id), 0) FROM node_executions WHERE session_id = ? AND commit_ref = ?`,
		sessionID, commitRef).Scan(&id)
	if err != nil {
		return 0, &internal.LedgerError{Op: "cumulative state", Err: err}
	}
	return id, nil
}

// RecordTimeline stores a branch created by a rollback or fork
func (l *Ledger) RecordTimeline(ctx context.Context, t *internal.Timeline) error {
	if t.BranchName == "" {
		return &internal.LedgerError{Op: "record timeline", Err: errors.New("branch name is required")}
	}
	if t.Kind == "" {
		t.Kind = internal.TimelineBranch
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = l.now().UTC()
	}
	res, err := l.db.ExecContext(ctx,
		`INSERT INTO timelines (session_id, branch_name, kind, base_commit_ref, head_commit_ref, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		t.SessionID, t.BranchName, string(t.Kind), nullString(t.BaseCommitRef), nullString(t.HeadCommitRef),
		t.CreatedAt.UTC().Format(timeLayout))
	if err != nil {
		return &internal.LedgerError{Op: "record timeline", Err: err}
	}
	if t.ID, err = res.LastInsertId(); err != nil {
		return &internal.LedgerError{Op: "record timeline", Err: err}
	}
	return nil
}

// ListTimelines returns the timelines of a session, or of every session
// when sessionID is empty, oldest first
func (l *Ledger) ListTimelines(ctx context.Context, sessionID string) ([]internal.Timeline, error) {
	query := `SELECT id, session_id, branch_name, kind, base_commit_ref, head_commit_ref, created_at FROM timelines`
	var args []interface{}
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY id`

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &internal.LedgerError{Op: "list timelines", Err: err}
	}
	defer rows.Close()

	timelines := []internal.Timeline{}
	for rows.Next() {
		var (
			t       internal.Timeline
			kind    string
			base    sql.NullString
			head    sql.NullString
			created string
		)
		if err := rows.Scan(&t.ID, &t.SessionID, &t.BranchName, &kind, &base, &head, &created); err != nil {
			return nil, &internal.LedgerError{Op: "list timelines", Err: err}
		}
		t.Kind = internal.TimelineKind(kind)
		t.BaseCommitRef = base.String
		t.HeadCommitRef = head.String
		t.CreatedAt = parseTime(created)
		timelines = append(timelines, t)
	}
	if err := rows.Err(); err != nil {
		return nil, &internal.LedgerError{Op: "list timelines", Err: err}
	}
	return timelines, nil
}

// SessionTimeline loads a session with its steps and timelines for export
func (l *Ledger) SessionTimeline(ctx context.Context, sessionID string) (*internal.SessionTimeline, error) {
	session, err := l.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	steps, err := l.ListSteps(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	timelines, err := l.ListTimelines(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return &internal.SessionTimeline{Session: session, Steps: steps, Timelines: timelines}, nil
}

// ClaimMessage records eventID as processed. It reports false when the id
// was already claimed, so each control message is handled at most once.
func (l *Ledger) ClaimMessage(ctx context.Context, eventID, eventType string) (bool, error) {
	if eventID == "" {
		return false, &internal.LedgerError{Op: "claim message", Err: errors.New("event id is required")}
	}
	res, err := l.db.ExecContext(ctx,
		`INSERT INTO processed_messages (event_id, event_type, processed_at) VALUES (?, ?, ?)
		 ON CONFLICT(event_id) DO NOTHING`,
		eventID, eventType, l.stamp())
	if err != nil {
		return false, &internal.LedgerError{Op: "claim message", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, &internal.LedgerError{Op: "claim message", Err: fmt.Errorf("reading rows affected: %w", err)}
	}
	return n == 1, nil
}

// ReleaseMessage forgets a claimed eventID so a retry of a message that was
// never handled is accepted again
func (l *Ledger) ReleaseMessage(ctx context.Context, eventID string) error {
	if _, err := l.db.ExecContext(ctx, `DELETE FROM processed_messages WHERE event_id = ?`, eventID); err != nil {
		return &internal.LedgerError{Op: "release message", Err: err}
	}
	return nil
}
