package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/anancus/anancus/domain"
)

// statefulTables is the allowlist of tables carrying workflow columns.
// Table names are interpolated into SQL and must never come from input.
var statefulTables = map[string]bool{
	"identities":        true,
	"posts":             true,
	"post_interactions": true,
	"follows":           true,
	"blocks":            true,
	"fan_outs":          true,
	"inbox_messages":    true,
	"post_attachments":  true,
	"emojis":            true,
	"hashtags":          true,
}

func checkTable(table string) error {
	if !statefulTables[table] {
		return fmt.Errorf("unknown stateful table %q", table)
	}
	return nil
}

// LockedRow is one row picked up by LockBatch.
type LockedRow struct {
	Id           int64
	State        string
	StateChanged time.Time
}

// MarkReady flags rows in the given state whose retry interval has elapsed
// as eligible for dispatch. Returns the number of rows marked.
func (s *Store) MarkReady(ctx context.Context, table, state string, tryInterval time.Duration) (int64, error) {
	if err := checkTable(table); err != nil {
		return 0, err
	}
	cutoff := millis(time.Now().Add(-tryInterval))
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE `+table+` SET state_ready = TRUE
		 WHERE state = ? AND state_locked_until IS NULL AND NOT state_ready
		   AND (state_attempted IS NULL OR state_attempted <= ?)`),
		state, cutoff)
	if err != nil {
		return 0, fmt.Errorf("mark ready %s/%s: %w", table, state, err)
	}
	return res.RowsAffected()
}

// DeleteExpired garbage-collects terminal rows older than age.
func (s *Store) DeleteExpired(ctx context.Context, table, state string, age time.Duration) (int64, error) {
	if err := checkTable(table); err != nil {
		return 0, err
	}
	cutoff := millis(time.Now().Add(-age))
	res, err := s.db.ExecContext(ctx, s.q(
		`DELETE FROM `+table+` WHERE state = ? AND state_changed <= ?`),
		state, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete expired %s/%s: %w", table, state, err)
	}
	return res.RowsAffected()
}

// ClearExpiredLocks recovers leases abandoned by dead workers.
func (s *Store) ClearExpiredLocks(ctx context.Context, table string) (int64, error) {
	if err := checkTable(table); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE `+table+` SET state_locked_until = NULL
		 WHERE state_locked_until IS NOT NULL AND state_locked_until <= ?`),
		millis(time.Now()))
	if err != nil {
		return 0, fmt.Errorf("clear locks %s: %w", table, err)
	}
	return res.RowsAffected()
}

// LockBatch atomically selects up to limit dispatchable rows in the given
// states, stamps their lease, and returns them. A row returned here is
// invisible to every other worker until the lease expires or is released.
func (s *Store) LockBatch(ctx context.Context, table string, states []string, limit int, lockFor time.Duration) ([]LockedRow, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	if len(states) == 0 || limit <= 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin lock batch: %w", err)
	}
	defer tx.Rollback()

	in, args := inClause(states)
	query := `SELECT id, state, state_changed FROM ` + table + `
		 WHERE state_locked_until IS NULL AND state_ready AND state IN ` + in + `
		 LIMIT ?`
	if s.driver == "postgres" {
		query += " FOR UPDATE SKIP LOCKED"
	}
	args = append(args, limit)

	rows, err := tx.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("select lock batch %s: %w", table, err)
	}

	var picked []LockedRow
	for rows.Next() {
		var r LockedRow
		var changed int64
		if err := rows.Scan(&r.Id, &r.State, &changed); err != nil {
			rows.Close()
			return nil, err
		}
		r.StateChanged = fromMillis(changed)
		picked = append(picked, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(picked) == 0 {
		return nil, tx.Commit()
	}

	lockedUntil := millis(time.Now().Add(lockFor))
	ids := make([]string, 0, len(picked))
	updArgs := []any{lockedUntil}
	for _, r := range picked {
		ids = append(ids, "?")
		updArgs = append(updArgs, r.Id)
	}
	_, err = tx.ExecContext(ctx, s.q(
		`UPDATE `+table+` SET state_locked_until = ? WHERE id IN (`+strings.Join(ids, ", ")+`)`),
		updArgs...)
	if err != nil {
		return nil, fmt.Errorf("stamp lock batch %s: %w", table, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit lock batch: %w", err)
	}
	return picked, nil
}

// Transition moves a row to a new state, releasing any lease. When
// attemptImmediately is set the row stays ready so the task loop picks it
// up without waiting for a schedule sweep.
func (s *Store) Transition(ctx context.Context, table string, id int64, to string, attemptImmediately bool) error {
	if err := checkTable(table); err != nil {
		return err
	}
	now := millis(time.Now())
	var attempted any
	if !attemptImmediately {
		attempted = now
	}
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE `+table+` SET state = ?, state_changed = ?, state_attempted = ?,
		 state_locked_until = NULL, state_ready = ? WHERE id = ?`),
		to, now, attempted, attemptImmediately, id)
	if err != nil {
		return fmt.Errorf("transition %s/%d → %s: %w", table, id, to, err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return sql.ErrNoRows
	}
	return err
}

// TransitionStale moves every unleased row that has sat in a state beyond
// age into another state, for state timeouts.
func (s *Store) TransitionStale(ctx context.Context, table, from, to string, age time.Duration, ready bool) (int64, error) {
	if err := checkTable(table); err != nil {
		return 0, err
	}
	now := millis(time.Now())
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE `+table+` SET state = ?, state_changed = ?, state_attempted = NULL,
		 state_locked_until = NULL, state_ready = ?
		 WHERE state = ? AND state_locked_until IS NULL AND state_changed <= ?`),
		to, now, ready, from, now-age.Milliseconds())
	if err != nil {
		return 0, fmt.Errorf("timeout %s/%s → %s: %w", table, from, to, err)
	}
	return res.RowsAffected()
}

// DeferAttempt records a handler attempt that produced no transition: the
// row unlocks and waits for its try interval to elapse again.
func (s *Store) DeferAttempt(ctx context.Context, table string, id int64) error {
	if err := checkTable(table); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, s.q(
		`UPDATE `+table+` SET state_attempted = ?, state_locked_until = NULL,
		 state_ready = FALSE WHERE id = ?`),
		millis(time.Now()), id)
	if err != nil {
		return fmt.Errorf("defer %s/%d: %w", table, id, err)
	}
	return nil
}

// CountQueued reports how many rows are currently eligible for dispatch.
func (s *Store) CountQueued(ctx context.Context, table string, states []string) (int64, error) {
	if err := checkTable(table); err != nil {
		return 0, err
	}
	if len(states) == 0 {
		return 0, nil
	}
	in, args := inClause(states)
	var n int64
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT COUNT(*) FROM `+table+`
		 WHERE state_ready AND state_locked_until IS NULL AND state IN `+in),
		args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count queued %s: %w", table, err)
	}
	return n, nil
}

// ReadWorkflow reads just the workflow columns of a row.
func (s *Store) ReadWorkflow(ctx context.Context, table string, id int64) (*domain.Workflow, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	var w domain.Workflow
	var changed int64
	var attempted, locked sql.NullInt64
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT state, state_changed, state_attempted, state_locked_until, state_ready
		 FROM `+table+` WHERE id = ?`), id).
		Scan(&w.State, &changed, &attempted, &locked, &w.StateReady)
	if err != nil {
		return nil, err
	}
	w.StateChanged = fromMillis(changed)
	w.StateAttempted = fromNullMillis(attempted)
	w.StateLockedUntil = fromNullMillis(locked)
	return &w, nil
}

// wfCols and wfArgs keep every INSERT's workflow columns in one place.
const wfCols = "state, state_changed, state_attempted, state_locked_until, state_ready"

func wfArgs(w domain.Workflow) []any {
	return []any{w.State, millis(w.StateChanged), millisPtr(w.StateAttempted), millisPtr(w.StateLockedUntil), w.StateReady}
}

func scanWorkflow(w *domain.Workflow, changed int64, attempted, locked sql.NullInt64) {
	w.StateChanged = fromMillis(changed)
	w.StateAttempted = fromNullMillis(attempted)
	w.StateLockedUntil = fromNullMillis(locked)
}

func inClause(values []string) (string, []any) {
	marks := make([]string, len(values))
	args := make([]any, len(values))
	for i, v := range values {
		marks[i] = "?"
		args[i] = v
	}
	return "(" + strings.Join(marks, ", ") + ")", args
}
