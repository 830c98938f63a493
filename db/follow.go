package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/anancus/anancus/domain"
)

const followCols = `id, ` + wfCols + `, source_id, target_id, uri, boosts, created_at`

// CreateFollow inserts a follow edge. The (source, target) pair is unique so
// a duplicate request surfaces as a constraint error.
func (s *Store) CreateFollow(ctx context.Context, f *domain.Follow) error {
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	args := []any{f.Id}
	args = append(args, wfArgs(f.Workflow)...)
	args = append(args, f.SourceId, f.TargetId, f.URI, f.Boosts, millis(f.CreatedAt))
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO follows (`+followCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		args...)
	if err != nil {
		return fmt.Errorf("create follow %d→%d: %w", f.SourceId, f.TargetId, err)
	}
	return nil
}

// SetFollowBoosts toggles boost delivery on an existing follow.
func (s *Store) SetFollowBoosts(ctx context.Context, id int64, boosts bool) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`UPDATE follows SET boosts = ? WHERE id = ?`), boosts, id)
	return err
}

func (s *Store) FollowById(ctx context.Context, id int64) (*domain.Follow, error) {
	return s.oneFollow(ctx, `WHERE id = ?`, id)
}

func (s *Store) FollowByURI(ctx context.Context, uri string) (*domain.Follow, error) {
	return s.oneFollow(ctx, `WHERE uri = ?`, uri)
}

func (s *Store) FollowBetween(ctx context.Context, sourceId, targetId int64) (*domain.Follow, error) {
	return s.oneFollow(ctx, `WHERE source_id = ? AND target_id = ?`, sourceId, targetId)
}

func (s *Store) oneFollow(ctx context.Context, where string, args ...any) (*domain.Follow, error) {
	row := s.db.QueryRowContext(ctx, s.q(
		`SELECT `+followCols+` FROM follows `+where), args...)
	f, err := scanFollow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return f, err
}

// Followers lists the accepted followers of an identity.
func (s *Store) Followers(ctx context.Context, targetId int64) ([]*domain.Follow, error) {
	return s.listFollows(ctx, `WHERE target_id = ? AND state = ?`, targetId, domain.FollowAccepted)
}

// Following lists the identities an identity has an accepted follow to.
func (s *Store) Following(ctx context.Context, sourceId int64) ([]*domain.Follow, error) {
	return s.listFollows(ctx, `WHERE source_id = ? AND state = ?`, sourceId, domain.FollowAccepted)
}

func (s *Store) listFollows(ctx context.Context, where string, args ...any) ([]*domain.Follow, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT `+followCols+` FROM follows `+where+` ORDER BY id`), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.Follow
	for rows.Next() {
		f, err := scanFollow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *Store) CountFollowers(ctx context.Context, targetId int64) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT COUNT(*) FROM follows WHERE target_id = ? AND state = ?`),
		targetId, domain.FollowAccepted).Scan(&n)
	return n, err
}

func (s *Store) CountFollowing(ctx context.Context, sourceId int64) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT COUNT(*) FROM follows WHERE source_id = ? AND state = ?`),
		sourceId, domain.FollowAccepted).Scan(&n)
	return n, err
}

func scanFollow(r rowScanner) (*domain.Follow, error) {
	var f domain.Follow
	var changed, created int64
	var attempted, locked sql.NullInt64
	err := r.Scan(&f.Id, &f.State, &changed, &attempted, &locked, &f.StateReady,
		&f.SourceId, &f.TargetId, &f.URI, &f.Boosts, &created)
	if err != nil {
		return nil, err
	}
	scanWorkflow(&f.Workflow, changed, attempted, locked)
	f.CreatedAt = fromMillis(created)
	return &f, nil
}
