package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/anancus/anancus/domain"
)

const interactionCols = `id, ` + wfCols + `, type, identity_id, post_id, value, object_uri, published`

// CreateInteraction inserts a like, boost, vote or pin.
func (s *Store) CreateInteraction(ctx context.Context, pi *domain.PostInteraction) error {
	if pi.Published.IsZero() {
		pi.Published = time.Now().UTC()
	}
	args := []any{pi.Id}
	args = append(args, wfArgs(pi.Workflow)...)
	args = append(args, string(pi.Type), pi.IdentityId, pi.PostId, pi.Value,
		pi.ObjectURI, millis(pi.Published))
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO post_interactions (`+interactionCols+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		args...)
	if err != nil {
		return fmt.Errorf("create %s on post %d: %w", pi.Type, pi.PostId, err)
	}
	return nil
}

func (s *Store) InteractionById(ctx context.Context, id int64) (*domain.PostInteraction, error) {
	return s.oneInteraction(ctx, `WHERE id = ?`, id)
}

func (s *Store) InteractionByObjectURI(ctx context.Context, uri string) (*domain.PostInteraction, error) {
	return s.oneInteraction(ctx, `WHERE object_uri = ?`, uri)
}

// ActiveInteraction finds the live interaction of a given type from an
// identity on a post, enforcing the one-active-per-triple invariant.
func (s *Store) ActiveInteraction(ctx context.Context, identityId, postId int64, t domain.InteractionType) (*domain.PostInteraction, error) {
	in, args := inClause(domain.InteractionActiveStates)
	all := append([]any{identityId, postId, string(t)}, args...)
	return s.oneInteraction(ctx,
		`WHERE identity_id = ? AND post_id = ? AND type = ? AND state IN `+in, all...)
}

func (s *Store) oneInteraction(ctx context.Context, where string, args ...any) (*domain.PostInteraction, error) {
	row := s.db.QueryRowContext(ctx, s.q(
		`SELECT `+interactionCols+` FROM post_interactions `+where), args...)
	pi, err := scanInteraction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return pi, err
}

// InteractionsOnPost lists active interactions of one type on a post.
func (s *Store) InteractionsOnPost(ctx context.Context, postId int64, t domain.InteractionType) ([]*domain.PostInteraction, error) {
	in, args := inClause(domain.InteractionActiveStates)
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT `+interactionCols+` FROM post_interactions
		 WHERE post_id = ? AND type = ? AND state IN `+in+` ORDER BY id`),
		append([]any{postId, string(t)}, args...)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.PostInteraction
	for rows.Next() {
		pi, err := scanInteraction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pi)
	}
	return out, rows.Err()
}

// PinnedPostIds lists the posts an identity has actively pinned, newest
// pin first.
func (s *Store) PinnedPostIds(ctx context.Context, identityId int64) ([]int64, error) {
	in, args := inClause(domain.InteractionActiveStates)
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT post_id FROM post_interactions
		 WHERE identity_id = ? AND type = ? AND state IN `+in+` ORDER BY id DESC`),
		append([]any{identityId, string(domain.InteractionPin)}, args...)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func scanInteraction(r rowScanner) (*domain.PostInteraction, error) {
	var pi domain.PostInteraction
	var changed, published int64
	var attempted, locked sql.NullInt64
	var t string
	err := r.Scan(&pi.Id, &pi.State, &changed, &attempted, &locked, &pi.StateReady,
		&t, &pi.IdentityId, &pi.PostId, &pi.Value, &pi.ObjectURI, &published)
	if err != nil {
		return nil, err
	}
	scanWorkflow(&pi.Workflow, changed, attempted, locked)
	pi.Type = domain.InteractionType(t)
	pi.Published = fromMillis(published)
	return &pi, nil
}
