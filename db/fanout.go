package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/anancus/anancus/domain"
	"github.com/anancus/anancus/util"
)

const fanOutCols = `id, ` + wfCols + `, identity_id, type,
	subject_post_id, subject_interaction_id, subject_identity_id, created_at`

// CreateFanOut inserts one delivery unit. Creation is idempotent on the
// (recipient, type, subject) tuple so a crashed fan-out handler can re-run
// without duplicating deliveries.
func (s *Store) CreateFanOut(ctx context.Context, f *domain.FanOut) (created bool, err error) {
	existing, err := s.findFanOut(ctx, f)
	if err != nil {
		return false, err
	}
	if existing != nil {
		f.Id = existing.Id
		return false, nil
	}
	if f.Id == 0 {
		f.Id = util.NewID(util.KindFanOut)
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	args := []any{f.Id}
	args = append(args, wfArgs(f.Workflow)...)
	args = append(args, f.IdentityId, string(f.Type),
		nullID(f.SubjectPostId), nullID(f.SubjectInteractionId), nullID(f.SubjectIdentityId),
		millis(f.CreatedAt))
	_, err = s.db.ExecContext(ctx, s.q(
		`INSERT INTO fan_outs (`+fanOutCols+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		args...)
	if err != nil {
		return false, fmt.Errorf("create fan-out %s for identity %d: %w", f.Type, f.IdentityId, err)
	}
	return true, nil
}

func (s *Store) findFanOut(ctx context.Context, f *domain.FanOut) (*domain.FanOut, error) {
	// SQLite spells null-safe equality "IS", PostgreSQL "IS NOT DISTINCT FROM".
	eq := "IS"
	if s.driver == "postgres" {
		eq = "IS NOT DISTINCT FROM"
	}
	row := s.db.QueryRowContext(ctx, s.q(
		`SELECT `+fanOutCols+` FROM fan_outs
		 WHERE identity_id = ? AND type = ?
		   AND subject_post_id `+eq+` ?
		   AND subject_interaction_id `+eq+` ?
		   AND subject_identity_id `+eq+` ?`),
		f.IdentityId, string(f.Type),
		nullID(f.SubjectPostId), nullID(f.SubjectInteractionId), nullID(f.SubjectIdentityId))
	out, err := scanFanOut(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return out, err
}

func (s *Store) FanOutById(ctx context.Context, id int64) (*domain.FanOut, error) {
	row := s.db.QueryRowContext(ctx, s.q(
		`SELECT `+fanOutCols+` FROM fan_outs WHERE id = ?`), id)
	f, err := scanFanOut(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return f, err
}

func scanFanOut(r rowScanner) (*domain.FanOut, error) {
	var f domain.FanOut
	var changed, created int64
	var attempted, locked, post, interaction, identity sql.NullInt64
	var t string
	err := r.Scan(&f.Id, &f.State, &changed, &attempted, &locked, &f.StateReady,
		&f.IdentityId, &t, &post, &interaction, &identity, &created)
	if err != nil {
		return nil, err
	}
	scanWorkflow(&f.Workflow, changed, attempted, locked)
	f.Type = domain.FanOutType(t)
	f.SubjectPostId = fromNullID(post)
	f.SubjectInteractionId = fromNullID(interaction)
	f.SubjectIdentityId = fromNullID(identity)
	f.CreatedAt = fromMillis(created)
	return &f, nil
}
