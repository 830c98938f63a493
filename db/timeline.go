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

const timelineCols = `id, identity_id, type, subject_post_id,
	subject_interaction_id, subject_identity_id, published`

// CreateTimelineEvent inserts a timeline row if no row with the same
// natural key exists yet. Events are derived data, so the check-then-insert
// race at worst duplicates a row a reader would de-duplicate anyway.
func (s *Store) CreateTimelineEvent(ctx context.Context, e *domain.TimelineEvent) (created bool, err error) {
	eq := "IS"
	if s.driver == "postgres" {
		eq = "IS NOT DISTINCT FROM"
	}
	var existing int64
	err = s.db.QueryRowContext(ctx, s.q(
		`SELECT id FROM timeline_events
		 WHERE identity_id = ? AND type = ?
		   AND subject_post_id `+eq+` ?
		   AND subject_interaction_id `+eq+` ?
		   AND subject_identity_id `+eq+` ?`),
		e.IdentityId, string(e.Type),
		nullID(e.SubjectPostId), nullID(e.SubjectInteractionId), nullID(e.SubjectIdentityId)).
		Scan(&existing)
	if err == nil {
		e.Id = existing
		return false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, err
	}

	if e.Id == 0 {
		e.Id = util.NewID(util.KindTimelineEvent)
	}
	if e.Published.IsZero() {
		e.Published = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, s.q(
		`INSERT INTO timeline_events (`+timelineCols+`) VALUES (?, ?, ?, ?, ?, ?, ?)`),
		e.Id, e.IdentityId, string(e.Type),
		nullID(e.SubjectPostId), nullID(e.SubjectInteractionId), nullID(e.SubjectIdentityId),
		millis(e.Published))
	if err != nil {
		return false, fmt.Errorf("create timeline event %s for %d: %w", e.Type, e.IdentityId, err)
	}
	return true, nil
}

// Timeline pages an identity's events newest first. beforeId of 0 means
// from the top.
func (s *Store) Timeline(ctx context.Context, identityId, beforeId int64, limit int) ([]*domain.TimelineEvent, error) {
	query := `SELECT ` + timelineCols + ` FROM timeline_events WHERE identity_id = ?`
	args := []any{identityId}
	if beforeId > 0 {
		query += ` AND id < ?`
		args = append(args, beforeId)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.TimelineEvent
	for rows.Next() {
		e, err := scanTimelineEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteTimelineEventsForPost removes derived rows when a post is deleted.
func (s *Store) DeleteTimelineEventsForPost(ctx context.Context, postId int64) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`DELETE FROM timeline_events WHERE subject_post_id = ?`), postId)
	return err
}

// DeleteTimelineEventsForInteraction removes derived rows when an
// interaction is undone.
func (s *Store) DeleteTimelineEventsForInteraction(ctx context.Context, interactionId int64) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`DELETE FROM timeline_events WHERE subject_interaction_id = ?`), interactionId)
	return err
}

func scanTimelineEvent(r rowScanner) (*domain.TimelineEvent, error) {
	var e domain.TimelineEvent
	var published int64
	var post, interaction, identity sql.NullInt64
	var t string
	err := r.Scan(&e.Id, &e.IdentityId, &t, &post, &interaction, &identity, &published)
	if err != nil {
		return nil, err
	}
	e.Type = domain.TimelineEventType(t)
	e.SubjectPostId = fromNullID(post)
	e.SubjectInteractionId = fromNullID(interaction)
	e.SubjectIdentityId = fromNullID(identity)
	e.Published = fromMillis(published)
	return &e, nil
}
