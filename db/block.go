package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/anancus/anancus/domain"
)

const blockCols = `id, ` + wfCols + `, source_id, target_id, uri, mute,
	include_notifications, expires, created_at`

// CreateBlock inserts a block or mute edge.
func (s *Store) CreateBlock(ctx context.Context, b *domain.Block) error {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	args := []any{b.Id}
	args = append(args, wfArgs(b.Workflow)...)
	args = append(args, b.SourceId, b.TargetId, b.URI, b.Mute,
		b.IncludeNotifications, millisPtr(b.Expires), millis(b.CreatedAt))
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO blocks (`+blockCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		args...)
	if err != nil {
		return fmt.Errorf("create block %d→%d: %w", b.SourceId, b.TargetId, err)
	}
	return nil
}

func (s *Store) BlockById(ctx context.Context, id int64) (*domain.Block, error) {
	return s.oneBlock(ctx, `WHERE id = ?`, id)
}

func (s *Store) BlockByURI(ctx context.Context, uri string) (*domain.Block, error) {
	return s.oneBlock(ctx, `WHERE uri = ?`, uri)
}

// BlockBetween fetches the block or mute edge from source to target.
func (s *Store) BlockBetween(ctx context.Context, sourceId, targetId int64, mute bool) (*domain.Block, error) {
	return s.oneBlock(ctx, `WHERE source_id = ? AND target_id = ? AND mute = ?`,
		sourceId, targetId, mute)
}

func (s *Store) oneBlock(ctx context.Context, where string, args ...any) (*domain.Block, error) {
	row := s.db.QueryRowContext(ctx, s.q(
		`SELECT `+blockCols+` FROM blocks `+where), args...)
	b, err := scanBlock(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return b, err
}

// BlocksAgainst lists every edge targeting an identity, in any direction of
// mute-ness; callers filter with Active().
func (s *Store) BlocksAgainst(ctx context.Context, targetId int64) ([]*domain.Block, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT `+blockCols+` FROM blocks WHERE target_id = ?`), targetId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.Block
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// AnyActiveBlock reports whether either identity blocks the other.
func (s *Store) AnyActiveBlock(ctx context.Context, a, b int64) (bool, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT `+blockCols+` FROM blocks
		 WHERE NOT mute AND ((source_id = ? AND target_id = ?) OR (source_id = ? AND target_id = ?))`),
		a, b, b, a)
	if err != nil {
		return false, err
	}
	defer rows.Close()
	for rows.Next() {
		blk, err := scanBlock(rows)
		if err != nil {
			return false, err
		}
		if blk.Active() {
			return true, nil
		}
	}
	return false, rows.Err()
}

func scanBlock(r rowScanner) (*domain.Block, error) {
	var b domain.Block
	var changed, created int64
	var attempted, locked, expires sql.NullInt64
	err := r.Scan(&b.Id, &b.State, &changed, &attempted, &locked, &b.StateReady,
		&b.SourceId, &b.TargetId, &b.URI, &b.Mute,
		&b.IncludeNotifications, &expires, &created)
	if err != nil {
		return nil, err
	}
	scanWorkflow(&b.Workflow, changed, attempted, locked)
	b.Expires = fromNullMillis(expires)
	b.CreatedAt = fromMillis(created)
	return &b, nil
}
