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

const inboxCols = `id, ` + wfCols + `, message, created_at`

// CreateInboxMessage persists a raw inbound (or synthesised) activity for
// asynchronous processing.
func (s *Store) CreateInboxMessage(ctx context.Context, m *domain.InboxMessage) error {
	if m.Id == 0 {
		m.Id = util.NewID(util.KindInboxMessage)
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	args := []any{m.Id}
	args = append(args, wfArgs(m.Workflow)...)
	args = append(args, m.Message, millis(m.CreatedAt))
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO inbox_messages (`+inboxCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		args...)
	if err != nil {
		return fmt.Errorf("create inbox message: %w", err)
	}
	return nil
}

func (s *Store) InboxMessageById(ctx context.Context, id int64) (*domain.InboxMessage, error) {
	var m domain.InboxMessage
	var changed, created int64
	var attempted, locked sql.NullInt64
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT `+inboxCols+` FROM inbox_messages WHERE id = ?`), id).
		Scan(&m.Id, &m.State, &changed, &attempted, &locked, &m.StateReady,
			&m.Message, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	scanWorkflow(&m.Workflow, changed, attempted, locked)
	m.CreatedAt = fromMillis(created)
	return &m, nil
}
