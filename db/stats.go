package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/anancus/anancus/domain"
)

// LoadStats reads the counters for one model, returning an empty payload
// when none have been recorded yet.
func (s *Store) LoadStats(ctx context.Context, model string) (*domain.ModelStats, error) {
	var raw string
	var updated int64
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT payload, updated FROM model_stats WHERE model = ?`), model).
		Scan(&raw, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return &domain.ModelStats{Model: model, Payload: domain.NewStatsPayload()}, nil
	}
	if err != nil {
		return nil, err
	}
	return &domain.ModelStats{
		Model:   model,
		Payload: domain.DecodeStatsPayload(raw),
		Updated: fromMillis(updated),
	}, nil
}

// SaveStats writes the counters for one model back.
func (s *Store) SaveStats(ctx context.Context, st *domain.ModelStats) error {
	st.Updated = time.Now().UTC()
	raw := st.Payload.Encode()
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE model_stats SET payload = ?, updated = ? WHERE model = ?`),
		raw, millis(st.Updated), st.Model)
	if err != nil {
		return fmt.Errorf("save stats %s: %w", st.Model, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.db.ExecContext(ctx, s.q(
			`INSERT INTO model_stats (model, payload, updated) VALUES (?, ?, ?)`),
			st.Model, raw, millis(st.Updated)); err != nil {
			return fmt.Errorf("save stats %s: %w", st.Model, err)
		}
	}
	return nil
}

// AllStats loads every model's counters, for the operator view.
func (s *Store) AllStats(ctx context.Context) ([]*domain.ModelStats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT model, payload, updated FROM model_stats ORDER BY model`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.ModelStats
	for rows.Next() {
		var model, raw string
		var updated int64
		if err := rows.Scan(&model, &raw, &updated); err != nil {
			return nil, err
		}
		out = append(out, &domain.ModelStats{
			Model:   model,
			Payload: domain.DecodeStatsPayload(raw),
			Updated: fromMillis(updated),
		})
	}
	return out, rows.Err()
}
