package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/anancus/anancus/domain"
)

// systemSettingsTTL bounds how stale a cached system setting may get. Reads
// are hot (every inbound request consults the store) while writes are rare.
const systemSettingsTTL = 5 * time.Second

type settingsCache struct {
	mu     sync.Mutex
	values map[string]string
	cutoff time.Time
}

// GetSetting reads one scoped key; ok is false when the key is unset.
func (s *Store) GetSetting(ctx context.Context, scope domain.SettingScope, subjectId int64, key string) (value string, ok bool, err error) {
	err = s.db.QueryRowContext(ctx, s.q(
		`SELECT value FROM settings WHERE scope = ? AND subject_id = ? AND key = ?`),
		string(scope), subjectId, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// PutSetting writes one scoped key, invalidating the system cache when it
// touches system scope.
func (s *Store) PutSetting(ctx context.Context, scope domain.SettingScope, subjectId int64, key, value string) error {
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE settings SET value = ? WHERE scope = ? AND subject_id = ? AND key = ?`),
		value, string(scope), subjectId, key)
	if err != nil {
		return fmt.Errorf("put setting %s/%s: %w", scope, key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.db.ExecContext(ctx, s.q(
			`INSERT INTO settings (scope, subject_id, key, value) VALUES (?, ?, ?, ?)`),
			string(scope), subjectId, key, value); err != nil {
			return fmt.Errorf("put setting %s/%s: %w", scope, key, err)
		}
	}
	if scope == domain.ScopeSystem {
		s.settings.mu.Lock()
		s.settings.values = nil
		s.settings.mu.Unlock()
	}
	return nil
}

// SystemSetting reads a system-scoped key through the short-lived cache.
func (s *Store) SystemSetting(ctx context.Context, key string) (string, bool, error) {
	s.settings.mu.Lock()
	defer s.settings.mu.Unlock()
	if s.settings.values == nil || time.Now().After(s.settings.cutoff) {
		fresh, err := s.loadSystemSettings(ctx)
		if err != nil {
			return "", false, err
		}
		s.settings.values = fresh
		s.settings.cutoff = time.Now().Add(systemSettingsTTL)
	}
	v, ok := s.settings.values[key]
	return v, ok, nil
}

// SystemSettingOr reads a system setting falling back to a default.
func (s *Store) SystemSettingOr(ctx context.Context, key, fallback string) string {
	v, ok, err := s.SystemSetting(ctx, key)
	if err != nil || !ok {
		return fallback
	}
	return v
}

func (s *Store) loadSystemSettings(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT key, value FROM settings WHERE scope = ? AND subject_id = 0`),
		string(domain.ScopeSystem))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}
