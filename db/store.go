// Package db handles database connectivity, migrations, and data access.
// It supports both SQLite (default, no external dependencies) and
// PostgreSQL (for larger deployments).
package db

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Store wraps a database connection and provides all data access methods.
type Store struct {
	db       *sql.DB
	driver   string
	settings settingsCache
}

// Open opens a database connection. The URL can be:
//   - A file path like "anancus.db" → SQLite
//   - "sqlite://path/to/file.db" → SQLite
//   - "postgres://..." → PostgreSQL
func Open(databaseURL string) (*Store, error) {
	driver, dsn := detectDriver(databaseURL)

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if driver == "sqlite" {
		// SQLite performs best with WAL mode and a single writer.
		db.SetMaxOpenConns(1)
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
		if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
			return nil, fmt.Errorf("enable foreign_keys: %w", err)
		}
	}

	return &Store{db: db, driver: driver}, nil
}

func detectDriver(u string) (driver, dsn string) {
	if strings.HasPrefix(u, "postgres://") || strings.HasPrefix(u, "postgresql://") {
		return "postgres", u
	}
	if strings.HasPrefix(u, "sqlite://") {
		return "sqlite", strings.TrimPrefix(u, "sqlite://")
	}
	// Treat bare paths as SQLite file paths.
	return "sqlite", u
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports database reachability, for the health endpoint.
func (s *Store) Ping() error {
	return s.db.Ping()
}

// Migrate runs all pending database migrations.
func (s *Store) Migrate() error {
	slog.Info("running database migrations")
	for _, m := range commonMigrations {
		if _, err := s.db.Exec(m); err != nil {
			// Ignore "already exists" errors for idempotency.
			if strings.Contains(err.Error(), "already exists") {
				continue
			}
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	slog.Info("migrations complete")
	return nil
}

// q rewrites ?-placeholders to $n when running against PostgreSQL, so every
// query is written once in SQLite form.
func (s *Store) q(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ─── Time helpers ─────────────────────────────────────────────────────────────
//
// All timestamps persist as epoch milliseconds so both drivers round-trip
// them identically.

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func millisPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromMillis(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func nullID(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func fromNullID(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}
