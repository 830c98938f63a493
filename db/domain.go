package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/anancus/anancus/domain"
)

const domainCols = `domain, service_domain, local, blocked, public, nodeinfo, created_at`

// UpsertDomain inserts a domain row or updates its mutable fields.
func (s *Store) UpsertDomain(ctx context.Context, d *domain.Domain) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE domains SET service_domain = ?, local = ?, blocked = ?, public = ?, nodeinfo = ?
		 WHERE domain = ?`),
		d.ServiceDomain, d.Local, d.Blocked, d.Public, d.Nodeinfo, d.Domain)
	if err != nil {
		return fmt.Errorf("upsert domain %s: %w", d.Domain, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	_, err = s.db.ExecContext(ctx, s.q(
		`INSERT INTO domains (`+domainCols+`) VALUES (?, ?, ?, ?, ?, ?, ?)`),
		d.Domain, d.ServiceDomain, d.Local, d.Blocked, d.Public, d.Nodeinfo, millis(d.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert domain %s: %w", d.Domain, err)
	}
	return nil
}

func (s *Store) DomainByName(ctx context.Context, name string) (*domain.Domain, error) {
	return s.oneDomain(ctx, `WHERE domain = ?`, name)
}

// DomainByServiceDomain resolves the display domain served by a given host,
// for actors whose webfinger lives on a different hostname.
func (s *Store) DomainByServiceDomain(ctx context.Context, host string) (*domain.Domain, error) {
	return s.oneDomain(ctx, `WHERE service_domain = ?`, host)
}

func (s *Store) LocalDomain(ctx context.Context) (*domain.Domain, error) {
	return s.oneDomain(ctx, `WHERE local`)
}

func (s *Store) oneDomain(ctx context.Context, where string, args ...any) (*domain.Domain, error) {
	var d domain.Domain
	var created int64
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT `+domainCols+` FROM domains `+where), args...).
		Scan(&d.Domain, &d.ServiceDomain, &d.Local, &d.Blocked, &d.Public, &d.Nodeinfo, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	d.CreatedAt = fromMillis(created)
	return &d, nil
}

// BlockedDomainSet loads all blocked domain names for suffix matching.
func (s *Store) BlockedDomainSet(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT domain FROM domains WHERE blocked`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out[name] = true
	}
	return out, rows.Err()
}

// KnownDomains counts federation peers, for nodeinfo.
func (s *Store) KnownDomains(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM domains WHERE NOT local`).Scan(&n)
	return n, err
}
