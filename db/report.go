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

const reportCols = `id, source_id, source_domain, subject_id, subject_post_id,
	complaint, forward, resolved, created_at`

// CreateReport files a moderation report.
func (s *Store) CreateReport(ctx context.Context, r *domain.Report) error {
	if r.Id == 0 {
		r.Id = util.NewID(util.KindReport)
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO reports (`+reportCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		r.Id, nullID(r.SourceId), r.SourceDomain, r.SubjectId, nullID(r.SubjectPostId),
		r.Complaint, r.Forward, millisPtr(r.Resolved), millis(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("create report against %d: %w", r.SubjectId, err)
	}
	return nil
}

func (s *Store) ReportById(ctx context.Context, id int64) (*domain.Report, error) {
	row := s.db.QueryRowContext(ctx, s.q(
		`SELECT `+reportCols+` FROM reports WHERE id = ?`), id)
	r, err := scanReport(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

// OpenReports lists unresolved reports oldest first.
func (s *Store) OpenReports(ctx context.Context) ([]*domain.Report, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+reportCols+` FROM reports WHERE resolved IS NULL ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.Report
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ResolveReport stamps a report as handled.
func (s *Store) ResolveReport(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`UPDATE reports SET resolved = ? WHERE id = ? AND resolved IS NULL`),
		millis(time.Now()), id)
	return err
}

func scanReport(r rowScanner) (*domain.Report, error) {
	var rep domain.Report
	var created int64
	var source, post, resolved sql.NullInt64
	err := r.Scan(&rep.Id, &source, &rep.SourceDomain, &rep.SubjectId, &post,
		&rep.Complaint, &rep.Forward, &resolved, &created)
	if err != nil {
		return nil, err
	}
	rep.SourceId = fromNullID(source)
	rep.SubjectPostId = fromNullID(post)
	rep.Resolved = fromNullMillis(resolved)
	rep.CreatedAt = fromMillis(created)
	return &rep, nil
}
