package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/anancus/anancus/domain"
)

const postCols = `id, ` + wfCols + `, author_id, local, object_uri, visibility,
	content, summary, sensitive, url, in_reply_to, type, type_data,
	published, edited, reply_count, like_count, boost_count`

// CreatePost inserts a post together with its addressing rows.
func (s *Store) CreatePost(ctx context.Context, p *domain.Post) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	args := []any{p.Id}
	args = append(args, wfArgs(p.Workflow)...)
	args = append(args,
		p.AuthorId, p.Local, p.ObjectURI, string(p.Visibility),
		p.Content, p.Summary, p.Sensitive, p.URL, p.InReplyTo,
		string(p.Type), p.TypeData,
		millis(p.Published), millisPtr(p.Edited),
		p.ReplyCount, p.LikeCount, p.BoostCount)

	_, err = tx.ExecContext(ctx, s.q(
		`INSERT INTO posts (`+postCols+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		args...)
	if err != nil {
		return fmt.Errorf("create post %s: %w", p.ObjectURI, err)
	}
	if err := insertTargets(ctx, tx, s, p); err != nil {
		return err
	}
	return tx.Commit()
}

// UpdatePostContent rewrites the editable fields and addressing of a post.
func (s *Store) UpdatePostContent(ctx context.Context, p *domain.Post) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, s.q(
		`UPDATE posts SET content = ?, summary = ?, sensitive = ?, visibility = ?,
		 type_data = ?, edited = ? WHERE id = ?`),
		p.Content, p.Summary, p.Sensitive, string(p.Visibility),
		p.TypeData, millisPtr(p.Edited), p.Id)
	if err != nil {
		return fmt.Errorf("update post %d: %w", p.Id, err)
	}
	if _, err := tx.ExecContext(ctx, s.q(
		`DELETE FROM post_targets WHERE post_id = ?`), p.Id); err != nil {
		return err
	}
	if err := insertTargets(ctx, tx, s, p); err != nil {
		return err
	}
	return tx.Commit()
}

func insertTargets(ctx context.Context, tx *sql.Tx, s *Store, p *domain.Post) error {
	for _, id := range p.ToIds {
		if _, err := tx.ExecContext(ctx, s.q(
			`INSERT INTO post_targets (post_id, identity_id, mention) VALUES (?, ?, FALSE)`),
			p.Id, id); err != nil {
			return fmt.Errorf("post %d target %d: %w", p.Id, id, err)
		}
	}
	for _, id := range p.MentionIds {
		if _, err := tx.ExecContext(ctx, s.q(
			`INSERT INTO post_targets (post_id, identity_id, mention) VALUES (?, ?, TRUE)`),
			p.Id, id); err != nil {
			return fmt.Errorf("post %d mention %d: %w", p.Id, id, err)
		}
	}
	return nil
}

// SetTypeData rewrites just the type payload, for vote tallies.
func (s *Store) SetTypeData(ctx context.Context, postId int64, data string) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`UPDATE posts SET type_data = ? WHERE id = ?`), data, postId)
	return err
}

// AdjustPostCounts applies deltas to the cached engagement counters.
func (s *Store) AdjustPostCounts(ctx context.Context, postId int64, replies, likes, boosts int) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`UPDATE posts SET reply_count = reply_count + ?,
		 like_count = like_count + ?, boost_count = boost_count + ? WHERE id = ?`),
		replies, likes, boosts, postId)
	return err
}

func (s *Store) PostById(ctx context.Context, id int64) (*domain.Post, error) {
	return s.onePost(ctx, `WHERE id = ?`, id)
}

func (s *Store) PostByObjectURI(ctx context.Context, uri string) (*domain.Post, error) {
	return s.onePost(ctx, `WHERE object_uri = ?`, uri)
}

func (s *Store) onePost(ctx context.Context, where string, args ...any) (*domain.Post, error) {
	row := s.db.QueryRowContext(ctx, s.q(
		`SELECT `+postCols+` FROM posts `+where), args...)
	p, err := scanPost(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadTargets(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// PostsByAuthor pages an author's posts newest first. beforeId of 0 means
// from the top.
func (s *Store) PostsByAuthor(ctx context.Context, authorId int64, states []string, beforeId int64, limit int) ([]*domain.Post, error) {
	if len(states) == 0 {
		return nil, nil
	}
	in, args := inClause(states)
	query := `SELECT ` + postCols + ` FROM posts WHERE author_id = ? AND state IN ` + in
	all := append([]any{authorId}, args...)
	if beforeId > 0 {
		query += ` AND id < ?`
		all = append(all, beforeId)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	all = append(all, limit)

	rows, err := s.db.QueryContext(ctx, s.q(query), all...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, p := range out {
		if err := s.loadTargets(ctx, p); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// RepliesTo lists local knowledge of replies to an object URI.
func (s *Store) RepliesTo(ctx context.Context, objectURI string, states []string) ([]*domain.Post, error) {
	if len(states) == 0 {
		return nil, nil
	}
	in, args := inClause(states)
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT `+postCols+` FROM posts WHERE in_reply_to = ? AND state IN `+in+` ORDER BY id`),
		append([]any{objectURI}, args...)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) CountLocalPosts(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM posts WHERE local AND state NOT IN ('deleted', 'deleted_fanned_out')`).Scan(&n)
	return n, err
}

func (s *Store) loadTargets(ctx context.Context, p *domain.Post) error {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT identity_id, mention FROM post_targets WHERE post_id = ?`), p.Id)
	if err != nil {
		return err
	}
	defer rows.Close()
	p.ToIds, p.MentionIds = nil, nil
	for rows.Next() {
		var id int64
		var mention bool
		if err := rows.Scan(&id, &mention); err != nil {
			return err
		}
		if mention {
			p.MentionIds = append(p.MentionIds, id)
		} else {
			p.ToIds = append(p.ToIds, id)
		}
	}
	return rows.Err()
}

func scanPost(r rowScanner) (*domain.Post, error) {
	var p domain.Post
	var changed, published int64
	var attempted, locked, edited sql.NullInt64
	var visibility, ptype string
	err := r.Scan(&p.Id, &p.State, &changed, &attempted, &locked, &p.StateReady,
		&p.AuthorId, &p.Local, &p.ObjectURI, &visibility,
		&p.Content, &p.Summary, &p.Sensitive, &p.URL, &p.InReplyTo,
		&ptype, &p.TypeData,
		&published, &edited, &p.ReplyCount, &p.LikeCount, &p.BoostCount)
	if err != nil {
		return nil, err
	}
	scanWorkflow(&p.Workflow, changed, attempted, locked)
	p.Visibility = domain.Visibility(visibility)
	p.Type = domain.PostType(ptype)
	p.Published = fromMillis(published)
	p.Edited = fromNullMillis(edited)
	return &p, nil
}
