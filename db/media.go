package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anancus/anancus/domain"
	"github.com/anancus/anancus/util"
)

const emojiCols = `id, ` + wfCols + `, shortcode, domain_id, local, public,
	mimetype, remote_url, local_path, object_uri, created_at`

// CreateEmoji inserts a custom emoji, unique per (shortcode, domain).
func (s *Store) CreateEmoji(ctx context.Context, e *domain.Emoji) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	args := []any{e.Id}
	args = append(args, wfArgs(e.Workflow)...)
	args = append(args, e.Shortcode, e.DomainId, e.Local, e.Public,
		e.MimeType, e.RemoteURL, e.LocalPath, e.ObjectURI, millis(e.CreatedAt))
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO emojis (`+emojiCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		args...)
	if err != nil {
		return fmt.Errorf("create emoji :%s: on %s: %w", e.Shortcode, e.DomainId, err)
	}
	return nil
}

// UpdateEmoji rewrites the media fields of an existing emoji.
func (s *Store) UpdateEmoji(ctx context.Context, e *domain.Emoji) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`UPDATE emojis SET public = ?, mimetype = ?, remote_url = ?, local_path = ?, object_uri = ?
		 WHERE id = ?`),
		e.Public, e.MimeType, e.RemoteURL, e.LocalPath, e.ObjectURI, e.Id)
	return err
}

func (s *Store) EmojiByShortcode(ctx context.Context, shortcode, domainName string) (*domain.Emoji, error) {
	row := s.db.QueryRowContext(ctx, s.q(
		`SELECT `+emojiCols+` FROM emojis WHERE shortcode = ? AND domain_id = ?`),
		shortcode, domainName)
	e, err := scanEmoji(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

func (s *Store) EmojiById(ctx context.Context, id int64) (*domain.Emoji, error) {
	row := s.db.QueryRowContext(ctx, s.q(
		`SELECT `+emojiCols+` FROM emojis WHERE id = ?`), id)
	e, err := scanEmoji(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

// PublicEmojis lists emojis exposed on outbound documents.
func (s *Store) PublicEmojis(ctx context.Context) ([]*domain.Emoji, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT `+emojiCols+` FROM emojis WHERE public ORDER BY shortcode`))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.Emoji
	for rows.Next() {
		e, err := scanEmoji(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEmoji(r rowScanner) (*domain.Emoji, error) {
	var e domain.Emoji
	var changed, created int64
	var attempted, locked sql.NullInt64
	err := r.Scan(&e.Id, &e.State, &changed, &attempted, &locked, &e.StateReady,
		&e.Shortcode, &e.DomainId, &e.Local, &e.Public,
		&e.MimeType, &e.RemoteURL, &e.LocalPath, &e.ObjectURI, &created)
	if err != nil {
		return nil, err
	}
	scanWorkflow(&e.Workflow, changed, attempted, locked)
	e.CreatedAt = fromMillis(created)
	return &e, nil
}

const hashtagCols = `id, ` + wfCols + `, name, post_count, created_at`

// TouchHashtag bumps the usage counter of a tag, creating the row on first
// use. Names are stored lowercase.
func (s *Store) TouchHashtag(ctx context.Context, name string) (*domain.Hashtag, error) {
	name = strings.ToLower(name)
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE hashtags SET post_count = post_count + 1 WHERE name = ?`), name)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		h := &domain.Hashtag{
			Id:        util.NewID(util.KindPost),
			Workflow:  domain.NewWorkflow(domain.HashtagUpdated),
			Name:      name,
			PostCount: 1,
			CreatedAt: time.Now().UTC(),
		}
		args := []any{h.Id}
		args = append(args, wfArgs(h.Workflow)...)
		args = append(args, h.Name, h.PostCount, millis(h.CreatedAt))
		if _, err := s.db.ExecContext(ctx, s.q(
			`INSERT INTO hashtags (`+hashtagCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			args...); err != nil {
			return nil, fmt.Errorf("create hashtag #%s: %w", name, err)
		}
		return h, nil
	}
	return s.HashtagByName(ctx, name)
}

func (s *Store) HashtagById(ctx context.Context, id int64) (*domain.Hashtag, error) {
	var h domain.Hashtag
	var changed, created int64
	var attempted, locked sql.NullInt64
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT `+hashtagCols+` FROM hashtags WHERE id = ?`), id).
		Scan(&h.Id, &h.State, &changed, &attempted, &locked, &h.StateReady,
			&h.Name, &h.PostCount, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	scanWorkflow(&h.Workflow, changed, attempted, locked)
	h.CreatedAt = fromMillis(created)
	return &h, nil
}

func (s *Store) HashtagByName(ctx context.Context, name string) (*domain.Hashtag, error) {
	var h domain.Hashtag
	var changed, created int64
	var attempted, locked sql.NullInt64
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT `+hashtagCols+` FROM hashtags WHERE name = ?`), strings.ToLower(name)).
		Scan(&h.Id, &h.State, &changed, &attempted, &locked, &h.StateReady,
			&h.Name, &h.PostCount, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	scanWorkflow(&h.Workflow, changed, attempted, locked)
	h.CreatedAt = fromMillis(created)
	return &h, nil
}

// CountPostsTagged recounts live posts carrying a hashtag, for the tag's
// refresh cycle. Content match only; tag rows are not joined to posts.
func (s *Store) CountPostsTagged(ctx context.Context, name string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT COUNT(*) FROM posts WHERE content LIKE ? AND state NOT IN (?, ?)`),
		"%#"+strings.ToLower(name)+"%", domain.PostDeleted, domain.PostDeletedFannedOut).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count posts tagged #%s: %w", name, err)
	}
	return n, nil
}

// SetHashtagCount overwrites a tag's usage counter after a recount.
func (s *Store) SetHashtagCount(ctx context.Context, name string, count int64) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`UPDATE hashtags SET post_count = ? WHERE name = ?`),
		count, strings.ToLower(name))
	return err
}

const attachmentCols = `id, ` + wfCols + `, post_id, mimetype, remote_url,
	local_path, name, width, height, blurhash`

// CreateAttachment inserts a media reference on a post.
func (s *Store) CreateAttachment(ctx context.Context, a *domain.PostAttachment) error {
	args := []any{a.Id}
	args = append(args, wfArgs(a.Workflow)...)
	args = append(args, a.PostId, a.MimeType, a.RemoteURL, a.LocalPath,
		a.Name, a.Width, a.Height, a.Blurhash)
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO post_attachments (`+attachmentCols+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		args...)
	if err != nil {
		return fmt.Errorf("create attachment on post %d: %w", a.PostId, err)
	}
	return nil
}

// UpdateAttachment rewrites the fetched media fields.
func (s *Store) UpdateAttachment(ctx context.Context, a *domain.PostAttachment) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`UPDATE post_attachments SET local_path = ?, width = ?, height = ?, blurhash = ?
		 WHERE id = ?`),
		a.LocalPath, a.Width, a.Height, a.Blurhash, a.Id)
	return err
}

func (s *Store) AttachmentById(ctx context.Context, id int64) (*domain.PostAttachment, error) {
	row := s.db.QueryRowContext(ctx, s.q(
		`SELECT `+attachmentCols+` FROM post_attachments WHERE id = ?`), id)
	a, err := scanAttachment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

// AttachmentsOf lists a post's media in insertion order.
func (s *Store) AttachmentsOf(ctx context.Context, postId int64) ([]*domain.PostAttachment, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT `+attachmentCols+` FROM post_attachments WHERE post_id = ? ORDER BY id`), postId)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.PostAttachment
	for rows.Next() {
		a, err := scanAttachment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// DeleteAttachmentsOf removes all media rows of a deleted post.
func (s *Store) DeleteAttachmentsOf(ctx context.Context, postId int64) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`DELETE FROM post_attachments WHERE post_id = ?`), postId)
	return err
}

func scanAttachment(r rowScanner) (*domain.PostAttachment, error) {
	var a domain.PostAttachment
	var changed int64
	var attempted, locked sql.NullInt64
	err := r.Scan(&a.Id, &a.State, &changed, &attempted, &locked, &a.StateReady,
		&a.PostId, &a.MimeType, &a.RemoteURL, &a.LocalPath,
		&a.Name, &a.Width, &a.Height, &a.Blurhash)
	if err != nil {
		return nil, err
	}
	scanWorkflow(&a.Workflow, changed, attempted, locked)
	return &a, nil
}
