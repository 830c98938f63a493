package activitypub

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/anancus/anancus/domain"
)

// fetchMedia downloads one remote blob into the media directory and returns
// the local path. An empty media directory disables caching entirely; the
// entity keeps serving its remote URL.
func (s *Service) fetchMedia(ctx context.Context, subdir, name, remoteURL string) (string, error) {
	dir := s.conf.Conf.MediaDir
	if dir == "" {
		return "", nil
	}
	body, err := s.client.Get(ctx, remoteURL, "", nil)
	if err != nil {
		return "", err
	}
	target := filepath.Join(dir, subdir)
	if err := os.MkdirAll(target, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(target, name)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// extFor maps a mimetype onto a file extension for cached blobs.
func extFor(mimeType string) string {
	if _, sub, ok := strings.Cut(mimeType, "/"); ok && sub != "" {
		return "." + sub
	}
	return ""
}

// fetchAttachment is the post_attachments "new" handler: pull the blob into
// the local media store. Remotes that refuse the fetch still leave a usable
// row; the attachment keeps its remote URL.
func (s *Service) fetchAttachment(ctx context.Context, id int64) (string, error) {
	a, err := s.store.AttachmentById(ctx, id)
	if err != nil {
		return "", err
	}
	if a == nil {
		return domain.AttachmentFetched, nil
	}
	path, err := s.fetchMedia(ctx, "attachments", fmt.Sprintf("%d%s", a.Id, extFor(a.MimeType)), a.RemoteURL)
	if err != nil {
		if IsTransient(err) {
			return "", nil
		}
		if IsRecoverable(err) {
			s.logger.Warn("attachment fetch refused", "url", a.RemoteURL, "error", err)
			return domain.AttachmentFetched, nil
		}
		return "", err
	}
	if path != "" {
		a.LocalPath = path
		if err := s.store.UpdateAttachment(ctx, a); err != nil {
			return "", err
		}
	}
	return domain.AttachmentFetched, nil
}

// refreshEmoji is the emojis "outdated" handler: cache the icon locally.
func (s *Service) refreshEmoji(ctx context.Context, id int64) (string, error) {
	e, err := s.store.EmojiById(ctx, id)
	if err != nil {
		return "", err
	}
	if e == nil || e.Local || e.RemoteURL == "" {
		return domain.EmojiUpdated, nil
	}
	path, err := s.fetchMedia(ctx, "emojis", fmt.Sprintf("%d%s", e.Id, extFor(e.MimeType)), e.RemoteURL)
	if err != nil {
		if IsTransient(err) {
			return "", nil
		}
		if IsRecoverable(err) {
			s.logger.Warn("emoji fetch refused", "shortcode", e.Shortcode, "url", e.RemoteURL, "error", err)
			return domain.EmojiUpdated, nil
		}
		return "", err
	}
	if path != "" {
		e.LocalPath = path
		if err := s.store.UpdateEmoji(ctx, e); err != nil {
			return "", err
		}
	}
	return domain.EmojiUpdated, nil
}

// refreshHashtag is the hashtags "outdated" handler: recount usage after
// post deletions invalidated the incremental counter.
func (s *Service) refreshHashtag(ctx context.Context, id int64) (string, error) {
	h, err := s.store.HashtagById(ctx, id)
	if err != nil {
		return "", err
	}
	if h == nil {
		return domain.HashtagUpdated, nil
	}
	n, err := s.store.CountPostsTagged(ctx, h.Name)
	if err != nil {
		return "", err
	}
	if err := s.store.SetHashtagCount(ctx, h.Name, n); err != nil {
		return "", err
	}
	return domain.HashtagUpdated, nil
}
