package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/anancus/anancus/domain"
)

const identityCols = `id, ` + wfCols + `, actor_uri, username, domain_id, local,
	display_name, summary, icon_uri, image_uri,
	inbox_uri, shared_inbox_uri, outbox_uri, followers_uri, following_uri, featured_uri,
	public_key_pem, private_key_pem, public_key_id,
	restriction, discoverable, manually_approves, pinned_uris, metadata, fetched, deleted`

// CreateIdentity inserts a new identity row.
func (s *Store) CreateIdentity(ctx context.Context, i *domain.Identity) error {
	args := []any{i.Id}
	args = append(args, wfArgs(i.Workflow)...)
	args = append(args,
		i.ActorURI, i.Username, i.DomainId, i.Local,
		i.DisplayName, i.Summary, i.IconURI, i.ImageURI,
		i.InboxURI, i.SharedInboxURI, i.OutboxURI, i.FollowersURI, i.FollowingURI, i.FeaturedCollectionURI,
		i.PublicKeyPem, i.PrivateKeyPem, i.PublicKeyId,
		int(i.Restriction), i.Discoverable, i.ManuallyApprovesFollowers,
		encodeJSON(i.PinnedURIs, "[]"), encodeJSON(i.Metadata, "[]"),
		millisPtr(i.Fetched), millisPtr(i.Deleted))

	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO identities (`+identityCols+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		args...)
	if err != nil {
		return fmt.Errorf("create identity %s: %w", i.Handle(), err)
	}
	return nil
}

// UpdateIdentity rewrites the mutable profile fields of an identity.
func (s *Store) UpdateIdentity(ctx context.Context, i *domain.Identity) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`UPDATE identities SET
			display_name = ?, summary = ?, icon_uri = ?, image_uri = ?,
			inbox_uri = ?, shared_inbox_uri = ?, outbox_uri = ?,
			followers_uri = ?, following_uri = ?, featured_uri = ?,
			public_key_pem = ?, public_key_id = ?,
			restriction = ?, discoverable = ?, manually_approves = ?,
			pinned_uris = ?, metadata = ?, fetched = ?, deleted = ?
		 WHERE id = ?`),
		i.DisplayName, i.Summary, i.IconURI, i.ImageURI,
		i.InboxURI, i.SharedInboxURI, i.OutboxURI,
		i.FollowersURI, i.FollowingURI, i.FeaturedCollectionURI,
		i.PublicKeyPem, i.PublicKeyId,
		int(i.Restriction), i.Discoverable, i.ManuallyApprovesFollowers,
		encodeJSON(i.PinnedURIs, "[]"), encodeJSON(i.Metadata, "[]"),
		millisPtr(i.Fetched), millisPtr(i.Deleted),
		i.Id)
	if err != nil {
		return fmt.Errorf("update identity %d: %w", i.Id, err)
	}
	return nil
}

// SetRestriction applies a moderation restriction level to an identity.
func (s *Store) SetRestriction(ctx context.Context, id int64, r domain.Restriction) error {
	_, err := s.db.ExecContext(ctx, s.q(
		`UPDATE identities SET restriction = ? WHERE id = ?`), int(r), id)
	return err
}

func (s *Store) IdentityById(ctx context.Context, id int64) (*domain.Identity, error) {
	return s.oneIdentity(ctx, `WHERE id = ?`, id)
}

func (s *Store) IdentityByActorURI(ctx context.Context, uri string) (*domain.Identity, error) {
	return s.oneIdentity(ctx, `WHERE actor_uri = ?`, uri)
}

func (s *Store) IdentityByHandle(ctx context.Context, username, domainName string) (*domain.Identity, error) {
	return s.oneIdentity(ctx, `WHERE username = ? AND domain_id = ?`, username, domainName)
}

// LocalIdentityByUsername looks up a local account regardless of domain row
// naming, for webfinger and actor documents.
func (s *Store) LocalIdentityByUsername(ctx context.Context, username string) (*domain.Identity, error) {
	return s.oneIdentity(ctx, `WHERE username = ? AND local`, username)
}

func (s *Store) oneIdentity(ctx context.Context, where string, args ...any) (*domain.Identity, error) {
	row := s.db.QueryRowContext(ctx, s.q(
		`SELECT `+identityCols+` FROM identities `+where), args...)
	i, err := scanIdentity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return i, err
}

// IdentitiesById loads a batch of identities keyed by id.
func (s *Store) IdentitiesById(ctx context.Context, ids []int64) (map[int64]*domain.Identity, error) {
	out := map[int64]*domain.Identity{}
	if len(ids) == 0 {
		return out, nil
	}
	marks := ""
	args := make([]any, len(ids))
	for i, id := range ids {
		if i > 0 {
			marks += ", "
		}
		marks += "?"
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT `+identityCols+` FROM identities WHERE id IN (`+marks+`)`), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		i, err := scanIdentity(rows)
		if err != nil {
			return nil, err
		}
		out[i.Id] = i
	}
	return out, rows.Err()
}

// LocalIdentities lists every local account, for nodeinfo counts and
// identity fan-out.
func (s *Store) LocalIdentities(ctx context.Context) ([]*domain.Identity, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT `+identityCols+` FROM identities WHERE local ORDER BY id`))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.Identity
	for rows.Next() {
		i, err := scanIdentity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

func (s *Store) CountLocalIdentities(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM identities WHERE local`).Scan(&n)
	return n, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIdentity(r rowScanner) (*domain.Identity, error) {
	var i domain.Identity
	var changed int64
	var attempted, locked, fetched, deleted sql.NullInt64
	var restriction int
	var pinned, metadata string
	err := r.Scan(&i.Id, &i.State, &changed, &attempted, &locked, &i.StateReady,
		&i.ActorURI, &i.Username, &i.DomainId, &i.Local,
		&i.DisplayName, &i.Summary, &i.IconURI, &i.ImageURI,
		&i.InboxURI, &i.SharedInboxURI, &i.OutboxURI, &i.FollowersURI, &i.FollowingURI, &i.FeaturedCollectionURI,
		&i.PublicKeyPem, &i.PrivateKeyPem, &i.PublicKeyId,
		&restriction, &i.Discoverable, &i.ManuallyApprovesFollowers,
		&pinned, &metadata, &fetched, &deleted)
	if err != nil {
		return nil, err
	}
	scanWorkflow(&i.Workflow, changed, attempted, locked)
	i.Restriction = domain.Restriction(restriction)
	i.Fetched = fromNullMillis(fetched)
	i.Deleted = fromNullMillis(deleted)
	_ = json.Unmarshal([]byte(pinned), &i.PinnedURIs)
	_ = json.Unmarshal([]byte(metadata), &i.Metadata)
	return &i, nil
}

func encodeJSON(v any, empty string) string {
	b, err := json.Marshal(v)
	if err != nil || string(b) == "null" {
		return empty
	}
	return string(b)
}
