package activitypub

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/anancus/anancus/db"
	"github.com/anancus/anancus/domain"
	"github.com/anancus/anancus/util"
)

const testDomain = "us.test"

func testService(t *testing.T) (*Service, *db.Store) {
	t.Helper()
	store, err := db.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := store.UpsertDomain(context.Background(), &domain.Domain{
		Domain: testDomain,
		Local:  true,
		Public: true,
	}); err != nil {
		t.Fatalf("upsert local domain: %v", err)
	}

	conf := &util.AppConfig{}
	conf.Conf.SslDomain = testDomain
	conf.Conf.MaxInboxBytes = 100 * 1024

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewService(store, NewClient("anancus-test", ""), conf, logger)
	svc.SkipDateCheck = true
	return svc, store
}

// roundTripFunc lets a test stand in for the whole remote fediverse.
type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func stubTransport(svc *Service, fn roundTripFunc) {
	svc.client.http = &http.Client{Transport: fn}
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/activity+json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func testLocalIdentity(t *testing.T, svc *Service, username string) *domain.Identity {
	t.Helper()
	i, err := svc.CreateLocalIdentity(context.Background(), username, "")
	if err != nil {
		t.Fatalf("create local identity %s: %v", username, err)
	}
	return i
}

// testRemoteIdentity seeds a fully fetched remote actor so tests can skip
// the refresh cycle.
func testRemoteIdentity(t *testing.T, store *db.Store, username, host, sharedInbox string) *domain.Identity {
	t.Helper()
	pair := util.GeneratePemKeypair()
	actorURI := "https://" + host + "/users/" + username
	now := time.Now().UTC()
	i := &domain.Identity{
		Id:             util.NewID(util.KindIdentity),
		Workflow:       domain.NewWorkflow(domain.IdentityUpdated),
		ActorURI:       actorURI,
		Username:       username,
		DomainId:       host,
		Local:          false,
		InboxURI:       actorURI + "/inbox",
		SharedInboxURI: sharedInbox,
		PublicKeyPem:   pair.Public,
		PrivateKeyPem:  pair.Private, // test-side signing only
		PublicKeyId:    actorURI + "#main-key",
		Fetched:        &now,
	}
	if err := store.UpsertDomain(context.Background(), &domain.Domain{Domain: host}); err != nil {
		t.Fatalf("upsert domain %s: %v", host, err)
	}
	if err := store.CreateIdentity(context.Background(), i); err != nil {
		t.Fatalf("create remote identity %s: %v", username, err)
	}
	return i
}

func testRemotePost(t *testing.T, store *db.Store, author *domain.Identity, uri string) *domain.Post {
	t.Helper()
	p := &domain.Post{
		Id:         util.NewID(util.KindPost),
		Workflow:   domain.NewWorkflow(domain.PostFannedOut),
		AuthorId:   author.Id,
		Local:      author.Local,
		ObjectURI:  uri,
		Visibility: domain.VisibilityPublic,
		Content:    "<p>hello</p>",
		Type:       domain.PostTypeNote,
		Published:  time.Now().UTC(),
	}
	if err := store.CreatePost(context.Background(), p); err != nil {
		t.Fatalf("create post: %v", err)
	}
	return p
}

// countReady leans on the lock batch to census rows of a model in given
// states.
func countReady(t *testing.T, store *db.Store, table string, states []string) int {
	t.Helper()
	rows, err := store.LockBatch(context.Background(), table, states, 1000, time.Minute)
	if err != nil {
		t.Fatalf("lock batch on %s: %v", table, err)
	}
	return len(rows)
}

func TestLocalPostIdFromURI(t *testing.T) {
	svc, _ := testService(t)
	id := svc.LocalPostIdFromURI("https://" + testDomain + "/post/12345/")
	if id != 12345 {
		t.Errorf("id = %d, want 12345", id)
	}
	if got := svc.LocalPostIdFromURI("https://other.test/post/12345/"); got != 0 {
		t.Errorf("foreign uri yielded id %d", got)
	}
	if got := svc.LocalPostIdFromURI("https://" + testDomain + "/@alice/"); got != 0 {
		t.Errorf("non-post uri yielded id %d", got)
	}
}

func TestSystemKeyPersists(t *testing.T) {
	svc, store := testService(t)
	ctx := context.Background()

	keyId, key, err := svc.SystemKey(ctx)
	if err != nil || key == nil {
		t.Fatalf("system key: %v", err)
	}
	if !strings.HasPrefix(keyId, svc.SystemActorURI()) {
		t.Errorf("keyId = %q", keyId)
	}

	// A second service over the same store must load the identical key.
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	conf := &util.AppConfig{}
	conf.Conf.SslDomain = testDomain
	other := NewService(store, NewClient("anancus-test", ""), conf, logger)
	_, key2, err := other.SystemKey(ctx)
	if err != nil {
		t.Fatalf("reload system key: %v", err)
	}
	if key.N.Cmp(key2.N) != 0 {
		t.Errorf("system key regenerated instead of loaded")
	}
}
