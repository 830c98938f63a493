package web

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/anancus/anancus/activitypub"
	"github.com/anancus/anancus/db"
	"github.com/anancus/anancus/domain"
	"github.com/anancus/anancus/util"
)

const testDomain = "web.test"

func testServer(t *testing.T) (*Server, *db.Store, *activitypub.Service) {
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
	conf.Conf.MaxInboxBytes = 1024
	conf.Conf.ScheduleSecs = 5
	conf.Conf.NodeDescription = "a test node"

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := activitypub.NewService(store, activitypub.NewClient("anancus-test", ""), conf, logger)
	svc.SkipDateCheck = true
	return NewServer(store, svc, conf, logger), store, svc
}

func doRequest(t *testing.T, router *gin.Engine, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	out := map[string]any{}
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return out
}

func webLocalIdentity(t *testing.T, svc *activitypub.Service, username string) *domain.Identity {
	t.Helper()
	i, err := svc.CreateLocalIdentity(context.Background(), username, "")
	if err != nil {
		t.Fatalf("create identity %s: %v", username, err)
	}
	return i
}

func webLocalPost(t *testing.T, store *db.Store, author *domain.Identity, content string, vis domain.Visibility) *domain.Post {
	t.Helper()
	id := util.NewID(util.KindPost)
	p := &domain.Post{
		Id:         id,
		Workflow:   domain.NewWorkflow(domain.PostFannedOut),
		AuthorId:   author.Id,
		Local:      true,
		ObjectURI:  "https://" + testDomain + "/post/" + strconv.FormatInt(id, 10) + "/",
		Visibility: vis,
		Content:    content,
		Type:       domain.PostTypeNote,
		Published:  time.Now().UTC(),
	}
	if err := store.CreatePost(context.Background(), p); err != nil {
		t.Fatalf("create post: %v", err)
	}
	return p
}

func TestActorDocument(t *testing.T) {
	srv, _, svc := testServer(t)
	webLocalIdentity(t, svc, "alice")
	router := srv.Router()

	w := doRequest(t, router, http.MethodGet, "/@alice/", "", map[string]string{
		"Accept": "application/activity+json",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.Contains(ct, "activity+json") {
		t.Errorf("content type = %q", ct)
	}
	doc := decodeJSON(t, w)
	if doc["preferredUsername"] != "alice" {
		t.Errorf("preferredUsername = %v", doc["preferredUsername"])
	}
	if doc["inbox"] == nil || doc["publicKey"] == nil {
		t.Errorf("actor document missing inbox or key: %v", doc)
	}

	// Browsers get told to look elsewhere.
	w = doRequest(t, router, http.MethodGet, "/@alice/", "", map[string]string{
		"Accept": "text/html",
	})
	if w.Code != http.StatusNotAcceptable {
		t.Errorf("html accept status = %d", w.Code)
	}

	w = doRequest(t, router, http.MethodGet, "/@nobody/", "", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown handle status = %d", w.Code)
	}
}

func TestSystemActor(t *testing.T) {
	srv, _, _ := testServer(t)
	w := doRequest(t, srv.Router(), http.MethodGet, "/actor/", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	doc := decodeJSON(t, w)
	if doc["type"] != "Application" {
		t.Errorf("system actor type = %v", doc["type"])
	}
}

func TestPostObjectVisibility(t *testing.T) {
	srv, store, svc := testServer(t)
	alice := webLocalIdentity(t, svc, "alice")
	public := webLocalPost(t, store, alice, "<p>public</p>", domain.VisibilityPublic)
	private := webLocalPost(t, store, alice, "<p>private</p>", domain.VisibilityFollowers)
	router := srv.Router()

	w := doRequest(t, router, http.MethodGet,
		"/post/"+strconv.FormatInt(public.Id, 10)+"/", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("public post status = %d", w.Code)
	}
	doc := decodeJSON(t, w)
	if doc["@context"] == nil || doc["content"] != "<p>public</p>" {
		t.Errorf("post object = %v", doc)
	}

	w = doRequest(t, router, http.MethodGet,
		"/post/"+strconv.FormatInt(private.Id, 10)+"/", "", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("followers-only post status = %d", w.Code)
	}

	w = doRequest(t, router, http.MethodGet, "/post/notanumber/", "", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("garbage id status = %d", w.Code)
	}
}

func TestOutboxListsPublicOnly(t *testing.T) {
	srv, store, svc := testServer(t)
	alice := webLocalIdentity(t, svc, "alice")
	webLocalPost(t, store, alice, "<p>one</p>", domain.VisibilityPublic)
	webLocalPost(t, store, alice, "<p>two</p>", domain.VisibilityUnlisted)
	webLocalPost(t, store, alice, "<p>secret</p>", domain.VisibilityFollowers)

	w := doRequest(t, srv.Router(), http.MethodGet, "/@alice/outbox/", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	doc := decodeJSON(t, w)
	if doc["type"] != "OrderedCollection" {
		t.Errorf("type = %v", doc["type"])
	}
	items, _ := doc["orderedItems"].([]any)
	if len(items) != 2 {
		t.Errorf("items = %d, want 2 (public + unlisted)", len(items))
	}
	if doc["next"] != nil {
		t.Errorf("short outbox has a next page: %v", doc["next"])
	}
}

func TestFollowerCollectionCountOnly(t *testing.T) {
	srv, store, svc := testServer(t)
	alice := webLocalIdentity(t, svc, "alice")
	bob := webLocalIdentity(t, svc, "bob")
	if err := store.CreateFollow(context.Background(), &domain.Follow{
		Id:       util.NewID(util.KindFollow),
		Workflow: domain.NewWorkflow(domain.FollowAccepted),
		SourceId: bob.Id,
		TargetId: alice.Id,
		URI:      "https://" + testDomain + "/@bob/follow/1/",
	}); err != nil {
		t.Fatalf("create follow: %v", err)
	}

	w := doRequest(t, srv.Router(), http.MethodGet, "/@alice/followers/", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	doc := decodeJSON(t, w)
	if doc["totalItems"] != float64(1) {
		t.Errorf("totalItems = %v", doc["totalItems"])
	}
	if doc["orderedItems"] != nil {
		t.Errorf("follower collection leaks members")
	}
}

func TestFeaturedCollection(t *testing.T) {
	srv, _, svc := testServer(t)
	webLocalIdentity(t, svc, "alice")
	router := srv.Router()

	for _, path := range []string{"/@alice/featured/", "/@alice/collections/featured/"} {
		w := doRequest(t, router, http.MethodGet, path, "", nil)
		if w.Code != http.StatusOK {
			t.Errorf("%s status = %d", path, w.Code)
			continue
		}
		doc := decodeJSON(t, w)
		if doc["totalItems"] != float64(0) {
			t.Errorf("%s totalItems = %v", path, doc["totalItems"])
		}
	}
}

func TestRSSFeed(t *testing.T) {
	srv, store, svc := testServer(t)
	alice := webLocalIdentity(t, svc, "alice")
	webLocalPost(t, store, alice, "<p>hello world</p>", domain.VisibilityPublic)
	webLocalPost(t, store, alice, "<p>for followers</p>", domain.VisibilityFollowers)

	w := doRequest(t, srv.Router(), http.MethodGet, "/@alice/rss/", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.Contains(ct, "application/rss+xml") {
		t.Errorf("content type = %q", ct)
	}
	body := w.Body.String()
	if !strings.Contains(body, "hello world") {
		t.Errorf("feed missing public post")
	}
	if strings.Contains(body, "for followers") {
		t.Errorf("feed leaks non-public post")
	}
}

func TestInboxBodyLimits(t *testing.T) {
	srv, _, _ := testServer(t)
	router := srv.Router()

	oversize := strings.Repeat("a", 1025)
	w := doRequest(t, router, http.MethodPost, "/inbox/", oversize, nil)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("oversize status = %d", w.Code)
	}

	// A body of exactly the cap passes the size check and fails later,
	// on its merits.
	atCap := "{not json" + strings.Repeat(" ", 1024-len("{not json"))
	w = doRequest(t, router, http.MethodPost, "/inbox/", atCap, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("at-cap status = %d, want 400", w.Code)
	}

	w = doRequest(t, router, http.MethodPost, "/inbox/", "{not json", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("malformed status = %d", w.Code)
	}
}

func TestIdentityInboxUnknownHandle(t *testing.T) {
	srv, _, _ := testServer(t)
	w := doRequest(t, srv.Router(), http.MethodPost, "/@nobody/inbox/", "{}", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d", w.Code)
	}
}

func TestHealth(t *testing.T) {
	srv, _, _ := testServer(t)
	router := srv.Router()

	w := doRequest(t, router, http.MethodGet, "/healthz", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}

	// A runner that has not swept for over twice its interval is degraded.
	srv.SetHeartbeat(func() time.Time { return time.Now().Add(-time.Minute) })
	w = doRequest(t, router, http.MethodGet, "/healthz", "", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("stale heartbeat status = %d", w.Code)
	}
	doc := decodeJSON(t, w)
	if doc["status"] != "degraded" {
		t.Errorf("status field = %v", doc["status"])
	}

	srv.SetHeartbeat(time.Now)
	w = doRequest(t, router, http.MethodGet, "/healthz", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("fresh heartbeat status = %d", w.Code)
	}
}
