package activitypub

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/anancus/anancus/domain"
	"github.com/anancus/anancus/util"
)

const (
	bobActorURI = "https://them.test/users/bob"
	bobJRD      = `{
		"subject": "acct:bob@them.test",
		"links": [
			{"rel": "self", "type": "application/activity+json", "href": "https://them.test/users/bob"}
		]
	}`
)

func bobActorJSON(publicKeyPem string) string {
	return fmt.Sprintf(`{
		"@context": ["https://www.w3.org/ns/activitystreams", "https://w3id.org/security/v1"],
		"id": %q,
		"type": "Person",
		"preferredUsername": "bob",
		"name": "Bob",
		"inbox": "https://them.test/users/bob/inbox",
		"outbox": "https://them.test/users/bob/outbox",
		"endpoints": {"sharedInbox": "https://them.test/inbox"},
		"publicKey": {
			"id": "https://them.test/users/bob#main-key",
			"owner": %q,
			"publicKeyPem": %q
		}
	}`, bobActorURI, bobActorURI, publicKeyPem)
}

func TestResolveHandleUsesHostMetaTemplate(t *testing.T) {
	svc, _ := testService(t)
	var hitDefault, hitCustom bool
	stubTransport(svc, func(req *http.Request) (*http.Response, error) {
		url := req.URL.String()
		switch {
		case strings.HasSuffix(url, "/.well-known/host-meta"):
			return jsonResponse(200, `<?xml version="1.0"?>
				<XRD xmlns="http://docs.oasis-open.org/ns/xri/xrd-1.0">
					<Link rel="lrdd" type="application/jrd+json"
						template="https://wf.them.test/lookup?resource={uri}"/>
				</XRD>`), nil
		case strings.HasPrefix(url, "https://wf.them.test/lookup?resource="):
			hitCustom = true
			return jsonResponse(200, bobJRD), nil
		case strings.Contains(url, "/.well-known/webfinger"):
			hitDefault = true
			return jsonResponse(404, ""), nil
		}
		return jsonResponse(404, ""), nil
	})

	actorURI, canonical, err := svc.ResolveHandle(context.Background(), "bob", "them.test")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if actorURI != bobActorURI || canonical != "bob@them.test" {
		t.Errorf("resolved %q as %q", actorURI, canonical)
	}
	if !hitCustom || hitDefault {
		t.Errorf("template selection: custom=%v default=%v", hitCustom, hitDefault)
	}
}

func TestResolveHandleFallsBackToDefaultPath(t *testing.T) {
	svc, _ := testService(t)
	stubTransport(svc, func(req *http.Request) (*http.Response, error) {
		url := req.URL.String()
		switch {
		case strings.HasSuffix(url, "/.well-known/host-meta"):
			return jsonResponse(404, ""), nil
		case strings.Contains(url, "/.well-known/webfinger?resource=acct%3Abob%40them.test"):
			return jsonResponse(200, bobJRD), nil
		}
		return jsonResponse(404, ""), nil
	})

	actorURI, _, err := svc.ResolveHandle(context.Background(), "bob", "them.test")
	if err != nil || actorURI != bobActorURI {
		t.Fatalf("resolve = %q, %v", actorURI, err)
	}
}

func TestEnsureIdentityCreatesOutdated(t *testing.T) {
	svc, store := testService(t)
	ctx := context.Background()

	i, err := svc.EnsureIdentity(ctx, bobActorURI)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if i.Local || i.State != domain.IdentityOutdated {
		t.Errorf("new identity = local %v state %q", i.Local, i.State)
	}
	// The host is registered as a known domain.
	d, err := store.DomainByName(ctx, "them.test")
	if err != nil || d == nil {
		t.Fatalf("domain row: %+v, %v", d, err)
	}

	// A second call returns the same row.
	again, err := svc.EnsureIdentity(ctx, bobActorURI)
	if err != nil || again.Id != i.Id {
		t.Fatalf("repeat ensure: %+v, %v", again, err)
	}
}

func TestRefreshIdentityFetchesActor(t *testing.T) {
	svc, store := testService(t)
	ctx := context.Background()

	i, err := svc.EnsureIdentity(ctx, bobActorURI)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}

	pem := util.GeneratePemKeypair().Public
	stubTransport(svc, func(req *http.Request) (*http.Response, error) {
		url := req.URL.String()
		switch {
		case url == bobActorURI:
			return jsonResponse(200, bobActorJSON(pem)), nil
		case strings.HasSuffix(url, "/.well-known/host-meta"):
			return jsonResponse(404, ""), nil
		case strings.Contains(url, "/.well-known/webfinger"):
			return jsonResponse(200, bobJRD), nil
		}
		return jsonResponse(404, ""), nil
	})

	state, err := svc.RefreshIdentity(ctx, i.Id)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if state != domain.IdentityUpdated {
		t.Errorf("state = %q", state)
	}

	got, err := store.IdentityById(ctx, i.Id)
	if err != nil || got == nil {
		t.Fatalf("reload: %v", err)
	}
	if got.Username != "bob" || got.DomainId != "them.test" {
		t.Errorf("handle = %s", got.Handle())
	}
	if got.InboxURI != "https://them.test/users/bob/inbox" {
		t.Errorf("inbox = %q", got.InboxURI)
	}
	if got.SharedInboxURI != "https://them.test/inbox" {
		t.Errorf("shared inbox = %q", got.SharedInboxURI)
	}
	if got.PublicKeyPem == "" || got.Fetched == nil {
		t.Errorf("key or fetched timestamp missing")
	}
}

func TestRefreshIdentityMarksGoneActorDeleted(t *testing.T) {
	svc, store := testService(t)
	ctx := context.Background()

	i, err := svc.EnsureIdentity(ctx, bobActorURI)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	stubTransport(svc, func(req *http.Request) (*http.Response, error) {
		return jsonResponse(410, ""), nil
	})

	state, err := svc.RefreshIdentity(ctx, i.Id)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if state != domain.IdentityDeleted {
		t.Errorf("state = %q", state)
	}
	got, _ := store.IdentityById(ctx, i.Id)
	if got == nil || got.Deleted == nil {
		t.Errorf("deleted timestamp not set")
	}
}

func TestRefreshIdentityRetriesOnTransient(t *testing.T) {
	svc, _ := testService(t)
	ctx := context.Background()

	i, err := svc.EnsureIdentity(ctx, bobActorURI)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	stubTransport(svc, func(req *http.Request) (*http.Response, error) {
		return jsonResponse(503, ""), nil
	})

	// No transition: the engine keeps the row at outdated and retries.
	state, err := svc.RefreshIdentity(ctx, i.Id)
	if err != nil || state != "" {
		t.Fatalf("transient refresh = %q, %v", state, err)
	}
}

func TestParseActorDocumentRejectsNonActors(t *testing.T) {
	doc := map[string]any{
		"id":   "https://them.test/notes/1",
		"type": "Note",
	}
	_, err := parseActorDocument("https://them.test/notes/1", doc)
	if err == nil {
		t.Fatalf("non-actor document accepted")
	}
	if !IsRecoverable(err) {
		t.Errorf("non-actor parse error is not recoverable")
	}
}
