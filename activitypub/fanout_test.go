package activitypub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/anancus/anancus/db"
	"github.com/anancus/anancus/domain"
	"github.com/anancus/anancus/util"
)

func seedAcceptedFollow(t *testing.T, store *db.Store, source, target *domain.Identity) *domain.Follow {
	t.Helper()
	id := util.NewID(util.KindFollow)
	f := &domain.Follow{
		Id:       id,
		Workflow: domain.NewWorkflow(domain.FollowAccepted),
		SourceId: source.Id,
		TargetId: target.Id,
		URI:      fmt.Sprintf("https://%s/follow/%d/", source.DomainId, id),
		Boosts:   true,
	}
	if err := store.CreateFollow(context.Background(), f); err != nil {
		t.Fatalf("seed follow: %v", err)
	}
	return f
}

func TestFanOutCollapsesSharedInboxes(t *testing.T) {
	svc, store := testService(t)
	ctx := context.Background()
	alice := testLocalIdentity(t, svc, "alice")

	shared := "https://peer.test/inbox"
	u1 := testRemoteIdentity(t, store, "u1", "peer.test", shared)
	u2 := testRemoteIdentity(t, store, "u2", "peer.test", shared)
	u3 := testRemoteIdentity(t, store, "u3", "elsewhere.test", "")
	for _, follower := range []*domain.Identity{u1, u2, u3} {
		seedAcceptedFollow(t, store, follower, alice)
	}

	post := testRemotePost(t, store, alice, svc.PostURI(util.NewID(util.KindPost)))
	state, err := svc.fanOutPost(ctx, post.Id)
	if err != nil || state != domain.PostFannedOut {
		t.Fatalf("fan out = %q, %v", state, err)
	}

	// u1 and u2 collapse to one delivery through their shared inbox.
	if n := countReady(t, store, "fan_outs", []string{domain.FanOutNew}); n != 2 {
		t.Errorf("fan-outs = %d, want 2", n)
	}
}

func TestDeliverFanOutPostsToSharedInbox(t *testing.T) {
	svc, store := testService(t)
	ctx := context.Background()
	alice := testLocalIdentity(t, svc, "alice")
	shared := "https://peer.test/inbox"
	bob := testRemoteIdentity(t, store, "bob", "peer.test", shared)
	seedAcceptedFollow(t, store, bob, alice)

	post := testRemotePost(t, store, alice, svc.PostURI(util.NewID(util.KindPost)))
	if _, err := svc.fanOutPost(ctx, post.Id); err != nil {
		t.Fatalf("fan out: %v", err)
	}
	rows := lockedFanOuts(t, store)
	if len(rows) != 1 {
		t.Fatalf("fan-outs = %d, want 1", len(rows))
	}

	var gotURL string
	var delivered map[string]any
	stubTransport(svc, func(req *http.Request) (*http.Response, error) {
		gotURL = req.URL.String()
		delivered = map[string]any{}
		if err := json.NewDecoder(req.Body).Decode(&delivered); err != nil {
			t.Errorf("decode delivery: %v", err)
		}
		return jsonResponse(202, ""), nil
	})

	state, err := svc.DeliverFanOut(ctx, rows[0].Id)
	if err != nil || state != domain.FanOutSent {
		t.Fatalf("deliver = %q, %v", state, err)
	}
	if gotURL != shared {
		t.Errorf("delivered to %q, want shared inbox", gotURL)
	}
	if delivered["type"] != "Create" {
		t.Errorf("delivered type = %v", delivered["type"])
	}
	// Outbound Creates carry an LD signature so relays can forward them.
	if delivered["signature"] == nil {
		t.Errorf("delivered Create has no LD signature")
	}
}

func TestDeliverFanOutRetriesOnServerError(t *testing.T) {
	svc, store := testService(t)
	ctx := context.Background()
	alice := testLocalIdentity(t, svc, "alice")
	bob := testRemoteIdentity(t, store, "bob", "peer.test", "")
	seedAcceptedFollow(t, store, bob, alice)

	post := testRemotePost(t, store, alice, svc.PostURI(util.NewID(util.KindPost)))
	if _, err := svc.fanOutPost(ctx, post.Id); err != nil {
		t.Fatalf("fan out: %v", err)
	}
	rows := lockedFanOuts(t, store)
	if len(rows) != 1 {
		t.Fatalf("fan-outs = %d, want 1", len(rows))
	}

	stubTransport(svc, func(req *http.Request) (*http.Response, error) {
		return jsonResponse(503, ""), nil
	})
	state, err := svc.DeliverFanOut(ctx, rows[0].Id)
	if err != nil {
		t.Fatalf("transient failure bubbled: %v", err)
	}
	if state != "" {
		t.Errorf("state = %q, want empty for retry", state)
	}

	// A refusal is terminal instead.
	stubTransport(svc, func(req *http.Request) (*http.Response, error) {
		return jsonResponse(403, ""), nil
	})
	state, err = svc.DeliverFanOut(ctx, rows[0].Id)
	if err != nil || state != domain.FanOutFailed {
		t.Fatalf("refused delivery = %q, %v", state, err)
	}
}

func TestDeliverFanOutSkipsNewlyBlockedDomain(t *testing.T) {
	svc, store := testService(t)
	ctx := context.Background()
	alice := testLocalIdentity(t, svc, "alice")
	bob := testRemoteIdentity(t, store, "bob", "peer.test", "")
	seedAcceptedFollow(t, store, bob, alice)

	post := testRemotePost(t, store, alice, svc.PostURI(util.NewID(util.KindPost)))
	if _, err := svc.fanOutPost(ctx, post.Id); err != nil {
		t.Fatalf("fan out: %v", err)
	}
	rows := lockedFanOuts(t, store)
	if len(rows) != 1 {
		t.Fatalf("fan-outs = %d, want 1", len(rows))
	}

	// The domain is blocked between queueing and delivery.
	if err := store.UpsertDomain(ctx, &domain.Domain{Domain: "peer.test", Blocked: true}); err != nil {
		t.Fatalf("block domain: %v", err)
	}
	stubTransport(svc, func(req *http.Request) (*http.Response, error) {
		t.Errorf("delivery attempted to blocked domain: %s", req.URL)
		return jsonResponse(202, ""), nil
	})
	state, err := svc.DeliverFanOut(ctx, rows[0].Id)
	if err != nil || state != domain.FanOutSkipped {
		t.Fatalf("deliver = %q, %v", state, err)
	}
}

func TestBlockingFollowerHearsNothing(t *testing.T) {
	svc, store := testService(t)
	ctx := context.Background()
	alice := testLocalIdentity(t, svc, "alice")
	bob := testRemoteIdentity(t, store, "bob", "peer.test", "")
	seedAcceptedFollow(t, store, bob, alice)

	// bob has since blocked alice; the follow edge alone no longer counts.
	if err := store.CreateBlock(ctx, &domain.Block{
		Id:       util.NewID(util.KindFollow),
		Workflow: domain.Workflow{State: domain.BlockSent, StateChanged: time.Now().UTC()},
		SourceId: bob.Id,
		TargetId: alice.Id,
		URI:      "https://peer.test/blocks/1",
	}); err != nil {
		t.Fatalf("create block: %v", err)
	}

	post := testRemotePost(t, store, alice, svc.PostURI(util.NewID(util.KindPost)))
	if _, err := svc.fanOutPost(ctx, post.Id); err != nil {
		t.Fatalf("fan out: %v", err)
	}
	if n := countReady(t, store, "fan_outs", []string{domain.FanOutNew}); n != 0 {
		t.Errorf("fan-outs = %d, want 0", n)
	}
}
