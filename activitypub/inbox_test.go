package activitypub

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/anancus/anancus/db"
	"github.com/anancus/anancus/domain"
	"github.com/anancus/anancus/util"
)

// receiveActivity signs doc as from and runs it through the receive
// contract.
func receiveActivity(t *testing.T, svc *Service, from *domain.Identity, doc map[string]any) error {
	t.Helper()
	body, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal activity: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, "https://"+testDomain+"/inbox/", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/activity+json")
	if from != nil && from.PrivateKeyPem != "" {
		key, err := util.ParsePrivateKey(from.PrivateKeyPem)
		if err != nil {
			t.Fatalf("parse key: %v", err)
		}
		if err := SignRequest(req, body, from.PublicKeyId, key); err != nil {
			t.Fatalf("sign: %v", err)
		}
	}
	return svc.ReceiveInbox(context.Background(), req, body)
}

// enqueueActivity stores an already-canonical activity the way the receive
// path would, for tests exercising dispatch alone.
func enqueueActivity(t *testing.T, store *db.Store, doc map[string]any) *domain.InboxMessage {
	t.Helper()
	encoded, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	msg := &domain.InboxMessage{
		Workflow: domain.NewWorkflow(domain.InboxReceived),
		Message:  string(encoded),
	}
	if err := store.CreateInboxMessage(context.Background(), msg); err != nil {
		t.Fatalf("create inbox message: %v", err)
	}
	return msg
}

func TestReceiveInboxStoresSignedActivity(t *testing.T) {
	svc, store := testService(t)
	bob := testRemoteIdentity(t, store, "bob", "them.test", "https://them.test/inbox")

	err := receiveActivity(t, svc, bob, map[string]any{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id":       "https://them.test/activities/1",
		"type":     "Create",
		"actor":    bob.ActorURI,
		"object": map[string]any{
			"id":           "https://them.test/notes/1",
			"type":         "Note",
			"attributedTo": bob.ActorURI,
			"content":      "<p>hi</p>",
		},
	})
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if n := countReady(t, store, "inbox_messages", []string{domain.InboxReceived}); n != 1 {
		t.Errorf("stored %d inbox messages, want 1", n)
	}
}

func TestReceiveInboxRejectsBadSignature(t *testing.T) {
	svc, store := testService(t)
	bob := testRemoteIdentity(t, store, "bob", "them.test", "")

	// Sign with a key that does not match bob's stored one.
	forged := *bob
	forged.PrivateKeyPem = util.GeneratePemKeypair().Private
	err := receiveActivity(t, svc, &forged, map[string]any{
		"@context": "https://www.w3.org/ns/activitystreams",
		"type":     "Create",
		"actor":    bob.ActorURI,
		"object": map[string]any{
			"id": "https://them.test/notes/2", "type": "Note", "content": "x",
		},
	})
	var verr *VerificationError
	if !errors.As(err, &verr) {
		t.Fatalf("forged signature gave %T: %v", err, err)
	}
	if n := countReady(t, store, "inbox_messages", []string{domain.InboxReceived}); n != 0 {
		t.Errorf("forged activity was stored")
	}
}

func TestReceiveInboxMalformedBody(t *testing.T) {
	svc, _ := testService(t)
	req, _ := http.NewRequest(http.MethodPost, "https://"+testDomain+"/inbox/", bytes.NewReader([]byte("{not json")))
	err := svc.ReceiveInbox(context.Background(), req, []byte("{not json"))
	var ferr *FormatError
	if !errors.As(err, &ferr) {
		t.Fatalf("malformed body gave %T: %v", err, err)
	}
}

func TestReceiveInboxDropsBlockedDomain(t *testing.T) {
	svc, store := testService(t)
	if err := store.UpsertDomain(context.Background(), &domain.Domain{
		Domain:  "bad.test",
		Blocked: true,
	}); err != nil {
		t.Fatalf("block domain: %v", err)
	}

	err := receiveActivity(t, svc, nil, map[string]any{
		"@context": "https://www.w3.org/ns/activitystreams",
		"type":     "Create",
		"actor":    "https://bad.test/users/mallory",
		"object": map[string]any{
			"id": "https://bad.test/notes/1", "type": "Note", "content": "spam",
		},
	})
	if err != nil {
		t.Fatalf("blocked drop should answer accepted: %v", err)
	}
	if n := countReady(t, store, "inbox_messages", []string{domain.InboxReceived}); n != 0 {
		t.Errorf("blocked activity was stored")
	}
	// Drops cover subdomains of the blocked name too.
	err = receiveActivity(t, svc, nil, map[string]any{
		"@context": "https://www.w3.org/ns/activitystreams",
		"type":     "Create",
		"actor":    "https://sub.bad.test/users/mallory",
		"object": map[string]any{
			"id": "https://sub.bad.test/notes/1", "type": "Note", "content": "spam",
		},
	})
	if err != nil {
		t.Fatalf("subdomain drop: %v", err)
	}
	if n := countReady(t, store, "inbox_messages", []string{domain.InboxReceived}); n != 0 {
		t.Errorf("subdomain activity was stored")
	}
}

func TestReceiveInboxDropsAnnounceWrappingLike(t *testing.T) {
	svc, store := testService(t)
	bob := testRemoteIdentity(t, store, "bob", "them.test", "")

	err := receiveActivity(t, svc, bob, map[string]any{
		"@context": "https://www.w3.org/ns/activitystreams",
		"type":     "Announce",
		"actor":    bob.ActorURI,
		"object": map[string]any{
			"id":     "https://them.test/likes/1",
			"type":   "Like",
			"actor":  bob.ActorURI,
			"object": "https://elsewhere.test/notes/9",
		},
	})
	if err != nil {
		t.Fatalf("announce drop: %v", err)
	}
	if n := countReady(t, store, "inbox_messages", []string{domain.InboxReceived}); n != 0 {
		t.Errorf("relayed like was stored")
	}
}

func TestInboundFollowIsAcceptedAndAnswered(t *testing.T) {
	svc, store := testService(t)
	ctx := context.Background()
	alice := testLocalIdentity(t, svc, "alice")
	bob := testRemoteIdentity(t, store, "bob", "them.test", "")

	var delivered map[string]any
	stubTransport(svc, func(req *http.Request) (*http.Response, error) {
		if req.Method == http.MethodPost && req.URL.String() == bob.InboxURI {
			delivered = map[string]any{}
			if err := json.NewDecoder(req.Body).Decode(&delivered); err != nil {
				t.Errorf("decode delivery: %v", err)
			}
			return jsonResponse(202, ""), nil
		}
		return jsonResponse(404, ""), nil
	})

	err := svc.dispatchActivity(ctx, map[string]any{
		"id":     "https://them.test/follows/1",
		"type":   "Follow",
		"actor":  bob.ActorURI,
		"object": alice.ActorURI,
	})
	if err != nil {
		t.Fatalf("dispatch follow: %v", err)
	}
	follow, err := store.FollowBetween(ctx, bob.Id, alice.Id)
	if err != nil || follow == nil {
		t.Fatalf("follow row: %+v, %v", follow, err)
	}
	if follow.State != domain.FollowRemoteRequested {
		t.Fatalf("state = %q", follow.State)
	}

	// The remote_requested handler auto-accepts and posts the Accept.
	state, err := svc.acceptFollowRequest(ctx, follow.Id)
	if err != nil || state != domain.FollowAccepted {
		t.Fatalf("accept handler = %q, %v", state, err)
	}
	if delivered == nil || delivered["type"] != "Accept" {
		t.Fatalf("accept delivery = %v", delivered)
	}

	// The new follower shows up on alice's timeline.
	events, err := store.Timeline(ctx, alice.Id, 0, 10)
	if err != nil || len(events) != 1 || events[0].Type != domain.EventFollowed {
		t.Fatalf("timeline = %+v, %v", events, err)
	}
}

func TestOutboundFollowSettledByAccept(t *testing.T) {
	svc, store := testService(t)
	ctx := context.Background()
	alice := testLocalIdentity(t, svc, "alice")
	bob := testRemoteIdentity(t, store, "bob", "them.test", "")

	var followDelivered bool
	stubTransport(svc, func(req *http.Request) (*http.Response, error) {
		if req.Method == http.MethodPost && req.URL.String() == bob.InboxURI {
			followDelivered = true
			return jsonResponse(202, ""), nil
		}
		return jsonResponse(404, ""), nil
	})

	follow, err := svc.FollowActor(ctx, alice, bob.ActorURI)
	if err != nil {
		t.Fatalf("follow actor: %v", err)
	}
	if follow.State != domain.FollowUnrequested {
		t.Fatalf("state = %q", follow.State)
	}

	state, err := svc.sendFollowRequest(ctx, follow.Id)
	if err != nil || state != domain.FollowLocalRequested {
		t.Fatalf("send handler = %q, %v", state, err)
	}
	if !followDelivered {
		t.Fatalf("follow was never delivered")
	}
	if err := store.Transition(ctx, "follows", follow.Id, state, false); err != nil {
		t.Fatalf("transition: %v", err)
	}

	// The remote answers with Accept naming our follow URI.
	err = svc.dispatchActivity(ctx, map[string]any{
		"type":   "Accept",
		"actor":  bob.ActorURI,
		"object": follow.URI,
	})
	if err != nil {
		t.Fatalf("dispatch accept: %v", err)
	}
	got, _ := store.FollowById(ctx, follow.Id)
	if got == nil || got.State != domain.FollowAccepted {
		t.Fatalf("follow after accept = %+v", got)
	}
}

func TestFollowResponseFromWrongActorRejected(t *testing.T) {
	svc, store := testService(t)
	ctx := context.Background()
	alice := testLocalIdentity(t, svc, "alice")
	bob := testRemoteIdentity(t, store, "bob", "them.test", "")
	mallory := testRemoteIdentity(t, store, "mallory", "evil.test", "")

	follow, err := svc.FollowActor(ctx, alice, bob.ActorURI)
	if err != nil {
		t.Fatalf("follow actor: %v", err)
	}
	if err := store.Transition(ctx, "follows", follow.Id, domain.FollowLocalRequested, false); err != nil {
		t.Fatalf("transition: %v", err)
	}

	err = svc.dispatchActivity(ctx, map[string]any{
		"type":   "Accept",
		"actor":  mallory.ActorURI,
		"object": follow.URI,
	})
	var mismatch *ActorMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("foreign accept gave %T: %v", err, err)
	}
	got, _ := store.FollowById(ctx, follow.Id)
	if got.State != domain.FollowLocalRequested {
		t.Fatalf("follow state moved to %q", got.State)
	}
}

func TestInboundCreateNoteReachesFollowerTimeline(t *testing.T) {
	svc, store := testService(t)
	ctx := context.Background()
	alice := testLocalIdentity(t, svc, "alice")
	bob := testRemoteIdentity(t, store, "bob", "them.test", "")

	// alice already follows bob.
	if err := store.CreateFollow(ctx, &domain.Follow{
		Id:       util.NewID(util.KindFollow),
		Workflow: domain.NewWorkflow(domain.FollowAccepted),
		SourceId: alice.Id,
		TargetId: bob.Id,
		URI:      "https://" + testDomain + "/@alice/follow/1/",
		Boosts:   true,
	}); err != nil {
		t.Fatalf("create follow: %v", err)
	}

	msg := enqueueActivity(t, store, map[string]any{
		"type":  "Create",
		"actor": bob.ActorURI,
		"object": map[string]any{
			"id":           "https://them.test/notes/7",
			"type":         "Note",
			"attributedTo": bob.ActorURI,
			"content":      "<p>hello fediverse</p>",
			"to":           []any{"https://www.w3.org/ns/activitystreams#Public"},
		},
	})
	state, err := svc.ProcessInboxMessage(ctx, msg.Id)
	if err != nil || state != domain.InboxProcessed {
		t.Fatalf("process = %q, %v", state, err)
	}

	post, err := store.PostByObjectURI(ctx, "https://them.test/notes/7")
	if err != nil || post == nil {
		t.Fatalf("post row: %v", err)
	}
	if post.State != domain.PostNew || post.Visibility != domain.VisibilityPublic {
		t.Fatalf("post = state %q visibility %q", post.State, post.Visibility)
	}

	// Drive the post and fan-out handlers the way the engine would.
	state, err = svc.fanOutPost(ctx, post.Id)
	if err != nil || state != domain.PostFannedOut {
		t.Fatalf("fan out post = %q, %v", state, err)
	}
	rows := lockedFanOuts(t, store)
	if len(rows) != 1 {
		t.Fatalf("fan-outs = %d, want 1 (alice)", len(rows))
	}
	state, err = svc.DeliverFanOut(ctx, rows[0].Id)
	if err != nil || state != domain.FanOutSent {
		t.Fatalf("deliver = %q, %v", state, err)
	}

	events, err := store.Timeline(ctx, alice.Id, 0, 10)
	if err != nil || len(events) != 1 {
		t.Fatalf("timeline = %+v, %v", events, err)
	}
	if events[0].Type != domain.EventPost || *events[0].SubjectPostId != post.Id {
		t.Fatalf("event = %+v", events[0])
	}
}

func lockedFanOuts(t *testing.T, store *db.Store) []db.LockedRow {
	t.Helper()
	rows, err := store.LockBatch(context.Background(), "fan_outs", []string{domain.FanOutNew}, 100, time.Minute)
	if err != nil {
		t.Fatalf("lock fan-outs: %v", err)
	}
	return rows
}

func TestEmojiTagEntersOutdated(t *testing.T) {
	svc, store := testService(t)
	ctx := context.Background()
	bob := testRemoteIdentity(t, store, "bob", "them.test", "")

	msg := enqueueActivity(t, store, map[string]any{
		"type":  "Create",
		"actor": bob.ActorURI,
		"object": map[string]any{
			"id":           "https://them.test/notes/8",
			"type":         "Note",
			"attributedTo": bob.ActorURI,
			"content":      "<p>:blobcat:</p>",
			"tag": []any{
				map[string]any{
					"type": "Emoji",
					"id":   "https://them.test/emojis/blobcat",
					"name": ":blobcat:",
					"icon": map[string]any{
						"type":      "Image",
						"mediaType": "image/png",
						"url":       "https://them.test/media/blobcat.png",
					},
				},
			},
		},
	})
	state, err := svc.ProcessInboxMessage(ctx, msg.Id)
	if err != nil || state != domain.InboxProcessed {
		t.Fatalf("process = %q, %v", state, err)
	}

	emoji, err := store.EmojiByShortcode(ctx, "blobcat", "them.test")
	if err != nil || emoji == nil {
		t.Fatalf("emoji row: %v", err)
	}
	if emoji.State != domain.EmojiOutdated {
		t.Errorf("emoji state = %q, want outdated", emoji.State)
	}
	if emoji.RemoteURL != "https://them.test/media/blobcat.png" {
		t.Errorf("remote url = %q", emoji.RemoteURL)
	}
}

func TestUndoLikeRetractsInteraction(t *testing.T) {
	svc, store := testService(t)
	ctx := context.Background()
	alice := testLocalIdentity(t, svc, "alice")
	bob := testRemoteIdentity(t, store, "bob", "them.test", "")
	post := testRemotePost(t, store, alice, svc.PostURI(9001))

	err := svc.dispatchActivity(ctx, map[string]any{
		"id":     "https://them.test/likes/1",
		"type":   "Like",
		"actor":  bob.ActorURI,
		"object": post.ObjectURI,
	})
	if err != nil {
		t.Fatalf("dispatch like: %v", err)
	}
	pi, err := store.ActiveInteraction(ctx, bob.Id, post.Id, domain.InteractionLike)
	if err != nil || pi == nil {
		t.Fatalf("interaction row: %v", err)
	}
	reloaded, _ := store.PostById(ctx, post.Id)
	if reloaded.LikeCount != 1 {
		t.Fatalf("like count = %d", reloaded.LikeCount)
	}

	// Fan it out so a timeline row exists, then undo.
	if _, err := svc.fanOutInteraction(ctx, pi.Id); err != nil {
		t.Fatalf("fan out interaction: %v", err)
	}
	for _, row := range lockedFanOuts(t, store) {
		if _, err := svc.DeliverFanOut(ctx, row.Id); err != nil {
			t.Fatalf("deliver: %v", err)
		}
	}
	if events, _ := store.Timeline(ctx, alice.Id, 0, 10); len(events) != 1 {
		t.Fatalf("timeline before undo = %d events", len(events))
	}

	err = svc.dispatchActivity(ctx, map[string]any{
		"type":  "Undo",
		"actor": bob.ActorURI,
		"object": map[string]any{
			"id":     "https://them.test/likes/1",
			"type":   "Like",
			"actor":  bob.ActorURI,
			"object": post.ObjectURI,
		},
	})
	if err != nil {
		t.Fatalf("dispatch undo: %v", err)
	}
	got, _ := store.InteractionById(ctx, pi.Id)
	if got == nil || got.State != domain.InteractionUndone {
		t.Fatalf("interaction after undo = %+v", got)
	}
	reloaded, _ = store.PostById(ctx, post.Id)
	if reloaded.LikeCount != 0 {
		t.Errorf("like count after undo = %d", reloaded.LikeCount)
	}

	// The undone handler clears derived timeline rows.
	state, err := svc.fanOutInteractionUndo(ctx, pi.Id)
	if err != nil || state != domain.InteractionUndoneFannedOut {
		t.Fatalf("undo handler = %q, %v", state, err)
	}
	if events, _ := store.Timeline(ctx, alice.Id, 0, 10); len(events) != 0 {
		t.Errorf("timeline rows survived the undo")
	}
}

func TestVoteOnExpiredPollErrors(t *testing.T) {
	svc, store := testService(t)
	ctx := context.Background()
	alice := testLocalIdentity(t, svc, "alice")
	bob := testRemoteIdentity(t, store, "bob", "them.test", "")

	ended := time.Now().Add(-time.Hour).UTC()
	q := domain.QuestionData{
		Mode:    "oneOf",
		Options: []domain.QuestionOption{{Name: "yes"}, {Name: "no"}},
		EndTime: &ended,
	}
	encoded, _ := json.Marshal(q)
	postId := util.NewID(util.KindPost)
	poll := &domain.Post{
		Id:         postId,
		Workflow:   domain.NewWorkflow(domain.PostFannedOut),
		AuthorId:   alice.Id,
		Local:      true,
		ObjectURI:  svc.PostURI(postId),
		Visibility: domain.VisibilityPublic,
		Content:    "<p>poll</p>",
		Type:       domain.PostTypeQuestion,
		TypeData:   string(encoded),
		Published:  time.Now().UTC(),
	}
	if err := store.CreatePost(ctx, poll); err != nil {
		t.Fatalf("create poll: %v", err)
	}

	msg := enqueueActivity(t, store, map[string]any{
		"type":  "Create",
		"actor": bob.ActorURI,
		"object": map[string]any{
			"id":           "https://them.test/votes/1",
			"type":         "Note",
			"attributedTo": bob.ActorURI,
			"name":         "yes",
			"inReplyTo":    poll.ObjectURI,
		},
	})
	state, err := svc.ProcessInboxMessage(ctx, msg.Id)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if state != domain.InboxErrored {
		t.Errorf("state = %q, want errored", state)
	}
	if pi, _ := store.InteractionByObjectURI(ctx, "https://them.test/votes/1"); pi != nil {
		t.Errorf("expired vote was recorded")
	}
}

func TestVoteTallies(t *testing.T) {
	svc, store := testService(t)
	ctx := context.Background()
	alice := testLocalIdentity(t, svc, "alice")
	bob := testRemoteIdentity(t, store, "bob", "them.test", "")

	q := domain.QuestionData{
		Mode:    "oneOf",
		Options: []domain.QuestionOption{{Name: "yes"}, {Name: "no"}},
	}
	encoded, _ := json.Marshal(q)
	postId := util.NewID(util.KindPost)
	poll := &domain.Post{
		Id:         postId,
		Workflow:   domain.NewWorkflow(domain.PostFannedOut),
		AuthorId:   alice.Id,
		Local:      true,
		ObjectURI:  svc.PostURI(postId),
		Visibility: domain.VisibilityPublic,
		Content:    "<p>poll</p>",
		Type:       domain.PostTypeQuestion,
		TypeData:   string(encoded),
		Published:  time.Now().UTC(),
	}
	if err := store.CreatePost(ctx, poll); err != nil {
		t.Fatalf("create poll: %v", err)
	}

	vote := map[string]any{
		"type":  "Create",
		"actor": bob.ActorURI,
		"object": map[string]any{
			"id":           "https://them.test/votes/2",
			"type":         "Note",
			"attributedTo": bob.ActorURI,
			"name":         "yes",
			"inReplyTo":    poll.ObjectURI,
		},
	}
	if err := svc.dispatchActivity(ctx, vote); err != nil {
		t.Fatalf("dispatch vote: %v", err)
	}
	// Redelivery of the same vote is idempotent.
	if err := svc.dispatchActivity(ctx, vote); err != nil {
		t.Fatalf("redispatch vote: %v", err)
	}

	got, _ := store.PostById(ctx, poll.Id)
	tally, err := got.Question()
	if err != nil || tally == nil {
		t.Fatalf("question data: %v", err)
	}
	if tally.Options[0].Votes != 1 || tally.Voters != 1 {
		t.Errorf("tally = %+v", tally)
	}

	// A second choice on a oneOf poll is ignored.
	if err := svc.dispatchActivity(ctx, map[string]any{
		"type":  "Create",
		"actor": bob.ActorURI,
		"object": map[string]any{
			"id":           "https://them.test/votes/3",
			"type":         "Note",
			"attributedTo": bob.ActorURI,
			"name":         "no",
			"inReplyTo":    poll.ObjectURI,
		},
	}); err != nil {
		t.Fatalf("second vote: %v", err)
	}
	got, _ = store.PostById(ctx, poll.Id)
	tally, _ = got.Question()
	if tally.Options[1].Votes != 0 || tally.Voters != 1 {
		t.Errorf("tally after second choice = %+v", tally)
	}
}

func TestUnknownActivityTypeErrors(t *testing.T) {
	svc, store := testService(t)
	bob := testRemoteIdentity(t, store, "bob", "them.test", "")

	msg := enqueueActivity(t, store, map[string]any{
		"type":   "Juggle",
		"actor":  bob.ActorURI,
		"object": "https://them.test/balls/3",
	})
	state, err := svc.ProcessInboxMessage(context.Background(), msg.Id)
	if err != nil || state != domain.InboxErrored {
		t.Fatalf("unknown type = %q, %v", state, err)
	}
}

func TestDeleteOfUnknownObjectIgnored(t *testing.T) {
	svc, store := testService(t)
	ctx := context.Background()
	bob := testRemoteIdentity(t, store, "bob", "them.test", "")

	err := svc.dispatchActivity(ctx, map[string]any{
		"id":     "https://them.test/deletes/1",
		"type":   "Delete",
		"actor":  bob.ActorURI,
		"object": "https://them.test/notes/never-seen",
	})
	if err != nil {
		t.Fatalf("delete of unknown object: %v", err)
	}
}
