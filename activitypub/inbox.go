package activitypub

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/anancus/anancus/domain"
)

// announceIgnorable are object types whose Announce wrapper is Lemmy-style
// relaying noise, dropped without persistence.
var announceIgnorable = map[string]bool{
	"Like":    true,
	"Dislike": true,
	"Create":  true,
	"Undo":    true,
	"Update":  true,
}

// ReceiveInbox runs the inbound receive contract on an already-read body.
// A nil return means accepted or deliberately dropped (both respond 202);
// typed errors map to 400/401 in the web layer.
func (s *Service) ReceiveInbox(ctx context.Context, req *http.Request, body []byte) error {
	doc, err := s.ld.CanonicaliseBytes(body)
	if err != nil {
		return err
	}

	activityType := typeOf(doc)
	// Types beginning with __ are reserved for internally synthesised
	// messages and must never arrive over the wire.
	if strings.HasPrefix(activityType, "__") {
		return formatErrorf("reserved activity type %q", activityType)
	}

	actorURI := getString(doc, "actor")
	if actorURI == "" {
		return formatErrorf("activity has no actor")
	}

	// Blocked-actor short-circuit before any signature work.
	blockedDomains, err := s.store.BlockedDomainSet(ctx)
	if err != nil {
		return err
	}
	if domain.RecursivelyBlockedBy(hostOf(actorURI), blockedDomains) {
		s.logger.Debug("dropping activity from blocked domain", "actor", actorURI)
		return nil
	}
	identity, err := s.EnsureIdentity(ctx, actorURI)
	if err != nil {
		return err
	}
	if identity.Blocked() {
		s.logger.Debug("dropping activity from blocked actor", "actor", actorURI)
		return nil
	}

	// Known-ignorable wrappers.
	_, objectNode := objectOf(doc)
	if activityType == "Announce" && objectNode != nil && announceIgnorable[typeOf(objectNode)] {
		return nil
	}
	if activityType == "EmojiReact" {
		return nil
	}

	// HTTP signature: verify when we already hold the actor's key. A new
	// actor is accepted unsigned; the refresh handler fetches its key
	// before the message is processed.
	if identity.PublicKeyPem != "" {
		key, err := s.ActorKey(identity)
		if err != nil {
			return &VerificationFormatError{Detail: "stored key unusable: " + err.Error()}
		}
		if err := VerifyRequest(req, key, s.SkipDateCheck); err != nil {
			return err
		}
	}

	// LD signature: verify when we know the creator's key; strip when we
	// can't, the message may be legitimately relayed.
	if creator := LDCreator(doc); creator != "" {
		creatorActor := strings.SplitN(creator, "#", 2)[0]
		known, err := s.store.IdentityByActorURI(ctx, creatorActor)
		if err != nil {
			return err
		}
		verified := false
		if known != nil && known.PublicKeyPem != "" {
			if key, kerr := s.ActorKey(known); kerr == nil {
				if s.ld.VerifyLD(doc, key) == nil {
					verified = true
				}
			}
		}
		if !verified {
			StripLDSignature(doc)
		}
	}

	encoded, err := json.Marshal(doc)
	if err != nil {
		return formatErrorf("re-encode activity: %v", err)
	}
	msg := &domain.InboxMessage{
		Workflow: domain.NewWorkflow(domain.InboxReceived),
		Message:  string(encoded),
	}
	if err := s.store.CreateInboxMessage(ctx, msg); err != nil {
		return err
	}
	s.logger.Info("inbox message accepted", "type", activityType, "actor", actorURI, "id", msg.Id)
	return nil
}

// ProcessInboxMessage is the received handler: a tag dispatch on
// (type, object.type). Recoverable protocol errors mark the message
// errored; everything else bubbles so the engine retries.
func (s *Service) ProcessInboxMessage(ctx context.Context, id int64) (string, error) {
	msg, err := s.store.InboxMessageById(ctx, id)
	if err != nil {
		return "", err
	}
	if msg == nil {
		return domain.InboxErrored, nil
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(msg.Message), &doc); err != nil {
		s.logger.Error("stored inbox message unparseable", "id", id, "error", err)
		return domain.InboxErrored, nil
	}

	err = s.dispatchActivity(ctx, doc)
	if err == nil {
		return domain.InboxProcessed, nil
	}
	if IsTransient(err) {
		return "", nil
	}
	if IsRecoverable(err) {
		s.logger.Warn("inbox message errored",
			"id", id, "type", typeOf(doc), "error", err)
		return domain.InboxErrored, nil
	}
	return "", err
}

func (s *Service) dispatchActivity(ctx context.Context, doc map[string]any) error {
	activityType := typeOf(doc)
	objectURI, objectNode := objectOf(doc)
	objectType := ""
	if objectNode != nil {
		objectType = typeOf(objectNode)
	}

	switch activityType {
	case "Follow":
		return s.handleFollow(ctx, doc)
	case "Accept":
		return s.handleFollowResponse(ctx, doc, true)
	case "Reject":
		return s.handleFollowResponse(ctx, doc, false)
	case "Undo":
		return s.handleUndo(ctx, doc)
	case "Create":
		switch objectType {
		case "Note", "Question", "Article":
			return s.handleCreateObject(ctx, doc, objectNode)
		default:
			return formatErrorf("Create wrapping unsupported type %q", objectType)
		}
	case "Update":
		if actorTypes[objectType] || (objectType == "" && objectURI == getString(doc, "actor")) {
			return s.handleActorUpdate(ctx, doc)
		}
		switch objectType {
		case "Note", "Question", "Article":
			return s.handleUpdateObject(ctx, doc, objectNode)
		default:
			return formatErrorf("Update wrapping unsupported type %q", objectType)
		}
	case "Delete":
		return s.handleDelete(ctx, doc, objectURI, objectNode)
	case "Like":
		return s.handleInteraction(ctx, doc, domain.InteractionLike)
	case "Announce":
		return s.handleInteraction(ctx, doc, domain.InteractionBoost)
	case "Add":
		return s.handlePin(ctx, doc, true)
	case "Remove":
		return s.handlePin(ctx, doc, false)
	case "Block":
		return s.handleRemoteBlock(ctx, doc)
	case "Flag":
		return s.handleFlag(ctx, doc)
	case "Move":
		return s.handleMove(ctx, doc)
	default:
		return formatErrorf("unknown activity type %q", activityType)
	}
}
