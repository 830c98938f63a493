package activitypub

import (
	"context"
	"crypto/rsa"
	"encoding/json"

	"github.com/anancus/anancus/domain"
	"github.com/anancus/anancus/util"
)

// deliverActivity signs and posts one activity to one identity's inbox.
// Local senders sign with their own key, everything else with the system
// actor's.
func (s *Service) deliverActivity(ctx context.Context, from, to *domain.Identity, act map[string]any) error {
	inbox := to.InboxURI
	if inbox == "" {
		inbox = to.SharedInboxURI
	}
	if inbox == "" {
		return formatErrorf("no inbox for %s", to.ActorURI)
	}

	keyId, key, err := s.senderKey(ctx, from)
	if err != nil {
		return err
	}
	body, err := json.Marshal(act)
	if err != nil {
		return formatErrorf("encode activity: %v", err)
	}
	return s.client.Post(ctx, inbox, body, keyId, key)
}

func (s *Service) senderKey(ctx context.Context, from *domain.Identity) (string, *rsa.PrivateKey, error) {
	if from != nil && from.Local && from.PrivateKeyPem != "" {
		key, err := util.ParsePrivateKey(from.PrivateKeyPem)
		if err != nil {
			return "", nil, formatErrorf("key for %s unusable: %v", from.ActorURI, err)
		}
		return from.PublicKeyId, key, nil
	}
	return s.SystemKey(ctx)
}

// DeliverFanOut is the fan-out "new" handler: a tag dispatch on
// (type, recipient locality). Local recipients get timeline rows, remote
// ones a signed POST. Anything undeliverable by construction is skipped.
func (s *Service) DeliverFanOut(ctx context.Context, id int64) (string, error) {
	f, err := s.store.FanOutById(ctx, id)
	if err != nil {
		return "", err
	}
	if f == nil {
		return domain.FanOutSkipped, nil
	}
	recipient, err := s.store.IdentityById(ctx, f.IdentityId)
	if err != nil {
		return "", err
	}
	if recipient == nil || recipient.Deleted != nil || recipient.Blocked() {
		return domain.FanOutSkipped, nil
	}

	if recipient.Local {
		return s.deliverLocal(ctx, f, recipient)
	}

	// A domain blocked after the fan-out was queued still wins.
	blockedDomains, err := s.store.BlockedDomainSet(ctx)
	if err != nil {
		return "", err
	}
	if domain.RecursivelyBlockedBy(recipient.DomainId, blockedDomains) {
		return domain.FanOutSkipped, nil
	}
	return s.deliverRemote(ctx, f, recipient)
}

// deliverLocal materialises the fan-out as timeline rows.
func (s *Service) deliverLocal(ctx context.Context, f *domain.FanOut, recipient *domain.Identity) (string, error) {
	switch f.Type {
	case domain.FanOutPost:
		if f.SubjectPostId == nil {
			return domain.FanOutSkipped, nil
		}
		post, err := s.store.PostById(ctx, *f.SubjectPostId)
		if err != nil {
			return "", err
		}
		if post == nil {
			return domain.FanOutSkipped, nil
		}
		eventType := domain.EventPost
		for _, id := range post.MentionIds {
			if id == recipient.Id {
				eventType = domain.EventMentioned
				break
			}
		}
		if _, err := s.store.CreateTimelineEvent(ctx, &domain.TimelineEvent{
			IdentityId:    recipient.Id,
			Type:          eventType,
			SubjectPostId: f.SubjectPostId,
			Published:     post.Published,
		}); err != nil {
			return "", err
		}
		return domain.FanOutSent, nil

	case domain.FanOutInteraction:
		if f.SubjectInteractionId == nil {
			return domain.FanOutSkipped, nil
		}
		pi, actor, post, err := s.interactionParties(ctx, *f.SubjectInteractionId)
		if err != nil {
			return "", err
		}
		if pi == nil {
			return domain.FanOutSkipped, nil
		}
		var eventType domain.TimelineEventType
		switch {
		case pi.Type == domain.InteractionLike && recipient.Id == post.AuthorId:
			eventType = domain.EventLiked
		case pi.Type == domain.InteractionBoost && recipient.Id == post.AuthorId:
			eventType = domain.EventBoosted
		case pi.Type == domain.InteractionBoost:
			// A boost on a follower's timeline shows the boosted post.
			eventType = domain.EventBoost
		default:
			return domain.FanOutSkipped, nil
		}
		if _, err := s.store.CreateTimelineEvent(ctx, &domain.TimelineEvent{
			IdentityId:           recipient.Id,
			Type:                 eventType,
			SubjectPostId:        &post.Id,
			SubjectInteractionId: &pi.Id,
			SubjectIdentityId:    &actor.Id,
			Published:            pi.Published,
		}); err != nil {
			return "", err
		}
		return domain.FanOutSent, nil

	case domain.FanOutPostEdited, domain.FanOutPostDeleted,
		domain.FanOutUndoInteraction,
		domain.FanOutIdentityEdited, domain.FanOutIdentityDeleted,
		domain.FanOutIdentityCreated, domain.FanOutIdentityMoved:
		// Timeline rows reference live entities; edits and teardown need no
		// local copy of their own.
		return domain.FanOutSent, nil

	default:
		return domain.FanOutSkipped, nil
	}
}

// deliverRemote renders the subject as an activity and posts it.
func (s *Service) deliverRemote(ctx context.Context, f *domain.FanOut, recipient *domain.Identity) (string, error) {
	act, sender, err := s.renderFanOut(ctx, f)
	if err != nil {
		if IsRecoverable(err) {
			s.logger.Warn("fan-out unrenderable", "id", f.Id, "type", f.Type, "error", err)
			return domain.FanOutSkipped, nil
		}
		return "", err
	}
	if act == nil || sender == nil || !sender.Local {
		return domain.FanOutSkipped, nil
	}
	if blocked, err := s.store.AnyActiveBlock(ctx, sender.Id, recipient.Id); err != nil {
		return "", err
	} else if blocked {
		return domain.FanOutSkipped, nil
	}

	// Prefer the shared inbox; the recipient row was chosen as its
	// representative during fan-out creation.
	to := *recipient
	if to.SharedInboxURI != "" {
		to.InboxURI = to.SharedInboxURI
	}
	if err := s.deliverActivity(ctx, sender, &to, act); err != nil {
		if IsTransient(err) {
			return "", nil
		}
		if IsRecoverable(err) {
			s.logger.Warn("delivery refused", "id", f.Id, "inbox", to.InboxURI, "error", err)
			return domain.FanOutFailed, nil
		}
		return "", err
	}
	return domain.FanOutSent, nil
}

// renderFanOut builds the outbound activity for a fan-out and names the
// identity it is sent as.
func (s *Service) renderFanOut(ctx context.Context, f *domain.FanOut) (map[string]any, *domain.Identity, error) {
	switch f.Type {
	case domain.FanOutPost, domain.FanOutPostEdited, domain.FanOutPostDeleted:
		if f.SubjectPostId == nil {
			return nil, nil, nil
		}
		post, author, err := s.postAndAuthor(ctx, *f.SubjectPostId)
		if err != nil || post == nil {
			return nil, nil, err
		}
		var act map[string]any
		switch f.Type {
		case domain.FanOutPost:
			act, err = s.CreateActivity(ctx, post, author)
			if err == nil {
				err = s.signAsAuthor(ctx, author, act)
			}
		case domain.FanOutPostEdited:
			act, err = s.UpdateActivity(ctx, post, author)
		default:
			act = s.DeleteActivity(post, author)
		}
		return act, author, err

	case domain.FanOutInteraction, domain.FanOutUndoInteraction:
		if f.SubjectInteractionId == nil {
			return nil, nil, nil
		}
		pi, actor, post, err := s.interactionParties(ctx, *f.SubjectInteractionId)
		if err != nil || pi == nil {
			return nil, nil, err
		}
		var act map[string]any
		if f.Type == domain.FanOutInteraction {
			act, err = s.InteractionActivity(ctx, pi, actor, post)
		} else {
			act, err = s.UndoInteractionActivity(ctx, pi, actor, post)
		}
		return act, actor, err

	case domain.FanOutIdentityEdited, domain.FanOutIdentityCreated:
		if f.SubjectIdentityId == nil {
			return nil, nil, nil
		}
		identity, err := s.store.IdentityById(ctx, *f.SubjectIdentityId)
		if err != nil || identity == nil {
			return nil, nil, err
		}
		doc := s.ActorDocument(ctx, identity)
		delete(doc, "@context")
		return s.wrap("Update", identity.ActorURI, doc), identity, nil

	case domain.FanOutIdentityDeleted:
		if f.SubjectIdentityId == nil {
			return nil, nil, nil
		}
		identity, err := s.store.IdentityById(ctx, *f.SubjectIdentityId)
		if err != nil || identity == nil {
			return nil, nil, err
		}
		act := s.wrap("Delete", identity.ActorURI, identity.ActorURI)
		return act, identity, nil

	default:
		return nil, nil, formatErrorf("cannot render fan-out type %q", f.Type)
	}
}

// signAsAuthor attaches an LD signature so the Create survives relaying.
func (s *Service) signAsAuthor(ctx context.Context, author *domain.Identity, act map[string]any) error {
	if author.PrivateKeyPem == "" {
		return nil
	}
	key, err := util.ParsePrivateKey(author.PrivateKeyPem)
	if err != nil {
		return formatErrorf("key for %s unusable: %v", author.ActorURI, err)
	}
	return s.ld.SignLD(act, author.PublicKeyId, key)
}
