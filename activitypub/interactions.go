package activitypub

import (
	"context"

	"github.com/anancus/anancus/domain"
	"github.com/anancus/anancus/util"
)

// handleInteraction ingests an inbound Like or Announce. Interactions on
// posts we never stored are dropped; remotes spray them broadly.
func (s *Service) handleInteraction(ctx context.Context, doc map[string]any, t domain.InteractionType) error {
	actorURI := getString(doc, "actor")
	objectURI, _ := objectOf(doc)
	if objectURI == "" {
		return formatErrorf("%s has no object", t)
	}
	post, err := s.store.PostByObjectURI(ctx, objectURI)
	if err != nil {
		return err
	}
	if post == nil {
		s.logger.Debug("interaction on unknown post", "type", t, "object", objectURI)
		return nil
	}

	activityId := getString(doc, "id")
	if existing, err := s.store.InteractionByObjectURI(ctx, activityId); err != nil {
		return err
	} else if existing != nil {
		return nil
	}
	actor, err := s.EnsureIdentity(ctx, actorURI)
	if err != nil {
		return err
	}
	if active, err := s.store.ActiveInteraction(ctx, actor.Id, post.Id, t); err != nil {
		return err
	} else if active != nil {
		return nil
	}

	pi := &domain.PostInteraction{
		Id:         util.NewID(util.KindInteraction),
		Workflow:   domain.NewWorkflow(domain.InteractionNew),
		Type:       t,
		IdentityId: actor.Id,
		PostId:     post.Id,
		ObjectURI:  activityId,
		Published:  parsePublished(doc),
	}
	if err := s.store.CreateInteraction(ctx, pi); err != nil {
		return err
	}
	return s.bumpCounts(ctx, post.Id, t, 1)
}

// handlePin tracks Add/Remove against an actor's featured collection.
func (s *Service) handlePin(ctx context.Context, doc map[string]any, add bool) error {
	actorURI := getString(doc, "actor")
	objectURI, _ := objectOf(doc)
	if objectURI == "" {
		return formatErrorf("pin has no object")
	}
	post, err := s.store.PostByObjectURI(ctx, objectURI)
	if err != nil || post == nil {
		return err
	}
	actor, err := s.EnsureIdentity(ctx, actorURI)
	if err != nil {
		return err
	}
	author, err := s.store.IdentityById(ctx, post.AuthorId)
	if err != nil {
		return err
	}
	if author == nil || author.Id != actor.Id {
		return &ActorMismatchError{Actor: actorURI, Object: objectURI}
	}

	active, err := s.store.ActiveInteraction(ctx, actor.Id, post.Id, domain.InteractionPin)
	if err != nil {
		return err
	}
	if add {
		if active != nil {
			return nil
		}
		pi := &domain.PostInteraction{
			Id:         util.NewID(util.KindInteraction),
			Workflow:   domain.NewWorkflow(domain.InteractionNew),
			Type:       domain.InteractionPin,
			IdentityId: actor.Id,
			PostId:     post.Id,
			ObjectURI:  getString(doc, "id"),
			Published:  parsePublished(doc),
		}
		return s.store.CreateInteraction(ctx, pi)
	}
	if active == nil {
		return nil
	}
	return s.store.Transition(ctx, "post_interactions", active.Id, domain.InteractionUndone, true)
}

// undoInteraction withdraws a like, boost or vote at the remote's request.
func (s *Service) undoInteraction(ctx context.Context, actorURI, objectURI string) error {
	if objectURI == "" {
		return formatErrorf("undo interaction has no object id")
	}
	pi, err := s.store.InteractionByObjectURI(ctx, objectURI)
	if err != nil || pi == nil {
		return err
	}
	actor, err := s.store.IdentityById(ctx, pi.IdentityId)
	if err != nil {
		return err
	}
	if actor == nil || actor.ActorURI != actorURI {
		return &ActorMismatchError{Actor: actorURI, Object: objectURI}
	}
	if pi.State != domain.InteractionNew && pi.State != domain.InteractionFannedOut {
		return nil
	}
	if err := s.store.Transition(ctx, "post_interactions", pi.Id, domain.InteractionUndone, true); err != nil {
		return err
	}
	return s.bumpCounts(ctx, pi.PostId, pi.Type, -1)
}

func (s *Service) bumpCounts(ctx context.Context, postId int64, t domain.InteractionType, delta int) error {
	switch t {
	case domain.InteractionLike:
		return s.store.AdjustPostCounts(ctx, postId, 0, delta, 0)
	case domain.InteractionBoost:
		return s.store.AdjustPostCounts(ctx, postId, 0, 0, delta)
	default:
		return nil
	}
}

// ─── Local API ────────────────────────────────────────────────────────────────

// Interact records a like, boost or pin by a local identity and queues its
// delivery.
func (s *Service) Interact(ctx context.Context, actor *domain.Identity, postId int64, t domain.InteractionType) (*domain.PostInteraction, error) {
	if !actor.Local {
		return nil, formatErrorf("interaction source %s is not local", actor.ActorURI)
	}
	post, err := s.store.PostById(ctx, postId)
	if err != nil {
		return nil, err
	}
	if post == nil {
		return nil, formatErrorf("no post %d", postId)
	}
	if active, err := s.store.ActiveInteraction(ctx, actor.Id, postId, t); err != nil {
		return nil, err
	} else if active != nil {
		return active, nil
	}

	id := util.NewID(util.KindInteraction)
	pi := &domain.PostInteraction{
		Id:         id,
		Workflow:   domain.NewWorkflow(domain.InteractionNew),
		Type:       t,
		IdentityId: actor.Id,
		PostId:     postId,
		ObjectURI:  s.InteractionURI(actor.Username, id),
	}
	if err := s.store.CreateInteraction(ctx, pi); err != nil {
		return nil, err
	}
	if err := s.bumpCounts(ctx, postId, t, 1); err != nil {
		return nil, err
	}
	return pi, nil
}

// UndoInteract withdraws a local identity's active interaction.
func (s *Service) UndoInteract(ctx context.Context, actor *domain.Identity, postId int64, t domain.InteractionType) error {
	pi, err := s.store.ActiveInteraction(ctx, actor.Id, postId, t)
	if err != nil || pi == nil {
		return err
	}
	if err := s.store.Transition(ctx, "post_interactions", pi.Id, domain.InteractionUndone, true); err != nil {
		return err
	}
	return s.bumpCounts(ctx, postId, t, -1)
}

// ─── Graph handlers ───────────────────────────────────────────────────────────

// fanOutInteraction is the interaction "new" handler.
func (s *Service) fanOutInteraction(ctx context.Context, id int64) (string, error) {
	pi, actor, post, err := s.interactionParties(ctx, id)
	if err != nil || pi == nil {
		return stateOrBubble(domain.InteractionFannedOut, err)
	}
	recipients, err := s.interactionRecipients(ctx, pi, actor, post)
	if err != nil {
		return "", err
	}
	for _, r := range dedupeForDelivery(recipients) {
		if _, err := s.store.CreateFanOut(ctx, &domain.FanOut{
			Workflow:             domain.NewWorkflow(domain.FanOutNew),
			IdentityId:           r.Id,
			Type:                 domain.FanOutInteraction,
			SubjectInteractionId: &pi.Id,
		}); err != nil {
			return "", err
		}
	}
	return domain.InteractionFannedOut, nil
}

// fanOutInteractionUndo is the undone handler: derived timeline rows go,
// and remotes that saw the interaction see the Undo.
func (s *Service) fanOutInteractionUndo(ctx context.Context, id int64) (string, error) {
	pi, actor, post, err := s.interactionParties(ctx, id)
	if err != nil || pi == nil {
		return stateOrBubble(domain.InteractionUndoneFannedOut, err)
	}
	if err := s.store.DeleteTimelineEventsForInteraction(ctx, pi.Id); err != nil {
		return "", err
	}
	if actor.Local {
		recipients, err := s.interactionRecipients(ctx, pi, actor, post)
		if err != nil {
			return "", err
		}
		for _, r := range dedupeForDelivery(recipients) {
			if r.Local {
				continue
			}
			if _, err := s.store.CreateFanOut(ctx, &domain.FanOut{
				Workflow:             domain.NewWorkflow(domain.FanOutNew),
				IdentityId:           r.Id,
				Type:                 domain.FanOutUndoInteraction,
				SubjectInteractionId: &pi.Id,
			}); err != nil {
				return "", err
			}
		}
	}
	return domain.InteractionUndoneFannedOut, nil
}

func (s *Service) interactionParties(ctx context.Context, id int64) (*domain.PostInteraction, *domain.Identity, *domain.Post, error) {
	pi, err := s.store.InteractionById(ctx, id)
	if err != nil {
		return nil, nil, nil, err
	}
	if pi == nil {
		return nil, nil, nil, nil
	}
	actor, err := s.store.IdentityById(ctx, pi.IdentityId)
	if err != nil {
		return nil, nil, nil, err
	}
	post, err := s.store.PostById(ctx, pi.PostId)
	if err != nil {
		return nil, nil, nil, err
	}
	if actor == nil || post == nil {
		return nil, nil, nil, nil
	}
	return pi, actor, post, nil
}

// interactionRecipients: the post author hears about everything; boosts and
// pins additionally reach the actor's followers (boosts only those who
// asked for them). Remote-origin interactions stay on-server.
func (s *Service) interactionRecipients(ctx context.Context, pi *domain.PostInteraction, actor *domain.Identity, post *domain.Post) ([]*domain.Identity, error) {
	ids := map[int64]bool{}
	if post.AuthorId != actor.Id {
		ids[post.AuthorId] = true
	}
	if pi.Type == domain.InteractionBoost || pi.Type == domain.InteractionPin {
		follows, err := s.store.Followers(ctx, actor.Id)
		if err != nil {
			return nil, err
		}
		for _, f := range follows {
			if pi.Type == domain.InteractionBoost && !f.Boosts {
				continue
			}
			ids[f.SourceId] = true
		}
	}

	blocks, err := s.store.BlocksAgainst(ctx, actor.Id)
	if err != nil {
		return nil, err
	}
	for _, b := range blocks {
		if b.Active() {
			delete(ids, b.SourceId)
		}
	}

	keys := make([]int64, 0, len(ids))
	for id := range ids {
		keys = append(keys, id)
	}
	identities, err := s.store.IdentitiesById(ctx, keys)
	if err != nil {
		return nil, err
	}
	var out []*domain.Identity
	for _, identity := range identities {
		if identity.Deleted != nil {
			continue
		}
		if !actor.Local && !identity.Local {
			continue
		}
		out = append(out, identity)
	}
	return out, nil
}
