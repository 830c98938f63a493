package activitypub

import (
	"context"

	"github.com/anancus/anancus/domain"
	"github.com/anancus/anancus/util"
)

// handleFollow ingests a remote follow request against a local identity.
// The remote_requested handler decides acceptance asynchronously.
func (s *Service) handleFollow(ctx context.Context, doc map[string]any) error {
	actorURI := getString(doc, "actor")
	targetURI, _ := objectOf(doc)
	if targetURI == "" {
		return formatErrorf("follow has no object")
	}
	target, err := s.store.IdentityByActorURI(ctx, targetURI)
	if err != nil {
		return err
	}
	if target == nil || !target.Local {
		return formatErrorf("follow targets unknown local actor %q", targetURI)
	}
	source, err := s.EnsureIdentity(ctx, actorURI)
	if err != nil {
		return err
	}

	existing, err := s.store.FollowBetween(ctx, source.Id, target.Id)
	if err != nil {
		return err
	}
	if existing != nil {
		switch existing.State {
		case domain.FollowUndone, domain.FollowUndoneRemotely, domain.FollowRejected:
			// A re-follow after an undo or rejection restarts the cycle on
			// the same row.
			return s.store.Transition(ctx, "follows", existing.Id, domain.FollowRemoteRequested, true)
		default:
			return nil
		}
	}

	uri := getString(doc, "id")
	if uri == "" {
		uri = s.FollowURI(source.Username, util.NewID(util.KindFollow))
	}
	f := &domain.Follow{
		Id:       util.NewID(util.KindFollow),
		Workflow: domain.NewWorkflow(domain.FollowRemoteRequested),
		SourceId: source.Id,
		TargetId: target.Id,
		URI:      uri,
		Boosts:   true,
	}
	if err := s.store.CreateFollow(ctx, f); err != nil {
		return err
	}
	_, err = s.store.CreateTimelineEvent(ctx, &domain.TimelineEvent{
		IdentityId:        target.Id,
		Type:              domain.EventFollowed,
		SubjectIdentityId: &source.Id,
	})
	return err
}

// handleFollowResponse settles one of our pending follow requests when the
// remote Accepts or Rejects it.
func (s *Service) handleFollowResponse(ctx context.Context, doc map[string]any, accepted bool) error {
	objectURI, objectNode := objectOf(doc)
	// The object is our original Follow activity; its id is the follow URI.
	followURI := objectURI
	if followURI == "" && objectNode != nil {
		followURI = getString(objectNode, "id")
	}
	if followURI == "" {
		return formatErrorf("follow response has no object id")
	}
	follow, err := s.store.FollowByURI(ctx, followURI)
	if err != nil {
		return err
	}
	if follow == nil {
		return formatErrorf("follow response for unknown follow %q", followURI)
	}

	// Only the followed actor may settle the request.
	target, err := s.store.IdentityById(ctx, follow.TargetId)
	if err != nil {
		return err
	}
	actorURI := getString(doc, "actor")
	if target == nil || target.ActorURI != actorURI {
		return &ActorMismatchError{Actor: actorURI, Object: followURI}
	}
	if follow.State != domain.FollowLocalRequested && follow.State != domain.FollowUnrequested {
		return nil
	}

	next := domain.FollowRejected
	if accepted {
		next = domain.FollowAccepted
	}
	return s.store.Transition(ctx, "follows", follow.Id, next, false)
}

// handleUndo dispatches on the undone inner activity: follows, likes,
// boosts and blocks can all be withdrawn.
func (s *Service) handleUndo(ctx context.Context, doc map[string]any) error {
	actorURI := getString(doc, "actor")
	innerURI, innerNode := objectOf(doc)
	innerType := ""
	if innerNode != nil {
		innerType = typeOf(innerNode)
	}

	switch innerType {
	case "Follow":
		return s.undoFollow(ctx, actorURI, innerNode)
	case "Like", "Announce":
		return s.undoInteraction(ctx, actorURI, getString(innerNode, "id"))
	case "Block":
		return s.undoRemoteBlock(ctx, actorURI, getString(innerNode, "id"))
	case "":
		// Bare URI: try each withdrawable kind in turn.
		if innerURI == "" {
			return formatErrorf("undo has no object")
		}
		if follow, err := s.store.FollowByURI(ctx, innerURI); err != nil {
			return err
		} else if follow != nil {
			return s.undoFollowRow(ctx, actorURI, follow)
		}
		if pi, err := s.store.InteractionByObjectURI(ctx, innerURI); err != nil {
			return err
		} else if pi != nil {
			return s.undoInteraction(ctx, actorURI, innerURI)
		}
		return s.undoRemoteBlock(ctx, actorURI, innerURI)
	default:
		return formatErrorf("undo wrapping unsupported type %q", innerType)
	}
}

func (s *Service) undoFollow(ctx context.Context, actorURI string, innerNode map[string]any) error {
	followURI := getString(innerNode, "id")
	var follow *domain.Follow
	var err error
	if followURI != "" {
		follow, err = s.store.FollowByURI(ctx, followURI)
		if err != nil {
			return err
		}
	}
	if follow == nil {
		// Some servers resend Follow objects without the original id; fall
		// back on the (actor, object) pair.
		source, err := s.store.IdentityByActorURI(ctx, actorURI)
		if err != nil || source == nil {
			return err
		}
		target, err := s.store.IdentityByActorURI(ctx, getString(innerNode, "object"))
		if err != nil || target == nil {
			return err
		}
		follow, err = s.store.FollowBetween(ctx, source.Id, target.Id)
		if err != nil || follow == nil {
			return err
		}
	}
	return s.undoFollowRow(ctx, actorURI, follow)
}

// undoFollowRow ends a follow at the remote's request: no Undo of our own
// needs sending, so it goes straight to the terminal state.
func (s *Service) undoFollowRow(ctx context.Context, actorURI string, follow *domain.Follow) error {
	source, err := s.store.IdentityById(ctx, follow.SourceId)
	if err != nil {
		return err
	}
	if source == nil || source.ActorURI != actorURI {
		return &ActorMismatchError{Actor: actorURI, Object: follow.URI}
	}
	if follow.State == domain.FollowUndoneRemotely {
		return nil
	}
	return s.store.Transition(ctx, "follows", follow.Id, domain.FollowUndoneRemotely, false)
}

// ─── Local API ────────────────────────────────────────────────────────────────

// FollowActor starts following a remote (or local) identity on behalf of a
// local one. The unrequested handler sends the Follow activity.
func (s *Service) FollowActor(ctx context.Context, source *domain.Identity, targetURI string) (*domain.Follow, error) {
	if !source.Local {
		return nil, formatErrorf("follow source %s is not local", source.ActorURI)
	}
	target, err := s.EnsureIdentity(ctx, targetURI)
	if err != nil {
		return nil, err
	}
	blocked, err := s.store.AnyActiveBlock(ctx, source.Id, target.Id)
	if err != nil {
		return nil, err
	}
	if blocked {
		return nil, formatErrorf("cannot follow across an active block")
	}

	existing, err := s.store.FollowBetween(ctx, source.Id, target.Id)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		switch existing.State {
		case domain.FollowUndone, domain.FollowUndoneRemotely, domain.FollowRejected:
			if err := s.store.Transition(ctx, "follows", existing.Id, domain.FollowUnrequested, true); err != nil {
				return nil, err
			}
			return s.store.FollowById(ctx, existing.Id)
		default:
			return existing, nil
		}
	}

	id := util.NewID(util.KindFollow)
	f := &domain.Follow{
		Id:       id,
		Workflow: domain.NewWorkflow(domain.FollowUnrequested),
		SourceId: source.Id,
		TargetId: target.Id,
		URI:      s.FollowURI(source.Username, id),
		Boosts:   true,
	}
	if err := s.store.CreateFollow(ctx, f); err != nil {
		return nil, err
	}
	return f, nil
}

// UnfollowActor withdraws a follow; the undone handler delivers the Undo.
func (s *Service) UnfollowActor(ctx context.Context, source *domain.Identity, targetId int64) error {
	follow, err := s.store.FollowBetween(ctx, source.Id, targetId)
	if err != nil {
		return err
	}
	if follow == nil {
		return nil
	}
	switch follow.State {
	case domain.FollowUndone, domain.FollowUndoneRemotely:
		return nil
	}
	return s.store.Transition(ctx, "follows", follow.Id, domain.FollowUndone, true)
}

// ─── Graph handlers ───────────────────────────────────────────────────────────

// sendFollowRequest is the unrequested handler: deliver our Follow, then
// wait for the remote's verdict. A local target needs no delivery and is
// settled by the auto-accept path directly.
func (s *Service) sendFollowRequest(ctx context.Context, id int64) (string, error) {
	follow, source, target, err := s.followParties(ctx, id)
	if err != nil || follow == nil {
		return stateOrBubble(domain.FollowUndoneRemotely, err)
	}
	if target.Local {
		if target.ManuallyApprovesFollowers {
			return domain.FollowLocalRequested, nil
		}
		return domain.FollowAccepted, nil
	}

	act := s.FollowActivity(follow, source, target)
	if err := s.deliverActivity(ctx, source, target, act); err != nil {
		if IsTransient(err) {
			return "", nil
		}
		return "", err
	}
	return domain.FollowLocalRequested, nil
}

// acceptFollowRequest is the remote_requested handler: targets without
// manual approval get an automatic Accept.
func (s *Service) acceptFollowRequest(ctx context.Context, id int64) (string, error) {
	follow, source, target, err := s.followParties(ctx, id)
	if err != nil || follow == nil {
		return stateOrBubble(domain.FollowUndoneRemotely, err)
	}
	if target.ManuallyApprovesFollowers {
		// Stay put until the owner settles it.
		return "", nil
	}

	followDoc := map[string]any{
		"id":     follow.URI,
		"type":   "Follow",
		"actor":  source.ActorURI,
		"object": target.ActorURI,
	}
	if !source.Local {
		act := s.AcceptActivity(followDoc, target)
		if err := s.deliverActivity(ctx, target, source, act); err != nil {
			if IsTransient(err) {
				return "", nil
			}
			return "", err
		}
	}
	return domain.FollowAccepted, nil
}

// sendFollowUndo is the undone handler: tell the remote, then retire the
// edge.
func (s *Service) sendFollowUndo(ctx context.Context, id int64) (string, error) {
	follow, source, target, err := s.followParties(ctx, id)
	if err != nil || follow == nil {
		return stateOrBubble(domain.FollowUndoneRemotely, err)
	}
	if !target.Local && source.Local {
		inner := map[string]any{
			"id":     follow.URI,
			"type":   "Follow",
			"actor":  source.ActorURI,
			"object": target.ActorURI,
		}
		act := s.wrap("Undo", source.ActorURI, inner)
		if err := s.deliverActivity(ctx, source, target, act); err != nil {
			if IsTransient(err) {
				return "", nil
			}
			return "", err
		}
	}
	return domain.FollowUndoneRemotely, nil
}

func (s *Service) followParties(ctx context.Context, id int64) (*domain.Follow, *domain.Identity, *domain.Identity, error) {
	follow, err := s.store.FollowById(ctx, id)
	if err != nil {
		return nil, nil, nil, err
	}
	if follow == nil {
		return nil, nil, nil, nil
	}
	source, err := s.store.IdentityById(ctx, follow.SourceId)
	if err != nil {
		return nil, nil, nil, err
	}
	target, err := s.store.IdentityById(ctx, follow.TargetId)
	if err != nil {
		return nil, nil, nil, err
	}
	if source == nil || target == nil {
		return nil, nil, nil, nil
	}
	return follow, source, target, nil
}
