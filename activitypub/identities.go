package activitypub

import (
	"context"
	"time"

	"github.com/anancus/anancus/domain"
	"github.com/anancus/anancus/util"
)

// handleActorUpdate sends a known identity back through its fetch cycle
// rather than trusting the inline document.
func (s *Service) handleActorUpdate(ctx context.Context, doc map[string]any) error {
	actorURI := getString(doc, "actor")
	objectURI, _ := objectOf(doc)
	if objectURI != "" && objectURI != actorURI {
		return &ActorMismatchError{Actor: actorURI, Object: objectURI}
	}
	identity, err := s.store.IdentityByActorURI(ctx, actorURI)
	if err != nil || identity == nil {
		return err
	}
	if identity.Local || identity.State == domain.IdentityOutdated {
		return nil
	}
	if identity.State != domain.IdentityUpdated {
		return nil
	}
	return s.store.Transition(ctx, "identities", identity.Id, domain.IdentityOutdated, true)
}

// handleFlag files a moderation report from a remote server.
func (s *Service) handleFlag(ctx context.Context, doc map[string]any) error {
	actorURI := getString(doc, "actor")
	objects := getStringList(doc, "object")
	if len(objects) == 0 {
		return formatErrorf("flag has no object")
	}

	var subject *domain.Identity
	var subjectPostId *int64
	for _, uri := range objects {
		if identity, err := s.store.IdentityByActorURI(ctx, uri); err != nil {
			return err
		} else if identity != nil {
			subject = identity
			continue
		}
		if post, err := s.store.PostByObjectURI(ctx, uri); err != nil {
			return err
		} else if post != nil {
			subjectPostId = &post.Id
			if subject == nil {
				author, err := s.store.IdentityById(ctx, post.AuthorId)
				if err != nil {
					return err
				}
				subject = author
			}
		}
	}
	if subject == nil {
		s.logger.Debug("flag names nothing we know", "actor", actorURI)
		return nil
	}

	report := &domain.Report{
		SourceDomain:  hostOf(actorURI),
		SubjectId:     subject.Id,
		SubjectPostId: subjectPostId,
		Complaint:     util.StripHTMLTags(getString(doc, "content")),
	}
	if err := s.store.CreateReport(ctx, report); err != nil {
		return err
	}
	s.logger.Info("report filed", "subject", subject.Handle(), "from", report.SourceDomain)
	return nil
}

// handleMove repoints local followers at an actor's new home. The new actor
// must list the old one in alsoKnownAs or the move is refused.
func (s *Service) handleMove(ctx context.Context, doc map[string]any) error {
	oldURI := getString(doc, "actor")
	newURI := getString(doc, "target")
	if newURI == "" {
		newURI, _ = objectOf(doc)
	}
	if newURI == "" || newURI == oldURI {
		return formatErrorf("move has no usable target")
	}
	oldIdentity, err := s.store.IdentityByActorURI(ctx, oldURI)
	if err != nil || oldIdentity == nil {
		return err
	}

	newActor, err := s.FetchActor(ctx, newURI)
	if err != nil {
		if IsTransient(err) {
			return err
		}
		return formatErrorf("move target %s unfetchable: %v", newURI, err)
	}
	attested := false
	for _, aka := range newActor.AlsoKnownAs {
		if aka == oldURI {
			attested = true
			break
		}
	}
	if !attested {
		return formatErrorf("move target %s does not attest %s", newURI, oldURI)
	}

	newIdentity, err := s.EnsureIdentity(ctx, newURI)
	if err != nil {
		return err
	}

	follows, err := s.store.Followers(ctx, oldIdentity.Id)
	if err != nil {
		return err
	}
	for _, f := range follows {
		follower, err := s.store.IdentityById(ctx, f.SourceId)
		if err != nil {
			return err
		}
		if follower == nil || !follower.Local {
			continue
		}
		if _, err := s.FollowActor(ctx, follower, newIdentity.ActorURI); err != nil {
			if IsRecoverable(err) {
				continue
			}
			return err
		}
		if err := s.store.Transition(ctx, "follows", f.Id, domain.FollowUndone, true); err != nil {
			return err
		}
	}
	s.logger.Info("actor moved", "from", oldURI, "to", newURI, "followers", len(follows))
	return nil
}

// ─── Local accounts ───────────────────────────────────────────────────────────

// CreateLocalIdentity provisions a local account: keypair, the full URI
// surface, and a welcome timeline row.
func (s *Service) CreateLocalIdentity(ctx context.Context, username, displayName string) (*domain.Identity, error) {
	if existing, err := s.store.LocalIdentityByUsername(ctx, username); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, formatErrorf("username %q is taken", username)
	}
	localDomain, err := s.store.LocalDomain(ctx)
	if err != nil {
		return nil, err
	}
	domainName := s.conf.Conf.SslDomain
	if localDomain != nil {
		domainName = localDomain.Domain
	}

	pair := util.GeneratePemKeypair()
	actorURI := s.ActorURI(username)
	identity := &domain.Identity{
		Id:                    util.NewID(util.KindIdentity),
		Workflow:              domain.NewWorkflow(domain.IdentityUpdated),
		ActorURI:              actorURI,
		Username:              username,
		DomainId:              domainName,
		Local:                 true,
		DisplayName:           displayName,
		InboxURI:              actorURI + "inbox/",
		SharedInboxURI:        s.conf.BaseURL() + "/inbox/",
		OutboxURI:             actorURI + "outbox/",
		FollowersURI:          actorURI + "followers/",
		FollowingURI:          actorURI + "following/",
		FeaturedCollectionURI: actorURI + "featured/",
		PublicKeyPem:          pair.Public,
		PrivateKeyPem:         pair.Private,
		PublicKeyId:           actorURI + "#main-key",
		Discoverable:          true,
	}
	now := time.Now().UTC()
	identity.Fetched = &now
	if err := s.store.CreateIdentity(ctx, identity); err != nil {
		return nil, err
	}
	if _, err := s.store.CreateTimelineEvent(ctx, &domain.TimelineEvent{
		IdentityId:        identity.Id,
		Type:              domain.EventIdentityCreated,
		SubjectIdentityId: &identity.Id,
	}); err != nil {
		return nil, err
	}
	s.logger.Info("created local identity", "handle", identity.Handle())
	return identity, nil
}

// UpdateLocalProfile persists profile edits and queues the Update fan-out.
func (s *Service) UpdateLocalProfile(ctx context.Context, identity *domain.Identity) error {
	if !identity.Local {
		return formatErrorf("identity %s is not local", identity.ActorURI)
	}
	if err := s.store.UpdateIdentity(ctx, identity); err != nil {
		return err
	}
	if identity.State != domain.IdentityUpdated {
		return nil
	}
	return s.store.Transition(ctx, "identities", identity.Id, domain.IdentityEdited, true)
}

// DeleteLocalIdentity starts an account's teardown; the deleted handler
// broadcasts the tombstone.
func (s *Service) DeleteLocalIdentity(ctx context.Context, identity *domain.Identity) error {
	now := time.Now().UTC()
	identity.Deleted = &now
	if err := s.store.UpdateIdentity(ctx, identity); err != nil {
		return err
	}
	return s.store.Transition(ctx, "identities", identity.Id, domain.IdentityDeleted, true)
}

// ─── Graph handlers ───────────────────────────────────────────────────────────

// fanOutIdentityEdited is the edited handler: every follower's server gets
// the refreshed actor document.
func (s *Service) fanOutIdentityEdited(ctx context.Context, id int64) (string, error) {
	identity, err := s.store.IdentityById(ctx, id)
	if err != nil {
		return "", err
	}
	if identity == nil {
		return domain.IdentityUpdated, nil
	}
	if identity.Local {
		if err := s.createIdentityFanOuts(ctx, identity, domain.FanOutIdentityEdited); err != nil {
			return "", err
		}
	}
	return domain.IdentityUpdated, nil
}

// retireIdentity is the deleted handler: tell followers, keep the
// tombstone so the id never comes back to life.
func (s *Service) retireIdentity(ctx context.Context, id int64) (string, error) {
	identity, err := s.store.IdentityById(ctx, id)
	if err != nil {
		return "", err
	}
	if identity == nil {
		return domain.IdentityTombstoned, nil
	}
	if identity.Local {
		if err := s.createIdentityFanOuts(ctx, identity, domain.FanOutIdentityDeleted); err != nil {
			return "", err
		}
	}
	return domain.IdentityTombstoned, nil
}

func (s *Service) createIdentityFanOuts(ctx context.Context, identity *domain.Identity, t domain.FanOutType) error {
	follows, err := s.store.Followers(ctx, identity.Id)
	if err != nil {
		return err
	}
	ids := make([]int64, 0, len(follows))
	for _, f := range follows {
		ids = append(ids, f.SourceId)
	}
	followers, err := s.store.IdentitiesById(ctx, ids)
	if err != nil {
		return err
	}
	recipients := make([]*domain.Identity, 0, len(followers))
	for _, follower := range followers {
		if follower.Deleted != nil {
			continue
		}
		recipients = append(recipients, follower)
	}
	for _, r := range dedupeForDelivery(recipients) {
		if r.Local {
			continue
		}
		if _, err := s.store.CreateFanOut(ctx, &domain.FanOut{
			Workflow:          domain.NewWorkflow(domain.FanOutNew),
			IdentityId:        r.Id,
			Type:              t,
			SubjectIdentityId: &identity.Id,
		}); err != nil {
			return err
		}
	}
	return nil
}
