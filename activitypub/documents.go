package activitypub

import (
	"context"
	"fmt"
	"time"

	"github.com/anancus/anancus/domain"
	"github.com/anancus/anancus/util"
)

// PublicAudience is the ActivityStreams marker for publicly addressed
// objects.
const PublicAudience = "https://www.w3.org/ns/activitystreams#Public"

func defaultContext() []any {
	return []any{ContextActivityStreams, ContextSecurity}
}

// PostObject renders a post as its AP object (Note, Question or Article).
func (s *Service) PostObject(ctx context.Context, post *domain.Post, author *domain.Identity) (map[string]any, error) {
	obj := map[string]any{
		"id":           post.ObjectURI,
		"attributedTo": author.ActorURI,
		"content":      post.Content,
		"published":    post.Published.UTC().Format(time.RFC3339),
	}
	switch post.Type {
	case domain.PostTypeQuestion:
		obj["type"] = "Question"
	case domain.PostTypeArticle:
		obj["type"] = "Article"
	default:
		obj["type"] = "Note"
	}
	if post.Summary != "" {
		obj["summary"] = post.Summary
	}
	if post.Sensitive {
		obj["sensitive"] = true
	}
	if post.URL != "" {
		obj["url"] = post.URL
	}
	if post.InReplyTo != "" {
		obj["inReplyTo"] = post.InReplyTo
	}
	if post.Edited != nil {
		obj["updated"] = post.Edited.UTC().Format(time.RFC3339)
	}

	to, cc := s.addressing(post, author)
	obj["to"] = to
	if len(cc) > 0 {
		obj["cc"] = cc
	}

	var tags []any
	mentioned, err := s.store.IdentitiesById(ctx, post.MentionIds)
	if err != nil {
		return nil, err
	}
	for _, m := range mentioned {
		tags = append(tags, map[string]any{
			"type": "Mention",
			"href": m.ActorURI,
			"name": "@" + m.Handle(),
		})
	}
	for _, tag := range util.ParseHashtags(post.Content) {
		tags = append(tags, map[string]any{
			"type": "Hashtag",
			"href": s.conf.BaseURL() + "/tags/" + tag,
			"name": "#" + tag,
		})
	}
	if len(tags) > 0 {
		obj["tag"] = tags
	}

	attachments, err := s.store.AttachmentsOf(ctx, post.Id)
	if err != nil {
		return nil, err
	}
	var docs []any
	for _, a := range attachments {
		att := map[string]any{
			"type":      "Document",
			"mediaType": a.MimeType,
			"url":       a.RemoteURL,
		}
		if a.Name != "" {
			att["name"] = a.Name
		}
		docs = append(docs, att)
	}
	if len(docs) > 0 {
		obj["attachment"] = docs
	}

	if post.Type == domain.PostTypeQuestion {
		q, err := post.Question()
		if err == nil && q != nil {
			var options []any
			for _, opt := range q.Options {
				options = append(options, map[string]any{
					"type": "Note",
					"name": opt.Name,
					"replies": map[string]any{
						"type":       "Collection",
						"totalItems": opt.Votes,
					},
				})
			}
			key := "oneOf"
			if q.Mode == "anyOf" {
				key = "anyOf"
			}
			obj[key] = options
			obj["votersCount"] = q.Voters
			if q.EndTime != nil {
				obj["endTime"] = q.EndTime.UTC().Format(time.RFC3339)
			}
		}
	}
	return obj, nil
}

func (s *Service) addressing(post *domain.Post, author *domain.Identity) (to []any, cc []any) {
	followers := author.FollowersURI
	if followers == "" {
		followers = author.ActorURI + "followers/"
	}
	switch post.Visibility {
	case domain.VisibilityPublic:
		to = []any{PublicAudience}
		cc = []any{followers}
	case domain.VisibilityUnlisted:
		to = []any{followers}
		cc = []any{PublicAudience}
	case domain.VisibilityFollowers, domain.VisibilityLocalOnly:
		to = []any{followers}
	default:
		to = []any{}
	}
	return to, cc
}

// wrap builds an activity envelope around an object.
func (s *Service) wrap(activityType, actorURI string, object any) map[string]any {
	return map[string]any{
		"@context":  defaultContext(),
		"id":        s.ActivityId(),
		"type":      activityType,
		"actor":     actorURI,
		"object":    object,
		"published": time.Now().UTC().Format(time.RFC3339),
	}
}

// CreateActivity wraps a post object in a Create carrying the object's
// addressing.
func (s *Service) CreateActivity(ctx context.Context, post *domain.Post, author *domain.Identity) (map[string]any, error) {
	obj, err := s.PostObject(ctx, post, author)
	if err != nil {
		return nil, err
	}
	act := s.wrap("Create", author.ActorURI, obj)
	act["id"] = post.ObjectURI + "activity/"
	act["to"] = obj["to"]
	if cc, ok := obj["cc"]; ok {
		act["cc"] = cc
	}
	return act, nil
}

func (s *Service) UpdateActivity(ctx context.Context, post *domain.Post, author *domain.Identity) (map[string]any, error) {
	obj, err := s.PostObject(ctx, post, author)
	if err != nil {
		return nil, err
	}
	act := s.wrap("Update", author.ActorURI, obj)
	act["to"] = obj["to"]
	if cc, ok := obj["cc"]; ok {
		act["cc"] = cc
	}
	return act, nil
}

func (s *Service) DeleteActivity(post *domain.Post, author *domain.Identity) map[string]any {
	tombstone := map[string]any{
		"id":   post.ObjectURI,
		"type": "Tombstone",
	}
	act := s.wrap("Delete", author.ActorURI, tombstone)
	act["to"] = []any{PublicAudience}
	return act
}

// FollowActivity uses the follow row's stable URI as id so the remote's
// Accept can be matched back.
func (s *Service) FollowActivity(follow *domain.Follow, source, target *domain.Identity) map[string]any {
	act := s.wrap("Follow", source.ActorURI, target.ActorURI)
	act["id"] = follow.URI
	return act
}

func (s *Service) AcceptActivity(followDoc map[string]any, target *domain.Identity) map[string]any {
	return s.wrap("Accept", target.ActorURI, followDoc)
}

func (s *Service) RejectActivity(followDoc map[string]any, target *domain.Identity) map[string]any {
	return s.wrap("Reject", target.ActorURI, followDoc)
}

// InteractionActivity renders a like, boost, vote or pin for delivery.
func (s *Service) InteractionActivity(ctx context.Context, pi *domain.PostInteraction, actor *domain.Identity, post *domain.Post) (map[string]any, error) {
	switch pi.Type {
	case domain.InteractionLike:
		act := s.wrap("Like", actor.ActorURI, post.ObjectURI)
		act["id"] = pi.ObjectURI
		return act, nil
	case domain.InteractionBoost:
		act := s.wrap("Announce", actor.ActorURI, post.ObjectURI)
		act["id"] = pi.ObjectURI
		act["to"] = []any{PublicAudience}
		return act, nil
	case domain.InteractionVote:
		vote := map[string]any{
			"id":           pi.ObjectURI,
			"type":         "Note",
			"attributedTo": actor.ActorURI,
			"inReplyTo":    post.ObjectURI,
			"name":         pi.Value,
		}
		return s.wrap("Create", actor.ActorURI, vote), nil
	case domain.InteractionPin:
		act := s.wrap("Add", actor.ActorURI, post.ObjectURI)
		act["target"] = actor.FeaturedCollectionURI
		return act, nil
	default:
		return nil, formatErrorf("cannot render interaction type %q", pi.Type)
	}
}

// UndoInteractionActivity inverts an interaction: Undo for likes, boosts
// and votes, Remove for pins.
func (s *Service) UndoInteractionActivity(ctx context.Context, pi *domain.PostInteraction, actor *domain.Identity, post *domain.Post) (map[string]any, error) {
	if pi.Type == domain.InteractionPin {
		act := s.wrap("Remove", actor.ActorURI, post.ObjectURI)
		act["target"] = actor.FeaturedCollectionURI
		return act, nil
	}
	inner, err := s.InteractionActivity(ctx, pi, actor, post)
	if err != nil {
		return nil, err
	}
	delete(inner, "@context")
	return s.wrap("Undo", actor.ActorURI, inner), nil
}

// ActorDocument renders a local identity (or the system actor) as its
// JSON-LD actor document.
func (s *Service) ActorDocument(ctx context.Context, identity *domain.Identity) map[string]any {
	doc := map[string]any{
		"@context":          defaultContext(),
		"id":                identity.ActorURI,
		"type":              "Person",
		"preferredUsername": identity.Username,
		"inbox":             identity.InboxURI,
		"outbox":            identity.OutboxURI,
		"followers":         identity.FollowersURI,
		"following":         identity.FollowingURI,
		"featured":          identity.FeaturedCollectionURI,
		"endpoints": map[string]any{
			"sharedInbox": s.conf.BaseURL() + "/inbox/",
		},
		"manuallyApprovesFollowers": identity.ManuallyApprovesFollowers,
		"discoverable":              identity.Discoverable,
		"publicKey": map[string]any{
			"id":           identity.PublicKeyId,
			"owner":        identity.ActorURI,
			"publicKeyPem": identity.PublicKeyPem,
		},
	}
	if identity.DisplayName != "" {
		doc["name"] = identity.DisplayName
	}
	if identity.Summary != "" {
		doc["summary"] = identity.Summary
	}
	if identity.IconURI != "" {
		doc["icon"] = map[string]any{"type": "Image", "url": identity.IconURI}
	}
	if identity.ImageURI != "" {
		doc["image"] = map[string]any{"type": "Image", "url": identity.ImageURI}
	}
	if len(identity.Metadata) > 0 {
		var attachments []any
		for _, pair := range identity.Metadata {
			attachments = append(attachments, map[string]any{
				"type":  "PropertyValue",
				"name":  pair.Name,
				"value": pair.Value,
			})
		}
		doc["attachment"] = attachments
	}
	return doc
}

// SystemActorDocument renders the server's distinguished signing actor.
func (s *Service) SystemActorDocument(ctx context.Context) (map[string]any, error) {
	pem, err := s.SystemPublicKeyPem(ctx)
	if err != nil {
		return nil, err
	}
	uri := s.SystemActorURI()
	return map[string]any{
		"@context":          defaultContext(),
		"id":                uri,
		"type":              "Application",
		"preferredUsername": util.Name,
		"inbox":             s.conf.BaseURL() + "/inbox/",
		"outbox":            fmt.Sprintf("%s/actor/outbox/", s.conf.BaseURL()),
		"publicKey": map[string]any{
			"id":           uri + "#main-key",
			"owner":        uri,
			"publicKeyPem": pem,
		},
	}, nil
}
