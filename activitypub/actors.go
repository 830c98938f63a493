package activitypub

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/anancus/anancus/domain"
	"github.com/anancus/anancus/util"
)

var actorTypes = map[string]bool{
	"Person":       true,
	"Service":      true,
	"Application":  true,
	"Group":        true,
	"Organization": true,
}

// ─── Webfinger discovery ──────────────────────────────────────────────────────

type jrdDocument struct {
	Subject string    `json:"subject"`
	Links   []jrdLink `json:"links"`
}

type jrdLink struct {
	Rel  string `json:"rel"`
	Type string `json:"type"`
	Href string `json:"href"`
}

type xrdDocument struct {
	XMLName xml.Name  `xml:"XRD"`
	Links   []xrdLink `xml:"Link"`
}

type xrdLink struct {
	Rel      string `xml:"rel,attr"`
	Type     string `xml:"type,attr"`
	Template string `xml:"template,attr"`
}

// webfingerTemplate probes host-meta for a custom lrdd template. JSON-typed
// templates win; empty means use the default webfinger path.
func (s *Service) webfingerTemplate(ctx context.Context, host string) string {
	body, err := s.client.Get(ctx, "https://"+host+"/.well-known/host-meta", "", nil)
	if err != nil {
		return ""
	}
	var doc xrdDocument
	if err := xml.Unmarshal(body, &doc); err != nil {
		return ""
	}
	var fallback string
	for _, link := range doc.Links {
		if link.Rel != "lrdd" || !strings.Contains(link.Template, "{uri}") {
			continue
		}
		if strings.Contains(link.Type, "json") {
			return link.Template
		}
		if fallback == "" {
			fallback = link.Template
		}
	}
	return fallback
}

// ResolveHandle maps user@host to an actor URI and the canonical handle the
// remote asserts for itself.
func (s *Service) ResolveHandle(ctx context.Context, username, host string) (actorURI, canonicalHandle string, err error) {
	resource := fmt.Sprintf("acct:%s@%s", username, host)
	wfURL := "https://" + host + "/.well-known/webfinger?resource=" + url.QueryEscape(resource)
	if template := s.webfingerTemplate(ctx, host); template != "" {
		wfURL = strings.ReplaceAll(template, "{uri}", url.QueryEscape(resource))
	}

	body, err := s.client.Get(ctx, wfURL, "", nil)
	if err != nil {
		return "", "", err
	}
	var jrd jrdDocument
	if err := json.Unmarshal(body, &jrd); err != nil {
		return "", "", formatErrorf("webfinger response for %s: %v", resource, err)
	}

	for _, link := range jrd.Links {
		if link.Rel != "self" {
			continue
		}
		if strings.Contains(link.Type, "activity+json") || strings.Contains(link.Type, "activitystreams") {
			canonical := strings.TrimPrefix(jrd.Subject, "acct:")
			if canonical == "" {
				canonical = username + "@" + host
			}
			return link.Href, canonical, nil
		}
	}
	return "", "", formatErrorf("webfinger for %s has no activity+json self link", resource)
}

// ─── Actor fetch ──────────────────────────────────────────────────────────────

// actorDocument is the subset of an actor JSON-LD document we persist.
type actorDocument struct {
	URI              string
	Type             string
	Username         string
	DisplayName      string
	Summary          string
	IconURI          string
	ImageURI         string
	InboxURI         string
	SharedInboxURI   string
	OutboxURI        string
	FollowersURI     string
	FollowingURI     string
	FeaturedURI      string
	PublicKeyId      string
	PublicKeyPem     string
	ManuallyApproves bool
	Discoverable     bool
	Metadata         []domain.MetadataPair
	AlsoKnownAs      []string
	MovedTo          string
}

// FetchActor does a signed GET on an actor URI as the system actor and
// extracts the fields we persist.
func (s *Service) FetchActor(ctx context.Context, actorURI string) (*actorDocument, error) {
	keyId, key, err := s.SystemKey(ctx)
	if err != nil {
		return nil, err
	}
	body, err := s.client.Get(ctx, actorURI, keyId, key)
	if err != nil {
		return nil, err
	}
	doc, err := s.ld.CanonicaliseBytes(body)
	if err != nil {
		return nil, err
	}
	return parseActorDocument(actorURI, doc)
}

func parseActorDocument(actorURI string, doc map[string]any) (*actorDocument, error) {
	t := typeOf(doc)
	if !actorTypes[t] {
		return nil, formatErrorf("document at %s has non-actor type %q", actorURI, t)
	}
	id := getString(doc, "id")
	if id == "" {
		id = actorURI
	}
	a := &actorDocument{
		URI:              id,
		Type:             t,
		Username:         getString(doc, "preferredUsername"),
		DisplayName:      getString(doc, "name"),
		Summary:          util.SanitizeHTML(getString(doc, "summary")),
		InboxURI:         getString(doc, "inbox"),
		OutboxURI:        getString(doc, "outbox"),
		FollowersURI:     getString(doc, "followers"),
		FollowingURI:     getString(doc, "following"),
		FeaturedURI:      getString(doc, "featured"),
		ManuallyApproves: getBool(doc, "manuallyApprovesFollowers"),
		Discoverable:     getBool(doc, "discoverable"),
		AlsoKnownAs:      getStringList(doc, "alsoKnownAs"),
		MovedTo:          getString(doc, "movedTo"),
	}
	if a.Username == "" {
		return nil, formatErrorf("actor %s has no preferredUsername", actorURI)
	}
	if a.InboxURI == "" {
		return nil, formatErrorf("actor %s has no inbox", actorURI)
	}
	if icon := getMap(doc, "icon"); icon != nil {
		a.IconURI = getString(icon, "url")
	}
	if image := getMap(doc, "image"); image != nil {
		a.ImageURI = getString(image, "url")
	}
	if endpoints := getMap(doc, "endpoints"); endpoints != nil {
		a.SharedInboxURI = getString(endpoints, "sharedInbox")
	}
	if pk := getMap(doc, "publicKey"); pk != nil {
		a.PublicKeyId = getString(pk, "id")
		a.PublicKeyPem = getString(pk, "publicKeyPem")
	}
	for _, item := range getList(doc, "attachment") {
		m, ok := item.(map[string]any)
		if !ok || typeOf(m) != "PropertyValue" {
			continue
		}
		a.Metadata = append(a.Metadata, domain.MetadataPair{
			Name:  getString(m, "name"),
			Value: util.SanitizeHTML(getString(m, "value")),
		})
	}
	return a, nil
}

// fetchFeatured loads an actor's pinned-post URIs from its featured
// collection.
func (s *Service) fetchFeatured(ctx context.Context, featuredURI string) ([]string, error) {
	keyId, key, err := s.SystemKey(ctx)
	if err != nil {
		return nil, err
	}
	body, err := s.client.Get(ctx, featuredURI, keyId, key)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, formatErrorf("featured collection at %s: %v", featuredURI, err)
	}
	uris := getStringList(doc, "orderedItems")
	if len(uris) == 0 {
		uris = getStringList(doc, "items")
	}
	return uris, nil
}

// ─── Identity lifecycle ───────────────────────────────────────────────────────

// EnsureIdentity returns the identity for an actor URI, creating a
// transient outdated record when it is unknown. The engine's outdated
// handler fills in the rest asynchronously.
func (s *Service) EnsureIdentity(ctx context.Context, actorURI string) (*domain.Identity, error) {
	existing, err := s.store.IdentityByActorURI(ctx, actorURI)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	u, err := url.Parse(actorURI)
	if err != nil || u.Host == "" {
		return nil, formatErrorf("unparseable actor uri %q", actorURI)
	}
	i := &domain.Identity{
		Id:       util.NewID(util.KindIdentity),
		Workflow: domain.NewWorkflow(domain.IdentityOutdated),
		ActorURI: actorURI,
		// Placeholder handle until the fetch succeeds; the actor URI is
		// unique so it cannot collide with a real username.
		Username: actorURI,
		DomainId: u.Host,
		Local:    false,
	}
	if err := s.ensureDomain(ctx, u.Host); err != nil {
		return nil, err
	}
	if err := s.store.CreateIdentity(ctx, i); err != nil {
		// Lost a race with a concurrent create; re-read.
		if again, rerr := s.store.IdentityByActorURI(ctx, actorURI); rerr == nil && again != nil {
			return again, nil
		}
		return nil, err
	}
	s.logger.Info("discovered new actor", "actor", actorURI)
	return i, nil
}

func (s *Service) ensureDomain(ctx context.Context, host string) error {
	d, err := s.store.DomainByName(ctx, host)
	if err != nil {
		return err
	}
	if d != nil {
		return nil
	}
	// The host may be another domain's service host.
	d, err = s.store.DomainByServiceDomain(ctx, host)
	if err != nil || d != nil {
		return err
	}
	return s.store.UpsertDomain(ctx, &domain.Domain{Domain: host})
}

// RefreshIdentity is the identity outdated handler: fetch the actor,
// update the row, resolve the canonical domain, pull pinned posts.
func (s *Service) RefreshIdentity(ctx context.Context, id int64) (string, error) {
	identity, err := s.store.IdentityById(ctx, id)
	if err != nil {
		return "", err
	}
	if identity == nil || identity.Local {
		// Local identities never need fetching.
		return domain.IdentityUpdated, nil
	}

	actor, err := s.FetchActor(ctx, identity.ActorURI)
	if err != nil {
		var pe *PermanentError
		if errors.As(err, &pe) {
			if pe.Gone() {
				now := time.Now().UTC()
				identity.Deleted = &now
				if uerr := s.store.UpdateIdentity(ctx, identity); uerr != nil {
					return "", uerr
				}
				s.logger.Info("actor gone, marking deleted", "actor", identity.ActorURI)
				return domain.IdentityDeleted, nil
			}
			// Other permanent statuses: keep the stale record.
			s.logger.Warn("actor fetch refused", "actor", identity.ActorURI, "error", err)
			return domain.IdentityUpdated, nil
		}
		if IsTransient(err) {
			return "", nil
		}
		return "", err
	}

	actorHost := hostOf(actor.URI)
	displayDomain := actorHost

	// The canonical display domain may differ from the host serving the
	// actor document; webfinger on the discovered handle resolves it.
	if actor.Username != "" && actorHost != "" {
		if _, canonical, werr := s.ResolveHandle(ctx, actor.Username, actorHost); werr == nil {
			if _, host, ok := strings.Cut(canonical, "@"); ok && host != "" {
				displayDomain = host
			}
		}
	}
	if displayDomain != actorHost {
		if err := s.store.UpsertDomain(ctx, &domain.Domain{
			Domain:        displayDomain,
			ServiceDomain: actorHost,
		}); err != nil {
			return "", err
		}
	} else if err := s.ensureDomain(ctx, displayDomain); err != nil {
		return "", err
	}

	identity.Username = actor.Username
	identity.DomainId = displayDomain
	identity.DisplayName = actor.DisplayName
	identity.Summary = actor.Summary
	identity.IconURI = actor.IconURI
	identity.ImageURI = actor.ImageURI
	identity.InboxURI = actor.InboxURI
	identity.SharedInboxURI = actor.SharedInboxURI
	identity.OutboxURI = actor.OutboxURI
	identity.FollowersURI = actor.FollowersURI
	identity.FollowingURI = actor.FollowingURI
	identity.FeaturedCollectionURI = actor.FeaturedURI
	identity.PublicKeyId = actor.PublicKeyId
	identity.PublicKeyPem = actor.PublicKeyPem
	identity.ManuallyApprovesFollowers = actor.ManuallyApproves
	identity.Discoverable = actor.Discoverable
	identity.Metadata = actor.Metadata
	now := time.Now().UTC()
	identity.Fetched = &now

	if actor.FeaturedURI != "" {
		if pinned, ferr := s.fetchFeatured(ctx, actor.FeaturedURI); ferr == nil {
			identity.PinnedURIs = pinned
		}
	}

	if err := s.store.UpdateIdentity(ctx, identity); err != nil {
		return "", err
	}
	s.logger.Info("refreshed actor", "actor", identity.ActorURI, "handle", identity.Handle())
	return domain.IdentityUpdated, nil
}

// ActorKey parses an identity's known public key.
func (s *Service) ActorKey(identity *domain.Identity) (*rsa.PublicKey, error) {
	if identity.PublicKeyPem == "" {
		return nil, formatErrorf("no public key for %s", identity.ActorURI)
	}
	return util.ParsePublicKey(identity.PublicKeyPem)
}

func hostOf(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return ""
	}
	return u.Host
}
