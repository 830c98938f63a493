package activitypub

import (
	"context"
	"encoding/json"
	"time"

	"github.com/anancus/anancus/domain"
	"github.com/anancus/anancus/util"
)

// handleCreateObject ingests a Create{Note|Question|Article}. A Note that
// only carries a name and replies to one of our polls is a vote, not a post.
func (s *Service) handleCreateObject(ctx context.Context, doc map[string]any, objectNode map[string]any) error {
	actorURI := getString(doc, "actor")
	attributed := getString(objectNode, "attributedTo")
	if attributed != "" && attributed != actorURI {
		return &ActorMismatchError{Actor: actorURI, Object: attributed}
	}
	objectURI := getString(objectNode, "id")
	if objectURI == "" {
		return formatErrorf("object has no id")
	}

	if isVote(objectNode) {
		return s.handleVote(ctx, actorURI, objectNode)
	}

	existing, err := s.store.PostByObjectURI(ctx, objectURI)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}
	author, err := s.EnsureIdentity(ctx, actorURI)
	if err != nil {
		return err
	}
	_, err = s.ingestPost(ctx, author, objectNode)
	return err
}

// handleUpdateObject upserts edited remote content: known posts are
// rewritten in place, unknown ones ingested fresh.
func (s *Service) handleUpdateObject(ctx context.Context, doc map[string]any, objectNode map[string]any) error {
	actorURI := getString(doc, "actor")
	objectURI := getString(objectNode, "id")
	if objectURI == "" {
		return formatErrorf("update object has no id")
	}
	post, err := s.store.PostByObjectURI(ctx, objectURI)
	if err != nil {
		return err
	}
	if post == nil {
		author, err := s.EnsureIdentity(ctx, actorURI)
		if err != nil {
			return err
		}
		_, err = s.ingestPost(ctx, author, objectNode)
		return err
	}
	author, err := s.store.IdentityById(ctx, post.AuthorId)
	if err != nil {
		return err
	}
	if author == nil || author.ActorURI != actorURI {
		return &ActorMismatchError{Actor: actorURI, Object: post.ObjectURI}
	}

	s.applyObjectContent(post, objectNode)
	now := time.Now().UTC()
	post.Edited = &now
	if err := s.resolveTargets(ctx, post, objectNode); err != nil {
		return err
	}
	if err := s.ingestTags(ctx, author, post, objectNode); err != nil {
		return err
	}
	return s.store.UpdatePostContent(ctx, post)
}

// handleDelete covers both object tombstones and whole-actor deletions.
func (s *Service) handleDelete(ctx context.Context, doc map[string]any, objectURI string, objectNode map[string]any) error {
	actorURI := getString(doc, "actor")
	if objectURI == "" {
		return formatErrorf("delete has no object")
	}

	post, err := s.store.PostByObjectURI(ctx, objectURI)
	if err != nil {
		return err
	}
	if post != nil {
		author, err := s.store.IdentityById(ctx, post.AuthorId)
		if err != nil {
			return err
		}
		if author == nil || author.ActorURI != actorURI {
			return &ActorMismatchError{Actor: actorURI, Object: objectURI}
		}
		if !postDeleteStates[post.State] {
			return nil
		}
		return s.store.Transition(ctx, "posts", post.Id, domain.PostDeleted, true)
	}

	// Delete of the actor itself ends the identity's lifecycle.
	if objectURI == actorURI {
		identity, err := s.store.IdentityByActorURI(ctx, actorURI)
		if err != nil || identity == nil {
			return err
		}
		now := time.Now().UTC()
		identity.Deleted = &now
		if err := s.store.UpdateIdentity(ctx, identity); err != nil {
			return err
		}
		return s.store.Transition(ctx, "identities", identity.Id, domain.IdentityDeleted, true)
	}

	// Deletes for objects we never stored are accepted silently; remotes
	// routinely broadcast them to every known peer.
	return nil
}

var postDeleteStates = map[string]bool{
	domain.PostNew:             true,
	domain.PostFannedOut:       true,
	domain.PostEdited:          true,
	domain.PostEditedFannedOut: true,
}

// ─── Object ingestion ─────────────────────────────────────────────────────────

func (s *Service) ingestPost(ctx context.Context, author *domain.Identity, objectNode map[string]any) (*domain.Post, error) {
	post := &domain.Post{
		Id:        util.NewID(util.KindPost),
		Workflow:  domain.NewWorkflow(domain.PostNew),
		AuthorId:  author.Id,
		Local:     author.Local,
		ObjectURI: getString(objectNode, "id"),
		InReplyTo: getString(objectNode, "inReplyTo"),
		Published: parsePublished(objectNode),
	}
	s.applyObjectContent(post, objectNode)
	if err := s.resolveTargets(ctx, post, objectNode); err != nil {
		return nil, err
	}
	if err := s.ingestTags(ctx, author, post, objectNode); err != nil {
		return nil, err
	}
	if err := s.store.CreatePost(ctx, post); err != nil {
		return nil, err
	}
	if err := s.ingestAttachments(ctx, post, objectNode); err != nil {
		return nil, err
	}

	if post.InReplyTo != "" {
		if parent, err := s.store.PostByObjectURI(ctx, post.InReplyTo); err != nil {
			return nil, err
		} else if parent != nil {
			if err := s.store.AdjustPostCounts(ctx, parent.Id, 1, 0, 0); err != nil {
				return nil, err
			}
		}
	}
	s.logger.Info("ingested post", "uri", post.ObjectURI, "author", author.ActorURI)
	return post, nil
}

// applyObjectContent copies the editable fields out of an object node.
func (s *Service) applyObjectContent(post *domain.Post, objectNode map[string]any) {
	post.Content = util.SanitizeHTML(getString(objectNode, "content"))
	post.Summary = util.SanitizeHTML(getString(objectNode, "summary"))
	post.Sensitive = getBool(objectNode, "sensitive")
	post.URL = getString(objectNode, "url")
	post.Visibility = deriveVisibility(objectNode)

	switch typeOf(objectNode) {
	case "Question":
		post.Type = domain.PostTypeQuestion
		post.TypeData = encodeQuestion(objectNode)
	case "Article":
		post.Type = domain.PostTypeArticle
	default:
		post.Type = domain.PostTypeNote
	}
}

// deriveVisibility reads the Mastodon addressing convention: Public in "to"
// is public, Public in "cc" is unlisted, a followers collection alone is
// followers-only, anything else reaches only those mentioned.
func deriveVisibility(objectNode map[string]any) domain.Visibility {
	to := getStringList(objectNode, "to")
	cc := getStringList(objectNode, "cc")
	for _, uri := range to {
		if uri == PublicAudience || uri == "as:Public" || uri == "Public" {
			return domain.VisibilityPublic
		}
	}
	for _, uri := range cc {
		if uri == PublicAudience || uri == "as:Public" || uri == "Public" {
			return domain.VisibilityUnlisted
		}
	}
	for _, uri := range to {
		if uri != "" {
			// A followers collection or a direct addressee; the narrower
			// reading is safe either way.
			return domain.VisibilityFollowers
		}
	}
	return domain.VisibilityMentioned
}

// resolveTargets turns mention tags and direct addressees into identity ids.
func (s *Service) resolveTargets(ctx context.Context, post *domain.Post, objectNode map[string]any) error {
	post.ToIds, post.MentionIds = nil, nil
	seen := map[int64]bool{}
	for _, item := range getList(objectNode, "tag") {
		m, ok := item.(map[string]any)
		if !ok || typeOf(m) != "Mention" {
			continue
		}
		href := getString(m, "href")
		if href == "" {
			continue
		}
		identity, err := s.EnsureIdentity(ctx, href)
		if err != nil {
			if IsRecoverable(err) {
				continue
			}
			return err
		}
		if !seen[identity.Id] {
			seen[identity.Id] = true
			post.MentionIds = append(post.MentionIds, identity.Id)
		}
	}
	// Direct addressees we already know become targets; collections and
	// strangers are not worth a fetch.
	for _, uri := range getStringList(objectNode, "to") {
		identity, err := s.store.IdentityByActorURI(ctx, uri)
		if err != nil {
			return err
		}
		if identity != nil && !seen[identity.Id] {
			seen[identity.Id] = true
			post.ToIds = append(post.ToIds, identity.Id)
		}
	}
	return nil
}

// ingestTags records hashtags and custom emojis carried on an object.
func (s *Service) ingestTags(ctx context.Context, author *domain.Identity, post *domain.Post, objectNode map[string]any) error {
	for _, item := range getList(objectNode, "tag") {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		switch typeOf(m) {
		case "Hashtag":
			name := util.ParseShortcode(getString(m, "name"))
			if name == "" {
				name = getString(m, "name")
			}
			if name = trimHash(name); name != "" {
				if _, err := s.store.TouchHashtag(ctx, name); err != nil {
					return err
				}
			}
		case "Emoji":
			if err := s.ingestEmoji(ctx, author.DomainId, m); err != nil {
				return err
			}
		}
	}
	return nil
}

func trimHash(name string) string {
	if len(name) > 0 && name[0] == '#' {
		return name[1:]
	}
	return name
}

// ingestEmoji upserts a remote custom emoji, keyed (shortcode, domain).
func (s *Service) ingestEmoji(ctx context.Context, domainName string, node map[string]any) error {
	shortcode := util.ParseShortcode(getString(node, "name"))
	if shortcode == "" {
		return nil
	}
	icon := getMap(node, "icon")
	if icon == nil {
		return nil
	}
	remoteURL := getString(icon, "url")
	if remoteURL == "" {
		return nil
	}

	existing, err := s.store.EmojiByShortcode(ctx, shortcode, domainName)
	if err != nil {
		return err
	}
	if existing != nil {
		if existing.RemoteURL == remoteURL {
			return nil
		}
		existing.RemoteURL = remoteURL
		existing.MimeType = getString(icon, "mediaType")
		if err := s.store.UpdateEmoji(ctx, existing); err != nil {
			return err
		}
		if existing.State == domain.EmojiUpdated {
			// The image changed; schedule a re-fetch.
			return s.store.Transition(ctx, "emojis", existing.Id, domain.EmojiOutdated, true)
		}
		return nil
	}

	unreviewedPublic := s.store.SystemSettingOr(ctx, domain.SettingEmojiUnreviewedPublic, "true")
	return s.store.CreateEmoji(ctx, &domain.Emoji{
		Id:        util.NewID(util.KindPost),
		Workflow:  domain.NewWorkflow(domain.EmojiOutdated),
		Shortcode: shortcode,
		DomainId:  domainName,
		Local:     false,
		Public:    unreviewedPublic == "true",
		MimeType:  getString(icon, "mediaType"),
		RemoteURL: remoteURL,
		ObjectURI: getString(node, "id"),
	})
}

func (s *Service) ingestAttachments(ctx context.Context, post *domain.Post, objectNode map[string]any) error {
	for _, item := range getList(objectNode, "attachment") {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		t := typeOf(m)
		if t != "Document" && t != "Image" && t != "Video" && t != "Audio" {
			continue
		}
		url := getString(m, "url")
		if url == "" {
			continue
		}
		a := &domain.PostAttachment{
			Id:        util.NewID(util.KindPost),
			Workflow:  domain.NewWorkflow(domain.AttachmentNew),
			PostId:    post.Id,
			MimeType:  getString(m, "mediaType"),
			RemoteURL: url,
			Name:      getString(m, "name"),
		}
		if err := s.store.CreateAttachment(ctx, a); err != nil {
			return err
		}
	}
	return nil
}

// encodeQuestion serialises a remote Question's options and tallies.
func encodeQuestion(objectNode map[string]any) string {
	q := domain.QuestionData{Mode: "oneOf"}
	options := getList(objectNode, "oneOf")
	if len(options) == 0 {
		options = getList(objectNode, "anyOf")
		if len(options) > 0 {
			q.Mode = "anyOf"
		}
	}
	for _, item := range options {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		opt := domain.QuestionOption{Name: getString(m, "name")}
		if replies := getMap(m, "replies"); replies != nil {
			if n, ok := replies["totalItems"].(float64); ok {
				opt.Votes = int(n)
			}
		}
		q.Options = append(q.Options, opt)
	}
	if n, ok := objectNode["votersCount"].(float64); ok {
		q.Voters = int(n)
	}
	if raw := getString(objectNode, "endTime"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			t = t.UTC()
			q.EndTime = &t
		}
	}
	b, err := json.Marshal(&q)
	if err != nil {
		return ""
	}
	return string(b)
}

// ─── Votes ────────────────────────────────────────────────────────────────────

// isVote recognises the Mastodon vote convention: a named, contentless Note
// replying to a question.
func isVote(objectNode map[string]any) bool {
	return typeOf(objectNode) == "Note" &&
		getString(objectNode, "name") != "" &&
		getString(objectNode, "content") == "" &&
		getString(objectNode, "inReplyTo") != ""
}

func (s *Service) handleVote(ctx context.Context, actorURI string, objectNode map[string]any) error {
	post, err := s.store.PostByObjectURI(ctx, getString(objectNode, "inReplyTo"))
	if err != nil {
		return err
	}
	if post == nil || post.Type != domain.PostTypeQuestion {
		return formatErrorf("vote targets unknown or non-question object %q",
			getString(objectNode, "inReplyTo"))
	}
	q, err := post.Question()
	if err != nil || q == nil {
		return formatErrorf("question %d has unusable poll data", post.Id)
	}
	if q.EndTime != nil && q.EndTime.Before(time.Now()) {
		return formatErrorf("vote on expired poll %d", post.Id)
	}
	option := getString(objectNode, "name")
	idx := -1
	for i, opt := range q.Options {
		if opt.Name == option {
			idx = i
			break
		}
	}
	if idx < 0 {
		return formatErrorf("vote for unknown option %q on poll %d", option, post.Id)
	}

	objectURI := getString(objectNode, "id")
	if existing, err := s.store.InteractionByObjectURI(ctx, objectURI); err != nil {
		return err
	} else if existing != nil {
		return nil
	}

	voter, err := s.EnsureIdentity(ctx, actorURI)
	if err != nil {
		return err
	}
	prior, err := s.store.ActiveInteraction(ctx, voter.Id, post.Id, domain.InteractionVote)
	if err != nil {
		return err
	}
	if prior != nil {
		if q.Mode != "anyOf" || prior.Value == option {
			// Single-choice polls take the first vote only.
			return nil
		}
	}

	// Remote votes need no delivery of their own, so they enter the graph
	// already fanned out.
	pi := &domain.PostInteraction{
		Id:         util.NewID(util.KindInteraction),
		Workflow:   domain.Workflow{State: domain.InteractionFannedOut, StateChanged: time.Now().UTC()},
		Type:       domain.InteractionVote,
		IdentityId: voter.Id,
		PostId:     post.Id,
		Value:      option,
		ObjectURI:  objectURI,
		Published:  parsePublished(objectNode),
	}
	if err := s.store.CreateInteraction(ctx, pi); err != nil {
		return err
	}

	q.Options[idx].Votes++
	if prior == nil {
		q.Voters++
	}
	encoded, err := json.Marshal(q)
	if err != nil {
		return err
	}
	return s.store.SetTypeData(ctx, post.Id, string(encoded))
}

// ─── Fan-out handlers ─────────────────────────────────────────────────────────

// fanOutPost is the post "new" handler: one FanOut per reachable recipient,
// plus the author's own timeline row.
func (s *Service) fanOutPost(ctx context.Context, id int64) (string, error) {
	post, author, err := s.postAndAuthor(ctx, id)
	if err != nil || post == nil {
		return stateOrBubble(domain.PostFannedOut, err)
	}
	if author.Local {
		if _, err := s.store.CreateTimelineEvent(ctx, &domain.TimelineEvent{
			IdentityId:    author.Id,
			Type:          domain.EventPost,
			SubjectPostId: &post.Id,
			Published:     post.Published,
		}); err != nil {
			return "", err
		}
	}
	if err := s.createPostFanOuts(ctx, post, author, domain.FanOutPost); err != nil {
		return "", err
	}
	return domain.PostFannedOut, nil
}

// fanOutPostEdited redelivers the updated object to the same audience.
func (s *Service) fanOutPostEdited(ctx context.Context, id int64) (string, error) {
	post, author, err := s.postAndAuthor(ctx, id)
	if err != nil || post == nil {
		return stateOrBubble(domain.PostEditedFannedOut, err)
	}
	if err := s.createPostFanOuts(ctx, post, author, domain.FanOutPostEdited); err != nil {
		return "", err
	}
	return domain.PostEditedFannedOut, nil
}

// fanOutPostDeleted tears down derived data and tells remote recipients.
func (s *Service) fanOutPostDeleted(ctx context.Context, id int64) (string, error) {
	post, author, err := s.postAndAuthor(ctx, id)
	if err != nil || post == nil {
		return stateOrBubble(domain.PostDeletedFannedOut, err)
	}
	if err := s.store.DeleteTimelineEventsForPost(ctx, post.Id); err != nil {
		return "", err
	}
	if err := s.store.DeleteAttachmentsOf(ctx, post.Id); err != nil {
		return "", err
	}
	if post.Local {
		if err := s.createPostFanOuts(ctx, post, author, domain.FanOutPostDeleted); err != nil {
			return "", err
		}
	}
	return domain.PostDeletedFannedOut, nil
}

func (s *Service) postAndAuthor(ctx context.Context, id int64) (*domain.Post, *domain.Identity, error) {
	post, err := s.store.PostById(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if post == nil {
		return nil, nil, nil
	}
	author, err := s.store.IdentityById(ctx, post.AuthorId)
	if err != nil {
		return nil, nil, err
	}
	if author == nil {
		return nil, nil, nil
	}
	return post, author, nil
}

// stateOrBubble collapses the "row vanished" case into a terminal state.
func stateOrBubble(state string, err error) (string, error) {
	if err != nil {
		return "", err
	}
	return state, nil
}

func (s *Service) createPostFanOuts(ctx context.Context, post *domain.Post, author *domain.Identity, t domain.FanOutType) error {
	recipients, err := s.postRecipients(ctx, post, author)
	if err != nil {
		return err
	}
	for _, r := range dedupeForDelivery(recipients) {
		if _, err := s.store.CreateFanOut(ctx, &domain.FanOut{
			Workflow:      domain.NewWorkflow(domain.FanOutNew),
			IdentityId:    r.Id,
			Type:          t,
			SubjectPostId: &post.Id,
		}); err != nil {
			return err
		}
	}
	return nil
}

// postRecipients is the audience computation: mentioned and addressed
// identities, plus followers outside mentioned-only visibility, plus the
// author being replied to, minus the author, anyone blocking them, and
// anyone off-server when the post must stay local.
func (s *Service) postRecipients(ctx context.Context, post *domain.Post, author *domain.Identity) ([]*domain.Identity, error) {
	ids := map[int64]bool{}
	for _, id := range post.ToIds {
		ids[id] = true
	}
	for _, id := range post.MentionIds {
		ids[id] = true
	}
	if post.Visibility != domain.VisibilityMentioned {
		follows, err := s.store.Followers(ctx, author.Id)
		if err != nil {
			return nil, err
		}
		for _, f := range follows {
			ids[f.SourceId] = true
		}
	}
	if post.InReplyTo != "" {
		parent, err := s.store.PostByObjectURI(ctx, post.InReplyTo)
		if err != nil {
			return nil, err
		}
		if parent != nil {
			ids[parent.AuthorId] = true
		}
	}
	delete(ids, author.Id)

	blocks, err := s.store.BlocksAgainst(ctx, author.Id)
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
	localOnly := !post.Local || post.Visibility == domain.VisibilityLocalOnly
	var out []*domain.Identity
	for _, identity := range identities {
		if identity.Deleted != nil {
			continue
		}
		if localOnly && !identity.Local {
			continue
		}
		out = append(out, identity)
	}
	return out, nil
}

// dedupeForDelivery keeps every local recipient but collapses remote ones
// sharing an inbox down to a single representative.
func dedupeForDelivery(recipients []*domain.Identity) []*domain.Identity {
	var out []*domain.Identity
	seenInbox := map[string]bool{}
	for _, r := range recipients {
		if r.Local {
			out = append(out, r)
			continue
		}
		inbox := r.SharedInboxURI
		if inbox == "" {
			inbox = r.InboxURI
		}
		if inbox == "" || seenInbox[inbox] {
			continue
		}
		seenInbox[inbox] = true
		out = append(out, r)
	}
	return out
}

// ─── Local authoring ──────────────────────────────────────────────────────────

// CreateLocalPost authors a note on behalf of a local identity and queues it
// for fan-out. Mentions and hashtags are parsed out of the raw text.
func (s *Service) CreateLocalPost(ctx context.Context, author *domain.Identity, content, summary string, visibility domain.Visibility, inReplyTo string) (*domain.Post, error) {
	if !author.Local {
		return nil, formatErrorf("identity %s is not local", author.ActorURI)
	}
	id := util.NewID(util.KindPost)
	post := &domain.Post{
		Id:         id,
		Workflow:   domain.NewWorkflow(domain.PostNew),
		AuthorId:   author.Id,
		Local:      true,
		ObjectURI:  s.PostURI(id),
		Visibility: visibility,
		Summary:    util.SanitizeHTML(summary),
		InReplyTo:  inReplyTo,
		Type:       domain.PostTypeNote,
		Published:  time.Now().UTC(),
	}

	mentionURIs := map[string]string{}
	for _, m := range util.ParseMentions(content) {
		identity, err := s.store.IdentityByHandle(ctx, m.Username, m.Domain)
		if err != nil {
			return nil, err
		}
		if identity == nil {
			actorURI, _, rerr := s.ResolveHandle(ctx, m.Username, m.Domain)
			if rerr != nil {
				continue
			}
			identity, err = s.EnsureIdentity(ctx, actorURI)
			if err != nil {
				return nil, err
			}
		}
		post.MentionIds = append(post.MentionIds, identity.Id)
		mentionURIs["@"+m.Username+"@"+m.Domain] = identity.ActorURI
	}

	for _, tag := range util.ParseHashtags(content) {
		if _, err := s.store.TouchHashtag(ctx, tag); err != nil {
			return nil, err
		}
	}
	content = util.MentionsToActivityPubHTML(content, mentionURIs)
	content = util.HashtagsToActivityPubHTML(content, s.conf.BaseURL())
	post.Content = util.SanitizeHTML(content)

	if err := s.store.CreatePost(ctx, post); err != nil {
		return nil, err
	}
	if inReplyTo != "" {
		if parent, err := s.store.PostByObjectURI(ctx, inReplyTo); err != nil {
			return nil, err
		} else if parent != nil {
			if err := s.store.AdjustPostCounts(ctx, parent.Id, 1, 0, 0); err != nil {
				return nil, err
			}
		}
	}
	return post, nil
}
