package web

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/anancus/anancus/domain"
)

// deliveredStates are the post states visible on public surfaces. A post
// still in new has not fanned out yet but is already published locally.
var deliveredStates = []string{
	domain.PostNew,
	domain.PostFannedOut,
	domain.PostEdited,
	domain.PostEditedFannedOut,
}

const outboxPageSize = 20

// handleActor serves a local identity's actor document.
func (s *Server) handleActor(c *gin.Context, handle string) {
	identity, ok := s.localIdentity(c, handle)
	if !ok {
		return
	}
	if !wantsActivityJSON(c) {
		c.JSON(http.StatusNotAcceptable, gin.H{"error": "activity+json only"})
		return
	}
	doc := s.service.ActorDocument(c.Request.Context(), identity)
	c.Data(http.StatusOK, contentTypeActivity, mustJSON(doc))
}

// HandleSystemActor serves the server's distinguished signing actor.
func (s *Server) HandleSystemActor(c *gin.Context) {
	doc, err := s.service.SystemActorDocument(c.Request.Context())
	if err != nil {
		s.logger.Error("system actor document", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.Data(http.StatusOK, contentTypeActivity, mustJSON(doc))
}

// HandlePostObject serves one local post as its AP object. Only public and
// unlisted posts resolve; anything narrower needs an authorised fetch we do
// not offer.
func (s *Server) HandlePostObject(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no such post"})
		return
	}
	ctx := c.Request.Context()
	post, err := s.store.PostById(ctx, id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	if post == nil || !post.Local || post.State == domain.PostDeleted || post.State == domain.PostDeletedFannedOut {
		c.JSON(http.StatusNotFound, gin.H{"error": "no such post"})
		return
	}
	if post.Visibility != domain.VisibilityPublic && post.Visibility != domain.VisibilityUnlisted {
		c.JSON(http.StatusNotFound, gin.H{"error": "no such post"})
		return
	}
	author, err := s.store.IdentityById(ctx, post.AuthorId)
	if err != nil || author == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	obj, err := s.service.PostObject(ctx, post, author)
	if err != nil {
		s.logger.Error("post object render", "post", post.Id, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	obj["@context"] = "https://www.w3.org/ns/activitystreams"
	c.Data(http.StatusOK, contentTypeActivity, mustJSON(obj))
}

// handleOutbox serves an identity's public posts as an OrderedCollection.
// The whole thing fits one page; pagination keys on ?before=<post id>.
func (s *Server) handleOutbox(c *gin.Context, handle string) {
	identity, ok := s.localIdentity(c, handle)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	var beforeId int64
	if v := c.Query("before"); v != "" {
		beforeId, _ = strconv.ParseInt(v, 10, 64)
	}
	posts, err := s.store.PostsByAuthor(ctx, identity.Id, deliveredStates, beforeId, outboxPageSize)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}

	items := make([]any, 0, len(posts))
	for _, post := range posts {
		if post.Visibility != domain.VisibilityPublic && post.Visibility != domain.VisibilityUnlisted {
			continue
		}
		obj, err := s.service.PostObject(ctx, post, identity)
		if err != nil {
			s.logger.Warn("outbox post render", "post", post.Id, "err", err)
			continue
		}
		items = append(items, obj)
	}

	doc := gin.H{
		"@context":     "https://www.w3.org/ns/activitystreams",
		"id":           identity.OutboxURI,
		"type":         "OrderedCollection",
		"totalItems":   len(items),
		"orderedItems": items,
	}
	if len(posts) == outboxPageSize {
		last := posts[len(posts)-1]
		doc["next"] = identity.OutboxURI + "?before=" + strconv.FormatInt(last.Id, 10)
	}
	c.Data(http.StatusOK, contentTypeActivity, mustJSON(doc))
}

// handleFeatured serves the pinned-posts collection.
func (s *Server) handleFeatured(c *gin.Context, handle string) {
	identity, ok := s.localIdentity(c, handle)
	if !ok {
		return
	}
	items := identity.PinnedURIs
	if items == nil {
		items = []string{}
	}
	doc := gin.H{
		"@context":     "https://www.w3.org/ns/activitystreams",
		"id":           identity.FeaturedCollectionURI,
		"type":         "OrderedCollection",
		"totalItems":   len(items),
		"orderedItems": items,
	}
	c.Data(http.StatusOK, contentTypeActivity, mustJSON(doc))
}

// handleFollowerCollection serves followers or following as a count-only
// collection. Member lists stay private, as most fediverse servers do.
func (s *Server) handleFollowerCollection(c *gin.Context, handle string, followers bool) {
	identity, ok := s.localIdentity(c, handle)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	var count int64
	var uri string
	var err error
	if followers {
		count, err = s.store.CountFollowers(ctx, identity.Id)
		uri = identity.FollowersURI
	} else {
		count, err = s.store.CountFollowing(ctx, identity.Id)
		uri = identity.FollowingURI
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	doc := gin.H{
		"@context":   "https://www.w3.org/ns/activitystreams",
		"id":         uri,
		"type":       "OrderedCollection",
		"totalItems": count,
	}
	c.Data(http.StatusOK, contentTypeActivity, mustJSON(doc))
}

// localIdentity loads a live local identity or writes the 404 itself.
func (s *Server) localIdentity(c *gin.Context, handle string) (*domain.Identity, bool) {
	identity, err := s.store.LocalIdentityByUsername(c.Request.Context(), handle)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return nil, false
	}
	if identity == nil || identity.Deleted != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no such identity"})
		return nil, false
	}
	return identity, true
}
