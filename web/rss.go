package web

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/feeds"

	"github.com/anancus/anancus/domain"
	"github.com/anancus/anancus/util"
)

const rssPageSize = 20

// handleRSS renders an identity's recent public posts as an RSS feed.
func (s *Server) handleRSS(c *gin.Context, handle string) {
	identity, ok := s.localIdentity(c, handle)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	posts, err := s.store.PostsByAuthor(ctx, identity.Id, deliveredStates, 0, rssPageSize)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}

	title := identity.DisplayName
	if title == "" {
		title = identity.Username
	}
	feed := &feeds.Feed{
		Title:       fmt.Sprintf("%s (@%s@%s)", title, identity.Username, s.conf.Conf.SslDomain),
		Link:        &feeds.Link{Href: identity.ActorURI},
		Description: util.StripHTMLTags(identity.Summary),
	}

	for _, post := range posts {
		if post.Visibility != domain.VisibilityPublic {
			continue
		}
		item := &feeds.Item{
			Id:          post.ObjectURI,
			Link:        &feeds.Link{Href: post.ObjectURI},
			Description: post.Content,
			Created:     post.Published,
		}
		if post.Summary != "" {
			item.Title = post.Summary
		} else {
			item.Title = util.TruncateText(util.StripHTMLTags(post.Content), 80)
		}
		feed.Items = append(feed.Items, item)
		if feed.Updated.IsZero() || post.Published.After(feed.Updated) {
			feed.Updated = post.Published
		}
	}

	rss, err := feed.ToRss()
	if err != nil {
		s.logger.Error("rss render", "handle", handle, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.Data(http.StatusOK, "application/rss+xml; charset=utf-8", []byte(rss))
}
