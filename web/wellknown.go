package web

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/anancus/anancus/util"
)

// HandleWebfinger answers acct: lookups for local identities as a JRD
// document.
func (s *Server) HandleWebfinger(c *gin.Context) {
	resource := c.Query("resource")
	if resource == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing resource parameter"})
		return
	}

	handle := strings.TrimPrefix(resource, "acct:")
	handle = strings.TrimPrefix(handle, "@")
	username, host, _ := strings.Cut(handle, "@")
	if host != "" && !strings.EqualFold(host, s.conf.Conf.SslDomain) {
		c.JSON(http.StatusNotFound, gin.H{"error": "resource not served here"})
		return
	}

	identity, err := s.store.LocalIdentityByUsername(c.Request.Context(), username)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	if identity == nil || identity.Deleted != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no such identity"})
		return
	}

	jrd := gin.H{
		"subject": fmt.Sprintf("acct:%s@%s", identity.Username, s.conf.Conf.SslDomain),
		"aliases": []string{identity.ActorURI},
		"links": []gin.H{
			{
				"rel":  "self",
				"type": "application/activity+json",
				"href": identity.ActorURI,
			},
			{
				"rel":  "http://webfinger.net/rel/profile-page",
				"type": "text/html",
				"href": identity.ActorURI,
			},
		},
	}
	c.Header("Content-Type", "application/jrd+json; charset=utf-8")
	c.JSON(http.StatusOK, jrd)
}

// HandleHostMeta serves the XRD document pointing resolvers at our
// webfinger endpoint.
func (s *Server) HandleHostMeta(c *gin.Context) {
	xrd := fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<XRD xmlns="http://docs.oasis-open.org/ns/xri/xrd-1.0">
  <Link rel="lrdd" template="%s/.well-known/webfinger?resource={uri}"/>
</XRD>
`, s.conf.BaseURL())
	c.Data(http.StatusOK, "application/xrd+xml; charset=utf-8", []byte(xrd))
}

// HandleNodeinfoDiscovery serves the well-known pointer to the 2.0
// document.
func (s *Server) HandleNodeinfoDiscovery(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"links": []gin.H{
			{
				"rel":  "http://nodeinfo.diaspora.software/ns/schema/2.0",
				"href": s.conf.BaseURL() + "/nodeinfo/2.0/",
			},
		},
	})
}

// HandleNodeinfo serves the nodeinfo 2.0 document with live usage counts.
func (s *Server) HandleNodeinfo(c *gin.Context) {
	ctx := c.Request.Context()
	users, err := s.store.CountLocalIdentities(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "count failed"})
		return
	}
	posts, err := s.store.CountLocalPosts(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "count failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"version": "2.0",
		"software": gin.H{
			"name":    util.Name,
			"version": util.GetVersion(),
		},
		"protocols": []string{"activitypub"},
		"services":  gin.H{"inbound": []string{}, "outbound": []string{}},
		"usage": gin.H{
			"users":      gin.H{"total": users},
			"localPosts": posts,
		},
		"openRegistrations": s.conf.Conf.SignupAllowed,
		"metadata": gin.H{
			"nodeDescription": s.conf.Conf.NodeDescription,
		},
	})
}
