// Package web is the federation HTTP surface: inbox endpoints, actor and
// collection documents, webfinger/host-meta/nodeinfo discovery, an RSS feed
// of each outbox, and health reporting. It holds no state of its own;
// everything delegates to the store and the activitypub service.
package web

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"

	"github.com/anancus/anancus/activitypub"
	"github.com/anancus/anancus/db"
	"github.com/anancus/anancus/util"
)

const contentTypeActivity = `application/activity+json; charset=utf-8`

type Server struct {
	store   *db.Store
	service *activitypub.Service
	conf    *util.AppConfig
	logger  *slog.Logger

	// heartbeat reports the runner's last schedule sweep, for /healthz.
	// Nil until the runner is wired in.
	heartbeat func() time.Time
}

func NewServer(store *db.Store, service *activitypub.Service, conf *util.AppConfig, logger *slog.Logger) *Server {
	return &Server{store: store, service: service, conf: conf, logger: logger}
}

// SetHeartbeat wires the runner's sweep clock into health reporting.
func (s *Server) SetHeartbeat(fn func() time.Time) {
	s.heartbeat = fn
}

// Router assembles the gin engine with every federation route.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gzip.Gzip(gzip.DefaultCompression))

	r.POST("/inbox/", s.HandleSharedInbox)
	// Mastodon-style alias some servers address directly.
	r.POST("/users/:user/inbox", func(c *gin.Context) {
		s.handleIdentityInbox(c, c.Param("user"))
	})
	r.GET("/actor/", s.HandleSystemActor)
	r.GET("/post/:id/", s.HandlePostObject)

	r.GET("/.well-known/webfinger", s.HandleWebfinger)
	r.GET("/.well-known/host-meta", s.HandleHostMeta)
	r.GET("/.well-known/nodeinfo", s.HandleNodeinfoDiscovery)
	r.GET("/nodeinfo/2.0/", s.HandleNodeinfo)
	r.GET("/healthz", s.HandleHealth)

	if s.conf.Conf.MediaDir != "" {
		r.Static("/media", s.conf.Conf.MediaDir)
	}

	// Actor URIs live under /@<handle>/, which gin's router cannot
	// parameterise mid-segment; those paths dispatch from NoRoute.
	r.NoRoute(s.routeActorPaths)
	return r
}

// routeActorPaths dispatches /@<handle>/... requests by hand.
func (s *Server) routeActorPaths(c *gin.Context) {
	path := strings.Trim(c.Request.URL.Path, "/")
	if !strings.HasPrefix(path, "@") {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	parts := strings.Split(path, "/")
	handle := strings.TrimPrefix(parts[0], "@")
	rest := parts[1:]

	switch {
	case len(rest) == 0 && c.Request.Method == http.MethodGet:
		s.handleActor(c, handle)
	case len(rest) == 1 && rest[0] == "inbox" && c.Request.Method == http.MethodPost:
		s.handleIdentityInbox(c, handle)
	case len(rest) == 1 && rest[0] == "outbox" && c.Request.Method == http.MethodGet:
		s.handleOutbox(c, handle)
	case len(rest) == 1 && rest[0] == "rss" && c.Request.Method == http.MethodGet:
		s.handleRSS(c, handle)
	case len(rest) == 1 && rest[0] == "followers" && c.Request.Method == http.MethodGet:
		s.handleFollowerCollection(c, handle, true)
	case len(rest) == 1 && rest[0] == "following" && c.Request.Method == http.MethodGet:
		s.handleFollowerCollection(c, handle, false)
	case isFeaturedPath(rest) && c.Request.Method == http.MethodGet:
		s.handleFeatured(c, handle)
	default:
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	}
}

// isFeaturedPath accepts both our /featured/ and the Mastodon-style
// /collections/featured/ spelling.
func isFeaturedPath(rest []string) bool {
	if len(rest) == 1 && rest[0] == "featured" {
		return true
	}
	return len(rest) == 2 && rest[0] == "collections" && rest[1] == "featured"
}

// mustJSON encodes a document we built ourselves; encoding cannot fail on
// these shapes.
func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return b
}

// wantsActivityJSON inspects the Accept header for an AP document request.
func wantsActivityJSON(c *gin.Context) bool {
	accept := c.GetHeader("Accept")
	return strings.Contains(accept, "json") || accept == "" || accept == "*/*"
}

// HandleHealth reports store reachability and runner heartbeat age.
func (s *Server) HandleHealth(c *gin.Context) {
	status := http.StatusOK
	body := gin.H{"status": "ok", "version": util.GetVersion()}
	if err := s.store.Ping(); err != nil {
		status = http.StatusServiceUnavailable
		body["status"] = "degraded"
		body["database"] = err.Error()
	}
	if s.heartbeat != nil {
		last := s.heartbeat()
		body["last_sweep"] = last.UTC().Format(time.RFC3339)
		if age := time.Since(last); age > 2*time.Duration(s.conf.Conf.ScheduleSecs)*time.Second {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
			body["sweep_age"] = age.String()
		}
	}
	c.JSON(status, body)
}
