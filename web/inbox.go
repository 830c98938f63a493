package web

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/anancus/anancus/activitypub"
)

// HandleSharedInbox accepts a signed activity on the shared inbox.
func (s *Server) HandleSharedInbox(c *gin.Context) {
	s.receive(c)
}

// handleIdentityInbox accepts a signed activity addressed to one local
// identity. Delivery targeting is resolved from the activity itself, so a
// missing identity is the only per-handle concern here.
func (s *Server) handleIdentityInbox(c *gin.Context, handle string) {
	identity, err := s.store.LocalIdentityByUsername(c.Request.Context(), handle)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	if identity == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no such identity"})
		return
	}
	s.receive(c)
}

// receive reads the capped body and maps the receive contract's typed
// errors onto status codes: 202 accept-or-drop, 400 malformed, 401
// signature mismatch, 413 oversize.
func (s *Server) receive(c *gin.Context) {
	limit := s.conf.Conf.MaxInboxBytes
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, limit+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body read failed"})
		return
	}
	if int64(len(body)) > limit {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "body exceeds inbox limit"})
		return
	}

	err = s.service.ReceiveInbox(c.Request.Context(), c.Request, body)
	if err == nil {
		c.Status(http.StatusAccepted)
		return
	}

	var formatErr *activitypub.FormatError
	var verifyFormatErr *activitypub.VerificationFormatError
	var verifyErr *activitypub.VerificationError
	switch {
	case errors.As(err, &formatErr), errors.As(err, &verifyFormatErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.As(err, &verifyErr):
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
	default:
		s.logger.Error("inbox receive failed", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
