package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tnmwangi/paysync/internal/authority"
	"github.com/tnmwangi/paysync/internal/domain"
)

// SessionHandler is the adapter for video/session-call signals. The
// authority matrix denies them unconditionally as drivers of booking state;
// this endpoint exists so integrations fail loudly instead of silently.
type SessionHandler struct{}

type sessionEventRequest struct {
	BookingID   string `json:"booking_id" binding:"required,uuid"`
	Event       string `json:"event" binding:"required"`
	TargetState string `json:"target_state"`
}

func NewSessionHandler() *SessionHandler {
	return &SessionHandler{}
}

func (h *SessionHandler) Register(router *gin.RouterGroup) {
	router.POST("/events", h.event)
}

func (h *SessionHandler) event(c *gin.Context) {
	var req sessionEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	decision := authority.Check(domain.EntitySession, req.Event, domain.EntityBooking, req.TargetState)
	if !decision.Allowed {
		writeError(c, authority.NewAuthorityViolation(domain.EntitySession, domain.EntityBooking, req.TargetState, decision))
		return
	}
	// Unreachable while the matrix stands; kept so the deny rule is the
	// single decision point.
	c.JSON(http.StatusOK, gin.H{"status": "accepted"})
}
