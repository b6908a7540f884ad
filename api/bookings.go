package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/tnmwangi/paysync/internal/domain"
	"github.com/tnmwangi/paysync/internal/service/booking"
)

type BookingHandler struct {
	service booking.BookingUseCase
}

type createBookingRequest struct {
	ClientID    string    `json:"client_id" binding:"required,uuid"`
	ProviderID  string    `json:"provider_id" binding:"required,uuid"`
	ServiceType string    `json:"service_type" binding:"required"`
	ScheduledAt time.Time `json:"scheduled_at" binding:"required"`
	Amount      float64   `json:"amount" binding:"required,gt=0"`
}

type actionRequest struct {
	Actor  string `json:"actor" binding:"required"`
	Reason string `json:"reason"`
	// Party distinguishes no-show actions: "client" or "provider".
	Party string `json:"party"`
}

// transitionRequest names the target state explicitly. Legacy labels from
// older clients ("Booked", "Awaiting Payment") are accepted here and
// translated at this boundary.
type transitionRequest struct {
	Target string `json:"target" binding:"required"`
	Actor  string `json:"actor" binding:"required"`
	Reason string `json:"reason"`
}

type bookingResponse struct {
	ID             string  `json:"id"`
	ClientID       string  `json:"client_id"`
	ProviderID     string  `json:"provider_id"`
	ServiceType    string  `json:"service_type"`
	ScheduledAt    string  `json:"scheduled_at"`
	Amount         float64 `json:"amount"`
	State          string  `json:"state"`
	StateChangedAt string  `json:"state_changed_at"`
	Reason         string  `json:"reason,omitempty"`
	PaymentID      string  `json:"payment_id,omitempty"`
}

func NewBookingHandler(service booking.BookingUseCase) *BookingHandler {
	return &BookingHandler{service: service}
}

func (h *BookingHandler) Register(router *gin.RouterGroup) {
	router.POST("/", h.create)
	router.GET("/:id", h.get)
	router.GET("/:id/audit", h.audit)
	router.POST("/:id/approve", h.action(domain.BookingStateApproved))
	router.POST("/:id/decline", h.decline)
	router.POST("/:id/cancel", h.action(domain.BookingStateCancelled))
	router.POST("/:id/start", h.action(domain.BookingStateInProgress))
	router.POST("/:id/forms-complete", h.action(domain.BookingStateReady))
	router.POST("/:id/complete", h.action(domain.BookingStateCompleted))
	router.POST("/:id/no-show", h.noShow)
	router.POST("/:id/transition", h.explicitTransition)
}

func (h *BookingHandler) create(c *gin.Context) {
	var req createBookingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	clientID, _ := uuid.Parse(req.ClientID)
	providerID, _ := uuid.Parse(req.ProviderID)

	b, err := h.service.CreateBooking(c.Request.Context(), booking.CreateBookingInput{
		ClientID:    clientID,
		ProviderID:  providerID,
		ServiceType: req.ServiceType,
		ScheduledAt: req.ScheduledAt,
		Amount:      req.Amount,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toBookingResponse(b))
}

func (h *BookingHandler) get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	b, err := h.service.GetBooking(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toBookingResponse(b))
}

func (h *BookingHandler) audit(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	records, err := h.service.AuditTrail(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": records})
}

// action builds the handler for one lifecycle action; every action is one
// requestTransition call carrying actor and reason.
func (h *BookingHandler) action(target domain.BookingState) gin.HandlerFunc {
	return func(c *gin.Context) {
		h.transition(c, target, "")
	}
}

func (h *BookingHandler) decline(c *gin.Context) {
	h.transition(c, domain.BookingStateCancelled, "declined")
}

func (h *BookingHandler) noShow(c *gin.Context) {
	var req actionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	target := domain.BookingStateNoShowClient
	if req.Party == "provider" {
		target = domain.BookingStateNoShowProvider
	}
	h.apply(c, target, req)
}

func (h *BookingHandler) explicitTransition(c *gin.Context) {
	var req transitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	target, ok := domain.ParseBookingState(req.Target)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown target state: " + req.Target})
		return
	}
	h.apply(c, target, actionRequest{Actor: req.Actor, Reason: req.Reason})
}

func (h *BookingHandler) transition(c *gin.Context, target domain.BookingState, reasonPrefix string) {
	var req actionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if reasonPrefix != "" {
		if req.Reason == "" {
			req.Reason = reasonPrefix
		} else {
			req.Reason = reasonPrefix + ": " + req.Reason
		}
	}
	h.apply(c, target, req)
}

func (h *BookingHandler) apply(c *gin.Context, target domain.BookingState, req actionRequest) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	b, err := h.service.RequestTransition(c.Request.Context(), id, target, req.Actor, req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toBookingResponse(b))
}

func toBookingResponse(b *domain.Booking) bookingResponse {
	resp := bookingResponse{
		ID:             b.ID.String(),
		ClientID:       b.ClientID.String(),
		ProviderID:     b.ProviderID.String(),
		ServiceType:    b.ServiceType,
		ScheduledAt:    b.ScheduledAt.Format(time.RFC3339),
		Amount:         b.Amount,
		State:          string(b.State),
		StateChangedAt: b.StateChangedAt.Format(time.RFC3339),
		Reason:         b.Reason,
	}
	if b.PaymentID != nil {
		resp.PaymentID = b.PaymentID.String()
	}
	return resp
}
