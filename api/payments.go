package api

import (
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/tnmwangi/paysync/internal/domain"
	"github.com/tnmwangi/paysync/internal/service/booking"
	"github.com/tnmwangi/paysync/internal/service/consistency"
)

type PaymentHandler struct {
	bookings booking.BookingUseCase
	manager  consistency.ConsistencyUseCase
}

type initiatePaymentRequest struct {
	BookingID string `json:"booking_id" binding:"required,uuid"`
	PayerRef  string `json:"payer_ref" binding:"required"`
	Actor     string `json:"actor" binding:"required"`
}

// gatewayCallback is the minimal slice of the gateway's webhook the engine
// consumes. Result code zero means success.
type gatewayCallback struct {
	ResultCode     int     `json:"result_code"`
	ResultDesc     string  `json:"result_desc"`
	TransactionRef string  `json:"transaction_ref"`
	CorrelationID  string  `json:"correlation_id" binding:"required"`
	Amount         float64 `json:"amount"`
	PayerRef       string  `json:"payer_ref"`
}

type refundRequest struct {
	Actor  string `json:"actor" binding:"required"`
	Reason string `json:"reason" binding:"required"`
}

func NewPaymentHandler(bookings booking.BookingUseCase, manager consistency.ConsistencyUseCase) *PaymentHandler {
	return &PaymentHandler{bookings: bookings, manager: manager}
}

func (h *PaymentHandler) Register(router *gin.RouterGroup) {
	router.POST("/", h.initiate)
	router.POST("/webhook", h.webhook)
	router.GET("/status/:correlation_id", h.status)
	router.POST("/:id/refund", h.refund)
}

// status lets a client poll the outcome of a push it triggered. The
// correlation id is the only reference the client holds before the
// gateway reports back.
func (h *PaymentHandler) status(c *gin.Context) {
	payment, err := h.bookings.PaymentStatus(c.Request.Context(), c.Param("correlation_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	resp := gin.H{
		"payment_id":     payment.ID.String(),
		"booking_id":     payment.BookingID.String(),
		"correlation_id": payment.CorrelationID,
		"amount":         payment.Amount,
		"state":          payment.State,
	}
	if payment.FailureReason != "" {
		resp["failure_reason"] = payment.FailureReason
	}
	c.JSON(http.StatusOK, resp)
}

func (h *PaymentHandler) initiate(c *gin.Context) {
	var req initiatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	bookingID, _ := uuid.Parse(req.BookingID)

	payment, err := h.bookings.InitiatePayment(c.Request.Context(), booking.InitiatePaymentInput{
		BookingID: bookingID,
		PayerRef:  req.PayerRef,
		Actor:     req.Actor,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"payment_id":     payment.ID.String(),
		"correlation_id": payment.CorrelationID,
		"amount":         payment.Amount,
		"state":          payment.State,
	})
}

// webhook acknowledges the gateway even for duplicates, unknown references
// and rejected transitions; only a rolled-back commit returns 5xx, which is
// the one case a gateway retry can help.
func (h *PaymentHandler) webhook(c *gin.Context) {
	var payload gatewayCallback
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot parse webhook payload"})
		return
	}

	result, err := h.manager.ApplyPaymentOutcome(c.Request.Context(), consistency.Outcome{
		CorrelationID: payload.CorrelationID,
		ResultCode:    payload.ResultCode,
		ResultDesc:    payload.ResultDesc,
		Amount:        payload.Amount,
		PayerRef:      payload.PayerRef,
		ExternalTxnID: payload.TransactionRef,
	})
	if err != nil {
		var (
			invalid     *domain.InvalidTransitionError
			discrepancy *domain.AmountDiscrepancyError
			persistence *domain.PersistenceError
		)
		switch {
		case errors.Is(err, domain.ErrDuplicateEvent):
			// The unique index caught a replay that raced past the cache.
			c.JSON(http.StatusOK, gin.H{"status": "already_processed"})
		case errors.Is(err, domain.ErrUnresolvedReference):
			// No matching payment: acknowledged so the gateway stops
			// retrying; reconciliation will surface it as orphaned.
			log.Printf("webhook for unknown correlation id %s acknowledged", payload.CorrelationID)
			c.JSON(http.StatusOK, gin.H{"status": "acknowledged", "detail": "unknown reference"})
		case errors.As(err, &discrepancy):
			log.Printf("webhook amount discrepancy for %s: %v", payload.CorrelationID, err)
			c.JSON(http.StatusOK, gin.H{"status": "manual_review", "detail": "amount outside tolerance"})
		case errors.As(err, &invalid):
			log.Printf("webhook rejected transition for %s: %v", payload.CorrelationID, err)
			c.JSON(http.StatusOK, gin.H{"status": "rejected", "detail": "transition not legal from current state"})
		case errors.As(err, &persistence):
			writeError(c, err)
		default:
			writeError(c, err)
		}
		return
	}

	c.JSON(http.StatusOK, result)
}

func (h *PaymentHandler) refund(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	var req refundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	payment, err := h.manager.RefundPayment(c.Request.Context(), id, req.Actor, req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"payment_id": payment.ID.String(),
		"state":      payment.State,
	})
}
