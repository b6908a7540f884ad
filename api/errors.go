package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tnmwangi/paysync/internal/domain"
)

// writeError maps the engine's error taxonomy onto HTTP. The structured
// detail is for staff/integration tooling; end-user surfaces translate the
// coarse message themselves.
func writeError(c *gin.Context, err error) {
	var (
		invalid     *domain.InvalidTransitionError
		violation   *domain.AuthorityViolationError
		discrepancy *domain.AmountDiscrepancyError
		persistence *domain.PersistenceError
	)

	switch {
	case errors.As(err, &invalid):
		c.JSON(http.StatusConflict, gin.H{
			"error":         "invalid_transition",
			"message":       "this action is not available right now",
			"entity":        invalid.Entity,
			"current_state": invalid.From,
			"target_state":  invalid.To,
			"allowed":       invalid.Allowed,
		})
	case errors.As(err, &violation):
		c.JSON(http.StatusForbidden, gin.H{
			"error":         "authority_violation",
			"message":       violation.Error(),
			"authoritative": violation.Authoritative,
		})
	case errors.As(err, &discrepancy):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":     "amount_discrepancy",
			"message":   "payment amount requires manual review",
			"expected":  discrepancy.Expected,
			"actual":    discrepancy.Actual,
			"tolerance": discrepancy.Tolerance,
		})
	case errors.As(err, &persistence):
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "persistence_failure",
			"message": "commit failed, safe to retry with the same correlation id",
		})
	case errors.Is(err, domain.ErrConcurrentModification):
		c.JSON(http.StatusConflict, gin.H{"error": "concurrent_modification", "message": "the record changed underneath this request, retry"})
	case errors.Is(err, domain.ErrPaymentOpen):
		c.JSON(http.StatusConflict, gin.H{"error": "payment_open", "message": err.Error()})
	case errors.Is(err, domain.ErrBookingNotFound), errors.Is(err, domain.ErrPaymentNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad_request", "message": err.Error()})
	}
}
