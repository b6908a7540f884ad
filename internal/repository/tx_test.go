package repository

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/tnmwangi/paysync/internal/domain"
)

func TestWrapUnitError_DriverFailureBecomesPersistence(t *testing.T) {
	driverErr := errors.New("ERROR: deadlock detected (SQLSTATE 40P01)")

	wrapped := wrapUnitError(driverErr)

	var persistence *domain.PersistenceError
	assert.ErrorAs(t, wrapped, &persistence)
	assert.Equal(t, "query", persistence.Op)
	// The original error stays reachable for logging.
	assert.ErrorIs(t, wrapped, driverErr)
}

func TestWrapUnitError_DomainOutcomesPassThrough(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"concurrent modification", domain.ErrConcurrentModification},
		{"duplicate event", domain.ErrDuplicateEvent},
		{"unresolved reference", domain.ErrUnresolvedReference},
		{"payment open", domain.ErrPaymentOpen},
		{"booking not found", domain.ErrBookingNotFound},
		{"invalid transition", domain.NewInvalidTransitionError(domain.EntityPayment, "REFUNDED", "CONFIRMED", nil)},
		{"amount discrepancy", &domain.AmountDiscrepancyError{Expected: 2500, Actual: 2000, Tolerance: 1.00}},
		{"already wrapped", &domain.PersistenceError{Op: "commit", Err: errors.New("timeout")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.err, wrapUnitError(tt.err))
		})
	}
}
