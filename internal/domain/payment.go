package domain

import (
	"time"

	"github.com/google/uuid"
)

type PaymentState string

const (
	PaymentStatePending   PaymentState = "PENDING"
	PaymentStateInitiated PaymentState = "INITIATED"
	PaymentStateConfirmed PaymentState = "CONFIRMED"
	PaymentStateFailed    PaymentState = "FAILED"
	PaymentStateRefunded  PaymentState = "REFUNDED"
	PaymentStateCancelled PaymentState = "CANCELLED"
)

// PaymentAttempt is one recorded gateway outcome. The attempts history is
// append-only and never rewritten.
type PaymentAttempt struct {
	CorrelationID string
	ResultCode    int
	ResultDesc    string
	RecordedAt    time.Time
}

// Payment is one attempted collection of funds against a Booking. For a
// given booking at most one Payment may be in a non-terminal state.
type Payment struct {
	ID            uuid.UUID
	BookingID     uuid.UUID
	CorrelationID string
	Amount        float64
	PayerRef      string
	ExternalTxnID string
	State         PaymentState
	Attempts      []PaymentAttempt
	ConfirmedAt   *time.Time
	FailureReason string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// AttemptFor returns the previously recorded attempt for a correlation id,
// if any. Used for duplicate detection against the audit history when the
// idempotency cache has already expired.
func (p *Payment) AttemptFor(correlationID string) (PaymentAttempt, bool) {
	for _, a := range p.Attempts {
		if a.CorrelationID == correlationID {
			return a, true
		}
	}
	return PaymentAttempt{}, false
}
