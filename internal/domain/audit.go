package domain

import (
	"time"

	"github.com/google/uuid"
)

type EntityKind string

const (
	EntityBooking EntityKind = "BOOKING"
	EntityPayment EntityKind = "PAYMENT"
	// EntitySession covers video/session-call signals. It exists only so the
	// authority matrix can name and reject it; session events never own a
	// booking or payment transition.
	EntitySession EntityKind = "SESSION"
)

// AuditRecord is one immutable fact about a state transition. Records are
// appended in the same transaction as the state change and never updated.
type AuditRecord struct {
	ID            int64
	EntityKind    EntityKind
	EntityID      uuid.UUID
	Sequence      int
	FromState     string
	ToState       string
	Actor         string
	Reason        string
	CorrelationID string
	AmountFlagged bool
	OccurredAt    time.Time
}
