package domain

import (
	"time"

	"github.com/google/uuid"
)

type BookingState string

const (
	BookingStateRequested      BookingState = "REQUESTED"
	BookingStateApproved       BookingState = "APPROVED"
	BookingStatePaymentPending BookingState = "PAYMENT_PENDING"
	BookingStatePaid           BookingState = "PAID"
	BookingStateFormsRequired  BookingState = "FORMS_REQUIRED"
	BookingStateReady          BookingState = "READY"
	BookingStateInProgress     BookingState = "IN_PROGRESS"
	BookingStateCompleted      BookingState = "COMPLETED"
	BookingStateCancelled      BookingState = "CANCELLED"
	BookingStateNoShowClient   BookingState = "NO_SHOW_CLIENT"
	BookingStateNoShowProvider BookingState = "NO_SHOW_PROVIDER"
)

// Booking is one scheduled session between a client and a provider.
// State is only ever written through the transition validator; Amount is
// locked at payment initiation and never overwritten afterwards.
type Booking struct {
	ID             uuid.UUID
	ClientID       uuid.UUID
	ProviderID     uuid.UUID
	ServiceType    string
	ScheduledAt    time.Time
	Amount         float64
	AmountLocked   bool
	State          BookingState
	StateChangedAt time.Time
	Reason         string
	PaymentID      *uuid.UUID
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
