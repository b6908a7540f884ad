package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the engine.
var (
	ErrBookingNotFound = errors.New("booking not found")
	ErrPaymentNotFound = errors.New("payment not found")
	// ErrDuplicateEvent marks a replayed callback caught by the storage
	// layer's unique attempt index. Not a failure; the outcome already stands.
	ErrDuplicateEvent = errors.New("event already processed")
	// ErrUnresolvedReference marks a callback or action that names a booking
	// or payment that does not exist. Acknowledged to the external caller,
	// never retried, picked up later by reconciliation.
	ErrUnresolvedReference = errors.New("unresolved booking/payment reference")
	// ErrConcurrentModification is surfaced to the loser of two conflicting
	// updates against the same booking/payment pair.
	ErrConcurrentModification = errors.New("concurrent modification")
	// ErrPaymentOpen rejects initiating a second payment while one is still
	// in a non-terminal state for the same booking.
	ErrPaymentOpen = errors.New("a payment is already open for this booking")
)

// InvalidTransitionError reports a state change that is not legal from the
// entity's current state. Allowed carries the legal-transition set for
// caller diagnostics.
type InvalidTransitionError struct {
	Entity  EntityKind
	From    string
	To      string
	Allowed []string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition from %s to %s (allowed: %v)", e.Entity, e.From, e.To, e.Allowed)
}

func NewInvalidTransitionError(entity EntityKind, from, to string, allowed []string) *InvalidTransitionError {
	return &InvalidTransitionError{Entity: entity, From: from, To: to, Allowed: allowed}
}

// AuthorityViolationError reports a caller trying to drive a transition it
// does not own. Always an integration defect, never retried.
type AuthorityViolationError struct {
	Source        EntityKind
	Target        EntityKind
	TargetState   string
	Authoritative EntityKind
	Reason        string
}

func (e *AuthorityViolationError) Error() string {
	return fmt.Sprintf("%s may not drive %s to %s: %s (authoritative entity: %s)", e.Source, e.Target, e.TargetState, e.Reason, e.Authoritative)
}

// AmountDiscrepancyError reports a gateway amount outside tolerance of the
// locked booking amount. Routed to manual review instead of auto-confirming.
type AmountDiscrepancyError struct {
	BookingID string
	Expected  float64
	Actual    float64
	Tolerance float64
}

func (e *AmountDiscrepancyError) Error() string {
	return fmt.Sprintf("payment amount %.2f outside tolerance %.2f of booked amount %.2f for booking %s", e.Actual, e.Tolerance, e.Expected, e.BookingID)
}

// PersistenceError wraps a failed atomic commit. The whole unit has been
// rolled back and the same correlation id is safe to retry.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// KnownError reports whether err belongs to the engine's error taxonomy.
// Anything else escaping a unit of work is infrastructure trouble and gets
// wrapped as a PersistenceError before it reaches a caller.
func KnownError(err error) bool {
	var (
		invalid     *InvalidTransitionError
		violation   *AuthorityViolationError
		discrepancy *AmountDiscrepancyError
		persistence *PersistenceError
	)
	if errors.As(err, &invalid) || errors.As(err, &violation) || errors.As(err, &discrepancy) || errors.As(err, &persistence) {
		return true
	}
	return errors.Is(err, ErrBookingNotFound) ||
		errors.Is(err, ErrPaymentNotFound) ||
		errors.Is(err, ErrDuplicateEvent) ||
		errors.Is(err, ErrUnresolvedReference) ||
		errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrPaymentOpen)
}
