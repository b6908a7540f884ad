// Package authority declares which entity may drive a state transition in
// another. Every cross-entity transition must match a declared rule;
// anything else is denied. This replaces the convention-only discipline the
// previous system relied on with a mechanically checked table.
package authority

import "github.com/tnmwangi/paysync/internal/domain"

// Rule is one allowed cross-entity driving edge: when the source entity
// reaches SourceState it may move the target entity to TargetState.
type Rule struct {
	Source      domain.EntityKind
	SourceState string
	Target      domain.EntityKind
	TargetState string
}

// Decision records whether a driving transition is allowed and, when it is
// not, which entity actually owns it.
type Decision struct {
	Allowed       bool
	Reason        string
	Authoritative domain.EntityKind
}

// rules is the full authority table. Payment is authoritative over the
// payment-related booking transitions; Booking is authoritative over
// everything session-related. Session-call signals are never authoritative
// over anything, which closes the one circular-dependency risk in the
// design.
var rules = []Rule{
	{domain.EntityPayment, string(domain.PaymentStateConfirmed), domain.EntityBooking, string(domain.BookingStatePaid)},
	// A failed attempt keeps the booking waiting so payment can be retried.
	{domain.EntityPayment, string(domain.PaymentStateFailed), domain.EntityBooking, string(domain.BookingStatePaymentPending)},
	{domain.EntityPayment, string(domain.PaymentStateRefunded), domain.EntityBooking, string(domain.BookingStateCancelled)},
	// Payment initiation parks the booking until the gateway answers.
	{domain.EntityPayment, string(domain.PaymentStateInitiated), domain.EntityBooking, string(domain.BookingStatePaymentPending)},
	// A cancelled booking abandons its open payment.
	{domain.EntityBooking, string(domain.BookingStateCancelled), domain.EntityPayment, string(domain.PaymentStateCancelled)},
	// Booking READY is what enables the session join; booking drives
	// session, never the reverse.
	{domain.EntityBooking, string(domain.BookingStateReady), domain.EntitySession, "JOINABLE"},
}

// Check decides whether sourceKind in sourceState may drive targetKind to
// targetState. Deny-by-default: any pair not in the table is rejected.
func Check(sourceKind domain.EntityKind, sourceState string, targetKind domain.EntityKind, targetState string) Decision {
	if sourceKind == domain.EntitySession {
		return Decision{
			Allowed:       false,
			Reason:        "session-call signals are never authoritative",
			Authoritative: domain.EntityBooking,
		}
	}
	for _, r := range rules {
		if r.Source == sourceKind && r.SourceState == sourceState && r.Target == targetKind && r.TargetState == targetState {
			return Decision{Allowed: true}
		}
	}
	return Decision{
		Allowed:       false,
		Reason:        "no authority rule declared for this transition",
		Authoritative: targetKind,
	}
}

// BookingStateFor returns the booking state a payment state drives the
// booking to, per the table. The second result is false when the payment
// state drives nothing.
func BookingStateFor(paymentState domain.PaymentState) (domain.BookingState, bool) {
	for _, r := range rules {
		if r.Source == domain.EntityPayment && r.SourceState == string(paymentState) && r.Target == domain.EntityBooking {
			return domain.BookingState(r.TargetState), true
		}
	}
	return "", false
}

// ExpectedBookingStates returns the booking states consistent with a
// payment state, used by reconciliation. A confirmed payment is consistent
// with any post-payment progression of the booking.
func ExpectedBookingStates(paymentState domain.PaymentState) []domain.BookingState {
	switch paymentState {
	case domain.PaymentStateConfirmed:
		return []domain.BookingState{
			domain.BookingStatePaid,
			domain.BookingStateFormsRequired,
			domain.BookingStateReady,
			domain.BookingStateInProgress,
			domain.BookingStateCompleted,
			domain.BookingStateNoShowClient,
			domain.BookingStateNoShowProvider,
		}
	case domain.PaymentStateInitiated, domain.PaymentStateFailed, domain.PaymentStatePending:
		return []domain.BookingState{
			domain.BookingStateApproved,
			domain.BookingStatePaymentPending,
		}
	case domain.PaymentStateRefunded, domain.PaymentStateCancelled:
		return []domain.BookingState{domain.BookingStateCancelled}
	}
	return nil
}

// NewAuthorityViolation builds the error surfaced to a caller that tried a
// transition it does not own.
func NewAuthorityViolation(sourceKind domain.EntityKind, targetKind domain.EntityKind, targetState string, d Decision) *domain.AuthorityViolationError {
	return &domain.AuthorityViolationError{
		Source:        sourceKind,
		Target:        targetKind,
		TargetState:   targetState,
		Authoritative: d.Authoritative,
		Reason:        d.Reason,
	}
}
