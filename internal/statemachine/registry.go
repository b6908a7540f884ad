// Package statemachine declares the booking and payment state machines as
// data and validates every requested transition against them. No state is
// ever written without passing through Validate.
package statemachine

import "github.com/tnmwangi/paysync/internal/domain"

// bookingTransitions is the full legal-transition table for bookings. The
// key is the current state, the value the set of states reachable from it.
// A state mapped to an empty set is terminal.
var bookingTransitions = map[domain.BookingState][]domain.BookingState{
	domain.BookingStateRequested: {
		domain.BookingStateApproved,
		domain.BookingStateCancelled,
	},
	domain.BookingStateApproved: {
		domain.BookingStatePaymentPending,
		domain.BookingStateCancelled,
	},
	domain.BookingStatePaymentPending: {
		domain.BookingStatePaid,
		domain.BookingStateCancelled,
	},
	domain.BookingStatePaid: {
		domain.BookingStateFormsRequired,
		domain.BookingStateReady,
		domain.BookingStateCancelled,
		domain.BookingStateNoShowClient,
		domain.BookingStateNoShowProvider,
	},
	domain.BookingStateFormsRequired: {
		domain.BookingStateReady,
		domain.BookingStateCancelled,
		domain.BookingStateNoShowClient,
		domain.BookingStateNoShowProvider,
	},
	domain.BookingStateReady: {
		domain.BookingStateInProgress,
		domain.BookingStateCancelled,
		domain.BookingStateNoShowClient,
		domain.BookingStateNoShowProvider,
	},
	domain.BookingStateInProgress: {
		domain.BookingStateCompleted,
		domain.BookingStateNoShowClient,
		domain.BookingStateNoShowProvider,
	},
	domain.BookingStateCompleted:      {},
	domain.BookingStateCancelled:      {},
	domain.BookingStateNoShowClient:   {},
	domain.BookingStateNoShowProvider: {},
}

var paymentTransitions = map[domain.PaymentState][]domain.PaymentState{
	domain.PaymentStatePending: {
		domain.PaymentStateInitiated,
		domain.PaymentStateCancelled,
	},
	domain.PaymentStateInitiated: {
		domain.PaymentStateConfirmed,
		domain.PaymentStateFailed,
		domain.PaymentStateCancelled,
	},
	domain.PaymentStateFailed: {
		domain.PaymentStateInitiated, // retry
		domain.PaymentStateCancelled,
	},
	domain.PaymentStateConfirmed: {
		domain.PaymentStateRefunded,
	},
	domain.PaymentStateRefunded:  {},
	domain.PaymentStateCancelled: {},
}

// CanTransitionBooking reports whether a booking may move from one state to
// another.
func CanTransitionBooking(from, to domain.BookingState) bool {
	for _, s := range bookingTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func CanTransitionPayment(from, to domain.PaymentState) bool {
	for _, s := range paymentTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// AllowedBookingTargets returns a copy of the legal-transition set for the
// given state, for caller diagnostics.
func AllowedBookingTargets(from domain.BookingState) []string {
	targets := bookingTransitions[from]
	out := make([]string, 0, len(targets))
	for _, s := range targets {
		out = append(out, string(s))
	}
	return out
}

func AllowedPaymentTargets(from domain.PaymentState) []string {
	targets := paymentTransitions[from]
	out := make([]string, 0, len(targets))
	for _, s := range targets {
		out = append(out, string(s))
	}
	return out
}

// IsTerminalBooking reports whether the state has no outgoing transitions.
func IsTerminalBooking(state domain.BookingState) bool {
	return len(bookingTransitions[state]) == 0
}

func IsTerminalPayment(state domain.PaymentState) bool {
	return len(paymentTransitions[state]) == 0
}

// ValidateBooking returns an InvalidTransitionError when the requested
// transition is not in the registry, carrying current state, requested
// state and the legal-transition set.
func ValidateBooking(from, to domain.BookingState) error {
	if !CanTransitionBooking(from, to) {
		return domain.NewInvalidTransitionError(domain.EntityBooking, string(from), string(to), AllowedBookingTargets(from))
	}
	return nil
}

func ValidatePayment(from, to domain.PaymentState) error {
	if !CanTransitionPayment(from, to) {
		return domain.NewInvalidTransitionError(domain.EntityPayment, string(from), string(to), AllowedPaymentTargets(from))
	}
	return nil
}
