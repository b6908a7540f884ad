package domain

import "strings"

// Older clients still send the free-form status labels the previous system
// used. They are translated to canonical states here, at the boundary, and
// nowhere else.
var legacyBookingNames = map[string]BookingState{
	"pending approval": BookingStateRequested,
	"booked":           BookingStateApproved,
	"awaiting payment": BookingStatePaymentPending,
	"paid":             BookingStatePaid,
	"forms required":   BookingStateFormsRequired,
	"ready":            BookingStateReady,
	"in session":       BookingStateInProgress,
	"completed":        BookingStateCompleted,
	"cancelled":        BookingStateCancelled,
	"canceled":         BookingStateCancelled,
	"client no-show":   BookingStateNoShowClient,
	"provider no-show": BookingStateNoShowProvider,
}

// ParseBookingState accepts either a canonical state value or a legacy
// label and returns the canonical state.
func ParseBookingState(s string) (BookingState, bool) {
	canonical := BookingState(strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), " ", "_")))
	switch canonical {
	case BookingStateRequested, BookingStateApproved, BookingStatePaymentPending,
		BookingStatePaid, BookingStateFormsRequired, BookingStateReady,
		BookingStateInProgress, BookingStateCompleted, BookingStateCancelled,
		BookingStateNoShowClient, BookingStateNoShowProvider:
		return canonical, true
	}
	if st, ok := legacyBookingNames[strings.ToLower(strings.TrimSpace(s))]; ok {
		return st, true
	}
	return "", false
}
