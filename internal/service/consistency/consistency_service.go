// Package consistency is the engine's core: it applies one external payment
// outcome to the payment, the booking and the audit trail as a single
// atomic unit, or not at all.
package consistency

import (
	"context"
	"errors"
	"log"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/tnmwangi/paysync/internal/authority"
	"github.com/tnmwangi/paysync/internal/cache"
	"github.com/tnmwangi/paysync/internal/domain"
	"github.com/tnmwangi/paysync/internal/kafka"
	"github.com/tnmwangi/paysync/internal/repository"
	"github.com/tnmwangi/paysync/internal/statemachine"
)

// Outcome is the minimal slice of a gateway callback the engine depends
// on. Result code zero means success, anything else is a failure.
type Outcome struct {
	CorrelationID string
	ResultCode    int
	ResultDesc    string
	Amount        float64
	PayerRef      string
	ExternalTxnID string
}

// Result is returned to the webhook adapter. Duplicate submissions of the
// same correlation id get the identical result back.
type Result struct {
	Status        string  `json:"status"`
	BookingState  string  `json:"booking_state"`
	PaymentState  string  `json:"payment_state"`
	CorrelationID string  `json:"correlation_id"`
	Amount        float64 `json:"amount"`
	AmountFlagged bool    `json:"amount_flagged"`
	// Duplicate is internal bookkeeping; it stays out of the JSON body so a
	// retried callback reads a byte-identical response.
	Duplicate bool `json:"-"`
}

type ConsistencyUseCase interface {
	ApplyPaymentOutcome(ctx context.Context, outcome Outcome) (*Result, error)
	RefundPayment(ctx context.Context, paymentID uuid.UUID, actor, reason string) (*domain.Payment, error)
	CancelStalePayment(ctx context.Context, paymentID uuid.UUID, actor, reason string) (*domain.Payment, error)
}

type Producer interface {
	Publish(ctx context.Context, topic, key string, value interface{}) error
}

type Manager struct {
	tx        repository.TxManager
	idem      cache.IdempotencyStore
	producer  Producer
	topic     string
	tolerance float64
}

func NewManager(tx repository.TxManager, idem cache.IdempotencyStore, producer Producer, topic string, tolerance float64) *Manager {
	return &Manager{
		tx:        tx,
		idem:      idem,
		producer:  producer,
		topic:     topic,
		tolerance: tolerance,
	}
}

// ApplyPaymentOutcome processes one gateway callback end to end:
// idempotency check, payment transition, authority-derived booking
// transition, attempt history and audit records, all inside one
// transaction. An unknown correlation id returns ErrUnresolvedReference;
// the adapter acknowledges it so the gateway stops retrying, and
// reconciliation picks the record up as orphaned.
func (m *Manager) ApplyPaymentOutcome(ctx context.Context, outcome Outcome) (*Result, error) {
	if cached, err := m.idem.Get(ctx, outcome.CorrelationID); err != nil {
		log.Printf("WARNING: idempotency lookup failed for %s: %v", outcome.CorrelationID, err)
	} else if cached != nil {
		return resultFromCache(cached, true), nil
	}

	var (
		result       *Result
		eventBooking *domain.Booking
		eventState   domain.BookingState
		eventType    string
	)
	err := m.tx.WithinTx(ctx, func(ctx context.Context, tx repository.TxStore) error {
		// Resolve the pair without locking, then lock booking before payment.
		// Booking actions take their locks in the same order, so a callback
		// and a concurrent cancel on one pair serialize instead of
		// deadlocking.
		ref, err := tx.GetPaymentByCorrelationID(ctx, outcome.CorrelationID)
		if err != nil {
			if errors.Is(err, domain.ErrPaymentNotFound) {
				return domain.ErrUnresolvedReference
			}
			return err
		}

		booking, err := tx.LockBooking(ctx, ref.BookingID)
		if err != nil {
			if errors.Is(err, domain.ErrBookingNotFound) {
				return domain.ErrUnresolvedReference
			}
			return err
		}
		payment, err := tx.LockPayment(ctx, ref.ID)
		if err != nil {
			return err
		}

		// Cache expired but the attempt is already in the history: same
		// answer as a cache hit, no re-mutation.
		if _, seen := payment.AttemptFor(outcome.CorrelationID); seen {
			result = &Result{
				Status:        "already_processed",
				BookingState:  string(booking.State),
				PaymentState:  string(payment.State),
				CorrelationID: outcome.CorrelationID,
				Amount:        payment.Amount,
				Duplicate:     true,
			}
			return nil
		}
		if payment.CorrelationID != outcome.CorrelationID {
			// A retry re-keyed the row between our unlocked read and the
			// lock; the gateway may resend against the winning attempt.
			return domain.ErrConcurrentModification
		}

		paymentTarget := domain.PaymentStateFailed
		if outcome.ResultCode == 0 {
			paymentTarget = domain.PaymentStateConfirmed
		}

		amountFlagged := false
		if paymentTarget == domain.PaymentStateConfirmed {
			diff := math.Abs(outcome.Amount - booking.Amount)
			if diff > m.tolerance {
				// Outside tolerance: refuse the whole unit, route to manual
				// review. Nothing is written.
				return &domain.AmountDiscrepancyError{
					BookingID: booking.ID.String(),
					Expected:  booking.Amount,
					Actual:    outcome.Amount,
					Tolerance: m.tolerance,
				}
			}
			amountFlagged = diff > 0
		}

		if err := statemachine.ValidatePayment(payment.State, paymentTarget); err != nil {
			return err
		}

		bookingTarget, drives := authority.BookingStateFor(paymentTarget)
		if !drives {
			return authority.NewAuthorityViolation(domain.EntityPayment, domain.EntityBooking, "", authority.Decision{
				Reason:        "payment state drives no booking transition",
				Authoritative: domain.EntityBooking,
			})
		}
		decision := authority.Check(domain.EntityPayment, string(paymentTarget), domain.EntityBooking, string(bookingTarget))
		if !decision.Allowed {
			return authority.NewAuthorityViolation(domain.EntityPayment, domain.EntityBooking, string(bookingTarget), decision)
		}
		bookingChanges := booking.State != bookingTarget
		if bookingChanges {
			if err := statemachine.ValidateBooking(booking.State, bookingTarget); err != nil {
				return err
			}
		}

		fromPayment := payment.State
		payment.State = paymentTarget
		payment.ExternalTxnID = outcome.ExternalTxnID
		if paymentTarget == domain.PaymentStateConfirmed {
			now := time.Now()
			payment.ConfirmedAt = &now
			payment.FailureReason = ""
		} else {
			payment.FailureReason = outcome.ResultDesc
		}
		if err := tx.UpdatePaymentState(ctx, payment); err != nil {
			return err
		}
		if err := tx.AppendAttempt(ctx, payment.ID, domain.PaymentAttempt{
			CorrelationID: outcome.CorrelationID,
			ResultCode:    outcome.ResultCode,
			ResultDesc:    outcome.ResultDesc,
			RecordedAt:    time.Now(),
		}); err != nil {
			return err
		}
		if err := tx.AppendAudit(ctx, &domain.AuditRecord{
			EntityKind:    domain.EntityPayment,
			EntityID:      payment.ID,
			FromState:     string(fromPayment),
			ToState:       string(paymentTarget),
			Actor:         "gateway",
			Reason:        outcome.ResultDesc,
			CorrelationID: outcome.CorrelationID,
			AmountFlagged: amountFlagged,
		}); err != nil {
			return err
		}

		fromBooking := booking.State
		if bookingChanges {
			if err := tx.UpdateBookingState(ctx, booking.ID, bookingTarget, "payment "+string(paymentTarget)); err != nil {
				return err
			}
			if err := tx.AppendAudit(ctx, &domain.AuditRecord{
				EntityKind:    domain.EntityBooking,
				EntityID:      booking.ID,
				FromState:     string(fromBooking),
				ToState:       string(bookingTarget),
				Actor:         "gateway",
				Reason:        "payment " + string(paymentTarget),
				CorrelationID: outcome.CorrelationID,
				AmountFlagged: amountFlagged,
			}); err != nil {
				return err
			}
		}

		status := "confirmed"
		if paymentTarget == domain.PaymentStateFailed {
			status = "failed"
		}
		result = &Result{
			Status:        status,
			BookingState:  string(bookingTarget),
			PaymentState:  string(paymentTarget),
			CorrelationID: outcome.CorrelationID,
			Amount:        outcome.Amount,
			AmountFlagged: amountFlagged,
		}

		eventBooking = booking
		eventState = bookingTarget
		eventType = "booking_paid"
		if paymentTarget == domain.PaymentStateFailed {
			eventType = "payment_failed"
			eventState = booking.State
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if eventBooking != nil {
		m.publish(ctx, eventType, eventBooking, outcome.CorrelationID, eventState)
	}

	if !result.Duplicate {
		if err := m.idem.Set(ctx, outcome.CorrelationID, cache.CachedResult{
			Status:        result.Status,
			BookingState:  result.BookingState,
			PaymentState:  result.PaymentState,
			CorrelationID: result.CorrelationID,
			Amount:        result.Amount,
			AmountFlagged: result.AmountFlagged,
		}); err != nil {
			log.Printf("WARNING: failed to cache result for %s: %v", outcome.CorrelationID, err)
		}
	}
	return result, nil
}

// RefundPayment is a staff override: Confirmed -> Refunded, which under the
// authority matrix cancels the booking in the same unit.
func (m *Manager) RefundPayment(ctx context.Context, paymentID uuid.UUID, actor, reason string) (*domain.Payment, error) {
	return m.overridePayment(ctx, paymentID, domain.PaymentStateRefunded, actor, reason)
}

// CancelStalePayment abandons a stuck non-terminal payment; reconciliation
// repair uses it for orphaned records.
func (m *Manager) CancelStalePayment(ctx context.Context, paymentID uuid.UUID, actor, reason string) (*domain.Payment, error) {
	return m.overridePayment(ctx, paymentID, domain.PaymentStateCancelled, actor, reason)
}

func (m *Manager) overridePayment(ctx context.Context, paymentID uuid.UUID, target domain.PaymentState, actor, reason string) (*domain.Payment, error) {
	var (
		payment      *domain.Payment
		eventBooking *domain.Booking
	)
	err := m.tx.WithinTx(ctx, func(ctx context.Context, tx repository.TxStore) error {
		ref, err := tx.GetPayment(ctx, paymentID)
		if err != nil {
			return err
		}
		if err := statemachine.ValidatePayment(ref.State, target); err != nil {
			return err
		}

		// When the target drives the booking, take the booking lock first;
		// booking actions lock in the same order. An orphaned payment has no
		// booking to drive.
		bookingTarget, drives := authority.BookingStateFor(target)
		var booking *domain.Booking
		if drives {
			booking, err = tx.LockBooking(ctx, ref.BookingID)
			if err != nil && !errors.Is(err, domain.ErrBookingNotFound) {
				return err
			}
		}

		locked, err := tx.LockPayment(ctx, paymentID)
		if err != nil {
			return err
		}
		if err := statemachine.ValidatePayment(locked.State, target); err != nil {
			return err
		}

		fromPayment := locked.State
		locked.State = target
		locked.FailureReason = reason
		if err := tx.UpdatePaymentState(ctx, locked); err != nil {
			return err
		}
		if err := tx.AppendAudit(ctx, &domain.AuditRecord{
			EntityKind: domain.EntityPayment,
			EntityID:   locked.ID,
			FromState:  string(fromPayment),
			ToState:    string(target),
			Actor:      actor,
			Reason:     reason,
		}); err != nil {
			return err
		}

		if !drives || booking == nil {
			payment = locked
			return nil
		}
		decision := authority.Check(domain.EntityPayment, string(target), domain.EntityBooking, string(bookingTarget))
		if !decision.Allowed {
			return authority.NewAuthorityViolation(domain.EntityPayment, domain.EntityBooking, string(bookingTarget), decision)
		}
		if booking.State != bookingTarget {
			if err := statemachine.ValidateBooking(booking.State, bookingTarget); err != nil {
				return err
			}
			if err := tx.UpdateBookingState(ctx, booking.ID, bookingTarget, reason); err != nil {
				return err
			}
			if err := tx.AppendAudit(ctx, &domain.AuditRecord{
				EntityKind: domain.EntityBooking,
				EntityID:   booking.ID,
				FromState:  string(booking.State),
				ToState:    string(bookingTarget),
				Actor:      actor,
				Reason:     reason,
			}); err != nil {
				return err
			}
			eventBooking = booking
		}
		payment = locked
		return nil
	})
	if err != nil {
		return nil, err
	}
	if eventBooking != nil {
		m.publish(ctx, "booking_cancelled", eventBooking, "", domain.BookingStateCancelled)
	}
	return payment, nil
}

func (m *Manager) publish(ctx context.Context, eventType string, booking *domain.Booking, correlationID string, state domain.BookingState) {
	if m.producer == nil || m.topic == "" {
		return
	}
	event := kafka.TransitionEvent{
		Type:          eventType,
		BookingID:     booking.ID.String(),
		ClientID:      booking.ClientID.String(),
		ProviderID:    booking.ProviderID.String(),
		State:         string(state),
		Amount:        booking.Amount,
		CorrelationID: correlationID,
		OccurredAt:    time.Now(),
	}
	if err := m.producer.Publish(ctx, m.topic, event.BookingID, event); err != nil {
		log.Printf("WARNING: failed to publish %s event for booking %s: %v", eventType, event.BookingID, err)
	}
}

func resultFromCache(cached *cache.CachedResult, duplicate bool) *Result {
	return &Result{
		Status:        cached.Status,
		BookingState:  cached.BookingState,
		PaymentState:  cached.PaymentState,
		CorrelationID: cached.CorrelationID,
		Amount:        cached.Amount,
		AmountFlagged: cached.AmountFlagged,
		Duplicate:     duplicate,
	}
}

var _ ConsistencyUseCase = (*Manager)(nil)
