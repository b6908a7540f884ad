package booking

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/tnmwangi/paysync/internal/authority"
	"github.com/tnmwangi/paysync/internal/domain"
	"github.com/tnmwangi/paysync/internal/kafka"
	"github.com/tnmwangi/paysync/internal/repository"
	"github.com/tnmwangi/paysync/internal/statemachine"
)

type BookingUseCase interface {
	CreateBooking(ctx context.Context, input CreateBookingInput) (*domain.Booking, error)
	GetBooking(ctx context.Context, id uuid.UUID) (*domain.Booking, error)
	RequestTransition(ctx context.Context, id uuid.UUID, target domain.BookingState, actor, reason string) (*domain.Booking, error)
	InitiatePayment(ctx context.Context, input InitiatePaymentInput) (*domain.Payment, error)
	PaymentStatus(ctx context.Context, correlationID string) (*domain.Payment, error)
	AuditTrail(ctx context.Context, id uuid.UUID) ([]domain.AuditRecord, error)
}

type Producer interface {
	Publish(ctx context.Context, topic, key string, value interface{}) error
}

type BookingService struct {
	bookings repository.BookingRepository
	payments repository.PaymentRepository
	audits   repository.AuditRepository
	tx       repository.TxManager
	producer Producer
	topic    string
}

type CreateBookingInput struct {
	ClientID    uuid.UUID `json:"client_id"`
	ProviderID  uuid.UUID `json:"provider_id"`
	ServiceType string    `json:"service_type"`
	ScheduledAt time.Time `json:"scheduled_at"`
	Amount      float64   `json:"amount"`
}

type InitiatePaymentInput struct {
	BookingID uuid.UUID `json:"booking_id"`
	PayerRef  string    `json:"payer_ref"`
	Actor     string    `json:"actor"`
}

func NewBookingService(
	bookings repository.BookingRepository,
	payments repository.PaymentRepository,
	audits repository.AuditRepository,
	tx repository.TxManager,
	producer Producer,
	topic string,
) *BookingService {
	return &BookingService{
		bookings: bookings,
		payments: payments,
		audits:   audits,
		tx:       tx,
		producer: producer,
		topic:    topic,
	}
}

func (s *BookingService) CreateBooking(ctx context.Context, input CreateBookingInput) (*domain.Booking, error) {
	if input.Amount <= 0 {
		return nil, errors.New("amount must be positive")
	}
	if input.ScheduledAt.IsZero() {
		return nil, errors.New("scheduled time is required")
	}

	booking := &domain.Booking{
		ID:          uuid.New(),
		ClientID:    input.ClientID,
		ProviderID:  input.ProviderID,
		ServiceType: input.ServiceType,
		ScheduledAt: input.ScheduledAt,
		Amount:      input.Amount,
	}
	if err := s.bookings.Create(ctx, booking); err != nil {
		return nil, err
	}
	return booking, nil
}

func (s *BookingService) GetBooking(ctx context.Context, id uuid.UUID) (*domain.Booking, error) {
	return s.bookings.GetByID(ctx, id)
}

// PaymentStatus looks up a payment by the gateway correlation id, so clients
// can poll after triggering the push instead of waiting for the webhook.
func (s *BookingService) PaymentStatus(ctx context.Context, correlationID string) (*domain.Payment, error) {
	return s.payments.GetByCorrelationID(ctx, correlationID)
}

func (s *BookingService) AuditTrail(ctx context.Context, id uuid.UUID) ([]domain.AuditRecord, error) {
	if _, err := s.bookings.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return s.audits.ListByEntity(ctx, domain.EntityBooking, id)
}

// RequestTransition applies one booking lifecycle action. The transition is
// validated against the registry under a row lock, committed together with
// its audit record, and rejected whole on any failure. Cancelling a booking
// with an open payment drives the payment to CANCELLED in the same unit,
// under the booking's authority.
func (s *BookingService) RequestTransition(ctx context.Context, id uuid.UUID, target domain.BookingState, actor, reason string) (*domain.Booking, error) {
	observed, err := s.bookings.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := statemachine.ValidateBooking(observed.State, target); err != nil {
		return nil, err
	}

	var updated *domain.Booking
	err = s.tx.WithinTx(ctx, func(ctx context.Context, tx repository.TxStore) error {
		current, err := tx.LockBooking(ctx, id)
		if err != nil {
			return err
		}
		if current.State != observed.State {
			// Someone else won the race between our read and our lock.
			return domain.ErrConcurrentModification
		}
		if err := statemachine.ValidateBooking(current.State, target); err != nil {
			return err
		}
		if err := tx.UpdateBookingState(ctx, id, target, reason); err != nil {
			return err
		}
		if err := tx.AppendAudit(ctx, &domain.AuditRecord{
			EntityKind: domain.EntityBooking,
			EntityID:   id,
			FromState:  string(current.State),
			ToState:    string(target),
			Actor:      actor,
			Reason:     reason,
		}); err != nil {
			return err
		}

		if target == domain.BookingStateCancelled {
			if err := s.cancelOpenPayment(ctx, tx, current, actor, reason); err != nil {
				return err
			}
		}

		updated = current
		updated.State = target
		updated.Reason = reason
		updated.StateChangedAt = time.Now()
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, eventTypeFor(target), updated, "")
	return updated, nil
}

// cancelOpenPayment abandons the booking's non-terminal payment when the
// booking itself is cancelled. The booking owns this driving transition.
func (s *BookingService) cancelOpenPayment(ctx context.Context, tx repository.TxStore, booking *domain.Booking, actor, reason string) error {
	if booking.PaymentID == nil {
		return nil
	}
	payment, err := tx.LockPayment(ctx, *booking.PaymentID)
	if err != nil {
		if errors.Is(err, domain.ErrPaymentNotFound) {
			return nil
		}
		return err
	}
	if statemachine.IsTerminalPayment(payment.State) {
		return nil
	}

	decision := authority.Check(domain.EntityBooking, string(domain.BookingStateCancelled), domain.EntityPayment, string(domain.PaymentStateCancelled))
	if !decision.Allowed {
		return authority.NewAuthorityViolation(domain.EntityBooking, domain.EntityPayment, string(domain.PaymentStateCancelled), decision)
	}
	if err := statemachine.ValidatePayment(payment.State, domain.PaymentStateCancelled); err != nil {
		return err
	}

	fromState := payment.State
	payment.State = domain.PaymentStateCancelled
	payment.FailureReason = reason
	if err := tx.UpdatePaymentState(ctx, payment); err != nil {
		return err
	}
	return tx.AppendAudit(ctx, &domain.AuditRecord{
		EntityKind: domain.EntityPayment,
		EntityID:   payment.ID,
		FromState:  string(fromState),
		ToState:    string(domain.PaymentStateCancelled),
		Actor:      actor,
		Reason:     "booking cancelled: " + reason,
	})
}

// InitiatePayment locks the booking's amount, opens (or retries) the
// payment and parks the booking in PAYMENT_PENDING. The returned payment
// carries the correlation id the gateway must echo in its callback.
func (s *BookingService) InitiatePayment(ctx context.Context, input InitiatePaymentInput) (*domain.Payment, error) {
	if _, err := s.bookings.GetByID(ctx, input.BookingID); err != nil {
		return nil, err
	}

	decision := authority.Check(domain.EntityPayment, string(domain.PaymentStateInitiated), domain.EntityBooking, string(domain.BookingStatePaymentPending))
	if !decision.Allowed {
		return nil, authority.NewAuthorityViolation(domain.EntityPayment, domain.EntityBooking, string(domain.BookingStatePaymentPending), decision)
	}

	var payment *domain.Payment
	err := s.tx.WithinTx(ctx, func(ctx context.Context, tx repository.TxStore) error {
		current, err := tx.LockBooking(ctx, input.BookingID)
		if err != nil {
			return err
		}

		open, err := s.payments.GetOpenByBookingID(ctx, input.BookingID)
		if err != nil && !errors.Is(err, domain.ErrPaymentNotFound) {
			return err
		}

		correlationID := uuid.NewString()
		switch {
		case open == nil:
			payment = &domain.Payment{
				ID:            uuid.New(),
				BookingID:     input.BookingID,
				CorrelationID: correlationID,
				Amount:        current.Amount,
				PayerRef:      input.PayerRef,
				State:         domain.PaymentStatePending,
			}
			if err := tx.CreatePayment(ctx, payment); err != nil {
				return err
			}
			if err := s.transitionPayment(ctx, tx, payment, domain.PaymentStateInitiated, input.Actor, "payment initiated", correlationID); err != nil {
				return err
			}
			if err := tx.SetBookingPaymentRef(ctx, input.BookingID, payment.ID); err != nil {
				return err
			}
		case open.State == domain.PaymentStateFailed:
			// Retry path: same payment row, fresh correlation id, history kept.
			locked, err := tx.LockPayment(ctx, open.ID)
			if err != nil {
				return err
			}
			locked.CorrelationID = correlationID
			locked.FailureReason = ""
			if err := s.transitionPayment(ctx, tx, locked, domain.PaymentStateInitiated, input.Actor, "payment retry", correlationID); err != nil {
				return err
			}
			payment = locked
		default:
			return domain.ErrPaymentOpen
		}

		if !current.AmountLocked {
			if err := tx.LockBookingAmount(ctx, input.BookingID, current.Amount); err != nil {
				return err
			}
		}

		if current.State != domain.BookingStatePaymentPending {
			if err := statemachine.ValidateBooking(current.State, domain.BookingStatePaymentPending); err != nil {
				return err
			}
			if err := tx.UpdateBookingState(ctx, input.BookingID, domain.BookingStatePaymentPending, "payment initiated"); err != nil {
				return err
			}
			if err := tx.AppendAudit(ctx, &domain.AuditRecord{
				EntityKind:    domain.EntityBooking,
				EntityID:      input.BookingID,
				FromState:     string(current.State),
				ToState:       string(domain.BookingStatePaymentPending),
				Actor:         input.Actor,
				Reason:        "payment initiated",
				CorrelationID: correlationID,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return payment, nil
}

func (s *BookingService) transitionPayment(ctx context.Context, tx repository.TxStore, payment *domain.Payment, target domain.PaymentState, actor, reason, correlationID string) error {
	if err := statemachine.ValidatePayment(payment.State, target); err != nil {
		return err
	}
	fromState := payment.State
	payment.State = target
	if err := tx.UpdatePaymentState(ctx, payment); err != nil {
		return err
	}
	return tx.AppendAudit(ctx, &domain.AuditRecord{
		EntityKind:    domain.EntityPayment,
		EntityID:      payment.ID,
		FromState:     string(fromState),
		ToState:       string(target),
		Actor:         actor,
		Reason:        reason,
		CorrelationID: correlationID,
	})
}

func eventTypeFor(state domain.BookingState) string {
	switch state {
	case domain.BookingStateApproved:
		return "booking_approved"
	case domain.BookingStateCancelled:
		return "booking_cancelled"
	case domain.BookingStateCompleted:
		return "booking_completed"
	default:
		return ""
	}
}

func (s *BookingService) publish(ctx context.Context, eventType string, booking *domain.Booking, correlationID string) {
	if s.producer == nil || s.topic == "" || eventType == "" {
		return
	}
	event := kafka.TransitionEvent{
		Type:          eventType,
		BookingID:     booking.ID.String(),
		ClientID:      booking.ClientID.String(),
		ProviderID:    booking.ProviderID.String(),
		State:         string(booking.State),
		Amount:        booking.Amount,
		CorrelationID: correlationID,
		OccurredAt:    time.Now(),
	}
	if err := s.producer.Publish(ctx, s.topic, event.BookingID, event); err != nil {
		log.Printf("WARNING: failed to publish %s event for booking %s: %v", eventType, event.BookingID, err)
	}
}

var _ BookingUseCase = (*BookingService)(nil)
