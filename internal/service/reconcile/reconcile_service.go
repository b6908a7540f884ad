// Package reconcile re-derives the expected payment/booking pairings over a
// time window, classifies each one and reports. It reads committed state
// only; the one mutation it offers (repair) goes through the consistency
// manager and its validators like any other transition.
package reconcile

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/tnmwangi/paysync/internal/authority"
	"github.com/tnmwangi/paysync/internal/domain"
	"github.com/tnmwangi/paysync/internal/repository"
)

type Classification string

const (
	ClassMatched             Classification = "matched"
	ClassDiscrepancy         Classification = "discrepancy"
	ClassUnmatched           Classification = "unmatched"
	ClassPendingVerification Classification = "pending_verification"
	ClassOrphaned            Classification = "orphaned"
)

// Issue is one human-readable inconsistency descriptor.
type Issue struct {
	Field    string `json:"field"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
}

// Pairing is the computed classification of one booking/payment pair for
// one run. Not persisted.
type Pairing struct {
	BookingID      string         `json:"booking_id,omitempty"`
	PaymentID      string         `json:"payment_id,omitempty"`
	CorrelationID  string         `json:"correlation_id,omitempty"`
	BookingState   string         `json:"booking_state,omitempty"`
	PaymentState   string         `json:"payment_state,omitempty"`
	BookingAmount  float64        `json:"booking_amount"`
	PaymentAmount  float64        `json:"payment_amount"`
	Classification Classification `json:"classification"`
	Issues         []Issue        `json:"issues,omitempty"`
}

// Summary is the run output: counts and total amounts per classification
// plus the full detail list.
type Summary struct {
	WindowStart time.Time                  `json:"window_start"`
	WindowEnd   time.Time                  `json:"window_end"`
	GeneratedAt time.Time                  `json:"generated_at"`
	Counts      map[Classification]int     `json:"counts"`
	Amounts     map[Classification]float64 `json:"amounts"`
	Pairings    []Pairing                  `json:"pairings"`
}

type Detail struct {
	Booking *domain.Booking      `json:"booking"`
	Payment *domain.Payment      `json:"payment,omitempty"`
	Pairing Pairing              `json:"pairing"`
	Audit   []domain.AuditRecord `json:"audit"`
}

type ReconcileUseCase interface {
	Run(ctx context.Context, start, end time.Time) (*Summary, error)
	Report(ctx context.Context, start, end time.Time) ([]byte, error)
	Orphaned(ctx context.Context) ([]Pairing, error)
	Detail(ctx context.Context, bookingID uuid.UUID) (*Detail, error)
	Repair(ctx context.Context, paymentID uuid.UUID, actor, reason string) (*domain.Payment, error)
}

// Repairer is the slice of the consistency manager reconciliation is
// allowed to use. Reconciliation proposes; the manager fixes.
type Repairer interface {
	CancelStalePayment(ctx context.Context, paymentID uuid.UUID, actor, reason string) (*domain.Payment, error)
}

type ReconcileService struct {
	bookings      repository.BookingRepository
	payments      repository.PaymentRepository
	audits        repository.AuditRepository
	repairer      Repairer
	tolerance     float64
	pendingWindow time.Duration
}

func NewReconcileService(
	bookings repository.BookingRepository,
	payments repository.PaymentRepository,
	audits repository.AuditRepository,
	repairer Repairer,
	tolerance float64,
	pendingWindow time.Duration,
) *ReconcileService {
	return &ReconcileService{
		bookings:      bookings,
		payments:      payments,
		audits:        audits,
		repairer:      repairer,
		tolerance:     tolerance,
		pendingWindow: pendingWindow,
	}
}

func (s *ReconcileService) Run(ctx context.Context, start, end time.Time) (*Summary, error) {
	bookings, err := s.bookings.ListInWindow(ctx, start, end)
	if err != nil {
		return nil, err
	}
	payments, err := s.payments.ListInWindow(ctx, start, end)
	if err != nil {
		return nil, err
	}

	summary := &Summary{
		WindowStart: start,
		WindowEnd:   end,
		GeneratedAt: time.Now(),
		Counts:      make(map[Classification]int),
		Amounts:     make(map[Classification]float64),
	}

	seenPayments := make(map[uuid.UUID]bool)
	for i := range bookings {
		b := &bookings[i]
		pairing, err := s.classifyBooking(ctx, b, seenPayments)
		if err != nil {
			return nil, err
		}
		summary.add(pairing)
	}

	// Payments in the window nobody claimed: either their booking is gone
	// (orphaned) or the booking simply sits outside the window, in which
	// case the payment is classified on its own merits.
	for i := range payments {
		p := &payments[i]
		if seenPayments[p.ID] {
			continue
		}
		booking, err := s.bookings.GetByID(ctx, p.BookingID)
		if err != nil {
			if errors.Is(err, domain.ErrBookingNotFound) {
				summary.add(Pairing{
					PaymentID:      p.ID.String(),
					CorrelationID:  p.CorrelationID,
					PaymentState:   string(p.State),
					PaymentAmount:  p.Amount,
					Classification: ClassOrphaned,
					Issues: []Issue{{
						Field:    "booking_id",
						Expected: "resolvable booking",
						Actual:   fmt.Sprintf("booking %s does not exist", p.BookingID),
					}},
				})
				continue
			}
			return nil, err
		}
		summary.add(s.classifyPair(booking, p))
	}

	return summary, nil
}

func (s *ReconcileService) classifyBooking(ctx context.Context, b *domain.Booking, seenPayments map[uuid.UUID]bool) (Pairing, error) {
	if b.PaymentID == nil {
		// No payment was ever attempted; nothing to reconcile against.
		return Pairing{
			BookingID:      b.ID.String(),
			BookingState:   string(b.State),
			BookingAmount:  b.Amount,
			Classification: ClassMatched,
		}, nil
	}
	payment, err := s.payments.GetByID(ctx, *b.PaymentID)
	if err != nil {
		// Only a genuinely dangling reference is an orphan; a failed read
		// aborts the run instead of misreporting the pair.
		if !errors.Is(err, domain.ErrPaymentNotFound) {
			return Pairing{}, err
		}
		return Pairing{
			BookingID:      b.ID.String(),
			BookingState:   string(b.State),
			BookingAmount:  b.Amount,
			Classification: ClassOrphaned,
			Issues: []Issue{{
				Field:    "payment_id",
				Expected: "resolvable payment",
				Actual:   fmt.Sprintf("payment %s does not exist", b.PaymentID),
			}},
		}, nil
	}
	seenPayments[payment.ID] = true
	return s.classifyPair(b, payment), nil
}

func (s *ReconcileService) classifyPair(b *domain.Booking, p *domain.Payment) Pairing {
	pairing := Pairing{
		BookingID:     b.ID.String(),
		PaymentID:     p.ID.String(),
		CorrelationID: p.CorrelationID,
		BookingState:  string(b.State),
		PaymentState:  string(p.State),
		BookingAmount: b.Amount,
		PaymentAmount: p.Amount,
	}

	expected := authority.ExpectedBookingStates(p.State)
	stateOK := false
	for _, st := range expected {
		if b.State == st {
			stateOK = true
			break
		}
	}

	diff := math.Abs(p.Amount - b.Amount)

	switch {
	case !stateOK:
		pairing.Classification = ClassDiscrepancy
		pairing.Issues = append(pairing.Issues, Issue{
			Field:    "state",
			Expected: fmt.Sprintf("booking in %v for payment %s", expected, p.State),
			Actual:   stateMismatchText(p.State, b.State),
		})
	case diff > s.tolerance:
		pairing.Classification = ClassDiscrepancy
		pairing.Issues = append(pairing.Issues, Issue{
			Field:    "amount",
			Expected: fmt.Sprintf("%.2f (tolerance %.2f)", b.Amount, s.tolerance),
			Actual:   fmt.Sprintf("%.2f", p.Amount),
		})
	case awaitingOutcome(p.State):
		// No gateway outcome yet: acceptable for a while, stuck after
		// that.
		if time.Since(p.UpdatedAt) <= s.pendingWindow {
			pairing.Classification = ClassPendingVerification
		} else {
			pairing.Classification = ClassUnmatched
			pairing.Issues = append(pairing.Issues, Issue{
				Field:    "payment_state",
				Expected: "terminal outcome within " + s.pendingWindow.String(),
				Actual:   fmt.Sprintf("%s since %s", p.State, p.UpdatedAt.Format(time.RFC3339)),
			})
		}
	default:
		pairing.Classification = ClassMatched
		if diff > 0 {
			// Within tolerance: matched, flagged informationally.
			pairing.Issues = append(pairing.Issues, Issue{
				Field:    "amount",
				Expected: fmt.Sprintf("%.2f", b.Amount),
				Actual:   fmt.Sprintf("%.2f (within tolerance)", p.Amount),
			})
		}
	}
	return pairing
}

// awaitingOutcome reports whether the payment has no gateway outcome yet.
// CONFIRMED is settled even though a refund edge still exists.
func awaitingOutcome(state domain.PaymentState) bool {
	switch state {
	case domain.PaymentStatePending, domain.PaymentStateInitiated, domain.PaymentStateFailed:
		return true
	}
	return false
}

func stateMismatchText(paymentState domain.PaymentState, bookingState domain.BookingState) string {
	if paymentState == domain.PaymentStateConfirmed && bookingState == domain.BookingStateCancelled {
		return "state mismatch: Payment confirmed but Booking cancelled"
	}
	return fmt.Sprintf("state mismatch: Payment %s but Booking %s", paymentState, bookingState)
}

func (summary *Summary) add(p Pairing) {
	summary.Counts[p.Classification]++
	summary.Amounts[p.Classification] += p.PaymentAmount
	summary.Pairings = append(summary.Pairings, p)
}

// Report renders the run as a flat CSV export.
func (s *ReconcileService) Report(ctx context.Context, start, end time.Time) ([]byte, error) {
	summary, err := s.Run(ctx, start, end)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{"booking_id", "payment_id", "correlation_id", "booking_state", "payment_state", "booking_amount", "payment_amount", "classification", "issues"}); err != nil {
		return nil, err
	}
	for _, p := range summary.Pairings {
		issues := ""
		for i, issue := range p.Issues {
			if i > 0 {
				issues += "; "
			}
			issues += fmt.Sprintf("%s: expected %s, got %s", issue.Field, issue.Expected, issue.Actual)
		}
		record := []string{
			p.BookingID,
			p.PaymentID,
			p.CorrelationID,
			p.BookingState,
			p.PaymentState,
			fmt.Sprintf("%.2f", p.BookingAmount),
			fmt.Sprintf("%.2f", p.PaymentAmount),
			string(p.Classification),
			issues,
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Orphaned lists every unresolved pairing regardless of window: payments
// whose booking is gone and bookings whose payment reference dangles.
func (s *ReconcileService) Orphaned(ctx context.Context) ([]Pairing, error) {
	orphanPayments, err := s.payments.ListOrphaned(ctx)
	if err != nil {
		return nil, err
	}
	orphanBookings, err := s.bookings.ListWithUnresolvedPayment(ctx)
	if err != nil {
		return nil, err
	}

	pairings := make([]Pairing, 0, len(orphanPayments)+len(orphanBookings))
	for _, p := range orphanPayments {
		pairings = append(pairings, Pairing{
			PaymentID:      p.ID.String(),
			CorrelationID:  p.CorrelationID,
			PaymentState:   string(p.State),
			PaymentAmount:  p.Amount,
			Classification: ClassOrphaned,
			Issues: []Issue{{
				Field:    "booking_id",
				Expected: "resolvable booking",
				Actual:   fmt.Sprintf("booking %s does not exist", p.BookingID),
			}},
		})
	}
	for _, b := range orphanBookings {
		pairings = append(pairings, Pairing{
			BookingID:      b.ID.String(),
			BookingState:   string(b.State),
			BookingAmount:  b.Amount,
			Classification: ClassOrphaned,
			Issues: []Issue{{
				Field:    "payment_id",
				Expected: "resolvable payment",
				Actual:   fmt.Sprintf("payment %s does not exist", b.PaymentID),
			}},
		})
	}
	return pairings, nil
}

// Detail returns the full pairing picture for one booking, audit trail
// included, for staff tooling.
func (s *ReconcileService) Detail(ctx context.Context, bookingID uuid.UUID) (*Detail, error) {
	booking, err := s.bookings.GetByID(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	audit, err := s.audits.ListByEntity(ctx, domain.EntityBooking, bookingID)
	if err != nil {
		return nil, err
	}

	detail := &Detail{Booking: booking, Audit: audit}
	pairing, err := s.classifyBooking(ctx, booking, make(map[uuid.UUID]bool))
	if err != nil {
		return nil, err
	}
	detail.Pairing = pairing
	if booking.PaymentID != nil {
		if payment, err := s.payments.GetByID(ctx, *booking.PaymentID); err == nil {
			detail.Payment = payment
			paymentAudit, err := s.audits.ListByEntity(ctx, domain.EntityPayment, payment.ID)
			if err != nil {
				return nil, err
			}
			detail.Audit = append(detail.Audit, paymentAudit...)
		}
	}
	return detail, nil
}

// Repair cancels a stuck or orphaned payment through the consistency
// manager, never directly.
func (s *ReconcileService) Repair(ctx context.Context, paymentID uuid.UUID, actor, reason string) (*domain.Payment, error) {
	return s.repairer.CancelStalePayment(ctx, paymentID, actor, reason)
}

var _ ReconcileUseCase = (*ReconcileService)(nil)
