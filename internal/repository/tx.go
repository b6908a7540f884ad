package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tnmwangi/paysync/internal/domain"
)

// TxStore is the write surface available inside one atomic unit of work.
// Locked reads take row locks, so two events targeting the same
// booking/payment pair serialize on the database and the loser observes the
// winner's committed state. Every path takes the booking lock before the
// payment lock; Get reads resolve ids without locking so callers can honor
// that order when they only hold a payment reference.
type TxStore interface {
	LockBooking(ctx context.Context, id uuid.UUID) (*domain.Booking, error)
	LockPayment(ctx context.Context, id uuid.UUID) (*domain.Payment, error)
	GetPayment(ctx context.Context, id uuid.UUID) (*domain.Payment, error)
	GetPaymentByCorrelationID(ctx context.Context, correlationID string) (*domain.Payment, error)
	UpdateBookingState(ctx context.Context, id uuid.UUID, state domain.BookingState, reason string) error
	LockBookingAmount(ctx context.Context, id uuid.UUID, amount float64) error
	SetBookingPaymentRef(ctx context.Context, bookingID, paymentID uuid.UUID) error
	CreatePayment(ctx context.Context, payment *domain.Payment) error
	UpdatePaymentState(ctx context.Context, payment *domain.Payment) error
	AppendAttempt(ctx context.Context, paymentID uuid.UUID, attempt domain.PaymentAttempt) error
	AppendAudit(ctx context.Context, record *domain.AuditRecord) error
}

// TxManager runs a function inside a transaction. The whole unit commits or
// rolls back; a commit that exceeds the timeout is rolled back and surfaced
// as a PersistenceError, safe to retry under the same correlation id.
type TxManager interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx TxStore) error) error
}

type PGTxManager struct {
	db            *pgxpool.Pool
	commitTimeout time.Duration
}

func NewTxManager(db *pgxpool.Pool, commitTimeout time.Duration) TxManager {
	return &PGTxManager{db: db, commitTimeout: commitTimeout}
}

func (m *PGTxManager) WithinTx(ctx context.Context, fn func(ctx context.Context, tx TxStore) error) error {
	if m.commitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.commitTimeout)
		defer cancel()
	}

	tx, err := m.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return &domain.PersistenceError{Op: "begin", Err: err}
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, &pgTxStore{tx: tx}); err != nil {
		return wrapUnitError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return &domain.PersistenceError{Op: "commit", Err: err}
	}
	return nil
}

// wrapUnitError lets domain outcomes through untouched; a driver error
// (deadlock abort, dropped connection) is a rolled-back unit the caller may
// retry, not a bad request.
func wrapUnitError(err error) error {
	if domain.KnownError(err) {
		return err
	}
	return &domain.PersistenceError{Op: "query", Err: err}
}

type pgTxStore struct {
	tx pgx.Tx
}

func (s *pgTxStore) LockBooking(ctx context.Context, id uuid.UUID) (*domain.Booking, error) {
	return scanBooking(s.tx.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id=$1 FOR UPDATE`, id))
}

func (s *pgTxStore) lockPayment(ctx context.Context, query string, arg interface{}) (*domain.Payment, error) {
	p, err := scanPayment(s.tx.QueryRow(ctx, query, arg))
	if err != nil {
		return nil, err
	}
	rows, err := s.tx.Query(ctx, `SELECT correlation_id, result_code, result_desc, recorded_at FROM payment_attempts WHERE payment_id=$1 ORDER BY id`, p.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var a domain.PaymentAttempt
		if err := rows.Scan(&a.CorrelationID, &a.ResultCode, &a.ResultDesc, &a.RecordedAt); err != nil {
			return nil, err
		}
		p.Attempts = append(p.Attempts, a)
	}
	return p, rows.Err()
}

func (s *pgTxStore) LockPayment(ctx context.Context, id uuid.UUID) (*domain.Payment, error) {
	return s.lockPayment(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id=$1 FOR UPDATE`, id)
}

func (s *pgTxStore) GetPayment(ctx context.Context, id uuid.UUID) (*domain.Payment, error) {
	return scanPayment(s.tx.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id=$1`, id))
}

func (s *pgTxStore) GetPaymentByCorrelationID(ctx context.Context, correlationID string) (*domain.Payment, error) {
	return scanPayment(s.tx.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE correlation_id=$1`, correlationID))
}

func (s *pgTxStore) UpdateBookingState(ctx context.Context, id uuid.UUID, state domain.BookingState, reason string) error {
	cmd, err := s.tx.Exec(ctx, `UPDATE bookings SET state=$1, reason=$2, state_changed_at=now(), updated_at=now() WHERE id=$3`, state, reason, id)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return domain.ErrBookingNotFound
	}
	return nil
}

// LockBookingAmount sets the amount once. A second call with a different
// amount affects no rows and fails loudly; the rate must not silently
// change after booking.
func (s *pgTxStore) LockBookingAmount(ctx context.Context, id uuid.UUID, amount float64) error {
	cmd, err := s.tx.Exec(ctx, `UPDATE bookings SET amount=$1, amount_locked=true, updated_at=now() WHERE id=$2 AND (amount_locked = false OR amount = $1)`, amount, id)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return errors.New("booking amount already locked at a different value")
	}
	return nil
}

func (s *pgTxStore) SetBookingPaymentRef(ctx context.Context, bookingID, paymentID uuid.UUID) error {
	_, err := s.tx.Exec(ctx, `UPDATE bookings SET payment_id=$1, updated_at=now() WHERE id=$2`, paymentID, bookingID)
	return err
}

func (s *pgTxStore) CreatePayment(ctx context.Context, payment *domain.Payment) error {
	return s.tx.QueryRow(ctx, `INSERT INTO payments (id, booking_id, correlation_id, amount, payer_ref, state)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at`,
		payment.ID, payment.BookingID, payment.CorrelationID, payment.Amount, payment.PayerRef, payment.State).
		Scan(&payment.CreatedAt, &payment.UpdatedAt)
}

func (s *pgTxStore) UpdatePaymentState(ctx context.Context, payment *domain.Payment) error {
	cmd, err := s.tx.Exec(ctx, `UPDATE payments SET state=$1, correlation_id=$2, external_txn_id=$3, confirmed_at=$4, failure_reason=$5, updated_at=now() WHERE id=$6`,
		payment.State, payment.CorrelationID, payment.ExternalTxnID, payment.ConfirmedAt, payment.FailureReason, payment.ID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return domain.ErrPaymentNotFound
	}
	return nil
}

func (s *pgTxStore) AppendAttempt(ctx context.Context, paymentID uuid.UUID, attempt domain.PaymentAttempt) error {
	_, err := s.tx.Exec(ctx, `INSERT INTO payment_attempts (payment_id, correlation_id, result_code, result_desc, recorded_at)
		VALUES ($1, $2, $3, $4, $5)`, paymentID, attempt.CorrelationID, attempt.ResultCode, attempt.ResultDesc, attempt.RecordedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		// Storage-level backstop for a replayed correlation id that slipped
		// past the cache and the history check.
		return domain.ErrDuplicateEvent
	}
	return err
}

func (s *pgTxStore) AppendAudit(ctx context.Context, record *domain.AuditRecord) error {
	return s.tx.QueryRow(ctx, `INSERT INTO audit_records (entity_kind, entity_id, sequence, from_state, to_state, actor, reason, correlation_id, amount_flagged, occurred_at)
		VALUES ($1, $2, (SELECT coalesce(max(sequence), 0)+1 FROM audit_records WHERE entity_kind=$1 AND entity_id=$2), $3, $4, $5, $6, $7, $8, now())
		RETURNING id, sequence, occurred_at`,
		record.EntityKind, record.EntityID, record.FromState, record.ToState, record.Actor, record.Reason, record.CorrelationID, record.AmountFlagged).
		Scan(&record.ID, &record.Sequence, &record.OccurredAt)
}

var _ TxStore = (*pgTxStore)(nil)
