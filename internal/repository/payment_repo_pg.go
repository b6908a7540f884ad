package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tnmwangi/paysync/internal/domain"
)

type PaymentRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Payment, error)
	GetByCorrelationID(ctx context.Context, correlationID string) (*domain.Payment, error)
	GetOpenByBookingID(ctx context.Context, bookingID uuid.UUID) (*domain.Payment, error)
	ListInWindow(ctx context.Context, start, end time.Time) ([]domain.Payment, error)
	ListOrphaned(ctx context.Context) ([]domain.Payment, error)
}

type PGPaymentRepository struct {
	db *pgxpool.Pool
}

func NewPaymentRepository(db *pgxpool.Pool) PaymentRepository {
	return &PGPaymentRepository{db: db}
}

const paymentColumns = `id, booking_id, correlation_id, amount, payer_ref, external_txn_id, state, confirmed_at, failure_reason, created_at, updated_at`

func scanPayment(row pgx.Row) (*domain.Payment, error) {
	var p domain.Payment
	err := row.Scan(&p.ID, &p.BookingID, &p.CorrelationID, &p.Amount, &p.PayerRef, &p.ExternalTxnID, &p.State, &p.ConfirmedAt, &p.FailureReason, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrPaymentNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (r *PGPaymentRepository) loadAttempts(ctx context.Context, p *domain.Payment) error {
	rows, err := r.db.Query(ctx, `SELECT correlation_id, result_code, result_desc, recorded_at FROM payment_attempts WHERE payment_id=$1 ORDER BY id`, p.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var a domain.PaymentAttempt
		if err := rows.Scan(&a.CorrelationID, &a.ResultCode, &a.ResultDesc, &a.RecordedAt); err != nil {
			return err
		}
		p.Attempts = append(p.Attempts, a)
	}
	return rows.Err()
}

func (r *PGPaymentRepository) getOne(ctx context.Context, query string, arg interface{}) (*domain.Payment, error) {
	p, err := scanPayment(r.db.QueryRow(ctx, query, arg))
	if err != nil {
		return nil, err
	}
	if err := r.loadAttempts(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (r *PGPaymentRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Payment, error) {
	return r.getOne(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id=$1`, id)
}

func (r *PGPaymentRepository) GetByCorrelationID(ctx context.Context, correlationID string) (*domain.Payment, error) {
	return r.getOne(ctx, `SELECT `+paymentColumns+` FROM payments WHERE correlation_id=$1`, correlationID)
}

// GetOpenByBookingID returns the booking's payment still in a non-terminal
// state, if any. The schema's partial unique index guarantees at most one.
func (r *PGPaymentRepository) GetOpenByBookingID(ctx context.Context, bookingID uuid.UUID) (*domain.Payment, error) {
	return r.getOne(ctx, `SELECT `+paymentColumns+` FROM payments WHERE booking_id=$1 AND state IN ('PENDING','INITIATED','FAILED') LIMIT 1`, bookingID)
}

func (r *PGPaymentRepository) ListInWindow(ctx context.Context, start, end time.Time) ([]domain.Payment, error) {
	rows, err := r.db.Query(ctx, `SELECT `+paymentColumns+` FROM payments WHERE created_at >= $1 AND created_at < $2 ORDER BY created_at`, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	payments := make([]domain.Payment, 0)
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, *p)
	}
	return payments, rows.Err()
}

// ListOrphaned returns payments whose booking reference does not resolve.
func (r *PGPaymentRepository) ListOrphaned(ctx context.Context) ([]domain.Payment, error) {
	rows, err := r.db.Query(ctx, `SELECT p.id, p.booking_id, p.correlation_id, p.amount, p.payer_ref, p.external_txn_id, p.state, p.confirmed_at, p.failure_reason, p.created_at, p.updated_at
		FROM payments p LEFT JOIN bookings b ON b.id = p.booking_id WHERE b.id IS NULL ORDER BY p.created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	payments := make([]domain.Payment, 0)
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, *p)
	}
	return payments, rows.Err()
}

var _ PaymentRepository = (*PGPaymentRepository)(nil)
