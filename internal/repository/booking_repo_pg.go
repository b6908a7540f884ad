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

type BookingRepository interface {
	Create(ctx context.Context, booking *domain.Booking) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Booking, error)
	ListInWindow(ctx context.Context, start, end time.Time) ([]domain.Booking, error)
	ListWithUnresolvedPayment(ctx context.Context) ([]domain.Booking, error)
}

type PGBookingRepository struct {
	db *pgxpool.Pool
}

func NewBookingRepository(db *pgxpool.Pool) BookingRepository {
	return &PGBookingRepository{db: db}
}

const bookingColumns = `id, client_id, provider_id, service_type, scheduled_at, amount, amount_locked, state, state_changed_at, reason, payment_id, created_at, updated_at`

func scanBooking(row pgx.Row) (*domain.Booking, error) {
	var b domain.Booking
	err := row.Scan(&b.ID, &b.ClientID, &b.ProviderID, &b.ServiceType, &b.ScheduledAt, &b.Amount, &b.AmountLocked, &b.State, &b.StateChangedAt, &b.Reason, &b.PaymentID, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrBookingNotFound
		}
		return nil, err
	}
	return &b, nil
}

func (r *PGBookingRepository) Create(ctx context.Context, booking *domain.Booking) error {
	booking.State = domain.BookingStateRequested
	return r.db.QueryRow(ctx, `INSERT INTO bookings (id, client_id, provider_id, service_type, scheduled_at, amount, amount_locked, state, state_changed_at)
		VALUES ($1, $2, $3, $4, $5, $6, false, $7, now())
		RETURNING state_changed_at, created_at, updated_at`,
		booking.ID, booking.ClientID, booking.ProviderID, booking.ServiceType, booking.ScheduledAt, booking.Amount, booking.State).
		Scan(&booking.StateChangedAt, &booking.CreatedAt, &booking.UpdatedAt)
}

func (r *PGBookingRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Booking, error) {
	return scanBooking(r.db.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id=$1`, id))
}

func (r *PGBookingRepository) ListInWindow(ctx context.Context, start, end time.Time) ([]domain.Booking, error) {
	rows, err := r.db.Query(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE created_at >= $1 AND created_at < $2 ORDER BY created_at`, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	bookings := make([]domain.Booking, 0)
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		bookings = append(bookings, *b)
	}
	return bookings, rows.Err()
}

// ListWithUnresolvedPayment returns bookings whose payment reference does
// not resolve to a payment row.
func (r *PGBookingRepository) ListWithUnresolvedPayment(ctx context.Context) ([]domain.Booking, error) {
	rows, err := r.db.Query(ctx, `SELECT b.id, b.client_id, b.provider_id, b.service_type, b.scheduled_at, b.amount, b.amount_locked, b.state, b.state_changed_at, b.reason, b.payment_id, b.created_at, b.updated_at
		FROM bookings b LEFT JOIN payments p ON p.id = b.payment_id WHERE b.payment_id IS NOT NULL AND p.id IS NULL ORDER BY b.created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	bookings := make([]domain.Booking, 0)
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		bookings = append(bookings, *b)
	}
	return bookings, rows.Err()
}

var _ BookingRepository = (*PGBookingRepository)(nil)
