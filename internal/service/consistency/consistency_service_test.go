package consistency

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/tnmwangi/paysync/internal/cache"
	"github.com/tnmwangi/paysync/internal/domain"
	"github.com/tnmwangi/paysync/internal/repository"
)

type MockTxStore struct {
	mock.Mock
}

func (m *MockTxStore) LockBooking(ctx context.Context, id uuid.UUID) (*domain.Booking, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Booking), args.Error(1)
}

func (m *MockTxStore) LockPayment(ctx context.Context, id uuid.UUID) (*domain.Payment, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Payment), args.Error(1)
}

func (m *MockTxStore) GetPayment(ctx context.Context, id uuid.UUID) (*domain.Payment, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Payment), args.Error(1)
}

func (m *MockTxStore) GetPaymentByCorrelationID(ctx context.Context, correlationID string) (*domain.Payment, error) {
	args := m.Called(ctx, correlationID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Payment), args.Error(1)
}

func (m *MockTxStore) UpdateBookingState(ctx context.Context, id uuid.UUID, state domain.BookingState, reason string) error {
	args := m.Called(ctx, id, state, reason)
	return args.Error(0)
}

func (m *MockTxStore) LockBookingAmount(ctx context.Context, id uuid.UUID, amount float64) error {
	args := m.Called(ctx, id, amount)
	return args.Error(0)
}

func (m *MockTxStore) SetBookingPaymentRef(ctx context.Context, bookingID, paymentID uuid.UUID) error {
	args := m.Called(ctx, bookingID, paymentID)
	return args.Error(0)
}

func (m *MockTxStore) CreatePayment(ctx context.Context, payment *domain.Payment) error {
	args := m.Called(ctx, payment)
	return args.Error(0)
}

func (m *MockTxStore) UpdatePaymentState(ctx context.Context, payment *domain.Payment) error {
	args := m.Called(ctx, payment)
	return args.Error(0)
}

func (m *MockTxStore) AppendAttempt(ctx context.Context, paymentID uuid.UUID, attempt domain.PaymentAttempt) error {
	args := m.Called(ctx, paymentID, attempt)
	return args.Error(0)
}

func (m *MockTxStore) AppendAudit(ctx context.Context, record *domain.AuditRecord) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

// stubTxManager runs the unit against the mock store without a database.
type stubTxManager struct {
	store repository.TxStore
}

func (m *stubTxManager) WithinTx(ctx context.Context, fn func(ctx context.Context, tx repository.TxStore) error) error {
	return fn(ctx, m.store)
}

type MockIdempotencyStore struct {
	mock.Mock
}

func (m *MockIdempotencyStore) Get(ctx context.Context, correlationID string) (*cache.CachedResult, error) {
	args := m.Called(ctx, correlationID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*cache.CachedResult), args.Error(1)
}

func (m *MockIdempotencyStore) Set(ctx context.Context, correlationID string, result cache.CachedResult) error {
	args := m.Called(ctx, correlationID, result)
	return args.Error(0)
}

type MockProducer struct {
	mock.Mock
}

func (m *MockProducer) Publish(ctx context.Context, topic, key string, value interface{}) error {
	args := m.Called(ctx, topic, key, value)
	return args.Error(0)
}

func newTestManager(store *MockTxStore, idem *MockIdempotencyStore, producer *MockProducer) *Manager {
	return &Manager{
		tx:        &stubTxManager{store: store},
		idem:      idem,
		producer:  producer,
		topic:     "transitions",
		tolerance: 1.00,
	}
}

func pendingPair() (*domain.Booking, *domain.Payment) {
	bookingID := uuid.New()
	paymentID := uuid.New()
	booking := &domain.Booking{
		ID:           bookingID,
		ClientID:     uuid.New(),
		ProviderID:   uuid.New(),
		Amount:       2500,
		AmountLocked: true,
		State:        domain.BookingStatePaymentPending,
		PaymentID:    &paymentID,
	}
	payment := &domain.Payment{
		ID:            paymentID,
		BookingID:     bookingID,
		CorrelationID: "ws_CO_100",
		Amount:        2500,
		State:         domain.PaymentStateInitiated,
	}
	return booking, payment
}

func TestApplyPaymentOutcome_ConfirmSuccess(t *testing.T) {
	store := &MockTxStore{}
	idem := &MockIdempotencyStore{}
	producer := &MockProducer{}
	manager := newTestManager(store, idem, producer)

	ctx := context.Background()
	booking, payment := pendingPair()

	idem.On("Get", ctx, "ws_CO_100").Return(nil, nil).Once()
	store.On("GetPaymentByCorrelationID", ctx, "ws_CO_100").Return(payment, nil).Once()
	store.On("LockBooking", ctx, booking.ID).Return(booking, nil).Once()
	store.On("LockPayment", ctx, payment.ID).Return(payment, nil).Once()
	store.On("UpdatePaymentState", ctx, payment).Return(nil).Once()
	store.On("AppendAttempt", ctx, payment.ID, mock.AnythingOfType("domain.PaymentAttempt")).Return(nil).Once()
	store.On("AppendAudit", ctx, mock.AnythingOfType("*domain.AuditRecord")).Return(nil).Times(2)
	store.On("UpdateBookingState", ctx, booking.ID, domain.BookingStatePaid, "payment CONFIRMED").Return(nil).Once()
	idem.On("Set", ctx, "ws_CO_100", mock.AnythingOfType("cache.CachedResult")).Return(nil).Once()
	producer.On("Publish", ctx, "transitions", booking.ID.String(), mock.Anything).Return(nil).Once()

	result, err := manager.ApplyPaymentOutcome(ctx, Outcome{
		CorrelationID: "ws_CO_100",
		ResultCode:    0,
		ResultDesc:    "success",
		Amount:        2500,
		ExternalTxnID: "MPE123",
	})

	assert.NoError(t, err)
	assert.Equal(t, "confirmed", result.Status)
	assert.Equal(t, string(domain.BookingStatePaid), result.BookingState)
	assert.Equal(t, string(domain.PaymentStateConfirmed), result.PaymentState)
	assert.False(t, result.AmountFlagged)
	assert.False(t, result.Duplicate)
	assert.Equal(t, domain.PaymentStateConfirmed, payment.State)
	assert.NotNil(t, payment.ConfirmedAt)

	store.AssertExpectations(t)
	idem.AssertExpectations(t)
	producer.AssertExpectations(t)
}

func TestApplyPaymentOutcome_CacheHit(t *testing.T) {
	store := &MockTxStore{}
	idem := &MockIdempotencyStore{}
	producer := &MockProducer{}
	manager := newTestManager(store, idem, producer)

	ctx := context.Background()
	cached := &cache.CachedResult{
		Status:        "confirmed",
		BookingState:  string(domain.BookingStatePaid),
		PaymentState:  string(domain.PaymentStateConfirmed),
		CorrelationID: "ws_CO_100",
		Amount:        2500,
	}
	idem.On("Get", ctx, "ws_CO_100").Return(cached, nil).Once()

	result, err := manager.ApplyPaymentOutcome(ctx, Outcome{CorrelationID: "ws_CO_100", Amount: 2500})

	assert.NoError(t, err)
	assert.True(t, result.Duplicate)
	assert.Equal(t, "confirmed", result.Status)
	assert.Equal(t, string(domain.BookingStatePaid), result.BookingState)

	idem.AssertExpectations(t)
	idem.AssertNotCalled(t, "Set")
	store.AssertNotCalled(t, "GetPaymentByCorrelationID")
	store.AssertNotCalled(t, "UpdatePaymentState")
	producer.AssertNotCalled(t, "Publish")
}

func TestApplyPaymentOutcome_AttemptHistoryDuplicate(t *testing.T) {
	store := &MockTxStore{}
	idem := &MockIdempotencyStore{}
	producer := &MockProducer{}
	manager := newTestManager(store, idem, producer)

	ctx := context.Background()
	booking, payment := pendingPair()
	payment.State = domain.PaymentStateConfirmed
	payment.Attempts = []domain.PaymentAttempt{
		{CorrelationID: "ws_CO_100", ResultCode: 0, ResultDesc: "success", RecordedAt: time.Now()},
	}
	booking.State = domain.BookingStatePaid

	idem.On("Get", ctx, "ws_CO_100").Return(nil, nil).Once()
	store.On("GetPaymentByCorrelationID", ctx, "ws_CO_100").Return(payment, nil).Once()
	store.On("LockBooking", ctx, booking.ID).Return(booking, nil).Once()
	store.On("LockPayment", ctx, payment.ID).Return(payment, nil).Once()

	result, err := manager.ApplyPaymentOutcome(ctx, Outcome{CorrelationID: "ws_CO_100", Amount: 2500})

	assert.NoError(t, err)
	assert.True(t, result.Duplicate)
	assert.Equal(t, "already_processed", result.Status)
	assert.Equal(t, string(domain.BookingStatePaid), result.BookingState)
	assert.Equal(t, string(domain.PaymentStateConfirmed), result.PaymentState)

	store.AssertExpectations(t)
	store.AssertNotCalled(t, "UpdatePaymentState")
	store.AssertNotCalled(t, "AppendAttempt")
	store.AssertNotCalled(t, "AppendAudit")
	idem.AssertNotCalled(t, "Set")
	producer.AssertNotCalled(t, "Publish")
}

func TestApplyPaymentOutcome_FailureKeepsBookingPending(t *testing.T) {
	store := &MockTxStore{}
	idem := &MockIdempotencyStore{}
	producer := &MockProducer{}
	manager := newTestManager(store, idem, producer)

	ctx := context.Background()
	booking, payment := pendingPair()

	idem.On("Get", ctx, "ws_CO_100").Return(nil, nil).Once()
	store.On("GetPaymentByCorrelationID", ctx, "ws_CO_100").Return(payment, nil).Once()
	store.On("LockBooking", ctx, booking.ID).Return(booking, nil).Once()
	store.On("LockPayment", ctx, payment.ID).Return(payment, nil).Once()
	store.On("UpdatePaymentState", ctx, payment).Return(nil).Once()
	store.On("AppendAttempt", ctx, payment.ID, mock.AnythingOfType("domain.PaymentAttempt")).Return(nil).Once()
	store.On("AppendAudit", ctx, mock.AnythingOfType("*domain.AuditRecord")).Return(nil).Once()
	idem.On("Set", ctx, "ws_CO_100", mock.AnythingOfType("cache.CachedResult")).Return(nil).Once()
	producer.On("Publish", ctx, "transitions", booking.ID.String(), mock.Anything).Return(nil).Once()

	result, err := manager.ApplyPaymentOutcome(ctx, Outcome{
		CorrelationID: "ws_CO_100",
		ResultCode:    1032,
		ResultDesc:    "Request cancelled by user",
		Amount:        2500,
	})

	assert.NoError(t, err)
	assert.Equal(t, "failed", result.Status)
	assert.Equal(t, string(domain.BookingStatePaymentPending), result.BookingState)
	assert.Equal(t, string(domain.PaymentStateFailed), result.PaymentState)
	assert.Equal(t, "Request cancelled by user", payment.FailureReason)

	// The booking never moves: it stays open for a retry.
	store.AssertNotCalled(t, "UpdateBookingState")
	store.AssertExpectations(t)
	idem.AssertExpectations(t)
	producer.AssertExpectations(t)
}

func TestApplyPaymentOutcome_AmountWithinTolerance(t *testing.T) {
	store := &MockTxStore{}
	idem := &MockIdempotencyStore{}
	producer := &MockProducer{}
	manager := newTestManager(store, idem, producer)

	ctx := context.Background()
	booking, payment := pendingPair()

	idem.On("Get", ctx, "ws_CO_100").Return(nil, nil).Once()
	store.On("GetPaymentByCorrelationID", ctx, "ws_CO_100").Return(payment, nil).Once()
	store.On("LockBooking", ctx, booking.ID).Return(booking, nil).Once()
	store.On("LockPayment", ctx, payment.ID).Return(payment, nil).Once()
	store.On("UpdatePaymentState", ctx, payment).Return(nil).Once()
	store.On("AppendAttempt", ctx, payment.ID, mock.AnythingOfType("domain.PaymentAttempt")).Return(nil).Once()
	store.On("AppendAudit", ctx, mock.MatchedBy(func(r *domain.AuditRecord) bool { return r.AmountFlagged })).Return(nil).Times(2)
	store.On("UpdateBookingState", ctx, booking.ID, domain.BookingStatePaid, "payment CONFIRMED").Return(nil).Once()
	idem.On("Set", ctx, "ws_CO_100", mock.AnythingOfType("cache.CachedResult")).Return(nil).Once()
	producer.On("Publish", ctx, "transitions", booking.ID.String(), mock.Anything).Return(nil).Once()

	result, err := manager.ApplyPaymentOutcome(ctx, Outcome{
		CorrelationID: "ws_CO_100",
		ResultCode:    0,
		Amount:        2500.50,
	})

	assert.NoError(t, err)
	assert.Equal(t, "confirmed", result.Status)
	assert.True(t, result.AmountFlagged)

	store.AssertExpectations(t)
	idem.AssertExpectations(t)
}

func TestApplyPaymentOutcome_AmountBeyondTolerance(t *testing.T) {
	store := &MockTxStore{}
	idem := &MockIdempotencyStore{}
	producer := &MockProducer{}
	manager := newTestManager(store, idem, producer)

	ctx := context.Background()
	booking, payment := pendingPair()

	idem.On("Get", ctx, "ws_CO_100").Return(nil, nil).Once()
	store.On("GetPaymentByCorrelationID", ctx, "ws_CO_100").Return(payment, nil).Once()
	store.On("LockBooking", ctx, booking.ID).Return(booking, nil).Once()
	store.On("LockPayment", ctx, payment.ID).Return(payment, nil).Once()

	result, err := manager.ApplyPaymentOutcome(ctx, Outcome{
		CorrelationID: "ws_CO_100",
		ResultCode:    0,
		Amount:        2000,
	})

	assert.Nil(t, result)
	var discrepancy *domain.AmountDiscrepancyError
	assert.ErrorAs(t, err, &discrepancy)
	assert.Equal(t, 2500.0, discrepancy.Expected)
	assert.Equal(t, 2000.0, discrepancy.Actual)

	// Nothing is written, cached or published; the record goes to manual review.
	store.AssertNotCalled(t, "UpdatePaymentState")
	store.AssertNotCalled(t, "UpdateBookingState")
	store.AssertNotCalled(t, "AppendAttempt")
	store.AssertNotCalled(t, "AppendAudit")
	idem.AssertNotCalled(t, "Set")
	producer.AssertNotCalled(t, "Publish")
	assert.Equal(t, domain.PaymentStateInitiated, payment.State)
}

func TestApplyPaymentOutcome_UnknownCorrelationID(t *testing.T) {
	store := &MockTxStore{}
	idem := &MockIdempotencyStore{}
	producer := &MockProducer{}
	manager := newTestManager(store, idem, producer)

	ctx := context.Background()
	idem.On("Get", ctx, "ws_CO_999").Return(nil, nil).Once()
	store.On("GetPaymentByCorrelationID", ctx, "ws_CO_999").Return(nil, domain.ErrPaymentNotFound).Once()

	result, err := manager.ApplyPaymentOutcome(ctx, Outcome{CorrelationID: "ws_CO_999", Amount: 100})

	assert.Nil(t, result)
	assert.ErrorIs(t, err, domain.ErrUnresolvedReference)
	idem.AssertNotCalled(t, "Set")
	producer.AssertNotCalled(t, "Publish")
}

func TestApplyPaymentOutcome_LocksBookingBeforePayment(t *testing.T) {
	store := &MockTxStore{}
	idem := &MockIdempotencyStore{}
	producer := &MockProducer{}
	manager := newTestManager(store, idem, producer)

	ctx := context.Background()
	booking, payment := pendingPair()

	var calls []string
	record := func(name string) func(mock.Arguments) {
		return func(mock.Arguments) { calls = append(calls, name) }
	}

	idem.On("Get", ctx, "ws_CO_100").Return(nil, nil).Once()
	store.On("GetPaymentByCorrelationID", ctx, "ws_CO_100").Return(payment, nil).Run(record("resolve")).Once()
	store.On("LockBooking", ctx, booking.ID).Return(booking, nil).Run(record("lock_booking")).Once()
	store.On("LockPayment", ctx, payment.ID).Return(payment, nil).Run(record("lock_payment")).Once()
	store.On("UpdatePaymentState", ctx, payment).Return(nil).Once()
	store.On("AppendAttempt", ctx, payment.ID, mock.AnythingOfType("domain.PaymentAttempt")).Return(nil).Once()
	store.On("AppendAudit", ctx, mock.AnythingOfType("*domain.AuditRecord")).Return(nil).Times(2)
	store.On("UpdateBookingState", ctx, booking.ID, domain.BookingStatePaid, "payment CONFIRMED").Return(nil).Once()
	idem.On("Set", ctx, "ws_CO_100", mock.AnythingOfType("cache.CachedResult")).Return(nil).Once()
	producer.On("Publish", ctx, "transitions", booking.ID.String(), mock.Anything).Return(nil).Once()

	_, err := manager.ApplyPaymentOutcome(ctx, Outcome{CorrelationID: "ws_CO_100", ResultCode: 0, Amount: 2500})

	assert.NoError(t, err)
	// The callback takes the booking lock before the payment lock, the same
	// order every booking action uses on the pair.
	assert.Equal(t, []string{"resolve", "lock_booking", "lock_payment"}, calls)
}

func TestApplyPaymentOutcome_RekeyedWhileWaitingForLock(t *testing.T) {
	store := &MockTxStore{}
	idem := &MockIdempotencyStore{}
	producer := &MockProducer{}
	manager := newTestManager(store, idem, producer)

	ctx := context.Background()
	booking, payment := pendingPair()
	rekeyed := *payment
	rekeyed.CorrelationID = "ws_CO_retry"

	idem.On("Get", ctx, "ws_CO_100").Return(nil, nil).Once()
	store.On("GetPaymentByCorrelationID", ctx, "ws_CO_100").Return(payment, nil).Once()
	store.On("LockBooking", ctx, booking.ID).Return(booking, nil).Once()
	store.On("LockPayment", ctx, payment.ID).Return(&rekeyed, nil).Once()

	result, err := manager.ApplyPaymentOutcome(ctx, Outcome{CorrelationID: "ws_CO_100", ResultCode: 0, Amount: 2500})

	assert.Nil(t, result)
	// A retry re-keyed the row while this callback waited on the lock; it
	// loses rather than confirming a superseded attempt.
	assert.ErrorIs(t, err, domain.ErrConcurrentModification)
	store.AssertNotCalled(t, "UpdatePaymentState")
	idem.AssertNotCalled(t, "Set")
	producer.AssertNotCalled(t, "Publish")
}

func TestApplyPaymentOutcome_BookingWriteFailureAbortsUnit(t *testing.T) {
	store := &MockTxStore{}
	idem := &MockIdempotencyStore{}
	producer := &MockProducer{}
	manager := newTestManager(store, idem, producer)

	ctx := context.Background()
	booking, payment := pendingPair()
	writeErr := errors.New("connection reset")

	idem.On("Get", ctx, "ws_CO_100").Return(nil, nil).Once()
	store.On("GetPaymentByCorrelationID", ctx, "ws_CO_100").Return(payment, nil).Once()
	store.On("LockBooking", ctx, booking.ID).Return(booking, nil).Once()
	store.On("LockPayment", ctx, payment.ID).Return(payment, nil).Once()
	store.On("UpdatePaymentState", ctx, payment).Return(nil).Once()
	store.On("AppendAttempt", ctx, payment.ID, mock.AnythingOfType("domain.PaymentAttempt")).Return(nil).Once()
	store.On("AppendAudit", ctx, mock.AnythingOfType("*domain.AuditRecord")).Return(nil).Once()
	store.On("UpdateBookingState", ctx, booking.ID, domain.BookingStatePaid, "payment CONFIRMED").Return(writeErr).Once()

	result, err := manager.ApplyPaymentOutcome(ctx, Outcome{CorrelationID: "ws_CO_100", ResultCode: 0, Amount: 2500})

	assert.Nil(t, result)
	assert.ErrorIs(t, err, writeErr)
	idem.AssertNotCalled(t, "Set")
	producer.AssertNotCalled(t, "Publish")
	store.AssertExpectations(t)
}

func TestApplyPaymentOutcome_InvalidPaymentTransition(t *testing.T) {
	store := &MockTxStore{}
	idem := &MockIdempotencyStore{}
	producer := &MockProducer{}
	manager := newTestManager(store, idem, producer)

	ctx := context.Background()
	booking, payment := pendingPair()
	payment.State = domain.PaymentStateRefunded
	payment.CorrelationID = "ws_CO_200"
	booking.State = domain.BookingStateCancelled

	idem.On("Get", ctx, "ws_CO_200").Return(nil, nil).Once()
	store.On("GetPaymentByCorrelationID", ctx, "ws_CO_200").Return(payment, nil).Once()
	store.On("LockBooking", ctx, booking.ID).Return(booking, nil).Once()
	store.On("LockPayment", ctx, payment.ID).Return(payment, nil).Once()

	result, err := manager.ApplyPaymentOutcome(ctx, Outcome{CorrelationID: "ws_CO_200", ResultCode: 0, Amount: 2500})

	assert.Nil(t, result)
	var invalid *domain.InvalidTransitionError
	assert.ErrorAs(t, err, &invalid)
	store.AssertNotCalled(t, "UpdatePaymentState")
	idem.AssertNotCalled(t, "Set")
}

func TestRefundPayment_CancelsBooking(t *testing.T) {
	store := &MockTxStore{}
	idem := &MockIdempotencyStore{}
	producer := &MockProducer{}
	manager := newTestManager(store, idem, producer)

	ctx := context.Background()
	booking, payment := pendingPair()
	payment.State = domain.PaymentStateConfirmed
	booking.State = domain.BookingStatePaid

	store.On("GetPayment", ctx, payment.ID).Return(payment, nil).Once()
	store.On("LockBooking", ctx, booking.ID).Return(booking, nil).Once()
	store.On("LockPayment", ctx, payment.ID).Return(payment, nil).Once()
	store.On("UpdatePaymentState", ctx, payment).Return(nil).Once()
	store.On("UpdateBookingState", ctx, booking.ID, domain.BookingStateCancelled, "client dispute upheld").Return(nil).Once()
	store.On("AppendAudit", ctx, mock.AnythingOfType("*domain.AuditRecord")).Return(nil).Times(2)
	producer.On("Publish", ctx, "transitions", booking.ID.String(), mock.Anything).Return(nil).Once()

	refunded, err := manager.RefundPayment(ctx, payment.ID, "staff:ops", "client dispute upheld")

	assert.NoError(t, err)
	assert.Equal(t, domain.PaymentStateRefunded, refunded.State)

	store.AssertExpectations(t)
	producer.AssertExpectations(t)
}

func TestRefundPayment_RequiresConfirmedPayment(t *testing.T) {
	store := &MockTxStore{}
	idem := &MockIdempotencyStore{}
	producer := &MockProducer{}
	manager := newTestManager(store, idem, producer)

	ctx := context.Background()
	_, payment := pendingPair()

	store.On("GetPayment", ctx, payment.ID).Return(payment, nil).Once()

	refunded, err := manager.RefundPayment(ctx, payment.ID, "staff:ops", "mistake")

	assert.Nil(t, refunded)
	var invalid *domain.InvalidTransitionError
	assert.ErrorAs(t, err, &invalid)
	// Rejected on the unlocked read; no row lock is ever taken.
	store.AssertNotCalled(t, "LockBooking")
	store.AssertNotCalled(t, "LockPayment")
	store.AssertNotCalled(t, "UpdatePaymentState")
	store.AssertNotCalled(t, "UpdateBookingState")
	producer.AssertNotCalled(t, "Publish")
}

func TestCancelStalePayment_NoBookingDrive(t *testing.T) {
	store := &MockTxStore{}
	idem := &MockIdempotencyStore{}
	producer := &MockProducer{}
	manager := newTestManager(store, idem, producer)

	ctx := context.Background()
	_, payment := pendingPair()

	store.On("GetPayment", ctx, payment.ID).Return(payment, nil).Once()
	store.On("LockPayment", ctx, payment.ID).Return(payment, nil).Once()
	store.On("UpdatePaymentState", ctx, payment).Return(nil).Once()
	store.On("AppendAudit", ctx, mock.AnythingOfType("*domain.AuditRecord")).Return(nil).Once()

	cancelled, err := manager.CancelStalePayment(ctx, payment.ID, "reconciler", "orphaned record")

	assert.NoError(t, err)
	assert.Equal(t, domain.PaymentStateCancelled, cancelled.State)

	// Cancelling a payment drives nothing; the booking is never touched.
	store.AssertNotCalled(t, "LockBooking")
	store.AssertNotCalled(t, "UpdateBookingState")
	producer.AssertNotCalled(t, "Publish")
	store.AssertExpectations(t)
}

func TestApplyPaymentOutcome_RetriedTwiceSameBody(t *testing.T) {
	store := &MockTxStore{}
	producer := &MockProducer{}
	idem := cache.NewMemoryStore(time.Minute)
	manager := &Manager{
		tx:        &stubTxManager{store: store},
		idem:      idem,
		producer:  producer,
		topic:     "transitions",
		tolerance: 1.00,
	}

	ctx := context.Background()
	booking, payment := pendingPair()

	store.On("GetPaymentByCorrelationID", ctx, "ws_CO_100").Return(payment, nil).Once()
	store.On("LockBooking", ctx, booking.ID).Return(booking, nil).Once()
	store.On("LockPayment", ctx, payment.ID).Return(payment, nil).Once()
	store.On("UpdatePaymentState", ctx, payment).Return(nil).Once()
	store.On("AppendAttempt", ctx, payment.ID, mock.AnythingOfType("domain.PaymentAttempt")).Return(nil).Once()
	store.On("AppendAudit", ctx, mock.AnythingOfType("*domain.AuditRecord")).Return(nil).Times(2)
	store.On("UpdateBookingState", ctx, booking.ID, domain.BookingStatePaid, "payment CONFIRMED").Return(nil).Once()
	producer.On("Publish", ctx, "transitions", booking.ID.String(), mock.Anything).Return(nil).Once()

	outcome := Outcome{CorrelationID: "ws_CO_100", ResultCode: 0, ResultDesc: "success", Amount: 2500}

	first, err := manager.ApplyPaymentOutcome(ctx, outcome)
	assert.NoError(t, err)

	second, err := manager.ApplyPaymentOutcome(ctx, outcome)
	assert.NoError(t, err)
	assert.True(t, second.Duplicate)

	// Same response body on the retry; only the internal duplicate flag differs.
	second.Duplicate = first.Duplicate
	assert.Equal(t, first, second)

	store.AssertExpectations(t)
	producer.AssertExpectations(t)
}
