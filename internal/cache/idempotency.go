// Package cache holds the idempotency store: an ephemeral mapping from an
// external correlation id to the result already produced for it. Entries
// expire after a short TTL and are not durable; losing them costs one
// redundant validation pass, never a double apply, because the transition
// validator rejects re-application.
package cache

import (
	"context"
	"sync"
	"time"
)

// CachedResult is what a retried event gets back without touching state.
type CachedResult struct {
	Status        string  `json:"status"`
	BookingState  string  `json:"booking_state"`
	PaymentState  string  `json:"payment_state"`
	CorrelationID string  `json:"correlation_id"`
	Amount        float64 `json:"amount"`
	AmountFlagged bool    `json:"amount_flagged"`
}

// IdempotencyStore is constructed once per process and injected wherever
// duplicate detection is needed; there is deliberately no package-level
// instance.
type IdempotencyStore interface {
	Get(ctx context.Context, correlationID string) (*CachedResult, error)
	Set(ctx context.Context, correlationID string, result CachedResult) error
}

// MemoryStore is the single-node implementation: a map with TTL entries and
// a periodic sweep.
type MemoryStore struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]memoryEntry
}

type memoryEntry struct {
	result    CachedResult
	expiresAt time.Time
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{ttl: ttl, entries: make(map[string]memoryEntry)}
}

func (s *MemoryStore) Get(_ context.Context, correlationID string) (*CachedResult, error) {
	s.mu.RLock()
	entry, ok := s.entries[correlationID]
	s.mu.RUnlock()
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, nil
	}
	result := entry.result
	return &result, nil
}

func (s *MemoryStore) Set(_ context.Context, correlationID string, result CachedResult) error {
	s.mu.Lock()
	s.entries[correlationID] = memoryEntry{result: result, expiresAt: time.Now().Add(s.ttl)}
	s.mu.Unlock()
	return nil
}

// SweepEvery blocks, dropping expired entries on each tick until the context
// is cancelled. The process that writes the store runs this in a goroutine;
// sweeping someone else's store removes nothing.
func (s *MemoryStore) SweepEvery(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep drops expired entries and returns how many were removed.
func (s *MemoryStore) Sweep() int {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, entry := range s.entries {
		if now.After(entry.expiresAt) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed
}

var _ IdempotencyStore = (*MemoryStore)(nil)
