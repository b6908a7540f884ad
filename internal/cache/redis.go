package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/tnmwangi/paysync/config"
)

// RedisStore backs the idempotency cache with redis TTLs so retried gateway
// callbacks hitting different instances still deduplicate. Expiry is native;
// no sweep needed.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStore(cfg config.RedisConfig, ttl time.Duration) *RedisStore {
	return &RedisStore{
		client: redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB}),
		ttl:    ttl,
	}
}

func (s *RedisStore) Get(ctx context.Context, correlationID string) (*CachedResult, error) {
	data, err := s.client.Get(ctx, idempotencyKey(correlationID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	var result CachedResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (s *RedisStore) Set(ctx context.Context, correlationID string, result CachedResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, idempotencyKey(correlationID), payload, s.ttl).Err()
}

func idempotencyKey(correlationID string) string {
	return "idem:callback:" + correlationID
}

var _ IdempotencyStore = (*RedisStore)(nil)
