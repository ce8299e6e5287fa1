package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisKeyPrefix namespaces idempotency records in a shared redis.
const redisKeyPrefix = "idempotency:"

// RedisRepository implements Repository on redis so retries are recognized by
// every API instance. Records expire through the redis TTL.
type RedisRepository struct {
	client redis.UniversalClient
	ttl    time.Duration
	now    func() time.Time
}

// NewRedisRepository creates a redis-backed repository whose records live for ttl.
// A non-positive ttl selects DefaultExpiry.
func NewRedisRepository(client redis.UniversalClient, ttl time.Duration) *RedisRepository {
	if ttl <= 0 {
		ttl = DefaultExpiry
	}
	return &RedisRepository{client: client, ttl: ttl, now: time.Now}
}

// Get retrieves a record by key.
func (r *RedisRepository) Get(ctx context.Context, key string) (*Record, error) {
	data, err := r.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get idempotency record: %w", err)
	}

	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to decode idempotency record: %w", err)
	}
	return &record, nil
}

// Store saves a new record with SETNX, so concurrent first requests cannot both win.
func (r *RedisRepository) Store(ctx context.Context, record *Record) error {
	if err := ValidateKey(record.Key); err != nil {
		return err
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = r.now()
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode idempotency record: %w", err)
	}
	ok, err := r.client.SetNX(ctx, redisKeyPrefix+record.Key, data, r.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to store idempotency record: %w", err)
	}
	if !ok {
		return ErrKeyExists
	}
	return nil
}

// DeleteOlderThan is a no-op; redis expires records on its own.
func (r *RedisRepository) DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	return 0, nil
}
