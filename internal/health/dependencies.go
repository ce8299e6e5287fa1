// Package health implements the readiness checks behind GET /ready.
package health

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// pingTimeout bounds a single dependency ping when the caller set no deadline.
const pingTimeout = 2 * time.Second

func withPingTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, pingTimeout)
}

// DBChecker reports whether the Postgres assessment store answers pings.
type DBChecker struct {
	db *sql.DB
}

// NewDBChecker creates a checker for db.
func NewDBChecker(db *sql.DB) *DBChecker {
	return &DBChecker{db: db}
}

// HealthCheck pings the database.
func (d *DBChecker) HealthCheck(ctx context.Context) error {
	ctx, cancel := withPingTimeout(ctx)
	defer cancel()
	if err := d.db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	return nil
}

// RedisChecker reports whether the Redis instance shared by rate limiting and
// idempotency answers PING.
type RedisChecker struct {
	client redis.UniversalClient
}

// NewRedisChecker creates a checker for client.
func NewRedisChecker(client redis.UniversalClient) *RedisChecker {
	return &RedisChecker{client: client}
}

// HealthCheck sends PING.
func (r *RedisChecker) HealthCheck(ctx context.Context) error {
	ctx, cancel := withPingTimeout(ctx)
	defer cancel()
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}
