package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimitConfig is a fixed window quota: RequestsPerWindow requests per WindowDuration.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// Validate rejects non-positive quotas and windows.
func (c RateLimitConfig) Validate() error {
	switch {
	case c.RequestsPerWindow <= 0:
		return fmt.Errorf("rate limit: requests per window must be positive, got %d", c.RequestsPerWindow)
	case c.WindowDuration <= 0:
		return fmt.Errorf("rate limit: window must be positive, got %s", c.WindowDuration)
	}
	return nil
}

// ErrCodeRateLimited is written when a client exceeds its request quota.
const ErrCodeRateLimited = "rate_limited"

var defaultGlobalLimit = RateLimitConfig{
	RequestsPerWindow: 100,
	WindowDuration:    time.Minute,
}

// defaultSocketLimit caps websocket handshakes (20 per minute). A reconnect
// storm from a flaky classroom network should not hammer the registry.
var defaultSocketLimit = RateLimitConfig{
	RequestsPerWindow: 20,
	WindowDuration:    time.Minute,
}

// DefaultGlobalLimit is 100 requests per minute.
func DefaultGlobalLimit() RateLimitConfig {
	return defaultGlobalLimit
}

// DefaultSocketLimit is 20 websocket handshakes per minute.
func DefaultSocketLimit() RateLimitConfig {
	return defaultSocketLimit
}

// RateLimitStore counts requests per key.
type RateLimitStore interface {
	// Allow counts one request for key. When blocked, retryAfter is the
	// number of whole seconds until the window ends.
	Allow(ctx context.Context, key string, config RateLimitConfig) (allowed bool, remaining int, retryAfter int)
}

type window struct {
	count int
	ends  time.Time
}

// InMemoryRateLimitStore keeps fixed window counters in process memory.
// Limits are per instance; use RedisRateLimitStore when running several.
type InMemoryRateLimitStore struct {
	mu      sync.Mutex
	buckets map[string]*window
	now     func() time.Time
}

func NewInMemoryRateLimitStore() *InMemoryRateLimitStore {
	return &InMemoryRateLimitStore{buckets: make(map[string]*window), now: time.Now}
}

func (s *InMemoryRateLimitStore) Allow(_ context.Context, key string, config RateLimitConfig) (bool, int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	w := s.buckets[key]
	if w == nil || now.After(w.ends) {
		w = &window{ends: now.Add(config.WindowDuration)}
		s.buckets[key] = w
	}
	if w.count >= config.RequestsPerWindow {
		return false, 0, retryAfterSeconds(w.ends.Sub(now))
	}
	w.count++
	return true, config.RequestsPerWindow - w.count, 0
}

// Cleanup drops windows that have ended.
func (s *InMemoryRateLimitStore) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for key, w := range s.buckets {
		if now.After(w.ends) {
			delete(s.buckets, key)
		}
	}
}

// Len returns the number of tracked keys.
func (s *InMemoryRateLimitStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buckets)
}

// redisKeyPrefix namespaces rate limit counters in a shared Redis.
const redisKeyPrefix = "readalong:ratelimit:"

// RedisRateLimitStore implements RateLimitStore as a fixed window counter in Redis,
// so limits hold across several server instances.
// On Redis errors it fails open: the request is allowed with a full quota.
type RedisRateLimitStore struct {
	client  redis.UniversalClient
	metrics *Metrics
	logger  *slog.Logger
}

// NewRedisRateLimitStore creates a Redis-backed rate limit store.
func NewRedisRateLimitStore(client redis.UniversalClient) *RedisRateLimitStore {
	return &RedisRateLimitStore{client: client, logger: slog.Default()}
}

// WithMetrics records fail-open events on m.
func (s *RedisRateLimitStore) WithMetrics(m *Metrics) *RedisRateLimitStore {
	s.metrics = m
	return s
}

// WithLogger sets the logger used for Redis failures.
func (s *RedisRateLimitStore) WithLogger(logger *slog.Logger) *RedisRateLimitStore {
	if logger != nil {
		s.logger = logger
	}
	return s
}

// Allow increments the counter for key and reports whether the request fits the window.
// Implements the RateLimitStore interface.
func (s *RedisRateLimitStore) Allow(ctx context.Context, key string, config RateLimitConfig) (bool, int, int) {
	redisKey := redisKeyPrefix + key

	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	ttl := pipe.PTTL(ctx, redisKey)
	if _, err := pipe.Exec(ctx); err != nil {
		s.failOpen(ctx, key, err)
		return true, config.RequestsPerWindow, 0
	}

	// The window is anchored at the first request; a key without a TTL
	// (first hit, or an earlier expire that never landed) starts a new one.
	wait := ttl.Val()
	if wait <= 0 {
		if err := s.client.PExpire(ctx, redisKey, config.WindowDuration).Err(); err != nil {
			s.failOpen(ctx, key, err)
			return true, config.RequestsPerWindow, 0
		}
		wait = config.WindowDuration
	}

	count := int(incr.Val())
	if count <= config.RequestsPerWindow {
		return true, config.RequestsPerWindow - count, 0
	}
	return false, 0, retryAfterSeconds(wait)
}

func (s *RedisRateLimitStore) failOpen(ctx context.Context, key string, err error) {
	s.metrics.IncRateLimitRedisErrors()
	s.logger.WarnContext(ctx, "rate limit store unavailable, allowing request",
		slog.String("key", key),
		slog.String("error", err.Error()))
}

// retryAfterSeconds rounds d up to whole seconds, never below 1.
func retryAfterSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs <= 0 {
		secs = 1
	}
	return secs
}

// KeyFunc extracts a rate limit key from an HTTP request.
type KeyFunc func(r *http.Request) string

// IPKeyFunc keys requests by client IP: the first X-Forwarded-For hop, then
// X-Real-IP, then the host part of RemoteAddr.
func IPKeyFunc() KeyFunc {
	return func(r *http.Request) string {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			return strings.TrimSpace(first)
		}
		if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
			return xri
		}
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			return host
		}
		return r.RemoteAddr
	}
}

// UserKeyFunc keys authenticated requests by user and the rest by IP.
func UserKeyFunc() KeyFunc {
	ipFunc := IPKeyFunc()
	return func(r *http.Request) string {
		if id := GetUserID(r.Context()); id != "" {
			return "user:" + id
		}
		return "ip:" + ipFunc(r)
	}
}

// keyType reports the label used for rate limit metrics.
func keyType(key string) string {
	if strings.HasPrefix(key, "user:") {
		return "user"
	}
	return "ip"
}

// RateLimiter rejects requests over config with 429 and the error envelope.
// Every response carries X-RateLimit-Limit and X-RateLimit-Remaining; rejections
// add Retry-After and X-RateLimit-Reset (unix seconds). metrics may be nil.
func RateLimiter(store RateLimitStore, config RateLimitConfig, keyFunc KeyFunc, metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)
			endpoint := normalizePath(r.URL.Path)
			metrics.IncRateLimitRequests(endpoint, keyType(key))

			allowed, remaining, retryAfter := store.Allow(r.Context(), key, config)
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(config.RequestsPerWindow))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))

			if !allowed {
				metrics.IncRateLimitBlocked(endpoint, keyType(key))
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				resetTime := time.Now().Add(time.Duration(retryAfter) * time.Second).Unix()
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetTime, 10))
				writeErrorEnvelope(w, r.Context(), http.StatusTooManyRequests, ErrCodeRateLimited, "Too many requests, retry later")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
