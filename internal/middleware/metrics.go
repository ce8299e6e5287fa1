package middleware

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics names as constants for consistency.
const (
	MetricRateLimitRequests     = "rate_limit_requests_total"
	MetricRateLimitBlocked      = "rate_limit_blocked_total"
	MetricRateLimitRedisErrors  = "rate_limit_redis_errors_total"
	MetricHTTPRequestDuration   = "http_request_duration_seconds"
	MetricHTTPRequestsTotal     = "http_requests_total"
	MetricHTTPRequestSizeBytes  = "http_request_size_bytes"
	MetricHTTPResponseSizeBytes = "http_response_size_bytes"
	MetricIdempotencyReplays    = "idempotency_replays_total"
	MetricIdempotencyKeyReused  = "idempotency_key_reused_total"
)

var httpLabels = []string{"method", "path", "status"}

// Metrics holds the Prometheus collectors shared by the HTTP middleware.
// Every method is a no-op on a nil receiver.
type Metrics struct {
	rateLimitRequests    *prometheus.CounterVec
	rateLimitBlocked     *prometheus.CounterVec
	rateLimitRedisErrors prometheus.Counter

	httpRequestDuration *prometheus.HistogramVec
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestSize     *prometheus.HistogramVec
	httpResponseSize    *prometheus.HistogramVec

	idempotencyReplays  *prometheus.CounterVec
	idempotencyKeyReuse *prometheus.CounterVec
}

// NewMetrics creates the middleware collectors. Call Register to expose them.
func NewMetrics() *Metrics {
	return &Metrics{
		rateLimitRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricRateLimitRequests,
			Help: "Rate limit checks by route and key type",
		}, []string{"endpoint", "key_type"}),
		rateLimitBlocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricRateLimitBlocked,
			Help: "Requests rejected with 429 by route and key type",
		}, []string{"endpoint", "key_type"}),
		rateLimitRedisErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricRateLimitRedisErrors,
			Help: "Redis failures during rate limiting; each one let the request through",
		}),

		// Classroom API calls are small JSON exchanges; the socket upgrade is
		// counted when the handshake completes, not when the session ends.
		httpRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    MetricHTTPRequestDuration,
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, httpLabels),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricHTTPRequestsTotal,
			Help: "HTTP requests served",
		}, httpLabels),
		httpRequestSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    MetricHTTPRequestSizeBytes,
			Help:    "HTTP request body size in bytes",
			Buckets: prometheus.ExponentialBuckets(64, 4, 8), // 64 B to 1 MiB
		}, httpLabels),
		httpResponseSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    MetricHTTPResponseSizeBytes,
			Help:    "HTTP response body size in bytes",
			Buckets: prometheus.ExponentialBuckets(64, 4, 8),
		}, httpLabels),

		idempotencyReplays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricIdempotencyReplays,
			Help: "Retried POSTs answered from the idempotency store",
		}, []string{"path"}),
		idempotencyKeyReuse: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricIdempotencyKeyReused,
			Help: "Idempotency keys rejected because the request body changed",
		}, []string{"path"}),
	}
}

// Register registers all collectors with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Collectors returns all Prometheus collectors for testing.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.rateLimitRequests,
		m.rateLimitBlocked,
		m.rateLimitRedisErrors,
		m.httpRequestDuration,
		m.httpRequestsTotal,
		m.httpRequestSize,
		m.httpResponseSize,
		m.idempotencyReplays,
		m.idempotencyKeyReuse,
	}
}

// IncRateLimitRequests counts a rate limit check. keyType is "user" or "ip".
func (m *Metrics) IncRateLimitRequests(endpoint, keyType string) {
	if m == nil {
		return
	}
	m.rateLimitRequests.WithLabelValues(endpoint, keyType).Inc()
}

// IncRateLimitBlocked counts a request rejected by the rate limiter.
func (m *Metrics) IncRateLimitBlocked(endpoint, keyType string) {
	if m == nil {
		return
	}
	m.rateLimitBlocked.WithLabelValues(endpoint, keyType).Inc()
}

// IncRateLimitRedisErrors counts a fail-open event.
func (m *Metrics) IncRateLimitRedisErrors() {
	if m == nil {
		return
	}
	m.rateLimitRedisErrors.Inc()
}

// ObserveHTTPRequest records one served request. path must already be normalized.
func (m *Metrics) ObserveHTTPRequest(method, path, status string, duration float64, requestSize, responseSize int64) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{"method": method, "path": path, "status": status}
	m.httpRequestDuration.With(labels).Observe(duration)
	m.httpRequestsTotal.With(labels).Inc()
	m.httpRequestSize.With(labels).Observe(float64(requestSize))
	m.httpResponseSize.With(labels).Observe(float64(responseSize))
}

// IncIdempotencyReplays counts a response served from the idempotency store.
func (m *Metrics) IncIdempotencyReplays(path string) {
	if m == nil {
		return
	}
	m.idempotencyReplays.WithLabelValues(path).Inc()
}

// IncIdempotencyKeyReused counts a key presented again with a different body.
func (m *Metrics) IncIdempotencyKeyReused(path string) {
	if m == nil {
		return
	}
	m.idempotencyKeyReuse.WithLabelValues(path).Inc()
}
