package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// readyTimeout bounds the dependency checks of a single readiness probe.
const readyTimeout = 5 * time.Second

// HealthChecker defines the interface for components that can be health checked.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HealthHandlers provides health and readiness check endpoints for Kubernetes probes.
type HealthHandlers struct {
	// Optional dependencies; a nil checker means the dependency is not configured.
	dbChecker      HealthChecker
	redisChecker   HealthChecker
	janitorChecker HealthChecker

	now func() time.Time
}

// HealthHandlersConfig configures the health check handlers.
type HealthHandlersConfig struct {
	DBChecker      HealthChecker
	RedisChecker   HealthChecker
	JanitorChecker HealthChecker
}

// NewHealthHandlers creates a new health check handler.
func NewHealthHandlers(config HealthHandlersConfig) *HealthHandlers {
	return &HealthHandlers{
		dbChecker:      config.DBChecker,
		redisChecker:   config.RedisChecker,
		janitorChecker: config.JanitorChecker,
		now:            time.Now,
	}
}

// HealthResponse represents the JSON response for health checks.
type HealthResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Health check values reported per dependency.
const (
	checkOK            = "ok"
	checkError         = "error"
	checkNotConfigured = "not_configured"
)

// Health handles GET /health (liveness probe).
// Returns 200 whenever the process can serve requests.
func (h *HealthHandlers) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErrorCode(w, r, ErrCodeMethodNotAllowed, "Method not allowed")
		return
	}

	writeJSON(w, r.Context(), http.StatusOK, HealthResponse{
		Status:    "healthy",
		Checks:    map[string]string{"runtime": checkOK},
		Timestamp: h.now().UTC().Format(time.RFC3339),
	})
}

// Ready handles GET /ready (readiness probe).
// Returns 503 when a configured dependency fails its check or the presence
// janitor has stopped. Unconfigured dependencies are reported but never fail
// the probe, since the relay runs fully in memory without them.
func (h *HealthHandlers) Ready(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErrorCode(w, r, ErrCodeMethodNotAllowed, "Method not allowed")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	checks := make(map[string]string)
	healthy := true
	for _, c := range []struct {
		name    string
		checker HealthChecker
	}{
		{"database", h.dbChecker},
		{"redis", h.redisChecker},
		{"presence_janitor", h.janitorChecker},
	} {
		if c.checker == nil {
			checks[c.name] = checkNotConfigured
			continue
		}
		if err := c.checker.HealthCheck(ctx); err != nil {
			checks[c.name] = checkError
			healthy = false
			slog.WarnContext(ctx, "readiness check failed", "check", c.name, "error", err)
			continue
		}
		checks[c.name] = checkOK
	}

	status, statusCode := "healthy", http.StatusOK
	if !healthy {
		status, statusCode = "unhealthy", http.StatusServiceUnavailable
	}

	writeJSON(w, r.Context(), statusCode, HealthResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: h.now().UTC().Format(time.RFC3339),
	})
}
