package middleware

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// staticRoutes are served as-is in metric labels.
var staticRoutes = map[string]bool{
	"/":            true,
	"/sessions/ws": true,
	"/rooms":       true,
	"/assessments": true,
	"/health":      true,
	"/ready":       true,
	"/metrics":     true,
}

// unknownRoute labels paths that match no route, so scanners probing random
// URLs cannot grow the label set.
const unknownRoute = "/{unknown}"

// normalizePath converts paths with dynamic segments to route patterns to prevent
// cardinality explosion in metrics. This maps paths like /rooms/class-5/members to
// /rooms/{id}/members.
func normalizePath(path string) string {
	if staticRoutes[path] {
		return path
	}

	parts := strings.Split(strings.TrimSuffix(path, "/"), "/")
	if len(parts) < 3 || parts[2] == "" {
		return unknownRoute
	}

	switch parts[1] {
	case "rooms":
		// /rooms/{id}/members
		if len(parts) == 4 && parts[3] == "members" {
			return "/rooms/{id}/members"
		}
	case "assessments":
		// /assessments/{id} and /assessments/{id}/audit
		if len(parts) == 3 {
			return "/assessments/{id}"
		}
		if len(parts) == 4 && parts[3] == "audit" {
			return "/assessments/{id}/audit"
		}
	}
	return unknownRoute
}

// metricsResponseWriter wraps http.ResponseWriter to capture status code and response size.
type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode  int
	size        int64
	wroteHeader bool
}

// WriteHeader captures the status code before writing it.
func (mrw *metricsResponseWriter) WriteHeader(code int) {
	if mrw.wroteHeader {
		return
	}
	mrw.statusCode = code
	mrw.wroteHeader = true
	mrw.ResponseWriter.WriteHeader(code)
}

// Write captures the response size and writes the data.
func (mrw *metricsResponseWriter) Write(b []byte) (int, error) {
	n, err := mrw.ResponseWriter.Write(b)
	mrw.size += int64(n)
	return n, err
}

// Hijack passes websocket upgrades through to the underlying writer.
func (mrw *metricsResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := mrw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("middleware: underlying ResponseWriter does not support hijacking")
	}
	conn, buf, err := h.Hijack()
	if err == nil {
		mrw.statusCode = http.StatusSwitchingProtocols
		mrw.wroteHeader = true
	}
	return conn, buf, err
}

// Unwrap returns the wrapped writer.
func (mrw *metricsResponseWriter) Unwrap() http.ResponseWriter {
	return mrw.ResponseWriter
}

// newMetricsResponseWriter creates a new metricsResponseWriter with default 200 status.
func newMetricsResponseWriter(w http.ResponseWriter) *metricsResponseWriter {
	return &metricsResponseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
	}
}

// HTTPMetrics is a middleware that records HTTP request metrics.
// It captures duration, request/response sizes, and request counts.
// Health check endpoints (/health, /ready) are excluded from metrics to avoid cardinality issues.
// A websocket session is recorded once it ends, with status 101 and its full lifetime as duration.
func HTTPMetrics(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/health" || r.URL.Path == "/ready" {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			mrw := newMetricsResponseWriter(w)

			// -1 when unknown, e.g. chunked uploads.
			requestSize := r.ContentLength
			if requestSize < 0 {
				requestSize = 0
			}

			next.ServeHTTP(mrw, r)

			metrics.ObserveHTTPRequest(
				r.Method,
				normalizePath(r.URL.Path),
				strconv.Itoa(mrw.statusCode),
				time.Since(start).Seconds(),
				requestSize,
				mrw.size,
			)
		})
	}
}
