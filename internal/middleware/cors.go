package middleware

import (
	"net/http"
	"strconv"
	"strings"
)

// ErrCodeOriginNotAllowed is written when a cross-origin request comes from an origin
// outside the allowlist.
const ErrCodeOriginNotAllowed = "origin_not_allowed"

// exposedHeaders lets browser clients read quota and correlation headers.
var exposedHeaders = strings.Join([]string{
	"X-Request-ID",
	"X-RateLimit-Limit",
	"X-RateLimit-Remaining",
	"X-RateLimit-Reset",
	"Retry-After",
	IdempotentReplayedHeader,
}, ", ")

// CORSConfig configures CORS. Origins are matched exactly; there are no wildcards.
type CORSConfig struct {
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowedHeaders   []string
	AllowCredentials bool
	// MaxAge is how long browsers may cache a preflight, in seconds. 0 omits the header.
	MaxAge int
}

// DefaultCORSConfig returns the CORS settings used by the read-along API for origins.
func DefaultCORSConfig(origins []string) CORSConfig {
	return CORSConfig{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "X-Request-ID", IdempotencyKeyHeader, "Sec-WebSocket-Protocol"},
		AllowCredentials: true,
		MaxAge:           600,
	}
}

// OriginAllowlist holds the exact origins allowed for cross-origin requests.
// The websocket handshake checks origins against the same list.
type OriginAllowlist struct {
	origins map[string]bool
}

// NewOriginAllowlist builds an allowlist, ignoring blank entries.
func NewOriginAllowlist(origins []string) *OriginAllowlist {
	allowed := make(map[string]bool, len(origins))
	for _, origin := range origins {
		origin = strings.TrimSpace(origin)
		if origin != "" {
			allowed[origin] = true
		}
	}
	return &OriginAllowlist{origins: allowed}
}

// Enabled reports whether any origin is configured.
func (a *OriginAllowlist) Enabled() bool {
	return len(a.origins) > 0
}

// Allowed reports whether origin may make cross-origin requests.
// An empty allowlist allows every origin.
func (a *OriginAllowlist) Allowed(origin string) bool {
	return !a.Enabled() || a.origins[origin]
}

// CORS answers cross-origin requests from the exact origins in cfg. Requests
// without an Origin header pass through, as does everything when no origin is
// configured. Unknown origins get 403 with the error envelope. Preflights are
// answered here with 204 and never reach next.
func CORS(cfg CORSConfig) func(http.Handler) http.Handler {
	allowlist := NewOriginAllowlist(cfg.AllowedOrigins)
	methods := strings.Join(cfg.AllowedMethods, ", ")
	headers := strings.Join(cfg.AllowedHeaders, ", ")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if !allowlist.Enabled() || origin == "" {
				next.ServeHTTP(w, r)
				return
			}
			if !allowlist.Allowed(origin) {
				writeErrorEnvelope(w, r.Context(), http.StatusForbidden, ErrCodeOriginNotAllowed, "Origin not allowed")
				return
			}

			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
			if cfg.AllowCredentials {
				h.Set("Access-Control-Allow-Credentials", "true")
			}

			if r.Method == http.MethodOptions {
				h.Set("Access-Control-Allow-Methods", methods)
				h.Set("Access-Control-Allow-Headers", headers)
				if cfg.MaxAge > 0 {
					h.Set("Access-Control-Max-Age", strconv.Itoa(cfg.MaxAge))
				}
				w.WriteHeader(http.StatusNoContent)
				return
			}

			h.Set("Access-Control-Expose-Headers", exposedHeaders)

			next.ServeHTTP(w, r)
		})
	}
}
