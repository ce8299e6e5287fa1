package middleware

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/onnwee/readalong/internal/idempotency"
)

const (
	// IdempotencyKeyHeader is the HTTP header name for idempotency keys.
	IdempotencyKeyHeader = "Idempotency-Key"
	// IdempotentReplayedHeader marks a response served from the idempotency store.
	IdempotentReplayedHeader = "Idempotent-Replayed"

	// ErrCodeInvalidIdempotencyKey is returned for malformed Idempotency-Key headers.
	ErrCodeInvalidIdempotencyKey = "invalid_idempotency_key"
	// ErrCodeIdempotencyKeyReused is returned when a key is replayed with a different body.
	ErrCodeIdempotencyKeyReused = "idempotency_key_reused"

	// maxIdempotentBodyBytes bounds the request body buffered for fingerprinting.
	maxIdempotentBodyBytes = 1 << 20
)

type idempotencyKeyContextKey struct{}

// SetIdempotencyKey stores the idempotency key in the context.
func SetIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, idempotencyKeyContextKey{}, key)
}

// GetIdempotencyKey retrieves the idempotency key from context. Returns empty string if not present.
func GetIdempotencyKey(ctx context.Context) string {
	if key, ok := ctx.Value(idempotencyKeyContextKey{}).(string); ok {
		return key
	}
	return ""
}

// idempotencyResponseWriter tees the response so it can be stored after the handler returns.
type idempotencyResponseWriter struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
	written    bool
}

func (w *idempotencyResponseWriter) WriteHeader(statusCode int) {
	if !w.written {
		w.statusCode = statusCode
		w.written = true
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *idempotencyResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.WriteHeader(http.StatusOK)
	}
	n, err := w.ResponseWriter.Write(b)
	w.body.Write(b[:n])
	return n, err
}

func (w *idempotencyResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Idempotency replays the stored response when a POST is retried with the same
// Idempotency-Key header. The header is optional; requests without it pass through.
//
// Keys are scoped to the authenticated user, so it must run after RequireAuth.
// A key reused with a different body is rejected with 422. Only 2xx responses are
// stored. Store failures are logged and never fail the request. metrics may be nil.
func Idempotency(repo idempotency.Repository, metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(IdempotencyKeyHeader)
			if r.Method != http.MethodPost || key == "" {
				next.ServeHTTP(w, r)
				return
			}

			ctx := r.Context()
			if err := idempotency.ValidateKey(key); err != nil {
				msg := "Invalid Idempotency-Key format"
				if errors.Is(err, idempotency.ErrKeyTooLong) {
					msg = "Idempotency-Key exceeds maximum length of 64 characters"
				}
				writeErrorEnvelope(w, ctx, http.StatusBadRequest, ErrCodeInvalidIdempotencyKey, msg)
				return
			}

			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxIdempotentBodyBytes))
			if err != nil {
				writeErrorEnvelope(w, ctx, http.StatusBadRequest, "bad_request", "Request body too large")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			requestHash := idempotency.Hash(body)

			ctx = SetIdempotencyKey(ctx, key)
			r = r.WithContext(ctx)
			// Fixed-length store key scoped to the caller and route.
			storeKey := idempotency.Hash([]byte(GetUserID(ctx) + "\x00" + r.URL.Path + "\x00" + key))

			existing, err := repo.Get(ctx, storeKey)
			switch {
			case err == nil:
				if existing.RequestHash != requestHash {
					metrics.IncIdempotencyKeyReused(normalizePath(r.URL.Path))
					writeErrorEnvelope(w, ctx, http.StatusUnprocessableEntity, ErrCodeIdempotencyKeyReused,
						"Idempotency-Key was already used with a different request body")
					return
				}
				slog.InfoContext(ctx, "idempotency key found, returning stored response",
					"key", key,
					"status", existing.StatusCode,
				)
				if existing.ContentType != "" {
					w.Header().Set("Content-Type", existing.ContentType)
				}
				metrics.IncIdempotencyReplays(normalizePath(r.URL.Path))
				w.Header().Set(IdempotentReplayedHeader, "true")
				w.WriteHeader(existing.StatusCode)
				_, _ = io.WriteString(w, existing.Body)
				return
			case !errors.Is(err, idempotency.ErrKeyNotFound):
				slog.ErrorContext(ctx, "failed to check idempotency key", "key", key, "error", err)
				next.ServeHTTP(w, r)
				return
			}

			capture := &idempotencyResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(capture, r)

			if capture.statusCode < 200 || capture.statusCode >= 300 {
				return
			}
			record := &idempotency.Record{
				Key:         storeKey,
				Method:      r.Method,
				Route:       r.URL.Path,
				RequestHash: requestHash,
				StatusCode:  capture.statusCode,
				ContentType: capture.Header().Get("Content-Type"),
				Body:        capture.body.String(),
			}
			if err := repo.Store(ctx, record); err != nil {
				slog.ErrorContext(ctx, "failed to store idempotency key", "key", key, "error", err)
				return
			}
			slog.DebugContext(ctx, "stored idempotency key", "key", key, "status", capture.statusCode)
		})
	}
}
