package middleware

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"
)

type (
	userIDKey    struct{}
	errorCodeKey struct{}
)

// SetUserID records the authenticated user for the request log and per-user rate limits.
func SetUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey{}, userID)
}

// GetUserID returns the user set by SetUserID, or "".
func GetUserID(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey{}).(string)
	return id
}

// SetErrorCode records the envelope error code a handler is about to write.
func SetErrorCode(ctx context.Context, code string) context.Context {
	return context.WithValue(ctx, errorCodeKey{}, code)
}

// GetErrorCode returns the code set by SetErrorCode, or "".
func GetErrorCode(ctx context.Context) string {
	code, _ := ctx.Value(errorCodeKey{}).(string)
	return code
}

// UpdateResponseContext copies the user ID and error code found in ctx onto the response
// writer installed by Logging, so values set by inner handlers reach the request log.
// It is a no-op when w was not wrapped by Logging.
func UpdateResponseContext(w http.ResponseWriter, ctx context.Context) {
	for {
		switch rw := w.(type) {
		case *responseWriter:
			if id := GetUserID(ctx); id != "" {
				rw.userID = id
			}
			if code := GetErrorCode(ctx); code != "" {
				rw.errorCode = code
			}
			return
		case interface{ Unwrap() http.ResponseWriter }:
			w = rw.Unwrap()
		default:
			return
		}
	}
}

// responseWriter records what Logging reports about a response. Inner handlers
// see it only through UpdateResponseContext.
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	size        int
	wroteHeader bool
	hijacked    bool
	userID      string
	errorCode   string
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

func (rw *responseWriter) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}
	rw.statusCode = code
	rw.wroteHeader = true
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.size += n
	return n, err
}

// Hijack hands the connection to the websocket upgrader; the session is then logged as 101.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("middleware: underlying ResponseWriter does not support hijacking")
	}
	conn, buf, err := h.Hijack()
	if err == nil {
		rw.hijacked = true
		rw.statusCode = http.StatusSwitchingProtocols
	}
	return conn, buf, err
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// NewLogger returns the process logger: JSON at info level in production,
// text at debug level everywhere else.
func NewLogger(env string) *slog.Logger {
	if env == "production" {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// Logging writes one "request completed" line per request with method, path,
// status, latency_ms and size, plus request_id, trace_id, user_id and (for 4xx
// and 5xx) error_code when known. 5xx logs at error level and 4xx at warn.
// A websocket session is logged when it ends, with status 101.
func Logging(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := newResponseWriter(w)
			next.ServeHTTP(rw, r)

			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rw.statusCode),
				slog.Int64("latency_ms", time.Since(start).Milliseconds()),
				slog.Int("size", rw.size),
			}
			attrs = appendNonEmpty(attrs, "request_id", GetRequestID(r.Context()))
			attrs = appendNonEmpty(attrs, "trace_id", GetTraceID(r))
			attrs = appendNonEmpty(attrs, "user_id", firstNonEmpty(rw.userID, GetUserID(r.Context())))
			if rw.statusCode >= 400 {
				attrs = appendNonEmpty(attrs, "error_code", firstNonEmpty(rw.errorCode, GetErrorCode(r.Context())))
			}

			level := slog.LevelInfo
			switch {
			case rw.statusCode >= 500:
				level = slog.LevelError
			case rw.statusCode >= 400:
				level = slog.LevelWarn
			}
			logger.LogAttrs(r.Context(), level, "request completed", attrs...)
		})
	}
}

func appendNonEmpty(attrs []slog.Attr, key, value string) []slog.Attr {
	if value == "" {
		return attrs
	}
	return append(attrs, slog.String(key, value))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
