// Package api holds the HTTP handlers of the read-along server.
//
// Every error leaves the API in one envelope:
//
//	{"error": {"code": "not_found", "message": "Assessment not found"}}
//
// and the code is attached to the request context so the logging middleware
// records it as error_code.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/onnwee/readalong/internal/middleware"
)

// Error codes. Codes produced by middleware are re-exported so clients see a single list.
const (
	ErrCodeValidation       = "validation_error"
	ErrCodeBadRequest       = "bad_request"
	ErrCodeNotFound         = "not_found"
	ErrCodeConflict         = "conflict"
	ErrCodeMethodNotAllowed = "method_not_allowed"
	ErrCodeInternal         = "internal_error"
	// ErrCodeUnavailable means a dependency the request needs is not configured or not reachable.
	ErrCodeUnavailable = "service_unavailable"

	ErrCodeAuthFailed   = middleware.ErrCodeAuthFailed
	ErrCodeTokenExpired = middleware.ErrCodeTokenExpired
	ErrCodeForbidden    = middleware.ErrCodeForbidden
	ErrCodeRateLimited  = middleware.ErrCodeRateLimited
)

// ErrorResponse is the error envelope.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries a machine-readable code and a message for humans.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

var statusByCode = map[string]int{
	ErrCodeValidation:       http.StatusBadRequest,
	ErrCodeBadRequest:       http.StatusBadRequest,
	ErrCodeAuthFailed:       http.StatusUnauthorized,
	ErrCodeTokenExpired:     http.StatusUnauthorized,
	ErrCodeForbidden:        http.StatusForbidden,
	ErrCodeNotFound:         http.StatusNotFound,
	ErrCodeMethodNotAllowed: http.StatusMethodNotAllowed,
	ErrCodeConflict:         http.StatusConflict,
	ErrCodeRateLimited:      http.StatusTooManyRequests,
	ErrCodeUnavailable:      http.StatusServiceUnavailable,
	ErrCodeInternal:         http.StatusInternalServerError,
}

// StatusCodeMapping returns the HTTP status for code. Unknown codes map to 500.
func StatusCodeMapping(code string) int {
	if status, ok := statusByCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// WriteError writes the error envelope with status. ctx should carry the error
// code (see middleware.SetErrorCode); it is pushed to the logging middleware
// before anything is written.
//
//	ctx := middleware.SetErrorCode(r.Context(), api.ErrCodeNotFound)
//	api.WriteError(w, ctx, http.StatusNotFound, api.ErrCodeNotFound, "Assessment not found")
func WriteError(w http.ResponseWriter, ctx context.Context, status int, code, message string) {
	middleware.UpdateResponseContext(w, ctx)

	data, err := json.Marshal(ErrorResponse{Error: ErrorDetail{Code: code, Message: message}})
	if err != nil {
		slog.ErrorContext(ctx, "failed to marshal error response", "error", err)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("Internal server error"))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		slog.ErrorContext(ctx, "failed to write error response", "error", err)
	}
}

// writeErrorCode tags the request with code and writes it with its mapped status.
func writeErrorCode(w http.ResponseWriter, r *http.Request, code, message string) {
	WriteError(w, middleware.SetErrorCode(r.Context(), code), StatusCodeMapping(code), code, message)
}

// writeJSON writes v as a JSON body with the given status.
func writeJSON(w http.ResponseWriter, ctx context.Context, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}
