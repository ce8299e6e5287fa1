package audit

import (
	"net/http"

	"github.com/onnwee/readalong/internal/middleware"
)

var clientIP = middleware.IPKeyFunc()

// LogAccessFromRequest records an access with the caller and request metadata
// taken from r: user ID, role, request ID, client IP and user agent.
//
// Audit logging fails closed: the error is returned so callers can refuse to
// serve data whose access could not be recorded.
func LogAccessFromRequest(r *http.Request, repo Repository, entityType, entityID, action, outcome string) error {
	if repo == nil {
		return ErrNilRepository
	}

	ctx := r.Context()
	_, err := repo.Append(ctx, LogEntry{
		UserID:     middleware.GetUserID(ctx),
		Role:       middleware.GetUserRole(ctx),
		EntityType: entityType,
		EntityID:   entityID,
		Action:     action,
		Outcome:    outcome,
		RequestID:  middleware.GetRequestID(ctx),
		IPAddress:  clientIP(r),
		UserAgent:  r.UserAgent(),
	})
	return err
}
