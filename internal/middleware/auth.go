package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/onnwee/readalong/internal/auth"
)

// AccessTokenQueryParam carries the token for clients that cannot set headers,
// such as browser websocket handshakes.
const AccessTokenQueryParam = "access_token"

// Error codes written by the auth middleware.
const (
	ErrCodeAuthFailed   = "auth_failed"
	ErrCodeTokenExpired = "token_expired"
	ErrCodeForbidden    = "forbidden"
)

// userRoleKey is the context key for the authenticated user's role.
type userRoleKey struct{}

// SetUserRole stores the authenticated user's role in the context.
func SetUserRole(ctx context.Context, role string) context.Context {
	return context.WithValue(ctx, userRoleKey{}, role)
}

// GetUserRole retrieves the role from context. Returns empty string if not present.
func GetUserRole(ctx context.Context) string {
	if role, ok := ctx.Value(userRoleKey{}).(string); ok {
		return role
	}
	return ""
}

// TokenValidator validates access tokens. Implemented by *auth.JWTService.
type TokenValidator interface {
	ValidateToken(tokenString string) (*auth.Claims, error)
}

// TokenFromRequest returns the bearer token from the Authorization header,
// falling back to the access_token query parameter.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get(AccessTokenQueryParam)
}

// Authenticate validates the request's token and returns a context carrying
// the user ID and role.
func Authenticate(r *http.Request, validator TokenValidator) (context.Context, *auth.Claims, error) {
	token := TokenFromRequest(r)
	if token == "" {
		return nil, nil, auth.ErrInvalidToken
	}
	claims, err := validator.ValidateToken(token)
	if err != nil {
		return nil, nil, err
	}
	ctx := SetUserID(r.Context(), claims.Subject)
	ctx = SetUserRole(ctx, claims.Role)
	return ctx, claims, nil
}

// RequireAuth rejects requests without a valid access token with 401.
// On success the user ID and role are available through GetUserID and GetUserRole.
func RequireAuth(validator TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, _, err := Authenticate(r, validator)
			if err != nil {
				code, msg := ErrCodeAuthFailed, "Missing or invalid access token"
				if errors.Is(err, auth.ErrExpiredToken) {
					code, msg = ErrCodeTokenExpired, "Access token has expired"
				}
				writeErrorEnvelope(w, r.Context(), http.StatusUnauthorized, code, msg)
				return
			}
			UpdateResponseContext(w, ctx)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole rejects authenticated requests whose role is not one of roles with 403.
// It must run after RequireAuth.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			role := GetUserRole(r.Context())
			for _, allowed := range roles {
				if role == allowed {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeErrorEnvelope(w, r.Context(), http.StatusForbidden, ErrCodeForbidden, "Insufficient role for this operation")
		})
	}
}

// writeErrorEnvelope writes the same error envelope as the api package.
func writeErrorEnvelope(w http.ResponseWriter, ctx context.Context, status int, code, message string) {
	UpdateResponseContext(w, SetErrorCode(ctx, code))
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="readalong"`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]map[string]string{
		"error": {"code": code, "message": message},
	})
}
