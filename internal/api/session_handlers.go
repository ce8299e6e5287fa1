package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/onnwee/readalong/internal/auth"
	"github.com/onnwee/readalong/internal/middleware"
	"github.com/onnwee/readalong/internal/presence"
	"github.com/onnwee/readalong/internal/socket"
)

// SocketServer attaches upgraded connections to the presence relay.
// Implemented by *socket.Hub.
type SocketServer interface {
	Serve(ctx context.Context, conn *websocket.Conn, id presence.Identity, relay socket.Relay)
}

// SessionSocketConfig configures the live session endpoint.
type SessionSocketConfig struct {
	// Validator verifies access tokens presented at the handshake.
	Validator middleware.TokenValidator
	// AllowAnonymous admits connections without a token. Their participants carry no user ID.
	AllowAnonymous bool
	// AllowedOrigins restricts browser handshakes to these origins. When empty the
	// handshake must be same-origin.
	AllowedOrigins []string
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// NewConnectionID defaults to random UUIDs.
	NewConnectionID func() string
}

// SessionSocketHandlers serves the read-along live session websocket.
type SessionSocketHandlers struct {
	server         SocketServer
	relay          socket.Relay
	validator      middleware.TokenValidator
	allowAnonymous bool
	upgrader       websocket.Upgrader
	logger         *slog.Logger
	newID          func() string
}

// NewSessionSocketHandlers creates a new SessionSocketHandlers instance.
func NewSessionSocketHandlers(server SocketServer, relay socket.Relay, config SessionSocketConfig) *SessionSocketHandlers {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.NewConnectionID == nil {
		config.NewConnectionID = uuid.NewString
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		Subprotocols:    socket.Subprotocols(),
	}
	// A nil CheckOrigin keeps gorilla's same-origin check.
	if allowlist := middleware.NewOriginAllowlist(config.AllowedOrigins); allowlist.Enabled() {
		upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || allowlist.Allowed(origin)
		}
	}

	return &SessionSocketHandlers{
		server:         server,
		relay:          relay,
		validator:      config.Validator,
		allowAnonymous: config.AllowAnonymous,
		upgrader:       upgrader,
		logger:         config.Logger,
		newID:          config.NewConnectionID,
	}
}

// Connect handles GET /sessions/ws - authenticates the handshake, upgrades the
// connection and serves it until the client goes away.
func (h *SessionSocketHandlers) Connect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErrorCode(w, r, ErrCodeMethodNotAllowed, "Method not allowed")
		return
	}

	ctx, id, ok := h.identify(w, r)
	if !ok {
		return
	}
	middleware.UpdateResponseContext(w, ctx)

	conn, err := h.upgrader.Upgrade(w, r.WithContext(ctx), nil)
	if err != nil {
		// The upgrader has already written the HTTP error.
		h.logger.WarnContext(ctx, "failed to upgrade websocket connection",
			"error", err,
			"request_id", middleware.GetRequestID(ctx),
		)
		return
	}

	h.logger.InfoContext(ctx, "live session connected",
		"connection_id", id.ConnectionID,
		"user_id", id.UserID,
		"subprotocol", conn.Subprotocol(),
		"request_id", middleware.GetRequestID(ctx),
	)

	h.server.Serve(ctx, conn, id, h.relay)

	h.logger.InfoContext(ctx, "live session closed",
		"connection_id", id.ConnectionID,
		"request_id", middleware.GetRequestID(ctx),
	)
}

// identify resolves the connection identity from the handshake token.
// It writes the error response itself and returns false when the handshake is refused.
func (h *SessionSocketHandlers) identify(w http.ResponseWriter, r *http.Request) (context.Context, presence.Identity, bool) {
	id := presence.Identity{ConnectionID: h.newID()}

	if h.allowAnonymous && middleware.TokenFromRequest(r) == "" {
		return r.Context(), id, true
	}
	if h.validator == nil {
		writeErrorCode(w, r, ErrCodeUnavailable, "Live session authentication is not configured")
		return nil, id, false
	}

	ctx, claims, err := middleware.Authenticate(r, h.validator)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) {
			writeErrorCode(w, r, ErrCodeTokenExpired, "Access token has expired")
		} else {
			writeErrorCode(w, r, ErrCodeAuthFailed, "Missing or invalid access token")
		}
		return nil, id, false
	}

	id.UserID = claims.Subject
	id.Role = claims.Role
	return ctx, id, true
}
