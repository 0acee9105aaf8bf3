package signalling

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/riptide-io/riptide/internal/auth"
)

// Handler upgrades client sockets. The handshake requires a valid bearer
// token; unauthenticated upgrades are rejected before any frame flows.
type Handler struct {
	hub      *Hub
	tokens   *auth.TokenService
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewHandler creates the socket endpoint handler.
func NewHandler(hub *Hub, tokens *auth.TokenService, logger *slog.Logger) *Handler {
	return &Handler{
		hub:    hub,
		tokens: tokens,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Signalling fronts browser clients across origins; access
			// control is the bearer token, not the Origin header.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger.With("component", "ws_handler"),
	}
}

// ServeHTTP authenticates and upgrades one client socket.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		http.Error(w, "missing bearer token", http.StatusUnauthorized)
		return
	}

	claims, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Debug("socket auth failed", "error", err, "remote_addr", r.RemoteAddr)
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", "error", err)
		return
	}

	clientID := uuid.NewString()
	session := NewSession(h.hub, conn, clientID, claims.ID, h.logger)

	ctx, cancel := context.WithCancel(context.Background())
	h.hub.Register(ctx, session)

	go func() {
		defer cancel()
		session.ReadPump(ctx)
	}()
	go session.WritePump(ctx)
}

// bearerToken pulls the token from the Authorization header, or from the
// token query parameter for browser WebSocket clients that cannot set
// headers.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}
