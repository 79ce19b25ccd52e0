package relay

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
)

// maxCarrierFrameBytes bounds one inbound carrier frame.
const maxCarrierFrameBytes = 64 * 1024

// TokenVerifier checks a stream token against the call it claims.
type TokenVerifier interface {
	Verify(token, callSid string) error
}

// Handler upgrades GET /voice/stream to the carrier media socket.
type Handler struct {
	manager  *Manager
	verifier TokenVerifier
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewHandler creates the media socket handler.
func NewHandler(manager *Manager, verifier TokenVerifier, logger *slog.Logger) *Handler {
	return &Handler{
		manager:  manager,
		verifier: verifier,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The carrier is not a browser; the stream token authorizes it.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logger.With("subsystem", "relay-socket"),
	}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	callSid := q.Get("callSid")
	if callSid == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if err := h.verifier.Verify(q.Get("token"), callSid); err != nil {
		h.logger.Warn("rejecting media socket", "call_sid", callSid, "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrading media socket", "call_sid", callSid, "error", err)
		return
	}
	conn.SetReadLimit(maxCarrierFrameBytes)

	if err := h.manager.Serve(r.Context(), callSid, conn); err != nil {
		h.logger.Warn("media socket refused", "call_sid", callSid, "error", err)
	}
}
