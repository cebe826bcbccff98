// Package ws serves the relay over websockets.
package ws

import (
	"log/slog"
	"net/http"
	"slices"

	"cipherrelay/internal/auth"
	"cipherrelay/internal/httpx"
	obsmw "cipherrelay/internal/observability/middleware"
	"cipherrelay/internal/relay"

	"github.com/gorilla/websocket"
)

type Handler struct {
	verifier *auth.Verifier
	relay    *relay.Server
	upgrader websocket.Upgrader
	cfg      Config
	log      *slog.Logger
}

// NewHandler builds the /ws endpoint. An empty origins list accepts any origin.
func NewHandler(verifier *auth.Verifier, srv *relay.Server, origins []string, cfg Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{verifier: verifier, relay: srv, cfg: cfg.withDefaults(), log: logger}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return len(origins) == 0 || origin == "" || slices.Contains(origins, "*") || slices.Contains(origins, origin)
		},
	}
	return h
}

// ServeHTTP authenticates before upgrading, so a bad signature is a plain
// HTTP error and no session is ever created.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID := obsmw.RequestIDFromContext(r.Context())
	nickname, signature := auth.Credentials(r)
	if err := h.verifier.Verify(r.Context(), nickname, signature); err != nil {
		h.log.Warn("ws handshake rejected",
			"identity", nickname,
			"error", err,
			"client_ip", httpx.ClientIP(r),
			"user_agent", httpx.UserAgent(r),
			"request_id", reqID,
		)
		httpx.WriteError(w, err)
		return
	}

	wsConn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws upgrade", "identity", nickname, "error", err, "request_id", reqID)
		return
	}
	conn := newConn(wsConn, h.cfg, h.log.With("identity", nickname, "client_ip", httpx.ClientIP(r)))
	frames := make(chan relay.Frame)
	go conn.pingLoop()
	go conn.readLoop(frames)

	if err := h.relay.Serve(r.Context(), nickname, conn, frames); err != nil {
		h.log.Debug("ws session ended", "identity", nickname, "error", err)
	}
	_ = conn.Close()
}
