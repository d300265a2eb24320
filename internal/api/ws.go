package api

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/lflish/claude-agent-http/internal/stream"
)

// allowedOrigin applies the configured CORS origin list to the WebSocket
// handshake. The CORS middleware only sets response headers, so browsers
// must be rejected here. No Origin header means a non-browser client.
func (s *Server) allowedOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range s.cfg.API.CORSOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// handleChatWS is the WebSocket variant of the streaming chat: the client
// sends one JSON chat request, receives the same records SSE would carry
// as JSON messages, and the server closes after the done record.
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.allowedOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	var req chatRequest
	if err := conn.ReadJSON(&req); err != nil {
		_ = conn.WriteJSON(stream.Record{Type: "error", Kind: "internal", Detail: "malformed chat request"})
		return
	}
	if err := req.validate(); err != nil {
		_ = conn.WriteJSON(stream.Record{Type: "error", Kind: "internal", Detail: err.Error()})
		return
	}

	emit := func(rec stream.Record) bool {
		return conn.WriteJSON(rec) == nil
	}

	ctx := context.WithoutCancel(r.Context())
	if _, err := s.manager.Chat(ctx, req.SessionID, req.Message, req.timeout(), emit); err != nil {
		_ = conn.WriteJSON(stream.Record{Type: "error", Kind: "internal", Detail: err.Error()})
		return
	}
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
