package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/lflish/claude-agent-http/internal/stream"
)

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := req.validate(); err != nil {
		s.writeError(w, r, err)
		return
	}

	// The turn must complete even if the caller drops, so it is detached
	// from the request's cancellation.
	ctx := context.WithoutCancel(r.Context())
	resp, err := s.manager.Chat(ctx, req.SessionID, req.Message, req.timeout(), nil)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleChatStream serves the turn as SSE: data: <json> frames, the last
// one {"type":"done"}. After the headers are flushed, errors can only be
// reported in-stream.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := req.validate(); err != nil {
		s.writeError(w, r, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, r, errStreamingUnsupported)
		return
	}

	headersSent := false
	emit := func(rec stream.Record) bool {
		if !headersSent {
			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("Connection", "keep-alive")
			w.WriteHeader(http.StatusOK)
			headersSent = true
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return false
		}
		if _, err := w.Write([]byte("data: ")); err != nil {
			return false
		}
		if _, err := w.Write(data); err != nil {
			return false
		}
		if _, err := w.Write([]byte("\n\n")); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	// A disconnecting consumer only stops the writes; the manager keeps
	// draining the agent so message_count stays consistent.
	ctx := context.WithoutCancel(r.Context())
	if _, err := s.manager.Chat(ctx, req.SessionID, req.Message, req.timeout(), emit); err != nil {
		if !headersSent {
			s.writeError(w, r, err)
		}
		return
	}
}

var errStreamingUnsupported = &streamingUnsupportedError{}

type streamingUnsupportedError struct{}

func (*streamingUnsupportedError) Error() string { return "response writer does not support streaming" }
