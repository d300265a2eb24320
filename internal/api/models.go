package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lflish/claude-agent-http/internal/errdefs"
	"github.com/lflish/claude-agent-http/internal/session"
	"github.com/lflish/claude-agent-http/internal/store"
)

const (
	maxBodyBytes   = 1 << 20
	maxMessageLen  = 100000
	defaultTimeout = 120
	maxTimeout     = 600
)

type createSessionRequest struct {
	UserID   string            `json:"user_id"`
	Subdir   string            `json:"subdir,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	session.OptionOverrides
}

type chatRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
	// Timeout bounds the turn in seconds; 0 means the default.
	Timeout int `json:"timeout,omitempty"`
}

func (c *chatRequest) validate() error {
	if c.SessionID == "" {
		return fmt.Errorf("%w: session_id is required", errdefs.ErrInvalidInput)
	}
	if c.Message == "" {
		return fmt.Errorf("%w: message cannot be empty", errdefs.ErrInvalidInput)
	}
	if len(c.Message) > maxMessageLen {
		return fmt.Errorf("%w: message too long (max %d characters)", errdefs.ErrInvalidInput, maxMessageLen)
	}
	if c.Timeout < 0 || c.Timeout > maxTimeout {
		return fmt.Errorf("%w: timeout must be between 1 and %d seconds", errdefs.ErrInvalidInput, maxTimeout)
	}
	if c.Timeout == 0 {
		c.Timeout = defaultTimeout
	}
	return nil
}

func (c *chatRequest) timeout() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

// sessionInfo is the wire form of a session record.
type sessionInfo struct {
	SessionID    string            `json:"session_id"`
	UserID       string            `json:"user_id"`
	Cwd          string            `json:"cwd"`
	CreatedAt    string            `json:"created_at"`
	LastActiveAt string            `json:"last_active_at"`
	MessageCount int               `json:"message_count"`
	Status       string            `json:"status"`
	Metadata     map[string]string `json:"metadata"`
}

func toSessionInfo(sess *store.Session) sessionInfo {
	meta := sess.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	return sessionInfo{
		SessionID:    sess.SessionID,
		UserID:       sess.UserID,
		Cwd:          sess.Cwd,
		CreatedAt:    sess.CreatedAt.UTC().Format(store.TimeFormat),
		LastActiveAt: sess.LastActiveAt.UTC().Format(store.TimeFormat),
		MessageCount: sess.MessageCount,
		Status:       sess.Status,
		Metadata:     meta,
	}
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: malformed JSON body: %v", errdefs.ErrInvalidInput, err)
	}
	return nil
}
