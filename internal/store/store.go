// Package store persists session metadata. Three backends conform to the
// same narrow interface: an in-memory map, an embedded SQLite file and an
// external PostgreSQL database.
package store

import (
	"context"
	"encoding/json"
	"time"
)

// TimeFormat is the wire and column format for timestamps: ISO-8601 UTC
// with microsecond precision.
const TimeFormat = "2006-01-02T15:04:05.000000Z"

// Session status values.
const (
	StatusActive = "active"
	StatusClosed = "closed"
)

// Session is the persisted metadata record. Conversation content is owned
// by the agent subprocess on disk; only bookkeeping lives here.
type Session struct {
	SessionID    string            `json:"session_id"`
	UserID       string            `json:"user_id"`
	Cwd          string            `json:"cwd"`
	CreatedAt    time.Time         `json:"created_at"`
	LastActiveAt time.Time         `json:"last_active_at"`
	MessageCount int               `json:"message_count"`
	Status       string            `json:"status"`
	Metadata     map[string]string `json:"metadata,omitempty"`

	// Options is the serialized per-session agent option set, kept so a
	// resumed client is rebuilt with identical options.
	Options json.RawMessage `json:"-"`

	// ResumeToken is the agent's native session id, captured from its
	// result events and replayed via --resume.
	ResumeToken string `json:"-"`
}

// Clone returns a deep copy so callers cannot mutate stored state.
func (s *Session) Clone() *Session {
	out := *s
	if s.Metadata != nil {
		out.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			out.Metadata[k] = v
		}
	}
	if s.Options != nil {
		out.Options = append(json.RawMessage(nil), s.Options...)
	}
	return &out
}

// Store is the metadata persistence contract.
//
// Get returns errdefs.ErrNotFound for an unknown id. Delete and Touch
// treat a missing id as a no-op. Transient backend failures are wrapped
// with errdefs.ErrStorageUnavailable.
type Store interface {
	// Save upserts by session id. Durable on return for persistent
	// backends.
	Save(ctx context.Context, sess *Session) error

	// Get returns the record for id.
	Get(ctx context.Context, id string) (*Session, error)

	// Delete removes the record. Missing id is not an error.
	Delete(ctx context.Context, id string) error

	// Touch sets last_active_at and, when bump is true, increments
	// message_count. Called once per accepted turn, must be cheap.
	Touch(ctx context.Context, id string, at time.Time, bump bool) error

	// SetResumeToken records the agent's native session id.
	SetResumeToken(ctx context.Context, id, token string) error

	// List enumerates session ids, optionally filtered by user.
	// Order unspecified.
	List(ctx context.Context, userID string) ([]string, error)

	// CountActive counts non-closed records.
	CountActive(ctx context.Context) (int, error)

	// SweepExpired removes records with last_active_at + ttl < now and
	// returns the removed ids. ttl <= 0 disables the sweep.
	SweepExpired(ctx context.Context, now time.Time, ttl time.Duration) ([]string, error)

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Type names the backend for health reporting.
	Type() string

	Close() error
}
