package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lflish/claude-agent-http/internal/errdefs"
)

// MemoryStore keeps sessions in a mutex-protected map. Not restart-safe;
// the default backend for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewMemory() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

func (m *MemoryStore) Save(ctx context.Context, sess *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sess.SessionID] = sess.Clone()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, errdefs.ErrNotFound)
	}
	return sess.Clone(), nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

func (m *MemoryStore) Touch(ctx context.Context, id string, at time.Time, bump bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil
	}
	if at.After(sess.LastActiveAt) {
		sess.LastActiveAt = at
	}
	if bump {
		sess.MessageCount++
	}
	return nil
}

func (m *MemoryStore) SetResumeToken(ctx context.Context, id, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sess, ok := m.sessions[id]; ok {
		sess.ResumeToken = token
	}
	return nil
}

func (m *MemoryStore) List(ctx context.Context, userID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.sessions))
	for id, sess := range m.sessions {
		if userID != "" && sess.UserID != userID {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (m *MemoryStore) CountActive(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, sess := range m.sessions {
		if sess.Status != StatusClosed {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) SweepExpired(ctx context.Context, now time.Time, ttl time.Duration) ([]string, error) {
	if ttl <= 0 {
		return nil, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed []string
	for id, sess := range m.sessions {
		if sess.LastActiveAt.Add(ttl).Before(now) {
			delete(m.sessions, id)
			removed = append(removed, id)
		}
	}
	return removed, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) Type() string { return "memory" }

func (m *MemoryStore) Close() error { return nil }
