// Package session owns the live fleet of agent clients: admission,
// per-session serialization, LRU pressure recovery and the background
// maintenance loop.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/lflish/claude-agent-http/internal/agent"
	"github.com/lflish/claude-agent-http/internal/config"
	"github.com/lflish/claude-agent-http/internal/errdefs"
	"github.com/lflish/claude-agent-http/internal/metrics"
	"github.com/lflish/claude-agent-http/internal/pathguard"
	"github.com/lflish/claude-agent-http/internal/store"
	"github.com/lflish/claude-agent-http/internal/stream"
)

// Client is the conduit the manager drives. *agent.Client satisfies it;
// tests substitute fakes.
type Client interface {
	Ask(ctx context.Context, prompt string) (<-chan agent.Event, error)
	Close() error
	LastUsed() time.Time
	ResumeToken() string
	Broken() bool
}

// SpawnFunc creates a client for the given option set.
type SpawnFunc func(opts agent.Options) (Client, error)

// EmitFunc receives translated records during a streaming turn. Returning
// false tells the manager the consumer is gone; the turn is still driven
// to completion so bookkeeping stays consistent.
type EmitFunc func(rec stream.Record) bool

// ChatResponse is the synchronous turn result.
type ChatResponse struct {
	SessionID string           `json:"session_id"`
	Text      string           `json:"text"`
	ToolCalls []agent.ToolCall `json:"tool_calls"`
	Timestamp string           `json:"timestamp"`
}

// OptionOverrides are the per-session knobs a create request may set on
// top of the configured defaults.
type OptionOverrides struct {
	SystemPrompt    *string                     `json:"system_prompt,omitempty"`
	Model           *string                     `json:"model,omitempty"`
	PermissionMode  *string                     `json:"permission_mode,omitempty"`
	AllowedTools    []string                    `json:"allowed_tools,omitempty"`
	DisallowedTools []string                    `json:"disallowed_tools,omitempty"`
	AddDirs         []string                    `json:"add_dirs,omitempty"`
	MaxTurns        *int                        `json:"max_turns,omitempty"`
	MaxBudgetUSD    *float64                    `json:"max_budget_usd,omitempty"`
	MCPServers      map[string]config.MCPServer `json:"mcp_servers,omitempty"`
	Plugins         []string                    `json:"plugins,omitempty"`
}

func (o *OptionOverrides) apply(opts *agent.Options) {
	if o == nil {
		return
	}
	if o.SystemPrompt != nil {
		opts.SystemPrompt = *o.SystemPrompt
	}
	if o.Model != nil {
		opts.Model = *o.Model
	}
	if o.PermissionMode != nil {
		opts.PermissionMode = *o.PermissionMode
	}
	if o.AllowedTools != nil {
		opts.AllowedTools = o.AllowedTools
	}
	if o.DisallowedTools != nil {
		opts.DisallowedTools = o.DisallowedTools
	}
	if o.MaxTurns != nil {
		opts.MaxTurns = *o.MaxTurns
	}
	if o.MaxBudgetUSD != nil {
		opts.MaxBudgetUSD = *o.MaxBudgetUSD
	}
	if o.MCPServers != nil {
		opts.MCPServers = o.MCPServers
	}
	if o.Plugins != nil {
		opts.Plugins = o.Plugins
	}
}

type liveClient struct {
	client Client
	userID string
}

// Manager binds sessions to live clients.
//
// Locking: mu guards only the structure of the maps and is never held
// across I/O. Each session has its own mutex held for whole turns.
type Manager struct {
	cfg    *config.Config
	store  store.Store
	spawn  SpawnFunc
	logger *slog.Logger

	inFlight *semaphore.Weighted

	// rss samples the process-tree resident memory; injectable for tests.
	rss func() uint64

	mu       sync.Mutex
	clients  map[string]*liveClient
	locks    map[string]*sync.Mutex
	perUser  map[string]int
	reserved int
}

// NewManager wires the fleet. A nil spawn uses the real CLI subprocess.
func NewManager(cfg *config.Config, st store.Store, spawn SpawnFunc, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "session-manager")
	if spawn == nil {
		spawn = func(opts agent.Options) (Client, error) {
			c, err := agent.Spawn(cfg.Agent.CLIPath, opts, logger)
			if err != nil {
				return nil, err
			}
			return c, nil
		}
	}
	return &Manager{
		cfg:      cfg,
		store:    st,
		spawn:    spawn,
		logger:   logger,
		inFlight: semaphore.NewWeighted(int64(cfg.Limits.MaxConcurrentRequests)),
		rss:      func() uint64 { return agent.ProcessRSS(os.Getpid()) },
		clients:  make(map[string]*liveClient),
		locks:    make(map[string]*sync.Mutex),
		perUser:  make(map[string]int),
	}
}

// Create validates the working directory, admits and spawns a new agent
// client, and persists the session record.
func (m *Manager) Create(ctx context.Context, userID, subdir string, metadata map[string]string, overrides *OptionOverrides) (*store.Session, error) {
	cwd, err := pathguard.BuildCwd(m.cfg.BaseDir, userID, subdir)
	if err != nil {
		return nil, err
	}
	if err := pathguard.EnsureDir(cwd, m.cfg.AutoCreateDir); err != nil {
		return nil, err
	}

	opts := agent.OptionsFromConfig(m.cfg.Agent, cwd)
	if overrides != nil {
		if overrides.PermissionMode != nil && !config.ValidPermissionMode(*overrides.PermissionMode) {
			return nil, fmt.Errorf("%w: unknown permission_mode %q", errdefs.ErrInvalidInput, *overrides.PermissionMode)
		}
		overrides.apply(&opts)
		if len(overrides.AddDirs) > 0 {
			dirs, err := pathguard.BuildAddDirs(m.cfg.BaseDir, userID, overrides.AddDirs)
			if err != nil {
				return nil, err
			}
			for _, d := range dirs {
				if err := pathguard.EnsureDir(d, m.cfg.AutoCreateDir); err != nil {
					return nil, err
				}
			}
			opts.AddDirs = dirs
		}
	}
	optsRaw, err := opts.Marshal()
	if err != nil {
		return nil, err
	}

	if err := m.reserve(userID); err != nil {
		return nil, err
	}

	// Spawn outside all locks; fork/exec is slow.
	client, err := m.spawn(opts)
	if err != nil {
		m.unreserve(userID)
		return nil, fmt.Errorf("spawn agent: %w", err)
	}

	now := time.Now().UTC()
	sess := &store.Session{
		SessionID:    uuid.NewString(),
		UserID:       userID,
		Cwd:          cwd,
		CreatedAt:    now,
		LastActiveAt: now,
		Status:       store.StatusActive,
		Metadata:     metadata,
		Options:      optsRaw,
	}
	if err := m.store.Save(ctx, sess); err != nil {
		_ = client.Close()
		m.unreserve(userID)
		return nil, err
	}

	m.install(sess.SessionID, userID, client)
	metrics.SessionsCreated.Inc()
	m.logger.Info("session created", "session_id", sess.SessionID, "user_id", userID, "cwd", cwd)
	return sess.Clone(), nil
}

// reserve checks admission and holds a slot for a spawn in progress.
func (m *Manager) reserve(userID string) error {
	m.mu.Lock()
	total := len(m.clients) + m.reserved
	overCap := total >= m.cfg.Limits.MaxSessions
	m.mu.Unlock()

	limitBytes := uint64(m.cfg.Limits.MemoryLimitMB) * 1024 * 1024

	// Try to evict idle capacity before refusing.
	if overCap {
		m.evictLRU(1)
	}
	if limitBytes > 0 && m.rss() > limitBytes {
		m.pressureRecover(limitBytes)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.clients)+m.reserved >= m.cfg.Limits.MaxSessions {
		metrics.AdmissionRejected.WithLabelValues("max_sessions").Inc()
		return fmt.Errorf("%w: session limit %d reached", errdefs.ErrOverloaded, m.cfg.Limits.MaxSessions)
	}
	if m.perUser[userID] >= m.cfg.Limits.MaxSessionsPerUser {
		metrics.AdmissionRejected.WithLabelValues("per_user_quota").Inc()
		return fmt.Errorf("%w: user %s at limit %d", errdefs.ErrQuotaExceeded, userID, m.cfg.Limits.MaxSessionsPerUser)
	}
	if limitBytes > 0 && m.rss() > limitBytes {
		metrics.AdmissionRejected.WithLabelValues("memory").Inc()
		return fmt.Errorf("%w: memory limit %d MB exceeded", errdefs.ErrOverloaded, m.cfg.Limits.MemoryLimitMB)
	}
	m.reserved++
	m.perUser[userID]++
	return nil
}

func (m *Manager) unreserve(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reserved--
	m.decUserLocked(userID)
}

func (m *Manager) decUserLocked(userID string) {
	if m.perUser[userID] <= 1 {
		delete(m.perUser, userID)
	} else {
		m.perUser[userID]--
	}
}

// install converts a reservation into a live map entry.
func (m *Manager) install(sessionID, userID string, client Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reserved--
	m.clients[sessionID] = &liveClient{client: client, userID: userID}
	if _, ok := m.locks[sessionID]; !ok {
		m.locks[sessionID] = &sync.Mutex{}
	}
	metrics.ActiveSessions.Set(float64(len(m.clients)))
}

// sessionLock returns the per-session mutex, creating it lazily.
func (m *Manager) sessionLock(sessionID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[sessionID] = lock
	}
	return lock
}

// lockCurrent reports whether lock is still the registered mutex for the
// session. A swap means the session was closed while we waited.
func (m *Manager) lockCurrent(sessionID string, lock *sync.Mutex) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locks[sessionID] == lock
}

// releaseLock discards the lazily created per-session mutex when it is
// still the registered one and no live client owns it. Without this the
// lock map would grow without bound under caller-supplied unknown ids.
func (m *Manager) releaseLock(sessionID string, lock *sync.Mutex) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locks[sessionID] != lock {
		return
	}
	if _, live := m.clients[sessionID]; !live {
		delete(m.locks, sessionID)
	}
}

// Chat runs one turn. Reject-fast on a busy session or a full permit
// pool. When emit is non-nil, translated records are forwarded as they
// arrive; an emit returning false stops forwarding but the turn is still
// drained so message_count and the resume token stay correct.
func (m *Manager) Chat(ctx context.Context, sessionID, prompt string, timeout time.Duration, emit EmitFunc) (*ChatResponse, error) {
	lock := m.sessionLock(sessionID)
	if !lock.TryLock() {
		return nil, fmt.Errorf("%w: a turn is already in progress for session %s", errdefs.ErrSessionBusy, sessionID)
	}
	defer lock.Unlock()
	if !m.lockCurrent(sessionID, lock) {
		return nil, fmt.Errorf("session %s: %w", sessionID, errdefs.ErrNotFound)
	}

	if !m.inFlight.TryAcquire(1) {
		metrics.AdmissionRejected.WithLabelValues("in_flight").Inc()
		return nil, fmt.Errorf("%w: concurrent request limit %d reached", errdefs.ErrOverloaded, m.cfg.Limits.MaxConcurrentRequests)
	}
	defer m.inFlight.Release(1)

	client, err := m.liveOrResume(ctx, sessionID)
	if err != nil {
		m.releaseLock(sessionID, lock)
		return nil, err
	}

	turnCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		turnCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	events, err := client.Ask(turnCtx, prompt)
	if err != nil {
		m.removeAndClose(sessionID, metrics.ReasonClose)
		return nil, fmt.Errorf("%w: %v", errdefs.ErrSessionClosed, err)
	}

	acc := stream.NewAccumulator()
	forwarding := emit != nil
	for ev := range events {
		acc.Feed(ev)
		if rec, ok := stream.Translate(ev); ok && forwarding {
			forwarding = emit(rec)
		}
	}

	now := time.Now().UTC()
	if token := client.ResumeToken(); token != "" {
		if err := m.store.SetResumeToken(ctx, sessionID, token); err != nil {
			m.logger.Warn("persist resume token failed", "session_id", sessionID, "error", err)
		}
	}
	if err := m.store.Touch(ctx, sessionID, now, true); err != nil {
		m.logger.Warn("touch failed", "session_id", sessionID, "error", err)
	}

	// A broken conduit cannot serve another turn; drop it so the next
	// chat resumes a fresh subprocess.
	if client.Broken() {
		m.removeAndClose(sessionID, metrics.ReasonClose)
		metrics.ChatTurns.WithLabelValues("error").Inc()
	} else {
		metrics.ChatTurns.WithLabelValues("ok").Inc()
	}
	metrics.TurnDuration.Observe(time.Since(start).Seconds())

	return &ChatResponse{
		SessionID: sessionID,
		Text:      acc.Text(),
		ToolCalls: acc.ToolCalls(),
		Timestamp: now.Format(store.TimeFormat),
	}, nil
}

// liveOrResume returns the live client, transparently resuming one from
// stored metadata when absent.
func (m *Manager) liveOrResume(ctx context.Context, sessionID string) (Client, error) {
	m.mu.Lock()
	if lc, ok := m.clients[sessionID]; ok {
		m.mu.Unlock()
		return lc.client, nil
	}
	m.mu.Unlock()

	if _, err := m.Resume(ctx, sessionID); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	lc, ok := m.clients[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, errdefs.ErrNotFound)
	}
	return lc.client, nil
}

// Resume rebuilds a live client for a stored session. Racing resumes for
// the same id serialize on the map lock; the loser adopts the winner's
// client.
func (m *Manager) Resume(ctx context.Context, sessionID string) (*store.Session, error) {
	sess, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status == store.StatusClosed {
		return nil, fmt.Errorf("session %s is closed: %w", sessionID, errdefs.ErrNotFound)
	}

	m.mu.Lock()
	if _, ok := m.clients[sessionID]; ok {
		m.mu.Unlock()
		return sess, nil
	}
	m.mu.Unlock()

	opts := agent.OptionsFromConfig(m.cfg.Agent, sess.Cwd)
	if len(sess.Options) > 0 {
		if saved, err := agent.UnmarshalOptions(sess.Options); err == nil {
			opts = saved
		} else {
			m.logger.Warn("stored options unreadable, using defaults", "session_id", sessionID, "error", err)
		}
	}
	opts.ResumeToken = sess.ResumeToken

	if err := m.reserve(sess.UserID); err != nil {
		return nil, err
	}
	client, err := m.spawn(opts)
	if err != nil {
		m.unreserve(sess.UserID)
		return nil, fmt.Errorf("spawn agent: %w", err)
	}

	m.mu.Lock()
	if _, ok := m.clients[sessionID]; ok {
		// Lost the race; the other resume's client is live.
		m.reserved--
		m.decUserLocked(sess.UserID)
		m.mu.Unlock()
		_ = client.Close()
		return sess, nil
	}
	m.reserved--
	m.clients[sessionID] = &liveClient{client: client, userID: sess.UserID}
	if _, ok := m.locks[sessionID]; !ok {
		m.locks[sessionID] = &sync.Mutex{}
	}
	metrics.ActiveSessions.Set(float64(len(m.clients)))
	m.mu.Unlock()

	metrics.SessionsResumed.Inc()
	m.logger.Info("session resumed", "session_id", sessionID, "user_id", sess.UserID)
	return sess, nil
}

// Close tears a session down completely: live client, per-session lock
// and metadata record. Waits for an in-flight turn to finish.
func (m *Manager) Close(ctx context.Context, sessionID string) error {
	lock := m.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()
	if !m.lockCurrent(sessionID, lock) {
		return fmt.Errorf("session %s: %w", sessionID, errdefs.ErrNotFound)
	}

	m.mu.Lock()
	lc := m.clients[sessionID]
	delete(m.clients, sessionID)
	if lc != nil {
		m.decUserLocked(lc.userID)
	}
	metrics.ActiveSessions.Set(float64(len(m.clients)))
	m.mu.Unlock()

	if lc != nil {
		if err := lc.client.Close(); err != nil {
			m.logger.Warn("client close failed", "session_id", sessionID, "error", err)
		}
	}

	_, err := m.store.Get(ctx, sessionID)
	if err != nil {
		if lc == nil {
			m.releaseLock(sessionID, lock)
			return err
		}
		if !errors.Is(err, errdefs.ErrNotFound) {
			return err
		}
	} else if err := m.store.Delete(ctx, sessionID); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.locks, sessionID)
	m.mu.Unlock()

	metrics.SessionsEvicted.WithLabelValues(metrics.ReasonClose).Inc()
	m.logger.Info("session closed", "session_id", sessionID)
	return nil
}

// Get reads the stored record.
func (m *Manager) Get(ctx context.Context, sessionID string) (*store.Session, error) {
	return m.store.Get(ctx, sessionID)
}

// List enumerates stored session ids, optionally for one user.
func (m *Manager) List(ctx context.Context, userID string) ([]string, error) {
	ids, err := m.store.List(ctx, userID)
	if err != nil {
		return nil, err
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}

// ActiveClients counts the live fleet.
func (m *Manager) ActiveClients() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}

// StoredSessions counts non-closed metadata records.
func (m *Manager) StoredSessions(ctx context.Context) (int, error) {
	return m.store.CountActive(ctx)
}

// RSS samples the current process-tree resident memory in bytes.
func (m *Manager) RSS() uint64 {
	return m.rss()
}

// evict removes a live client without touching its metadata, so the
// session stays resumable. Skips sessions with a turn in flight.
func (m *Manager) evict(sessionID, reason string) bool {
	lock := m.sessionLock(sessionID)
	if !lock.TryLock() {
		return false
	}
	defer lock.Unlock()
	return m.removeAndClose(sessionID, reason)
}

// removeAndClose does the eviction work. The caller must hold the
// session lock.
func (m *Manager) removeAndClose(sessionID, reason string) bool {
	m.mu.Lock()
	lc := m.clients[sessionID]
	if lc == nil {
		m.mu.Unlock()
		return false
	}
	delete(m.clients, sessionID)
	m.decUserLocked(lc.userID)
	metrics.ActiveSessions.Set(float64(len(m.clients)))
	m.mu.Unlock()

	if err := lc.client.Close(); err != nil {
		m.logger.Warn("client close failed", "session_id", sessionID, "error", err)
	}
	metrics.SessionsEvicted.WithLabelValues(reason).Inc()
	m.logger.Info("session evicted", "session_id", sessionID, "reason", reason)
	return true
}

// lruOrder returns live session ids, least recently used first.
func (m *Manager) lruOrder() []string {
	type candidate struct {
		id       string
		lastUsed time.Time
	}
	m.mu.Lock()
	candidates := make([]candidate, 0, len(m.clients))
	for id, lc := range m.clients {
		candidates = append(candidates, candidate{id: id, lastUsed: lc.client.LastUsed()})
	}
	m.mu.Unlock()

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].lastUsed.Before(candidates[j].lastUsed)
	})
	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.id
	}
	return ids
}

// evictLRU frees up to n slots, skipping sessions mid-turn.
func (m *Manager) evictLRU(n int) {
	for _, id := range m.lruOrder() {
		if n <= 0 {
			return
		}
		if m.evict(id, metrics.ReasonPressure) {
			n--
		}
	}
}

// pressureRecover closes clients in ascending last-used order until the
// process tree fits under limitBytes or the fleet is empty.
func (m *Manager) pressureRecover(limitBytes uint64) {
	for _, id := range m.lruOrder() {
		if m.rss() <= limitBytes {
			return
		}
		m.evict(id, metrics.ReasonPressure)
	}
}

// Shutdown closes every live client in parallel within the grace window.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	clients := make(map[string]*liveClient, len(m.clients))
	for id, lc := range m.clients {
		clients[id] = lc
	}
	m.clients = make(map[string]*liveClient)
	m.perUser = make(map[string]int)
	metrics.ActiveSessions.Set(0)
	m.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	for id, lc := range clients {
		g.Go(func() error {
			if err := lc.client.Close(); err != nil {
				m.logger.Warn("client close failed during shutdown", "session_id", id, "error", err)
			}
			metrics.SessionsEvicted.WithLabelValues(metrics.ReasonShutdown).Inc()
			return nil
		})
	}
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		m.logger.Info("all agent clients closed", "count", len(clients))
		return err
	case <-ctx.Done():
		m.logger.Warn("shutdown grace expired with clients still closing", "count", len(clients))
		return ctx.Err()
	}
}
