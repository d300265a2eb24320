// Package api is the HTTP surface: session CRUD, synchronous and
// streaming chat, health and metrics.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/lflish/claude-agent-http/internal/config"
	"github.com/lflish/claude-agent-http/internal/errdefs"
	"github.com/lflish/claude-agent-http/internal/metrics"
	"github.com/lflish/claude-agent-http/internal/session"
	"github.com/lflish/claude-agent-http/internal/store"
)

// Server holds the handler dependencies.
type Server struct {
	cfg     *config.Config
	manager *session.Manager
	store   store.Store
	logger  *slog.Logger
	version string
	started time.Time
}

func NewServer(cfg *config.Config, manager *session.Manager, st store.Store, logger *slog.Logger, version string) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		manager: manager,
		store:   st,
		logger:  logger.With("component", "api"),
		version: version,
		started: time.Now(),
	}
}

// Router builds the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)
	r.Use(s.cors)

	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if s.cfg.API.APIKey != "" {
			r.Use(s.requireAPIKey)
		}
		r.Post("/sessions", s.handleCreateSession)
		r.Get("/sessions", s.handleListSessions)
		r.Get("/sessions/{id}", s.handleGetSession)
		r.Delete("/sessions/{id}", s.handleDeleteSession)
		r.Post("/sessions/{id}/resume", s.handleResumeSession)
		r.Post("/chat", s.handleChat)
		r.Post("/chat/stream", s.handleChatStream)
		r.Get("/chat/ws", s.handleChatWS)
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the error taxonomy onto status codes. Bodies are
// {"detail": ...}; 5xx details stay non-revealing.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	detail := "internal server error"

	switch {
	case errors.Is(err, errdefs.ErrInvalidInput) || errors.Is(err, errdefs.ErrPathEscape):
		status, detail = http.StatusBadRequest, err.Error()
	case errors.Is(err, errdefs.ErrNotFound):
		status, detail = http.StatusNotFound, "Session not found or expired"
	case errors.Is(err, errdefs.ErrSessionBusy):
		status, detail = http.StatusConflict, "Another request is in progress for this session"
	case errors.Is(err, errdefs.ErrQuotaExceeded) || errors.Is(err, errdefs.ErrOverloaded):
		status, detail = http.StatusTooManyRequests, err.Error()
	case errors.Is(err, errdefs.ErrStorageUnavailable):
		status, detail = http.StatusServiceUnavailable, "storage temporarily unavailable"
	case errors.Is(err, errdefs.ErrSessionClosed):
		status, detail = http.StatusConflict, "session is closed"
	}

	if status >= 500 {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, map[string]string{"detail": detail})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"service": "claude-agent-http",
		"version": s.version,
		"health":  "/health",
		"api":     "/api/v1",
	})
}

type healthInfo struct {
	Status         string  `json:"status"`
	Version        string  `json:"version"`
	ActiveSessions int     `json:"active_sessions"`
	StoredSessions int     `json:"stored_sessions"`
	StorageType    string  `json:"storage_type"`
	UptimeSeconds  float64 `json:"uptime_seconds"`
	RSSMB          float64 `json:"rss_mb"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	info := healthInfo{
		Status:         "healthy",
		Version:        s.version,
		ActiveSessions: s.manager.ActiveClients(),
		StorageType:    s.store.Type(),
		UptimeSeconds:  time.Since(s.started).Seconds(),
		RSSMB:          float64(s.manager.RSS()) / 1024 / 1024,
	}
	status := http.StatusOK
	if err := s.store.Ping(r.Context()); err != nil {
		s.logger.Warn("storage ping failed", "error", err)
		info.Status = "unhealthy"
		status = http.StatusServiceUnavailable
	} else if n, err := s.manager.StoredSessions(r.Context()); err == nil {
		info.StoredSessions = n
	}
	writeJSON(w, status, info)
}
