// Package metrics exposes Prometheus instrumentation for the session
// fleet.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "claude_agent_active_sessions",
		Help: "Live agent clients currently held in memory.",
	})

	SessionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "claude_agent_sessions_created_total",
		Help: "Sessions created since startup.",
	})

	SessionsResumed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "claude_agent_sessions_resumed_total",
		Help: "Sessions resumed from stored metadata.",
	})

	SessionsEvicted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "claude_agent_sessions_evicted_total",
		Help: "Live clients evicted, by reason.",
	}, []string{"reason"})

	ChatTurns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "claude_agent_chat_turns_total",
		Help: "Chat turns by outcome.",
	}, []string{"outcome"})

	TurnDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "claude_agent_turn_duration_seconds",
		Help:    "Wall-clock duration of completed chat turns.",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
	})

	RSSBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "claude_agent_process_tree_rss_bytes",
		Help: "Resident memory of this process and all agent subprocesses.",
	})

	AdmissionRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "claude_agent_admission_rejected_total",
		Help: "Admission refusals, by cause.",
	}, []string{"cause"})
)

// Eviction reasons.
const (
	ReasonIdle     = "idle"
	ReasonTTL      = "ttl"
	ReasonPressure = "pressure"
	ReasonClose    = "close"
	ReasonShutdown = "shutdown"
)

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
