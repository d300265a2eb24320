package session

import (
	"context"
	"time"

	"github.com/lflish/claude-agent-http/internal/metrics"
)

// MaintainInterval is the period of the background maintenance loop.
const MaintainInterval = 60 * time.Second

// RunMaintainer runs the periodic sweep/evict/pressure loop until ctx is
// cancelled. Launched once at startup.
func (m *Manager) RunMaintainer(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = MaintainInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Info("maintainer started", "interval", interval.String())
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("maintainer stopped")
			return
		case <-ticker.C:
			m.maintain(ctx)
		}
	}
}

// maintain performs one cycle: TTL sweep, idle eviction, memory pressure
// recovery.
func (m *Manager) maintain(ctx context.Context) {
	now := time.Now().UTC()

	// Expired metadata first; a removed id with a live client loses the
	// client too.
	removed, err := m.store.SweepExpired(ctx, now, m.cfg.Storage.TTL.Duration)
	if err != nil {
		m.logger.Warn("ttl sweep failed", "error", err)
	}
	for _, id := range removed {
		if m.evict(id, metrics.ReasonTTL) {
			continue
		}
		// Mid-turn or already gone; drop the orphaned lock if nothing is
		// live for it.
		m.mu.Lock()
		if _, live := m.clients[id]; !live {
			delete(m.locks, id)
		}
		m.mu.Unlock()
	}
	if len(removed) > 0 {
		m.logger.Info("ttl sweep removed sessions", "count", len(removed))
	}

	// Idle live clients.
	if idle := m.cfg.Limits.IdleSessionTimeout.Duration; idle > 0 {
		m.mu.Lock()
		var stale []string
		for id, lc := range m.clients {
			if now.Sub(lc.client.LastUsed()) > idle {
				stale = append(stale, id)
			}
		}
		m.mu.Unlock()
		for _, id := range stale {
			m.evict(id, metrics.ReasonIdle)
		}
	}

	// Memory pressure.
	rss := m.rss()
	metrics.RSSBytes.Set(float64(rss))
	limitBytes := uint64(m.cfg.Limits.MemoryLimitMB) * 1024 * 1024
	if limitBytes > 0 && rss > limitBytes {
		m.logger.Warn("memory pressure, evicting least recently used clients",
			"rss_mb", rss/1024/1024, "limit_mb", m.cfg.Limits.MemoryLimitMB)
		m.pressureRecover(limitBytes)
	}
}
