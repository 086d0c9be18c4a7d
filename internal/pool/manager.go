// Copyright 2025 James Ross
package pool

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/relaydeck/meshcore/internal/config"
	"github.com/relaydeck/meshcore/internal/obs"
)

// Manager owns one Pool per configured worker type and runs the periodic
// scan/stale-eviction loop for all of them.
type Manager struct {
	mu    sync.RWMutex
	pools map[string]*Pool
	rdb   *redis.Client
	log   *zap.Logger
}

// NewManager builds a Manager with one Pool per worker type in cfg.
func NewManager(cfg *config.Config, rdb *redis.Client, log *zap.Logger) *Manager {
	m := &Manager{pools: make(map[string]*Pool), rdb: rdb, log: log}
	for name := range cfg.WorkerTypes {
		m.pools[name] = New(name, cfg.HealthTimeout)
	}
	return m
}

// For returns the Pool for workerType, creating one with the given health
// timeout on first use (covers CUSTOM_WORKER_TYPES registered after
// startup).
func (m *Manager) For(workerType string, healthTimeoutIfNew time.Duration) *Pool {
	m.mu.RLock()
	p, ok := m.pools[workerType]
	m.mu.RUnlock()
	if ok {
		return p
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pools[workerType]; ok {
		return p
	}
	p = New(workerType, healthTimeoutIfNew)
	m.pools[workerType] = p
	return p
}

// Types returns the worker types this manager currently tracks.
func (m *Manager) Types() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.pools))
	for t := range m.pools {
		out = append(out, t)
	}
	return out
}

// Run scans every pool's heartbeats and evicts stale workers on
// checkInterval until ctx is cancelled.
func (m *Manager) Run(ctx context.Context, checkInterval time.Duration) {
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Manager) tick(ctx context.Context) {
	m.mu.RLock()
	pools := make(map[string]*Pool, len(m.pools))
	for t, p := range m.pools {
		pools[t] = p
	}
	m.mu.RUnlock()

	for workerType, p := range pools {
		if err := p.ScanHeartbeats(ctx, m.rdb); err != nil {
			m.log.Warn("heartbeat scan failed", obs.String("worker_type", workerType), obs.Err(err))
			continue
		}
		for _, id := range p.RemoveStale() {
			m.log.Info("evicted stale worker", obs.String("worker_type", workerType), obs.String("worker_id", id))
		}
		stats := p.Statistics()
		obs.WorkersHealthy.WithLabelValues(workerType).Set(float64(stats.Healthy))
		obs.WorkersTotal.WithLabelValues(workerType).Set(float64(stats.Total))
	}
}

// Summary aggregates Statistics across every tracked worker type, keyed by
// type name, for the admin API's fleet overview.
func (m *Manager) Summary() map[string]Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Stats, len(m.pools))
	for t, p := range m.pools {
		out[t] = p.Statistics()
	}
	return out
}
