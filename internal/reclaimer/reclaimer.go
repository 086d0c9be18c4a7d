// Copyright 2025 James Ross
// Package reclaimer periodically scans every enabled worker type's
// pending entries and redelivers any idle longer than the visibility
// timeout, the Redis Streams analogue of the teacher's
// internal/reaper/reaper.go processing-list sweep.
package reclaimer

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/relaydeck/meshcore/internal/broker"
	"github.com/relaydeck/meshcore/internal/config"
	"github.com/relaydeck/meshcore/internal/obs"
)

// Reclaimer owns no state of its own; it drives broker.Reclaim for every
// enabled worker type on an interval.
type Reclaimer struct {
	cfg  *config.Config
	brk  *broker.Broker
	log  *zap.Logger
	name string
}

// New builds a Reclaimer identifying itself as name when it claims pending
// entries (visible to other consumers as the new owning consumer).
func New(cfg *config.Config, brk *broker.Broker, log *zap.Logger, name string) *Reclaimer {
	return &Reclaimer{cfg: cfg, brk: brk, log: log, name: name}
}

// Run sweeps every enabled worker type on cfg.ReclaimInterval until ctx is
// cancelled.
func (r *Reclaimer) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.ReclaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepOnce(ctx)
		}
	}
}

func (r *Reclaimer) sweepOnce(ctx context.Context) {
	for workerType, wt := range r.cfg.WorkerTypes {
		if !wt.Enabled {
			continue
		}
		reclaimed, err := r.brk.Reclaim(ctx, workerType, r.name, workerType, r.cfg.VisibilityTimeout)
		if err != nil {
			r.log.Warn("reclaim sweep failed", obs.String("worker_type", workerType), obs.Err(err))
			continue
		}
		if len(reclaimed) == 0 {
			continue
		}
		obs.ReclaimedJobs.WithLabelValues(workerType).Add(float64(len(reclaimed)))
		r.log.Info("reclaimed idle jobs", obs.String("worker_type", workerType), obs.Int("count", len(reclaimed)))
	}
}
