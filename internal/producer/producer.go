// Copyright 2025 James Ross
// Package producer implements the optional synthetic load generator: a
// periodic "status" ping published for each enabled worker type, used to
// exercise the broker/pool/scaling pipeline without a real frontend
// attached. Grounded on the teacher's internal/producer.Producer's
// Run(ctx)-loop-until-cancelled shape; the teacher's filesystem-walk
// enqueue source has no equivalent here (no comparable attached
// automation-script tree for this domain), so this produces synthetic jobs
// directly instead.
package producer

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/relaydeck/meshcore/internal/broker"
	"github.com/relaydeck/meshcore/internal/config"
	"github.com/relaydeck/meshcore/internal/job"
	"github.com/relaydeck/meshcore/internal/obs"
)

// Producer publishes a "status" job for every enabled worker type at
// cfg.Producer.RatePerSecond, cycling through worker types round-robin so
// the overall rate is shared across all of them.
type Producer struct {
	cfg     *config.Config
	brk     *broker.Broker
	log     *zap.Logger
	limiter *rate.Limiter
}

// New builds a Producer. A zero or negative RatePerSecond disables rate
// limiting (bursts as fast as Run's loop can publish).
func New(cfg *config.Config, brk *broker.Broker, log *zap.Logger) *Producer {
	var limiter *rate.Limiter
	if cfg.Producer.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Producer.RatePerSecond), 1)
	}
	return &Producer{cfg: cfg, brk: brk, log: log, limiter: limiter}
}

// Run cycles through enabled worker types, publishing one synthetic job per
// tick, until ctx is cancelled.
func (p *Producer) Run(ctx context.Context) error {
	types := p.enabledTypes()
	if len(types) == 0 {
		p.log.Warn("producer: no enabled worker types configured")
		return nil
	}

	i := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return ctx.Err()
			}
		}

		workerType := types[i%len(types)]
		i++

		j := job.New(workerType+".status", nil, nil)
		if err := p.brk.Publish(ctx, j); err != nil {
			p.log.Warn("producer: publish failed", obs.String("worker_type", workerType), obs.Err(err))
			continue
		}
		p.log.Debug("producer: published synthetic job", obs.String("worker_type", workerType), obs.String("job_id", j.ID))
	}
}

func (p *Producer) enabledTypes() []string {
	var types []string
	for name, wt := range p.cfg.WorkerTypes {
		if wt.Enabled {
			types = append(types, name)
		}
	}
	return types
}
