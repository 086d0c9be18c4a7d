// Copyright 2025 James Ross
package scaling

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/relaydeck/meshcore/internal/breaker"
	"github.com/relaydeck/meshcore/internal/broker"
	"github.com/relaydeck/meshcore/internal/config"
	meshErrors "github.com/relaydeck/meshcore/internal/errors"
	"github.com/relaydeck/meshcore/internal/leaderelect"
	"github.com/relaydeck/meshcore/internal/obs"
	"github.com/relaydeck/meshcore/internal/pool"
	"github.com/relaydeck/meshcore/internal/scaling/backend"
)

// eventsStream is a capped Redis stream recording executed scaling actions
// for external observers (e.g. the admin API), distinct from the in-process
// History ring buffer.
const eventsStream = "scaling:events"
const eventsStreamMaxLen = 1000

// backendWindow/backendFailureThresh/backendMinSamples tune the
// sliding-window breaker guarding calls to the orchestration backend; its
// cooldown reuses cfg.CircuitBreaker.Cooldown. Unlike the Runtime Façade's
// per-worker-type Consecutive breaker, every worker type shares one backend
// connection (the k8s/containerd/fly API), so a statistical failure rate
// across all of them is the better trip signal: a single worker type's
// transient error shouldn't trip it, but a backend failing across the
// board should.
const (
	backendWindow        = 60 * time.Second
	backendFailureThresh = 0.5
	backendMinSamples    = 3
)

// Service runs the autoscaling control loop of spec.md §4.4: on each tick it
// samples queue depth and current worker counts per worker type, decides,
// and drives backend to make it so. When elector is non-nil, only the
// current lock holder executes ticks, so multiple Service instances can run
// for HA without double-scaling.
type Service struct {
	cfg     *config.Config
	brk     *broker.Broker
	pools   *pool.Manager
	backend backend.Backend
	history *History
	rdb     *redis.Client
	log     *zap.Logger
	elector *leaderelect.Elector

	// lastScaleMu guards lastScale: the control loop tick (Run/Tick) and
	// the admin API's ManualScale handler can run on different goroutines
	// against the same Service instance under -role all.
	lastScaleMu sync.Mutex
	lastScale   map[string]time.Time

	// backendBreaker trips when CurrentWorkers/ScaleTo calls against the
	// shared orchestration backend start failing across worker types, so a
	// struggling k8s/containerd/fly API isn't hammered tick after tick.
	backendBreaker *breaker.CircuitBreaker
}

// NewService builds a Service. elector may be nil, meaning this is the only
// Scaling Service instance and every tick executes unconditionally.
func NewService(cfg *config.Config, brk *broker.Broker, pools *pool.Manager, be backend.Backend, history *History, rdb *redis.Client, log *zap.Logger, elector *leaderelect.Elector) *Service {
	return &Service{
		cfg:            cfg,
		brk:            brk,
		pools:          pools,
		backend:        be,
		history:        history,
		rdb:            rdb,
		log:            log,
		elector:        elector,
		lastScale:      make(map[string]time.Time),
		backendBreaker: breaker.New(backendWindow, cfg.CircuitBreaker.Cooldown, backendFailureThresh, backendMinSamples),
	}
}

// Run ticks every cfg.CheckInterval until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one control-loop pass: if an elector is configured, it first
// tries to acquire/renew leadership and skips the pass entirely when it
// isn't the leader. Per spec.md §4.4's per-tick sequence, each worker
// type's pool health is refreshed from its heartbeats before its scaling
// decision is made; the decision itself uses the backend's CurrentWorkers
// count, not the pool.
func (s *Service) Tick(ctx context.Context) {
	if s.elector != nil {
		leader, err := s.elector.TryAcquire(ctx)
		if err != nil {
			s.log.Warn("leader election check failed", obs.Err(err))
			return
		}
		if !leader {
			return
		}
	}

	for workerType, wt := range s.cfg.WorkerTypes {
		if !wt.Enabled {
			continue
		}
		s.tickWorkerType(ctx, workerType, wt)
	}
}

func (s *Service) tickWorkerType(ctx context.Context, workerType string, wt config.WorkerTypeConfig) {
	p := s.pools.For(workerType, s.cfg.HealthTimeout)
	if err := p.ScanHeartbeats(ctx, s.rdb); err != nil {
		s.log.Warn("heartbeat scan failed", obs.String("worker_type", workerType), obs.Err(err))
	}

	depth, err := s.brk.QueueDepth(ctx, workerType)
	if err != nil {
		s.log.Warn("queue depth read failed", obs.String("worker_type", workerType), obs.Err(err))
		return
	}
	obs.QueueDepth.WithLabelValues(workerType).Set(float64(depth))

	if !s.backendBreaker.Allow() {
		s.log.Warn("orchestration backend circuit open, skipping tick", obs.String("worker_type", workerType))
		return
	}

	current, err := s.backend.CurrentWorkers(ctx, workerType)
	s.recordBackendResult(err == nil)
	if err != nil {
		s.log.Warn("current worker count read failed", obs.String("worker_type", workerType), obs.Err(err))
		return
	}

	decision, target := decide(wt, depth, current, s.getLastScale(workerType), time.Now())
	if decision == NoChange {
		return
	}

	if err := s.backend.ScaleTo(ctx, workerType, target); err != nil {
		s.recordBackendResult(false)
		s.log.Warn("scale_to failed", obs.String("worker_type", workerType), obs.String("decision", string(decision)), obs.Err(err))
		return
	}
	s.recordBackendResult(true)

	now := time.Now()
	s.setLastScale(workerType, now)
	event := Event{Timestamp: now, WorkerType: workerType, Decision: decision, From: current, To: target}
	s.history.Record(event)
	s.recordEventStream(ctx, event)

	obs.ScalingEvents.WithLabelValues(workerType, string(decision)).Inc()
	s.log.Info("scaled worker fleet",
		obs.String("worker_type", workerType),
		obs.String("decision", string(decision)),
		obs.Int("from", current),
		obs.Int("to", target),
	)
}

// ManualScale drives backend directly to target, bypassing decide(), for an
// operator-issued override (the admin API's POST /api/v1/scale/{type}). It
// still records to History and the events stream on success, and still
// resets the cooldown clock so the control loop doesn't immediately fight
// the override on its next tick. It shares backendBreaker with the control
// loop, so an operator override doesn't bypass protection against a
// struggling orchestration backend either.
func (s *Service) ManualScale(ctx context.Context, workerType string, target int) error {
	if !s.backendBreaker.Allow() {
		return meshErrors.New(meshErrors.KindWorkerUnavailable, "scaling.manual_scale", nil)
	}

	current, err := s.backend.CurrentWorkers(ctx, workerType)
	s.recordBackendResult(err == nil)
	if err != nil {
		return err
	}
	if err := s.backend.ScaleTo(ctx, workerType, target); err != nil {
		s.recordBackendResult(false)
		return err
	}
	s.recordBackendResult(true)

	now := time.Now()
	s.setLastScale(workerType, now)
	event := Event{Timestamp: now, WorkerType: workerType, Decision: ManualOverride, From: current, To: target}
	s.history.Record(event)
	s.recordEventStream(ctx, event)
	obs.ScalingEvents.WithLabelValues(workerType, string(ManualOverride)).Inc()
	s.log.Info("manual scale override",
		obs.String("worker_type", workerType), obs.Int("from", current), obs.Int("to", target))
	return nil
}

func (s *Service) getLastScale(workerType string) time.Time {
	s.lastScaleMu.Lock()
	defer s.lastScaleMu.Unlock()
	return s.lastScale[workerType]
}

func (s *Service) setLastScale(workerType string, t time.Time) {
	s.lastScaleMu.Lock()
	defer s.lastScaleMu.Unlock()
	s.lastScale[workerType] = t
}

// recordBackendResult feeds one orchestration backend call's outcome into
// backendBreaker and refreshes its exported gauge.
func (s *Service) recordBackendResult(ok bool) {
	s.backendBreaker.Record(ok)
	var v float64
	switch s.backendBreaker.State() {
	case breaker.HalfOpen:
		v = 1
	case breaker.Open:
		v = 2
	}
	obs.BackendCircuitState.WithLabelValues(string(s.cfg.Orchestrator)).Set(v)
}

// recordEventStream appends to the capped scaling:events Redis stream so
// external observers (the admin API, other processes) can see scaling
// history without sharing this process's in-memory History.
func (s *Service) recordEventStream(ctx context.Context, e Event) {
	err := s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: eventsStream,
		MaxLen: eventsStreamMaxLen,
		Approx: true,
		ID:     "*",
		Values: map[string]any{
			"worker_type": e.WorkerType,
			"decision":    string(e.Decision),
			"from":        e.From,
			"to":          e.To,
			"timestamp":   e.Timestamp.Unix(),
		},
	}).Err()
	if err != nil {
		s.log.Warn("failed to record scaling event to stream", obs.Err(err))
	}
}
