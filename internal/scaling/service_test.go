// Copyright 2025 James Ross
package scaling

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/relaydeck/meshcore/internal/breaker"
	"github.com/relaydeck/meshcore/internal/broker"
	"github.com/relaydeck/meshcore/internal/config"
	"github.com/relaydeck/meshcore/internal/job"
	"github.com/relaydeck/meshcore/internal/leaderelect"
	"github.com/relaydeck/meshcore/internal/pool"
)

// fakeBackend is an in-memory backend.Backend for exercising Service without
// any real orchestrator.
type fakeBackend struct {
	mu                 sync.Mutex
	current            map[string]int
	scaleTo            func(workerType string, target int) error
	currentWorkersErr  error
	currentWorkersCall int
}

func newFakeBackend(initial map[string]int) *fakeBackend {
	current := make(map[string]int, len(initial))
	for k, v := range initial {
		current[k] = v
	}
	return &fakeBackend{current: current}
}

func (f *fakeBackend) CurrentWorkers(ctx context.Context, workerType string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.currentWorkersCall++
	if f.currentWorkersErr != nil {
		return 0, f.currentWorkersErr
	}
	return f.current[workerType], nil
}

func (f *fakeBackend) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.currentWorkersCall
}

func (f *fakeBackend) ScaleTo(ctx context.Context, workerType string, target int) error {
	if f.scaleTo != nil {
		if err := f.scaleTo(workerType, target); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current[workerType] = target
	return nil
}

func testServiceConfig() *config.Config {
	return &config.Config{
		CheckInterval: time.Minute,
		HealthTimeout: time.Minute,
		WorkerTypes: map[string]config.WorkerTypeConfig{
			"browser": {
				Name:           "browser",
				JobQueueName:   "browser:jobs",
				Enabled:        true,
				MaxQueueLength: 1000,
				Scaling: config.ScalingConfig{
					MinWorkers:         1,
					MaxWorkers:         5,
					ScaleUpThreshold:   2,
					ScaleDownThreshold: 0,
					Cooldown:           time.Minute,
				},
			},
		},
	}
}

func newTestService(t *testing.T, cfg *config.Config, be *fakeBackend, elector *leaderelect.Elector) (*Service, *redis.Client, *broker.Broker) {
	t.Helper()
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	log := zap.NewNop()
	brk := broker.New(rdb, cfg, log)
	pools := pool.NewManager(cfg, rdb, log)
	history := NewHistory(10)

	svc := NewService(cfg, brk, pools, be, history, rdb, log, elector)
	return svc, rdb, brk
}

func TestTickScalesUpWhenQueueDepthExceedsThreshold(t *testing.T) {
	cfg := testServiceConfig()
	be := newFakeBackend(map[string]int{"browser": 1})
	svc, _, brk := newTestService(t, cfg, be, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, brk.Publish(ctx, job.New("browser.click", nil, nil)))
	}

	svc.Tick(ctx)

	current, err := be.CurrentWorkers(ctx, "browser")
	require.NoError(t, err)
	assert.Equal(t, 2, current)

	snap := svc.history.Snapshot()
	if assert.Len(t, snap, 1) {
		assert.Equal(t, ScaleUp, snap[0].Decision)
		assert.Equal(t, 1, snap[0].From)
		assert.Equal(t, 2, snap[0].To)
	}
}

func TestTickRecordsEventToRedisStreamOnSuccess(t *testing.T) {
	cfg := testServiceConfig()
	be := newFakeBackend(map[string]int{"browser": 0}) // below min_workers
	svc, rdb, _ := newTestService(t, cfg, be, nil)
	ctx := context.Background()

	svc.Tick(ctx)

	n, err := rdb.XLen(ctx, eventsStream).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestTickDoesNotRecordWhenBackendFails(t *testing.T) {
	cfg := testServiceConfig()
	be := newFakeBackend(map[string]int{"browser": 0})
	be.scaleTo = func(workerType string, target int) error {
		return assert.AnError
	}
	svc, rdb, _ := newTestService(t, cfg, be, nil)
	ctx := context.Background()

	svc.Tick(ctx)

	assert.Empty(t, svc.history.Snapshot())
	n, err := rdb.XLen(ctx, eventsStream).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestTickSkipsDisabledWorkerTypes(t *testing.T) {
	cfg := testServiceConfig()
	wt := cfg.WorkerTypes["browser"]
	wt.Enabled = false
	cfg.WorkerTypes["browser"] = wt

	be := newFakeBackend(map[string]int{"browser": 0})
	svc, _, _ := newTestService(t, cfg, be, nil)

	svc.Tick(context.Background())

	current, _ := be.CurrentWorkers(context.Background(), "browser")
	assert.Equal(t, 0, current)
	assert.Empty(t, svc.history.Snapshot())
}

func TestTickSkippedWhenAnotherInstanceHoldsLeadership(t *testing.T) {
	cfg := testServiceConfig()
	be := newFakeBackend(map[string]int{"browser": 0}) // would scale up to min_workers if it ran

	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	log := zap.NewNop()
	brk := broker.New(rdb, cfg, log)
	pools := pool.NewManager(cfg, rdb, log)
	history := NewHistory(10)

	// Another process already holds the lock.
	require.NoError(t, rdb.Set(context.Background(), "scaler:leader", "other-owner", time.Minute).Err())
	elector := leaderelect.New(rdb, "scaler:leader", "this-instance", time.Minute)

	svc := NewService(cfg, brk, pools, be, history, rdb, log, elector)
	svc.Tick(context.Background())

	current, _ := be.CurrentWorkers(context.Background(), "browser")
	assert.Equal(t, 0, current, "non-leader must not execute scaling decisions")
	assert.Empty(t, svc.history.Snapshot())
}

func TestBackendBreakerTripsAfterRepeatedFailuresAndSkipsFurtherCalls(t *testing.T) {
	cfg := testServiceConfig()
	cfg.CircuitBreaker.Cooldown = time.Minute
	be := newFakeBackend(map[string]int{"browser": 1})
	be.currentWorkersErr = assert.AnError
	svc, _, _ := newTestService(t, cfg, be, nil)
	ctx := context.Background()

	for i := 0; i < backendMinSamples; i++ {
		svc.Tick(ctx)
	}
	require.Equal(t, breaker.Open, svc.backendBreaker.State())
	calls := be.callCount()

	svc.Tick(ctx)
	assert.Equal(t, calls, be.callCount(), "breaker open must short-circuit further backend calls")
}

func TestManualScaleRejectedWhenBackendBreakerOpen(t *testing.T) {
	cfg := testServiceConfig()
	cfg.CircuitBreaker.Cooldown = time.Minute
	be := newFakeBackend(map[string]int{"browser": 1})
	be.currentWorkersErr = assert.AnError
	svc, _, _ := newTestService(t, cfg, be, nil)
	ctx := context.Background()

	for i := 0; i < backendMinSamples; i++ {
		svc.Tick(ctx)
	}
	require.Equal(t, breaker.Open, svc.backendBreaker.State())

	err := svc.ManualScale(ctx, "browser", 3)
	require.Error(t, err)
}

func TestLastScaleAccessIsSafeUnderConcurrentTickAndManualScale(t *testing.T) {
	cfg := testServiceConfig()
	be := newFakeBackend(map[string]int{"browser": 1})
	svc, _, brk := newTestService(t, cfg, be, nil)
	ctx := context.Background()
	require.NoError(t, brk.Publish(ctx, job.New("browser.click", nil, nil)))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); svc.Tick(ctx) }()
		go func() { defer wg.Done(); _ = svc.ManualScale(ctx, "browser", 2) }()
	}
	wg.Wait()
}

func TestTickRunsWhenThisInstanceIsLeader(t *testing.T) {
	cfg := testServiceConfig()
	be := newFakeBackend(map[string]int{"browser": 0})

	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	log := zap.NewNop()
	brk := broker.New(rdb, cfg, log)
	pools := pool.NewManager(cfg, rdb, log)
	history := NewHistory(10)
	elector := leaderelect.New(rdb, "scaler:leader", "this-instance", time.Minute)

	svc := NewService(cfg, brk, pools, be, history, rdb, log, elector)
	svc.Tick(context.Background())

	current, _ := be.CurrentWorkers(context.Background(), "browser")
	assert.Equal(t, cfg.WorkerTypes["browser"].Scaling.MinWorkers, current)
}
