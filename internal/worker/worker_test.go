// Copyright 2025 James Ross
package worker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/relaydeck/meshcore/internal/broker"
	"github.com/relaydeck/meshcore/internal/config"
	"github.com/relaydeck/meshcore/internal/job"
)

type fakeExecutor struct {
	handle func(j job.Job) (job.Result, error)
}

func (f *fakeExecutor) Execute(ctx context.Context, j job.Job) (job.Result, error) {
	return f.handle(j)
}

func testWorkerConfig() *config.Config {
	return &config.Config{
		WorkerTypes: map[string]config.WorkerTypeConfig{
			"browser": {Name: "browser", JobQueueName: "browser:jobs", Enabled: true, MaxQueueLength: 1000},
		},
	}
}

func newTestEnv(t *testing.T) (*redis.Client, *broker.Broker, *zap.Logger) {
	t.Helper()
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	log := zap.NewNop()
	cfg := testWorkerConfig()
	brk := broker.New(rdb, cfg, log)
	return rdb, brk, log
}

func TestWorkerProcessesJobAndRepliesSuccess(t *testing.T) {
	rdb, brk, log := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	exec := &fakeExecutor{handle: func(j job.Job) (job.Result, error) {
		return job.Ok(j.ID, "done"), nil
	}}
	w := New("browser", NewID("browser"), brk, exec, rdb, log, time.Hour, nil)

	j := job.New("browser.click", []any{"#submit"}, nil)
	require.NoError(t, brk.Publish(context.Background(), j))

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	var blob string
	for i := 0; i < 100; i++ {
		v, perr := rdb.LPop(context.Background(), j.ReplyTo).Result()
		if perr == nil {
			blob = v
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NotEmpty(t, blob, "expected a reply to be pushed")

	res, err := job.LoadsResult(blob)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "done", res.Result)

	cancel()
	<-done
}

func TestWorkerConvertsExecutorErrorToFailedResult(t *testing.T) {
	rdb, brk, log := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	exec := &fakeExecutor{handle: func(j job.Job) (job.Result, error) {
		return job.Result{}, assertError{}
	}}
	w := New("browser", NewID("browser"), brk, exec, rdb, log, time.Hour, nil)

	j := job.New("browser.click", nil, nil)
	require.NoError(t, brk.Publish(context.Background(), j))

	go w.Run(ctx)

	var blob string
	for i := 0; i < 100; i++ {
		v, perr := rdb.LPop(context.Background(), j.ReplyTo).Result()
		if perr == nil {
			blob = v
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NotEmpty(t, blob)

	res, err := job.LoadsResult(blob)
	require.NoError(t, err)
	assert.False(t, res.Success)
	require.NotNil(t, res.Error)
}

func TestWorkerHeartbeatWritesHashWithTTL(t *testing.T) {
	rdb, brk, log := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	exec := &fakeExecutor{handle: func(j job.Job) (job.Result, error) { return job.Ok(j.ID, nil), nil }}
	w := New("browser", "browser-test-1", brk, exec, rdb, log, 20*time.Millisecond, map[string]any{"engine": "chromium"})

	go w.Run(ctx)
	time.Sleep(50 * time.Millisecond)
	cancel()

	key := "worker:heartbeat:browser:browser-test-1"
	fields, err := rdb.HGetAll(context.Background(), key).Result()
	require.NoError(t, err)
	assert.Equal(t, "healthy", fields["state"])
	assert.Contains(t, fields["capabilities"], "chromium")

	ttl, err := rdb.TTL(context.Background(), key).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}

type assertError struct{}

func (assertError) Error() string { return "executor boom" }
