// Copyright 2025 James Ross
package broker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/relaydeck/meshcore/internal/config"
	meshErrors "github.com/relaydeck/meshcore/internal/errors"
	"github.com/relaydeck/meshcore/internal/job"
)

func testConfig() *config.Config {
	return &config.Config{
		WorkerTypes: map[string]config.WorkerTypeConfig{
			"browser": {
				Name:           "browser",
				JobQueueName:   "browser:jobs",
				Enabled:        true,
				MaxQueueLength: 2,
			},
		},
	}
}

func newTestBroker(t *testing.T) (*Broker, *redis.Client) {
	t.Helper()
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return New(rdb, testConfig(), zap.NewNop()), rdb
}

func TestPublishRoutesToConfiguredQueue(t *testing.T) {
	b, rdb := newTestBroker(t)
	ctx := context.Background()

	j := job.New("browser.goto", []any{"https://example.com"}, nil)
	require.NoError(t, b.Publish(ctx, j))

	n, err := rdb.XLen(ctx, "browser:jobs").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestPublishRoutesUnknownTypeToCatchAll(t *testing.T) {
	b, rdb := newTestBroker(t)
	ctx := context.Background()

	j := job.New("tankpit.spawn", nil, nil)
	require.NoError(t, b.Publish(ctx, j))

	n, err := rdb.XLen(ctx, catchAllQueue).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestPublishRejectsNewestAtCapacity(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, job.New("browser.goto", nil, nil)))
	require.NoError(t, b.Publish(ctx, job.New("browser.goto", nil, nil)))

	err := b.Publish(ctx, job.New("browser.goto", nil, nil))
	require.Error(t, err)
	assert.True(t, meshErrors.Has(err, meshErrors.KindBrokerBackpressure))
}

func TestConsumeCreatesGroupAndDeliversJob(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	sent := job.New("browser.goto", []any{"https://example.com"}, nil)
	require.NoError(t, b.Publish(ctx, sent))

	cj, err := b.Consume(ctx, "workers", "consumer-1", "browser")
	require.NoError(t, err)
	assert.Equal(t, sent.ID, cj.Job.ID)
}

func TestConsumeTimesOutWhenEmpty(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	_, err := b.Consume(ctx, "workers", "consumer-1", "browser")
	require.Error(t, err)
	assert.True(t, meshErrors.Has(err, meshErrors.KindTimedOut))
}

func TestAckRetiresPendingEntry(t *testing.T) {
	b, rdb := newTestBroker(t)
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, job.New("browser.goto", nil, nil)))
	cj, err := b.Consume(ctx, "workers", "consumer-1", "browser")
	require.NoError(t, err)

	require.NoError(t, b.Ack(ctx, cj))

	pending, err := rdb.XPending(ctx, "browser:jobs", "workers").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending.Count)
}

func TestReclaimRedeliversIdleEntries(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	sent := job.New("browser.goto", nil, nil)
	require.NoError(t, b.Publish(ctx, sent))

	_, err := b.Consume(ctx, "workers", "dead-consumer", "browser")
	require.NoError(t, err)

	reclaimed, err := b.Reclaim(ctx, "workers", "reaper", "browser", 0)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, sent.ID, reclaimed[0].ID)

	cj, err := b.Consume(ctx, "workers", "consumer-2", "browser")
	require.NoError(t, err)
	assert.Equal(t, sent.ID, cj.Job.ID)
}

func TestPublishAndWaitReturnsReply(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	j := job.New("browser.status", nil, nil)

	go func() {
		time.Sleep(50 * time.Millisecond)
		cj, err := b.Consume(context.Background(), "workers", "consumer-1", "browser")
		if err != nil {
			return
		}
		_ = b.Reply(context.Background(), cj.Job, job.Ok(cj.Job.ID, "ready"))
	}()

	res, err := b.PublishAndWait(ctx, j, 2*time.Second)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "ready", res.Result)
}

func TestPublishAndWaitTimesOut(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	j := job.New("browser.status", nil, nil)
	_, err := b.PublishAndWait(ctx, j, 50*time.Millisecond)
	require.Error(t, err)
	assert.True(t, meshErrors.Has(err, meshErrors.KindTimedOut))
}

func TestQueueDepthReflectsPendingJobs(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, job.New("browser.goto", nil, nil)))
	n, err := b.QueueDepth(ctx, "browser")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestPeekReturnsMostRecentJobsWithoutConsuming(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	first := job.New("browser.goto", nil, nil)
	second := job.New("browser.click", nil, nil)
	require.NoError(t, b.Publish(ctx, first))
	require.NoError(t, b.Publish(ctx, second))

	jobs, err := b.Peek(ctx, "browser", 10)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, second.ID, jobs[0].ID, "peek returns newest first")

	n, err := b.QueueDepth(ctx, "browser")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n, "peek must not consume")
}

func TestPurgeDLQRemovesPoisonMessages(t *testing.T) {
	b, rdb := newTestBroker(t)
	ctx := context.Background()

	require.NoError(t, rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: "browser:jobs", ID: "*", Values: map[string]any{"payload": "not-json"},
	}).Err())
	_, err := b.Consume(ctx, "workers", "consumer-1", "browser")
	require.Error(t, err)

	n, err := b.DLQLen(ctx, "browser")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	purged, err := b.PurgeDLQ(ctx, "browser")
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	n, err = b.DLQLen(ctx, "browser")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}
