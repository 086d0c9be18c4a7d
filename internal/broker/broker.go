// Copyright 2025 James Ross
// Package broker implements reliable transport of Jobs to workers and
// Results back, on top of Redis Streams consumer groups (spec.md §4.2, §6).
package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/relaydeck/meshcore/internal/config"
	meshErrors "github.com/relaydeck/meshcore/internal/errors"
	"github.com/relaydeck/meshcore/internal/job"
)

const catchAllQueue = "jobs"

// Broker publishes jobs to per-worker-type streams and relays replies back
// to callers. It owns the redis connection pool it is given; callers close
// the client themselves once every Broker sharing it is done.
type Broker struct {
	rdb *redis.Client
	cfg *config.Config
	log *zap.Logger

	mu       sync.Mutex
	inFlight map[string]pendingEntry // job ID -> stream entry awaiting ack
}

type pendingEntry struct {
	stream string
	id     string
}

// New builds a Broker over an existing Redis client.
func New(rdb *redis.Client, cfg *config.Config, log *zap.Logger) *Broker {
	return &Broker{rdb: rdb, cfg: cfg, log: log, inFlight: make(map[string]pendingEntry)}
}

// QueueFor implements the routing rule of spec.md §4.2: for job.type "X.Y",
// queue name is "X:jobs" if X is a configured worker type, else the
// catch-all "jobs" stream.
func (b *Broker) QueueFor(j job.Job) string {
	wt := j.WorkerType()
	if cfg, ok := b.cfg.WorkerTypes[wt]; ok {
		return cfg.JobQueueName
	}
	return catchAllQueue
}

// Publish places a job on the queue for its worker type, fire-and-forget.
// It enforces the "reject newest" backpressure policy: if the stream is at
// its configured max length, Publish fails with BrokerBackpressure rather
// than silently trimming an older, already-queued entry.
func (b *Broker) Publish(ctx context.Context, j job.Job) error {
	stream := b.QueueFor(j)
	maxLen := b.maxLenFor(j.WorkerType())

	if maxLen > 0 {
		n, err := b.rdb.XLen(ctx, stream).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return b.wrapTransient("broker.publish", err)
		}
		if n >= maxLen {
			return meshErrors.New(meshErrors.KindBrokerBackpressure, "broker.publish", nil)
		}
	}

	payload, err := job.Dumps(j)
	if err != nil {
		return err
	}

	op := func() error {
		return b.rdb.XAdd(ctx, &redis.XAddArgs{
			Stream: stream,
			ID:     "*",
			Values: map[string]any{"payload": payload},
		}).Err()
	}
	if err := withRetry(ctx, op); err != nil {
		return meshErrors.New(meshErrors.KindBrokerUnavailable, "broker.publish", err)
	}
	return nil
}

// PublishAndWait publishes a job and blocks until a result arrives on its
// reply channel or timeout elapses. It never holds a connection open
// indefinitely: each read blocks for at most one second before checking the
// remaining deadline, so the wait is always responsive to cancellation.
func (b *Broker) PublishAndWait(ctx context.Context, j job.Job, timeout time.Duration) (job.Result, error) {
	if err := b.Publish(ctx, j); err != nil {
		return job.Result{}, err
	}

	deadline := time.Now().Add(timeout)
	const pollBlock = time.Second

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return job.Result{}, meshErrors.New(meshErrors.KindTimedOut, "broker.publish_and_wait", nil)
		}
		block := pollBlock
		if remaining < block {
			block = remaining
		}

		res, err := b.rdb.BLPop(ctx, block, j.ReplyTo).Result()
		if errors.Is(err, redis.Nil) {
			continue // no reply yet; loop and re-check deadline/cancellation
		}
		if err != nil {
			if ctx.Err() != nil {
				return job.Result{}, meshErrors.New(meshErrors.KindCancelled, "broker.publish_and_wait", ctx.Err())
			}
			return job.Result{}, b.wrapTransient("broker.publish_and_wait", err)
		}
		if len(res) < 2 {
			continue
		}
		return job.LoadsResult(res[1])
	}
}

// Reply pushes a result to the job's reply channel.
func (b *Broker) Reply(ctx context.Context, j job.Job, result job.Result) error {
	blob, err := job.DumpsResult(result)
	if err != nil {
		return err
	}
	op := func() error { return b.rdb.LPush(ctx, j.ReplyTo, blob).Err() }
	if err := withRetry(ctx, op); err != nil {
		return meshErrors.New(meshErrors.KindBrokerUnavailable, "broker.reply", err)
	}
	return nil
}

// Consume blocks up to one second reading the next available job for
// workerType under the named consumer group, using consumerName as the
// unique consumer identity. It returns a TimedOut MeshError (not a hard
// failure) when nothing arrives in that interval; callers are expected to
// loop. On the first call for a fresh (stream, group) pair it idempotently
// creates both.
func (b *Broker) Consume(ctx context.Context, group, consumerName, workerType string) (ConsumedJob, error) {
	stream := b.streamFor(workerType)

	streams, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumerName,
		Streams:  []string{stream, ">"},
		Count:    1,
		Block:    time.Second,
	}).Result()

	if err != nil {
		if isNoGroup(err) {
			if cerr := b.ensureGroup(ctx, stream, group); cerr != nil {
				return ConsumedJob{}, meshErrors.New(meshErrors.KindBrokerUnavailable, "broker.consume", cerr)
			}
			// Retry at most once per invocation, per spec.md §4.2.
			streams, err = b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
				Group: group, Consumer: consumerName,
				Streams: []string{stream, ">"}, Count: 1, Block: time.Second,
			}).Result()
		}
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ConsumedJob{}, meshErrors.New(meshErrors.KindTimedOut, "broker.consume", nil)
			}
			if ctx.Err() != nil {
				return ConsumedJob{}, meshErrors.New(meshErrors.KindCancelled, "broker.consume", ctx.Err())
			}
			return ConsumedJob{}, b.wrapTransient("broker.consume", err)
		}
	}

	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return ConsumedJob{}, meshErrors.New(meshErrors.KindTimedOut, "broker.consume", nil)
	}

	msg := streams[0].Messages[0]
	payload, _ := msg.Values["payload"].(string)
	j, err := job.Loads(payload, false)
	if err != nil {
		// Poison message: ack it so it doesn't loop forever, park the raw
		// payload on the DLQ list for inspection, surface the error.
		_ = b.rdb.XAck(ctx, stream, group, msg.ID).Err()
		_ = b.rdb.LPush(ctx, b.dlqFor(workerType), payload).Err()
		return ConsumedJob{}, err
	}

	b.mu.Lock()
	b.inFlight[j.ID] = pendingEntry{stream: stream, id: msg.ID}
	b.mu.Unlock()

	return ConsumedJob{Job: j, Group: group, streamName: stream, entryID: msg.ID}, nil
}

// ConsumedJob pairs a Job with the bookkeeping Ack needs: which stream and
// consumer group it came from.
type ConsumedJob struct {
	Job        job.Job
	Group      string
	streamName string
	entryID    string
}

// Ack acknowledges successful processing, retiring the entry from the
// consumer group's pending list.
func (b *Broker) Ack(ctx context.Context, cj ConsumedJob) error {
	if err := b.rdb.XAck(ctx, cj.streamName, cj.Group, cj.entryID).Err(); err != nil {
		return meshErrors.New(meshErrors.KindBrokerUnavailable, "broker.ack", err)
	}
	b.mu.Lock()
	delete(b.inFlight, cj.Job.ID)
	b.mu.Unlock()
	return nil
}

// Reclaim scans the consumer group's pending entries for workerType and
// reassigns any idle longer than visibility to reclaimerName, returning the
// jobs that were reclaimed. Redelivery happens by re-adding a fresh stream
// entry and acking the stale one, so ordinary Consume calls pick it back up
// — the Go-native analogue of the teacher's processing-list reaper
// (internal/reaper/reaper.go), generalized from BRPOPLPUSH lists to stream
// pending-entries lists.
func (b *Broker) Reclaim(ctx context.Context, group, reclaimerName, workerType string, visibility time.Duration) ([]job.Job, error) {
	stream := b.streamFor(workerType)

	pending, err := b.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream, Group: group, Start: "-", End: "+", Count: 100,
	}).Result()
	if err != nil {
		if isNoGroup(err) {
			return nil, nil
		}
		return nil, meshErrors.New(meshErrors.KindBrokerUnavailable, "broker.reclaim", err)
	}

	var ids []string
	for _, p := range pending {
		if p.Idle >= visibility {
			ids = append(ids, p.ID)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}

	claimed, err := b.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream: stream, Group: group, Consumer: reclaimerName,
		MinIdle: visibility, Messages: ids,
	}).Result()
	if err != nil {
		return nil, meshErrors.New(meshErrors.KindBrokerUnavailable, "broker.reclaim", err)
	}

	var reclaimed []job.Job
	for _, msg := range claimed {
		payload, _ := msg.Values["payload"].(string)
		j, err := job.Loads(payload, false)
		if err != nil {
			_ = b.rdb.XAck(ctx, stream, group, msg.ID).Err()
			continue
		}
		if err := b.rdb.XAdd(ctx, &redis.XAddArgs{Stream: stream, ID: "*", Values: map[string]any{"payload": payload}}).Err(); err != nil {
			continue
		}
		_ = b.rdb.XAck(ctx, stream, group, msg.ID).Err()
		reclaimed = append(reclaimed, j)
	}
	return reclaimed, nil
}

// InFlightCount returns the number of jobs this broker has delivered via
// Consume but not yet Ack'd, surfaced by the admin API's stats endpoint.
func (b *Broker) InFlightCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.inFlight)
}

// QueueDepth returns the current stream length for workerType, used by the
// scaling service to make scale decisions.
func (b *Broker) QueueDepth(ctx context.Context, workerType string) (int64, error) {
	n, err := b.rdb.XLen(ctx, b.streamFor(workerType)).Result()
	if err != nil {
		return 0, meshErrors.New(meshErrors.KindBrokerUnavailable, "broker.queue_depth", err)
	}
	return n, nil
}

// Peek returns up to n of the most recently published jobs for workerType
// without consuming them, for the admin API's inspection endpoint.
// Malformed entries are silently skipped rather than failing the whole
// peek.
func (b *Broker) Peek(ctx context.Context, workerType string, n int64) ([]job.Job, error) {
	stream := b.streamFor(workerType)
	entries, err := b.rdb.XRevRangeN(ctx, stream, "+", "-", n).Result()
	if err != nil {
		return nil, meshErrors.New(meshErrors.KindBrokerUnavailable, "broker.peek", err)
	}
	jobs := make([]job.Job, 0, len(entries))
	for _, e := range entries {
		payload, _ := e.Values["payload"].(string)
		j, err := job.Loads(payload, false)
		if err != nil {
			continue
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// DLQLen reports how many poison messages are parked for workerType.
func (b *Broker) DLQLen(ctx context.Context, workerType string) (int64, error) {
	n, err := b.rdb.LLen(ctx, b.dlqFor(workerType)).Result()
	if err != nil {
		return 0, meshErrors.New(meshErrors.KindBrokerUnavailable, "broker.dlq_len", err)
	}
	return n, nil
}

// PurgeDLQ deletes every parked poison message for workerType and returns
// how many were removed.
func (b *Broker) PurgeDLQ(ctx context.Context, workerType string) (int64, error) {
	n, err := b.DLQLen(ctx, workerType)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	if err := b.rdb.Del(ctx, b.dlqFor(workerType)).Err(); err != nil {
		return 0, meshErrors.New(meshErrors.KindBrokerUnavailable, "broker.purge_dlq", err)
	}
	return n, nil
}

func (b *Broker) dlqFor(workerType string) string {
	return b.streamFor(workerType) + ":dlq"
}

func (b *Broker) streamFor(workerType string) string {
	if cfg, ok := b.cfg.WorkerTypes[workerType]; ok {
		return cfg.JobQueueName
	}
	return catchAllQueue
}

func (b *Broker) maxLenFor(workerType string) int64 {
	if cfg, ok := b.cfg.WorkerTypes[workerType]; ok {
		return cfg.MaxQueueLength
	}
	return 0
}

// ensureGroup idempotently creates the stream and consumer group, treating
// "group already exists" as success.
func (b *Broker) ensureGroup(ctx context.Context, stream, group string) error {
	err := b.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

func isNoGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "NOGROUP")
}

func (b *Broker) wrapTransient(op string, err error) error {
	return meshErrors.New(meshErrors.KindBrokerUnavailable, op, err)
}

// withRetry retries op with bounded exponential backoff: min 1s, max 10s,
// 3 attempts, per spec.md §7.
func withRetry(ctx context.Context, op func() error) error {
	delay := time.Second
	const maxDelay = 10 * time.Second
	const attempts = 3

	var err error
	for i := 0; i < attempts; i++ {
		if err = op(); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
	return fmt.Errorf("after %d attempts: %w", attempts, err)
}
