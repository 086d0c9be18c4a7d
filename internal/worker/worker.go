// Copyright 2025 James Ross
// Package worker runs the consume-execute-reply loop of one worker process:
// pull a Job from the Broker, hand it to an Executor, push the Result back,
// and keep a Redis heartbeat alive so the Worker Pool sees this process as
// live (spec.md §4.2, §4.3). Grounded on the teacher's internal/worker/
// worker.go loop shape, generalized from its priority-queue BRPOPLPUSH
// dequeue to the broker's consumer-group Consume/Ack.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/relaydeck/meshcore/internal/broker"
	meshErrors "github.com/relaydeck/meshcore/internal/errors"
	"github.com/relaydeck/meshcore/internal/executor"
	"github.com/relaydeck/meshcore/internal/job"
	"github.com/relaydeck/meshcore/internal/obs"
)

// Worker consumes jobs for one worker type under a consumer group named
// after the type, using its own process-unique consumer name.
type Worker struct {
	workerType        string
	id                string
	brk               *broker.Broker
	exec              executor.Executor
	rdb               *redis.Client
	log               *zap.Logger
	heartbeatInterval time.Duration
	capabilities      map[string]any
}

// New builds a Worker for workerType. id should be unique per process (see
// NewID); capabilities is published in the heartbeat hash for frontends and
// the pool to introspect.
func New(workerType, id string, brk *broker.Broker, exec executor.Executor, rdb *redis.Client, log *zap.Logger, heartbeatInterval time.Duration, capabilities map[string]any) *Worker {
	if capabilities == nil {
		capabilities = map[string]any{}
	}
	return &Worker{
		workerType:        workerType,
		id:                id,
		brk:               brk,
		exec:              exec,
		rdb:               rdb,
		log:               log,
		heartbeatInterval: heartbeatInterval,
		capabilities:      capabilities,
	}
}

// NewID builds a process-unique worker id from the hostname and pid, the
// same convention the teacher's Worker.baseID uses.
func NewID(workerType string) string {
	host, _ := os.Hostname()
	return fmt.Sprintf("%s-%s-%d", workerType, host, os.Getpid())
}

// Run consumes and processes jobs until ctx is cancelled. Job handlers run
// one at a time per process, matching spec.md §5's prefork-style scheduling
// model for compatibility with non-thread-safe automation libraries.
func (w *Worker) Run(ctx context.Context) error {
	go w.heartbeatLoop(ctx)

	for ctx.Err() == nil {
		cj, err := w.brk.Consume(ctx, w.workerType, w.id, w.workerType)
		if err != nil {
			switch meshErrors.KindOf(err) {
			case meshErrors.KindTimedOut:
				continue
			case meshErrors.KindCancelled:
				return nil
			default:
				w.log.Warn("consume failed", obs.String("worker_type", w.workerType), obs.Err(err))
				time.Sleep(time.Second)
				continue
			}
		}

		result := w.process(ctx, cj.Job)
		if err := w.brk.Reply(ctx, cj.Job, result); err != nil {
			w.log.Warn("reply failed", obs.String("job_id", cj.Job.ID), obs.Err(err))
		}
		if err := w.brk.Ack(ctx, cj); err != nil {
			w.log.Warn("ack failed", obs.String("job_id", cj.Job.ID), obs.Err(err))
		}

		if result.Success {
			obs.JobsCompleted.WithLabelValues(w.workerType).Inc()
		} else {
			obs.JobsFailed.WithLabelValues(w.workerType).Inc()
		}
	}
	return ctx.Err()
}

// process runs one job through the executor, converting an Execute error
// into a failed Result rather than letting it escape — a crashed handler
// must not take the whole consume loop down with it.
func (w *Worker) process(ctx context.Context, j job.Job) job.Result {
	result, err := w.exec.Execute(ctx, j)
	if err != nil {
		code := meshErrors.KindOf(err).String()
		return job.Fail(j.ID, code, err.Error())
	}
	return result
}

// heartbeatLoop writes this worker's liveness hash every interval, with a
// TTL of 3x the interval so a crashed process's key expires on its own
// (spec.md §4.3). Fields match the storage layout of spec.md §6:
// timestamp, state, capabilities.
func (w *Worker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()

	w.beat(ctx) // announce immediately so the pool doesn't wait a full interval
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.beat(ctx)
		}
	}
}

func (w *Worker) beat(ctx context.Context) {
	key := fmt.Sprintf("worker:heartbeat:%s:%s", w.workerType, w.id)
	caps, err := json.Marshal(w.capabilities)
	if err != nil {
		caps = []byte("{}")
	}
	fields := map[string]any{
		"timestamp":    time.Now().Unix(),
		"state":        "healthy",
		"capabilities": string(caps),
	}
	pipe := w.rdb.Pipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, 3*w.heartbeatInterval)
	if _, err := pipe.Exec(ctx); err != nil {
		w.log.Warn("heartbeat write failed", obs.String("worker_id", w.id), obs.Err(err))
	}
}
