// Copyright 2025 James Ross
// Package executor defines the boundary between a worker process and the
// actual automation engine that fulfills a Job. The engine itself (e.g. a
// browser-automation library) is explicitly out of scope for this core —
// spec.md's Non-goals name it as "the executor invoked by a worker to
// fulfill one job" — so this package carries only the interface a worker
// dispatches through, with no production implementation.
package executor

import (
	"context"

	"github.com/relaydeck/meshcore/internal/job"
)

// Executor runs one Job to completion and produces its Result. A Job's
// Action (job.Action()) selects the concrete operation (goto, click,
// screenshot, ...); how that maps to engine calls is entirely the
// implementation's concern.
//
// Implementations MUST be safe to call repeatedly with jobs that carry the
// same ID (at-least-once redelivery, spec.md §4.2) — either by being
// naturally idempotent or by tracking completed IDs themselves.
type Executor interface {
	Execute(ctx context.Context, j job.Job) (job.Result, error)
}
