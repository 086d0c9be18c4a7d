// Copyright 2025 James Ross
// Package backend implements the OrchestrationBackend interface (spec.md §6)
// against three concrete platforms: Kubernetes, containerd, and Fly Machines.
package backend

import "context"

// Backend scales a worker type's running instance count and reports the
// current count, both sourced from the orchestration platform rather than
// the pool, so scale-from-zero works even when no heartbeats exist yet
// (spec.md §4.4).
type Backend interface {
	CurrentWorkers(ctx context.Context, workerType string) (int, error)
	ScaleTo(ctx context.Context, workerType string, target int) error
}
