// Copyright 2025 James Ross
// Package pool holds the in-memory, per-worker-type view of which workers
// are alive, fed by Redis heartbeat keys and refreshed on a scan interval
// (spec.md §4.3).
package pool

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Status is a worker's health as seen by the pool. When Healthy is false,
// Reason carries the reason the pool (or an operator) gave. The zero value
// is unhealthy with an empty reason.
type Status struct {
	Healthy bool
	Reason  string
}

func (s Status) String() string {
	if s.Healthy {
		return "healthy"
	}
	return "unhealthy:" + s.Reason
}

// Info is one worker's record. It is mutated only by its owning Pool, in
// response to heartbeats and job outcomes.
type Info struct {
	ID             string
	Type           string
	Capabilities   map[string]any
	Status         Status
	JobsCompleted  int64
	JobsFailed     int64
	RegisteredAt   time.Time
	LastHeartbeat  time.Time
}

// Stats summarizes a Pool's current membership.
type Stats struct {
	Total         int     `json:"total"`
	Healthy       int     `json:"healthy"`
	Unhealthy     int     `json:"unhealthy"`
	JobsCompleted int64   `json:"jobs_completed"`
	JobsFailed    int64   `json:"jobs_failed"`
	SuccessRate   float64 `json:"success_rate"`
}

// Pool is the live registry for one worker type. The zero value is not
// usable; build one with New.
type Pool struct {
	workerType    string
	healthTimeout time.Duration

	mu      sync.RWMutex
	workers map[string]*Info
}

// New builds an empty Pool for workerType with the given health timeout —
// a worker is stale once now - last_heartbeat exceeds it.
func New(workerType string, healthTimeout time.Duration) *Pool {
	return &Pool{workerType: workerType, healthTimeout: healthTimeout, workers: make(map[string]*Info)}
}

// Register inserts or refreshes a worker record. Refreshing preserves
// RegisteredAt but resets LastHeartbeat and marks the worker healthy,
// mirroring spec.md §4.3's register() contract.
func (p *Pool) Register(id string, capabilities map[string]any) *Info {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	if existing, ok := p.workers[id]; ok {
		existing.Capabilities = capabilities
		existing.LastHeartbeat = now
		existing.Status = Status{Healthy: true}
		return existing
	}

	info := &Info{
		ID:            id,
		Type:          p.workerType,
		Capabilities:  capabilities,
		Status:        Status{Healthy: true},
		RegisteredAt:  now,
		LastHeartbeat: now,
	}
	p.workers[id] = info
	return info
}

// Heartbeat refreshes LastHeartbeat for an existing worker without
// resetting its health status, matching the Redis heartbeat-key contract
// (a running worker doesn't need to re-announce capabilities each tick).
func (p *Pool) Heartbeat(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	info, ok := p.workers[id]
	if !ok {
		return false
	}
	info.LastHeartbeat = time.Now()
	return true
}

// MarkHealthy transitions a worker back to healthy, e.g. after a transient
// backend error clears.
func (p *Pool) MarkHealthy(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	info, ok := p.workers[id]
	if !ok {
		return false
	}
	info.Status = Status{Healthy: true}
	return true
}

// MarkUnhealthy transitions a worker to unhealthy with the given reason.
func (p *Pool) MarkUnhealthy(id, reason string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	info, ok := p.workers[id]
	if !ok {
		return false
	}
	info.Status = Status{Healthy: false, Reason: reason}
	return true
}

// RecordJobCompleted increments a worker's completed-job counter.
func (p *Pool) RecordJobCompleted(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if info, ok := p.workers[id]; ok {
		info.JobsCompleted++
	}
}

// RecordJobFailed increments a worker's failed-job counter.
func (p *Pool) RecordJobFailed(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if info, ok := p.workers[id]; ok {
		info.JobsFailed++
	}
}

// HealthyWorkers returns every worker currently healthy and within the
// health timeout. A worker is eligible for job dispatch only if it appears
// here (spec.md §4.3 invariant).
func (p *Pool) HealthyWorkers() []Info {
	p.mu.RLock()
	defer p.mu.RUnlock()

	now := time.Now()
	out := make([]Info, 0, len(p.workers))
	for _, info := range p.workers {
		if info.Status.Healthy && now.Sub(info.LastHeartbeat) <= p.healthTimeout {
			out = append(out, *info)
		}
	}
	return out
}

// All returns a snapshot of every worker, healthy or not.
func (p *Pool) All() []Info {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]Info, 0, len(p.workers))
	for _, info := range p.workers {
		out = append(out, *info)
	}
	return out
}

// Get returns one worker's snapshot.
func (p *Pool) Get(id string) (Info, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	info, ok := p.workers[id]
	if !ok {
		return Info{}, false
	}
	return *info, true
}

// RemoveStale drops every worker whose last heartbeat is older than the
// health timeout and returns their ids. Idempotent: calling it twice in a
// row returns an empty slice the second time.
func (p *Pool) RemoveStale() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	var removed []string
	for id, info := range p.workers {
		if now.Sub(info.LastHeartbeat) > p.healthTimeout {
			delete(p.workers, id)
			removed = append(removed, id)
		}
	}
	return removed
}

// Statistics reports aggregate counts across the pool, including
// success_rate = jobs_completed / (jobs_completed + jobs_failed), 0 when no
// jobs have completed (spec.md §4.3 addition in SPEC_FULL.md §5.3).
func (p *Pool) Statistics() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	now := time.Now()
	var s Stats
	for _, info := range p.workers {
		s.Total++
		if info.Status.Healthy && now.Sub(info.LastHeartbeat) <= p.healthTimeout {
			s.Healthy++
		} else {
			s.Unhealthy++
		}
		s.JobsCompleted += info.JobsCompleted
		s.JobsFailed += info.JobsFailed
	}
	if total := s.JobsCompleted + s.JobsFailed; total > 0 {
		s.SuccessRate = float64(s.JobsCompleted) / float64(total)
	}
	return s
}

// HeartbeatKeyPattern returns the Redis key-scan pattern for this worker
// type's heartbeats, e.g. "worker:heartbeat:browser:*".
func HeartbeatKeyPattern(workerType string) string {
	return fmt.Sprintf("worker:heartbeat:%s:*", workerType)
}

// ScanHeartbeats refreshes the pool from Redis: it scans keys matching
// HeartbeatKeyPattern(workerType), reads each heartbeat hash, and
// registers/refreshes the corresponding worker. This is the pool's primary
// source of truth across process restarts; the HTTP surface in http.go
// supplements it for workers that want to push state directly.
func (p *Pool) ScanHeartbeats(ctx context.Context, rdb *redis.Client) error {
	pattern := HeartbeatKeyPattern(p.workerType)
	iter := rdb.Scan(ctx, 0, pattern, 100).Iterator()

	seen := make(map[string]bool)
	for iter.Next(ctx) {
		key := iter.Val()
		id := workerIDFromKey(key, p.workerType)
		if id == "" {
			continue
		}
		fields, err := rdb.HGetAll(ctx, key).Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		seen[id] = true

		p.mu.Lock()
		info, ok := p.workers[id]
		if !ok {
			info = &Info{ID: id, Type: p.workerType, RegisteredAt: time.Now()}
			p.workers[id] = info
		}
		info.LastHeartbeat = time.Now()
		if state, ok := fields["state"]; ok && state != "healthy" {
			info.Status = Status{Healthy: false, Reason: state}
		} else {
			info.Status = Status{Healthy: true}
		}
		p.mu.Unlock()
	}
	return iter.Err()
}

func workerIDFromKey(key, workerType string) string {
	prefix := fmt.Sprintf("worker:heartbeat:%s:", workerType)
	if !strings.HasPrefix(key, prefix) {
		return ""
	}
	return strings.TrimPrefix(key, prefix)
}
