// Copyright 2025 James Ross
// Package breaker implements the circuit breakers used to fail fast when a
// downstream dependency is unhealthy. CircuitBreaker is a sliding-window
// failure-rate breaker (the teacher's original design, useful wherever a
// statistical trip rule fits); Consecutive is the simpler "N in a row"
// breaker the spec's Runtime Façade (§4.5) calls for.
package breaker

import (
	"sync"
	"time"
)

// State is one of Closed, HalfOpen, Open.
type State int

const (
	Closed State = iota
	HalfOpen
	Open
)

func (s State) String() string {
	switch s {
	case HalfOpen:
		return "half_open"
	case Open:
		return "open"
	default:
		return "closed"
	}
}

type result struct {
	t  time.Time
	ok bool
}

// CircuitBreaker trips when the failure rate within a sliding time window
// crosses failureThresh, provided at least minSamples outcomes have been
// recorded in that window.
type CircuitBreaker struct {
	mu               sync.Mutex
	state            State
	window           time.Duration
	cooldown         time.Duration
	failureThresh    float64
	minSamples       int
	lastTransition   time.Time
	results          []result
	halfOpenInFlight bool
}

// New builds a sliding-window failure-rate breaker.
func New(window, cooldown time.Duration, failureThresh float64, minSamples int) *CircuitBreaker {
	return &CircuitBreaker{
		state: Closed, window: window, cooldown: cooldown,
		failureThresh: failureThresh, minSamples: minSamples,
		lastTransition: time.Now(),
	}
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Allow reports whether a call may proceed, transitioning Open -> HalfOpen
// once cooldown has elapsed and admitting exactly one probe call.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case Open:
		if time.Since(cb.lastTransition) >= cb.cooldown {
			cb.state = HalfOpen
			cb.lastTransition = time.Now()
			cb.halfOpenInFlight = true
			return true
		}
		return false
	case HalfOpen:
		if cb.halfOpenInFlight {
			return false
		}
		cb.halfOpenInFlight = true
		return true
	default:
		return true
	}
}

// Record reports the outcome of a call Allow permitted.
func (cb *CircuitBreaker) Record(ok bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	now := time.Now()

	cutoff := now.Add(-cb.window)
	filtered := cb.results[:0]
	for _, r := range cb.results {
		if r.t.After(cutoff) {
			filtered = append(filtered, r)
		}
	}
	cb.results = append(filtered, result{t: now, ok: ok})

	total := len(cb.results)
	if total < cb.minSamples {
		if cb.state == HalfOpen {
			if ok {
				cb.state = Closed
			} else {
				cb.state = Open
			}
			cb.halfOpenInFlight = false
			cb.lastTransition = now
		}
		return
	}

	fails := 0
	for _, r := range cb.results {
		if !r.ok {
			fails++
		}
	}
	rate := float64(fails) / float64(total)
	switch cb.state {
	case Closed:
		if rate >= cb.failureThresh {
			cb.state = Open
			cb.lastTransition = now
		}
	case HalfOpen:
		cb.halfOpenInFlight = false
		if ok {
			cb.state = Closed
		} else {
			cb.state = Open
		}
		cb.lastTransition = now
	case Open:
		// handled in Allow()
	}
}

// Consecutive is the breaker form used by the Runtime Façade (spec §4.5):
// MaxFails consecutive failures trip it open for Cooldown; any success
// resets the run to zero; InvalidArgument-style caller errors never reach
// Record at all, since they don't count toward the trip.
type Consecutive struct {
	mu             sync.Mutex
	state          State
	maxFails       int
	cooldown       time.Duration
	consecutive    int
	lastTransition time.Time
}

// NewConsecutive builds a Consecutive breaker with the given trip threshold
// and cooldown.
func NewConsecutive(maxFails int, cooldown time.Duration) *Consecutive {
	if maxFails < 1 {
		maxFails = 1
	}
	return &Consecutive{maxFails: maxFails, cooldown: cooldown, state: Closed, lastTransition: time.Now()}
}

// State returns the current breaker state.
func (c *Consecutive) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Allow reports whether a call may proceed, transitioning Open -> HalfOpen
// once cooldown has elapsed.
func (c *Consecutive) Allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Open {
		if time.Since(c.lastTransition) >= c.cooldown {
			c.state = HalfOpen
			c.lastTransition = time.Now()
			return true
		}
		return false
	}
	return true
}

// Record reports the outcome of a call Allow permitted.
func (c *Consecutive) Record(ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ok {
		c.consecutive = 0
		c.state = Closed
		return
	}
	c.consecutive++
	if c.consecutive >= c.maxFails {
		c.state = Open
		c.lastTransition = time.Now()
	}
}
