// Copyright 2025 James Ross
// Package scaling implements the autoscaling control loop: sampling queue
// depth and current worker counts, deciding whether to grow or shrink the
// fleet, and driving an OrchestrationBackend to make it so (spec.md §4.4).
package scaling

import (
	"time"

	"github.com/relaydeck/meshcore/internal/config"
)

// Decision is the outcome of one decide() call for one worker type.
type Decision string

const (
	NoChange       Decision = "no_change"
	ScaleUp        Decision = "scale_up"
	ScaleDown      Decision = "scale_down"
	ManualOverride Decision = "manual_override"
)

// decide implements spec.md §4.4's decision function exactly: min_workers is
// enforced even during cooldown, scale-up is never cooldown-gated (users are
// waiting), scale-down is cooldown-gated (avoid thrash), and a tick that
// changes nothing returns (NoChange, current).
func decide(cfg config.WorkerTypeConfig, queueDepth int64, current int, lastScale, now time.Time) (Decision, int) {
	if !cfg.Enabled {
		return NoChange, current
	}
	s := cfg.Scaling

	if current < s.MinWorkers {
		return ScaleUp, s.MinWorkers
	}
	if int(queueDepth) >= s.ScaleUpThreshold && current < s.MaxWorkers {
		target := current + 1
		if target > s.MaxWorkers {
			target = s.MaxWorkers
		}
		return ScaleUp, target
	}
	if now.Sub(lastScale) < s.Cooldown {
		return NoChange, current
	}
	if int(queueDepth) <= s.ScaleDownThreshold && current > s.MinWorkers {
		target := current - 1
		if target < s.MinWorkers {
			target = s.MinWorkers
		}
		return ScaleDown, target
	}
	return NoChange, current
}
