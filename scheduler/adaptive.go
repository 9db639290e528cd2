package scheduler

import (
	"time"

	"github.com/oht50/firmware-core/registry"
)

// OfflineProbeInterval is the dedicated, longer interval AdaptiveInterval
// returns for an offline module instead of its recipe's base interval.
// Scheduler.Tick polls Online modules only, so it never polls at this
// interval itself.
const OfflineProbeInterval = 15 * time.Second

// healthMultiplier maps a registry health bucket onto the four-bucket
// scaling the scheduler applies: Excellent/Good behave as "Healthy" (no
// slowdown), Fair as "Degraded", Poor/Critical as "Failing", Failed as
// "Failed". Offline modules use OfflineProbeInterval instead of a
// multiplier entirely.
func healthMultiplier(level registry.HealthLevel) float64 {
	switch level {
	case registry.HealthExcellent, registry.HealthGood:
		return 1.0
	case registry.HealthFair:
		return 0.67
	case registry.HealthPoor, registry.HealthCritical:
		return 0.5
	default: // HealthFailed
		return 0.25
	}
}

// minIntervalFloor and maxIntervalCeiling bound every adaptive interval
// regardless of how the multipliers compose, guarding against a
// pathologically small or large computed value.
const (
	minIntervalFloor   = 20 * time.Millisecond
	maxIntervalCeiling = 60 * time.Second
)

// AdaptiveInterval computes the actual polling interval for one group on
// one module, combining the recipe's base interval, the module's current
// health bucket, its response-time EWMA against the per-type threshold,
// and its success rate.
func AdaptiveInterval(mtype registry.ModuleType, group Group, rec registry.Record) time.Duration {
	if rec.Status == registry.StatusOffline {
		return OfflineProbeInterval
	}

	interval := float64(group.BaseInterval) * healthMultiplier(rec.HealthLevel())

	if threshold, ok := responseTimeThreshold[mtype]; ok && rec.ResponseTimeEWMA > threshold {
		interval *= 1.5
	}
	if rec.SuccessRate > 0 && rec.SuccessRate < 0.95 {
		interval *= 1.25
	}

	d := time.Duration(interval)
	if d < minIntervalFloor {
		d = minIntervalFloor
	}
	if d > maxIntervalCeiling {
		d = maxIntervalCeiling
	}
	return d
}
