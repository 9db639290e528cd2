// Package safety maintains the authoritative per-module health assessment,
// computes the system-wide response level, executes graduated safety
// actions, and drives the LED/E-Stop effects that follow from them.
package safety

import (
	"time"

	"github.com/oht50/firmware-core/config"
)

// HealthStatus is a module's assessed condition, distinct from the
// registry's coarser HealthLevel bucket: this is the safety monitor's own
// classification, driven by the module's safety-status register rather
// than the health-percentage formula.
type HealthStatus int

const (
	HealthUnknown HealthStatus = iota
	HealthHealthy
	HealthDegraded
	HealthFailing
	HealthFailed
	HealthOffline
)

func (h HealthStatus) String() string {
	switch h {
	case HealthHealthy:
		return "Healthy"
	case HealthDegraded:
		return "Degraded"
	case HealthFailing:
		return "Failing"
	case HealthFailed:
		return "Failed"
	case HealthOffline:
		return "Offline"
	default:
		return "Unknown"
	}
}

// Assessment is one module's current safety state, owned exclusively by
// the Monitor.
type Assessment struct {
	Address             uint8
	Health              HealthStatus
	ResponseLevel       config.ResponseLevel
	OfflineSince        time.Time
	ConsecutiveFailures uint32
	TotalRecoveries     uint64
	SafetyActionFired   bool
	EStopDeadline       time.Time // zero unless a DelayedEStop countdown is armed
	LevelSince          time.Time // when the assessment was created; not updated afterwards

	// EStop, ErrorCode, and DigitalInputs are the last successfully read
	// safety-register fields, kept for status-query consumers (LED/effects,
	// telemetry, API snapshot) — distinct from Health/ResponseLevel, which
	// are derived from safety_status alone.
	EStop         bool
	ErrorCode     uint16
	DigitalInputs uint16
}
