// Package config describes the runtime surface read at init time. Config
// and ModuleSafetyConfig carry gopkg.in/yaml.v3 struct tags and Load parses
// a YAML document directly into them; an embedding application that wants
// its own reload/watch behavior is free to unmarshal into the same struct
// itself instead of calling Load.
package config

import (
	"fmt"
	"time"
)

// Criticality is the tier a module's failure-response policy is keyed on.
type Criticality int

const (
	CriticalityUnknown Criticality = iota
	CriticalityOptional
	CriticalityImportant
	CriticalityEssential
	CriticalitySafetyCritical
)

func (c Criticality) String() string {
	switch c {
	case CriticalityOptional:
		return "Optional"
	case CriticalityImportant:
		return "Important"
	case CriticalityEssential:
		return "Essential"
	case CriticalitySafetyCritical:
		return "SafetyCritical"
	default:
		return "Unknown"
	}
}

// ParseCriticality is the inverse of String, used when loading a
// criticality name out of a YAML document.
func ParseCriticality(s string) (Criticality, error) {
	switch s {
	case "Optional":
		return CriticalityOptional, nil
	case "Important":
		return CriticalityImportant, nil
	case "Essential":
		return CriticalityEssential, nil
	case "SafetyCritical":
		return CriticalitySafetyCritical, nil
	default:
		return CriticalityUnknown, fmt.Errorf("config: unknown criticality %q", s)
	}
}

// FailureAction is the graduated response a module's failure policy
// triggers once its failure threshold and timeout are both crossed.
type FailureAction int

const (
	ActionLogOnly FailureAction = iota
	ActionWarning
	ActionDegraded
	ActionDelayedEStop
	ActionImmediateEStop
)

func (a FailureAction) String() string {
	switch a {
	case ActionWarning:
		return "Warning"
	case ActionDegraded:
		return "Degraded"
	case ActionDelayedEStop:
		return "DelayedEStop"
	case ActionImmediateEStop:
		return "ImmediateEStop"
	default:
		return "LogOnly"
	}
}

// ParseFailureAction is the inverse of String.
func ParseFailureAction(s string) (FailureAction, error) {
	switch s {
	case "", "LogOnly":
		return ActionLogOnly, nil
	case "Warning":
		return ActionWarning, nil
	case "Degraded":
		return ActionDegraded, nil
	case "DelayedEStop":
		return ActionDelayedEStop, nil
	case "ImmediateEStop":
		return ActionImmediateEStop, nil
	default:
		return ActionLogOnly, fmt.Errorf("config: unknown failure action %q", s)
	}
}

// ResponseLevel bounds how far a module's failure action is permitted to
// escalate the system-wide response level.
type ResponseLevel int

const (
	ResponseNormal ResponseLevel = iota
	ResponseMonitoring
	ResponseWarning
	ResponseCritical
	ResponseEmergency
)

func (l ResponseLevel) String() string {
	switch l {
	case ResponseMonitoring:
		return "Monitoring"
	case ResponseWarning:
		return "Warning"
	case ResponseCritical:
		return "Critical"
	case ResponseEmergency:
		return "Emergency"
	default:
		return "Normal"
	}
}

// ParseResponseLevel is the inverse of String.
func ParseResponseLevel(s string) (ResponseLevel, error) {
	switch s {
	case "", "Normal":
		return ResponseNormal, nil
	case "Monitoring":
		return ResponseMonitoring, nil
	case "Warning":
		return ResponseWarning, nil
	case "Critical":
		return ResponseCritical, nil
	case "Emergency":
		return ResponseEmergency, nil
	default:
		return ResponseNormal, fmt.Errorf("config: unknown response level %q", s)
	}
}

// ModuleSafetyConfig is the static, per-address failure-response policy.
type ModuleSafetyConfig struct {
	Address                     uint8         `yaml:"address"`
	Criticality                 Criticality   `yaml:"-"`
	CriticalityName             string        `yaml:"criticality"`
	OfflineTimeoutMs            int           `yaml:"offline_timeout_ms"`
	FailureTimeoutMs            int           `yaml:"failure_timeout_ms"`
	RecoveryTimeoutMs           int           `yaml:"recovery_timeout_ms"`
	FailureAction               FailureAction `yaml:"-"`
	FailureActionName           string        `yaml:"failure_action"`
	DelayedEStopMs              int           `yaml:"delayed_estop_ms"`
	MaxResponseLevel            ResponseLevel `yaml:"-"`
	MaxResponseLevelName        string        `yaml:"max_response_level"`
	HealthCheckIntervalMs       int           `yaml:"health_check_interval_ms"`
	ConsecutiveFailureThreshold uint32        `yaml:"consecutive_failure_threshold"`
	MaxResponseTimeMs           int           `yaml:"max_response_time_ms"`
	MinSuccessRate              float64       `yaml:"min_success_rate"`
}

// OfflineTimeout returns OfflineTimeoutMs as a time.Duration.
func (m ModuleSafetyConfig) OfflineTimeout() time.Duration {
	return time.Duration(m.OfflineTimeoutMs) * time.Millisecond
}

// FailureTimeout returns FailureTimeoutMs as a time.Duration.
func (m ModuleSafetyConfig) FailureTimeout() time.Duration {
	return time.Duration(m.FailureTimeoutMs) * time.Millisecond
}

// DelayedEStop returns DelayedEStopMs as a time.Duration.
func (m ModuleSafetyConfig) DelayedEStop() time.Duration {
	return time.Duration(m.DelayedEStopMs) * time.Millisecond
}

// HealthCheckInterval returns HealthCheckIntervalMs as a time.Duration.
func (m ModuleSafetyConfig) HealthCheckInterval() time.Duration {
	return time.Duration(m.HealthCheckIntervalMs) * time.Millisecond
}

// DefaultCriticalityMatrix is the authoritative policy for the four shipped
// module types, keyed by address.
func DefaultCriticalityMatrix() map[uint8]ModuleSafetyConfig {
	return map[uint8]ModuleSafetyConfig{
		0x02: {
			Address: 0x02, Criticality: CriticalityEssential, CriticalityName: "Essential",
			OfflineTimeoutMs: 1000, FailureAction: ActionDelayedEStop, FailureActionName: "DelayedEStop",
			DelayedEStopMs: 5000, MaxResponseLevel: ResponseCritical, MaxResponseLevelName: "Critical",
			HealthCheckIntervalMs: 10000, ConsecutiveFailureThreshold: 3,
			MaxResponseTimeMs: 100, MinSuccessRate: 0.9,
		},
		0x03: {
			Address: 0x03, Criticality: CriticalitySafetyCritical, CriticalityName: "SafetyCritical",
			OfflineTimeoutMs: 100, FailureAction: ActionImmediateEStop, FailureActionName: "ImmediateEStop",
			MaxResponseLevel: ResponseEmergency, MaxResponseLevelName: "Emergency",
			HealthCheckIntervalMs: 500, ConsecutiveFailureThreshold: 2,
			MaxResponseTimeMs: 2, MinSuccessRate: 0.99,
		},
		0x04: {
			Address: 0x04, Criticality: CriticalityImportant, CriticalityName: "Important",
			OfflineTimeoutMs: 500, FailureAction: ActionWarning, FailureActionName: "Warning",
			MaxResponseLevel: ResponseWarning, MaxResponseLevelName: "Warning",
			HealthCheckIntervalMs: 1000, ConsecutiveFailureThreshold: 3,
			MaxResponseTimeMs: 5, MinSuccessRate: 0.95,
		},
		0x06: {
			Address: 0x06, Criticality: CriticalityOptional, CriticalityName: "Optional",
			OfflineTimeoutMs: 5000, FailureAction: ActionLogOnly, FailureActionName: "LogOnly",
			MaxResponseLevel: ResponseMonitoring, MaxResponseLevelName: "Monitoring",
			HealthCheckIntervalMs: 10000, ConsecutiveFailureThreshold: 5,
			MaxResponseTimeMs: 50, MinSuccessRate: 0.8,
		},
	}
}

// Config is the complete runtime surface the firmware core reads at init
// time. All fields are optional from the loader's perspective; zero values
// are replaced by WithDefaults.
type Config struct {
	ScanStart uint8 `yaml:"scan_start"`
	ScanEnd   uint8 `yaml:"scan_end"`

	HealthIntervalMs     int `yaml:"health_interval_ms"`
	HealthJitterPercent  int `yaml:"health_jitter_percent"`
	OfflineThresholdMs   int `yaml:"offline_threshold_ms"`

	RetryCount        int `yaml:"retry_count"`
	ResponseTimeoutMs int `yaml:"response_timeout_ms"`

	CBFailThreshold   uint32 `yaml:"cb_fail_threshold"`
	CBBaseCooldownMs  int    `yaml:"cb_base_cooldown_ms"`
	CBMaxCooldownMs   int    `yaml:"cb_max_cooldown_ms"`

	ModuleOverrides map[uint8]ModuleSafetyConfig `yaml:"module_overrides"`
}

// HealthInterval returns HealthIntervalMs as a time.Duration.
func (c Config) HealthInterval() time.Duration {
	return time.Duration(c.HealthIntervalMs) * time.Millisecond
}

// OfflineThreshold returns OfflineThresholdMs as a time.Duration.
func (c Config) OfflineThreshold() time.Duration {
	return time.Duration(c.OfflineThresholdMs) * time.Millisecond
}

// ResponseTimeout returns ResponseTimeoutMs as a time.Duration.
func (c Config) ResponseTimeout() time.Duration {
	return time.Duration(c.ResponseTimeoutMs) * time.Millisecond
}

// CBBaseCooldown returns CBBaseCooldownMs as a time.Duration.
func (c Config) CBBaseCooldown() time.Duration {
	return time.Duration(c.CBBaseCooldownMs) * time.Millisecond
}

// CBMaxCooldown returns CBMaxCooldownMs as a time.Duration.
func (c Config) CBMaxCooldown() time.Duration {
	return time.Duration(c.CBMaxCooldownMs) * time.Millisecond
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		ScanStart:           0x02,
		ScanEnd:             0x08,
		HealthIntervalMs:    10000,
		HealthJitterPercent: 10,
		OfflineThresholdMs:  30000,
		RetryCount:          2,
		ResponseTimeoutMs:   500,
		CBFailThreshold:     3,
		CBBaseCooldownMs:    1000,
		CBMaxCooldownMs:     30000,
		ModuleOverrides:     DefaultCriticalityMatrix(),
	}
}

// WithDefaults returns a copy of c with every zero-value field replaced by
// its documented default. ModuleOverrides is left untouched if already
// populated, and seeded with the default criticality matrix otherwise.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.ScanStart == 0 && c.ScanEnd == 0 {
		c.ScanStart, c.ScanEnd = d.ScanStart, d.ScanEnd
	}
	if c.HealthIntervalMs == 0 {
		c.HealthIntervalMs = d.HealthIntervalMs
	}
	if c.HealthJitterPercent == 0 {
		c.HealthJitterPercent = d.HealthJitterPercent
	}
	if c.OfflineThresholdMs == 0 {
		c.OfflineThresholdMs = d.OfflineThresholdMs
	}
	if c.RetryCount == 0 {
		c.RetryCount = d.RetryCount
	}
	if c.ResponseTimeoutMs == 0 {
		c.ResponseTimeoutMs = d.ResponseTimeoutMs
	}
	if c.CBFailThreshold == 0 {
		c.CBFailThreshold = d.CBFailThreshold
	}
	if c.CBBaseCooldownMs == 0 {
		c.CBBaseCooldownMs = d.CBBaseCooldownMs
	}
	if c.CBMaxCooldownMs == 0 {
		c.CBMaxCooldownMs = d.CBMaxCooldownMs
	}
	if c.ModuleOverrides == nil {
		c.ModuleOverrides = d.ModuleOverrides
	}
	return c
}

// Validate reports the first configuration error found, or nil.
func (c Config) Validate() error {
	if c.HealthJitterPercent < 0 || c.HealthJitterPercent > 50 {
		return fmt.Errorf("config: health_jitter_percent %d out of range [0,50]", c.HealthJitterPercent)
	}
	if c.ScanStart > c.ScanEnd && !(c.ScanStart == 0 && c.ScanEnd == 0) {
		return fmt.Errorf("config: scan_start 0x%02X > scan_end 0x%02X", c.ScanStart, c.ScanEnd)
	}
	if c.CBBaseCooldownMs < 0 || c.CBMaxCooldownMs < 0 {
		return fmt.Errorf("config: circuit-breaker cooldowns must be non-negative")
	}
	if c.CBBaseCooldownMs > 0 && c.CBMaxCooldownMs > 0 && c.CBBaseCooldownMs > c.CBMaxCooldownMs {
		return fmt.Errorf("config: cb_base_cooldown_ms %d exceeds cb_max_cooldown_ms %d", c.CBBaseCooldownMs, c.CBMaxCooldownMs)
	}
	for addr, m := range c.ModuleOverrides {
		if m.MinSuccessRate < 0 || m.MinSuccessRate > 1 {
			return fmt.Errorf("config: module 0x%02X min_success_rate %f out of range [0,1]", addr, m.MinSuccessRate)
		}
	}
	return nil
}
