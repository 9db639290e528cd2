package safety

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/oht50/firmware-core/config"
	"github.com/oht50/firmware-core/effects"
	"github.com/oht50/firmware-core/registry"
	"github.com/oht50/firmware-core/rtu"
)

// Safety register block read on every assessment of a Safety-criticality
// module: status, E-Stop flag, and error-code bitmap all fall within one
// 8-register read starting at 0x0000; distances and digital inputs are
// separate, smaller reads.
const (
	safetyBlockStart    rtu.Register = 0x0000
	safetyBlockQuantity rtu.Quantity = 8
	distanceStart       rtu.Register = 0x0010
	distanceQuantity    rtu.Quantity = 2
	digitalInputsReg    rtu.Register = 0x0020

	statusOffset    = 0
	estopOffset     = 1
	errorCodeOffset = 5

	maxDistanceMm  = 10000
	hysteresisWait = 5 * time.Second
)

// Reader is the read-only subset of rtu.Transport the safety monitor uses.
type Reader interface {
	ReadHoldingRegisters(ctx context.Context, addr rtu.Address, start rtu.Register, qty rtu.Quantity) ([]uint16, error)
}

// Monitor runs the per-module assessment loop and the system-wide response
// level it derives from it.
type Monitor struct {
	transport Reader
	reg       *registry.Registry
	fx        *effects.Effects
	log       *zap.Logger

	mu          sync.Mutex
	assessments map[uint8]*Assessment
	systemLevel config.ResponseLevel
	levelSince  time.Time
}

// New builds a Monitor. fx may be nil to disable LED/E-Stop effects (tests
// that only want to observe Assessment/response-level bookkeeping).
func New(transport Reader, reg *registry.Registry, fx *effects.Effects, log *zap.Logger) *Monitor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Monitor{
		transport:   transport,
		reg:         reg,
		fx:          fx,
		log:         log,
		assessments: map[uint8]*Assessment{},
	}
}

func (m *Monitor) assessmentFor(addr uint8) *Assessment {
	a, ok := m.assessments[addr]
	if !ok {
		a = &Assessment{Address: addr, LevelSince: time.Now()}
		m.assessments[addr] = a
	}
	return a
}

// Assess runs one assessment cycle for addr against cfg, using now as the
// monotonic reference. It mutates the module's Assessment and the
// registry's health fields, executes the configured failure action if its
// thresholds are crossed, and returns the module's resulting response
// level.
func (m *Monitor) Assess(ctx context.Context, addr uint8, cfg config.ModuleSafetyConfig, now time.Time) config.ResponseLevel {
	m.mu.Lock()
	a := m.assessmentFor(addr)
	m.mu.Unlock()

	started := time.Now()
	status, estop, errCode, distances, digitalInputs, err := m.readSafetyRegisters(ctx, addr)
	rtt := time.Since(started)

	if err != nil {
		m.onCommunicationFailure(a, cfg, now)
		m.execute(ctx, a, cfg, now)
		return m.recomputeSystemLevel(now)
	}

	if !validSafetyReading(status, distances, rtt) {
		m.onCommunicationFailure(a, cfg, now)
		m.execute(ctx, a, cfg, now)
		return m.recomputeSystemLevel(now)
	}

	m.mu.Lock()
	wasOffline := a.Health == HealthOffline
	a.Health, a.ResponseLevel = healthFor(status)

	if rtt > time.Duration(cfg.MaxResponseTimeMs)*time.Millisecond && cfg.MaxResponseTimeMs > 0 {
		a.Health, a.ResponseLevel = demote(a.Health, a.ResponseLevel, HealthDegraded, config.ResponseMonitoring)
	}

	rec, _ := m.reg.Get(addr)
	if cfg.MinSuccessRate > 0 && rec.SuccessRate > 0 && rec.SuccessRate < cfg.MinSuccessRate {
		a.Health, a.ResponseLevel = demote(a.Health, a.ResponseLevel, HealthDegraded, config.ResponseMonitoring)
	}

	a.ConsecutiveFailures = 0
	if wasOffline {
		a.OfflineSince = time.Time{}
		a.TotalRecoveries++
		a.SafetyActionFired = false
	}
	a.EStop = estop
	a.ErrorCode = errCode
	a.DigitalInputs = digitalInputs
	m.mu.Unlock()

	m.reg.RecordSuccess(addr, now, rtt)
	return m.recomputeSystemLevel(now)
}

func (m *Monitor) readSafetyRegisters(ctx context.Context, addr uint8) (status uint16, estop bool, errCode uint16, distances []uint16, digitalInputs uint16, err error) {
	block, err := m.transport.ReadHoldingRegisters(ctx, rtu.Address(addr), safetyBlockStart, safetyBlockQuantity)
	if err != nil {
		return 0, false, 0, nil, 0, err
	}
	distances, err = m.transport.ReadHoldingRegisters(ctx, rtu.Address(addr), distanceStart, distanceQuantity)
	if err != nil {
		return 0, false, 0, nil, 0, err
	}
	di, err := m.transport.ReadHoldingRegisters(ctx, rtu.Address(addr), digitalInputsReg, 1)
	if err != nil {
		return 0, false, 0, nil, 0, err
	}
	return block[statusOffset], block[estopOffset] != 0, block[errorCodeOffset], distances, di[0], nil
}

func validSafetyReading(status uint16, distances []uint16, rtt time.Duration) bool {
	if status > 4 {
		return false
	}
	for _, d := range distances {
		if d > maxDistanceMm {
			return false
		}
	}
	return rtt < time.Second
}

// healthFor maps the raw safety_status register value onto a
// (HealthStatus, ResponseLevel) pair.
func healthFor(status uint16) (HealthStatus, config.ResponseLevel) {
	switch {
	case status >= 3:
		return HealthFailed, config.ResponseEmergency
	case status == 2:
		return HealthFailing, config.ResponseCritical
	case status == 1:
		return HealthDegraded, config.ResponseWarning
	default:
		return HealthHealthy, config.ResponseNormal
	}
}

// demote returns the worse of (health, level) and (minHealth, minLevel),
// never improving either.
func demote(health HealthStatus, level config.ResponseLevel, minHealth HealthStatus, minLevel config.ResponseLevel) (HealthStatus, config.ResponseLevel) {
	if health < minHealth {
		health = minHealth
	}
	if level < minLevel {
		level = minLevel
	}
	return health, level
}

// onCommunicationFailure applies the offline-transition rules on a failed
// exchange: increments the failure counter and, once now−last_seen crosses
// OfflineTimeout, marks the module Offline.
func (m *Monitor) onCommunicationFailure(a *Assessment, cfg config.ModuleSafetyConfig, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a.ConsecutiveFailures++
	rec, ok := m.reg.Get(a.Address)
	lastSeen := now
	if ok && !rec.LastSeen.IsZero() {
		lastSeen = rec.LastSeen
	}

	if a.Health != HealthOffline && now.Sub(lastSeen) >= cfg.OfflineTimeout() {
		a.OfflineSince = now
		a.Health = HealthOffline
		a.ResponseLevel = config.ResponseWarning
		m.reg.RecordFailure(a.Address, true)
	} else {
		m.reg.RecordFailure(a.Address, false)
	}
}

// execute runs cfg.FailureAction exactly once per failure episode, tracked
// by Assessment.SafetyActionFired, once both the consecutive-failure
// threshold and the failure timeout are crossed. ImmediateEStop is applied
// synchronously so the 100 ms assertion deadline is met from the call site
// that detected the failure, not from a later tick.
func (m *Monitor) execute(ctx context.Context, a *Assessment, cfg config.ModuleSafetyConfig, now time.Time) {
	m.mu.Lock()
	rec, _ := m.reg.Get(a.Address)
	due := a.ConsecutiveFailures >= cfg.ConsecutiveFailureThreshold &&
		now.Sub(rec.LastSeen) >= cfg.FailureTimeout() &&
		!a.SafetyActionFired
	if due {
		a.SafetyActionFired = true
	}
	action := cfg.FailureAction
	delayed := cfg.DelayedEStop()
	m.mu.Unlock()

	if !due {
		return
	}

	switch action {
	case config.ActionLogOnly:
		m.log.Info("safety action: log only", zap.Uint8("address", a.Address))
	case config.ActionWarning, config.ActionDegraded:
		m.log.Warn("safety action: warning", zap.Uint8("address", a.Address))
	case config.ActionDelayedEStop:
		m.mu.Lock()
		a.EStopDeadline = now.Add(delayed)
		m.mu.Unlock()
		m.log.Warn("safety action: delayed e-stop armed",
			zap.Uint8("address", a.Address), zap.Duration("delay", delayed))
	case config.ActionImmediateEStop:
		m.log.Error("safety action: immediate e-stop", zap.Uint8("address", a.Address))
		if m.fx != nil {
			if err := m.fx.AssertEStop(); err != nil {
				m.log.Error("assert e-stop failed", zap.Error(err))
			}
		}
	}
}

// recomputeSystemLevel folds every module's ResponseLevel plus the
// system-wide override rules (any offline module forces Emergency, any
// failed module forces at least Critical, any degraded module forces at
// least Warning) into one system-wide response level, applies the 5s
// de-escalation hysteresis, and pushes the resulting LED matrix through
// effects.
func (m *Monitor) recomputeSystemLevel(now time.Time) config.ResponseLevel {
	m.mu.Lock()
	level := config.ResponseNormal
	var offlineEmergencyCount, failedCount, degradedCount int
	for _, a := range m.assessments {
		if a.ResponseLevel > level {
			level = a.ResponseLevel
		}
		switch a.Health {
		case HealthOffline:
			offlineEmergencyCount++
		case HealthFailed:
			failedCount++
		case HealthDegraded, HealthFailing:
			degradedCount++
		}
	}
	if offlineEmergencyCount > 0 && level < config.ResponseEmergency {
		level = config.ResponseEmergency
	}
	if failedCount > 0 && level < config.ResponseCritical {
		level = config.ResponseCritical
	}
	if degradedCount > 0 && level < config.ResponseWarning {
		level = config.ResponseWarning
	}

	if level != m.systemLevel {
		if level > m.systemLevel {
			m.systemLevel, m.levelSince = level, now
		} else if now.Sub(m.levelSince) >= hysteresisWait {
			m.systemLevel, m.levelSince = level, now
		}
		// else: de-escalation held back by hysteresis until the wait elapses
	}
	applied := m.systemLevel
	m.mu.Unlock()

	if m.fx != nil {
		m.fx.SetLevel(applied)
	}
	return applied
}

// SystemLevel returns the current system-wide response level.
func (m *Monitor) SystemLevel() config.ResponseLevel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.systemLevel
}

// ResetModuleCounters zeroes a module's consecutive-failure count and
// safety-action-fired latch without touching its assessed health — an
// operator action distinct from Snapshot, which only reads state.
func (m *Monitor) ResetModuleCounters(addr uint8) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assessments[addr]
	if !ok {
		return
	}
	a.ConsecutiveFailures = 0
	a.SafetyActionFired = false
}

// Snapshot returns a copy of every module's current Assessment.
func (m *Monitor) Snapshot() map[uint8]Assessment {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[uint8]Assessment, len(m.assessments))
	for addr, a := range m.assessments {
		out[addr] = *a
	}
	return out
}
