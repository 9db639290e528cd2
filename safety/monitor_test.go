package safety

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/oht50/firmware-core/config"
	"github.com/oht50/firmware-core/effects"
	"github.com/oht50/firmware-core/registry"
	"github.com/oht50/firmware-core/rtu"
)

// fakeSafetyReader answers the three reads Assess issues per cycle: the
// safety block, the distance pair, and the digital-inputs register.
type fakeSafetyReader struct {
	fail     bool
	status   uint16
	estop    bool
	errCode  uint16
	distance uint16
	digital  uint16
}

func (f *fakeSafetyReader) ReadHoldingRegisters(ctx context.Context, addr rtu.Address, start rtu.Register, qty rtu.Quantity) ([]uint16, error) {
	if f.fail {
		return nil, errors.New("comm failure")
	}
	switch start {
	case safetyBlockStart:
		block := make([]uint16, safetyBlockQuantity)
		block[statusOffset] = f.status
		if f.estop {
			block[estopOffset] = 1
		}
		block[errorCodeOffset] = f.errCode
		return block, nil
	case distanceStart:
		return []uint16{f.distance, f.distance}, nil
	case digitalInputsReg:
		return []uint16{f.digital}, nil
	default:
		return nil, errors.New("unexpected register start")
	}
}

func defaultSafetyConfig() config.ModuleSafetyConfig {
	m := config.DefaultCriticalityMatrix()[0x03]
	return m
}

func TestAssessHealthyModule(t *testing.T) {
	reg := registry.New(nil)
	now := time.Now()
	if err := reg.Register(registry.DiscoveryInfo{Address: 0x03, Type: registry.TypeSafety}, now); err != nil {
		t.Fatalf("Register: %v", err)
	}
	r := &fakeSafetyReader{status: 0, distance: 500}
	mon := New(r, reg, nil, nil)

	level := mon.Assess(context.Background(), 0x03, defaultSafetyConfig(), now)
	if level != config.ResponseNormal {
		t.Fatalf("Assess() level = %v, want Normal", level)
	}
	snap := mon.Snapshot()[0x03]
	if snap.Health != HealthHealthy {
		t.Fatalf("Health = %v, want Healthy", snap.Health)
	}
}

func TestAssessExposesEStopErrorCodeAndDigitalInputs(t *testing.T) {
	reg := registry.New(nil)
	now := time.Now()
	if err := reg.Register(registry.DiscoveryInfo{Address: 0x03, Type: registry.TypeSafety}, now); err != nil {
		t.Fatalf("Register: %v", err)
	}
	r := &fakeSafetyReader{status: 1, estop: true, errCode: 0x0042, distance: 300, digital: 0x00FF}
	mon := New(r, reg, nil, nil)

	mon.Assess(context.Background(), 0x03, defaultSafetyConfig(), now)
	snap := mon.Snapshot()[0x03]
	if !snap.EStop {
		t.Error("EStop flag not propagated onto the Assessment")
	}
	if snap.ErrorCode != 0x0042 {
		t.Errorf("ErrorCode = 0x%04X, want 0x0042", snap.ErrorCode)
	}
	if snap.DigitalInputs != 0x00FF {
		t.Errorf("DigitalInputs = 0x%04X, want 0x00FF", snap.DigitalInputs)
	}
}

func TestAssessStatusLevelsMapCorrectly(t *testing.T) {
	cases := []struct {
		status     uint16
		wantHealth HealthStatus
		wantLevel  config.ResponseLevel
	}{
		{0, HealthHealthy, config.ResponseNormal},
		{1, HealthDegraded, config.ResponseWarning},
		{2, HealthFailing, config.ResponseCritical},
		{3, HealthFailed, config.ResponseEmergency},
		{4, HealthFailed, config.ResponseEmergency},
	}
	for _, tc := range cases {
		reg := registry.New(nil)
		now := time.Now()
		if err := reg.Register(registry.DiscoveryInfo{Address: 0x03, Type: registry.TypeSafety}, now); err != nil {
			t.Fatalf("Register: %v", err)
		}
		r := &fakeSafetyReader{status: tc.status, distance: 100}
		mon := New(r, reg, nil, nil)

		mon.Assess(context.Background(), 0x03, defaultSafetyConfig(), now)
		snap := mon.Snapshot()[0x03]
		if snap.Health != tc.wantHealth {
			t.Errorf("status=%d: Health = %v, want %v", tc.status, snap.Health, tc.wantHealth)
		}
		if snap.ResponseLevel != tc.wantLevel {
			t.Errorf("status=%d: ResponseLevel = %v, want %v", tc.status, snap.ResponseLevel, tc.wantLevel)
		}
	}
}

func TestAssessConsecutiveSuccessesDoNotSpuriouslyDemote(t *testing.T) {
	reg := registry.New(nil)
	now := time.Now()
	if err := reg.Register(registry.DiscoveryInfo{Address: 0x02, Type: registry.TypePower}, now); err != nil {
		t.Fatalf("Register: %v", err)
	}
	r := &fakeSafetyReader{status: 0, distance: 100}
	cfg := config.DefaultCriticalityMatrix()[0x02] // MinSuccessRate 0.9
	mon := New(r, reg, nil, nil)

	mon.Assess(context.Background(), 0x02, cfg, now)
	level := mon.Assess(context.Background(), 0x02, cfg, now.Add(time.Second))
	if level != config.ResponseNormal {
		t.Fatalf("level after two consecutive successes = %v, want Normal — a cold-start success rate should not read as below min_success_rate", level)
	}
	snap := mon.Snapshot()[0x02]
	if snap.Health != HealthHealthy {
		t.Fatalf("Health after two consecutive successes = %v, want Healthy", snap.Health)
	}
}

func TestAssessInvalidReadingOutOfRangeStatusIsRejected(t *testing.T) {
	reg := registry.New(nil)
	now := time.Now()
	if err := reg.Register(registry.DiscoveryInfo{Address: 0x03, Type: registry.TypeSafety}, now); err != nil {
		t.Fatalf("Register: %v", err)
	}
	r := &fakeSafetyReader{status: 10, distance: 100}
	cfg := defaultSafetyConfig()
	cfg.OfflineTimeoutMs = 60000 // comfortably beyond this test's elapsed time
	mon := New(r, reg, nil, nil)

	mon.Assess(context.Background(), 0x03, cfg, now)
	snap := mon.Snapshot()[0x03]
	if snap.Health == HealthHealthy {
		t.Fatalf("an out-of-range status register should never classify as Healthy, got %v", snap.Health)
	}
	if snap.ConsecutiveFailures == 0 {
		t.Fatal("an invalid reading should count as a communication failure")
	}
}

func TestAssessCommunicationFailureGoesOfflineImmediatelyWhenTimeoutIsZero(t *testing.T) {
	reg := registry.New(nil)
	now := time.Now()
	if err := reg.Register(registry.DiscoveryInfo{Address: 0x03, Type: registry.TypeSafety}, now); err != nil {
		t.Fatalf("Register: %v", err)
	}
	r := &fakeSafetyReader{fail: true}
	cfg := defaultSafetyConfig()
	cfg.OfflineTimeoutMs = 0
	mon := New(r, reg, nil, nil)

	level := mon.Assess(context.Background(), 0x03, cfg, now)
	snap := mon.Snapshot()[0x03]
	if snap.Health != HealthOffline {
		t.Fatalf("Health = %v, want Offline after an immediate-timeout comm failure", snap.Health)
	}
	if level != config.ResponseEmergency {
		t.Fatalf("system level = %v, want Emergency (offline override)", level)
	}
}

func TestAssessRecoveryClearsOfflineState(t *testing.T) {
	reg := registry.New(nil)
	now := time.Now()
	if err := reg.Register(registry.DiscoveryInfo{Address: 0x03, Type: registry.TypeSafety}, now); err != nil {
		t.Fatalf("Register: %v", err)
	}
	r := &fakeSafetyReader{fail: true}
	cfg := defaultSafetyConfig()
	cfg.OfflineTimeoutMs = 0
	mon := New(r, reg, nil, nil)

	mon.Assess(context.Background(), 0x03, cfg, now)
	if mon.Snapshot()[0x03].Health != HealthOffline {
		t.Fatal("expected Offline after the forced failure")
	}

	r.fail = false
	r.status = 0
	r.distance = 100
	mon.Assess(context.Background(), 0x03, cfg, now.Add(time.Second))

	snap := mon.Snapshot()[0x03]
	if snap.Health != HealthHealthy {
		t.Fatalf("Health = %v after recovery, want Healthy", snap.Health)
	}
	if !snap.OfflineSince.IsZero() {
		t.Fatal("OfflineSince not cleared on recovery")
	}
	if snap.TotalRecoveries != 1 {
		t.Fatalf("TotalRecoveries = %d, want 1", snap.TotalRecoveries)
	}
}

func TestDeescalationHysteresisHoldsBackImmediateDrop(t *testing.T) {
	reg := registry.New(nil)
	now := time.Now()
	if err := reg.Register(registry.DiscoveryInfo{Address: 0x03, Type: registry.TypeSafety}, now); err != nil {
		t.Fatalf("Register: %v", err)
	}
	r := &fakeSafetyReader{fail: true}
	cfg := defaultSafetyConfig()
	cfg.OfflineTimeoutMs = 0
	mon := New(r, reg, nil, nil)

	level := mon.Assess(context.Background(), 0x03, cfg, now)
	if level != config.ResponseEmergency {
		t.Fatalf("level after failure = %v, want Emergency", level)
	}

	r.fail = false
	r.status = 0
	r.distance = 100
	soon := now.Add(time.Second)
	level = mon.Assess(context.Background(), 0x03, cfg, soon)
	if level != config.ResponseEmergency {
		t.Fatalf("level 1s after recovery = %v, want still Emergency (hysteresis not yet elapsed)", level)
	}

	later := now.Add(6 * time.Second)
	level = mon.Assess(context.Background(), 0x03, cfg, later)
	if level != config.ResponseNormal {
		t.Fatalf("level 6s after recovery = %v, want Normal (hysteresis elapsed)", level)
	}
}

func TestExecuteImmediateEStopAssertsSynchronously(t *testing.T) {
	reg := registry.New(nil)
	now := time.Now()
	if err := reg.Register(registry.DiscoveryInfo{Address: 0x03, Type: registry.TypeSafety}, now); err != nil {
		t.Fatalf("Register: %v", err)
	}
	r := &fakeSafetyReader{fail: true}
	cfg := config.DefaultCriticalityMatrix()[0x03] // ActionImmediateEStop
	cfg.OfflineTimeoutMs = 0
	cfg.ConsecutiveFailureThreshold = 1
	cfg.FailureTimeoutMs = 0

	fx := effects.New(nil, nil)
	mon := New(r, reg, fx, nil)
	mon.Assess(context.Background(), 0x03, cfg, now)

	snap := mon.Snapshot()[0x03]
	if !snap.SafetyActionFired {
		t.Fatal("SafetyActionFired should be set once the failure action has run")
	}
	if !fx.EStopAsserted() {
		t.Fatal("E-Stop should be asserted by the time Assess returns")
	}
}

func TestResetModuleCountersClearsFailuresAndLatch(t *testing.T) {
	reg := registry.New(nil)
	now := time.Now()
	if err := reg.Register(registry.DiscoveryInfo{Address: 0x03, Type: registry.TypeSafety}, now); err != nil {
		t.Fatalf("Register: %v", err)
	}
	r := &fakeSafetyReader{fail: true}
	cfg := defaultSafetyConfig()
	cfg.OfflineTimeoutMs = 60000
	cfg.ConsecutiveFailureThreshold = 1
	cfg.FailureTimeoutMs = 0
	mon := New(r, reg, nil, nil)

	mon.Assess(context.Background(), 0x03, cfg, now)
	if mon.Snapshot()[0x03].ConsecutiveFailures == 0 {
		t.Fatal("expected a recorded consecutive failure")
	}

	mon.ResetModuleCounters(0x03)
	snap := mon.Snapshot()[0x03]
	if snap.ConsecutiveFailures != 0 || snap.SafetyActionFired {
		t.Fatalf("got %+v, want counters and latch cleared", snap)
	}
}
