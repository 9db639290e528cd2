package breaker

import (
	"testing"
	"time"
)

func TestAllowClosedByDefault(t *testing.T) {
	m := New(DefaultConfig())
	allowed, done := m.Allow(0x02)
	if !allowed {
		t.Fatal("a fresh address should be allowed through")
	}
	done(true)
}

func TestTripsAfterThresholdFailures(t *testing.T) {
	m := New(Config{FailThreshold: 3, BaseCooldown: 50 * time.Millisecond, MaxCooldown: time.Second})

	for i := 0; i < 3; i++ {
		allowed, done := m.Allow(0x02)
		if !allowed {
			t.Fatalf("failure %d: unexpectedly blocked before threshold reached", i)
		}
		m.Fail(0x02, done)
	}

	entry := m.Snapshot(0x02)
	if !entry.Open {
		t.Fatalf("breaker did not open after %d consecutive failures", entry.ConsecutiveFailures)
	}
	if entry.OpenUntil.IsZero() {
		t.Fatal("OpenUntil was never populated on trip")
	}

	allowed, _ := m.Allow(0x02)
	if allowed {
		t.Fatal("an open breaker let a request through immediately")
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	m := New(Config{FailThreshold: 3, BaseCooldown: 50 * time.Millisecond, MaxCooldown: time.Second})

	allowed, done := m.Allow(0x02)
	if !allowed {
		t.Fatal("expected allowed")
	}
	m.Fail(0x02, done)
	allowed, done = m.Allow(0x02)
	if !allowed {
		t.Fatal("expected allowed")
	}
	m.Success(0x02, done)

	entry := m.Snapshot(0x02)
	if entry.ConsecutiveFailures != 0 {
		t.Fatalf("ConsecutiveFailures = %d after a success, want 0", entry.ConsecutiveFailures)
	}
}

func TestCooldownGrowsExponentiallyAndClamps(t *testing.T) {
	m := New(Config{FailThreshold: 1, BaseCooldown: time.Second, MaxCooldown: 4 * time.Second})

	if got := m.cooldownFor(1); got != time.Second {
		t.Errorf("cooldownFor(1) = %v, want 1s", got)
	}
	if got := m.cooldownFor(2); got != 2*time.Second {
		t.Errorf("cooldownFor(2) = %v, want 2s", got)
	}
	if got := m.cooldownFor(3); got != 4*time.Second {
		t.Errorf("cooldownFor(3) = %v, want 4s (clamped)", got)
	}
	if got := m.cooldownFor(10); got != 4*time.Second {
		t.Errorf("cooldownFor(10) = %v, want 4s (clamped)", got)
	}
}

func TestResetClearsAddress(t *testing.T) {
	m := New(Config{FailThreshold: 1, BaseCooldown: time.Second, MaxCooldown: time.Second})
	allowed, done := m.Allow(0x02)
	if !allowed {
		t.Fatal("expected allowed")
	}
	m.Fail(0x02, done)
	if !m.Snapshot(0x02).Open {
		t.Fatal("expected breaker to be open")
	}

	m.Reset(0x02)
	if m.Snapshot(0x02).Open {
		t.Fatal("breaker still reports open after Reset")
	}
	allowed, _ = m.Allow(0x02)
	if !allowed {
		t.Fatal("a reset address should be allowed again")
	}
}

func TestSecondTripGrowsCooldownAndStaysBlocked(t *testing.T) {
	// The openUntil gate reads m.now, but gobreaker's own fixed Timeout
	// (BaseCooldown) runs on the wall clock, so each step advances the fake
	// clock and also really sleeps past gobreaker's Timeout.
	const base = 20 * time.Millisecond
	m := New(Config{FailThreshold: 1, BaseCooldown: base, MaxCooldown: 10 * base})
	cur := time.Now()
	m.now = func() time.Time { return cur }

	allowed, done := m.Allow(0x02)
	if !allowed {
		t.Fatal("expected allowed before the first trip")
	}
	m.Fail(0x02, done)
	if !m.Snapshot(0x02).Open {
		t.Fatal("expected open after the first trip")
	}

	// Cross the first (20ms) cooldown so a half-open probe is let through.
	cur = cur.Add(base + time.Millisecond)
	time.Sleep(base + 5*time.Millisecond)
	allowed, done = m.Allow(0x02)
	if !allowed {
		t.Fatal("expected the half-open probe to be allowed once the first cooldown elapsed")
	}
	m.Fail(0x02, done) // probe fails: second trip, cooldown grows to 40ms

	// Well within the grown (40ms) cooldown, but past where the fixed 20ms
	// Timeout has re-opened gobreaker's own gate — this is the scenario where
	// a naive breaker swap on rearm would let traffic through early.
	cur = cur.Add(30 * time.Millisecond)
	time.Sleep(base + 5*time.Millisecond)
	allowed, _ = m.Allow(0x02)
	if allowed {
		t.Fatal("second trip's grown cooldown did not hold: request let through early")
	}

	// Past the full 40ms grown cooldown, traffic should be allowed again.
	cur = cur.Add(11 * time.Millisecond)
	allowed, _ = m.Allow(0x02)
	if !allowed {
		t.Fatal("expected allowed once the grown cooldown fully elapsed")
	}
}

func TestSnapshotOfUnknownAddressIsZeroValue(t *testing.T) {
	m := New(DefaultConfig())
	entry := m.Snapshot(0x99)
	if entry.Open || entry.ConsecutiveFailures != 0 || !entry.OpenUntil.IsZero() {
		t.Fatalf("unknown address returned non-zero Entry: %+v", entry)
	}
}
