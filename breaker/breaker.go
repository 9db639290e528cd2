// Package breaker implements a per-address circuit breaker: each Modbus
// slave address gets its own breaker, tripped after a run of consecutive
// failures and held open for a cooldown that grows exponentially with
// repeated trips. The open/closed/half-open bookkeeping is delegated to
// github.com/sony/gobreaker; the domain-specific cooldown growth law lives
// here.
package breaker

import (
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// Config holds the cooldown parameters.
type Config struct {
	// FailThreshold is the consecutive-failure count that trips the breaker.
	FailThreshold uint32
	// BaseCooldown is the first open-interval duration once FailThreshold is
	// reached.
	BaseCooldown time.Duration
	// MaxCooldown clamps the exponential growth.
	MaxCooldown time.Duration
}

// DefaultConfig returns the defaults: threshold 3, base 1000ms, max 30000ms.
func DefaultConfig() Config {
	return Config{FailThreshold: 3, BaseCooldown: time.Second, MaxCooldown: 30 * time.Second}
}

// Entry is a circuit-breaker snapshot for one address.
type Entry struct {
	ConsecutiveFailures uint32
	OpenUntil           time.Time
	Open                bool
}

// Manager owns one gobreaker.TwoStepCircuitBreaker per address. Addresses
// are created lazily on first use.
type Manager struct {
	cfg Config
	mu  sync.Mutex
	by  map[uint8]*addressBreaker
	now func() time.Time
}

type addressBreaker struct {
	cb        *gobreaker.TwoStepCircuitBreaker
	failures  uint32
	openUntil time.Time
}

// New creates a Manager with cfg. A nil-value Config behaves as
// DefaultConfig.
func New(cfg Config) *Manager {
	if cfg.FailThreshold == 0 {
		cfg = DefaultConfig()
	}
	return &Manager{cfg: cfg, by: map[uint8]*addressBreaker{}, now: time.Now}
}

// cooldownFor computes base · 2^(failures−threshold) clamped to max.
func (m *Manager) cooldownFor(failures uint32) time.Duration {
	if failures < m.cfg.FailThreshold {
		return 0
	}
	shift := failures - m.cfg.FailThreshold
	if shift > 20 {
		shift = 20 // guard against overflow; MaxCooldown clamps well before this.
	}
	d := m.cfg.BaseCooldown << shift
	if d <= 0 || d > m.cfg.MaxCooldown {
		return m.cfg.MaxCooldown
	}
	return d
}

// entryForLocked returns the addressBreaker for addr, creating it if absent.
// Must be called with m.mu held.
func (m *Manager) entryForLocked(addr uint8) *addressBreaker {
	ab, ok := m.by[addr]
	if ok {
		return ab
	}
	ab = &addressBreaker{}
	threshold := m.cfg.FailThreshold
	ab.cb = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        "modbus-address",
		MaxRequests: 1,
		Interval:    0, // counts never reset on a timer; only on a successful half-open probe
		Timeout:     m.cfg.BaseCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
	})
	m.by[addr] = ab
	return ab
}

// Allow reports whether a request to addr may be transmitted now. The
// address's own exponentially-grown cooldown (openUntil) is checked first,
// ahead of gobreaker's fixed-Timeout state machine: gobreaker's Timeout never
// changes after construction, so repeated trips would otherwise let it
// half-open far earlier than cooldownFor's growth calls for. Since
// cooldownFor never returns less than BaseCooldown — the Timeout gobreaker
// was built with — openUntil elapsing always implies gobreaker itself is
// already willing to allow a half-open probe.
func (m *Manager) Allow(addr uint8) (allowed bool, done func(success bool)) {
	m.mu.Lock()
	ab := m.entryForLocked(addr)
	if !ab.openUntil.IsZero() && m.now().Before(ab.openUntil) {
		m.mu.Unlock()
		return false, func(bool) {}
	}
	m.mu.Unlock()

	cbDone, err := ab.cb.Allow()
	if err != nil {
		return false, func(bool) {}
	}
	return true, cbDone
}

// Success records a successful exchange with addr, resetting its
// consecutive-failure count to 0.
func (m *Manager) Success(addr uint8, done func(success bool)) {
	m.mu.Lock()
	ab := m.by[addr]
	if ab != nil {
		ab.failures = 0
	}
	m.mu.Unlock()
	done(true)
}

// Fail records a failed exchange with addr. Once the failure run crosses
// FailThreshold, openUntil is set to the exponentially grown cooldown
// computed by cooldownFor; Allow enforces this gate ahead of gobreaker's own
// (fixed-Timeout) state machine, so the cooldown keeps growing on repeated
// trips without needing to reconstruct the breaker.
func (m *Manager) Fail(addr uint8, done func(success bool)) {
	m.mu.Lock()
	ab := m.by[addr]
	if ab != nil {
		ab.failures++
		if ab.failures >= m.cfg.FailThreshold {
			cooldown := m.cooldownFor(ab.failures)
			ab.openUntil = m.now().Add(cooldown)
		}
	}
	m.mu.Unlock()
	done(false)
}

// Reset clears an address's breaker entirely (operator reset).
func (m *Manager) Reset(addr uint8) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.by, addr)
}

// Snapshot returns the current Entry for addr.
func (m *Manager) Snapshot(addr uint8) Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	ab, ok := m.by[addr]
	if !ok {
		return Entry{}
	}
	open := ab.cb.State() == gobreaker.StateOpen || m.now().Before(ab.openUntil)
	return Entry{
		ConsecutiveFailures: ab.failures,
		OpenUntil:           ab.openUntil,
		Open:                open,
	}
}
