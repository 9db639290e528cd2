// Package scan drives address-range discovery over a Modbus-RTU bus: probe
// each candidate address for a Device-ID response, consult the circuit
// breaker before transmitting, and feed results into the module registry.
// The engine is pausable and stoppable from another goroutine at any point.
package scan

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/oht50/firmware-core/breaker"
	"github.com/oht50/firmware-core/internal/cancel"
	"github.com/oht50/firmware-core/registry"
)

// backoffSchedule is the wait after each failed attempt of a single address
// probe; probeOne makes one more attempt than it has entries.
var backoffSchedule = []time.Duration{50 * time.Millisecond, 100 * time.Millisecond, 200 * time.Millisecond}

// interAddressGap is the pause between probing consecutive addresses.
const interAddressGap = 20 * time.Millisecond

// pauseCheckInterval is how often a paused scan re-checks for resume/stop.
const pauseCheckInterval = 75 * time.Millisecond

// Identifier is the narrow discovery interface the engine drives; satisfied
// by *registry.Discoverer.
type Identifier interface {
	Identify(ctx context.Context, addr uint8) (registry.DiscoveryInfo, registry.Capabilities, error)
}

// Engine runs one scan at a time over a configurable address range.
type Engine struct {
	discoverer Identifier
	breakers   *breaker.Manager
	reg        *registry.Registry
	log        *zap.Logger

	active    atomic.Bool
	paused    atomic.Bool
	interrupt atomic.Bool
}

// New builds an Engine. breakers and reg must not be nil.
func New(discoverer Identifier, breakers *breaker.Manager, reg *registry.Registry, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{discoverer: discoverer, breakers: breakers, reg: reg, log: log}
}

// IsScanning reports whether a scan is currently active.
func (e *Engine) IsScanning() bool { return e.active.Load() }

// Pause holds the scan at its next address gap. A no-op if not scanning.
func (e *Engine) Pause() { e.paused.Store(true) }

// Resume releases a paused scan.
func (e *Engine) Resume() { e.paused.Store(false) }

// Stop requests the scan exit at its next safe point, within one address
// gap. The in-flight probe, if any, always completes first.
func (e *Engine) Stop() { e.interrupt.Store(true) }

// ScanRange iterates [start, end] inclusive, probing each address in turn.
// Address 0x00 (broadcast) is never probed. Returns immediately without
// transmitting if nothing is left to probe: an inverted range (start > end)
// or scan_range(0x00,0x00). Only one scan may run at a time; a concurrent
// call returns ErrAlreadyActive.
func (e *Engine) ScanRange(ctx context.Context, start, end uint8) error {
	if !e.active.CompareAndSwap(false, true) {
		return ErrAlreadyActive
	}
	e.interrupt.Store(false)
	e.paused.Store(false)
	defer e.active.Store(false)

	if start == 0x00 {
		start = 0x01
	}
	if start > end {
		return nil
	}

	for addr := int(start); addr <= int(end); addr++ {
		if !e.waitWhilePaused(ctx) {
			return nil
		}
		if e.interrupt.Load() {
			return nil
		}

		e.probeOne(ctx, uint8(addr))

		if addr == int(end) {
			break
		}
		if e.interrupt.Load() {
			return nil
		}
		if !cancel.SleepUntil(ctx, interAddressGap) {
			return nil
		}
	}
	return nil
}

// waitWhilePaused spins at pauseCheckInterval until resumed, stopped, or
// ctx is cancelled. Returns false if the scan should exit now.
func (e *Engine) waitWhilePaused(ctx context.Context) bool {
	for e.paused.Load() {
		if e.interrupt.Load() {
			return false
		}
		if !cancel.SleepUntil(ctx, pauseCheckInterval) {
			return false
		}
	}
	return !e.interrupt.Load()
}

// probeOne runs the circuit-breaker-gated, retried-with-backoff probe of a
// single address and records the outcome in the registry.
func (e *Engine) probeOne(ctx context.Context, addr uint8) {
	allowed, done := e.breakers.Allow(addr)
	if !allowed {
		e.reg.RecordMiss(addr)
		return
	}

	var lastErr error
	for attempt := 0; attempt < len(backoffSchedule)+1; attempt++ {
		if e.interrupt.Load() {
			done(false)
			return
		}

		_, _, err := e.discoverer.Identify(ctx, addr)
		if err == nil {
			e.breakers.Success(addr, done)
			return
		}
		lastErr = err

		if attempt < len(backoffSchedule) {
			if !cancel.SleepUntil(ctx, backoffSchedule[attempt]) {
				done(false)
				return
			}
		}
	}

	e.breakers.Fail(addr, done)
	e.reg.RecordMiss(addr)
	e.log.Debug("address probe failed", zap.Uint8("address", addr), zap.Error(lastErr))
}
