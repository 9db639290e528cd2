// Package scheduler drives per-module poll recipes at an interval that
// adapts to module health, gated by the system state machine so polling
// never contends with a safety-critical transition.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/oht50/firmware-core/registry"
	"github.com/oht50/firmware-core/rtu"
	"github.com/oht50/firmware-core/telemetry"
)

// StateGate reports whether bus traffic is currently permitted. Polling
// only runs while the gate is open.
type StateGate interface {
	PollingAllowed() bool
}

// StaticGate is a StateGate that is always open or always closed; useful
// for tests and for embedding before a real state machine exists.
type StaticGate bool

func (g StaticGate) PollingAllowed() bool { return bool(g) }

// groupKey identifies one (address, recipe group) pair for last-poll
// tracking.
type groupKey struct {
	addr uint8
	name string
}

// Scheduler runs one Tick per invocation, polling every due group for
// every online module. Counters increment on failure but a failing group
// never aborts the rest of the tick.
type Scheduler struct {
	reg       *registry.Registry
	transport Reader
	gate      StateGate
	batcher   *telemetry.Batcher
	log       *zap.Logger

	lastPoll map[groupKey]time.Time

	// recipeCounts tracks cumulative attempted/succeeded group reads per
	// address, for module types with a RecipeSuccessThreshold.
	recipeCounts map[uint8]*recipeStats

	ticks                 uint64
	groupsPolled          uint64
	groupsFailed          uint64
	gateClosedTicks       uint64
	recipesBelowThreshold uint64
}

// recipeStats is the running attempted/succeeded tally for one module's
// recipe reads.
type recipeStats struct {
	attempted uint64
	succeeded uint64
}

// New builds a Scheduler. batcher may be nil to disable telemetry emission.
func New(reg *registry.Registry, transport Reader, gate StateGate, batcher *telemetry.Batcher, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		reg: reg, transport: transport, gate: gate, batcher: batcher, log: log,
		lastPoll:     map[groupKey]time.Time{},
		recipeCounts: map[uint8]*recipeStats{},
	}
}

// Counters is a snapshot of the scheduler's monotonic tick counters.
type Counters struct {
	Ticks                 uint64
	GroupsPolled          uint64
	GroupsFailed          uint64
	GateClosedTicks       uint64
	RecipesBelowThreshold uint64
}

// Snapshot returns the scheduler's counters.
func (s *Scheduler) Snapshot() Counters {
	return Counters{s.ticks, s.groupsPolled, s.groupsFailed, s.gateClosedTicks, s.recipesBelowThreshold}
}

// RecipeSuccessRate reports the cumulative attempted-read success ratio for
// addr, for module types with a RecipeSuccessThreshold. ok is false if addr
// has no tracked reads yet or its type names no threshold.
func (s *Scheduler) RecipeSuccessRate(addr uint8) (rate float64, ok bool) {
	st := s.recipeCounts[addr]
	if st == nil || st.attempted == 0 {
		return 0, false
	}
	return float64(st.succeeded) / float64(st.attempted), true
}

// Tick runs one scheduling pass over every online module, polling each
// group whose adaptive interval has elapsed. A closed gate makes Tick a
// no-op beyond bookkeeping — no bus traffic is issued.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	s.ticks++
	if !s.gate.PollingAllowed() {
		s.gateClosedTicks++
		return
	}

	for _, rec := range s.reg.All() {
		if rec.Status != registry.StatusOnline {
			continue
		}
		s.pollModule(ctx, rec, now)
	}
}

func (s *Scheduler) pollModule(ctx context.Context, rec registry.Record, now time.Time) {
	recipe := RecipeFor(rec.Type)
	for _, g := range recipe {
		key := groupKey{rec.Address, g.Name}
		interval := AdaptiveInterval(rec.Type, g, rec)
		last, seen := s.lastPoll[key]
		if seen && now.Sub(last) < interval {
			continue
		}
		s.lastPoll[key] = now

		started := time.Now()
		vals, err := smartRead(ctx, s.transport, s.log, rtu.Address(rec.Address), g)
		rtt := time.Since(started)
		s.groupsPolled++
		s.recordRecipeAttempt(rec.Type, rec.Address, err == nil)

		if err != nil {
			s.groupsFailed++
			s.reg.RecordFailure(rec.Address, false)
			s.log.Debug("poll group failed",
				zap.Uint8("address", rec.Address), zap.String("group", g.Name), zap.Error(err))
			continue
		}

		s.reg.RecordSuccess(rec.Address, now, rtt)
		s.reg.UpdateHealth(rec.Address, rtt, now)
		s.emitTelemetry(ctx, rec, g, vals)
	}
	s.checkRecipeSuccessRate(rec)
}

// recordRecipeAttempt tallies one group read's outcome toward the module
// type's recipe success criterion, if it has one.
func (s *Scheduler) recordRecipeAttempt(t registry.ModuleType, addr uint8, ok bool) {
	if _, has := RecipeSuccessThreshold[t]; !has {
		return
	}
	st := s.recipeCounts[addr]
	if st == nil {
		st = &recipeStats{}
		s.recipeCounts[addr] = st
	}
	st.attempted++
	if ok {
		st.succeeded++
	}
}

// checkRecipeSuccessRate logs and counts a module whose cumulative recipe
// success ratio has fallen below its type's RecipeSuccessThreshold.
func (s *Scheduler) checkRecipeSuccessRate(rec registry.Record) {
	threshold, has := RecipeSuccessThreshold[rec.Type]
	if !has {
		return
	}
	rate, ok := s.RecipeSuccessRate(rec.Address)
	if !ok || rate >= threshold {
		return
	}
	s.recipesBelowThreshold++
	s.log.Warn("recipe success rate below threshold",
		zap.Uint8("address", rec.Address), zap.Float64("success_rate", rate), zap.Float64("threshold", threshold))
}

func (s *Scheduler) emitTelemetry(ctx context.Context, rec registry.Record, g Group, vals []uint16) {
	if s.batcher == nil {
		return
	}
	data := make(map[string]any, len(vals)+2)
	data["group"] = g.Name
	for i, v := range vals {
		data[fmt.Sprintf("r%d", i)] = v
	}
	ev := telemetry.Event{
		Name:    "poll",
		Address: rec.Address,
		Data:    data,
	}
	if err := s.batcher.Emit(ctx, ev); err != nil {
		s.log.Debug("telemetry emit failed", zap.Uint8("address", rec.Address), zap.Error(err))
	}
}
