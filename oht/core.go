// Package oht wires the bus transport, registry, scan engine, circuit
// breaker, scheduler, safety monitor, effects, and telemetry batcher into
// one running firmware core. It holds no protocol or safety logic of its
// own — every decision lives in the package it delegates to.
package oht

import (
	"context"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/oht50/firmware-core/breaker"
	"github.com/oht50/firmware-core/config"
	"github.com/oht50/firmware-core/effects"
	"github.com/oht50/firmware-core/registry"
	"github.com/oht50/firmware-core/rtu"
	"github.com/oht50/firmware-core/rtu/serialport"
	"github.com/oht50/firmware-core/safety"
	"github.com/oht50/firmware-core/scan"
	"github.com/oht50/firmware-core/scheduler"
	"github.com/oht50/firmware-core/telemetry"
)

// Core is the assembled runtime: every subsystem plus the goroutines that
// drive them.
type Core struct {
	cfg config.Config
	log *zap.Logger

	port      serialport.Port
	transport *rtu.Transport
	registry  *registry.Registry
	breakers  *breaker.Manager
	discover  *registry.Discoverer
	scanner   *scan.Engine
	fx        *effects.Effects
	monitor   *safety.Monitor
	sched     *scheduler.Scheduler
	sink      telemetry.Sink
	batcher   *telemetry.Batcher

	gate gateFlag
}

// gateFlag is the StateGate the scheduler polls against; exported methods
// on Core flip it as the system transitions in or out of a pollable state.
type gateFlag struct{ allowed bool }

func (g *gateFlag) PollingAllowed() bool { return g.allowed }

// Deps collects the constructor arguments an embedder must supply; Driver
// and Sink may be nil to run with LED/E-Stop output and telemetry emission
// disabled respectively (useful for a dry-run or a bench without hardware).
type Deps struct {
	Config config.Config
	Port   serialport.Port
	Driver effects.Driver
	Sink   telemetry.Sink
	Logger *zap.Logger

	// MetricsRegisterer, when non-nil, gets the bus transport's Prometheus
	// counters (oht_modbus_*) registered against it. Left nil, the
	// transport only tracks the plain-struct Stats returned by
	// Core.TransportStats.
	MetricsRegisterer prometheus.Registerer
	// BusName labels every metric MetricsRegisterer receives, distinguishing
	// multiple Cores sharing one registry (e.g. one per serial bus).
	BusName string
}

// New assembles a Core from deps. The bus is not opened until Open, and the
// poll/safety loop does not run until Run.
func New(deps Deps) *Core {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	cfg := deps.Config.WithDefaults()

	transportOpts := []rtu.Option{
		rtu.WithTimeout(cfg.ResponseTimeout()),
		rtu.WithRetry(cfg.RetryCount, 50*time.Millisecond),
	}
	if deps.MetricsRegisterer != nil {
		busName := deps.BusName
		if busName == "" {
			busName = "default"
		}
		transportOpts = append(transportOpts, rtu.WithMetrics(rtu.NewMetrics(deps.MetricsRegisterer, busName)))
	}
	transport := rtu.NewTransport(deps.Port, log, transportOpts...)

	reg := registry.New(log)
	breakers := breaker.New(breaker.Config{
		FailThreshold: cfg.CBFailThreshold,
		BaseCooldown:  cfg.CBBaseCooldown(),
		MaxCooldown:   cfg.CBMaxCooldown(),
	})
	discoverer := registry.NewDiscoverer(transport, reg, log)
	scanner := scan.New(discoverer, breakers, reg, log)

	fx := effects.New(deps.Driver, log)
	monitor := safety.New(transport, reg, fx, log)

	var batcher *telemetry.Batcher
	if deps.Sink != nil {
		batcher = telemetry.NewBatcher(deps.Sink, telemetry.DefaultFlushInterval, log)
	}

	c := &Core{
		cfg: cfg, log: log,
		port: deps.Port, transport: transport,
		registry: reg, breakers: breakers, discover: discoverer,
		scanner: scanner, fx: fx, monitor: monitor,
		sink: deps.Sink, batcher: batcher,
	}
	c.gate.allowed = true
	c.sched = scheduler.New(reg, transport, &c.gate, batcher, log)
	return c
}

// Open opens the underlying bus transport.
func (c *Core) Open() error { return c.transport.Open() }

// Close shuts down the telemetry batcher (flushing whatever is buffered)
// and closes the bus transport. Run's background loop, if started, should
// be stopped first via the context passed to Run.
func (c *Core) Close() error {
	if c.batcher != nil {
		c.batcher.Close()
	}
	return c.transport.Close()
}

// LoadPersisted seeds the registry from a previously saved snapshot, every
// record starting Offline until a scan confirms it live.
func (c *Core) LoadPersisted(r io.Reader) error {
	return registry.LoadInto(r, c.registry, time.Now())
}

// SavePersisted writes the registry's current records in the line-oriented
// persistence format.
func (c *Core) SavePersisted(w io.Writer) error {
	return registry.Save(w, c.registry.All())
}

// AllowPolling opens or closes the scheduler's state gate; an embedding
// system-state machine calls this as it enters or leaves a pollable state.
func (c *Core) AllowPolling(allowed bool) { c.gate.allowed = allowed }

// Scan runs one address-range scan synchronously.
func (c *Core) Scan(ctx context.Context, start, end uint8) error {
	return c.scanner.ScanRange(ctx, start, end)
}

// PauseScan, ResumeScan, and StopScan forward to the underlying engine.
func (c *Core) PauseScan()  { c.scanner.Pause() }
func (c *Core) ResumeScan() { c.scanner.Resume() }
func (c *Core) StopScan()   { c.scanner.Stop() }

// Run starts the periodic health-check, polling, and safety-assessment
// loop and blocks until ctx is cancelled.
func (c *Core) Run(ctx context.Context) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.sched.Tick(ctx, now)
			c.assessSafety(ctx, now)
		}
	}
}

// assessSafety runs Assess for every registered module that has a
// ModuleOverrides entry, not just the safety-critical one — the system
// response level is the max across every module's response_level, so
// Power/TravelMotor/Dock must be assessed on every tick too, not only the
// safety module at 0x03.
func (c *Core) assessSafety(ctx context.Context, now time.Time) {
	for _, rec := range c.registry.All() {
		safetyCfg, ok := c.cfg.ModuleOverrides[rec.Address]
		if !ok {
			continue
		}
		c.monitor.Assess(ctx, rec.Address, safetyCfg, now)
	}
}

// Registry exposes the module registry for inspection by a CLI or
// diagnostic surface.
func (c *Core) Registry() *registry.Registry { return c.registry }

// TransportStats returns a snapshot of the bus transport's counters — the
// same numbers MetricsRegisterer receives, for a caller with no Prometheus
// registry of its own (e.g. printRegistry in ohtcorectl).
func (c *Core) TransportStats() rtu.Stats { return c.transport.Stats() }

// SystemResponseLevel returns the safety monitor's current system-wide
// response level.
func (c *Core) SystemResponseLevel() config.ResponseLevel { return c.monitor.SystemLevel() }

// EStopAsserted reports whether the latching E-Stop output is currently
// asserted.
func (c *Core) EStopAsserted() bool { return c.fx.EStopAsserted() }

// ClearEStop deasserts the E-Stop output, acknowledging the emergency from
// an operator action.
func (c *Core) ClearEStop() error { return c.fx.DeassertEStop() }
