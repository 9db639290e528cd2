package registry

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/oht50/firmware-core/rtu"
)

// Prober is the read-only subset of rtu.Transport the identification
// pipeline needs. Satisfied by *rtu.Transport; narrowed here so discovery
// tests can supply a fake without standing up a real transport.
type Prober interface {
	ReadHoldingRegisters(ctx context.Context, addr rtu.Address, start rtu.Register, qty rtu.Quantity) ([]uint16, error)
	ProbeDeviceID(ctx context.Context, addr rtu.Address) (uint16, error)
}

// Capabilities is the decoded 0x0105 bitmap.
type Capabilities uint16

const (
	CapTelemetry Capabilities = 1 << iota
	CapRemoteConfig
	CapFirmwareUpdate
	CapSafetyInterlock
)

func (c Capabilities) Has(bit Capabilities) bool { return c&bit != 0 }

// Discoverer runs the module identification protocol: Device ID → Module
// Type (register, falling back to address) → firmware version → the
// capabilities bitmap, then registers the result.
type Discoverer struct {
	transport Prober
	registry  *Registry
	log       *zap.Logger
}

// NewDiscoverer builds a Discoverer over transport, publishing results to
// reg.
func NewDiscoverer(transport Prober, reg *Registry, log *zap.Logger) *Discoverer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Discoverer{transport: transport, registry: reg, log: log}
}

// Identify probes addr and, on success, registers it. It returns the
// decoded DiscoveryInfo plus capabilities so callers (the scan engine) can
// log or branch on them without a second round trip.
func (d *Discoverer) Identify(ctx context.Context, addr uint8) (DiscoveryInfo, Capabilities, error) {
	if _, err := d.transport.ProbeDeviceID(ctx, rtu.Address(addr)); err != nil {
		return DiscoveryInfo{}, 0, err
	}

	mtype := ModuleTypeFromAddress(addr)
	if vals, err := d.transport.ReadHoldingRegisters(ctx, rtu.Address(addr), rtu.ModuleTypeRegister, 1); err == nil {
		if t, ok := ModuleTypeFromRegister(vals[0]); ok {
			mtype = t
		}
	}

	version := d.readVersion(ctx, addr)

	var caps Capabilities
	if vals, err := d.transport.ReadHoldingRegisters(ctx, rtu.Address(addr), rtu.CapabilitiesRegister, 1); err == nil {
		caps = Capabilities(vals[0])
	}

	info := DiscoveryInfo{Address: addr, Type: mtype, Version: version}
	if err := d.registry.Register(info, time.Now()); err != nil {
		return DiscoveryInfo{}, 0, err
	}
	return info, caps, nil
}

// defaultVersion is reported when a module answers the Device ID probe but
// its version registers can't be read — a module old enough to lack a
// version block predates this fallback.
const defaultVersion = "v1.0.0"

// readVersion decodes the firmware version ASCII string packed two
// characters per register starting at VersionRegisterStart, stopping at
// the first NUL. A failed read yields defaultVersion rather than an error
// or an empty string — version is informational, not required for
// registration, but an empty version is never a valid value to persist.
func (d *Discoverer) readVersion(ctx context.Context, addr uint8) string {
	vals, err := d.transport.ReadHoldingRegisters(ctx, rtu.Address(addr), rtu.VersionRegisterStart, rtu.VersionRegisterWords)
	if err != nil {
		d.log.Debug("version read failed", zap.Uint8("address", addr), zap.Error(err))
		return defaultVersion
	}

	var b strings.Builder
	for _, v := range vals {
		hi, lo := byte(v>>8), byte(v)
		if hi == 0 {
			break
		}
		b.WriteByte(hi)
		if lo == 0 {
			break
		}
		b.WriteByte(lo)
	}
	if version := strings.TrimSpace(b.String()); version != "" {
		return version
	}
	return defaultVersion
}
