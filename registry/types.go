// Package registry holds the authoritative set of known modules. The
// Registry is the sole mutator of Record values; other components hold
// only addresses and query it through the typed operations below.
package registry

import (
	"fmt"
	"time"
)

// ModuleType identifies the kind of hardware module at an address.
type ModuleType int

const (
	TypeUnknown ModuleType = iota
	TypePower
	TypeSafety
	TypeTravelMotor
	TypeDock
)

func (t ModuleType) String() string {
	switch t {
	case TypePower:
		return "Power"
	case TypeSafety:
		return "Safety"
	case TypeTravelMotor:
		return "TravelMotor"
	case TypeDock:
		return "Dock"
	default:
		return "Unknown"
	}
}

// ParseModuleType is the inverse of String, used by the persistence codec.
func ParseModuleType(s string) (ModuleType, error) {
	switch s {
	case "Power":
		return TypePower, nil
	case "Safety":
		return TypeSafety, nil
	case "TravelMotor":
		return TypeTravelMotor, nil
	case "Dock":
		return TypeDock, nil
	case "Unknown":
		return TypeUnknown, nil
	default:
		return TypeUnknown, fmt.Errorf("registry: unknown module type %q", s)
	}
}

// ModuleTypeFromRegister maps the 0x0104 Module Type register value to a
// ModuleType.
func ModuleTypeFromRegister(v uint16) (ModuleType, bool) {
	switch v {
	case 0x0002:
		return TypePower, true
	case 0x0003:
		return TypeSafety, true
	case 0x0004:
		return TypeTravelMotor, true
	case 0x0005:
		return TypeDock, true
	default:
		return TypeUnknown, false
	}
}

// ModuleTypeFromAddress is the address-based fallback mapping, used when
// a module does not implement the Module Type register.
func ModuleTypeFromAddress(addr uint8) ModuleType {
	switch addr {
	case 0x02:
		return TypePower
	case 0x03:
		return TypeSafety
	case 0x04:
		return TypeTravelMotor
	case 0x05:
		return TypeDock
	default:
		return TypeUnknown
	}
}

// Status is the module lifecycle state.
type Status int

const (
	StatusUnknown Status = iota
	StatusOffline
	StatusOnline
	StatusWarning
	StatusError
	StatusMaintenance
)

func (s Status) String() string {
	switch s {
	case StatusOffline:
		return "Offline"
	case StatusOnline:
		return "Online"
	case StatusWarning:
		return "Warning"
	case StatusError:
		return "Error"
	case StatusMaintenance:
		return "Maintenance"
	default:
		return "Unknown"
	}
}

// HealthLevel is the derived bucket from HealthPct.
type HealthLevel int

const (
	HealthFailed HealthLevel = iota
	HealthCritical
	HealthPoor
	HealthFair
	HealthGood
	HealthExcellent
)

func (h HealthLevel) String() string {
	switch h {
	case HealthExcellent:
		return "Excellent"
	case HealthGood:
		return "Good"
	case HealthFair:
		return "Fair"
	case HealthPoor:
		return "Poor"
	case HealthCritical:
		return "Critical"
	default:
		return "Failed"
	}
}

// HealthLevelFor buckets a health percentage: Excellent >=90, Good >=80,
// Fair >=60, Poor >=40, Critical >=20, Failed <20. Pure function,
// never stored redundantly alongside health_pct.
func HealthLevelFor(pct int) HealthLevel {
	switch {
	case pct >= 90:
		return HealthExcellent
	case pct >= 80:
		return HealthGood
	case pct >= 60:
		return HealthFair
	case pct >= 40:
		return HealthPoor
	case pct >= 20:
		return HealthCritical
	default:
		return HealthFailed
	}
}

// Record is the authoritative entity held by the Registry. Address is
// immutable once created.
type Record struct {
	Address             uint8
	Type                ModuleType
	Version             string
	Status              Status
	HealthPct           int
	LastSeen            time.Time
	ErrorCount          uint64
	TimeoutCount        uint64
	ConsecutiveFailures uint32
	ResponseTimeEWMA    time.Duration // exponential moving average, finer-grained than HealthPct alone
	SuccessRate         float64       // EWMA in [0,1]; read by scheduler/safety thresholds
	missedScans         int           // debounce counter, not persisted
}

// HealthLevel derives the bucket for this record's current HealthPct.
func (r *Record) HealthLevel() HealthLevel { return HealthLevelFor(r.HealthPct) }

// clone returns a value copy safe to hand to callers outside the lock.
func (r *Record) clone() Record {
	cp := *r
	return cp
}
