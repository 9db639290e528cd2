package scheduler

import (
	"time"

	"github.com/oht50/firmware-core/registry"
	"github.com/oht50/firmware-core/rtu"
)

// Group is one register block within a module's poll recipe: a contiguous
// read plus the base interval at which it is due.
type Group struct {
	Name         string
	Start        rtu.Register
	Quantity     rtu.Quantity
	BaseInterval time.Duration
}

// Recipe is the ordered set of register groups polled for one module type.
// A group's own failure never aborts the rest of the recipe.
type Recipe []Group

// Recipes maps each shipped module type to its poll recipe.
var Recipes = map[registry.ModuleType]Recipe{
	registry.TypePower: {
		// High priority (1000ms): battery main block, cell voltages, the
		// three rail-voltage registers (current/power for those rails is
		// medium priority below), relay states.
		{Name: "power-high", Start: 0x0000, Quantity: 11, BaseInterval: time.Second},
		{Name: "power-cells", Start: 0x0014, Quantity: 6, BaseInterval: time.Second},
		{Name: "power-rail-voltage-12v", Start: 0x0040, Quantity: 1, BaseInterval: time.Second},
		{Name: "power-rail-voltage-5v", Start: 0x0043, Quantity: 1, BaseInterval: time.Second},
		{Name: "power-rail-voltage-3v3", Start: 0x0046, Quantity: 1, BaseInterval: time.Second},
		{Name: "power-relays", Start: 0x0049, Quantity: 4, BaseInterval: time.Second},
		// Medium priority (5000ms): charger block, rail current/power pairs,
		// cell balancing.
		{Name: "power-charger", Start: 0x0030, Quantity: 8, BaseInterval: 5 * time.Second},
		{Name: "power-rail-power-12v", Start: 0x0041, Quantity: 2, BaseInterval: 5 * time.Second},
		{Name: "power-rail-power-5v", Start: 0x0044, Quantity: 2, BaseInterval: 5 * time.Second},
		{Name: "power-rail-power-3v3", Start: 0x0047, Quantity: 2, BaseInterval: 5 * time.Second},
		{Name: "power-balancing", Start: 0x001C, Quantity: 6, BaseInterval: 5 * time.Second},
		// Low priority (30000ms): system identity block, configuration.
		{Name: "power-identity", Start: 0x0100, Quantity: 8, BaseInterval: 30 * time.Second},
		{Name: "power-config-watchdog", Start: 0x003E, Quantity: 1, BaseInterval: 30 * time.Second},
		{Name: "power-config-threshold", Start: 0x004D, Quantity: 1, BaseInterval: 30 * time.Second},
	},
	registry.TypeTravelMotor: {
		{Name: "motor-system", Start: 0x0100, Quantity: 8, BaseInterval: time.Second},
		{Name: "motor-control", Start: 0x0000, Quantity: 16, BaseInterval: time.Second},
		{Name: "motor-status", Start: 0x0010, Quantity: 16, BaseInterval: time.Second},
	},
	registry.TypeSafety: {
		{Name: "safety-system", Start: 0x0100, Quantity: 8, BaseInterval: 500 * time.Millisecond},
		{Name: "safety-block", Start: 0x0000, Quantity: 8, BaseInterval: 500 * time.Millisecond},
	},
	registry.TypeDock: {
		{Name: "dock-system", Start: 0x0100, Quantity: 8, BaseInterval: 50 * time.Millisecond},
		{Name: "dock-rfid", Start: 0x0108, Quantity: 5, BaseInterval: 50 * time.Millisecond},
		{Name: "dock-accel", Start: 0x010D, Quantity: 5, BaseInterval: 50 * time.Millisecond},
		{Name: "dock-proximity", Start: 0x0112, Quantity: 5, BaseInterval: 50 * time.Millisecond},
		{Name: "dock-state", Start: 0x0104, Quantity: 4, BaseInterval: 50 * time.Millisecond},
	},
	registry.TypeUnknown: {
		{Name: "unknown-minimal", Start: 0x0100, Quantity: 2, BaseInterval: 5 * time.Second},
	},
}

// RecipeFor returns the poll recipe for t, falling back to the Unknown
// recipe for any type not in the map.
func RecipeFor(t registry.ModuleType) Recipe {
	if r, ok := Recipes[t]; ok {
		return r
	}
	return Recipes[registry.TypeUnknown]
}

// responseTimeThreshold is the per-type ceiling above which adaptive
// scaling slows a module's polling further, independent of its health
// bucket.
var responseTimeThreshold = map[registry.ModuleType]time.Duration{
	registry.TypeSafety:      2 * time.Millisecond,
	registry.TypeTravelMotor: 5 * time.Millisecond,
	registry.TypePower:       10 * time.Millisecond,
	registry.TypeDock:        10 * time.Millisecond,
}

// RecipeSuccessThreshold names, per module type, the minimum fraction of
// attempted recipe reads that must succeed. Only Power names one; other
// types rely solely on the registry's EWMA success-rate demotion.
var RecipeSuccessThreshold = map[registry.ModuleType]float64{
	registry.TypePower: 0.70,
}
