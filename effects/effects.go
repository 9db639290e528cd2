// Package effects maps a system response level to a fixed LED-pattern
// matrix and drives the latching E-Stop output. The level→pattern mapping
// is a pure function so it can be unit tested without any hardware
// collaborator.
package effects

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/oht50/firmware-core/config"
)

// Indicator names one of the five physical indicators the pattern matrix
// drives.
type Indicator int

const (
	IndicatorSystem Indicator = iota
	IndicatorComm
	IndicatorNetwork
	IndicatorError
	IndicatorPower
)

func (i Indicator) String() string {
	switch i {
	case IndicatorComm:
		return "Comm"
	case IndicatorNetwork:
		return "Network"
	case IndicatorError:
		return "Error"
	case IndicatorPower:
		return "Power"
	default:
		return "System"
	}
}

// PatternKind is the blink/solid style a Pattern asks an indicator to show.
type PatternKind int

const (
	PatternOff PatternKind = iota
	PatternSolid
	PatternSlowBlink
	PatternFastBlink
	PatternWarning
	PatternError
)

func (p PatternKind) String() string {
	switch p {
	case PatternSolid:
		return "Solid"
	case PatternSlowBlink:
		return "SlowBlink"
	case PatternFastBlink:
		return "FastBlink"
	case PatternWarning:
		return "Warning"
	case PatternError:
		return "Error"
	default:
		return "Off"
	}
}

// Pattern is one indicator's target display state.
type Pattern struct {
	Kind   PatternKind
	Period time.Duration
}

// Matrix is the five-indicator display state for one response level.
type Matrix map[Indicator]Pattern

// PatternFor returns the fixed LED-pattern matrix for level. Pure function:
// no state, no I/O.
func PatternFor(level config.ResponseLevel) Matrix {
	switch level {
	case config.ResponseMonitoring:
		return Matrix{
			IndicatorSystem:  {PatternSlowBlink, 2 * time.Second},
			IndicatorComm:    {PatternSolid, 0},
			IndicatorNetwork: {PatternSolid, 0},
			IndicatorError:   {PatternOff, 0},
			IndicatorPower:   {PatternSolid, 0},
		}
	case config.ResponseWarning:
		return Matrix{
			IndicatorSystem:  {PatternSolid, 0},
			IndicatorComm:    {PatternWarning, time.Second},
			IndicatorNetwork: {PatternSolid, 0},
			IndicatorError:   {PatternSlowBlink, 1500 * time.Millisecond},
			IndicatorPower:   {PatternSolid, 0},
		}
	case config.ResponseCritical:
		return Matrix{
			IndicatorSystem:  {PatternFastBlink, 500 * time.Millisecond},
			IndicatorComm:    {PatternError, 500 * time.Millisecond},
			IndicatorNetwork: {PatternSlowBlink, time.Second},
			IndicatorError:   {PatternFastBlink, 500 * time.Millisecond},
			IndicatorPower:   {PatternSlowBlink, time.Second},
		}
	case config.ResponseEmergency:
		return Matrix{
			IndicatorSystem:  {PatternError, 200 * time.Millisecond},
			IndicatorComm:    {PatternError, 200 * time.Millisecond},
			IndicatorNetwork: {PatternError, 200 * time.Millisecond},
			IndicatorError:   {PatternSolid, 0},
			IndicatorPower:   {PatternError, 200 * time.Millisecond},
		}
	default: // config.ResponseNormal
		return Matrix{
			IndicatorSystem:  {PatternSolid, 0},
			IndicatorComm:    {PatternSolid, 0},
			IndicatorNetwork: {PatternSolid, 0},
			IndicatorError:   {PatternOff, 0},
			IndicatorPower:   {PatternSolid, 0},
		}
	}
}

// Driver is the hardware collaborator effects push indicator state and the
// E-Stop output to. A real implementation toggles GPIO; tests use a fake
// that records calls.
type Driver interface {
	SetLEDPattern(indicator Indicator, pattern Pattern) error
	SetEStop(asserted bool) error
}

// Effects coordinates LED-matrix application and the latching E-Stop
// output. SetLevel caches the last level applied so redundant calls to the
// driver are skipped.
type Effects struct {
	driver Driver
	log    *zap.Logger

	mu         sync.Mutex
	lastLevel  config.ResponseLevel
	haveLevel  bool
	estopLatch bool
}

// New builds Effects over driver.
func New(driver Driver, log *zap.Logger) *Effects {
	if log == nil {
		log = zap.NewNop()
	}
	return &Effects{driver: driver, log: log}
}

// SetLevel applies the LED matrix for level if it differs from the last
// level applied. A tick that repeats the current level is a no-op.
func (e *Effects) SetLevel(level config.ResponseLevel) {
	e.mu.Lock()
	if e.haveLevel && e.lastLevel == level {
		e.mu.Unlock()
		return
	}
	e.lastLevel, e.haveLevel = level, true
	e.mu.Unlock()

	if e.driver == nil {
		return
	}
	for indicator, pattern := range PatternFor(level) {
		if err := e.driver.SetLEDPattern(indicator, pattern); err != nil {
			e.log.Warn("set LED pattern failed",
				zap.String("indicator", indicator.String()),
				zap.String("pattern", pattern.Kind.String()),
				zap.Error(err))
		}
	}
}

// AssertEStop drives the E-Stop output high and latches it: once asserted,
// further calls are no-ops until DeassertEStop runs.
func (e *Effects) AssertEStop() error {
	e.mu.Lock()
	if e.estopLatch {
		e.mu.Unlock()
		return nil
	}
	e.estopLatch = true
	e.mu.Unlock()
	if e.driver == nil {
		return nil
	}
	return e.driver.SetEStop(true)
}

// DeassertEStop clears the output and the latch. Idempotent.
func (e *Effects) DeassertEStop() error {
	e.mu.Lock()
	if !e.estopLatch {
		e.mu.Unlock()
		return nil
	}
	e.estopLatch = false
	e.mu.Unlock()
	if e.driver == nil {
		return nil
	}
	return e.driver.SetEStop(false)
}

// EStopAsserted reports whether the E-Stop output is currently latched.
func (e *Effects) EStopAsserted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.estopLatch
}
