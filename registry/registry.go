package registry

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MaxModules bounds the registry at compile time.
const MaxModules = 16

// DefaultOfflineMisses is N_miss, the debounce threshold: a module does not
// flip Online→Offline until it has missed this many consecutive
// scans/health-checks.
const DefaultOfflineMisses = 2

// Registry is the sole mutator of Record values. All mutations are
// serialized by mu; observer callbacks fire after mu is released.
type Registry struct {
	log      *zap.Logger
	mu       sync.Mutex
	records  map[uint8]*Record
	observer Observer
	misses   int
}

// New creates an empty Registry.
func New(log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{log: log, records: map[uint8]*Record{}, misses: DefaultOfflineMisses}
}

// SetObserver installs the single observer slot. Passing nil disables
// notification.
func (r *Registry) SetObserver(o Observer) {
	r.mu.Lock()
	r.observer = o
	r.mu.Unlock()
}

// SetOfflineMisses overrides N_miss (default 2).
func (r *Registry) SetOfflineMisses(n int) {
	r.mu.Lock()
	r.misses = n
	r.mu.Unlock()
}

func (r *Registry) emit(ev Event) {
	r.mu.Lock()
	obs := r.observer
	r.mu.Unlock()
	if obs == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("registry observer panicked", zap.Any("recover", rec))
		}
	}()
	obs(ev)
}

// DiscoveryInfo is what the discovery pipeline passes to Register after a
// successful identification exchange.
type DiscoveryInfo struct {
	Address uint8
	Type    ModuleType
	Version string
}

// Register upserts a module record following a successful identification:
// status becomes Online, and Discovered fires for a new address, Updated
// for an existing one. Counters are preserved across an update.
func (r *Registry) Register(info DiscoveryInfo, now time.Time) error {
	r.mu.Lock()
	if len(r.records) >= MaxModules {
		if _, exists := r.records[info.Address]; !exists {
			r.mu.Unlock()
			return fmt.Errorf("registry: full (max %d modules)", MaxModules)
		}
	}

	rec, existed := r.records[info.Address]
	kind := EventDiscovered
	if existed {
		kind = EventUpdated
		rec.Type = info.Type
		if info.Version != "" {
			rec.Version = info.Version
		}
		rec.Status = StatusOnline
		rec.LastSeen = now
		rec.missedScans = 0
	} else {
		rec = &Record{
			Address: info.Address,
			Type:    info.Type,
			Version: info.Version,
			Status:  StatusOnline,
			LastSeen: now,
			HealthPct: 100,
		}
		r.records[info.Address] = rec
	}
	r.mu.Unlock()

	r.emit(Event{Kind: kind, Address: info.Address})
	return nil
}

// RegisterOffline seeds a record from persisted state without claiming
// liveness: status is forced Offline and no event fires, since nothing has
// actually been observed on the bus yet. Used only at startup load.
func (r *Registry) RegisterOffline(info DiscoveryInfo, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.records[info.Address]; exists {
		return
	}
	if len(r.records) >= MaxModules {
		return
	}
	r.records[info.Address] = &Record{
		Address:   info.Address,
		Type:      info.Type,
		Version:   info.Version,
		Status:    StatusOffline,
		LastSeen:  now,
		HealthPct: 0,
	}
}

// Unregister removes a record entirely (operator reset).
func (r *Registry) Unregister(addr uint8) {
	r.mu.Lock()
	_, existed := r.records[addr]
	delete(r.records, addr)
	r.mu.Unlock()
	if existed {
		r.emit(Event{Kind: EventUpdated, Address: addr})
	}
}

// RecordMiss marks one missed scan/health-check pass against addr, applying
// the Online→Offline debounce: a transition requires N_miss consecutive
// misses. Returns true if this call transitioned the record to Offline.
func (r *Registry) RecordMiss(addr uint8) bool {
	r.mu.Lock()
	rec, ok := r.records[addr]
	if !ok || rec.Status != StatusOnline {
		r.mu.Unlock()
		return false
	}
	rec.missedScans++
	transitioned := rec.missedScans >= r.misses
	if transitioned {
		rec.Status = StatusOffline
	}
	r.mu.Unlock()

	if transitioned {
		r.emit(Event{Kind: EventOffline, Address: addr})
	}
	return transitioned
}

// RecordSuccess clears the miss counter and stamps LastSeen, restoring
// Online status if the record had gone Offline.
func (r *Registry) RecordSuccess(addr uint8, now time.Time, rtt time.Duration) {
	r.mu.Lock()
	rec, ok := r.records[addr]
	if !ok {
		r.mu.Unlock()
		return
	}
	wasOffline := rec.Status != StatusOnline
	rec.missedScans = 0
	rec.LastSeen = now
	rec.Status = StatusOnline
	rec.ConsecutiveFailures = 0
	rec.ResponseTimeEWMA = ewma(rec.ResponseTimeEWMA, rtt, 0.2)
	rec.SuccessRate = ewma64(rec.SuccessRate, 1.0, 0.1)
	r.mu.Unlock()

	if wasOffline {
		r.emit(Event{Kind: EventOnline, Address: addr})
	}
}

// UpdateHealth applies the health formula
// max(0, 100 − response_time_ms/1000 − error_count·10), emitting
// HealthChange only when the numeric value actually changes.
func (r *Registry) UpdateHealth(addr uint8, responseTime time.Duration, now time.Time) {
	r.mu.Lock()
	rec, ok := r.records[addr]
	if !ok {
		r.mu.Unlock()
		return
	}
	prev := rec.HealthPct
	ms := responseTime.Milliseconds()
	computed := 100 - int(ms/1000) - int(rec.ErrorCount)*10
	if computed < 0 {
		computed = 0
	}
	rec.HealthPct = computed
	rec.LastSeen = now
	changed := prev != computed
	r.mu.Unlock()

	if changed {
		r.emit(Event{Kind: EventHealthChange, Address: addr, Payload: computed})
	}
}

// RecordFailure marks a failed health-check exchange: health drops to
// zero, status becomes Error, and the error counter increments.
func (r *Registry) RecordFailure(addr uint8, isTimeout bool) {
	r.mu.Lock()
	rec, ok := r.records[addr]
	if !ok {
		r.mu.Unlock()
		return
	}
	rec.HealthPct = 0
	rec.Status = StatusError
	rec.ErrorCount++
	rec.ConsecutiveFailures++
	rec.SuccessRate = ewma64(rec.SuccessRate, 0.0, 0.1)
	if isTimeout {
		rec.TimeoutCount++
	}
	r.mu.Unlock()

	kind := EventError
	if isTimeout {
		kind = EventTimeout
	}
	r.emit(Event{Kind: kind, Address: addr})
}

// Get returns a copy of the record for addr, or (Record{}, false).
func (r *Registry) Get(addr uint8) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[addr]
	if !ok {
		return Record{}, false
	}
	return rec.clone(), true
}

// All returns a snapshot copy of every record, sorted by address.
func (r *Registry) All() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec.clone())
	}
	sortRecords(out)
	return out
}

// ResetCounters zeroes the monotonic counters for addr without altering
// status or type (operator reset only).
func (r *Registry) ResetCounters(addr uint8) {
	r.mu.Lock()
	rec, ok := r.records[addr]
	if ok {
		rec.ErrorCount, rec.TimeoutCount, rec.ConsecutiveFailures = 0, 0, 0
	}
	r.mu.Unlock()
}

// OfflineSweep compares now-LastSeen against threshold for every Online
// record and transitions stale ones to Offline. Runs as a background pass
// independent of the per-scan miss counter.
func (r *Registry) OfflineSweep(now time.Time, threshold time.Duration) []uint8 {
	r.mu.Lock()
	var transitioned []uint8
	for addr, rec := range r.records {
		if rec.Status == StatusOnline && now.Sub(rec.LastSeen) >= threshold {
			rec.Status = StatusOffline
			transitioned = append(transitioned, addr)
		}
	}
	r.mu.Unlock()

	for _, addr := range transitioned {
		r.emit(Event{Kind: EventOffline, Address: addr})
	}
	return transitioned
}

func ewma(prev, sample time.Duration, alpha float64) time.Duration {
	if prev == 0 {
		return sample
	}
	return time.Duration(alpha*float64(sample) + (1-alpha)*float64(prev))
}

func ewma64(prev, sample, alpha float64) float64 {
	if prev == 0 {
		return sample
	}
	return alpha*sample + (1-alpha)*prev
}

func sortRecords(recs []Record) {
	for i := 1; i < len(recs); i++ {
		for j := i; j > 0 && recs[j].Address < recs[j-1].Address; j-- {
			recs[j], recs[j-1] = recs[j-1], recs[j]
		}
	}
}
