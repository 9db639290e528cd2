package scan

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/oht50/firmware-core/breaker"
	"github.com/oht50/firmware-core/registry"
)

// fakeIdentifier lets a test script per-address outcomes and observe which
// addresses were probed, without a real bus.
type fakeIdentifier struct {
	mu      sync.Mutex
	probed  []uint8
	respond func(addr uint8) error
}

func (f *fakeIdentifier) Identify(ctx context.Context, addr uint8) (registry.DiscoveryInfo, registry.Capabilities, error) {
	f.mu.Lock()
	f.probed = append(f.probed, addr)
	f.mu.Unlock()

	var err error
	if f.respond != nil {
		err = f.respond(addr)
	}
	if err != nil {
		return registry.DiscoveryInfo{}, 0, err
	}
	return registry.DiscoveryInfo{Address: addr, Type: registry.TypePower}, 0, nil
}

func (f *fakeIdentifier) probedAddrs() []uint8 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint8{}, f.probed...)
}

func newTestEngine(id Identifier) *Engine {
	return New(id, breaker.New(breaker.DefaultConfig()), registry.New(nil), nil)
}

func TestScanRangeInvertedRangeIsNoOp(t *testing.T) {
	id := &fakeIdentifier{}
	e := newTestEngine(id)
	if err := e.ScanRange(context.Background(), 0x05, 0x02); err != nil {
		t.Fatalf("ScanRange: %v", err)
	}
	if len(id.probedAddrs()) != 0 {
		t.Fatalf("probed %v, want none for an inverted range", id.probedAddrs())
	}
}

func TestScanRangeProbesEveryAddressOnce(t *testing.T) {
	id := &fakeIdentifier{}
	e := newTestEngine(id)
	if err := e.ScanRange(context.Background(), 0x02, 0x04); err != nil {
		t.Fatalf("ScanRange: %v", err)
	}
	want := []uint8{0x02, 0x03, 0x04}
	got := id.probedAddrs()
	if len(got) != len(want) {
		t.Fatalf("probed %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("probed %v, want %v", got, want)
		}
	}
	if e.IsScanning() {
		t.Fatal("IsScanning true after ScanRange returned")
	}
}

func TestScanRangeRejectsConcurrentScan(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	id := &fakeIdentifier{respond: func(addr uint8) error {
		close(started)
		<-release
		return nil
	}}
	e := newTestEngine(id)

	done := make(chan error, 1)
	go func() { done <- e.ScanRange(context.Background(), 0x02, 0x02) }()

	<-started
	if err := e.ScanRange(context.Background(), 0x02, 0x02); err != ErrAlreadyActive {
		t.Fatalf("concurrent ScanRange returned %v, want ErrAlreadyActive", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first ScanRange returned %v", err)
	}
}

func TestStopHaltsBeforeRemainingAddresses(t *testing.T) {
	var e *Engine
	id := &fakeIdentifier{respond: func(addr uint8) error {
		if addr == 0x02 {
			e.Stop()
		}
		return nil
	}}
	e = newTestEngine(id)

	if err := e.ScanRange(context.Background(), 0x02, 0x10); err != nil {
		t.Fatalf("ScanRange: %v", err)
	}
	if got := id.probedAddrs(); len(got) != 1 || got[0] != 0x02 {
		t.Fatalf("probed %v, want exactly [0x02] (Stop should cut the scan short)", got)
	}
}

func TestPauseBlocksUntilResume(t *testing.T) {
	var e *Engine
	resumed := make(chan struct{})
	id := &fakeIdentifier{respond: func(addr uint8) error {
		switch addr {
		case 0x02:
			// Pause mid-scan (ScanRange clears a Pause issued before it
			// starts) and resume from another goroutine a while later.
			e.Pause()
			go func() {
				time.Sleep(150 * time.Millisecond)
				close(resumed)
				e.Resume()
			}()
		case 0x03:
			select {
			case <-resumed:
			default:
				t.Error("0x03 was probed while the scan was paused")
			}
		}
		return nil
	}}
	e = newTestEngine(id)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.ScanRange(ctx, 0x02, 0x03); err != nil {
		t.Fatalf("ScanRange: %v", err)
	}
	if got := id.probedAddrs(); len(got) != 2 {
		t.Fatalf("probed %v, want 2 addresses after resume", got)
	}
}

func TestScanRangeContextCancellationStopsEarly(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	id := &fakeIdentifier{respond: func(addr uint8) error {
		if addr == 0x02 {
			cancel()
		}
		return nil
	}}
	e := newTestEngine(id)

	if err := e.ScanRange(ctx, 0x02, 0x10); err != nil {
		t.Fatalf("ScanRange: %v", err)
	}
	if got := id.probedAddrs(); len(got) != 1 {
		t.Fatalf("probed %v, want exactly one address before the cancelled inter-address sleep", got)
	}
}
