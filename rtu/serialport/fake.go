package serialport

import (
	"sync"
	"time"
)

// FakePort is a scriptable Port for unit tests, in the spirit of the
// teacher's client_test.go mock transports: callers enqueue raw response
// frames keyed by the request they expect, and Transmit/Receive play them
// back without touching real hardware.
type FakePort struct {
	mu sync.Mutex

	// Responses maps a hex-free byte sequence (as transmitted, including
	// CRC) to the bytes that should be handed back on the next Receive.
	// Errors maps the same kind of key to an error Transmit returns when
	// the exchange should fail; it is checked before Responses.
	Responses map[string][]byte
	Errors    map[string]error

	// Queue holds a fallback ordered set of responses used when no keyed
	// Responses entry matches the last Transmit call; each Receive call
	// pops the queue's front.
	Queue [][]byte

	open     bool
	lastTX   []byte
	pending  []byte
	OpenErr  error
	CloseErr error
}

// NewFakePort returns an empty FakePort ready for Open.
func NewFakePort() *FakePort {
	return &FakePort{
		Responses: map[string][]byte{},
		Errors:    map[string]error{},
	}
}

func (f *FakePort) Open() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.OpenErr != nil {
		return f.OpenErr
	}
	f.open = true
	return nil
}

func (f *FakePort) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open = false
	return f.CloseErr
}

func (f *FakePort) HealthCheck() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open {
		return ErrPortTimeout
	}
	return nil
}

func (f *FakePort) Transmit(b []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.lastTX = append([]byte(nil), b...)
	key := string(b)

	if err, ok := f.Errors[key]; ok {
		f.pending = nil
		return err
	}
	if resp, ok := f.Responses[key]; ok {
		f.pending = append([]byte(nil), resp...)
		return nil
	}
	if len(f.Queue) > 0 {
		f.pending = append([]byte(nil), f.Queue[0]...)
		f.Queue = f.Queue[1:]
		return nil
	}
	f.pending = nil
	return nil
}

// Receive hands back whatever Transmit staged, ignoring timeout (the fake is
// synchronous); an empty pending buffer simulates a timeout.
func (f *FakePort) Receive(buf []byte, _ time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.pending) == 0 {
		return 0, ErrPortTimeout
	}
	n := copy(buf, f.pending)
	f.pending = f.pending[n:]
	return n, nil
}

// LastTransmitted returns the bytes most recently passed to Transmit.
func (f *FakePort) LastTransmitted() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastTX
}
