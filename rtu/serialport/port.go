// Package serialport defines the serial adapter contract rtu.Transport
// depends on, and provides a go.bug.st/serial-backed implementation.
// Line-parameter handling (8N1, baud) and half-duplex direction control are
// this package's responsibility; framing, CRC, and retries belong to rtu.
package serialport

import "time"

// Port is the abstraction rtu.Transport reads and writes through. A real
// implementation wraps a UART; tests use a fake that plays back scripted
// frames. Scoped to the half-duplex byte-stream operations RTU needs.
type Port interface {
	// Open acquires the underlying handle. Idempotent.
	Open() error
	// Close releases the underlying handle. Idempotent.
	Close() error
	// Transmit writes b in full, or returns an error.
	Transmit(b []byte) error
	// Receive reads up to len(buf) bytes, blocking until at least one byte
	// arrives or timeout elapses. Returns (0, ErrPortTimeout) on timeout.
	Receive(buf []byte, timeout time.Duration) (int, error)
	// HealthCheck reports whether the underlying port is still usable.
	HealthCheck() error
}

// ErrPortTimeout is returned by Receive when no bytes arrived before the
// deadline.
var ErrPortTimeout = portTimeoutError{}

type portTimeoutError struct{}

func (portTimeoutError) Error() string   { return "serialport: receive timeout" }
func (portTimeoutError) Timeout() bool   { return true }
func (portTimeoutError) Temporary() bool { return true }

// Config holds the line parameters: 8 data bits, 1 stop bit, no parity,
// 115200 baud by default. Baud rate, stop bits and parity are overridable;
// New rejects any DataBits other than 8.
type Config struct {
	Device   string
	BaudRate int
	DataBits int
	StopBits int    // 1 or 2
	Parity   string // "N", "E", "O"
}

// DefaultConfig returns the default line parameters for a given device path.
func DefaultConfig(device string) Config {
	return Config{
		Device:   device,
		BaudRate: 115200,
		DataBits: 8,
		StopBits: 1,
		Parity:   "N",
	}
}
