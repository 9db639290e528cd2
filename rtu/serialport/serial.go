package serialport

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

// UARTPort implements Port over a real UART via go.bug.st/serial. Framing
// and retry logic live in rtu.Transport; this type is reduced to opening
// the device, applying line parameters, and doing half-duplex reads/writes.
type UARTPort struct {
	cfg  Config
	mu   sync.Mutex
	port serial.Port
}

// New creates a UARTPort for the given configuration. The device is not
// opened until Open is called.
func New(cfg Config) (*UARTPort, error) {
	if cfg.DataBits != 8 {
		return nil, fmt.Errorf("serialport: only 8 data bits supported, got %d", cfg.DataBits)
	}
	if _, err := stopBitsOf(cfg.StopBits); err != nil {
		return nil, err
	}
	if _, err := parityOf(cfg.Parity); err != nil {
		return nil, err
	}
	return &UARTPort{cfg: cfg}, nil
}

func stopBitsOf(n int) (serial.StopBits, error) {
	switch n {
	case 1:
		return serial.OneStopBit, nil
	case 2:
		return serial.TwoStopBits, nil
	default:
		return 0, fmt.Errorf("serialport: invalid stop bits %d (must be 1 or 2)", n)
	}
}

func parityOf(p string) (serial.Parity, error) {
	switch strings.ToUpper(p) {
	case "", "N", "NONE":
		return serial.NoParity, nil
	case "E", "EVEN":
		return serial.EvenParity, nil
	case "O", "ODD":
		return serial.OddParity, nil
	default:
		return 0, fmt.Errorf("serialport: invalid parity %q (must be N, E, or O)", p)
	}
}

// Open opens the serial device with the configured line parameters.
func (u *UARTPort) Open() error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.port != nil {
		return nil
	}

	sb, _ := stopBitsOf(u.cfg.StopBits)
	par, _ := parityOf(u.cfg.Parity)

	mode := &serial.Mode{
		BaudRate: u.cfg.BaudRate,
		DataBits: u.cfg.DataBits,
		Parity:   par,
		StopBits: sb,
	}

	port, err := serial.Open(u.cfg.Device, mode)
	if err != nil {
		return fmt.Errorf("serialport: open %s: %w", u.cfg.Device, err)
	}

	u.port = port
	return nil
}

// Close closes the serial device.
func (u *UARTPort) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.port == nil {
		return nil
	}
	err := u.port.Close()
	u.port = nil
	return err
}

// Transmit writes the whole frame, half-duplex: the RS-485 transceiver's
// DE/RE line is assumed to be handled by the OS driver or external
// hardware; this package does not toggle GPIO.
func (u *UARTPort) Transmit(b []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.port == nil {
		return fmt.Errorf("serialport: not open")
	}
	_, err := u.port.Write(b)
	if err != nil {
		return fmt.Errorf("serialport: write: %w", err)
	}
	return nil
}

// Receive reads up to len(buf) bytes, applying timeout as the port's read
// deadline.
func (u *UARTPort) Receive(buf []byte, timeout time.Duration) (int, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.port == nil {
		return 0, fmt.Errorf("serialport: not open")
	}
	if err := u.port.SetReadTimeout(timeout); err != nil {
		return 0, fmt.Errorf("serialport: set read timeout: %w", err)
	}
	n, err := u.port.Read(buf)
	if err != nil {
		return 0, fmt.Errorf("serialport: read: %w", err)
	}
	if n == 0 {
		return 0, ErrPortTimeout
	}
	return n, nil
}

// HealthCheck reports whether the port handle is open. go.bug.st/serial has
// no cheap liveness probe beyond a read/write attempt, so this only checks
// local state; a failed Transmit/Receive is the authoritative signal.
func (u *UARTPort) HealthCheck() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.port == nil {
		return fmt.Errorf("serialport: not open")
	}
	return nil
}
