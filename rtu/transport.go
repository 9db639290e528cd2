package rtu

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/oht50/firmware-core/internal/cancel"
	"github.com/oht50/firmware-core/rtu/serialport"
)

// Transport provides single-master half-duplex Modbus-RTU request/response
// semantics over an abstract serialport.Port. At most one request is ever
// in flight: do acquires the transport's lock for the full round trip,
// which also serializes the statistics updates.
type Transport struct {
	port    serialport.Port
	log     *zap.Logger
	mu      sync.Mutex
	stats   *statsTracker
	metrics *transportMetrics

	timeout           time.Duration
	retryCount        int
	retryDelay        time.Duration
	deviceIDRegister  Register
	fallbackDeviceReg Register
}

// Option configures a Transport at construction.
type Option func(*Transport)

// WithTimeout overrides the per-attempt response deadline (default 500ms).
func WithTimeout(d time.Duration) Option { return func(t *Transport) { t.timeout = d } }

// WithRetry overrides the retry count and inter-retry delay (default 2,
// 50ms).
func WithRetry(count int, delay time.Duration) Option {
	return func(t *Transport) { t.retryCount, t.retryDelay = count, delay }
}

// WithDeviceIDRegister overrides the Device-ID register used by probes.
// Defaults to 0x0100; some modules only answer at 0x00F0, hence the
// fallback register argument.
func WithDeviceIDRegister(primary, fallback Register) Option {
	return func(t *Transport) { t.deviceIDRegister, t.fallbackDeviceReg = primary, fallback }
}

// WithMetrics attaches a Prometheus sink built by NewMetrics.
func WithMetrics(m *transportMetrics) Option { return func(t *Transport) { t.metrics = m } }

// NewTransport creates a Transport over port. The port is not opened here;
// call Open.
func NewTransport(port serialport.Port, log *zap.Logger, opts ...Option) *Transport {
	if log == nil {
		log = zap.NewNop()
	}
	t := &Transport{
		port:              port,
		log:               log,
		timeout:           DefaultResponseTimeout,
		retryCount:        DefaultRetryCount,
		retryDelay:        DefaultRetryDelay,
		deviceIDRegister:  DefaultDeviceIDRegister,
		fallbackDeviceReg: FallbackDeviceIDRegister,
	}
	for _, o := range opts {
		o(t)
	}
	t.stats = newStatsTracker(t.metrics)
	return t
}

// Open opens the underlying serial port.
func (t *Transport) Open() error { return t.port.Open() }

// Close closes the underlying serial port.
func (t *Transport) Close() error { return t.port.Close() }

// Stats returns a snapshot of the transport's counters.
func (t *Transport) Stats() Stats { return t.stats.snapshot() }

// DeviceIDRegisters returns the primary and fallback Device-ID register
// addresses this transport probes with.
func (t *Transport) DeviceIDRegisters() (primary, fallback Register) {
	return t.deviceIDRegister, t.fallbackDeviceReg
}

// ReadHoldingRegisters performs function code 0x03.
func (t *Transport) ReadHoldingRegisters(ctx context.Context, addr Address, start Register, qty Quantity) ([]uint16, error) {
	resp, err := t.doRead(ctx, FuncReadHoldingRegisters, addr, start, qty)
	if err != nil {
		return nil, err
	}
	return decodeRegisters(resp.Data, qty)
}

// ReadInputRegisters performs function code 0x04.
func (t *Transport) ReadInputRegisters(ctx context.Context, addr Address, start Register, qty Quantity) ([]uint16, error) {
	resp, err := t.doRead(ctx, FuncReadInputRegisters, addr, start, qty)
	if err != nil {
		return nil, err
	}
	return decodeRegisters(resp.Data, qty)
}

// ReadCoils performs function code 0x01.
func (t *Transport) ReadCoils(ctx context.Context, addr Address, start Register, qty Quantity) ([]bool, error) {
	resp, err := t.doRead(ctx, FuncReadCoils, addr, start, qty)
	if err != nil {
		return nil, err
	}
	return decodeCoils(resp.Data, qty)
}

// WriteSingleRegister performs function code 0x06.
func (t *Transport) WriteSingleRegister(ctx context.Context, addr Address, start Register, value uint16) error {
	req, err := buildWriteSingleRegisterRequest(addr, start, value)
	if err != nil {
		return err
	}
	_, err = t.do(ctx, req)
	return err
}

// WriteSingleCoil performs function code 0x05.
func (t *Transport) WriteSingleCoil(ctx context.Context, addr Address, start Register, value bool) error {
	req, err := buildWriteSingleCoilRequest(addr, start, value)
	if err != nil {
		return err
	}
	_, err = t.do(ctx, req)
	return err
}

// WriteMultipleRegisters performs function code 0x10.
func (t *Transport) WriteMultipleRegisters(ctx context.Context, addr Address, start Register, values []uint16) error {
	req, err := buildWriteMultipleRegistersRequest(addr, start, values)
	if err != nil {
		return err
	}
	_, err = t.do(ctx, req)
	return err
}

func (t *Transport) doRead(ctx context.Context, fc FunctionCode, addr Address, start Register, qty Quantity) (*response, error) {
	req, err := buildReadRequest(fc, addr, start, qty)
	if err != nil {
		return nil, err
	}
	return t.do(ctx, req)
}

// do runs the full request/response/retry lifecycle. Exactly one request is
// in flight at a time: the lock is held for the whole exchange including
// retries, keeping requests to a single bus strictly serialized.
func (t *Transport) do(ctx context.Context, req *request) (*response, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var lastErr error
	ioRetried := false
	for attempt := 0; attempt <= t.retryCount; attempt++ {
		t.stats.recordAttempt()
		start := time.Now()

		resp, err := t.exchange(req)
		if err == nil {
			if resp.Exception {
				// Exception responses terminate retries: a valid answer
				// from the slave, not a transport fault.
				return resp, exceptionError(req.Address, req.FunctionCode, resp.ExceptionVal)
			}
			t.stats.recordSuccess(time.Since(start))
			return resp, nil
		}

		lastErr = err
		code := ErrIoError
		if e, ok := AsError(err); ok {
			code = e.Code
		}
		t.stats.recordFailure(code)

		if !code.Retryable() {
			return nil, err
		}
		if code == ErrIoError {
			// An adapter failure gets a single retry, then bubbles.
			if ioRetried {
				return nil, err
			}
			ioRetried = true
		}
		if attempt == t.retryCount {
			break
		}
		t.stats.recordRetry()
		t.log.Debug("modbus retry",
			zap.Uint8("address", uint8(req.Address)),
			zap.String("function", req.FunctionCode.String()),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
		if !cancel.SleepUntil(ctx, t.retryDelay) {
			return nil, fmt.Errorf("modbus: retry cancelled: %w", ctx.Err())
		}
	}

	return nil, fmt.Errorf("modbus: request failed after %d attempts: %w", t.retryCount+1, lastErr)
}

// exchange performs one transmit + single-receive + parse cycle with no
// retry logic of its own.
func (t *Transport) exchange(req *request) (*response, error) {
	frame := req.Bytes()
	if err := t.port.Transmit(frame); err != nil {
		return nil, newError(ErrIoError, req.Address, req.FunctionCode, err.Error())
	}

	time.Sleep(InterFrameSettle)

	raw, err := t.readFrame()
	if err != nil {
		return nil, err
	}

	resp, err := parseResponse(raw)
	if err != nil {
		if e, ok := AsError(err); ok {
			e.Address, e.FunctionCode = req.Address, req.FunctionCode
		}
		return nil, err
	}
	if resp.Address != req.Address {
		return nil, newError(ErrFrameError, req.Address, req.FunctionCode,
			fmt.Sprintf("address mismatch: expected %d got %d", req.Address, resp.Address))
	}
	return resp, nil
}

// readFrame reads up to MaxSerialADUSize bytes from the port and validates
// a minimum frame length.
func (t *Transport) readFrame() ([]byte, error) {
	buf := make([]byte, MaxSerialADUSize)
	n, err := t.port.Receive(buf, t.timeout)
	if err != nil {
		if err == serialport.ErrPortTimeout {
			return nil, newError(ErrTimeout, 0, 0, "no response within timeout")
		}
		return nil, newError(ErrIoError, 0, 0, err.Error())
	}
	if n < 4 {
		return nil, newError(ErrFrameError, 0, 0, fmt.Sprintf("short frame: %d bytes", n))
	}
	return buf[:n], nil
}

// ProbeDeviceID reads a single Device-ID register, falling back to the
// configured fallback register if the primary read fails.
func (t *Transport) ProbeDeviceID(ctx context.Context, addr Address) (uint16, error) {
	vals, err := t.ReadHoldingRegisters(ctx, addr, t.deviceIDRegister, 1)
	if err == nil {
		return vals[0], nil
	}
	vals, err2 := t.ReadHoldingRegisters(ctx, addr, t.fallbackDeviceReg, 1)
	if err2 == nil {
		return vals[0], nil
	}
	return 0, err
}
