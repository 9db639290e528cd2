package rtu

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/oht50/firmware-core/rtu/serialport"
)

// fakePort plays back a scripted sequence of response frames (or a
// timeout) for each Transmit, one per call, independent of what was
// actually transmitted — enough to drive Transport's retry and
// CRC-validation logic without a real bus.
type fakePort struct {
	mu        sync.Mutex
	responses [][]byte // nil entry means "time out"
	call      int
	transmits [][]byte
}

func (p *fakePort) Open() error  { return nil }
func (p *fakePort) Close() error { return nil }

func (p *fakePort) Transmit(b []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := append([]byte{}, b...)
	p.transmits = append(p.transmits, cp)
	return nil
}

func (p *fakePort) Receive(buf []byte, timeout time.Duration) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.call >= len(p.responses) {
		return 0, serialport.ErrPortTimeout
	}
	resp := p.responses[p.call]
	p.call++
	if resp == nil {
		return 0, serialport.ErrPortTimeout
	}
	n := copy(buf, resp)
	return n, nil
}

func (p *fakePort) HealthCheck() error { return nil }

func okReadResponse(addr Address, vals ...uint16) []byte {
	data := make([]byte, 1+2*len(vals))
	data[0] = byte(2 * len(vals))
	for i, v := range vals {
		data[1+i*2] = byte(v >> 8)
		data[2+i*2] = byte(v)
	}
	body := append([]byte{byte(addr), byte(FuncReadHoldingRegisters)}, data...)
	return appendCRC(body)
}

func exceptionResponse(addr Address, fc FunctionCode, code uint8) []byte {
	body := []byte{byte(addr), byte(fc) | byte(exceptionBit), code}
	return appendCRC(body)
}

func corruptedResponse(addr Address, vals ...uint16) []byte {
	frame := okReadResponse(addr, vals...)
	frame[len(frame)-1] ^= 0xFF
	return frame
}

func TestTransportReadHoldingRegistersSuccess(t *testing.T) {
	port := &fakePort{responses: [][]byte{okReadResponse(0x02, 42, 43)}}
	tr := NewTransport(port, nil, WithRetry(2, time.Millisecond))

	vals, err := tr.ReadHoldingRegisters(context.Background(), 0x02, 0x0000, 2)
	if err != nil {
		t.Fatalf("ReadHoldingRegisters: %v", err)
	}
	if len(vals) != 2 || vals[0] != 42 || vals[1] != 43 {
		t.Fatalf("got %v, want [42 43]", vals)
	}
}

func TestTransportRetriesOnCRCFailureThenSucceeds(t *testing.T) {
	port := &fakePort{responses: [][]byte{
		corruptedResponse(0x02, 1),
		okReadResponse(0x02, 1),
	}}
	tr := NewTransport(port, nil, WithRetry(2, time.Millisecond))

	vals, err := tr.ReadHoldingRegisters(context.Background(), 0x02, 0x0000, 1)
	if err != nil {
		t.Fatalf("ReadHoldingRegisters: %v", err)
	}
	if len(port.transmits) != 2 {
		t.Fatalf("transmitted %d times, want 2 (one retry after CRC failure)", len(port.transmits))
	}
	if vals[0] != 1 {
		t.Fatalf("got %v, want [1]", vals)
	}
}

func TestTransportExceptionResponseNotRetried(t *testing.T) {
	port := &fakePort{responses: [][]byte{
		exceptionResponse(0x02, FuncReadHoldingRegisters, 0x02),
		okReadResponse(0x02, 1), // would succeed if a retry was (wrongly) attempted
	}}
	tr := NewTransport(port, nil, WithRetry(2, time.Millisecond))

	_, err := tr.ReadHoldingRegisters(context.Background(), 0x02, 0x0000, 1)
	if err == nil {
		t.Fatal("expected an exception error, got nil")
	}
	e, ok := AsError(err)
	if !ok || e.Code != ErrException {
		t.Fatalf("got error %v, want ErrException", err)
	}
	if len(port.transmits) != 1 {
		t.Fatalf("transmitted %d times, want 1 (exception responses are not retried)", len(port.transmits))
	}
}

func TestTransportExhaustsRetriesOnRepeatedTimeout(t *testing.T) {
	port := &fakePort{responses: [][]byte{nil, nil, nil}}
	tr := NewTransport(port, nil, WithRetry(2, time.Millisecond))

	_, err := tr.ReadHoldingRegisters(context.Background(), 0x02, 0x0000, 1)
	if err == nil {
		t.Fatal("expected an error after exhausting retries, got nil")
	}
	if len(port.transmits) != 3 {
		t.Fatalf("transmitted %d times, want 3 (1 initial + 2 retries)", len(port.transmits))
	}
}

func TestTransportInvalidParameterNeverTransmits(t *testing.T) {
	port := &fakePort{}
	tr := NewTransport(port, nil)

	_, err := tr.ReadHoldingRegisters(context.Background(), 0x02, 0x0000, 0)
	if err == nil {
		t.Fatal("expected a validation error for quantity 0")
	}
	if len(port.transmits) != 0 {
		t.Fatalf("transmitted %d times, want 0 (invalid parameters are rejected before any I/O)", len(port.transmits))
	}
}
