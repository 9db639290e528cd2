package rtu

import (
	"encoding/binary"
	"fmt"
)

// request is a master→slave ADU body (before CRC), built by buildRequest and
// consumed by Transport.do. Kept unexported: callers use the typed
// Transport.ReadHoldingRegisters/etc. helpers.
type request struct {
	Address      Address
	FunctionCode FunctionCode
	Data         []byte
}

// Bytes renders the request as slave_id + func + data + crc.
func (r *request) Bytes() []byte {
	body := make([]byte, 0, 2+len(r.Data)+2)
	body = append(body, byte(r.Address), byte(r.FunctionCode))
	body = append(body, r.Data...)
	return appendCRC(body)
}

// response is a parsed slave→master ADU.
type response struct {
	Address      Address
	FunctionCode FunctionCode
	Data         []byte
	Exception    bool
	ExceptionVal uint8
}

// parseResponse validates length and CRC and splits a raw ADU into its fields.
func parseResponse(raw []byte) (*response, error) {
	if len(raw) < 4 {
		return nil, newError(ErrFrameError, 0, 0, fmt.Sprintf("frame too short: %d bytes", len(raw)))
	}
	if !verifyCRC(raw) {
		return nil, newError(ErrCrcFailed, Address(raw[0]), FunctionCode(raw[1]&^exceptionBit), "CRC mismatch")
	}

	addr := Address(raw[0])
	fc := FunctionCode(raw[1])
	data := raw[2 : len(raw)-2]

	if fc.IsException() {
		if len(data) < 1 {
			return nil, newError(ErrFrameError, addr, fc, "exception response missing code")
		}
		return &response{
			Address:      addr,
			FunctionCode: fc,
			Exception:    true,
			ExceptionVal: data[0],
		}, nil
	}

	return &response{Address: addr, FunctionCode: fc, Data: data}, nil
}

// --- request builders, one per supported function code ---

func buildReadRequest(fc FunctionCode, addr Address, start Register, qty Quantity) (*request, error) {
	if err := validateReadQuantity(fc, qty); err != nil {
		return nil, err
	}
	if err := validateRange(start, qty); err != nil {
		return nil, err
	}
	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data[0:2], uint16(start))
	binary.BigEndian.PutUint16(data[2:4], uint16(qty))
	return &request{Address: addr, FunctionCode: fc, Data: data}, nil
}

func buildWriteSingleCoilRequest(addr Address, start Register, value bool) (*request, error) {
	v := uint16(0x0000)
	if value {
		v = 0xFF00
	}
	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data[0:2], uint16(start))
	binary.BigEndian.PutUint16(data[2:4], v)
	return &request{Address: addr, FunctionCode: FuncWriteSingleCoil, Data: data}, nil
}

func buildWriteSingleRegisterRequest(addr Address, start Register, value uint16) (*request, error) {
	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data[0:2], uint16(start))
	binary.BigEndian.PutUint16(data[2:4], value)
	return &request{Address: addr, FunctionCode: FuncWriteSingleRegister, Data: data}, nil
}

func buildWriteMultipleRegistersRequest(addr Address, start Register, values []uint16) (*request, error) {
	qty := Quantity(len(values))
	if qty < 1 || qty > MaxWriteMultipleRegs {
		return nil, newError(ErrInvalidParameter, addr, FuncWriteMultipleRegisters,
			fmt.Sprintf("quantity %d out of range [1,%d]", qty, MaxWriteMultipleRegs))
	}
	if err := validateRange(start, qty); err != nil {
		return nil, err
	}
	byteCount := len(values) * 2
	data := make([]byte, 5+byteCount)
	binary.BigEndian.PutUint16(data[0:2], uint16(start))
	binary.BigEndian.PutUint16(data[2:4], uint16(qty))
	data[4] = byte(byteCount)
	for i, v := range values {
		binary.BigEndian.PutUint16(data[5+i*2:], v)
	}
	return &request{Address: addr, FunctionCode: FuncWriteMultipleRegisters, Data: data}, nil
}

// validateReadQuantity enforces the per-function-code quantity bounds.
func validateReadQuantity(fc FunctionCode, qty Quantity) error {
	var max Quantity
	switch fc {
	case FuncReadCoils:
		max = MaxReadCoils
	case FuncReadHoldingRegisters:
		max = MaxReadHoldingRegs
	case FuncReadInputRegisters:
		max = MaxReadInputRegs
	default:
		return newError(ErrInvalidParameter, 0, fc, "unsupported function code for read")
	}
	if qty < 1 || qty > max {
		return newError(ErrInvalidParameter, 0, fc, fmt.Sprintf("quantity %d out of range [1,%d]", qty, max))
	}
	return nil
}

// validateRange enforces start+qty-1 <= 0xFFFF.
func validateRange(start Register, qty Quantity) error {
	if uint32(start)+uint32(qty) > maxRegisterAddressSpan+1 {
		return newError(ErrInvalidParameter, 0, 0, fmt.Sprintf("register range overflow: start=%d qty=%d", start, qty))
	}
	return nil
}

// decodeRegisters splits a read-holding/input-registers response payload
// (byte-count + big-endian words) into a []uint16, validating the declared
// byte count against the expected quantity.
func decodeRegisters(data []byte, expected Quantity) ([]uint16, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("register response missing byte count")
	}
	byteCount := int(data[0])
	if len(data) != 1+byteCount {
		return nil, fmt.Errorf("register response length mismatch: declared %d, got %d", byteCount, len(data)-1)
	}
	if byteCount != int(expected)*2 {
		return nil, fmt.Errorf("register response count mismatch: expected %d registers (%d bytes), got %d bytes",
			expected, int(expected)*2, byteCount)
	}
	out := make([]uint16, expected)
	for i := range out {
		out[i] = binary.BigEndian.Uint16(data[1+i*2:])
	}
	return out, nil
}

// decodeCoils unpacks a read-coils response payload into a []bool.
func decodeCoils(data []byte, expected Quantity) ([]bool, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("coil response missing byte count")
	}
	byteCount := int(data[0])
	if len(data) != 1+byteCount {
		return nil, fmt.Errorf("coil response length mismatch: declared %d, got %d", byteCount, len(data)-1)
	}
	out := make([]bool, expected)
	for i := 0; i < int(expected) && i < byteCount*8; i++ {
		out[i] = data[1+i/8]&(1<<uint(i%8)) != 0
	}
	return out, nil
}
