package rtu

import "time"

// SlaveAddress identifiers, quantities and function codes. Newtypes keep the
// register maps in the scheduler and safety packages reading against named
// types rather than bare integers.
type (
	// Address is a Modbus-RTU slave address, [0x01, 0xF7] for unicast.
	Address uint8
	// Register is a 16-bit holding/input register address.
	Register uint16
	// Quantity is a count of registers or coils requested in one PDU.
	Quantity uint16
	// FunctionCode is a Modbus function code, as transmitted on the wire.
	FunctionCode uint8
)

// Supported function codes.
const (
	FuncReadCoils              FunctionCode = 0x01
	FuncReadHoldingRegisters   FunctionCode = 0x03
	FuncReadInputRegisters     FunctionCode = 0x04
	FuncWriteSingleCoil        FunctionCode = 0x05
	FuncWriteSingleRegister    FunctionCode = 0x06
	FuncWriteMultipleRegisters FunctionCode = 0x10
)

// exceptionBit marks a response function code as a Modbus exception.
const exceptionBit FunctionCode = 0x80

// IsException reports whether fc carries the exception high bit.
func (fc FunctionCode) IsException() bool { return fc&exceptionBit != 0 }

// String renders a function code the way the wire protocol names it.
func (fc FunctionCode) String() string {
	if fc.IsException() {
		return "Exception(" + (fc &^ exceptionBit).String() + ")"
	}
	switch fc {
	case FuncReadCoils:
		return "ReadCoils"
	case FuncReadHoldingRegisters:
		return "ReadHoldingRegisters"
	case FuncReadInputRegisters:
		return "ReadInputRegisters"
	case FuncWriteSingleCoil:
		return "WriteSingleCoil"
	case FuncWriteSingleRegister:
		return "WriteSingleRegister"
	case FuncWriteMultipleRegisters:
		return "WriteMultipleRegisters"
	default:
		return "Unknown"
	}
}

// Address range and quantity bounds enforced before a request is framed.
const (
	MinSlaveAddress Address = 0x01
	MaxSlaveAddress Address = 0xF7
	BroadcastAddr   Address = 0x00

	MaxReadHoldingRegs     = 125
	MaxReadInputRegs       = 125
	MaxWriteMultipleRegs   = 123
	MaxReadCoils           = 2000
	MaxPDUDataBytes        = 252
	MaxSerialADUSize       = 256
	maxRegisterAddressSpan = 0xFFFF
)

// Timing defaults.
const (
	DefaultResponseTimeout = 500 * time.Millisecond
	DefaultRetryCount      = 2
	DefaultRetryDelay      = 50 * time.Millisecond
	InterFrameSettle       = 2 * time.Millisecond
)

// Device-ID / module-type register locations. Firmware revisions disagree
// on whether the device-ID register is 0x00F0 or 0x0100; this follows the
// current production path and leaves it overridable via
// Transport.WithDeviceIDRegister for older modules.
const (
	DefaultDeviceIDRegister Register = 0x0100
	FallbackDeviceIDRegister Register = 0x0000
	ModuleTypeRegister       Register = 0x0104
	CapabilitiesRegister     Register = 0x0105
	VersionRegisterStart     Register = 0x00F8
	VersionRegisterWords     Quantity = 8
)
