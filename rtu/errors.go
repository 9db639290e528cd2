package rtu

import (
	"errors"
	"fmt"
)

// ErrorCode classifies a transport failure as a closed Go enum so callers
// can branch on retryability without parsing strings.
type ErrorCode int

const (
	// ErrNotInitialized is returned when an operation is issued before the
	// transport has an open port.
	ErrNotInitialized ErrorCode = iota
	// ErrInvalidParameter is returned when a request fails bounds validation.
	// Never retried.
	ErrInvalidParameter
	// ErrTimeout is returned when no response arrives within the configured
	// timeout. Retryable.
	ErrTimeout
	// ErrCrcFailed is returned when the received frame's CRC does not match.
	// Retryable.
	ErrCrcFailed
	// ErrFrameError is returned when a response frame has an invalid length
	// or shape. Retryable.
	ErrFrameError
	// ErrException is returned when the slave returned a well-formed
	// exception response. Not retried — the caller decides.
	ErrException
	// ErrBufferOverflow is returned when the fixed-size RX buffer would be
	// exceeded. Surfaces as a configuration bug, never retried.
	ErrBufferOverflow
	// ErrIoError is returned when the underlying serial adapter failed.
	// Retried once, then bubbles.
	ErrIoError
	// ErrCommunicationLost is returned for a persistent bus-level fault
	// (e.g. the circuit breaker is open for this address).
	ErrCommunicationLost
)

func (c ErrorCode) String() string {
	switch c {
	case ErrNotInitialized:
		return "NotInitialized"
	case ErrInvalidParameter:
		return "InvalidParameter"
	case ErrTimeout:
		return "Timeout"
	case ErrCrcFailed:
		return "CrcFailed"
	case ErrFrameError:
		return "FrameError"
	case ErrException:
		return "Exception"
	case ErrBufferOverflow:
		return "BufferOverflow"
	case ErrIoError:
		return "IoError"
	case ErrCommunicationLost:
		return "CommunicationLost"
	default:
		return fmt.Sprintf("Unknown(%d)", int(c))
	}
}

// Retryable reports whether the transport's own retry loop should consume
// this failure. InvalidParameter and Exception are deliberately excluded: a
// bad request will never succeed on retry, and an exception is a valid,
// final answer from the slave.
func (c ErrorCode) Retryable() bool {
	switch c {
	case ErrTimeout, ErrCrcFailed, ErrFrameError, ErrIoError:
		return true
	default:
		return false
	}
}

// Error is the transport's error type. ExceptionCode is only meaningful when
// Code == ErrException.
type Error struct {
	Code          ErrorCode
	ExceptionCode uint8
	Address       Address
	FunctionCode  FunctionCode
	Message       string
}

func (e *Error) Error() string {
	if e.Code == ErrException {
		return fmt.Sprintf("modbus: slave %d func %s: exception 0x%02X",
			e.Address, e.FunctionCode, e.ExceptionCode)
	}
	if e.Message != "" {
		return fmt.Sprintf("modbus: slave %d func %s: %s: %s",
			e.Address, e.FunctionCode, e.Code, e.Message)
	}
	return fmt.Sprintf("modbus: slave %d func %s: %s", e.Address, e.FunctionCode, e.Code)
}

// newError is a small constructor to keep call sites terse.
func newError(code ErrorCode, addr Address, fc FunctionCode, msg string) *Error {
	return &Error{Code: code, Address: addr, FunctionCode: fc, Message: msg}
}

// exceptionError builds an Error for a parsed Modbus exception response.
func exceptionError(addr Address, fc FunctionCode, exc uint8) *Error {
	return &Error{Code: ErrException, Address: addr, FunctionCode: fc, ExceptionCode: exc}
}

// AsError reports whether err is (or wraps) an *Error and returns it.
func AsError(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
