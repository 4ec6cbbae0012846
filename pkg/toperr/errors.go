// Package toperr defines the error taxonomy shared by the programmer core.
//
// Every failure raised by the transport, the command queue, the device
// protocol or the bitfile parser is an *Error carrying one of the sentinel
// kinds below, so callers can classify it with errors.Is without knowing which
// layer produced it.
package toperr

import "errors"

// Error kinds.
var (
	ErrFormat         = errors.New("format error")
	ErrDeviceNotFound = errors.New("device not found")
	ErrTransport      = errors.New("transport error")
	ErrProtocol       = errors.New("protocol error")
)

// Error is an operation failure of a given kind.
type Error struct {
	Kind error  // one of the Err* sentinels
	Op   string // operation that failed, e.g. "usb bulk write"
	Err  error  // underlying cause, may be nil
}

func (e *Error) Error() string {
	s := e.Kind.Error()
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the kind of e.
func (e *Error) Is(target error) bool {
	return target == e.Kind
}

// Format returns an ErrFormat error for op.
func Format(op string, err error) error {
	return &Error{Kind: ErrFormat, Op: op, Err: err}
}

// DeviceNotFound returns an ErrDeviceNotFound error for op.
func DeviceNotFound(op string, err error) error {
	return &Error{Kind: ErrDeviceNotFound, Op: op, Err: err}
}

// Transport returns an ErrTransport error for op.
func Transport(op string, err error) error {
	return &Error{Kind: ErrTransport, Op: op, Err: err}
}

// Protocol returns an ErrProtocol error for op.
func Protocol(op string, err error) error {
	return &Error{Kind: ErrProtocol, Op: op, Err: err}
}
