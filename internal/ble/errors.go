package ble

import (
	"errors"
	"fmt"
)

// ErrNotSupported is returned by stacks for capabilities the platform lacks.
var ErrNotSupported = errors.New("ble: operation not supported by this stack")

// ErrNotConnected is returned for requests on a connection that is gone.
var ErrNotConnected = errors.New("ble: not connected")

// AddressParseError reports malformed address or address type input.
type AddressParseError struct {
	Input string
	Type  string
	Err   error
}

func (e *AddressParseError) Error() string {
	return fmt.Sprintf("ble: invalid peer address %q %q: %v", e.Input, e.Type, e.Err)
}

func (e *AddressParseError) Unwrap() error { return e.Err }

// ConnectError reports a failed connection attempt. Err is set when the
// stack refused the request itself; otherwise Reason carries the HCI code
// from the connected notification.
type ConnectError struct {
	Peer   Address
	Reason Reason
	Err    error
}

func (e *ConnectError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ble: connect to %s: %v", e.Peer, e.Err)
	}
	return fmt.Sprintf("ble: connect to %s failed: %s (0x%02x)", e.Peer, e.Reason, uint8(e.Reason))
}

func (e *ConnectError) Unwrap() error { return e.Err }

// SecurityError reports a failed security elevation.
type SecurityError struct {
	Peer   Address
	Reason SecurityErr
	Err    error
}

func (e *SecurityError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ble: set security with %s: %v", e.Peer, e.Err)
	}
	return fmt.Sprintf("ble: security with %s failed: %s (%d)", e.Peer, e.Reason, uint8(e.Reason))
}

func (e *SecurityError) Unwrap() error { return e.Err }

// DisconnectError reports a failed disconnection request.
type DisconnectError struct {
	Peer   Address
	Reason Reason
	Err    error
}

func (e *DisconnectError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ble: disconnect from %s: %v", e.Peer, e.Err)
	}
	return fmt.Sprintf("ble: disconnect from %s failed: %s (0x%02x)", e.Peer, e.Reason, uint8(e.Reason))
}

func (e *DisconnectError) Unwrap() error { return e.Err }
