package ble

import (
	"errors"
	"fmt"
)

// Error kinds. ConnectError and DisconnectError wrap exactly one of these so
// callers can branch with errors.Is.
var (
	ErrPermissionDenied   = errors.New("ble: permission denied")
	ErrAdapterUnavailable = errors.New("ble: adapter unavailable")
	ErrScan               = errors.New("ble: scan failed")

	ErrBusy             = errors.New("ble: connection busy")
	ErrTimeout          = errors.New("ble: connect timed out")
	ErrUnreachable      = errors.New("ble: device unreachable")
	ErrProfileDiscovery = errors.New("ble: profile discovery failed")

	ErrNotConnected = errors.New("ble: not connected")
	ErrRadioFault   = errors.New("ble: radio fault")
)

// ConnectError reports a rejected or failed connection attempt.
type ConnectError struct {
	DeviceID string
	Kind     error // ErrBusy, ErrTimeout, ErrUnreachable or ErrProfileDiscovery
	Err      error // underlying radio error, if any
}

func (e *ConnectError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%v (device %s)", e.Kind, e.DeviceID)
	}
	return fmt.Sprintf("%v (device %s): %v", e.Kind, e.DeviceID, e.Err)
}

func (e *ConnectError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// DisconnectError reports a rejected or failed disconnect.
type DisconnectError struct {
	DeviceID string
	Kind     error // ErrNotConnected or ErrRadioFault
	Err      error
}

func (e *DisconnectError) Error() string {
	if e.Err == nil {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%v (device %s): %v", e.Kind, e.DeviceID, e.Err)
}

func (e *DisconnectError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}
