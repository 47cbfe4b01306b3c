package core

import "errors"

var (
	// ErrBusy is returned when a loop is already driving the state.
	ErrBusy = errors.New("a loop is already running")

	// ErrCredentialParse means the access key could not be parsed.
	ErrCredentialParse = errors.New("credential parse failure")

	// ErrProxyTimeout means the local proxy never accepted a connection.
	ErrProxyTimeout = errors.New("local proxy readiness timeout")

	// ErrDeviceWrap means the descriptor could not be wrapped as a device.
	ErrDeviceWrap = errors.New("device wrap failure")

	// ErrWouldBlock is returned by non-blocking reads with no data available.
	ErrWouldBlock = errors.New("read would block")

	// ErrCapabilityDisabled is returned by gated operations that are switched off.
	ErrCapabilityDisabled = errors.New("capability disabled")

	// ErrInvalidTarget is returned for unparsable target addresses.
	ErrInvalidTarget = errors.New("invalid target")
)
