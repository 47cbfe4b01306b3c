// Package tun wraps the caller-supplied virtual network device descriptor
// behind a small platform I/O interface and adapts it to the wireguard-go
// tun.Device contract used by the tunneling engine.
package tun

import (
	"time"
)

// PollInterval bounds a single readiness wait so loops can observe
// cancellation and forced stops.
const PollInterval = 200 * time.Millisecond

// Descriptor is an open virtual network device owned by the caller.
type Descriptor interface {
	// WaitReadable blocks up to timeout. It returns true when a Read may
	// make progress (data, EOF or an error is pending).
	WaitReadable(timeout time.Duration) (bool, error)

	// Read performs one non-blocking read. It returns core.ErrWouldBlock
	// when no packet is pending and io.EOF when the device is gone.
	Read(p []byte) (int, error)

	// Write writes one packet to the device.
	Write(p []byte) (int, error)
}

// FileDescriptor is implemented by descriptors backed by an OS file descriptor.
type FileDescriptor interface {
	Descriptor
	FD() int
}
