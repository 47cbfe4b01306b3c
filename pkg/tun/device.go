package tun

import (
	"errors"
	"os"
	"sync"

	wgtun "golang.zx2c4.com/wireguard/tun"

	"github.com/irctrakz/tunshield/pkg/core"
)

// Device adapts any Descriptor to wgtun.Device. Reads poll the descriptor
// so Close unblocks a pending Read within PollInterval.
type Device struct {
	desc Descriptor
	name string
	mtu  int

	events  chan wgtun.Event
	closed  chan struct{}
	closeMu sync.Mutex
}

var _ wgtun.Device = (*Device)(nil)

// NewDevice wraps desc. The descriptor is not closed by Device.Close.
func NewDevice(desc Descriptor, name string, mtu int) *Device {
	if mtu <= 0 {
		mtu = 1280
	}
	d := &Device{
		desc:   desc,
		name:   name,
		mtu:    mtu,
		events: make(chan wgtun.Event, 2),
		closed: make(chan struct{}),
	}
	d.events <- wgtun.EventUp
	return d
}

// File returns nil; the descriptor is not exposed as an os.File.
func (d *Device) File() *os.File { return nil }

// Read reads one packet into bufs[0][offset:].
func (d *Device) Read(bufs [][]byte, sizes []int, offset int) (int, error) {
	if len(bufs) == 0 || len(sizes) == 0 {
		return 0, nil
	}
	if offset >= len(bufs[0]) {
		return 0, errors.New("offset beyond buffer")
	}
	for {
		select {
		case <-d.closed:
			return 0, os.ErrClosed
		default:
		}
		ready, err := d.desc.WaitReadable(PollInterval)
		if err != nil {
			return 0, err
		}
		if !ready {
			continue
		}
		n, err := d.desc.Read(bufs[0][offset:])
		if errors.Is(err, core.ErrWouldBlock) {
			continue
		}
		if err != nil {
			return 0, err
		}
		sizes[0] = n
		return 1, nil
	}
}

// Write writes each buffer past offset as one packet.
func (d *Device) Write(bufs [][]byte, offset int) (int, error) {
	select {
	case <-d.closed:
		return 0, os.ErrClosed
	default:
	}
	sent := 0
	for _, b := range bufs {
		if offset >= len(b) {
			continue
		}
		if _, err := d.desc.Write(b[offset:]); err != nil {
			return sent, err
		}
		sent++
	}
	return sent, nil
}

// MTU returns the interface MTU.
func (d *Device) MTU() (int, error) { return d.mtu, nil }

// Name returns the interface name.
func (d *Device) Name() (string, error) { return d.name, nil }

// Events returns the device event stream.
func (d *Device) Events() <-chan wgtun.Event { return d.events }

// BatchSize returns 1; reads and writes are one packet at a time.
func (d *Device) BatchSize() int { return 1 }

// Close stops the device and emits EventDown.
func (d *Device) Close() error {
	d.closeMu.Lock()
	defer d.closeMu.Unlock()
	select {
	case <-d.closed:
		return nil
	default:
	}
	close(d.closed)
	select {
	case d.events <- wgtun.EventDown:
	default:
	}
	close(d.events)
	return nil
}
