package tun

import (
	"errors"
	"fmt"

	wgtun "golang.zx2c4.com/wireguard/tun"

	"github.com/irctrakz/tunshield/pkg/core"
)

// Wrapper turns a descriptor into the packet device handed to the engine.
type Wrapper interface {
	Wrap(d Descriptor, mtu int) (wgtun.Device, error)
}

// WrapperFunc adapts a function to Wrapper.
type WrapperFunc func(d Descriptor, mtu int) (wgtun.Device, error)

// Wrap calls f.
func (f WrapperFunc) Wrap(d Descriptor, mtu int) (wgtun.Device, error) { return f(d, mtu) }

// errFDWrapUnsupported makes DefaultWrapper fall back to the polling adapter.
var errFDWrapUnsupported = errors.New("platform TUN wrap unsupported")

// DefaultWrapper wraps OS descriptors with the platform TUN driver and any
// other Descriptor with the polling Device adapter.
type DefaultWrapper struct{}

// Wrap implements Wrapper. Failures are reported as core.ErrDeviceWrap.
func (DefaultWrapper) Wrap(d Descriptor, mtu int) (wgtun.Device, error) {
	if d == nil {
		return nil, fmt.Errorf("%w: nil descriptor", core.ErrDeviceWrap)
	}
	if fd, ok := d.(FileDescriptor); ok {
		dev, err := wrapFD(fd.FD())
		if errors.Is(err, errFDWrapUnsupported) {
			return NewDevice(d, "tunshield", mtu), nil
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", core.ErrDeviceWrap, err)
		}
		return dev, nil
	}
	return NewDevice(d, "tunshield", mtu), nil
}
