//go:build linux

package tun

import (
	"golang.org/x/sys/unix"
	wgtun "golang.zx2c4.com/wireguard/tun"
)

// wrapFD hands a duplicate of fd to the kernel TUN driver; the returned
// device owns and closes the duplicate.
func wrapFD(fd int) (wgtun.Device, error) {
	nfd, err := dupCloseOnExec(fd)
	if err != nil {
		return nil, err
	}
	dev, _, err := wgtun.CreateUnmonitoredTUNFromFD(nfd)
	if err != nil {
		unix.Close(nfd)
		return nil, err
	}
	return dev, nil
}
