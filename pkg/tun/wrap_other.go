//go:build !linux

package tun

import (
	wgtun "golang.zx2c4.com/wireguard/tun"
)

func wrapFD(fd int) (wgtun.Device, error) {
	return nil, errFDWrapUnsupported
}
