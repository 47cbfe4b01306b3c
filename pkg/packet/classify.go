// Package packet classifies and decodes raw IP packets read from the device.
package packet

import (
	"github.com/irctrakz/tunshield/pkg/core"
)

const (
	ipv4HeaderLen = 20
	ipv6HeaderLen = 40
)

// Classify tags a packet by transport protocol using only the IP version
// nibble and the protocol byte. It never fails; short or unknown buffers
// are ProtoOther.
func Classify(b []byte) core.Protocol {
	if len(b) == 0 {
		return core.ProtoOther
	}
	var proto byte
	switch b[0] >> 4 {
	case 4:
		if len(b) < ipv4HeaderLen {
			return core.ProtoOther
		}
		proto = b[9]
	case 6:
		if len(b) < ipv6HeaderLen {
			return core.ProtoOther
		}
		proto = b[6]
	default:
		return core.ProtoOther
	}
	switch proto {
	case core.IPProtoTCP:
		return core.ProtoTCP
	case core.IPProtoUDP:
		return core.ProtoUDP
	default:
		return core.ProtoOther
	}
}

// IsIPv4 reports whether b appears to be an IPv4 packet.
func IsIPv4(b []byte) bool { return len(b) >= ipv4HeaderLen && b[0]>>4 == 4 }

// IsIPv6 reports whether b appears to be an IPv6 packet.
func IsIPv6(b []byte) bool { return len(b) >= ipv6HeaderLen && b[0]>>4 == 6 }
