package packet

import (
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/irctrakz/tunshield/pkg/core"
)

// Transport is the decoded transport header of a packet.
type Transport struct {
	Protocol core.Protocol
	SrcPort  uint16
	DstPort  uint16
	IPv6     bool
	// Payload aliases the input buffer.
	Payload []byte
}

var decodeOpts = gopacket.DecodeOptions{Lazy: true, NoCopy: true}

// ParseTransport decodes the TCP or UDP header of an IPv4/IPv6 packet.
// ok is false for other protocols and malformed packets.
func ParseTransport(b []byte) (t Transport, ok bool) {
	var first gopacket.LayerType
	switch {
	case IsIPv4(b):
		first = layers.LayerTypeIPv4
	case IsIPv6(b):
		first = layers.LayerTypeIPv6
		t.IPv6 = true
	default:
		return Transport{}, false
	}

	pkt := gopacket.NewPacket(b, first, decodeOpts)
	if tcp, isTCP := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP); isTCP {
		t.Protocol = core.ProtoTCP
		t.SrcPort = uint16(tcp.SrcPort)
		t.DstPort = uint16(tcp.DstPort)
		t.Payload = tcp.Payload
		return t, true
	}
	if udp, isUDP := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP); isUDP {
		t.Protocol = core.ProtoUDP
		t.SrcPort = uint16(udp.SrcPort)
		t.DstPort = uint16(udp.DstPort)
		t.Payload = udp.Payload
		return t, true
	}
	return Transport{}, false
}
