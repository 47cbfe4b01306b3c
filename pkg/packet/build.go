package packet

import (
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// MakeIPv4 builds a minimal IPv4 packet with src/dst and an opaque payload.
func MakeIPv4(src, dst net.IP, proto byte, payload []byte) []byte {
	ihl := 20
	total := ihl + len(payload)
	p := make([]byte, total)
	p[0] = 0x45
	p[2] = byte(total >> 8)
	p[3] = byte(total & 0xff)
	p[8] = 64
	p[9] = proto
	copy(p[12:16], src.To4())
	copy(p[16:20], dst.To4())
	var sum uint32
	for i := 0; i < 20; i += 2 {
		if i == 10 {
			continue
		}
		sum += uint32(p[i])<<8 | uint32(p[i+1])
	}
	for (sum >> 16) != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	cs := ^uint16(sum)
	p[10] = byte(cs >> 8)
	p[11] = byte(cs)
	copy(p[ihl:], payload)
	return p
}

// MakeTCP builds an IPv4 or IPv6 TCP packet (PSH|ACK) carrying payload.
func MakeTCP(src, dst net.IP, sport, dport uint16, payload []byte) []byte {
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(sport),
		DstPort: layers.TCPPort(dport),
		Seq:     1,
		Ack:     1,
		PSH:     true,
		ACK:     true,
		Window:  65535,
	}
	return serialize(src, dst, layers.IPProtocolTCP, tcp, payload)
}

// MakeUDP builds an IPv4 or IPv6 UDP datagram carrying payload.
func MakeUDP(src, dst net.IP, sport, dport uint16, payload []byte) []byte {
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(sport),
		DstPort: layers.UDPPort(dport),
	}
	return serialize(src, dst, layers.IPProtocolUDP, udp, payload)
}

type transportLayer interface {
	gopacket.SerializableLayer
	SetNetworkLayerForChecksum(gopacket.NetworkLayer) error
}

func serialize(src, dst net.IP, proto layers.IPProtocol, tl transportLayer, payload []byte) []byte {
	var ip gopacket.SerializableLayer
	if src.To4() != nil {
		ip4 := &layers.IPv4{Version: 4, IHL: 5, TTL: 64, Protocol: proto, SrcIP: src.To4(), DstIP: dst.To4()}
		_ = tl.SetNetworkLayerForChecksum(ip4)
		ip = ip4
	} else {
		ip6 := &layers.IPv6{Version: 6, HopLimit: 64, NextHeader: proto, SrcIP: src, DstIP: dst}
		_ = tl.SetNetworkLayerForChecksum(ip6)
		ip = ip6
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, tl, gopacket.Payload(payload)); err != nil {
		return nil
	}
	return buf.Bytes()
}
