package engine

import (
	"context"
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/miekg/dns"

	"github.com/irctrakz/tunshield/pkg/packet"
)

// relayDNS forwards one UDP DNS query to its original resolver over a TCP
// connection through the proxy and writes the answer back as UDP.
func (ss *session) relayDNS(pkt []byte) {
	var src, dst net.IP
	var first gopacket.LayerType
	if packet.IsIPv4(pkt) {
		first = layers.LayerTypeIPv4
	} else {
		first = layers.LayerTypeIPv6
	}
	p := gopacket.NewPacket(pkt, first, decodeOpts)
	switch ip := p.NetworkLayer().(type) {
	case *layers.IPv4:
		src, dst = ip.SrcIP, ip.DstIP
	case *layers.IPv6:
		src, dst = ip.SrcIP, ip.DstIP
	default:
		return
	}
	udp, ok := p.Layer(layers.LayerTypeUDP).(*layers.UDP)
	if !ok {
		return
	}

	query := new(dns.Msg)
	if err := query.Unpack(udp.Payload); err != nil {
		return
	}

	resolver := net.JoinHostPort(dst.String(), "53")
	log := ss.log.WithField("resolver", resolver)

	ctx, cancel := context.WithTimeout(context.Background(), dnsTimeout)
	defer cancel()
	conn, err := ss.dialer.DialContext(ctx, "tcp", resolver)
	if err != nil {
		log.WithError(err).Debug("dns dial failed")
		return
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(dnsTimeout))

	co := &dns.Conn{Conn: conn}
	if err := co.WriteMsg(query); err != nil {
		log.WithError(err).Debug("dns write failed")
		return
	}
	resp, err := co.ReadMsg()
	if err != nil {
		log.WithError(err).Debug("dns read failed")
		return
	}
	out, err := resp.Pack()
	if err != nil {
		return
	}
	reply := packet.MakeUDP(dst, src, uint16(udp.DstPort), uint16(udp.SrcPort), out)
	if reply == nil {
		return
	}
	if err := ss.writePacket(reply); err != nil {
		log.WithError(err).Debug("dns reply write failed")
	}
}

var decodeOpts = gopacket.DecodeOptions{Lazy: true, NoCopy: true}
