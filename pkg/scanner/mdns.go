package scanner

import (
	"context"
	"net"
	"time"

	"github.com/miekg/dns"
)

// ServicesQuery is the DNS-SD service enumeration name.
const ServicesQuery = "_services._dns-sd._udp.local."

// MDNSPort is the multicast DNS port.
const MDNSPort = "5353"

// MDNSProber sends one unicast DNS-SD PTR query and treats any reply as
// a discovery.
type MDNSProber struct {
	Timeout time.Duration
	Port    string
}

// NewMDNSProber returns a prober waiting up to timeout for a reply.
func NewMDNSProber(timeout time.Duration) *MDNSProber {
	if timeout <= 0 {
		timeout = 150 * time.Millisecond
	}
	return &MDNSProber{Timeout: timeout, Port: MDNSPort}
}

// Probe reports whether ip answered.
func (p *MDNSProber) Probe(ctx context.Context, ip string) bool {
	m := new(dns.Msg)
	m.SetQuestion(ServicesQuery, dns.TypePTR)
	m.Id = 0
	m.RecursionDesired = false
	wire, err := m.Pack()
	if err != nil {
		return false
	}

	conn, err := net.ListenPacket("udp", ":0")
	if err != nil {
		return false
	}
	defer conn.Close()

	dst, err := net.ResolveUDPAddr("udp", net.JoinHostPort(ip, p.Port))
	if err != nil {
		return false
	}
	deadline := time.Now().Add(p.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetDeadline(deadline)
	if _, err := conn.WriteTo(wire, dst); err != nil {
		return false
	}
	buf := make([]byte, 512)
	_, _, err = conn.ReadFrom(buf)
	return err == nil
}
