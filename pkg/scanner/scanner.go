// Package scanner discovers hosts on a /24 by racing TCP connects to a few
// well-known ports and falling back to a unicast mDNS query.
package scanner

import (
	"context"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/irctrakz/tunshield/pkg/core"
	"github.com/irctrakz/tunshield/pkg/logging"
)

// Host labels.
const (
	LabelGateway = "Gateway"
	LabelActive  = "Active"
	LabelMDNS    = "mDNS Device"

	// UnknownMAC is reported for every host; link-layer addresses are not resolved.
	UnknownMAC = "00:00:00:00:00:00"
)

// Host is one discovered address.
type Host struct {
	IP     string `json:"i"`
	MAC    string `json:"m"`
	Status string `json:"s"`
}

// DialFunc opens a connection. It matches net.Dialer.DialContext.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Prober answers whether ip replies to a service discovery query.
type Prober interface {
	Probe(ctx context.Context, ip string) bool
}

// Scanner probes every host of a /24.
type Scanner struct {
	ports          []int
	connectTimeout time.Duration
	dial           DialFunc
	mdns           Prober
	log            *logrus.Entry
}

// Option customizes a Scanner.
type Option func(*Scanner)

// WithDialer replaces the TCP dialer.
func WithDialer(d DialFunc) Option {
	return func(s *Scanner) { s.dial = d }
}

// WithProber replaces the mDNS prober. A nil prober disables the fallback.
func WithProber(p Prober) Option {
	return func(s *Scanner) { s.mdns = p }
}

// New returns a Scanner built from cfg.
func New(cfg core.ScannerConfig, opts ...Option) *Scanner {
	s := &Scanner{
		ports:          cfg.Ports,
		connectTimeout: time.Duration(cfg.ConnectTimeoutMs) * time.Millisecond,
		log:            logging.Component("scanner"),
	}
	if len(s.ports) == 0 {
		s.ports = []int{80, 443, 62078}
	}
	if s.connectTimeout <= 0 {
		s.connectTimeout = 200 * time.Millisecond
	}
	var d net.Dialer
	s.dial = d.DialContext
	if cfg.MDNS {
		s.mdns = NewMDNSProber(time.Duration(cfg.MDNSTimeoutMs) * time.Millisecond)
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Scan probes prefix.1 through prefix.254 concurrently. Results are in
// completion order. An empty result is not an error.
func (s *Scanner) Scan(ctx context.Context, prefix string) ([]Host, error) {
	if !strings.HasSuffix(prefix, ".") {
		prefix += "."
	}
	if net.ParseIP(prefix+"1").To4() == nil {
		return nil, core.ErrInvalidTarget
	}

	var (
		mu    sync.Mutex
		hosts = []Host{}
	)
	g, gctx := errgroup.WithContext(ctx)
	for i := 1; i <= 254; i++ {
		i := i
		g.Go(func() error {
			h, ok := s.probeHost(gctx, prefix+strconv.Itoa(i), i == 1)
			if ok {
				mu.Lock()
				hosts = append(hosts, h)
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	s.log.WithField("prefix", prefix).WithField("found", len(hosts)).Debug("scan complete")
	return hosts, ctx.Err()
}

func (s *Scanner) probeHost(ctx context.Context, ip string, gateway bool) (Host, bool) {
	if s.tcpRace(ctx, ip) {
		label := LabelActive
		if gateway {
			label = LabelGateway
		}
		return Host{IP: ip, MAC: UnknownMAC, Status: label}, true
	}
	if s.mdns != nil && s.mdns.Probe(ctx, ip) {
		return Host{IP: ip, MAC: UnknownMAC, Status: LabelMDNS}, true
	}
	return Host{}, false
}

// tcpRace connects to every port in parallel and reports the first success.
func (s *Scanner) tcpRace(ctx context.Context, ip string) bool {
	ctx, cancel := context.WithTimeout(ctx, s.connectTimeout)
	defer cancel()

	results := make(chan bool, len(s.ports))
	for _, port := range s.ports {
		addr := net.JoinHostPort(ip, strconv.Itoa(port))
		go func() {
			c, err := s.dial(ctx, "tcp", addr)
			if err == nil {
				c.Close()
			}
			results <- err == nil
		}()
	}
	for range s.ports {
		if <-results {
			return true
		}
	}
	return false
}
