// Package disrupt issues a bounded burst of short TCP connects to a host on
// the local network. It is disabled unless explicitly enabled in config.
package disrupt

import (
	"context"
	"net"
	"net/netip"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/irctrakz/tunshield/pkg/core"
	"github.com/irctrakz/tunshield/pkg/logging"
)

// MaxAttempts caps the burst regardless of configuration.
const MaxAttempts = 500

const connectTimeout = time.Second

// DialFunc opens a connection.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Disruptor runs connect bursts.
type Disruptor struct {
	enabled  bool
	attempts int
	interval time.Duration
	port     int
	dial     DialFunc
	log      *logrus.Entry
}

// New returns a Disruptor built from cfg. dial may be nil.
func New(cfg core.DisruptConfig, dial DialFunc) *Disruptor {
	d := &Disruptor{
		enabled:  cfg.Enabled,
		attempts: cfg.Attempts,
		interval: time.Duration(cfg.IntervalMs) * time.Millisecond,
		port:     cfg.Port,
		dial:     dial,
		log:      logging.Component("disrupt"),
	}
	if d.attempts <= 0 || d.attempts > MaxAttempts {
		d.attempts = MaxAttempts
	}
	if d.interval <= 0 {
		d.interval = 5 * time.Millisecond
	}
	if d.port <= 0 {
		d.port = 80
	}
	if d.dial == nil {
		var nd net.Dialer
		d.dial = nd.DialContext
	}
	return d
}

// Enabled reports whether bursts are permitted.
func (d *Disruptor) Enabled() bool { return d.enabled }

// Validate checks that the capability is on and ip is a literal private,
// loopback or link-local address.
func (d *Disruptor) Validate(ip string) (netip.Addr, error) {
	if !d.enabled {
		return netip.Addr{}, core.ErrCapabilityDisabled
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return netip.Addr{}, core.ErrInvalidTarget
	}
	addr = addr.Unmap()
	if !addr.IsPrivate() && !addr.IsLoopback() && !addr.IsLinkLocalUnicast() {
		return netip.Addr{}, core.ErrInvalidTarget
	}
	return addr, nil
}

// Run connects to ip on the configured port until the attempt budget is
// spent or ctx is cancelled. It returns the number of connects that
// succeeded.
func (d *Disruptor) Run(ctx context.Context, ip string) (int, error) {
	addr, err := d.Validate(ip)
	if err != nil {
		return 0, err
	}
	target := net.JoinHostPort(addr.String(), strconv.Itoa(d.port))
	log := d.log.WithField("target", target)
	log.WithField("attempts", d.attempts).Warn("starting connect burst")

	connected := 0
	for i := 0; i < d.attempts; i++ {
		cctx, cancel := context.WithTimeout(ctx, connectTimeout)
		c, err := d.dial(cctx, "tcp", target)
		cancel()
		if err == nil {
			connected++
			c.Close()
		}
		select {
		case <-ctx.Done():
			log.WithField("connected", connected).Info("connect burst cancelled")
			return connected, ctx.Err()
		case <-time.After(d.interval):
		}
	}
	log.WithField("connected", connected).Info("connect burst finished")
	return connected, nil
}
