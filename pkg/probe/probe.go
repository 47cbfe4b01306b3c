// Package probe measures TCP connect latency and jitter to one target.
package probe

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/irctrakz/tunshield/pkg/core"
	"github.com/irctrakz/tunshield/pkg/logging"
)

// Unreachable is the status reported when any attempt fails.
const Unreachable = "unreachable"

// Result is one measurement. Ping and Jitter are milliseconds.
type Result struct {
	Ping   int64  `json:"ping"`
	Jitter int64  `json:"jitter"`
	Status string `json:"status"`
}

// UnreachableResult is the result of a failed measurement.
func UnreachableResult() Result {
	return Result{Ping: -1, Jitter: 0, Status: Unreachable}
}

// DialFunc opens a connection.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Prober runs sequential connect attempts.
type Prober struct {
	attempts    int
	timeout     time.Duration
	defaultPort int
	dial        DialFunc
	now         func() time.Time
	log         *logrus.Entry
}

// Option customizes a Prober.
type Option func(*Prober)

// WithDialer replaces the TCP dialer.
func WithDialer(d DialFunc) Option { return func(p *Prober) { p.dial = d } }

// WithClock replaces the time source used to time attempts.
func WithClock(now func() time.Time) Option { return func(p *Prober) { p.now = now } }

// New returns a Prober built from cfg.
func New(cfg core.ProbeConfig, opts ...Option) *Prober {
	p := &Prober{
		attempts:    cfg.Attempts,
		timeout:     time.Duration(cfg.TimeoutMs) * time.Millisecond,
		defaultPort: cfg.DefaultPort,
		now:         time.Now,
		log:         logging.Component("probe"),
	}
	if p.attempts <= 0 {
		p.attempts = 3
	}
	if p.timeout <= 0 {
		p.timeout = 1500 * time.Millisecond
	}
	if p.defaultPort <= 0 {
		p.defaultPort = 80
	}
	var d net.Dialer
	p.dial = d.DialContext
	for _, o := range opts {
		o(p)
	}
	return p
}

// Measure connects to target the configured number of times, one after
// another. Any failed attempt makes the whole measurement unreachable.
func (p *Prober) Measure(ctx context.Context, target string) Result {
	addr, err := p.resolveTarget(target)
	if err != nil {
		p.log.WithField("target", target).Debug("invalid target")
		return UnreachableResult()
	}

	samples := make([]int64, 0, p.attempts)
	for i := 0; i < p.attempts; i++ {
		ms, ok := p.attempt(ctx, addr)
		if !ok {
			p.log.WithField("target", addr).WithField("attempt", i+1).Debug("connect failed")
			return UnreachableResult()
		}
		samples = append(samples, ms)
	}

	var sum int64
	lo, hi := samples[0], samples[0]
	for _, s := range samples {
		sum += s
		lo = min(lo, s)
		hi = max(hi, s)
	}
	return Result{
		Ping:   sum / int64(len(samples)),
		Jitter: hi - lo,
		Status: addr,
	}
}

func (p *Prober) attempt(ctx context.Context, addr string) (int64, bool) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	start := p.now()
	c, err := p.dial(ctx, "tcp", addr)
	if err != nil {
		return -1, false
	}
	elapsed := p.now().Sub(start)
	c.Close()
	return elapsed.Milliseconds(), true
}

// resolveTarget appends the default port when target has none. Bare IPv6
// literals are accepted.
func (p *Prober) resolveTarget(target string) (string, error) {
	if target == "" {
		return "", core.ErrInvalidTarget
	}
	if host, port, err := net.SplitHostPort(target); err == nil {
		if host == "" || port == "" {
			return "", core.ErrInvalidTarget
		}
		if _, err := strconv.ParseUint(port, 10, 16); err != nil {
			return "", core.ErrInvalidTarget
		}
		return target, nil
	}
	host := target
	if ip := net.ParseIP(host); ip == nil && !validHostname(host) {
		return "", core.ErrInvalidTarget
	}
	return net.JoinHostPort(host, strconv.Itoa(p.defaultPort)), nil
}

func validHostname(h string) bool {
	if len(h) > 253 {
		return false
	}
	for _, r := range h {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
		default:
			return false
		}
	}
	return true
}
