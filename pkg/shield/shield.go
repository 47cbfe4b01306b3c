// Package shield implements the passive shield: it drains the device and
// discards every packet, keeping only counters.
package shield

import (
	"context"
	"errors"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/irctrakz/tunshield/pkg/core"
	"github.com/irctrakz/tunshield/pkg/logging"
	"github.com/irctrakz/tunshield/pkg/packet"
	"github.com/irctrakz/tunshield/pkg/policy"
	"github.com/irctrakz/tunshield/pkg/tun"
)

// DefaultBufferSize is the scratch buffer used for each read.
const DefaultBufferSize = 16 * 1024

// DomainSource returns the current domain allowlist.
type DomainSource interface {
	AllowedDomains() []string
}

// Options configures a Shield.
type Options struct {
	BufferSize int
	Notifier   logging.Notifier
	Tap        core.PacketTap
}

// Shield is the read-and-discard loop.
type Shield struct {
	state    *core.State
	domains  DomainSource
	bufSize  int
	notifier logging.Notifier
	tap      core.PacketTap
	log      *logrus.Entry
}

// New returns a Shield updating state. domains may be nil.
func New(state *core.State, domains DomainSource, opts Options) *Shield {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.Notifier == nil {
		opts.Notifier = logging.NopNotifier{}
	}
	return &Shield{
		state:    state,
		domains:  domains,
		bufSize:  opts.BufferSize,
		notifier: opts.Notifier,
		tap:      opts.Tap,
		log:      logging.Component("shield"),
	}
}

// Run claims the state and drains d until EOF, a read error, ctx
// cancellation or a forced stop. When another loop holds the state it
// returns StatusError with core.ErrBusy and leaves the state untouched.
func (s *Shield) Run(ctx context.Context, d tun.Descriptor) (core.Status, error) {
	lease, err := s.state.Begin()
	if err != nil {
		return core.StatusError, err
	}
	return s.Serve(ctx, lease, d)
}

// Serve drains d under a lease the caller already holds and releases it as
// Stopped on return.
func (s *Shield) Serve(ctx context.Context, lease *core.Lease, d tun.Descriptor) (core.Status, error) {
	defer lease.Stop()
	if !lease.MarkRunning() {
		s.notifier.Notify("shield_aborted")
		return core.StatusStopped, nil
	}
	s.notifier.Notify("shield_running")
	s.log.Info("passive shield running")

	err := s.drain(ctx, lease, d)
	if err != nil {
		s.log.WithError(err).Warn("passive shield read failed")
	}
	s.notifier.Notify("shield_stopped")
	s.log.WithField("bytes", s.state.Snapshot().Bytes).Info("passive shield stopped")
	return core.StatusStopped, err
}

func (s *Shield) drain(ctx context.Context, lease *core.Lease, d tun.Descriptor) error {
	buf := make([]byte, s.bufSize)
	for {
		if ctx.Err() != nil || !lease.Active() {
			return nil
		}
		ready, err := d.WaitReadable(tun.PollInterval)
		if err != nil {
			return err
		}
		if !ready {
			continue
		}
		n, err := d.Read(buf)
		switch {
		case errors.Is(err, core.ErrWouldBlock):
			continue
		case errors.Is(err, io.EOF):
			return nil
		case err != nil:
			return err
		case n == 0:
			return nil
		}
		s.observe(buf[:n])
	}
}

// observe updates counters. The domain verdict is recorded but never acted
// on: nothing is forwarded either way.
func (s *Shield) observe(pkt []byte) {
	if s.tap != nil {
		s.tap.Capture(pkt)
	}
	if s.domains != nil {
		if domains := s.domains.AllowedDomains(); len(domains) > 0 && !policy.DomainAllowed(pkt, domains) {
			s.state.RecordDenied()
		}
	}
	s.state.Record(packet.Classify(pkt), len(pkt))
}
