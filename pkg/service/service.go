// Package service owns every long-lived component of a tunshield process
// and exposes the host-facing operations. Each operation contains panics
// and degrades to a safe default.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/irctrakz/tunshield/pkg/capture"
	"github.com/irctrakz/tunshield/pkg/config"
	"github.com/irctrakz/tunshield/pkg/core"
	"github.com/irctrakz/tunshield/pkg/disrupt"
	"github.com/irctrakz/tunshield/pkg/engine"
	"github.com/irctrakz/tunshield/pkg/logging"
	"github.com/irctrakz/tunshield/pkg/policy"
	"github.com/irctrakz/tunshield/pkg/probe"
	"github.com/irctrakz/tunshield/pkg/scanner"
	"github.com/irctrakz/tunshield/pkg/shield"
	"github.com/irctrakz/tunshield/pkg/tun"
	"github.com/irctrakz/tunshield/pkg/tunnel"
)

// Options overrides collaborators. Zero values select the production
// implementations.
type Options struct {
	Notifier       logging.Notifier
	Engine         tunnel.Engine
	Clients        tunnel.ClientFactory
	Wrapper        tun.Wrapper
	Owners         policy.OwnerResolver
	Tap            core.PacketTap
	ScannerOptions []scanner.Option
	ProbeOptions   []probe.Option
	DisruptDial    disrupt.DialFunc
}

// Service is the owned context object for one process.
type Service struct {
	cfg   *config.Config
	state *core.State
	store *config.Store

	controller *policy.Controller
	loop       *tunnel.Loop
	shield     *shield.Shield
	scanner    *scanner.Scanner
	prober     *probe.Prober
	disruptor  *disrupt.Disruptor

	tap      core.PacketTap
	closeTap io.Closer
	notifier logging.Notifier
	log      *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
}

// New validates cfg and builds a Service.
func New(cfg *config.Config, opts Options) (*Service, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Service{
		cfg:      cfg,
		state:    core.NewState(),
		store:    config.NewStore(),
		notifier: opts.Notifier,
		tap:      opts.Tap,
		log:      logging.Component("service"),
	}
	if s.notifier == nil {
		s.notifier = logging.NewLogNotifier("tunnel")
	}
	s.store.Apply(&cfg.Shield)

	if s.tap == nil && cfg.Capture.File != "" {
		w, err := capture.Create(cfg.Capture.File)
		if err != nil {
			return nil, fmt.Errorf("capture: %w", err)
		}
		s.tap = w
		s.closeTap = w
	}

	owners := opts.Owners
	if owners == nil {
		owners = policy.NewProcNetResolver(cfg.ProcRoot)
	}
	s.controller = policy.NewController(s.store, owners)

	eng := opts.Engine
	if eng == nil {
		eng = engine.New(s.state, engine.Options{Filter: s.controller, Tap: s.tap})
	}
	s.loop = tunnel.New(s.state, s.store, eng, tunnel.Options{
		Config:   cfg.Tunnel,
		Notifier: s.notifier,
		Clients:  opts.Clients,
		Wrapper:  opts.Wrapper,
		Tap:      s.tap,
	})
	s.shield = shield.New(s.state, s.store, shield.Options{
		BufferSize: cfg.Tunnel.ReadBufferSize,
		Notifier:   s.notifier,
		Tap:        s.tap,
	})
	s.scanner = scanner.New(cfg.Scanner, opts.ScannerOptions...)
	s.prober = probe.New(cfg.Probe, opts.ProbeOptions...)
	s.disruptor = disrupt.New(cfg.Disrupt, opts.DisruptDial)

	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

// State returns the shared session state.
func (s *Service) State() *core.State { return s.state }

// Store returns the runtime configuration store.
func (s *Service) Store() *config.Store { return s.store }

func (s *Service) recoverTo(op string) {
	if r := recover(); r != nil {
		s.log.WithFields(logrus.Fields{
			"op":    op,
			"panic": r,
			"stack": string(debug.Stack()),
		}).Error("recovered from panic")
	}
}

// ToggleStealth sets the stealth flag.
func (s *Service) ToggleStealth(on bool) {
	defer s.recoverTo("toggleStealth")
	s.store.SetStealth(on)
}

// SetCredential replaces the access key. An empty key selects the
// passive shield on the next run.
func (s *Service) SetCredential(cred string) {
	defer s.recoverTo("setCredential")
	s.store.SetCredential(cred)
}

// SetAllowedDomains replaces the domain allowlist from a comma-separated list.
func (s *Service) SetAllowedDomains(csv string) {
	defer s.recoverTo("setAllowedDomains")
	s.store.SetAllowedDomains(config.SplitCSV(csv))
}

// SetAllowedUIDs replaces the owner allowlist. Negative values are ignored.
func (s *Service) SetAllowedUIDs(uids []int32) {
	defer s.recoverTo("setAllowedUids")
	out := make([]uint32, 0, len(uids))
	for _, u := range uids {
		if u >= 0 {
			out = append(out, uint32(u))
		}
	}
	s.store.SetAllowedUIDs(out)
}

// SetBandwidthLimit stores the declared limit in Mbps. It is not enforced.
func (s *Service) SetBandwidthLimit(mbps int64) {
	defer s.recoverTo("setBandwidthLimit")
	s.store.SetBandwidthLimitMbps(mbps)
}

// RunTunnelLoop drives a session on d until it ends, ctx is cancelled or
// the service is closed.
func (s *Service) RunTunnelLoop(ctx context.Context, d tun.Descriptor) (status core.Status, err error) {
	defer s.recoverLoop("tunnel", &status, &err)
	ctx, cancel := s.bind(ctx)
	defer cancel()
	return s.loop.Run(ctx, d)
}

// RunPassiveLoop drains d with the passive shield.
func (s *Service) RunPassiveLoop(ctx context.Context, d tun.Descriptor) (status core.Status, err error) {
	defer s.recoverLoop("passive", &status, &err)
	ctx, cancel := s.bind(ctx)
	defer cancel()
	return s.shield.Run(ctx, d)
}

// recoverLoop turns a loop panic into an error. The loop has already
// released its lease on the way out, so the recorded status is reported
// as is.
func (s *Service) recoverLoop(name string, status *core.Status, err *error) {
	r := recover()
	if r == nil {
		return
	}
	s.log.WithFields(logrus.Fields{
		"loop":  name,
		"panic": r,
		"stack": string(debug.Stack()),
	}).Error("loop panicked")
	*status = s.state.Status()
	if !status.Terminal() {
		*status = core.StatusError
	}
	*err = fmt.Errorf("%s loop panic: %v", name, r)
}

// bind derives a context that is also cancelled by Close.
func (s *Service) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// RequestStop asks the running loop to stop. It returns immediately.
func (s *Service) RequestStop() {
	defer s.recoverTo("requestStop")
	s.state.RequestStop()
}

// Health returns the current counters.
func (s *Service) Health() core.Health {
	return s.state.Snapshot()
}

// HealthSnapshot returns Health as JSON.
func (s *Service) HealthSnapshot() (out string) {
	out = "{}"
	defer s.recoverTo("healthSnapshot")
	out = marshal(s.Health(), out)
	return out
}

// BlockedCount returns the total number of packets read from the device.
func (s *Service) BlockedCount() (n int64) {
	defer s.recoverTo("blockedCount")
	return int64(s.state.BlockedCount())
}

// Energy returns the energy savings estimate.
func (s *Service) Energy() core.EnergyEstimate {
	h := s.state.Snapshot()
	return core.EstimateEnergy(h.Bytes, s.state.BlockedCount())
}

// EnergySavingsEstimate returns Energy as JSON.
func (s *Service) EnergySavingsEstimate() (out string) {
	out = "{}"
	defer s.recoverTo("energySavingsEstimate")
	out = marshal(s.Energy(), out)
	return out
}

// Measure runs the latency probe against target.
func (s *Service) Measure(ctx context.Context, target string) probe.Result {
	return s.prober.Measure(ctx, target)
}

// MeasureStats returns Measure as JSON.
func (s *Service) MeasureStats(ctx context.Context, target string) (out string) {
	out = marshal(probe.UnreachableResult(), "{}")
	defer s.recoverTo("measureStats")
	out = marshal(s.Measure(ctx, target), out)
	return out
}

// Scan discovers hosts under prefix.
func (s *Service) Scan(ctx context.Context, prefix string) ([]scanner.Host, error) {
	return s.scanner.Scan(ctx, prefix)
}

// ScanSubnet returns Scan as a JSON array. Failures yield an empty array.
func (s *Service) ScanSubnet(ctx context.Context, prefix string) (out string) {
	out = "[]"
	defer s.recoverTo("scanSubnet")
	hosts, err := s.Scan(ctx, prefix)
	if err != nil {
		s.log.WithError(err).WithField("prefix", prefix).Warn("scan failed")
		if len(hosts) == 0 {
			return out
		}
	}
	out = marshal(hosts, out)
	return out
}

// DisruptTarget starts a connect burst against ip in the background. It
// returns ErrCapabilityDisabled unless enabled in config.
func (s *Service) DisruptTarget(ip string) (err error) {
	err = core.ErrCapabilityDisabled
	defer s.recoverTo("disruptTarget")
	if _, err := s.disruptor.Validate(ip); err != nil {
		s.log.WithError(err).WithField("target", ip).Warn("disrupt rejected")
		return err
	}
	if s.ctx.Err() != nil {
		return context.Canceled
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.recoverTo("disruptTarget.run")
		if _, err := s.disruptor.Run(s.ctx, ip); err != nil && !errors.Is(err, context.Canceled) {
			s.log.WithError(err).Warn("disrupt burst ended")
		}
	}()
	return nil
}

// Close stops any running loop, waits for background work, closes the
// capture and wipes the credential.
func (s *Service) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.state.RequestStop()
		s.cancel()
		s.wg.Wait()
		if s.closeTap != nil {
			err = s.closeTap.Close()
		}
		s.store.Close()
	})
	return err
}

func marshal(v interface{}, fallback string) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fallback
	}
	return string(b)
}
