// Package tunnel drives a session: it falls back to the passive shield when
// no credential is configured, otherwise it bootstraps the local proxy,
// waits for it, wraps the device and hands it to the engine under a
// watchdog.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	wgtun "golang.zx2c4.com/wireguard/tun"

	"github.com/irctrakz/tunshield/pkg/config"
	"github.com/irctrakz/tunshield/pkg/core"
	"github.com/irctrakz/tunshield/pkg/logging"
	"github.com/irctrakz/tunshield/pkg/shield"
	"github.com/irctrakz/tunshield/pkg/sslocal"
	"github.com/irctrakz/tunshield/pkg/tun"
)

const probeTimeout = 200 * time.Millisecond

// Client is the external tunnel client serving a local proxy.
type Client interface {
	Run(ctx context.Context) error
}

// ClientFactory builds a Client from a credential and a local listen address.
type ClientFactory func(credential []byte, listenAddr string) (Client, error)

// Engine forwards device traffic to the proxy until ctx is cancelled. It
// owns dev and must close it.
type Engine interface {
	Run(ctx context.Context, dev wgtun.Device, proxyAddr string, mtu int) error
}

// CredentialSource supplies the current configuration.
type CredentialSource interface {
	Credential() []byte
	AllowedDomains() []string
}

// Options configures a Loop.
type Options struct {
	Config   core.TunnelConfig
	Notifier logging.Notifier
	Clients  ClientFactory
	Wrapper  tun.Wrapper
	Tap      core.PacketTap
}

// Loop runs tunnel sessions against one State.
type Loop struct {
	state    *core.State
	store    CredentialSource
	engine   Engine
	cfg      core.TunnelConfig
	notifier logging.Notifier
	clients  ClientFactory
	wrapper  tun.Wrapper
	tap      core.PacketTap
	log      *logrus.Entry
}

// SSClientFactory builds the Shadowsocks SOCKS5 client.
func SSClientFactory(credential []byte, listenAddr string) (Client, error) {
	return sslocal.New(credential, listenAddr)
}

// New returns a Loop.
func New(state *core.State, store CredentialSource, engine Engine, opts Options) *Loop {
	if opts.Notifier == nil {
		opts.Notifier = logging.NopNotifier{}
	}
	if opts.Clients == nil {
		opts.Clients = SSClientFactory
	}
	if opts.Wrapper == nil {
		opts.Wrapper = tun.DefaultWrapper{}
	}
	cfg := opts.Config
	if cfg.MTU <= 0 {
		cfg.MTU = 1280
	}
	if cfg.ReadinessAttempts <= 0 {
		cfg.ReadinessAttempts = 10
	}
	if cfg.ReadinessDelayMs <= 0 {
		cfg.ReadinessDelayMs = 300
	}
	if cfg.WatchdogIntervalMs <= 0 {
		cfg.WatchdogIntervalMs = 5000
	}
	if cfg.WatchdogFailures <= 0 {
		cfg.WatchdogFailures = 1
	}
	if cfg.FallbackProxyPort <= 0 {
		cfg.FallbackProxyPort = 10808
	}
	return &Loop{
		state:    state,
		store:    store,
		engine:   engine,
		cfg:      cfg,
		notifier: opts.Notifier,
		clients:  opts.Clients,
		wrapper:  opts.Wrapper,
		tap:      opts.Tap,
		log:      logging.Component("tunnel"),
	}
}

// Run drives one session on d to completion and returns the terminal
// status. The returned error is nil for sessions that ended normally. When
// another loop holds the state Run returns StatusError with core.ErrBusy
// and leaves the state untouched.
func (l *Loop) Run(ctx context.Context, d tun.Descriptor) (core.Status, error) {
	lease, err := l.state.Begin()
	if err != nil {
		return core.StatusError, err
	}
	// Releases the lease if a panic skips the normal exit paths.
	defer lease.Fail()

	session := uuid.NewString()
	l.state.SetSession(session)
	log := l.log.WithField("session", session)
	l.notifier.Notify("loop_starting")

	cred := l.store.Credential()
	if len(cred) == 0 {
		log.Info("no credential configured, running passive shield")
		l.notifier.Notify("passive_fallback")
		sh := shield.New(l.state, l.store, shield.Options{
			BufferSize: l.cfg.ReadBufferSize,
			Notifier:   l.notifier,
			Tap:        l.tap,
		})
		status, err := sh.Serve(ctx, lease, d)
		l.notifier.Notify("loop_stopped")
		return status, err
	}

	status, err := l.runActive(ctx, lease, d, cred, log)
	l.notifier.Notify("loop_stopped")
	return status, err
}

func (l *Loop) runActive(ctx context.Context, lease *core.Lease, d tun.Descriptor, cred []byte, log *logrus.Entry) (core.Status, error) {
	defer l.state.SetProxyPort(0)

	port := l.reservePort()
	l.state.SetProxyPort(port)
	proxyAddr := net.JoinHostPort("127.0.0.1", strconv.Itoa(int(port)))
	log = log.WithField("proxy", proxyAddr)

	client, err := l.clients(cred, proxyAddr)
	config.Wipe(cred)
	if err != nil {
		log.WithError(err).Error("tunnel client setup failed")
		l.notifier.Notify("credential_error")
		return l.fail(lease, fmt.Errorf("%w: %v", core.ErrCredentialParse, err))
	}

	clientCtx, stopClient := context.WithCancel(ctx)
	defer stopClient()
	go func() {
		if err := client.Run(clientCtx); err != nil {
			log.WithError(err).Warn("tunnel client exited")
		}
	}()

	if !l.waitReady(ctx, lease, proxyAddr) {
		if ctx.Err() != nil || !lease.Active() {
			log.Info("stopped while waiting for local proxy")
			return l.stop(lease), nil
		}
		log.Error("local proxy did not become ready")
		l.notifier.Notify("proxy_timeout")
		return l.fail(lease, core.ErrProxyTimeout)
	}
	l.notifier.Notify("proxy_ready")

	dev, err := l.wrapper.Wrap(d, l.cfg.MTU)
	if err != nil {
		log.WithError(err).Error("device wrap failed")
		l.notifier.Notify("device_wrap_failed")
		if errors.Is(err, core.ErrDeviceWrap) {
			return l.fail(lease, err)
		}
		return l.fail(lease, fmt.Errorf("%w: %v", core.ErrDeviceWrap, err))
	}
	l.notifier.Notify("device_wrapped")

	if !lease.MarkRunning() {
		// Stopped externally during setup.
		dev.Close()
		return l.stop(lease), nil
	}
	l.notifier.Notify("engine_running")
	log.Info("tunnel running")

	engineCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go l.watchdog(engineCtx, cancel, lease, proxyAddr, log)

	err = l.engine.Run(engineCtx, dev, proxyAddr, l.cfg.MTU)
	if err != nil {
		log.WithError(err).Warn("engine exited with error")
	}
	log.Info("tunnel stopped")
	return l.stop(lease), nil
}

func (l *Loop) fail(lease *core.Lease, err error) (core.Status, error) {
	lease.Fail()
	return core.StatusError, err
}

func (l *Loop) stop(lease *core.Lease) core.Status {
	lease.Stop()
	return core.StatusStopped
}

// reservePort binds port 0 on loopback, reads back the assigned port and
// releases it for the client.
func (l *Loop) reservePort() uint16 {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		l.log.WithError(err).Warn("ephemeral port unavailable, using fallback")
		return uint16(l.cfg.FallbackProxyPort)
	}
	defer ln.Close()
	return uint16(ln.Addr().(*net.TCPAddr).Port)
}

func (l *Loop) waitReady(ctx context.Context, lease *core.Lease, addr string) bool {
	delay := time.Duration(l.cfg.ReadinessDelayMs) * time.Millisecond
	for i := 0; i < l.cfg.ReadinessAttempts; i++ {
		select {
		case <-ctx.Done():
			return false
		case <-lease.Done():
			return false
		case <-time.After(delay):
		}
		if reachable(ctx, addr) {
			return true
		}
	}
	return false
}

func (l *Loop) watchdog(ctx context.Context, cancel context.CancelFunc, lease *core.Lease, addr string, log *logrus.Entry) {
	ticker := time.NewTicker(time.Duration(l.cfg.WatchdogIntervalMs) * time.Millisecond)
	defer ticker.Stop()
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-lease.Done():
			log.Info("stop requested, cancelling engine")
			l.notifier.Notify("watchdog_cancel")
			cancel()
			return
		case <-ticker.C:
		}
		if reachable(ctx, addr) {
			failures = 0
			continue
		}
		failures++
		log.WithField("failures", failures).Warn("local proxy unreachable")
		if failures >= l.cfg.WatchdogFailures {
			l.notifier.Notify("watchdog_cancel")
			cancel()
			return
		}
	}
}

func reachable(ctx context.Context, addr string) bool {
	d := net.Dialer{Timeout: probeTimeout}
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return false
	}
	c.Close()
	return true
}
