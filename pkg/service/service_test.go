package service

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	wgtun "golang.zx2c4.com/wireguard/tun"

	"github.com/irctrakz/tunshield/pkg/config"
	"github.com/irctrakz/tunshield/pkg/core"
	"github.com/irctrakz/tunshield/pkg/logging"
	"github.com/irctrakz/tunshield/pkg/packet"
	"github.com/irctrakz/tunshield/pkg/probe"
	"github.com/irctrakz/tunshield/pkg/scanner"
	"github.com/irctrakz/tunshield/pkg/tun"
	"github.com/irctrakz/tunshield/pkg/tunnel"
)

type blockingEngine struct{ started chan struct{} }

func (e *blockingEngine) Run(ctx context.Context, dev wgtun.Device, proxyAddr string, mtu int) error {
	close(e.started)
	<-ctx.Done()
	return dev.Close()
}

// listenClient serves a bare listener on addr until cancelled.
type listenClient struct{ addr string }

func (c listenClient) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", c.addr)
	if err != nil {
		return err
	}
	context.AfterFunc(ctx, func() { ln.Close() })
	for {
		conn, err := ln.Accept()
		if err != nil {
			return nil
		}
		conn.Close()
	}
}

type panicTap struct{}

func (panicTap) Capture([]byte) { panic("tap exploded") }

func newService(t *testing.T, mutate func(*config.Config), opts Options) *Service {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.ProcRoot = t.TempDir()
	if mutate != nil {
		mutate(cfg)
	}
	if opts.Notifier == nil {
		opts.Notifier = &logging.Recorder{}
	}
	s, err := New(cfg, opts)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestConfigOperations(t *testing.T) {
	s := newService(t, nil, Options{})
	s.ToggleStealth(true)
	s.SetAllowedDomains(" Example.com, ,api.test ")
	s.SetAllowedUIDs([]int32{10001, -5, 10002})
	s.SetBandwidthLimit(8)
	s.SetCredential("ss://abc")

	st := s.Store()
	assert.True(t, st.Stealth())
	assert.Equal(t, []string{"example.com", "api.test"}, st.AllowedDomains())
	assert.Equal(t, []uint32{10001, 10002}, st.AllowedUIDs())
	assert.Equal(t, uint64(1024*1024), st.BandwidthLimit())
	assert.Equal(t, []byte("ss://abc"), st.Credential())

	require.NoError(t, s.Close())
	assert.False(t, st.HasCredential())
}

func TestHealthAndEnergyJSON(t *testing.T) {
	s := newService(t, nil, Options{})
	s.State().Record(core.ProtoTCP, 10*1024*1024)
	s.State().Record(core.ProtoUDP, 0)

	var h map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(s.HealthSnapshot()), &h))
	for _, k := range []string{"status", "tcp", "udp", "other", "bytes", "port"} {
		assert.Contains(t, h, k)
	}
	assert.Equal(t, float64(0), h["status"])
	assert.Equal(t, int64(2), s.BlockedCount())

	assert.JSONEq(t,
		`{"bytes":10485760,"blocked":2,"mah":"1.20","display":"1.20 mAh"}`,
		s.EnergySavingsEstimate())
}

func TestPassiveLoop(t *testing.T) {
	s := newService(t, nil, Options{})
	m := tun.NewMockDescriptor()
	m.SimulatePacketReceived(packet.MakeTCP(net.ParseIP("10.0.0.2"), net.ParseIP("1.1.1.1"), 1, 2, nil))
	m.Hangup()
	status, err := s.RunPassiveLoop(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, core.StatusStopped, status)
	assert.Equal(t, uint64(1), s.Health().TCP)
}

// parkedDescriptor holds its first readiness wait until release is closed.
type parkedDescriptor struct {
	*tun.MockDescriptor
	once    sync.Once
	parked  chan struct{}
	release chan struct{}
}

func newParkedDescriptor() *parkedDescriptor {
	return &parkedDescriptor{
		MockDescriptor: tun.NewMockDescriptor(),
		parked:         make(chan struct{}),
		release:        make(chan struct{}),
	}
}

func (p *parkedDescriptor) WaitReadable(timeout time.Duration) (bool, error) {
	p.once.Do(func() { close(p.parked) })
	<-p.release
	return p.MockDescriptor.WaitReadable(timeout)
}

func TestRestartAfterRequestStopRunsOneLoop(t *testing.T) {
	s := newService(t, nil, Options{})

	d1 := newParkedDescriptor()
	first := make(chan core.Status, 1)
	go func() {
		st, _ := s.RunPassiveLoop(context.Background(), d1)
		first <- st
	}()
	<-d1.parked
	require.Equal(t, core.StatusRunning, s.Health().Status)

	s.RequestStop()
	st, err := s.RunPassiveLoop(context.Background(), tun.NewMockDescriptor())
	assert.ErrorIs(t, err, core.ErrBusy)
	assert.Equal(t, core.StatusError, st)
	assert.Equal(t, core.StatusStopped, s.Health().Status)

	close(d1.release)
	select {
	case st := <-first:
		assert.Equal(t, core.StatusStopped, st)
	case <-time.After(2 * time.Second):
		t.Fatal("first loop still running after RequestStop")
	}

	second := make(chan core.Status, 1)
	go func() {
		st, _ := s.RunPassiveLoop(context.Background(), tun.NewMockDescriptor())
		second <- st
	}()
	require.Eventually(t, func() bool { return s.Health().Status == core.StatusRunning }, time.Second, 5*time.Millisecond)
	time.Sleep(2 * tun.PollInterval)
	assert.Equal(t, core.StatusRunning, s.Health().Status)

	s.RequestStop()
	select {
	case st := <-second:
		assert.Equal(t, core.StatusStopped, st)
	case <-time.After(2 * time.Second):
		t.Fatal("second loop did not stop")
	}
}

func TestCredentialOnlyInStore(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.ProcRoot = t.TempDir()
	cfg.Shield.Credential = "ss://secret"
	s, err := New(cfg, Options{Notifier: &logging.Recorder{}})
	require.NoError(t, err)

	assert.Empty(t, cfg.Shield.Credential)
	assert.True(t, s.Store().HasCredential())

	require.NoError(t, s.Close())
	assert.False(t, s.Store().HasCredential())
	assert.Empty(t, cfg.Shield.Credential)
}

func TestLoopPanicIsContained(t *testing.T) {
	s := newService(t, nil, Options{Tap: panicTap{}})
	m := tun.NewMockDescriptor()
	m.SimulatePacketReceived([]byte{0x45})

	status, err := s.RunPassiveLoop(context.Background(), m)
	assert.Error(t, err)
	assert.True(t, status.Terminal())
	assert.True(t, s.State().Status().Terminal())

	m = tun.NewMockDescriptor()
	m.SimulatePacketReceived([]byte{0x45})
	status, err = s.RunTunnelLoop(context.Background(), m)
	assert.Error(t, err)
	assert.True(t, status.Terminal())
}

func TestTunnelLoopStoppedByClose(t *testing.T) {
	eng := &blockingEngine{started: make(chan struct{})}
	s := newService(t, func(c *config.Config) {
		c.Tunnel.ReadinessDelayMs = 10
		c.Tunnel.WatchdogIntervalMs = 20
	}, Options{
		Engine: eng,
		Wrapper: tun.WrapperFunc(func(d tun.Descriptor, mtu int) (wgtun.Device, error) {
			return tun.NewDevice(d, "mem0", mtu), nil
		}),
		Clients: func(_ []byte, addr string) (tunnel.Client, error) {
			return listenClient{addr: addr}, nil
		},
	})
	s.SetCredential("ss://key")

	done := make(chan core.Status, 1)
	go func() {
		st, _ := s.RunTunnelLoop(context.Background(), tun.NewMockDescriptor())
		done <- st
	}()
	select {
	case <-eng.started:
	case <-time.After(3 * time.Second):
		t.Fatal("engine not started")
	}
	assert.Equal(t, core.StatusRunning, s.Health().Status)
	assert.NotZero(t, s.Health().Port)

	require.NoError(t, s.Close())
	select {
	case st := <-done:
		assert.Equal(t, core.StatusStopped, st)
	case <-time.After(3 * time.Second):
		t.Fatal("loop not stopped by Close")
	}
	assert.Zero(t, s.Health().Port)
}

func TestMeasureStatsUnreachable(t *testing.T) {
	s := newService(t, nil, Options{ProbeOptions: []probe.Option{
		probe.WithDialer(func(ctx context.Context, network, addr string) (net.Conn, error) {
			return nil, &net.OpError{Op: "dial", Err: assert.AnError}
		}),
	}})
	assert.JSONEq(t, `{"ping":-1,"jitter":0,"status":"unreachable"}`, s.MeasureStats(context.Background(), "10.9.9.9"))
}

func TestScanSubnetJSON(t *testing.T) {
	s := newService(t, func(c *config.Config) { c.Scanner.MDNS = false }, Options{ScannerOptions: []scanner.Option{
		scanner.WithDialer(func(ctx context.Context, network, addr string) (net.Conn, error) {
			if addr == "10.0.0.1:80" {
				a, b := net.Pipe()
				b.Close()
				return a, nil
			}
			<-ctx.Done()
			return nil, ctx.Err()
		}),
	}})
	assert.JSONEq(t, `[{"i":"10.0.0.1","m":"00:00:00:00:00:00","s":"Gateway"}]`, s.ScanSubnet(context.Background(), "10.0.0"))
	assert.Equal(t, "[]", s.ScanSubnet(context.Background(), "bogus"))
}

func TestDisruptTarget(t *testing.T) {
	s := newService(t, nil, Options{})
	assert.ErrorIs(t, s.DisruptTarget("192.168.1.5"), core.ErrCapabilityDisabled)

	var dials atomic.Int32
	s = newService(t, func(c *config.Config) {
		c.Disrupt.Enabled = true
		c.Disrupt.Attempts = 3
		c.Disrupt.IntervalMs = 1
	}, Options{DisruptDial: func(ctx context.Context, network, addr string) (net.Conn, error) {
		dials.Add(1)
		return nil, assert.AnError
	}})
	assert.ErrorIs(t, s.DisruptTarget("8.8.8.8"), core.ErrInvalidTarget)
	require.NoError(t, s.DisruptTarget("192.168.1.5"))
	require.Eventually(t, func() bool { return dials.Load() == 3 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, s.Close())
	assert.Equal(t, int32(3), dials.Load())
}
