package tunnel

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	wgtun "golang.zx2c4.com/wireguard/tun"

	"github.com/irctrakz/tunshield/pkg/config"
	"github.com/irctrakz/tunshield/pkg/core"
	"github.com/irctrakz/tunshield/pkg/logging"
	"github.com/irctrakz/tunshield/pkg/packet"
	"github.com/irctrakz/tunshield/pkg/shield"
	"github.com/irctrakz/tunshield/pkg/tun"
)

// fakeClient listens on its address until cancelled or dropped.
type fakeClient struct {
	addr string
	cred string

	mu sync.Mutex
	ln net.Listener
}

func (c *fakeClient) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", c.addr)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.ln = ln
	c.mu.Unlock()
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return nil
		}
		conn.Close()
	}
}

func (c *fakeClient) drop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ln != nil {
		c.ln.Close()
	}
}

// idleClient never listens.
type idleClient struct{}

func (idleClient) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

type fakeEngine struct {
	started   chan string
	mtu       int
	closedDev bool
}

func (e *fakeEngine) Run(ctx context.Context, dev wgtun.Device, proxyAddr string, mtu int) error {
	e.mtu = mtu
	e.started <- proxyAddr
	<-ctx.Done()
	dev.Close()
	e.closedDev = true
	return nil
}

func fastConfig() core.TunnelConfig {
	return core.TunnelConfig{
		MTU:                1280,
		ReadinessAttempts:  5,
		ReadinessDelayMs:   10,
		WatchdogIntervalMs: 20,
		WatchdogFailures:   1,
		FallbackProxyPort:  10808,
	}
}

func memWrapper() tun.Wrapper {
	return tun.WrapperFunc(func(d tun.Descriptor, mtu int) (wgtun.Device, error) {
		return tun.NewDevice(d, "mem0", mtu), nil
	})
}

type activeFixture struct {
	state    *core.State
	store    *config.Store
	engine   *fakeEngine
	rec      *logging.Recorder
	loop     *Loop
	clientCh chan *fakeClient
}

func newActiveFixture(t *testing.T) *activeFixture {
	t.Helper()
	f := &activeFixture{
		state:    core.NewState(),
		store:    config.NewStore(),
		engine:   &fakeEngine{started: make(chan string, 1)},
		rec:      &logging.Recorder{},
		clientCh: make(chan *fakeClient, 1),
	}
	f.store.SetCredential("ss://key")
	f.loop = New(f.state, f.store, f.engine, Options{
		Config:   fastConfig(),
		Notifier: f.rec,
		Wrapper:  memWrapper(),
		Clients: func(cred []byte, addr string) (Client, error) {
			c := &fakeClient{addr: addr, cred: string(cred)}
			f.clientCh <- c
			return c, nil
		},
	})
	return f
}

func TestLoopPassiveFallback(t *testing.T) {
	pkts := [][]byte{
		packet.MakeTCP(net.ParseIP("10.0.0.2"), net.ParseIP("1.1.1.1"), 1000, 443, []byte("a")),
		packet.MakeUDP(net.ParseIP("10.0.0.2"), net.ParseIP("1.1.1.1"), 1000, 53, []byte("bb")),
		{0x00, 0x01},
	}

	loopState := core.NewState()
	rec := &logging.Recorder{}
	l := New(loopState, config.NewStore(), &fakeEngine{started: make(chan string, 1)}, Options{Notifier: rec})
	m := tun.NewMockDescriptor()
	m.SimulatePacketReceived(pkts...)
	m.Hangup()
	status, err := l.Run(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, core.StatusStopped, status)

	shieldState := core.NewState()
	m2 := tun.NewMockDescriptor()
	m2.SimulatePacketReceived(pkts...)
	m2.Hangup()
	_, err = shield.New(shieldState, nil, shield.Options{}).Run(context.Background(), m2)
	require.NoError(t, err)

	a, b := loopState.Snapshot(), shieldState.Snapshot()
	assert.Equal(t, b.TCP, a.TCP)
	assert.Equal(t, b.UDP, a.UDP)
	assert.Equal(t, b.Other, a.Other)
	assert.Equal(t, b.Bytes, a.Bytes)
	assert.Contains(t, rec.Events(), "passive_fallback")
	assert.Contains(t, rec.Events(), "loop_stopped")
}

func TestLoopActiveStopRequested(t *testing.T) {
	f := newActiveFixture(t)
	done := make(chan core.Status, 1)
	go func() {
		st, err := f.loop.Run(context.Background(), tun.NewMockDescriptor())
		assert.NoError(t, err)
		done <- st
	}()

	var addr string
	select {
	case addr = <-f.engine.started:
	case <-time.After(3 * time.Second):
		t.Fatal("engine not started")
	}
	client := <-f.clientCh
	assert.Equal(t, "ss://key", client.cred)
	assert.Equal(t, client.addr, addr)
	assert.Equal(t, core.StatusRunning, f.state.Status())
	assert.NotZero(t, f.state.ProxyPort())
	assert.Equal(t, 1280, f.engine.mtu)
	assert.NotEmpty(t, f.state.Snapshot().Session)

	f.state.RequestStop()
	select {
	case st := <-done:
		assert.Equal(t, core.StatusStopped, st)
	case <-time.After(3 * time.Second):
		t.Fatal("loop did not stop")
	}
	assert.True(t, f.engine.closedDev)
	assert.Zero(t, f.state.ProxyPort())
	assert.Contains(t, f.rec.Events(), "watchdog_cancel")
}

func TestLoopWatchdogCancelsOnProxyLoss(t *testing.T) {
	f := newActiveFixture(t)
	done := make(chan core.Status, 1)
	go func() {
		st, _ := f.loop.Run(context.Background(), tun.NewMockDescriptor())
		done <- st
	}()
	select {
	case <-f.engine.started:
	case <-time.After(3 * time.Second):
		t.Fatal("engine not started")
	}
	(<-f.clientCh).drop()

	select {
	case st := <-done:
		assert.Equal(t, core.StatusStopped, st)
	case <-time.After(3 * time.Second):
		t.Fatal("watchdog did not cancel")
	}
}

func TestLoopContextCancel(t *testing.T) {
	f := newActiveFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan core.Status, 1)
	go func() {
		st, _ := f.loop.Run(ctx, tun.NewMockDescriptor())
		done <- st
	}()
	<-f.engine.started
	cancel()
	select {
	case st := <-done:
		assert.Equal(t, core.StatusStopped, st)
	case <-time.After(3 * time.Second):
		t.Fatal("loop did not stop")
	}
}

func slowReadinessLoop(state *core.State, rec *logging.Recorder) *Loop {
	store := config.NewStore()
	store.SetCredential("ss://key")
	cfg := fastConfig()
	cfg.ReadinessAttempts = 10
	cfg.ReadinessDelayMs = 300
	return New(state, store, &fakeEngine{started: make(chan string, 1)}, Options{
		Config:   cfg,
		Notifier: rec,
		Wrapper:  memWrapper(),
		Clients: func([]byte, string) (Client, error) {
			return idleClient{}, nil
		},
	})
}

func TestLoopContextCancelDuringReadiness(t *testing.T) {
	state := core.NewState()
	rec := &logging.Recorder{}
	l := slowReadinessLoop(state, rec)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)
	start := time.Now()
	status, err := l.Run(ctx, tun.NewMockDescriptor())
	require.NoError(t, err)
	assert.Equal(t, core.StatusStopped, status)
	assert.Equal(t, core.StatusStopped, state.Status())
	assert.Less(t, time.Since(start), time.Second)
	assert.NotContains(t, rec.Events(), "proxy_timeout")
	assert.Zero(t, state.ProxyPort())
	assert.False(t, state.InFlight())
}

func TestLoopStopRequestedDuringReadiness(t *testing.T) {
	state := core.NewState()
	rec := &logging.Recorder{}
	l := slowReadinessLoop(state, rec)

	done := make(chan core.Status, 1)
	go func() {
		st, err := l.Run(context.Background(), tun.NewMockDescriptor())
		assert.NoError(t, err)
		done <- st
	}()
	require.Eventually(t, func() bool { return state.ProxyPort() != 0 }, time.Second, 5*time.Millisecond)
	state.RequestStop()
	select {
	case st := <-done:
		assert.Equal(t, core.StatusStopped, st)
	case <-time.After(time.Second):
		t.Fatal("loop ignored stop during readiness")
	}
	assert.NotContains(t, rec.Events(), "proxy_timeout")
}

func TestLoopSetupFailures(t *testing.T) {
	tests := []struct {
		name    string
		clients ClientFactory
		wrapper tun.Wrapper
		want    error
		event   string
	}{
		{
			name: "credential",
			clients: func([]byte, string) (Client, error) {
				return nil, errors.New("bad key")
			},
			want:  core.ErrCredentialParse,
			event: "credential_error",
		},
		{
			name: "readiness",
			clients: func([]byte, string) (Client, error) {
				return idleClient{}, nil
			},
			want:  core.ErrProxyTimeout,
			event: "proxy_timeout",
		},
		{
			name: "wrap",
			clients: func(_ []byte, addr string) (Client, error) {
				return &fakeClient{addr: addr}, nil
			},
			wrapper: tun.WrapperFunc(func(tun.Descriptor, int) (wgtun.Device, error) {
				return nil, errors.New("no device")
			}),
			want:  core.ErrDeviceWrap,
			event: "device_wrap_failed",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := core.NewState()
			store := config.NewStore()
			store.SetCredential("ss://key")
			rec := &logging.Recorder{}
			engine := &fakeEngine{started: make(chan string, 1)}
			l := New(state, store, engine, Options{
				Config:   fastConfig(),
				Notifier: rec,
				Clients:  tt.clients,
				Wrapper:  tt.wrapper,
			})
			status, err := l.Run(context.Background(), tun.NewMockDescriptor())
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, core.StatusError, status)
			assert.Equal(t, core.StatusError, state.Status())
			assert.Zero(t, state.ProxyPort())
			assert.Contains(t, rec.Events(), tt.event)
			assert.Len(t, engine.started, 0)
			assert.True(t, store.HasCredential(), "store keeps its own copy")
		})
	}
}

func TestLoopBusy(t *testing.T) {
	state := core.NewState()
	lease, err := state.Begin()
	require.NoError(t, err)
	l := New(state, config.NewStore(), &fakeEngine{}, Options{})
	status, err := l.Run(context.Background(), tun.NewMockDescriptor())
	assert.ErrorIs(t, err, core.ErrBusy)
	assert.Equal(t, core.StatusError, status)
	assert.Equal(t, core.StatusStarting, state.Status())
	assert.True(t, lease.Active())
}

func TestLoopRecoversAfterError(t *testing.T) {
	state := core.NewState()
	store := config.NewStore()
	store.SetCredential("ss://key")
	l := New(state, store, &fakeEngine{}, Options{
		Config: fastConfig(),
		Clients: func([]byte, string) (Client, error) {
			return nil, errors.New("bad")
		},
	})
	_, err := l.Run(context.Background(), tun.NewMockDescriptor())
	require.Error(t, err)

	store.SetCredential("")
	m := tun.NewMockDescriptor()
	m.Hangup()
	status, err := l.Run(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, core.StatusStopped, status)
}
