// Package engine moves packets between the device and the local SOCKS5
// proxy: TCP flows are terminated in a gVisor userspace stack and re-dialed
// through the proxy, DNS queries are relayed over TCP.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
	wgtun "golang.zx2c4.com/wireguard/tun"
	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv6"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"

	"github.com/irctrakz/tunshield/pkg/core"
	"github.com/irctrakz/tunshield/pkg/logging"
	"github.com/irctrakz/tunshield/pkg/packet"
)

const (
	nicID = 1

	// deviceOffset leaves headroom for drivers that prepend a virtio header.
	deviceOffset = 16

	channelSize        = 512
	maxInFlightConnect = 2048
	dialTimeout        = 10 * time.Second
	dnsTimeout         = 5 * time.Second
)

// DialerFunc builds the dialer used to reach destinations through the proxy.
type DialerFunc func(proxyAddr string) (proxy.ContextDialer, error)

// Options configures an Engine.
type Options struct {
	// Filter decides which packets enter the stack. Nil allows everything.
	Filter core.PacketFilter
	// Tap observes every packet read from the device.
	Tap core.PacketTap
	// Dialer overrides the SOCKS5 dialer.
	Dialer DialerFunc
}

// Engine is the tunneling engine handed the device for the life of a session.
type Engine struct {
	state  *core.State
	filter core.PacketFilter
	tap    core.PacketTap
	dialer DialerFunc
	log    *logrus.Entry
}

// New returns an Engine updating state.
func New(state *core.State, opts Options) *Engine {
	if opts.Filter == nil {
		opts.Filter = core.AllowAll{}
	}
	if opts.Dialer == nil {
		opts.Dialer = SOCKS5Dialer
	}
	return &Engine{
		state:  state,
		filter: opts.Filter,
		tap:    opts.Tap,
		dialer: opts.Dialer,
		log:    logging.Component("engine"),
	}
}

// SOCKS5Dialer dials through the SOCKS5 proxy at proxyAddr.
func SOCKS5Dialer(proxyAddr string) (proxy.ContextDialer, error) {
	d, err := proxy.SOCKS5("tcp", proxyAddr, nil, &net.Dialer{Timeout: dialTimeout})
	if err != nil {
		return nil, err
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, errors.New("socks5 dialer does not support contexts")
	}
	return cd, nil
}

// session is the per-Run state.
type session struct {
	*Engine
	dev    wgtun.Device
	ep     *channel.Endpoint
	stack  *stack.Stack
	dialer proxy.ContextDialer

	writeMu sync.Mutex
	wg      sync.WaitGroup
}

// Run forwards traffic until ctx is cancelled or the device fails. The
// engine owns dev and closes it before returning.
func (e *Engine) Run(ctx context.Context, dev wgtun.Device, proxyAddr string, mtu int) error {
	defer dev.Close()

	d, err := e.dialer(proxyAddr)
	if err != nil {
		return fmt.Errorf("proxy dialer: %w", err)
	}

	s := stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol, ipv6.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol, udp.NewProtocol},
	})
	ep := channel.New(channelSize, uint32(mtu), "")
	if terr := s.CreateNIC(nicID, ep); terr != nil {
		s.Close()
		return fmt.Errorf("create NIC: %v", terr)
	}
	// Accept and originate traffic for any address.
	s.SetPromiscuousMode(nicID, true)
	s.SetSpoofing(nicID, true)
	s.SetRouteTable([]tcpip.Route{
		{Destination: header.IPv4EmptySubnet, NIC: nicID},
		{Destination: header.IPv6EmptySubnet, NIC: nicID},
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ss := &session{Engine: e, dev: dev, ep: ep, stack: s, dialer: d}
	fwd := tcp.NewForwarder(s, 0, maxInFlightConnect, func(r *tcp.ForwarderRequest) {
		ss.acceptTCP(ctx, r)
	})
	s.SetTransportProtocolHandler(tcp.ProtocolNumber, fwd.HandlePacket)

	ss.wg.Add(1)
	go func() {
		defer ss.wg.Done()
		ss.outbound(ctx)
	}()

	errc := make(chan error, 1)
	go func() { errc <- ss.inbound() }()

	e.log.WithField("proxy", proxyAddr).WithField("mtu", mtu).Info("engine running")

	select {
	case <-ctx.Done():
		err = nil
	case err = <-errc:
	}
	cancel()
	dev.Close()
	ep.Close()
	s.Close()
	ss.wg.Wait()
	s.Wait()

	if errors.Is(err, os.ErrClosed) || errors.Is(err, net.ErrClosed) {
		err = nil
	}
	e.log.WithError(err).Info("engine stopped")
	return err
}

// inbound reads the device one batch at a time and dispatches each packet
// in order.
func (ss *session) inbound() error {
	batch := ss.dev.BatchSize()
	if batch < 1 {
		batch = 1
	}
	mtu, err := ss.dev.MTU()
	if err != nil || mtu <= 0 {
		mtu = 1500
	}
	bufs := make([][]byte, batch)
	for i := range bufs {
		bufs[i] = make([]byte, deviceOffset+mtu+128)
	}
	sizes := make([]int, batch)
	for {
		n, err := ss.dev.Read(bufs, sizes, deviceOffset)
		if err != nil {
			return err
		}
		for i := 0; i < n; i++ {
			ss.dispatch(bufs[i][deviceOffset : deviceOffset+sizes[i]])
		}
	}
}

func (ss *session) dispatch(pkt []byte) {
	if ss.tap != nil {
		ss.tap.Capture(pkt)
	}
	proto := packet.Classify(pkt)
	ss.state.Record(proto, len(pkt))
	if !ss.filter.IsAllowed(pkt) {
		ss.state.RecordDenied()
		return
	}

	if proto == core.ProtoUDP {
		// Only DNS crosses the proxy; other datagrams are dropped.
		if t, ok := packet.ParseTransport(pkt); ok && t.DstPort == 53 {
			q := append([]byte(nil), pkt...)
			ss.wg.Add(1)
			go func() {
				defer ss.wg.Done()
				ss.relayDNS(q)
			}()
		}
		return
	}

	var netProto tcpip.NetworkProtocolNumber
	switch {
	case packet.IsIPv4(pkt):
		netProto = ipv4.ProtocolNumber
	case packet.IsIPv6(pkt):
		netProto = ipv6.ProtocolNumber
	default:
		return
	}
	pb := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Payload: buffer.MakeWithData(append([]byte(nil), pkt...)),
	})
	ss.ep.InjectInbound(netProto, pb)
	pb.DecRef()
}

// outbound drains packets produced by the stack back to the device.
func (ss *session) outbound(ctx context.Context) {
	for {
		pb := ss.ep.ReadContext(ctx)
		if pb == nil {
			return
		}
		v := pb.ToView()
		b := v.AsSlice()
		err := ss.writePacket(b)
		v.Release()
		pb.DecRef()
		if err != nil {
			if ctx.Err() == nil {
				ss.log.WithError(err).Debug("device write failed")
			}
		}
	}
}

func (ss *session) writePacket(b []byte) error {
	buf := getBuf(deviceOffset + len(b))
	defer putBuf(buf)
	copy(buf[deviceOffset:], b)
	ss.writeMu.Lock()
	defer ss.writeMu.Unlock()
	_, err := ss.dev.Write([][]byte{buf}, deviceOffset)
	return err
}
