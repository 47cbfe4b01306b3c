package engine

import (
	"context"
	"io"
	"net"
	"strconv"
	"sync"

	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/waiter"
)

// acceptTCP dials the destination through the proxy before completing the
// handshake, so unreachable destinations see a reset instead of a stall.
func (ss *session) acceptTCP(ctx context.Context, r *tcp.ForwarderRequest) {
	id := r.ID()
	dst := net.JoinHostPort(net.IP(id.LocalAddress.AsSlice()).String(), strconv.Itoa(int(id.LocalPort)))
	log := ss.log.WithField("dst", dst)

	dctx, cancel := context.WithTimeout(ctx, dialTimeout)
	upstream, err := ss.dialer.DialContext(dctx, "tcp", dst)
	cancel()
	if err != nil {
		log.WithError(err).Debug("proxy dial failed")
		r.Complete(true)
		return
	}

	var wq waiter.Queue
	ep, terr := r.CreateEndpoint(&wq)
	if terr != nil {
		log.WithField("err", terr.String()).Debug("create endpoint failed")
		r.Complete(true)
		upstream.Close()
		return
	}
	r.Complete(false)

	client := gonet.NewTCPConn(&wq, ep)
	relay(ctx, client, upstream)
}

// relay copies both directions until either side finishes, then closes both.
func relay(ctx context.Context, a, b net.Conn) {
	stop := context.AfterFunc(ctx, func() {
		a.Close()
		b.Close()
	})
	defer stop()

	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			a.Close()
			b.Close()
		})
	}
	done := make(chan struct{}, 2)
	go func() {
		io.Copy(a, b)
		closeBoth()
		done <- struct{}{}
	}()
	go func() {
		io.Copy(b, a)
		closeBoth()
		done <- struct{}{}
	}()
	<-done
	<-done
}
