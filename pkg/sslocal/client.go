package sslocal

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/Jigsaw-Code/outline-sdk/transport"
	"github.com/Jigsaw-Code/outline-sdk/transport/shadowsocks"
	"github.com/sirupsen/logrus"
	"github.com/things-go/go-socks5"

	"github.com/irctrakz/tunshield/pkg/core"
	"github.com/irctrakz/tunshield/pkg/logging"
)

// Client is a local SOCKS5 listener relaying CONNECT requests through an
// upstream stream dialer.
type Client struct {
	listen string
	dialer transport.StreamDialer
	log    *logrus.Entry

	mu sync.Mutex
	ln net.Listener
}

// New parses key and returns a Client that will listen on listenAddr and
// relay through the Shadowsocks server in key.
func New(key []byte, listenAddr string) (*Client, error) {
	cred, err := ParseCredential(string(key))
	if err != nil {
		return nil, err
	}
	ek, err := shadowsocks.NewEncryptionKey(cred.Method, cred.Password)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrCredentialParse, err)
	}
	endpoint := &transport.StreamDialerEndpoint{Dialer: &transport.TCPDialer{}, Address: cred.Server}
	d, err := shadowsocks.NewStreamDialer(endpoint, ek)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrCredentialParse, err)
	}
	c := NewWithDialer(d, listenAddr)
	c.log = c.log.WithField("server", cred.String())
	return c, nil
}

// NewWithDialer returns a Client relaying through an arbitrary dialer.
func NewWithDialer(d transport.StreamDialer, listenAddr string) *Client {
	return &Client{
		listen: listenAddr,
		dialer: d,
		log:    logging.Component("sslocal").WithField("listen", listenAddr),
	}
}

// Run listens and serves until ctx is done. Upstream failures for single
// connections are logged and never end Run.
func (c *Client) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", c.listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", c.listen, err)
	}
	c.mu.Lock()
	c.ln = ln
	c.mu.Unlock()

	srv := socks5.NewServer(
		socks5.WithDial(func(ctx context.Context, _, addr string) (net.Conn, error) {
			conn, err := c.dialer.DialStream(ctx, addr)
			if err != nil {
				c.log.WithError(err).WithField("target", addr).Debug("upstream dial failed")
				return nil, err
			}
			return conn, nil
		}),
		socks5.WithLogger(socksLogger{c.log}),
	)

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	c.log.Info("local proxy listening")

	select {
	case <-ctx.Done():
		ln.Close()
		<-errc
		return nil
	case err := <-errc:
		ln.Close()
		if errors.Is(err, net.ErrClosed) {
			return nil
		}
		return err
	}
}

// Addr returns the bound listener address once Run has started listening.
func (c *Client) Addr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ln == nil {
		return nil
	}
	return c.ln.Addr()
}

type socksLogger struct{ e *logrus.Entry }

func (l socksLogger) Errorf(format string, args ...interface{}) {
	l.e.Debugf(format, args...)
}
