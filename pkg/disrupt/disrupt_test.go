package disrupt

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irctrakz/tunshield/pkg/core"
)

func countingDialer(n *atomic.Int32, seen chan<- string) DialFunc {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		n.Add(1)
		select {
		case seen <- addr:
		default:
		}
		a, b := net.Pipe()
		b.Close()
		return a, nil
	}
}

func TestDisabledByDefault(t *testing.T) {
	var n atomic.Int32
	d := New(core.DisruptConfig{}, countingDialer(&n, nil))
	_, err := d.Run(context.Background(), "192.168.1.10")
	assert.ErrorIs(t, err, core.ErrCapabilityDisabled)
	assert.Zero(t, n.Load())
}

func TestValidateTargets(t *testing.T) {
	d := New(core.DisruptConfig{Enabled: true}, nil)
	for _, ip := range []string{"192.168.1.10", "10.0.0.2", "127.0.0.1", "fe80::1", "::ffff:192.168.0.5"} {
		_, err := d.Validate(ip)
		assert.NoError(t, err, ip)
	}
	for _, ip := range []string{"", "host.local", "8.8.8.8", "2001:4860::8888", "192.168.1.10:80"} {
		_, err := d.Validate(ip)
		assert.ErrorIs(t, err, core.ErrInvalidTarget, ip)
	}
}

func TestRunBurst(t *testing.T) {
	var n atomic.Int32
	seen := make(chan string, 1)
	d := New(core.DisruptConfig{Enabled: true, Attempts: 4, IntervalMs: 1, Port: 8080}, countingDialer(&n, seen))
	connected, err := d.Run(context.Background(), "10.0.0.2")
	require.NoError(t, err)
	assert.Equal(t, 4, connected)
	assert.Equal(t, int32(4), n.Load())
	assert.Equal(t, "10.0.0.2:8080", <-seen)
}

func TestAttemptsCapped(t *testing.T) {
	d := New(core.DisruptConfig{Enabled: true, Attempts: 10000}, nil)
	assert.Equal(t, MaxAttempts, d.attempts)
}

func TestRunCancelled(t *testing.T) {
	var n atomic.Int32
	d := New(core.DisruptConfig{Enabled: true, Attempts: 500, IntervalMs: 50}, countingDialer(&n, nil))
	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()
	_, err := d.Run(ctx, "10.0.0.2")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, n.Load(), int32(10))
}
