package policy

import (
	"math/rand"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/irctrakz/tunshield/pkg/config"
	"github.com/irctrakz/tunshield/pkg/core"
	"github.com/irctrakz/tunshield/pkg/packet"
)

type fakeOwners map[uint16]uint32

func (f fakeOwners) Owner(_ core.Protocol, port uint16) (uint32, bool) {
	uid, ok := f[port]
	return uid, ok
}

var (
	client = net.IPv4(10, 0, 0, 2)
	server = net.IPv4(93, 184, 216, 34)
)

// clientHello returns a payload carrying the ClientHello signature bytes
// with sni embedded somewhere after the header.
func clientHello(sni string) []byte {
	p := make([]byte, 64)
	p[0] = 0x16
	p[1], p[2] = 0x03, 0x01
	p[5] = 0x01
	return append(p, []byte(sni)...)
}

func TestOpenModeAllowsEverything(t *testing.T) {
	c := NewController(config.NewStore(), fakeOwners{})
	assert.True(t, c.IsAllowed(nil))
	assert.True(t, c.IsAllowed([]byte{}))
	assert.True(t, c.IsAllowed([]byte{0x45}))
	assert.True(t, c.IsAllowed(packet.MakeTCP(client, server, 40000, 443, clientHello("blocked.com"))))

	r := rand.New(rand.NewSource(7))
	for i := 0; i < 500; i++ {
		b := make([]byte, r.Intn(200))
		r.Read(b)
		assert.True(t, c.IsAllowed(b))
	}
}

func TestDomainPolicy(t *testing.T) {
	store := config.NewStore()
	store.SetAllowedDomains([]string{"Example.com"})
	c := NewController(store, nil)

	assert.True(t, c.IsAllowed(packet.MakeTCP(client, server, 40000, 443, clientHello("www.example.com"))))
	assert.False(t, c.IsAllowed(packet.MakeTCP(client, server, 40000, 443, clientHello("tracker.net"))))

	// Not a ClientHello: wrong handshake type.
	p := clientHello("tracker.net")
	p[5] = 0x02
	assert.True(t, c.IsAllowed(packet.MakeTCP(client, server, 40000, 443, p)))

	// Too short to be considered.
	short := clientHello("")[:43]
	assert.True(t, c.IsAllowed(packet.MakeTCP(client, server, 40000, 443, short)))

	// UDP is never inspected.
	assert.True(t, c.IsAllowed(packet.MakeUDP(client, server, 40000, 443, clientHello("tracker.net"))))

	// Malformed input passes.
	assert.True(t, c.IsAllowed([]byte{0x45, 0, 0}))
}

func TestHelloAllowedBoundary(t *testing.T) {
	p := make([]byte, 44)
	p[0], p[5] = 0x16, 0x01
	copy(p[20:], "a.io")
	assert.True(t, LooksLikeClientHello(p))
	assert.True(t, HelloAllowed(p, []string{"a.io"}))
	assert.False(t, HelloAllowed(p, []string{"b.io"}))
	assert.False(t, LooksLikeClientHello(p[:43]))
	assert.True(t, HelloAllowed(p[:43], []string{"b.io"}))
}

func TestOwnerPolicy(t *testing.T) {
	store := config.NewStore()
	store.SetAllowedUIDs([]uint32{10001})
	// The owner policy takes precedence over domains.
	store.SetAllowedDomains([]string{"example.com"})
	c := NewController(store, fakeOwners{40000: 10001, 40001: 10002})

	assert.True(t, c.IsAllowed(packet.MakeTCP(client, server, 40000, 443, clientHello("tracker.net"))))
	assert.False(t, c.IsAllowed(packet.MakeTCP(client, server, 40001, 443, nil)))
	assert.False(t, c.IsAllowed(packet.MakeUDP(client, server, 40001, 53, []byte("q"))))

	// Unresolved owners fail open.
	assert.True(t, c.IsAllowed(packet.MakeTCP(client, server, 40002, 443, nil)))
	// Non TCP/UDP fails open.
	assert.True(t, c.IsAllowed(packet.MakeIPv4(client, server, 1, []byte{8, 0, 0, 0})))
	assert.True(t, c.IsAllowed(nil))
}

func TestOwnerPolicyWithoutResolver(t *testing.T) {
	store := config.NewStore()
	store.SetAllowedUIDs([]uint32{1})
	c := NewController(store, nil)
	assert.True(t, c.IsAllowed(packet.MakeTCP(client, server, 40000, 443, nil)))
}
