// Package policy decides which packets read from the device may be forwarded.
package policy

import (
	"bytes"
	"slices"

	"github.com/irctrakz/tunshield/pkg/core"
	"github.com/irctrakz/tunshield/pkg/packet"
)

// Rules supplies the current allowlists. Each call returns a fresh copy.
type Rules interface {
	AllowedUIDs() []uint32
	AllowedDomains() []string
}

// OwnerResolver maps a local transport port to the uid owning the socket.
type OwnerResolver interface {
	Owner(proto core.Protocol, localPort uint16) (uid uint32, ok bool)
}

// Controller applies the owner policy when a uid allowlist is set, else the
// domain policy when a domain allowlist is set, else allows everything.
type Controller struct {
	rules  Rules
	owners OwnerResolver
}

// NewController returns a Controller. owners may be nil, in which case the
// owner policy always fails open.
func NewController(rules Rules, owners OwnerResolver) *Controller {
	return &Controller{rules: rules, owners: owners}
}

// IsAllowed reports whether packet may be forwarded.
func (c *Controller) IsAllowed(b []byte) bool {
	if uids := c.rules.AllowedUIDs(); len(uids) > 0 {
		return c.ownerAllowed(b, uids)
	}
	if domains := c.rules.AllowedDomains(); len(domains) > 0 {
		return DomainAllowed(b, domains)
	}
	return true
}

// ownerAllowed resolves the socket owner from the source port. Unresolved
// owners are allowed: the socket table can lag behind the first packets of
// a connection.
func (c *Controller) ownerAllowed(b []byte, uids []uint32) bool {
	if c.owners == nil {
		return true
	}
	t, ok := packet.ParseTransport(b)
	if !ok {
		return true
	}
	uid, ok := c.owners.Owner(t.Protocol, t.SrcPort)
	if !ok {
		return true
	}
	return slices.Contains(uids, uid)
}

// DomainAllowed applies the ClientHello heuristic to a TCP packet. Anything
// that is not TCP or does not look like a ClientHello is allowed.
func DomainAllowed(b []byte, domains []string) bool {
	if len(domains) == 0 {
		return true
	}
	t, ok := packet.ParseTransport(b)
	if !ok || t.Protocol != core.ProtoTCP {
		return true
	}
	return HelloAllowed(t.Payload, domains)
}

// minHelloLen is the shortest payload treated as a ClientHello.
const minHelloLen = 44

// LooksLikeClientHello checks the TLS record type (handshake) and the
// handshake type (client_hello) bytes.
func LooksLikeClientHello(payload []byte) bool {
	return len(payload) >= minHelloLen && payload[0] == 0x16 && payload[5] == 0x01
}

// HelloAllowed is a heuristic SNI match: a ClientHello payload is allowed
// iff any domain occurs as a raw substring anywhere in it. It does not parse
// TLS extensions, so a domain appearing elsewhere in the handshake also
// matches. Non-ClientHello payloads are allowed.
func HelloAllowed(payload []byte, domains []string) bool {
	if !LooksLikeClientHello(payload) {
		return true
	}
	for _, d := range domains {
		if d != "" && bytes.Contains(payload, []byte(d)) {
			return true
		}
	}
	return false
}
