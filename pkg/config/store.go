package config

import (
	"strings"
	"sync"

	"github.com/irctrakz/tunshield/pkg/core"
)

// Store is the runtime configuration shared between the caller and the
// interception loops. Writes replace a field wholesale; reads return copies
// so no lock is held once a read returns.
type Store struct {
	mu             sync.RWMutex
	credential     []byte
	allowedDomains []string
	allowedUIDs    []uint32
	bandwidth      uint64
	stealth        bool
}

// NewStore returns an empty store: passive mode, no restrictions.
func NewStore() *Store {
	return &Store{}
}

// Apply seeds the store from file configuration. The credential is moved
// into the store and cleared from c so the wiped copy is the only one left.
func (s *Store) Apply(c *core.ShieldConfig) {
	s.SetCredential(c.Credential)
	c.Credential = ""
	s.SetAllowedDomains(c.AllowedDomains)
	s.SetAllowedUIDs(c.AllowedUIDs)
	s.SetBandwidthLimitMbps(c.BandwidthMbps)
	s.SetStealth(c.Stealth)
}

// SetCredential replaces the access key. The previous value is wiped.
func (s *Store) SetCredential(cred string) {
	b := []byte(cred)
	s.mu.Lock()
	wipe(s.credential)
	s.credential = b
	s.mu.Unlock()
}

// Credential returns a copy of the access key. Callers should Wipe it when done.
func (s *Store) Credential() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.credential) == 0 {
		return nil
	}
	return append([]byte(nil), s.credential...)
}

// HasCredential reports whether an access key is configured.
func (s *Store) HasCredential() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.credential) > 0
}

// SetAllowedDomains replaces the domain allowlist. Entries are trimmed and
// lowercased; empty entries are dropped.
func (s *Store) SetAllowedDomains(domains []string) {
	out := make([]string, 0, len(domains))
	for _, d := range domains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d != "" {
			out = append(out, d)
		}
	}
	s.mu.Lock()
	s.allowedDomains = out
	s.mu.Unlock()
}

// AllowedDomains returns a copy of the domain allowlist.
func (s *Store) AllowedDomains() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.allowedDomains...)
}

// SetAllowedUIDs replaces the owner allowlist.
func (s *Store) SetAllowedUIDs(uids []uint32) {
	cp := append([]uint32(nil), uids...)
	s.mu.Lock()
	s.allowedUIDs = cp
	s.mu.Unlock()
}

// AllowedUIDs returns a copy of the owner allowlist.
func (s *Store) AllowedUIDs() []uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]uint32(nil), s.allowedUIDs...)
}

// SetBandwidthLimitMbps stores the cap in bytes per second. The value is
// informational; nothing throttles on it.
func (s *Store) SetBandwidthLimitMbps(mbps int64) {
	var bps uint64
	if mbps > 0 {
		bps = uint64(mbps) * 1024 * 1024 / 8
	}
	s.mu.Lock()
	s.bandwidth = bps
	s.mu.Unlock()
}

// BandwidthLimit returns the stored cap in bytes per second (0 = none).
func (s *Store) BandwidthLimit() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bandwidth
}

// SetStealth sets the stealth flag.
func (s *Store) SetStealth(on bool) {
	s.mu.Lock()
	s.stealth = on
	s.mu.Unlock()
}

// Stealth returns the stealth flag.
func (s *Store) Stealth() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stealth
}

// Close wipes the credential.
func (s *Store) Close() {
	s.mu.Lock()
	wipe(s.credential)
	s.credential = nil
	s.mu.Unlock()
}

// Wipe zeroes b in place.
func Wipe(b []byte) { wipe(b) }

func wipe(b []byte) {
	clear(b)
}
