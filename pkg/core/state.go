package core

import (
	"sync"
	"sync/atomic"
)

// State tracks the session status, traffic counters and the local proxy
// port. It is shared by every loop and by health queries. Counters and
// status are atomics so readers never block a running loop; mu only
// guards which lease owns the state.
type State struct {
	status atomic.Uint32

	tcp    atomic.Uint64
	udp    atomic.Uint64
	other  atomic.Uint64
	bytes  atomic.Uint64
	denied atomic.Uint64

	proxyPort atomic.Uint32
	session   atomic.Pointer[string]

	mu    sync.Mutex
	owner *Lease
}

// Lease is one loop's exclusive claim on a State, held from Begin until
// End. Status writes through a released lease are ignored, so a loop that
// outlives a forced stop can never overwrite a newer session.
type Lease struct {
	state    *State
	stop     chan struct{}
	stopOnce sync.Once
}

// Health is a point-in-time copy of State.
type Health struct {
	Status  Status `json:"status"`
	TCP     uint64 `json:"tcp"`
	UDP     uint64 `json:"udp"`
	Other   uint64 `json:"other"`
	Bytes   uint64 `json:"bytes"`
	Port    uint16 `json:"port"`
	Denied  uint64 `json:"denied"`
	Session string `json:"session,omitempty"`
}

// NewState returns a State in StatusStopped with zeroed counters.
func NewState() *State {
	return &State{}
}

// Status returns the current status.
func (s *State) Status() Status { return Status(s.status.Load()) }

// Begin claims the state for a new loop and moves it to Starting. It
// fails with ErrBusy while another loop holds a lease, including one that
// was asked to stop and has not returned yet.
func (s *State) Begin() (*Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.owner != nil {
		return nil, ErrBusy
	}
	l := &Lease{state: s, stop: make(chan struct{})}
	s.owner = l
	s.status.Store(uint32(StatusStarting))
	return l, nil
}

// RequestStop forces the status to Stopped and signals the lease holder,
// if any. It does not wait for the loop to return.
func (s *State) RequestStop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.owner != nil {
		s.owner.signal()
	}
	s.status.Store(uint32(StatusStopped))
}

// InFlight reports whether a loop currently holds the state.
func (s *State) InFlight() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owner != nil
}

func (l *Lease) signal() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// Done is closed when a stop is requested or the lease ends.
func (l *Lease) Done() <-chan struct{} { return l.stop }

// Active reports whether the holder should keep going.
func (l *Lease) Active() bool {
	select {
	case <-l.stop:
		return false
	default:
		return true
	}
}

// MarkRunning moves Starting to Running. It returns false after a forced
// stop or once the lease has ended.
func (l *Lease) MarkRunning() bool {
	s := l.state
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.owner != l || !l.Active() {
		return false
	}
	return s.status.CompareAndSwap(uint32(StatusStarting), uint32(StatusRunning))
}

// End records the terminal status and releases the lease. Only the first
// call has any effect; it reports whether this call released it.
func (l *Lease) End(st Status) bool {
	s := l.state
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.owner != l {
		return false
	}
	s.owner = nil
	l.signal()
	s.status.Store(uint32(st))
	return true
}

// Stop ends the lease normally.
func (l *Lease) Stop() bool { return l.End(StatusStopped) }

// Fail ends the lease with an unrecoverable setup failure.
func (l *Lease) Fail() bool { return l.End(StatusError) }

// Record counts one packet of n bytes under proto.
func (s *State) Record(proto Protocol, n int) {
	switch proto {
	case ProtoTCP:
		s.tcp.Add(1)
	case ProtoUDP:
		s.udp.Add(1)
	default:
		s.other.Add(1)
	}
	if n > 0 {
		s.bytes.Add(uint64(n))
	}
}

// RecordDenied counts one packet rejected by the access policy.
func (s *State) RecordDenied() { s.denied.Add(1) }

// SetProxyPort publishes the local proxy port for the current session.
func (s *State) SetProxyPort(p uint16) { s.proxyPort.Store(uint32(p)) }

// ProxyPort returns the local proxy port, or 0 outside an active session.
func (s *State) ProxyPort() uint16 { return uint16(s.proxyPort.Load()) }

// SetSession records the identifier of the current session.
func (s *State) SetSession(id string) { s.session.Store(&id) }

// BlockedCount is the total number of packets seen by any loop.
func (s *State) BlockedCount() uint64 {
	return s.tcp.Load() + s.udp.Load() + s.other.Load()
}

// Snapshot returns the current health without side effects.
func (s *State) Snapshot() Health {
	h := Health{
		Status: s.Status(),
		TCP:    s.tcp.Load(),
		UDP:    s.udp.Load(),
		Other:  s.other.Load(),
		Bytes:  s.bytes.Load(),
		Port:   s.ProxyPort(),
		Denied: s.denied.Load(),
	}
	if id := s.session.Load(); id != nil {
		h.Session = *id
	}
	return h
}
