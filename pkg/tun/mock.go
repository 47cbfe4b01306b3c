package tun

import (
	"io"
	"sync"
	"time"

	"github.com/irctrakz/tunshield/pkg/core"
)

// MockDescriptor is an in-memory Descriptor for tests that don't have
// access to a kernel device.
type MockDescriptor struct {
	mu         sync.Mutex
	queue      [][]byte
	wouldBlock int
	eof        bool
	err        error
	written    [][]byte
	reads      int
	notify     chan struct{}
}

// NewMockDescriptor returns an empty descriptor with no pending packets.
func NewMockDescriptor() *MockDescriptor {
	return &MockDescriptor{notify: make(chan struct{}, 1)}
}

func (m *MockDescriptor) signal() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// SimulatePacketReceived queues packets as if the system had routed them
// into the device.
func (m *MockDescriptor) SimulatePacketReceived(pkts ...[]byte) {
	m.mu.Lock()
	for _, p := range pkts {
		m.queue = append(m.queue, append([]byte(nil), p...))
	}
	m.mu.Unlock()
	m.signal()
}

// SimulateWouldBlock makes the next n reads report core.ErrWouldBlock even
// though the descriptor polled readable.
func (m *MockDescriptor) SimulateWouldBlock(n int) {
	m.mu.Lock()
	m.wouldBlock += n
	m.mu.Unlock()
	m.signal()
}

// Hangup makes reads return io.EOF once the queue is drained.
func (m *MockDescriptor) Hangup() {
	m.mu.Lock()
	m.eof = true
	m.mu.Unlock()
	m.signal()
}

// Fail makes reads return err once the queue is drained.
func (m *MockDescriptor) Fail(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
	m.signal()
}

func (m *MockDescriptor) pendingLocked() bool {
	return len(m.queue) > 0 || m.wouldBlock > 0 || m.eof || m.err != nil
}

// WaitReadable implements Descriptor.
func (m *MockDescriptor) WaitReadable(timeout time.Duration) (bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		m.mu.Lock()
		ready := m.pendingLocked()
		m.mu.Unlock()
		if ready {
			// Keep the signal armed for the next waiter.
			m.signal()
			return true, nil
		}
		select {
		case <-m.notify:
		case <-timer.C:
			return false, nil
		}
	}
}

// Read implements Descriptor.
func (m *MockDescriptor) Read(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	if m.wouldBlock > 0 {
		m.wouldBlock--
		return 0, core.ErrWouldBlock
	}
	if len(m.queue) > 0 {
		pkt := m.queue[0]
		m.queue = m.queue[1:]
		return copy(p, pkt), nil
	}
	if m.err != nil {
		return 0, m.err
	}
	if m.eof {
		return 0, io.EOF
	}
	return 0, core.ErrWouldBlock
}

// Write implements Descriptor and records the packet.
func (m *MockDescriptor) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.written = append(m.written, append([]byte(nil), p...))
	return len(p), nil
}

// Pending returns the number of queued packets not yet read.
func (m *MockDescriptor) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Reads returns the number of Read calls made so far.
func (m *MockDescriptor) Reads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads
}

// GetWrittenPackets returns copies of the packets written to the descriptor.
func (m *MockDescriptor) GetWrittenPackets() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([][]byte, len(m.written))
	for i, p := range m.written {
		result[i] = append([]byte(nil), p...)
	}
	return result
}
