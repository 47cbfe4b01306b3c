// Package capture tees packets read from the device into a pcap file
// (LINKTYPE_RAW) for offline inspection.
package capture

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/irctrakz/tunshield/pkg/logging"
)

const snapLen = 65535

// Writer is a core.PacketTap writing raw IP packets to a pcap stream.
type Writer struct {
	mu      sync.Mutex
	w       *pcapgo.Writer
	closer  io.Closer
	now     func() time.Time
	packets uint64
	failed  bool
}

// NewWriter writes the pcap file header to w.
func NewWriter(w io.Writer) (*Writer, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(snapLen, layers.LinkTypeRaw); err != nil {
		return nil, err
	}
	cw := &Writer{w: pw, now: time.Now}
	if c, ok := w.(io.Closer); ok {
		cw.closer = c
	}
	return cw, nil
}

// Create truncates path and starts a capture there.
func Create(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w, err := NewWriter(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	logging.Component("capture").WithField("file", path).Info("packet capture enabled")
	return w, nil
}

// Capture appends one packet. Write failures disable the capture.
func (c *Writer) Capture(pkt []byte) {
	if len(pkt) == 0 {
		return
	}
	n := min(len(pkt), snapLen)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failed {
		return
	}
	ci := gopacket.CaptureInfo{Timestamp: c.now(), CaptureLength: n, Length: len(pkt)}
	if err := c.w.WritePacket(ci, pkt[:n]); err != nil {
		c.failed = true
		logging.Component("capture").WithError(err).Warn("capture disabled after write failure")
		return
	}
	c.packets++
}

// Packets returns the number of packets written.
func (c *Writer) Packets() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.packets
}

// Close closes the underlying file, if any.
func (c *Writer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failed = true
	if c.closer != nil {
		return c.closer.Close()
	}
	return nil
}
