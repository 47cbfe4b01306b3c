package core

// PacketFilter decides whether a packet read from the device may be forwarded.
type PacketFilter interface {
	IsAllowed(packet []byte) bool
}

// PacketTap observes raw packets read from the device. Implementations
// must not retain the slice.
type PacketTap interface {
	Capture(packet []byte)
}

// AllowAll is a PacketFilter that accepts everything.
type AllowAll struct{}

// IsAllowed always returns true.
func (AllowAll) IsAllowed([]byte) bool { return true }
