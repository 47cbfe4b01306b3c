package core

// Protocol is the coarse transport tag used for counters.
type Protocol uint8

const (
	ProtoOther Protocol = iota
	ProtoTCP
	ProtoUDP
)

// IP protocol numbers.
const (
	IPProtoTCP = 6
	IPProtoUDP = 17
)

func (p Protocol) String() string {
	switch p {
	case ProtoTCP:
		return "tcp"
	case ProtoUDP:
		return "udp"
	default:
		return "other"
	}
}
