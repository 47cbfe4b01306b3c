package policy

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/irctrakz/tunshield/pkg/core"
)

// ProcNetResolver resolves socket owners from the kernel socket tables
// under <Root>/net/{tcp,tcp6,udp,udp6}.
type ProcNetResolver struct {
	Root string
}

// NewProcNetResolver returns a resolver reading from root ("/proc" if empty).
func NewProcNetResolver(root string) *ProcNetResolver {
	if root == "" {
		root = "/proc"
	}
	return &ProcNetResolver{Root: root}
}

// Owner returns the uid of the first socket bound to localPort.
func (r *ProcNetResolver) Owner(proto core.Protocol, localPort uint16) (uint32, bool) {
	var tables []string
	switch proto {
	case core.ProtoTCP:
		tables = []string{"tcp", "tcp6"}
	case core.ProtoUDP:
		tables = []string{"udp", "udp6"}
	default:
		return 0, false
	}
	for _, name := range tables {
		if uid, ok := scanTable(filepath.Join(r.Root, "net", name), localPort); ok {
			return uid, true
		}
	}
	return 0, false
}

// scanTable looks for an entry whose local address column ("hexIP:hexPort")
// carries port and returns its uid column.
func scanTable(path string, port uint16) (uint32, bool) {
	f, err := os.Open(path)
	if err != nil {
		return 0, false
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	first := true
	for sc.Scan() {
		if first {
			first = false
			continue
		}
		fields := strings.Fields(sc.Text())
		if len(fields) < 8 {
			continue
		}
		i := strings.LastIndexByte(fields[1], ':')
		if i < 0 {
			continue
		}
		p, err := strconv.ParseUint(fields[1][i+1:], 16, 16)
		if err != nil || uint16(p) != port {
			continue
		}
		uid, err := strconv.ParseUint(fields[7], 10, 32)
		if err != nil {
			continue
		}
		return uint32(uid), true
	}
	return 0, false
}
