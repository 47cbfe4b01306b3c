package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/irctrakz/tunshield/pkg/core"
	"github.com/irctrakz/tunshield/pkg/logging"
)

// Snapshot is one reporter sample.
type Snapshot struct {
	Timestamp string              `json:"ts"`
	Health    core.Health         `json:"health"`
	Energy    core.EnergyEstimate `json:"energy"`
	RT        map[string]uint64   `json:"rt"`
	Srv       map[string]uint64   `json:"srv_limits"`
}

// Reporter logs a Snapshot at a fixed interval.
type Reporter struct {
	src      Source
	interval time.Duration
	format   string
	procRoot string
	logf     func(format string, args ...interface{})
}

// NewReporter returns a Reporter. interval is a Go duration string
// defaulting to 30s; format is "text" or "json".
func NewReporter(src Source, interval, format, procRoot string) *Reporter {
	d, err := time.ParseDuration(strings.TrimSpace(interval))
	if err != nil || d <= 0 {
		d = 30 * time.Second
	}
	format = strings.ToLower(strings.TrimSpace(format))
	if format == "" {
		format = "text"
	}
	if procRoot == "" {
		procRoot = "/proc"
	}
	return &Reporter{src: src, interval: d, format: format, procRoot: procRoot, logf: logging.Infof}
}

// Run reports immediately and then every interval until ctx is done.
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		r.logf("metrics: %s", r.Format(r.Sample()))
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sample collects one Snapshot.
func (r *Reporter) Sample() Snapshot {
	h := r.src.Snapshot()
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return Snapshot{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Health:    h,
		Energy:    core.EstimateEnergy(h.Bytes, h.TCP+h.UDP+h.Other),
		RT: map[string]uint64{
			"heap_alloc": ms.HeapAlloc,
			"heap_inuse": ms.HeapInuse,
			"sys":        ms.Sys,
			"num_gc":     uint64(ms.NumGC),
			"goroutines": uint64(runtime.NumGoroutine()),
		},
		Srv: serverLimits(r.procRoot),
	}
}

// Format renders s in the configured format.
func (r *Reporter) Format(s Snapshot) string {
	if r.format == "json" {
		b, _ := json.Marshal(s)
		return string(b)
	}
	h := s.Health
	return fmt.Sprintf("ts=%s status=%s tcp=%d udp=%d other=%d bytes=%d denied=%d port=%d | energy=%s | srv: fds=%d/%d | rt: heap=%dMi gor=%d gc=%d",
		s.Timestamp, h.Status, h.TCP, h.UDP, h.Other, h.Bytes, h.Denied, h.Port,
		s.Energy.Display,
		s.Srv["open_fds"], s.Srv["nofile_soft"],
		s.RT["heap_alloc"]/(1024*1024), s.RT["goroutines"], s.RT["num_gc"],
	)
}

// serverLimits collects best-effort descriptor and port limits.
func serverLimits(procRoot string) map[string]uint64 {
	out := map[string]uint64{}
	fileLimits(out)
	if ents, err := os.ReadDir(procRoot + "/self/fd"); err == nil {
		out["open_fds"] = uint64(len(ents))
	}
	if lo, hi, ok := readPortRange(procRoot + "/sys/net/ipv4/ip_local_port_range"); ok {
		out["eph_low"] = lo
		out["eph_high"] = hi
	}
	return out
}

func readPortRange(path string) (low, high uint64, ok bool) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, false
	}
	f := strings.Fields(string(b))
	if len(f) < 2 {
		return 0, 0, false
	}
	lo, err1 := strconv.ParseUint(f[0], 10, 64)
	hi, err2 := strconv.ParseUint(f[1], 10, 64)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return lo, hi, true
}
