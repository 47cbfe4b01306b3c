// Package metrics exposes session counters to Prometheus and to the
// periodic log reporter.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/irctrakz/tunshield/pkg/core"
)

// Source provides the counters to export.
type Source interface {
	Snapshot() core.Health
}

// Collector reads a Source on every scrape.
type Collector struct {
	src Source

	packets *prometheus.Desc
	bytes   *prometheus.Desc
	denied  *prometheus.Desc
	status  *prometheus.Desc
	port    *prometheus.Desc
	energy  *prometheus.Desc
}

// NewCollector returns a Collector over src.
func NewCollector(src Source) *Collector {
	return &Collector{
		src: src,
		packets: prometheus.NewDesc("tunshield_packets_total",
			"Packets read from the device by protocol", []string{"proto"}, nil),
		bytes: prometheus.NewDesc("tunshield_bytes_total",
			"Bytes read from the device", nil, nil),
		denied: prometheus.NewDesc("tunshield_denied_packets_total",
			"Packets rejected by the access policy", nil, nil),
		status: prometheus.NewDesc("tunshield_status",
			"Session status (0 stopped, 1 starting, 2 running, 3 error)", nil, nil),
		port: prometheus.NewDesc("tunshield_proxy_port",
			"Local proxy port of the running session, 0 when idle", nil, nil),
		energy: prometheus.NewDesc("tunshield_energy_saved_mah",
			"Estimated energy saved in mAh", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.packets
	ch <- c.bytes
	ch <- c.denied
	ch <- c.status
	ch <- c.port
	ch <- c.energy
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	h := c.src.Snapshot()
	ch <- prometheus.MustNewConstMetric(c.packets, prometheus.CounterValue, float64(h.TCP), "tcp")
	ch <- prometheus.MustNewConstMetric(c.packets, prometheus.CounterValue, float64(h.UDP), "udp")
	ch <- prometheus.MustNewConstMetric(c.packets, prometheus.CounterValue, float64(h.Other), "other")
	ch <- prometheus.MustNewConstMetric(c.bytes, prometheus.CounterValue, float64(h.Bytes))
	ch <- prometheus.MustNewConstMetric(c.denied, prometheus.CounterValue, float64(h.Denied))
	ch <- prometheus.MustNewConstMetric(c.status, prometheus.GaugeValue, float64(h.Status))
	ch <- prometheus.MustNewConstMetric(c.port, prometheus.GaugeValue, float64(h.Port))
	ch <- prometheus.MustNewConstMetric(c.energy, prometheus.GaugeValue, core.EnergyMAh(h.Bytes, h.TCP+h.UDP+h.Other))
}

// NewRegistry returns a registry with the Go runtime, process and session
// collectors registered.
func NewRegistry(src Source) *prometheus.Registry {
	r := prometheus.NewRegistry()
	r.MustRegister(collectors.NewGoCollector())
	r.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	r.MustRegister(NewCollector(src))
	return r
}
