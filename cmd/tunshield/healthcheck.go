package main

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/irctrakz/tunshield/pkg/core"
	"github.com/irctrakz/tunshield/pkg/metrics"
	"github.com/irctrakz/tunshield/pkg/service"
)

// newHealthServer serves /health, /energy and /metrics for svc.
func newHealthServer(addr string, svc *service.Service) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           healthHandler(svc),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func healthHandler(svc *service.Service) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		// 503 once the session has failed so probes can alert on it.
		if svc.Health().Status == core.StatusError {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		w.Write([]byte(svc.HealthSnapshot()))
	})
	mux.HandleFunc("/energy", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(svc.EnergySavingsEstimate()))
	})
	reg := metrics.NewRegistry(svc.State())
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return mux
}
