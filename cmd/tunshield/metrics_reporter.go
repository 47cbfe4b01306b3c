package main

import (
	"context"

	"github.com/irctrakz/tunshield/pkg/config"
	"github.com/irctrakz/tunshield/pkg/metrics"
	"github.com/irctrakz/tunshield/pkg/service"
)

// runMetricsReporter logs a metrics line every cfg.Metrics.Interval.
func runMetricsReporter(ctx context.Context, cfg *config.Config, svc *service.Service) {
	metrics.NewReporter(svc.State(), cfg.Metrics.Interval, cfg.Metrics.Format, cfg.ProcRoot).Run(ctx)
}
