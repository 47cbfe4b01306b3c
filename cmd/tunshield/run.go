package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/irctrakz/tunshield/pkg/core"
	"github.com/irctrakz/tunshield/pkg/logging"
	"github.com/irctrakz/tunshield/pkg/service"
	"github.com/irctrakz/tunshield/pkg/tun"
)

type loopFunc func(ctx context.Context, d tun.Descriptor) (core.Status, error)

func newRunCmd() *cobra.Command {
	var fd int
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the tunnel loop on a TUN descriptor",
		Long: `Run the tunnel loop on an inherited TUN file descriptor.

Without a configured access key the loop falls back to the passive shield.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLoop(fd, func(svc *service.Service) loopFunc { return svc.RunTunnelLoop })
		},
	}
	cmd.Flags().IntVar(&fd, "fd", -1, "inherited TUN file descriptor")
	_ = cmd.MarkFlagRequired("fd")
	return cmd
}

func newPassiveCmd() *cobra.Command {
	var fd int
	cmd := &cobra.Command{
		Use:   "passive",
		Short: "Drain a TUN descriptor without forwarding",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLoop(fd, func(svc *service.Service) loopFunc { return svc.RunPassiveLoop })
		},
	}
	cmd.Flags().IntVar(&fd, "fd", -1, "inherited TUN file descriptor")
	_ = cmd.MarkFlagRequired("fd")
	return cmd
}

func runLoop(fd int, pick func(*service.Service) loopFunc) error {
	svc, cfg, err := newService()
	if err != nil {
		return err
	}
	defer svc.Close()

	desc, err := tun.NewFDDescriptor(fd)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext(svc)
	defer cancel()

	if cfg.Metrics.Listen != "" {
		srv := newHealthServer(cfg.Metrics.Listen, svc)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logging.Warnf("health server: %v", err)
			}
		}()
		defer func() {
			sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer scancel()
			srv.Shutdown(sctx)
		}()
	}
	if cfg.Metrics.Interval != "" {
		go runMetricsReporter(ctx, cfg, svc)
	}

	status, err := pick(svc)(ctx, desc)
	logging.Infof("loop finished: status=%s health=%s", status, svc.HealthSnapshot())
	if err != nil {
		return err
	}
	if status == core.StatusError {
		return fmt.Errorf("session ended with status %s", status)
	}
	return nil
}
