package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/irctrakz/tunshield/pkg/logging"
)

func newScanCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "scan <prefix>",
		Short: "Discover hosts on a /24 (e.g. 192.168.1)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, err := newService()
			if err != nil {
				return err
			}
			defer svc.Close()
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			fmt.Fprintln(cmd.OutOrStdout(), svc.ScanSubnet(ctx, args[0]))
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "overall scan deadline")
	return cmd
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats <host[:port]>",
		Short: "Measure connect latency and jitter to a target",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, err := newService()
			if err != nil {
				return err
			}
			defer svc.Close()
			fmt.Fprintln(cmd.OutOrStdout(), svc.MeasureStats(cmd.Context(), args[0]))
			return nil
		},
	}
}

func newDisruptCmd() *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "disrupt <ip>",
		Short: "Send a burst of short connects to a local host (requires disrupt.enabled)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, err := newService()
			if err != nil {
				return err
			}
			if err := svc.DisruptTarget(args[0]); err != nil {
				svc.Close()
				return err
			}
			logging.Infof("connect burst started against %s", args[0])
			time.Sleep(wait)
			return svc.Close()
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 5*time.Second, "how long to let the burst run before exiting")
	return cmd
}
