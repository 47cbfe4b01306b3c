// tunshield intercepts traffic from a TUN descriptor: it forwards flows
// through a Shadowsocks tunnel when an access key is configured and
// otherwise drains the device as a passive shield.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/irctrakz/tunshield/pkg/config"
	"github.com/irctrakz/tunshield/pkg/logging"
	"github.com/irctrakz/tunshield/pkg/service"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile  string
	logLevel string
	jsonLogs bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "tunshield",
		Short: "TUN traffic shield with an optional Shadowsocks tunnel",
		Long: `tunshield reads packets from an already-open TUN descriptor.

With an access key (shield.credential or TUNSHIELD_CREDENTIAL) traffic is
forwarded through a local SOCKS5 proxy backed by Shadowsocks. Without one,
every packet is counted and discarded.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (.yaml, .yml or .json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "emit logs as JSON")

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newPassiveCmd())
	rootCmd.AddCommand(newScanCmd())
	rootCmd.AddCommand(newStatsCmd())
	rootCmd.AddCommand(newDisruptCmd())
	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

// loadConfig layers defaults, the config file, the environment and flags.
func loadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()
	if cfgFile != "" {
		if err := config.LoadFromFile(cfgFile, cfg); err != nil {
			return nil, err
		}
	}
	config.LoadFromEnv(cfg)
	if v := os.Getenv("DEBUG"); config.Truthy(v) {
		cfg.Logging.Level = "debug"
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.ApplyLogging(); err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}
	logging.SetJSON(jsonLogs)
	return cfg, nil
}

func newService() (*service.Service, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	svc, err := service.New(cfg, service.Options{})
	if err != nil {
		return nil, nil, err
	}
	return svc, cfg, nil
}

// signalContext is cancelled on SIGINT/SIGTERM after asking svc to stop.
func signalContext(svc *service.Service) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigc := make(chan os.Signal, 2)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigc:
			logging.Infof("received %s, stopping", sig)
			svc.RequestStop()
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigc)
	}()
	return ctx, cancel
}

func newConfigCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Write the effective configuration (without the access key) to a file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.SaveToFile(out); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "tunshield.yaml", "destination (.yaml, .yml or .json)")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "tunshield %s (commit %s, built %s)\n", Version, Commit, BuildTime)
		},
	}
}
