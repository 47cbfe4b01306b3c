// Package config provides file and environment configuration for tunshield
// and the runtime configuration store read by the interception loops.
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/irctrakz/tunshield/pkg/core"
	"github.com/irctrakz/tunshield/pkg/logging"
	"gopkg.in/yaml.v3"
)

// Config represents the complete tunshield configuration.
type Config struct {
	// Shield seeds the runtime configuration store.
	Shield core.ShieldConfig `json:"shield" yaml:"shield"`

	// Tunnel contains the active tunnel loop configuration.
	Tunnel core.TunnelConfig `json:"tunnel" yaml:"tunnel"`

	// Scanner contains the subnet scanner configuration.
	Scanner core.ScannerConfig `json:"scanner" yaml:"scanner"`

	// Probe contains the latency probe configuration.
	Probe core.ProbeConfig `json:"probe" yaml:"probe"`

	// Disrupt gates the repeated-connect primitive.
	Disrupt core.DisruptConfig `json:"disrupt" yaml:"disrupt"`

	// Logging contains the logging configuration.
	Logging LoggingConfig `json:"logging" yaml:"logging"`

	// Metrics contains the health/metrics endpoint configuration.
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`

	// Capture contains the optional packet capture configuration.
	Capture CaptureConfig `json:"capture" yaml:"capture"`

	// ProcRoot is where the socket owner tables are read from.
	ProcRoot string `json:"proc_root" yaml:"procRoot"`
}

// LoggingConfig contains configuration for logging.
type LoggingConfig struct {
	// Level is the logging level (debug, info, warn, error).
	Level string `json:"level" yaml:"level"`

	// File is the log file path.
	File string `json:"file" yaml:"file"`

	// MaxSize is the maximum size of the log file in megabytes.
	MaxSize int `json:"maxSize" yaml:"maxSize"`

	// MaxBackups is the maximum number of old log files to retain.
	MaxBackups int `json:"maxBackups" yaml:"maxBackups"`

	// MaxAge is the maximum number of days to retain old log files.
	MaxAge int `json:"maxAge" yaml:"maxAge"`
}

// MetricsConfig contains configuration for the health endpoint and the
// periodic metrics reporter.
type MetricsConfig struct {
	// Listen is the HTTP listen address for /health and /metrics. Empty disables it.
	Listen string `json:"listen" yaml:"listen"`

	// Interval is the metrics log period (Go duration). Empty disables the reporter.
	Interval string `json:"interval" yaml:"interval"`

	// Format is the metrics log format (text or json).
	Format string `json:"format" yaml:"format"`
}

// CaptureConfig contains configuration for the pcap tee.
type CaptureConfig struct {
	// File is the pcap output path. Empty disables capture.
	File string `json:"file" yaml:"file"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Shield: core.ShieldConfig{},
		Tunnel: core.TunnelConfig{
			MTU:                1280,
			ReadinessAttempts:  10,
			ReadinessDelayMs:   300,
			WatchdogIntervalMs: 5000,
			WatchdogFailures:   1,
			FallbackProxyPort:  10808,
			ReadBufferSize:     16384,
		},
		Scanner: core.ScannerConfig{
			Ports:            []int{80, 443, 62078},
			ConnectTimeoutMs: 200,
			MDNSTimeoutMs:    150,
			MDNS:             true,
		},
		Probe: core.ProbeConfig{
			Attempts:    3,
			TimeoutMs:   1500,
			DefaultPort: 80,
		},
		Disrupt: core.DisruptConfig{
			Enabled:    false,
			Attempts:   500,
			IntervalMs: 5,
			Port:       80,
		},
		Logging: LoggingConfig{
			Level:      "info",
			File:       "",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     7,
		},
		Metrics: MetricsConfig{
			Listen: ":8080",
			Format: "text",
		},
		ProcRoot: "/proc",
	}
}

// LoadFromFile loads configuration from a file.
func LoadFromFile(path string, config *Config) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	// Determine file format based on extension
	switch {
	case strings.HasSuffix(path, ".json"):
		if err := json.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse JSON config: %w", err)
		}
	case strings.HasSuffix(path, ".yaml"), strings.HasSuffix(path, ".yml"):
		if err := yaml.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse YAML config: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s", path)
	}

	return nil
}

// LoadFromEnv loads configuration from environment variables.
func LoadFromEnv(config *Config) {
	// Shield config
	if val := os.Getenv("TUNSHIELD_CREDENTIAL"); val != "" {
		config.Shield.Credential = val
		os.Unsetenv("TUNSHIELD_CREDENTIAL")
	}
	if val := os.Getenv("TUNSHIELD_ALLOWED_DOMAINS"); val != "" {
		config.Shield.AllowedDomains = SplitCSV(val)
	}
	if val := os.Getenv("TUNSHIELD_ALLOWED_UIDS"); val != "" {
		var uids []uint32
		for _, s := range SplitCSV(val) {
			if uid, err := strconv.ParseUint(s, 10, 32); err == nil {
				uids = append(uids, uint32(uid))
			}
		}
		config.Shield.AllowedUIDs = uids
	}
	if val := os.Getenv("TUNSHIELD_BANDWIDTH_MBPS"); val != "" {
		if mbps, err := strconv.ParseInt(val, 10, 64); err == nil {
			config.Shield.BandwidthMbps = mbps
		}
	}
	if val := os.Getenv("TUNSHIELD_STEALTH"); val != "" {
		config.Shield.Stealth = Truthy(val)
	}

	// Tunnel config
	envInt("TUNSHIELD_MTU", &config.Tunnel.MTU)
	envInt("TUNSHIELD_READINESS_ATTEMPTS", &config.Tunnel.ReadinessAttempts)
	envInt("TUNSHIELD_READINESS_DELAY_MS", &config.Tunnel.ReadinessDelayMs)
	envInt("TUNSHIELD_WATCHDOG_INTERVAL_MS", &config.Tunnel.WatchdogIntervalMs)
	envInt("TUNSHIELD_WATCHDOG_FAILURES", &config.Tunnel.WatchdogFailures)
	envInt("TUNSHIELD_FALLBACK_PROXY_PORT", &config.Tunnel.FallbackProxyPort)

	// Disruption is opt-in
	if val := os.Getenv("TUNSHIELD_ALLOW_DISRUPTION"); val != "" {
		config.Disrupt.Enabled = Truthy(val)
	}

	if val := os.Getenv("TUNSHIELD_PROC_ROOT"); val != "" {
		config.ProcRoot = val
	}
	if val := os.Getenv("TUNSHIELD_PCAP"); val != "" {
		config.Capture.File = val
	}

	// Metrics config
	if val := os.Getenv("METRICS_LISTEN"); val != "" {
		config.Metrics.Listen = val
	}
	if val := os.Getenv("METRICS_INTERVAL"); val != "" {
		config.Metrics.Interval = val
	}
	if val := os.Getenv("METRICS_FORMAT"); val != "" {
		config.Metrics.Format = strings.ToLower(strings.TrimSpace(val))
	}

	// Logging config
	if val := os.Getenv("LOGGING_LEVEL"); val != "" {
		config.Logging.Level = val
	}
	if val := os.Getenv("LOGGING_FILE"); val != "" {
		config.Logging.File = val
	}
	envInt("LOGGING_MAX_SIZE", &config.Logging.MaxSize)
	envInt("LOGGING_MAX_BACKUPS", &config.Logging.MaxBackups)
	envInt("LOGGING_MAX_AGE", &config.Logging.MaxAge)
}

func envInt(key string, dst *int) {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			*dst = n
		}
	}
}

// Truthy parses the usual boolean spellings used in environment variables.
func Truthy(s string) bool {
	v := strings.ToLower(strings.TrimSpace(s))
	return v == "1" || v == "true" || v == "yes" || v == "on"
}

// SplitCSV splits a comma-separated list, trimming entries and dropping empties.
func SplitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	// Validate Tunnel config
	if c.Tunnel.MTU < 576 || c.Tunnel.MTU > 65535 {
		return fmt.Errorf("invalid tunnel MTU: %d", c.Tunnel.MTU)
	}
	if c.Tunnel.ReadinessAttempts <= 0 {
		return fmt.Errorf("invalid readiness attempts: %d", c.Tunnel.ReadinessAttempts)
	}
	if c.Tunnel.ReadinessDelayMs < 0 {
		return fmt.Errorf("invalid readiness delay: %d", c.Tunnel.ReadinessDelayMs)
	}
	if c.Tunnel.WatchdogIntervalMs <= 0 {
		return fmt.Errorf("invalid watchdog interval: %d", c.Tunnel.WatchdogIntervalMs)
	}
	if c.Tunnel.WatchdogFailures <= 0 {
		return fmt.Errorf("invalid watchdog failure threshold: %d", c.Tunnel.WatchdogFailures)
	}
	if c.Tunnel.FallbackProxyPort <= 0 || c.Tunnel.FallbackProxyPort > 65535 {
		return fmt.Errorf("invalid fallback proxy port: %d", c.Tunnel.FallbackProxyPort)
	}
	if c.Tunnel.ReadBufferSize < 1500 {
		return fmt.Errorf("read buffer too small: %d", c.Tunnel.ReadBufferSize)
	}
	if c.Shield.BandwidthMbps < 0 {
		return fmt.Errorf("invalid bandwidth limit: %d", c.Shield.BandwidthMbps)
	}

	// Validate Scanner config
	if len(c.Scanner.Ports) == 0 {
		return fmt.Errorf("scanner needs at least one port")
	}
	for _, p := range c.Scanner.Ports {
		if p <= 0 || p > 65535 {
			return fmt.Errorf("invalid scanner port: %d", p)
		}
	}
	if c.Scanner.ConnectTimeoutMs <= 0 {
		return fmt.Errorf("invalid scanner connect timeout: %d", c.Scanner.ConnectTimeoutMs)
	}

	// Validate Probe config
	if c.Probe.Attempts <= 0 {
		return fmt.Errorf("invalid probe attempts: %d", c.Probe.Attempts)
	}
	if c.Probe.TimeoutMs <= 0 {
		return fmt.Errorf("invalid probe timeout: %d", c.Probe.TimeoutMs)
	}
	if c.Probe.DefaultPort <= 0 || c.Probe.DefaultPort > 65535 {
		return fmt.Errorf("invalid probe default port: %d", c.Probe.DefaultPort)
	}

	// Validate Disrupt config
	if c.Disrupt.Port <= 0 || c.Disrupt.Port > 65535 {
		return fmt.Errorf("invalid disrupt port: %d", c.Disrupt.Port)
	}

	// Validate Metrics config
	switch c.Metrics.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("invalid metrics format: %s", c.Metrics.Format)
	}

	// Validate Logging config
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
		// Valid levels
	default:
		return fmt.Errorf("invalid logging level: %s", c.Logging.Level)
	}

	return nil
}

// ApplyLogging applies the logging configuration.
func (c *Config) ApplyLogging() error {
	logging.SetLevel(logging.ParseLevel(c.Logging.Level))
	if c.Logging.File == "" {
		return nil
	}
	err := logging.EnableFileLogging(c.Logging.File, logging.Rotation{
		MaxSizeMB:  c.Logging.MaxSize,
		MaxBackups: c.Logging.MaxBackups,
		MaxAgeDays: c.Logging.MaxAge,
	})
	if err != nil {
		return fmt.Errorf("failed to enable file logging: %w", err)
	}
	return nil
}

// SaveToFile saves the configuration to a file. The credential is never written.
func (c *Config) SaveToFile(path string) error {
	out := *c
	out.Shield.Credential = ""

	var data []byte
	var err error

	// Determine file format based on extension
	switch {
	case strings.HasSuffix(path, ".json"):
		data, err = json.MarshalIndent(&out, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal config to JSON: %w", err)
		}
	case strings.HasSuffix(path, ".yaml"), strings.HasSuffix(path, ".yml"):
		data, err = yaml.Marshal(&out)
		if err != nil {
			return fmt.Errorf("failed to marshal config to YAML: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s", path)
	}

	// Create directory if it doesn't exist
	if lastSlash := strings.LastIndex(path, "/"); lastSlash != -1 {
		if err := os.MkdirAll(path[:lastSlash], 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
