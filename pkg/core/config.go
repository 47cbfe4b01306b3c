package core

// ShieldConfig seeds the runtime configuration store.
type ShieldConfig struct {
	// Credential is the tunnel access key (ss:// URL). Empty selects the passive shield.
	Credential string `json:"credential" yaml:"credential"`

	// AllowedDomains restricts TLS handshakes to these substrings when non-empty.
	AllowedDomains []string `json:"allowed_domains" yaml:"allowedDomains"`

	// AllowedUIDs restricts traffic to these socket owners when non-empty.
	AllowedUIDs []uint32 `json:"allowed_uids" yaml:"allowedUIDs"`

	// BandwidthMbps is the declared bandwidth cap. It is stored but not enforced.
	BandwidthMbps int64 `json:"bandwidth_mbps" yaml:"bandwidthMbps"`

	// Stealth is an opaque flag carried for the host application.
	Stealth bool `json:"stealth" yaml:"stealth"`
}

// TunnelConfig contains configuration for the active tunnel loop.
type TunnelConfig struct {
	// MTU handed to the tunneling engine.
	MTU int `json:"mtu" yaml:"mtu"`

	// ReadinessAttempts is the number of connects tried against the local proxy.
	ReadinessAttempts int `json:"readiness_attempts" yaml:"readinessAttempts"`

	// ReadinessDelayMs is the delay before each readiness attempt.
	ReadinessDelayMs int `json:"readiness_delay_ms" yaml:"readinessDelayMs"`

	// WatchdogIntervalMs is the period of the proxy health check.
	WatchdogIntervalMs int `json:"watchdog_interval_ms" yaml:"watchdogIntervalMs"`

	// WatchdogFailures is the number of consecutive failed checks that cancel the engine.
	WatchdogFailures int `json:"watchdog_failures" yaml:"watchdogFailures"`

	// FallbackProxyPort is used when no ephemeral port can be reserved.
	FallbackProxyPort int `json:"fallback_proxy_port" yaml:"fallbackProxyPort"`

	// ReadBufferSize is the scratch buffer size of the passive shield.
	ReadBufferSize int `json:"read_buffer_size" yaml:"readBufferSize"`
}

// ScannerConfig contains configuration for subnet discovery.
type ScannerConfig struct {
	Ports            []int `json:"ports" yaml:"ports"`
	ConnectTimeoutMs int   `json:"connect_timeout_ms" yaml:"connectTimeoutMs"`
	MDNSTimeoutMs    int   `json:"mdns_timeout_ms" yaml:"mdnsTimeoutMs"`
	MDNS             bool  `json:"mdns" yaml:"mdns"`
}

// ProbeConfig contains configuration for latency measurement.
type ProbeConfig struct {
	Attempts    int `json:"attempts" yaml:"attempts"`
	TimeoutMs   int `json:"timeout_ms" yaml:"timeoutMs"`
	DefaultPort int `json:"default_port" yaml:"defaultPort"`
}

// DisruptConfig gates the repeated-connect primitive.
type DisruptConfig struct {
	// Enabled must be set explicitly; the primitive is off by default.
	Enabled    bool `json:"enabled" yaml:"enabled"`
	Attempts   int  `json:"attempts" yaml:"attempts"`
	IntervalMs int  `json:"interval_ms" yaml:"intervalMs"`
	Port       int  `json:"port" yaml:"port"`
}
