// Package config provides configuration loading and validation.
package config

// Config holds the server configuration.
type Config struct {
	// Tenant is this instance's OdinId (domain name).
	Tenant string `json:"tenant"`

	// ListenAddr is the address to listen on, e.g. ":8443".
	ListenAddr string `json:"listen_addr"`

	// DataDir is the root directory for payload files and the database.
	DataDir string `json:"data_dir"`

	Logging      LoggingConfig      `json:"logging"`
	Store        StoreConfig        `json:"store"`
	OutboundHTTP OutboundHTTPConfig `json:"outbound_http"`

	// Outbox and Inbox are free-form settings tables decoded by the peer
	// packages (batch size, retry policy, reservation timeout).
	Outbox map[string]any `json:"outbox"`
	Inbox  map[string]any `json:"inbox"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is one of: trace, debug, info, warn, error.
	Level string `json:"level" toml:"level"`
}

// StoreConfig holds persistence settings.
type StoreConfig struct {
	// Driver is the persistence driver name (sqlite).
	Driver string `json:"driver" toml:"driver"`
}

// OutboundHTTPConfig holds settings for outbound HTTP requests to peers.
type OutboundHTTPConfig struct {
	// SSRFMode is one of: strict, off.
	SSRFMode string `json:"ssrf_mode" toml:"ssrf_mode"`

	// TimeoutMS is the overall request timeout in milliseconds.
	TimeoutMS int `json:"timeout_ms" toml:"timeout_ms"`

	// ConnectTimeoutMS is the connection timeout in milliseconds.
	ConnectTimeoutMS int `json:"connect_timeout_ms" toml:"connect_timeout_ms"`

	// MaxResponseBytes is the maximum response body size.
	MaxResponseBytes int64 `json:"max_response_bytes" toml:"max_response_bytes"`

	// InsecureSkipVerify disables TLS verification (dev-only).
	InsecureSkipVerify bool `json:"insecure_skip_verify" toml:"insecure_skip_verify"`
}

// DefaultConfig returns a Config with sensible defaults for local development.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr: ":8443",
		DataDir:    "./data",
		Logging:    LoggingConfig{Level: "info"},
		Store:      StoreConfig{Driver: "sqlite"},
		OutboundHTTP: OutboundHTTPConfig{
			SSRFMode:         "strict",
			TimeoutMS:        10000,
			ConnectTimeoutMS: 2000,
			MaxResponseBytes: 67108864, // file transfers are bigger than control traffic
		},
	}
}
