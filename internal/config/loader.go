package config

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/odinfed/odinfed-go/internal/identity"
)

// LoaderOptions controls how configuration is loaded.
type LoaderOptions struct {
	// ConfigPath is the path to a TOML config file (optional).
	// If provided but the file is missing or invalid, loading fails.
	ConfigPath string

	// FlagOverrides are CLI flag values that override config file values.
	FlagOverrides FlagOverrides

	// Logger is used for warning messages (e.g., undecoded keys).
	// If nil, slog.Default() is used.
	Logger *slog.Logger
}

// FlagOverrides holds CLI flag values that override config file values.
// Nil pointers mean "flag not set".
type FlagOverrides struct {
	Tenant       *string
	ListenAddr   *string
	DataDir      *string
	LoggingLevel *string
	SSRFMode     *string
}

// fileConfig mirrors Config with pointer sections to detect presence.
type fileConfig struct {
	Tenant     string `toml:"tenant"`
	ListenAddr string `toml:"listen_addr"`
	DataDir    string `toml:"data_dir"`

	Logging      *LoggingConfig      `toml:"logging"`
	Store        *StoreConfig        `toml:"store"`
	OutboundHTTP *OutboundHTTPConfig `toml:"outbound_http"`

	Outbox map[string]any `toml:"outbox"`
	Inbox  map[string]any `toml:"inbox"`
}

// Load loads configuration with the precedence: defaults, then the TOML
// file, then CLI flag overrides. The tenant id is validated last so an
// override can fix a bad file value.
func Load(opts LoaderOptions) (*Config, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cfg := DefaultConfig()

	if opts.ConfigPath != "" {
		if err := applyFile(cfg, opts.ConfigPath, logger); err != nil {
			return nil, err
		}
	}
	applyFlags(cfg, opts.FlagOverrides)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyFile(cfg *Config, path string, logger *slog.Logger) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var fc fileConfig
	meta, err := toml.Decode(string(data), &fc)
	if err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	for _, key := range meta.Undecoded() {
		logger.Warn("unknown config key", "key", key.String())
	}

	if fc.Tenant != "" {
		cfg.Tenant = fc.Tenant
	}
	if fc.ListenAddr != "" {
		cfg.ListenAddr = fc.ListenAddr
	}
	if fc.DataDir != "" {
		cfg.DataDir = fc.DataDir
	}
	if fc.Logging != nil {
		cfg.Logging = *fc.Logging
	}
	if fc.Store != nil {
		cfg.Store = *fc.Store
	}
	if fc.OutboundHTTP != nil {
		cfg.OutboundHTTP = *fc.OutboundHTTP
	}
	if fc.Outbox != nil {
		cfg.Outbox = fc.Outbox
	}
	if fc.Inbox != nil {
		cfg.Inbox = fc.Inbox
	}
	return nil
}

func applyFlags(cfg *Config, f FlagOverrides) {
	if f.Tenant != nil && *f.Tenant != "" {
		cfg.Tenant = *f.Tenant
	}
	if f.ListenAddr != nil && *f.ListenAddr != "" {
		cfg.ListenAddr = *f.ListenAddr
	}
	if f.DataDir != nil && *f.DataDir != "" {
		cfg.DataDir = *f.DataDir
	}
	if f.LoggingLevel != nil && *f.LoggingLevel != "" {
		cfg.Logging.Level = *f.LoggingLevel
	}
	if f.SSRFMode != nil && *f.SSRFMode != "" {
		cfg.OutboundHTTP.SSRFMode = *f.SSRFMode
	}
}

func validate(cfg *Config) error {
	if cfg.Tenant == "" {
		return fmt.Errorf("tenant is required")
	}
	if _, err := identity.New(cfg.Tenant); err != nil {
		return fmt.Errorf("invalid tenant: %w", err)
	}
	switch cfg.OutboundHTTP.SSRFMode {
	case "strict", "off":
	default:
		return fmt.Errorf("invalid ssrf_mode %q: must be strict or off", cfg.OutboundHTTP.SSRFMode)
	}
	if cfg.Store.Driver == "" {
		return fmt.Errorf("store driver is required")
	}
	return nil
}
