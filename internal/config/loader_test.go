package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/odinfed/odinfed-go/internal/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaultsRequireTenant(t *testing.T) {
	if _, err := config.Load(config.LoaderOptions{}); err == nil {
		t.Error("expected error without tenant")
	}
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
tenant = "frodo.example"
listen_addr = ":9999"

[logging]
level = "debug"

[outbound_http]
ssrf_mode = "off"
timeout_ms = 5000
connect_timeout_ms = 1000
max_response_bytes = 1024

[outbox]
batch_size = 25
max_attempts = 3
`)

	cfg, err := config.Load(config.LoaderOptions{ConfigPath: path})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Tenant != "frodo.example" {
		t.Errorf("tenant = %q", cfg.Tenant)
	}
	if cfg.ListenAddr != ":9999" {
		t.Errorf("listen_addr = %q", cfg.ListenAddr)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("logging level = %q", cfg.Logging.Level)
	}
	if cfg.OutboundHTTP.SSRFMode != "off" {
		t.Errorf("ssrf mode = %q", cfg.OutboundHTTP.SSRFMode)
	}
	if cfg.Outbox["batch_size"] != int64(25) {
		t.Errorf("outbox batch_size = %v", cfg.Outbox["batch_size"])
	}
}

func TestFlagsOverrideFile(t *testing.T) {
	path := writeConfig(t, `
tenant = "frodo.example"
listen_addr = ":9999"
`)

	listen := ":7777"
	tenant := "sam.example"
	cfg, err := config.Load(config.LoaderOptions{
		ConfigPath: path,
		FlagOverrides: config.FlagOverrides{
			ListenAddr: &listen,
			Tenant:     &tenant,
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenAddr != ":7777" {
		t.Errorf("flag did not override listen_addr: %q", cfg.ListenAddr)
	}
	if cfg.Tenant != "sam.example" {
		t.Errorf("flag did not override tenant: %q", cfg.Tenant)
	}
}

func TestInvalidTenantRejected(t *testing.T) {
	path := writeConfig(t, `tenant = "not a domain"`)
	if _, err := config.Load(config.LoaderOptions{ConfigPath: path}); err == nil {
		t.Error("expected error for invalid tenant")
	}
}

func TestInvalidSSRFModeRejected(t *testing.T) {
	path := writeConfig(t, `
tenant = "frodo.example"

[outbound_http]
ssrf_mode = "sometimes"
`)
	if _, err := config.Load(config.LoaderOptions{ConfigPath: path}); err == nil {
		t.Error("expected error for invalid ssrf_mode")
	}
}
