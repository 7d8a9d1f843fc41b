package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "novadm.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
[auth]
server_username = "novadm-server"
server_password = "hunter2"

[auth.devices]
"IMEI:356878012345678" = "provision-secret"

[registry]
manifest_path = "/var/lib/novadm/packages.toml"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":8070" {
		t.Fatalf("addr default = %q", cfg.Addr)
	}
	if cfg.Sessions.TimeoutSeconds != 300 {
		t.Fatalf("timeout default = %d", cfg.Sessions.TimeoutSeconds)
	}
	if cfg.Registry.BaseURL != cfg.ServerID {
		t.Fatalf("base_url should default to server_id, got %q", cfg.Registry.BaseURL)
	}
	if cfg.SessionTimeout().Seconds() != 300 {
		t.Fatalf("SessionTimeout = %v", cfg.SessionTimeout())
	}
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
name = "novadm-prod"
addr = ":9090"
server_id = "https://ota.example.net"
log_level = "debug"
log_json = true
cors_origins = ["https://console.example.net"]

[auth]
server_username = "srv"
server_password = "pw"

[auth.devices]
"IMEI:1" = "a"
"IMEI:2" = "b"

[sessions]
timeout_seconds = 120
sweep_interval_seconds = 15

[registry]
manifest_path = "/etc/novadm/packages.toml"
package_dir = "/srv/packages"
base_url = "https://cdn.example.net"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Name != "novadm-prod" || cfg.Addr != ":9090" || !cfg.LogJSON {
		t.Fatalf("cfg = %+v", cfg)
	}
	if len(cfg.Auth.Devices) != 2 {
		t.Fatalf("devices = %v", cfg.Auth.Devices)
	}
	if cfg.Registry.BaseURL != "https://cdn.example.net" {
		t.Fatalf("base_url = %q", cfg.Registry.BaseURL)
	}
}

func TestLoadRejectsMissingCredentials(t *testing.T) {
	path := writeConfig(t, `
[registry]
manifest_path = "/etc/novadm/packages.toml"
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected validation error for missing credentials")
	}
}

func TestLoadRejectsMissingManifest(t *testing.T) {
	path := writeConfig(t, `
[auth]
server_username = "srv"
server_password = "pw"

[auth.devices]
"IMEI:1" = "a"
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected validation error for missing manifest path")
	}
}
