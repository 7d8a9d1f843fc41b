// Package config loads the server's TOML configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// ServerConfig is the full process configuration.
type ServerConfig struct {
	Name        string   `toml:"name"`
	Addr        string   `toml:"addr"`
	ServerID    string   `toml:"server_id"`
	CorsOrigins []string `toml:"cors_origins"`

	LogLevel string `toml:"log_level"`
	LogJSON  bool   `toml:"log_json"`

	Auth     AuthConfig     `toml:"auth"`
	Sessions SessionConfig  `toml:"sessions"`
	Registry RegistryConfig `toml:"registry"`
}

// AuthConfig holds the server signing identity and the device credential
// table.
type AuthConfig struct {
	ServerUsername string            `toml:"server_username"`
	ServerPassword string            `toml:"server_password"`
	Devices        map[string]string `toml:"devices"`
}

// SessionConfig tunes session expiry.
type SessionConfig struct {
	TimeoutSeconds       int `toml:"timeout_seconds"`
	SweepIntervalSeconds int `toml:"sweep_interval_seconds"`
}

// RegistryConfig locates the package manifest and the directory the
// package files are served from.
type RegistryConfig struct {
	ManifestPath string `toml:"manifest_path"`
	PackageDir   string `toml:"package_dir"`
	BaseURL      string `toml:"base_url"`
}

// Load reads and validates the configuration at path, applying defaults
// for everything the operator left unset.
func Load(path string) (ServerConfig, error) {
	var cfg ServerConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return ServerConfig{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return ServerConfig{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}

	applyDefaults(&cfg)
	if err := Validate(cfg); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

func applyDefaults(cfg *ServerConfig) {
	if cfg.Name == "" {
		cfg.Name = "novadm"
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8070"
	}
	if cfg.ServerID == "" {
		cfg.ServerID = "https://ota.nova.example.net"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Sessions.TimeoutSeconds <= 0 {
		cfg.Sessions.TimeoutSeconds = 300
	}
	if cfg.Sessions.SweepIntervalSeconds <= 0 {
		cfg.Sessions.SweepIntervalSeconds = 60
	}
	if cfg.Registry.BaseURL == "" {
		cfg.Registry.BaseURL = cfg.ServerID
	}
}

// Validate rejects configurations the server cannot safely run with.
func Validate(cfg ServerConfig) error {
	if strings.TrimSpace(cfg.Addr) == "" {
		return fmt.Errorf("config missing addr")
	}
	if strings.TrimSpace(cfg.ServerID) == "" {
		return fmt.Errorf("config missing server_id")
	}
	if strings.TrimSpace(cfg.Auth.ServerUsername) == "" {
		return fmt.Errorf("config missing auth.server_username")
	}
	if strings.TrimSpace(cfg.Auth.ServerPassword) == "" {
		return fmt.Errorf("config missing auth.server_password")
	}
	if len(cfg.Auth.Devices) == 0 {
		return fmt.Errorf("config missing auth.devices credential table")
	}
	if strings.TrimSpace(cfg.Registry.ManifestPath) == "" {
		return fmt.Errorf("config missing registry.manifest_path")
	}
	return nil
}

// SessionTimeout is the inactivity window as a duration.
func (c ServerConfig) SessionTimeout() time.Duration {
	return time.Duration(c.Sessions.TimeoutSeconds) * time.Second
}

// SweepInterval is the session sweeper period as a duration.
func (c ServerConfig) SweepInterval() time.Duration {
	return time.Duration(c.Sessions.SweepIntervalSeconds) * time.Second
}
