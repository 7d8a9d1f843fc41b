// novadmd serves the device management endpoint and the direct update
// API for the legacy handheld fleet.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/danmuck/novadm/internal/auth"
	"github.com/danmuck/novadm/internal/config"
	"github.com/danmuck/novadm/internal/dm"
	"github.com/danmuck/novadm/internal/observability"
	"github.com/danmuck/novadm/internal/server"
	"github.com/danmuck/novadm/internal/session"
	"github.com/danmuck/novadm/internal/update"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "novadmd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "novadm.toml", "path to server configuration")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	logger := observability.InitLogger(cfg.Name, cfg.LogLevel, cfg.LogJSON)

	registry, err := update.LoadRegistry(cfg.Registry.ManifestPath, cfg.Registry.BaseURL)
	if err != nil {
		return err
	}
	logger.Info().
		Int("packages", registry.Len()).
		Str("manifest", cfg.Registry.ManifestPath).
		Msg("package registry loaded")

	authenticator := auth.New(
		auth.StaticSecrets(cfg.Auth.Devices),
		cfg.Auth.ServerUsername,
		cfg.Auth.ServerPassword,
	)

	store := session.NewStore(cfg.SessionTimeout())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go store.RunSweeper(ctx, cfg.SweepInterval(), logger)

	engine := dm.New(authenticator, store, registry, cfg.ServerID, logger)

	srv := server.New(cfg.Name, cfg.Addr, cfg.Registry.PackageDir, engine, cfg.CorsOrigins, logger)
	logger.Info().
		Str("addr", cfg.Addr).
		Str("server_id", cfg.ServerID).
		Msg("listening")
	return srv.Serve()
}
