// Package main provides the entry point for the Worldgate server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/agentmesh/worldgate/internal/avatar"
	"github.com/agentmesh/worldgate/internal/command"
	"github.com/agentmesh/worldgate/internal/config"
	"github.com/agentmesh/worldgate/internal/event"
	"github.com/agentmesh/worldgate/internal/logging"
	"github.com/agentmesh/worldgate/internal/server"
	"github.com/agentmesh/worldgate/internal/session"
	"github.com/agentmesh/worldgate/internal/storage"
	"github.com/agentmesh/worldgate/internal/world"
)

var (
	port       = flag.Int("port", 0, "Listen port (overrides config)")
	configPath = flag.String("config", "", "Path to worldgate.json(c)")
	worldURL   = flag.String("world", "", "World server websocket URL (overrides config)")
	version    = flag.Bool("version", false, "Print version and exit")
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("worldgate-server %s (%s)\n", Version, BuildTime)
		os.Exit(0)
	}

	// A local .env is convenient in development; ignore its absence.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "worldgate: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *worldURL != "" {
		cfg.WorldURL = *worldURL
	}

	logging.Init(logging.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})
	log := logging.Component("main")
	log.Info().Str("version", Version).Int("port", cfg.Port).
		Str("world", cfg.WorldURL).Msg("starting worldgate")

	store := storage.New(cfg.DataDir)
	bus := event.NewBus()
	defer bus.Close()

	library := avatar.NewLibrary(cfg.AvatarLibraryPath)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := library.Watch(ctx); err != nil {
		log.Warn().Err(err).Msg("avatar library watch unavailable")
	}

	proxy := avatar.NewProxy(avatar.ProxyConfig{
		Store:        avatar.NewHTTPAssetStore(cfg.WorldAssetURL, nil),
		Cache:        store,
		MaxBytes:     cfg.AvatarMaxBytes,
		AllowedHosts: append([]string{worldHost(cfg.WorldURL)}, cfg.AvatarAllowedHosts...),
	})
	avatars := avatar.NewService(avatar.NewResolver(library), proxy)

	registry := session.NewRegistry(session.Options{
		Dialer:         world.NewWSDialer(cfg.WorldURL),
		Avatars:        avatars,
		Bus:            bus,
		BufferCapacity: cfg.BufferCapacity,
		IdleTimeout:    cfg.IdleTimeout.Std(),
	})

	interp := command.NewInterpreter(command.Limits{
		SpeakMaxLen:    cfg.SpeakMaxLen,
		MoveDefaultMs:  cfg.MoveDefaultMs,
		MoveMaxMs:      cfg.MoveMaxMs,
		UploadMaxBytes: cfg.AvatarMaxBytes,
	})

	serverCfg := server.DefaultConfig()
	serverCfg.Port = cfg.Port
	serverCfg.EnableCORS = cfg.EnableCORS

	srv := server.New(serverCfg, registry, interp, avatars, bus)

	go func() {
		log.Info().Msgf("listening on http://localhost:%d", cfg.Port)
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("shutdown error")
	}
	log.Info().Msg("stopped")
}

// worldHost extracts the host part of the world URL for the avatar
// allowlist.
func worldHost(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Host
}
