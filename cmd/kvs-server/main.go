package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pro0o/kvs/admin"
	"github.com/pro0o/kvs/config"
	"github.com/pro0o/kvs/engine"
	"github.com/pro0o/kvs/server"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var version = "0.1.0"

func main() {
	var (
		addr        = flag.String("addr", "", "Listen address, host:port (default 127.0.0.1:4000)")
		engineName  = flag.String("engine", "", "Storage engine: "+strings.Join(engine.Names(), "|"))
		dataDir     = flag.String("data-dir", "", "Data directory (default current directory)")
		adminAddr   = flag.String("admin-addr", "", "Admin HTTP address, host:port (disabled when empty)")
		configFile  = flag.String("config", "", "Configuration file path")
		logLevel    = flag.String("log-level", "", "Log level: debug|info|warn|error")
		showVersion = flag.Bool("version", false, "Show version")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("kvs-server %s\n", version)
		os.Exit(0)
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg := config.DefaultConfig()
	if *configFile != "" {
		loaded, err := config.LoadFromFile(*configFile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to load config")
		}
		cfg = loaded
	}

	// flags win over the file
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *engineName != "" {
		cfg.Engine = *engineName
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *adminAddr != "" {
		cfg.AdminAddr = *adminAddr
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	zerolog.SetGlobalLevel(cfg.Level())

	log.Info().Msgf("kvs-server %s", version)
	log.Info().Str("engine", cfg.Engine).Str("dir", cfg.DataDir).Msg("Storage engine")

	store, err := engine.Open(cfg.Engine, cfg.DataDir, cfg.EngineOptions())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open storage engine")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var adminSrv *admin.Server
	if cfg.AdminAddr != "" {
		adminSrv = admin.New(store, cfg.Engine)
		go func() {
			if err := adminSrv.Start(cfg.AdminAddr); err != nil {
				log.Error().Err(err).Msg("Admin server error")
			}
		}()
	}

	srv := server.New(store, cfg.Addr)
	serveErr := srv.ListenAndServe(ctx)
	if serveErr != nil {
		log.Error().Err(serveErr).Msg("Server error")
	}

	log.Info().Msg("Shutting down...")
	if adminSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := adminSrv.Stop(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Error stopping admin server")
		}
		cancel()
	}
	if err := store.Close(); err != nil {
		log.Error().Err(err).Msg("Error closing storage engine")
	}

	if serveErr != nil {
		os.Exit(1)
	}
	log.Info().Msg("Shutdown complete")
}
