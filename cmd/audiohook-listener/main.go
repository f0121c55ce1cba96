package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/snarg/cx-engine/internal/audiohook"
	"github.com/snarg/cx-engine/internal/config"
)

var version = "dev"

func main() {
	var overrides config.Overrides
	var dryRun bool
	flag.StringVar(&overrides.EnvFile, "env-file", "", "path to .env file (default .env)")
	flag.StringVar(&overrides.AudioHookHost, "host", "", "bind host (overrides GENESYS_AUDIOHOOK_HOST)")
	flag.IntVar(&overrides.AudioHookPort, "port", 0, "bind port (overrides GENESYS_AUDIOHOOK_PORT)")
	flag.StringVar(&overrides.AudioHookPath, "path", "", "websocket path (overrides GENESYS_AUDIOHOOK_PATH)")
	flag.StringVar(&overrides.LogLevel, "log-level", "", "log level (overrides LOG_LEVEL)")
	flag.StringVar(&overrides.LogFormat, "log-format", "", "log format: json or console (overrides LOG_FORMAT)")
	flag.BoolVar(&dryRun, "dry-run", false, "log chunks and events instead of forwarding them")
	flag.Parse()

	appCfg, err := config.Load(overrides)
	if err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Error().Err(err).Msg("failed to load config")
		os.Exit(1)
	}

	log := newLogger(appCfg)
	log.Info().Str("version", version).Msg("audiohook-listener starting")

	cfg := audiohook.ConfigFromApp(appCfg)
	cfg.DryRun = dryRun
	if err := cfg.Validate(); err != nil {
		log.Error().Err(err).Msg("invalid listener config")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	listener := audiohook.NewListener(cfg, log.With().Str("component", "listener").Logger())
	if err := listener.Run(ctx); err != nil {
		log.Error().Err(err).Msg("listener failed")
		os.Exit(2)
	}

	log.Info().Msg("audiohook-listener stopped")
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	out := zerolog.New(os.Stdout)
	if cfg.LogFormat == "console" {
		out = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout})
	}
	return out.With().Timestamp().Logger().Level(level)
}
