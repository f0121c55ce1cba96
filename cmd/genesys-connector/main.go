package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/snarg/cx-engine/internal/config"
	"github.com/snarg/cx-engine/internal/genesys"
)

var version = "dev"

func main() {
	var overrides config.Overrides
	var dryRun bool
	flag.StringVar(&overrides.EnvFile, "env-file", "", "path to .env file (default .env)")
	flag.StringVar(&overrides.TargetIngestURL, "target-ingest-url", "", "ingest endpoint for forwarded events (overrides GENESYS_TARGET_INGEST_URL)")
	flag.StringVar(&overrides.LogLevel, "log-level", "", "log level (overrides LOG_LEVEL)")
	flag.StringVar(&overrides.LogFormat, "log-format", "", "log format: json or console (overrides LOG_FORMAT)")
	flag.BoolVar(&dryRun, "dry-run", false, "log mapped payloads instead of forwarding them")
	flag.Parse()

	appCfg, err := config.Load(overrides)
	if err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Error().Err(err).Msg("failed to load config")
		os.Exit(1)
	}

	log := newLogger(appCfg)
	log.Info().Str("version", version).Msg("genesys-connector starting")

	cfg := genesys.ConfigFromApp(appCfg)
	cfg.DryRun = dryRun
	if err := cfg.Validate(); err != nil {
		log.Error().Err(err).Msg("invalid connector config")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	connector := genesys.NewConnector(cfg, log.With().Str("component", "connector").Logger())
	if err := connector.Run(ctx); err != nil {
		log.Error().Err(err).Msg("connector failed")
		os.Exit(2)
	}

	log.Info().Msg("genesys-connector stopped")
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
