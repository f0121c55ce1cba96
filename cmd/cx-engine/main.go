package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/snarg/cx-engine/internal/api"
	"github.com/snarg/cx-engine/internal/audio"
	"github.com/snarg/cx-engine/internal/bus"
	"github.com/snarg/cx-engine/internal/config"
	"github.com/snarg/cx-engine/internal/engine"
	"github.com/snarg/cx-engine/internal/metrics"
	"github.com/snarg/cx-engine/internal/mqttclient"
	"github.com/snarg/cx-engine/internal/repo"
)

var version = "dev"

func main() {
	os.Exit(run())
}

// run holds the real main body so deferred cleanup survives the exit code.
func run() int {
	var overrides config.Overrides
	flag.StringVar(&overrides.EnvFile, "env-file", "", "path to .env file (default .env)")
	flag.StringVar(&overrides.HTTPAddr, "addr", "", "listen address (overrides HTTP_ADDR)")
	flag.StringVar(&overrides.LogLevel, "log-level", "", "log level (overrides LOG_LEVEL)")
	flag.StringVar(&overrides.LogFormat, "log-format", "", "log format: json or console (overrides LOG_FORMAT)")
	flag.Parse()

	// Config
	cfg, err := config.Load(overrides)
	if err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Error().Err(err).Msg("failed to load config")
		return 1
	}

	log := newLogger(cfg)
	log.Info().Str("version", version).Msg("cx-engine starting")

	// Context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Repository: Postgres when configured, in-memory otherwise
	var store repo.Repository
	var pool *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		repoLog := log.With().Str("component", "repo").Logger()
		pg, err := repo.ConnectPostgres(ctx, cfg.DatabaseURL, repoLog)
		if err != nil {
			log.Error().Err(err).Msg("failed to connect to database")
			return 1
		}
		defer pg.Close()
		store = pg
		pool = pg.Pool()
	} else {
		log.Info().Msg("DATABASE_URL not set, using in-memory repository")
		store = repo.NewMemory(0)
	}

	// Rolling audio buffers
	audioLog := log.With().Str("component", "audio").Logger()
	audioStore := audio.NewStore(audio.StoreOptions{
		BaseDir:       cfg.RealtimeAudioDir,
		WindowSeconds: cfg.RealtimeAudioWindowSeconds,
		MaxChunkBytes: cfg.RealtimeAudioMaxChunkBytes,
		Log:           audioLog,
	})
	resolver := audio.NewResolver(cfg.UploadsDir, audioLog)
	defer resolver.Close()

	// Event bus
	busLog := log.With().Str("component", "bus").Logger()
	b := bus.New(busLog)
	defer b.Close()

	prometheus.MustRegister(metrics.NewCollector(pool, b))

	// MQTT mirror is best-effort: the realtime surface works without it
	var mirror engine.Mirror
	if cfg.MQTTBrokerURL != "" {
		mqttLog := log.With().Str("component", "mqtt").Logger()
		mqtt, err := mqttclient.Connect(mqttclient.Options{
			BrokerURL: cfg.MQTTBrokerURL,
			ClientID:  cfg.MQTTClientID,
			TopicBase: cfg.MQTTTopicBase,
			Username:  cfg.MQTTUsername,
			Password:  cfg.MQTTPassword,
			Log:       mqttLog,
		})
		if err != nil {
			log.Warn().Err(err).Msg("mqtt broker unavailable, envelope mirroring disabled")
		} else {
			defer mqtt.Close()
			mirror = mqtt
		}
	}

	eng := engine.New(engine.Options{
		Config:   cfg,
		Log:      log.With().Str("component", "engine").Logger(),
		Repo:     store,
		Store:    audioStore,
		Resolver: resolver,
		Bus:      b,
		Mirror:   mirror,
	})

	// HTTP Server
	httpLog := log.With().Str("component", "http").Logger()
	srv := api.NewServer(cfg, eng, httpLog)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	exitCode := 0
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server error")
			exitCode = 2
		}
	}

	// Graceful shutdown with 10s timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}

	log.Info().Msg("cx-engine stopped")
	return exitCode
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
