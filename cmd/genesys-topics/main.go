// Command genesys-topics previews the subscription topic set the connector
// would use, without opening a notification channel. Useful for checking
// discovery filters before deploying, or for pinning the discovered set via
// GENESYS_SUBSCRIPTION_TOPICS.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/snarg/cx-engine/internal/config"
	"github.com/snarg/cx-engine/internal/genesys"
)

func main() {
	var overrides config.Overrides
	var (
		mode        = flag.String("mode", "", "topic builder mode (overrides GENESYS_TOPIC_BUILDER_MODE)")
		queueFilter = flag.String("queue-filter", "", "comma-separated queue name filters")
		userFilter  = flag.String("user-filter", "", "comma-separated user name filters")
		emailDomain = flag.String("email-domain", "", "comma-separated user email domain filters")
		maxQueues   = flag.Int("max-queues", -1, "max discovered queues (0 skips queue discovery)")
		maxUsers    = flag.Int("max-users", -1, "max discovered users (0 skips user discovery)")
		outputFile  = flag.String("output-file", "", "write the full preview JSON to this path")
		asEnv       = flag.Bool("as-env", false, "print the topics as a GENESYS_SUBSCRIPTION_TOPICS line")
	)
	flag.StringVar(&overrides.EnvFile, "env-file", "", "path to .env file (default .env)")
	flag.StringVar(&overrides.LogLevel, "log-level", "", "log level (overrides LOG_LEVEL)")
	flag.StringVar(&overrides.LogFormat, "log-format", "", "log format: json or console (overrides LOG_FORMAT)")
	flag.Parse()

	appCfg, err := config.Load(overrides)
	if err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Error().Err(err).Msg("failed to load config")
		os.Exit(1)
	}

	level, err := zerolog.ParseLevel(appCfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stderr).With().Timestamp().Logger().Level(level)

	cfg := genesys.ConfigFromApp(appCfg)
	cfg.DryRun = true
	if *mode != "" {
		cfg.TopicBuilderMode = strings.ToLower(strings.TrimSpace(*mode))
	}
	if *queueFilter != "" {
		cfg.QueueNameFilters = config.SplitCSV(*queueFilter)
	}
	if *userFilter != "" {
		cfg.UserNameFilters = config.SplitCSV(*userFilter)
	}
	if *emailDomain != "" {
		cfg.EmailDomainFilters = config.SplitCSV(*emailDomain)
	}
	if *maxQueues >= 0 {
		cfg.MaxQueues = *maxQueues
	}
	if *maxUsers >= 0 {
		cfg.MaxUsers = *maxUsers
	}
	if err := cfg.Validate(); err != nil {
		log.Error().Err(err).Msg("invalid connector config")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	builder := genesys.NewTopicBuilder(cfg, genesys.NewClient(cfg, log))
	preview, err := builder.Preview(ctx, true)
	if err != nil {
		log.Error().Err(err).Msg("topic preview failed")
		os.Exit(2)
	}

	if *outputFile != "" {
		data, err := json.MarshalIndent(preview, "", "  ")
		if err != nil {
			log.Error().Err(err).Msg("encode preview")
			os.Exit(2)
		}
		if dir := filepath.Dir(*outputFile); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				log.Error().Err(err).Str("path", *outputFile).Msg("create output dir")
				os.Exit(2)
			}
		}
		if err := os.WriteFile(*outputFile, append(data, '\n'), 0o644); err != nil {
			log.Error().Err(err).Str("path", *outputFile).Msg("write preview")
			os.Exit(2)
		}
		log.Info().Str("path", *outputFile).Int("topics", len(preview.Topics)).Msg("topic preview written")
	}

	if *asEnv {
		fmt.Printf("GENESYS_SUBSCRIPTION_TOPICS=%s\n", strings.Join(preview.Topics, ","))
		return
	}

	summary := struct {
		Mode             string                 `json:"mode"`
		ManualTopicCount int                    `json:"manual_topic_count"`
		PresetTopicCount int                    `json:"preset_topic_count"`
		TotalTopics      int                    `json:"total_topics"`
		Builder          genesys.BuilderPreview `json:"builder"`
		Topics           []string               `json:"topics"`
	}{
		Mode:             cfg.TopicBuilderMode,
		ManualTopicCount: preview.ManualTopicCount,
		PresetTopicCount: preview.PresetTopicCount,
		TotalTopics:      len(preview.Topics),
		Builder:          preview.Builder,
		Topics:           preview.Topics,
	}
	out, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		log.Error().Err(err).Msg("encode summary")
		os.Exit(2)
	}
	fmt.Println(string(out))
}
