package genesys

import (
	"errors"
	"strings"
	"time"

	appcfg "github.com/snarg/cx-engine/internal/config"
)

// Config is the connector's resolved runtime configuration.
type Config struct {
	LoginBaseURL string
	APIBaseURL   string
	ClientID     string
	ClientSecret string

	SubscriptionTopics []string
	QueueIDs           []string
	UserIDs            []string

	TargetIngestURL   string
	TargetIngestToken string

	HTTPTimeout      time.Duration
	RetryMaxAttempts int
	RetryBackoff     time.Duration
	ReconnectDelay   time.Duration

	TopicBuilderMode   string
	QueueNameFilters   []string
	UserNameFilters    []string
	EmailDomainFilters []string
	MaxQueues          int
	MaxUsers           int
	TopicRefresh       time.Duration

	StatusPath string
	DryRun     bool
}

// ConfigFromApp builds a connector config from the shared environment
// config, applying the same floors the service has always used.
func ConfigFromApp(cfg *appcfg.Config) Config {
	mode := strings.ToLower(strings.TrimSpace(cfg.GenesysTopicBuilderMode))
	if mode == "" {
		mode = "manual"
	}
	token := strings.TrimSpace(cfg.GenesysTargetIngestToken)
	if token == "" {
		token = strings.TrimSpace(cfg.RealtimeIngestToken)
	}
	return Config{
		LoginBaseURL:       strings.TrimRight(strings.TrimSpace(cfg.GenesysLoginBaseURL), "/"),
		APIBaseURL:         strings.TrimRight(strings.TrimSpace(cfg.GenesysAPIBaseURL), "/"),
		ClientID:           strings.TrimSpace(cfg.GenesysClientID),
		ClientSecret:       strings.TrimSpace(cfg.GenesysClientSecret),
		SubscriptionTopics: appcfg.SplitCSV(cfg.GenesysSubscriptionTopics),
		QueueIDs:           appcfg.SplitCSV(cfg.GenesysQueueIDs),
		UserIDs:            appcfg.SplitCSV(cfg.GenesysUserIDs),
		TargetIngestURL:    strings.TrimSpace(cfg.GenesysTargetIngestURL),
		TargetIngestToken:  token,
		HTTPTimeout:        time.Duration(maxInt(5, cfg.GenesysHTTPTimeoutSeconds)) * time.Second,
		RetryMaxAttempts:   maxInt(1, cfg.GenesysRetryMaxAttempts),
		RetryBackoff:       time.Duration(maxFloat(0.2, cfg.GenesysRetryBackoffSeconds) * float64(time.Second)),
		ReconnectDelay:     time.Duration(maxInt(2, cfg.GenesysReconnectDelaySeconds)) * time.Second,
		TopicBuilderMode:   mode,
		QueueNameFilters:   appcfg.SplitCSV(cfg.GenesysTopicBuilderQueueNames),
		UserNameFilters:    appcfg.SplitCSV(cfg.GenesysTopicBuilderUserNames),
		EmailDomainFilters: appcfg.SplitCSV(cfg.GenesysTopicBuilderDomains),
		MaxQueues:          maxInt(0, cfg.GenesysTopicBuilderMaxQueues),
		MaxUsers:           maxInt(0, cfg.GenesysTopicBuilderMaxUsers),
		TopicRefresh:       time.Duration(maxInt(60, cfg.GenesysTopicBuilderRefresh)) * time.Second,
		StatusPath:         cfg.GenesysConnectorStatusPath,
	}
}

// Validate reports the first missing required setting.
func (c Config) Validate() error {
	if c.ClientID == "" {
		return errors.New("GENESYS_CLIENT_ID is required")
	}
	if c.ClientSecret == "" {
		return errors.New("GENESYS_CLIENT_SECRET is required")
	}
	if c.TargetIngestURL == "" && !c.DryRun {
		return errors.New("GENESYS_TARGET_INGEST_URL is required when not in --dry-run mode")
	}
	return nil
}

func maxInt(floor, v int) int {
	if v < floor {
		return floor
	}
	return v
}

func maxFloat(floor, v float64) float64 {
	if v < floor {
		return floor
	}
	return v
}
