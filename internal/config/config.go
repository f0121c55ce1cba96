package config

import (
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL string `env:"DATABASE_URL"`

	HTTPAddr     string        `env:"HTTP_ADDR" envDefault:":8009"`
	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"0"`
	IdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	DataDir    string `env:"DATA_DIR" envDefault:"./data"`
	UploadsDir string `env:"UPLOADS_DIR" envDefault:"./data/uploads"`
	RuntimeDir string `env:"RUNTIME_DIR" envDefault:"./data/runtime"`

	MQTTBrokerURL string `env:"MQTT_BROKER_URL"`
	MQTTClientID  string `env:"MQTT_CLIENT_ID" envDefault:"cx-engine"`
	MQTTUsername  string `env:"MQTT_USERNAME"`
	MQTTPassword  string `env:"MQTT_PASSWORD"`
	MQTTTopicBase string `env:"MQTT_TOPIC_BASE" envDefault:"cx/calls"`

	RealtimeIngestToken                string  `env:"REALTIME_INGEST_TOKEN"`
	RealtimeNegativeSentimentThreshold float64 `env:"REALTIME_NEGATIVE_SENTIMENT_THRESHOLD" envDefault:"-0.45"`
	RealtimeHighRiskThreshold          float64 `env:"REALTIME_HIGH_RISK_THRESHOLD" envDefault:"0.72"`
	RealtimeAlertCooldownSeconds       int     `env:"REALTIME_ALERT_COOLDOWN_SECONDS" envDefault:"75"`
	RealtimeSupervisorKeywordTriggers  string  `env:"REALTIME_SUPERVISOR_KEYWORD_TRIGGERS" envDefault:"manager,supervisor,escalate,cancel account,lawyer,legal,complaint,refund now"`

	RealtimeAudioDir               string `env:"REALTIME_AUDIO_DIR" envDefault:"./data/runtime/live_audio"`
	RealtimeAudioWindowSeconds     int    `env:"REALTIME_AUDIO_WINDOW_SECONDS" envDefault:"300"`
	RealtimeAudioDefaultSampleRate int    `env:"REALTIME_AUDIO_DEFAULT_SAMPLE_RATE" envDefault:"16000"`
	RealtimeAudioDefaultChannels   int    `env:"REALTIME_AUDIO_DEFAULT_CHANNELS" envDefault:"1"`
	RealtimeAudioMaxChunkBytes     int    `env:"REALTIME_AUDIO_MAX_CHUNK_BYTES" envDefault:"2000000"`

	GenesysLoginBaseURL           string  `env:"GENESYS_LOGIN_BASE_URL" envDefault:"https://login.mypurecloud.com"`
	GenesysAPIBaseURL             string  `env:"GENESYS_API_BASE_URL" envDefault:"https://api.mypurecloud.com"`
	GenesysClientID               string  `env:"GENESYS_CLIENT_ID"`
	GenesysClientSecret           string  `env:"GENESYS_CLIENT_SECRET"`
	GenesysSubscriptionTopics     string  `env:"GENESYS_SUBSCRIPTION_TOPICS"`
	GenesysQueueIDs               string  `env:"GENESYS_QUEUE_IDS"`
	GenesysUserIDs                string  `env:"GENESYS_USER_IDS"`
	GenesysTargetIngestURL        string  `env:"GENESYS_TARGET_INGEST_URL" envDefault:"http://127.0.0.1:8009/api/realtime/events"`
	GenesysTargetIngestToken      string  `env:"GENESYS_TARGET_INGEST_TOKEN"`
	GenesysHTTPTimeoutSeconds     int     `env:"GENESYS_HTTP_TIMEOUT_SECONDS" envDefault:"20"`
	GenesysRetryMaxAttempts       int     `env:"GENESYS_RETRY_MAX_ATTEMPTS" envDefault:"5"`
	GenesysRetryBackoffSeconds    float64 `env:"GENESYS_RETRY_BACKOFF_SECONDS" envDefault:"1.5"`
	GenesysReconnectDelaySeconds  int     `env:"GENESYS_RECONNECT_DELAY_SECONDS" envDefault:"5"`
	GenesysConnectorStatusPath    string  `env:"GENESYS_CONNECTOR_STATUS_PATH" envDefault:"./data/runtime/genesys_connector_status.json"`
	GenesysConnectorStaleSeconds  int     `env:"GENESYS_CONNECTOR_HEALTH_STALE_SECONDS" envDefault:"90"`
	GenesysTopicBuilderMode       string  `env:"GENESYS_TOPIC_BUILDER_MODE" envDefault:"queues_users"`
	GenesysTopicBuilderQueueNames string  `env:"GENESYS_TOPIC_BUILDER_QUEUE_NAME_FILTERS"`
	GenesysTopicBuilderUserNames  string  `env:"GENESYS_TOPIC_BUILDER_USER_NAME_FILTERS"`
	GenesysTopicBuilderDomains    string  `env:"GENESYS_TOPIC_BUILDER_USER_EMAIL_DOMAIN_FILTERS"`
	GenesysTopicBuilderMaxQueues  int     `env:"GENESYS_TOPIC_BUILDER_MAX_QUEUES" envDefault:"25"`
	GenesysTopicBuilderMaxUsers   int     `env:"GENESYS_TOPIC_BUILDER_MAX_USERS" envDefault:"50"`
	GenesysTopicBuilderRefresh    int     `env:"GENESYS_TOPIC_BUILDER_REFRESH_SECONDS" envDefault:"900"`

	AudioHookHost                string  `env:"GENESYS_AUDIOHOOK_HOST" envDefault:"0.0.0.0"`
	AudioHookPort                int     `env:"GENESYS_AUDIOHOOK_PORT" envDefault:"9011"`
	AudioHookPath                string  `env:"GENESYS_AUDIOHOOK_PATH" envDefault:"/audiohook/ws"`
	AudioHookTargetAudioURL      string  `env:"GENESYS_AUDIOHOOK_TARGET_AUDIO_INGEST_URL" envDefault:"http://127.0.0.1:8009/api/realtime/audio/chunk"`
	AudioHookTargetEventURL      string  `env:"GENESYS_AUDIOHOOK_TARGET_EVENT_INGEST_URL" envDefault:"http://127.0.0.1:8009/api/realtime/events"`
	AudioHookTargetIngestToken   string  `env:"GENESYS_AUDIOHOOK_TARGET_INGEST_TOKEN"`
	AudioHookHTTPTimeoutSeconds  int     `env:"GENESYS_AUDIOHOOK_HTTP_TIMEOUT_SECONDS" envDefault:"20"`
	AudioHookRetryMaxAttempts    int     `env:"GENESYS_AUDIOHOOK_RETRY_MAX_ATTEMPTS" envDefault:"5"`
	AudioHookRetryBackoffSeconds float64 `env:"GENESYS_AUDIOHOOK_RETRY_BACKOFF_SECONDS" envDefault:"1.5"`
	AudioHookFlushIntervalMS     int     `env:"GENESYS_AUDIOHOOK_FLUSH_INTERVAL_MS" envDefault:"750"`
	AudioHookMinChunkDurationMS  int     `env:"GENESYS_AUDIOHOOK_MIN_CHUNK_DURATION_MS" envDefault:"300"`
	AudioHookMaxChunkDurationMS  int     `env:"GENESYS_AUDIOHOOK_MAX_CHUNK_DURATION_MS" envDefault:"2000"`
	AudioHookStatusPath          string  `env:"GENESYS_AUDIOHOOK_STATUS_PATH" envDefault:"./data/runtime/genesys_audiohook_status.json"`
	AudioHookStaleSeconds        int     `env:"GENESYS_AUDIOHOOK_HEALTH_STALE_SECONDS" envDefault:"90"`
}

// Overrides holds CLI flag values that take priority over env vars.
type Overrides struct {
	EnvFile   string
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	TargetIngestURL string
	AudioHookHost   string
	AudioHookPort   int
	AudioHookPath   string
}

// Load reads configuration from .env file, environment variables, and CLI overrides.
// Priority: CLI flags > environment variables > .env file > struct defaults.
func Load(overrides Overrides) (*Config, error) {
	// Load .env file (silent if missing)
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	// Parse environment variables into config struct
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	// Apply CLI overrides (non-empty values win)
	if overrides.HTTPAddr != "" {
		cfg.HTTPAddr = overrides.HTTPAddr
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}
	if overrides.LogFormat != "" {
		cfg.LogFormat = overrides.LogFormat
	}
	if overrides.TargetIngestURL != "" {
		cfg.GenesysTargetIngestURL = overrides.TargetIngestURL
	}
	if overrides.AudioHookHost != "" {
		cfg.AudioHookHost = overrides.AudioHookHost
	}
	if overrides.AudioHookPort != 0 {
		cfg.AudioHookPort = overrides.AudioHookPort
	}
	if overrides.AudioHookPath != "" {
		cfg.AudioHookPath = overrides.AudioHookPath
	}

	cfg.AudioHookPath = NormalizePath(cfg.AudioHookPath)

	return cfg, nil
}

// KeywordTriggers returns the supervisor keyword trigger list, lowercased.
func (c *Config) KeywordTriggers() []string {
	return SplitCSV(strings.ToLower(c.RealtimeSupervisorKeywordTriggers))
}

// SplitCSV splits a comma-separated value, dropping empty items.
func SplitCSV(raw string) []string {
	var items []string
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			items = append(items, item)
		}
	}
	return items
}

// NormalizePath forces a leading slash and strips a trailing one.
func NormalizePath(path string) string {
	value := strings.TrimSpace(path)
	if value == "" {
		value = "/audiohook/ws"
	}
	if !strings.HasPrefix(value, "/") {
		value = "/" + value
	}
	if len(value) > 1 {
		value = strings.TrimSuffix(value, "/")
	}
	return value
}
