package genesys

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/snarg/cx-engine/internal/status"
)

const (
	wsPingInterval = 20 * time.Second
	wsReadTimeout  = 70 * time.Second
)

// Connector maintains a Genesys notification channel and forwards mapped
// call events to the ingest API, reconnecting on any failure.
type Connector struct {
	cfg       Config
	log       zerolog.Logger
	client    *Client
	builder   *TopicBuilder
	forwarder *IngestForwarder
	status    *status.Writer
}

func NewConnector(cfg Config, log zerolog.Logger) *Connector {
	client := NewClient(cfg, log)
	c := &Connector{
		cfg:     cfg,
		log:     log,
		client:  client,
		builder: NewTopicBuilder(cfg, client),
		forwarder: NewIngestForwarder(
			cfg.TargetIngestURL, cfg.TargetIngestToken,
			cfg.HTTPTimeout, cfg.RetryMaxAttempts, cfg.RetryBackoff, log),
		status: status.NewWriter(cfg.StatusPath, log),
	}
	client.tokens.notify = func(expiresAt time.Time) {
		c.status.Set(map[string]any{"token_expires_at": expiresAt.Format(time.RFC3339Nano)})
	}
	c.status.Set(map[string]any{
		"state":                "initialized",
		"pid":                  os.Getpid(),
		"dry_run":              cfg.DryRun,
		"topic_builder_mode":   cfg.TopicBuilderMode,
		"topics_count":         0,
		"forwarded_events":     0,
		"forward_failures":     0,
		"reconnect_count":      0,
		"last_error":           "",
		"channel_id":           "",
		"websocket_uri":        "",
		"token_expires_at":     nil,
		"last_event_at":        nil,
		"last_payload_call_id": "",
		"last_payload_type":    "",
		"topic_preview":        []string{},
		"topic_builder":        map[string]any{},
	})
	return c
}

// Run connects and reconnects until ctx is cancelled.
func (c *Connector) Run(ctx context.Context) error {
	c.status.SetState("starting")
	if err := c.cfg.Validate(); err != nil {
		c.status.Set(map[string]any{"state": "error", "last_error": err.Error()})
		return err
	}

	go c.status.RunHeartbeat(ctx, 20*time.Second)

	c.log.Info().
		Str("login_base", c.cfg.LoginBaseURL).
		Str("api_base", c.cfg.APIBaseURL).
		Str("target", c.cfg.TargetIngestURL).
		Bool("dry_run", c.cfg.DryRun).
		Msg("genesys connector starting")

	for {
		if ctx.Err() != nil {
			break
		}
		if err := c.runCycle(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			c.log.Error().Err(err).Msg("genesys connector cycle failed")
			c.status.Set(map[string]any{"state": "error", "last_error": err.Error()})
			c.status.Increment("reconnect_count", 1)
			if err := sleepCtx(ctx, c.cfg.ReconnectDelay); err != nil {
				break
			}
		}
	}

	c.status.SetState("stopped")
	c.log.Info().Msg("genesys connector stopped")
	return nil
}

func (c *Connector) runCycle(ctx context.Context) error {
	preview, err := c.builder.Preview(ctx, false)
	if err != nil {
		return err
	}
	if len(preview.Topics) == 0 {
		return errors.New("no Genesys topics configured: set GENESYS_SUBSCRIPTION_TOPICS or a builder mode with queue/user filters")
	}

	topicPreview := preview.Topics
	if len(topicPreview) > 20 {
		topicPreview = topicPreview[:20]
	}
	c.status.Set(map[string]any{
		"state":         "connecting",
		"topics_count":  len(preview.Topics),
		"topic_preview": topicPreview,
		"topic_builder": preview.Builder,
	})

	channelID, connectURI, err := c.createChannel(ctx)
	if err != nil {
		return err
	}
	c.status.Set(map[string]any{
		"channel_id":    channelID,
		"websocket_uri": connectURI,
		"state":         "subscribed",
	})

	if err := c.subscribe(ctx, channelID, preview.Topics); err != nil {
		return err
	}

	return c.runWebsocket(ctx, connectURI)
}

func (c *Connector) createChannel(ctx context.Context) (string, string, error) {
	var payload struct {
		ID           string `json:"id"`
		ConnectURI   string `json:"connectUri"`
		WebsocketURI string `json:"websocketUri"`
		Expires      string `json:"expires"`
	}
	err := c.client.requestJSON(ctx, http.MethodPost,
		c.cfg.APIBaseURL+"/api/v2/notifications/channels",
		requestOpts{jsonBody: map[string]any{}, expected: []int{http.StatusOK, http.StatusCreated}},
		&payload)
	if err != nil {
		return "", "", err
	}

	connectURI := strings.TrimSpace(payload.ConnectURI)
	if connectURI == "" {
		connectURI = strings.TrimSpace(payload.WebsocketURI)
	}
	if payload.ID == "" || connectURI == "" {
		return "", "", errors.New("genesys channel response missing id/connect URI")
	}
	c.log.Info().Str("channel_id", payload.ID).Str("expires", payload.Expires).Msg("genesys channel created")
	return payload.ID, connectURI, nil
}

func (c *Connector) subscribe(ctx context.Context, channelID string, topics []string) error {
	body := make([]map[string]string, 0, len(topics))
	for _, topic := range topics {
		body = append(body, map[string]string{"id": topic})
	}
	url := fmt.Sprintf("%s/api/v2/notifications/channels/%s/subscriptions", c.cfg.APIBaseURL, channelID)
	if err := c.client.requestJSON(ctx, http.MethodPost, url, requestOpts{jsonBody: body}, nil); err != nil {
		return err
	}
	c.status.Set(map[string]any{"state": "subscribed", "topics_count": len(topics)})
	c.log.Info().Str("channel_id", channelID).Int("topics", len(topics)).Msg("genesys channel subscribed")
	return nil
}

func (c *Connector) runWebsocket(ctx context.Context, connectURI string) error {
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HTTPTimeout}
	conn, _, err := dialer.DialContext(ctx, connectURI, nil)
	if err != nil {
		return fmt.Errorf("dial notification websocket: %w", err)
	}
	defer conn.Close()

	c.status.Set(map[string]any{"state": "running", "last_error": ""})
	c.log.Info().Str("uri", connectURI).Msg("genesys websocket connected")

	conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				conn.Close()
				return
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
					conn.Close()
					return
				}
			}
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.status.SetState("reconnecting")
			return fmt.Errorf("notification websocket closed: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		c.handleMessage(ctx, message)
	}
}

func (c *Connector) handleMessage(ctx context.Context, message []byte) {
	var parsed any
	if err := json.Unmarshal(message, &parsed); err != nil {
		c.log.Debug().Msg("genesys message ignored: invalid json")
		return
	}

	forwarded := 0
	for _, notification := range FlattenNotifications(parsed) {
		for _, payload := range MapNotification(notification, time.Now()) {
			if err := c.forward(ctx, payload); err != nil {
				c.log.Error().Err(err).
					Str("call_id", stringOf(payload["call_id"])).
					Str("event_type", stringOf(payload["event_type"])).
					Msg("genesys payload forward failed")
				c.status.Increment("forward_failures", 1)
				continue
			}
			forwarded++
			c.status.Set(map[string]any{
				"last_event_at":        time.Now().UTC().Format(time.RFC3339Nano),
				"last_payload_call_id": stringOf(payload["call_id"]),
				"last_payload_type":    stringOf(payload["event_type"]),
			})
		}
	}
	if forwarded > 0 {
		c.status.Increment("forwarded_events", int64(forwarded))
	}
}

func (c *Connector) forward(ctx context.Context, payload map[string]any) error {
	if c.cfg.DryRun {
		c.log.Info().
			Str("call_id", stringOf(payload["call_id"])).
			Str("event_type", stringOf(payload["event_type"])).
			Str("speaker", stringOf(payload["speaker"])).
			Int("text_len", len(stringOf(payload["text"]))).
			Msg("genesys payload dry run")
		return nil
	}
	return c.forwarder.Forward(ctx, payload)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
