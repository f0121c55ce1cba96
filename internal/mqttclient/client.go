// Package mqttclient mirrors realtime envelopes to an MQTT broker so
// wallboards and other dashboards can follow calls without holding an SSE
// connection open.
package mqttclient

import (
	"strings"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/snarg/cx-engine/internal/metrics"
)

type Client struct {
	conn      mqtt.Client
	topicBase string
	connected atomic.Bool
	log       zerolog.Logger
}

type Options struct {
	BrokerURL string
	ClientID  string
	TopicBase string
	Username  string
	Password  string
	Log       zerolog.Logger
}

func Connect(opts Options) (*Client, error) {
	c := &Client{
		topicBase: strings.TrimRight(opts.TopicBase, "/"),
		log:       opts.Log,
	}
	if c.topicBase == "" {
		c.topicBase = "cx/calls"
	}

	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOrderMatters(false).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost)

	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		clientOpts.SetPassword(opts.Password)
	}

	c.conn = mqtt.NewClient(clientOpts)
	token := c.conn.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, err
	}

	return c, nil
}

func (c *Client) onConnect(mqtt.Client) {
	c.connected.Store(true)
	c.log.Info().Str("topic_base", c.topicBase).Msg("mqtt connected")
}

func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	c.connected.Store(false)
	c.log.Warn().Err(err).Msg("mqtt connection lost, will auto-reconnect")
}

// MirrorEnvelope publishes one envelope to <topicBase>/<call_id>. Envelopes
// without a call id go to <topicBase>/_all. Publishing is fire-and-forget:
// QoS 0, no wait, so a slow broker never backpressures ingest.
func (c *Client) MirrorEnvelope(callID string, data []byte) {
	if !c.connected.Load() {
		return
	}
	topic := c.topicBase + "/" + sanitizeTopicSegment(callID)
	c.conn.Publish(topic, 0, false, data)
	metrics.MirroredEnvelopesTotal.Inc()
}

func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

func (c *Client) Close() {
	c.log.Info().Msg("disconnecting mqtt client")
	c.conn.Disconnect(1000)
}

// sanitizeTopicSegment keeps call ids from injecting MQTT wildcards or
// topic separators.
func sanitizeTopicSegment(callID string) string {
	if callID == "" {
		return "_all"
	}
	replacer := strings.NewReplacer("/", "_", "+", "_", "#", "_")
	return replacer.Replace(callID)
}
