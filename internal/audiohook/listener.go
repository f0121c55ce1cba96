package audiohook

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/snarg/cx-engine/internal/codec"
	appcfg "github.com/snarg/cx-engine/internal/config"
	"github.com/snarg/cx-engine/internal/genesys"
	"github.com/snarg/cx-engine/internal/status"
)

// Config is the listener's resolved runtime configuration.
type Config struct {
	Host string
	Port int
	Path string

	TargetAudioURL string
	TargetEventURL string
	IngestToken    string

	HTTPTimeout      time.Duration
	RetryMaxAttempts int
	RetryBackoff     time.Duration

	FlushInterval    time.Duration
	MinChunkDuration time.Duration
	MaxChunkDuration time.Duration

	DefaultSampleRate int
	DefaultChannels   int

	StatusPath string
	DryRun     bool
}

// ConfigFromApp builds a listener config from the shared environment config.
func ConfigFromApp(cfg *appcfg.Config) Config {
	token := strings.TrimSpace(cfg.AudioHookTargetIngestToken)
	if token == "" {
		token = strings.TrimSpace(cfg.GenesysTargetIngestToken)
	}
	if token == "" {
		token = strings.TrimSpace(cfg.RealtimeIngestToken)
	}
	eventURL := strings.TrimSpace(cfg.AudioHookTargetEventURL)
	if eventURL == "" {
		eventURL = strings.TrimSpace(cfg.GenesysTargetIngestURL)
	}
	return Config{
		Host:              cfg.AudioHookHost,
		Port:              cfg.AudioHookPort,
		Path:              appcfg.NormalizePath(cfg.AudioHookPath),
		TargetAudioURL:    strings.TrimSpace(cfg.AudioHookTargetAudioURL),
		TargetEventURL:    eventURL,
		IngestToken:       token,
		HTTPTimeout:       time.Duration(maxInt(5, cfg.AudioHookHTTPTimeoutSeconds)) * time.Second,
		RetryMaxAttempts:  maxInt(1, cfg.AudioHookRetryMaxAttempts),
		RetryBackoff:      time.Duration(maxFloat(0.2, cfg.AudioHookRetryBackoffSeconds) * float64(time.Second)),
		FlushInterval:     time.Duration(maxInt(120, cfg.AudioHookFlushIntervalMS)) * time.Millisecond,
		MinChunkDuration:  time.Duration(maxInt(80, cfg.AudioHookMinChunkDurationMS)) * time.Millisecond,
		MaxChunkDuration:  time.Duration(maxInt(120, cfg.AudioHookMaxChunkDurationMS)) * time.Millisecond,
		DefaultSampleRate: cfg.RealtimeAudioDefaultSampleRate,
		DefaultChannels:   cfg.RealtimeAudioDefaultChannels,
		StatusPath:        cfg.AudioHookStatusPath,
	}
}

// Validate reports the first missing required setting.
func (c Config) Validate() error {
	if c.TargetAudioURL == "" && !c.DryRun {
		return errors.New("GENESYS_AUDIOHOOK_TARGET_AUDIO_INGEST_URL is required")
	}
	if c.TargetEventURL == "" && !c.DryRun {
		return errors.New("GENESYS_AUDIOHOOK_TARGET_EVENT_INGEST_URL is required")
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

// Listener accepts AudioHook websocket sessions, re-frames the streamed
// audio into ingest chunks, and forwards session events.
type Listener struct {
	cfg    Config
	log    zerolog.Logger
	status *status.Writer
	audio  *genesys.IngestForwarder
	events *genesys.IngestForwarder

	upgrader websocket.Upgrader
	server   *http.Server
	connSeq  atomic.Int64
	now      func() time.Time
}

func NewListener(cfg Config, log zerolog.Logger) *Listener {
	l := &Listener{
		cfg:    cfg,
		log:    log,
		status: status.NewWriter(cfg.StatusPath, log),
		audio: genesys.NewIngestForwarder(cfg.TargetAudioURL, cfg.IngestToken,
			cfg.HTTPTimeout, cfg.RetryMaxAttempts, cfg.RetryBackoff, log),
		events: genesys.NewIngestForwarder(cfg.TargetEventURL, cfg.IngestToken,
			cfg.HTTPTimeout, cfg.RetryMaxAttempts, cfg.RetryBackoff, log),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		now: func() time.Time { return time.Now().UTC() },
	}
	l.status.Set(map[string]any{
		"state":              "initialized",
		"pid":                os.Getpid(),
		"host":               cfg.Host,
		"port":               cfg.Port,
		"path":               cfg.Path,
		"dry_run":            cfg.DryRun,
		"connection_count":   0,
		"active_connections": 0,
		"forwarded_chunks":   0,
		"forwarded_events":   0,
		"forward_failures":   0,
		"audio_packets":      0,
		"audio_bytes":        0,
		"last_error":         "",
		"last_call_id":       "",
		"last_media_format":  "",
	})
	return l
}

// Handler exposes the HTTP handler for tests.
func (l *Listener) Handler() http.Handler {
	return http.HandlerFunc(l.handleHTTP)
}

// Run serves until ctx is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	l.status.SetState("starting")
	if err := l.cfg.Validate(); err != nil {
		l.status.Set(map[string]any{"state": "error", "last_error": err.Error()})
		return err
	}

	go l.status.RunHeartbeat(ctx, 20*time.Second)

	addr := net.JoinHostPort(l.cfg.Host, fmt.Sprintf("%d", l.cfg.Port))
	l.server = &http.Server{Addr: addr, Handler: http.HandlerFunc(l.handleHTTP)}

	l.log.Info().
		Str("addr", addr).
		Str("path", l.cfg.Path).
		Str("target_audio", l.cfg.TargetAudioURL).
		Bool("dry_run", l.cfg.DryRun).
		Msg("audiohook listener starting")

	errCh := make(chan error, 1)
	go func() {
		if err := l.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	l.status.SetState("running")

	select {
	case <-ctx.Done():
		l.status.SetState("stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		l.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil {
			l.status.Set(map[string]any{"state": "error", "last_error": err.Error()})
			return err
		}
	}

	l.status.SetState("stopped")
	l.log.Info().Msg("audiohook listener stopped")
	return nil
}

func (l *Listener) handleHTTP(w http.ResponseWriter, r *http.Request) {
	if normalizePath(r.URL.Path) != l.cfg.Path {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]any{"detail": "Not found"})
		return
	}

	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		json.NewEncoder(w).Encode(map[string]any{
			"ok":        true,
			"service":   "genesys_audiohook_listener",
			"path":      l.cfg.Path,
			"timestamp": l.now().Format(time.RFC3339Nano),
		})
		return
	}

	ws, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.log.Warn().Err(err).Msg("audiohook upgrade failed")
		return
	}
	l.handleSession(r.Context(), ws, r.URL)
}

func (l *Listener) handleSession(ctx context.Context, ws *websocket.Conn, requestURL *url.URL) {
	defer ws.Close()

	conn := &session{
		ws:            ws,
		requestURL:    requestURL,
		id:            fmt.Sprintf("%d-%d", l.now().UnixMilli(), l.connSeq.Add(1)),
		sampleRate:    8000,
		channels:      1,
		mediaFormat:   "PCMU",
		channelLabels: []string{"mono"},
		lastFlush:     l.now(),
	}

	l.status.Increment("connection_count", 1)
	l.status.Increment("active_connections", 1)
	defer func() {
		l.flush(ctx, conn, true, "socket_closed")
		l.forwardCallEnd(ctx, conn, "socket_closed")
		l.status.Increment("active_connections", -1)
		l.log.Info().Str("connection_id", conn.id).Msg("audiohook disconnected")
	}()

	l.log.Info().Str("connection_id", conn.id).Str("path", requestURL.Path).Msg("audiohook connected")

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && ctx.Err() == nil {
				l.status.Set(map[string]any{"last_error": err.Error()})
				l.log.Warn().Err(err).Str("connection_id", conn.id).Msg("audiohook read error")
			}
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			for _, packet := range DecodePackets(data) {
				switch packet.Type {
				case PacketTypeCommand:
					if l.handleCommand(ctx, conn, packet.Payload) {
						return
					}
				case PacketTypeAudio:
					if l.handleAudio(ctx, conn, packet.Payload) {
						return
					}
				default:
					l.log.Debug().
						Str("connection_id", conn.id).
						Int("type", int(packet.Type)).
						Msg("audiohook packet ignored")
				}
			}
		case websocket.TextMessage:
			if l.handleCommand(ctx, conn, data) {
				return
			}
		}
	}
}

type session struct {
	ws         *websocket.Conn
	requestURL *url.URL
	id         string

	openCommandID string
	callID        string
	sampleRate    int
	channels      int
	channelLabels []string
	mediaFormat   string
	opened        bool
	seq           int

	buffer       []byte
	audioPackets int
	lastFlush    time.Time
	endEventSent bool
}

// handleCommand dispatches one command. The return value is true when the
// session should end.
func (l *Listener) handleCommand(ctx context.Context, conn *session, payload []byte) bool {
	var command map[string]any
	if err := json.Unmarshal(payload, &command); err != nil {
		l.log.Debug().Str("connection_id", conn.id).Msg("audiohook command invalid json")
		return false
	}

	commandType := strings.ToLower(strings.TrimSpace(stringValue(command["type"])))
	commandID := strings.TrimSpace(stringValue(command["id"]))
	seq := intValue(command["seq"])
	if commandID != "" {
		conn.openCommandID = commandID
	}
	if seq > conn.seq {
		conn.seq = seq
	}
	if seq == 0 {
		seq = conn.seq
	}
	if commandID == "" {
		commandID = conn.openCommandID
	}

	switch commandType {
	case "open":
		l.handleOpen(conn, command)
		return false

	case "ping":
		l.send(conn, map[string]any{
			"version":    "2",
			"type":       "pong",
			"id":         commandID,
			"seq":        seq,
			"parameters": map[string]any{},
		})
		return false

	case "close":
		l.flush(ctx, conn, true, "close_command")
		l.forwardCallEnd(ctx, conn, "close_command")
		l.send(conn, map[string]any{
			"version":    "2",
			"type":       "closed",
			"id":         commandID,
			"seq":        seq,
			"parameters": map[string]any{},
		})
		l.closeWith(conn, websocket.CloseNormalClosure, "closed")
		return true

	case "disconnect", "error":
		l.flush(ctx, conn, true, commandType)
		l.forwardCallEnd(ctx, conn, commandType)
		l.closeWith(conn, websocket.CloseInternalServerErr, commandType)
		return true

	case "event":
		l.forwardEvent(ctx, conn, command)
		return false

	default:
		l.log.Debug().Str("connection_id", conn.id).Str("type", commandType).Msg("audiohook command ignored")
		return false
	}
}

func (l *Listener) handleOpen(conn *session, command map[string]any) {
	parameters, _ := command["parameters"].(map[string]any)
	if parameters == nil {
		parameters = map[string]any{}
	}

	media := ExtractMediaDetails(command["media"])
	if media.Format == "" {
		media.Format = "PCMU"
	}
	if media.Rate <= 0 {
		media.Rate = l.cfg.DefaultSampleRate
	}
	if media.Channels <= 0 {
		media.Channels = l.cfg.DefaultChannels
	}
	if len(media.Labels) == 0 {
		media.Labels = DefaultChannelLabels(media.Channels)
	}

	conn.mediaFormat = media.Format
	conn.sampleRate = media.Rate
	conn.channels = media.Channels
	conn.channelLabels = media.Labels
	conn.callID = ExtractCallID(command, parameters, conn.requestURL, l.now())
	conn.opened = true

	l.status.Set(map[string]any{
		"last_call_id":      conn.callID,
		"last_media_format": conn.mediaFormat,
	})

	openedID := strings.TrimSpace(stringValue(command["id"]))
	if openedID == "" {
		openedID = conn.openCommandID
	}
	if openedID == "" {
		openedID = "open-" + conn.id
	}
	l.send(conn, map[string]any{
		"version": "2",
		"type":    "opened",
		"id":      openedID,
		"seq":     conn.seq,
		"parameters": map[string]any{
			"conversationId": conn.callID,
		},
		"media": map[string]any{
			"type":     "audio",
			"format":   conn.mediaFormat,
			"rate":     conn.sampleRate,
			"channels": conn.channelLabels,
		},
	})

	l.log.Info().
		Str("connection_id", conn.id).
		Str("call_id", conn.callID).
		Str("format", conn.mediaFormat).
		Int("rate", conn.sampleRate).
		Int("channels", conn.channels).
		Msg("audiohook opened")
}

// handleAudio decodes one audio packet into the session buffer. Returns true
// when the session was closed for overrunning the buffer cap.
func (l *Listener) handleAudio(ctx context.Context, conn *session, payload []byte) bool {
	if !conn.opened {
		l.log.Debug().Str("connection_id", conn.id).Msg("audiohook audio before open ignored")
		return false
	}

	headers, rawAudio := ParseAudioPayload(payload)
	if len(rawAudio) == 0 {
		return false
	}

	media := ExtractMediaDetails(headers["media"])
	if media.Rate > 0 {
		conn.sampleRate = media.Rate
	}
	if media.Channels > 0 {
		conn.channels = media.Channels
	}
	if len(media.Labels) > 0 {
		conn.channelLabels = media.Labels
	}
	if media.Format != "" {
		conn.mediaFormat = media.Format
	}

	decoded, err := codec.Decode(conn.mediaFormat, rawAudio)
	if err != nil || len(decoded) == 0 {
		l.log.Debug().
			Str("connection_id", conn.id).
			Str("format", conn.mediaFormat).
			Msg("audiohook audio decode unsupported")
		return false
	}

	conn.audioPackets++
	conn.buffer = append(conn.buffer, decoded...)

	l.status.Increment("audio_packets", 1)
	l.status.Increment("audio_bytes", int64(len(rawAudio)))

	if len(conn.buffer) > 4*l.maxChunkBytes(conn) {
		l.log.Warn().Str("connection_id", conn.id).Int("buffered", len(conn.buffer)).Msg("audiohook buffer overrun")
		l.flush(ctx, conn, true, "buffer_overrun")
		l.forwardCallEnd(ctx, conn, "buffer_overrun")
		l.closeWith(conn, websocket.CloseTryAgainLater, "buffer overrun")
		return true
	}

	l.flush(ctx, conn, false, "streaming")
	return false
}

func (l *Listener) maxChunkBytes(conn *session) int {
	bytesPerSecond := conn.sampleRate * conn.channels * 2
	if bytesPerSecond < 1 {
		bytesPerSecond = 1
	}
	maxBytes := int(float64(bytesPerSecond) * l.cfg.MaxChunkDuration.Seconds())
	minBytes := l.minChunkBytes(conn)
	if maxBytes < minBytes {
		maxBytes = minBytes
	}
	return maxBytes
}

func (l *Listener) minChunkBytes(conn *session) int {
	bytesPerSecond := conn.sampleRate * conn.channels * 2
	if bytesPerSecond < 1 {
		bytesPerSecond = 1
	}
	minBytes := int(float64(bytesPerSecond) * l.cfg.MinChunkDuration.Seconds())
	if minBytes < 1 {
		minBytes = 1
	}
	return minBytes
}

// flush forwards buffered audio in chunks of at most the max duration. When
// not forced, flushing waits for the minimum duration and flush interval.
func (l *Listener) flush(ctx context.Context, conn *session, force bool, reason string) {
	if len(conn.buffer) == 0 {
		return
	}

	minBytes := l.minChunkBytes(conn)
	maxBytes := l.maxChunkBytes(conn)

	elapsed := l.now().Sub(conn.lastFlush)
	if !force && len(conn.buffer) < minBytes && elapsed < l.cfg.FlushInterval {
		return
	}

	for len(conn.buffer) > 0 {
		if !force && len(conn.buffer) < minBytes && elapsed < l.cfg.FlushInterval {
			break
		}
		size := len(conn.buffer)
		if size > maxBytes {
			size = maxBytes
		}
		chunk := make([]byte, size)
		copy(chunk, conn.buffer)
		conn.buffer = conn.buffer[size:]

		l.forwardChunk(ctx, conn, chunk, reason)
		conn.lastFlush = l.now()
		elapsed = 0
		if !force && len(conn.buffer) < maxBytes {
			break
		}
	}
}

func (l *Listener) forwardChunk(ctx context.Context, conn *session, chunk []byte, reason string) {
	if len(chunk) == 0 || conn.callID == "" {
		return
	}
	payload := map[string]any{
		"provider":       "genesys_audiohook",
		"call_id":        conn.callID,
		"audio_encoding": "pcm_s16le",
		"sample_rate":    conn.sampleRate,
		"channels":       conn.channels,
		"audio_b64":      base64.StdEncoding.EncodeToString(chunk),
		"status":         "active",
		"timestamp":      l.now().Format(time.RFC3339Nano),
		"metadata": map[string]any{
			"connection_id":      conn.id,
			"channel_labels":     conn.channelLabels,
			"media_format":       conn.mediaFormat,
			"flush_reason":       reason,
			"audio_packet_count": conn.audioPackets,
		},
	}

	if l.cfg.DryRun {
		l.log.Info().
			Str("call_id", conn.callID).
			Int("bytes", len(chunk)).
			Int("channels", conn.channels).
			Msg("audiohook chunk dry run")
		return
	}

	if err := l.audio.Forward(ctx, payload); err != nil {
		l.status.Increment("forward_failures", 1)
		l.status.Set(map[string]any{"last_error": err.Error()})
		l.log.Error().Err(err).Str("call_id", conn.callID).Int("bytes", len(chunk)).Msg("audiohook chunk forward failed")
		return
	}
	l.status.Increment("forwarded_chunks", 1)
	l.status.Set(map[string]any{"last_call_id": conn.callID})
}

func (l *Listener) forwardEvent(ctx context.Context, conn *session, command map[string]any) {
	if conn.callID == "" {
		return
	}
	eventType := strings.ToLower(strings.TrimSpace(stringValue(command["eventType"])))
	if eventType == "" {
		eventType = strings.ToLower(strings.TrimSpace(stringValue(command["subType"])))
	}
	if eventType == "" {
		eventType = "audiohook_event"
	}
	parameters, _ := command["parameters"].(map[string]any)
	if parameters == nil {
		parameters = map[string]any{}
	}

	l.forwardEventPayload(ctx, map[string]any{
		"provider":   "genesys_audiohook",
		"call_id":    conn.callID,
		"event_type": eventType,
		"speaker":    "",
		"text":       ExtractEventText(parameters),
		"status":     "active",
		"timestamp":  l.now().Format(time.RFC3339Nano),
		"metadata": map[string]any{
			"audiohook_command": command,
			"connection_id":     conn.id,
		},
	})
}

func (l *Listener) forwardCallEnd(ctx context.Context, conn *session, reason string) {
	if conn.endEventSent || conn.callID == "" {
		return
	}
	conn.endEventSent = true
	l.forwardEventPayload(ctx, map[string]any{
		"provider":   "genesys_audiohook",
		"call_id":    conn.callID,
		"event_type": "call_end",
		"speaker":    "",
		"text":       "",
		"status":     "ended",
		"timestamp":  l.now().Format(time.RFC3339Nano),
		"metadata": map[string]any{
			"reason":        reason,
			"connection_id": conn.id,
		},
	})
}

func (l *Listener) forwardEventPayload(ctx context.Context, payload map[string]any) {
	if l.cfg.DryRun {
		l.log.Info().
			Str("call_id", stringValue(payload["call_id"])).
			Str("event_type", stringValue(payload["event_type"])).
			Msg("audiohook event dry run")
		return
	}
	if err := l.events.Forward(ctx, payload); err != nil {
		l.status.Increment("forward_failures", 1)
		l.status.Set(map[string]any{"last_error": err.Error()})
		l.log.Error().Err(err).Msg("audiohook event forward failed")
		return
	}
	l.status.Increment("forwarded_events", 1)
}

func (l *Listener) send(conn *session, command map[string]any) {
	frame, err := EncodeCommandPacket(command)
	if err != nil {
		l.log.Error().Err(err).Msg("audiohook command encode failed")
		return
	}
	if err := conn.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		l.log.Warn().Err(err).Str("connection_id", conn.id).Msg("audiohook command write failed")
	}
}

func (l *Listener) closeWith(conn *session, code int, reason string) {
	deadline := time.Now().Add(2 * time.Second)
	conn.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
}

func normalizePath(path string) string {
	return appcfg.NormalizePath(path)
}
