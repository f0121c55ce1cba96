// Package engine wires the realtime pipeline: repository, audio buffers,
// alert evaluation, and bus fan-out behind one explicit context struct.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/cx-engine/internal/alerting"
	"github.com/snarg/cx-engine/internal/audio"
	"github.com/snarg/cx-engine/internal/bus"
	"github.com/snarg/cx-engine/internal/config"
	"github.com/snarg/cx-engine/internal/metrics"
	"github.com/snarg/cx-engine/internal/repo"
)

// Mirror receives a copy of every published envelope, e.g. for an MQTT relay.
type Mirror interface {
	MirrorEnvelope(callID string, data []byte)
}

// Engine threads shared state through handlers instead of package globals.
type Engine struct {
	cfg      *config.Config
	log      zerolog.Logger
	repo     repo.Repository
	store    *audio.Store
	resolver *audio.Resolver
	bus      *bus.Bus
	eval     *alerting.Evaluator
	mirror   Mirror
	now      func() time.Time
}

type Options struct {
	Config   *config.Config
	Log      zerolog.Logger
	Repo     repo.Repository
	Store    *audio.Store
	Resolver *audio.Resolver
	Bus      *bus.Bus
	Mirror   Mirror
	Now      func() time.Time
}

func New(opts Options) *Engine {
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	eval := alerting.NewEvaluator(alerting.Config{
		NegativeSentimentThreshold: opts.Config.RealtimeNegativeSentimentThreshold,
		HighRiskThreshold:          opts.Config.RealtimeHighRiskThreshold,
		CooldownSeconds:            opts.Config.RealtimeAlertCooldownSeconds,
		KeywordTriggers:            opts.Config.KeywordTriggers(),
	})
	return &Engine{
		cfg:      opts.Config,
		log:      opts.Log,
		repo:     opts.Repo,
		store:    opts.Store,
		resolver: opts.Resolver,
		bus:      opts.Bus,
		eval:     eval,
		mirror:   opts.Mirror,
		now:      now,
	}
}

// ValidationError marks client-caused failures; the API maps it to 400.
type ValidationError struct {
	Detail string
}

func (e *ValidationError) Error() string { return e.Detail }

func invalidf(format string, args ...any) *ValidationError {
	return &ValidationError{Detail: fmt.Sprintf(format, args...)}
}

// SnapshotDoc is the realtime view of one call returned by the snapshot
// endpoint and embedded in ingest responses.
type SnapshotDoc struct {
	CallID         string         `json:"call_id"`
	Provider       string         `json:"provider"`
	Status         string         `json:"status"`
	RiskScore      float64        `json:"risk_score"`
	SentimentScore float64        `json:"sentiment_score"`
	UpdatedAt      string         `json:"updated_at,omitempty"`
	Events         []repo.Event   `json:"events"`
	Alerts         []repo.Alert   `json:"alerts"`
	LiveAudio      audio.Snapshot `json:"live_audio"`
}

// IngestResult is the outcome of one event ingest.
type IngestResult struct {
	CallID         string       `json:"call_id"`
	RiskScore      float64      `json:"risk_score"`
	SentimentScore float64      `json:"sentiment_score"`
	Alerts         []repo.Alert `json:"alerts"`
	Snapshot       *SnapshotDoc `json:"snapshot"`
	Event          *repo.Event  `json:"event"`
}

// IngestEvent runs the full pipeline for one event payload: normalize,
// persist, evaluate, then publish. Payload keys follow the ingest contract
// (call_id/conversation_id/session_id aliases and so on).
func (e *Engine) IngestEvent(ctx context.Context, payload map[string]any) (*IngestResult, error) {
	now := e.now()
	norm, detail := normalizeEvent(payload, now)
	if detail != "" {
		return nil, &ValidationError{Detail: detail}
	}

	prior := repo.Call{CallID: norm.CallID}
	if existing, err := e.repo.GetCall(ctx, norm.CallID); err == nil {
		prior = *existing
	} else if !errors.Is(err, repo.ErrNotFound) {
		return nil, fmt.Errorf("load call: %w", err)
	}

	stored, err := e.repo.AppendEvent(ctx, norm.CallID, repo.Event{
		Type:       norm.EventType,
		Speaker:    norm.Speaker,
		Text:       norm.Text,
		Sentiment:  norm.Sentiment,
		Confidence: norm.Confidence,
		OccurredAt: norm.OccurredAt,
		Metadata:   norm.Metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("append event: %w", err)
	}

	history, err := e.repo.LastAlertTimes(ctx, norm.CallID)
	if err != nil {
		return nil, fmt.Errorf("alert history: %w", err)
	}
	updated, fired := e.eval.Evaluate(prior, *stored, history, now)

	call, err := e.repo.UpsertCall(ctx, repo.CallMutation{
		CallID:         norm.CallID,
		Provider:       norm.Provider,
		Status:         norm.Status,
		AgentID:        norm.AgentID,
		CustomerID:     norm.CustomerID,
		RiskScore:      updated.RiskScore,
		SentimentScore: updated.SentimentScore,
		LastSpeaker:    norm.Speaker,
		LastText:       norm.Text,
		Metadata:       norm.Metadata,
		OccurredAt:     norm.OccurredAt,
	})
	if err != nil {
		return nil, fmt.Errorf("upsert call: %w", err)
	}

	alerts := make([]repo.Alert, 0, len(fired))
	for _, a := range fired {
		persisted, err := e.repo.AppendAlert(ctx, a)
		if err != nil {
			return nil, fmt.Errorf("append alert: %w", err)
		}
		alerts = append(alerts, *persisted)
		metrics.AlertsFiredTotal.WithLabelValues(persisted.Type).Inc()
	}
	metrics.EventsIngestedTotal.WithLabelValues(stored.Type).Inc()

	snapshot, err := e.Snapshot(ctx, call.CallID)
	if err != nil {
		return nil, err
	}

	e.publish(call.CallID, map[string]any{
		"type":            bus.TypeRealtimeEvent,
		"call_id":         call.CallID,
		"provider":        call.Provider,
		"status":          call.Status,
		"event":           stored,
		"risk_score":      call.RiskScore,
		"sentiment_score": call.SentimentScore,
	})
	for _, a := range alerts {
		e.publish(call.CallID, map[string]any{
			"type":       bus.TypeSupervisorAlert,
			"call_id":    call.CallID,
			"provider":   call.Provider,
			"risk_score": call.RiskScore,
			"alert":      a,
		})
	}

	e.log.Info().
		Str("call_id", call.CallID).
		Str("event_type", stored.Type).
		Int("alerts", len(alerts)).
		Float64("risk_score", call.RiskScore).
		Msg("realtime event ingested")

	return &IngestResult{
		CallID:         call.CallID,
		RiskScore:      call.RiskScore,
		SentimentScore: call.SentimentScore,
		Alerts:         alerts,
		Snapshot:       snapshot,
		Event:          stored,
	}, nil
}

// Snapshot builds the realtime view of a call. Unknown calls get an idle
// snapshot instead of an error.
func (e *Engine) Snapshot(ctx context.Context, callID string) (*SnapshotDoc, error) {
	call, err := e.repo.GetCall(ctx, callID)
	if errors.Is(err, repo.ErrNotFound) {
		return &SnapshotDoc{
			CallID:    callID,
			Provider:  "generic",
			Status:    "unknown",
			Events:    []repo.Event{},
			Alerts:    []repo.Alert{},
			LiveAudio: e.store.Snapshot(callID),
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load call: %w", err)
	}

	events, err := e.repo.RecentEvents(ctx, callID, 50)
	if err != nil {
		return nil, fmt.Errorf("recent events: %w", err)
	}
	alerts, err := e.repo.RecentAlerts(ctx, repo.AlertQuery{CallID: callID, OpenOnly: true, Limit: 20})
	if err != nil {
		return nil, fmt.Errorf("recent alerts: %w", err)
	}
	if events == nil {
		events = []repo.Event{}
	}
	if alerts == nil {
		alerts = []repo.Alert{}
	}

	return &SnapshotDoc{
		CallID:         call.CallID,
		Provider:       call.Provider,
		Status:         call.Status,
		RiskScore:      call.RiskScore,
		SentimentScore: call.SentimentScore,
		UpdatedAt:      call.UpdatedAt.Format(time.RFC3339Nano),
		Events:         events,
		Alerts:         alerts,
		LiveAudio:      e.store.Snapshot(callID),
	}, nil
}

// ListAlerts proxies the repository with the API's clamped filters.
func (e *Engine) ListAlerts(ctx context.Context, q repo.AlertQuery) ([]repo.Alert, error) {
	alerts, err := e.repo.RecentAlerts(ctx, q)
	if err != nil {
		return nil, err
	}
	if alerts == nil {
		alerts = []repo.Alert{}
	}
	return alerts, nil
}

// AckAlert acknowledges an alert. Only the first ack sets the timestamp and
// publishes the ack envelope; repeats return the stored alert unchanged.
func (e *Engine) AckAlert(ctx context.Context, alertID int64) (*repo.Alert, error) {
	alert, first, err := e.repo.AckAlert(ctx, alertID, e.now())
	if err != nil {
		return nil, err
	}
	if first {
		e.publish(alert.CallID, map[string]any{
			"type":    bus.TypeSupervisorAlertAck,
			"call_id": alert.CallID,
			"alert":   alert,
		})
	}
	return alert, nil
}

// AudioMeta describes where audio for a call can come from.
type AudioMeta struct {
	CallID                 string         `json:"call_id"`
	LiveAudio              audio.Snapshot `json:"live_audio"`
	FallbackAudioAvailable bool           `json:"fallback_audio_available"`
	PreferredSource        string         `json:"preferred_source"`
}

func (e *Engine) AudioMeta(callID string) AudioMeta {
	live := e.store.Snapshot(callID)
	preferred := "fallback"
	if live.Available {
		preferred = "live"
	}
	return AudioMeta{
		CallID:                 callID,
		LiveAudio:              live,
		FallbackAudioAvailable: e.resolver.Available(callID),
		PreferredSource:        preferred,
	}
}

// LiveWAV renders the rolling buffer, optionally trimmed to maxSeconds.
func (e *Engine) LiveWAV(callID string, maxSeconds int) ([]byte, bool) {
	return e.store.RenderWAV(callID, maxSeconds)
}

// FallbackRecording resolves an uploaded recording path for the call.
func (e *Engine) FallbackRecording(callID string) string {
	return e.resolver.Resolve(callID)
}

// Bus exposes the fan-out for the SSE streamer.
func (e *Engine) Bus() *bus.Bus { return e.bus }

// Ping reports repository health.
func (e *Engine) Ping(ctx context.Context) error { return e.repo.Ping(ctx) }

func (e *Engine) publish(callID string, envelope map[string]any) {
	e.bus.Publish(callID, envelope)
	if e.mirror != nil {
		if data, err := json.Marshal(envelope); err == nil {
			e.mirror.MirrorEnvelope(callID, data)
		}
	}
}
