package engine

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/cx-engine/internal/alerting"
	"github.com/snarg/cx-engine/internal/audio"
	"github.com/snarg/cx-engine/internal/bus"
	"github.com/snarg/cx-engine/internal/codec"
	"github.com/snarg/cx-engine/internal/config"
	"github.com/snarg/cx-engine/internal/repo"
)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestEngine(t *testing.T) (*Engine, *bus.Bus, *testClock) {
	t.Helper()
	cfg := &config.Config{
		RealtimeNegativeSentimentThreshold: -0.45,
		RealtimeHighRiskThreshold:          0.72,
		RealtimeAlertCooldownSeconds:       75,
		RealtimeSupervisorKeywordTriggers:  "manager,supervisor,lawyer,cancel account",
		RealtimeAudioDefaultSampleRate:     16000,
		RealtimeAudioDefaultChannels:       1,
		RealtimeAudioMaxChunkBytes:         2000000,
	}
	clock := &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	b := bus.New(zerolog.Nop())
	t.Cleanup(b.Close)
	eng := New(Options{
		Config: cfg,
		Log:    zerolog.Nop(),
		Repo:   repo.NewMemory(0),
		Store: audio.NewStore(audio.StoreOptions{
			WindowSeconds: 300,
			MaxChunkBytes: cfg.RealtimeAudioMaxChunkBytes,
			Log:           zerolog.Nop(),
		}),
		Resolver: audio.NewResolver("", zerolog.Nop()),
		Bus:      b,
		Now:      clock.Now,
	})
	return eng, b, clock
}

// ── Event ingest ─────────────────────────────────────────────────────────────

func TestIngestEventNegativeSentiment(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	result, err := eng.IngestEvent(context.Background(), map[string]any{
		"call_id":    "RT-1",
		"event_type": "transcript",
		"sentiment":  -0.8,
	})
	if err != nil {
		t.Fatalf("IngestEvent: %v", err)
	}

	if len(result.Alerts) != 1 {
		t.Fatalf("alerts = %d, want 1", len(result.Alerts))
	}
	if result.Alerts[0].Type != alerting.TypeNegativeSentiment || result.Alerts[0].Severity != "high" {
		t.Errorf("alert = %s/%s", result.Alerts[0].Type, result.Alerts[0].Severity)
	}
	if result.RiskScore < 0.32 {
		t.Errorf("risk_score = %.3f, want >= 0.32", result.RiskScore)
	}
	if result.Snapshot == nil || result.Snapshot.CallID != "RT-1" {
		t.Fatal("snapshot missing")
	}
	if len(result.Snapshot.Events) != 1 {
		t.Errorf("snapshot events = %d, want 1", len(result.Snapshot.Events))
	}
}

func TestIngestEventCooldown(t *testing.T) {
	eng, _, clock := newTestEngine(t)
	payload := map[string]any{"call_id": "RT-1", "event_type": "transcript", "sentiment": -0.8}

	first, err := eng.IngestEvent(context.Background(), payload)
	if err != nil {
		t.Fatal(err)
	}
	if len(first.Alerts) != 1 {
		t.Fatalf("first alerts = %d, want 1", len(first.Alerts))
	}

	clock.Advance(10 * time.Second)
	second, err := eng.IngestEvent(context.Background(), payload)
	if err != nil {
		t.Fatal(err)
	}
	if len(second.Alerts) != 0 {
		t.Errorf("second alerts = %+v, want empty within cooldown", second.Alerts)
	}
}

func TestIngestEventEscalationStacking(t *testing.T) {
	eng, _, clock := newTestEngine(t)
	payload := map[string]any{
		"call_id":   "RT-3",
		"text":      "get me your supervisor",
		"sentiment": -0.9,
		"metadata":  map[string]any{"metrics": map[string]any{"dead_air_seconds": 7.0}},
	}

	first, err := eng.IngestEvent(context.Background(), payload)
	if err != nil {
		t.Fatal(err)
	}
	got := map[string]string{}
	for _, a := range first.Alerts {
		got[a.Type] = a.Severity
	}
	if len(first.Alerts) != 3 {
		t.Fatalf("alerts = %v, want escalation_keyword+negative_sentiment+dead_air", got)
	}
	if got[alerting.TypeEscalationKeyword] != "critical" ||
		got[alerting.TypeNegativeSentiment] != "high" ||
		got[alerting.TypeDeadAir] != "medium" {
		t.Errorf("severities = %v", got)
	}

	// Risk keeps compounding on repeated ingests until high_risk fires.
	var highRisk *repo.Alert
	for i := 0; i < 5 && highRisk == nil; i++ {
		clock.Advance(10 * time.Second)
		result, err := eng.IngestEvent(context.Background(), payload)
		if err != nil {
			t.Fatal(err)
		}
		for j := range result.Alerts {
			if result.Alerts[j].Type == alerting.TypeHighRisk {
				highRisk = &result.Alerts[j]
			}
		}
	}
	if highRisk == nil {
		t.Fatal("high_risk alert never fired")
	}
	if highRisk.Severity != "high" {
		t.Errorf("high_risk severity = %s, want high", highRisk.Severity)
	}
}

func TestIngestEventValidation(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	_, err := eng.IngestEvent(context.Background(), map[string]any{"event_type": "transcript"})
	verr, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("err = %T, want ValidationError", err)
	}
	if verr.Detail != "Missing call_id" {
		t.Errorf("detail = %q", verr.Detail)
	}
}

func TestIngestEventCallIDAliases(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	result, err := eng.IngestEvent(context.Background(), map[string]any{
		"conversation_id": "conv-alias",
		"text":            "hello",
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.CallID != "conv-alias" {
		t.Errorf("call_id = %q, want conv-alias", result.CallID)
	}
}

func TestIngestEventDefaultsStatusActive(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	ctx := context.Background()

	result, err := eng.IngestEvent(ctx, map[string]any{
		"call_id":    "RT-4",
		"event_type": "transcript",
		"text":       "hello there",
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.Snapshot.Status != "active" {
		t.Errorf("new call status = %q, want active", result.Snapshot.Status)
	}

	// An explicit terminal status sticks even when later events omit it.
	if _, err := eng.IngestEvent(ctx, map[string]any{
		"call_id": "RT-4",
		"status":  "ended",
	}); err != nil {
		t.Fatal(err)
	}
	result, err = eng.IngestEvent(ctx, map[string]any{
		"call_id": "RT-4",
		"text":    "wrap-up note",
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.Snapshot.Status != "ended" {
		t.Errorf("status after ended = %q, want ended", result.Snapshot.Status)
	}
}

func TestIngestEventClampsSentiment(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	ctx := context.Background()

	tests := []struct {
		name string
		in   float64
		want float64
	}{
		{"above_range", 3.5, 1},
		{"below_range", -2.0, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := eng.IngestEvent(ctx, map[string]any{
				"call_id":   "RT-clamp-" + tt.name,
				"sentiment": tt.in,
			})
			if err != nil {
				t.Fatal(err)
			}
			ev := result.Snapshot.Events[0]
			if ev.Sentiment == nil || *ev.Sentiment != tt.want {
				t.Errorf("event sentiment = %v, want %v", ev.Sentiment, tt.want)
			}
		})
	}
}

// ── Publish order ────────────────────────────────────────────────────────────

func TestPublishOrderEventThenAlerts(t *testing.T) {
	eng, b, _ := newTestEngine(t)
	sub := b.Subscribe("RT-1")
	defer b.Unsubscribe(sub)

	if _, err := eng.IngestEvent(context.Background(), map[string]any{
		"call_id":   "RT-1",
		"sentiment": -0.8,
	}); err != nil {
		t.Fatal(err)
	}

	var types []string
	for {
		select {
		case data := <-sub.C():
			var env map[string]any
			json.Unmarshal(data, &env)
			types = append(types, env["type"].(string))
		default:
			if len(types) != 2 {
				t.Fatalf("envelopes = %v, want realtime_event then supervisor_alert", types)
			}
			if types[0] != bus.TypeRealtimeEvent || types[1] != bus.TypeSupervisorAlert {
				t.Errorf("envelope order = %v", types)
			}
			return
		}
	}
}

// ── Snapshot ─────────────────────────────────────────────────────────────────

func TestSnapshotIdleForUnknownCall(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	snap, err := eng.Snapshot(context.Background(), "ghost")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Status != "unknown" || snap.Provider != "generic" {
		t.Errorf("idle snapshot = %s/%s, want generic/unknown", snap.Provider, snap.Status)
	}
	if snap.RiskScore != 0 || snap.SentimentScore != 0 {
		t.Errorf("idle snapshot scores = %v/%v, want zero", snap.RiskScore, snap.SentimentScore)
	}
	if snap.Events == nil || snap.Alerts == nil {
		t.Error("idle snapshot slices must be non-nil for JSON arrays")
	}
}

// ── Ack ──────────────────────────────────────────────────────────────────────

func TestAckAlertIdempotent(t *testing.T) {
	eng, b, clock := newTestEngine(t)

	result, err := eng.IngestEvent(context.Background(), map[string]any{
		"call_id":   "RT-1",
		"sentiment": -0.8,
	})
	if err != nil {
		t.Fatal(err)
	}
	alertID := result.Alerts[0].ID

	sub := b.Subscribe("RT-1")
	defer b.Unsubscribe(sub)

	first, err := eng.AckAlert(context.Background(), alertID)
	if err != nil {
		t.Fatal(err)
	}
	if !first.Acknowledged || first.AcknowledgedAt == nil {
		t.Fatal("first ack should set acknowledged state")
	}
	firstAt := *first.AcknowledgedAt

	clock.Advance(time.Minute)
	second, err := eng.AckAlert(context.Background(), alertID)
	if err != nil {
		t.Fatal(err)
	}
	if !second.AcknowledgedAt.Equal(firstAt) {
		t.Errorf("acknowledged_at = %v, want stable %v", second.AcknowledgedAt, firstAt)
	}

	// Only the first ack publishes the envelope.
	count := 0
	for {
		select {
		case <-sub.C():
			count++
		default:
			if count != 1 {
				t.Errorf("ack envelopes = %d, want 1", count)
			}
			return
		}
	}
}

// ── Audio chunk ingest ───────────────────────────────────────────────────────

func pcmB64(samples int) string {
	return base64.StdEncoding.EncodeToString(make([]byte, samples*2))
}

func TestIngestAudioChunkSyntheticEvent(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	result, err := eng.IngestAudioChunk(context.Background(), map[string]any{
		"call_id":        "RT-a",
		"audio_b64":      pcmB64(1600),
		"audio_encoding": "pcm_s16le",
		"sample_rate":    16000.0,
	})
	if err != nil {
		t.Fatalf("IngestAudioChunk: %v", err)
	}
	if result.IngestedEvents != 1 {
		t.Errorf("ingested_events = %d, want 1 synthetic audio_chunk", result.IngestedEvents)
	}
	if !result.Audio.Available || result.Audio.ChunkCount != 1 {
		t.Errorf("audio state = %+v", result.Audio)
	}
	if result.Snapshot.Events[0].Type != "audio_chunk" {
		t.Errorf("event type = %q, want audio_chunk", result.Snapshot.Events[0].Type)
	}
	if audioMeta, ok := result.Snapshot.Events[0].Metadata["audio"]; !ok || audioMeta == nil {
		t.Error("event metadata should carry audio state")
	}
}

func TestIngestAudioChunkSegments(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	result, err := eng.IngestAudioChunk(context.Background(), map[string]any{
		"call_id":        "RT-a",
		"audio_b64":      pcmB64(1600),
		"audio_encoding": "pcm_s16le",
		"speaker":        "Agent",
		"transcript_segments": []any{
			map[string]any{"text": "hello, how can I help", "speaker": "agent"},
			map[string]any{"text": "I want to cancel account", "speaker": "customer", "sentiment": -0.6},
			map[string]any{"no_text": true},
		},
	})
	if err != nil {
		t.Fatalf("IngestAudioChunk: %v", err)
	}
	if result.IngestedEvents != 2 {
		t.Errorf("ingested_events = %d, want 2", result.IngestedEvents)
	}

	foundKeyword := false
	for _, a := range result.Alerts {
		if a.Type == alerting.TypeEscalationKeyword {
			foundKeyword = true
		}
	}
	if !foundKeyword {
		t.Error("expected escalation_keyword alert from segment text")
	}
}

func TestIngestAudioChunkMuLaw(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	raw := make([]byte, 800)
	for i := range raw {
		raw[i] = byte(i)
	}
	result, err := eng.IngestAudioChunk(context.Background(), map[string]any{
		"call_id":        "RT-mu",
		"audio_b64":      base64.StdEncoding.EncodeToString(raw),
		"audio_encoding": "PCMU",
		"sample_rate":    8000.0,
	})
	if err != nil {
		t.Fatalf("IngestAudioChunk: %v", err)
	}
	// mu-law expands 1:2 to 16-bit PCM.
	if result.Audio.DurationSeconds < 0.09 || result.Audio.DurationSeconds > 0.11 {
		t.Errorf("duration = %.3f, want ~0.1s from 800 mu-law bytes at 8 kHz", result.Audio.DurationSeconds)
	}
}

func TestIngestAudioChunkErrors(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		payload map[string]any
		detail  string
	}{
		{"missing_call_id", map[string]any{"audio_b64": pcmB64(10)}, "Missing call_id"},
		{"missing_audio", map[string]any{"call_id": "x"}, "Missing audio chunk base64 (audio_b64)"},
		{"bad_base64", map[string]any{"call_id": "x", "audio_b64": "!!!not-base64!!!"}, "Invalid base64 audio payload"},
		{"unsupported_encoding", map[string]any{"call_id": "x", "audio_b64": pcmB64(10), "audio_encoding": "opus"}, "Unsupported audio_encoding: opus"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := eng.IngestAudioChunk(ctx, tt.payload)
			verr, ok := err.(*ValidationError)
			if !ok {
				t.Fatalf("err = %T (%v), want ValidationError", err, err)
			}
			if verr.Detail != tt.detail {
				t.Errorf("detail = %q, want %q", verr.Detail, tt.detail)
			}
		})
	}
}

func TestIngestAudioChunkWAV(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	pcm := make([]byte, 3200)
	wav := codec.RenderWAV(pcm, 8000, 1)
	result, err := eng.IngestAudioChunk(context.Background(), map[string]any{
		"call_id":        "RT-wav",
		"audio_b64":      base64.StdEncoding.EncodeToString(wav),
		"audio_encoding": "wav",
	})
	if err != nil {
		t.Fatalf("IngestAudioChunk: %v", err)
	}
	if result.Audio.SampleRate != 8000 {
		t.Errorf("sample_rate = %d, want 8000 from WAV header", result.Audio.SampleRate)
	}
	if result.Audio.DurationSeconds < 0.19 || result.Audio.DurationSeconds > 0.21 {
		t.Errorf("duration = %.3f, want ~0.2s", result.Audio.DurationSeconds)
	}
}
