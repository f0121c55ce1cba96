package engine

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"time"

	"github.com/snarg/cx-engine/internal/audio"
	"github.com/snarg/cx-engine/internal/codec"
	"github.com/snarg/cx-engine/internal/metrics"
	"github.com/snarg/cx-engine/internal/repo"
)

// AudioResult is the outcome of one audio chunk ingest.
type AudioResult struct {
	CallID         string         `json:"call_id"`
	Audio          audio.Snapshot `json:"audio"`
	IngestedEvents int            `json:"ingested_events"`
	Alerts         []repo.Alert   `json:"alerts"`
	Snapshot       *SnapshotDoc   `json:"snapshot"`
	Warnings       []string       `json:"warnings"`
}

// AudioRejectedError means the chunk was buffered but produced no events.
type AudioRejectedError struct {
	Detail   string
	Audio    audio.Snapshot
	Warnings []string
}

func (e *AudioRejectedError) Error() string { return e.Detail }

type decodedChunk struct {
	pcm         []byte
	sampleRate  int
	channels    int
	sampleWidth int
	chunkID     string
	occurredAt  time.Time
}

// IngestAudioChunk decodes the chunk into the rolling buffer and turns the
// accompanying transcript (or the bare chunk) into realtime events.
func (e *Engine) IngestAudioChunk(ctx context.Context, payload map[string]any) (*AudioResult, error) {
	callID := extractCallID(payload)
	if callID == "" {
		return nil, &ValidationError{Detail: "Missing call_id"}
	}

	decoded, detail := e.decodeAudioChunk(payload)
	if detail != "" {
		return nil, &ValidationError{Detail: detail}
	}

	state, err := e.store.Append(callID, decoded.pcm, decoded.sampleRate, decoded.channels,
		decoded.sampleWidth, decoded.chunkID, decoded.occurredAt)
	if err != nil {
		switch {
		case errors.Is(err, audio.ErrChunkTooLarge):
			return nil, &ValidationError{Detail: "Audio chunk exceeds max size"}
		case errors.Is(err, audio.ErrEmptyChunk):
			return nil, &ValidationError{Detail: "Audio payload has no PCM frames"}
		default:
			return nil, &ValidationError{Detail: err.Error()}
		}
	}
	metrics.AudioChunksTotal.Inc()
	metrics.AudioBytesTotal.Add(float64(len(decoded.pcm)))

	var (
		results  []*IngestResult
		warnings = []string{}
	)
	for _, eventPayload := range buildAudioEvents(payload, callID, state) {
		result, err := e.IngestEvent(ctx, eventPayload)
		if err != nil {
			var verr *ValidationError
			if errors.As(err, &verr) {
				warnings = append(warnings, verr.Detail)
			} else {
				warnings = append(warnings, "event_ingest_failed")
				e.log.Error().Err(err).Str("call_id", callID).Msg("audio event ingest failed")
			}
			continue
		}
		results = append(results, result)
	}

	if len(results) == 0 {
		return nil, &AudioRejectedError{
			Detail:   "No realtime events were ingested from audio payload",
			Audio:    state,
			Warnings: warnings,
		}
	}

	// Deduplicate alerts across the per-segment ingests, keeping first-seen
	// order.
	seen := make(map[int64]struct{})
	alerts := []repo.Alert{}
	for _, result := range results {
		for _, a := range result.Alerts {
			if _, dup := seen[a.ID]; dup {
				continue
			}
			seen[a.ID] = struct{}{}
			alerts = append(alerts, a)
		}
	}

	return &AudioResult{
		CallID:         callID,
		Audio:          state,
		IngestedEvents: len(results),
		Alerts:         alerts,
		Snapshot:       results[len(results)-1].Snapshot,
		Warnings:       warnings,
	}, nil
}

func (e *Engine) decodeAudioChunk(payload map[string]any) (*decodedChunk, string) {
	chunkB64 := stringField(payload, "audio_b64", "chunk_b64", "audio_chunk_b64", "audio_chunk")
	if chunkB64 == "" {
		return nil, "Missing audio chunk base64 (audio_b64)"
	}

	raw, err := decodeBase64(chunkB64)
	if err != nil {
		return nil, "Invalid base64 audio payload"
	}
	if len(raw) == 0 {
		return nil, "Empty decoded audio payload"
	}

	encoding := strings.ToLower(stringField(payload, "audio_encoding", "encoding"))
	if encoding == "" {
		encoding = "pcm_s16le"
	}

	sampleRate := e.cfg.RealtimeAudioDefaultSampleRate
	if v := optionalFloat(payload["sample_rate"]); v != nil && *v > 0 {
		sampleRate = int(*v)
	}
	channels := e.cfg.RealtimeAudioDefaultChannels
	if v := optionalFloat(payload["channels"]); v != nil && *v > 0 {
		channels = int(*v)
	}
	sampleWidth := 2
	pcm := raw

	switch encoding {
	case "wav", "wave", "audio/wav", "audio/x-wav":
		info, err := codec.ParseWAV(raw)
		if err != nil {
			if strings.Contains(err.Error(), "16-bit") {
				return nil, "WAV chunk must use 16-bit PCM (sample_width=2)"
			}
			return nil, "Unable to parse WAV audio chunk"
		}
		sampleRate = info.SampleRate
		channels = info.Channels
		sampleWidth = info.SampleWidth
		pcm = info.PCM
	case "pcm_s16le", "pcm16", "s16le":
		// Already little-endian PCM.
	default:
		pcm, err = codec.Decode(encoding, raw)
		if err != nil {
			if errors.Is(err, codec.ErrUnsupportedEncoding) {
				return nil, "Unsupported audio_encoding: " + encoding
			}
			return nil, err.Error()
		}
	}

	if sampleRate <= 0 {
		return nil, "Invalid sample_rate"
	}
	if channels <= 0 {
		return nil, "Invalid channels"
	}
	if len(pcm) == 0 {
		return nil, "Audio payload has no PCM frames"
	}

	return &decodedChunk{
		pcm:         pcm,
		sampleRate:  sampleRate,
		channels:    channels,
		sampleWidth: sampleWidth,
		chunkID:     stringField(payload, "chunk_id", "sequence_id"),
		occurredAt:  parseTimestamp(firstValue(payload, "timestamp", "occurred_at"), e.now()),
	}, ""
}

func decodeBase64(s string) ([]byte, error) {
	s = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\n', '\r', '\t':
			return -1
		}
		return r
	}, s)
	if data, err := base64.StdEncoding.DecodeString(s); err == nil {
		return data, nil
	}
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
}

// buildAudioEvents turns the chunk payload into event payloads: one per
// transcript segment, or one for a bare transcript, or a synthetic
// audio_chunk event so the call stays active.
func buildAudioEvents(payload map[string]any, callID string, state audio.Snapshot) []map[string]any {
	provider := stringField(payload, "provider")
	if provider == "" {
		provider = "generic"
	}
	status := strings.ToLower(stringField(payload, "status"))
	if status == "" {
		status = "active"
	}
	agentID := stringField(payload, "agent_id")
	customerID := stringField(payload, "customer_id")
	fallbackSpeaker := strings.ToLower(stringField(payload, "speaker"))
	fallbackTimestamp := firstValue(payload, "timestamp", "occurred_at")

	baseMetadata := map[string]any{}
	if meta, ok := payload["metadata"].(map[string]any); ok {
		for k, v := range meta {
			baseMetadata[k] = v
		}
	}
	baseMetadata["audio"] = state

	segments, _ := payload["transcript_segments"].([]any)
	if segments == nil {
		segments, _ = payload["segments"].([]any)
	}
	if len(segments) > 50 {
		segments = segments[:50]
	}

	var events []map[string]any
	for _, raw := range segments {
		segment, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		text := stringField(segment, "text", "transcript")
		if text == "" {
			continue
		}
		merged := map[string]any{}
		for k, v := range baseMetadata {
			merged[k] = v
		}
		if segMeta, ok := segment["metadata"].(map[string]any); ok {
			for k, v := range segMeta {
				merged[k] = v
			}
		}
		eventType := strings.ToLower(stringField(segment, "event_type"))
		if eventType == "" {
			eventType = "transcript"
		}
		speaker := strings.ToLower(stringField(segment, "speaker"))
		if speaker == "" {
			speaker = fallbackSpeaker
		}
		segStatus := strings.ToLower(stringField(segment, "status"))
		if segStatus == "" {
			segStatus = status
		}
		timestamp := firstValue(segment, "timestamp", "occurred_at")
		if timestamp == nil {
			timestamp = fallbackTimestamp
		}
		segAgent := stringField(segment, "agent_id")
		if segAgent == "" {
			segAgent = agentID
		}
		segCustomer := stringField(segment, "customer_id")
		if segCustomer == "" {
			segCustomer = customerID
		}
		events = append(events, map[string]any{
			"provider":    provider,
			"call_id":     callID,
			"event_type":  eventType,
			"speaker":     speaker,
			"text":        text,
			"sentiment":   segment["sentiment"],
			"confidence":  segment["confidence"],
			"status":      segStatus,
			"timestamp":   timestamp,
			"agent_id":    segAgent,
			"customer_id": segCustomer,
			"metadata":    merged,
		})
	}
	if len(events) > 0 {
		return events
	}

	base := map[string]any{
		"provider":    provider,
		"call_id":     callID,
		"speaker":     fallbackSpeaker,
		"sentiment":   payload["sentiment"],
		"confidence":  payload["confidence"],
		"status":      status,
		"timestamp":   fallbackTimestamp,
		"agent_id":    agentID,
		"customer_id": customerID,
		"metadata":    baseMetadata,
	}
	if text := stringField(payload, "text", "transcript"); text != "" {
		base["event_type"] = "transcript"
		base["text"] = text
		return []map[string]any{base}
	}

	// Keep the pipeline moving when only audio arrives.
	base["event_type"] = "audio_chunk"
	base["text"] = ""
	return []map[string]any{base}
}
