package engine

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

type normalizedEvent struct {
	CallID     string
	Provider   string
	EventType  string
	Speaker    string
	Text       string
	Status     string
	AgentID    string
	CustomerID string
	Sentiment  *float64
	Confidence *float64
	OccurredAt time.Time
	Metadata   map[string]any
}

// normalizeEvent validates and canonicalizes an ingest payload. The second
// return value is a client-facing error detail, empty on success.
func normalizeEvent(payload map[string]any, now time.Time) (*normalizedEvent, string) {
	if payload == nil {
		return nil, "JSON payload must be an object"
	}

	callID := extractCallID(payload)
	if callID == "" {
		return nil, "Missing call_id"
	}

	metadata, _ := payload["metadata"].(map[string]any)
	if metrics, ok := payload["metrics"].(map[string]any); ok {
		merged := make(map[string]any, len(metadata)+1)
		for k, v := range metadata {
			merged[k] = v
		}
		merged["metrics"] = metrics
		metadata = merged
	}

	norm := &normalizedEvent{
		CallID:     callID,
		Provider:   stringField(payload, "provider"),
		EventType:  strings.ToLower(stringField(payload, "event_type")),
		Speaker:    strings.ToLower(stringField(payload, "speaker")),
		Text:       stringField(payload, "text", "transcript"),
		Status:     strings.ToLower(stringField(payload, "status")),
		AgentID:    stringField(payload, "agent_id"),
		CustomerID: stringField(payload, "customer_id"),
		Sentiment:  clampOptional(optionalFloat(payload["sentiment"]), -1, 1),
		Confidence: clampOptional(optionalFloat(payload["confidence"]), 0, 1),
		OccurredAt: parseTimestamp(firstValue(payload, "timestamp", "occurred_at"), now),
		Metadata:   metadata,
	}
	if norm.Provider == "" {
		norm.Provider = "generic"
	}
	if norm.EventType == "" {
		norm.EventType = "transcript"
	}
	return norm, ""
}

func extractCallID(payload map[string]any) string {
	return stringField(payload, "call_id", "conversation_id", "session_id")
}

func stringField(payload map[string]any, keys ...string) string {
	for _, key := range keys {
		if raw, ok := payload[key]; ok {
			if s := anyToString(raw); s != "" {
				return s
			}
		}
	}
	return ""
}

func firstValue(payload map[string]any, keys ...string) any {
	for _, key := range keys {
		if raw, ok := payload[key]; ok && raw != nil {
			return raw
		}
	}
	return nil
}

func anyToString(raw any) string {
	switch v := raw.(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	case bool:
		return strconv.FormatBool(v)
	default:
		return ""
	}
}

func optionalFloat(raw any) *float64 {
	switch v := raw.(type) {
	case float64:
		return &v
	case float32:
		f := float64(v)
		return &f
	case int:
		f := float64(v)
		return &f
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return &f
		}
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return &f
		}
	}
	return nil
}

func clampOptional(v *float64, lo, hi float64) *float64 {
	if v == nil {
		return nil
	}
	if *v < lo {
		*v = lo
	}
	if *v > hi {
		*v = hi
	}
	return v
}

// parseTimestamp accepts RFC 3339 strings and numeric epochs (seconds or
// milliseconds); anything else falls back to now.
func parseTimestamp(raw any, now time.Time) time.Time {
	switch v := raw.(type) {
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return now
		}
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts.UTC()
			}
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return epochToTime(f)
		}
	case float64:
		return epochToTime(v)
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return epochToTime(f)
		}
	}
	return now
}

func epochToTime(f float64) time.Time {
	// Values this large are epoch milliseconds.
	if f > 1e12 {
		return time.UnixMilli(int64(f)).UTC()
	}
	sec := int64(f)
	nsec := int64((f - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}
