package genesys

import (
	"encoding/json"
	"testing"
	"time"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestMapNotificationTranscript(t *testing.T) {
	notification := map[string]any{
		"topicName": "v2.routing.queues.q-1.conversations.calls",
		"eventBody": map[string]any{
			"conversationId": "conv-42",
			"eventType":      "Transcript",
			"sentiment":      -0.6,
			"confidence":     1.4,
			"transcripts": []any{
				map[string]any{"text": "I want to cancel", "speaker": "customer"},
				map[string]any{"text": "Let me help", "participantPurpose": "agent"},
			},
		},
	}

	payloads := MapNotification(notification, testNow)
	if len(payloads) != 2 {
		t.Fatalf("payloads = %d, want 2", len(payloads))
	}

	first := payloads[0]
	if first["provider"] != "genesys_cloud" || first["call_id"] != "conv-42" {
		t.Errorf("identity fields = %v", first)
	}
	if first["event_type"] != "transcript" {
		t.Errorf("event_type = %v", first["event_type"])
	}
	if first["speaker"] != "customer" || first["text"] != "I want to cancel" {
		t.Errorf("record = %v", first)
	}
	if first["sentiment"].(float64) != -0.6 {
		t.Errorf("sentiment = %v", first["sentiment"])
	}
	if first["confidence"].(float64) != 1.0 {
		t.Errorf("confidence = %v, want clamped to 1", first["confidence"])
	}
	if payloads[1]["speaker"] != "agent" {
		t.Errorf("second speaker = %v", payloads[1]["speaker"])
	}

	meta := first["metadata"].(map[string]any)
	if meta["genesys_topic"] != "v2.routing.queues.q-1.conversations.calls" {
		t.Errorf("metadata = %v", meta)
	}
	if meta["genesys_source"] != "transcripts" {
		t.Errorf("genesys_source = %v", meta["genesys_source"])
	}
}

func TestMapNotificationSkipsHeartbeat(t *testing.T) {
	notification := map[string]any{
		"topicName": "channel.metadata",
		"eventBody": map[string]any{"message": "WebSocket Heartbeat"},
	}
	if payloads := MapNotification(notification, testNow); payloads != nil {
		t.Fatalf("payloads = %v, want nil", payloads)
	}
}

func TestMapNotificationCallIDFromTopic(t *testing.T) {
	notification := map[string]any{
		"topicName": "v2.detail.events.conversations.0123456789abcdef-0011.calls",
		"eventBody": map[string]any{"state": "disconnected"},
	}
	payloads := MapNotification(notification, testNow)
	if len(payloads) != 1 {
		t.Fatalf("payloads = %d, want 1", len(payloads))
	}
	if payloads[0]["call_id"] != "0123456789abcdef-0011" {
		t.Errorf("call_id = %v", payloads[0]["call_id"])
	}
	if payloads[0]["status"] != "ended" {
		t.Errorf("status = %v, want ended", payloads[0]["status"])
	}
}

func TestMapNotificationNoCallID(t *testing.T) {
	notification := map[string]any{
		"topicName": "v2.system.socket",
		"eventBody": map[string]any{"message": "hello"},
	}
	if payloads := MapNotification(notification, testNow); payloads != nil {
		t.Fatalf("payloads = %v, want nil", payloads)
	}
}

func TestMapNotificationStringSentiment(t *testing.T) {
	cases := []struct {
		name  string
		value string
		want  float64
	}{
		{"negative", "negative", -0.7},
		{"neutral", "neutral", 0},
		{"positive", "positive", 0.7},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			notification := map[string]any{
				"topicName": "v2.users.u-1.conversations.calls",
				"eventBody": map[string]any{
					"conversationId": "conv-1",
					"sentiment":      tc.value,
				},
			}
			payloads := MapNotification(notification, testNow)
			if len(payloads) != 1 {
				t.Fatalf("payloads = %d", len(payloads))
			}
			if got := payloads[0]["sentiment"].(float64); got != tc.want {
				t.Errorf("sentiment = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestMapNotificationTextDedupeAndCap(t *testing.T) {
	transcripts := make([]any, 0, 10)
	for i := 0; i < 10; i++ {
		transcripts = append(transcripts, map[string]any{"text": "line " + string(rune('a'+i))})
	}
	transcripts = append(transcripts, map[string]any{"text": "LINE A"})

	notification := map[string]any{
		"topicName": "v2.users.u-1.conversations.calls",
		"eventBody": map[string]any{
			"conversationId": "conv-dup",
			"transcripts":    transcripts,
		},
	}
	payloads := MapNotification(notification, testNow)
	if len(payloads) != maxPayloadsPerNotification {
		t.Fatalf("payloads = %d, want %d", len(payloads), maxPayloadsPerNotification)
	}
	seen := map[string]bool{}
	for _, payload := range payloads {
		text := payload["text"].(string)
		if seen[text] {
			t.Errorf("duplicate text %q", text)
		}
		seen[text] = true
	}
}

func TestMapNotificationDeadAirMetric(t *testing.T) {
	notification := map[string]any{
		"topicName": "v2.users.u-1.conversations.calls",
		"eventBody": map[string]any{
			"conversationId": "conv-2",
			"deadAirSeconds": 8.5,
		},
	}
	payloads := MapNotification(notification, testNow)
	if len(payloads) != 1 {
		t.Fatalf("payloads = %d", len(payloads))
	}
	meta := payloads[0]["metadata"].(map[string]any)
	metrics, ok := meta["metrics"].(map[string]any)
	if !ok {
		t.Fatalf("metrics missing: %v", meta)
	}
	if metrics["dead_air_seconds"] != 8.5 {
		t.Errorf("dead_air_seconds = %v", metrics["dead_air_seconds"])
	}
}

func TestMapNotificationOccurredAt(t *testing.T) {
	notification := map[string]any{
		"topicName": "v2.users.u-1.conversations.calls",
		"eventBody": map[string]any{
			"conversationId": "conv-3",
			"eventTime":      "2025-05-01T10:30:00Z",
		},
	}
	payloads := MapNotification(notification, testNow)
	ts := payloads[0]["timestamp"].(string)
	parsed, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		t.Fatalf("timestamp %q: %v", ts, err)
	}
	want := time.Date(2025, 5, 1, 10, 30, 0, 0, time.UTC)
	if !parsed.Equal(want) {
		t.Errorf("timestamp = %v, want %v", parsed, want)
	}
}

func TestFlattenNotifications(t *testing.T) {
	t.Run("wrapped_list", func(t *testing.T) {
		var parsed any
		raw := `{"notifications":[{"topicName":"a"},{"topicName":"b"}]}`
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			t.Fatal(err)
		}
		if got := FlattenNotifications(parsed); len(got) != 2 {
			t.Errorf("flattened = %d, want 2", len(got))
		}
	})

	t.Run("bare_object", func(t *testing.T) {
		got := FlattenNotifications(map[string]any{"topicName": "a"})
		if len(got) != 1 {
			t.Errorf("flattened = %d, want 1", len(got))
		}
	})

	t.Run("top_level_array", func(t *testing.T) {
		got := FlattenNotifications([]any{map[string]any{"topicName": "a"}, "junk"})
		if len(got) != 1 {
			t.Errorf("flattened = %d, want 1", len(got))
		}
	})
}

func TestNormalizeSpeaker(t *testing.T) {
	cases := map[string]string{
		"Agent":    "agent",
		"acd":      "agent",
		"user":     "agent",
		"customer": "customer",
		"external": "customer",
		"CLIENT":   "customer",
		"ivr":      "ivr",
		"":         "",
	}
	for in, want := range cases {
		if got := NormalizeSpeaker(in); got != want {
			t.Errorf("NormalizeSpeaker(%q) = %q, want %q", in, got, want)
		}
	}
}
