package genesys

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

const maxPayloadsPerNotification = 6

var conversationTopicRe = regexp.MustCompile(`(?i)conversations\.([a-f0-9-]{16,})`)

// FlattenNotifications unwraps a websocket message into the individual
// notification objects it carries.
func FlattenNotifications(payload any) []map[string]any {
	switch v := payload.(type) {
	case []any:
		out := make([]map[string]any, 0, len(v))
		for _, item := range v {
			if m, ok := item.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	case map[string]any:
		if nested, ok := v["notifications"].([]any); ok {
			out := make([]map[string]any, 0, len(nested))
			for _, item := range nested {
				if m, ok := item.(map[string]any); ok {
					out = append(out, m)
				}
			}
			return out
		}
		return []map[string]any{v}
	default:
		return nil
	}
}

// MapNotification turns one Genesys notification into ingest payloads, one
// per distinct text record (capped). Heartbeat topics and notifications
// without a resolvable call id map to nothing.
func MapNotification(notification map[string]any, now time.Time) []map[string]any {
	topic := strings.TrimSpace(stringOf(firstNonNil(notification["topicName"], notification["topic"])))
	if topic == "" || strings.HasSuffix(topic, "channel.metadata") {
		return nil
	}

	eventBody, _ := notification["eventBody"].(map[string]any)
	if eventBody == nil {
		eventBody = map[string]any{}
	}

	callID := extractCallID(topic, eventBody)
	if callID == "" {
		return nil
	}

	eventType := extractEventType(topic, eventBody)
	status := extractStatus(eventType, eventBody)
	sentiment := extractSentiment(eventBody)
	confidence := extractConfidence(eventBody)
	occurredAt := extractOccurredAt(notification, eventBody, now)
	speaker := extractSpeaker(eventBody)

	records := extractTextRecords(eventBody)
	if len(records) == 0 {
		records = []textRecord{{Speaker: speaker, Source: "topic_only"}}
	}
	if len(records) > maxPayloadsPerNotification {
		records = records[:maxPayloadsPerNotification]
	}

	eventKeys := make([]string, 0, len(eventBody))
	for key := range eventBody {
		eventKeys = append(eventKeys, key)
	}
	sort.Strings(eventKeys)
	if len(eventKeys) > 40 {
		eventKeys = eventKeys[:40]
	}

	payloads := make([]map[string]any, 0, len(records))
	for _, record := range records {
		recordSpeaker := strings.ToLower(strings.TrimSpace(record.Speaker))
		if recordSpeaker == "" {
			recordSpeaker = speaker
		}
		metadata := map[string]any{
			"genesys_topic":      topic,
			"genesys_source":     record.Source,
			"genesys_event_keys": eventKeys,
		}
		if metrics := monitoringMetrics(eventBody); metrics != nil {
			metadata["metrics"] = metrics
		}

		payload := map[string]any{
			"provider":    "genesys_cloud",
			"call_id":     callID,
			"event_type":  eventType,
			"speaker":     recordSpeaker,
			"text":        record.Text,
			"status":      status,
			"timestamp":   occurredAt,
			"agent_id":    extractAgentID(eventBody),
			"customer_id": extractCustomerID(eventBody),
			"metadata":    metadata,
		}
		if sentiment != nil {
			payload["sentiment"] = *sentiment
		}
		if confidence != nil {
			payload["confidence"] = *confidence
		}
		payloads = append(payloads, payload)
	}
	return payloads
}

func extractCallID(topic string, eventBody map[string]any) string {
	candidates := []any{
		eventBody["conversationId"],
		eventBody["conversation_id"],
		eventBody["id"],
	}
	if conversation, ok := eventBody["conversation"].(map[string]any); ok {
		candidates = append(candidates, conversation["id"], conversation["conversationId"])
	}
	for _, candidate := range candidates {
		if v := strings.TrimSpace(stringOf(candidate)); v != "" {
			return v
		}
	}
	if match := conversationTopicRe.FindStringSubmatch(topic); match != nil {
		return match[1]
	}
	return ""
}

func extractEventType(topic string, eventBody map[string]any) string {
	explicit := strings.ToLower(strings.TrimSpace(stringOf(firstNonNil(eventBody["eventType"], eventBody["type"]))))
	if explicit != "" {
		return explicit
	}
	parts := strings.Split(topic, ".")
	for i := len(parts) - 1; i >= 0; i-- {
		if parts[i] != "" {
			return strings.ToLower(parts[i])
		}
	}
	return "transcript"
}

var endedTokens = []string{"disconnect", "terminated", "ended", "complete", "closed"}
var endedTypeTokens = []string{"disconnect", "terminate", "end", "complete"}

func extractStatus(eventType string, eventBody map[string]any) string {
	raw := strings.ToLower(strings.TrimSpace(stringOf(firstNonNil(
		eventBody["status"], eventBody["state"], eventBody["conversationState"]))))
	if raw != "" {
		for _, token := range endedTokens {
			if strings.Contains(raw, token) {
				return "ended"
			}
		}
		return "active"
	}
	for _, token := range endedTypeTokens {
		if strings.Contains(eventType, token) {
			return "ended"
		}
	}
	return "active"
}

func extractOccurredAt(notification, eventBody map[string]any, now time.Time) string {
	for _, key := range []string{"eventTime", "timestamp", "eventDate", "createdDate", "startTime"} {
		if ts := parseTimeValue(eventBody[key]); !ts.IsZero() {
			return ts.Format(time.RFC3339Nano)
		}
	}
	if metadata, ok := notification["metadata"].(map[string]any); ok {
		if ts := parseTimeValue(metadata["messageTime"]); !ts.IsZero() {
			return ts.Format(time.RFC3339Nano)
		}
	}
	return now.UTC().Format(time.RFC3339Nano)
}

func extractSpeaker(eventBody map[string]any) string {
	for _, key := range []string{"speaker", "speakerType", "participantPurpose", "purpose", "role"} {
		if v := strings.ToLower(strings.TrimSpace(stringOf(eventBody[key]))); v != "" {
			return NormalizeSpeaker(v)
		}
	}
	if participants, ok := eventBody["participants"].([]any); ok {
		for _, item := range participants {
			participant, ok := item.(map[string]any)
			if !ok {
				continue
			}
			purpose := strings.TrimSpace(stringOf(firstNonNil(
				participant["purpose"], participant["participantPurpose"])))
			state := strings.ToLower(stringOf(participant["state"]))
			if purpose == "" {
				continue
			}
			if state == "connected" || state == "alerting" {
				return NormalizeSpeaker(purpose)
			}
		}
	}
	return ""
}

// NormalizeSpeaker maps Genesys participant purposes onto the two roles the
// realtime pipeline understands.
func NormalizeSpeaker(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	switch normalized {
	case "":
		return ""
	case "agent", "user", "acd":
		return "agent"
	case "customer", "external", "client":
		return "customer"
	default:
		return normalized
	}
}

func extractAgentID(eventBody map[string]any) string {
	for _, key := range []string{"agentId", "agent_id", "userId"} {
		if v := strings.TrimSpace(stringOf(eventBody[key])); v != "" {
			return v
		}
	}
	if participants, ok := eventBody["participants"].([]any); ok {
		for _, item := range participants {
			participant, ok := item.(map[string]any)
			if !ok {
				continue
			}
			purpose := strings.ToLower(stringOf(participant["purpose"]))
			if purpose != "agent" && purpose != "user" {
				continue
			}
			if v := strings.TrimSpace(stringOf(firstNonNil(participant["userId"], participant["id"]))); v != "" {
				return v
			}
		}
	}
	return ""
}

func extractCustomerID(eventBody map[string]any) string {
	for _, key := range []string{"customerId", "externalContactId", "customer_id"} {
		if v := strings.TrimSpace(stringOf(eventBody[key])); v != "" {
			return v
		}
	}
	if participants, ok := eventBody["participants"].([]any); ok {
		for _, item := range participants {
			participant, ok := item.(map[string]any)
			if !ok {
				continue
			}
			purpose := strings.ToLower(stringOf(participant["purpose"]))
			if purpose != "customer" && purpose != "external" {
				continue
			}
			if v := strings.TrimSpace(stringOf(firstNonNil(participant["id"], participant["externalContactId"]))); v != "" {
				return v
			}
		}
	}
	return ""
}

type textRecord struct {
	Text    string
	Speaker string
	Source  string
}

func extractTextRecords(eventBody map[string]any) []textRecord {
	var records []textRecord

	if transcripts, ok := eventBody["transcripts"].([]any); ok {
		for _, item := range transcripts {
			entry, ok := item.(map[string]any)
			if !ok {
				continue
			}
			text := strings.TrimSpace(stringOf(firstNonNil(
				entry["text"], entry["transcript"], entry["utteranceText"])))
			if text == "" {
				continue
			}
			speaker := stringOf(firstNonNil(entry["speaker"], entry["participantPurpose"], entry["role"]))
			records = append(records, textRecord{
				Text:    text,
				Speaker: NormalizeSpeaker(speaker),
				Source:  "transcripts",
			})
		}
	}

	if utterances, ok := eventBody["utterances"].([]any); ok {
		for _, item := range utterances {
			entry, ok := item.(map[string]any)
			if !ok {
				continue
			}
			text := strings.TrimSpace(stringOf(firstNonNil(entry["text"], entry["utteranceText"])))
			if text == "" {
				continue
			}
			speaker := stringOf(firstNonNil(entry["speaker"], entry["role"]))
			records = append(records, textRecord{
				Text:    text,
				Speaker: NormalizeSpeaker(speaker),
				Source:  "utterances",
			})
		}
	}

	for _, key := range []string{"text", "transcript", "utteranceText", "message"} {
		switch value := eventBody[key].(type) {
		case string:
			if text := strings.TrimSpace(value); text != "" {
				records = append(records, textRecord{Text: text, Source: key})
			}
		case map[string]any:
			if text := strings.TrimSpace(stringOf(firstNonNil(value["text"], value["body"]))); text != "" {
				records = append(records, textRecord{Text: text, Source: key})
			}
		}
	}

	deduped := records[:0]
	seen := make(map[string]struct{}, len(records))
	for _, record := range records {
		key := strings.ToLower(record.Text)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		deduped = append(deduped, record)
	}
	return deduped
}

func extractSentiment(eventBody map[string]any) *float64 {
	for _, candidate := range []any{
		eventBody["sentiment"],
		eventBody["sentimentScore"],
		eventBody["overallSentiment"],
		eventBody["sentiment_score"],
	} {
		if parsed := parseSentiment(candidate); parsed != nil {
			return parsed
		}
	}
	if sentiment, ok := eventBody["sentiment"].(map[string]any); ok {
		for _, key := range []string{"score", "overall", "value"} {
			if parsed := parseSentiment(sentiment[key]); parsed != nil {
				return parsed
			}
		}
	}
	return nil
}

func extractConfidence(eventBody map[string]any) *float64 {
	candidates := []any{
		eventBody["confidence"],
		eventBody["confidenceScore"],
		eventBody["sentimentConfidence"],
	}
	if sentiment, ok := eventBody["sentiment"].(map[string]any); ok {
		candidates = append(candidates, sentiment["confidence"], sentiment["confidenceScore"])
	}
	for _, candidate := range candidates {
		parsed, ok := floatOf(candidate)
		if !ok {
			continue
		}
		clamped := min(1, max(0, parsed))
		return &clamped
	}
	return nil
}

// parseSentiment accepts a numeric score (clamped to [-1, 1]) or one of the
// coarse sentiment labels some topics send instead.
func parseSentiment(value any) *float64 {
	if parsed, ok := floatOf(value); ok {
		clamped := min(1, max(-1, parsed))
		return &clamped
	}
	switch strings.ToLower(strings.TrimSpace(stringOf(value))) {
	case "negative", "neg":
		v := -0.7
		return &v
	case "neutral":
		v := 0.0
		return &v
	case "positive", "pos":
		v := 0.7
		return &v
	}
	return nil
}

func monitoringMetrics(eventBody map[string]any) map[string]any {
	silence := firstNonNil(
		eventBody["deadAirSeconds"],
		eventBody["silenceSeconds"],
		eventBody["dead_air_seconds"])
	if silence == nil {
		return nil
	}
	parsed, ok := floatOf(silence)
	if !ok {
		return nil
	}
	return map[string]any{"dead_air_seconds": max(0, parsed)}
}

func parseTimeValue(value any) time.Time {
	switch v := value.(type) {
	case float64:
		if v > 1e12 {
			return time.UnixMilli(int64(v)).UTC()
		}
		if v > 0 {
			return time.Unix(int64(v), 0).UTC()
		}
	case string:
		text := strings.TrimSpace(v)
		if text == "" {
			return time.Time{}
		}
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
			if ts, err := time.Parse(layout, text); err == nil {
				return ts.UTC()
			}
		}
		if epoch, err := strconv.ParseFloat(text, 64); err == nil && epoch > 0 {
			if epoch > 1e12 {
				return time.UnixMilli(int64(epoch)).UTC()
			}
			return time.Unix(int64(epoch), 0).UTC()
		}
	}
	return time.Time{}
}

func firstNonNil(values ...any) any {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}

func stringOf(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case bool:
		return strconv.FormatBool(v)
	default:
		return ""
	}
}

func floatOf(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}
