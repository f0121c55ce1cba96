// Package audiohook implements the Genesys AudioHook server protocol:
// a websocket carrying JSON commands and framed audio packets.
package audiohook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	PacketTypeCommand = 0x01
	PacketTypeAudio   = 0x10

	// MaxPacketPayload is the 3-byte big-endian length ceiling.
	MaxPacketPayload = 0xFFFFFF
)

// Packet is one framed unit from a binary websocket message.
type Packet struct {
	Type    byte
	Payload []byte
}

// DecodePackets splits a binary frame into packets. Each packet carries a
// type byte and a 3-byte big-endian payload length. Decoding stops at the
// first malformed or truncated packet.
func DecodePackets(data []byte) []Packet {
	var packets []Packet
	offset := 0
	for offset+4 <= len(data) {
		packetType := data[offset]
		size := int(data[offset+1])<<16 | int(data[offset+2])<<8 | int(data[offset+3])
		offset += 4
		if size > MaxPacketPayload || offset+size > len(data) {
			break
		}
		packets = append(packets, Packet{Type: packetType, Payload: data[offset : offset+size]})
		offset += size
	}
	return packets
}

// EncodeCommandPacket frames a command as a single binary packet.
func EncodeCommandPacket(command map[string]any) ([]byte, error) {
	payload, err := json.Marshal(command)
	if err != nil {
		return nil, fmt.Errorf("marshal command: %w", err)
	}
	if len(payload) > MaxPacketPayload {
		return nil, fmt.Errorf("command payload too large: %d bytes", len(payload))
	}
	frame := make([]byte, 0, len(payload)+4)
	frame = append(frame,
		PacketTypeCommand,
		byte(len(payload)>>16),
		byte(len(payload)>>8),
		byte(len(payload)))
	return append(frame, payload...), nil
}

// ParseAudioPayload splits an audio packet into its optional header block
// and the raw audio that follows. Headers are `key: value` lines terminated
// by a blank line; values that parse as JSON are decoded.
func ParseAudioPayload(payload []byte) (map[string]any, []byte) {
	delimiter := []byte("\r\n\r\n")
	idx := bytes.Index(payload, delimiter)
	if idx < 0 {
		delimiter = []byte("\n\n")
		idx = bytes.Index(payload, delimiter)
	}
	if idx < 0 {
		return map[string]any{}, payload
	}

	headers := map[string]any{}
	for _, rawLine := range bytes.Split(payload[:idx], []byte("\n")) {
		line := strings.TrimSpace(string(rawLine))
		if line == "" {
			continue
		}
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)
		var decoded any
		if err := json.Unmarshal([]byte(value), &decoded); err == nil {
			headers[key] = decoded
		} else {
			headers[key] = value
		}
	}
	return headers, payload[idx+len(delimiter):]
}

// MediaDetails is the negotiated audio format for a connection.
type MediaDetails struct {
	Format   string
	Rate     int
	Channels int
	Labels   []string
}

// ExtractMediaDetails reads format, rate, and channel labels from a media
// object. Channels may be a count or a list of label strings/objects.
func ExtractMediaDetails(media any) MediaDetails {
	m, ok := media.(map[string]any)
	if !ok {
		return MediaDetails{}
	}

	details := MediaDetails{
		Format: strings.ToUpper(strings.TrimSpace(stringValue(m["format"]))),
		Rate:   intValue(m["rate"]),
	}

	switch channels := m["channels"].(type) {
	case []any:
		for _, item := range channels {
			label := ""
			switch v := item.(type) {
			case string:
				label = strings.TrimSpace(v)
			case map[string]any:
				label = strings.TrimSpace(stringValue(v["name"]))
				if label == "" {
					label = strings.TrimSpace(stringValue(v["channel"]))
				}
			}
			if label != "" {
				details.Labels = append(details.Labels, label)
			}
		}
		details.Channels = len(details.Labels)
		if details.Channels == 0 {
			details.Channels = len(channels)
		}
	case float64:
		details.Channels = int(channels)
	}

	return details
}

// DefaultChannelLabels names channels when the open command omits labels.
func DefaultChannelLabels(channels int) []string {
	switch {
	case channels <= 1:
		return []string{"mono"}
	case channels == 2:
		return []string{"external", "internal"}
	default:
		labels := make([]string, channels)
		for i := range labels {
			labels[i] = fmt.Sprintf("ch%d", i+1)
		}
		return labels
	}
}

var callIDKeys = []string{"conversationId", "conversation_id", "callId", "call_id", "id"}

// ExtractCallID resolves the call id from the open command parameters, the
// command itself, or the connection URL query, generating one as a last
// resort.
func ExtractCallID(command, parameters map[string]any, requestURL *url.URL, now time.Time) string {
	candidates := make([]any, 0, 8)
	for _, key := range callIDKeys {
		candidates = append(candidates, parameters[key])
	}
	candidates = append(candidates, command["conversationId"], command["id"])

	if requestURL != nil {
		query := requestURL.Query()
		for _, key := range callIDKeys {
			if v := query.Get(key); v != "" {
				candidates = append(candidates, v)
			}
		}
	}

	for _, candidate := range candidates {
		if v := strings.TrimSpace(stringValue(candidate)); v != "" {
			return v
		}
	}
	return fmt.Sprintf("audiohook-%d", now.UnixMilli())
}

var eventTextKeys = []string{"text", "transcript", "utteranceText", "message"}

// ExtractEventText mines transcript text out of an event command's
// parameters, including nested event lists.
func ExtractEventText(parameters map[string]any) string {
	for _, key := range eventTextKeys {
		if v, ok := parameters[key].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}

	events, ok := parameters["events"].([]any)
	if !ok {
		return ""
	}
	for _, item := range events {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		for _, key := range eventTextKeys {
			if v, ok := entry[key].(string); ok && strings.TrimSpace(v) != "" {
				return strings.TrimSpace(v)
			}
		}
		if nested, ok := entry["parameters"].(map[string]any); ok {
			for _, key := range eventTextKeys {
				if v, ok := nested[key].(string); ok && strings.TrimSpace(v) != "" {
					return strings.TrimSpace(v)
				}
			}
		}
	}
	return ""
}

func stringValue(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	default:
		return ""
	}
}

func intValue(value any) int {
	switch v := value.(type) {
	case float64:
		return int(v)
	case int:
		return v
	case string:
		if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return parsed
		}
	}
	return 0
}
