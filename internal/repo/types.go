// Package repo persists realtime call state, events, and supervisor alerts.
package repo

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a call or alert does not exist.
var ErrNotFound = errors.New("not found")

// Call is the rolling realtime state of one conversation.
type Call struct {
	CallID         string         `json:"call_id"`
	Provider       string         `json:"provider"`
	Status         string         `json:"status"`
	AgentID        string         `json:"agent_id,omitempty"`
	CustomerID     string         `json:"customer_id,omitempty"`
	RiskScore      float64        `json:"risk_score"`
	SentimentScore float64        `json:"sentiment_score"`
	LastSpeaker    string         `json:"last_speaker,omitempty"`
	LastText       string         `json:"last_text,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	StartedAt      time.Time      `json:"started_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Event is a single realtime observation attached to a call.
type Event struct {
	ID         int64          `json:"id"`
	CallID     string         `json:"-"`
	Type       string         `json:"type"`
	Speaker    string         `json:"speaker,omitempty"`
	Text       string         `json:"text,omitempty"`
	Sentiment  *float64       `json:"sentiment,omitempty"`
	Confidence *float64       `json:"confidence,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Alert is a supervisor notification raised by the evaluator.
type Alert struct {
	ID             int64          `json:"id"`
	CallID         string         `json:"call_id"`
	Type           string         `json:"type"`
	Severity       string         `json:"severity"`
	Message        string         `json:"message"`
	Acknowledged   bool           `json:"acknowledged"`
	AcknowledgedAt *time.Time     `json:"acknowledged_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// CallMutation carries the fields an ingested event may update on a call.
// Non-empty strings win over stored values; metadata is merged key-wise.
type CallMutation struct {
	CallID         string
	Provider       string
	Status         string
	AgentID        string
	CustomerID     string
	RiskScore      float64
	SentimentScore float64
	LastSpeaker    string
	LastText       string
	Metadata       map[string]any
	OccurredAt     time.Time
}

// AlertQuery filters RecentAlerts.
type AlertQuery struct {
	CallID   string
	OpenOnly bool
	Limit    int
}

// Repository stores calls, their event history, and alerts. Implementations
// must be safe for concurrent use.
type Repository interface {
	// UpsertCall creates or merges the call row and returns the stored state.
	UpsertCall(ctx context.Context, m CallMutation) (*Call, error)
	// AppendEvent attaches an event to a call, assigning a monotonic id.
	AppendEvent(ctx context.Context, callID string, ev Event) (*Event, error)
	// AppendAlert stores a fired alert, assigning a monotonic id.
	AppendAlert(ctx context.Context, a Alert) (*Alert, error)
	// GetCall returns the call or ErrNotFound.
	GetCall(ctx context.Context, callID string) (*Call, error)
	// RecentEvents returns up to limit events for the call, oldest first.
	RecentEvents(ctx context.Context, callID string, limit int) ([]Event, error)
	// RecentAlerts returns alerts newest first, honoring the query filters.
	RecentAlerts(ctx context.Context, q AlertQuery) ([]Alert, error)
	// LastAlertTimes returns the newest creation time per alert type for the
	// call, used for cooldown checks.
	LastAlertTimes(ctx context.Context, callID string) (map[string]time.Time, error)
	// AckAlert marks an alert acknowledged. Acking twice is a no-op that
	// returns the already-acknowledged alert.
	AckAlert(ctx context.Context, alertID int64, at time.Time) (*Alert, bool, error)
	// Ping reports storage health.
	Ping(ctx context.Context) error
	Close()
}

// LastTextLimit caps the stored last utterance length.
const LastTextLimit = 2400

// MergeMetadata overlays src on top of dst without mutating either.
func MergeMetadata(dst, src map[string]any) map[string]any {
	if len(src) == 0 {
		return dst
	}
	out := make(map[string]any, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range src {
		out[k] = v
	}
	return out
}

// TruncateText enforces the last-text cap on merged call state.
func TruncateText(s string) string {
	if len(s) > LastTextLimit {
		return s[:LastTextLimit]
	}
	return s
}
