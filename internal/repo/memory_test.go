package repo

import (
	"context"
	"testing"
	"time"
)

// ── Call state merge ─────────────────────────────────────────────────────────

func TestUpsertCallMerge(t *testing.T) {
	m := NewMemory(0)
	ctx := context.Background()

	first, err := m.UpsertCall(ctx, CallMutation{
		CallID:   "conv-1",
		Provider: "genesys",
		Status:   "active",
		AgentID:  "agent-7",
		Metadata: map[string]any{"genesys_topic": "v2.x"},
	})
	if err != nil {
		t.Fatalf("UpsertCall: %v", err)
	}
	if first.Provider != "genesys" || first.AgentID != "agent-7" {
		t.Errorf("first upsert = %+v", first)
	}

	// Empty strings must not clobber stored values; metadata merges.
	second, err := m.UpsertCall(ctx, CallMutation{
		CallID:         "conv-1",
		Status:         "ended",
		RiskScore:      0.5,
		SentimentScore: -0.2,
		Metadata:       map[string]any{"flush_reason": "final"},
	})
	if err != nil {
		t.Fatalf("UpsertCall: %v", err)
	}
	if second.Provider != "genesys" {
		t.Errorf("provider = %q, want genesys preserved", second.Provider)
	}
	if second.Status != "ended" {
		t.Errorf("status = %q, want ended", second.Status)
	}
	if second.AgentID != "agent-7" {
		t.Errorf("agent_id = %q, want agent-7 preserved", second.AgentID)
	}
	if second.RiskScore != 0.5 || second.SentimentScore != -0.2 {
		t.Errorf("scores = %v/%v", second.RiskScore, second.SentimentScore)
	}
	if second.Metadata["genesys_topic"] != "v2.x" || second.Metadata["flush_reason"] != "final" {
		t.Errorf("metadata = %v, want merged keys", second.Metadata)
	}
	if !second.StartedAt.Equal(first.StartedAt) {
		t.Error("started_at should be stable across upserts")
	}
}

func TestUpsertCallTruncatesLastText(t *testing.T) {
	m := NewMemory(0)
	long := make([]byte, LastTextLimit+100)
	for i := range long {
		long[i] = 'x'
	}
	call, err := m.UpsertCall(context.Background(), CallMutation{CallID: "conv-2", LastText: string(long)})
	if err != nil {
		t.Fatalf("UpsertCall: %v", err)
	}
	if len(call.LastText) != LastTextLimit {
		t.Errorf("last_text len = %d, want %d", len(call.LastText), LastTextLimit)
	}
}

// ── Events ───────────────────────────────────────────────────────────────────

func TestAppendEventOrdering(t *testing.T) {
	m := NewMemory(3)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := m.AppendEvent(ctx, "conv-1", Event{Type: "transcript"}); err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
	}

	events, err := m.RecentEvents(ctx, "conv-1", 10)
	if err != nil {
		t.Fatalf("RecentEvents: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("events = %d, want capped at 3", len(events))
	}
	for i := 1; i < len(events); i++ {
		if events[i].ID <= events[i-1].ID {
			t.Errorf("events out of order: %d then %d", events[i-1].ID, events[i].ID)
		}
	}
	if events[0].ID != 3 {
		t.Errorf("oldest kept id = %d, want 3", events[0].ID)
	}
}

func TestGetCallNotFound(t *testing.T) {
	m := NewMemory(0)
	if _, err := m.GetCall(context.Background(), "missing"); err != ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

// ── Alerts ───────────────────────────────────────────────────────────────────

func TestRecentAlertsFilters(t *testing.T) {
	m := NewMemory(0)
	ctx := context.Background()

	mustAlert := func(callID, alertType string) *Alert {
		t.Helper()
		a, err := m.AppendAlert(ctx, Alert{CallID: callID, Type: alertType, Severity: "high"})
		if err != nil {
			t.Fatal(err)
		}
		return a
	}

	acked := mustAlert("conv-1", "negative_sentiment")
	mustAlert("conv-1", "dead_air")
	mustAlert("conv-2", "escalation_keyword")

	if _, _, err := m.AckAlert(ctx, acked.ID, time.Now()); err != nil {
		t.Fatalf("AckAlert: %v", err)
	}

	t.Run("open_only_excludes_acked", func(t *testing.T) {
		alerts, err := m.RecentAlerts(ctx, AlertQuery{CallID: "conv-1", OpenOnly: true, Limit: 50})
		if err != nil {
			t.Fatal(err)
		}
		if len(alerts) != 1 || alerts[0].Type != "dead_air" {
			t.Errorf("alerts = %+v, want only dead_air", alerts)
		}
	})

	t.Run("all_alerts_newest_first", func(t *testing.T) {
		alerts, err := m.RecentAlerts(ctx, AlertQuery{CallID: "conv-1", Limit: 50})
		if err != nil {
			t.Fatal(err)
		}
		if len(alerts) != 2 {
			t.Fatalf("alerts = %d, want 2", len(alerts))
		}
		if alerts[0].Type != "dead_air" {
			t.Errorf("newest first, got %q", alerts[0].Type)
		}
	})

	t.Run("no_call_filter_spans_calls", func(t *testing.T) {
		alerts, err := m.RecentAlerts(ctx, AlertQuery{Limit: 50})
		if err != nil {
			t.Fatal(err)
		}
		if len(alerts) != 3 {
			t.Errorf("alerts = %d, want 3", len(alerts))
		}
	})

	t.Run("limit_applies", func(t *testing.T) {
		alerts, err := m.RecentAlerts(ctx, AlertQuery{Limit: 1})
		if err != nil {
			t.Fatal(err)
		}
		if len(alerts) != 1 {
			t.Errorf("alerts = %d, want 1", len(alerts))
		}
	})
}

func TestAckAlertIdempotent(t *testing.T) {
	m := NewMemory(0)
	ctx := context.Background()

	a, err := m.AppendAlert(ctx, Alert{CallID: "conv-1", Type: "high_risk", Severity: "high"})
	if err != nil {
		t.Fatal(err)
	}

	firstAt := time.Now().UTC()
	acked, first, err := m.AckAlert(ctx, a.ID, firstAt)
	if err != nil {
		t.Fatalf("AckAlert: %v", err)
	}
	if !first {
		t.Error("first ack should report first=true")
	}
	if acked.AcknowledgedAt == nil || !acked.AcknowledgedAt.Equal(firstAt) {
		t.Errorf("acknowledged_at = %v, want %v", acked.AcknowledgedAt, firstAt)
	}

	again, first, err := m.AckAlert(ctx, a.ID, firstAt.Add(time.Minute))
	if err != nil {
		t.Fatalf("second AckAlert: %v", err)
	}
	if first {
		t.Error("second ack should report first=false")
	}
	if !again.AcknowledgedAt.Equal(firstAt) {
		t.Errorf("acknowledged_at moved to %v, want original %v", again.AcknowledgedAt, firstAt)
	}

	if _, _, err := m.AckAlert(ctx, 9999, time.Now()); err != ErrNotFound {
		t.Errorf("unknown alert err = %v, want ErrNotFound", err)
	}
}

func TestLastAlertTimes(t *testing.T) {
	m := NewMemory(0)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, alertType := range []string{"dead_air", "dead_air", "high_risk"} {
		if _, err := m.AppendAlert(ctx, Alert{
			CallID:    "conv-1",
			Type:      alertType,
			Severity:  "medium",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}); err != nil {
			t.Fatal(err)
		}
	}

	times, err := m.LastAlertTimes(ctx, "conv-1")
	if err != nil {
		t.Fatalf("LastAlertTimes: %v", err)
	}
	if len(times) != 2 {
		t.Fatalf("types = %d, want 2", len(times))
	}
	if !times["dead_air"].Equal(base.Add(time.Minute)) {
		t.Errorf("dead_air last = %v, want newest occurrence", times["dead_air"])
	}
}
