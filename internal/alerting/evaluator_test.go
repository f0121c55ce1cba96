package alerting

import (
	"math"
	"testing"
	"time"

	"github.com/snarg/cx-engine/internal/repo"
)

func testConfig() Config {
	return Config{
		NegativeSentimentThreshold: -0.45,
		HighRiskThreshold:          0.72,
		CooldownSeconds:            75,
		KeywordTriggers:            []string{"manager", "supervisor", "lawyer", "cancel account"},
	}
}

func fptr(v float64) *float64 { return &v }

// ── Rules ────────────────────────────────────────────────────────────────────

func TestNegativeSentimentAlert(t *testing.T) {
	e := NewEvaluator(testConfig())
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	call, alerts := e.Evaluate(
		repo.Call{CallID: "RT-1"},
		repo.Event{ID: 1, Type: "transcript", Sentiment: fptr(-0.8)},
		nil, now,
	)

	if len(alerts) != 1 {
		t.Fatalf("alerts = %d, want 1", len(alerts))
	}
	if alerts[0].Type != TypeNegativeSentiment || alerts[0].Severity != SeverityHigh {
		t.Errorf("alert = %s/%s, want negative_sentiment/high", alerts[0].Type, alerts[0].Severity)
	}
	if call.RiskScore < 0.32 {
		t.Errorf("risk_score = %.3f, want >= 0.32", call.RiskScore)
	}
	want := 0.7*0 + 0.3*-0.8
	if math.Abs(call.SentimentScore-want) > 1e-9 {
		t.Errorf("sentiment_score = %.3f, want %.3f", call.SentimentScore, want)
	}
}

func TestKeywordWordBoundary(t *testing.T) {
	e := NewEvaluator(testConfig())
	now := time.Now()

	tests := []struct {
		name string
		text string
		hit  bool
	}{
		{"exact_word", "get me your supervisor", true},
		{"case_insensitive", "I want my MANAGER now", true},
		{"multi_word_phrase", "I will cancel account today", true},
		{"substring_not_matched", "the lawyerly discussion", false},
		{"empty_text", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, alerts := e.Evaluate(repo.Call{CallID: "RT-kw"}, repo.Event{Text: tt.text}, nil, now)
			got := false
			for _, a := range alerts {
				if a.Type == TypeEscalationKeyword {
					got = true
					if a.Severity != SeverityCritical {
						t.Errorf("severity = %s, want critical", a.Severity)
					}
				}
			}
			if got != tt.hit {
				t.Errorf("keyword hit = %v, want %v", got, tt.hit)
			}
		})
	}
}

func TestDeadAirAlert(t *testing.T) {
	e := NewEvaluator(testConfig())
	now := time.Now()

	t.Run("fires_at_threshold", func(t *testing.T) {
		_, alerts := e.Evaluate(repo.Call{CallID: "RT-da"},
			repo.Event{Metadata: map[string]any{"metrics": map[string]any{"dead_air_seconds": 5.0}}},
			nil, now)
		if len(alerts) != 1 || alerts[0].Type != TypeDeadAir || alerts[0].Severity != SeverityMedium {
			t.Errorf("alerts = %+v, want one dead_air/medium", alerts)
		}
	})

	t.Run("below_threshold_silent", func(t *testing.T) {
		_, alerts := e.Evaluate(repo.Call{CallID: "RT-da"},
			repo.Event{Metadata: map[string]any{"metrics": map[string]any{"dead_air_seconds": 4.5}}},
			nil, now)
		if len(alerts) != 0 {
			t.Errorf("alerts = %+v, want none", alerts)
		}
	})

	t.Run("top_level_silence_key", func(t *testing.T) {
		_, alerts := e.Evaluate(repo.Call{CallID: "RT-da"},
			repo.Event{Metadata: map[string]any{"silence_seconds": "8.5"}},
			nil, now)
		if len(alerts) != 1 || alerts[0].Type != TypeDeadAir {
			t.Errorf("alerts = %+v, want one dead_air", alerts)
		}
	})
}

func TestEscalationStacking(t *testing.T) {
	e := NewEvaluator(testConfig())
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	event := repo.Event{
		ID:        7,
		Type:      "transcript",
		Text:      "get me your supervisor",
		Sentiment: fptr(-0.9),
		Metadata:  map[string]any{"metrics": map[string]any{"dead_air_seconds": 7.0}},
	}

	call := repo.Call{CallID: "RT-3"}
	call, alerts := e.Evaluate(call, event, nil, now)

	types := map[string]string{}
	for _, a := range alerts {
		types[a.Type] = a.Severity
	}
	if len(alerts) != 3 {
		t.Fatalf("alerts = %d (%v), want 3", len(alerts), types)
	}
	if types[TypeEscalationKeyword] != SeverityCritical {
		t.Errorf("escalation_keyword severity = %q, want critical", types[TypeEscalationKeyword])
	}
	if types[TypeNegativeSentiment] != SeverityHigh {
		t.Errorf("negative_sentiment severity = %q, want high", types[TypeNegativeSentiment])
	}
	if types[TypeDeadAir] != SeverityMedium {
		t.Errorf("dead_air severity = %q, want medium", types[TypeDeadAir])
	}

	// Repeated ingests push the rolling risk over the high-risk line; the
	// cooldown map carries the earlier firings so only high_risk is new.
	history := map[string]time.Time{
		TypeEscalationKeyword: now,
		TypeNegativeSentiment: now,
		TypeDeadAir:           now,
	}
	var fired []repo.Alert
	for i := 0; i < 3 && len(fired) == 0; i++ {
		now = now.Add(10 * time.Second)
		call, fired = e.Evaluate(call, event, history, now)
	}
	if len(fired) != 1 || fired[0].Type != TypeHighRisk {
		t.Fatalf("fired = %+v, want single high_risk", fired)
	}
	if fired[0].Severity != SeverityHigh {
		t.Errorf("high_risk severity = %s, want high", fired[0].Severity)
	}
	if call.RiskScore < 0.72 {
		t.Errorf("risk_score = %.3f, want >= 0.72", call.RiskScore)
	}
}

// ── Cooldown ─────────────────────────────────────────────────────────────────

func TestCooldownSuppression(t *testing.T) {
	e := NewEvaluator(testConfig())
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	event := repo.Event{Sentiment: fptr(-0.8)}

	call, first := e.Evaluate(repo.Call{CallID: "RT-1"}, event, nil, now)
	if len(first) != 1 {
		t.Fatalf("first alerts = %d, want 1", len(first))
	}

	history := map[string]time.Time{TypeNegativeSentiment: now}
	_, second := e.Evaluate(call, event, history, now.Add(10*time.Second))
	if len(second) != 0 {
		t.Errorf("second alerts = %+v, want suppressed by cooldown", second)
	}

	_, third := e.Evaluate(call, event, history, now.Add(76*time.Second))
	if len(third) != 1 {
		t.Errorf("post-cooldown alerts = %d, want 1", len(third))
	}
}

// ── Score properties ─────────────────────────────────────────────────────────

func TestScoreBounds(t *testing.T) {
	e := NewEvaluator(testConfig())
	now := time.Now()
	call := repo.Call{CallID: "RT-b"}

	inputs := []repo.Event{
		{Sentiment: fptr(-1)},
		{Sentiment: fptr(-1), Text: "supervisor"},
		{Metadata: map[string]any{"metrics": map[string]any{"dead_air_seconds": 120.0, "risk": 5.0}}},
		{Sentiment: fptr(1)},
		{Sentiment: fptr(1)},
	}
	for i, ev := range inputs {
		call, _ = e.Evaluate(call, ev, nil, now)
		if call.RiskScore < 0 || call.RiskScore > 1 {
			t.Fatalf("ingest %d: risk_score = %v out of [0,1]", i, call.RiskScore)
		}
		if call.SentimentScore < -1 || call.SentimentScore > 1 {
			t.Fatalf("ingest %d: sentiment_score = %v out of [-1,1]", i, call.SentimentScore)
		}
	}
}

func TestSentimentUnchangedWithoutEventSentiment(t *testing.T) {
	e := NewEvaluator(testConfig())
	call := repo.Call{CallID: "RT-s", SentimentScore: -0.3}
	call, _ = e.Evaluate(call, repo.Event{Text: "hello there"}, nil, time.Now())
	if call.SentimentScore != -0.3 {
		t.Errorf("sentiment_score = %v, want unchanged -0.3", call.SentimentScore)
	}
}

func TestDeterminism(t *testing.T) {
	e := NewEvaluator(testConfig())
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	event := repo.Event{ID: 9, Text: "I need a lawyer", Sentiment: fptr(-0.6)}

	a1, alerts1 := e.Evaluate(repo.Call{CallID: "RT-d"}, event, nil, now)
	a2, alerts2 := e.Evaluate(repo.Call{CallID: "RT-d"}, event, nil, now)

	if a1.RiskScore != a2.RiskScore || a1.SentimentScore != a2.SentimentScore {
		t.Errorf("scores differ across identical runs: %+v vs %+v", a1, a2)
	}
	if len(alerts1) != len(alerts2) {
		t.Fatalf("alert counts differ: %d vs %d", len(alerts1), len(alerts2))
	}
	for i := range alerts1 {
		if alerts1[i].Type != alerts2[i].Type || alerts1[i].Message != alerts2[i].Message {
			t.Errorf("alert %d differs: %+v vs %+v", i, alerts1[i], alerts2[i])
		}
	}
}

func TestMetricRiskSignal(t *testing.T) {
	e := NewEvaluator(testConfig())
	call, _ := e.Evaluate(repo.Call{CallID: "RT-m"},
		repo.Event{Metadata: map[string]any{"metrics": map[string]any{"risk": 1.0}}},
		nil, time.Now())
	if math.Abs(call.RiskScore-0.4) > 1e-9 {
		t.Errorf("risk_score = %v, want 0.4 from explicit metric risk", call.RiskScore)
	}
}
