// Package alerting scores live calls and raises supervisor alerts.
package alerting

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/snarg/cx-engine/internal/repo"
)

// Severity and type tags carried on alerts.
const (
	TypeNegativeSentiment = "negative_sentiment"
	TypeEscalationKeyword = "escalation_keyword"
	TypeDeadAir           = "dead_air"
	TypeHighRisk          = "high_risk"

	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

const deadAirAlertSeconds = 5.0

// Config holds the evaluator thresholds.
type Config struct {
	NegativeSentimentThreshold float64
	HighRiskThreshold          float64
	CooldownSeconds            int
	KeywordTriggers            []string
}

// Evaluator is a pure scorer: Evaluate never touches storage or the clock,
// which keeps replays of the same ordered inputs byte-for-byte deterministic.
type Evaluator struct {
	cfg      Config
	keywords []keywordMatcher
}

type keywordMatcher struct {
	term string
	re   *regexp.Regexp
}

func NewEvaluator(cfg Config) *Evaluator {
	if cfg.CooldownSeconds < 5 {
		cfg.CooldownSeconds = 5
	}
	e := &Evaluator{cfg: cfg}
	for _, term := range cfg.KeywordTriggers {
		term = strings.ToLower(strings.TrimSpace(term))
		if term == "" {
			continue
		}
		re, err := regexp.Compile(`(?i)\b` + regexp.QuoteMeta(term) + `\b`)
		if err != nil {
			continue
		}
		e.keywords = append(e.keywords, keywordMatcher{term: term, re: re})
	}
	return e
}

// Evaluate folds one event into the call's rolling scores and returns the
// updated state plus any alerts that fired. history maps alert type to the
// last time that type fired for this call; now is read once by the caller.
func (e *Evaluator) Evaluate(call repo.Call, ev repo.Event, history map[string]time.Time, now time.Time) (repo.Call, []repo.Alert) {
	if ev.Sentiment != nil {
		call.SentimentScore = clamp(0.7*call.SentimentScore+0.3**ev.Sentiment, -1, 1)
	}

	hits := e.keywordHits(ev.Text)
	deadAir := extractDeadAirSeconds(ev.Metadata)
	metricRisk := extractMetricRisk(ev.Metadata)

	signal := 0.0
	if ev.Sentiment != nil && *ev.Sentiment < 0 {
		signal = math.Min(-*ev.Sentiment, 1)
	}
	if len(hits) > 0 {
		signal = math.Max(signal, 0.9)
	}
	if deadAir != nil {
		signal = math.Max(signal, math.Min(1, *deadAir/10))
	}
	if metricRisk != nil {
		signal = math.Max(signal, clamp(*metricRisk, 0, 1))
	}
	call.RiskScore = clamp(0.6*call.RiskScore+0.4*signal, 0, 1)

	var alerts []repo.Alert
	emit := func(alertType, severity, message string, metadata map[string]any) {
		if !e.canEmit(history, alertType, now) {
			return
		}
		alerts = append(alerts, repo.Alert{
			CallID:    call.CallID,
			Type:      alertType,
			Severity:  severity,
			Message:   message,
			CreatedAt: now,
			Metadata:  metadata,
		})
	}

	if ev.Sentiment != nil && *ev.Sentiment <= e.cfg.NegativeSentimentThreshold {
		emit(TypeNegativeSentiment, SeverityHigh,
			fmt.Sprintf("Negative sentiment detected (%.2f) in live call.", *ev.Sentiment),
			map[string]any{"sentiment": *ev.Sentiment, "threshold": e.cfg.NegativeSentimentThreshold, "event_id": ev.ID})
	}

	if len(hits) > 0 {
		preview := hits
		if len(preview) > 4 {
			preview = preview[:4]
		}
		emit(TypeEscalationKeyword, SeverityCritical,
			"Escalation keywords detected: "+strings.Join(preview, ", "),
			map[string]any{"keywords": hits, "event_id": ev.ID})
	}

	if deadAir != nil && *deadAir >= deadAirAlertSeconds {
		emit(TypeDeadAir, SeverityMedium,
			fmt.Sprintf("Extended dead air detected (%.1fs).", *deadAir),
			map[string]any{"dead_air_seconds": *deadAir, "event_id": ev.ID})
	}

	if call.RiskScore >= e.cfg.HighRiskThreshold {
		emit(TypeHighRisk, SeverityHigh,
			fmt.Sprintf("Live risk score crossed threshold (%.2f).", call.RiskScore),
			map[string]any{"risk_score": call.RiskScore, "threshold": e.cfg.HighRiskThreshold, "event_id": ev.ID})
	}

	return call, alerts
}

func (e *Evaluator) keywordHits(text string) []string {
	if text == "" || len(e.keywords) == 0 {
		return nil
	}
	var hits []string
	for _, kw := range e.keywords {
		if kw.re.MatchString(text) {
			hits = append(hits, kw.term)
		}
	}
	return hits
}

func (e *Evaluator) canEmit(history map[string]time.Time, alertType string, now time.Time) bool {
	last, ok := history[alertType]
	if !ok {
		return true
	}
	return now.Sub(last) >= time.Duration(e.cfg.CooldownSeconds)*time.Second
}

func extractDeadAirSeconds(metadata map[string]any) *float64 {
	for _, source := range metricSources(metadata) {
		for _, key := range []string{"dead_air_seconds", "silence_seconds", "silence_duration"} {
			if raw, ok := source[key]; ok {
				if v, ok := parseFloat(raw); ok {
					v = math.Max(0, v)
					return &v
				}
			}
		}
	}
	return nil
}

func extractMetricRisk(metadata map[string]any) *float64 {
	for _, source := range metricSources(metadata) {
		if raw, ok := source["risk"]; ok {
			if v, ok := parseFloat(raw); ok {
				return &v
			}
		}
	}
	return nil
}

func metricSources(metadata map[string]any) []map[string]any {
	if metadata == nil {
		return nil
	}
	sources := []map[string]any{metadata}
	if metrics, ok := metadata["metrics"].(map[string]any); ok {
		sources = append(sources, metrics)
	}
	return sources
}

func parseFloat(raw any) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
