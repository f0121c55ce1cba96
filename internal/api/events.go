package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"

	"github.com/snarg/cx-engine/internal/engine"
	"github.com/snarg/cx-engine/internal/repo"
)

// IngestEvent handles POST /api/realtime/events.
func (h *handlers) IngestEvent(w http.ResponseWriter, r *http.Request) {
	payload, err := DecodeJSONObject(r)
	if err != nil {
		WriteDetail(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.engine.IngestEvent(r.Context(), payload)
	if err != nil {
		var verr *engine.ValidationError
		if errors.As(err, &verr) {
			WriteDetail(w, http.StatusBadRequest, verr.Detail)
			return
		}
		hlog.FromRequest(r).Error().Err(err).Msg("event ingest failed")
		WriteDetail(w, http.StatusInternalServerError, "Failed to ingest event")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"ok":              true,
		"call_id":         result.CallID,
		"risk_score":      result.RiskScore,
		"sentiment_score": result.SentimentScore,
		"alerts":          result.Alerts,
		"snapshot":        result.Snapshot,
	})
}

// Snapshot handles GET /api/realtime/calls/{callID}/snapshot. Unknown calls
// get an idle snapshot, never a 404.
func (h *handlers) Snapshot(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")
	snapshot, err := h.engine.Snapshot(r.Context(), callID)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Str("call_id", callID).Msg("snapshot failed")
		WriteDetail(w, http.StatusInternalServerError, "Failed to load snapshot")
		return
	}
	WriteJSON(w, http.StatusOK, snapshot)
}

// ListAlerts handles GET /api/realtime/alerts.
func (h *handlers) ListAlerts(w http.ResponseWriter, r *http.Request) {
	openOnly := QueryString(r, "open_only") != "false"
	limit := QueryInt(r, "limit", 50)
	if limit < 1 {
		limit = 1
	}
	if limit > 200 {
		limit = 200
	}

	alerts, err := h.engine.ListAlerts(r.Context(), repo.AlertQuery{
		CallID:   QueryString(r, "call_id"),
		OpenOnly: openOnly,
		Limit:    limit,
	})
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("alert list failed")
		WriteDetail(w, http.StatusInternalServerError, "Failed to list alerts")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

// AckAlert handles POST /api/realtime/alerts/{alertID}/ack.
func (h *handlers) AckAlert(w http.ResponseWriter, r *http.Request) {
	alertID, err := strconv.ParseInt(chi.URLParam(r, "alertID"), 10, 64)
	if err != nil {
		WriteDetail(w, http.StatusNotFound, "Alert not found")
		return
	}

	alert, err := h.engine.AckAlert(r.Context(), alertID)
	if errors.Is(err, repo.ErrNotFound) {
		WriteDetail(w, http.StatusNotFound, "Alert not found")
		return
	}
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Int64("alert_id", alertID).Msg("alert ack failed")
		WriteDetail(w, http.StatusInternalServerError, "Failed to acknowledge alert")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "alert": alert})
}

// Health handles GET /health for the server itself.
func (h *handlers) Health(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{"repository": "ok"}
	healthy := true
	if err := h.engine.Ping(r.Context()); err != nil {
		checks["repository"] = err.Error()
		healthy = false
	}
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	WriteJSON(w, status, map[string]any{
		"healthy":   healthy,
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})
}
