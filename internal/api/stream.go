package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/hlog"

	"github.com/snarg/cx-engine/internal/bus"
	"github.com/snarg/cx-engine/internal/metrics"
)

const keepaliveInterval = 15 * time.Second

// Stream handles GET /api/realtime/stream?call_id=…. It relays bus envelopes
// as SSE frames, with keepalive comments and heartbeat envelopes during
// silence so proxies keep the connection open.
func (h *handlers) Stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteDetail(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	callID := QueryString(r, "call_id")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sub := h.engine.Bus().Subscribe(callID)
	defer h.engine.Bus().Unsubscribe(sub)

	writeEnvelope := func(data []byte) bool {
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return false
		}
		flusher.Flush()
		metrics.SSEEventsPublishedTotal.Inc()
		return true
	}

	connected := fmt.Sprintf(`{"type":%q,"call_id":%s,"timestamp":%q}`,
		bus.TypeConnected, jsonStringOrNull(callID), time.Now().UTC().Format(time.RFC3339Nano))
	if !writeEnvelope([]byte(connected)) {
		return
	}

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	log := hlog.FromRequest(r)
	for {
		select {
		case <-r.Context().Done():
			log.Debug().Str("call_id", callID).Msg("sse client disconnected")
			return
		case data, ok := <-sub.C():
			if !ok {
				// Bus closed under us: tell the client before hanging up.
				final := fmt.Sprintf(`{"type":%q,"call_id":%s,"status":"shutting_down","timestamp":%q}`,
					bus.TypeStatus, jsonStringOrNull(callID), time.Now().UTC().Format(time.RFC3339Nano))
				writeEnvelope([]byte(final))
				return
			}
			if !writeEnvelope(data) {
				return
			}
		case <-keepalive.C:
			// Comment defeats proxy buffering; the heartbeat envelope lets
			// clients detect liveness without parsing comments.
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			heartbeat := fmt.Sprintf(`{"type":%q,"call_id":%s,"timestamp":%q}`,
				bus.TypeHeartbeat, jsonStringOrNull(callID), time.Now().UTC().Format(time.RFC3339Nano))
			if !writeEnvelope([]byte(heartbeat)) {
				return
			}
		}
	}
}

func jsonStringOrNull(s string) string {
	if s == "" {
		return "null"
	}
	return fmt.Sprintf("%q", s)
}
