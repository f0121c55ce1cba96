package api

import (
	"net/http"
	"time"

	"github.com/snarg/cx-engine/internal/status"
)

// ConnectorHealth handles GET /api/integrations/genesys/health by evaluating
// the connector's heartbeat file.
func (h *handlers) ConnectorHealth(w http.ResponseWriter, r *http.Request) {
	h.sidecarHealth(w, r,
		h.cfg.GenesysConnectorStatusPath,
		h.cfg.GenesysConnectorStaleSeconds,
		status.ConnectorRunningStates)
}

// AudioHookHealth handles GET /api/integrations/genesys/audiohook/health.
func (h *handlers) AudioHookHealth(w http.ResponseWriter, r *http.Request) {
	h.sidecarHealth(w, r,
		h.cfg.AudioHookStatusPath,
		h.cfg.AudioHookStaleSeconds,
		status.ListenerRunningStates)
}

func (h *handlers) sidecarHealth(w http.ResponseWriter, r *http.Request, path string, defaultStale int, runningStates []string) {
	staleAfter := QueryInt(r, "stale_after", defaultStale)
	health := status.Evaluate(path, staleAfter, runningStates, time.Now().UTC())

	code := http.StatusOK
	if health.Unreadable {
		code = http.StatusInternalServerError
	}
	WriteJSON(w, code, health)
}
