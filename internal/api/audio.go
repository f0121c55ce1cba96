package api

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"

	"github.com/snarg/cx-engine/internal/engine"
)

// IngestAudioChunk handles POST /api/realtime/audio/chunk.
func (h *handlers) IngestAudioChunk(w http.ResponseWriter, r *http.Request) {
	payload, err := DecodeJSONObject(r)
	if err != nil {
		WriteDetail(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.engine.IngestAudioChunk(r.Context(), payload)
	if err != nil {
		var rejected *engine.AudioRejectedError
		if errors.As(err, &rejected) {
			WriteJSON(w, http.StatusBadRequest, map[string]any{
				"detail":   rejected.Detail,
				"audio":    rejected.Audio,
				"warnings": rejected.Warnings,
			})
			return
		}
		var verr *engine.ValidationError
		if errors.As(err, &verr) {
			WriteDetail(w, http.StatusBadRequest, verr.Detail)
			return
		}
		hlog.FromRequest(r).Error().Err(err).Msg("audio chunk ingest failed")
		WriteDetail(w, http.StatusInternalServerError, "Failed to ingest audio chunk")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"ok":              true,
		"call_id":         result.CallID,
		"audio":           result.Audio,
		"ingested_events": result.IngestedEvents,
		"alerts":          result.Alerts,
		"snapshot":        result.Snapshot,
		"warnings":        result.Warnings,
	})
}

// CallAudio handles GET /api/realtime/calls/{callID}/audio: the rolling
// buffer as WAV, or the uploaded recording with ?fallback=1.
func (h *handlers) CallAudio(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")
	maxSeconds := QueryInt(r, "max_seconds", 0)

	if wav, ok := h.engine.LiveWAV(callID, maxSeconds); ok {
		w.Header().Set("Content-Type", "audio/wav")
		w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, max-age=0")
		w.Header().Set("Pragma", "no-cache")
		w.Header().Set("Content-Disposition", fmt.Sprintf(`inline; filename="%s_live.wav"`, callID))
		w.Header().Set("X-Live-Audio", "1")
		w.Write(wav)
		return
	}

	if QueryString(r, "fallback") == "1" || QueryString(r, "fallback") == "true" {
		if path := h.engine.FallbackRecording(callID); path != "" {
			if f, err := os.Open(path); err == nil {
				defer f.Close()
				w.Header().Set("Content-Disposition", fmt.Sprintf(`inline; filename="%s"`, filepath.Base(path)))
				w.Header().Set("X-Live-Audio", "0")
				http.ServeContent(w, r, filepath.Base(path), fileModTime(f), f)
				return
			}
		}
	}

	WriteDetail(w, http.StatusNotFound, "Live audio not found")
}

func fileModTime(f *os.File) time.Time {
	if info, err := f.Stat(); err == nil {
		return info.ModTime()
	}
	return time.Time{}
}

// CallAudioMeta handles GET /api/realtime/calls/{callID}/audio/meta.
func (h *handlers) CallAudioMeta(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.engine.AudioMeta(chi.URLParam(r, "callID")))
}
