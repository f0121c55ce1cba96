// Package api serves the realtime ingest and streaming HTTP surface.
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/snarg/cx-engine/internal/config"
	"github.com/snarg/cx-engine/internal/engine"
	"github.com/snarg/cx-engine/internal/metrics"
)

type Server struct {
	http *http.Server
	log  zerolog.Logger
}

func NewServer(cfg *config.Config, eng *engine.Engine, log zerolog.Logger) *Server {
	h := &handlers{cfg: cfg, engine: eng, log: log}

	r := chi.NewRouter()

	// Global middleware
	r.Use(RequestID)
	r.Use(Recoverer)
	r.Use(Logger(log))
	r.Use(CORS)
	r.Use(metrics.InstrumentHandler)

	// Operational endpoints — no auth
	r.Get("/health", h.Health)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/api/integrations/genesys/health", h.ConnectorHealth)
	r.Get("/api/integrations/genesys/audiohook/health", h.AudioHookHealth)

	// Realtime surface
	r.Group(func(r chi.Router) {
		r.Use(IngestAuth(cfg.RealtimeIngestToken))

		r.Post("/api/realtime/events", h.IngestEvent)
		r.Post("/api/realtime/audio/chunk", h.IngestAudioChunk)
		r.Get("/api/realtime/calls/{callID}/snapshot", h.Snapshot)
		r.Get("/api/realtime/calls/{callID}/audio", h.CallAudio)
		r.Get("/api/realtime/calls/{callID}/audio/meta", h.CallAudioMeta)
		r.Get("/api/realtime/alerts", h.ListAlerts)
		r.Post("/api/realtime/alerts/{alertID}/ack", h.AckAlert)
		r.Get("/api/realtime/stream", h.Stream)
	})

	return &Server{
		http: &http.Server{
			Addr:         cfg.HTTPAddr,
			Handler:      r,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
		log: log,
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("http server starting")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	return s.http.Shutdown(ctx)
}

type handlers struct {
	cfg    *config.Config
	engine *engine.Engine
	log    zerolog.Logger
}
