package http

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/cartridge/inference/internal/metrics"
	"github.com/cartridge/inference/internal/middleware"
	"github.com/cartridge/inference/internal/model"
)

// ModelInfo describes the loaded model for the status API.
type ModelInfo struct {
	Device   model.Device        `json:"device"`
	Metadata *model.Metadata     `json:"metadata"`
	Checks   []model.FailedCheck `json:"checks"`
}

// Server exposes the actor's health, model and counters over HTTP.
type Server struct {
	model     *ModelInfo
	collector *metrics.Collector
	ready     func() bool
	logger    *zerolog.Logger
}

// NewServer constructs a Server instance. info is nil when the actor runs without a
// model; a nil ready reports ready unconditionally and a nil logger discards.
func NewServer(info *ModelInfo, collector *metrics.Collector, ready func() bool, logger *zerolog.Logger) *Server {
	if ready == nil {
		ready = func() bool { return true }
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Server{model: info, collector: collector, ready: ready, logger: logger}
}

// Routes builds the HTTP router for the status service.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.CorrelationID)
	r.Use(middleware.RequestLogger(*s.logger))
	r.Use(middleware.Metrics(s.collector))
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/model", s.handleModel)
		r.Get("/stats", s.handleStats)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.ready() {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleModel(w http.ResponseWriter, r *http.Request) {
	if s.model == nil {
		s.writeError(w, http.StatusNotFound, "no model loaded")
		return
	}
	s.writeJSON(w, http.StatusOK, s.model)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.collector.Snapshot())
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error().Err(err).Msg("failed to encode response")
	}
}
