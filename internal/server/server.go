// Package server exposes the pipeline over JSON HTTP: queue endpoints for
// interactive clients and a privileged backfill endpoint for the scheduler.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/calder-env/docqueue/internal/backfill"
	"github.com/calder-env/docqueue/internal/common"
	"github.com/calder-env/docqueue/internal/processor"
	"github.com/calder-env/docqueue/internal/queue"
	"github.com/calder-env/docqueue/internal/repository"
)

type Server struct {
	repo     repository.QueueEntryRepository
	cache    *queue.Cache
	single   *processor.Single
	batch    *processor.Batch
	job      *backfill.Job
	secret   string
	logger   *slog.Logger
	dbHealth func(r *http.Request) error
}

func New(
	repo repository.QueueEntryRepository,
	cache *queue.Cache,
	single *processor.Single,
	batch *processor.Batch,
	job *backfill.Job,
	secret string,
	dbHealth func(r *http.Request) error,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		repo:     repo,
		cache:    cache,
		single:   single,
		batch:    batch,
		job:      job,
		secret:   secret,
		dbHealth: dbHealth,
		logger:   logger,
	}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/healthz", s.healthHandler)

		r.Post("/queue", s.createEntryHandler)
		r.Get("/queue", s.listEntriesHandler)
		r.Post("/queue/{entry_id}/process", s.processEntryHandler)
		r.Post("/queue/{entry_id}/retry", s.retryEntryHandler)
		r.Post("/queue/process-all", s.processAllHandler)

		r.Post("/admin/backfill-embeddings", s.backfillHandler)
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if s.dbHealth != nil {
		if err := s.dbHealth(r); err != nil {
			s.writeError(w, http.StatusServiceUnavailable, "database unreachable")
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("http.encode_response_failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// writeFromErr maps pipeline error classes onto HTTP statuses.
func (s *Server) writeFromErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, common.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case common.IsCallerError(err):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, common.ErrUnauthorized):
		s.writeError(w, http.StatusUnauthorized, err.Error())
	default:
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}
