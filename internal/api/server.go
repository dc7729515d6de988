// Package api exposes the CI-facing HTTP surface: rollout triggers, rollout
// status, health and metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/edvin/convoy/internal/model"
	"github.com/edvin/convoy/internal/store"
)

// Trigger accepts validated manifests for asynchronous execution and answers
// status lookups for rollouts that have not finished yet.
type Trigger interface {
	Submit(m *model.DeploymentManifest) (string, error)
	Status(id string) (model.RolloutState, bool)
	QueueDepth() int
}

// RecordReader serves rollout history.
type RecordReader interface {
	GetByID(ctx context.Context, id string) (*model.RolloutRecord, error)
	Recent(ctx context.Context, host string, limit int) ([]model.RolloutRecord, error)
}

// Pinger reports backing-store liveness for readiness checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	router  chi.Router
	logger  zerolog.Logger
	trigger Trigger
	records RecordReader
	pinger  Pinger
	host    string
}

func NewServer(logger zerolog.Logger, trigger Trigger, records RecordReader, pinger Pinger, host string) *Server {
	s := &Server{
		router:  chi.NewRouter(),
		logger:  logger,
		trigger: trigger,
		records: records,
		pinger:  pinger,
		host:    host,
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(requestLogger(logger))
	s.router.Use(middleware.Recoverer)
	s.router.Use(metrics)

	s.router.Handle("/metrics", promhttp.Handler())
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/readyz", s.handleReadyz)

	s.router.Route("/v1", func(r chi.Router) {
		r.Post("/rollouts", s.handleCreateRollout)
		r.Get("/rollouts", s.handleListRollouts)
		r.Get("/rollouts/{id}", s.handleGetRollout)
	})

	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

type rolloutAccepted struct {
	ID    string             `json:"id"`
	State model.RolloutState `json:"state"`
}

func (s *Server) handleCreateRollout(w http.ResponseWriter, r *http.Request) {
	var manifest model.DeploymentManifest
	if err := json.NewDecoder(r.Body).Decode(&manifest); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}

	id, err := s.trigger.Submit(&manifest)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, rolloutAccepted{ID: id, State: model.RolloutPending})
}

type rolloutStatus struct {
	ID     string               `json:"id"`
	State  model.RolloutState   `json:"state,omitempty"`
	Record *model.RolloutRecord `json:"record,omitempty"`
}

func (s *Server) handleGetRollout(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	// Queued, executing and dropped rollouts have no record yet; answer from
	// the controller.
	if state, ok := s.trigger.Status(id); ok {
		writeJSON(w, http.StatusOK, rolloutStatus{ID: id, State: state})
		return
	}

	rec, err := s.records.GetByID(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "rollout not found")
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("rollout_id", id).Msg("failed to load rollout record")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, rolloutStatus{ID: rec.ID, Record: rec})
}

func (s *Server) handleListRollouts(w http.ResponseWriter, r *http.Request) {
	records, err := s.records.Recent(r.Context(), s.host, 20)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list rollout records")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"host":        s.host,
		"queue_depth": s.trigger.QueueDepth(),
		"records":     records,
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := map[string]string{}
	healthy := true

	if s.pinger != nil {
		if err := s.pinger.Ping(ctx); err != nil {
			checks["db"] = err.Error()
			healthy = false
		} else {
			checks["db"] = "ok"
		}
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"healthy": healthy, "checks": checks})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
