package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"workflow-gateway/internal/config"
	"workflow-gateway/internal/models"
	"workflow-gateway/internal/store"
	"workflow-gateway/internal/telemetry"
)

// JobQueue is the optional dispatch-hint and dead-letter queue.
type JobQueue interface {
	Ping(ctx context.Context) error
	Enqueue(ctx context.Context, jobID string) error
	Remove(ctx context.Context, jobID string) error
	DLQPeek(ctx context.Context, count int64) ([]string, error)
}

// Scheduler claims and runs jobs on request.
type Scheduler interface {
	WorkerID() string
	Trigger(ctx context.Context, id string) (models.Job, error)
	PollOnce(ctx context.Context) (jobID string, processed bool, err error)
}

// Server wires HTTP handlers for the job API served by workers.
type Server struct {
	cfg    config.Config
	store  store.JobStore
	queue  JobQueue
	sched  Scheduler
	logger *slog.Logger
}

// New constructs the job API server. q may be nil when Redis is not configured.
func New(cfg config.Config, st store.JobStore, q JobQueue, sched Scheduler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:    cfg,
		store:  st,
		queue:  q,
		sched:  sched,
		logger: logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(requestMetrics)

	r.Get("/health", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleCreate)
	r.Post("/jobs/poll", s.handlePoll)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Get("/jobs/{id}/status", s.handleGetJob)
	r.Post("/jobs/{id}/process", s.handleProcess)
	r.Post("/jobs/{id}/cancel", s.handleCancel)
	r.Get("/dlq", s.handleDLQ)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	redisUp := s.queue != nil && s.queue.Ping(r.Context()) == nil
	status := "healthy"
	if err := s.store.Ping(r.Context()); err != nil {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          status,
		"worker_id":       s.sched.WorkerID(),
		"ollama_url":      s.cfg.DaemonBaseURL,
		"redis_available": redisUp,
	})
}

type createRequest struct {
	Prompt          string                `json:"prompt"`
	Mode            string                `json:"mode"`
	CurrentWorkflow *models.WorkflowGraph `json:"current_workflow"`
	Config          map[string]any        `json:"config"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	job, err := s.store.CreateJob(r.Context(), store.CreateJobParams{
		Prompt:          req.Prompt,
		Mode:            req.Mode,
		CurrentWorkflow: req.CurrentWorkflow,
		Config:          req.Config,
	})
	if err != nil {
		if errors.Is(err, store.ErrInvalid) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	telemetry.JobsCreated.Inc()

	if s.queue != nil {
		if err := s.queue.Enqueue(r.Context(), job.ID); err != nil {
			s.logger.Warn("enqueue dispatch hint failed; job stays claimable from the store",
				slog.String("job_id", job.ID), slog.String("error", err.Error()))
		}
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.sched.Trigger(r.Context(), id)
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    job.Status,
		"job_id":    job.ID,
		"worker_id": s.sched.WorkerID(),
	})
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	id, processed, err := s.sched.PollOnce(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !processed {
		writeJSON(w, http.StatusOK, map[string]any{"status": "no_jobs", "count": 0})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "processed", "job_id": id})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.Cancel(r.Context(), id)
	if err != nil {
		storeError(w, err)
		return
	}
	if s.queue != nil {
		if err := s.queue.Remove(r.Context(), id); err != nil {
			s.logger.Warn("remove dispatch hint failed", slog.String("job_id", id), slog.String("error", err.Error()))
		}
	}
	writeJSON(w, http.StatusOK, job)
}

// handleDLQ returns the DLQ contents (IDs only).
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		writeJSON(w, http.StatusOK, map[string]any{"items": []string{}})
		return
	}
	items, err := s.queue.DLQPeek(r.Context(), 100)
	if err != nil {
		http.Error(w, "failed to read dlq", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, store.ErrConflict):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
