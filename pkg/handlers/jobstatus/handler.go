package jobstatus

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/cockroachdb/errors"

	"github.com/companion-lens/core/pkg/jobs"
	"github.com/companion-lens/core/pkg/logger"
	"github.com/companion-lens/core/pkg/models/api"
)

// StatusSource reports the live registrations of the trigger facility
type StatusSource interface {
	Status(ctx context.Context) ([]jobs.JobStatus, error)
}

// ExecutionLister reads execution history
type ExecutionLister interface {
	ListExecutions(ctx context.Context, key string, limit int) ([]jobs.ExecutionRecord, error)
}

// Runner executes a bound action on demand
type Runner interface {
	RunNow(ctx context.Context, key string) error
}

type Handler struct {
	status     StatusSource
	executions ExecutionLister
	runner     Runner
	logger     *logger.Logger
}

func NewHandler(status StatusSource, executions ExecutionLister, runner Runner, logger *logger.Logger) *Handler {
	return &Handler{
		status:     status,
		executions: executions,
		runner:     runner,
		logger:     logger,
	}
}

// List handles GET /api/jobs
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	statuses, err := h.status.Status(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Str("action", "jobs_status_failed").Msg("Failed to read job status")
		http.Error(w, "Failed to read job status", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, api.Response{
		Success: true,
		Data:    statuses,
		Meta: map[string]interface{}{
			"total": len(statuses),
		},
	})
}

// Executions handles GET /api/jobs/{namespace}/{id}/executions?limit=N
func (h *Handler) Executions(w http.ResponseWriter, r *http.Request) {
	key, ok := jobKey(w, r)
	if !ok {
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 500 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	records, err := h.executions.ListExecutions(r.Context(), key, limit)
	if err != nil {
		h.logger.Error().Err(err).Str("job_key", key).Str("action", "executions_failed").Msg("Failed to list executions")
		http.Error(w, "Failed to list executions", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []jobs.ExecutionRecord{}
	}

	h.writeJSON(w, http.StatusOK, api.Response{
		Success: true,
		Data:    records,
		Meta: map[string]interface{}{
			"job_key": key,
			"limit":   limit,
		},
	})
}

// Run handles POST /api/jobs/{namespace}/{id}/run. Preconditions are not checked.
func (h *Handler) Run(w http.ResponseWriter, r *http.Request) {
	key, ok := jobKey(w, r)
	if !ok {
		return
	}

	err := h.runner.RunNow(r.Context(), key)
	switch {
	case err == nil:
		h.logger.Info().Str("job_key", key).Str("action", "manual_run").Msg("Manual job run completed")
		h.writeJSON(w, http.StatusOK, api.Response{Success: true, Message: "job executed"})
	case errors.Is(err, jobs.ErrNotRegistered):
		h.writeJSON(w, http.StatusNotFound, api.Response{Success: false, Message: "job not registered"})
	case errors.Is(err, jobs.ErrAlreadyRunning):
		h.writeJSON(w, http.StatusConflict, api.Response{Success: false, Message: "job already running"})
	default:
		h.logger.Error().Err(err).Str("job_key", key).Str("action", "manual_run_failed").Msg("Manual job run failed")
		h.writeJSON(w, http.StatusBadGateway, api.Response{Success: false, Message: err.Error()})
	}
}

func jobKey(w http.ResponseWriter, r *http.Request) (string, bool) {
	namespace := r.PathValue("namespace")
	id, err := strconv.Atoi(r.PathValue("id"))
	if namespace == "" || err != nil {
		http.Error(w, "Invalid job key", http.StatusBadRequest)
		return "", false
	}
	return jobs.JobSpec{Namespace: namespace, ID: id}.Key(), true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error().Err(err).Msg("Failed to encode jobs response")
	}
}
