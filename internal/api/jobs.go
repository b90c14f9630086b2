package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/fleetforge-io/fleetforge/internal/broker"
	"github.com/fleetforge-io/fleetforge/internal/db"
	"github.com/fleetforge-io/fleetforge/internal/ids"
	"github.com/fleetforge-io/fleetforge/internal/store"
	"github.com/fleetforge-io/fleetforge/internal/wire"
)

// defaultListLimit applies when the limit query parameter is omitted.
const defaultListLimit = 50

// JobHandler groups the job-related HTTP handlers.
type JobHandler struct {
	store  *store.Store
	broker *broker.Broker
	logger *zap.Logger
}

// NewJobHandler creates a JobHandler.
func NewJobHandler(st *store.Store, bk *broker.Broker, logger *zap.Logger) *JobHandler {
	return &JobHandler{
		store:  st,
		broker: bk,
		logger: logger.Named("job_handler"),
	}
}

// -----------------------------------------------------------------------------
// Wire types
// -----------------------------------------------------------------------------

type createJobRequest struct {
	Action  string            `json:"action"`
	Region  string            `json:"region,omitempty"`
	Targets []string          `json:"targets"`
	Payload map[string]any    `json:"payload,omitempty"`
	Meta    map[string]string `json:"meta,omitempty"`
}

type jobResponse struct {
	ID        string            `json:"id"`
	Action    string            `json:"action"`
	Region    string            `json:"region"`
	Targets   []string          `json:"targets"`
	Meta      map[string]string `json:"meta,omitempty"`
	Status    string            `json:"status"`
	CreatedAt string            `json:"createdAt"`
	UpdatedAt string            `json:"updatedAt"`
}

type taskResponse struct {
	ID        string         `json:"id"`
	JobID     string         `json:"jobId"`
	Target    string         `json:"target"`
	Action    string         `json:"action"`
	Region    string         `json:"region,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Status    string         `json:"status"`
	Attempt   int            `json:"attempt"`
	CreatedAt string         `json:"createdAt"`
	UpdatedAt string         `json:"updatedAt"`
}

func jobToResponse(j *db.Job) jobResponse {
	return jobResponse{
		ID:        j.ID,
		Action:    j.Action,
		Region:    j.Region,
		Targets:   j.Targets,
		Meta:      j.Meta,
		Status:    string(j.Status),
		CreatedAt: wire.FormatMillis(j.CreatedAt),
		UpdatedAt: wire.FormatMillis(j.UpdatedAt),
	}
}

func taskToResponse(t *db.Task) taskResponse {
	return taskResponse{
		ID:        t.ID,
		JobID:     t.JobID,
		Target:    t.Target,
		Action:    t.Action,
		Region:    t.Region,
		Payload:   t.Payload,
		Status:    string(t.Status),
		Attempt:   t.Attempt,
		CreatedAt: wire.FormatMillis(t.CreatedAt),
		UpdatedAt: wire.FormatMillis(t.UpdatedAt),
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// Create handles POST /v1/jobs. The job is accepted for asynchronous
// execution, hence 202 rather than 201.
func (h *JobHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	job, _, err := h.store.CreateJob(r.Context(), store.CreateJobRequest{
		Action:  req.Action,
		Region:  req.Region,
		Targets: req.Targets,
		Payload: req.Payload,
		Meta:    req.Meta,
	})
	if err != nil {
		if errors.Is(err, store.ErrInvalidArgument) {
			ErrBadRequest(w, err.Error())
			return
		}
		h.logger.Error("create job failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	h.broker.PublishJobEvent(job.ID, broker.EventJobCreated, map[string]any{
		"action":  job.Action,
		"region":  job.Region,
		"targets": len(job.Targets),
	})

	w.Header().Set("Location", "/v1/jobs/"+job.ID)
	JSON(w, http.StatusAccepted, map[string]any{"job": jobToResponse(job)})
}

// List handles GET /v1/jobs?limit=. The limit defaults to 50 and is clamped
// by the store to [1, 500].
func (h *JobHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			ErrBadRequest(w, "limit must be an integer")
			return
		}
		limit = n
	}

	jobs, err := h.store.ListJobs(r.Context(), limit)
	if err != nil {
		h.logger.Error("list jobs failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	out := make([]jobResponse, len(jobs))
	for i := range jobs {
		out[i] = jobToResponse(&jobs[i])
	}
	JSON(w, http.StatusOK, map[string]any{"jobs": out})
}

// GetByID handles GET /v1/jobs/{id}, returning the job with its tasks in
// creation order.
func (h *JobHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !ids.Valid(id) {
		ErrNotFound(w, "job not found")
		return
	}

	job, tasks, err := h.store.GetJob(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			ErrNotFound(w, "job not found")
			return
		}
		h.logger.Error("get job failed", zap.String("job_id", id), zap.Error(err))
		ErrInternal(w)
		return
	}

	out := make([]taskResponse, len(tasks))
	for i := range tasks {
		out[i] = taskToResponse(&tasks[i])
	}
	JSON(w, http.StatusOK, map[string]any{
		"job":   jobToResponse(job),
		"tasks": out,
	})
}

// Cancel handles POST /v1/jobs/{id}/cancel. Idempotent.
func (h *JobHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !ids.Valid(id) {
		ErrNotFound(w, "job not found")
		return
	}

	if err := h.store.CancelJob(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			ErrNotFound(w, "job not found")
			return
		}
		h.logger.Error("cancel job failed", zap.String("job_id", id), zap.Error(err))
		ErrInternal(w)
		return
	}

	h.broker.PublishJobEvent(id, broker.EventJobCanceled, nil)
	JSON(w, http.StatusOK, map[string]any{"ok": true})
}

// Events handles GET /v1/jobs/{id}/events: the per-job SSE stream. An
// unknown job id is a 404 before the stream starts; after that the response
// is a live event stream until the client disconnects.
func (h *JobHandler) Events(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !ids.Valid(id) {
		ErrNotFound(w, "job not found")
		return
	}

	if _, _, err := h.store.GetJob(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			ErrNotFound(w, "job not found")
			return
		}
		h.logger.Error("get job failed", zap.String("job_id", id), zap.Error(err))
		ErrInternal(w)
		return
	}

	sub := h.broker.SubscribeJob(id)
	defer sub.Close()

	streamSSE(w, r, sub.C(), func(ev broker.JobEvent) string { return ev.Type })
}
