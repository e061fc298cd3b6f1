package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/psantana5/playscope/pkg/jobs"
	"github.com/psantana5/playscope/pkg/models"
	"github.com/psantana5/playscope/pkg/store"
)

// JobRequest submits a registered command
type JobRequest struct {
	Command string `json:"command" validate:"required,max=64"`
}

// ProgressRequest reports progress for a running job
type ProgressRequest struct {
	Current int    `json:"current" validate:"gte=0"`
	Total   int    `json:"total" validate:"gte=0"`
	Message string `json:"message,omitempty" validate:"max=500"`
}

// PruneRequest deletes jobs older than Days
type PruneRequest struct {
	Days *int `json:"days" validate:"required,gte=0"`
}

// TokenRequest issues an API token
type TokenRequest struct {
	Subject  string `json:"subject" validate:"required,max=64,excludes=."`
	TTLHours int    `json:"ttl_hours" validate:"gte=0,lte=8760"`
}

// CreateJob handles POST /api/v1/jobs
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req JobRequest
	if !h.decode(w, r, &req) {
		return
	}

	id, err := h.manager.Submit(r.Context(), req.Command)
	if errors.Is(err, jobs.ErrUnknownCommand) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		h.internalError(w, r, "Failed to create job", err)
		return
	}

	h.logger.Info("Job submitted", map[string]interface{}{"job_id": id, "command": req.Command})
	writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id": id,
		"status": string(models.JobStatusPending),
	})
}

// ListJobs handles GET /api/v1/jobs
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := jobs.ListOptions{Command: q.Get("command")}

	var err error
	if opts.Limit, err = intParam(q.Get("limit")); err != nil {
		writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}
	if opts.Offset, err = intParam(q.Get("offset")); err != nil {
		writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
		return
	}
	if s := q.Get("status"); s != "" {
		opts.Status = models.JobStatus(s)
		if !opts.Status.Valid() {
			writeError(w, http.StatusBadRequest, "invalid status: "+s)
			return
		}
	}

	result, err := h.manager.ListJobs(r.Context(), opts)
	if err != nil {
		h.internalError(w, r, "Failed to list jobs", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, strconv.ErrRange
	}
	return n, nil
}

// GetStats handles GET /api/v1/jobs/stats
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.manager.Stats(r.Context())
	if err != nil {
		h.internalError(w, r, "Failed to get stats", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// GetJob handles GET /api/v1/jobs/{id}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	job, err := h.manager.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		h.internalError(w, r, "Failed to get job", err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// DeleteJob handles DELETE /api/v1/jobs/{id}
func (h *Handler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	deleted, err := h.manager.DeleteJob(r.Context(), id)
	if err != nil {
		h.internalError(w, r, "Failed to delete job", err)
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UpdateProgress handles POST /api/v1/jobs/{id}/progress
func (h *Handler) UpdateProgress(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req ProgressRequest
	if !h.decode(w, r, &req) {
		return
	}

	p := models.Progress{Current: req.Current, Total: req.Total, Message: req.Message}
	job, err := h.manager.UpdateProgress(r.Context(), id, p)
	switch {
	case errors.Is(err, store.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, store.ErrJobNotRunning):
		writeError(w, http.StatusConflict, "progress is only accepted while the job is running")
	case err != nil:
		h.internalError(w, r, "Failed to update progress", err)
	default:
		writeJSON(w, http.StatusOK, job)
	}
}

// PruneJobs handles POST /api/v1/jobs/prune
func (h *Handler) PruneJobs(w http.ResponseWriter, r *http.Request) {
	var req PruneRequest
	if !h.decode(w, r, &req) {
		return
	}

	n, err := h.manager.DeleteOlderThan(r.Context(), *req.Days)
	if err != nil {
		h.internalError(w, r, "Failed to prune jobs", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

// ListCommands handles GET /api/v1/commands
func (h *Handler) ListCommands(w http.ResponseWriter, r *http.Request) {
	names := h.manager.Registry().Names()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"commands": names,
		"count":    len(names),
	})
}

// CreateToken handles POST /api/v1/tokens
func (h *Handler) CreateToken(w http.ResponseWriter, r *http.Request) {
	var req TokenRequest
	if !h.decode(w, r, &req) {
		return
	}

	ttl := time.Duration(req.TTLHours) * time.Hour
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	token, expires, err := h.tokens.GenerateToken(req.Subject, ttl)
	if err != nil {
		h.internalError(w, r, "Failed to issue token", err)
		return
	}

	h.logger.Info("Issued API token", map[string]interface{}{"subject": req.Subject, "expires_at": expires})
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"token":      token,
		"subject":    req.Subject,
		"expires_at": expires,
	})
}
