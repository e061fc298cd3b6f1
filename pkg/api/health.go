package api

import (
	"context"
	"net/http"
	"time"

	"github.com/psantana5/playscope/pkg/models"
	"github.com/psantana5/playscope/pkg/sysinfo"
)

// HealthResponse is the /health payload
type HealthResponse struct {
	Status   string        `json:"status"`
	Store    string        `json:"store"`
	Version  string        `json:"version,omitempty"`
	Uptime   string        `json:"uptime"`
	InFlight int           `json:"in_flight"`
	Jobs     *models.Stats `json:"jobs,omitempty"`
	Host     *sysinfo.Host `json:"host,omitempty"`
}

// Health handles GET /health. A failed store ping answers 503.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:   "healthy",
		Store:    "ok",
		Version:  h.version,
		Uptime:   time.Since(h.started).Round(time.Second).String(),
		InFlight: h.manager.InFlight(),
	}
	status := http.StatusOK

	if h.store != nil {
		if err := h.store.Ping(ctx); err != nil {
			resp.Status = "unhealthy"
			resp.Store = err.Error()
			status = http.StatusServiceUnavailable
		}
	}

	if status == http.StatusOK {
		if stats, err := h.manager.Stats(ctx); err == nil {
			resp.Jobs = &stats
		} else {
			h.logger.Warn("Health check could not read job stats", map[string]interface{}{"error": err.Error()})
		}
	}

	if host, err := sysinfo.Snapshot(ctx, sysinfo.DefaultSampleWindow); err == nil {
		resp.Host = host
	} else {
		h.logger.Debug("Host metrics unavailable", map[string]interface{}{"error": err.Error()})
	}

	writeJSON(w, status, resp)
}
