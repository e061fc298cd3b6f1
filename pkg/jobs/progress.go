package jobs

import (
	"context"

	"github.com/psantana5/playscope/pkg/models"
)

// ProgressReporter lets a running unit of work publish incremental progress
type ProgressReporter interface {
	Report(current, total int, message string)
}

type reporterKey struct{}

// WithReporter returns a context carrying r
func WithReporter(ctx context.Context, r ProgressReporter) context.Context {
	return context.WithValue(ctx, reporterKey{}, r)
}

// ReporterFrom returns the reporter in ctx, or one that discards reports
func ReporterFrom(ctx context.Context) ProgressReporter {
	if r, ok := ctx.Value(reporterKey{}).(ProgressReporter); ok {
		return r
	}
	return nopReporter{}
}

type nopReporter struct{}

func (nopReporter) Report(int, int, string) {}

// jobReporter writes progress through the manager for one job
type jobReporter struct {
	ctx     context.Context
	manager *Manager
	jobID   string
}

func (r *jobReporter) Report(current, total int, message string) {
	p := models.Progress{Current: current, Total: total, Message: message}
	if _, err := r.manager.UpdateProgress(r.ctx, r.jobID, p); err != nil {
		r.manager.logger.Warn("Failed to record progress", map[string]interface{}{
			"job_id": r.jobID,
			"error":  err.Error(),
		})
	}
}
