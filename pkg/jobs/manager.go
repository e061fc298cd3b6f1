package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/psantana5/playscope/pkg/events"
	"github.com/psantana5/playscope/pkg/logging"
	"github.com/psantana5/playscope/pkg/models"
	"github.com/psantana5/playscope/pkg/store"
	"github.com/psantana5/playscope/pkg/tracing"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultListLimit is used when a list request does not set a limit
const DefaultListLimit = 100

var (
	ErrUnknownCommand = errors.New("unknown command")
)

// Observer is notified of job lifecycle milestones
type Observer interface {
	JobSubmitted(command string)
	JobStarted(command string)
	JobFinished(command string, status models.JobStatus, duration time.Duration)
}

type nopObserver struct{}

func (nopObserver) JobSubmitted(string)                                {}
func (nopObserver) JobStarted(string)                                  {}
func (nopObserver) JobFinished(string, models.JobStatus, time.Duration) {}

// Manager runs commands under durable job bookkeeping.
// It is the only component that moves a job between states.
type Manager struct {
	store    store.JobStore
	events   events.Publisher
	registry Registry
	logger   *logging.Logger
	tracer   trace.Tracer
	observer Observer
	now      func() time.Time

	wg       sync.WaitGroup
	inFlight atomic.Int64
}

// Option configures a Manager
type Option func(*Manager)

// WithTracer sets the tracer used for job spans
func WithTracer(t trace.Tracer) Option {
	return func(m *Manager) { m.tracer = t }
}

// WithObserver registers a lifecycle observer such as a metrics recorder
func WithObserver(o Observer) Option {
	return func(m *Manager) { m.observer = o }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a job manager
func NewManager(s store.JobStore, pub events.Publisher, registry Registry, logger *logging.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = logging.Nop()
	}
	if registry == nil {
		registry = NewRegistry()
	}
	m := &Manager{
		store:    s,
		events:   pub,
		registry: registry,
		logger:   logger.WithComponent("jobs"),
		tracer:   otel.Tracer("github.com/psantana5/playscope/pkg/jobs"),
		observer: nopObserver{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Registry returns the command registry
func (m *Manager) Registry() Registry {
	return m.registry
}

// CreateJob records a pending job for command
func (m *Manager) CreateJob(ctx context.Context, command string) (string, error) {
	id, err := m.store.CreateJob(ctx, command)
	if err != nil {
		return "", fmt.Errorf("failed to create job: %w", err)
	}
	m.logger.Debug("Job created", map[string]interface{}{"job_id": id, "command": command})
	return id, nil
}

// GetJob returns the current record, or store.ErrJobNotFound
func (m *Manager) GetJob(ctx context.Context, id string) (*models.Job, error) {
	return m.store.GetJob(ctx, id)
}

// updateJob applies a partial update and publishes the new state.
// Status changes only come from finalize after ValidateTransition.
func (m *Manager) updateJob(ctx context.Context, id string, upd models.JobUpdate) (*models.Job, bool, error) {
	job, ok, err := m.store.UpdateJob(ctx, id, upd)
	if err != nil || !ok {
		return job, ok, err
	}
	m.publish(events.EventJobUpdated, job)
	return job, true, nil
}

// UpdateProgress replaces the progress of a running job without touching its status.
// It returns store.ErrJobNotFound, or store.ErrJobNotRunning for pending and terminal jobs.
func (m *Manager) UpdateProgress(ctx context.Context, id string, p models.Progress) (*models.Job, error) {
	job, err := m.store.ReportProgress(ctx, id, p)
	if err != nil {
		return nil, err
	}
	m.publish(events.EventJobUpdated, job)
	return job, nil
}

// Handle tracks one spawned job
type Handle struct {
	ID   string
	done chan struct{}
}

// Done is closed once the job has been finalized
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the job has been finalized or ctx ends
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit creates a job for a registered command and runs it in the background.
// It returns as soon as the job is recorded.
func (m *Manager) Submit(ctx context.Context, command string) (string, error) {
	h, err := m.Start(ctx, command)
	if err != nil {
		return "", err
	}
	return h.ID, nil
}

// Start is Submit returning a handle on the spawned job
func (m *Manager) Start(ctx context.Context, command string) (*Handle, error) {
	work, ok := m.registry.Lookup(command)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, command)
	}

	id, err := m.CreateJob(ctx, command)
	if err != nil {
		return nil, err
	}
	m.observer.JobSubmitted(command)

	return m.Spawn(ctx, id, work), nil
}

// Spawn runs work for an existing job on its own goroutine.
// The job is finalized even if the goroutine panics outside the unit of work.
func (m *Manager) Spawn(ctx context.Context, id string, work UnitOfWork) *Handle {
	h := &Handle{ID: id, done: make(chan struct{})}
	runCtx := context.WithoutCancel(ctx)

	m.wg.Add(1)
	m.inFlight.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.inFlight.Add(-1)
		defer close(h.done)
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error("Job supervisor recovered panic", map[string]interface{}{
					"job_id": id,
					"panic":  fmt.Sprint(r),
				})
				m.forceFail(runCtx, id, fmt.Sprintf("panic: %v", r))
			}
		}()

		if err := m.RunJob(runCtx, id, work); err != nil {
			m.logger.Error("Job did not run", map[string]interface{}{
				"job_id": id,
				"error":  err.Error(),
			})
		}
	}()

	return h
}

// RunJob executes work under job id's bookkeeping.
// A missing job is a silent no-op. A job that already left pending yields
// store.ErrJobAlreadyStarted and work is not invoked.
func (m *Manager) RunJob(ctx context.Context, id string, work UnitOfWork) error {
	job, err := m.store.StartJob(ctx, id, m.now())
	if errors.Is(err, store.ErrJobNotFound) {
		m.logger.Debug("RunJob on missing job ignored", map[string]interface{}{"job_id": id})
		return nil
	}
	if err != nil {
		return err
	}
	m.publish(events.EventJobUpdated, job)
	m.observer.JobStarted(job.Command)

	ctx, span := m.tracer.Start(ctx, "job.run", trace.WithAttributes(tracing.JobAttributes(id, job.Command)...))
	defer span.End()

	m.logger.Info("Job started", map[string]interface{}{"job_id": id, "command": job.Command})

	workCtx := WithReporter(ctx, &jobReporter{ctx: ctx, manager: m, jobID: id})
	result, runErr := execute(workCtx, work)

	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
	}
	if status, ok := m.finalize(ctx, job, result, runErr); ok {
		span.SetAttributes(tracing.JobStatusKey.String(string(status)))
	}
	return nil
}

// execute invokes work, converting a panic into an error
func execute(ctx context.Context, work UnitOfWork) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return work(ctx)
}

// finalize moves a running job to its terminal state and reports the status written
func (m *Manager) finalize(ctx context.Context, job *models.Job, result interface{}, runErr error) (models.JobStatus, bool) {
	ctx = context.WithoutCancel(ctx)
	completedAt := m.now()

	var payload json.RawMessage
	if runErr == nil {
		data, err := json.Marshal(result)
		if err != nil {
			runErr = fmt.Errorf("failed to encode result: %w", err)
		} else {
			payload = data
		}
	}

	status := models.JobStatusCompleted
	upd := models.JobUpdate{Status: &status, CompletedAt: &completedAt, Result: payload}
	if runErr != nil {
		status = models.JobStatusFailed
		msg := runErr.Error()
		if msg == "" {
			msg = "unknown error"
		}
		upd = models.JobUpdate{Status: &status, CompletedAt: &completedAt, Error: &msg}
	}

	if err := models.ValidateTransition(job.Status, status); err != nil {
		m.logger.Error("Refusing job transition", map[string]interface{}{
			"job_id": job.ID,
			"error":  err.Error(),
		})
		return "", false
	}

	updated, _, err := m.updateJob(ctx, job.ID, upd)
	if err != nil {
		m.logger.Error("Failed to finalize job", map[string]interface{}{
			"job_id": job.ID,
			"status": string(status),
			"error":  err.Error(),
		})
		return "", false
	}

	var duration time.Duration
	if updated != nil {
		duration = updated.Duration()
	}
	m.observer.JobFinished(job.Command, status, duration)

	fields := map[string]interface{}{
		"job_id":   job.ID,
		"command":  job.Command,
		"status":   string(status),
		"duration": duration.String(),
	}
	if runErr != nil {
		fields["error"] = runErr.Error()
		m.logger.Warn("Job failed", fields)
		return status, true
	}
	m.logger.Info("Job completed", fields)
	return status, true
}

// forceFail records a failure for a job still running after its goroutine panicked
func (m *Manager) forceFail(ctx context.Context, id string, reason string) {
	job, err := m.store.GetJob(ctx, id)
	if err != nil || job.Status != models.JobStatusRunning {
		return
	}
	m.finalize(ctx, job, nil, errors.New(reason))
}

// ListOptions filters a job listing
type ListOptions struct {
	Limit   int
	Offset  int
	Status  models.JobStatus
	Command string
}

// ListResult is a page of jobs plus the aggregate stats snapshot
type ListResult struct {
	Jobs  []*models.Job `json:"jobs"`
	Count int           `json:"count"`
	Stats models.Stats  `json:"stats"`
}

// ListJobs returns jobs matching opts, newest first
func (m *Manager) ListJobs(ctx context.Context, opts ListOptions) (*ListResult, error) {
	if opts.Limit <= 0 {
		opts.Limit = DefaultListLimit
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}

	var jobs []*models.Job
	var err error

	switch {
	case opts.Status == "" && opts.Command == "":
		jobs, err = m.store.ListJobs(ctx, opts.Limit, opts.Offset)
	case opts.Status != "":
		jobs, err = m.store.ListJobsByStatus(ctx, opts.Status)
		if err == nil && opts.Command != "" {
			jobs = filterCommand(jobs, opts.Command)
		}
		jobs = window(jobs, opts.Limit, opts.Offset)
	default:
		jobs, err = m.store.ListJobsByCommand(ctx, opts.Command)
		jobs = window(jobs, opts.Limit, opts.Offset)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	stats, err := m.store.GetStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}

	return &ListResult{Jobs: jobs, Count: len(jobs), Stats: stats}, nil
}

func filterCommand(jobs []*models.Job, command string) []*models.Job {
	out := jobs[:0]
	for _, j := range jobs {
		if j.Command == command {
			out = append(out, j)
		}
	}
	return out
}

func window(jobs []*models.Job, limit, offset int) []*models.Job {
	if offset >= len(jobs) {
		return []*models.Job{}
	}
	jobs = jobs[offset:]
	if limit < len(jobs) {
		jobs = jobs[:limit]
	}
	return jobs
}

// DeleteJob removes a job and reports whether it existed
func (m *Manager) DeleteJob(ctx context.Context, id string) (bool, error) {
	deleted, err := m.store.DeleteJob(ctx, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete job: %w", err)
	}
	if deleted {
		m.publish(events.EventJobDeleted, &models.Job{ID: id})
	}
	return deleted, nil
}

// DeleteOlderThan removes jobs created more than days ago
func (m *Manager) DeleteOlderThan(ctx context.Context, days int) (int64, error) {
	if days < 0 {
		return 0, fmt.Errorf("retention days must be non-negative, got %d", days)
	}
	n, err := m.store.DeleteOlderThan(ctx, days)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old jobs: %w", err)
	}
	if n > 0 {
		m.logger.Info("Deleted expired jobs", map[string]interface{}{"count": n, "days": days})
	}
	return n, nil
}

// Stats returns per-status job counts
func (m *Manager) Stats(ctx context.Context) (models.Stats, error) {
	return m.store.GetStats(ctx)
}

// InFlight returns the number of spawned jobs not yet finalized
func (m *Manager) InFlight() int {
	return int(m.inFlight.Load())
}

// Wait blocks until every spawned job has been finalized or ctx ends
func (m *Manager) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%d jobs still running: %w", m.InFlight(), ctx.Err())
	}
}

func (m *Manager) publish(typ events.EventType, job *models.Job) {
	if m.events == nil {
		return
	}
	m.events.Publish(events.JobEvent{Type: typ, Job: job, Timestamp: m.now().UTC()})
}
