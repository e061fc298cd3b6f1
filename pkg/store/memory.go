package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/psantana5/playscope/pkg/models"
)

// MemoryStore is an in-memory implementation of the job store.
// Jobs are lost when the process exits.
type MemoryStore struct {
	jobs map[string]*memoryJob
	seq  uint64
	mu   sync.RWMutex
	now  func() time.Time
}

type memoryJob struct {
	job *models.Job
	seq uint64
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]*memoryJob),
		now:  time.Now,
	}
}

// CreateJob adds a new pending job
func (s *MemoryStore) CreateJob(ctx context.Context, command string) (string, error) {
	id, err := newJobID()
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	s.jobs[id] = &memoryJob{
		job: &models.Job{
			ID:        id,
			Command:   command,
			Status:    models.JobStatusPending,
			CreatedAt: s.now().UTC(),
		},
		seq: s.seq,
	}
	return id, nil
}

// GetJob retrieves a copy of a job by ID
func (s *MemoryStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	mj, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return copyJob(mj.job), nil
}

// ListJobs returns a window of jobs, newest first
func (s *MemoryStore) ListJobs(ctx context.Context, limit, offset int) ([]*models.Job, error) {
	all := s.filter(func(*models.Job) bool { return true })
	if offset < 0 {
		offset = 0
	}
	if offset >= len(all) {
		return []*models.Job{}, nil
	}
	all = all[offset:]
	if limit >= 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

// ListJobsByStatus returns all jobs in the given status, newest first
func (s *MemoryStore) ListJobsByStatus(ctx context.Context, status models.JobStatus) ([]*models.Job, error) {
	return s.filter(func(j *models.Job) bool { return j.Status == status }), nil
}

// ListJobsByCommand returns all jobs for the given command, newest first
func (s *MemoryStore) ListJobsByCommand(ctx context.Context, command string) ([]*models.Job, error) {
	return s.filter(func(j *models.Job) bool { return j.Command == command }), nil
}

func (s *MemoryStore) filter(keep func(*models.Job) bool) []*models.Job {
	s.mu.RLock()
	matched := make([]*memoryJob, 0, len(s.jobs))
	for _, mj := range s.jobs {
		if keep(mj.job) {
			matched = append(matched, mj)
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if !a.job.CreatedAt.Equal(b.job.CreatedAt) {
			return a.job.CreatedAt.After(b.job.CreatedAt)
		}
		return a.seq > b.seq
	})

	jobs := make([]*models.Job, len(matched))
	for i, mj := range matched {
		jobs[i] = copyJob(mj.job)
	}
	return jobs
}

// UpdateJob applies a partial update
func (s *MemoryStore) UpdateJob(ctx context.Context, id string, upd models.JobUpdate) (*models.Job, bool, error) {
	if upd.IsEmpty() {
		return nil, false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	mj, ok := s.jobs[id]
	if !ok {
		return nil, false, nil
	}
	upd.Apply(mj.job)
	return copyJob(mj.job), true, nil
}

// ReportProgress sets progress on a running job
func (s *MemoryStore) ReportProgress(ctx context.Context, id string, p models.Progress) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mj, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	if mj.job.Status != models.JobStatusRunning {
		return nil, ErrJobNotRunning
	}
	models.JobUpdate{Progress: &p}.Apply(mj.job)
	return copyJob(mj.job), nil
}

// StartJob moves a pending job to running, failing if it already left pending
func (s *MemoryStore) StartJob(ctx context.Context, id string, at time.Time) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mj, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	if mj.job.Status != models.JobStatusPending {
		return nil, ErrJobAlreadyStarted
	}

	running := models.JobStatusRunning
	models.JobUpdate{Status: &running, StartedAt: &at}.Apply(mj.job)
	return copyJob(mj.job), nil
}

// FailInterrupted marks every running job as failed
func (s *MemoryStore) FailInterrupted(ctx context.Context, reason string, at time.Time) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	failed := models.JobStatusFailed
	upd := models.JobUpdate{Status: &failed, Error: &reason, CompletedAt: &at}

	var recovered []*models.Job
	for _, mj := range s.jobs {
		if mj.job.Status != models.JobStatusRunning {
			continue
		}
		upd.Apply(mj.job)
		recovered = append(recovered, copyJob(mj.job))
	}
	return recovered, nil
}

// DeleteJob removes a job
func (s *MemoryStore) DeleteJob(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; !ok {
		return false, nil
	}
	delete(s.jobs, id)
	return true, nil
}

// DeleteOlderThan removes jobs created strictly before the retention cutoff
func (s *MemoryStore) DeleteOlderThan(ctx context.Context, days int) (int64, error) {
	cutoff := retentionCutoff(s.now(), days)

	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for id, mj := range s.jobs {
		if mj.job.CreatedAt.Before(cutoff) {
			delete(s.jobs, id)
			deleted++
		}
	}
	return deleted, nil
}

// GetStats returns per-status job counts
func (s *MemoryStore) GetStats(ctx context.Context) (models.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stats models.Stats
	for _, mj := range s.jobs {
		stats.Add(mj.job.Status, 1)
	}
	return stats, nil
}

// Ping always succeeds
func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Vacuum is a no-op for the in-memory store
func (s *MemoryStore) Vacuum(ctx context.Context) error {
	return nil
}

// Close is a no-op for the in-memory store
func (s *MemoryStore) Close() error {
	return nil
}

func copyJob(j *models.Job) *models.Job {
	c := *j
	if j.Progress != nil {
		p := *j.Progress
		c.Progress = &p
	}
	if j.Result != nil {
		c.Result = append([]byte(nil), j.Result...)
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
