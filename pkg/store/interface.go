package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/psantana5/playscope/pkg/models"
)

// JobStore defines the interface for job persistence.
// SQLite, PostgreSQL and the in-memory store implement it.
type JobStore interface {
	// CreateJob inserts a pending job and returns its id
	CreateJob(ctx context.Context, command string) (string, error)
	// GetJob returns ErrJobNotFound when the id is unknown
	GetJob(ctx context.Context, id string) (*models.Job, error)
	// ListJobs returns a window of jobs, most recently created first
	ListJobs(ctx context.Context, limit, offset int) ([]*models.Job, error)
	ListJobsByStatus(ctx context.Context, status models.JobStatus) ([]*models.Job, error)
	ListJobsByCommand(ctx context.Context, command string) ([]*models.Job, error)

	// UpdateJob applies a partial update and returns the post-update record.
	// The bool is false when the job does not exist or the update is empty.
	UpdateJob(ctx context.Context, id string, upd models.JobUpdate) (*models.Job, bool, error)
	// ReportProgress replaces the progress of a running job. It returns
	// ErrJobNotFound or ErrJobNotRunning and never changes status.
	ReportProgress(ctx context.Context, id string, p models.Progress) (*models.Job, error)
	// StartJob atomically moves a pending job to running
	StartJob(ctx context.Context, id string, at time.Time) (*models.Job, error)
	// FailInterrupted marks every running job as failed and returns them
	FailInterrupted(ctx context.Context, reason string, at time.Time) ([]*models.Job, error)

	DeleteJob(ctx context.Context, id string) (bool, error)
	// DeleteOlderThan removes jobs created strictly before now minus days
	DeleteOlderThan(ctx context.Context, days int) (int64, error)
	GetStats(ctx context.Context) (models.Stats, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Vacuum(ctx context.Context) error
	Close() error
}

// Config holds database configuration
type Config struct {
	Type string // "sqlite", "postgres" or "memory"
	DSN  string // Connection string

	// PostgreSQL specific
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	// SQLite specific
	Path string
}

var (
	ErrJobNotFound         = errors.New("job not found")
	ErrJobAlreadyStarted   = errors.New("job already started")
	ErrJobNotRunning       = errors.New("job is not running")
	ErrUnsupportedDatabase = errors.New("unsupported database type")
)

// New creates a store based on configuration
func New(config Config) (JobStore, error) {
	switch config.Type {
	case "postgres", "postgresql":
		return NewPostgreSQLStore(config)
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite", "":
		path := config.Path
		if path == "" {
			path = config.DSN
		}
		if path == "" {
			path = "playscope.db"
		}
		return NewSQLiteStore(path)
	default:
		return nil, ErrUnsupportedDatabase
	}
}

// newJobID returns a time-ordered id with a random suffix
func newJobID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// retentionCutoff returns the instant before which jobs are expired
func retentionCutoff(now time.Time, days int) time.Time {
	return now.UTC().Add(-time.Duration(days) * 24 * time.Hour)
}

// Ensure all implementations satisfy the interface
var (
	_ JobStore = (*MemoryStore)(nil)
	_ JobStore = (*SQLiteStore)(nil)
	_ JobStore = (*PostgreSQLStore)(nil)
)
