package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/psantana5/playscope/pkg/models"
)

// PostgreSQLStore implements JobStore using PostgreSQL
type PostgreSQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgreSQLStore creates a new PostgreSQL store
func NewPostgreSQLStore(config Config) (*PostgreSQLStore, error) {
	dsn := config.DSN
	if dsn == "" {
		return nil, fmt.Errorf("PostgreSQL DSN is required")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(10)
	}

	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(2)
	}

	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	if config.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(config.ConnMaxIdleTime)
	} else {
		db.SetConnMaxIdleTime(1 * time.Minute)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &PostgreSQLStore{db: db, now: time.Now}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates tables if they don't exist
func (s *PostgreSQLStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		command TEXT NOT NULL,
		status TEXT NOT NULL,
		progress JSONB,
		result JSONB,
		error TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at);
	CREATE INDEX IF NOT EXISTS idx_jobs_command ON jobs(command);
	`

	_, err := s.db.Exec(schema)
	return err
}

// CreateJob inserts a new pending job
func (s *PostgreSQLStore) CreateJob(ctx context.Context, command string) (string, error) {
	id, err := newJobID()
	if err != nil {
		return "", fmt.Errorf("failed to generate job id: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, command, status, created_at)
		VALUES ($1, $2, $3, $4)
	`, id, command, models.JobStatusPending, s.now().UTC())
	if err != nil {
		return "", fmt.Errorf("failed to insert job: %w", err)
	}

	return id, nil
}

// GetJob retrieves a job by ID
func (s *PostgreSQLStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanPostgresJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// ListJobs returns a window of jobs, newest first. A negative limit means no limit.
func (s *PostgreSQLStore) ListJobs(ctx context.Context, limit, offset int) ([]*models.Job, error) {
	var lim interface{}
	if limit >= 0 {
		lim = limit
	}
	if offset < 0 {
		offset = 0
	}
	return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM jobs
		ORDER BY created_at DESC, id DESC LIMIT $1 OFFSET $2`, lim, offset)
}

// ListJobsByStatus returns all jobs with the given status, newest first
func (s *PostgreSQLStore) ListJobsByStatus(ctx context.Context, status models.JobStatus) ([]*models.Job, error) {
	return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM jobs WHERE status = $1
		ORDER BY created_at DESC, id DESC`, status)
}

// ListJobsByCommand returns all jobs for the given command, newest first
func (s *PostgreSQLStore) ListJobsByCommand(ctx context.Context, command string) ([]*models.Job, error) {
	return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM jobs WHERE command = $1
		ORDER BY created_at DESC, id DESC`, command)
}

func (s *PostgreSQLStore) queryJobs(ctx context.Context, query string, args ...interface{}) ([]*models.Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	jobs := []*models.Job{}
	for rows.Next() {
		job, err := scanPostgresJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// UpdateJob applies only the fields set in upd and returns the updated row
func (s *PostgreSQLStore) UpdateJob(ctx context.Context, id string, upd models.JobUpdate) (*models.Job, bool, error) {
	if upd.IsEmpty() {
		return nil, false, nil
	}

	var sets []string
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if upd.Status != nil {
		sets = append(sets, "status = "+arg(string(*upd.Status)))
	}
	if upd.Progress != nil {
		data, err := json.Marshal(upd.Progress)
		if err != nil {
			return nil, false, fmt.Errorf("failed to marshal progress: %w", err)
		}
		sets = append(sets, "progress = "+arg(string(data)))
	}
	if upd.Result != nil {
		sets = append(sets, "result = "+arg(string(upd.Result)))
	}
	if upd.Error != nil {
		sets = append(sets, "error = "+arg(*upd.Error))
	}
	if upd.StartedAt != nil {
		sets = append(sets, "started_at = COALESCE(started_at, "+arg(upd.StartedAt.UTC())+")")
	}
	if upd.CompletedAt != nil {
		sets = append(sets, "completed_at = COALESCE(completed_at, "+arg(upd.CompletedAt.UTC())+")")
	}

	query := "UPDATE jobs SET " + strings.Join(sets, ", ") +
		" WHERE id = " + arg(id) + " RETURNING " + jobColumns

	job, err := scanPostgresJob(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to update job: %w", err)
	}
	return job, true, nil
}

// ReportProgress sets progress only while the job is running
func (s *PostgreSQLStore) ReportProgress(ctx context.Context, id string, p models.Progress) (*models.Job, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal progress: %w", err)
	}
	row := s.db.QueryRowContext(ctx, `
		UPDATE jobs SET progress = $1
		WHERE id = $2 AND status = $3
		RETURNING `+jobColumns,
		string(data), id, models.JobStatusRunning)

	job, err := scanPostgresJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := s.GetJob(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrJobNotRunning
	}
	if err != nil {
		return nil, fmt.Errorf("failed to report progress: %w", err)
	}
	return job, nil
}

// StartJob atomically moves a pending job to running
func (s *PostgreSQLStore) StartJob(ctx context.Context, id string, at time.Time) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE jobs SET status = $1, started_at = $2
		WHERE id = $3 AND status = $4
		RETURNING `+jobColumns,
		models.JobStatusRunning, at.UTC(), id, models.JobStatusPending)

	job, err := scanPostgresJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := s.GetJob(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrJobAlreadyStarted
	}
	if err != nil {
		return nil, fmt.Errorf("failed to start job: %w", err)
	}
	return job, nil
}

// FailInterrupted marks every running job as failed
func (s *PostgreSQLStore) FailInterrupted(ctx context.Context, reason string, at time.Time) ([]*models.Job, error) {
	return s.queryJobs(ctx, `
		UPDATE jobs SET status = $1, error = $2, completed_at = COALESCE(completed_at, $3)
		WHERE status = $4
		RETURNING `+jobColumns,
		models.JobStatusFailed, reason, at.UTC(), models.JobStatusRunning)
}

// DeleteJob removes a job
func (s *PostgreSQLStore) DeleteJob(ctx context.Context, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM jobs WHERE id = $1", id)
	if err != nil {
		return false, fmt.Errorf("failed to delete job: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// DeleteOlderThan removes jobs created strictly before the retention cutoff
func (s *PostgreSQLStore) DeleteOlderThan(ctx context.Context, days int) (int64, error) {
	cutoff := retentionCutoff(s.now(), days)
	result, err := s.db.ExecContext(ctx, "DELETE FROM jobs WHERE created_at < $1", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old jobs: %w", err)
	}
	return result.RowsAffected()
}

// GetStats returns per-status job counts
func (s *PostgreSQLStore) GetStats(ctx context.Context) (models.Stats, error) {
	return queryStats(ctx, s.db)
}

// Ping checks the database connection
func (s *PostgreSQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Vacuum reclaims space and refreshes planner statistics for the jobs table
func (s *PostgreSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM ANALYZE jobs")
	return err
}

// Close closes the database connection
func (s *PostgreSQLStore) Close() error {
	return s.db.Close()
}

func scanPostgresJob(row rowScanner) (*models.Job, error) {
	var job models.Job
	var progress, result []byte
	var errMsg sql.NullString
	var startedAt, completedAt sql.NullTime

	if err := row.Scan(&job.ID, &job.Command, &job.Status, &progress, &result, &errMsg,
		&job.CreatedAt, &startedAt, &completedAt); err != nil {
		return nil, err
	}

	job.CreatedAt = job.CreatedAt.UTC()
	if startedAt.Valid {
		t := startedAt.Time.UTC()
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time.UTC()
		job.CompletedAt = &t
	}
	if err := decodeJobPayload(&job, progress, result); err != nil {
		return nil, err
	}
	job.Error = errMsg.String

	return &job, nil
}
