package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/psantana5/playscope/pkg/models"
)

// timeLayout is fixed width so text comparison orders instants correctly
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const jobColumns = `id, command, status, progress, result, error, created_at, started_at, completed_at`

// SQLiteStore is a SQLite-based implementation of the job store
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore creates a new SQLite store
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Configure SQLite connection string with parameters for concurrent access
	// - _journal_mode=WAL: Enable Write-Ahead Logging for better concurrency
	// - _busy_timeout=10000: Wait up to 10 seconds when database is locked
	// - _synchronous=NORMAL: Balance between safety and performance
	// - _cache_size=-8000: 8MB memory cache
	// - _txlock=immediate: Acquire write lock at transaction start
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=10000&_synchronous=NORMAL&_cache_size=-8000&_txlock=immediate", dbPath)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer for SQLite to avoid lock contention
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	store := &SQLiteStore{db: db, now: time.Now}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates the database schema
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		command TEXT NOT NULL,
		status TEXT NOT NULL,
		progress TEXT,
		result TEXT,
		error TEXT,
		created_at TEXT NOT NULL,
		started_at TEXT,
		completed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at);
	CREATE INDEX IF NOT EXISTS idx_jobs_command ON jobs(command);
	`

	_, err := s.db.Exec(schema)
	return err
}

// CreateJob inserts a new pending job
func (s *SQLiteStore) CreateJob(ctx context.Context, command string) (string, error) {
	id, err := newJobID()
	if err != nil {
		return "", fmt.Errorf("failed to generate job id: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, command, status, created_at)
		VALUES (?, ?, ?, ?)
	`, id, command, models.JobStatusPending, formatTime(s.now()))
	if err != nil {
		return "", fmt.Errorf("failed to insert job: %w", err)
	}

	return id, nil
}

// GetJob retrieves a job by ID
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanSQLiteJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// ListJobs returns a window of jobs, newest first. A negative limit means no limit.
func (s *SQLiteStore) ListJobs(ctx context.Context, limit, offset int) ([]*models.Job, error) {
	if limit < 0 {
		limit = -1
	}
	if offset < 0 {
		offset = 0
	}
	return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM jobs
		ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, limit, offset)
}

// ListJobsByStatus returns all jobs with the given status, newest first
func (s *SQLiteStore) ListJobsByStatus(ctx context.Context, status models.JobStatus) ([]*models.Job, error) {
	return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM jobs WHERE status = ?
		ORDER BY created_at DESC, id DESC`, status)
}

// ListJobsByCommand returns all jobs for the given command, newest first
func (s *SQLiteStore) ListJobsByCommand(ctx context.Context, command string) ([]*models.Job, error) {
	return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM jobs WHERE command = ?
		ORDER BY created_at DESC, id DESC`, command)
}

func (s *SQLiteStore) queryJobs(ctx context.Context, query string, args ...interface{}) ([]*models.Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	jobs := []*models.Job{}
	for rows.Next() {
		job, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// UpdateJob applies only the fields set in upd, then re-reads the row
func (s *SQLiteStore) UpdateJob(ctx context.Context, id string, upd models.JobUpdate) (*models.Job, bool, error) {
	if upd.IsEmpty() {
		return nil, false, nil
	}

	var sets []string
	var args []interface{}

	if upd.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*upd.Status))
	}
	if upd.Progress != nil {
		data, err := json.Marshal(upd.Progress)
		if err != nil {
			return nil, false, fmt.Errorf("failed to marshal progress: %w", err)
		}
		sets = append(sets, "progress = ?")
		args = append(args, string(data))
	}
	if upd.Result != nil {
		sets = append(sets, "result = ?")
		args = append(args, string(upd.Result))
	}
	if upd.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *upd.Error)
	}
	// Timestamps are write-once
	if upd.StartedAt != nil {
		sets = append(sets, "started_at = COALESCE(started_at, ?)")
		args = append(args, formatTime(*upd.StartedAt))
	}
	if upd.CompletedAt != nil {
		sets = append(sets, "completed_at = COALESCE(completed_at, ?)")
		args = append(args, formatTime(*upd.CompletedAt))
	}
	args = append(args, id)

	result, err := s.db.ExecContext(ctx,
		"UPDATE jobs SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return nil, false, fmt.Errorf("failed to update job: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	if affected == 0 {
		return nil, false, nil
	}

	job, err := s.GetJob(ctx, id)
	if errors.Is(err, ErrJobNotFound) {
		// Deleted between the update and the re-read
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return job, true, nil
}

// StartJob atomically moves a pending job to running
func (s *SQLiteStore) StartJob(ctx context.Context, id string, at time.Time) (*models.Job, error) {
	result, err := s.db.ExecContext(ctx,
		"UPDATE jobs SET status = ?, started_at = ? WHERE id = ? AND status = ?",
		models.JobStatusRunning, formatTime(at), id, models.JobStatusPending)
	if err != nil {
		return nil, fmt.Errorf("failed to start job: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}

	job, err := s.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, ErrJobAlreadyStarted
	}
	return job, nil
}

// ReportProgress sets progress only while the job is running
func (s *SQLiteStore) ReportProgress(ctx context.Context, id string, p models.Progress) (*models.Job, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal progress: %w", err)
	}
	result, err := s.db.ExecContext(ctx,
		"UPDATE jobs SET progress = ? WHERE id = ? AND status = ?",
		string(data), id, models.JobStatusRunning)
	if err != nil {
		return nil, fmt.Errorf("failed to report progress: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}

	job, err := s.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, ErrJobNotRunning
	}
	return job, nil
}

// FailInterrupted marks every running job as failed
func (s *SQLiteStore) FailInterrupted(ctx context.Context, reason string, at time.Time) ([]*models.Job, error) {
	running, err := s.ListJobsByStatus(ctx, models.JobStatusRunning)
	if err != nil {
		return nil, err
	}

	failed := models.JobStatusFailed
	upd := models.JobUpdate{Status: &failed, Error: &reason, CompletedAt: &at}

	recovered := make([]*models.Job, 0, len(running))
	for _, job := range running {
		updated, ok, err := s.UpdateJob(ctx, job.ID, upd)
		if err != nil {
			return recovered, err
		}
		if ok {
			recovered = append(recovered, updated)
		}
	}
	return recovered, nil
}

// DeleteJob removes a job
func (s *SQLiteStore) DeleteJob(ctx context.Context, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM jobs WHERE id = ?", id)
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
func (s *SQLiteStore) DeleteOlderThan(ctx context.Context, days int) (int64, error) {
	cutoff := retentionCutoff(s.now(), days)
	result, err := s.db.ExecContext(ctx, "DELETE FROM jobs WHERE created_at < ?", formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to delete old jobs: %w", err)
	}
	return result.RowsAffected()
}

// GetStats returns per-status job counts
func (s *SQLiteStore) GetStats(ctx context.Context) (models.Stats, error) {
	return queryStats(ctx, s.db)
}

// Ping checks the database connection
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Vacuum reclaims space left by deleted jobs
func (s *SQLiteStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSQLiteJob(row rowScanner) (*models.Job, error) {
	var job models.Job
	var progress, result, errMsg, startedAt, completedAt sql.NullString
	var createdAt string

	if err := row.Scan(&job.ID, &job.Command, &job.Status, &progress, &result, &errMsg,
		&createdAt, &startedAt, &completedAt); err != nil {
		return nil, err
	}

	var err error
	if job.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if job.StartedAt, err = parseNullTime(startedAt); err != nil {
		return nil, err
	}
	if job.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return nil, err
	}
	if err := decodeJobPayload(&job, []byte(progress.String), []byte(result.String)); err != nil {
		return nil, err
	}
	job.Error = errMsg.String

	return &job, nil
}

func decodeJobPayload(job *models.Job, progress, result []byte) error {
	if len(progress) > 0 && string(progress) != "null" {
		var p models.Progress
		if err := json.Unmarshal(progress, &p); err != nil {
			return fmt.Errorf("failed to unmarshal progress: %w", err)
		}
		job.Progress = &p
	}
	if len(result) > 0 {
		job.Result = json.RawMessage(result)
	}
	return nil
}

// queryStats runs the per-status aggregate shared by the SQL stores
func queryStats(ctx context.Context, db *sql.DB) (models.Stats, error) {
	var stats models.Stats

	rows, err := db.QueryContext(ctx, "SELECT status, COUNT(*) FROM jobs GROUP BY status")
	if err != nil {
		return stats, fmt.Errorf("failed to query stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status models.JobStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return stats, err
		}
		stats.Add(status, count)
	}
	return stats, rows.Err()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
