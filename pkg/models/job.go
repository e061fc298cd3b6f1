package models

import (
	"encoding/json"
	"time"
)

// JobStatus represents the status of a job
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// AllStatuses lists every job status in lifecycle order
var AllStatuses = []JobStatus{
	JobStatusPending,
	JobStatusRunning,
	JobStatusCompleted,
	JobStatusFailed,
}

// Valid reports whether s is a known status
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusRunning, JobStatusCompleted, JobStatusFailed:
		return true
	}
	return false
}

// Progress is the incremental progress reported by a running command.
// Current and Total are owned by the command; no relation between them is enforced.
type Progress struct {
	Current int    `json:"current"`
	Total   int    `json:"total"`
	Message string `json:"message,omitempty"`
}

// Job represents one background run of a registered command
type Job struct {
	ID          string          `json:"id"`
	Command     string          `json:"command"`
	Status      JobStatus       `json:"status"`
	Progress    *Progress       `json:"progress,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// Duration returns how long the job ran, or zero if it has not finished
func (j *Job) Duration() time.Duration {
	if j.StartedAt == nil || j.CompletedAt == nil {
		return 0
	}
	return j.CompletedAt.Sub(*j.StartedAt)
}

// JobUpdate is a partial update. Nil fields are left untouched.
type JobUpdate struct {
	Status      *JobStatus
	Progress    *Progress
	Result      json.RawMessage
	Error       *string
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// IsEmpty reports whether no field is set
func (u JobUpdate) IsEmpty() bool {
	return u.Status == nil && u.Progress == nil && u.Result == nil &&
		u.Error == nil && u.StartedAt == nil && u.CompletedAt == nil
}

// Apply merges the update into job. StartedAt and CompletedAt are only
// written when unset so they stay immutable once recorded.
func (u JobUpdate) Apply(job *Job) {
	if u.Status != nil {
		job.Status = *u.Status
	}
	if u.Progress != nil {
		p := *u.Progress
		job.Progress = &p
	}
	if u.Result != nil {
		job.Result = append(json.RawMessage(nil), u.Result...)
	}
	if u.Error != nil {
		job.Error = *u.Error
	}
	if u.StartedAt != nil && job.StartedAt == nil {
		t := u.StartedAt.UTC()
		job.StartedAt = &t
	}
	if u.CompletedAt != nil && job.CompletedAt == nil {
		t := u.CompletedAt.UTC()
		job.CompletedAt = &t
	}
}

// Stats holds per-status job counts
type Stats struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Total     int `json:"total"`
}

// Add increments the counter for status by n and keeps Total in sync
func (s *Stats) Add(status JobStatus, n int) {
	switch status {
	case JobStatusPending:
		s.Pending += n
	case JobStatusRunning:
		s.Running += n
	case JobStatusCompleted:
		s.Completed += n
	case JobStatusFailed:
		s.Failed += n
	default:
		return
	}
	s.Total += n
}
