package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestValidateTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    JobStatus
		to      JobStatus
		wantErr bool
	}{
		// Valid transitions
		{"Pending to Running", JobStatusPending, JobStatusRunning, false},
		{"Running to Completed", JobStatusRunning, JobStatusCompleted, false},
		{"Running to Failed", JobStatusRunning, JobStatusFailed, false},

		// Invalid transitions
		{"Pending to Completed", JobStatusPending, JobStatusCompleted, true},
		{"Pending to Failed", JobStatusPending, JobStatusFailed, true},
		{"Running to Pending", JobStatusRunning, JobStatusPending, true},
		{"Completed to Running", JobStatusCompleted, JobStatusRunning, true},
		{"Completed to Failed", JobStatusCompleted, JobStatusFailed, true},
		{"Failed to Running", JobStatusFailed, JobStatusRunning, true},
		{"Failed to Pending", JobStatusFailed, JobStatusPending, true},
		{"Unknown source", JobStatus("canceled"), JobStatusRunning, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTransition(tt.from, tt.to)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateTransition(%v, %v) error = %v, wantErr %v",
					tt.from, tt.to, err, tt.wantErr)
			}
		})
	}
}

func TestIsTerminalState(t *testing.T) {
	tests := []struct {
		name     string
		state    JobStatus
		expected bool
	}{
		{"Completed is terminal", JobStatusCompleted, true},
		{"Failed is terminal", JobStatusFailed, true},
		{"Pending is not terminal", JobStatusPending, false},
		{"Running is not terminal", JobStatusRunning, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := IsTerminalState(tt.state)
			if result != tt.expected {
				t.Errorf("IsTerminalState(%v) = %v, want %v", tt.state, result, tt.expected)
			}
			if IsActiveState(tt.state) == tt.expected {
				t.Errorf("IsActiveState(%v) should be the inverse of IsTerminalState", tt.state)
			}
		})
	}
}

func TestNoTransitionLeavesTerminalState(t *testing.T) {
	for _, from := range []JobStatus{JobStatusCompleted, JobStatusFailed} {
		for _, to := range AllStatuses {
			if err := ValidateTransition(from, to); err == nil {
				t.Errorf("transition %s -> %s should be rejected", from, to)
			}
		}
	}
}

func TestCheckInvariants(t *testing.T) {
	now := time.Now().UTC()
	later := now.Add(time.Second)

	tests := []struct {
		name    string
		job     Job
		wantErr bool
	}{
		{"fresh pending", Job{ID: "1", Status: JobStatusPending}, false},
		{"pending with start", Job{ID: "2", Status: JobStatusPending, StartedAt: &now}, true},
		{"running", Job{ID: "3", Status: JobStatusRunning, StartedAt: &now}, false},
		{"running with progress", Job{ID: "4", Status: JobStatusRunning, StartedAt: &now, Progress: &Progress{Current: 3, Total: 10}}, false},
		{"running without start", Job{ID: "5", Status: JobStatusRunning}, true},
		{"running with error", Job{ID: "6", Status: JobStatusRunning, StartedAt: &now, Error: "x"}, true},
		{"completed", Job{ID: "7", Status: JobStatusCompleted, StartedAt: &now, CompletedAt: &later, Result: json.RawMessage(`{"ok":true}`)}, false},
		{"completed without result", Job{ID: "8", Status: JobStatusCompleted, StartedAt: &now, CompletedAt: &later}, true},
		{"completed with both", Job{ID: "9", Status: JobStatusCompleted, StartedAt: &now, CompletedAt: &later, Result: json.RawMessage(`1`), Error: "x"}, true},
		{"failed", Job{ID: "10", Status: JobStatusFailed, StartedAt: &now, CompletedAt: &later, Error: "boom"}, false},
		{"failed with result", Job{ID: "11", Status: JobStatusFailed, StartedAt: &now, CompletedAt: &later, Result: json.RawMessage(`1`)}, true},
		{"failed without completed_at", Job{ID: "12", Status: JobStatusFailed, StartedAt: &now, Error: "boom"}, true},
		{"unknown status", Job{ID: "13", Status: "queued"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckInvariants(&tt.job)
			if (err != nil) != tt.wantErr {
				t.Errorf("CheckInvariants() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestJobUpdateApplyKeepsTimestamps(t *testing.T) {
	first := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	second := first.Add(time.Hour)

	job := &Job{ID: "j", Status: JobStatusPending}
	running := JobStatusRunning
	JobUpdate{Status: &running, StartedAt: &first}.Apply(job)
	JobUpdate{StartedAt: &second}.Apply(job)

	if !job.StartedAt.Equal(first) {
		t.Errorf("StartedAt changed to %v, want %v", job.StartedAt, first)
	}
	if job.Status != JobStatusRunning {
		t.Errorf("Status = %v, want running", job.Status)
	}

	if !(JobUpdate{}).IsEmpty() {
		t.Error("zero JobUpdate should be empty")
	}
	if (JobUpdate{Progress: &Progress{}}).IsEmpty() {
		t.Error("progress-only update should not be empty")
	}
}

func TestStatsAdd(t *testing.T) {
	var s Stats
	s.Add(JobStatusPending, 2)
	s.Add(JobStatusFailed, 1)
	s.Add(JobStatus("bogus"), 5)

	if s.Pending != 2 || s.Failed != 1 || s.Total != 3 {
		t.Errorf("unexpected stats: %+v", s)
	}
}
