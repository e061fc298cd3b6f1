package models

import (
	"fmt"
)

// validTransitions maps from-state to allowed to-states
var validTransitions = map[JobStatus]map[JobStatus]bool{
	JobStatusPending: {
		JobStatusRunning: true, // Pending → Running (execution starts)
	},
	JobStatusRunning: {
		JobStatusCompleted: true, // Running → Completed (command returned a result)
		JobStatusFailed:    true, // Running → Failed (command returned an error or panicked)
	},
	// Terminal states (no transitions allowed)
	JobStatusCompleted: {},
	JobStatusFailed:    {},
}

// ValidateTransition checks if a state transition is valid
func ValidateTransition(from, to JobStatus) error {
	allowedStates, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("unknown source state: %s", from)
	}

	if !allowedStates[to] {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}

	return nil
}

// IsTerminalState returns true if the state is terminal (no further transitions)
func IsTerminalState(state JobStatus) bool {
	return state == JobStatusCompleted || state == JobStatusFailed
}

// IsActiveState returns true if the job is still in flight
func IsActiveState(state JobStatus) bool {
	return state == JobStatusPending || state == JobStatusRunning
}

// CheckInvariants verifies that the fields populated on job match its status.
// It returns the first violation found.
func CheckInvariants(job *Job) error {
	if !job.Status.Valid() {
		return fmt.Errorf("job %s: unknown status %q", job.ID, job.Status)
	}

	hasResult := len(job.Result) > 0
	hasError := job.Error != ""

	switch job.Status {
	case JobStatusPending:
		if job.StartedAt != nil {
			return fmt.Errorf("job %s: pending job has started_at", job.ID)
		}
		if job.CompletedAt != nil {
			return fmt.Errorf("job %s: pending job has completed_at", job.ID)
		}
	case JobStatusRunning:
		if job.StartedAt == nil {
			return fmt.Errorf("job %s: running job has no started_at", job.ID)
		}
		if job.CompletedAt != nil {
			return fmt.Errorf("job %s: running job has completed_at", job.ID)
		}
	case JobStatusCompleted, JobStatusFailed:
		if job.CompletedAt == nil {
			return fmt.Errorf("job %s: %s job has no completed_at", job.ID, job.Status)
		}
		if hasResult == hasError {
			return fmt.Errorf("job %s: %s job must have exactly one of result or error", job.ID, job.Status)
		}
		if job.Status == JobStatusCompleted && !hasResult {
			return fmt.Errorf("job %s: completed job has no result", job.ID)
		}
		if job.Status == JobStatusFailed && !hasError {
			return fmt.Errorf("job %s: failed job has no error", job.ID)
		}
		return nil
	}

	if hasResult || hasError {
		return fmt.Errorf("job %s: %s job has result or error set", job.ID, job.Status)
	}
	return nil
}
