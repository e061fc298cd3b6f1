package jobs

import (
	"context"
	"fmt"

	"github.com/psantana5/playscope/pkg/events"
)

// InterruptedReason is recorded on jobs that were running when the process stopped
const InterruptedReason = "interrupted: process restarted"

// RecoverInterrupted fails every job left running by a previous process.
// Work is never resumed since units of work carry no checkpoint.
// Call it once at startup before any job is spawned.
func (m *Manager) RecoverInterrupted(ctx context.Context) (int, error) {
	recovered, err := m.store.FailInterrupted(ctx, InterruptedReason, m.now())
	if err != nil {
		return 0, fmt.Errorf("failed to recover interrupted jobs: %w", err)
	}

	for _, job := range recovered {
		m.publish(events.EventJobUpdated, job)
		m.logger.Warn("Marked interrupted job as failed", map[string]interface{}{
			"job_id":  job.ID,
			"command": job.Command,
		})
	}

	if len(recovered) > 0 {
		m.logger.Info("Recovery complete", map[string]interface{}{"recovered": len(recovered)})
	}
	return len(recovered), nil
}
