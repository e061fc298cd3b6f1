package cleanup

import (
	"context"
	"sync"
	"time"

	"github.com/psantana5/playscope/pkg/logging"
)

// Config defines retention policies and cleanup intervals
type Config struct {
	Enabled          bool
	JobRetentionDays int
	CleanupInterval  time.Duration
	VacuumInterval   time.Duration
	InitialDelay     time.Duration
}

// DefaultConfig returns sensible defaults for cleanup
func DefaultConfig() Config {
	return Config{
		Enabled:          true,
		JobRetentionDays: 7,
		CleanupInterval:  24 * time.Hour,
		VacuumInterval:   7 * 24 * time.Hour,
		InitialDelay:     5 * time.Minute,
	}
}

// Pruner deletes jobs older than a number of days
type Pruner interface {
	DeleteOlderThan(ctx context.Context, days int) (int64, error)
}

// Vacuumer reclaims storage
type Vacuumer interface {
	Vacuum(ctx context.Context) error
}

// Manager handles automatic cleanup of old jobs and database maintenance
type Manager struct {
	config   Config
	pruner   Pruner
	vacuumer Vacuumer
	logger   *logging.Logger

	mu    sync.RWMutex
	stats Stats
}

// Stats tracks cleanup operations
type Stats struct {
	LastCleanupTime     time.Time     `json:"last_cleanup_time"`
	LastVacuumTime      time.Time     `json:"last_vacuum_time"`
	TotalJobsDeleted    int64         `json:"total_jobs_deleted"`
	TotalVacuumRuns     int64         `json:"total_vacuum_runs"`
	LastCleanupDuration time.Duration `json:"last_cleanup_duration"`
	LastVacuumDuration  time.Duration `json:"last_vacuum_duration"`
	LastError           string        `json:"last_error,omitempty"`
}

// NewManager creates a new cleanup manager. vacuumer may be nil.
func NewManager(config Config, pruner Pruner, vacuumer Vacuumer, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.Nop()
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = DefaultConfig().CleanupInterval
	}
	return &Manager{
		config:   config,
		pruner:   pruner,
		vacuumer: vacuumer,
		logger:   logger.WithComponent("cleanup"),
	}
}

// Serve runs the cleanup and vacuum loops until ctx is cancelled
func (m *Manager) Serve(ctx context.Context) error {
	if !m.config.Enabled {
		m.logger.Info("Cleanup manager disabled")
		<-ctx.Done()
		return ctx.Err()
	}

	m.logger.Info("Starting cleanup manager", map[string]interface{}{
		"retention_days": m.config.JobRetentionDays,
		"interval":       m.config.CleanupInterval.String(),
	})

	if m.config.InitialDelay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.config.InitialDelay):
		}
	}
	m.CleanupNow(ctx)

	cleanupTicker := time.NewTicker(m.config.CleanupInterval)
	defer cleanupTicker.Stop()

	var vacuumC <-chan time.Time
	if m.vacuumer != nil && m.config.VacuumInterval > 0 {
		vacuumTicker := time.NewTicker(m.config.VacuumInterval)
		defer vacuumTicker.Stop()
		vacuumC = vacuumTicker.C
	}

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Cleanup manager stopped")
			return ctx.Err()
		case <-cleanupTicker.C:
			m.CleanupNow(ctx)
		case <-vacuumC:
			m.VacuumNow(ctx)
		}
	}
}

// CleanupNow deletes jobs older than the retention period and returns how many went
func (m *Manager) CleanupNow(ctx context.Context) int64 {
	start := time.Now()

	deleted, err := m.pruner.DeleteOlderThan(ctx, m.config.JobRetentionDays)
	duration := time.Since(start)

	m.mu.Lock()
	m.stats.LastCleanupTime = time.Now()
	m.stats.LastCleanupDuration = duration
	m.stats.TotalJobsDeleted += deleted
	if err != nil {
		m.stats.LastError = err.Error()
	} else {
		m.stats.LastError = ""
	}
	m.mu.Unlock()

	if err != nil {
		m.logger.Error("Job cleanup failed", map[string]interface{}{"error": err.Error()})
		return 0
	}

	m.logger.Info("Job cleanup complete", map[string]interface{}{
		"deleted":  deleted,
		"duration": duration.String(),
	})
	return deleted
}

// VacuumNow performs database maintenance
func (m *Manager) VacuumNow(ctx context.Context) {
	if m.vacuumer == nil {
		return
	}
	start := time.Now()

	if err := m.vacuumer.Vacuum(ctx); err != nil {
		m.logger.Error("Database vacuum failed", map[string]interface{}{"error": err.Error()})
		m.mu.Lock()
		m.stats.LastError = err.Error()
		m.mu.Unlock()
		return
	}

	duration := time.Since(start)

	m.mu.Lock()
	m.stats.LastVacuumTime = time.Now()
	m.stats.LastVacuumDuration = duration
	m.stats.TotalVacuumRuns++
	m.mu.Unlock()

	m.logger.Info("Database vacuum complete", map[string]interface{}{"duration": duration.String()})
}

// GetStats returns current cleanup statistics
func (m *Manager) GetStats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

// String names the service in supervisor logs
func (m *Manager) String() string { return "cleanup" }
