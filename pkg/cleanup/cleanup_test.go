package cleanup

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/playscope/pkg/logging"
)

type fakePruner struct {
	calls atomic.Int32
	days  atomic.Int32
	n     int64
	err   error
}

func (f *fakePruner) DeleteOlderThan(_ context.Context, days int) (int64, error) {
	f.calls.Add(1)
	f.days.Store(int32(days))
	return f.n, f.err
}

type fakeVacuumer struct{ calls atomic.Int32 }

func (f *fakeVacuumer) Vacuum(context.Context) error {
	f.calls.Add(1)
	return nil
}

func TestCleanupNowRecordsStats(t *testing.T) {
	p := &fakePruner{n: 4}
	m := NewManager(Config{Enabled: true, JobRetentionDays: 30}, p, nil, logging.Nop())

	assert.Equal(t, int64(4), m.CleanupNow(context.Background()))
	assert.Equal(t, int64(4), m.CleanupNow(context.Background()))

	stats := m.GetStats()
	assert.Equal(t, int64(8), stats.TotalJobsDeleted)
	assert.False(t, stats.LastCleanupTime.IsZero())
	assert.Empty(t, stats.LastError)
	assert.Equal(t, int32(30), p.days.Load())
}

func TestCleanupNowRecordsError(t *testing.T) {
	p := &fakePruner{err: errors.New("disk full")}
	m := NewManager(Config{Enabled: true, JobRetentionDays: 1}, p, nil, logging.Nop())

	assert.Equal(t, int64(0), m.CleanupNow(context.Background()))
	assert.Equal(t, "disk full", m.GetStats().LastError)
}

func TestServeRunsPeriodically(t *testing.T) {
	p := &fakePruner{}
	v := &fakeVacuumer{}
	m := NewManager(Config{
		Enabled:          true,
		JobRetentionDays: 7,
		CleanupInterval:  10 * time.Millisecond,
		VacuumInterval:   10 * time.Millisecond,
	}, p, v, logging.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Serve(ctx) }()

	require.Eventually(t, func() bool {
		return p.calls.Load() >= 3 && v.calls.Load() >= 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	assert.GreaterOrEqual(t, m.GetStats().TotalVacuumRuns, int64(1))
}

func TestServeDisabledBlocksUntilCancel(t *testing.T) {
	p := &fakePruner{}
	m := NewManager(Config{Enabled: false}, p, nil, logging.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, m.Serve(ctx), context.DeadlineExceeded)
	assert.Equal(t, int32(0), p.calls.Load())
}
