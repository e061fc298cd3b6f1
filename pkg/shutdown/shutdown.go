package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/psantana5/playscope/pkg/logging"
)

// Hook is one shutdown step
type Hook struct {
	Name string
	Fn   func(context.Context) error
}

// Manager handles graceful shutdown
type Manager struct {
	hooks    []Hook
	mu       sync.Mutex
	timeout  time.Duration
	logger   *logging.Logger
	doneChan chan struct{}
	once     sync.Once
	signals  []os.Signal
}

// New creates a new shutdown manager
func New(timeout time.Duration, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Manager{
		timeout:  timeout,
		logger:   logger.WithComponent("shutdown"),
		doneChan: make(chan struct{}),
		signals:  []os.Signal{syscall.SIGTERM, syscall.SIGINT},
	}
}

// Register adds a shutdown function
// Functions are called in reverse order (LIFO)
func (m *Manager) Register(name string, fn func(context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, Hook{Name: name, Fn: fn})
}

// Done returns a channel that is closed when shutdown is initiated
func (m *Manager) Done() <-chan struct{} {
	return m.doneChan
}

// Trigger marks shutdown as initiated without waiting for a signal
func (m *Manager) Trigger() {
	m.once.Do(func() {
		close(m.doneChan)
	})
}

// Shutdown executes all registered shutdown functions and joins their errors
func (m *Manager) Shutdown() error {
	m.Trigger()

	m.mu.Lock()
	defer m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	var errs []error
	for i := len(m.hooks) - 1; i >= 0; i-- {
		hook := m.hooks[i]
		start := time.Now()
		if err := hook.Fn(ctx); err != nil {
			m.logger.Error("Shutdown step failed", map[string]interface{}{"step": hook.Name, "error": err.Error()})
			errs = append(errs, fmt.Errorf("%s: %w", hook.Name, err))
			continue
		}
		m.logger.Info("Shutdown step complete", map[string]interface{}{"step": hook.Name, "took": time.Since(start).String()})
	}
	m.hooks = nil

	m.logger.Info("Graceful shutdown complete")
	return errors.Join(errs...)
}

// WaitWithContext blocks until a shutdown signal or context cancellation, then runs the hooks
func (m *Manager) WaitWithContext(ctx context.Context) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, m.signals...)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		m.logger.Info("Received signal, initiating graceful shutdown", map[string]interface{}{"signal": sig.String()})
	case <-ctx.Done():
		m.logger.Info("Context cancelled, initiating graceful shutdown")
	case <-m.doneChan:
	}
	return m.Shutdown()
}

// StopHTTPServer creates a shutdown function for http.Server
func StopHTTPServer(server interface{ Shutdown(context.Context) error }, name string) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to stop %s server: %w", name, err)
		}
		return nil
	}
}

// CloseResource creates a shutdown function for io.Closer
func CloseResource(closer interface{ Close() error }, name string) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := closer.Close(); err != nil {
			return fmt.Errorf("failed to close %s: %w", name, err)
		}
		return nil
	}
}

// WaitForJobs creates a shutdown function that blocks until wait returns or the deadline passes
func WaitForJobs(wait func(context.Context) error, resourceName string) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := wait(ctx); err != nil {
			return fmt.Errorf("timeout waiting for %s: %w", resourceName, err)
		}
		return nil
	}
}
