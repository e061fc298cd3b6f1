package jobs

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// UnitOfWork is a named, argument-free operation run under a job.
// The returned payload must be JSON serializable.
type UnitOfWork func(ctx context.Context) (interface{}, error)

// Registry maps command names to units of work
type Registry interface {
	Lookup(name string) (UnitOfWork, bool)
	Names() []string
}

// MapRegistry is a concurrency-safe Registry
type MapRegistry struct {
	mu       sync.RWMutex
	commands map[string]UnitOfWork
}

// NewRegistry creates an empty registry
func NewRegistry() *MapRegistry {
	return &MapRegistry{commands: make(map[string]UnitOfWork)}
}

// Register adds a command. Registering the same name twice is an error.
func (r *MapRegistry) Register(name string, work UnitOfWork) error {
	if name == "" {
		return fmt.Errorf("command name is required")
	}
	if work == nil {
		return fmt.Errorf("command %q has no unit of work", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.commands[name]; exists {
		return fmt.Errorf("command %q already registered", name)
	}
	r.commands[name] = work
	return nil
}

// MustRegister is Register that panics on error
func (r *MapRegistry) MustRegister(name string, work UnitOfWork) *MapRegistry {
	if err := r.Register(name, work); err != nil {
		panic(err)
	}
	return r
}

// Lookup returns the unit of work for name
func (r *MapRegistry) Lookup(name string) (UnitOfWork, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	work, ok := r.commands[name]
	return work, ok
}

// Names returns registered command names in sorted order
func (r *MapRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.commands))
	for name := range r.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
