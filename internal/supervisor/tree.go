// Package supervisor runs the daemon's long-lived services under a suture tree.
//
// The tree has three layers so a crash in one does not take the others down:
//   - store: retention cleanup and vacuum
//   - messaging: websocket hub and rate limiter eviction
//   - api: HTTP API and metrics servers
package supervisor

import (
	"context"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/psantana5/playscope/pkg/logging"
)

// TreeConfig holds supervisor tree settings
type TreeConfig struct {
	FailureThreshold float64
	FailureDecay     float64
	FailureBackoff   time.Duration
	ShutdownTimeout  time.Duration
}

// DefaultTreeConfig returns suture's own defaults
func DefaultTreeConfig() TreeConfig {
	return TreeConfig{
		FailureThreshold: 5.0,
		FailureDecay:     30.0,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

func (c TreeConfig) withDefaults() TreeConfig {
	d := DefaultTreeConfig()
	if c.FailureThreshold == 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.FailureDecay == 0 {
		c.FailureDecay = d.FailureDecay
	}
	if c.FailureBackoff == 0 {
		c.FailureBackoff = d.FailureBackoff
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	return c
}

// Tree is the root supervisor and its layers
type Tree struct {
	root      *suture.Supervisor
	store     *suture.Supervisor
	messaging *suture.Supervisor
	api       *suture.Supervisor
	config    TreeConfig
}

// NewTree builds the supervisor hierarchy. Events are logged through logger.
func NewTree(logger *logging.Logger, config TreeConfig) *Tree {
	if logger == nil {
		logger = logging.Nop()
	}
	config = config.withDefaults()

	childSpec := suture.Spec{
		FailureThreshold: config.FailureThreshold,
		FailureDecay:     config.FailureDecay,
		FailureBackoff:   config.FailureBackoff,
		Timeout:          config.ShutdownTimeout,
	}
	rootSpec := childSpec
	rootSpec.EventHook = EventHook(logger.WithComponent("supervisor"))

	t := &Tree{
		root:      suture.New("playscoped", rootSpec),
		store:     suture.New("store-layer", childSpec),
		messaging: suture.New("messaging-layer", childSpec),
		api:       suture.New("api-layer", childSpec),
		config:    config,
	}
	t.root.Add(t.store)
	t.root.Add(t.messaging)
	t.root.Add(t.api)
	return t
}

// AddStoreService adds a service to the store layer
func (t *Tree) AddStoreService(svc suture.Service) suture.ServiceToken {
	return t.store.Add(svc)
}

// AddMessagingService adds a service to the messaging layer
func (t *Tree) AddMessagingService(svc suture.Service) suture.ServiceToken {
	return t.messaging.Add(svc)
}

// AddAPIService adds a service to the api layer
func (t *Tree) AddAPIService(svc suture.Service) suture.ServiceToken {
	return t.api.Add(svc)
}

// Serve runs the tree until ctx is cancelled
func (t *Tree) Serve(ctx context.Context) error {
	return t.root.Serve(ctx)
}

// ServeBackground runs the tree in a goroutine and reports its exit
func (t *Tree) ServeBackground(ctx context.Context) <-chan error {
	return t.root.ServeBackground(ctx)
}

// UnstoppedServiceReport lists services that missed the shutdown timeout
func (t *Tree) UnstoppedServiceReport() ([]suture.UnstoppedService, error) {
	return t.root.UnstoppedServiceReport()
}

// EventHook converts suture events into structured log lines
func EventHook(logger *logging.Logger) suture.EventHook {
	return func(e suture.Event) {
		fields := e.Map()
		switch e.Type() {
		case suture.EventTypeServicePanic:
			logger.Error("Supervised service panicked", fields)
		case suture.EventTypeServiceTerminate:
			logger.Warn("Supervised service terminated", fields)
		case suture.EventTypeBackoff:
			logger.Warn("Supervisor entering backoff", fields)
		case suture.EventTypeResume:
			logger.Info("Supervisor resumed", fields)
		case suture.EventTypeStopTimeout:
			logger.Error("Service did not stop in time", fields)
		default:
			logger.Debug(e.String(), fields)
		}
	}
}
