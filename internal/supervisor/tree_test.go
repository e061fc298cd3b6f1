package supervisor

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/playscope/pkg/logging"
)

func TestNewTreeAppliesDefaults(t *testing.T) {
	tree := NewTree(nil, TreeConfig{})
	assert.Equal(t, DefaultTreeConfig(), tree.config)

	tree = NewTree(nil, TreeConfig{FailureBackoff: time.Second})
	assert.Equal(t, time.Second, tree.config.FailureBackoff)
	assert.Equal(t, 5.0, tree.config.FailureThreshold)
}

func TestTreeRestartsFailedService(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewLogger(logging.DEBUG, &buf)

	tree := NewTree(logger, TreeConfig{FailureBackoff: 50 * time.Millisecond, ShutdownTimeout: time.Second})

	var starts atomic.Int32
	tree.AddStoreService(Func("flaky", func(ctx context.Context) error {
		if starts.Add(1) <= 2 {
			return errors.New("boom")
		}
		<-ctx.Done()
		return ctx.Err()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := tree.ServeBackground(ctx)

	require.Eventually(t, func() bool { return starts.Load() >= 3 }, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case <-errCh:
	case <-time.After(2 * time.Second):
		t.Fatal("tree did not stop")
	}
	assert.Contains(t, buf.String(), "Supervised service terminated")
}

func TestTreeRecoversPanic(t *testing.T) {
	tree := NewTree(nil, TreeConfig{FailureBackoff: 50 * time.Millisecond, ShutdownTimeout: time.Second})

	var starts atomic.Int32
	tree.AddMessagingService(Func("panicky", func(ctx context.Context) error {
		if starts.Add(1) == 1 {
			panic("kaboom")
		}
		<-ctx.Done()
		return ctx.Err()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tree.ServeBackground(ctx)

	require.Eventually(t, func() bool { return starts.Load() >= 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestHTTPServiceLifecycle(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	server := &http.Server{
		Addr: addr,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		}),
	}
	svc := NewHTTPService("api-server", server, false, time.Second)
	assert.Equal(t, "api-server", svc.String())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusNoContent
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestHTTPServiceReportsListenError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	svc := NewHTTPService("busy", &http.Server{Addr: ln.Addr().String()}, false, 0)
	err = svc.Serve(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "busy failed")
}
