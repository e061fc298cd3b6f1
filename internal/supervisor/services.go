package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// HTTPServer is the lifecycle subset of *http.Server
type HTTPServer interface {
	ListenAndServe() error
	ListenAndServeTLS(certFile, keyFile string) error
	Shutdown(ctx context.Context) error
}

// HTTPService runs an HTTP server as a supervised service
type HTTPService struct {
	server          HTTPServer
	name            string
	tls             bool
	shutdownTimeout time.Duration
}

// NewHTTPService wraps server. When tls is set the server must carry its
// certificates in TLSConfig.
func NewHTTPService(name string, server HTTPServer, tls bool, shutdownTimeout time.Duration) *HTTPService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &HTTPService{server: server, name: name, tls: tls, shutdownTimeout: shutdownTimeout}
}

// Serve starts the server and shuts it down when ctx ends
func (h *HTTPService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if h.tls {
			err = h.server.ListenAndServeTLS("", "")
		} else {
			err = h.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("%s failed: %w", h.name, err)
		}
		return nil

	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
		defer cancel()
		if err := h.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("%s shutdown failed: %w", h.name, err)
		}
		<-errCh
		return ctx.Err()
	}
}

func (h *HTTPService) String() string { return h.name }

// FuncService adapts a plain function to a named service
type FuncService struct {
	name string
	fn   func(ctx context.Context) error
}

// Func names fn for the supervisor
func Func(name string, fn func(ctx context.Context) error) *FuncService {
	return &FuncService{name: name, fn: fn}
}

// Serve runs the function
func (f *FuncService) Serve(ctx context.Context) error { return f.fn(ctx) }

func (f *FuncService) String() string { return f.name }
