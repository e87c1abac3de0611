package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/meridianhq/mcpserve/pkg/logger"
)

// Runner is a message-loop transport (the STDIO loop).
type Runner interface {
	Run(ctx context.Context) error
}

// Transport names.
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
)

const shutdownTimeout = 10 * time.Second

// Manager owns the serving lifecycle of the selected transport: it runs the
// STDIO loop to completion, or serves HTTP until the context is cancelled
// and then shuts down gracefully.
type Manager struct {
	transport string
	addr      string
	runner    Runner
	handler   http.Handler
}

// NewStdioManager creates a manager for the STDIO transport.
func NewStdioManager(runner Runner) *Manager {
	return &Manager{transport: TransportStdio, runner: runner}
}

// NewHTTPManager creates a manager serving the given handler.
func NewHTTPManager(addr string, handler http.Handler) *Manager {
	return &Manager{transport: TransportHTTP, addr: addr, handler: handler}
}

// Run serves until the transport finishes or ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	switch m.transport {
	case TransportStdio:
		err := m.runner.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	case TransportHTTP:
		return m.serveHTTP(ctx)
	default:
		return fmt.Errorf("unknown transport %q", m.transport)
	}
}

func (m *Manager) serveHTTP(ctx context.Context) error {
	srv := &http.Server{
		Addr:              m.addr,
		Handler:           m.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infow("http transport listening", "address", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down http transport")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
