// Package server manages the lifetime of a long-running engine process:
// signal-driven graceful shutdown and the metrics exporter's HTTP server.
// The engine itself is embeddable and has no request path; what needs
// coordinating on the way down is the store handle, the background loops it
// owns, and the exporter listener.
package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// ShutdownManager coordinates one graceful shutdown: resources register as
// closers, and the first shutdown trigger (signal, context, or explicit
// call) closes them in reverse registration order.
type ShutdownManager struct {
	timeout time.Duration

	shutdownCh chan struct{}
	once       sync.Once

	mu      sync.Mutex
	closers []io.Closer
}

// NewShutdownManager creates a manager. timeout bounds the whole shutdown;
// zero means 30 seconds.
func NewShutdownManager(timeout time.Duration) *ShutdownManager {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &ShutdownManager{
		timeout:    timeout,
		shutdownCh: make(chan struct{}),
	}
}

// RegisterCloser adds a resource to close during shutdown. Closers run in
// reverse registration order, so register the store before anything that
// reads from it.
func (sm *ShutdownManager) RegisterCloser(c io.Closer) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.closers = append(sm.closers, c)
}

// ListenForSignals blocks until SIGTERM, SIGINT, or context cancellation,
// then runs the shutdown and returns its result.
func (sm *ShutdownManager) ListenForSignals(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		return sm.Shutdown(fmt.Sprintf("received signal %v", sig))
	case <-ctx.Done():
		return sm.Shutdown("context cancelled")
	case <-sm.shutdownCh:
		return nil
	}
}

// Shutdown closes every registered resource, newest first. Idempotent; later
// calls return nil without re-running anything.
func (sm *ShutdownManager) Shutdown(reason string) error {
	var firstErr error

	sm.once.Do(func() {
		close(sm.shutdownCh)

		done := make(chan struct{})
		timer := time.AfterFunc(sm.timeout, func() { close(done) })
		defer timer.Stop()

		sm.mu.Lock()
		closers := sm.closers
		sm.mu.Unlock()

		for i := len(closers) - 1; i >= 0; i-- {
			select {
			case <-done:
				if firstErr == nil {
					firstErr = fmt.Errorf("shutdown timed out after %v (%s)", sm.timeout, reason)
				}
				return
			default:
			}
			if err := closers[i].Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	})
	return firstErr
}

// ShutdownCh is closed when shutdown begins.
func (sm *ShutdownManager) ShutdownCh() <-chan struct{} {
	return sm.shutdownCh
}

// CloserFunc adapts a function to io.Closer.
type CloserFunc func() error

func (f CloserFunc) Close() error { return f() }

// GracefulHTTPServer runs an http.Server whose lifetime is bound to a
// ShutdownManager. Used for the metrics exporter.
type GracefulHTTPServer struct {
	server   *http.Server
	shutdown *ShutdownManager
}

// NewGracefulHTTPServer binds the server to the manager. The manager drains
// the listener with http.Server.Shutdown when it goes down.
func NewGracefulHTTPServer(server *http.Server, shutdown *ShutdownManager) *GracefulHTTPServer {
	gs := &GracefulHTTPServer{server: server, shutdown: shutdown}
	shutdown.RegisterCloser(CloserFunc(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(ctx)
	}))
	return gs
}

// ListenAndServe serves until the listener fails or shutdown drains it.
func (gs *GracefulHTTPServer) ListenAndServe() error {
	errCh := make(chan error, 1)
	go func() {
		if err := gs.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-gs.shutdown.ShutdownCh():
		return <-errCh
	}
}
