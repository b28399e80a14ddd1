// Package server coordinates graceful shutdown of the shadowqmc servers and
// the reductions they have in flight.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrShuttingDown is returned by Begin once shutdown has started.
var ErrShuttingDown = errors.New("server: shutting down")

// ShutdownConfig holds configuration for the shutdown manager.
type ShutdownConfig struct {
	// ShutdownTimeout bounds the whole shutdown sequence.
	// Default: 30 seconds
	ShutdownTimeout time.Duration

	// DrainTimeout bounds the wait for in-flight work. A reduction cut off
	// here has written nothing, since the aggregate is the last write.
	// Default: 15 seconds
	DrainTimeout time.Duration
}

// DefaultShutdownConfig returns the default shutdown configuration.
func DefaultShutdownConfig() ShutdownConfig {
	return ShutdownConfig{
		ShutdownTimeout: 30 * time.Second,
		DrainTimeout:    15 * time.Second,
	}
}

// ShutdownManager tracks in-flight work (HTTP requests, gRPC calls and
// background reductions) and closes registered resources once it drains.
type ShutdownManager struct {
	config ShutdownConfig

	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	shutdownErr  error
	stopping     atomic.Bool
	inFlight     atomic.Int64

	mu      sync.Mutex
	closers []namedCloser
}

type namedCloser struct {
	name   string
	closer io.Closer
}

// NewShutdownManager creates a shutdown manager. Zero timeouts take defaults.
func NewShutdownManager(config ShutdownConfig) *ShutdownManager {
	defaults := DefaultShutdownConfig()
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = defaults.ShutdownTimeout
	}
	if config.DrainTimeout <= 0 {
		config.DrainTimeout = defaults.DrainTimeout
	}
	return &ShutdownManager{
		config:     config,
		shutdownCh: make(chan struct{}),
	}
}

// RegisterCloser adds a resource to close on shutdown. Closers run in
// reverse order of registration.
func (sm *ShutdownManager) RegisterCloser(name string, closer io.Closer) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.closers = append(sm.closers, namedCloser{name: name, closer: closer})
}

// Begin marks one unit of work as in flight. The returned func must be
// called when the work ends.
func (sm *ShutdownManager) Begin() (func(), error) {
	if sm.stopping.Load() {
		return nil, ErrShuttingDown
	}
	sm.inFlight.Add(1)
	var once sync.Once
	return func() { once.Do(func() { sm.inFlight.Add(-1) }) }, nil
}

// InFlight returns the number of units of work in flight.
func (sm *ShutdownManager) InFlight() int64 {
	return sm.inFlight.Load()
}

// IsShuttingDown reports whether shutdown has started.
func (sm *ShutdownManager) IsShuttingDown() bool {
	return sm.stopping.Load()
}

// Done returns a channel closed when shutdown begins.
func (sm *ShutdownManager) Done() <-chan struct{} {
	return sm.shutdownCh
}

// ListenForSignals blocks until SIGTERM, SIGINT, ctx cancellation or
// another caller's Shutdown, then shuts down.
func (sm *ShutdownManager) ListenForSignals(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		return sm.Shutdown(context.Background(), fmt.Sprintf("received signal %v", sig))
	case <-ctx.Done():
		return sm.Shutdown(context.Background(), "context cancelled")
	case <-sm.shutdownCh:
		// Blocks until the in-progress shutdown finishes.
		return sm.Shutdown(context.Background(), "")
	}
}

// Shutdown stops accepting work, drains what is in flight and closes every
// registered resource. Only the first call does anything; later calls
// return its result.
func (sm *ShutdownManager) Shutdown(ctx context.Context, reason string) error {
	sm.shutdownOnce.Do(func() {
		log.Printf("server: shutting down (%s), %d in flight", reason, sm.inFlight.Load())
		sm.stopping.Store(true)
		close(sm.shutdownCh)

		ctx, cancel := context.WithTimeout(ctx, sm.config.ShutdownTimeout)
		defer cancel()

		var errs []error
		if err := sm.drain(ctx); err != nil {
			errs = append(errs, err)
		}

		sm.mu.Lock()
		closers := sm.closers
		sm.mu.Unlock()
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].closer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", closers[i].name, err))
			}
		}

		sm.shutdownErr = errors.Join(errs...)
		log.Printf("server: shutdown complete")
	})
	return sm.shutdownErr
}

func (sm *ShutdownManager) drain(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, sm.config.DrainTimeout)
	defer cancel()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for sm.inFlight.Load() > 0 {
		select {
		case <-ctx.Done():
			return fmt.Errorf("drain: %d still in flight: %w", sm.inFlight.Load(), ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}

// HTTPMiddleware rejects requests with 503 once shutdown has started and
// tracks the rest as in flight.
func (sm *ShutdownManager) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		done, err := sm.Begin()
		if err != nil {
			w.Header().Set("Connection", "close")
			http.Error(w, "service unavailable: shutting down", http.StatusServiceUnavailable)
			return
		}
		defer done()
		next.ServeHTTP(w, r)
	})
}

// UnaryInterceptor is the gRPC counterpart of HTTPMiddleware.
func (sm *ShutdownManager) UnaryInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	done, err := sm.Begin()
	if err != nil {
		return nil, status.Error(codes.Unavailable, err.Error())
	}
	defer done()
	return handler(ctx, req)
}

// HTTPCloser returns a closer that shuts srv down, waiting up to the drain
// timeout for open connections.
func (sm *ShutdownManager) HTTPCloser(srv *http.Server) io.Closer {
	return CloserFunc(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), sm.config.DrainTimeout)
		defer cancel()
		return srv.Shutdown(ctx)
	})
}

// GRPCCloser returns a closer that stops srv gracefully, forcing the stop
// once the drain timeout passes.
func (sm *ShutdownManager) GRPCCloser(srv *grpc.Server) io.Closer {
	return CloserFunc(func() error {
		stopped := make(chan struct{})
		go func() {
			srv.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(sm.config.DrainTimeout):
			srv.Stop()
		}
		return nil
	})
}

// CloserFunc adapts a function to io.Closer.
type CloserFunc func() error

// Close calls f.
func (f CloserFunc) Close() error {
	return f()
}
