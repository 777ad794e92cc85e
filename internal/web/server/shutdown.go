package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ShutdownHook runs after the server stopped accepting requests
type ShutdownHook func(ctx context.Context) error

// GracefulShutdown runs a server until its context ends, then drains it and
// runs the registered hooks
type GracefulShutdown struct {
	server  *Server
	timeout time.Duration
	logger  *zap.Logger

	mu    sync.Mutex
	hooks []ShutdownHook

	once sync.Once
	done chan struct{}
	err  error
}

// NewGracefulShutdown creates a shutdown handler. A zero timeout means 30s.
func NewGracefulShutdown(server *Server, timeout time.Duration, logger *zap.Logger) *GracefulShutdown {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GracefulShutdown{
		server:  server,
		timeout: timeout,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// RegisterHook registers a hook; hooks run in registration order
func (gs *GracefulShutdown) RegisterHook(hook ShutdownHook) {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	gs.hooks = append(gs.hooks, hook)
}

// Run serves on the configured address until ctx is done. When the address
// cannot be bound the hooks still run.
func (gs *GracefulShutdown) Run(ctx context.Context) error {
	l, err := net.Listen("tcp", gs.server.config.Address)
	if err != nil {
		_ = gs.Shutdown()
		return fmt.Errorf("failed to create listener: %w", err)
	}
	return gs.RunListener(ctx, l)
}

// RunListener serves on l until ctx is done, then shuts down. A server
// failure also triggers the shutdown and is returned.
func (gs *GracefulShutdown) RunListener(ctx context.Context, l net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		gs.logger.Info("server listening", zap.String("addr", l.Addr().String()))
		if err := gs.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server failed: %w", err)
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		gs.logger.Info("shutdown signal received")
	case serveErr = <-errCh:
	}

	if err := gs.Shutdown(); err != nil && serveErr == nil {
		return err
	}
	return serveErr
}

// Shutdown drains the server, then runs the hooks. Only the first call does
// the work; later calls wait for it and return the same error.
func (gs *GracefulShutdown) Shutdown() error {
	gs.once.Do(func() {
		defer close(gs.done)
		gs.logger.Info("shutting down", zap.Duration("timeout", gs.timeout))

		ctx, cancel := context.WithTimeout(context.Background(), gs.timeout)
		defer cancel()

		if err := gs.server.Shutdown(ctx); err != nil {
			gs.err = fmt.Errorf("server shutdown error: %w", err)
			gs.logger.Error("server shutdown failed", zap.Error(err))
		}

		gs.mu.Lock()
		hooks := make([]ShutdownHook, len(gs.hooks))
		copy(hooks, gs.hooks)
		gs.mu.Unlock()

		for i, hook := range hooks {
			if err := hook(ctx); err != nil {
				gs.logger.Warn("shutdown hook failed", zap.Int("hook", i), zap.Error(err))
			}
		}
		gs.logger.Info("shutdown complete")
	})

	<-gs.done
	return gs.err
}

// Wait blocks until shutdown is complete
func (gs *GracefulShutdown) Wait() error {
	<-gs.done
	return gs.err
}
