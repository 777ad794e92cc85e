// Package reload keeps the current metadata graph and rebuilds it when a
// lookup misses or the registry files change.
package reload

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/conduit-lang/cascade/internal/orm/graph"
	"github.com/conduit-lang/cascade/internal/orm/meta"
)

var (
	// ErrUnmanagedType is matched by *UnmanagedTypeError
	ErrUnmanagedType = errors.New("reload: type is not managed")
	// ErrReloadFailed wraps errors raised while rebuilding the graph
	ErrReloadFailed = errors.New("reload: rebuilding the metadata graph failed")
)

// UnmanagedTypeError is returned when a type is still unknown after a rebuild
type UnmanagedTypeError struct {
	Type *meta.Type
}

func (e *UnmanagedTypeError) Error() string {
	return fmt.Sprintf("reload: %q is not managed by the current graph", e.Type.Name())
}

// Is reports whether target is ErrUnmanagedType
func (e *UnmanagedTypeError) Is(target error) bool {
	return target == ErrUnmanagedType
}

// IsUnmanagedType returns a boolean indicating whether the error is an
// unmanaged type error
func IsUnmanagedType(err error) bool {
	return errors.Is(err, ErrUnmanagedType)
}

// Source enumerates the entity types a graph is built from
type Source func(ctx context.Context) ([]*meta.Type, error)

// Static returns a source that always yields the given types
func Static(types ...*meta.Type) Source {
	return func(context.Context) ([]*meta.Type, error) {
		return types, nil
	}
}

// Coordinator publishes graph snapshots. Reads are lock free; rebuilds are
// serialized and swap the snapshot atomically.
type Coordinator struct {
	source  Source
	options []graph.Option
	logger  *zap.Logger

	current atomic.Pointer[graph.Graph]
	mu      sync.RWMutex
	reloads atomic.Uint64
}

// Option configures a Coordinator
type Option func(*Coordinator)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithGraphOptions sets the options passed to graph.Build
func WithGraphOptions(opts ...graph.Option) Option {
	return func(c *Coordinator) {
		c.options = append(c.options, opts...)
	}
}

// New builds the initial graph from source
func New(ctx context.Context, source Source, opts ...Option) (*Coordinator, error) {
	c := &Coordinator{source: source}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}

	g, err := c.build(ctx)
	if err != nil {
		return nil, err
	}
	c.current.Store(g)
	return c, nil
}

// Graph returns the current snapshot
func (c *Coordinator) Graph() *graph.Graph {
	return c.current.Load()
}

// Reloads returns how many rebuilds have been published since New
func (c *Coordinator) Reloads() uint64 {
	return c.reloads.Load()
}

// Lookup returns the metadata of t. On a miss the graph is rebuilt once from
// the source and the lookup retried; a second miss is an *UnmanagedTypeError.
func (c *Coordinator) Lookup(ctx context.Context, t *meta.Type) (*graph.TypeInfo, error) {
	if info, ok := c.current.Load().Info(t); ok {
		return info, nil
	}

	c.mu.RLock()
	info, ok := c.current.Load().Info(t)
	c.mu.RUnlock()
	if ok {
		return info, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if info, ok := c.current.Load().Info(t); ok {
		return info, nil
	}

	c.logger.Info("type missing from metadata graph, rebuilding", zap.String("type", t.Name()))
	if err := c.rebuildLocked(ctx); err != nil {
		return nil, err
	}

	if info, ok := c.current.Load().Info(t); ok {
		return info, nil
	}
	return nil, &UnmanagedTypeError{Type: t}
}

// Reload rebuilds the graph unconditionally. On failure the previous snapshot
// stays published.
func (c *Coordinator) Reload(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rebuildLocked(ctx)
}

func (c *Coordinator) rebuildLocked(ctx context.Context) error {
	g, err := c.build(ctx)
	if err != nil {
		c.logger.Warn("metadata graph rebuild failed", zap.Error(err))
		return err
	}
	c.current.Store(g)
	c.reloads.Add(1)
	return nil
}

func (c *Coordinator) build(ctx context.Context) (*graph.Graph, error) {
	start := time.Now()

	types, err := c.source(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrReloadFailed, err)
	}
	g, err := graph.Build(types, c.options...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrReloadFailed, err)
	}

	c.logger.Info("metadata graph built",
		zap.Int("entities", len(g.Entities())),
		zap.Int("types", len(g.Types())),
		zap.Duration("duration", time.Since(start)),
	)
	return g, nil
}
