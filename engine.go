// Package datasync is an offline-capable bidirectional synchronization
// engine. It mirrors server tables into a local SQLite store, captures
// local edits into a durable operations queue, replays them against the
// server (push) and ingests server changes incrementally via delta
// tokens (pull).
package datasync

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/marcus/datasync/local"
	"github.com/marcus/datasync/transport"
)

// Parallelism bounds for push and pull worker pools.
const (
	MinParallelOperations = 1
	MaxParallelOperations = 8
)

// ErrInvalidParallelism is the configuration error for a worker count
// outside [MinParallelOperations, MaxParallelOperations].
var ErrInvalidParallelism = errors.New("parallel operations out of range")

// Option configures an Engine.
type Option func(*Engine)

// WithParallelOperations sets the worker-pool size for push dispatch
// and pull fetching. Values outside [1, 8] fail engine construction.
func WithParallelOperations(n int) Option {
	return func(e *Engine) { e.parallel = n }
}

// WithLogger attaches a logger; the default discards everything.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// Engine coordinates one local store against one remote endpoint. One
// engine per store; the synchronization lock lives inside the store and
// serializes change capture, push and pull-apply.
type Engine struct {
	store    *local.Store
	factory  *transport.Factory
	logger   zerolog.Logger
	parallel int
	events   eventBus
}

// New validates the configuration and returns an engine over store and
// factory.
func New(store *local.Store, factory *transport.Factory, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, errors.New("nil store")
	}
	if factory == nil {
		return nil, errors.New("nil client factory")
	}
	e := &Engine{
		store:    store,
		factory:  factory,
		logger:   zerolog.Nop(),
		parallel: MinParallelOperations,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.parallel < MinParallelOperations || e.parallel > MaxParallelOperations {
		return nil, fmt.Errorf("%w: %d not in [%d, %d]",
			ErrInvalidParallelism, e.parallel, MinParallelOperations, MaxParallelOperations)
	}
	return e, nil
}

// Store returns the engine's local store.
func (e *Engine) Store() *local.Store {
	return e.store
}

// Subscribe registers a progress-event handler. Handlers run
// synchronously and must not block.
func (e *Engine) Subscribe(h EventHandler) {
	e.events.subscribe(h)
}

// Synchronize runs a full cycle: push queued local mutations, then pull
// the given requests. Push always precedes pull so local edits are not
// clobbered by incoming server state.
func (e *Engine) Synchronize(ctx context.Context, requests ...PullRequest) (*SyncResult, error) {
	pushRes, err := e.Push(ctx)
	if err != nil {
		return nil, err
	}
	pullRes, err := e.Pull(ctx, requests...)
	if err != nil {
		return nil, err
	}
	return &SyncResult{Push: pushRes, Pull: pullRes}, nil
}

// PendingOperations lists queued operations awaiting push, all types
// when scope is empty.
func (e *Engine) PendingOperations(ctx context.Context, scope ...string) ([]local.Operation, error) {
	return local.PendingOperations(ctx, e.store.DB(), scope)
}

// FailedOperations lists operations whose last push attempt failed.
func (e *Engine) FailedOperations(ctx context.Context) ([]local.Operation, error) {
	return local.FailedOperations(ctx, e.store.DB())
}

// ResetFailedOperations returns failed operations to pending so the
// next push retries them. Returns the number reset.
func (e *Engine) ResetFailedOperations(ctx context.Context) (int64, error) {
	return local.ResetFailedOperations(ctx, e.store.DB())
}

// ResetDeltaToken forgets the pull high-water mark for queryID so the
// next pull re-fetches from the beginning of time.
func (e *Engine) ResetDeltaToken(ctx context.Context, queryID string) error {
	return local.ResetDeltaToken(ctx, e.store.DB(), queryID)
}
