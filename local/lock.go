package local

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Lock is the single-holder gate serializing every mutation of the
// local store: change-capture commits, the push engine's drain and the
// pull engine's database writer. Acquisition is cancellable.
type Lock struct {
	sem *semaphore.Weighted
}

// NewLock returns an unheld lock.
func NewLock() *Lock {
	return &Lock{sem: semaphore.NewWeighted(1)}
}

// Acquire blocks until the lock is held or ctx is done.
func (l *Lock) Acquire(ctx context.Context) error {
	return l.sem.Acquire(ctx, 1)
}

// Release releases the lock. Calling Release without holding the lock
// panics, matching semaphore semantics.
func (l *Lock) Release() {
	l.sem.Release(1)
}
