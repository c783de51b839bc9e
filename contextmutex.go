package loralink

import (
	"context"
	"sync"
)

// contextMutex is a sync.Mutex that can also be acquired under a
// context.Context. Acquisition races the lock against ctx.Done(), so a
// ctx that is already cancelled can fail the acquisition even when no
// other goroutine holds the lock; with a live ctx, cancellation only
// matters while waiting for another holder to release it.
type contextMutex struct {
	mu sync.Mutex
}

func (m *contextMutex) Lock(ctx context.Context) error {
	if ctx == nil {
		m.mu.Lock()
		return nil
	}
	done := make(chan struct{})
	go func() {
		m.mu.Lock()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		go func() { <-done; m.mu.Unlock() }()
		return wrapf(ErrInternalRadio, "lock acquisition: %v", ctx.Err())
	}
}

// LockUncancellable acquires the mutex unconditionally, for entry points
// that have no context.Context of their own (pure getters/setters).
func (m *contextMutex) LockUncancellable() {
	m.mu.Lock()
}

func (m *contextMutex) Unlock() {
	m.mu.Unlock()
}
