package reconciler

import (
	"context"
	"sync"
	"time"

	"ledger-recon-engine/pkg/errors"
)

// ScopeLocks hands out one exclusive lock per scope. Writers of different scopes
// never wait on each other.
type ScopeLocks struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

// NewScopeLocks creates an empty lock table
func NewScopeLocks() *ScopeLocks {
	return &ScopeLocks{slots: make(map[string]chan struct{})}
}

func (l *ScopeLocks) slot(scope string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.slots[scope]
	if !ok {
		ch = make(chan struct{}, 1)
		l.slots[scope] = ch
	}
	return ch
}

// Acquire waits up to timeout for the scope's lock and returns its release function.
// A zero timeout waits only on ctx.
func (l *ScopeLocks) Acquire(ctx context.Context, scope string, timeout time.Duration) (func(), error) {
	ch := l.slot(scope)

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case ch <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-ch }) }, nil
	case <-expired:
		return nil, errors.LockTimeoutError(scope, timeout)
	case <-ctx.Done():
		return nil, errors.ReconciliationError(errors.CodeRunCancelled, "waiting for scope lock", ctx.Err())
	}
}
