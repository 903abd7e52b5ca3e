// Package locker provides a small lock primitive whose holders can be waited
// on without contending for the lock itself. It backs both per-connection
// connect exclusivity and per-manager init exclusivity: concurrent callers of
// an expensive operation collapse onto a single attempt, with everyone else
// parked on Wait until the holder releases.
package locker

import (
	"context"
	"sync"
)

// Locker is a lock with "wait until released" semantics. The zero value is
// unlocked and ready to use.
type Locker struct {
	mu       sync.Mutex
	locked   bool
	released chan struct{}
}

// New returns an unlocked Locker.
func New() *Locker {
	return &Locker{}
}

// TryLock acquires the lock if it is free and reports whether it did.
func (l *Locker) TryLock() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.locked {
		return false
	}
	l.locked = true
	l.released = make(chan struct{})
	return true
}

// Lock blocks until the lock is acquired.
func (l *Locker) Lock() {
	for {
		if l.TryLock() {
			return
		}
		l.Wait()
	}
}

// Unlock releases the lock and wakes every waiter. Unlocking an unlocked
// Locker is a no-op.
func (l *Locker) Unlock() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.locked {
		return
	}
	l.locked = false
	close(l.released)
	l.released = nil
}

// IsLocked reports whether the lock is currently held.
func (l *Locker) IsLocked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.locked
}

// Wait blocks until the lock is released. Returns immediately if unlocked.
func (l *Locker) Wait() {
	l.mu.Lock()
	ch := l.released
	l.mu.Unlock()
	if ch == nil {
		return
	}
	<-ch
}

// WaitContext blocks until the lock is released or the context is done.
func (l *Locker) WaitContext(ctx context.Context) error {
	l.mu.Lock()
	ch := l.released
	l.mu.Unlock()
	if ch == nil {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
