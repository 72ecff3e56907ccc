// Package lock serializes work per key with FIFO admission.
package lock

import (
	"context"
	"sync"
)

// Manager hands out exclusive, in-process locks keyed by string. Waiters on
// the same key are admitted in arrival order. Entries exist only while a key
// is held or waited on, so the table does not grow with the number of keys
// ever used.
type Manager struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	waiters []chan struct{}
}

// NewManager returns an empty lock table.
func NewManager() *Manager {
	return &Manager{entries: make(map[string]*entry)}
}

// WithLock runs fn while holding the lock for key. If the key is held, the
// call waits behind the current holder and every earlier waiter. The lock is
// released when fn returns or panics. If ctx is cancelled before the lock is
// acquired, fn is not run and ctx.Err() is returned.
func (m *Manager) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	if err := m.acquire(ctx, key); err != nil {
		return err
	}
	defer m.release(key)
	return fn(ctx)
}

// Do is WithLock for functions that produce a value.
func Do[T any](ctx context.Context, m *Manager, key string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := m.WithLock(ctx, key, func(ctx context.Context) error {
		var err error
		out, err = fn(ctx)
		return err
	})
	return out, err
}

func (m *Manager) acquire(ctx context.Context, key string) error {
	m.mu.Lock()
	e, held := m.entries[key]
	if !held {
		m.entries[key] = &entry{}
		m.mu.Unlock()
		return nil
	}
	ready := make(chan struct{})
	e.waiters = append(e.waiters, ready)
	m.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
	}

	m.mu.Lock()
	select {
	case <-ready:
		// Ownership was handed over while we were giving up; pass it on.
		m.mu.Unlock()
		m.release(key)
		return ctx.Err()
	default:
	}
	for i, w := range e.waiters {
		if w == ready {
			e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
			break
		}
	}
	m.mu.Unlock()
	return ctx.Err()
}

// release hands the lock to the oldest waiter, or drops the entry when
// nobody is waiting.
func (m *Manager) release(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return
	}
	if len(e.waiters) == 0 {
		delete(m.entries, key)
		return
	}
	next := e.waiters[0]
	e.waiters = e.waiters[1:]
	close(next)
}

// Len returns the number of keys currently held or waited on.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
