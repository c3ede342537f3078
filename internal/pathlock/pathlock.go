// Package pathlock serializes work on cache paths. Each path gets its own
// lock so generation for one document never blocks generation for another,
// while two requests for the same path take turns.
package pathlock

import (
	"context"
	"sync"
)

// Registry hands out per-path locks. Lookup and creation happen under one
// registry lock, so concurrent first acquires of the same path always agree
// on a single underlying lock. Entries are dropped once the last holder or
// waiter is gone, keeping the registry bounded by the number of paths
// currently in use.
type Registry struct {
	mu    sync.Mutex
	locks map[string]*pathLock
}

type pathLock struct {
	sem     chan struct{}
	waiters int
}

func NewRegistry() *Registry {
	return &Registry{locks: make(map[string]*pathLock)}
}

// Acquire blocks until the caller holds the lock for path, or until ctx is
// done. On success the caller must Release the same path.
func (r *Registry) Acquire(ctx context.Context, path string) error {
	r.mu.Lock()
	l, ok := r.locks[path]
	if !ok {
		l = &pathLock{sem: make(chan struct{}, 1)}
		r.locks[path] = l
	}
	l.waiters++
	r.mu.Unlock()

	select {
	case l.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		r.drop(path, l)
		return ctx.Err()
	}
}

// TryAcquire takes the lock for path without blocking. It reports whether
// the lock was acquired.
func (r *Registry) TryAcquire(path string) bool {
	r.mu.Lock()
	l, ok := r.locks[path]
	if !ok {
		l = &pathLock{sem: make(chan struct{}, 1)}
		r.locks[path] = l
	}
	l.waiters++
	r.mu.Unlock()

	select {
	case l.sem <- struct{}{}:
		return true
	default:
		r.drop(path, l)
		return false
	}
}

// Release frees the lock for path. Releasing a path that is not held is a
// no-op, so callers may release unconditionally on their way out.
func (r *Registry) Release(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[path]
	if !ok {
		return
	}
	select {
	case <-l.sem:
	default:
		return
	}
	l.waiters--
	if l.waiters == 0 {
		delete(r.locks, path)
	}
}

// Len reports how many paths currently have a holder or waiter.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locks)
}

func (r *Registry) drop(path string, l *pathLock) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l.waiters--
	if l.waiters == 0 && r.locks[path] == l {
		delete(r.locks, path)
	}
}
