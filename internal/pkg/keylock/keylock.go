// Package keylock provides per-key shared/exclusive locks with context
// deadlines.
//
// A key holds a weighted semaphore of capacity maxWeight. Shared holders
// acquire weight 1, exclusive holders acquire the full capacity. Waiters are
// served in FIFO order, so a pending exclusive acquisition blocks later
// shared ones.
package keylock

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

const maxWeight = 1 << 30

type entry struct {
	sem  *semaphore.Weighted
	refs int
}

// Locker hands out locks keyed by string. Entries are released once no
// holder or waiter references them.
type Locker struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New creates an empty Locker.
func New() *Locker {
	return &Locker{entries: make(map[string]*entry)}
}

// Lock acquires key exclusively. The returned release func must be called
// exactly once.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	return l.acquire(ctx, key, maxWeight)
}

// RLock acquires key in shared mode.
func (l *Locker) RLock(ctx context.Context, key string) (func(), error) {
	return l.acquire(ctx, key, 1)
}

func (l *Locker) acquire(ctx context.Context, key string, weight int64) (func(), error) {
	l.mu.Lock()
	e, ok := l.entries[key]
	if !ok {
		e = &entry{sem: semaphore.NewWeighted(maxWeight)}
		l.entries[key] = e
	}
	e.refs++
	l.mu.Unlock()

	if err := e.sem.Acquire(ctx, weight); err != nil {
		l.unref(key, e)
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			e.sem.Release(weight)
			l.unref(key, e)
		})
	}, nil
}

func (l *Locker) unref(key string, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
}

// Len returns the number of keys currently referenced.
func (l *Locker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
