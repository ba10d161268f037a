package mutator

import (
	"context"
	"sync"
)

// keyedLocks serializes work per resource key. Waiters queue on a one-slot
// channel so a cancelled context stops waiting.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{locks: make(map[string]*keyLock)}
}

// Lock acquires keys in the given order; callers pass them sorted so that
// overlapping sets cannot deadlock.
func (l *keyedLocks) Lock(ctx context.Context, keys ...string) (func(), error) {
	held := make([]string, 0, len(keys))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			l.unlock(held[i])
		}
	}
	for _, key := range keys {
		if err := l.lock(ctx, key); err != nil {
			release()
			return nil, err
		}
		held = append(held, key)
	}
	return release, nil
}

func (l *keyedLocks) lock(ctx context.Context, key string) error {
	l.mu.Lock()
	entry, ok := l.locks[key]
	if !ok {
		entry = &keyLock{ch: make(chan struct{}, 1)}
		l.locks[key] = entry
	}
	entry.refs++
	l.mu.Unlock()

	select {
	case entry.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		l.drop(key, entry)
		return ctx.Err()
	}
}

func (l *keyedLocks) unlock(key string) {
	l.mu.Lock()
	entry := l.locks[key]
	l.mu.Unlock()
	<-entry.ch
	l.drop(key, entry)
}

func (l *keyedLocks) drop(key string, entry *keyLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry.refs--
	if entry.refs == 0 {
		delete(l.locks, key)
	}
}
