// Package changefeed fans committed row changes out to live query
// subscriptions.
package changefeed

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/lydiehq/lydie-sub006/internal/store"
)

type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Change is one committed row change.
type Change struct {
	Table    string
	Op       Op
	TenantID string
	ID       string
	Row      store.Row
}

// Filter selects changes for a subscriber.
type Filter func(Change) bool

var ErrClosed = errors.New("changefeed: closed")

const defaultBuffer = 1024

// Subscription receives changes until its context ends. A subscriber that
// falls behind is cut off: C is closed and Overflowed reports true, so the
// consumer must recompute from storage.
type Subscription struct {
	C <-chan Change

	ch         chan Change
	filter     Filter
	closed     atomic.Bool
	overflowed atomic.Bool
}

func (s *Subscription) Overflowed() bool {
	return s.overflowed.Load()
}

type Feed struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed atomic.Bool
	buffer int
}

func New() *Feed {
	return NewWithBuffer(defaultBuffer)
}

func NewWithBuffer(buffer int) *Feed {
	if buffer < 1 {
		buffer = 1
	}
	return &Feed{subs: make(map[*Subscription]struct{}), buffer: buffer}
}

func (f *Feed) Subscribe(ctx context.Context, filter Filter) (*Subscription, error) {
	if filter == nil {
		filter = func(Change) bool { return true }
	}
	ch := make(chan Change, f.buffer)
	sub := &Subscription{C: ch, ch: ch, filter: filter}

	f.mu.Lock()
	if f.closed.Load() {
		f.mu.Unlock()
		return nil, ErrClosed
	}
	f.subs[sub] = struct{}{}
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.remove(sub)
	}()
	return sub, nil
}

// Publish delivers changes in order without blocking the publisher.
func (f *Feed) Publish(changes ...Change) {
	if f.closed.Load() || len(changes) == 0 {
		return
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	for sub := range f.subs {
		for _, change := range changes {
			if sub.closed.Load() || sub.overflowed.Load() {
				break
			}
			if !sub.filter(change) {
				continue
			}
			select {
			case sub.ch <- change:
			default:
				sub.overflowed.Store(true)
				go f.remove(sub)
			}
		}
	}
}

func (f *Feed) remove(sub *Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subs[sub]; !ok {
		return
	}
	delete(f.subs, sub)
	if sub.closed.CompareAndSwap(false, true) {
		close(sub.ch)
	}
}

func (f *Feed) Shutdown() {
	if !f.closed.CompareAndSwap(false, true) {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for sub := range f.subs {
		if sub.closed.CompareAndSwap(false, true) {
			close(sub.ch)
		}
	}
	f.subs = make(map[*Subscription]struct{})
}

// Subscribers reports the number of live subscriptions.
func (f *Feed) Subscribers() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}
