package query

import (
	"context"
	"errors"
	"reflect"

	"github.com/lydiehq/lydie-sub006/internal/authz"
	"github.com/lydiehq/lydie-sub006/internal/changefeed"
	"github.com/lydiehq/lydie-sub006/internal/metrics"
	"github.com/lydiehq/lydie-sub006/internal/store"
)

var ErrNoFeed = errors.New("query subscriptions are not available")

// Event is one row diff. Rows entering the result arrive as inserts, rows
// leaving it as deletes.
type Event struct {
	Op  changefeed.Op `json:"op"`
	Row store.Row     `json:"row"`
}

// Subscription is a live query. Events closes when the subscription ends.
type Subscription struct {
	Initial []store.Row
	Events  <-chan Event

	scope  []string
	cancel context.CancelFunc
	done   chan struct{}
}

// Close stops the subscription and waits for its goroutine.
func (s *Subscription) Close() {
	s.cancel()
	<-s.done
}

// Covers reports whether ac still reaches every tenant the subscription
// streams. A subscription that no longer is covered must be closed.
func (s *Subscription) Covers(ac authz.Context) bool {
	if !ac.Valid() {
		return false
	}
	for _, tenant := range s.scope {
		if !ac.HasTenant(tenant) {
			return false
		}
	}
	return true
}

// Subscribe returns the current rows and then diffs as committed changes
// move rows into, within, or out of the result. The feed is attached before
// the initial read so no commit falls between the two.
func (l *Layer) Subscribe(ctx context.Context, ac authz.Context, req Request) (*Subscription, error) {
	if l.feed == nil {
		return nil, ErrNoFeed
	}
	p, err := l.plan(ac, req)
	if err != nil {
		return nil, err
	}

	subCtx, cancel := context.WithCancel(ctx)
	var feedSub *changefeed.Subscription
	if len(p.scope) > 0 {
		feedSub, err = l.feed.Subscribe(subCtx, changeFilter(p))
		if err != nil {
			cancel()
			return nil, err
		}
	}
	initial, err := l.fetch(ctx, p)
	if err != nil {
		cancel()
		return nil, err
	}

	out := make(chan Event, 64)
	sub := &Subscription{Initial: initial, Events: out, scope: p.scope, cancel: cancel, done: make(chan struct{})}
	known := make(map[string]store.Row, len(initial))
	for _, row := range initial {
		known[rowID(row)] = row
	}

	metrics.QuerySubscriptions.Inc()
	go func() {
		defer close(sub.done)
		defer close(out)
		defer metrics.QuerySubscriptions.Dec()
		if feedSub == nil {
			<-subCtx.Done()
			return
		}
		l.pump(subCtx, p, feedSub, known, out)
	}()
	return sub, nil
}

func changeFilter(p plan) changefeed.Filter {
	table := p.def.Table
	scope := p.scope
	return func(change changefeed.Change) bool {
		return change.Table == table && inScope(scope, change.TenantID)
	}
}

func (l *Layer) pump(ctx context.Context, p plan, feedSub *changefeed.Subscription, known map[string]store.Row, out chan<- Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-feedSub.C:
			if ok {
				if ev, emit := diffChange(p, known, change); emit {
					if !send(ctx, out, ev) {
						return
					}
				}
				continue
			}
			if !feedSub.Overflowed() || ctx.Err() != nil {
				return
			}
			next, err := l.resync(ctx, p, known, out)
			if err != nil {
				if ctx.Err() == nil {
					l.log.Error().Err(err).Str("query", p.def.Name).Msg("query resync failed")
				}
				return
			}
			feedSub = next
		}
	}
}

func diffChange(p plan, known map[string]store.Row, change changefeed.Change) (Event, bool) {
	_, wasKnown := known[change.ID]
	if change.Op == changefeed.OpDelete {
		if !wasKnown {
			return Event{}, false
		}
		row := known[change.ID]
		delete(known, change.ID)
		return Event{Op: changefeed.OpDelete, Row: row}, true
	}
	matches := change.Row != nil && inScope(p.scope, rowTenant(change.Row)) && p.def.match(p.params, change.Row)
	switch {
	case matches && wasKnown:
		known[change.ID] = change.Row
		return Event{Op: changefeed.OpUpdate, Row: change.Row}, true
	case matches:
		known[change.ID] = change.Row
		return Event{Op: changefeed.OpInsert, Row: change.Row}, true
	case wasKnown:
		row := known[change.ID]
		delete(known, change.ID)
		return Event{Op: changefeed.OpDelete, Row: row}, true
	}
	return Event{}, false
}

// resync reattaches to the feed after an overflow and emits the difference
// between what the subscriber holds and a fresh read.
func (l *Layer) resync(ctx context.Context, p plan, known map[string]store.Row, out chan<- Event) (*changefeed.Subscription, error) {
	feedSub, err := l.feed.Subscribe(ctx, changeFilter(p))
	if err != nil {
		return nil, err
	}
	rows, err := l.fetch(ctx, p)
	if err != nil {
		return nil, err
	}
	fresh := make(map[string]store.Row, len(rows))
	for _, row := range rows {
		fresh[rowID(row)] = row
	}
	var events []Event
	for id, row := range known {
		if _, ok := fresh[id]; !ok {
			events = append(events, Event{Op: changefeed.OpDelete, Row: row})
		}
	}
	for _, row := range rows {
		prior, ok := known[rowID(row)]
		switch {
		case !ok:
			events = append(events, Event{Op: changefeed.OpInsert, Row: row})
		case !reflect.DeepEqual(prior, row):
			events = append(events, Event{Op: changefeed.OpUpdate, Row: row})
		}
	}
	for id := range known {
		delete(known, id)
	}
	for id, row := range fresh {
		known[id] = row
	}
	l.log.Warn().Str("query", p.def.Name).Int("events", len(events)).Msg("query subscription resynced after overflow")
	for _, ev := range events {
		if !send(ctx, out, ev) {
			return nil, ctx.Err()
		}
	}
	return feedSub, nil
}

func send(ctx context.Context, out chan<- Event, ev Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
