package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/lydiehq/lydie-sub006/internal/crdt"
	"github.com/lydiehq/lydie-sub006/internal/persist"
)

const loadTimeout = 15 * time.Second

type closingRoom struct {
	done chan struct{}
	err  error
}

// Registry holds the live rooms of this process, at most one per document.
// A document whose room is closing is not reopened until its final flush
// has finished.
type Registry struct {
	adapter *persist.Adapter
	opts    Options
	log     zerolog.Logger

	group   singleflight.Group
	mu      sync.Mutex
	rooms   map[string]*Room
	closing map[string]*closingRoom
	stopped bool
}

func NewRegistry(adapter *persist.Adapter, opts Options, log zerolog.Logger) *Registry {
	return &Registry{
		adapter: adapter,
		opts:    opts.withDefaults(),
		log:     log.With().Str("component", "gateway").Logger(),
		rooms:   make(map[string]*Room),
		closing: make(map[string]*closingRoom),
	}
}

// Live returns the room of documentID if one is open.
func (g *Registry) Live(documentID string) (*Room, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	room, ok := g.rooms[documentID]
	return room, ok
}

// Rooms counts open rooms.
func (g *Registry) Rooms() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.rooms)
}

// attach opens or reuses the room of documentID and joins p to it.
func (g *Registry) attach(ctx context.Context, documentID string, p *peer) (*Room, error) {
	for {
		room, err := g.acquire(ctx, documentID)
		if err != nil {
			return nil, err
		}
		err = room.join(ctx, p)
		if errors.Is(err, errRoomClosed) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return room, nil
	}
}

func (g *Registry) acquire(ctx context.Context, documentID string) (*Room, error) {
	for {
		g.mu.Lock()
		if g.stopped {
			g.mu.Unlock()
			return nil, errRoomClosed
		}
		if room, ok := g.rooms[documentID]; ok {
			g.mu.Unlock()
			return room, nil
		}
		closing, ok := g.closing[documentID]
		g.mu.Unlock()
		if ok {
			select {
			case <-closing.done:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		ch := g.group.DoChan(documentID, func() (any, error) {
			g.mu.Lock()
			if room, ok := g.rooms[documentID]; ok {
				g.mu.Unlock()
				return room, nil
			}
			if _, ok := g.closing[documentID]; ok {
				g.mu.Unlock()
				return nil, errRoomClosed
			}
			g.mu.Unlock()

			loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
			defer cancel()
			loaded, err := g.adapter.Load(loadCtx, documentID)
			if err != nil {
				return nil, err
			}

			room := newRoom(g, loaded)
			g.mu.Lock()
			if g.stopped {
				g.mu.Unlock()
				return nil, errRoomClosed
			}
			g.rooms[documentID] = room
			g.mu.Unlock()
			go room.run()
			g.log.Debug().Str("document_id", documentID).Msg("room opened")
			return room, nil
		})
		select {
		case res := <-ch:
			if errors.Is(res.Err, errRoomClosed) {
				if g.isStopped() {
					return nil, errRoomClosed
				}
				continue
			}
			if res.Err != nil {
				return nil, res.Err
			}
			return res.Val.(*Room), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (g *Registry) isStopped() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stopped
}

// retire moves room out of the live set. Callers arriving meanwhile wait for
// the returned channel.
func (g *Registry) retire(room *Room) *closingRoom {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.rooms[room.id] == room {
		delete(g.rooms, room.id)
	}
	c := &closingRoom{done: make(chan struct{})}
	g.closing[room.id] = c
	return c
}

func (g *Registry) finish(documentID string, c *closingRoom, err error) {
	g.mu.Lock()
	c.err = err
	if g.closing[documentID] == c {
		delete(g.closing, documentID)
	}
	g.mu.Unlock()
	close(c.done)
}

// Edit applies fn to the live state of documentID, opening the room for the
// duration of the edit if no connection holds it. fn returns the delta it
// produced; the delta is relayed to connected peers. When Edit opened the
// room itself it waits for the resulting save.
func (g *Registry) Edit(ctx context.Context, documentID string, fn func(*crdt.Doc) []byte) error {
	holder := newPeer(true)
	room, err := g.attach(ctx, documentID, holder)
	if err != nil {
		return err
	}
	editErr := room.edit(ctx, fn)
	closing := room.leave(holder)
	if editErr != nil {
		return editErr
	}
	// The holder was the last peer; wait for the final flush so the caller
	// observes the save outcome.
	if closing != nil {
		select {
		case <-closing.done:
			return closing.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// ApplyExternal merges a delta produced outside the sync channel, such as a
// server-side import, into documentID.
func (g *Registry) ApplyExternal(ctx context.Context, documentID string, delta []byte) error {
	var applyErr error
	err := g.Edit(ctx, documentID, func(doc *crdt.Doc) []byte {
		changed, err := doc.Apply(delta)
		if err != nil {
			applyErr = err
			return nil
		}
		if !changed {
			return nil
		}
		return delta
	})
	if applyErr != nil {
		return applyErr
	}
	return err
}

// Shutdown closes every room, flushing each, and refuses new ones.
func (g *Registry) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.stopped = true
	rooms := make([]*Room, 0, len(g.rooms))
	for _, room := range g.rooms {
		rooms = append(rooms, room)
	}
	g.mu.Unlock()

	for _, room := range rooms {
		select {
		case room.stop <- struct{}{}:
		case <-room.stopped:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	for {
		g.mu.Lock()
		var pending *closingRoom
		for _, c := range g.closing {
			pending = c
			break
		}
		g.mu.Unlock()
		if pending == nil {
			return nil
		}
		select {
		case <-pending.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
