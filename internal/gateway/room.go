package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lydiehq/lydie-sub006/internal/content"
	"github.com/lydiehq/lydie-sub006/internal/crdt"
	"github.com/lydiehq/lydie-sub006/internal/metrics"
	"github.com/lydiehq/lydie-sub006/internal/persist"
)

const peerBuffer = 256

// peer is one attachment to a room. Frames for it are queued on send; a
// peer that cannot keep up is kicked and resyncs on reconnect.
type peer struct {
	send     chan []byte
	kicked   chan struct{}
	kickOnce sync.Once
	code     int
	reason   string
	// silent peers receive nothing; used for server-side edits.
	silent bool
}

func newPeer(silent bool) *peer {
	return &peer{send: make(chan []byte, peerBuffer), kicked: make(chan struct{}), silent: silent}
}

func (p *peer) offer(frame []byte) bool {
	if p.silent {
		return true
	}
	select {
	case p.send <- frame:
		return true
	default:
		return false
	}
}

func (p *peer) kick(code int, reason string) {
	p.kickOnce.Do(func() {
		p.code = code
		p.reason = reason
		close(p.kicked)
	})
}

func (p *peer) isKicked() bool {
	select {
	case <-p.kicked:
		return true
	default:
		return false
	}
}

type joinReq struct {
	peer  *peer
	reply chan error
}

type leaveReq struct {
	peer  *peer
	reply chan *closingRoom
}

type deltaReq struct {
	from  *peer
	data  []byte
	reply chan error
}

type editReq struct {
	fn    func(*crdt.Doc) []byte
	reply chan struct{}
}

// Room owns one document's live CRDT state. All state is confined to the
// run goroutine; callers talk to it over channels.
type Room struct {
	id       string
	tenantID string
	registry *Registry
	log      zerolog.Logger

	doc     *crdt.Doc
	flusher *persist.Flusher
	peers   map[*peer]struct{}
	dirty   bool

	joins   chan joinReq
	leaves  chan leaveReq
	deltas  chan deltaReq
	edits   chan editReq
	stop    chan struct{}
	stopped chan struct{}
}

func newRoom(reg *Registry, loaded persist.Loaded) *Room {
	flusher := reg.adapter.NewFlusher(loaded.Document.ID, reg.opts.SaveRetryCeiling)
	if len(loaded.Document.Snapshot) > 0 {
		flusher.MarkSaved(loaded.Document.Snapshot)
	}
	return &Room{
		id:       loaded.Document.ID,
		tenantID: loaded.Document.TenantID,
		registry: reg,
		log:      reg.log.With().Str("document_id", loaded.Document.ID).Str("tenant_id", loaded.Document.TenantID).Logger(),
		doc:      loaded.Doc,
		flusher:  flusher,
		peers:    make(map[*peer]struct{}),
		joins:    make(chan joinReq),
		leaves:   make(chan leaveReq),
		deltas:   make(chan deltaReq),
		edits:    make(chan editReq),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

func (r *Room) TenantID() string { return r.tenantID }

// join attaches p. The full state is queued to p before any relayed delta.
func (r *Room) join(ctx context.Context, p *peer) error {
	req := joinReq{peer: p, reply: make(chan error, 1)}
	select {
	case r.joins <- req:
	case <-r.stopped:
		return errRoomClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-req.reply
}

// leave detaches p. When p was the last peer the room starts closing and
// the returned handle completes after its final flush.
func (r *Room) leave(p *peer) *closingRoom {
	req := leaveReq{peer: p, reply: make(chan *closingRoom, 1)}
	select {
	case r.leaves <- req:
	case <-r.stopped:
		return nil
	}
	return <-req.reply
}

// deliver merges a delta from p and relays it to the other peers.
func (r *Room) deliver(ctx context.Context, p *peer, data []byte) error {
	req := deltaReq{from: p, data: data, reply: make(chan error, 1)}
	select {
	case r.deltas <- req:
	case <-r.stopped:
		return errRoomClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-req.reply
}

// edit runs fn against the live doc and relays the delta it returns.
func (r *Room) edit(ctx context.Context, fn func(*crdt.Doc) []byte) error {
	req := editReq{fn: fn, reply: make(chan struct{})}
	select {
	case r.edits <- req:
	case <-r.stopped:
		return errRoomClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-req.reply
	return nil
}

func (r *Room) run() {
	ticker := time.NewTicker(r.registry.opts.SnapshotInterval)
	defer ticker.Stop()
	metrics.ActiveRooms.Inc()
	defer metrics.ActiveRooms.Dec()

	for {
		select {
		case req := <-r.joins:
			if r.flusher.Degraded() {
				req.reply <- persist.ErrDegraded
				continue
			}
			req.peer.offer(r.doc.StateDelta())
			r.peers[req.peer] = struct{}{}
			req.reply <- nil

		case req := <-r.leaves:
			if _, ok := r.peers[req.peer]; !ok {
				req.reply <- nil
				continue
			}
			delete(r.peers, req.peer)
			if len(r.peers) == 0 {
				closing, closed := r.closeIdle("last peer left")
				req.reply <- closing
				if closed {
					return
				}
				continue
			}
			req.reply <- nil

		case req := <-r.deltas:
			if _, ok := r.peers[req.from]; !ok {
				req.reply <- errRoomClosed
				continue
			}
			changed, err := r.doc.Apply(req.data)
			if err != nil {
				req.reply <- err
				continue
			}
			if changed {
				r.dirty = true
				r.relay(req.from, req.data)
			}
			req.reply <- nil

		case req := <-r.edits:
			if delta := req.fn(r.doc); len(delta) > 0 {
				r.dirty = true
				r.relay(nil, delta)
			}
			close(req.reply)

		case <-ticker.C:
			if len(r.peers) == 0 {
				if _, closed := r.closeIdle("idle"); closed {
					return
				}
				continue
			}
			r.flush()

		case <-r.stop:
			for p := range r.peers {
				p.kick(websocket.CloseGoingAway, "server shutting down")
			}
			r.shutdown(r.registry.retire(r), "server shutdown")
			return
		}
	}
}

func (r *Room) relay(from *peer, frame []byte) {
	metrics.RelayedDeltas.Inc()
	for p := range r.peers {
		if p == from || p.isKicked() {
			continue
		}
		if !p.offer(frame) {
			r.log.Warn().Msg("peer too slow, disconnecting")
			p.kick(websocket.ClosePolicyViolation, "slow consumer")
		}
	}
}

func (r *Room) state() persist.State {
	return persist.State{Snapshot: r.doc.Snapshot(), Tree: content.FromText(r.doc.Text())}
}

func (r *Room) flush() {
	if !r.dirty && !r.flusher.Failing() {
		return
	}
	r.flusher.Submit(r.state())
	r.dirty = false
}

// closeIdle runs the final flush of a room without peers and retires it once
// the flush succeeds. A room whose flush fails stays registered and degraded,
// holding its unsaved state and refusing joins, and retries on each tick.
// Joins arriving during the flush wait on the run loop.
func (r *Room) closeIdle(why string) (*closingRoom, bool) {
	err := r.flusher.Final(context.Background(), r.state())
	if err != nil {
		r.log.Error().Err(err).Str("reason", why).Msg("final flush failed, holding room until persistence recovers")
		done := make(chan struct{})
		close(done)
		return &closingRoom{done: done, err: err}, false
	}
	r.log.Debug().Str("reason", why).Msg("closing room")
	closing := r.registry.retire(r)
	close(r.stopped)
	r.registry.finish(r.id, closing, nil)
	return closing, true
}

// shutdown runs the final flush of a retired room. Connections arriving
// meanwhile wait on closing.
func (r *Room) shutdown(closing *closingRoom, why string) {
	close(r.stopped)
	r.log.Debug().Str("reason", why).Msg("closing room")
	err := r.flusher.Final(context.Background(), r.state())
	if err != nil {
		r.log.Error().Err(err).Msg("final flush failed")
	}
	r.registry.finish(r.id, closing, err)
}
