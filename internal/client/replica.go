package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lydiehq/lydie-sub006/internal/authz"
	"github.com/lydiehq/lydie-sub006/internal/changefeed"
	"github.com/lydiehq/lydie-sub006/internal/mutator"
	"github.com/lydiehq/lydie-sub006/internal/query"
	"github.com/lydiehq/lydie-sub006/internal/rbac"
	"github.com/lydiehq/lydie-sub006/internal/store"
)

var ErrReplicaClosed = errors.New("replica closed")

// Session is the cached identity a replica runs its speculative pass under.
type Session struct {
	UserID       string
	Roles        map[string]rbac.Role
	ActiveTenant string
}

// Pending is a submitted mutation awaiting its authoritative outcome.
type Pending struct {
	ID   string
	Name string

	sub       mutator.Submission
	def       mutator.Def
	args      any
	confirmed bool
	settleBy  time.Time
	// awaiting holds the rows the mutation wrote that have not come back
	// from the server since it was confirmed. Nil when the speculative pass
	// wrote nothing.
	awaiting map[string]struct{}
	done     chan struct{}
	outcome  mutator.Outcome
	err      error
}

// Wait blocks until the server has decided the mutation.
func (p *Pending) Wait(ctx context.Context) (mutator.Outcome, error) {
	select {
	case <-p.done:
		return p.outcome, p.err
	case <-ctx.Done():
		return mutator.Outcome{}, ctx.Err()
	}
}

// Replica holds the confirmed rows received from the server and the
// mutations not yet confirmed. Reads see the view: the confirmed rows with
// every pending mutation replayed on top, in submission order.
type Replica struct {
	registry  *mutator.Registry
	transport Transport
	session   authz.Context
	log       zerolog.Logger

	retryMin     time.Duration
	retryMax     time.Duration
	settleWindow time.Duration

	mu      sync.Mutex
	base    *store.MemoryStore
	view    *store.MemoryStore
	pending []*Pending
	wake    chan struct{}
	changed chan struct{}
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewReplica(registry *mutator.Registry, transport Transport, session Session, log zerolog.Logger) *Replica {
	base := store.NewMemoryStore()
	return &Replica{
		registry:  registry,
		transport: transport,
		session:   authz.Speculative(session.UserID, session.Roles, session.ActiveTenant),
		log:       log.With().Str("component", "replica").Logger(),
		retryMin:  100 * time.Millisecond,
		retryMax:  10 * time.Second,
		// An applied mutation's rows may arrive before or after its outcome.
		settleWindow: 2 * time.Second,
		base:         base,
		view:         base.Clone(),
		wake:         make(chan struct{}, 1),
		changed:      make(chan struct{}, 1),
	}
}

// Start runs the sender until ctx ends or Close is called.
func (r *Replica) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	r.done = make(chan struct{})
	done := r.done
	r.mu.Unlock()
	go func() {
		defer close(done)
		r.send(ctx)
	}()
}

// Close stops the sender. Unsent mutations fail with ErrReplicaClosed.
func (r *Replica) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	cancel, done := r.cancel, r.done
	r.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.pending {
		if !p.confirmed {
			p.err = ErrReplicaClosed
			close(p.done)
		}
	}
	r.pending = nil
}

// Changed signals after the view was rebuilt.
func (r *Replica) Changed() <-chan struct{} {
	return r.changed
}

// Mutate applies name speculatively and queues it for the server. A local
// rejection does not stop the submission; the server decides.
func (r *Replica) Mutate(ctx context.Context, name string, args any) (*Pending, error) {
	def, ok := r.registry.Lookup(name, 0)
	if !ok {
		return nil, fmt.Errorf("unknown mutator %q", name)
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode %s args: %w", name, err)
	}
	decoded, err := def.Decode(raw)
	if err != nil {
		return nil, err
	}
	p := &Pending{
		ID:   uuid.NewString(),
		Name: name,
		sub:  mutator.Submission{Name: def.Name, Version: def.Version, Args: raw},
		def:  def,
		args: decoded,
		done: make(chan struct{}),
	}
	p.sub.IdempotencyID = p.ID

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrReplicaClosed
	}
	r.pending = append(r.pending, p)
	_, changes, err := def.Apply(ctx, r.session, r.view, decoded, nil)
	if err != nil {
		if _, ok := mutator.AsRejection(err); !ok {
			r.log.Warn().Err(err).Str("mutator", def.ID()).Msg("speculative apply failed")
		}
	}
	p.awaiting = rowKeys(changes)
	r.mu.Unlock()
	r.notify()

	select {
	case r.wake <- struct{}{}:
	default:
	}
	return p, nil
}

// PendingCount returns the number of mutations the server has not decided.
func (r *Replica) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, p := range r.pending {
		if !p.confirmed {
			n++
		}
	}
	return n
}

// ApplyRows installs confirmed rows from a query subscription. Applied
// mutations stop being replayed once every row they wrote has arrived.
func (r *Replica) ApplyRows(table string, events ...query.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range events {
		if err := r.applyRow(table, ev); err != nil {
			return err
		}
		key := rowKey(table, ev.Row)
		for _, p := range r.pending {
			if p.confirmed {
				delete(p.awaiting, key)
			}
		}
	}
	r.dropConfirmedLocked(func(p *Pending) bool {
		return p.awaiting != nil && len(p.awaiting) == 0
	})
	r.rebuild()
	return nil
}

func rowKey(table string, row store.Row) string {
	id, _ := row["id"].(string)
	return table + "/" + id
}

func rowKeys(changes []changefeed.Change) map[string]struct{} {
	if len(changes) == 0 {
		return nil
	}
	keys := make(map[string]struct{}, len(changes))
	for _, c := range changes {
		keys[c.Table+"/"+c.ID] = struct{}{}
	}
	return keys
}

// dropConfirmedLocked removes confirmed mutations matching done. Callers
// hold mu.
func (r *Replica) dropConfirmedLocked(done func(*Pending) bool) bool {
	kept := r.pending[:0]
	for _, p := range r.pending {
		if !p.confirmed || !done(p) {
			kept = append(kept, p)
		}
	}
	dropped := len(kept) != len(r.pending)
	for i := len(kept); i < len(r.pending); i++ {
		r.pending[i] = nil
	}
	r.pending = kept
	return dropped
}

// dropConfirmed stops replaying applied mutations whose rows never arrived,
// for instance because no subscription covers them.
func (r *Replica) dropConfirmed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	now := time.Now()
	if r.dropConfirmedLocked(func(p *Pending) bool { return !now.Before(p.settleBy) }) {
		r.rebuild()
	}
}

func (r *Replica) applyRow(table string, ev query.Event) error {
	switch table {
	case store.TableDocuments:
		if ev.Op == changefeed.OpDelete {
			id, _ := ev.Row["id"].(string)
			r.base.RemoveDocument(id)
			return nil
		}
		doc, err := store.DocumentFromRow(ev.Row)
		if err != nil {
			return err
		}
		r.base.PutDocument(doc)
	case store.TableMembers:
		m, err := store.MemberFromRow(ev.Row)
		if err != nil {
			return err
		}
		if ev.Op == changefeed.OpDelete {
			r.base.RemoveMember(m.TenantID, m.UserID)
			return nil
		}
		r.base.PutMember(m)
	default:
		return fmt.Errorf("unknown table %q", table)
	}
	return nil
}

// rebuild recomputes the view. Callers hold mu.
func (r *Replica) rebuild() {
	view := r.base.Clone()
	for _, p := range r.pending {
		_, changes, err := p.def.Apply(context.Background(), r.session, view, p.args, nil)
		if err != nil {
			if _, ok := mutator.AsRejection(err); !ok {
				r.log.Warn().Err(err).Str("mutator", p.def.ID()).Msg("replay failed")
			}
		}
		if !p.confirmed && len(changes) > 0 {
			p.awaiting = rowKeys(changes)
		}
	}
	r.view = view
	r.notify()
}

func (r *Replica) notify() {
	select {
	case r.changed <- struct{}{}:
	default:
	}
}

// Documents reads the view.
func (r *Replica) Documents(ctx context.Context, filter store.DocumentFilter) ([]store.Document, error) {
	r.mu.Lock()
	view := r.view
	r.mu.Unlock()
	if filter.TenantIDs == nil {
		filter.TenantIDs = r.session.TenantIDs()
	}
	return view.ListDocuments(ctx, filter)
}

// Members reads the view.
func (r *Replica) Members(ctx context.Context, tenantIDs ...string) ([]store.Member, error) {
	r.mu.Lock()
	view := r.view
	r.mu.Unlock()
	if len(tenantIDs) == 0 {
		tenantIDs = r.session.TenantIDs()
	}
	return view.ListMembers(ctx, tenantIDs)
}

// next returns the oldest undecided mutation.
func (r *Replica) next() *Pending {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.pending {
		if !p.confirmed {
			return p
		}
	}
	return nil
}

// send drains the queue in order. Transport errors are retried with the
// same idempotency id; the server applies each mutation at most once.
func (r *Replica) send(ctx context.Context) {
	backoff := r.retryMin
	for {
		p := r.next()
		if p == nil {
			select {
			case <-r.wake:
				continue
			case <-ctx.Done():
				return
			}
		}

		outcome, err := r.transport.Mutate(ctx, p.sub)
		if err != nil && !errors.Is(err, ErrRejectedRequest) {
			if ctx.Err() != nil {
				return
			}
			r.log.Warn().Err(err).Str("mutator", p.Name).Dur("backoff", backoff).Msg("mutation send failed, retrying")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff = min(backoff*2, r.retryMax)
			continue
		}
		backoff = r.retryMin
		r.settle(p, outcome, err)
	}
}

// settle records the server's decision. A rejected or refused mutation
// leaves the queue at once, rolling back its speculative effect. An applied
// one is replayed until the next confirmed rows arrive or the settle window
// passes.
func (r *Replica) settle(p *Pending, outcome mutator.Outcome, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p.outcome = outcome
	p.err = err
	if err == nil && outcome.Applied {
		p.confirmed = true
		p.settleBy = time.Now().Add(r.settleWindow)
		time.AfterFunc(r.settleWindow, r.dropConfirmed)
	} else {
		for i, q := range r.pending {
			if q == p {
				r.pending = append(r.pending[:i], r.pending[i+1:]...)
				break
			}
		}
		r.rebuild()
	}
	close(p.done)
}
