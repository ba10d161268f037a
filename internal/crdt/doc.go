// Package crdt implements the conflict-free replicated state of a single
// document: a tree-ordered RGA text sequence plus a last-writer-wins
// attribute register.
//
// The state is a set of operations. Element order is a pure function of that
// set (siblings sharing an origin are ordered by descending ID, the document
// is their pre-order traversal), so replicas holding the same operations
// converge regardless of delivery order or duplication. Operations whose
// origin has not arrived yet are held pending and are part of the state.
//
// A Doc is not safe for concurrent use.
package crdt

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"
)

// ErrCorruptDelta is returned for undecodable or invalid delta bytes.
var ErrCorruptDelta = errors.New("corrupt delta")

// SeedClient is reserved for states synthesized from a stored content tree.
// Seeding is deterministic, so independently seeded replicas converge.
const SeedClient uint64 = 1

const maxAttrKeyLen = 256

// ID identifies an operation: the Lamport clock at creation and the
// creating replica.
type ID struct {
	_      struct{} `cbor:",toarray"`
	Client uint64
	Clock  uint64
}

func (id ID) IsZero() bool { return id.Client == 0 && id.Clock == 0 }

func (id ID) less(other ID) bool {
	if id.Clock != other.Clock {
		return id.Clock < other.Clock
	}
	return id.Client < other.Client
}

func (id ID) String() string { return fmt.Sprintf("%d@%d", id.Clock, id.Client) }

type element struct {
	id       ID
	origin   ID
	value    rune
	deleted  bool
	children []*element
}

type register struct {
	value string
	stamp ID
}

type Doc struct {
	client uint64
	clock  uint64

	root  *element
	elems map[ID]*element

	pending         map[ID]insertOp
	pendingByOrigin map[ID][]ID
	pendingDeletes  map[ID]struct{}

	attrs map[string]register

	order []*element
	dirty bool
}

// New returns an empty document owned by a random replica id.
func New() *Doc {
	return NewWithClient(randomClient())
}

// NewWithClient returns an empty document owned by the given replica id.
func NewWithClient(client uint64) *Doc {
	return &Doc{
		client:          client,
		root:            &element{},
		elems:           make(map[ID]*element),
		pending:         make(map[ID]insertOp),
		pendingByOrigin: make(map[ID][]ID),
		pendingDeletes:  make(map[ID]struct{}),
		attrs:           make(map[string]register),
	}
}

// Seed builds the deterministic state for text with no prior snapshot. The
// returned doc continues editing under a random replica id.
func Seed(text string) *Doc {
	doc := NewWithClient(SeedClient)
	if text != "" {
		doc.InsertText(0, text)
	}
	doc.client = randomClient()
	return doc
}

// Client returns the replica id used for local edits.
func (d *Doc) Client() uint64 { return d.client }

// Apply merges an encoded delta (applyDelta). It reports whether the state
// changed. On error the state is untouched.
func (d *Doc) Apply(data []byte) (bool, error) {
	delta, err := decodeDelta(data)
	if err != nil {
		return false, err
	}
	if err := d.check(delta); err != nil {
		return false, err
	}
	return d.merge(delta), nil
}

// check validates a decoded delta against the current state.
func (d *Doc) check(delta deltaWire) error {
	seen := make(map[ID]insertOp, len(delta.Inserts))
	for _, op := range delta.Inserts {
		if prev, ok := seen[op.ID]; ok && !prev.same(op) {
			return fmt.Errorf("%w: conflicting inserts for %s", ErrCorruptDelta, op.ID)
		}
		seen[op.ID] = op
		if existing, ok := d.lookupInsert(op.ID); ok && !existing.same(op) {
			return fmt.Errorf("%w: insert %s conflicts with state", ErrCorruptDelta, op.ID)
		}
	}
	// A stamp names one assignment; the same key and stamp carrying two
	// values would make replicas diverge on delivery order.
	sets := make(map[string]register, len(delta.Sets))
	for _, op := range delta.Sets {
		if prev, ok := sets[op.Key]; ok && prev.stamp == op.Stamp && prev.value != op.Value {
			return fmt.Errorf("%w: conflicting values for %q at %s", ErrCorruptDelta, op.Key, op.Stamp)
		}
		sets[op.Key] = register{value: op.Value, stamp: op.Stamp}
		if current, ok := d.attrs[op.Key]; ok && current.stamp == op.Stamp && current.value != op.Value {
			return fmt.Errorf("%w: set %q at %s conflicts with state", ErrCorruptDelta, op.Key, op.Stamp)
		}
	}
	return nil
}

func (d *Doc) lookupInsert(id ID) (insertOp, bool) {
	if el, ok := d.elems[id]; ok {
		return insertOp{ID: el.id, Origin: el.origin, Value: string(el.value)}, true
	}
	op, ok := d.pending[id]
	return op, ok
}

func (d *Doc) merge(delta deltaWire) bool {
	changed := false
	for _, op := range delta.Inserts {
		d.observe(op.ID)
		if d.integrate(op) {
			changed = true
		}
	}
	for _, op := range delta.Deletes {
		d.observe(op.Target)
		if d.remove(op.Target) {
			changed = true
		}
	}
	for _, op := range delta.Sets {
		d.observe(op.Stamp)
		if d.assign(op) {
			changed = true
		}
	}
	return changed
}

func (d *Doc) observe(id ID) {
	if id.Clock > d.clock {
		d.clock = id.Clock
	}
}

func (d *Doc) integrate(op insertOp) bool {
	if _, ok := d.elems[op.ID]; ok {
		return false
	}
	if _, ok := d.pending[op.ID]; ok {
		return false
	}
	parent := d.root
	if !op.Origin.IsZero() {
		var ok bool
		parent, ok = d.elems[op.Origin]
		if !ok {
			d.pending[op.ID] = op
			d.pendingByOrigin[op.Origin] = append(d.pendingByOrigin[op.Origin], op.ID)
			return true
		}
	}
	value, _ := utf8.DecodeRuneInString(op.Value)
	el := &element{id: op.ID, origin: op.Origin, value: value}
	if _, ok := d.pendingDeletes[op.ID]; ok {
		el.deleted = true
		delete(d.pendingDeletes, op.ID)
	}
	d.attach(parent, el)
	d.elems[op.ID] = el
	d.dirty = true

	waiting := d.pendingByOrigin[op.ID]
	delete(d.pendingByOrigin, op.ID)
	for _, id := range waiting {
		child := d.pending[id]
		delete(d.pending, id)
		d.integrate(child)
	}
	return true
}

// attach keeps children sorted by descending ID.
func (d *Doc) attach(parent, el *element) {
	idx := sort.Search(len(parent.children), func(i int) bool {
		return parent.children[i].id.less(el.id)
	})
	parent.children = append(parent.children, nil)
	copy(parent.children[idx+1:], parent.children[idx:])
	parent.children[idx] = el
}

func (d *Doc) remove(target ID) bool {
	if el, ok := d.elems[target]; ok {
		if el.deleted {
			return false
		}
		el.deleted = true
		d.dirty = true
		return true
	}
	if _, ok := d.pendingDeletes[target]; ok {
		return false
	}
	d.pendingDeletes[target] = struct{}{}
	return true
}

func (d *Doc) assign(op setOp) bool {
	current, ok := d.attrs[op.Key]
	if ok && !current.stamp.less(op.Stamp) {
		return false
	}
	d.attrs[op.Key] = register{value: op.Value, stamp: op.Stamp}
	return true
}

// linear returns all integrated elements in document order, tombstones included.
func (d *Doc) linear() []*element {
	if !d.dirty && d.order != nil {
		return d.order
	}
	order := make([]*element, 0, len(d.elems))
	stack := make([]*element, 0, 16)
	for i := len(d.root.children) - 1; i >= 0; i-- {
		stack = append(stack, d.root.children[i])
	}
	for len(stack) > 0 {
		el := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		order = append(order, el)
		for i := len(el.children) - 1; i >= 0; i-- {
			stack = append(stack, el.children[i])
		}
	}
	d.order = order
	d.dirty = false
	return order
}

func (d *Doc) visible() []*element {
	all := d.linear()
	out := make([]*element, 0, len(all))
	for _, el := range all {
		if !el.deleted {
			out = append(out, el)
		}
	}
	return out
}

// Text returns the visible text.
func (d *Doc) Text() string {
	var b strings.Builder
	for _, el := range d.linear() {
		if !el.deleted {
			b.WriteRune(el.value)
		}
	}
	return b.String()
}

// Len returns the number of visible runes.
func (d *Doc) Len() int {
	n := 0
	for _, el := range d.linear() {
		if !el.deleted {
			n++
		}
	}
	return n
}

// Attr returns the current value of an attribute.
func (d *Doc) Attr(key string) (string, bool) {
	reg, ok := d.attrs[key]
	return reg.value, ok
}

// Pending reports how many operations wait for a missing origin or target.
func (d *Doc) Pending() int {
	return len(d.pending) + len(d.pendingDeletes)
}

func (d *Doc) next() ID {
	d.clock++
	return ID{Client: d.client, Clock: d.clock}
}

// InsertText inserts s before visible position pos (clamped) and returns the
// encoded delta.
func (d *Doc) InsertText(pos int, s string) []byte {
	var delta deltaWire
	d.insertInto(&delta, pos, s)
	return mustEncode(delta)
}

func (d *Doc) insertInto(delta *deltaWire, pos int, s string) {
	vis := d.visible()
	if pos < 0 {
		pos = 0
	}
	if pos > len(vis) {
		pos = len(vis)
	}
	origin := ID{}
	if pos > 0 {
		origin = vis[pos-1].id
	}
	for _, r := range s {
		op := insertOp{ID: d.next(), Origin: origin, Value: string(r)}
		d.integrate(op)
		delta.Inserts = append(delta.Inserts, op)
		origin = op.ID
	}
}

// DeleteText tombstones n visible runes starting at pos and returns the
// encoded delta.
func (d *Doc) DeleteText(pos, n int) []byte {
	var delta deltaWire
	d.deleteInto(&delta, pos, n)
	return mustEncode(delta)
}

func (d *Doc) deleteInto(delta *deltaWire, pos, n int) {
	vis := d.visible()
	if pos < 0 {
		pos = 0
	}
	end := pos + n
	if end > len(vis) {
		end = len(vis)
	}
	for i := pos; i < end; i++ {
		d.remove(vis[i].id)
		delta.Deletes = append(delta.Deletes, deleteOp{Target: vis[i].id})
	}
}

// ReplaceText edits the visible text into next with a minimal
// prefix/suffix-preserving change and returns the encoded delta.
func (d *Doc) ReplaceText(next string) []byte {
	current := []rune(d.Text())
	target := []rune(next)
	prefix := 0
	for prefix < len(current) && prefix < len(target) && current[prefix] == target[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < len(current)-prefix && suffix < len(target)-prefix &&
		current[len(current)-1-suffix] == target[len(target)-1-suffix] {
		suffix++
	}
	var delta deltaWire
	d.deleteInto(&delta, prefix, len(current)-prefix-suffix)
	d.insertInto(&delta, prefix, string(target[prefix:len(target)-suffix]))
	return mustEncode(delta)
}

// SetAttr assigns an attribute and returns the encoded delta.
func (d *Doc) SetAttr(key, value string) []byte {
	op := setOp{Key: key, Value: value, Stamp: d.next()}
	d.assign(op)
	return mustEncode(deltaWire{Sets: []setOp{op}})
}

// StateDelta encodes the whole state as a delta.
func (d *Doc) StateDelta() []byte {
	return mustEncode(d.state())
}

// Snapshot encodes the state canonically; converged replicas produce
// identical bytes.
func (d *Doc) Snapshot() []byte {
	return d.StateDelta()
}

// Restore rebuilds a document from snapshot bytes under a random replica id.
func Restore(data []byte) (*Doc, error) {
	doc := New()
	if _, err := doc.Apply(data); err != nil {
		return nil, err
	}
	return doc, nil
}

// Clone returns an independent copy under the given replica id.
func (d *Doc) Clone(client uint64) *Doc {
	doc := NewWithClient(client)
	doc.merge(d.state())
	return doc
}

// Diff encodes the operations present in b and missing from a. Applying the
// result to a yields the merge of a and b.
func Diff(a, b *Doc) []byte {
	full := b.state()
	var delta deltaWire
	for _, op := range full.Inserts {
		if _, ok := a.lookupInsert(op.ID); !ok {
			delta.Inserts = append(delta.Inserts, op)
		}
	}
	for _, op := range full.Deletes {
		if !a.hasDelete(op.Target) {
			delta.Deletes = append(delta.Deletes, op)
		}
	}
	for _, op := range full.Sets {
		current, ok := a.attrs[op.Key]
		if !ok || current.stamp.less(op.Stamp) {
			delta.Sets = append(delta.Sets, op)
		}
	}
	return mustEncode(delta)
}

func (d *Doc) hasDelete(target ID) bool {
	if el, ok := d.elems[target]; ok {
		return el.deleted
	}
	_, ok := d.pendingDeletes[target]
	return ok
}

func (d *Doc) state() deltaWire {
	var delta deltaWire
	for _, el := range d.elems {
		delta.Inserts = append(delta.Inserts, insertOp{ID: el.id, Origin: el.origin, Value: string(el.value)})
		if el.deleted {
			delta.Deletes = append(delta.Deletes, deleteOp{Target: el.id})
		}
	}
	for _, op := range d.pending {
		delta.Inserts = append(delta.Inserts, op)
	}
	for target := range d.pendingDeletes {
		delta.Deletes = append(delta.Deletes, deleteOp{Target: target})
	}
	for key, reg := range d.attrs {
		delta.Sets = append(delta.Sets, setOp{Key: key, Value: reg.value, Stamp: reg.stamp})
	}
	sort.Slice(delta.Inserts, func(i, j int) bool { return delta.Inserts[i].ID.less(delta.Inserts[j].ID) })
	sort.Slice(delta.Deletes, func(i, j int) bool { return delta.Deletes[i].Target.less(delta.Deletes[j].Target) })
	sort.Slice(delta.Sets, func(i, j int) bool { return delta.Sets[i].Key < delta.Sets[j].Key })
	return delta
}

func randomClient() uint64 {
	var buf [8]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			panic(fmt.Sprintf("crdt: read random client id: %v", err))
		}
		if id := binary.BigEndian.Uint64(buf[:]); id > SeedClient {
			return id
		}
	}
}
