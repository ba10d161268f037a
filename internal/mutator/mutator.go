// Package mutator defines named, versioned write operations and executes
// them authoritatively. The same definitions run speculatively in client
// replicas.
package mutator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/lydiehq/lydie-sub006/internal/authz"
	"github.com/lydiehq/lydie-sub006/internal/changefeed"
	"github.com/lydiehq/lydie-sub006/internal/store"
)

type Reason string

const (
	ReasonForbidden      Reason = "forbidden"
	ReasonNotFound       Reason = "not_found"
	ReasonInvalidArgs    Reason = "invalid_args"
	ReasonUnknownMutator Reason = "unknown_mutator"
	ReasonConflict       Reason = "conflict"
)

// Rejection is a mutator's refusal. It is an outcome, not a failure.
type Rejection struct {
	Reason   Reason
	Message  string
	TenantID string
	Resource string
}

func (r *Rejection) Error() string {
	if r.Message == "" {
		return string(r.Reason)
	}
	return string(r.Reason) + ": " + r.Message
}

func reject(reason Reason, format string, args ...any) error {
	return &Rejection{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

func forbidden(tenantID, resource string) error {
	return &Rejection{Reason: ReasonForbidden, Message: "access denied", TenantID: tenantID, Resource: resource}
}

// AsRejection unwraps a Rejection from err.
func AsRejection(err error) (*Rejection, bool) {
	var rejection *Rejection
	if errors.As(err, &rejection) {
		return rejection, true
	}
	return nil, false
}

// Tx is the transaction handed to mutators. It records the row changes to
// publish once the transaction commits.
type Tx struct {
	store.Tx
	changes []changefeed.Change
}

func (t *Tx) emit(table string, op changefeed.Op, tenantID, id string, row store.Row) {
	t.changes = append(t.changes, changefeed.Change{Table: table, Op: op, TenantID: tenantID, ID: id, Row: row})
}

func (t *Tx) emitDocument(op changefeed.Op, doc store.Document) {
	t.emit(store.TableDocuments, op, doc.TenantID, doc.ID, doc.Row())
}

func (t *Tx) Changes() []changefeed.Change {
	return t.changes
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Def is a registered mutator.
type Def struct {
	Name    string
	Version int

	decode func(raw json.RawMessage) (any, error)
	keys   func(args any) []string
	run    func(ctx context.Context, ac authz.Context, tx *Tx, args any) (any, error)
}

// Define builds a Def whose arguments decode into A and are validated with
// its struct tags.
func Define[A any](name string, version int, keys func(A) []string, run func(context.Context, authz.Context, *Tx, A) (any, error)) Def {
	return Def{
		Name:    name,
		Version: version,
		decode: func(raw json.RawMessage) (any, error) {
			var args A
			if len(raw) == 0 {
				raw = json.RawMessage("{}")
			}
			dec := json.NewDecoder(bytes.NewReader(raw))
			dec.DisallowUnknownFields()
			if err := dec.Decode(&args); err != nil {
				return nil, reject(ReasonInvalidArgs, "decode args: %v", err)
			}
			if err := validate.Struct(args); err != nil {
				return nil, reject(ReasonInvalidArgs, "%v", err)
			}
			return args, nil
		},
		keys: func(args any) []string { return keys(args.(A)) },
		run: func(ctx context.Context, ac authz.Context, tx *Tx, args any) (any, error) {
			return run(ctx, ac, tx, args.(A))
		},
	}
}

func (d Def) ID() string {
	return fmt.Sprintf("%s@%d", d.Name, d.Version)
}

// Decode parses and validates raw arguments. Failures are Rejections.
func (d Def) Decode(raw json.RawMessage) (any, error) {
	return d.decode(raw)
}

// Keys returns the sorted, de-duplicated resource keys args touch.
func (d Def) Keys(args any) []string {
	keys := d.keys(args)
	sort.Strings(keys)
	out := keys[:0]
	for i, k := range keys {
		if i == 0 || k != keys[i-1] {
			out = append(out, k)
		}
	}
	return out
}

// Apply runs the mutator in its own transaction against txr. finish, when
// set, runs inside the same transaction after the mutator succeeds.
func (d Def) Apply(ctx context.Context, ac authz.Context, txr store.Transactor, args any, finish func(store.Tx, json.RawMessage) error) (json.RawMessage, []changefeed.Change, error) {
	var (
		result  json.RawMessage
		changes []changefeed.Change
	)
	err := txr.WithTx(ctx, func(inner store.Tx) error {
		tx := &Tx{Tx: inner}
		value, err := d.run(ctx, ac, tx, args)
		if err != nil {
			return err
		}
		payload, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("encode %s result: %w", d.ID(), err)
		}
		if finish != nil {
			if err := finish(inner, payload); err != nil {
				return err
			}
		}
		result = payload
		changes = tx.Changes()
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return result, changes, nil
}

// Registry indexes definitions by name and version.
type Registry struct {
	defs map[string]Def
}

func NewRegistry(defs ...Def) *Registry {
	r := &Registry{defs: make(map[string]Def, len(defs))}
	for _, def := range defs {
		r.defs[def.ID()] = def
	}
	return r
}

// Lookup finds name@version; version 0 selects the highest registered.
func (r *Registry) Lookup(name string, version int) (Def, bool) {
	if version > 0 {
		def, ok := r.defs[fmt.Sprintf("%s@%d", name, version)]
		return def, ok
	}
	var (
		best  Def
		found bool
	)
	for _, def := range r.defs {
		if def.Name == name && (!found || def.Version > best.Version) {
			best, found = def, true
		}
	}
	return best, found
}
