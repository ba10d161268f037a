// Package query runs named, parameterized reads under an authorization
// context and keeps subscribers current with row diffs.
//
// Tenant scoping is enforced here, not in individual queries: the scope is the
// context's tenants narrowed by params.organizationId, storage is always
// filtered by that scope, and rows are checked again after the fetch.
package query

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
	"github.com/rs/zerolog"

	"github.com/lydiehq/lydie-sub006/internal/authz"
	"github.com/lydiehq/lydie-sub006/internal/changefeed"
	"github.com/lydiehq/lydie-sub006/internal/store"
)

var (
	ErrUnknownQuery  = errors.New("unknown query")
	ErrInvalidParams = errors.New("invalid query params")
)

// Source is the row storage queries read from.
type Source interface {
	ListDocuments(ctx context.Context, filter store.DocumentFilter) ([]store.Document, error)
	ListMembers(ctx context.Context, tenantIDs []string) ([]store.Member, error)
}

// Searcher ranks documents by title within tenants and returns their ids.
type Searcher interface {
	Search(ctx context.Context, tenantIDs []string, text string, limit int) ([]string, error)
}

// Env is what a query fetch can reach.
type Env struct {
	Source   Source
	Searcher Searcher
}

type Request struct {
	Name   string          `json:"name" validate:"required,max=128"`
	Params json.RawMessage `json:"params"`
}

type Def struct {
	Name  string
	Table string

	decode func(raw json.RawMessage) (any, error)
	fetch  func(ctx context.Context, env Env, scope []string, params any) ([]store.Row, error)
	match  func(params any, row store.Row) bool
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		return strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
	})
	return v
}

// Define builds a Def with params decoded into P. fetch must bind scope into
// its storage filter; match decides whether a changed row belongs to the
// result.
func Define[P any](name, table string, fetch func(context.Context, Env, []string, P) ([]store.Row, error), match func(P, store.Row) bool) Def {
	return Def{
		Name:  name,
		Table: table,
		decode: func(raw json.RawMessage) (any, error) {
			var params P
			if len(raw) == 0 || string(raw) == "null" {
				raw = json.RawMessage("{}")
			}
			dec := json.NewDecoder(bytes.NewReader(raw))
			dec.DisallowUnknownFields()
			if err := dec.Decode(&params); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
			}
			if err := validate.Struct(params); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
			}
			return params, nil
		},
		fetch: func(ctx context.Context, env Env, scope []string, params any) ([]store.Row, error) {
			return fetch(ctx, env, scope, params.(P))
		},
		match: func(params any, row store.Row) bool {
			return match(params.(P), row)
		},
	}
}

type Layer struct {
	defs map[string]Def
	env  Env
	feed *changefeed.Feed
	log  zerolog.Logger
}

// NewLayer builds a layer over env. feed may be nil when subscriptions are
// not served, as in client replicas.
func NewLayer(env Env, feed *changefeed.Feed, log zerolog.Logger, defs ...Def) *Layer {
	l := &Layer{defs: make(map[string]Def, len(defs)), env: env, feed: feed, log: log}
	for _, def := range defs {
		l.defs[def.Name] = def
	}
	return l
}

type plan struct {
	def    Def
	params any
	scope  []string
}

func (l *Layer) plan(ac authz.Context, req Request) (plan, error) {
	if !ac.Valid() {
		return plan{}, authz.ErrAuthenticationFailed
	}
	def, ok := l.defs[req.Name]
	if !ok {
		return plan{}, fmt.Errorf("%w: %s", ErrUnknownQuery, req.Name)
	}
	params, err := def.decode(req.Params)
	if err != nil {
		return plan{}, err
	}
	var org struct {
		OrganizationID string `json:"organizationId"`
	}
	if len(req.Params) > 0 {
		_ = json.Unmarshal(req.Params, &org)
	}
	scope := ac.Scope(org.OrganizationID)
	if org.OrganizationID != "" && len(scope) == 0 && !ac.IsSpeculative() {
		authz.Denied(l.log, ac, org.OrganizationID, "query:"+req.Name)
	}
	return plan{def: def, params: params, scope: scope}, nil
}

// Run returns the current rows. An empty scope returns no rows without
// reading storage.
func (l *Layer) Run(ctx context.Context, ac authz.Context, req Request) ([]store.Row, error) {
	p, err := l.plan(ac, req)
	if err != nil {
		return nil, err
	}
	return l.fetch(ctx, p)
}

func (l *Layer) fetch(ctx context.Context, p plan) ([]store.Row, error) {
	if len(p.scope) == 0 {
		return []store.Row{}, nil
	}
	rows, err := p.def.fetch(ctx, l.env, p.scope, p.params)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", p.def.Name, err)
	}
	out := make([]store.Row, 0, len(rows))
	for _, row := range rows {
		tenant := rowTenant(row)
		if !inScope(p.scope, tenant) {
			l.log.Error().Str("query", p.def.Name).Str("tenant_id", tenant).Msg("dropped row outside authorization scope")
			continue
		}
		out = append(out, row)
	}
	return out, nil
}

func rowTenant(row store.Row) string {
	tenant, _ := row["tenantId"].(string)
	return tenant
}

func rowID(row store.Row) string {
	id, _ := row["id"].(string)
	return id
}

func inScope(scope []string, tenant string) bool {
	if tenant == "" {
		return false
	}
	i := sort.SearchStrings(scope, tenant)
	return i < len(scope) && scope[i] == tenant
}
