package app

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/lydiehq/lydie-sub006/internal/authz"
	"github.com/lydiehq/lydie-sub006/internal/content"
	"github.com/lydiehq/lydie-sub006/internal/gateway"
	"github.com/lydiehq/lydie-sub006/internal/mutator"
	"github.com/lydiehq/lydie-sub006/internal/query"
	"github.com/lydiehq/lydie-sub006/internal/store"
)

// Pinger is a dependency the readiness probe checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Resolver gateway.Resolver
	Engine   *mutator.Engine
	Queries  *query.Layer
	Rooms    *gateway.Registry
	// Checks are reported by /api/ready under their names.
	Checks map[string]Pinger
	// AuthRefreshInterval is how often live queries re-resolve their token.
	AuthRefreshInterval time.Duration
}

// Service exposes the sync core to request handlers. Every call resolves
// the caller's token first.
type Service struct {
	resolver gateway.Resolver
	engine   *mutator.Engine
	queries  *query.Layer
	rooms    *gateway.Registry
	checks   map[string]Pinger
	refresh  time.Duration
}

func NewService(deps Deps) *Service {
	refresh := deps.AuthRefreshInterval
	if refresh <= 0 {
		refresh = 30 * time.Second
	}
	return &Service{
		resolver: deps.Resolver,
		engine:   deps.Engine,
		queries:  deps.Queries,
		rooms:    deps.Rooms,
		checks:   deps.Checks,
		refresh:  refresh,
	}
}

func (s *Service) Authenticate(ctx context.Context, token string) (authz.Context, error) {
	if token == "" {
		err := domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Missing bearer token", nil)
		err.Err = authz.ErrAuthenticationFailed
		return authz.Context{}, err
	}
	return s.resolver.Resolve(ctx, token)
}

func (s *Service) Mutate(ctx context.Context, token string, sub mutator.Submission) (mutator.Outcome, error) {
	ac, err := s.Authenticate(ctx, token)
	if err != nil {
		return mutator.Outcome{}, err
	}
	return s.engine.Submit(ctx, ac, sub)
}

func (s *Service) Query(ctx context.Context, token string, req query.Request) ([]store.Row, string, error) {
	ac, err := s.Authenticate(ctx, token)
	if err != nil {
		return nil, "", err
	}
	rows, err := s.queries.Run(ctx, ac, req)
	if err != nil {
		return nil, "", err
	}
	table, _ := s.queries.TableOf(req.Name)
	return rows, table, nil
}

// LiveQuery is an open subscription with the identity that opened it.
type LiveQuery struct {
	*query.Subscription
	Table string

	auth authz.Context
}

// Subscribe opens a live query. The subscription ends with ctx.
func (s *Service) Subscribe(ctx context.Context, token string, req query.Request) (*LiveQuery, error) {
	ac, err := s.Authenticate(ctx, token)
	if err != nil {
		return nil, err
	}
	sub, err := s.queries.Subscribe(ctx, ac, req)
	if err != nil {
		return nil, err
	}
	table, _ := s.queries.TableOf(req.Name)
	return &LiveQuery{Subscription: sub, Table: table, auth: ac}, nil
}

// Recheck re-resolves token for an open live query. It wraps
// authz.ErrAuthorizationDenied once the caller lost a tenant the query
// streams; the returned context is the fresh one in that case.
func (s *Service) Recheck(ctx context.Context, token string, live *LiveQuery) (authz.Context, error) {
	ac, err := s.Authenticate(ctx, token)
	if err != nil {
		return authz.Context{}, err
	}
	if !live.Covers(ac) {
		return ac, fmt.Errorf("%w: live query scope revoked", authz.ErrAuthorizationDenied)
	}
	live.auth = ac
	return ac, nil
}

// nextRecheck is when live should next call Recheck.
func (s *Service) nextRecheck(live *LiveQuery) time.Duration {
	return live.auth.RecheckAfter(s.refresh)
}

func (s *Service) LoadContent(ctx context.Context, token, documentID string) (content.Node, error) {
	ac, err := s.Authenticate(ctx, token)
	if err != nil {
		return content.Node{}, err
	}
	return s.rooms.LoadContent(ctx, ac, documentID)
}

func (s *Service) SaveContent(ctx context.Context, token, documentID string, tree content.Node) error {
	ac, err := s.Authenticate(ctx, token)
	if err != nil {
		return err
	}
	return s.rooms.SaveContent(ctx, ac, documentID, tree)
}

type CheckResult struct {
	Name string
	Err  error
}

// Ready pings every check in name order.
func (s *Service) Ready(ctx context.Context) []CheckResult {
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	results := make([]CheckResult, 0, len(names))
	for _, name := range names {
		results = append(results, CheckResult{Name: name, Err: s.checks[name].Ping(ctx)})
	}
	return results
}
