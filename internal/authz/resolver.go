package authz

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/lydiehq/lydie-sub006/internal/auth"
	"github.com/lydiehq/lydie-sub006/internal/rbac"
	"github.com/lydiehq/lydie-sub006/internal/store"
)

var (
	// ErrAuthenticationFailed covers missing, malformed, expired, unsigned
	// and revoked tokens.
	ErrAuthenticationFailed = errors.New("authentication failed")
	// ErrAuthorizationDenied means the identity lacks the required membership.
	ErrAuthorizationDenied = errors.New("authorization denied")
)

// Directory is the membership and revocation source.
type Directory interface {
	MembershipsForUser(ctx context.Context, userID string) ([]store.Membership, error)
	IsTokenRevoked(ctx context.Context, jti string) (bool, error)
}

type cacheEntry struct {
	ctx      Context
	validTil time.Time
}

// Resolver maps session tokens to contexts. Resolved contexts are cached for
// at most the refresh interval and never past token expiry.
type Resolver struct {
	secret  []byte
	dir     Directory
	refresh time.Duration
	log     zerolog.Logger
	now     func() time.Time

	group singleflight.Group
	mu    sync.Mutex
	cache map[string]cacheEntry
}

const sweepThreshold = 4096

func NewResolver(secret []byte, dir Directory, refresh time.Duration, log zerolog.Logger) *Resolver {
	return &Resolver{
		secret:  secret,
		dir:     dir,
		refresh: refresh,
		log:     log,
		now:     time.Now,
		cache:   make(map[string]cacheEntry),
	}
}

// Resolve verifies token and loads the caller's memberships. Authentication
// problems wrap ErrAuthenticationFailed; any other error is infrastructure.
func (r *Resolver) Resolve(ctx context.Context, token string) (Context, error) {
	if token == "" {
		return Context{}, fmt.Errorf("%w: missing token", ErrAuthenticationFailed)
	}
	key := auth.HashToken(token)
	if ac, ok := r.cached(key); ok {
		return ac, nil
	}
	value, err, _ := r.group.Do(key, func() (any, error) {
		ac, err := r.resolve(ctx, token)
		if err != nil {
			return Context{}, err
		}
		r.store(key, ac)
		return ac, nil
	})
	if err != nil {
		return Context{}, err
	}
	return value.(Context), nil
}

func (r *Resolver) resolve(ctx context.Context, token string) (Context, error) {
	claims, err := auth.ParseToken(r.secret, token)
	if err != nil {
		return Context{}, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	revoked, err := r.dir.IsTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Context{}, fmt.Errorf("check revocation: %w", err)
	}
	if revoked {
		return Context{}, fmt.Errorf("%w: token revoked", ErrAuthenticationFailed)
	}
	memberships, err := r.dir.MembershipsForUser(ctx, claims.Sub)
	if err != nil {
		return Context{}, fmt.Errorf("load memberships: %w", err)
	}
	roles := make(map[string]rbac.Role, len(memberships))
	for _, m := range memberships {
		if !rbac.Valid(m.Role) {
			r.log.Warn().Str("user_id", claims.Sub).Str("tenant_id", m.TenantID).Str("role", m.Role).Msg("unknown membership role, granting read only")
		}
		roles[m.TenantID] = rbac.Normalize(m.Role)
	}
	active := claims.Tenant
	if _, ok := roles[active]; !ok {
		active = ""
	}
	return Context{
		userID:    claims.Sub,
		roles:     roles,
		active:    active,
		expiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (r *Resolver) cached(key string) (Context, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.cache[key]
	if !ok {
		return Context{}, false
	}
	if !r.now().Before(entry.validTil) {
		delete(r.cache, key)
		return Context{}, false
	}
	return entry.ctx, true
}

func (r *Resolver) store(key string, ac Context) {
	if r.refresh <= 0 {
		return
	}
	now := r.now()
	validTil := now.Add(r.refresh)
	if ac.expiresAt.Before(validTil) {
		validTil = ac.expiresAt
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.cache) >= sweepThreshold {
		for k, e := range r.cache {
			if !now.Before(e.validTil) {
				delete(r.cache, k)
			}
		}
	}
	r.cache[key] = cacheEntry{ctx: ac, validTil: validTil}
}
