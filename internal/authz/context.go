// Package authz resolves session tokens into authorization contexts, the
// single source of tenant membership for mutators, queries and the sync
// gateway.
package authz

import (
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/lydiehq/lydie-sub006/internal/rbac"
)

// Context is the resolved identity of a caller. Values are produced by
// Resolver.Resolve; Speculative builds the unauthoritative variant used by
// client replicas.
type Context struct {
	userID      string
	roles       map[string]rbac.Role
	active      string
	expiresAt   time.Time
	speculative bool
}

// Speculative builds a client-side context from cached session data. The
// server refuses it.
func Speculative(userID string, roles map[string]rbac.Role, activeTenant string) Context {
	copied := make(map[string]rbac.Role, len(roles))
	for tenant, role := range roles {
		copied[tenant] = role
	}
	if _, ok := copied[activeTenant]; !ok {
		activeTenant = ""
	}
	return Context{userID: userID, roles: copied, active: activeTenant, speculative: true}
}

func (c Context) UserID() string       { return c.userID }
func (c Context) ActiveTenant() string { return c.active }
func (c Context) ExpiresAt() time.Time { return c.expiresAt }
func (c Context) IsSpeculative() bool  { return c.speculative }

// Valid reports whether the context carries an identity.
func (c Context) Valid() bool { return c.userID != "" }

// TenantIDs returns the permitted tenants, sorted.
func (c Context) TenantIDs() []string {
	ids := make([]string, 0, len(c.roles))
	for id := range c.roles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (c Context) HasTenant(tenantID string) bool {
	_, ok := c.roles[tenantID]
	return ok
}

func (c Context) Role(tenantID string) (rbac.Role, bool) {
	role, ok := c.roles[tenantID]
	return role, ok
}

// Allows reports whether the caller's role in tenantID permits action.
func (c Context) Allows(tenantID string, action rbac.Action) bool {
	role, ok := c.roles[tenantID]
	return ok && rbac.Can(role, action)
}

// Scope narrows the permitted tenants to requested. An empty request means
// every permitted tenant; a tenant outside the context yields nothing.
func (c Context) Scope(requested string) []string {
	if requested == "" {
		return c.TenantIDs()
	}
	if c.HasTenant(requested) {
		return []string{requested}
	}
	return []string{}
}

// HomeTenant is the tenant per-caller records such as mutation records are
// filed under: the active tenant, else the first permitted one. It follows
// membership changes, so it never identifies a record.
func (c Context) HomeTenant() string {
	if c.active != "" {
		return c.active
	}
	ids := c.TenantIDs()
	if len(ids) == 0 {
		return ""
	}
	return ids[0]
}

// RecheckAfter is interval, shortened to land just after the token expires.
// Long-lived connections re-resolve on this schedule.
func (c Context) RecheckAfter(interval time.Duration) time.Duration {
	if c.expiresAt.IsZero() {
		return interval
	}
	until := time.Until(c.expiresAt) + 10*time.Millisecond
	if until >= interval {
		return interval
	}
	if until < time.Millisecond {
		return time.Millisecond
	}
	return until
}

// Denied logs a refused access as a security event.
func Denied(log zerolog.Logger, ac Context, tenantID, resource string) {
	log.Warn().
		Str("event", "authorization_denied").
		Str("user_id", ac.UserID()).
		Str("tenant_id", tenantID).
		Str("resource", resource).
		Msg("authorization denied")
}
