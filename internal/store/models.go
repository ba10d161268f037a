package store

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrUnscoped is returned by tenant-bound reads called with no tenants.
	ErrUnscoped = errors.New("tenant scope required")
)

type Tenant struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

type User struct {
	ID          string
	DisplayName string
	Email       string
	CreatedAt   time.Time
}

type Membership struct {
	TenantID  string
	UserID    string
	Role      string
	Seat      string
	CreatedAt time.Time
}

// Member is a membership joined with its user.
type Member struct {
	Membership
	DisplayName string
	Email       string
}

type Document struct {
	ID        string
	TenantID  string
	Title     string
	Content   json.RawMessage
	Snapshot  []byte
	ParentID  *string
	SortOrder int
	DeletedAt *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

type MutationRecord struct {
	TenantID      string
	UserID        string
	IdempotencyID string
	Name          string
	Version       int
	Args          json.RawMessage
	Applied       bool
	Reason        string
	Result        json.RawMessage
	CreatedAt     time.Time
}

// DocumentFilter selects documents. TenantIDs is mandatory.
type DocumentFilter struct {
	TenantIDs      []string
	DocumentID     string
	DocumentIDs    []string
	ParentID       *string
	RootOnly       bool
	TitleQuery     string
	IncludeDeleted bool
	Limit          int
}

// Row is the replicated projection of a record.
type Row map[string]any

const (
	TableDocuments = "documents"
	TableMembers   = "members"
)

// Row omits content and snapshot; those travel over the sync channel.
func (d Document) Row() Row {
	row := Row{
		"id":        d.ID,
		"tenantId":  d.TenantID,
		"title":     d.Title,
		"parentId":  nil,
		"sortOrder": d.SortOrder,
		"deletedAt": nil,
		"createdAt": d.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updatedAt": d.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if d.ParentID != nil {
		row["parentId"] = *d.ParentID
	}
	if d.DeletedAt != nil {
		row["deletedAt"] = d.DeletedAt.UTC().Format(time.RFC3339Nano)
	}
	return row
}

func (m Member) Key() string {
	return m.TenantID + ":" + m.UserID
}

func (m Member) Row() Row {
	return Row{
		"id":          m.Key(),
		"tenantId":    m.TenantID,
		"userId":      m.UserID,
		"displayName": m.DisplayName,
		"email":       m.Email,
		"role":        m.Role,
		"seat":        m.Seat,
	}
}

func (f DocumentFilter) matches(d Document) bool {
	if !contains(f.TenantIDs, d.TenantID) {
		return false
	}
	if f.DocumentID != "" && d.ID != f.DocumentID {
		return false
	}
	if f.DocumentIDs != nil && !contains(f.DocumentIDs, d.ID) {
		return false
	}
	if f.RootOnly && d.ParentID != nil {
		return false
	}
	if f.ParentID != nil && (d.ParentID == nil || *d.ParentID != *f.ParentID) {
		return false
	}
	if !f.IncludeDeleted && d.DeletedAt != nil {
		return false
	}
	if f.TitleQuery != "" && !containsFold(d.Title, f.TitleQuery) {
		return false
	}
	return true
}
