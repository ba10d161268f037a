package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process store with the same semantics as
// PostgresStore. Client replicas use it as their local cache and tests use it
// in place of a database.
type MemoryStore struct {
	mu    sync.RWMutex
	data  memoryData
	clock func() time.Time
}

type memoryData struct {
	tenants     map[string]Tenant
	users       map[string]User
	memberships map[string]Membership
	documents   map[string]Document
	records     map[string]MutationRecord
	revoked     map[string]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: memoryData{
			tenants:     make(map[string]Tenant),
			users:       make(map[string]User),
			memberships: make(map[string]Membership),
			documents:   make(map[string]Document),
			records:     make(map[string]MutationRecord),
			revoked:     make(map[string]time.Time),
		},
		clock: func() time.Time { return time.Now().UTC() },
	}
}

func (d memoryData) clone() memoryData {
	out := memoryData{
		tenants:     make(map[string]Tenant, len(d.tenants)),
		users:       make(map[string]User, len(d.users)),
		memberships: make(map[string]Membership, len(d.memberships)),
		documents:   make(map[string]Document, len(d.documents)),
		records:     make(map[string]MutationRecord, len(d.records)),
		revoked:     make(map[string]time.Time, len(d.revoked)),
	}
	for k, v := range d.tenants {
		out.tenants[k] = v
	}
	for k, v := range d.users {
		out.users[k] = v
	}
	for k, v := range d.memberships {
		out.memberships[k] = v
	}
	for k, v := range d.documents {
		out.documents[k] = copyDocument(v)
	}
	for k, v := range d.records {
		out.records[k] = v
	}
	for k, v := range d.revoked {
		out.revoked[k] = v
	}
	return out
}

func copyDocument(doc Document) Document {
	if doc.ParentID != nil {
		parent := *doc.ParentID
		doc.ParentID = &parent
	}
	if doc.DeletedAt != nil {
		at := *doc.DeletedAt
		doc.DeletedAt = &at
	}
	doc.Content = append([]byte(nil), doc.Content...)
	doc.Snapshot = append([]byte(nil), doc.Snapshot...)
	return doc
}

func membershipKey(tenantID, userID string) string {
	return tenantID + ":" + userID
}

func recordKey(userID, idempotencyID string) string {
	return userID + "\x00" + idempotencyID
}

// Clone returns an independent copy of the store.
func (s *MemoryStore) Clone() *MemoryStore {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &MemoryStore{data: s.data.clone(), clock: s.clock}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

// WithTx runs fn against a private copy and publishes it on success.
func (s *MemoryStore) WithTx(ctx context.Context, fn func(Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	work := memTx{data: s.data.clone(), now: s.clock()}
	if err := fn(work); err != nil {
		return err
	}
	s.data = work.data
	return nil
}

type memTx struct {
	data memoryData
	now  time.Time
}

func (t memTx) Now() time.Time { return t.now }

func (t memTx) GetDocument(_ context.Context, documentID string) (Document, error) {
	doc, ok := t.data.documents[documentID]
	if !ok {
		return Document{}, ErrNotFound
	}
	return copyDocument(doc), nil
}

func (t memTx) InsertDocument(_ context.Context, doc Document) error {
	if _, ok := t.data.documents[doc.ID]; ok {
		return fmt.Errorf("insert document: %s already exists", doc.ID)
	}
	if len(doc.Content) == 0 {
		doc.Content = []byte(`{"type":"doc"}`)
	}
	doc.UpdatedAt = doc.CreatedAt
	t.data.documents[doc.ID] = copyDocument(doc)
	return nil
}

func (t memTx) UpdateDocument(_ context.Context, doc Document) error {
	current, ok := t.data.documents[doc.ID]
	if !ok || current.TenantID != doc.TenantID {
		return ErrNotFound
	}
	current.Title = doc.Title
	current.ParentID = doc.ParentID
	current.SortOrder = doc.SortOrder
	current.DeletedAt = doc.DeletedAt
	current.UpdatedAt = doc.UpdatedAt
	t.data.documents[doc.ID] = copyDocument(current)
	return nil
}

func (t memTx) ListSiblings(_ context.Context, tenantID string, parentID *string) ([]Document, error) {
	items := make([]Document, 0)
	for _, doc := range t.data.documents {
		if doc.TenantID != tenantID || doc.DeletedAt != nil || !sameParent(doc.ParentID, parentID) {
			continue
		}
		items = append(items, copyDocument(doc))
	}
	sortDocuments(items)
	return items, nil
}

func sameParent(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func sortDocuments(items []Document) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].SortOrder != items[j].SortOrder {
			return items[i].SortOrder < items[j].SortOrder
		}
		return items[i].ID < items[j].ID
	})
}

func (t memTx) GetMember(_ context.Context, tenantID, userID string) (Member, error) {
	return t.data.member(tenantID, userID)
}

func (d memoryData) member(tenantID, userID string) (Member, error) {
	membership, ok := d.memberships[membershipKey(tenantID, userID)]
	if !ok {
		return Member{}, ErrNotFound
	}
	user := d.users[userID]
	return Member{Membership: membership, DisplayName: user.DisplayName, Email: user.Email}, nil
}

func (t memTx) UpdateSeat(_ context.Context, tenantID, userID, seat string) error {
	key := membershipKey(tenantID, userID)
	membership, ok := t.data.memberships[key]
	if !ok {
		return ErrNotFound
	}
	membership.Seat = seat
	t.data.memberships[key] = membership
	return nil
}

func (t memTx) InsertMutationRecord(_ context.Context, record MutationRecord) error {
	t.data.putRecord(record)
	return nil
}

func (d memoryData) putRecord(record MutationRecord) {
	key := recordKey(record.UserID, record.IdempotencyID)
	if _, ok := d.records[key]; ok {
		return
	}
	d.records[key] = record
}

func (s *MemoryStore) RecordMutation(_ context.Context, record MutationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.putRecord(record)
	return nil
}

func (s *MemoryStore) GetMutationRecord(_ context.Context, userID, idempotencyID string) (MutationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.data.records[recordKey(userID, idempotencyID)]
	if !ok {
		return MutationRecord{}, ErrNotFound
	}
	return record, nil
}

func (s *MemoryStore) ListDocuments(_ context.Context, filter DocumentFilter) ([]Document, error) {
	if len(filter.TenantIDs) == 0 {
		return nil, ErrUnscoped
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]Document, 0)
	for _, doc := range s.data.documents {
		if filter.matches(doc) {
			items = append(items, copyDocument(doc))
		}
	}
	sortDocuments(items)
	if filter.Limit > 0 && len(items) > filter.Limit {
		items = items[:filter.Limit]
	}
	return items, nil
}

func (s *MemoryStore) ListMembers(_ context.Context, tenantIDs []string) ([]Member, error) {
	if len(tenantIDs) == 0 {
		return nil, ErrUnscoped
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]Member, 0)
	for _, membership := range s.data.memberships {
		if !contains(tenantIDs, membership.TenantID) {
			continue
		}
		member, _ := s.data.member(membership.TenantID, membership.UserID)
		items = append(items, member)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].TenantID != items[j].TenantID {
			return items[i].TenantID < items[j].TenantID
		}
		if items[i].DisplayName != items[j].DisplayName {
			return items[i].DisplayName < items[j].DisplayName
		}
		return items[i].UserID < items[j].UserID
	})
	return items, nil
}

func (s *MemoryStore) MembershipsForUser(_ context.Context, userID string) ([]Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]Membership, 0)
	for _, membership := range s.data.memberships {
		if membership.UserID == userID {
			items = append(items, membership)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].TenantID < items[j].TenantID })
	return items, nil
}

func (s *MemoryStore) RevokeToken(_ context.Context, jti string, exp time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.revoked[jti] = exp
	return nil
}

func (s *MemoryStore) IsTokenRevoked(_ context.Context, jti string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.data.revoked[jti]
	return ok, nil
}

func (s *MemoryStore) LoadDocument(_ context.Context, documentID string) (Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.data.documents[documentID]
	if !ok {
		return Document{}, ErrNotFound
	}
	return copyDocument(doc), nil
}

func (s *MemoryStore) SaveDocumentState(_ context.Context, documentID string, snapshot []byte, content []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.data.documents[documentID]
	if !ok {
		return ErrNotFound
	}
	doc.Snapshot = append([]byte(nil), snapshot...)
	doc.Content = append([]byte(nil), content...)
	doc.UpdatedAt = s.clock()
	s.data.documents[documentID] = doc
	return nil
}

func (s *MemoryStore) EnsureTenant(_ context.Context, tenant Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tenant.CreatedAt.IsZero() {
		tenant.CreatedAt = s.clock()
	}
	s.data.tenants[tenant.ID] = tenant
	return nil
}

func (s *MemoryStore) EnsureUser(_ context.Context, user User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = s.clock()
	}
	s.data.users[user.ID] = user
	return nil
}

func (s *MemoryStore) UpsertMembership(_ context.Context, membership Membership) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := membershipKey(membership.TenantID, membership.UserID)
	if current, ok := s.data.memberships[key]; ok {
		current.Role = membership.Role
		s.data.memberships[key] = current
		return nil
	}
	if membership.CreatedAt.IsZero() {
		membership.CreatedAt = s.clock()
	}
	s.data.memberships[key] = membership
	return nil
}

func (s *MemoryStore) DeleteMembership(_ context.Context, tenantID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data.memberships, membershipKey(tenantID, userID))
	return nil
}

// PutDocument writes a document row directly. Client replicas use it to
// apply confirmed server rows.
func (s *MemoryStore) PutDocument(doc Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.data.documents[doc.ID]; ok {
		if len(doc.Content) == 0 {
			doc.Content = current.Content
		}
		if len(doc.Snapshot) == 0 {
			doc.Snapshot = current.Snapshot
		}
	}
	s.data.documents[doc.ID] = copyDocument(doc)
}

// RemoveDocument drops a document row from the local copy.
func (s *MemoryStore) RemoveDocument(documentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data.documents, documentID)
}

// PutMember writes a membership and its user fields directly.
func (s *MemoryStore) PutMember(member Member) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user := s.data.users[member.UserID]
	user.ID = member.UserID
	user.DisplayName = member.DisplayName
	user.Email = member.Email
	s.data.users[member.UserID] = user
	s.data.memberships[membershipKey(member.TenantID, member.UserID)] = member.Membership
}

func (s *MemoryStore) RemoveMember(tenantID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data.memberships, membershipKey(tenantID, userID))
}
