package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) WithTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(pgTx{q: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type pgTx struct {
	q querier
}

func (t pgTx) Now() time.Time { return time.Now().UTC() }

const documentColumns = `id, tenant_id, title, content, crdt_snapshot, parent_id, sort_order, deleted_at, created_at, updated_at`

func scanDocument(scan func(dest ...any) error) (Document, error) {
	var (
		doc      Document
		content  []byte
		parentID sql.NullString
		deleted  sql.NullTime
	)
	if err := scan(&doc.ID, &doc.TenantID, &doc.Title, &content, &doc.Snapshot, &parentID, &doc.SortOrder, &deleted, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
		return Document{}, err
	}
	doc.Content = content
	if parentID.Valid {
		doc.ParentID = &parentID.String
	}
	if deleted.Valid {
		at := deleted.Time
		doc.DeletedAt = &at
	}
	return doc, nil
}

func getDocument(ctx context.Context, q querier, documentID string, lock bool) (Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE id=$1`
	if lock {
		query += ` FOR UPDATE`
	}
	doc, err := scanDocument(q.QueryRowContext(ctx, query, documentID).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("get document %s: %w", documentID, err)
	}
	return doc, nil
}

func (t pgTx) GetDocument(ctx context.Context, documentID string) (Document, error) {
	return getDocument(ctx, t.q, documentID, true)
}

func (t pgTx) InsertDocument(ctx context.Context, doc Document) error {
	content := string(doc.Content)
	if content == "" {
		content = `{"type":"doc"}`
	}
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO documents (id, tenant_id, title, content, parent_id, sort_order, created_at, updated_at)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7, $7)
	`, doc.ID, doc.TenantID, doc.Title, content, doc.ParentID, doc.SortOrder, doc.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (t pgTx) UpdateDocument(ctx context.Context, doc Document) error {
	res, err := t.q.ExecContext(ctx, `
		UPDATE documents
		SET title=$2, parent_id=$3, sort_order=$4, deleted_at=$5, updated_at=$6
		WHERE id=$1 AND tenant_id=$7
	`, doc.ID, doc.Title, doc.ParentID, doc.SortOrder, doc.DeletedAt, doc.UpdatedAt, doc.TenantID)
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (t pgTx) ListSiblings(ctx context.Context, tenantID string, parentID *string) ([]Document, error) {
	rows, err := t.q.QueryContext(ctx, `
		SELECT `+documentColumns+`
		FROM documents
		WHERE tenant_id=$1 AND parent_id IS NOT DISTINCT FROM $2 AND deleted_at IS NULL
		ORDER BY sort_order, id
		FOR UPDATE
	`, tenantID, parentID)
	if err != nil {
		return nil, fmt.Errorf("list siblings: %w", err)
	}
	return collectDocuments(rows)
}

func (t pgTx) GetMember(ctx context.Context, tenantID, userID string) (Member, error) {
	var member Member
	err := t.q.QueryRowContext(ctx, `
		SELECT m.tenant_id, m.user_id, m.role, m.seat, m.created_at, u.display_name, u.email
		FROM memberships m
		JOIN users u ON u.id = m.user_id
		WHERE m.tenant_id=$1 AND m.user_id=$2
		FOR UPDATE OF m
	`, tenantID, userID).Scan(&member.TenantID, &member.UserID, &member.Role, &member.Seat, &member.CreatedAt, &member.DisplayName, &member.Email)
	if errors.Is(err, sql.ErrNoRows) {
		return Member{}, ErrNotFound
	}
	if err != nil {
		return Member{}, fmt.Errorf("get member: %w", err)
	}
	return member, nil
}

func (t pgTx) UpdateSeat(ctx context.Context, tenantID, userID, seat string) error {
	res, err := t.q.ExecContext(ctx, `UPDATE memberships SET seat=$3 WHERE tenant_id=$1 AND user_id=$2`, tenantID, userID, seat)
	if err != nil {
		return fmt.Errorf("update seat: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (t pgTx) InsertMutationRecord(ctx context.Context, record MutationRecord) error {
	return insertMutationRecord(ctx, t.q, record)
}

func insertMutationRecord(ctx context.Context, q querier, record MutationRecord) error {
	args := string(record.Args)
	if args == "" {
		args = "null"
	}
	var result any
	if len(record.Result) > 0 {
		result = string(record.Result)
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO mutation_records (tenant_id, user_id, idempotency_id, name, version, args, applied, reason, result, created_at)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, $9::jsonb, $10)
		ON CONFLICT (user_id, idempotency_id) DO NOTHING
	`, record.TenantID, record.UserID, record.IdempotencyID, record.Name, record.Version, args, record.Applied, record.Reason, result, record.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert mutation record: %w", err)
	}
	return nil
}

// RecordMutation stores a rejected outcome outside any mutator transaction.
func (s *PostgresStore) RecordMutation(ctx context.Context, record MutationRecord) error {
	return insertMutationRecord(ctx, s.db, record)
}

// GetMutationRecord finds a submission by submitter and idempotency id. The
// record's tenant is attribution only.
func (s *PostgresStore) GetMutationRecord(ctx context.Context, userID, idempotencyID string) (MutationRecord, error) {
	var (
		record MutationRecord
		args   []byte
		result []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, user_id, idempotency_id, name, version, args, applied, reason, result, created_at
		FROM mutation_records
		WHERE user_id=$1 AND idempotency_id=$2
	`, userID, idempotencyID).Scan(&record.TenantID, &record.UserID, &record.IdempotencyID, &record.Name, &record.Version, &args, &record.Applied, &record.Reason, &result, &record.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return MutationRecord{}, ErrNotFound
	}
	if err != nil {
		return MutationRecord{}, fmt.Errorf("get mutation record: %w", err)
	}
	record.Args = args
	record.Result = result
	return record, nil
}

// ListDocuments always binds tenant_id = ANY($1).
func (s *PostgresStore) ListDocuments(ctx context.Context, filter DocumentFilter) ([]Document, error) {
	if len(filter.TenantIDs) == 0 {
		return nil, ErrUnscoped
	}
	var (
		where = []string{"tenant_id = ANY($1)"}
		args  = []any{filter.TenantIDs}
	)
	bind := func(clause string, value any) {
		args = append(args, value)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.DocumentID != "" {
		bind("id = $%d", filter.DocumentID)
	}
	if filter.DocumentIDs != nil {
		bind("id = ANY($%d)", filter.DocumentIDs)
	}
	if filter.ParentID != nil {
		bind("parent_id = $%d", *filter.ParentID)
	}
	if filter.RootOnly {
		where = append(where, "parent_id IS NULL")
	}
	if !filter.IncludeDeleted {
		where = append(where, "deleted_at IS NULL")
	}
	if filter.TitleQuery != "" {
		bind("title ILIKE '%%' || $%d || '%%'", escapeLike(filter.TitleQuery))
	}
	query := `SELECT ` + documentColumns + ` FROM documents WHERE ` + strings.Join(where, " AND ") + ` ORDER BY sort_order, id`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	return collectDocuments(rows)
}

func escapeLike(value string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(value)
}

func collectDocuments(rows *sql.Rows) ([]Document, error) {
	defer rows.Close()
	items := make([]Document, 0)
	for rows.Next() {
		doc, err := scanDocument(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		items = append(items, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListMembers(ctx context.Context, tenantIDs []string) ([]Member, error) {
	if len(tenantIDs) == 0 {
		return nil, ErrUnscoped
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.tenant_id, m.user_id, m.role, m.seat, m.created_at, u.display_name, u.email
		FROM memberships m
		JOIN users u ON u.id = m.user_id
		WHERE m.tenant_id = ANY($1)
		ORDER BY m.tenant_id, u.display_name, m.user_id
	`, tenantIDs)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	items := make([]Member, 0)
	for rows.Next() {
		var member Member
		if err := rows.Scan(&member.TenantID, &member.UserID, &member.Role, &member.Seat, &member.CreatedAt, &member.DisplayName, &member.Email); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		items = append(items, member)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate members: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) MembershipsForUser(ctx context.Context, userID string) ([]Membership, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant_id, user_id, role, seat, created_at
		FROM memberships
		WHERE user_id=$1
		ORDER BY tenant_id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list memberships: %w", err)
	}
	defer rows.Close()

	items := make([]Membership, 0)
	for rows.Next() {
		var item Membership
		if err := rows.Scan(&item.TenantID, &item.UserID, &item.Role, &item.Seat, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan membership: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memberships: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) RevokeToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

// LoadDocument reads a document regardless of tenant; callers authorize.
func (s *PostgresStore) LoadDocument(ctx context.Context, documentID string) (Document, error) {
	return getDocument(ctx, s.db, documentID, false)
}

func (s *PostgresStore) SaveDocumentState(ctx context.Context, documentID string, snapshot []byte, content []byte) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE documents
		SET crdt_snapshot=$2, content=$3::jsonb, updated_at=NOW()
		WHERE id=$1
	`, documentID, snapshot, string(content))
	if err != nil {
		return fmt.Errorf("save document state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) EnsureTenant(ctx context.Context, tenant Tenant) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tenants (id, name) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name
	`, tenant.ID, tenant.Name)
	if err != nil {
		return fmt.Errorf("ensure tenant: %w", err)
	}
	return nil
}

func (s *PostgresStore) EnsureUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, email) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET display_name=EXCLUDED.display_name, email=EXCLUDED.email
	`, user.ID, user.DisplayName, user.Email)
	if err != nil {
		return fmt.Errorf("ensure user: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpsertMembership(ctx context.Context, membership Membership) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memberships (tenant_id, user_id, role, seat) VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id, user_id) DO UPDATE SET role=EXCLUDED.role
	`, membership.TenantID, membership.UserID, membership.Role, membership.Seat)
	if err != nil {
		return fmt.Errorf("upsert membership: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteMembership(ctx context.Context, tenantID, userID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM memberships WHERE tenant_id=$1 AND user_id=$2`, tenantID, userID); err != nil {
		return fmt.Errorf("delete membership: %w", err)
	}
	return nil
}
