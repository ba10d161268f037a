package store

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("LYDIE_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("LYDIE_TEST_DATABASE_URL is not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db, err := Open(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, resetPublicSchema(ctx, db))
	_, err = ApplyMigrations(ctx, db, filepath.Join("..", "..", "db", "migrations"))
	require.NoError(t, err)
	return NewPostgresStore(db)
}

func TestPostgresTenantScopedReads(t *testing.T) {
	s := openTestPostgres(t)
	ctx := context.Background()

	require.NoError(t, s.EnsureTenant(ctx, Tenant{ID: "orgA", Name: "A"}))
	require.NoError(t, s.EnsureTenant(ctx, Tenant{ID: "orgB", Name: "B"}))
	require.NoError(t, s.EnsureUser(ctx, User{ID: "u1", DisplayName: "Ada"}))
	require.NoError(t, s.UpsertMembership(ctx, Membership{TenantID: "orgA", UserID: "u1", Role: "editor"}))

	require.NoError(t, s.WithTx(ctx, func(tx Tx) error {
		now := tx.Now()
		if err := tx.InsertDocument(ctx, Document{ID: "a1", TenantID: "orgA", Title: "100% ready", CreatedAt: now}); err != nil {
			return err
		}
		return tx.InsertDocument(ctx, Document{ID: "b1", TenantID: "orgB", Title: "Secret", CreatedAt: now})
	}))

	docs, err := s.ListDocuments(ctx, DocumentFilter{TenantIDs: []string{"orgA"}})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "a1", docs[0].ID)

	docs, err = s.ListDocuments(ctx, DocumentFilter{TenantIDs: []string{"orgA"}, DocumentID: "b1"})
	require.NoError(t, err)
	assert.Empty(t, docs)

	docs, err = s.ListDocuments(ctx, DocumentFilter{TenantIDs: []string{"orgA", "orgB"}, TitleQuery: "100%"})
	require.NoError(t, err)
	require.Len(t, docs, 1)

	_, err = s.ListDocuments(ctx, DocumentFilter{})
	assert.ErrorIs(t, err, ErrUnscoped)

	members, err := s.ListMembers(ctx, []string{"orgB"})
	require.NoError(t, err)
	assert.Empty(t, members)

	require.NoError(t, s.SaveDocumentState(ctx, "a1", []byte{0x01, 0x02}, []byte(`{"type":"doc"}`)))
	loaded, err := s.LoadDocument(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02}, loaded.Snapshot)

	_, err = s.LoadDocument(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresMutationRecordConflictKeepsFirst(t *testing.T) {
	s := openTestPostgres(t)
	ctx := context.Background()
	record := MutationRecord{
		TenantID:      "orgA",
		UserID:        "u1",
		IdempotencyID: "m1",
		Name:          "rename",
		Version:       1,
		Args:          []byte(`{"documentId":"a1"}`),
		Applied:       true,
		Result:        []byte(`{"id":"a1"}`),
		CreatedAt:     time.Now().UTC(),
	}
	require.NoError(t, s.RecordMutation(ctx, record))
	record.Applied = false
	require.NoError(t, s.RecordMutation(ctx, record))

	got, err := s.GetMutationRecord(ctx, "u1", "m1")
	require.NoError(t, err)
	assert.True(t, got.Applied)
	assert.JSONEq(t, `{"id":"a1"}`, string(got.Result))
}
