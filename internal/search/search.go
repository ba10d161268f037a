// Package search ranks documents by title for the searchDocuments query.
// Every search is bound to a tenant set; an empty set finds nothing.
package search

import (
	"context"

	"github.com/lydiehq/lydie-sub006/internal/store"
)

const defaultLimit = 20

// Backend executes a tenant-bound title search and returns document ids,
// best match first.
type Backend interface {
	Search(ctx context.Context, tenantIDs []string, text string, limit int) ([]string, error)
}

// Record is the data indexed for a document.
type Record struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`
	Title    string `json:"title"`
	Deleted  bool   `json:"deleted"`
}

func RecordFromDocument(doc store.Document) Record {
	return Record{ID: doc.ID, TenantID: doc.TenantID, Title: doc.Title, Deleted: doc.DeletedAt != nil}
}

// RecordFromRow reads a replicated documents row.
func RecordFromRow(row store.Row) Record {
	rec := Record{}
	rec.ID, _ = row["id"].(string)
	rec.TenantID, _ = row["tenantId"].(string)
	rec.Title, _ = row["title"].(string)
	deleted, _ := row["deletedAt"].(string)
	rec.Deleted = deleted != ""
	return rec
}
