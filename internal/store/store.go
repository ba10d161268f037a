package store

import (
	"context"
	"strings"
	"time"
)

// Tx is the transactional surface mutators run against. Both PostgresStore
// and MemoryStore provide it.
type Tx interface {
	GetDocument(ctx context.Context, documentID string) (Document, error)
	InsertDocument(ctx context.Context, doc Document) error
	UpdateDocument(ctx context.Context, doc Document) error
	// ListSiblings returns live documents under parentID (nil = root) in
	// sort order.
	ListSiblings(ctx context.Context, tenantID string, parentID *string) ([]Document, error)
	GetMember(ctx context.Context, tenantID, userID string) (Member, error)
	UpdateSeat(ctx context.Context, tenantID, userID, seat string) error
	InsertMutationRecord(ctx context.Context, record MutationRecord) error
	Now() time.Time
}

// Transactor runs fn in a transaction; fn's error rolls it back.
type Transactor interface {
	WithTx(ctx context.Context, fn func(Tx) error) error
}

func contains(values []string, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
