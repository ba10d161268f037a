package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgSearch ranks document titles with PostgreSQL full-text search. Titles
// that tsquery cannot match, such as partial words, still hit through a
// case-insensitive substring match ranked after them.
type PgSearch struct {
	db *sql.DB
}

func NewPgSearch(db *sql.DB) *PgSearch {
	return &PgSearch{db: db}
}

func (p *PgSearch) Search(ctx context.Context, tenantIDs []string, text string, limit int) ([]string, error) {
	text = strings.TrimSpace(text)
	if len(tenantIDs) == 0 || text == "" {
		return []string{}, nil
	}
	if limit <= 0 {
		limit = defaultLimit
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT id
		FROM documents
		WHERE tenant_id = ANY($1)
			AND deleted_at IS NULL
			AND (fts @@ plainto_tsquery('simple', $2) OR title ILIKE $3 ESCAPE '\')
		ORDER BY ts_rank(fts, plainto_tsquery('simple', $2)) DESC, sort_order, id
		LIMIT $4`,
		tenantIDs, text, "%"+escapeLike(text)+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("pg search: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, limit)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("pg search scan: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// LoadAllRecords returns every document for a full reindex.
func (p *PgSearch) LoadAllRecords(ctx context.Context) ([]Record, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, tenant_id, title, deleted_at IS NOT NULL FROM documents`)
	if err != nil {
		return nil, fmt.Errorf("load documents: %w", err)
	}
	defer rows.Close()

	records := make([]Record, 0)
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.TenantID, &rec.Title, &rec.Deleted); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return records, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
