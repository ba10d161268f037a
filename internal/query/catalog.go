package query

import (
	"context"
	"strings"

	"github.com/lydiehq/lydie-sub006/internal/store"
)

const defaultSearchLimit = 20

// Catalog returns the queries served to clients.
func Catalog() []Def {
	return []Def{
		Define("documentsByOrg", store.TableDocuments, fetchDocumentsByOrg, matchDocumentsByOrg),
		Define("documentsInFolder", store.TableDocuments, fetchDocumentsInFolder, matchDocumentsInFolder),
		Define("document", store.TableDocuments, fetchDocument, matchDocument),
		Define("organizationMembers", store.TableMembers, fetchMembers, matchMembers),
		Define("searchDocuments", store.TableDocuments, fetchSearch, matchSearch),
	}
}

type DocumentsByOrgParams struct {
	OrganizationID string `json:"organizationId" validate:"required,max=128"`
	IncludeDeleted bool   `json:"includeDeleted"`
}

func fetchDocumentsByOrg(ctx context.Context, env Env, scope []string, p DocumentsByOrgParams) ([]store.Row, error) {
	docs, err := env.Source.ListDocuments(ctx, store.DocumentFilter{TenantIDs: scope, IncludeDeleted: p.IncludeDeleted})
	if err != nil {
		return nil, err
	}
	return documentRows(docs), nil
}

func matchDocumentsByOrg(p DocumentsByOrgParams, row store.Row) bool {
	return rowTenant(row) == p.OrganizationID && (p.IncludeDeleted || !rowDeleted(row))
}

type DocumentsInFolderParams struct {
	OrganizationID string `json:"organizationId" validate:"required,max=128"`
	FolderID       string `json:"folderId" validate:"omitempty,max=128"`
}

func fetchDocumentsInFolder(ctx context.Context, env Env, scope []string, p DocumentsInFolderParams) ([]store.Row, error) {
	filter := store.DocumentFilter{TenantIDs: scope, RootOnly: p.FolderID == ""}
	if p.FolderID != "" {
		folder := p.FolderID
		filter.ParentID = &folder
	}
	docs, err := env.Source.ListDocuments(ctx, filter)
	if err != nil {
		return nil, err
	}
	return documentRows(docs), nil
}

func matchDocumentsInFolder(p DocumentsInFolderParams, row store.Row) bool {
	if rowTenant(row) != p.OrganizationID || rowDeleted(row) {
		return false
	}
	parent, _ := row["parentId"].(string)
	return parent == p.FolderID
}

type DocumentParams struct {
	OrganizationID string `json:"organizationId" validate:"omitempty,max=128"`
	DocumentID     string `json:"documentId" validate:"required,max=128"`
}

func fetchDocument(ctx context.Context, env Env, scope []string, p DocumentParams) ([]store.Row, error) {
	docs, err := env.Source.ListDocuments(ctx, store.DocumentFilter{TenantIDs: scope, DocumentID: p.DocumentID, IncludeDeleted: true})
	if err != nil {
		return nil, err
	}
	return documentRows(docs), nil
}

func matchDocument(p DocumentParams, row store.Row) bool {
	return rowID(row) == p.DocumentID && (p.OrganizationID == "" || rowTenant(row) == p.OrganizationID)
}

type MembersParams struct {
	OrganizationID string `json:"organizationId" validate:"required,max=128"`
}

func fetchMembers(ctx context.Context, env Env, scope []string, _ MembersParams) ([]store.Row, error) {
	members, err := env.Source.ListMembers(ctx, scope)
	if err != nil {
		return nil, err
	}
	rows := make([]store.Row, 0, len(members))
	for _, member := range members {
		rows = append(rows, member.Row())
	}
	return rows, nil
}

func matchMembers(p MembersParams, row store.Row) bool {
	return rowTenant(row) == p.OrganizationID
}

type SearchParams struct {
	OrganizationID string `json:"organizationId" validate:"omitempty,max=128"`
	Query          string `json:"query" validate:"required,max=256"`
	Limit          int    `json:"limit" validate:"gte=0,lte=100"`
}

// fetchSearch ranks with the search index when one is configured and falls
// back to a title scan. Hits are re-read from storage so the rows carry
// current state and the tenant filter.
func fetchSearch(ctx context.Context, env Env, scope []string, p SearchParams) ([]store.Row, error) {
	limit := p.Limit
	if limit == 0 {
		limit = defaultSearchLimit
	}
	if env.Searcher == nil {
		docs, err := env.Source.ListDocuments(ctx, store.DocumentFilter{TenantIDs: scope, TitleQuery: p.Query, Limit: limit})
		if err != nil {
			return nil, err
		}
		return documentRows(docs), nil
	}
	ids, err := env.Searcher.Search(ctx, scope, p.Query, limit)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []store.Row{}, nil
	}
	docs, err := env.Source.ListDocuments(ctx, store.DocumentFilter{TenantIDs: scope, DocumentIDs: ids})
	if err != nil {
		return nil, err
	}
	byID := make(map[string]store.Document, len(docs))
	for _, doc := range docs {
		byID[doc.ID] = doc
	}
	rows := make([]store.Row, 0, len(ids))
	for _, id := range ids {
		if doc, ok := byID[id]; ok {
			rows = append(rows, doc.Row())
		}
	}
	return rows, nil
}

func matchSearch(p SearchParams, row store.Row) bool {
	if rowDeleted(row) {
		return false
	}
	if p.OrganizationID != "" && rowTenant(row) != p.OrganizationID {
		return false
	}
	title, _ := row["title"].(string)
	return strings.Contains(strings.ToLower(title), strings.ToLower(p.Query))
}

func documentRows(docs []store.Document) []store.Row {
	rows := make([]store.Row, 0, len(docs))
	for _, doc := range docs {
		rows = append(rows, doc.Row())
	}
	return rows
}

func rowDeleted(row store.Row) bool {
	deleted, _ := row["deletedAt"].(string)
	return deleted != ""
}
