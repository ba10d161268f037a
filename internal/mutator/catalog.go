package mutator

import (
	"context"
	"errors"

	"github.com/lydiehq/lydie-sub006/internal/authz"
	"github.com/lydiehq/lydie-sub006/internal/changefeed"
	"github.com/lydiehq/lydie-sub006/internal/rbac"
	"github.com/lydiehq/lydie-sub006/internal/store"
)

// Catalog returns every mutator the server accepts.
func Catalog() []Def {
	return []Def{
		createDocument,
		renameDocument,
		moveDocument,
		reorderDocuments,
		deleteDocument,
		restoreDocument,
		assignSeat,
	}
}

const maxDepth = 256

func documentKey(id string) string { return "doc:" + id }

// listKey names a sibling list. Document ids are global, so only the root
// list needs the tenant to tell lists apart.
func listKey(tenantID string, parentID *string) string {
	if parentID == nil {
		return "list:" + tenantID + ":root"
	}
	return "list:" + *parentID
}

// loadDocument fetches a document and checks the caller may act on it.
// Foreign tenants are refused before existence of deleted rows is revealed.
func loadDocument(ctx context.Context, ac authz.Context, tx *Tx, id string, action rbac.Action) (store.Document, error) {
	doc, err := tx.GetDocument(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return store.Document{}, reject(ReasonNotFound, "document %s not found", id)
	}
	if err != nil {
		return store.Document{}, err
	}
	if !ac.Allows(doc.TenantID, action) {
		return store.Document{}, forbidden(doc.TenantID, "document:"+id)
	}
	return doc, nil
}

func loadLiveDocument(ctx context.Context, ac authz.Context, tx *Tx, id string, action rbac.Action) (store.Document, error) {
	doc, err := loadDocument(ctx, ac, tx, id, action)
	if err != nil {
		return store.Document{}, err
	}
	if doc.DeletedAt != nil {
		return store.Document{}, reject(ReasonNotFound, "document %s is deleted", id)
	}
	return doc, nil
}

func nextSortOrder(siblings []store.Document, skipID string) int {
	next := 0
	for _, s := range siblings {
		if s.ID != skipID && s.SortOrder >= next {
			next = s.SortOrder + 1
		}
	}
	return next
}

type documentResult struct {
	ID string `json:"id"`
}

type CreateDocumentArgs struct {
	DocumentID     string  `json:"documentId" validate:"required,max=64"`
	OrganizationID string  `json:"organizationId" validate:"required"`
	Title          string  `json:"title" validate:"max=512"`
	ParentID       *string `json:"parentId,omitempty" validate:"omitempty,min=1"`
}

var createDocument = Define("createDocument", 1,
	func(a CreateDocumentArgs) []string {
		return []string{documentKey(a.DocumentID), listKey(a.OrganizationID, a.ParentID)}
	},
	func(ctx context.Context, ac authz.Context, tx *Tx, a CreateDocumentArgs) (any, error) {
		if !ac.Allows(a.OrganizationID, rbac.ActionWrite) {
			return nil, forbidden(a.OrganizationID, "organization:"+a.OrganizationID)
		}
		if a.ParentID != nil {
			parent, err := loadLiveDocument(ctx, ac, tx, *a.ParentID, rbac.ActionWrite)
			if err != nil {
				return nil, err
			}
			if parent.TenantID != a.OrganizationID {
				return nil, forbidden(parent.TenantID, "document:"+parent.ID)
			}
		}
		existing, err := tx.GetDocument(ctx, a.DocumentID)
		switch {
		case err == nil:
			if existing.TenantID != a.OrganizationID {
				return nil, forbidden(existing.TenantID, "document:"+existing.ID)
			}
			return nil, reject(ReasonConflict, "document %s already exists", a.DocumentID)
		case !errors.Is(err, store.ErrNotFound):
			return nil, err
		}
		siblings, err := tx.ListSiblings(ctx, a.OrganizationID, a.ParentID)
		if err != nil {
			return nil, err
		}
		now := tx.Now()
		doc := store.Document{
			ID:        a.DocumentID,
			TenantID:  a.OrganizationID,
			Title:     a.Title,
			ParentID:  a.ParentID,
			SortOrder: nextSortOrder(siblings, ""),
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.InsertDocument(ctx, doc); err != nil {
			return nil, err
		}
		tx.emitDocument(changefeed.OpInsert, doc)
		return documentResult{ID: doc.ID}, nil
	},
)

type RenameArgs struct {
	DocumentID string `json:"documentId" validate:"required"`
	Title      string `json:"title" validate:"max=512"`
}

var renameDocument = Define("rename", 1,
	func(a RenameArgs) []string { return []string{documentKey(a.DocumentID)} },
	func(ctx context.Context, ac authz.Context, tx *Tx, a RenameArgs) (any, error) {
		doc, err := loadLiveDocument(ctx, ac, tx, a.DocumentID, rbac.ActionWrite)
		if err != nil {
			return nil, err
		}
		doc.Title = a.Title
		doc.UpdatedAt = tx.Now()
		if err := tx.UpdateDocument(ctx, doc); err != nil {
			return nil, err
		}
		tx.emitDocument(changefeed.OpUpdate, doc)
		return documentResult{ID: doc.ID}, nil
	},
)

// MoveDocumentArgs names the tenant only for moves to the root list, whose
// lock is per tenant.
type MoveDocumentArgs struct {
	DocumentID     string  `json:"documentId" validate:"required"`
	ParentID       *string `json:"parentId" validate:"omitempty,min=1"`
	OrganizationID string  `json:"organizationId,omitempty" validate:"required_without=ParentID"`
}

var moveDocument = Define("moveDocument", 1,
	func(a MoveDocumentArgs) []string {
		return []string{documentKey(a.DocumentID), listKey(a.OrganizationID, a.ParentID)}
	},
	func(ctx context.Context, ac authz.Context, tx *Tx, a MoveDocumentArgs) (any, error) {
		doc, err := loadLiveDocument(ctx, ac, tx, a.DocumentID, rbac.ActionWrite)
		if err != nil {
			return nil, err
		}
		if a.OrganizationID != "" && a.OrganizationID != doc.TenantID {
			return nil, reject(ReasonConflict, "document belongs to another organization")
		}
		if a.ParentID != nil {
			if *a.ParentID == doc.ID {
				return nil, reject(ReasonConflict, "document cannot contain itself")
			}
			parent, err := loadLiveDocument(ctx, ac, tx, *a.ParentID, rbac.ActionWrite)
			if err != nil {
				return nil, err
			}
			if parent.TenantID != doc.TenantID {
				return nil, forbidden(parent.TenantID, "document:"+parent.ID)
			}
			hops := 0
			for cursor := parent.ParentID; cursor != nil; hops++ {
				if *cursor == doc.ID || hops > maxDepth {
					return nil, reject(ReasonConflict, "move would create a cycle")
				}
				ancestor, err := tx.GetDocument(ctx, *cursor)
				if errors.Is(err, store.ErrNotFound) {
					break
				}
				if err != nil {
					return nil, err
				}
				cursor = ancestor.ParentID
			}
		}
		siblings, err := tx.ListSiblings(ctx, doc.TenantID, a.ParentID)
		if err != nil {
			return nil, err
		}
		doc.ParentID = a.ParentID
		doc.SortOrder = nextSortOrder(siblings, doc.ID)
		doc.UpdatedAt = tx.Now()
		if err := tx.UpdateDocument(ctx, doc); err != nil {
			return nil, err
		}
		tx.emitDocument(changefeed.OpUpdate, doc)
		return documentResult{ID: doc.ID}, nil
	},
)

type ReorderDocumentsArgs struct {
	OrganizationID string   `json:"organizationId" validate:"required"`
	ParentID       *string  `json:"parentId,omitempty" validate:"omitempty,min=1"`
	DocumentIDs    []string `json:"documentIds" validate:"required,min=1,max=500,unique,dive,required"`
	AnchorID       string   `json:"anchorId,omitempty"`
	Position       string   `json:"position,omitempty" validate:"omitempty,oneof=before after"`
}

type reorderResult struct {
	Order []string `json:"order"`
}

var reorderDocuments = Define("reorderDocuments", 1,
	func(a ReorderDocumentsArgs) []string { return []string{listKey(a.OrganizationID, a.ParentID)} },
	func(ctx context.Context, ac authz.Context, tx *Tx, a ReorderDocumentsArgs) (any, error) {
		if !ac.Allows(a.OrganizationID, rbac.ActionWrite) {
			return nil, forbidden(a.OrganizationID, "organization:"+a.OrganizationID)
		}
		siblings, err := tx.ListSiblings(ctx, a.OrganizationID, a.ParentID)
		if err != nil {
			return nil, err
		}
		byID := make(map[string]store.Document, len(siblings))
		for _, s := range siblings {
			byID[s.ID] = s
		}
		moving := make(map[string]bool, len(a.DocumentIDs))
		for _, id := range a.DocumentIDs {
			if _, ok := byID[id]; !ok {
				if _, err := loadLiveDocument(ctx, ac, tx, id, rbac.ActionWrite); err != nil {
					return nil, err
				}
				return nil, reject(ReasonConflict, "document %s is not in this list", id)
			}
			moving[id] = true
		}
		if a.AnchorID != "" {
			if moving[a.AnchorID] {
				return nil, reject(ReasonInvalidArgs, "anchor %s is part of the moved set", a.AnchorID)
			}
			if _, ok := byID[a.AnchorID]; !ok {
				return nil, reject(ReasonConflict, "anchor %s is not in this list", a.AnchorID)
			}
		}

		order := Reorder(siblingIDs(siblings), a.DocumentIDs, a.AnchorID, a.Position)
		now := tx.Now()
		for i, id := range order {
			doc := byID[id]
			if doc.SortOrder == i {
				continue
			}
			doc.SortOrder = i
			doc.UpdatedAt = now
			if err := tx.UpdateDocument(ctx, doc); err != nil {
				return nil, err
			}
			tx.emitDocument(changefeed.OpUpdate, doc)
		}
		return reorderResult{Order: order}, nil
	},
)

func siblingIDs(siblings []store.Document) []string {
	ids := make([]string, len(siblings))
	for i, s := range siblings {
		ids[i] = s.ID
	}
	return ids
}

// Reorder places moved, in the given order, as one block next to anchor
// among the remaining ids. Remaining ids keep their relative order. With no
// anchor the block goes first for "before" and last otherwise.
func Reorder(current, moved []string, anchor, position string) []string {
	isMoved := make(map[string]bool, len(moved))
	for _, id := range moved {
		isMoved[id] = true
	}
	remaining := make([]string, 0, len(current))
	for _, id := range current {
		if !isMoved[id] {
			remaining = append(remaining, id)
		}
	}
	at := len(remaining)
	if position == "before" {
		at = 0
	}
	if anchor != "" {
		for i, id := range remaining {
			if id == anchor {
				at = i
				if position != "before" {
					at = i + 1
				}
				break
			}
		}
	}
	out := make([]string, 0, len(remaining)+len(moved))
	out = append(out, remaining[:at]...)
	out = append(out, moved...)
	out = append(out, remaining[at:]...)
	return out
}

type DocumentArgs struct {
	DocumentID string `json:"documentId" validate:"required"`
}

var deleteDocument = Define("deleteDocument", 1,
	func(a DocumentArgs) []string { return []string{documentKey(a.DocumentID)} },
	func(ctx context.Context, ac authz.Context, tx *Tx, a DocumentArgs) (any, error) {
		doc, err := loadDocument(ctx, ac, tx, a.DocumentID, rbac.ActionWrite)
		if err != nil {
			return nil, err
		}
		if doc.DeletedAt != nil {
			return documentResult{ID: doc.ID}, nil
		}
		now := tx.Now()
		doc.DeletedAt = &now
		doc.UpdatedAt = now
		if err := tx.UpdateDocument(ctx, doc); err != nil {
			return nil, err
		}
		tx.emitDocument(changefeed.OpUpdate, doc)
		return documentResult{ID: doc.ID}, nil
	},
)

var restoreDocument = Define("restoreDocument", 1,
	func(a DocumentArgs) []string { return []string{documentKey(a.DocumentID)} },
	func(ctx context.Context, ac authz.Context, tx *Tx, a DocumentArgs) (any, error) {
		doc, err := loadDocument(ctx, ac, tx, a.DocumentID, rbac.ActionWrite)
		if err != nil {
			return nil, err
		}
		if doc.DeletedAt == nil {
			return documentResult{ID: doc.ID}, nil
		}
		if doc.ParentID != nil {
			parent, err := tx.GetDocument(ctx, *doc.ParentID)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return nil, err
			}
			if err != nil || parent.DeletedAt != nil {
				doc.ParentID = nil
			}
		}
		siblings, err := tx.ListSiblings(ctx, doc.TenantID, doc.ParentID)
		if err != nil {
			return nil, err
		}
		doc.DeletedAt = nil
		doc.SortOrder = nextSortOrder(siblings, doc.ID)
		doc.UpdatedAt = tx.Now()
		if err := tx.UpdateDocument(ctx, doc); err != nil {
			return nil, err
		}
		tx.emitDocument(changefeed.OpUpdate, doc)
		return documentResult{ID: doc.ID}, nil
	},
)

type AssignSeatArgs struct {
	OrganizationID string `json:"organizationId" validate:"required"`
	UserID         string `json:"userId" validate:"required"`
	Seat           string `json:"seat" validate:"max=64"`
}

type seatResult struct {
	UserID string `json:"userId"`
	Seat   string `json:"seat"`
}

var assignSeat = Define("assignSeat", 1,
	func(a AssignSeatArgs) []string {
		return []string{"member:" + a.OrganizationID + ":" + a.UserID}
	},
	func(ctx context.Context, ac authz.Context, tx *Tx, a AssignSeatArgs) (any, error) {
		if !ac.Allows(a.OrganizationID, rbac.ActionAdmin) {
			return nil, forbidden(a.OrganizationID, "organization:"+a.OrganizationID)
		}
		member, err := tx.GetMember(ctx, a.OrganizationID, a.UserID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, reject(ReasonNotFound, "user %s is not a member", a.UserID)
		}
		if err != nil {
			return nil, err
		}
		if err := tx.UpdateSeat(ctx, a.OrganizationID, a.UserID, a.Seat); err != nil {
			return nil, err
		}
		member.Seat = a.Seat
		tx.emit(store.TableMembers, changefeed.OpUpdate, member.TenantID, member.Key(), member.Row())
		return seatResult{UserID: a.UserID, Seat: a.Seat}, nil
	},
)
