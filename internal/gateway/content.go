package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/lydiehq/lydie-sub006/internal/authz"
	"github.com/lydiehq/lydie-sub006/internal/content"
	"github.com/lydiehq/lydie-sub006/internal/crdt"
	"github.com/lydiehq/lydie-sub006/internal/rbac"
)

// owner returns the tenant of documentID, from the live room when there is
// one.
func (g *Registry) owner(ctx context.Context, documentID string) (string, error) {
	if room, ok := g.Live(documentID); ok {
		return room.TenantID(), nil
	}
	return g.adapter.Owner(ctx, documentID)
}

// inspect runs fn against the current state of documentID: the live room's
// doc when a room is open, else the stored state. fn must not modify doc.
func (g *Registry) inspect(ctx context.Context, documentID string, fn func(*crdt.Doc)) error {
	for {
		g.mu.Lock()
		room, live := g.rooms[documentID]
		closing, isClosing := g.closing[documentID]
		g.mu.Unlock()

		switch {
		case live:
			err := room.edit(ctx, func(doc *crdt.Doc) []byte {
				fn(doc)
				return nil
			})
			if errors.Is(err, errRoomClosed) {
				continue
			}
			return err
		case isClosing:
			select {
			case <-closing.done:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		loaded, err := g.adapter.Load(ctx, documentID)
		if err != nil {
			return err
		}
		fn(loaded.Doc)
		return nil
	}
}

func (g *Registry) authorize(ctx context.Context, ac authz.Context, documentID string, action rbac.Action) error {
	if !ac.Valid() || ac.IsSpeculative() {
		return authz.ErrAuthenticationFailed
	}
	tenantID, err := g.owner(ctx, documentID)
	if err != nil {
		return err
	}
	if !ac.Allows(tenantID, action) {
		authz.Denied(g.log, ac, tenantID, "document:"+documentID)
		return fmt.Errorf("%w: %s on document %s", authz.ErrAuthorizationDenied, action, documentID)
	}
	return nil
}

// LoadContent returns the current content tree of documentID, including
// edits not yet saved.
func (g *Registry) LoadContent(ctx context.Context, ac authz.Context, documentID string) (content.Node, error) {
	if err := g.authorize(ctx, ac, documentID, rbac.ActionRead); err != nil {
		return content.Node{}, err
	}
	var text string
	if err := g.inspect(ctx, documentID, func(doc *crdt.Doc) { text = doc.Text() }); err != nil {
		return content.Node{}, err
	}
	return content.FromText(text), nil
}

// SaveContent replaces the text of documentID with that of tree. The change
// goes through the live CRDT so connected editors receive it as a delta.
func (g *Registry) SaveContent(ctx context.Context, ac authz.Context, documentID string, tree content.Node) error {
	if err := g.authorize(ctx, ac, documentID, rbac.ActionWrite); err != nil {
		return err
	}
	next := content.PlainText(tree)
	return g.Edit(ctx, documentID, func(doc *crdt.Doc) []byte {
		if doc.Text() == next {
			return nil
		}
		return doc.ReplaceText(next)
	})
}
