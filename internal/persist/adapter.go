// Package persist converts between live CRDT state and stored document rows.
//
// The CRDT snapshot is authoritative once it exists. The content tree is
// derived from it on every save and seeds a new CRDT only for documents that
// were never opened live.
package persist

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/lydiehq/lydie-sub006/internal/content"
	"github.com/lydiehq/lydie-sub006/internal/crdt"
	"github.com/lydiehq/lydie-sub006/internal/history"
	"github.com/lydiehq/lydie-sub006/internal/metrics"
	"github.com/lydiehq/lydie-sub006/internal/store"
)

var (
	ErrNotFound           = errors.New("document not found")
	ErrPersistenceFailure = errors.New("persistence failure")
	// ErrDegraded marks a room whose saves failed past the retry ceiling.
	ErrDegraded = errors.New("persistence degraded")
)

// Store is the document row storage.
type Store interface {
	LoadDocument(ctx context.Context, documentID string) (store.Document, error)
	SaveDocumentState(ctx context.Context, documentID string, snapshot []byte, content []byte) error
}

// Archive keeps snapshot copies outside the database.
type Archive interface {
	Put(ctx context.Context, tenantID, documentID string, snapshot []byte) error
}

// History records content trees per document.
type History interface {
	Record(documentID string, content history.Content, author, message string) (history.Commit, error)
}

// Loaded is a document opened for a room.
type Loaded struct {
	Doc      *crdt.Doc
	Tree     content.Node
	Document store.Document
}

type Adapter struct {
	store   Store
	archive Archive
	history History
	log     zerolog.Logger
}

// NewAdapter builds an adapter. archive and hist may be nil.
func NewAdapter(st Store, archive Archive, hist History, log zerolog.Logger) *Adapter {
	return &Adapter{store: st, archive: archive, history: hist, log: log}
}

// Load opens a document. A missing or unreadable snapshot is rebuilt from the
// stored tree, or empty when there is none.
func (a *Adapter) Load(ctx context.Context, documentID string) (Loaded, error) {
	doc, err := a.store.LoadDocument(ctx, documentID)
	if errors.Is(err, store.ErrNotFound) {
		return Loaded{}, ErrNotFound
	}
	if err != nil {
		return Loaded{}, fmt.Errorf("%w: load %s: %v", ErrPersistenceFailure, documentID, err)
	}

	if len(doc.Snapshot) > 0 {
		state, err := crdt.Restore(doc.Snapshot)
		if err == nil {
			return Loaded{Doc: state, Tree: content.FromText(state.Text()), Document: doc}, nil
		}
		a.log.Error().Err(err).Str("document_id", documentID).Msg("stored snapshot unreadable, rebuilding from content tree")
	}

	tree, err := content.Parse(doc.Content)
	if err != nil {
		a.log.Warn().Err(err).Str("document_id", documentID).Msg("stored content tree unreadable, starting empty")
		tree = content.Empty()
	}
	return Loaded{Doc: crdt.Seed(content.PlainText(tree)), Tree: tree, Document: doc}, nil
}

// Save writes the snapshot and its derived tree.
func (a *Adapter) Save(ctx context.Context, documentID string, snapshot []byte, tree content.Node) error {
	payload, err := content.Marshal(tree)
	if err != nil {
		return err
	}
	if err := a.store.SaveDocumentState(ctx, documentID, snapshot, payload); err != nil {
		metrics.Saves.WithLabelValues("error").Inc()
		return fmt.Errorf("%w: save %s: %v", ErrPersistenceFailure, documentID, err)
	}
	metrics.Saves.WithLabelValues("ok").Inc()
	return nil
}

// SaveDoc saves doc with a tree derived from its text.
func (a *Adapter) SaveDoc(ctx context.Context, documentID string, doc *crdt.Doc) error {
	return a.Save(ctx, documentID, doc.Snapshot(), content.FromText(doc.Text()))
}

// retain archives the snapshot and commits the tree. Failures are logged.
func (a *Adapter) retain(ctx context.Context, documentID string, snapshot []byte, tree content.Node) {
	if a.archive == nil && a.history == nil {
		return
	}
	doc, err := a.store.LoadDocument(ctx, documentID)
	if err != nil {
		a.log.Warn().Err(err).Str("document_id", documentID).Msg("skip retention, document unavailable")
		return
	}
	if a.archive != nil {
		if err := a.archive.Put(ctx, doc.TenantID, documentID, snapshot); err != nil {
			a.log.Warn().Err(err).Str("document_id", documentID).Msg("snapshot archive failed")
		}
	}
	if a.history != nil {
		payload, err := content.Marshal(tree)
		if err != nil {
			return
		}
		commit, err := a.history.Record(documentID, history.Content{TenantID: doc.TenantID, Title: doc.Title, Doc: payload}, "lydie-sync", "Flush after last disconnect")
		if err != nil {
			a.log.Warn().Err(err).Str("document_id", documentID).Msg("history commit failed")
			return
		}
		a.log.Debug().Str("document_id", documentID).Str("commit", commit.Hash).Msg("history recorded")
	}
}

// Owner returns the tenant that owns documentID.
func (a *Adapter) Owner(ctx context.Context, documentID string) (string, error) {
	doc, err := a.store.LoadDocument(ctx, documentID)
	if errors.Is(err, store.ErrNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("%w: owner of %s: %v", ErrPersistenceFailure, documentID, err)
	}
	return doc.TenantID, nil
}
