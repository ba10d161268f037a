package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lydiehq/lydie-sub006/internal/auth"
	"github.com/lydiehq/lydie-sub006/internal/authz"
	"github.com/lydiehq/lydie-sub006/internal/changefeed"
	"github.com/lydiehq/lydie-sub006/internal/content"
	"github.com/lydiehq/lydie-sub006/internal/crdt"
	"github.com/lydiehq/lydie-sub006/internal/gateway"
	"github.com/lydiehq/lydie-sub006/internal/idempotency"
	"github.com/lydiehq/lydie-sub006/internal/mutator"
	"github.com/lydiehq/lydie-sub006/internal/persist"
	"github.com/lydiehq/lydie-sub006/internal/query"
	"github.com/lydiehq/lydie-sub006/internal/rbac"
	"github.com/lydiehq/lydie-sub006/internal/store"
)

var testSecret = []byte("client-secret")

type server struct {
	store    *store.MemoryStore
	feed     *changefeed.Feed
	engine   *mutator.Engine
	layer    *query.Layer
	resolver *authz.Resolver
}

func newServer(t *testing.T) *server {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemoryStore()
	for _, tenant := range []string{"orgA", "orgB"} {
		require.NoError(t, s.EnsureTenant(ctx, store.Tenant{ID: tenant}))
	}
	require.NoError(t, s.EnsureUser(ctx, store.User{ID: "alice", DisplayName: "Alice"}))
	require.NoError(t, s.UpsertMembership(ctx, store.Membership{TenantID: "orgA", UserID: "alice", Role: "editor"}))
	tree, err := content.Marshal(content.FromText("draft"))
	require.NoError(t, err)
	s.PutDocument(store.Document{ID: "d1", TenantID: "orgA", Title: "Old", Content: tree})

	feed := changefeed.New()
	t.Cleanup(feed.Shutdown)
	return &server{
		store:    s,
		feed:     feed,
		engine:   mutator.NewEngine(mutator.NewRegistry(mutator.Catalog()...), s, idempotency.NewMemoryStore(), time.Hour, feed, zerolog.Nop()),
		layer:    query.NewLayer(query.Env{Source: s}, feed, zerolog.Nop(), query.Catalog()...),
		resolver: authz.NewResolver(testSecret, s, 0, zerolog.Nop()),
	}
}

func (s *server) token(t *testing.T, userID string) string {
	t.Helper()
	token, err := auth.IssueToken(testSecret, auth.Claims{Sub: userID, JTI: "jti-" + userID, Exp: time.Now().Add(time.Hour).Unix()})
	require.NoError(t, err)
	return token
}

func (s *server) context(t *testing.T, userID string) authz.Context {
	t.Helper()
	ac, err := s.resolver.Resolve(context.Background(), s.token(t, userID))
	require.NoError(t, err)
	return ac
}

// gatedTransport holds each submission until released.
type gatedTransport struct {
	inner Transport
	gate  chan struct{}

	mu    sync.Mutex
	names []string
	fails int
}

func (g *gatedTransport) Mutate(ctx context.Context, sub mutator.Submission) (mutator.Outcome, error) {
	if g.gate != nil {
		select {
		case <-g.gate:
		case <-ctx.Done():
			return mutator.Outcome{}, ctx.Err()
		}
	}
	g.mu.Lock()
	if g.fails > 0 {
		g.fails--
		g.mu.Unlock()
		return mutator.Outcome{}, errors.New("connection refused")
	}
	g.names = append(g.names, sub.Name)
	g.mu.Unlock()
	return g.inner.Mutate(ctx, sub)
}

func (g *gatedTransport) sent() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.names...)
}

func newReplica(t *testing.T, srv *server, transport Transport, roles map[string]rbac.Role) *Replica {
	t.Helper()
	r := NewReplica(mutator.NewRegistry(mutator.Catalog()...), transport, Session{UserID: "alice", Roles: roles, ActiveTenant: "orgA"}, zerolog.Nop())
	r.retryMin = time.Millisecond
	r.retryMax = 5 * time.Millisecond
	r.settleWindow = 50 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx)

	sub, err := srv.layer.Subscribe(ctx, srv.context(t, "alice"), query.Request{Name: "documentsByOrg", Params: json.RawMessage(`{"organizationId":"orgA"}`)})
	require.NoError(t, err)
	fed := make(chan struct{})
	go func() {
		defer close(fed)
		_ = LocalFeed{Table: store.TableDocuments, Subscription: sub}.Feed(ctx, r)
	}()
	t.Cleanup(func() {
		cancel()
		<-fed
		r.Close()
	})
	require.Eventually(t, func() bool { return len(titles(t, r)) > 0 }, time.Second, 5*time.Millisecond)
	return r
}

func titles(t *testing.T, r *Replica) map[string]string {
	t.Helper()
	docs, err := r.Documents(context.Background(), store.DocumentFilter{})
	require.NoError(t, err)
	out := make(map[string]string, len(docs))
	for _, d := range docs {
		out[d.ID] = d.Title
	}
	return out
}

func wait(t *testing.T, p *Pending) mutator.Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	outcome, err := p.Wait(ctx)
	require.NoError(t, err)
	return outcome
}

func TestMutateIsVisibleBeforeServerConfirms(t *testing.T) {
	srv := newServer(t)
	transport := &gatedTransport{inner: EngineTransport{Engine: srv.engine, Context: srv.context(t, "alice")}, gate: make(chan struct{})}
	r := newReplica(t, srv, transport, map[string]rbac.Role{"orgA": rbac.RoleEditor})

	p, err := r.Mutate(context.Background(), "rename", mutator.RenameArgs{DocumentID: "d1", Title: "New"})
	require.NoError(t, err)
	assert.Equal(t, "New", titles(t, r)["d1"])
	assert.Equal(t, 1, r.PendingCount())

	close(transport.gate)
	assert.True(t, wait(t, p).Applied)
	assert.Zero(t, r.PendingCount())
	assert.Equal(t, "New", titles(t, r)["d1"])
	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return len(r.pending) == 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "New", titles(t, r)["d1"])

	stored, err := srv.store.LoadDocument(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, "New", stored.Title)
}

func TestRejectedMutationRollsBack(t *testing.T) {
	srv := newServer(t)
	transport := &gatedTransport{inner: EngineTransport{Engine: srv.engine, Context: srv.context(t, "alice")}, gate: make(chan struct{})}
	// The cached session still claims orgB; the server no longer does.
	r := newReplica(t, srv, transport, map[string]rbac.Role{"orgA": rbac.RoleEditor, "orgB": rbac.RoleEditor})

	p, err := r.Mutate(context.Background(), "createDocument", mutator.CreateDocumentArgs{DocumentID: "x1", OrganizationID: "orgB", Title: "Leak"})
	require.NoError(t, err)
	assert.Equal(t, "Leak", titles(t, r)["x1"])

	close(transport.gate)
	outcome := wait(t, p)
	assert.False(t, outcome.Applied)
	assert.Equal(t, mutator.ReasonForbidden, outcome.Reason)
	assert.NotContains(t, titles(t, r), "x1")
	assert.Zero(t, r.PendingCount())

	_, err = srv.store.LoadDocument(context.Background(), "x1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSendRetriesWithSameIdempotencyID(t *testing.T) {
	srv := newServer(t)
	transport := &gatedTransport{inner: EngineTransport{Engine: srv.engine, Context: srv.context(t, "alice")}, fails: 2}
	r := newReplica(t, srv, transport, map[string]rbac.Role{"orgA": rbac.RoleEditor})

	p, err := r.Mutate(context.Background(), "createDocument", mutator.CreateDocumentArgs{DocumentID: "n1", OrganizationID: "orgA", Title: "Fresh"})
	require.NoError(t, err)
	assert.True(t, wait(t, p).Applied)
	assert.Equal(t, []string{"createDocument"}, transport.sent())
	require.Eventually(t, func() bool { return titles(t, r)["n1"] == "Fresh" }, time.Second, 5*time.Millisecond)
}

func TestMutationsAreSentInSubmissionOrder(t *testing.T) {
	srv := newServer(t)
	transport := &gatedTransport{inner: EngineTransport{Engine: srv.engine, Context: srv.context(t, "alice")}, gate: make(chan struct{})}
	r := newReplica(t, srv, transport, map[string]rbac.Role{"orgA": rbac.RoleEditor})

	first, err := r.Mutate(context.Background(), "createDocument", mutator.CreateDocumentArgs{DocumentID: "n1", OrganizationID: "orgA", Title: "One"})
	require.NoError(t, err)
	second, err := r.Mutate(context.Background(), "rename", mutator.RenameArgs{DocumentID: "n1", Title: "Two"})
	require.NoError(t, err)
	assert.Equal(t, "Two", titles(t, r)["n1"])

	close(transport.gate)
	assert.True(t, wait(t, first).Applied)
	assert.True(t, wait(t, second).Applied)
	assert.Equal(t, []string{"createDocument", "rename"}, transport.sent())
}

func TestCloseFailsUnsentMutations(t *testing.T) {
	srv := newServer(t)
	transport := &gatedTransport{inner: EngineTransport{Engine: srv.engine, Context: srv.context(t, "alice")}, gate: make(chan struct{})}
	r := NewReplica(mutator.NewRegistry(mutator.Catalog()...), transport, Session{UserID: "alice", Roles: map[string]rbac.Role{"orgA": rbac.RoleEditor}}, zerolog.Nop())
	r.Start(context.Background())

	p, err := r.Mutate(context.Background(), "rename", mutator.RenameArgs{DocumentID: "d1", Title: "Never"})
	require.NoError(t, err)
	r.Close()
	_, err = p.Wait(context.Background())
	assert.ErrorIs(t, err, ErrReplicaClosed)

	_, err = r.Mutate(context.Background(), "rename", mutator.RenameArgs{DocumentID: "d1", Title: "Later"})
	assert.ErrorIs(t, err, ErrReplicaClosed)
}

func TestMutateRejectsInvalidArgsLocally(t *testing.T) {
	r := NewReplica(mutator.NewRegistry(mutator.Catalog()...), nil, Session{UserID: "alice"}, zerolog.Nop())
	_, err := r.Mutate(context.Background(), "rename", map[string]any{"title": "no id"})
	rejection, ok := mutator.AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, mutator.ReasonInvalidArgs, rejection.Reason)

	_, err = r.Mutate(context.Background(), "launchRocket", map[string]any{})
	assert.Error(t, err)
}

func TestApplyRowsDecodesJSONRows(t *testing.T) {
	r := NewReplica(mutator.NewRegistry(), nil, Session{UserID: "alice", Roles: map[string]rbac.Role{"orgA": rbac.RoleViewer}}, zerolog.Nop())
	var row store.Row
	require.NoError(t, json.Unmarshal([]byte(`{"id":"d9","tenantId":"orgA","title":"Decoded","parentId":null,"sortOrder":3,"deletedAt":null,"createdAt":"2026-01-02T03:04:05Z","updatedAt":"2026-01-02T03:04:05Z"}`), &row))
	require.NoError(t, r.ApplyRows(store.TableDocuments, query.Event{Op: changefeed.OpInsert, Row: row}))

	docs, err := r.Documents(context.Background(), store.DocumentFilter{})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, 3, docs[0].SortOrder)

	require.NoError(t, r.ApplyRows(store.TableDocuments, query.Event{Op: changefeed.OpDelete, Row: row}))
	docs, err = r.Documents(context.Background(), store.DocumentFilter{})
	require.NoError(t, err)
	assert.Empty(t, docs)

	assert.Error(t, r.ApplyRows("secrets", query.Event{Op: changefeed.OpInsert, Row: row}))
}

func TestApplyRowsReleasesOnlyMutationsWhoseRowsArrived(t *testing.T) {
	r := NewReplica(mutator.NewRegistry(mutator.Catalog()...), nil, Session{UserID: "alice", Roles: map[string]rbac.Role{"orgA": rbac.RoleEditor}, ActiveTenant: "orgA"}, zerolog.Nop())
	r.settleWindow = time.Hour
	for _, id := range []string{"d1", "d2"} {
		row := store.Document{ID: id, TenantID: "orgA", Title: "Old"}.Row()
		require.NoError(t, r.ApplyRows(store.TableDocuments, query.Event{Op: changefeed.OpInsert, Row: row}))
	}

	first, err := r.Mutate(context.Background(), "rename", mutator.RenameArgs{DocumentID: "d1", Title: "One"})
	require.NoError(t, err)
	second, err := r.Mutate(context.Background(), "rename", mutator.RenameArgs{DocumentID: "d2", Title: "Two"})
	require.NoError(t, err)
	r.settle(first, mutator.Outcome{Applied: true}, nil)
	r.settle(second, mutator.Outcome{Applied: true}, nil)

	// Only d1's row has come back; d2 keeps its speculative title.
	row := store.Document{ID: "d1", TenantID: "orgA", Title: "One"}.Row()
	require.NoError(t, r.ApplyRows(store.TableDocuments, query.Event{Op: changefeed.OpUpdate, Row: row}))
	r.mu.Lock()
	require.Len(t, r.pending, 1)
	assert.Same(t, second, r.pending[0])
	r.mu.Unlock()
	assert.Equal(t, map[string]string{"d1": "One", "d2": "Two"}, titles(t, r))

	row = store.Document{ID: "d2", TenantID: "orgA", Title: "Two"}.Row()
	require.NoError(t, r.ApplyRows(store.TableDocuments, query.Event{Op: changefeed.OpUpdate, Row: row}))
	r.mu.Lock()
	assert.Empty(t, r.pending)
	r.mu.Unlock()
	assert.Equal(t, map[string]string{"d1": "One", "d2": "Two"}, titles(t, r))
}

func TestHTTPTransport(t *testing.T) {
	var got mutator.Submission
	mux := http.NewServeMux()
	mux.HandleFunc("/api/mutate", func(w http.ResponseWriter, r *http.Request) {
		switch r.Header.Get("Authorization") {
		case "Bearer good":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"applied":false,"reason":"not_found","message":"document d1 not found"}`))
		case "Bearer flaky":
			w.WriteHeader(http.StatusBadGateway)
		default:
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"code":"unauthorized","error":"invalid token"}`))
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	sub := mutator.Submission{Name: "rename", Version: 1, Args: json.RawMessage(`{"documentId":"d1","title":"x"}`), IdempotencyID: "m1"}
	outcome, err := NewHTTPTransport(srv.URL, "good").Mutate(context.Background(), sub)
	require.NoError(t, err)
	assert.False(t, outcome.Applied)
	assert.Equal(t, mutator.ReasonNotFound, outcome.Reason)
	assert.Equal(t, "m1", got.IdempotencyID)

	_, err = NewHTTPTransport(srv.URL, "bad").Mutate(context.Background(), sub)
	assert.ErrorIs(t, err, ErrRejectedRequest)

	_, err = NewHTTPTransport(srv.URL, "flaky").Mutate(context.Background(), sub)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRejectedRequest)
}

func TestURLs(t *testing.T) {
	u, err := SyncURL("https://lydie.example/", "doc 1")
	require.NoError(t, err)
	assert.Equal(t, "wss://lydie.example/sync/doc%201", u)

	u, err = SubscribeURL("http://localhost:8080", query.Request{Name: "document", Params: json.RawMessage(`{"documentId":"d1"}`)})
	require.NoError(t, err)
	assert.Contains(t, u, "ws://localhost:8080/api/subscribe?")
	assert.Contains(t, u, "query=document")
}

func newSyncServer(t *testing.T, srv *server) (*httptest.Server, *gateway.Registry) {
	t.Helper()
	registry := gateway.NewRegistry(persist.NewAdapter(srv.store, nil, nil, zerolog.Nop()), gateway.Options{}, zerolog.Nop())
	mux := http.NewServeMux()
	mux.Handle("/sync/", gateway.NewHandler(registry, srv.resolver, "*", zerolog.Nop()))
	hs := httptest.NewServer(mux)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = registry.Shutdown(ctx)
		hs.Close()
	})
	return hs, registry
}

func dialDoc(t *testing.T, baseURL, token string, local *crdt.Doc) *DocClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	c, err := DialDoc(ctx, baseURL, token, "d1", local)
	require.NoError(t, err)
	return c
}

func TestDocClientsConvergeAndRecoverAfterReconnect(t *testing.T) {
	srv := newServer(t)
	hs, _ := newSyncServer(t, srv)
	token := srv.token(t, "alice")

	a := dialDoc(t, hs.URL, token, nil)
	b := dialDoc(t, hs.URL, token, nil)
	defer b.Close()
	assert.Equal(t, "draft", a.Text())

	require.NoError(t, a.Insert(5, " one"))
	require.Eventually(t, func() bool { return b.Text() == "draft one" }, 2*time.Second, 5*time.Millisecond)

	// Edits made offline reach the server on reconnect.
	require.NoError(t, a.Close())
	offline := a.Doc()
	offline.InsertText(0, ">")
	a = dialDoc(t, hs.URL, token, offline)
	defer a.Close()

	require.Eventually(t, func() bool { return b.Text() == ">draft one" }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, ">draft one", a.Text())
}

func TestDocClientSurfacesCloseCode(t *testing.T) {
	srv := newServer(t)
	hs, _ := newSyncServer(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err := DialDoc(ctx, hs.URL, "garbage", "d1", nil)
	require.Error(t, err)
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, gateway.CloseInvalidToken, closeErr.Code)
}
