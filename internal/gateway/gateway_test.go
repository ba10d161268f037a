package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lydiehq/lydie-sub006/internal/auth"
	"github.com/lydiehq/lydie-sub006/internal/authz"
	"github.com/lydiehq/lydie-sub006/internal/content"
	"github.com/lydiehq/lydie-sub006/internal/crdt"
	"github.com/lydiehq/lydie-sub006/internal/persist"
	"github.com/lydiehq/lydie-sub006/internal/store"
)

var testSecret = []byte("gateway-secret")

// flakyStore fails saves while fail is set.
type flakyStore struct {
	*store.MemoryStore
	mu   sync.Mutex
	fail bool
}

func (f *flakyStore) SaveDocumentState(ctx context.Context, documentID string, snapshot, payload []byte) error {
	f.mu.Lock()
	fail := f.fail
	f.mu.Unlock()
	if fail {
		return errors.New("connection reset")
	}
	return f.MemoryStore.SaveDocumentState(ctx, documentID, snapshot, payload)
}

func (f *flakyStore) setFail(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = fail
}

type failingResolver struct{}

func (failingResolver) Resolve(context.Context, string) (authz.Context, error) {
	return authz.Context{}, errors.New("membership lookup timed out")
}

type harness struct {
	store    *flakyStore
	resolver *authz.Resolver
	registry *Registry
	server   *httptest.Server
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	return newHarnessWithResolver(t, opts, nil)
}

func newHarnessWithResolver(t *testing.T, opts Options, resolver Resolver) *harness {
	t.Helper()
	ctx := context.Background()
	s := &flakyStore{MemoryStore: store.NewMemoryStore()}
	for _, tenant := range []string{"orgA", "orgB"} {
		require.NoError(t, s.EnsureTenant(ctx, store.Tenant{ID: tenant}))
	}
	for _, user := range []string{"alice", "bob", "eve"} {
		require.NoError(t, s.EnsureUser(ctx, store.User{ID: user, DisplayName: user}))
	}
	require.NoError(t, s.UpsertMembership(ctx, store.Membership{TenantID: "orgA", UserID: "alice", Role: "editor"}))
	require.NoError(t, s.UpsertMembership(ctx, store.Membership{TenantID: "orgA", UserID: "bob", Role: "viewer"}))
	require.NoError(t, s.UpsertMembership(ctx, store.Membership{TenantID: "orgB", UserID: "eve", Role: "editor"}))

	tree, err := content.Marshal(content.FromText("hello"))
	require.NoError(t, err)
	s.PutDocument(store.Document{ID: "d1", TenantID: "orgA", Title: "Notes", Content: tree})
	s.PutDocument(store.Document{ID: "d2", TenantID: "orgB", Title: "Budget"})

	// No caching, so every refresh observes revocations immediately.
	ar := authz.NewResolver(testSecret, s, 0, zerolog.Nop())
	if resolver == nil {
		resolver = ar
	}
	registry := NewRegistry(persist.NewAdapter(s, nil, nil, zerolog.Nop()), opts, zerolog.Nop())
	mux := http.NewServeMux()
	mux.Handle("/sync/", NewHandler(registry, resolver, "*", zerolog.Nop()))
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = registry.Shutdown(ctx)
		srv.Close()
	})
	return &harness{store: s, resolver: ar, registry: registry, server: srv}
}

func (h *harness) token(t *testing.T, userID string) string {
	t.Helper()
	token, err := auth.IssueToken(testSecret, auth.Claims{Sub: userID, JTI: "jti-" + userID, Exp: time.Now().Add(time.Hour).Unix()})
	require.NoError(t, err)
	return token
}

func (h *harness) context(t *testing.T, userID string) authz.Context {
	t.Helper()
	ac, err := h.resolver.Resolve(context.Background(), h.token(t, userID))
	require.NoError(t, err)
	return ac
}

func (h *harness) dial(t *testing.T, documentID, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/sync/" + documentID
	if token != "" {
		url += "?token=" + token
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// join dials as userID and returns the connection with a replica built from
// the initial state frame.
func (h *harness) join(t *testing.T, documentID, userID string) (*websocket.Conn, *crdt.Doc) {
	t.Helper()
	conn := h.dial(t, documentID, h.token(t, userID))
	local := crdt.New()
	_, err := local.Apply(readFrame(t, conn))
	require.NoError(t, err)
	return conn, local
}

func readFrame(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	kind, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, kind)
	return data
}

func send(t *testing.T, conn *websocket.Conn, delta []byte) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, delta))
}

func expectClose(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		require.True(t, websocket.IsCloseError(err, code), "want close %d, got %v", code, err)
		return
	}
}

func storedText(t *testing.T, s store.Document) string {
	t.Helper()
	require.NotEmpty(t, s.Snapshot)
	doc, err := crdt.Restore(s.Snapshot)
	require.NoError(t, err)
	return doc.Text()
}

func TestMissingTokenCloses4001(t *testing.T) {
	h := newHarness(t, Options{})
	expectClose(t, h.dial(t, "d1", ""), CloseMissingToken)
}

func TestInvalidTokenCloses4002(t *testing.T) {
	h := newHarness(t, Options{})
	expectClose(t, h.dial(t, "d1", "not-a-token"), CloseInvalidToken)

	forged, err := auth.IssueToken([]byte("other-secret"), auth.Claims{Sub: "alice", JTI: "x", Exp: time.Now().Add(time.Hour).Unix()})
	require.NoError(t, err)
	expectClose(t, h.dial(t, "d1", forged), CloseInvalidToken)
}

func TestForeignTenantCloses4003(t *testing.T) {
	h := newHarness(t, Options{})
	expectClose(t, h.dial(t, "d1", h.token(t, "eve")), CloseAccessDenied)
	expectClose(t, h.dial(t, "missing", h.token(t, "eve")), CloseAccessDenied)
	assert.Zero(t, h.registry.Rooms())
}

func TestResolverFailureCloses4004(t *testing.T) {
	h := newHarnessWithResolver(t, Options{}, failingResolver{})
	expectClose(t, h.dial(t, "d1", h.token(t, "alice")), CloseInternalAuth)
}

func TestInitialFrameCarriesStoredState(t *testing.T) {
	h := newHarness(t, Options{})
	_, local := h.join(t, "d1", "alice")
	assert.Equal(t, "hello", local.Text())
}

func TestConcurrentEditsConverge(t *testing.T) {
	h := newHarness(t, Options{})
	a, docA := h.join(t, "d1", "alice")
	b, docB := h.join(t, "d1", "alice")

	send(t, a, docA.InsertText(0, "A"))
	send(t, b, docB.InsertText(5, "B"))

	_, err := docA.Apply(readFrame(t, a))
	require.NoError(t, err)
	_, err = docB.Apply(readFrame(t, b))
	require.NoError(t, err)

	assert.Equal(t, "AhelloB", docA.Text())
	assert.Equal(t, docA.Text(), docB.Text())
	assert.Equal(t, docA.Snapshot(), docB.Snapshot())

	ac := h.context(t, "alice")
	tree, err := h.registry.LoadContent(context.Background(), ac, "d1")
	require.NoError(t, err)
	assert.Equal(t, "AhelloB", content.PlainText(tree))
}

func TestViewerDeltasAreIgnored(t *testing.T) {
	h := newHarness(t, Options{})
	viewer, viewerDoc := h.join(t, "d1", "bob")
	replica := viewerDoc.Clone(7)
	editor, editorDoc := h.join(t, "d1", "alice")

	send(t, viewer, viewerDoc.InsertText(0, "nope "))
	send(t, editor, editorDoc.InsertText(5, "!"))

	// The viewer's next frame is the editor's delta, not an echo of its own.
	_, err := replica.Apply(readFrame(t, viewer))
	require.NoError(t, err)
	assert.Equal(t, "hello!", replica.Text())

	tree, err := h.registry.LoadContent(context.Background(), h.context(t, "alice"), "d1")
	require.NoError(t, err)
	assert.Equal(t, "hello!", content.PlainText(tree))
}

func TestCorruptDeltaCloses1007(t *testing.T) {
	h := newHarness(t, Options{})
	conn, _ := h.join(t, "d1", "alice")
	send(t, conn, []byte{0xff, 0x01})
	expectClose(t, conn, websocket.CloseInvalidFramePayloadData)
}

func TestTextFrameCloses1003(t *testing.T) {
	h := newHarness(t, Options{})
	conn, _ := h.join(t, "d1", "alice")
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("hi")))
	expectClose(t, conn, websocket.CloseUnsupportedData)
}

func TestLastLeaveFlushesAndReconnectRecovers(t *testing.T) {
	h := newHarness(t, Options{SnapshotInterval: time.Hour})
	conn, local := h.join(t, "d1", "alice")
	send(t, conn, local.InsertText(5, " world"))
	require.Eventually(t, func() bool {
		tree, err := h.registry.LoadContent(context.Background(), h.context(t, "alice"), "d1")
		return err == nil && content.PlainText(tree) == "hello world"
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	require.Eventually(t, func() bool {
		doc, err := h.store.LoadDocument(context.Background(), "d1")
		return err == nil && len(doc.Snapshot) > 0 && h.registry.Rooms() == 0
	}, 3*time.Second, 10*time.Millisecond)

	stored, err := h.store.LoadDocument(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, "hello world", storedText(t, stored))
	tree, err := content.Parse(stored.Content)
	require.NoError(t, err)
	assert.Equal(t, "hello world", content.PlainText(tree))

	_, again := h.join(t, "d1", "alice")
	assert.Equal(t, "hello world", again.Text())
}

func TestDegradedRoomRefusesConnections(t *testing.T) {
	h := newHarness(t, Options{SnapshotInterval: 20 * time.Millisecond, SaveRetryCeiling: 1})
	h.store.setFail(true)
	conn, local := h.join(t, "d1", "alice")
	send(t, conn, local.InsertText(0, "x"))

	require.Eventually(t, func() bool {
		room, ok := h.registry.Live("d1")
		return ok && room.flusher.Degraded()
	}, 3*time.Second, 10*time.Millisecond)

	expectClose(t, h.dial(t, "d1", h.token(t, "alice")), websocket.CloseTryAgainLater)
}

func TestDegradedRoomKeepsEditsAfterLastLeave(t *testing.T) {
	h := newHarness(t, Options{SnapshotInterval: 20 * time.Millisecond, SaveRetryCeiling: 1})
	h.store.setFail(true)
	conn, local := h.join(t, "d1", "alice")
	send(t, conn, local.InsertText(0, "unsaved "))
	require.Eventually(t, func() bool {
		room, ok := h.registry.Live("d1")
		return ok && room.flusher.Degraded()
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	// Let the leave and its failing final flush run.
	time.Sleep(200 * time.Millisecond)

	_, live := h.registry.Live("d1")
	assert.True(t, live, "room is held while saves fail")
	expectClose(t, h.dial(t, "d1", h.token(t, "alice")), websocket.CloseTryAgainLater)
	tree, err := h.registry.LoadContent(context.Background(), h.context(t, "alice"), "d1")
	require.NoError(t, err)
	assert.Equal(t, "unsaved hello", content.PlainText(tree))

	h.store.setFail(false)
	require.Eventually(t, func() bool {
		return h.registry.Rooms() == 0
	}, 3*time.Second, 10*time.Millisecond)
	stored, err := h.store.LoadDocument(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, "unsaved hello", storedText(t, stored))

	_, again := h.join(t, "d1", "alice")
	assert.Equal(t, "unsaved hello", again.Text())
}

func TestRevokedSessionCloses4002(t *testing.T) {
	h := newHarness(t, Options{AuthRefreshInterval: 30 * time.Millisecond})
	conn, _ := h.join(t, "d1", "alice")
	require.NoError(t, h.store.RevokeToken(context.Background(), "jti-alice", time.Now().Add(time.Hour)))
	expectClose(t, conn, CloseInvalidToken)
}

func TestLostMembershipCloses4003(t *testing.T) {
	h := newHarness(t, Options{AuthRefreshInterval: 30 * time.Millisecond})
	conn, _ := h.join(t, "d1", "alice")
	require.NoError(t, h.store.DeleteMembership(context.Background(), "orgA", "alice"))
	expectClose(t, conn, CloseAccessDenied)
}

func TestSaveContentReachesLivePeers(t *testing.T) {
	h := newHarness(t, Options{})
	conn, local := h.join(t, "d1", "alice")

	err := h.registry.SaveContent(context.Background(), h.context(t, "alice"), "d1", content.FromText("rewritten"))
	require.NoError(t, err)

	_, err = local.Apply(readFrame(t, conn))
	require.NoError(t, err)
	assert.Equal(t, "rewritten", local.Text())
}

func TestSaveContentWithoutRoomPersists(t *testing.T) {
	h := newHarness(t, Options{})
	err := h.registry.SaveContent(context.Background(), h.context(t, "alice"), "d1", content.FromText("offline edit"))
	require.NoError(t, err)
	assert.Zero(t, h.registry.Rooms())

	stored, err := h.store.LoadDocument(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, "offline edit", storedText(t, stored))
}

func TestContentAccessIsTenantScoped(t *testing.T) {
	h := newHarness(t, Options{})
	_, err := h.registry.LoadContent(context.Background(), h.context(t, "eve"), "d1")
	assert.ErrorIs(t, err, authz.ErrAuthorizationDenied)

	err = h.registry.SaveContent(context.Background(), h.context(t, "bob"), "d1", content.FromText("viewer edit"))
	assert.ErrorIs(t, err, authz.ErrAuthorizationDenied)

	_, err = h.registry.LoadContent(context.Background(), h.context(t, "alice"), "missing")
	assert.ErrorIs(t, err, persist.ErrNotFound)
}

func TestApplyExternalRejectsCorruptDelta(t *testing.T) {
	h := newHarness(t, Options{})
	err := h.registry.ApplyExternal(context.Background(), "d1", []byte{0xff})
	assert.ErrorIs(t, err, crdt.ErrCorruptDelta)
}

func TestShutdownClosesConnections(t *testing.T) {
	h := newHarness(t, Options{})
	conn, local := h.join(t, "d1", "alice")
	send(t, conn, local.InsertText(0, ">"))
	require.Eventually(t, func() bool {
		tree, err := h.registry.LoadContent(context.Background(), h.context(t, "alice"), "d1")
		return err == nil && content.PlainText(tree) == ">hello"
	}, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, h.registry.Shutdown(ctx))
	expectClose(t, conn, websocket.CloseGoingAway)

	stored, err := h.store.LoadDocument(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, ">hello", storedText(t, stored))
}
