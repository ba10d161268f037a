package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
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
	"github.com/lydiehq/lydie-sub006/internal/gateway"
	"github.com/lydiehq/lydie-sub006/internal/idempotency"
	"github.com/lydiehq/lydie-sub006/internal/metrics"
	"github.com/lydiehq/lydie-sub006/internal/mutator"
	"github.com/lydiehq/lydie-sub006/internal/persist"
	"github.com/lydiehq/lydie-sub006/internal/query"
	"github.com/lydiehq/lydie-sub006/internal/store"
)

var testSecret = []byte("app-secret")

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

type testServer struct {
	store  *store.MemoryStore
	server *HTTPServer
	rooms  *gateway.Registry
}

func newTestServer(t *testing.T, checks map[string]Pinger) *testServer {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemoryStore()
	for _, tenant := range []string{"orgA", "orgB"} {
		require.NoError(t, s.EnsureTenant(ctx, store.Tenant{ID: tenant}))
	}
	for _, m := range []store.Membership{
		{TenantID: "orgA", UserID: "alice", Role: "editor"},
		{TenantID: "orgB", UserID: "eve", Role: "editor"},
	} {
		require.NoError(t, s.EnsureUser(ctx, store.User{ID: m.UserID}))
		require.NoError(t, s.UpsertMembership(ctx, m))
	}
	tree, err := content.Marshal(content.FromText("draft"))
	require.NoError(t, err)
	s.PutDocument(store.Document{ID: "d1", TenantID: "orgA", Title: "Notes", Content: tree})

	feed := changefeed.New()
	resolver := authz.NewResolver(testSecret, s, 0, zerolog.Nop())
	rooms := gateway.NewRegistry(persist.NewAdapter(s, nil, nil, zerolog.Nop()), gateway.Options{}, zerolog.Nop())
	if checks == nil {
		checks = map[string]Pinger{"database": s}
	}
	service := NewService(Deps{
		Resolver: resolver,
		Engine:   mutator.NewEngine(mutator.NewRegistry(mutator.Catalog()...), s, idempotency.NewMemoryStore(), time.Hour, feed, zerolog.Nop()),
		Queries:  query.NewLayer(query.Env{Source: s}, feed, zerolog.Nop(), query.Catalog()...),
		Rooms:    rooms,
		Checks:   checks,

		AuthRefreshInterval: 25 * time.Millisecond,
	})
	server := NewHTTPServer(service, gateway.NewHandler(rooms, resolver, "*", zerolog.Nop()), metrics.Handler(), "*", zerolog.Nop())
	t.Cleanup(func() {
		server.Close()
		_ = rooms.Shutdown(context.Background())
		feed.Shutdown()
	})
	return &testServer{store: s, server: server, rooms: rooms}
}

func token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := auth.IssueToken(testSecret, auth.Claims{Sub: userID, JTI: "jti-" + userID, Exp: time.Now().Add(time.Hour).Unix()})
	require.NoError(t, err)
	return tok
}

func (ts *testServer) do(t *testing.T, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, userID))
	}
	rr := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return out
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	rr := ts.do(t, http.MethodGet, "/api/health", "", nil)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, true, decode(t, rr)["ok"])
	assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))
	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestRequestIDIsEchoed(t *testing.T) {
	ts := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("X-Request-ID", "abc123")
	rr := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rr, req)
	assert.Equal(t, "abc123", rr.Header().Get("X-Request-ID"))
}

func TestReadyEndpoint(t *testing.T) {
	ts := newTestServer(t, map[string]Pinger{
		"database": pingFunc(func(context.Context) error { return nil }),
		"redis":    pingFunc(func(context.Context) error { return nil }),
	})
	rr := ts.do(t, http.MethodGet, "/api/ready", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	body := decode(t, rr)
	assert.Equal(t, "ready", body["status"])
	checks := body["checks"].(map[string]any)
	assert.Equal(t, "ok", checks["database"].(map[string]any)["status"])
	assert.Equal(t, "ok", checks["redis"].(map[string]any)["status"])
}

func TestReadyEndpointReportsFailingCheck(t *testing.T) {
	ts := newTestServer(t, map[string]Pinger{
		"database": pingFunc(func(context.Context) error { return errors.New("connection refused") }),
		"redis":    pingFunc(func(context.Context) error { return nil }),
	})
	rr := ts.do(t, http.MethodGet, "/api/ready", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	body := decode(t, rr)
	assert.Equal(t, false, body["ok"])
	assert.Equal(t, "not_ready", body["status"])
	database := body["checks"].(map[string]any)["database"].(map[string]any)
	assert.Equal(t, "error", database["status"])
	assert.Equal(t, "connection refused", database["error"])
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	rr := ts.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "go_goroutines")
}

func TestUnknownRoute(t *testing.T) {
	ts := newTestServer(t, nil)
	rr := ts.do(t, http.MethodGet, "/api/nope", "alice", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "NOT_FOUND", decode(t, rr)["code"])
}

func TestMutateRequiresToken(t *testing.T) {
	ts := newTestServer(t, nil)
	rr := ts.do(t, http.MethodPost, "/api/mutate", "", mutator.Submission{Name: "rename", IdempotencyID: "m1"})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "UNAUTHORIZED", decode(t, rr)["code"])

	req := httptest.NewRequest(http.MethodPost, "/api/mutate", strings.NewReader(`{"name":"rename","idempotencyId":"m1"}`))
	req.Header.Set("Authorization", "Bearer forged")
	forged := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(forged, req)
	assert.Equal(t, http.StatusUnauthorized, forged.Code)
}

func TestMutateAppliesAndRejects(t *testing.T) {
	ts := newTestServer(t, nil)

	args, err := json.Marshal(mutator.RenameArgs{DocumentID: "d1", Title: "Renamed"})
	require.NoError(t, err)
	rr := ts.do(t, http.MethodPost, "/api/mutate", "alice", mutator.Submission{Name: "rename", Args: args, IdempotencyID: "m1"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	body := decode(t, rr)
	assert.Equal(t, true, body["applied"])
	assert.Equal(t, "d1", body["result"].(map[string]any)["id"])

	doc, err := ts.store.LoadDocument(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", doc.Title)

	args, err = json.Marshal(mutator.CreateDocumentArgs{DocumentID: "x1", OrganizationID: "orgB", Title: "Intrusion"})
	require.NoError(t, err)
	rr = ts.do(t, http.MethodPost, "/api/mutate", "alice", mutator.Submission{Name: "createDocument", Args: args, IdempotencyID: "m2"})
	require.Equal(t, http.StatusOK, rr.Code)
	body = decode(t, rr)
	assert.Equal(t, false, body["applied"])
	assert.Equal(t, string(mutator.ReasonForbidden), body["reason"])
}

func TestMutateRejectsMalformedSubmission(t *testing.T) {
	ts := newTestServer(t, nil)
	rr := ts.do(t, http.MethodPost, "/api/mutate", "alice", mutator.Submission{Name: "rename"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "INVALID_SUBMISSION", decode(t, rr)["code"])

	req := httptest.NewRequest(http.MethodPost, "/api/mutate", strings.NewReader("{"))
	req.Header.Set("Authorization", "Bearer "+token(t, "alice"))
	bad := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(bad, req)
	assert.Equal(t, http.StatusBadRequest, bad.Code)
	assert.Equal(t, "INVALID_BODY", decode(t, bad)["code"])
}

func TestQueryReturnsScopedRows(t *testing.T) {
	ts := newTestServer(t, nil)
	req := query.Request{Name: "documentsByOrg", Params: json.RawMessage(`{"organizationId":"orgA"}`)}

	rr := ts.do(t, http.MethodPost, "/api/query", "alice", req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var frame query.Frame
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &frame))
	assert.Equal(t, store.TableDocuments, frame.Table)
	require.Len(t, frame.Rows, 1)
	assert.Equal(t, "Notes", frame.Rows[0]["title"])

	rr = ts.do(t, http.MethodPost, "/api/query", "eve", req)
	require.Equal(t, http.StatusOK, rr.Code)
	frame = query.Frame{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &frame))
	assert.Empty(t, frame.Rows)
}

func TestQueryErrors(t *testing.T) {
	ts := newTestServer(t, nil)

	rr := ts.do(t, http.MethodPost, "/api/query", "alice", query.Request{Name: "nope"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "UNKNOWN_QUERY", decode(t, rr)["code"])

	rr = ts.do(t, http.MethodPost, "/api/query", "alice", query.Request{Name: "documentsByOrg", Params: json.RawMessage(`{"bogus":1}`)})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "INVALID_PARAMS", decode(t, rr)["code"])

	rr = ts.do(t, http.MethodPost, "/api/query", "", query.Request{Name: "documentsByOrg"})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestContentRoundTrip(t *testing.T) {
	ts := newTestServer(t, nil)

	rr := ts.do(t, http.MethodGet, "/api/documents/d1/content", "alice", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var loaded struct {
		DocumentID string       `json:"documentId"`
		Content    content.Node `json:"content"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &loaded))
	assert.Equal(t, "d1", loaded.DocumentID)
	assert.Equal(t, "draft", content.PlainText(loaded.Content))

	rr = ts.do(t, http.MethodPut, "/api/documents/d1/content", "alice", map[string]any{"content": content.FromText("first\nsecond")})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = ts.do(t, http.MethodGet, "/api/documents/d1/content", "alice", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &loaded))
	assert.Equal(t, "first\nsecond", content.PlainText(loaded.Content))
}

func TestContentAccessControl(t *testing.T) {
	ts := newTestServer(t, nil)

	rr := ts.do(t, http.MethodGet, "/api/documents/d1/content", "eve", nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	missing := ts.do(t, http.MethodGet, "/api/documents/missing/content", "eve", nil)
	assert.Equal(t, http.StatusForbidden, missing.Code)
	assert.Equal(t, decode(t, rr), decode(t, missing))

	rr = ts.do(t, http.MethodPut, "/api/documents/d1/content", "eve", map[string]any{"content": content.FromText("mine")})
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = ts.do(t, http.MethodPut, "/api/documents/d1/content", "alice", map[string]any{"content": map[string]any{"type": "paragraph"}})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "INVALID_CONTENT", decode(t, rr)["code"])
}

func wsURL(base, path string, values url.Values) string {
	u := "ws" + strings.TrimPrefix(base, "http") + path
	if len(values) > 0 {
		u += "?" + values.Encode()
	}
	return u
}

func readFrame(t *testing.T, conn *websocket.Conn) query.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame query.Frame
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

func TestSubscribeStreamsRowsAndEvents(t *testing.T) {
	ts := newTestServer(t, nil)
	srv := httptest.NewServer(ts.server.Handler())
	defer srv.Close()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token(t, "alice"))
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv.URL, "/api/subscribe", url.Values{
		"query":  {"documentsByOrg"},
		"params": {`{"organizationId":"orgA"}`},
	}), header)
	require.NoError(t, err)
	defer conn.Close()

	first := readFrame(t, conn)
	assert.Equal(t, query.FrameRows, first.Type)
	assert.Equal(t, store.TableDocuments, first.Table)
	require.Len(t, first.Rows, 1)

	args, err := json.Marshal(mutator.RenameArgs{DocumentID: "d1", Title: "Live"})
	require.NoError(t, err)
	rr := ts.do(t, http.MethodPost, "/api/mutate", "alice", mutator.Submission{Name: "rename", Args: args, IdempotencyID: "m1"})
	require.Equal(t, http.StatusOK, rr.Code)

	ev := readFrame(t, conn)
	assert.Equal(t, query.FrameEvent, ev.Type)
	assert.Equal(t, changefeed.OpUpdate, ev.Op)
	assert.Equal(t, "Live", ev.Row["title"])
}

func dialSubscribe(t *testing.T, base, userID string, params string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(base, "/api/subscribe", url.Values{
		"query":  {"documentsByOrg"},
		"params": {params},
		"token":  {token(t, userID)},
	}), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// nextNonEvent skips event frames and returns the first other frame.
func nextNonEvent(t *testing.T, conn *websocket.Conn) query.Frame {
	t.Helper()
	for {
		frame := readFrame(t, conn)
		if frame.Type != query.FrameEvent {
			return frame
		}
	}
}

func expectPolicyClose(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
}

func TestSubscribeEndsWhenMembershipIsRevoked(t *testing.T) {
	ts := newTestServer(t, nil)
	srv := httptest.NewServer(ts.server.Handler())
	defer srv.Close()

	conn := dialSubscribe(t, srv.URL, "alice", `{"organizationId":"orgA"}`)
	require.Equal(t, query.FrameRows, readFrame(t, conn).Type)

	require.NoError(t, ts.store.DeleteMembership(context.Background(), "orgA", "alice"))
	frame := nextNonEvent(t, conn)
	assert.Equal(t, query.FrameError, frame.Type)
	assert.Equal(t, "FORBIDDEN", frame.Code)
	expectPolicyClose(t, conn)
}

func TestSubscribeEndsWhenTokenIsRevoked(t *testing.T) {
	ts := newTestServer(t, nil)
	srv := httptest.NewServer(ts.server.Handler())
	defer srv.Close()

	conn := dialSubscribe(t, srv.URL, "alice", `{"organizationId":"orgA"}`)
	require.Equal(t, query.FrameRows, readFrame(t, conn).Type)

	require.NoError(t, ts.store.RevokeToken(context.Background(), "jti-alice", time.Now().Add(time.Hour)))
	frame := nextNonEvent(t, conn)
	assert.Equal(t, query.FrameError, frame.Type)
	assert.Equal(t, "UNAUTHORIZED", frame.Code)
	expectPolicyClose(t, conn)
}

func TestSubscribeSurvivesRechecksWhileAuthorized(t *testing.T) {
	ts := newTestServer(t, nil)
	srv := httptest.NewServer(ts.server.Handler())
	defer srv.Close()

	conn := dialSubscribe(t, srv.URL, "alice", `{"organizationId":"orgA"}`)
	require.Equal(t, query.FrameRows, readFrame(t, conn).Type)
	time.Sleep(100 * time.Millisecond)

	args, err := json.Marshal(mutator.RenameArgs{DocumentID: "d1", Title: "Still here"})
	require.NoError(t, err)
	rr := ts.do(t, http.MethodPost, "/api/mutate", "alice", mutator.Submission{Name: "rename", Args: args, IdempotencyID: "m-recheck"})
	require.Equal(t, http.StatusOK, rr.Code)

	ev := readFrame(t, conn)
	assert.Equal(t, query.FrameEvent, ev.Type)
	assert.Equal(t, "Still here", ev.Row["title"])
}

func TestSubscribeReportsErrors(t *testing.T) {
	ts := newTestServer(t, nil)
	srv := httptest.NewServer(ts.server.Handler())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv.URL, "/api/subscribe", url.Values{
		"query": {"nope"},
		"token": {token(t, "alice")},
	}), nil)
	require.NoError(t, err)
	defer conn.Close()
	frame := readFrame(t, conn)
	assert.Equal(t, query.FrameError, frame.Type)
	assert.Equal(t, "UNKNOWN_QUERY", frame.Code)

	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)

	anon, _, err := websocket.DefaultDialer.Dial(wsURL(srv.URL, "/api/subscribe", url.Values{"query": {"documentsByOrg"}}), nil)
	require.NoError(t, err)
	defer anon.Close()
	assert.Equal(t, "UNAUTHORIZED", readFrame(t, anon).Code)
}

func TestSyncRouteIsMounted(t *testing.T) {
	ts := newTestServer(t, nil)
	srv := httptest.NewServer(ts.server.Handler())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv.URL, "/sync/d1", url.Values{"token": {token(t, "alice")}}), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	kind, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, kind)
	assert.NotEmpty(t, data)

	anon, _, err := websocket.DefaultDialer.Dial(wsURL(srv.URL, "/sync/d1", nil), nil)
	require.NoError(t, err)
	defer anon.Close()
	require.NoError(t, anon.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = anon.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, gateway.CloseMissingToken, closeErr.Code)
}
