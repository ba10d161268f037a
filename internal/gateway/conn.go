package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/lydiehq/lydie-sub006/internal/authz"
	"github.com/lydiehq/lydie-sub006/internal/crdt"
	"github.com/lydiehq/lydie-sub006/internal/metrics"
	"github.com/lydiehq/lydie-sub006/internal/persist"
	"github.com/lydiehq/lydie-sub006/internal/rbac"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var closeLabels = map[int]string{
	CloseMissingToken:                      "missing_token",
	CloseInvalidToken:                      "invalid_token",
	CloseAccessDenied:                      "access_denied",
	CloseInternalAuth:                      "auth_unavailable",
	websocket.CloseNormalClosure:           "normal",
	websocket.CloseGoingAway:               "going_away",
	websocket.CloseUnsupportedData:         "unsupported_data",
	websocket.CloseInvalidFramePayloadData: "corrupt_delta",
	websocket.ClosePolicyViolation:         "slow_consumer",
	websocket.CloseMessageTooBig:           "frame_too_big",
	websocket.CloseInternalServerErr:       "internal",
	websocket.CloseTryAgainLater:           "degraded",
}

func closeLabel(code int) string {
	if label, ok := closeLabels[code]; ok {
		return label
	}
	return "other"
}

// Handler upgrades /sync/{documentId} requests into sync connections.
type Handler struct {
	registry *Registry
	resolver Resolver
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

// NewHandler builds the sync endpoint. allowedOrigin "*" or empty accepts any
// browser origin.
func NewHandler(registry *Registry, resolver Resolver, allowedOrigin string, log zerolog.Logger) *Handler {
	return &Handler{
		registry: registry,
		resolver: resolver,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || allowedOrigin == "" || allowedOrigin == "*" || origin == allowedOrigin
			},
		},
		log: log.With().Str("component", "sync").Logger(),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	documentID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/sync/"), "/")
	if documentID == "" || strings.Contains(documentID, "/") {
		http.NotFound(w, r)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()
	h.serve(ctx, conn, documentID, requestToken(r))
}

// requestToken reads the session token from the query string, which browsers
// must use for websockets, or from a bearer header.
func requestToken(r *http.Request) string {
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

func (h *Handler) reject(conn *websocket.Conn, code int, reason string) {
	metrics.ClosedConnections.WithLabelValues(closeLabel(code)).Inc()
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	_ = conn.Close()
}

func (h *Handler) serve(ctx context.Context, conn *websocket.Conn, documentID, token string) {
	log := h.log.With().Str("document_id", documentID).Logger()
	if token == "" {
		h.reject(conn, CloseMissingToken, "missing token")
		return
	}
	ac, err := h.resolver.Resolve(ctx, token)
	if errors.Is(err, authz.ErrAuthenticationFailed) {
		log.Debug().Err(err).Msg("sync token rejected")
		h.reject(conn, CloseInvalidToken, "invalid token")
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("resolve sync token")
		h.reject(conn, CloseInternalAuth, "authorization unavailable")
		return
	}
	log = log.With().Str("user_id", ac.UserID()).Logger()

	tenantID, err := h.registry.owner(ctx, documentID)
	if errors.Is(err, persist.ErrNotFound) {
		authz.Denied(log, ac, "", "document:"+documentID)
		h.reject(conn, CloseAccessDenied, "access denied")
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("look up document owner")
		h.reject(conn, CloseInternalAuth, "authorization unavailable")
		return
	}
	if !ac.Allows(tenantID, rbac.ActionRead) {
		authz.Denied(log, ac, tenantID, "document:"+documentID)
		h.reject(conn, CloseAccessDenied, "access denied")
		return
	}

	p := newPeer(false)
	room, err := h.registry.attach(ctx, documentID, p)
	switch {
	case errors.Is(err, persist.ErrDegraded):
		log.Warn().Msg("refusing connection to degraded document")
		h.reject(conn, websocket.CloseTryAgainLater, "document temporarily unavailable")
		return
	case errors.Is(err, persist.ErrNotFound):
		h.reject(conn, CloseAccessDenied, "access denied")
		return
	case errors.Is(err, errRoomClosed):
		h.reject(conn, websocket.CloseGoingAway, "server shutting down")
		return
	case err != nil:
		log.Error().Err(err).Msg("open room")
		h.reject(conn, websocket.CloseInternalServerErr, "internal error")
		return
	}

	s := &session{
		handler:  h,
		conn:     conn,
		peer:     p,
		room:     room,
		token:    token,
		tenantID: tenantID,
		log:      log,
	}
	s.readOnly.Store(!ac.Allows(tenantID, rbac.ActionWrite))
	s.run(ctx, ac)
}

type session struct {
	handler  *Handler
	conn     *websocket.Conn
	peer     *peer
	room     *Room
	token    string
	tenantID string
	readOnly atomic.Bool
	log      zerolog.Logger
}

func (s *session) run(ctx context.Context, ac authz.Context) {
	metrics.ActiveConnections.Inc()
	defer metrics.ActiveConnections.Dec()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	written := make(chan struct{})
	go func() {
		defer close(written)
		s.write(ctx)
	}()
	go s.refresh(ctx, ac)

	s.read(ctx)
	s.room.leave(s.peer)
	s.peer.kick(websocket.CloseNormalClosure, "")
	<-written
	_ = s.conn.Close()
}

func (s *session) read(ctx context.Context) {
	opts := s.handler.registry.opts
	limiter := rate.NewLimiter(rate.Limit(opts.FrameRate), opts.FrameBurst)
	s.conn.SetReadLimit(opts.MaxFrameBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		kind, data, err := s.conn.ReadMessage()
		if err != nil {
			switch {
			case errors.Is(err, websocket.ErrReadLimit):
				s.peer.kick(websocket.CloseMessageTooBig, "frame too large")
			case websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				s.log.Debug().Err(err).Msg("sync connection dropped")
			}
			return
		}
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		if kind != websocket.BinaryMessage {
			s.peer.kick(websocket.CloseUnsupportedData, "binary frames only")
			return
		}
		if s.readOnly.Load() {
			continue
		}
		err = s.room.deliver(ctx, s.peer, data)
		switch {
		case err == nil:
		case errors.Is(err, crdt.ErrCorruptDelta):
			s.log.Warn().Err(err).Msg("corrupt delta")
			s.peer.kick(websocket.CloseInvalidFramePayloadData, "corrupt delta")
			return
		case errors.Is(err, errRoomClosed):
			s.peer.kick(websocket.CloseGoingAway, "room closed")
			return
		default:
			return
		}
	}
}

// write owns all data frames. A kick writes the close frame and closes the
// socket, which ends the reader.
func (s *session) write(ctx context.Context) {
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case frame := <-s.peer.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				s.peer.kick(websocket.CloseGoingAway, "write failed")
			}
		case <-ping.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				s.peer.kick(websocket.CloseGoingAway, "ping failed")
			}
		case <-s.peer.kicked:
			s.flushQueued()
			metrics.ClosedConnections.WithLabelValues(closeLabel(s.peer.code)).Inc()
			_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(s.peer.code, s.peer.reason), time.Now().Add(writeWait))
			_ = s.conn.Close()
			return
		case <-ctx.Done():
			return
		}
	}
}

// flushQueued writes frames already queued so a kicked peer sees everything
// it was sent before the close frame.
func (s *session) flushQueued() {
	for {
		select {
		case frame := <-s.peer.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

// refresh re-resolves the token while the connection lives, closing it when
// the session is revoked or expires or when membership is lost.
func (s *session) refresh(ctx context.Context, ac authz.Context) {
	interval := s.handler.registry.opts.AuthRefreshInterval
	timer := time.NewTimer(ac.RecheckAfter(interval))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.peer.kicked:
			return
		case <-timer.C:
		}

		next, err := s.handler.resolver.Resolve(ctx, s.token)
		switch {
		case errors.Is(err, authz.ErrAuthenticationFailed):
			s.log.Info().Err(err).Msg("session no longer valid, closing sync connection")
			s.peer.kick(CloseInvalidToken, "session expired or revoked")
			return
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			s.log.Warn().Err(err).Msg("sync auth refresh failed, keeping connection")
		case !next.Allows(s.tenantID, rbac.ActionRead):
			authz.Denied(s.log, next, s.tenantID, "document:"+s.room.id)
			s.peer.kick(CloseAccessDenied, "access revoked")
			return
		default:
			s.readOnly.Store(!next.Allows(s.tenantID, rbac.ActionWrite))
			ac = next
		}
		timer.Reset(ac.RecheckAfter(interval))
	}
}
