package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lydiehq/lydie-sub006/internal/authz"
	"github.com/lydiehq/lydie-sub006/internal/metrics"
	"github.com/lydiehq/lydie-sub006/internal/query"
)

const (
	subscribeWriteWait  = 10 * time.Second
	subscribePongWait   = 60 * time.Second
	subscribePingPeriod = subscribePongWait * 9 / 10
)

// handleSubscribe streams a live query as JSON frames: one rows frame, then
// one event frame per row diff. Failures are reported as an error frame
// before the socket closes. The query comes from ?query= and ?params=; the
// token from the Authorization header or ?token=. The token is re-resolved
// while the stream is open and the stream ends once the caller loses a
// tenant it covers.
func (s *HTTPServer) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	req := query.Request{Name: r.URL.Query().Get("query")}
	if params := r.URL.Query().Get("params"); params != "" {
		req.Params = json.RawMessage(params)
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("subscribe upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	stop := context.AfterFunc(r.Context(), cancel)
	defer stop()

	live, err := s.service.Subscribe(ctx, token, req)
	if err != nil {
		s.refuse(conn, req.Name, err)
		return
	}
	defer live.Close()

	// The client only sends control frames; a read error means it left.
	go func() {
		defer cancel()
		conn.SetReadLimit(4096)
		_ = conn.SetReadDeadline(time.Now().Add(subscribePongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(subscribePongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := s.writeFrame(conn, query.Frame{Type: query.FrameRows, Query: req.Name, Table: live.Table, Rows: live.Initial}); err != nil {
		return
	}

	ticker := time.NewTicker(subscribePingPeriod)
	defer ticker.Stop()
	recheck := time.NewTimer(s.service.nextRecheck(live))
	defer recheck.Stop()
	for {
		select {
		case ev, ok := <-live.Events:
			if !ok {
				if s.ctx.Err() != nil {
					s.closeSocket(conn, websocket.CloseGoingAway, "server shutting down")
				}
				return
			}
			if err := s.writeFrame(conn, query.Frame{Type: query.FrameEvent, Query: req.Name, Table: live.Table, Op: ev.Op, Row: ev.Row}); err != nil {
				return
			}
		case <-recheck.C:
			ac, err := s.service.Recheck(ctx, token, live)
			switch {
			case errors.Is(err, authz.ErrAuthorizationDenied):
				authz.Denied(s.log, ac, "", "query:"+req.Name)
				s.refuse(conn, req.Name, err)
				return
			case errors.Is(err, authz.ErrAuthenticationFailed):
				s.log.Info().Err(err).Str("query", req.Name).Msg("session no longer valid, closing live query")
				s.refuse(conn, req.Name, err)
				return
			case err != nil:
				if ctx.Err() != nil {
					return
				}
				s.log.Warn().Err(err).Str("query", req.Name).Msg("live query auth refresh failed, keeping stream")
			}
			recheck.Reset(s.service.nextRecheck(live))
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(subscribeWriteWait)); err != nil {
				return
			}
		case <-ctx.Done():
			if s.ctx.Err() != nil {
				s.closeSocket(conn, websocket.CloseGoingAway, "server shutting down")
			}
			return
		}
	}
}

// refuse reports err as an error frame and closes the socket.
func (s *HTTPServer) refuse(conn *websocket.Conn, queryName string, err error) {
	_, code, message, _ := mapError(err)
	if code == "SERVER_ERROR" {
		s.log.Error().Err(err).Str("query", queryName).Msg("subscribe failed")
	}
	_ = s.writeFrame(conn, query.Frame{Type: query.FrameError, Query: queryName, Code: code, Error: message})
	s.closeSocket(conn, websocket.ClosePolicyViolation, code)
}

func (s *HTTPServer) writeFrame(conn *websocket.Conn, frame query.Frame) error {
	_ = conn.SetWriteDeadline(time.Now().Add(subscribeWriteWait))
	return conn.WriteJSON(frame)
}

func (s *HTTPServer) closeSocket(conn *websocket.Conn, code int, reason string) {
	metrics.ClosedConnections.WithLabelValues("subscribe_" + closeReason(code)).Inc()
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(subscribeWriteWait))
}

func closeReason(code int) string {
	switch code {
	case websocket.CloseGoingAway:
		return "going_away"
	case websocket.ClosePolicyViolation:
		return "rejected"
	}
	return "other"
}
