package app

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lydiehq/lydie-sub006/internal/authz"
	"github.com/lydiehq/lydie-sub006/internal/content"
	"github.com/lydiehq/lydie-sub006/internal/mutator"
	"github.com/lydiehq/lydie-sub006/internal/persist"
	"github.com/lydiehq/lydie-sub006/internal/query"
)

type HTTPServer struct {
	service    *Service
	sync       http.Handler
	metrics    http.Handler
	corsOrigin string
	log        zerolog.Logger
	upgrader   websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
}

// NewHTTPServer serves the JSON API. sync handles /sync/ and metrics
// /metrics; either may be nil.
func NewHTTPServer(service *Service, sync, metrics http.Handler, corsOrigin string, log zerolog.Logger) *HTTPServer {
	ctx, cancel := context.WithCancel(context.Background())
	s := &HTTPServer{
		service:    service,
		sync:       sync,
		metrics:    metrics,
		corsOrigin: corsOrigin,
		log:        log,
		ctx:        ctx,
		cancel:     cancel,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || corsOrigin == "" || corsOrigin == "*" || origin == corsOrigin
		},
	}
	return s
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

// Close ends open query subscriptions. http.Server.Shutdown does not wait
// for hijacked connections.
func (s *HTTPServer) Close() {
	s.cancel()
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		s.handleReady(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/metrics" && s.metrics != nil {
		s.metrics.ServeHTTP(w, r)
		return
	}

	if strings.HasPrefix(r.URL.Path, "/sync/") && s.sync != nil {
		s.sync.ServeHTTP(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/mutate" {
		var sub mutator.Submission
		if err := decodeBody(r, &sub); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		outcome, err := s.service.Mutate(r.Context(), bearerToken(r), sub)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, outcome)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/query" {
		var req query.Request
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		rows, table, err := s.service.Query(r.Context(), bearerToken(r), req)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, query.Frame{Type: query.FrameRows, Query: req.Name, Table: table, Rows: rows})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/subscribe" {
		s.handleSubscribe(w, r)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) == 4 && parts[0] == "api" && parts[1] == "documents" && parts[3] == "content" {
		documentID := parts[2]
		switch r.Method {
		case http.MethodGet:
			tree, err := s.service.LoadContent(r.Context(), bearerToken(r), documentID)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"documentId": documentID, "content": tree})
			return
		case http.MethodPut:
			var body struct {
				Content json.RawMessage `json:"content"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			tree, err := content.Parse(body.Content)
			if err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_CONTENT", err.Error(), nil)
				return
			}
			if err := s.service.SaveContent(r.Context(), bearerToken(r), documentID, tree); err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{}
	for _, check := range s.service.Ready(ctx) {
		if check.Err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks[check.Name] = map[string]any{
				"status": "error",
				"error":  check.Err.Error(),
			}
			continue
		}
		checks[check.Name] = map[string]any{"status": "ok"}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Str("request_id", requestID(r.Context())).Str("path", r.URL.Path).Msg("request failed")
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.log.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", writer.status).
			Int64("duration_ms", time.Since(started).Milliseconds()).
			Msg("request")
	})
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets websocket handlers take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 4<<20))
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, authz.ErrAuthenticationFailed), errors.Is(err, mutator.ErrSpeculativeContext):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	// A missing document answers like a foreign one.
	case errors.Is(err, authz.ErrAuthorizationDenied), errors.Is(err, persist.ErrNotFound):
		return http.StatusForbidden, "FORBIDDEN", "Forbidden", nil
	case errors.Is(err, mutator.ErrInvalidSubmission):
		return http.StatusBadRequest, "INVALID_SUBMISSION", err.Error(), nil
	case errors.Is(err, query.ErrUnknownQuery):
		return http.StatusBadRequest, "UNKNOWN_QUERY", err.Error(), nil
	case errors.Is(err, query.ErrInvalidParams):
		return http.StatusBadRequest, "INVALID_PARAMS", err.Error(), nil
	case errors.Is(err, persist.ErrDegraded), errors.Is(err, query.ErrNoFeed):
		return http.StatusServiceUnavailable, "UNAVAILABLE", "Temporarily unavailable", nil
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "TIMEOUT", "Request timed out", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
