package app

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chronicle/sync/internal/collab"
	"chronicle/sync/internal/presence"
	"chronicle/sync/internal/transport"
	"chronicle/sync/internal/util"
)

// Pinger is a backend that /ready checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PresenceReader serves the stored cursors behind GET /presence.
type PresenceReader interface {
	List(ctx context.Context, documentID string) (map[string]presence.Record, error)
	Lookup(ctx context.Context, documentID, userID string) (presence.Record, error)
}

type Options struct {
	CORSOrigin   string
	Transport    transport.Options
	ReadyTimeout time.Duration
	// Checks are keyed by the name reported in the /ready body.
	Checks map[string]Pinger
	// Presence is nil unless the presence directory is readable locally.
	Presence PresenceReader
}

type HTTPServer struct {
	authorizer *collab.Authorizer
	registry   *collab.Registry
	opts       Options
	upgrader   websocket.Upgrader
	metrics    http.Handler
	logger     *slog.Logger
}

func NewHTTPServer(authorizer *collab.Authorizer, registry *collab.Registry, opts Options, logger *slog.Logger) *HTTPServer {
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = 5 * time.Second
	}
	if opts.CORSOrigin == "" {
		opts.CORSOrigin = "*"
	}
	s := &HTTPServer{
		authorizer: authorizer,
		registry:   registry,
		opts:       opts,
		metrics:    promhttp.Handler(),
		logger:     logger.With("component", "http"),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	readOnly := r.Method == http.MethodGet || r.Method == http.MethodHead

	switch {
	case readOnly && r.URL.Path == "/health":
		writeJSON(w, http.StatusOK, map[string]any{
			"status":            "ok",
			"timestamp":         time.Now().UTC().Format(time.RFC3339Nano),
			"activeConnections": s.registry.Count(),
		})
	case readOnly && r.URL.Path == "/ready":
		s.handleReady(w, r)
	case readOnly && r.URL.Path == "/metrics":
		s.metrics.ServeHTTP(w, r)
	case readOnly && r.URL.Path == "/presence":
		s.handlePresence(w, r)
	case r.Method == http.MethodGet && r.URL.Path == "/ws":
		s.handleSocket(w, r)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.opts.ReadyTimeout)
	defer cancel()

	names := make([]string, 0, len(s.opts.Checks))
	for name := range s.opts.Checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{}
	for _, name := range names {
		if err := s.opts.Checks[name].Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks[name] = map[string]any{"status": "error", "error": err.Error()}
			continue
		}
		checks[name] = map[string]any{"status": "ok"}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

// handlePresence returns the last stored cursor of every user on a document,
// or of one user with user_id. Callers authorize like a socket does.
func (s *HTTPServer) handlePresence(w http.ResponseWriter, r *http.Request) {
	if s.opts.Presence == nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Presence directory is not available", nil)
		return
	}
	admission, err := s.authorizer.Authorize(r.Context(), r.URL.Query())
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}

	users := map[string]presence.Record{}
	if userID := strings.TrimSpace(r.URL.Query().Get("user_id")); userID != "" {
		record, err := s.opts.Presence.Lookup(r.Context(), admission.DocumentID, userID)
		switch {
		case errors.Is(err, presence.ErrNotFound):
			writeError(w, http.StatusNotFound, "PRESENCE_NOT_FOUND", "No stored presence for this user", nil)
			return
		case err != nil:
			s.presenceUnavailable(w, r, admission.DocumentID, err)
			return
		}
		users[userID] = record
	} else {
		users, err = s.opts.Presence.List(r.Context(), admission.DocumentID)
		if err != nil {
			s.presenceUnavailable(w, r, admission.DocumentID, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"documentId": admission.DocumentID, "users": users})
}

func (s *HTTPServer) presenceUnavailable(w http.ResponseWriter, r *http.Request, documentID string, err error) {
	s.logger.Warn("presence read failed", "request_id", requestID(r.Context()), "document_id", documentID, "error", err)
	writeError(w, http.StatusBadGateway, "PRESENCE_UNAVAILABLE", "Presence directory is unavailable", nil)
}

// handleSocket authorizes before upgrading, so rejected clients get a plain
// HTTP error. The handler returns when the connection ends.
func (s *HTTPServer) handleSocket(w http.ResponseWriter, r *http.Request) {
	admission, err := s.authorizer.Authorize(r.Context(), r.URL.Query())
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", "request_id", requestID(r.Context()), "document_id", admission.DocumentID, "error", err)
		return
	}
	wire := transport.New(ws, s.opts.Transport, s.logger)
	conn := collab.NewConnection(wire.ID(), util.NewID("sess"), admission, wire)

	if _, err := s.registry.Admit(r.Context(), conn); err != nil {
		wire.Close(fmt.Errorf("%w: %v", transport.ErrTryAgainLater, err))
		_ = wire.Run(r.Context(), func(transport.Frame) {})
		return
	}

	reason := wire.Run(r.Context(), func(frame transport.Frame) {
		s.registry.HandleFrame(conn, frame)
	})
	s.registry.Remove(conn)
	if !transport.IsNormalClose(reason) {
		s.logger.Info("connection closed", "request_id", requestID(r.Context()), "connection_id", conn.ID, "document_id", conn.DocumentID, "reason", reason)
	}
}

func (s *HTTPServer) checkOrigin(r *http.Request) bool {
	if s.opts.CORSOrigin == "*" {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || origin == s.opts.CORSOrigin
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = util.NewID("req")
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.opts.CORSOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.logger.Info("request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", time.Since(started).Milliseconds(),
		)
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

// Hijack lets the WebSocket upgrader take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,OPTIONS")
	header.Set("Cache-Control", "no-store")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
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

func mapError(err error) (status int, code, message string, details any) {
	if domainErr, ok := collab.AsDomainError(err); ok {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
