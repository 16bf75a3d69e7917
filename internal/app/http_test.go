package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"chronicle/sync/internal/auth"
	"chronicle/sync/internal/collab"
	"chronicle/sync/internal/crdt"
	"chronicle/sync/internal/presence"
)

const testSecret = "test-secret"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memStore struct {
	mu     sync.Mutex
	states map[string][]byte
}

func (m *memStore) FetchState(_ context.Context, documentID, _ string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[documentID]
	return state, ok, nil
}

func (m *memStore) PersistState(_ context.Context, documentID, _ string, record collab.StateRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[documentID] = record.State
	return nil
}

type memAudit struct {
	mu      sync.Mutex
	entries []collab.SessionLogEntry
}

func (m *memAudit) RecordSession(_ context.Context, _ string, entry collab.SessionLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

type testEnv struct {
	server   *httptest.Server
	registry *collab.Registry
	audit    *memAudit
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	logger := testLogger()
	audit := &memAudit{}
	bridge := collab.NewBridge(collab.Collaborators{
		Store: &memStore{states: map[string][]byte{}},
		Audit: audit,
	}, true, time.Second, logger)
	manager := collab.NewManager(bridge, collab.Options{PersistInterval: 10 * time.Millisecond}, logger)
	registry := collab.NewRegistry(manager, bridge, collab.NewPresenceBroadcaster(bridge, logger), logger)
	authorizer := collab.NewAuthorizer(collab.NewTokenIdentity(auth.NewTokenVerifier(testSecret)), time.Second, logger)

	server := httptest.NewServer(NewHTTPServer(authorizer, registry, opts, logger).Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = registry.Shutdown(ctx)
		server.Close()
	})
	return &testEnv{server: server, registry: registry, audit: audit}
}

func issue(t *testing.T, userID, name, role string) string {
	t.Helper()
	token, err := auth.IssueToken([]byte(testSecret), auth.Claims{
		Sub:  userID,
		Name: name,
		Role: role,
		JTI:  userID + "-jti",
		Exp:  time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	return token
}

func (e *testEnv) dial(t *testing.T, token, documentID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws?token=" + token + "&document_id=" + documentID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readControl(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	typ, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if typ != websocket.TextMessage {
		t.Fatalf("expected a text control frame, got type %d (%q)", typ, data)
	}
	var message map[string]any
	if err := json.Unmarshal(data, &message); err != nil {
		t.Fatalf("decode control frame %q: %v", data, err)
	}
	return message
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t, Options{})

	resp, err := http.Get(env.server.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header")
	}

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status=ok, got %v", body["status"])
	}
	if body["activeConnections"] != float64(0) {
		t.Errorf("expected activeConnections=0, got %v", body["activeConnections"])
	}
	if _, err := time.Parse(time.RFC3339Nano, body["timestamp"].(string)); err != nil {
		t.Errorf("timestamp %v is not RFC3339: %v", body["timestamp"], err)
	}
}

func TestReadyEndpoint(t *testing.T) {
	healthy := pingFunc(func(context.Context) error { return nil })
	broken := pingFunc(func(context.Context) error { return errors.New("connection refused") })

	tests := []struct {
		name   string
		checks map[string]Pinger
		status int
		ready  string
	}{
		{name: "no backends", checks: nil, status: http.StatusOK, ready: "ready"},
		{name: "all healthy", checks: map[string]Pinger{"postgres": healthy, "redis": healthy}, status: http.StatusOK, ready: "ready"},
		{name: "one failing", checks: map[string]Pinger{"postgres": healthy, "redis": broken}, status: http.StatusServiceUnavailable, ready: "not_ready"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, Options{Checks: tt.checks})
			resp, err := http.Get(env.server.URL + "/ready")
			if err != nil {
				t.Fatalf("GET /ready: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tt.status {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.status)
			}
			var body struct {
				Status string                       `json:"status"`
				Checks map[string]map[string]string `json:"checks"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.Status != tt.ready {
				t.Errorf("status = %q, want %q", body.Status, tt.ready)
			}
			if tt.status != http.StatusOK && body.Checks["redis"]["error"] != "connection refused" {
				t.Errorf("expected redis error in checks, got %+v", body.Checks)
			}
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, Options{})
	resp, err := http.Get(env.server.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(data), "chronicle_sync_active_connections") {
		t.Fatalf("metrics response %d missing gauge:\n%s", resp.StatusCode, data)
	}
}

func TestSocketRejectedBeforeUpgrade(t *testing.T) {
	env := newTestEnv(t, Options{})
	editor := issue(t, "u-1", "Avery", "editor")
	stranger := issue(t, "u-9", "Sam", "guest")

	tests := []struct {
		name   string
		query  string
		status int
		code   string
	}{
		{name: "missing token", query: "document_id=doc-1", status: http.StatusBadRequest, code: "MISSING_TOKEN"},
		{name: "missing document", query: "token=" + editor, status: http.StatusBadRequest, code: "MISSING_DOCUMENT"},
		{name: "bad token", query: "token=nope&document_id=doc-1", status: http.StatusUnauthorized, code: "UNAUTHORIZED"},
		{name: "no access", query: "token=" + stranger + "&document_id=doc-1", status: http.StatusForbidden, code: "FORBIDDEN"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/ws?" + tt.query
			conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
			if err == nil {
				conn.Close()
				t.Fatal("expected the upgrade to be rejected")
			}
			if resp == nil {
				t.Fatalf("expected an HTTP response, got %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tt.status {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.status)
			}
			var body map[string]any
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body["code"] != tt.code {
				t.Errorf("code = %v, want %s", body["code"], tt.code)
			}
		})
	}
	if env.registry.Count() != 0 {
		t.Fatalf("rejected connections were registered: %d", env.registry.Count())
	}
}

func TestSocketSessionEndToEnd(t *testing.T) {
	env := newTestEnv(t, Options{})
	alice := env.dial(t, issue(t, "u-1", "Avery", "editor"), "doc-7")
	if got := readControl(t, alice); got["type"] != "active-users" || len(got["users"].([]any)) != 0 {
		t.Fatalf("first frame for alice = %v", got)
	}

	bob := env.dial(t, issue(t, "u-2", "Blake", "editor"), "doc-7")
	joined := readControl(t, bob)
	users, _ := joined["users"].([]any)
	if joined["type"] != "active-users" || len(users) != 1 || users[0].(map[string]any)["userId"] != "u-1" {
		t.Fatalf("first frame for bob = %v", joined)
	}
	if got := readControl(t, alice); got["type"] != "user-joined" || got["userId"] != "u-2" || got["userName"] != "Blake" {
		t.Fatalf("alice expected user-joined, got %v", got)
	}

	edit := crdt.NewDoc().InsertAt("u-2", 0, "hi").Encode()
	if err := bob.WriteMessage(websocket.BinaryMessage, edit); err != nil {
		t.Fatalf("write edit: %v", err)
	}
	_ = alice.SetReadDeadline(time.Now().Add(3 * time.Second))
	typ, data, err := alice.ReadMessage()
	if err != nil || typ != websocket.BinaryMessage || string(data) != string(edit) {
		t.Fatalf("alice received %d %q %v, want the edit verbatim", typ, data, err)
	}

	cursor := `{"type":"cursor-update","cursorPosition":2,"selectionRange":null}`
	if err := bob.WriteMessage(websocket.TextMessage, []byte(cursor)); err != nil {
		t.Fatalf("write cursor: %v", err)
	}
	if got := readControl(t, alice); got["type"] != "cursor-update" || got["userId"] != "u-2" || got["cursorPosition"] != float64(2) {
		t.Fatalf("alice expected cursor-update, got %v", got)
	}

	if env.registry.Count() != 2 {
		t.Fatalf("Count() = %d, want 2", env.registry.Count())
	}

	_ = bob.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = bob.Close()
	if got := readControl(t, alice); got["type"] != "user-left" || got["userId"] != "u-2" {
		t.Fatalf("alice expected user-left, got %v", got)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		env.audit.mu.Lock()
		n := len(env.audit.entries)
		env.audit.mu.Unlock()
		if n >= 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected 2 connects and 1 disconnect in the audit log, got %d entries", n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestLateJoinerReceivesState(t *testing.T) {
	env := newTestEnv(t, Options{})
	alice := env.dial(t, issue(t, "u-1", "Avery", "editor"), "doc-8")
	readControl(t, alice)

	edit := crdt.NewDoc().InsertAt("u-1", 0, "draft").Encode()
	if err := alice.WriteMessage(websocket.BinaryMessage, edit); err != nil {
		t.Fatalf("write edit: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		carol := env.dial(t, issue(t, "u-3", "Casey", "viewer"), "doc-8")
		readControl(t, carol)
		_ = carol.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
		typ, data, err := carol.ReadMessage()
		if err == nil && typ == websocket.BinaryMessage {
			update, err := crdt.DecodeUpdate(data)
			if err != nil {
				t.Fatalf("decode initial state: %v", err)
			}
			doc := crdt.NewDoc()
			doc.Apply(update)
			if doc.Text() != "draft" {
				t.Fatalf("initial state text = %q, want draft", doc.Text())
			}
			return
		}
		_ = carol.Close()
		if time.Now().After(deadline) {
			t.Fatal("late joiner never received the document state")
		}
	}
}

func TestShutdownClosesSockets(t *testing.T) {
	env := newTestEnv(t, Options{})
	alice := env.dial(t, issue(t, "u-1", "Avery", "editor"), "doc-9")
	readControl(t, alice)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := env.registry.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	_ = alice.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := alice.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Fatalf("expected going-away close, got %v", err)
	}
}

func TestPresenceEndpoint(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	directory := presence.NewRedisStoreWithClient(client, time.Hour)
	if err := directory.SavePresence(context.Background(), "doc-3", "u-2", "", collab.Presence{CursorPosition: 4}); err != nil {
		t.Fatalf("SavePresence() error = %v", err)
	}

	env := newTestEnv(t, Options{Presence: directory})
	token := issue(t, "u-1", "Avery", "viewer")

	get := func(query string) (int, map[string]any) {
		t.Helper()
		resp, err := http.Get(env.server.URL + "/presence?" + query)
		if err != nil {
			t.Fatalf("GET /presence: %v", err)
		}
		defer resp.Body.Close()
		var body map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		return resp.StatusCode, body
	}

	status, body := get("token=" + token + "&document_id=doc-3")
	users, _ := body["users"].(map[string]any)
	record, _ := users["u-2"].(map[string]any)
	if status != http.StatusOK || body["documentId"] != "doc-3" || record["cursor_position"] != float64(4) {
		t.Fatalf("list = %d %v", status, body)
	}

	status, body = get("token=" + token + "&document_id=doc-3&user_id=u-2")
	if users, _ := body["users"].(map[string]any); status != http.StatusOK || len(users) != 1 {
		t.Fatalf("lookup = %d %v", status, body)
	}
	if status, body = get("token=" + token + "&document_id=doc-3&user_id=u-9"); status != http.StatusNotFound || body["code"] != "PRESENCE_NOT_FOUND" {
		t.Fatalf("unknown user = %d %v", status, body)
	}
	if status, body = get("document_id=doc-3"); body["code"] != "MISSING_TOKEN" {
		t.Fatalf("missing token = %d %v", status, body)
	}

	mr.Close()
	if status, body = get("token=" + token + "&document_id=doc-3"); status != http.StatusBadGateway || body["code"] != "PRESENCE_UNAVAILABLE" {
		t.Fatalf("redis down = %d %v", status, body)
	}
}

func TestPresenceEndpointWithoutDirectory(t *testing.T) {
	env := newTestEnv(t, Options{})
	resp, err := http.Get(env.server.URL + "/presence?token=" + issue(t, "u-1", "Avery", "editor") + "&document_id=doc-3")
	if err != nil {
		t.Fatalf("GET /presence: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}
