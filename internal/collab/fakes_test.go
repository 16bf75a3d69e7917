package collab

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"chronicle/sync/internal/rbac"
	"chronicle/sync/internal/transport"
	"chronicle/sync/internal/util"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeTransport struct {
	mu      sync.Mutex
	frames  []transport.Frame
	closed  bool
	reason  error
	onClose func()
}

func (f *fakeTransport) Send(frame transport.Frame) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	f.frames = append(f.frames, frame)
	return true
}

func (f *fakeTransport) Close(reason error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	f.reason = reason
	onClose := f.onClose
	f.mu.Unlock()
	if onClose != nil {
		go onClose()
	}
}

func (f *fakeTransport) Frames() []transport.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transport.Frame(nil), f.frames...)
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type storedState struct {
	documentID string
	token      string
	record     StateRecord
}

type fakeStore struct {
	mu         sync.Mutex
	states     map[string][]byte
	fetchErr   error
	persistErr error
	fetches    int
	attempts   int
	saved      []storedState
}

func newFakeStore() *fakeStore {
	return &fakeStore{states: map[string][]byte{}}
}

func (s *fakeStore) FetchState(_ context.Context, documentID, _ string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches++
	if s.fetchErr != nil {
		return nil, false, s.fetchErr
	}
	state, ok := s.states[documentID]
	return state, ok, nil
}

func (s *fakeStore) PersistState(_ context.Context, documentID, token string, record StateRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if s.persistErr != nil {
		return s.persistErr
	}
	s.states[documentID] = record.State
	s.saved = append(s.saved, storedState{documentID: documentID, token: token, record: record})
	return nil
}

func (s *fakeStore) setPersistErr(err error) {
	s.mu.Lock()
	s.persistErr = err
	s.mu.Unlock()
}

func (s *fakeStore) counts() (fetches, attempts, saved int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetches, s.attempts, len(s.saved)
}

func (s *fakeStore) lastSaved() (storedState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.saved) == 0 {
		return storedState{}, false
	}
	return s.saved[len(s.saved)-1], true
}

type fakeAudit struct {
	mu      sync.Mutex
	entries []SessionLogEntry
	err     error
}

func (a *fakeAudit) RecordSession(_ context.Context, _ string, entry SessionLogEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, entry)
	return a.err
}

func (a *fakeAudit) Entries() []SessionLogEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]SessionLogEntry(nil), a.entries...)
}

type presenceSave struct {
	documentID string
	userID     string
	presence   Presence
}

type fakePresence struct {
	mu    sync.Mutex
	saves []presenceSave
}

func (p *fakePresence) SavePresence(_ context.Context, documentID, userID, _ string, presence Presence) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.saves = append(p.saves, presenceSave{documentID: documentID, userID: userID, presence: presence})
	return nil
}

func (p *fakePresence) Saves() []presenceSave {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]presenceSave(nil), p.saves...)
}

type fakeSessions struct {
	mu    sync.Mutex
	ended []SessionSummary
}

func (s *fakeSessions) SessionEnded(_ context.Context, _ string, summary SessionSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ended = append(s.ended, summary)
	return nil
}

func (s *fakeSessions) Ended() []SessionSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SessionSummary(nil), s.ended...)
}

type fakeArchive struct {
	mu       sync.Mutex
	archived map[string][]byte
}

func (a *fakeArchive) ArchiveState(_ context.Context, documentID string, state []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.archived == nil {
		a.archived = map[string][]byte{}
	}
	a.archived[documentID] = state
	return nil
}

func (a *fakeArchive) get(documentID string) ([]byte, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	state, ok := a.archived[documentID]
	return state, ok
}

type harness struct {
	store    *fakeStore
	audit    *fakeAudit
	presence *fakePresence
	sessions *fakeSessions
	archive  *fakeArchive
	manager  *Manager
	registry *Registry
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{
		store:    newFakeStore(),
		audit:    &fakeAudit{},
		presence: &fakePresence{},
		sessions: &fakeSessions{},
		archive:  &fakeArchive{},
	}
	logger := testLogger()
	bridge := NewBridge(Collaborators{
		Store:    h.store,
		Audit:    h.audit,
		Presence: h.presence,
		Sessions: h.sessions,
		Archive:  h.archive,
	}, true, time.Second, logger)
	h.manager = NewManager(bridge, opts, logger)
	h.registry = NewRegistry(h.manager, bridge, NewPresenceBroadcaster(bridge, logger), logger)
	return h
}

type client struct {
	conn      *Connection
	transport *fakeTransport
	peers     []Principal
}

func (h *harness) connect(t *testing.T, documentID, userID, name string) *client {
	t.Helper()
	return h.connectWithAccess(t, documentID, userID, name, rbac.AccessFor(rbac.RoleEditor))
}

func (h *harness) connectWithAccess(t *testing.T, documentID, userID, name string, access rbac.Access) *client {
	t.Helper()
	ft := &fakeTransport{}
	conn := NewConnection(util.NewID("conn"), util.NewID("sess"), Admission{
		Principal:  Principal{UserID: userID, DisplayName: name, Role: "editor"},
		DocumentID: documentID,
		Token:      "token-" + userID,
		Access:     access,
	}, ft)
	ft.onClose = func() { h.registry.Remove(conn) }
	peers, err := h.registry.Admit(context.Background(), conn)
	if err != nil {
		t.Fatalf("Admit(%s) error = %v", userID, err)
	}
	return &client{conn: conn, transport: ft, peers: peers}
}

func (c *client) sendText(h *harness, payload string) {
	h.registry.HandleFrame(c.conn, transport.Text([]byte(payload)))
}

func (c *client) sendBinary(h *harness, payload []byte) {
	h.registry.HandleFrame(c.conn, transport.Binary(payload))
}

func (c *client) disconnect() {
	c.transport.Close(errors.New("client went away"))
}

type control struct {
	Type           string          `json:"type"`
	UserID         string          `json:"userId"`
	UserName       string          `json:"userName"`
	Users          []ActiveUser    `json:"users"`
	CursorPosition int             `json:"cursorPosition"`
	SelectionRange *SelectionRange `json:"selectionRange"`
}

// decodeControl returns the parsed envelope, or ok=false for frames that are
// not control messages.
func decodeControl(frame transport.Frame) (control, bool) {
	if frame.Binary {
		return control{}, false
	}
	var msg control
	if err := json.Unmarshal(frame.Data, &msg); err != nil || msg.Type == "" {
		return control{}, false
	}
	return msg, true
}

func controlsOfType(frames []transport.Frame, kind string) []control {
	var out []control
	for _, frame := range frames {
		if msg, ok := decodeControl(frame); ok && msg.Type == kind {
			out = append(out, msg)
		}
	}
	return out
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func status(t *testing.T, h *harness, documentID string) ReplicaStatus {
	t.Helper()
	replica, ok := h.manager.Lookup(documentID)
	if !ok {
		t.Fatalf("no replica loaded for %s", documentID)
	}
	st, err := replica.Status(context.Background())
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	return st
}
