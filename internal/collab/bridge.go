package collab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"chronicle/sync/internal/crdt"
)

// DocumentStore reads and writes the persisted replica state. FetchState
// reports found=false for a document that has never been synced.
type DocumentStore interface {
	FetchState(ctx context.Context, documentID, token string) (state []byte, found bool, err error)
	PersistState(ctx context.Context, documentID, token string, record StateRecord) error
}

// StateRecord is one durable save: the encoded CRDT state and its text
// projection, attributed to the principal of the last mutation.
type StateRecord struct {
	Text       string
	State      []byte
	LastEditor Principal
}

type SessionAction string

const (
	ActionConnect    SessionAction = "connect"
	ActionDisconnect SessionAction = "disconnect"
)

type SessionLogEntry struct {
	DocumentID   string        `json:"documentId"`
	UserID       string        `json:"userId"`
	SessionID    string        `json:"sessionId"`
	ConnectionID string        `json:"connectionId"`
	Action       SessionAction `json:"action"`
	Timestamp    time.Time     `json:"timestamp"`
	UpdateCount  int64         `json:"updateCount"`
}

type AuditLog interface {
	RecordSession(ctx context.Context, token string, entry SessionLogEntry) error
}

type PresenceDirectory interface {
	SavePresence(ctx context.Context, documentID, userID, token string, presence Presence) error
}

// SessionSummary tells the document API that a collaborator's session ended
// so it can attribute the edits in its history.
type SessionSummary struct {
	SessionID   string `json:"sessionId"`
	DocumentID  string `json:"documentId"`
	Actor       string `json:"actor"`
	UpdateCount int64  `json:"updateCount"`
}

type SessionNotifier interface {
	SessionEnded(ctx context.Context, token string, summary SessionSummary) error
}

type TextIndexer interface {
	IndexText(ctx context.Context, documentID, text string) error
}

type SnapshotArchive interface {
	ArchiveState(ctx context.Context, documentID string, state []byte) error
}

// Collaborators groups the external services the bridge talks to. Store and
// Audit are required; the rest are optional.
type Collaborators struct {
	Store    DocumentStore
	Audit    AuditLog
	Presence PresenceDirectory
	Sessions SessionNotifier
	Indexer  TextIndexer
	Archive  SnapshotArchive
}

// Bridge adapts replica and session events into collaborator calls. Calls
// that nothing waits on run in background goroutines tracked by Wait; once
// Wait has been called they run on the caller's goroutine.
type Bridge struct {
	deps    Collaborators
	gc      bool
	timeout time.Duration
	logger  *slog.Logger

	mu sync.Mutex
	// set by Wait; later calls run inline instead of joining wg
	closing bool
	wg      sync.WaitGroup
}

func NewBridge(deps Collaborators, gc bool, timeout time.Duration, logger *slog.Logger) *Bridge {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Bridge{deps: deps, gc: gc, timeout: timeout, logger: logger.With("component", "bridge")}
}

// Load fetches the stored state for a document. A missing record yields an
// empty document; any failure is returned wrapped in ErrFetch and the caller
// decides how to degrade.
func (b *Bridge) Load(ctx context.Context, documentID, token string) (*crdt.Doc, error) {
	state, found, err := b.deps.Store.FetchState(ctx, documentID, token)
	observeCall("fetch", err)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetch, err)
	}
	if !found || len(state) == 0 {
		return crdt.NewDoc(), nil
	}
	doc, err := crdt.Decode(state)
	if err != nil {
		return nil, fmt.Errorf("%w: decode stored state: %w", ErrFetch, err)
	}
	return doc, nil
}

// Encode serializes a replica for storage under the configured tombstone
// collection policy.
func (b *Bridge) Encode(doc *crdt.Doc) []byte {
	return doc.Encode(b.gc)
}

func (b *Bridge) Persist(ctx context.Context, documentID, token string, record StateRecord) error {
	started := time.Now()
	err := b.deps.Store.PersistState(ctx, documentID, token, record)
	persistDuration.Observe(time.Since(started).Seconds())
	observeCall("persist", err)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPersist, err)
	}
	if b.deps.Indexer != nil {
		b.background("index", func(ctx context.Context) error {
			return b.deps.Indexer.IndexText(ctx, documentID, record.Text)
		})
	}
	return nil
}

func (b *Bridge) RecordSession(token string, entry SessionLogEntry) {
	b.background("audit", func(ctx context.Context) error {
		if err := b.deps.Audit.RecordSession(ctx, token, entry); err != nil {
			return fmt.Errorf("%w %s for session %s: %w", ErrAudit, entry.Action, entry.SessionID, err)
		}
		return nil
	})
}

func (b *Bridge) SavePresence(documentID, userID, token string, presence Presence) {
	if b.deps.Presence == nil {
		return
	}
	b.background("presence", func(ctx context.Context) error {
		if err := b.deps.Presence.SavePresence(ctx, documentID, userID, token, presence); err != nil {
			return fmt.Errorf("%w: %w", ErrPresence, err)
		}
		return nil
	})
}

func (b *Bridge) SessionEnded(token string, summary SessionSummary) {
	if b.deps.Sessions == nil {
		return
	}
	b.background("session_ended", func(ctx context.Context) error {
		return b.deps.Sessions.SessionEnded(ctx, token, summary)
	})
}

func (b *Bridge) Archive(documentID string, state []byte) {
	if b.deps.Archive == nil {
		return
	}
	b.background("archive", func(ctx context.Context) error {
		return b.deps.Archive.ArchiveState(ctx, documentID, state)
	})
}

// Wait blocks until background calls finish or ctx ends.
func (b *Bridge) Wait(ctx context.Context) error {
	b.mu.Lock()
	b.closing = true
	b.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bridge) background(call string, fn func(ctx context.Context) error) {
	b.mu.Lock()
	if b.closing {
		b.mu.Unlock()
		b.invoke(call, fn)
		return
	}
	b.wg.Add(1)
	b.mu.Unlock()
	go func() {
		defer b.wg.Done()
		b.invoke(call, fn)
	}()
}

func (b *Bridge) invoke(call string, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	err := fn(ctx)
	observeCall(call, err)
	if err != nil && !errors.Is(err, context.Canceled) {
		b.logger.Warn("background call failed", "call", call, "error", err)
	}
}
