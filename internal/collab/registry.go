package collab

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"chronicle/sync/internal/transport"
)

// Registry tracks every admitted connection. It is created at process start
// and drained by Shutdown.
type Registry struct {
	manager      *Manager
	bridge       *Bridge
	presence     *PresenceBroadcaster
	readyTimeout time.Duration
	logger       *slog.Logger

	mu      sync.Mutex
	conns   map[string]*Connection
	closing bool
	live    sync.WaitGroup
}

func NewRegistry(manager *Manager, bridge *Bridge, presence *PresenceBroadcaster, logger *slog.Logger) *Registry {
	return &Registry{
		manager:      manager,
		bridge:       bridge,
		presence:     presence,
		readyTimeout: manager.opts.FetchTimeout + time.Second,
		logger:       logger.With("component", "registry"),
		conns:        map[string]*Connection{},
	}
}

// Admit binds conn to its document's replica and returns the principals of
// the peers already connected. Before Admit returns, conn has been queued the
// active-users list and the peers have been queued user-joined.
func (g *Registry) Admit(ctx context.Context, conn *Connection) ([]Principal, error) {
	if g.isClosing() {
		return nil, errShuttingDown
	}
	waitCtx, cancel := context.WithTimeout(ctx, g.readyTimeout)
	defer cancel()

	var (
		replica *Replica
		peers   []Principal
		err     error
	)
	for attempt := 0; attempt < 3; attempt++ {
		replica = g.manager.Acquire(conn.DocumentID, conn.Token)
		if err = replica.WaitReady(waitCtx); err != nil {
			replica.abandon()
			if errors.Is(err, ErrReplicaClosed) {
				continue
			}
			break
		}
		peers, err = replica.join(conn)
		if !errors.Is(err, ErrReplicaClosed) {
			break
		}
	}
	if err != nil {
		g.logger.Warn("admission failed", "document_id", conn.DocumentID, "connection_id", conn.ID, "error", err)
		admissionsTotal.WithLabelValues("unavailable").Inc()
		return nil, errNotReady
	}
	conn.replica = replica

	g.mu.Lock()
	if g.closing {
		g.mu.Unlock()
		replica.leave(conn)
		return nil, errShuttingDown
	}
	g.conns[conn.ID] = conn
	g.live.Add(1)
	conn.admitted.Store(true)
	g.mu.Unlock()

	activeConnections.Inc()
	admissionsTotal.WithLabelValues("admitted").Inc()
	g.bridge.RecordSession(conn.Token, sessionEntry(conn, ActionConnect))
	g.logger.Info("connection admitted",
		"document_id", conn.DocumentID,
		"connection_id", conn.ID,
		"session_id", conn.SessionID,
		"user_id", conn.Principal.UserID,
		"peers", len(peers),
	)
	return peers, nil
}

// HandleFrame routes one inbound frame. Well-formed cursor-update envelopes
// go to presence; everything else is edit protocol.
func (g *Registry) HandleFrame(conn *Connection, frame transport.Frame) {
	if !conn.admitted.Load() || conn.removed.Load() {
		return
	}
	if !frame.Binary {
		if presence, ok := parsePresence(frame.Data); ok {
			g.presence.Handle(conn, presence)
			return
		}
	}
	conn.replica.Edit(conn, frame)
}

// Remove unbinds conn after its transport closed. It is safe to call more
// than once; only the first call has effect.
func (g *Registry) Remove(conn *Connection) {
	if !conn.admitted.Load() || !conn.removed.CompareAndSwap(false, true) {
		return
	}
	conn.replica.leave(conn)

	g.mu.Lock()
	delete(g.conns, conn.ID)
	g.mu.Unlock()

	activeConnections.Dec()
	g.bridge.RecordSession(conn.Token, sessionEntry(conn, ActionDisconnect))
	g.bridge.SessionEnded(conn.Token, SessionSummary{
		SessionID:   conn.SessionID,
		DocumentID:  conn.DocumentID,
		Actor:       conn.Principal.DisplayName,
		UpdateCount: conn.UpdateCount(),
	})
	g.logger.Info("connection removed",
		"document_id", conn.DocumentID,
		"connection_id", conn.ID,
		"session_id", conn.SessionID,
		"updates", conn.UpdateCount(),
	)
	g.live.Done()
}

// ActivePeers lists the principals bound to documentID, minus the given
// connection.
func (g *Registry) ActivePeers(ctx context.Context, documentID, excludingConnID string) []Principal {
	replica, ok := g.manager.Lookup(documentID)
	if !ok {
		return nil
	}
	peers, err := replica.peers(ctx, excludingConnID)
	if err != nil {
		return nil
	}
	return peers
}

func (g *Registry) Count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

// Shutdown refuses new admissions, closes every connection, waits for each
// to run Remove, then flushes replicas and waits for background calls.
func (g *Registry) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.closing = true
	conns := make([]*Connection, 0, len(g.conns))
	for _, conn := range g.conns {
		conns = append(conns, conn)
	}
	g.mu.Unlock()

	g.logger.Info("draining connections", "count", len(conns))
	for _, conn := range conns {
		conn.close(transport.ErrShuttingDown)
	}

	drained := make(chan struct{})
	go func() {
		g.live.Wait()
		close(drained)
	}()
	var errs []error
	select {
	case <-drained:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	if err := g.manager.FlushAll(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := g.bridge.Wait(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (g *Registry) isClosing() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closing
}

func sessionEntry(conn *Connection, action SessionAction) SessionLogEntry {
	return SessionLogEntry{
		DocumentID:   conn.DocumentID,
		UserID:       conn.Principal.UserID,
		SessionID:    conn.SessionID,
		ConnectionID: conn.ID,
		Action:       action,
		Timestamp:    time.Now().UTC(),
		UpdateCount:  conn.UpdateCount(),
	}
}
