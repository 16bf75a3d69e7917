package collab

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"chronicle/sync/internal/crdt"
	"chronicle/sync/internal/transport"
)

type Phase int

const (
	PhaseUnloaded Phase = iota
	PhaseLoading
	PhaseReady
	PhaseEvictable
)

func (p Phase) String() string {
	switch p {
	case PhaseLoading:
		return "loading"
	case PhaseReady:
		return "ready"
	case PhaseEvictable:
		return "evictable"
	default:
		return "unloaded"
	}
}

// ReplicaStatus is a point-in-time view of a replica.
type ReplicaStatus struct {
	DocumentID  string
	Phase       Phase
	Text        string
	Dirty       bool
	Version     uint64
	Subscribers int
}

type snapshot struct {
	dirty   bool
	version uint64
	token   string
	record  StateRecord
}

// Replica owns the CRDT state of one document. All state below the inbox is
// touched only by the actor goroutine; other goroutines submit closures.
type Replica struct {
	documentID string
	manager    *Manager
	bridge     *Bridge
	opts       Options
	limiter    *rate.Limiter
	logger     *slog.Logger

	inbox chan func()
	ready chan struct{}
	done  chan struct{}

	// serializes store writes so an older snapshot never lands after a newer one
	saveMu sync.Mutex

	phase       Phase
	stopped     bool
	doc         *crdt.Doc
	text        string
	subscribers []*Connection
	dirty       bool
	version     uint64
	lastEditor  Principal
	lastToken   string
	saving      bool
	evictGen    uint64
	evictTimer  *time.Timer
}

func newReplica(documentID string, m *Manager) *Replica {
	limit := rate.Inf
	if m.opts.PersistInterval > 0 {
		limit = rate.Every(m.opts.PersistInterval)
	}
	return &Replica{
		documentID: documentID,
		manager:    m,
		bridge:     m.bridge,
		opts:       m.opts,
		limiter:    rate.NewLimiter(limit, 1),
		logger:     m.logger.With("document_id", documentID),
		inbox:      make(chan func(), m.opts.InboxSize),
		ready:      make(chan struct{}),
		done:       make(chan struct{}),
		phase:      PhaseLoading,
		doc:        crdt.NewDoc(),
	}
}

func (r *Replica) DocumentID() string {
	return r.documentID
}

func (r *Replica) start(token string) {
	go r.run()
	go r.load(token)
}

func (r *Replica) run() {
	defer close(r.done)
	for !r.stopped {
		fn := <-r.inbox
		fn()
	}
}

// do queues fn on the actor. It reports false once the actor has stopped.
func (r *Replica) do(fn func()) bool {
	select {
	case r.inbox <- fn:
		return true
	case <-r.done:
		return false
	}
}

// call runs fn on the actor and waits for it to finish.
func (r *Replica) call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !r.do(func() { fn(); close(finished) }) {
		return ErrReplicaClosed
	}
	select {
	case <-finished:
		return nil
	case <-r.done:
		select {
		case <-finished:
			return nil
		default:
			return ErrReplicaClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// load runs off the actor. A failed fetch degrades to an empty document so
// that admission never depends on the store being up.
func (r *Replica) load(token string) {
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.FetchTimeout)
	defer cancel()
	doc, err := r.bridge.Load(ctx, r.documentID, token)
	if err != nil {
		r.logger.Warn("document fetch failed, starting from empty state", "error", err)
		doc = crdt.NewDoc()
	}
	r.do(func() { r.loaded(doc) })
}

func (r *Replica) loaded(doc *crdt.Doc) {
	if _, err := r.doc.Merge(doc); err != nil {
		r.logger.Warn("stored state did not merge", "error", err)
	}
	r.text = r.doc.Text()
	r.phase = PhaseReady
	close(r.ready)
	r.logger.Debug("replica ready", "stats", r.doc.Stats())
	if len(r.subscribers) == 0 {
		r.becomeEvictable()
	}
}

// WaitReady blocks until the initial load has finished.
func (r *Replica) WaitReady(ctx context.Context) error {
	select {
	case <-r.ready:
		return nil
	case <-r.done:
		return ErrReplicaClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// join binds conn to the replica. The new connection is sent the active-users
// list and the current state before anyone else can send it a frame, and
// existing peers hear user-joined before any edit from conn.
func (r *Replica) join(conn *Connection) ([]Principal, error) {
	var peers []Principal
	err := r.call(context.Background(), func() {
		r.manager.release(r)
		r.cancelEviction()
		r.phase = PhaseReady

		peers = r.principals("")
		r.subscribers = append(r.subscribers, conn)
		conn.send(transport.Text(activeUsersFrame(peers)))
		if state := r.doc.Update(); len(state.Runs) > 0 {
			conn.send(transport.Binary(state.Encode()))
		}
		r.broadcast(conn, transport.Text(membershipFrame(TypeUserJoined, conn.Principal)))
	})
	if err != nil {
		r.manager.release(r)
	}
	return peers, err
}

// abandon gives up a claim taken by Manager.Acquire without joining.
func (r *Replica) abandon() {
	r.manager.release(r)
	r.do(func() {
		if len(r.subscribers) == 0 && r.phase == PhaseEvictable {
			r.becomeEvictable()
		}
	})
}

func (r *Replica) leave(conn *Connection) {
	r.do(func() {
		idx := r.indexOf(conn)
		if idx < 0 {
			return
		}
		r.subscribers = append(r.subscribers[:idx], r.subscribers[idx+1:]...)
		r.broadcast(nil, transport.Text(membershipFrame(TypeUserLeft, conn.Principal)))
		if len(r.subscribers) == 0 && r.phase == PhaseReady {
			r.becomeEvictable()
		}
	})
}

// Edit merges an edit-protocol frame and relays it verbatim to every other
// subscriber. Frames that do not decode are still relayed. Updates that
// author text under another principal's node id, or that conflict with a
// known version of an id, are dropped.
func (r *Replica) Edit(conn *Connection, frame transport.Frame) {
	conn.updates.Add(1)
	r.do(func() {
		if r.indexOf(conn) < 0 {
			return
		}
		if r.opts.EnforceWrite && !conn.Access.Write {
			editFramesTotal.WithLabelValues("readonly").Inc()
			return
		}
		update, err := crdt.DecodeUpdate(frame.Data)
		if err != nil {
			editFramesTotal.WithLabelValues("noise").Inc()
			r.logger.Debug("relaying frame without merge", "connection_id", conn.ID, "error", err)
			r.broadcast(conn, frame)
			return
		}
		changed := false
		if err = r.doc.CheckAuthor(update, conn.OwnsNode); err == nil {
			changed, err = r.doc.Apply(update)
		}
		switch {
		case err != nil:
			editFramesTotal.WithLabelValues("rejected").Inc()
			r.logger.Warn("dropping edit", "connection_id", conn.ID, "user_id", conn.Principal.UserID, "error", err)
			return
		case changed:
			editFramesTotal.WithLabelValues("merged").Inc()
			r.text = r.doc.Text()
			r.markDirty(conn)
		default:
			editFramesTotal.WithLabelValues("duplicate").Inc()
		}
		r.broadcast(conn, frame)
	})
}

// relay forwards a frame to every subscriber except the sender.
func (r *Replica) relay(from *Connection, frame transport.Frame) {
	r.do(func() {
		if r.indexOf(from) < 0 {
			return
		}
		r.broadcast(from, frame)
	})
}

func (r *Replica) peers(ctx context.Context, excludingConnID string) ([]Principal, error) {
	var peers []Principal
	err := r.call(ctx, func() { peers = r.principals(excludingConnID) })
	return peers, err
}

func (r *Replica) Status(ctx context.Context) (ReplicaStatus, error) {
	var status ReplicaStatus
	err := r.call(ctx, func() {
		status = ReplicaStatus{
			DocumentID:  r.documentID,
			Phase:       r.phase,
			Text:        r.text,
			Dirty:       r.dirty,
			Version:     r.version,
			Subscribers: len(r.subscribers),
		}
	})
	return status, err
}

func (r *Replica) principals(excludingConnID string) []Principal {
	out := make([]Principal, 0, len(r.subscribers))
	for _, sub := range r.subscribers {
		if sub.ID != excludingConnID {
			out = append(out, sub.Principal)
		}
	}
	return out
}

func (r *Replica) broadcast(except *Connection, frame transport.Frame) {
	for _, sub := range r.subscribers {
		if sub != except {
			sub.send(frame)
		}
	}
}

func (r *Replica) indexOf(conn *Connection) int {
	for i, sub := range r.subscribers {
		if sub == conn {
			return i
		}
	}
	return -1
}

func (r *Replica) markDirty(conn *Connection) {
	r.dirty = true
	r.version++
	r.lastEditor = conn.Principal
	r.lastToken = conn.Token
	r.schedulePersist()
}

// schedulePersist starts a save unless one is already running. A save that
// finishes while the replica is dirty again schedules the next one, so
// bursts of edits collapse into one write per limiter tick.
func (r *Replica) schedulePersist() {
	if r.saving || !r.dirty || r.stopped {
		return
	}
	r.saving = true
	go r.saveLater()
}

func (r *Replica) saveLater() {
	_ = r.limiter.Wait(r.manager.ctx)
	err := r.persist(context.Background())
	if err != nil && !errors.Is(err, ErrReplicaClosed) {
		r.logger.Warn("persist failed, will retry on next edit", "error", err)
	}
	r.do(func() {
		r.saving = false
		if err == nil {
			r.schedulePersist()
		}
	})
}

// persist writes the current state if it has unsaved mutations. Dirty is
// cleared only when nothing changed while the write was in flight.
func (r *Replica) persist(ctx context.Context) error {
	r.saveMu.Lock()
	defer r.saveMu.Unlock()

	var snap snapshot
	if err := r.call(ctx, func() { snap = r.snapshot() }); err != nil {
		return err
	}
	if !snap.dirty {
		return nil
	}
	callCtx, cancel := context.WithTimeout(ctx, r.bridge.timeout)
	defer cancel()
	if err := r.bridge.Persist(callCtx, r.documentID, snap.token, snap.record); err != nil {
		return err
	}
	return r.call(ctx, func() {
		if r.version == snap.version {
			r.dirty = false
		}
	})
}

func (r *Replica) snapshot() snapshot {
	if !r.dirty {
		return snapshot{}
	}
	return snapshot{
		dirty:   true,
		version: r.version,
		token:   r.lastToken,
		record: StateRecord{
			Text:       r.text,
			State:      r.bridge.Encode(r.doc),
			LastEditor: r.lastEditor,
		},
	}
}

// Flush persists unsaved state, retrying a bounded number of times.
func (r *Replica) Flush(ctx context.Context) error {
	var err error
	for attempt := 0; attempt < r.opts.FlushAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(flushBackoff(attempt)):
			case <-ctx.Done():
				return errors.Join(err, ctx.Err())
			}
		}
		if err = r.persist(ctx); err == nil || errors.Is(err, ErrReplicaClosed) {
			return err
		}
	}
	return err
}

func flushBackoff(attempt int) time.Duration {
	return time.Duration(attempt) * 200 * time.Millisecond
}

func (r *Replica) becomeEvictable() {
	r.phase = PhaseEvictable
	// shutting down: FlushAll owns the final save
	if r.manager.ctx.Err() != nil {
		return
	}
	r.evictGen++
	gen := r.evictGen
	if r.opts.EvictionGrace <= 0 {
		go r.evict(gen)
		return
	}
	r.evictTimer = time.AfterFunc(r.opts.EvictionGrace, func() { r.evict(gen) })
}

func (r *Replica) cancelEviction() {
	r.evictGen++
	if r.evictTimer != nil {
		r.evictTimer.Stop()
		r.evictTimer = nil
	}
}

// haltEviction cancels a scheduled or in-flight eviction. An evict that
// already passed its generation check finds a newer generation at unload and
// leaves the replica loaded.
func (r *Replica) haltEviction(ctx context.Context) {
	_ = r.call(ctx, r.cancelEviction)
}

// evict flushes an idle replica and unloads it, unless a client rejoined in
// the meantime.
func (r *Replica) evict(gen uint64) {
	var current bool
	if err := r.call(context.Background(), func() {
		current = r.evictGen == gen && r.phase == PhaseEvictable
	}); err != nil || !current {
		return
	}
	err := r.Flush(context.Background())
	if errors.Is(err, ErrReplicaClosed) {
		return
	}
	r.do(func() { r.unload(gen, err) })
}

func (r *Replica) unload(gen uint64, flushErr error) {
	if r.evictGen != gen || r.phase != PhaseEvictable || len(r.subscribers) > 0 {
		return
	}
	// a connection between Acquire and join keeps the replica alive
	if !r.manager.forget(r) {
		return
	}
	r.phase = PhaseUnloaded
	r.stopped = true
	r.cancelEviction()
	loadedReplicas.Dec()

	clean := !r.dirty
	if flushErr != nil || !clean {
		r.logger.Error("unloading replica with unsaved edits", "error", flushErr, "version", r.version)
	} else {
		r.logger.Info("replica unloaded")
	}
	evictionsTotal.WithLabelValues(boolLabel(clean)).Inc()
	r.bridge.Archive(r.documentID, r.bridge.Encode(r.doc))
}

func boolLabel(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
