package collab

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

type Options struct {
	// PersistInterval is the minimum spacing between store writes for one
	// document.
	PersistInterval time.Duration
	// EvictionGrace is how long an idle replica stays loaded for reconnects.
	EvictionGrace time.Duration
	// FetchTimeout bounds the initial load and therefore admission.
	FetchTimeout time.Duration
	// FlushAttempts bounds retries when flushing before unload or shutdown.
	FlushAttempts int
	// EnforceWrite drops edit frames from connections without write access.
	EnforceWrite bool
	InboxSize    int
}

func (o Options) withDefaults() Options {
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = 5 * time.Second
	}
	if o.FlushAttempts <= 0 {
		o.FlushAttempts = 3
	}
	if o.InboxSize <= 0 {
		o.InboxSize = 64
	}
	return o
}

// Manager holds at most one replica per document id.
type Manager struct {
	bridge *Bridge
	opts   Options
	logger *slog.Logger

	// cancelled on shutdown to release throttled saves
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	replicas map[string]*Replica
	// claims taken by Acquire and not yet resolved by join or abandon
	pending map[*Replica]int
}

func NewManager(bridge *Bridge, opts Options, logger *slog.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		bridge:   bridge,
		opts:     opts.withDefaults(),
		logger:   logger.With("component", "replicas"),
		ctx:      ctx,
		cancel:   cancel,
		replicas: map[string]*Replica{},
		pending:  map[*Replica]int{},
	}
}

// Acquire returns the replica for documentID, creating and loading it if
// needed. The caller must follow up with join or abandon; until then the
// replica will not unload.
func (m *Manager) Acquire(documentID, token string) *Replica {
	m.mu.Lock()
	defer m.mu.Unlock()
	replica, ok := m.replicas[documentID]
	if !ok {
		replica = newReplica(documentID, m)
		m.replicas[documentID] = replica
		loadedReplicas.Inc()
		replica.start(token)
	}
	m.pending[replica]++
	return replica
}

func (m *Manager) Lookup(documentID string) (*Replica, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	replica, ok := m.replicas[documentID]
	return replica, ok
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.replicas)
}

func (m *Manager) release(r *Replica) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending[r] <= 1 {
		delete(m.pending, r)
		return
	}
	m.pending[r]--
}

// forget drops r from the index unless a connection is about to join it.
func (m *Manager) forget(r *Replica) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending[r] > 0 {
		return false
	}
	if m.replicas[r.documentID] == r {
		delete(m.replicas, r.documentID)
	}
	return true
}

// FlushAll persists every loaded replica. Used on shutdown after the
// connections have drained. Pending evictions are cancelled first so no
// replica unloads behind the final flush.
func (m *Manager) FlushAll(ctx context.Context) error {
	m.cancel()

	m.mu.Lock()
	replicas := make([]*Replica, 0, len(m.replicas))
	for _, replica := range m.replicas {
		replicas = append(replicas, replica)
	}
	m.mu.Unlock()

	var (
		errMu sync.Mutex
		errs  []error
	)
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(8)
	for _, replica := range replicas {
		replica := replica
		group.Go(func() error {
			replica.haltEviction(groupCtx)
			if err := replica.Flush(groupCtx); err != nil && !errors.Is(err, ErrReplicaClosed) {
				m.logger.Error("final flush failed", "document_id", replica.documentID, "error", err)
				errMu.Lock()
				errs = append(errs, err)
				errMu.Unlock()
			}
			return nil
		})
	}
	_ = group.Wait()
	return errors.Join(errs...)
}
