package collab

import (
	"strings"
	"sync"
	"sync/atomic"

	"chronicle/sync/internal/rbac"
	"chronicle/sync/internal/transport"
)

type Principal struct {
	UserID      string
	DisplayName string
	Role        string
}

// Transport is the outbound half of a client socket.
type Transport interface {
	Send(frame transport.Frame) bool
	Close(reason error)
}

// Connection is one admitted client bound to a single document. Identity
// fields never change after admission.
type Connection struct {
	ID         string
	SessionID  string
	DocumentID string
	Principal  Principal
	Access     rbac.Access
	// Token is the client's bearer credential, forwarded to collaborators.
	Token string

	transport Transport
	replica   *Replica

	mu       sync.Mutex
	presence *Presence

	updates  atomic.Int64
	admitted atomic.Bool
	removed  atomic.Bool
}

func NewConnection(id, sessionID string, admission Admission, t Transport) *Connection {
	return &Connection{
		ID:         id,
		SessionID:  sessionID,
		DocumentID: admission.DocumentID,
		Principal:  admission.Principal,
		Access:     admission.Access,
		Token:      admission.Token,
		transport:  t,
	}
}

// Presence returns the last reported cursor state, or nil before the first
// cursor-update.
func (c *Connection) Presence() *Presence {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.presence == nil {
		return nil
	}
	copied := *c.presence
	return &copied
}

func (c *Connection) setPresence(p Presence) {
	c.mu.Lock()
	c.presence = &p
	c.mu.Unlock()
}

// OwnsNode reports whether the connection may author text under a CRDT
// node id: the principal's user id, alone or followed by ":" and a
// client-chosen suffix such as a tab id.
func (c *Connection) OwnsNode(node string) bool {
	id := c.Principal.UserID
	return id != "" && (node == id || strings.HasPrefix(node, id+":"))
}

// UpdateCount is the number of edit frames received from this connection.
func (c *Connection) UpdateCount() int64 {
	return c.updates.Load()
}

func (c *Connection) send(frame transport.Frame) bool {
	return c.transport.Send(frame)
}

func (c *Connection) close(reason error) {
	c.transport.Close(reason)
}
