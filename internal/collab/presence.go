package collab

import (
	"log/slog"

	"chronicle/sync/internal/transport"
)

// PresenceBroadcaster handles cursor-update envelopes.
type PresenceBroadcaster struct {
	bridge *Bridge
	logger *slog.Logger
}

func NewPresenceBroadcaster(bridge *Bridge, logger *slog.Logger) *PresenceBroadcaster {
	return &PresenceBroadcaster{bridge: bridge, logger: logger.With("component", "presence")}
}

// Handle records the sender's cursor, relays it to the other connections on
// the document and saves it to the presence directory in the background.
func (p *PresenceBroadcaster) Handle(conn *Connection, presence Presence) {
	p.bridge.SavePresence(conn.DocumentID, conn.Principal.UserID, conn.Token, presence)
	conn.setPresence(presence)
	conn.replica.relay(conn, transport.Text(cursorFrame(conn.Principal, presence)))
	presenceUpdatesTotal.Inc()
	p.logger.Debug("cursor relayed", "document_id", conn.DocumentID, "connection_id", conn.ID, "cursor", presence.CursorPosition)
}
