package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"chronicle/sync/internal/collab"
)

// PostgresStore keeps replica state and the session log in the gateway's own
// tables. It serves deployments that run without the chronicle API's internal
// sync endpoints.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) FetchState(ctx context.Context, documentID, _ string) ([]byte, bool, error) {
	var state []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT state FROM sync_document_state WHERE document_id = $1
	`, documentID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("fetch state %s: %w", documentID, err)
	}
	return state, true, nil
}

func (s *PostgresStore) PersistState(ctx context.Context, documentID, _ string, record collab.StateRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_document_state (document_id, state, derived_text, last_editor_id, last_editor_name)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (document_id) DO UPDATE SET
			state = EXCLUDED.state,
			derived_text = EXCLUDED.derived_text,
			last_editor_id = EXCLUDED.last_editor_id,
			last_editor_name = EXCLUDED.last_editor_name,
			revision = sync_document_state.revision + 1,
			updated_at = NOW()
	`, documentID, record.State, record.Text, record.LastEditor.UserID, record.LastEditor.DisplayName)
	if err != nil {
		return fmt.Errorf("persist state %s: %w", documentID, err)
	}
	return nil
}

func (s *PostgresStore) RecordSession(ctx context.Context, _ string, entry collab.SessionLogEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_session_log (document_id, user_id, session_id, connection_id, action, update_count, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (connection_id, action) DO NOTHING
	`, entry.DocumentID, entry.UserID, entry.SessionID, entry.ConnectionID, string(entry.Action), entry.UpdateCount, entry.Timestamp)
	if err != nil {
		return fmt.Errorf("record %s for session %s: %w", entry.Action, entry.SessionID, err)
	}
	return nil
}
