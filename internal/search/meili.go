// Package search keeps a Meilisearch index of each document's live text, so
// content typed in a collaborative session is searchable before the API
// commits a new version.
package search

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const idxSyncText = "chronicle_sync_text"

var ErrUnavailable = errors.New("meilisearch unavailable")

// TextRecord is one indexed document. ID is an encoded form of DocumentID
// because Meilisearch restricts primary key characters.
type TextRecord struct {
	ID         string `json:"id"`
	DocumentID string `json:"documentId"`
	Text       string `json:"text"`
	UpdatedAt  int64  `json:"updatedAt"`
}

// Meili implements collab.TextIndexer.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
	logger  *slog.Logger
}

// NewMeili connects and configures the index. An unreachable server is not an
// error: indexing is skipped until the health loop sees it recover.
func NewMeili(url, apiKey string, logger *slog.Logger) *Meili {
	m := &Meili{
		client: meili.New(url, meili.WithAPIKey(apiKey)),
		done:   make(chan struct{}),
		logger: logger.With("component", "search"),
	}

	if _, err := m.client.Health(); err != nil {
		m.logger.Warn("meilisearch unavailable", "url", url, "error", err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop(10 * time.Second)
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxSyncText,
		PrimaryKey: "id",
	}); err != nil {
		m.logger.Debug("create index (may already exist)", "index", idxSyncText, "error", err)
	}

	index := m.client.Index(idxSyncText)
	filterable := []interface{}{"documentId"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		m.logger.Warn("update filterable attributes", "index", idxSyncText, "error", err)
	}
	searchable := []string{"text"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.logger.Warn("update searchable attributes", "index", idxSyncText, "error", err)
	}
}

func (m *Meili) healthLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.logger.Info("meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

func (m *Meili) Close() {
	close(m.done)
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// IndexText replaces the indexed text of a document.
func (m *Meili) IndexText(ctx context.Context, documentID, text string) error {
	if !m.healthy.Load() {
		return ErrUnavailable
	}
	record := TextRecord{
		ID:         base64.RawURLEncoding.EncodeToString([]byte(documentID)),
		DocumentID: documentID,
		Text:       text,
		UpdatedAt:  time.Now().Unix(),
	}
	if _, err := m.client.Index(idxSyncText).AddDocumentsWithContext(ctx, []TextRecord{record}, nil); err != nil {
		m.healthy.Store(false)
		return err
	}
	return nil
}
