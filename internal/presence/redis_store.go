// Package presence stores each user's last cursor per document in Redis so
// that it survives reconnects and is visible to other gateway processes.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"chronicle/sync/internal/collab"
)

var ErrNotFound = errors.New("presence not found")

// Record is the stored form of one user's presence on a document.
type Record struct {
	CursorPosition int                    `json:"cursor_position"`
	SelectionRange *collab.SelectionRange `json:"selection_range,omitempty"`
	UpdatedAt      time.Time              `json:"updated_at"`
}

// RedisStore keeps one hash per document, keyed by user id. The hash expires
// once no one has reported presence on the document for the TTL.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisStore(redisURL string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisStoreWithClient(client, ttl), nil
}

func NewRedisStoreWithClient(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStore{
		client: client,
		prefix: "sync:presence:",
		ttl:    ttl,
	}
}

func (s *RedisStore) key(documentID string) string {
	return s.prefix + documentID
}

// SavePresence implements collab.PresenceDirectory.
func (s *RedisStore) SavePresence(ctx context.Context, documentID, userID, _ string, p collab.Presence) error {
	payload, err := json.Marshal(Record{
		CursorPosition: p.CursorPosition,
		SelectionRange: p.SelectionRange,
		UpdatedAt:      time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal presence: %w", err)
	}

	key := s.key(documentID)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, userID, payload)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save presence: %w", err)
	}
	return nil
}

func (s *RedisStore) Lookup(ctx context.Context, documentID, userID string) (Record, error) {
	raw, err := s.client.HGet(ctx, s.key(documentID), userID).Result()
	if errors.Is(err, redis.Nil) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("lookup presence: %w", err)
	}
	var record Record
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return Record{}, fmt.Errorf("unmarshal presence: %w", err)
	}
	return record, nil
}

// List returns every stored presence for a document keyed by user id.
// Entries that fail to decode are skipped.
func (s *RedisStore) List(ctx context.Context, documentID string) (map[string]Record, error) {
	raw, err := s.client.HGetAll(ctx, s.key(documentID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list presence: %w", err)
	}
	out := make(map[string]Record, len(raw))
	for userID, value := range raw {
		var record Record
		if err := json.Unmarshal([]byte(value), &record); err != nil {
			continue
		}
		out[userID] = record
	}
	return out, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
