// Package memorystore holds the long-term memory backends.
package memorystore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jwebster45206/phase-engine/pkg/chat"
	"github.com/jwebster45206/phase-engine/pkg/memory"
)

// Redis keeps facts in one hash per session (memory:facts:<session>, field
// = fact key) and archives as JSON strings under memory:<archive key>.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

var _ memory.Store = (*Redis)(nil)

// NewRedis wraps a client. A zero ttl keeps entries forever.
func NewRedis(client *redis.Client, ttl time.Duration, logger *slog.Logger) *Redis {
	return &Redis{client: client, ttl: ttl, logger: logger}
}

func factsKey(sessionID string) string {
	return "memory:facts:" + sessionID
}

func archiveKey(key memory.ArchiveKey) string {
	return "memory:" + string(key)
}

func (r *Redis) Search(ctx context.Context, query string, filter memory.Filter) ([]memory.Fact, error) {
	if filter.SessionID == "" {
		return nil, errors.New("search requires a session id")
	}
	values, err := r.client.HVals(ctx, factsKey(filter.SessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load facts: %w", err)
	}
	facts := make([]memory.Fact, 0, len(values))
	for _, v := range values {
		var f memory.Fact
		if err := json.Unmarshal([]byte(v), &f); err != nil {
			r.logger.Warn("Skipping unreadable fact", "session_id", filter.SessionID, "error", err)
			continue
		}
		facts = append(facts, f)
	}
	return memory.Rank(query, filter, facts), nil
}

func (r *Redis) Remember(ctx context.Context, fact memory.Fact) error {
	if err := fact.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(fact)
	if err != nil {
		return fmt.Errorf("failed to marshal fact: %w", err)
	}
	key := factsKey(fact.SessionID)
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, key, fact.Key, data)
	if r.ttl > 0 {
		pipe.Expire(ctx, key, r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save fact: %w", err)
	}
	return nil
}

func (r *Redis) Archive(ctx context.Context, key memory.ArchiveKey, turns []chat.Turn) error {
	if _, err := key.SessionID(); err != nil {
		return err
	}
	data, err := json.Marshal(turns)
	if err != nil {
		return fmt.Errorf("failed to marshal archive: %w", err)
	}
	if err := r.client.Set(ctx, archiveKey(key), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save archive: %w", err)
	}
	return nil
}

func (r *Redis) Retrieve(ctx context.Context, key memory.ArchiveKey) ([]chat.Turn, error) {
	data, err := r.client.Get(ctx, archiveKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load archive: %w", err)
	}
	var turns []chat.Turn
	if err := json.Unmarshal(data, &turns); err != nil {
		return nil, fmt.Errorf("failed to unmarshal archive: %w", err)
	}
	return turns, nil
}
