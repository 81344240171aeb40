package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/jwebster45206/phase-engine/pkg/history"
	"github.com/jwebster45206/phase-engine/pkg/phase"
)

func historyKey(id string, p phase.Phase) string {
	return "history:" + id + ":" + string(p)
}

func (r *RedisStorage) LoadHistory(ctx context.Context, id string, p phase.Phase) (*history.History, error) {
	data, err := r.client.Get(ctx, historyKey(id, p)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		r.logger.Error("Failed to load history", "session_id", id, "phase", p, "error", err)
		return nil, fmt.Errorf("failed to load history: %w", err)
	}

	var h history.History
	if err := json.Unmarshal(data, &h); err != nil {
		r.logger.Error("Failed to unmarshal history", "session_id", id, "phase", p, "error", err)
		return nil, fmt.Errorf("failed to unmarshal history: %w", err)
	}
	return &h, nil
}

func (r *RedisStorage) SaveHistory(ctx context.Context, id string, p phase.Phase, h *history.History) error {
	if h == nil {
		return errors.New("history cannot be nil")
	}
	data, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("failed to marshal history: %w", err)
	}

	// refresh the session record TTL with the history so they expire together
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, historyKey(id, p), data, r.ttl)
	pipe.Expire(ctx, gameStateKey(id), r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Error("Failed to save history", "session_id", id, "phase", p, "error", err)
		return fmt.Errorf("failed to save history: %w", err)
	}
	return nil
}

func (r *RedisStorage) DeleteHistory(ctx context.Context, id string, p phase.Phase) error {
	if err := r.client.Del(ctx, historyKey(id, p)).Err(); err != nil {
		return fmt.Errorf("failed to delete history: %w", err)
	}
	return nil
}
