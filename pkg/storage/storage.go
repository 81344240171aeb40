package storage

import (
	"context"

	"github.com/jwebster45206/phase-engine/pkg/history"
	"github.com/jwebster45206/phase-engine/pkg/phase"
	"github.com/jwebster45206/phase-engine/pkg/state"
)

// Storage defines a unified interface for session persistence: the session
// record (world state and current phase) and one history per phase.
// Loads return (nil, nil) when the key does not exist.
type Storage interface {
	// Health and lifecycle
	Ping(ctx context.Context) error
	Close() error

	// GameState operations
	SaveGameState(ctx context.Context, id string, gs *state.GameState) error
	LoadGameState(ctx context.Context, id string) (*state.GameState, error)
	DeleteGameState(ctx context.Context, id string) error

	// Phase history operations
	LoadHistory(ctx context.Context, id string, p phase.Phase) (*history.History, error)
	SaveHistory(ctx context.Context, id string, p phase.Phase, h *history.History) error
	DeleteHistory(ctx context.Context, id string, p phase.Phase) error
}

// Storage is a valid history backend.
var _ history.Backend = (Storage)(nil)
