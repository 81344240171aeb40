package history

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jwebster45206/phase-engine/pkg/chat"
	"github.com/jwebster45206/phase-engine/pkg/phase"
)

// Backend persists one history per (session, phase). LoadHistory returns
// (nil, nil) when nothing has been stored yet.
type Backend interface {
	LoadHistory(ctx context.Context, sessionID string, p phase.Phase) (*History, error)
	SaveHistory(ctx context.Context, sessionID string, p phase.Phase, h *History) error
}

// Store is the only writer of phase histories. Callers serialise access
// per session; the store itself does no locking.
type Store struct {
	backend Backend
	limits  Limits
	logger  *slog.Logger
}

func NewStore(backend Backend, limits Limits, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{backend: backend, limits: limits, logger: logger}
}

func (s *Store) Limits() Limits {
	return s.limits
}

// Snapshot returns a copy of the stored history, empty if none exists.
func (s *Store) Snapshot(ctx context.Context, sessionID string, p phase.Phase) (History, error) {
	h, err := s.backend.LoadHistory(ctx, sessionID, p)
	if err != nil {
		return History{}, fmt.Errorf("failed to load history: %w", err)
	}
	if h == nil {
		return History{}, nil
	}
	return h.Clone(), nil
}

// Append adds turns to the stored history in one write.
func (s *Store) Append(ctx context.Context, sessionID string, p phase.Phase, turns ...chat.Turn) error {
	if len(turns) == 0 {
		return nil
	}
	h, err := s.Snapshot(ctx, sessionID, p)
	if err != nil {
		return err
	}
	next, err := h.Append(turns...)
	if err != nil {
		return err
	}
	if err := s.backend.SaveHistory(ctx, sessionID, p, &next); err != nil {
		return fmt.Errorf("failed to save history: %w", err)
	}
	return nil
}

// Repair removes dangling tool-results from the stored history. The bool
// reports whether anything changed; an unchanged history is not rewritten.
func (s *Store) Repair(ctx context.Context, sessionID string, p phase.Phase) (History, bool, error) {
	h, err := s.Snapshot(ctx, sessionID, p)
	if err != nil {
		return History{}, false, err
	}
	repaired := Repair(h.Turns)
	if len(repaired) == len(h.Turns) {
		return h, false, nil
	}
	out := History{Turns: repaired, Compactions: h.Compactions}
	if err := s.backend.SaveHistory(ctx, sessionID, p, &out); err != nil {
		return h, false, fmt.Errorf("failed to save repaired history: %w", err)
	}
	s.logger.Info("Repaired phase history",
		"session_id", sessionID,
		"phase", p,
		"dropped", len(h.Turns)-len(repaired))
	return out, true, nil
}

// Rewrite replaces the stored history wholesale. It rejects a history whose
// turn order or tool sequencing is broken.
func (s *Store) Rewrite(ctx context.Context, sessionID string, p phase.Phase, h History) error {
	if h.Len() > 0 && h.Turns[0].Role != chat.RoleSystem {
		return fmt.Errorf("%w: first turn must be system", ErrSystemTurnOrder)
	}
	if err := ValidateToolSequence(h.Turns); err != nil {
		return fmt.Errorf("%w: %v", ErrInvariant, err)
	}
	out := h.Clone()
	if err := s.backend.SaveHistory(ctx, sessionID, p, &out); err != nil {
		return fmt.Errorf("failed to save history: %w", err)
	}
	return nil
}

func (s *Store) NeedsCompaction(h History) bool {
	return s.limits.NeedsCompaction(h)
}
