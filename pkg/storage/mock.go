package storage

import (
	"context"
	"errors"
	"sync"

	"github.com/jwebster45206/phase-engine/pkg/history"
	"github.com/jwebster45206/phase-engine/pkg/phase"
	"github.com/jwebster45206/phase-engine/pkg/state"
)

// MockStorage is a mock implementation of Storage for testing
type MockStorage struct {
	mu         sync.RWMutex
	gamestates map[string]*state.GameState
	histories  map[string]history.History
	pingError  error
	loadError  error
	saveError  error
	saves      int
}

// Ensure MockStorage implements Storage interface
var _ Storage = (*MockStorage)(nil)

// NewMockStorage creates a new mock storage
func NewMockStorage() *MockStorage {
	return &MockStorage{
		gamestates: make(map[string]*state.GameState),
		histories:  make(map[string]history.History),
	}
}

// SetPingError configures the mock to fail on ping with the given error
func (m *MockStorage) SetPingError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pingError = err
}

// SetLoadError makes every load fail with err. Pass nil to clear.
func (m *MockStorage) SetLoadError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadError = err
}

// SetSaveError makes every save fail with err. Pass nil to clear.
func (m *MockStorage) SetSaveError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveError = err
}

// HistorySaves returns how many times SaveHistory succeeded.
func (m *MockStorage) HistorySaves() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.saves
}

func (m *MockStorage) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pingError
}

func (m *MockStorage) Close() error {
	return nil
}

func (m *MockStorage) SaveGameState(ctx context.Context, id string, gs *state.GameState) error {
	if gs == nil {
		return errors.New("gamestate cannot be nil")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveError != nil {
		return m.saveError
	}
	c, err := gs.Clone()
	if err != nil {
		return err
	}
	m.gamestates[id] = c
	return nil
}

func (m *MockStorage) LoadGameState(ctx context.Context, id string) (*state.GameState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.loadError != nil {
		return nil, m.loadError
	}
	gs, ok := m.gamestates[id]
	if !ok {
		return nil, nil
	}
	return gs.Clone()
}

func (m *MockStorage) DeleteGameState(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.gamestates, id)
	return nil
}

func historyKey(id string, p phase.Phase) string {
	return id + ":" + string(p)
}

func (m *MockStorage) LoadHistory(ctx context.Context, id string, p phase.Phase) (*history.History, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.loadError != nil {
		return nil, m.loadError
	}
	h, ok := m.histories[historyKey(id, p)]
	if !ok {
		return nil, nil
	}
	c := h.Clone()
	return &c, nil
}

func (m *MockStorage) SaveHistory(ctx context.Context, id string, p phase.Phase, h *history.History) error {
	if h == nil {
		return errors.New("history cannot be nil")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveError != nil {
		return m.saveError
	}
	m.histories[historyKey(id, p)] = h.Clone()
	m.saves++
	return nil
}

func (m *MockStorage) DeleteHistory(ctx context.Context, id string, p phase.Phase) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.histories, historyKey(id, p))
	return nil
}
