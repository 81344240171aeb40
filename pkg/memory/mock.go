package memory

import (
	"context"
	"sync"

	"github.com/jwebster45206/phase-engine/pkg/chat"
)

// MockStore is an in-memory Store for tests. Errors set on it are returned
// from the matching operation.
type MockStore struct {
	mu          sync.RWMutex
	facts       map[string]Fact
	archives    map[ArchiveKey][]chat.Turn
	SearchErr   error
	ArchiveErr  error
	RememberErr error
}

var _ Store = (*MockStore)(nil)

func NewMockStore() *MockStore {
	return &MockStore{
		facts:    make(map[string]Fact),
		archives: make(map[ArchiveKey][]chat.Turn),
	}
}

func (m *MockStore) Search(ctx context.Context, query string, filter Filter) ([]Fact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.SearchErr != nil {
		return nil, m.SearchErr
	}
	all := make([]Fact, 0, len(m.facts))
	for _, f := range m.facts {
		all = append(all, f)
	}
	return Rank(query, filter, all), nil
}

func (m *MockStore) Remember(ctx context.Context, fact Fact) error {
	if err := fact.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.RememberErr != nil {
		return m.RememberErr
	}
	m.facts[fact.SessionID+"/"+fact.Key] = fact
	return nil
}

func (m *MockStore) Archive(ctx context.Context, key ArchiveKey, turns []chat.Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ArchiveErr != nil {
		return m.ArchiveErr
	}
	m.archives[key] = chat.CloneTurns(turns)
	return nil
}

func (m *MockStore) Retrieve(ctx context.Context, key ArchiveKey) ([]chat.Turn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	turns, ok := m.archives[key]
	if !ok {
		return nil, nil
	}
	return chat.CloneTurns(turns), nil
}

// ArchiveKeys lists stored archive keys.
func (m *MockStore) ArchiveKeys() []ArchiveKey {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]ArchiveKey, 0, len(m.archives))
	for k := range m.archives {
		keys = append(keys, k)
	}
	return keys
}
