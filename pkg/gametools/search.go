package gametools

import (
	"context"
	"fmt"
	"strings"

	"github.com/jwebster45206/phase-engine/pkg/memory"
	"github.com/jwebster45206/phase-engine/pkg/storage"
	"github.com/jwebster45206/phase-engine/pkg/tools"
)

// EntitySearcher matches names the session record already knows, case
// folded, and adds capitalised names the record has not seen yet.
type EntitySearcher struct {
	storage storage.Storage
}

var _ tools.EntitySearcher = (*EntitySearcher)(nil)

func NewEntitySearcher(store storage.Storage) *EntitySearcher {
	return &EntitySearcher{storage: store}
}

func (s *EntitySearcher) SearchEntities(ctx context.Context, sessionID string, text string) ([]string, error) {
	gs, err := s.storage.LoadGameState(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load gamestate: %w", err)
	}

	var (
		names  []string
		seen   = make(map[string]bool)
		folded = " " + strings.Join(memory.Tokens(text), " ") + " "
	)
	if gs != nil {
		for _, name := range gs.EntityNames() {
			needle := strings.Join(memory.Tokens(name), " ")
			if needle == "" {
				continue
			}
			if strings.Contains(folded, " "+needle+" ") {
				names = append(names, name)
				seen[memory.Fold(name)] = true
			}
		}
	}
	for _, name := range tools.CapitalisedNames(text) {
		if !seen[memory.Fold(name)] {
			seen[memory.Fold(name)] = true
			names = append(names, name)
		}
	}
	return names, nil
}
