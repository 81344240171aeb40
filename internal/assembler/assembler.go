// Package assembler builds the bounded world context injected into a
// phase's instructions before each turn.
package assembler

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"unicode/utf8"

	"github.com/jwebster45206/phase-engine/pkg/chat"
	"github.com/jwebster45206/phase-engine/pkg/memory"
	"github.com/jwebster45206/phase-engine/pkg/phase"
	"github.com/jwebster45206/phase-engine/pkg/scene"
	"github.com/jwebster45206/phase-engine/pkg/state"
	"github.com/jwebster45206/phase-engine/pkg/tools"
)

const (
	DefaultMaxEvents    = 5
	DefaultEntityBudget = 1200
	DefaultRecentTurns  = 4
)

// Snapshotter reads the world-state record for a session.
type Snapshotter interface {
	LoadGameState(ctx context.Context, sessionID string) (*state.GameState, error)
}

type Options struct {
	MaxEvents    int // cap on recent events
	EntityBudget int // total characters across entity names and facts
	RecentTurns  int // how many trailing turns are scanned for names
}

func DefaultOptions() Options {
	return Options{
		MaxEvents:    DefaultMaxEvents,
		EntityBudget: DefaultEntityBudget,
		RecentTurns:  DefaultRecentTurns,
	}
}

type Assembler struct {
	world      Snapshotter
	memory     memory.Store
	phases     phase.Config
	registries map[phase.Phase]*tools.Registry
	opts       Options
	logger     *slog.Logger
}

// New creates an assembler. mem may be nil, in which case names the world
// record does not know are reported as missing.
func New(world Snapshotter, mem memory.Store, phases phase.Config, registries map[phase.Phase]*tools.Registry, opts Options, logger *slog.Logger) *Assembler {
	if opts.MaxEvents <= 0 {
		opts.MaxEvents = DefaultMaxEvents
	}
	if opts.EntityBudget <= 0 {
		opts.EntityBudget = DefaultEntityBudget
	}
	if opts.RecentTurns <= 0 {
		opts.RecentTurns = DefaultRecentTurns
	}
	return &Assembler{
		world:      world,
		memory:     mem,
		phases:     phases,
		registries: registries,
		opts:       opts,
		logger:     logger,
	}
}

// mention is a candidate entity name with its relevance rank. Lower ranks
// are more relevant: 0 is the current input, 1 the newest turn, and so on.
type mention struct {
	name string
	rank int
}

// BuildContext never fails. Lookup errors are logged and produce an empty
// package, which callers treat as no extra context.
func (a *Assembler) BuildContext(ctx context.Context, sessionID string, p phase.Phase, recent []chat.Turn, input string) scene.ContextPackage {
	if a.phases.IsSelfContained(p) {
		return scene.Empty()
	}
	log := a.logger.With("session_id", sessionID, "phase", p)

	mentions, err := a.mentions(ctx, sessionID, p, recent, input)
	if err != nil {
		log.Warn("Entity search failed, continuing without context", "error", err)
		return scene.Empty()
	}

	gs, err := a.world.LoadGameState(ctx, sessionID)
	if err != nil {
		log.Warn("Failed to load world state, continuing without context", "error", err)
		return scene.Empty()
	}
	if gs == nil {
		gs = state.NewGameState(sessionID)
	}

	relevant := make(map[string]string)
	var missing []string
	used := 0
	for _, m := range mentions {
		fact, ok := gs.Lookup(m.name)
		if !ok && a.memory != nil {
			facts, err := a.memory.Search(ctx, m.name, memory.Filter{SessionID: sessionID, Phase: p, Limit: 1})
			if err != nil {
				log.Warn("Memory search failed, continuing without context", "error", err)
				return scene.Empty()
			}
			if len(facts) > 0 {
				fact, ok = facts[0].Text, true
			}
		}
		if !ok {
			missing = append(missing, m.name)
			continue
		}
		// Mentions are in relevance order, so once the budget is spent
		// every remaining entry is less relevant than what was kept.
		size := utf8.RuneCountInString(m.name) + utf8.RuneCountInString(fact)
		if used+size > a.opts.EntityBudget {
			log.Debug("Entity budget reached", "kept", len(relevant), "dropped_from", m.name)
			break
		}
		used += size
		relevant[m.name] = fact
	}

	return scene.New(summarise(gs), relevant, missing, gs.RecentEvents(a.opts.MaxEvents), recommendations(gs, missing))
}

// mentions searches the input and then the recent turns newest first, and
// returns each distinct name once at its most relevant rank. Names sharing
// a rank are ordered alphabetically.
func (a *Assembler) mentions(ctx context.Context, sessionID string, p phase.Phase, recent []chat.Turn, input string) ([]mention, error) {
	// A phase without a registry falls back to capitalised-name search.
	searcher := a.registries[p]

	texts := []string{input}
	scanned := 0
	for i := len(recent) - 1; i >= 0 && scanned < a.opts.RecentTurns; i-- {
		t := recent[i]
		if t.Role != chat.RoleUser && t.Role != chat.RoleAssistant {
			continue
		}
		texts = append(texts, t.Content)
		scanned++
	}

	var out []mention
	seen := make(map[string]bool)
	for rank, text := range texts {
		if text == "" {
			continue
		}
		names, err := searcher.SearchEntities(ctx, sessionID, text)
		if err != nil {
			return nil, err
		}
		start := len(out)
		for _, n := range names {
			key := memory.Fold(n)
			if n == "" || seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, mention{name: n, rank: rank})
		}
		slices.SortFunc(out[start:], func(x, y mention) int {
			return cmp.Compare(x.name, y.name)
		})
	}
	return out, nil
}

func summarise(gs *state.GameState) string {
	switch {
	case gs.Location != "" && gs.Description != "":
		return gs.Location + ". " + gs.Description
	case gs.Location != "":
		return gs.Location
	default:
		return gs.Description
	}
}

func recommendations(gs *state.GameState, missing []string) []string {
	var recs []string
	if len(missing) > 0 {
		recs = append(recs, "Record new people and places with note_entity once they are established.")
	}
	for _, c := range gs.Combatants {
		if !c.Defeated() {
			recs = append(recs, "A fight is unresolved; keep combatant hit points consistent.")
			break
		}
	}
	return recs
}
