// Package gametools provides the built-in tool packs for each phase. Every
// handler loads the session record, applies one change and saves it.
package gametools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jwebster45206/phase-engine/pkg/memory"
	"github.com/jwebster45206/phase-engine/pkg/phase"
	"github.com/jwebster45206/phase-engine/pkg/state"
	"github.com/jwebster45206/phase-engine/pkg/storage"
	"github.com/jwebster45206/phase-engine/pkg/tools"
)

var ErrSessionNotFound = errors.New("session not found")

// Toolkit builds the phase registries over a session store. Memory is
// optional; when set, noted entities are also remembered long-term.
type Toolkit struct {
	storage storage.Storage
	memory  memory.Store
	phases  phase.Config
	logger  *slog.Logger
}

func New(store storage.Storage, mem memory.Store, phases phase.Config, logger *slog.Logger) *Toolkit {
	return &Toolkit{storage: store, memory: mem, phases: phases, logger: logger}
}

// Registries returns one registry per configured phase, each with the
// known-entity searcher attached.
func (k *Toolkit) Registries() (map[phase.Phase]*tools.Registry, error) {
	packs := map[phase.Phase][]tools.Tool{
		phase.Setup:           {k.createCharacter(), k.changePhase()},
		phase.WorldGeneration: {k.noteEntity(), k.setLocation(), k.changePhase()},
		phase.Exploration:     {k.setLocation(), k.recordEvent(), k.noteEntity(), k.setPresentNPCs(), k.addCombatant(), k.changePhase()},
		phase.Combat:          {k.addCombatant(), k.applyDamage(), k.recordEvent(), k.changePhase()},
		phase.Advancement:     {k.grantAdvancement(), k.recordEvent(), k.changePhase()},
	}

	searcher := NewEntitySearcher(k.storage)
	out := make(map[phase.Phase]*tools.Registry, len(k.phases.Order))
	for _, p := range k.phases.Order {
		r, err := tools.NewRegistry(packs[p]...)
		if err != nil {
			return nil, fmt.Errorf("failed to build %s tools: %w", p, err)
		}
		out[p] = r.WithSearcher(searcher)
	}
	return out, nil
}

// update loads the session, applies fn and saves the result.
func (k *Toolkit) update(ctx context.Context, sessionID string, fn func(gs *state.GameState) (string, error)) (string, error) {
	gs, err := k.storage.LoadGameState(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("failed to load gamestate: %w", err)
	}
	if gs == nil {
		return "", fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	result, err := fn(gs)
	if err != nil {
		return "", err
	}
	if err := k.storage.SaveGameState(ctx, sessionID, gs); err != nil {
		return "", fmt.Errorf("failed to save gamestate: %w", err)
	}
	return result, nil
}

func schema(s string) json.RawMessage {
	return json.RawMessage(s)
}

func required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%s is required", field)
	}
	return nil
}

func (k *Toolkit) changePhase() tools.Tool {
	return tools.Tool{
		Name:        "change_phase",
		Description: "Move the story to another phase. Include a short summary of what the next phase needs to know.",
		Parameters: schema(`{
			"type": "object",
			"properties": {
				"phase": {"type": "string", "enum": ["setup", "world_generation", "exploration", "combat", "advancement"]},
				"summary": {"type": "string", "description": "What the next phase needs to know"}
			},
			"required": ["phase"]
		}`),
		Handler: func(ctx context.Context, call tools.Call) (string, error) {
			var args struct {
				Phase   string `json:"phase"`
				Summary string `json:"summary"`
			}
			if err := call.Decode(&args); err != nil {
				return "", err
			}
			target, err := phase.Parse(args.Phase)
			if err != nil {
				return "", err
			}
			if !k.phases.Enabled(target) {
				return "", fmt.Errorf("phase %s is not available", target)
			}
			if target == call.Phase {
				return "", fmt.Errorf("already in phase %s", target)
			}
			return k.update(ctx, call.SessionID, func(gs *state.GameState) (string, error) {
				gs.Phase = string(target)
				gs.Handoff = strings.TrimSpace(args.Summary)
				return "Phase will change to " + target.DisplayName() + " after this turn.", nil
			})
		},
	}
}

func (k *Toolkit) recordEvent() tools.Tool {
	return tools.Tool{
		Name:        "record_event",
		Description: "Record a notable story event.",
		Parameters: schema(`{
			"type": "object",
			"properties": {"event": {"type": "string"}},
			"required": ["event"]
		}`),
		Handler: func(ctx context.Context, call tools.Call) (string, error) {
			var args struct {
				Event string `json:"event"`
			}
			if err := call.Decode(&args); err != nil {
				return "", err
			}
			if err := required("event", args.Event); err != nil {
				return "", err
			}
			return k.update(ctx, call.SessionID, func(gs *state.GameState) (string, error) {
				gs.RecordEvent(args.Event)
				return "Event recorded.", nil
			})
		},
	}
}

func (k *Toolkit) setLocation() tools.Tool {
	return tools.Tool{
		Name:        "set_location",
		Description: "Set the user's current location and describe the scene.",
		Parameters: schema(`{
			"type": "object",
			"properties": {
				"location": {"type": "string"},
				"description": {"type": "string"}
			},
			"required": ["location"]
		}`),
		Handler: func(ctx context.Context, call tools.Call) (string, error) {
			var args struct {
				Location    string `json:"location"`
				Description string `json:"description"`
			}
			if err := call.Decode(&args); err != nil {
				return "", err
			}
			if err := required("location", args.Location); err != nil {
				return "", err
			}
			return k.update(ctx, call.SessionID, func(gs *state.GameState) (string, error) {
				gs.Location = strings.TrimSpace(args.Location)
				if args.Description != "" {
					gs.Description = strings.TrimSpace(args.Description)
				}
				return "Location set to " + gs.Location + ".", nil
			})
		},
	}
}

func (k *Toolkit) noteEntity() tools.Tool {
	return tools.Tool{
		Name:        "note_entity",
		Description: "Record a fact about a person, place or thing so it stays consistent.",
		Parameters: schema(`{
			"type": "object",
			"properties": {
				"name": {"type": "string"},
				"fact": {"type": "string"}
			},
			"required": ["name", "fact"]
		}`),
		Handler: func(ctx context.Context, call tools.Call) (string, error) {
			var args struct {
				Name string `json:"name"`
				Fact string `json:"fact"`
			}
			if err := call.Decode(&args); err != nil {
				return "", err
			}
			if err := required("name", args.Name); err != nil {
				return "", err
			}
			if err := required("fact", args.Fact); err != nil {
				return "", err
			}
			name := strings.TrimSpace(args.Name)
			fact := strings.TrimSpace(args.Fact)
			result, err := k.update(ctx, call.SessionID, func(gs *state.GameState) (string, error) {
				gs.SetEntity(name, fact)
				return "Noted " + name + ".", nil
			})
			if err != nil {
				return "", err
			}
			if k.memory != nil {
				f := memory.Fact{Key: name, Text: fact, SessionID: call.SessionID, Source: "note_entity"}
				if err := k.memory.Remember(ctx, f); err != nil {
					k.logger.Warn("Failed to remember entity", "session_id", call.SessionID, "entity", name, "error", err)
				}
			}
			return result, nil
		},
	}
}

func (k *Toolkit) setPresentNPCs() tools.Tool {
	return tools.Tool{
		Name:        "set_present_npcs",
		Description: "Replace the list of NPCs present in the current scene.",
		Parameters: schema(`{
			"type": "object",
			"properties": {
				"npcs": {
					"type": "array",
					"items": {
						"type": "object",
						"properties": {
							"name": {"type": "string"},
							"disposition": {"type": "string"},
							"profile": {"type": "string"}
						},
						"required": ["name"]
					}
				}
			},
			"required": ["npcs"]
		}`),
		Handler: func(ctx context.Context, call tools.Call) (string, error) {
			var args struct {
				NPCs state.NPCMap `json:"npcs"`
			}
			if err := call.Decode(&args); err != nil {
				return "", err
			}
			return k.update(ctx, call.SessionID, func(gs *state.GameState) (string, error) {
				gs.NPCs = args.NPCs
				if len(args.NPCs) == 0 {
					return "No NPCs present.", nil
				}
				return fmt.Sprintf("%d NPCs present.", len(args.NPCs)), nil
			})
		},
	}
}

func (k *Toolkit) createCharacter() tools.Tool {
	return tools.Tool{
		Name:        "create_character",
		Description: "Save the user's finished character.",
		Parameters: schema(`{
			"type": "object",
			"properties": {
				"name": {"type": "string"},
				"class": {"type": "string"},
				"background": {"type": "string"},
				"attributes": {"type": "object", "additionalProperties": {"type": "integer"}},
				"traits": {"type": "array", "items": {"type": "string"}}
			},
			"required": ["name"]
		}`),
		Handler: func(ctx context.Context, call tools.Call) (string, error) {
			var c state.Character
			if err := call.Decode(&c); err != nil {
				return "", err
			}
			if err := required("name", c.Name); err != nil {
				return "", err
			}
			if c.Level < 1 {
				c.Level = 1
			}
			return k.update(ctx, call.SessionID, func(gs *state.GameState) (string, error) {
				gs.Character = &c
				return "Character " + c.Name + " created.", nil
			})
		},
	}
}

func (k *Toolkit) grantAdvancement() tools.Tool {
	return tools.Tool{
		Name:        "grant_advancement",
		Description: "Level up the user's character, optionally raising an attribute or adding a trait.",
		Parameters: schema(`{
			"type": "object",
			"properties": {
				"attribute": {"type": "string"},
				"amount": {"type": "integer"},
				"trait": {"type": "string"}
			}
		}`),
		Handler: func(ctx context.Context, call tools.Call) (string, error) {
			var args struct {
				Attribute string `json:"attribute"`
				Amount    int    `json:"amount"`
				Trait     string `json:"trait"`
			}
			if err := call.Decode(&args); err != nil {
				return "", err
			}
			return k.update(ctx, call.SessionID, func(gs *state.GameState) (string, error) {
				if gs.Character == nil {
					return "", errors.New("no character has been created")
				}
				c := gs.Character
				c.Level++
				if args.Attribute != "" {
					amount := args.Amount
					if amount == 0 {
						amount = 1
					}
					if c.Attributes == nil {
						c.Attributes = make(map[string]int)
					}
					c.Attributes[strings.ToLower(args.Attribute)] += amount
				}
				if args.Trait != "" {
					c.Traits = append(c.Traits, args.Trait)
				}
				return fmt.Sprintf("%s is now level %d.", c.Name, c.Level), nil
			})
		},
	}
}
