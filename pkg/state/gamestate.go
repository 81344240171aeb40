package state

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"
)

// MaxEventLog bounds the number of events retained on the session record.
const MaxEventLog = 50

// NPC represents a non-player character in the game world
type NPC struct {
	Name        string `json:"name"`
	Disposition string `json:"disposition,omitempty"` // e.g. "hostile", "neutral", "friendly"
	Profile     string `json:"profile,omitempty"`     // short description or backstory
}

// Combatant is a participant in an active encounter.
type Combatant struct {
	Name  string `json:"name"`
	HP    int    `json:"hp"`
	MaxHP int    `json:"max_hp"`
	AC    int    `json:"ac"`
}

func (c Combatant) Defeated() bool {
	return c.HP <= 0
}

// Character is the player's character sheet as built during setup.
type Character struct {
	Name       string         `json:"name"`
	Class      string         `json:"class,omitempty"`
	Level      int            `json:"level,omitempty"`
	Background string         `json:"background,omitempty"`
	Attributes map[string]int `json:"attributes,omitempty"`
	Traits     []string       `json:"traits,omitempty"`
}

// GameState is the persisted record of a play session. It carries the
// session's current phase and the world facts the narrator can rely on.
type GameState struct {
	ID          string            `json:"id"`                    // Unique ID per session
	Phase       string            `json:"phase,omitempty"`       // Raw stored phase; resolved by the orchestrator
	Location    string            `json:"location,omitempty"`    // Current location in the game world
	Description string            `json:"description,omitempty"` // Description of the current scene
	NPCs        NPCMap            `json:"npcs,omitempty"`        // NPCs present in the scene
	Entities    map[string]string `json:"entities,omitempty"`    // Known world facts keyed by entity name
	EventLog    []string          `json:"event_log,omitempty"`
	Handoff     string            `json:"handoff,omitempty"` // Pending hand-off summary for the next phase
	Combatants  []Combatant       `json:"combatants,omitempty"`
	Character   *Character        `json:"character,omitempty"`
	Inventory   []string          `json:"inventory,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

func NewGameState(id string) *GameState {
	now := time.Now().UTC()
	return &GameState{
		ID:        id,
		Entities:  make(map[string]string),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Validate checks that the record can be persisted.
func (gs *GameState) Validate() error {
	if gs == nil {
		return fmt.Errorf("gamestate is nil")
	}
	if strings.TrimSpace(gs.ID) == "" {
		return fmt.Errorf("gamestate id cannot be empty")
	}
	for _, c := range gs.Combatants {
		if c.Name == "" {
			return fmt.Errorf("combatant name cannot be empty")
		}
	}
	return nil
}

// Touch updates the modification timestamp.
func (gs *GameState) Touch() {
	gs.UpdatedAt = time.Now().UTC()
}

// RecordEvent appends to the event log, discarding the oldest entries
// beyond MaxEventLog.
func (gs *GameState) RecordEvent(event string) {
	event = strings.TrimSpace(event)
	if event == "" {
		return
	}
	gs.EventLog = append(gs.EventLog, event)
	if len(gs.EventLog) > MaxEventLog {
		gs.EventLog = slices.Clone(gs.EventLog[len(gs.EventLog)-MaxEventLog:])
	}
}

// RecentEvents returns up to n most recent events, newest last.
func (gs *GameState) RecentEvents(n int) []string {
	if n <= 0 || len(gs.EventLog) == 0 {
		return nil
	}
	if n > len(gs.EventLog) {
		n = len(gs.EventLog)
	}
	return slices.Clone(gs.EventLog[len(gs.EventLog)-n:])
}

// SetEntity records a fact about a named entity.
func (gs *GameState) SetEntity(name, fact string) {
	if gs.Entities == nil {
		gs.Entities = make(map[string]string)
	}
	gs.Entities[name] = fact
}

// Combatant returns the named combatant, matching case-insensitively.
func (gs *GameState) Combatant(name string) (int, bool) {
	for i, c := range gs.Combatants {
		if strings.EqualFold(c.Name, name) {
			return i, true
		}
	}
	return -1, false
}

// EntityNames lists every name the record knows about: entity facts,
// present NPCs and the current location.
func (gs *GameState) EntityNames() []string {
	seen := make(map[string]bool)
	var names []string
	add := func(n string) {
		if n == "" || seen[n] {
			return
		}
		seen[n] = true
		names = append(names, n)
	}
	for n := range gs.Entities {
		add(n)
	}
	for n := range gs.NPCs {
		add(n)
	}
	for _, c := range gs.Combatants {
		add(c.Name)
	}
	add(gs.Location)
	slices.Sort(names)
	return names
}

// Lookup resolves a name against the record. Entity facts take precedence
// over present NPCs, then combatants, then the current location.
func (gs *GameState) Lookup(name string) (string, bool) {
	for n, fact := range gs.Entities {
		if strings.EqualFold(n, name) && fact != "" {
			return fact, true
		}
	}
	for n, npc := range gs.NPCs {
		if !strings.EqualFold(n, name) {
			continue
		}
		desc := npc.Name
		if npc.Profile != "" {
			desc = npc.Name + ": " + npc.Profile
		}
		if npc.Disposition != "" {
			desc += " (" + npc.Disposition + ")"
		}
		return desc, true
	}
	if i, ok := gs.Combatant(name); ok {
		c := gs.Combatants[i]
		return fmt.Sprintf("%s: in combat, %d/%d HP, AC %d", c.Name, c.HP, c.MaxHP, c.AC), true
	}
	if gs.Location != "" && strings.EqualFold(gs.Location, name) {
		if gs.Description != "" {
			return gs.Location + ": " + gs.Description, true
		}
		return gs.Location + ": the current location", true
	}
	return "", false
}

// Clone returns a deep copy via JSON round-trip.
func (gs *GameState) Clone() (*GameState, error) {
	data, err := json.Marshal(gs)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal gamestate: %w", err)
	}
	var out GameState
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal gamestate: %w", err)
	}
	return &out, nil
}
