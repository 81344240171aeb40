package phase

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Phase identifies a stage of the adventure.
type Phase string

const (
	Setup           Phase = "setup"
	WorldGeneration Phase = "world_generation"
	Exploration     Phase = "exploration"
	Combat          Phase = "combat"
	Advancement     Phase = "advancement"
)

// All is the fixed, ordered set of phases the engine understands.
var All = []Phase{Setup, WorldGeneration, Exploration, Combat, Advancement}

var ErrUnknownPhase = errors.New("unknown phase")

// Known reports whether p belongs to the fixed phase set.
func (p Phase) Known() bool {
	return slices.Contains(All, p)
}

// DisplayName renders the phase for players, e.g. "World Generation".
func (p Phase) DisplayName() string {
	return cases.Title(language.English).String(strings.ReplaceAll(string(p), "_", " "))
}

func (p Phase) String() string {
	return string(p)
}

// Parse converts a raw value into a known phase.
func Parse(s string) (Phase, error) {
	p := Phase(strings.ToLower(strings.TrimSpace(s)))
	if !p.Known() {
		return "", fmt.Errorf("%w: %q", ErrUnknownPhase, s)
	}
	return p, nil
}

// Config is the configured subset of phases, in order, for one deployment.
type Config struct {
	Order         []Phase
	Default       Phase
	SelfContained map[Phase]bool
}

// DefaultConfig enables every phase, falls back to exploration, and marks
// setup and world generation as self-contained.
func DefaultConfig() Config {
	return Config{
		Order:   slices.Clone(All),
		Default: Exploration,
		SelfContained: map[Phase]bool{
			Setup:           true,
			WorldGeneration: true,
		},
	}
}

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	if len(c.Order) == 0 {
		return fmt.Errorf("phase order cannot be empty")
	}
	seen := make(map[Phase]bool, len(c.Order))
	for _, p := range c.Order {
		if !p.Known() {
			return fmt.Errorf("%w in order: %q", ErrUnknownPhase, p)
		}
		if seen[p] {
			return fmt.Errorf("duplicate phase in order: %q", p)
		}
		seen[p] = true
	}
	if !seen[c.Default] {
		return fmt.Errorf("default phase %q is not in the configured order", c.Default)
	}
	return nil
}

// First returns the initial phase for a brand-new session.
func (c Config) First() Phase {
	return c.Order[0]
}

// Enabled reports whether p is part of the configured order.
func (c Config) Enabled(p Phase) bool {
	return slices.Contains(c.Order, p)
}

// IsSelfContained reports whether world-state context is skipped for p.
func (c Config) IsSelfContained(p Phase) bool {
	return c.SelfContained[p]
}

// Resolve maps a raw stored value onto a configured phase. An unknown (or
// empty) value is treated as uninitialised and resolves to the first phase;
// a known phase that isn't configured resolves to the default phase.
// healed is true when the stored value must be rewritten.
func (c Config) Resolve(raw Phase) (p Phase, healed bool) {
	if !raw.Known() {
		return c.First(), true
	}
	if !c.Enabled(raw) {
		return c.Default, false
	}
	return raw, false
}
