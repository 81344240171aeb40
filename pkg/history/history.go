// Package history owns the per-phase conversation of a session and the
// structural rules every conversation must obey before it is resubmitted to
// the generation engine.
package history

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/jwebster45206/phase-engine/pkg/chat"
)

var (
	// ErrInvariant marks a structural violation. Appends that would break the
	// leading-system-turn rule are rejected with an error wrapping it.
	ErrInvariant = errors.New("history invariant violated")

	ErrSystemTurnOrder = fmt.Errorf("%w: system turn out of order", ErrInvariant)
	ErrInvalidRole     = fmt.Errorf("%w: invalid role", ErrInvariant)

	// ErrToolSequence reports a tool-result that does not answer an
	// invocation of its nearest preceding assistant turn.
	ErrToolSequence = errors.New("dangling tool result")

	ErrLimitExceeded = errors.New("history exceeds configured ceilings")
)

// History is an ordered conversation for one (session, phase) pair.
type History struct {
	Turns []chat.Turn `json:"turns"`
	// Compactions counts how many times the history has been compacted.
	Compactions int `json:"compactions,omitempty"`
}

// Len returns the number of turns.
func (h History) Len() int {
	return len(h.Turns)
}

// Chars returns the total content character count.
func (h History) Chars() int {
	return Chars(h.Turns)
}

// Clone returns a deep copy.
func (h History) Clone() History {
	return History{Turns: chat.CloneTurns(h.Turns), Compactions: h.Compactions}
}

// Tail returns up to n trailing turns.
func (h History) Tail(n int) []chat.Turn {
	if n <= 0 {
		return nil
	}
	if n >= len(h.Turns) {
		return chat.CloneTurns(h.Turns)
	}
	return chat.CloneTurns(h.Turns[len(h.Turns)-n:])
}

// Append returns a new history with turns added, or an error without
// applying anything. A system turn is accepted only as the first turn of an
// empty history. Dangling tool-results and ceiling overruns are allowed here
// and restored by Repair and compaction.
func (h History) Append(turns ...chat.Turn) (History, error) {
	for i, t := range turns {
		pos := len(h.Turns) + i
		switch t.Role {
		case chat.RoleSystem:
			if pos != 0 {
				return h, fmt.Errorf("%w: system turn at position %d", ErrSystemTurnOrder, pos)
			}
		case chat.RoleUser, chat.RoleAssistant, chat.RoleTool:
			if pos == 0 {
				return h, fmt.Errorf("%w: first turn must be system, got %s", ErrSystemTurnOrder, t.Role)
			}
		default:
			return h, fmt.Errorf("%w: %q at position %d", ErrInvalidRole, t.Role, pos)
		}
	}

	out := History{
		Turns:       make([]chat.Turn, 0, len(h.Turns)+len(turns)),
		Compactions: h.Compactions,
	}
	out.Turns = append(out.Turns, chat.CloneTurns(h.Turns)...)
	out.Turns = append(out.Turns, chat.CloneTurns(turns)...)
	return out, nil
}

// Chars counts content characters across turns.
func Chars(turns []chat.Turn) int {
	n := 0
	for _, t := range turns {
		n += utf8.RuneCountInString(t.Content)
	}
	return n
}

// owner finds the assistant turn a tool-result at index i answers: the
// nearest preceding assistant turn, scanning back over other tool-results
// and stopping at the first user or system turn. It returns -1 if none.
func owner(turns []chat.Turn, i int) int {
	for j := i - 1; j >= 0; j-- {
		switch turns[j].Role {
		case chat.RoleAssistant:
			return j
		case chat.RoleUser, chat.RoleSystem:
			return -1
		}
	}
	return -1
}

func answered(turns []chat.Turn, i int) bool {
	j := owner(turns, i)
	if j < 0 {
		return false
	}
	ref := turns[i].ToolCallRef
	if ref == "" {
		return len(turns[j].ToolInvocations) > 0
	}
	return turns[j].HasInvocation(ref)
}

// Repair drops tool-result turns that don't answer an invocation of their
// nearest preceding assistant turn. Every other turn is kept, in order,
// including an assistant turn whose invocations have no results.
// Repair is pure and idempotent.
func Repair(turns []chat.Turn) []chat.Turn {
	out := make([]chat.Turn, 0, len(turns))
	for i, t := range turns {
		if t.Role == chat.RoleTool && !answered(turns, i) {
			continue
		}
		out = append(out, t.Clone())
	}
	return out
}

// ValidateToolSequence is the tool-sequencing check in probe form.
func ValidateToolSequence(turns []chat.Turn) error {
	for i, t := range turns {
		if t.Role == chat.RoleTool && !answered(turns, i) {
			return fmt.Errorf("%w at position %d (ref %q)", ErrToolSequence, i, t.ToolCallRef)
		}
	}
	return nil
}

// Limits are the configured history ceilings.
type Limits struct {
	MaxTurns   int `json:"max_turns"`
	MaxChars   int `json:"max_chars"`
	KeepRecent int `json:"keep_recent"`
}

func DefaultLimits() Limits {
	return Limits{
		MaxTurns:   40,
		MaxChars:   24000,
		KeepRecent: 6,
	}
}

func (l Limits) Validate() error {
	if l.KeepRecent < 1 {
		return fmt.Errorf("keep_recent must be at least 1, got %d", l.KeepRecent)
	}
	// head + summary + tail must fit under the turn ceiling
	if l.MaxTurns < l.KeepRecent+2 {
		return fmt.Errorf("max_turns (%d) must be at least keep_recent+2 (%d)", l.MaxTurns, l.KeepRecent+2)
	}
	if l.MaxChars < 1 {
		return fmt.Errorf("max_chars must be positive, got %d", l.MaxChars)
	}
	return nil
}

// NeedsCompaction reports whether either ceiling is exceeded.
func (l Limits) NeedsCompaction(h History) bool {
	return h.Len() > l.MaxTurns || h.Chars() > l.MaxChars
}

// Validate checks every structural invariant against the limits.
func Validate(h History, l Limits) error {
	if h.Len() > 0 && h.Turns[0].Role != chat.RoleSystem {
		return fmt.Errorf("%w: first turn must be system", ErrSystemTurnOrder)
	}
	if err := ValidateToolSequence(h.Turns); err != nil {
		return err
	}
	if l.NeedsCompaction(h) {
		return fmt.Errorf("%w: %d turns, %d chars", ErrLimitExceeded, h.Len(), h.Chars())
	}
	return nil
}
