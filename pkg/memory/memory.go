// Package memory defines the long-term memory store: a searchable set of
// facts per session plus a verbatim archive of compacted conversation.
package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jwebster45206/phase-engine/pkg/chat"
	"github.com/jwebster45206/phase-engine/pkg/phase"
)

// DefaultLimit bounds a search when the filter leaves Limit unset.
const DefaultLimit = 5

var ErrInvalidKey = errors.New("invalid archive key")

// ArchiveKey addresses one compacted span:
// archive:<session>:<phase>:g<generation>:<from>-<to>
type ArchiveKey string

func NewArchiveKey(sessionID string, p phase.Phase, generation, from, to int) ArchiveKey {
	return ArchiveKey(fmt.Sprintf("archive:%s:%s:g%d:%d-%d", sessionID, p, generation, from, to))
}

// SessionID extracts the session component of the key.
func (k ArchiveKey) SessionID() (string, error) {
	parts := strings.Split(string(k), ":")
	if len(parts) != 5 || parts[0] != "archive" || parts[1] == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, string(k))
	}
	return parts[1], nil
}

func (k ArchiveKey) String() string {
	return string(k)
}

// Fact is one retrievable piece of long-term memory.
type Fact struct {
	Key       string      `json:"key"`
	Text      string      `json:"text"`
	SessionID string      `json:"session_id"`
	Phase     phase.Phase `json:"phase,omitempty"` // empty applies to every phase
	Source    string      `json:"source,omitempty"`
	Score     float64     `json:"-"` // set by Search
}

// Filter scopes a search.
type Filter struct {
	SessionID string
	Phase     phase.Phase
	Limit     int
}

func (f Filter) limit() int {
	if f.Limit <= 0 {
		return DefaultLimit
	}
	return f.Limit
}

// Matches reports whether a fact is visible through the filter.
func (f Filter) Matches(fact Fact) bool {
	if f.SessionID != "" && fact.SessionID != f.SessionID {
		return false
	}
	if f.Phase != "" && fact.Phase != "" && fact.Phase != f.Phase {
		return false
	}
	return true
}

// Store is the long-term memory capability. Retrieve returns (nil, nil)
// for an unknown key.
type Store interface {
	Search(ctx context.Context, query string, filter Filter) ([]Fact, error)
	Remember(ctx context.Context, fact Fact) error
	Archive(ctx context.Context, key ArchiveKey, turns []chat.Turn) error
	Retrieve(ctx context.Context, key ArchiveKey) ([]chat.Turn, error)
}

// Validate checks a fact before it is stored.
func (f Fact) Validate() error {
	if strings.TrimSpace(f.SessionID) == "" {
		return errors.New("fact session_id cannot be empty")
	}
	if strings.TrimSpace(f.Key) == "" {
		return errors.New("fact key cannot be empty")
	}
	if strings.TrimSpace(f.Text) == "" {
		return errors.New("fact text cannot be empty")
	}
	return nil
}
