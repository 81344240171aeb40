package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/jwebster45206/phase-engine/pkg/chat"
	"github.com/jwebster45206/phase-engine/pkg/phase"
)

func TestArchiveKey(t *testing.T) {
	k := NewArchiveKey("abc", phase.Combat, 2, 2, 17)
	if k != "archive:abc:combat:g2:2-17" {
		t.Errorf("unexpected key %q", k)
	}
	sid, err := k.SessionID()
	if err != nil || sid != "abc" {
		t.Errorf("SessionID() = %q, %v", sid, err)
	}
	if _, err := ArchiveKey("nope").SessionID(); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("expected ErrInvalidKey, got %v", err)
	}
}

func TestTokens(t *testing.T) {
	got := Tokens("The Black-Pearl, a SHIP!")
	want := []string{"the", "black", "pearl", "ship"}
	if len(got) != len(want) {
		t.Fatalf("Tokens = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("token %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestRank(t *testing.T) {
	facts := []Fact{
		{Key: "Gibbs", Text: "First mate of the Black Pearl", SessionID: "s1"},
		{Key: "Black Pearl", Text: "A ship with black sails", SessionID: "s1"},
		{Key: "Tortuga", Text: "A pirate port", SessionID: "s1"},
		{Key: "Black Pearl", Text: "other session", SessionID: "s2"},
		{Key: "Goblin", Text: "Black goblin", SessionID: "s1", Phase: phase.Combat},
	}

	got := Rank("black pearl", Filter{SessionID: "s1", Phase: phase.Exploration}, facts)
	if len(got) != 2 {
		t.Fatalf("expected 2 results, got %d: %+v", len(got), got)
	}
	if got[0].Key != "Black Pearl" || got[0].Text != "A ship with black sails" {
		t.Errorf("expected key match first, got %+v", got[0])
	}
	if got[1].Key != "Gibbs" {
		t.Errorf("expected Gibbs second, got %+v", got[1])
	}

	got = Rank("black", Filter{SessionID: "s1", Phase: phase.Combat, Limit: 1}, facts)
	if len(got) != 1 {
		t.Fatalf("expected limit 1, got %d", len(got))
	}

	if got := Rank("", Filter{SessionID: "s1"}, facts); len(got) != 0 {
		t.Errorf("empty query should match nothing, got %d", len(got))
	}
}

func TestMockStore(t *testing.T) {
	ctx := context.Background()
	m := NewMockStore()

	if err := m.Remember(ctx, Fact{Key: "Gibbs", Text: "First mate"}); err == nil {
		t.Error("expected validation error for missing session")
	}
	if err := m.Remember(ctx, Fact{Key: "Gibbs", Text: "First mate", SessionID: "s1"}); err != nil {
		t.Fatalf("remember failed: %v", err)
	}
	facts, err := m.Search(ctx, "gibbs", Filter{SessionID: "s1"})
	if err != nil || len(facts) != 1 {
		t.Fatalf("expected 1 fact, got %v, %v", facts, err)
	}

	key := NewArchiveKey("s1", phase.Exploration, 1, 2, 5)
	turns := []chat.Turn{chat.UserTurn("hello"), chat.AssistantTurn("hi")}
	if err := m.Archive(ctx, key, turns); err != nil {
		t.Fatalf("archive failed: %v", err)
	}
	got, err := m.Retrieve(ctx, key)
	if err != nil || len(got) != 2 {
		t.Fatalf("retrieve = %v, %v", got, err)
	}
	missing, err := m.Retrieve(ctx, "archive:s1:exploration:g9:1-2")
	if err != nil || missing != nil {
		t.Errorf("expected (nil, nil) for unknown key, got %v, %v", missing, err)
	}

	m.SearchErr = errors.New("down")
	if _, err := m.Search(ctx, "gibbs", Filter{SessionID: "s1"}); err == nil {
		t.Error("expected configured search error")
	}
}
