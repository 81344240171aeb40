package history

import (
	"errors"
	"testing"

	"github.com/jwebster45206/phase-engine/pkg/chat"
)

func inv(id, name string) chat.ToolInvocation {
	return chat.ToolInvocation{ID: id, Name: name, Arguments: []byte(`{}`)}
}

func TestAppend_SystemTurnOrder(t *testing.T) {
	tests := []struct {
		name    string
		start   History
		turns   []chat.Turn
		wantErr bool
	}{
		{
			name:  "seed empty history",
			turns: []chat.Turn{chat.SystemTurn("rules"), chat.UserTurn("hi")},
		},
		{
			name:    "empty history without system",
			turns:   []chat.Turn{chat.UserTurn("hi")},
			wantErr: true,
		},
		{
			name:    "second system turn",
			start:   History{Turns: []chat.Turn{chat.SystemTurn("rules")}},
			turns:   []chat.Turn{chat.SystemTurn("more rules")},
			wantErr: true,
		},
		{
			name:    "system in the middle of a batch",
			turns:   []chat.Turn{chat.SystemTurn("rules"), chat.UserTurn("hi"), chat.SystemTurn("x")},
			wantErr: true,
		},
		{
			name:  "dangling tool result is allowed",
			start: History{Turns: []chat.Turn{chat.SystemTurn("rules")}},
			turns: []chat.Turn{chat.ToolResultTurn("c1", "ok")},
		},
		{
			name:    "unknown role",
			start:   History{Turns: []chat.Turn{chat.SystemTurn("rules")}},
			turns:   []chat.Turn{{Role: "narrator", Content: "x"}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.start.Append(tt.turns...)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				if !errors.Is(err, ErrInvariant) {
					t.Errorf("expected ErrInvariant, got %v", err)
				}
				if got.Len() != tt.start.Len() {
					t.Errorf("rejected append changed history length to %d", got.Len())
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.Len() != tt.start.Len()+len(tt.turns) {
				t.Errorf("expected %d turns, got %d", tt.start.Len()+len(tt.turns), got.Len())
			}
		})
	}
}

func TestAppend_DoesNotAliasInput(t *testing.T) {
	h, err := History{}.Append(chat.SystemTurn("rules"), chat.AssistantTurn("", inv("c1", "roll")))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	next, err := h.Append(chat.UserTurn("again"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	next.Turns[1].ToolInvocations[0].Name = "changed"
	if h.Turns[1].ToolInvocations[0].Name != "roll" {
		t.Error("appending mutated the original history")
	}
}

func TestRepair(t *testing.T) {
	tests := []struct {
		name  string
		turns []chat.Turn
		want  []string // roles of kept turns
	}{
		{
			name: "answered tool results kept",
			turns: []chat.Turn{
				chat.SystemTurn("s"),
				chat.UserTurn("u"),
				chat.AssistantTurn("", inv("c1", "roll"), inv("c2", "look")),
				chat.ToolResultTurn("c1", "4"),
				chat.ToolResultTurn("c2", "dark"),
				chat.AssistantTurn("done"),
			},
			want: []string{"system", "user", "assistant", "tool", "tool", "assistant"},
		},
		{
			name: "tool result after user dropped",
			turns: []chat.Turn{
				chat.SystemTurn("s"),
				chat.UserTurn("u"),
				chat.ToolResultTurn("c1", "4"),
				chat.AssistantTurn("a"),
			},
			want: []string{"system", "user", "assistant"},
		},
		{
			name: "tool result right after system dropped",
			turns: []chat.Turn{
				chat.SystemTurn("s"),
				chat.ToolResultTurn("c1", "4"),
				chat.UserTurn("u"),
			},
			want: []string{"system", "user"},
		},
		{
			name: "tool result with unknown ref dropped",
			turns: []chat.Turn{
				chat.SystemTurn("s"),
				chat.AssistantTurn("", inv("c1", "roll")),
				chat.ToolResultTurn("c9", "4"),
			},
			want: []string{"system", "assistant"},
		},
		{
			name: "assistant with unanswered invocation kept",
			turns: []chat.Turn{
				chat.SystemTurn("s"),
				chat.UserTurn("u"),
				chat.AssistantTurn("", inv("c1", "roll")),
				chat.UserTurn("again"),
			},
			want: []string{"system", "user", "assistant", "user"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Repair(tt.turns)
			if len(got) != len(tt.want) {
				t.Fatalf("expected %d turns, got %d", len(tt.want), len(got))
			}
			for i, role := range tt.want {
				if got[i].Role != role {
					t.Errorf("turn %d: expected role %s, got %s", i, role, got[i].Role)
				}
			}
			if err := ValidateToolSequence(got); err != nil {
				t.Errorf("repaired turns still invalid: %v", err)
			}
		})
	}
}

func TestRepair_Idempotent(t *testing.T) {
	turns := []chat.Turn{
		chat.SystemTurn("s"),
		chat.ToolResultTurn("x", "orphan"),
		chat.UserTurn("u"),
		chat.AssistantTurn("", inv("c1", "roll")),
		chat.ToolResultTurn("c1", "4"),
		chat.UserTurn("u2"),
		chat.ToolResultTurn("c1", "late"),
	}
	once := Repair(turns)
	twice := Repair(once)
	if len(once) != len(twice) {
		t.Fatalf("repair not idempotent: %d then %d turns", len(once), len(twice))
	}
	for i := range once {
		if once[i].Content != twice[i].Content || once[i].Role != twice[i].Role {
			t.Errorf("turn %d differs after second repair", i)
		}
	}
	if len(turns) != 7 {
		t.Error("repair modified its input")
	}
}

func TestValidateToolSequence(t *testing.T) {
	ok := []chat.Turn{
		chat.SystemTurn("s"),
		chat.AssistantTurn("", inv("c1", "roll")),
		chat.ToolResultTurn("c1", "4"),
	}
	if err := ValidateToolSequence(ok); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	bad := append(chat.CloneTurns(ok), chat.UserTurn("u"), chat.ToolResultTurn("c1", "again"))
	err := ValidateToolSequence(bad)
	if !errors.Is(err, ErrToolSequence) {
		t.Errorf("expected ErrToolSequence, got %v", err)
	}
}

func TestLimits(t *testing.T) {
	if err := DefaultLimits().Validate(); err != nil {
		t.Fatalf("default limits invalid: %v", err)
	}
	if err := (Limits{MaxTurns: 7, MaxChars: 100, KeepRecent: 6}).Validate(); err == nil {
		t.Error("expected error when tail and summary exceed max turns")
	}
	if err := (Limits{MaxTurns: 10, MaxChars: 100, KeepRecent: 0}).Validate(); err == nil {
		t.Error("expected error for zero keep_recent")
	}

	l := Limits{MaxTurns: 3, MaxChars: 10, KeepRecent: 1}
	h := History{Turns: []chat.Turn{chat.SystemTurn("s"), chat.UserTurn("hi")}}
	if l.NeedsCompaction(h) {
		t.Error("small history should not need compaction")
	}
	h.Turns = append(h.Turns, chat.AssistantTurn("a"), chat.UserTurn("b"))
	if !l.NeedsCompaction(h) {
		t.Error("turn ceiling exceeded but NeedsCompaction is false")
	}
	h = History{Turns: []chat.Turn{chat.SystemTurn("s"), chat.UserTurn("well over ten")}}
	if !l.NeedsCompaction(h) {
		t.Error("char ceiling exceeded but NeedsCompaction is false")
	}
	if err := Validate(h, l); !errors.Is(err, ErrLimitExceeded) {
		t.Errorf("expected ErrLimitExceeded, got %v", err)
	}
}

func TestChars_CountsRunes(t *testing.T) {
	if got := Chars([]chat.Turn{chat.UserTurn("héllo")}); got != 5 {
		t.Errorf("expected 5, got %d", got)
	}
}
