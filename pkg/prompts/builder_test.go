package prompts

import (
	"strings"
	"testing"

	"github.com/jwebster45206/phase-engine/pkg/chat"
	"github.com/jwebster45206/phase-engine/pkg/scene"
)

const testTemplate = "Rules for {{.PhaseName}}.{{with .Context}}\n{{.}}{{end}}"

func TestBuilder_RequiresInstructions(t *testing.T) {
	if _, err := New().WithUserMessage("hi").Build(); err == nil {
		t.Error("expected error without instructions")
	}
}

func TestBuilder_EmptyHistory(t *testing.T) {
	turns, err := New().
		WithInstructions(testTemplate, Data{PhaseName: "Exploration"}).
		WithUserMessage("look around").
		Build()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(turns) != 2 || turns[0].Role != chat.RoleSystem || turns[1].Role != chat.RoleUser {
		t.Fatalf("unexpected turns: %+v", turns)
	}
	if turns[0].Content != "Rules for Exploration." {
		t.Errorf("unexpected system content %q", turns[0].Content)
	}
}

func TestBuilder_InjectsContextWithoutTouchingHistory(t *testing.T) {
	stored, _ := SystemTurn(testTemplate, Data{PhaseName: "Exploration"})
	history := []chat.Turn{
		stored,
		SummaryTurn("The crew set sail."),
		chat.UserTurn("hello"),
		chat.AssistantTurn("Ahoy."),
	}
	pkg := scene.New("", map[string]string{"Gibbs": "First mate"}, nil, nil, nil)
	exchange := []chat.Turn{
		chat.AssistantTurn("", chat.ToolInvocation{ID: "c1", Name: "record_event"}),
		chat.ToolResultTurn("c1", "ok"),
	}

	turns, err := New().
		WithInstructions(testTemplate, Data{PhaseName: "Exploration"}).
		WithContext(pkg).
		WithHistory(history).
		WithUserMessage("ask Gibbs").
		WithExchange(exchange).
		Build()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(turns) != 7 {
		t.Fatalf("expected 7 turns, got %d", len(turns))
	}
	if !strings.Contains(turns[0].Content, "- Gibbs: First mate") {
		t.Errorf("context not injected: %q", turns[0].Content)
	}
	if history[0].Content != "Rules for Exploration." {
		t.Error("stored system turn was modified")
	}
	if !strings.HasPrefix(turns[1].Content, SummaryTurnPrefix) {
		t.Errorf("summary turn not preserved: %q", turns[1].Content)
	}
	if turns[4].Role != chat.RoleUser || turns[4].Content != "ask Gibbs" {
		t.Errorf("user turn misplaced: %+v", turns[4])
	}
	if turns[6].ToolCallRef != "c1" {
		t.Errorf("exchange turns misplaced: %+v", turns[5:])
	}
}

func TestSummaryRequest(t *testing.T) {
	turns := SummaryRequest("Player: hi\n", 500)
	if len(turns) != 2 || !strings.Contains(turns[0].Content, "under 500 characters") || turns[1].Content != "Player: hi\n" {
		t.Errorf("unexpected summary request: %+v", turns)
	}
}
