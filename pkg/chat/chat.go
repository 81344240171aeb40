package chat

import (
	"encoding/json"
	"fmt"
	"strings"
)

// TurnRequest represents a player turn submitted to the phase-engine api.
type TurnRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

func (tr *TurnRequest) Validate() error {
	if strings.TrimSpace(tr.SessionID) == "" {
		return fmt.Errorf("session_id cannot be empty")
	}
	if strings.TrimSpace(tr.Message) == "" {
		return fmt.Errorf("message cannot be empty")
	}
	return nil
}

const (
	RoleSystem    = "system"    // Phase instructions or compaction summary
	RoleUser      = "user"      // Player input or hand-off
	RoleAssistant = "assistant" // Narrator
	RoleTool      = "tool"      // Result of a tool invocation
)

// ToolInvocation is a named call emitted by the generation engine.
type ToolInvocation struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ToolDefinition describes a callable tool to the generation engine.
// Parameters is a JSON schema object.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Turn represents a single message in a phase conversation.
// Turns are treated as immutable once appended to a history.
type Turn struct {
	Role            string           `json:"role"`
	Content         string           `json:"content"`
	ToolInvocations []ToolInvocation `json:"tool_invocations,omitempty"` // role = assistant
	ToolCallRef     string           `json:"tool_call_ref,omitempty"`    // role = tool
}

func SystemTurn(content string) Turn {
	return Turn{Role: RoleSystem, Content: content}
}

func UserTurn(content string) Turn {
	return Turn{Role: RoleUser, Content: content}
}

func AssistantTurn(content string, invocations ...ToolInvocation) Turn {
	return Turn{Role: RoleAssistant, Content: content, ToolInvocations: invocations}
}

func ToolResultTurn(ref string, content string) Turn {
	return Turn{Role: RoleTool, Content: content, ToolCallRef: ref}
}

// HasInvocation reports whether the turn carries an invocation with the given ID.
func (t Turn) HasInvocation(id string) bool {
	for _, inv := range t.ToolInvocations {
		if inv.ID == id {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers can't mutate stored turns.
func (t Turn) Clone() Turn {
	c := t
	if len(t.ToolInvocations) > 0 {
		c.ToolInvocations = make([]ToolInvocation, len(t.ToolInvocations))
		for i, inv := range t.ToolInvocations {
			c.ToolInvocations[i] = inv
			if inv.Arguments != nil {
				c.ToolInvocations[i].Arguments = append(json.RawMessage(nil), inv.Arguments...)
			}
		}
	}
	return c
}

// CloneTurns deep-copies a slice of turns.
func CloneTurns(turns []Turn) []Turn {
	if turns == nil {
		return nil
	}
	out := make([]Turn, len(turns))
	for i, t := range turns {
		out[i] = t.Clone()
	}
	return out
}

// Transcript renders turns as plain text, one line per turn.
// Used for summarisation requests that must not carry tool structure.
func Transcript(turns []Turn) string {
	var sb strings.Builder
	for _, t := range turns {
		switch t.Role {
		case RoleUser:
			sb.WriteString("Player: ")
		case RoleAssistant:
			sb.WriteString("Narrator: ")
		case RoleTool:
			sb.WriteString("Tool result: ")
		case RoleSystem:
			sb.WriteString("Note: ")
		}
		sb.WriteString(t.Content)
		for _, inv := range t.ToolInvocations {
			sb.WriteString(fmt.Sprintf(" [called %s %s]", inv.Name, string(inv.Arguments)))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
