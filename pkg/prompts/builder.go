package prompts

import (
	"fmt"
	"strings"

	"github.com/jwebster45206/phase-engine/pkg/chat"
	"github.com/jwebster45206/phase-engine/pkg/scene"
)

// Builder constructs the wire conversation for one submission using a
// fluent interface. The stored history is never modified; the leading
// system turn is re-rendered with the context package on the way out.
type Builder struct {
	instructions string
	data         Data
	context      scene.ContextPackage
	history      []chat.Turn
	userMessage  string
	exchange     []chat.Turn
}

// New creates a new prompt builder.
func New() *Builder {
	return &Builder{}
}

// WithInstructions sets the phase instruction template and its data.
func (b *Builder) WithInstructions(tmpl string, data Data) *Builder {
	b.instructions = tmpl
	b.data = data
	return b
}

// WithContext sets the context package injected into the instructions.
func (b *Builder) WithContext(pkg scene.ContextPackage) *Builder {
	b.context = pkg
	return b
}

// WithHistory sets the stored phase history.
func (b *Builder) WithHistory(turns []chat.Turn) *Builder {
	b.history = turns
	return b
}

// WithUserMessage sets the player's input for this turn.
func (b *Builder) WithUserMessage(message string) *Builder {
	b.userMessage = message
	return b
}

// WithExchange sets turns produced earlier in this exchange, such as tool
// invocations and their results. They follow the user turn.
func (b *Builder) WithExchange(turns []chat.Turn) *Builder {
	b.exchange = turns
	return b
}

// Build constructs and returns the turns for submission.
func (b *Builder) Build() ([]chat.Turn, error) {
	if strings.TrimSpace(b.instructions) == "" {
		return nil, fmt.Errorf("instructions are required")
	}

	data := b.data
	data.Context = b.context.Render()
	system, err := Render(b.instructions, data)
	if err != nil {
		return nil, fmt.Errorf("error building system prompt: %w", err)
	}

	turns := make([]chat.Turn, 0, len(b.history)+len(b.exchange)+2)
	if len(b.history) == 0 || b.history[0].Role != chat.RoleSystem {
		turns = append(turns, chat.SystemTurn(system))
		turns = append(turns, chat.CloneTurns(b.history)...)
	} else {
		turns = append(turns, chat.SystemTurn(system))
		turns = append(turns, chat.CloneTurns(b.history[1:])...)
	}

	if b.userMessage != "" {
		turns = append(turns, chat.UserTurn(b.userMessage))
	}
	turns = append(turns, chat.CloneTurns(b.exchange)...)
	return turns, nil
}

// SystemTurn renders the instructions without context, as stored in the
// history.
func SystemTurn(tmpl string, data Data) (chat.Turn, error) {
	data.Context = ""
	content, err := Render(tmpl, data)
	if err != nil {
		return chat.Turn{}, err
	}
	return chat.SystemTurn(content), nil
}

// SummaryRequest builds the isolated conversation sent to summarise a
// transcript.
func SummaryRequest(transcript string, maxChars int) []chat.Turn {
	return []chat.Turn{
		chat.SystemTurn(fmt.Sprintf(SummaryPrompt, maxChars)),
		chat.UserTurn(transcript),
	}
}

// SummaryTurn wraps summary text as the system turn placed after the
// instructions by compaction.
func SummaryTurn(summary string) chat.Turn {
	return chat.SystemTurn(SummaryTurnPrefix + strings.TrimSpace(summary))
}
