package services

import (
	"context"
	"errors"

	"github.com/jwebster45206/phase-engine/pkg/chat"
)

// ErrToolSequence is returned when the generation engine rejects a
// conversation because a tool-result does not follow the assistant turn
// that requested it.
var ErrToolSequence = errors.New("generation engine rejected tool sequence")

// ErrTimeout is the cancellation cause when a turn outlives its deadline.
// It counts as an engine failure, not a caller cancellation.
var ErrTimeout = errors.New("generation engine timed out")

// ErrEmptyConversation is returned for a request with no turns.
var ErrEmptyConversation = errors.New("no turns provided")

// CompletionRequest is one submission to the generation engine.
type CompletionRequest struct {
	Turns []chat.Turn
	Tools []chat.ToolDefinition
	// MaxTokens caps the reply; zero uses the provider default.
	MaxTokens int
	// Background routes the request to the backend model used for
	// summaries and other non-narrative work.
	Background bool
}

// Completion is a finished reply.
type Completion struct {
	Text            string
	ToolInvocations []chat.ToolInvocation
}

// StreamChunk is one event of a streaming reply. Tool invocations are only
// delivered on the final chunk, once their arguments are complete.
type StreamChunk struct {
	Content         string
	ToolInvocations []chat.ToolInvocation
	Done            bool
	Error           error
}

// LLMService defines the interface for interacting with the LLM API
type LLMService interface {
	// Complete runs a non-streaming request
	Complete(ctx context.Context, req CompletionRequest) (*Completion, error)

	// CompleteStream runs a streaming request. The channel is closed after
	// a chunk with Done or Error set.
	CompleteStream(ctx context.Context, req CompletionRequest) (<-chan StreamChunk, error)
}
