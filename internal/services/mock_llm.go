package services

import (
	"context"
	"sync"

	"github.com/jwebster45206/phase-engine/pkg/chat"
)

// MockReply scripts one streaming reply of the mock.
type MockReply struct {
	Fragments       []string
	ToolInvocations []chat.ToolInvocation
	StartErr        error // returned from CompleteStream itself
	Err             error // delivered after the fragments instead of Done
	Hang            bool  // after the fragments, wait for ctx to end
}

// MockLLM is a mock implementation of LLMService for testing. Streaming
// calls consume queued replies in order; with the queue empty they reply
// "Mock response" in two fragments.
type MockLLM struct {
	CompleteFunc func(ctx context.Context, req CompletionRequest) (*Completion, error)

	replies       []MockReply
	completeCalls []CompletionRequest
	streamCalls   []CompletionRequest

	mu sync.Mutex // protects all fields above
}

var _ LLMService = (*MockLLM)(nil)

func NewMockLLM() *MockLLM {
	return &MockLLM{}
}

// QueueReply adds a scripted streaming reply.
func (m *MockLLM) QueueReply(replies ...MockReply) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replies = append(m.replies, replies...)
}

// SetCompleteResponse makes Complete return text.
func (m *MockLLM) SetCompleteResponse(text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CompleteFunc = func(ctx context.Context, req CompletionRequest) (*Completion, error) {
		return &Completion{Text: text}, nil
	}
}

// SetCompleteError makes Complete fail with err.
func (m *MockLLM) SetCompleteError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CompleteFunc = func(ctx context.Context, req CompletionRequest) (*Completion, error) {
		return nil, err
	}
}

func (m *MockLLM) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	m.mu.Lock()
	m.completeCalls = append(m.completeCalls, cloneRequest(req))
	fn := m.CompleteFunc
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if fn != nil {
		return fn(ctx, req)
	}
	return &Completion{Text: "Mock response"}, nil
}

func (m *MockLLM) CompleteStream(ctx context.Context, req CompletionRequest) (<-chan StreamChunk, error) {
	m.mu.Lock()
	m.streamCalls = append(m.streamCalls, cloneRequest(req))
	reply := MockReply{Fragments: []string{"Mock ", "response"}}
	if len(m.replies) > 0 {
		reply = m.replies[0]
		m.replies = m.replies[1:]
	}
	m.mu.Unlock()

	if reply.StartErr != nil {
		return nil, reply.StartErr
	}

	ch := make(chan StreamChunk)
	go func() {
		defer close(ch)
		send := func(c StreamChunk) bool {
			select {
			case ch <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}
		for _, f := range reply.Fragments {
			if !send(StreamChunk{Content: f}) {
				return
			}
		}
		if reply.Hang {
			<-ctx.Done()
			return
		}
		if reply.Err != nil {
			send(StreamChunk{Error: reply.Err})
			return
		}
		send(StreamChunk{Done: true, ToolInvocations: reply.ToolInvocations})
	}()
	return ch, nil
}

// CompleteCalls returns a copy of every request passed to Complete.
func (m *MockLLM) CompleteCalls() []CompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]CompletionRequest(nil), m.completeCalls...)
}

// StreamCalls returns a copy of every request passed to CompleteStream.
func (m *MockLLM) StreamCalls() []CompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]CompletionRequest(nil), m.streamCalls...)
}

// Reset clears call tracking and queued replies.
func (m *MockLLM) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replies = nil
	m.completeCalls = nil
	m.streamCalls = nil
}

func cloneRequest(req CompletionRequest) CompletionRequest {
	c := req
	c.Turns = chat.CloneTurns(req.Turns)
	c.Tools = append([]chat.ToolDefinition(nil), req.Tools...)
	return c
}
