package services

import (
	"context"
	"errors"
	"testing"

	"github.com/jwebster45206/phase-engine/pkg/chat"
)

func TestMockLLM_Defaults(t *testing.T) {
	m := NewMockLLM()
	ctx := context.Background()
	req := CompletionRequest{Turns: []chat.Turn{chat.SystemTurn("s")}}

	resp, err := m.Complete(ctx, req)
	if err != nil || resp.Text != "Mock response" {
		t.Fatalf("unexpected complete result %+v, %v", resp, err)
	}

	ch, err := m.CompleteStream(ctx, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	text := ""
	done := false
	for c := range ch {
		text += c.Content
		done = done || c.Done
	}
	if text != "Mock response" || !done {
		t.Errorf("unexpected stream: %q done=%v", text, done)
	}

	if len(m.CompleteCalls()) != 1 || len(m.StreamCalls()) != 1 {
		t.Errorf("expected one call of each kind")
	}
}

func TestMockLLM_QueuedReplies(t *testing.T) {
	m := NewMockLLM()
	ctx := context.Background()
	boom := errors.New("boom")
	m.QueueReply(
		MockReply{StartErr: ErrToolSequence},
		MockReply{Fragments: []string{"half"}, Err: boom},
	)

	if _, err := m.CompleteStream(ctx, CompletionRequest{}); !errors.Is(err, ErrToolSequence) {
		t.Errorf("expected ErrToolSequence, got %v", err)
	}

	ch, err := m.CompleteStream(ctx, CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var last StreamChunk
	for c := range ch {
		last = c
	}
	if !errors.Is(last.Error, boom) {
		t.Errorf("expected mid-stream error, got %+v", last)
	}

	m.SetCompleteError(boom)
	if _, err := m.Complete(ctx, CompletionRequest{}); !errors.Is(err, boom) {
		t.Errorf("expected configured error, got %v", err)
	}
}
