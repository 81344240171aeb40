package chat

import (
	"context"
	"sync"
)

// Stream is a single-pass, forward-only sequence of text fragments.
// The producer calls Send for each fragment and Close exactly once; the
// consumer ranges over Chunks and then calls Wait for the final result.
// Sends block until the consumer receives, so the producer never runs
// ahead of the caller.
type Stream struct {
	ch       chan string
	done     chan struct{}
	once     sync.Once
	text     string
	err      error
	degraded bool
}

func NewStream() *Stream {
	return &Stream{
		ch:   make(chan string),
		done: make(chan struct{}),
	}
}

// Chunks returns the fragment channel. It is closed when the producer finishes.
func (s *Stream) Chunks() <-chan string {
	return s.ch
}

// Send delivers one fragment. It returns false if ctx is done first.
func (s *Stream) Send(ctx context.Context, fragment string) bool {
	if fragment == "" {
		return ctx.Err() == nil
	}
	select {
	case s.ch <- fragment:
		return true
	case <-ctx.Done():
		return false
	}
}

// Close finishes the stream with the final text and error.
func (s *Stream) Close(text string, err error) {
	s.once.Do(func() {
		s.text = text
		s.err = err
		close(s.ch)
		close(s.done)
	})
}

// MarkDegraded flags the stream as carrying fallback text. Call before Close.
func (s *Stream) MarkDegraded() {
	s.degraded = true
}

// Wait drains any unread fragments and blocks until the producer closes.
func (s *Stream) Wait() (string, error) {
	for range s.ch {
	}
	<-s.done
	return s.text, s.err
}

// Degraded reports whether the final text is a fallback. Valid after Wait.
func (s *Stream) Degraded() bool {
	<-s.done
	return s.degraded
}

// Collect reads every fragment and returns them with the final result.
func Collect(s *Stream) ([]string, string, error) {
	var fragments []string
	for f := range s.Chunks() {
		fragments = append(fragments, f)
	}
	text, err := s.Wait()
	return fragments, text, err
}
