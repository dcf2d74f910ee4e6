package voice

import (
	"context"
	"sync"
)

const mockCommitEvery = 8

// MockTranscriber reports a partial for every chunk and commits a canned
// sentence every few chunks.
type MockTranscriber struct{}

func NewMockTranscriber() *MockTranscriber { return &MockTranscriber{} }

func (MockTranscriber) Open(context.Context, string) (Stream, <-chan Event, error) {
	events := make(chan Event, 64)
	return &mockStream{events: events}, events, nil
}

type mockStream struct {
	mu     sync.Mutex
	events chan Event
	writes int
	closed bool
}

func (s *mockStream) Write(_ context.Context, audioBase64 string, _ int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || audioBase64 == "" {
		return nil
	}
	s.writes++
	s.offer(Event{Kind: KindPartial, Text: "simulated"})
	if s.writes%mockCommitEvery == 0 {
		s.offer(Event{Kind: KindCommitted, Text: "simulated voice input"})
	}
	return nil
}

// offer drops the event when nobody is draining the channel.
func (s *mockStream) offer(ev Event) {
	select {
	case s.events <- ev:
	default:
	}
}

func (s *mockStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}
