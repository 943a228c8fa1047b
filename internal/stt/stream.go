package stt

import (
	"sync"
	"time"
)

// eventStream is the outgoing event channel shared by every backend. Sends
// never race with the close, and a terminal error is recorded exactly once.
type eventStream struct {
	ch   chan Event
	done chan struct{}
	once sync.Once

	mu     sync.RWMutex
	closed bool
	err    error
}

func newEventStream(buffer int) *eventStream {
	return &eventStream{
		ch:   make(chan Event, buffer),
		done: make(chan struct{}),
	}
}

// emit delivers ev in order, blocking while the consumer is behind. It
// returns false once the stream has finished.
func (s *eventStream) emit(ev Event) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	select {
	case s.ch <- ev:
		return true
	case <-s.done:
		return false
	}
}

// finish closes the stream. err is nil for a requested close.
func (s *eventStream) finish(err error) {
	s.once.Do(func() {
		close(s.done)
		s.mu.Lock()
		s.closed = true
		s.err = err
		close(s.ch)
		s.mu.Unlock()
	})
}

func (s *eventStream) events() <-chan Event { return s.ch }

func (s *eventStream) terminal() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

func (s *eventStream) finished() <-chan struct{} { return s.done }
