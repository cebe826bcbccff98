// Package session tracks the single live connection of each identity.
package session

import (
	"context"
	"errors"
	"sync"

	"cipherrelay/internal/domain"
)

var ErrClosed = errors.New("session closed")

// Transport pushes frames to one connected client.
type Transport interface {
	Send(ctx context.Context, ev domain.Event) error
	Close() error
}

// Session is one authenticated connection. A new session starts holding:
// live sends are buffered until Release so they cannot overtake replayed
// offline events. A buffered send counts as delivered for the caller.
type Session struct {
	identity   string
	generation uint64
	transport  Transport

	mu      sync.Mutex
	holding bool
	held    []domain.Event
	closed  bool
}

func newSession(identity string, gen uint64, t Transport) *Session {
	return &Session{identity: identity, generation: gen, transport: t, holding: true}
}

func (s *Session) Identity() string   { return s.identity }
func (s *Session) Generation() uint64 { return s.generation }

// Send delivers a live event, or buffers it while the session is holding.
func (s *Session) Send(ctx context.Context, ev domain.Event) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.holding {
		s.held = append(s.held, ev)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	return s.write(ctx, ev)
}

// Deliver writes straight to the transport, bypassing the hold. Used for
// replaying offline events.
func (s *Session) Deliver(ctx context.Context, ev domain.Event) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return s.write(ctx, ev)
}

func (s *Session) write(ctx context.Context, ev domain.Event) error {
	if err := s.transport.Send(ctx, ev); err != nil {
		s.markClosed()
		return err
	}
	return nil
}

// Release flushes held events in order and switches the session to live
// sending. Events that could not be written are returned.
func (s *Session) Release(ctx context.Context) []domain.Event {
	for {
		s.mu.Lock()
		if s.closed {
			rest := s.held
			s.held = nil
			s.holding = false
			s.mu.Unlock()
			return rest
		}
		if len(s.held) == 0 {
			s.holding = false
			s.mu.Unlock()
			return nil
		}
		batch := s.held
		s.held = nil
		s.mu.Unlock()

		for i, ev := range batch {
			if err := s.write(ctx, ev); err != nil {
				s.mu.Lock()
				rest := append(batch[i:len(batch):len(batch)], s.held...)
				s.held = nil
				s.holding = false
				s.mu.Unlock()
				return rest
			}
		}
	}
}

func (s *Session) markClosed() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// Closed reports whether the session can no longer send.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close marks the session closed and closes its transport.
func (s *Session) Close() error {
	s.mu.Lock()
	already := s.closed
	s.closed = true
	s.mu.Unlock()
	if already {
		return nil
	}
	return s.transport.Close()
}
