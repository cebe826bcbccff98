// Package sessiontest provides an in-memory transport for tests.
package sessiontest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"cipherrelay/internal/domain"
)

var ErrFailed = errors.New("transport failed")

// Transport records every frame it is asked to send.
type Transport struct {
	mu     sync.Mutex
	events []domain.Event
	closed bool
	// FailAfter makes Send fail once this many frames were accepted; < 0 disables.
	FailAfter int
}

func New() *Transport { return &Transport{FailAfter: -1} }

func (t *Transport) Send(_ context.Context, ev domain.Event) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrFailed
	}
	if t.FailAfter >= 0 && len(t.events) >= t.FailAfter {
		return ErrFailed
	}
	t.events = append(t.events, ev)
	return nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Transport) Events() []domain.Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]domain.Event(nil), t.events...)
}

// Named returns the events with the given name, in order.
func (t *Transport) Named(name domain.EventName) []domain.Event {
	var out []domain.Event
	for _, ev := range t.Events() {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

// Decode unmarshals the data of every event named name into a fresh T.
func Decode[T any](t *Transport, name domain.EventName) []T {
	var out []T
	for _, ev := range t.Named(name) {
		var v T
		if err := json.Unmarshal(ev.Data, &v); err == nil {
			out = append(out, v)
		}
	}
	return out
}
