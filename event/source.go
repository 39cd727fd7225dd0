// Package event provides typed observer lists used to wire nodes,
// transitions, triggers and machines together.
//
// A Source holds the registered handlers for one kind of notification.
// Subscribing returns a Subscription that removes the handler when closed,
// so every registration has a matching, idempotent release.
package event

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Source is a list of handlers notified with a value of type T.
// The zero value is ready to use.
type Source[T any] struct {
	mu       sync.Mutex
	nextID   uint64
	handlers []handler[T]
}

type handler[T any] struct {
	id     uint64
	fn     func(T)
	closed *atomic.Bool
}

// Subscribe registers fn and returns the Subscription that releases it.
// A nil fn is ignored and yields an inert Subscription.
func (s *Source[T]) Subscribe(fn func(T)) *Subscription {
	if fn == nil {
		return &Subscription{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	id := s.nextID
	s.handlers = append(s.handlers, handler[T]{id: id, fn: fn, closed: &atomic.Bool{}})

	return &Subscription{cancel: func() { s.unsubscribe(id) }}
}

// Emit calls every registered handler with v in registration order.
// Handlers are called outside the lock so they may subscribe or unsubscribe;
// a handler released by an earlier one is skipped.
func (s *Source[T]) Emit(v T) {
	for _, h := range s.snapshot() {
		if !h.closed.Load() {
			h.fn(v)
		}
	}
}

// SafeEmit is like Emit but recovers from a panicking handler, logging it
// and continuing with the remaining handlers.
func (s *Source[T]) SafeEmit(logger *slog.Logger, name string, v T) {
	for _, h := range s.snapshot() {
		if h.closed.Load() {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil && logger != nil {
					logger.Error("event handler panicked", "event", name, "panic", r)
				}
			}()
			h.fn(v)
		}()
	}
}

func (s *Source[T]) snapshot() []handler[T] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]handler[T](nil), s.handlers...)
}

// Len returns the number of registered handlers.
func (s *Source[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handlers)
}

// Reset removes every handler.
func (s *Source[T]) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range s.handlers {
		h.closed.Store(true)
	}
	s.handlers = nil
}

func (s *Source[T]) unsubscribe(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, h := range s.handlers {
		if h.id == id {
			h.closed.Store(true)
			s.handlers = append(s.handlers[:i:i], s.handlers[i+1:]...)
			return
		}
	}
}

// Subscription is a handle to a registered handler.
type Subscription struct {
	once   sync.Once
	cancel func()
}

// Close releases the handler. It is safe to call more than once and on a nil
// Subscription.
func (s *Subscription) Close() {
	if s == nil || s.cancel == nil {
		return
	}
	s.once.Do(s.cancel)
}

// Group collects subscriptions so they can be released together.
// The zero value is ready to use.
type Group struct {
	mu   sync.Mutex
	subs []*Subscription
}

// Add appends subs to the group.
func (g *Group) Add(subs ...*Subscription) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.subs = append(g.subs, subs...)
}

// Close releases every subscription in the group and empties it.
func (g *Group) Close() {
	g.mu.Lock()
	subs := g.subs
	g.subs = nil
	g.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
}

// Len returns the number of subscriptions held.
func (g *Group) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.subs)
}
