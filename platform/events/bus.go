// Package events provides the in-process event bus that carries executor
// progress events to channel adapters and observability sinks.
//
// Delivery is synchronous and in publish order per subscriber, which is what
// gives the chat adapter its completion-order streaming guarantee within a
// single request. Across requests there is no ordering.
package events

import (
	"sync"
	"time"
)

// Kind is the event type.
type Kind string

const (
	KindNodeEntered   Kind = "node_entered"
	KindNodeCompleted Kind = "node_completed"
	KindToolInvoked   Kind = "tool_invoked"
	KindToolReturned  Kind = "tool_returned"
	KindFinal         Kind = "final"
)

// Event is one executor progress event.
type Event struct {
	Kind      Kind           `json:"kind"`
	RequestID string         `json:"request_id"`
	Node      string         `json:"node,omitempty"`
	Tool      string         `json:"tool,omitempty"`
	Outcome   string         `json:"outcome,omitempty"`
	At        time.Time      `json:"at"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Handler consumes events. Handlers must be fast; slow consumers should
// buffer internally.
type Handler func(Event)

// Middleware may transform or suppress an event before fan-out.
// Returning nil drops the event.
type Middleware func(*Event) *Event

type subscription struct {
	id      int
	handler Handler
}

// Bus is a thread-safe in-process event bus with per-request and global
// subscriptions.
type Bus struct {
	mu         sync.RWMutex
	nextID     int
	byRequest  map[string][]subscription
	global     []subscription
	middleware []Middleware
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{byRequest: make(map[string][]subscription)}
}

// Use appends a middleware applied to every published event.
func (b *Bus) Use(mw Middleware) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.middleware = append(b.middleware, mw)
}

// Subscribe registers a handler for one request id. The returned cancel
// removes the subscription; it is safe to call more than once.
func (b *Bus) Subscribe(requestID string, h Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.byRequest[requestID] = append(b.byRequest[requestID], subscription{id: id, handler: h})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.byRequest[requestID]
		for i, s := range subs {
			if s.id == id {
				b.byRequest[requestID] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		if len(b.byRequest[requestID]) == 0 {
			delete(b.byRequest, requestID)
		}
	}
}

// SubscribeAll registers a handler for every event on the bus.
func (b *Bus) SubscribeAll(h Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.global = append(b.global, subscription{id: id, handler: h})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.global {
			if s.id == id {
				b.global = append(b.global[:i], b.global[i+1:]...)
				break
			}
		}
	}
}

// Publish delivers an event to the request's subscribers and all global
// subscribers, in subscription order.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	b.mu.RLock()
	mws := b.middleware
	subs := make([]subscription, 0, len(b.byRequest[ev.RequestID])+len(b.global))
	subs = append(subs, b.byRequest[ev.RequestID]...)
	subs = append(subs, b.global...)
	b.mu.RUnlock()

	evp := &ev
	for _, mw := range mws {
		evp = mw(evp)
		if evp == nil {
			return
		}
	}
	for _, s := range subs {
		s.handler(*evp)
	}
}
