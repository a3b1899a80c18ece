// Package eventbus is an in-process publish/subscribe registry keyed on
// "source:eventType", used to notify the workflow executor of triggering
// events. Grounded on the subscriber-map-under-a-mutex shape of
// everydev1618-govega/serve/broker.go's EventBroker, generalized from
// channel fan-out to synchronous handler dispatch since subscribers here
// are workflow trigger matchers, not SSE client channels.
package eventbus

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/relaycore/relayd/pkg/model"
)

// Handler processes one published event. Handlers run sequentially on the
// publishing goroutine and are expected not to block indefinitely.
type Handler func(ctx context.Context, event model.Event)

type subscription struct {
	id      string
	handler Handler
}

// Bus is a keyed registry of event handlers.
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]subscription
}

// New constructs an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[string][]subscription)}
}

// Subscribe registers handler under key "source:eventType" and returns a
// stable subscription id usable with Unsubscribe.
func (b *Bus) Subscribe(source, eventType string, handler Handler) string {
	key := model.Event{Source: source, EventType: eventType}.Key()
	id := uuid.NewString()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[key] = append(b.subs[key], subscription{id: id, handler: handler})
	return id
}

// Unsubscribe removes the subscription with id from every key it was
// registered under.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, subs := range b.subs {
		filtered := subs[:0]
		for _, s := range subs {
			if s.id != id {
				filtered = append(filtered, s)
			}
		}
		if len(filtered) == 0 {
			delete(b.subs, key)
		} else {
			b.subs[key] = filtered
		}
	}
}

// Publish dispatches event to every handler registered for its key,
// sequentially, awaiting each before calling the next.
func (b *Bus) Publish(ctx context.Context, event model.Event) {
	b.mu.RLock()
	subs := append([]subscription(nil), b.subs[event.Key()]...)
	b.mu.RUnlock()

	for _, s := range subs {
		s.handler(ctx, event)
	}
}
