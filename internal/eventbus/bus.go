// Package eventbus routes vote events from the chat gateway to the polls listening for them.
package eventbus

import (
	"sync"

	"github.com/Xausdorf/reactpoll/internal/domain"
)

type subscriber struct {
	kind    domain.EventKind
	filter  func(domain.VoteEvent) bool
	handler func(domain.VoteEvent)
}

// Bus is a synchronous publish/subscribe hub. Handlers run on the publisher's goroutine.
type Bus struct {
	mu     sync.RWMutex
	nextID domain.SubscriptionID
	subs   map[domain.SubscriptionID]subscriber
}

func New() *Bus {
	return &Bus{subs: make(map[domain.SubscriptionID]subscriber)}
}

func (b *Bus) Subscribe(kind domain.EventKind, filter func(domain.VoteEvent) bool, handler func(domain.VoteEvent)) domain.SubscriptionID {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.subs[b.nextID] = subscriber{kind: kind, filter: filter, handler: handler}
	return b.nextID
}

// Unsubscribe is a no-op for unknown ids.
func (b *Bus) Unsubscribe(id domain.SubscriptionID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// Publish delivers ev to every matching subscriber and reports how many got it.
func (b *Bus) Publish(ev domain.VoteEvent) int {
	b.mu.RLock()
	matched := make([]func(domain.VoteEvent), 0, 1)
	for _, s := range b.subs {
		if s.kind != ev.Kind {
			continue
		}
		if s.filter != nil && !s.filter(ev) {
			continue
		}
		matched = append(matched, s.handler)
	}
	b.mu.RUnlock()

	// handlers may unsubscribe, so they run without the lock
	for _, h := range matched {
		h(ev)
	}
	return len(matched)
}

func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
