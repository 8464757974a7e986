// Package bus fans the node manager's event stream out to every interested
// consumer (fabric publishers, the automation engine, the MCP event tool)
// without the manager holding a reference to any of them.
package bus

import (
	"context"
	"sync"

	"github.com/bubbaloop/daemon/pkg/node"
)

// EventBus is a bounded-channel fan-out for NodeEvents. Slow subscribers
// drop events rather than stalling the pump; the manager's own channel
// stays drained either way.
type EventBus struct {
	mu     sync.RWMutex
	subs   map[int]chan node.Event
	next   int
	closed bool
}

// New creates an empty bus.
func New() *EventBus {
	return &EventBus{subs: make(map[int]chan node.Event)}
}

// Subscribe registers a consumer with its own buffer. The returned cancel
// removes the subscription and closes its channel.
func (b *EventBus) Subscribe(buffer int) (<-chan node.Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan node.Event, buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
			b.mu.Unlock()
		})
	}
	return ch, cancel
}

// Publish delivers ev to every subscriber, dropping it for any whose
// buffer is full.
func (b *EventBus) Publish(ev node.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Run pumps events from src (typically Manager.Events()) into the bus
// until ctx is cancelled or src closes.
func (b *EventBus) Run(ctx context.Context, src <-chan node.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-src:
			if !ok {
				return
			}
			b.Publish(ev)
		}
	}
}

// Close tears the bus down, closing every subscriber channel.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
