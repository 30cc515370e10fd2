// Package events provides an in-process pub/sub fan-out of event log
// records. The websocket stream and the ambient engine subscribe to it;
// the event log publishes every append.
package events

import (
	"sync"

	"github.com/hexley-dev/kmd/internal/protocol"
)

// Bus is a simple pub/sub bus over appended events.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]chan protocol.Event
	bufferSize  int
}

// NewBus creates an event bus.
func NewBus(bufferSize int) *Bus {
	if bufferSize < 1 {
		bufferSize = 64
	}
	return &Bus{
		subscribers: make(map[string]chan protocol.Event),
		bufferSize:  bufferSize,
	}
}

// Publish sends an event to all subscribers.
// Non-blocking: drops events for slow subscribers. The event log is the
// durable record; the bus is only a live view.
func (b *Bus) Publish(evt protocol.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
		}
	}
}

// Subscribe returns a channel of events. Call Unsubscribe with the same
// id when done.
func (b *Bus) Subscribe(id string) <-chan protocol.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan protocol.Event, b.bufferSize)
	b.subscribers[id] = ch
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
