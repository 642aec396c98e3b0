package events

import (
	"sync"
	"sync/atomic"
)

// subscriberBuffer is how many run events a sink may lag behind the
// coordinator before further events are dropped for it.
const subscriberBuffer = 128

// Bus fans run events from the coordinator out to attached sinks. Publish
// never blocks a phase: a sink that falls behind loses events, and the loss
// is counted.
type Bus struct {
	mu      sync.RWMutex
	subs    map[<-chan Event]chan Event
	closed  bool
	dropped atomic.Int64
}

func NewBus() *Bus {
	return &Bus{subs: make(map[<-chan Event]chan Event)}
}

// Subscribe registers a sink channel. It is closed by Unsubscribe or Close;
// subscribing to a closed bus yields an already closed channel.
func (b *Bus) Subscribe() <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	if b.closed {
		close(ch)
		return ch
	}
	b.subs[ch] = ch
	return ch
}

func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(sub)
	}
}

// Publish delivers ev to every sink with buffer room.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		select {
		case sub <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribers is the number of attached sinks.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped counts deliveries lost to full sink buffers.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close ends every subscription once the run is over. Sinks drain what is
// already buffered.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for key, sub := range b.subs {
		delete(b.subs, key)
		close(sub)
	}
}
