package gateway

import (
	"context"
	"sync"

	"devlink/device"
)

const subscriberBuffer = 64

// subscriber holds a buffered channel for one consumer.
type subscriber struct {
	ch chan device.Event
}

// EventBus fans device events out to every subscriber. The device manager has
// a single event stream; the bus lets the websocket clients and the daemon's
// own event log share it.
type EventBus struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

// NewEventBus constructs a ready EventBus.
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[*subscriber]struct{})}
}

// Subscribe registers a consumer. The returned function unsubscribes and
// closes the channel; it must be called exactly once.
func (b *EventBus) Subscribe() (<-chan device.Event, func()) {
	s := &subscriber{ch: make(chan device.Event, subscriberBuffer)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		delete(b.subs, s)
		b.mu.Unlock()
		close(s.ch)
	}
	return s.ch, unsub
}

// Publish sends e to all current subscribers. Slow consumers miss the event
// rather than stalling the manager.
func (b *EventBus) Publish(e device.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		select {
		case s.ch <- e:
		default:
		}
	}
}

// Pump publishes everything from events until ctx is done or events closes.
func (b *EventBus) Pump(ctx context.Context, events <-chan device.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			b.Publish(e)
		}
	}
}

// Len returns the current subscriber count.
func (b *EventBus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
