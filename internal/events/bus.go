package events

import (
	"sync"
	"sync/atomic"
)

// DefaultBuffer is the subscriber channel size used when none is given.
const DefaultBuffer = 256

// EventBus is a channel-based pub-sub event bus.
// Supports topic subscriptions and SubscribeAll for cross-topic consumption.
// Publishing never blocks the job: a full subscriber misses the event.
type EventBus struct {
	mu      sync.RWMutex
	subs    map[string][]chan Event // topic -> subscriber channels
	allSubs []chan Event            // channels subscribed to all topics
	closed  bool
	dropped atomic.Uint64
}

// NewEventBus creates a new event bus.
func NewEventBus() *EventBus {
	return &EventBus{
		subs: make(map[string][]chan Event),
	}
}

func newChan(bufSize int) chan Event {
	if bufSize <= 0 {
		bufSize = DefaultBuffer
	}
	return make(chan Event, bufSize)
}

// Subscribe returns a channel receiving events published to topic.
func (b *EventBus) Subscribe(topic string, bufSize int) <-chan Event {
	ch := newChan(bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch
	}
	b.subs[topic] = append(b.subs[topic], ch)
	return ch
}

// SubscribeAll returns a channel receiving events from every topic.
func (b *EventBus) SubscribeAll(bufSize int) <-chan Event {
	ch := newChan(bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch
	}
	b.allSubs = append(b.allSubs, ch)
	return ch
}

// Unsubscribe removes and closes a channel returned by Subscribe or
// SubscribeAll. Unknown channels are ignored.
func (b *EventBus) Unsubscribe(sub <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	for topic, chans := range b.subs {
		if i := indexOf(chans, sub); i >= 0 {
			close(chans[i])
			b.subs[topic] = append(chans[:i], chans[i+1:]...)
			return
		}
	}
	if i := indexOf(b.allSubs, sub); i >= 0 {
		close(b.allSubs[i])
		b.allSubs = append(b.allSubs[:i], b.allSubs[i+1:]...)
	}
}

func indexOf(chans []chan Event, sub <-chan Event) int {
	for i, ch := range chans {
		if (<-chan Event)(ch) == sub {
			return i
		}
	}
	return -1
}

// Publish sends event to the subscribers of its topic and to every
// SubscribeAll channel.
func (b *EventBus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, ch := range b.subs[event.Topic()] {
		b.deliver(ch, event)
	}
	for _, ch := range b.allSubs {
		b.deliver(ch, event)
	}
}

func (b *EventBus) deliver(ch chan Event, event Event) {
	select {
	case ch <- event:
	default:
		b.dropped.Add(1)
	}
}

// Dropped returns how many deliveries were skipped because a subscriber
// was full.
func (b *EventBus) Dropped() uint64 { return b.dropped.Load() }

// Close closes the event bus and all subscriber channels.
// Safe to call multiple times (idempotent).
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for _, channels := range b.subs {
		for _, ch := range channels {
			close(ch)
		}
	}
	for _, ch := range b.allSubs {
		close(ch)
	}
}
