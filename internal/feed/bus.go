// Package feed provides an ordered, drop-tolerant publish/subscribe bus.
//
// Publishers never block: each subscriber owns a bounded buffer and a value
// that does not fit is dropped for that subscriber and counted. Values are
// delivered to every subscriber in publish order.
package feed

import (
	"sync"
	"sync/atomic"
)

// DropFunc is invoked (outside the bus lock) whenever a value is dropped for
// a slow subscriber.
type DropFunc func(n int)

// Bus fans published values out to subscribers.
type Bus[T any] struct {
	mu     sync.Mutex
	subs   map[uint64]*Subscription[T]
	nextID uint64
	closed bool
	onDrop DropFunc
}

// Subscription is a single consumer's view of a Bus.
type Subscription[T any] struct {
	id      uint64
	bus     *Bus[T]
	ch      chan T
	dropped atomic.Uint64
	once    sync.Once
}

// NewBus constructs an empty bus. onDrop may be nil.
func NewBus[T any](onDrop DropFunc) *Bus[T] {
	return &Bus[T]{
		subs:   make(map[uint64]*Subscription[T]),
		onDrop: onDrop,
	}
}

// Subscribe registers a consumer with the given buffer size (minimum 1).
// Subscribing to a closed bus returns a subscription whose channel is
// already closed.
func (b *Bus[T]) Subscribe(buffer int) *Subscription[T] {
	if buffer < 1 {
		buffer = 1
	}
	sub := &Subscription[T]{bus: b, ch: make(chan T, buffer)}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.once.Do(func() { close(sub.ch) })
		return sub
	}
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	return sub
}

// Publish delivers v to every subscriber that has room and returns the number
// of subscribers that received it. It never blocks.
func (b *Bus[T]) Publish(v T) int {
	delivered, dropped := 0, 0

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return 0
	}
	for _, sub := range b.subs {
		select {
		case sub.ch <- v:
			delivered++
		default:
			sub.dropped.Add(1)
			dropped++
		}
	}
	b.mu.Unlock()

	if dropped > 0 && b.onDrop != nil {
		b.onDrop(dropped)
	}
	return delivered
}

// Len reports the number of active subscribers.
func (b *Bus[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close closes every subscriber channel. Later publishes are ignored.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		sub.once.Do(func() { close(sub.ch) })
	}
}

// C returns the receive channel. It is closed when the subscription is
// cancelled or the bus is closed.
func (s *Subscription[T]) C() <-chan T { return s.ch }

// Dropped reports how many values were dropped for this subscriber.
func (s *Subscription[T]) Dropped() uint64 { return s.dropped.Load() }

// Cancel unregisters the subscription and closes its channel. Safe to call
// more than once.
func (s *Subscription[T]) Cancel() {
	b := s.bus
	b.mu.Lock()
	delete(b.subs, s.id)
	s.once.Do(func() { close(s.ch) })
	b.mu.Unlock()
}
