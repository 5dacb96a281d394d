// Package event fans committed change events out to subscribers. Every
// subscriber owns a bounded channel; a publisher blocks on a full channel so
// no event is dropped and every subscriber observes events in publish order.
package event

import (
	"context"
	"errors"
	"sync"

	"isocore/pkg/domain"
)

// ErrClosed is returned when publishing on a closed bus.
var ErrClosed = errors.New("event bus closed")

// DefaultBuffer is the per-subscriber channel capacity used when none is given.
const DefaultBuffer = 64

// Bus is an ordered publish/subscribe hub for domain events.
type Bus struct {
	publish sync.Mutex // serializes publishers so order is global

	mu     sync.Mutex
	subs   map[uint64]*Subscription
	nextID uint64
	buffer int
	closed bool
}

// NewBus constructs a bus whose subscribers buffer up to buffer events.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Bus{subs: make(map[uint64]*Subscription), buffer: buffer}
}

// Subscription receives events published after it was created.
type Subscription struct {
	id   uint64
	bus  *Bus
	ch   chan domain.Event
	done chan struct{}
	once sync.Once
}

// Subscribe registers a new subscriber.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{id: b.nextID, bus: b, ch: make(chan domain.Event, b.buffer), done: make(chan struct{})}
	if b.closed {
		sub.stop()
		return sub
	}
	b.subs[sub.id] = sub
	return sub
}

// Events returns the receive channel. It is closed when the subscription or
// the bus is closed.
func (s *Subscription) Events() <-chan domain.Event { return s.ch }

// Close detaches the subscription. Pending events are discarded.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s.id)
	s.bus.mu.Unlock()
	s.once.Do(func() { close(s.done) })
}

func (s *Subscription) stop() {
	s.once.Do(func() { close(s.done) })
	close(s.ch)
}

// Publish delivers events to every current subscriber in order. It blocks
// while a subscriber's buffer is full, until ctx is done.
func (b *Bus) Publish(ctx context.Context, events ...domain.Event) error {
	b.publish.Lock()
	defer b.publish.Unlock()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, ev := range events {
		for _, s := range subs {
			select {
			case s.ch <- ev:
			case <-s.done:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}

// Subscribers returns the number of attached subscribers.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close closes every subscriber channel. Subsequent publishes fail.
func (b *Bus) Close() {
	b.publish.Lock()
	defer b.publish.Unlock()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		delete(b.subs, id)
		s.stop()
	}
}

// Pump forwards events from sub to fn until the subscription closes or ctx
// is done. It is meant to run on its own goroutine.
func Pump(ctx context.Context, sub *Subscription, fn func(domain.Event)) {
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			fn(ev)
		case <-sub.done:
			return
		case <-ctx.Done():
			return
		}
	}
}
