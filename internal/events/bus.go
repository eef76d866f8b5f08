package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var ErrClosed = errors.New("events: bus closed")

// DefaultQueueCapacity bounds a subscriber's undelivered queue unless the
// subscriber asks for a different capacity.
const DefaultQueueCapacity = 256

// LagError reports how many events a slow subscriber missed during one
// overflow episode. Delivery resumes with the oldest retained event.
type LagError struct {
	Missed uint64
}

func (e *LagError) Error() string {
	return fmt.Sprintf("events: subscriber lagged, missed %d events", e.Missed)
}

// Bus is the single multi-producer broadcast endpoint. Every subscriber owns
// a bounded queue, so a slow consumer never blocks publishers; it loses the
// oldest undelivered events instead and is told how many it missed.
type Bus struct {
	mu     sync.Mutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool
}

func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]*Subscription)}
}

// Publish fans one event out to every current subscriber. Publishing on a
// closed bus drops the event.
func (b *Bus) Publish(event Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	targets := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		targets = append(targets, sub)
	}
	b.mu.Unlock()
	for _, sub := range targets {
		sub.push(event)
	}
}

// Subscribe registers a new subscriber with its own delivery queue. A
// capacity below one uses DefaultQueueCapacity.
func (b *Bus) Subscribe(capacity int) *Subscription {
	if capacity < 1 {
		capacity = DefaultQueueCapacity
	}
	sub := &Subscription{
		capacity: capacity,
		wake:     make(chan struct{}, 1),
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.closed = true
		return sub
	}
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe detaches a subscriber; its pending queue is discarded and any
// blocked Recv returns ErrClosed.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	delete(b.subs, sub.id)
	b.mu.Unlock()
	sub.close()
}

// Close permanently shuts the publish endpoint. Subscribers drain their
// retained queues and then receive ErrClosed.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	targets := make([]*Subscription, 0, len(b.subs))
	for id, sub := range b.subs {
		targets = append(targets, sub)
		delete(b.subs, id)
	}
	b.mu.Unlock()
	for _, sub := range targets {
		sub.close()
	}
}

// SubscriberCount returns the number of attached subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Subscription is one subscriber's bounded delivery queue.
type Subscription struct {
	id       uint64
	capacity int

	mu     sync.Mutex
	queue  []Event
	missed uint64
	closed bool
	wake   chan struct{}
}

func (s *Subscription) push(event Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if len(s.queue) >= s.capacity {
		drop := len(s.queue) - s.capacity + 1
		s.queue = append(s.queue[:0:0], s.queue[drop:]...)
		s.missed += uint64(drop)
	}
	s.queue = append(s.queue, event)
	s.mu.Unlock()
	s.notify()
}

func (s *Subscription) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.notify()
}

func (s *Subscription) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Recv blocks until an event is available, the subscription laps (returning a
// *LagError exactly once per overflow episode), the bus closes (ErrClosed
// after the retained queue drains), or ctx is done.
func (s *Subscription) Recv(ctx context.Context) (Event, error) {
	for {
		s.mu.Lock()
		if s.missed > 0 {
			n := s.missed
			s.missed = 0
			s.mu.Unlock()
			return Event{}, &LagError{Missed: n}
		}
		if len(s.queue) > 0 {
			event := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return event, nil
		}
		if s.closed {
			s.mu.Unlock()
			return Event{}, ErrClosed
		}
		s.mu.Unlock()
		select {
		case <-s.wake:
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}
