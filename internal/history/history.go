// Package history provides the bounded record buffers backing event,
// console, and monitor histories.
package history

import "sync"

// Buffer is a fixed-capacity ring of the most recent records. Pushing onto a
// full buffer evicts the oldest record. Safe for concurrent use.
type Buffer[T any] struct {
	mu    sync.Mutex
	items []T
	start int
	count int
}

// NewBuffer creates an empty buffer holding at most capacity records.
// Capacity below one is clamped to one.
func NewBuffer[T any](capacity int) *Buffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer[T]{items: make([]T, capacity)}
}

// Push appends one record, evicting the oldest when full.
func (b *Buffer[T]) Push(item T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	end := (b.start + b.count) % len(b.items)
	b.items[end] = item
	if b.count == len(b.items) {
		b.start = (b.start + 1) % len(b.items)
		return
	}
	b.count++
}

// Len returns the number of records currently held.
func (b *Buffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Cap returns the fixed capacity.
func (b *Buffer[T]) Cap() int {
	return len(b.items)
}

// Snapshot returns a copy of all held records in chronological order.
func (b *Buffer[T]) Snapshot() []T {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]T, 0, b.count)
	for i := 0; i < b.count; i++ {
		out = append(out, b.items[(b.start+i)%len(b.items)])
	}
	return out
}

// Last returns a copy of the n most recent records in chronological order.
// When n exceeds the held count the whole buffer is returned.
func (b *Buffer[T]) Last(n int) []T {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n < 0 {
		n = 0
	}
	if n > b.count {
		n = b.count
	}
	out := make([]T, 0, n)
	for i := b.count - n; i < b.count; i++ {
		out = append(out, b.items[(b.start+i)%len(b.items)])
	}
	return out
}
