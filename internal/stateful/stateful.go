// Package stateful wraps a value with persistence callbacks so every mutation
// is checkpointed to durable storage before the mutating call returns.
package stateful

import (
	"errors"
	"fmt"
)

var ErrNilMutation = errors.New("stateful: nil mutation")

// PersistFn persists one view of the owned value. The incremental form runs
// after every successful Transform; the final form runs once at shutdown.
type PersistFn[T any] func(value *T) error

// Stateful owns a value of type T together with its persistence strategy.
// It performs no locking of its own; the external lock guarding the container
// also guards the value.
type Stateful[T any] struct {
	value      T
	checkpoint PersistFn[T]
	finalFlush PersistFn[T]
}

// New builds a container around initial. Nil persistence functions are
// treated as no-ops.
func New[T any](initial T, checkpoint, finalFlush PersistFn[T]) *Stateful[T] {
	return &Stateful[T]{value: initial, checkpoint: checkpoint, finalFlush: finalFlush}
}

// Get returns a pointer to the owned value for read access.
func (s *Stateful[T]) Get() *T {
	return &s.value
}

// Transform applies fn to the owned value in place and checkpoints the result.
// On checkpoint failure the in-memory mutation is NOT rolled back; fn must be
// all-or-nothing if the caller needs atomicity.
func (s *Stateful[T]) Transform(fn func(value *T) error) error {
	if fn == nil {
		return ErrNilMutation
	}
	if err := fn(&s.value); err != nil {
		return fmt.Errorf("stateful: mutation: %w", err)
	}
	if s.checkpoint == nil {
		return nil
	}
	if err := s.checkpoint(&s.value); err != nil {
		return fmt.Errorf("stateful: checkpoint: %w", err)
	}
	return nil
}

// Finalize runs the final persistence function. Called once at shutdown.
func (s *Stateful[T]) Finalize() error {
	if s.finalFlush == nil {
		return nil
	}
	if err := s.finalFlush(&s.value); err != nil {
		return fmt.Errorf("stateful: final flush: %w", err)
	}
	return nil
}
