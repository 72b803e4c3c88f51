// Package slot holds the one backend handle of an application run.
package slot

import (
	"errors"
	"sync"
)

var (
	ErrSlotOccupied = errors.New("slot already holds a handle")
	ErrNilHandle    = errors.New("nil handle")
)

// Slot is a single-valued container safe for concurrent use. A value is
// stored once and handed out by Take to exactly one caller.
type Slot[T any] struct {
	mu  sync.Mutex
	val *T
}

func New[T any]() *Slot[T] { return &Slot[T]{} }

// Store puts v into an empty slot. An occupied slot keeps its current value
// and ErrSlotOccupied is returned, so a live handle is never overwritten.
func (s *Slot[T]) Store(v *T) error {
	if v == nil {
		return ErrNilHandle
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.val != nil {
		return ErrSlotOccupied
	}
	s.val = v
	return nil
}

// Take removes and returns the value. Among concurrent callers only one
// receives it; the others get (nil, false).
func (s *Slot[T]) Take() (*T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.val
	s.val = nil
	return v, v != nil
}

// Peek returns the current value without removing it. The caller must not
// signal or wait on it; that requires ownership obtained through Take.
func (s *Slot[T]) Peek() (*T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.val, s.val != nil
}
