// Package callback provides a replaceable, clearable callback holder that is
// safe to call from worker goroutines.
package callback

import "sync"

// Slot holds at most one callback of type F. Calls made through Do run while
// the slot lock is held, so Set and Clear return only once an in-flight call
// has finished and the old callback can no longer fire.
type Slot[F any] struct {
	mu  sync.Mutex
	fn  F
	set bool
}

// NewSlot returns a slot holding fn
func NewSlot[F any](fn F) *Slot[F] {
	return &Slot[F]{fn: fn, set: true}
}

// Set replaces the callback
func (s *Slot[F]) Set(fn F) {
	s.mu.Lock()
	s.fn = fn
	s.set = true
	s.mu.Unlock()
}

// Clear removes the callback
func (s *Slot[F]) Clear() {
	s.mu.Lock()
	var zero F
	s.fn = zero
	s.set = false
	s.mu.Unlock()
}

// IsSet reports whether a callback is installed
func (s *Slot[F]) IsSet() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set
}

// Do invokes call with the current callback, if any, and reports whether it ran.
// The callback must not Set or Clear the same slot.
func (s *Slot[F]) Do(call func(F)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.set {
		return false
	}
	call(s.fn)
	return true
}
