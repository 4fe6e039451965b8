// Package notify provides a broadcast signal for "something changed" events,
// such as a registry swap.
package notify

import "sync"

// Signal wakes every waiter at once. Waiters take the current channel from
// C() and block on it; Notify closes that channel and installs a fresh one,
// so each wakeup is observed exactly once per C() call.
type Signal struct {
	mu sync.Mutex
	ch chan struct{}
}

// NewSignal creates a ready-to-use Signal.
func NewSignal() *Signal { return &Signal{ch: make(chan struct{})} }

// Notify wakes all current waiters.
func (s *Signal) Notify() {
	s.mu.Lock()
	close(s.ch)
	s.ch = make(chan struct{})
	s.mu.Unlock()
}

// C returns a channel that is closed on the next Notify() call.
func (s *Signal) C() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}
