// Package emit is the bounded, lossy transport between the instrumentation
// hot path and the single consumer draining one operation's records.
package emit

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ErrInvalidCapacity is returned by New for non-positive capacities.
var ErrInvalidCapacity = errors.New("channel capacity must be positive")

// Channel carries records of one operation. Submit never blocks and never
// fails the caller: a full or closed channel drops the record and counts it.
type Channel[T any] struct {
	mu      sync.RWMutex
	ch      chan T
	closed  atomic.Bool
	dropped atomic.Uint64
	sent    atomic.Uint64
}

// New creates a channel with a fixed capacity.
func New[T any](capacity int) (*Channel[T], error) {
	if capacity <= 0 {
		return nil, ErrInvalidCapacity
	}
	return &Channel[T]{ch: make(chan T, capacity)}, nil
}

// Submit enqueues rec if there is room. It reports whether rec was accepted.
func (c *Channel[T]) Submit(rec T) bool {
	if c.closed.Load() {
		c.dropped.Add(1)
		return false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	// Re-check under the lock; Close holds it exclusively.
	if c.closed.Load() {
		c.dropped.Add(1)
		return false
	}

	select {
	case c.ch <- rec:
		c.sent.Add(1)
		return true
	default:
		c.dropped.Add(1)
		return false
	}
}

// C returns the receive side. It is closed by Close once buffered records
// have been handed over.
func (c *Channel[T]) C() <-chan T {
	return c.ch
}

// Close stops accepting records and closes the receive side. Buffered
// records remain readable. Close is idempotent.
func (c *Channel[T]) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	close(c.ch)
}

// Dropped returns the number of records refused by Submit.
func (c *Channel[T]) Dropped() uint64 {
	return c.dropped.Load()
}

// Sent returns the number of records accepted by Submit.
func (c *Channel[T]) Sent() uint64 {
	return c.sent.Load()
}

// Len returns the number of buffered records.
func (c *Channel[T]) Len() int {
	return len(c.ch)
}

// Cap returns the fixed capacity.
func (c *Channel[T]) Cap() int {
	return cap(c.ch)
}

// Utilization returns the buffered share of capacity, 0 to 1.
func (c *Channel[T]) Utilization() float64 {
	return float64(len(c.ch)) / float64(cap(c.ch))
}
