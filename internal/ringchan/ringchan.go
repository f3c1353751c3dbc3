// Package ringchan provides a bounded channel with overwrite-oldest
// semantics. Producers never block: when the buffer is full the oldest
// element is discarded. The bridge uses it to fan session events and packet
// log entries out to sockets that may be slow or gone.
package ringchan

import (
	"sync"
	"sync/atomic"
)

type RingChannel[T any] struct {
	ch      chan T
	dropped int64

	mu     sync.RWMutex // guards close against concurrent sends
	closed bool
}

// New creates a RingChannel with the given capacity.
func New[T any](capacity int) *RingChannel[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &RingChannel[T]{ch: make(chan T, capacity)}
}

// C returns the underlying receive-only channel. Consumers can range over
// this until it is closed.
func (rc *RingChannel[T]) C() <-chan T {
	return rc.ch
}

// Send inserts an item, discarding the oldest when the buffer is full.
// Sends after Close are counted as dropped, never a panic.
func (rc *RingChannel[T]) Send(v T) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	if rc.closed {
		atomic.AddInt64(&rc.dropped, 1)
		return
	}
	select {
	case rc.ch <- v:
		return
	default:
	}
	select {
	case <-rc.ch: // drop oldest
		atomic.AddInt64(&rc.dropped, 1)
	default:
	}
	select {
	case rc.ch <- v:
	default:
		atomic.AddInt64(&rc.dropped, 1)
	}
}

// TrySend attempts a non-blocking insert without displacing anything.
// Returns false if the buffer is full or the channel is closed.
func (rc *RingChannel[T]) TrySend(v T) bool {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	if rc.closed {
		return false
	}
	select {
	case rc.ch <- v:
		return true
	default:
		return false
	}
}

// Receive blocks until a value is available or the channel is closed.
func (rc *RingChannel[T]) Receive() (v T, ok bool) {
	v, ok = <-rc.ch
	return
}

// TryReceive attempts a non-blocking receive.
func (rc *RingChannel[T]) TryReceive() (v T, ok bool) {
	select {
	case v, ok = <-rc.ch:
		return
	default:
		var zero T
		return zero, false
	}
}

// Len returns the number of buffered elements.
func (rc *RingChannel[T]) Len() int {
	return len(rc.ch)
}

// Cap returns the channel capacity.
func (rc *RingChannel[T]) Cap() int {
	return cap(rc.ch)
}

// Dropped returns how many elements were discarded to make room.
func (rc *RingChannel[T]) Dropped() int64 {
	return atomic.LoadInt64(&rc.dropped)
}

// Close closes the channel for senders and readers. Idempotent.
func (rc *RingChannel[T]) Close() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.closed {
		return
	}
	rc.closed = true
	close(rc.ch)
}
