package central

import "sync/atomic"

// ringChannel is a bounded channel-like buffer with overwrite-oldest
// semantics, used as the backing store for every event stream in this
// package. Producers never block: when the buffer is full the oldest
// element is discarded.
//
// Sends and Close are serialized on the manager run loop; only the closed
// flag is read from producer side to make late sends after Close a no-op
// instead of a panic.
type ringChannel[T any] struct {
	ch     chan T
	closed atomic.Bool
}

func newRingChannel[T any](capacity int) *ringChannel[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &ringChannel[T]{ch: make(chan T, capacity)}
}

// C returns the receive side. Consumers range over it until closed.
func (rc *ringChannel[T]) C() <-chan T {
	return rc.ch
}

// send inserts an item, discarding the oldest buffered item when full.
// Returns true when an item was dropped to make room.
func (rc *ringChannel[T]) send(v T) bool {
	if rc.closed.Load() {
		return false
	}
	dropped := false
	select {
	case rc.ch <- v:
	default:
		select {
		case <-rc.ch: // drop oldest
			dropped = true
		default:
		}
		rc.ch <- v
	}
	return dropped
}

// close closes the receive side exactly once. Later sends are dropped.
func (rc *ringChannel[T]) close() {
	if rc.closed.CompareAndSwap(false, true) {
		close(rc.ch)
	}
}

func (rc *ringChannel[T]) Len() int { return len(rc.ch) }
func (rc *ringChannel[T]) Cap() int { return cap(rc.ch) }
