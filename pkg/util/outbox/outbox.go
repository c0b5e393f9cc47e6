// Package outbox provides an unbounded FIFO handed from many producers to a single consumer.
package outbox

import (
	"sync"
)

// Outbox is an unbounded queue with a single consumer.
// Producers never block; the consumer waits on Ready and then drains everything queued so far.
type Outbox[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool

	// readyC has room for one signal, so a burst of pushes wakes the consumer once.
	readyC chan struct{}
}

// New creates an empty outbox.
func New[T any]() *Outbox[T] {
	return &Outbox[T]{
		readyC: make(chan struct{}, 1),
	}
}

// Push appends item. It returns false if the outbox is closed, in which case item is dropped.
func (o *Outbox[T]) Push(item T) bool {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return false
	}
	o.items = append(o.items, item)
	o.mu.Unlock()

	o.notify()
	return true
}

// Close stops accepting new items. Items already queued can still be drained.
func (o *Outbox[T]) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.mu.Unlock()

	o.notify()
}

// Drain takes all queued items in push order, and reports whether the outbox is closed.
// Once Drain returns closed with no items, nothing will ever be drained again.
func (o *Outbox[T]) Drain() (items []T, closed bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	items, o.items = o.items, nil
	return items, o.closed
}

// Len returns the number of queued items.
func (o *Outbox[T]) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.items)
}

// Ready returns a channel that receives a value after a Push or Close.
func (o *Outbox[T]) Ready() <-chan struct{} {
	return o.readyC
}

func (o *Outbox[T]) notify() {
	select {
	case o.readyC <- struct{}{}:
	default:
	}
}
