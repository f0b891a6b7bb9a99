package connection

import (
	"sync"
)

// eventQueue is an unbounded FIFO that doubles its ring when full.
// Push never blocks, so the Manager can enqueue notifications while
// holding its lock.
type eventQueue[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    []T
	head   int // read position
	tail   int // write position
	count  int
	closed bool
}

func newEventQueue[T any](initialCapacity int) *eventQueue[T] {
	if initialCapacity < 1 {
		initialCapacity = 1
	}
	q := &eventQueue[T]{
		buf: make([]T, initialCapacity),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends an item. Returns false if the queue is closed.
func (q *eventQueue[T]) Push(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	if q.count == len(q.buf) {
		q.grow()
	}

	q.buf[q.tail] = item
	q.tail = (q.tail + 1) % len(q.buf)
	q.count++

	q.cond.Signal()
	return true
}

// Pop removes the oldest item, blocking until one is available.
// Returns false once the queue is closed and drained.
func (q *eventQueue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.count == 0 && !q.closed {
		q.cond.Wait()
	}

	var zero T
	if q.count == 0 {
		return zero, false
	}

	item := q.buf[q.head]
	q.buf[q.head] = zero // Clear reference for GC
	q.head = (q.head + 1) % len(q.buf)
	q.count--

	return item, true
}

// Close stops accepting items. Pending items are still delivered.
func (q *eventQueue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.cond.Broadcast()
}

// Len returns the number of queued items.
func (q *eventQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// grow doubles the ring. Must be called with lock held.
func (q *eventQueue[T]) grow() {
	next := make([]T, len(q.buf)*2)

	if q.count > 0 {
		if q.head < q.tail {
			copy(next, q.buf[q.head:q.tail])
		} else {
			n := copy(next, q.buf[q.head:])
			copy(next[n:], q.buf[:q.tail])
		}
	}

	q.buf = next
	q.head = 0
	q.tail = q.count
}
