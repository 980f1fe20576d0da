package video

import "sync"

// DefaultQueueCapacity bounds worker queues. Producers never block: when
// the queue is full the oldest item is dropped.
const DefaultQueueCapacity = 5

type workQueue[T any] struct {
	mu       sync.Mutex
	cond     *sync.Cond
	items    []T
	capacity int
	stopped  bool
	dropped  uint64

	// pinned items are never dropped to make room. A queue full of pinned
	// items grows past capacity.
	pinned func(T) bool
}

func newWorkQueue[T any](capacity int) *workQueue[T] {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	q := &workQueue[T]{
		items:    make([]T, 0, capacity),
		capacity: capacity,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push appends item, dropping the oldest unpinned item when full. It reports
// whether the item was queued.
func (q *workQueue[T]) push(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		return false
	}
	if len(q.items) >= q.capacity {
		q.dropOldestLocked()
	}
	q.items = append(q.items, item)
	q.cond.Signal()
	return true
}

// dropOldestLocked removes the oldest item that is not pinned.
func (q *workQueue[T]) dropOldestLocked() {
	for i, item := range q.items {
		if q.pinned != nil && q.pinned(item) {
			continue
		}
		copy(q.items[i:], q.items[i+1:])
		var zero T
		q.items[len(q.items)-1] = zero
		q.items = q.items[:len(q.items)-1]
		q.dropped++
		return
	}
}

// pop blocks until an item is available or the queue is stopped.
func (q *workQueue[T]) pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 && !q.stopped {
		q.cond.Wait()
	}
	if q.stopped {
		var zero T
		return zero, false
	}
	item := q.items[0]
	var zero T
	q.items[0] = zero
	q.items = q.items[1:]
	return item, true
}

// stop discards pending items and wakes every waiter.
func (q *workQueue[T]) stop() {
	q.mu.Lock()
	q.stopped = true
	q.items = nil
	q.mu.Unlock()
	q.cond.Broadcast()
}

func (q *workQueue[T]) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *workQueue[T]) droppedCount() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
