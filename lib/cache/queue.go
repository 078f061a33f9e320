package cache

import (
	"sync"
)

// flushQueue is a bounded multi-producer single-consumer queue of keys
// awaiting flush. Producers (Put/Delete callers and the flusher's re-enqueue
// path) push bare key references; the mutation content is resolved from the
// pending table at flush time, not at enqueue time.
//
// A dedicated consumer goroutine pumps keys from the ring buffer into an
// unbuffered channel so the single consumer (the flusher) can receive with
// the '<-' operator in select statements.
//
// Admission is governed by exactly one policy, fixed at construction:
//
//   - AdmissionBlock: Push blocks until space is available
//   - AdmissionReject: Push fails with a RetCQueueFull error
//   - AdmissionDropOldest: Push evicts the oldest queued key
type flushQueue struct {
	mu       sync.Mutex
	notFull  *sync.Cond
	notEmpty *sync.Cond

	ring  []string
	head  int
	count int

	policy AdmissionPolicy
	closed bool

	out      chan string
	consumer sync.WaitGroup

	// onDrop is invoked (without the lock) after a drop-oldest eviction
	onDrop func()
}

// newFlushQueue creates a queue with the given capacity and admission policy.
// onDrop may be nil.
func newFlushQueue(capacity int, policy AdmissionPolicy, onDrop func()) *flushQueue {
	q := &flushQueue{
		ring:   make([]string, capacity),
		policy: policy,
		out:    make(chan string),
		onDrop: onDrop,
	}
	q.notFull = sync.NewCond(&q.mu)
	q.notEmpty = sync.NewCond(&q.mu)

	q.consumer.Add(1)
	go q.consume()

	return q
}

// Push adds a key to the back of the queue according to the admission policy.
// Returns a RetCClosed error if the queue is closed and a RetCQueueFull error
// if the queue is full under the reject policy.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (q *flushQueue) Push(key string) error {
	q.mu.Lock()

	dropped := 0
	for !q.closed && q.count == len(q.ring) {
		switch q.policy {
		case AdmissionReject:
			q.mu.Unlock()
			return NewError(RetCQueueFull, "flush queue is at capacity")
		case AdmissionDropOldest:
			// evict the oldest queue entry; its pending mutation stays
			// tabled and is rescued by the periodic sweep or the drain
			q.head = (q.head + 1) % len(q.ring)
			q.count--
			dropped++
		case AdmissionBlock:
			q.notFull.Wait()
		}
	}

	if q.closed {
		q.mu.Unlock()
		q.notifyDrops(dropped)
		return NewError(RetCClosed, "flush queue is closed")
	}

	q.ring[(q.head+q.count)%len(q.ring)] = key
	q.count++
	q.notEmpty.Signal()
	q.mu.Unlock()

	q.notifyDrops(dropped)
	return nil
}

// TryPush adds a key without ever blocking or evicting, regardless of the
// admission policy. Returns false if the queue is full or closed. Used by the
// flusher to re-enqueue failed keys - the flusher must never block on its own
// queue, since it is also the queue's only consumer.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (q *flushQueue) TryPush(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || q.count == len(q.ring) {
		return false
	}
	q.ring[(q.head+q.count)%len(q.ring)] = key
	q.count++
	q.notEmpty.Signal()
	return true
}

func (q *flushQueue) notifyDrops(n int) {
	if q.onDrop == nil {
		return
	}
	for i := 0; i < n; i++ {
		q.onDrop()
	}
}

// consume continuously sends queued keys to the output channel.
func (q *flushQueue) consume() {
	defer q.consumer.Done()
	defer close(q.out)

	for {
		q.mu.Lock()
		for q.count == 0 && !q.closed {
			q.notEmpty.Wait()
		}
		if q.count == 0 && q.closed {
			q.mu.Unlock()
			return
		}

		key := q.ring[q.head]
		q.ring[q.head] = ""
		q.head = (q.head + 1) % len(q.ring)
		q.count--
		q.notFull.Signal()
		q.mu.Unlock()

		q.out <- key
	}
}

// Recv returns a receive-only channel for consuming from the queue.
// The channel is closed once the queue is closed and fully drained.
func (q *flushQueue) Recv() <-chan string {
	return q.out
}

// Close closes the queue, preventing further pushes and unblocking any
// producers waiting under the block policy. Keys already queued are still
// delivered to the consumer.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (q *flushQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
	q.mu.Unlock()
}

// Len returns the number of keys currently queued.
func (q *flushQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}
