package cache

import (
	"io"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/wbKV/lib/backing"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var plog = logger.GetLogger("cache")

// --------------------------------------------------------------------------
// Core engine structure
// --------------------------------------------------------------------------

// engineImpl implements ICache. The cache map is the source of truth for
// reads and is updated synchronously on every write; the pending table and
// the flush queue feed the single background flusher, which performs all
// backing store I/O.
type engineImpl struct {
	opts  Options
	store backing.IBackingStore

	data    *xsync.MapOf[string, []byte] // cache map
	pending *pendingTable
	queue   *flushQueue

	metrics *engineMetrics

	closed        atomic.Bool   // no new writes accepted once set
	draining      atomic.Bool   // guards the single drain
	drainDeadline atomic.Value  // time.Time, set before the queue is closed
	doneCh        chan struct{} // closed when the flusher exits
}

// --------------------------------------------------------------------------
// Initialization and Setup
// --------------------------------------------------------------------------

// New creates a write-behind cache engine on top of the given backing store
// and starts its background flusher. A nil opts uses DefaultOptions. Zero or
// negative tunables are rejected with a RetCInvalidConfig error.
//
// Thread-safety: the returned engine is safe for concurrent use. This
// function itself should only be called once per engine instance.
func New(store backing.IBackingStore, opts *Options) (ICache, error) {
	if store == nil {
		return nil, NewError(RetCInvalidConfig, "backing store must not be nil")
	}
	if opts == nil {
		opts = DefaultOptions()
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}

	e := &engineImpl{
		opts:    *opts,
		store:   store,
		data:    xsync.NewMapOf[string, []byte](),
		pending: newPendingTable(),
		doneCh:  make(chan struct{}),
	}

	// metrics before the queue: the queue reports drop-oldest evictions
	e.metrics = newEngineMetrics(e)
	e.queue = newFlushQueue(opts.QueueCapacity, opts.Admission, e.metrics.droppedTotal.Inc)

	go e.flushLoop()

	return e, nil
}

// --------------------------------------------------------------------------
// Caller-Facing Operations (docu see interface.go)
// --------------------------------------------------------------------------

// Put admits the key to the flush queue first and only then updates the
// cache map and pending table. A rejected call therefore has no observable
// effect at all. The tiny window in which the queued key has no pending
// mutation yet is legal: the flusher treats a queued key without a tabled
// mutation as a no-op, and the periodic sweep rescues the tabled mutation.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (e *engineImpl) Put(key string, value []byte) error {
	if e.closed.Load() {
		return NewError(RetCClosed, "engine is draining or closed")
	}

	if err := e.admit(key); err != nil {
		return err
	}

	// Copy value to prevent memory corruption
	valueCopy := make([]byte, len(value))
	copy(valueCopy, value)

	// Use Compute so the map write and the pending record form one per-key
	// atomic section: racing writers to the same key always record their
	// mutations in map write order, keeping cache and store convergent.
	e.data.Compute(key, func(_ []byte, _ bool) ([]byte, bool) {
		e.pending.record(Mutation{
			Key:        key,
			Kind:       MutationUpsert,
			Value:      valueCopy,
			EnqueuedAt: time.Now(),
		})
		return valueCopy, false
	})
	return nil
}

// Get reads only the cache map; there is no read-through to the backing
// store. The returned value is a copy of the stored data and therefore safe
// to use and modify.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (e *engineImpl) Get(key string) ([]byte, bool) {
	value, ok := e.data.Load(key)
	if !ok {
		return nil, false
	}
	valueCopy := make([]byte, len(value))
	copy(valueCopy, value)
	return valueCopy, true
}

// Delete removes the key from the cache map (hard removal, no tombstone) and
// coalesces a delete mutation over any pending write for the key.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (e *engineImpl) Delete(key string) error {
	if e.closed.Load() {
		return NewError(RetCClosed, "engine is draining or closed")
	}

	if err := e.admit(key); err != nil {
		return err
	}

	// same per-key atomic section as in Put (the true return value removes
	// the map entry)
	e.data.Compute(key, func(_ []byte, _ bool) ([]byte, bool) {
		e.pending.record(Mutation{
			Key:        key,
			Kind:       MutationDelete,
			EnqueuedAt: time.Now(),
		})
		return nil, true
	})
	return nil
}

// admit pushes the key into the flush queue under the configured admission
// policy and tracks rejections.
func (e *engineImpl) admit(key string) error {
	if err := e.queue.Push(key); err != nil {
		if HasCode(err, RetCQueueFull) {
			e.metrics.rejectedTotal.Inc()
		}
		return err
	}
	return nil
}

// --------------------------------------------------------------------------
// Lifecycle
// --------------------------------------------------------------------------

// Drain stops admission, lets the flusher run one final assembly+persist
// pass over all outstanding mutations (bounded by the timeout) and waits for
// it to exit. Mutations still pending afterwards are reported; they are lost
// from the engine's perspective once the process exits.
//
// Thread-safety: This method is thread-safe; only the first call performs
// the drain, subsequent calls fail with a RetCClosed error.
func (e *engineImpl) Drain(timeout time.Duration) (int, error) {
	if !e.draining.CompareAndSwap(false, true) {
		return e.pending.size(), NewError(RetCClosed, "engine already draining or closed")
	}

	e.closed.Store(true)
	deadline := time.Now().Add(timeout)
	e.drainDeadline.Store(deadline)

	// closing the queue unblocks waiting producers and, once the queue is
	// empty, signals the flusher to run its final flush
	e.queue.Close()

	select {
	case <-e.doneCh:
		remaining := e.pending.size()
		if remaining > 0 {
			e.metrics.drainTimeoutsTotal.Inc()
			plog.Warningf("drain finished with %d unflushed mutations", remaining)
			return remaining, NewError(RetCDrainTimeout, "drain finished with unflushed mutations")
		}
		plog.Infof("drain completed cleanly")
		return 0, nil
	case <-time.After(time.Until(deadline)):
		// the flusher exits on its own: its persist context carries the
		// same deadline
		remaining := e.pending.size()
		e.metrics.drainTimeoutsTotal.Inc()
		plog.Warningf("drain timed out with %d unflushed mutations", remaining)
		return remaining, NewError(RetCDrainTimeout, "drain timed out with unflushed mutations")
	}
}

// Close drains the engine with the configured shutdown timeout. Closing an
// already drained engine is a no-op.
func (e *engineImpl) Close() error {
	_, err := e.Drain(e.opts.ShutdownTimeout)
	if err != nil && HasCode(err, RetCClosed) {
		return nil
	}
	return err
}

// --------------------------------------------------------------------------
// Introspection
// --------------------------------------------------------------------------

// Info returns a snapshot of the engine's observable state.
func (e *engineImpl) Info() CacheInfo {
	return CacheInfo{
		QueueDepth:       e.queue.Len(),
		PendingMutations: e.pending.size(),
		Flushes:          e.metrics.flushesTotal.Get(),
		FlushFailures:    e.metrics.flushFailuresTotal.Get(),
		Retries:          e.metrics.retriesTotal.Get(),
		Rejected:         e.metrics.rejectedTotal.Get(),
		Dropped:          e.metrics.droppedTotal.Get(),
		DeadLetters:      e.metrics.deadLettersTotal.Get(),
		DrainTimeouts:    e.metrics.drainTimeoutsTotal.Get(),
	}
}

// WritePrometheus writes all engine metrics in Prometheus text format.
func (e *engineImpl) WritePrometheus(w io.Writer) {
	e.metrics.set.WritePrometheus(w)
}
