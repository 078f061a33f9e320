package cache

import (
	"context"
	"time"

	"github.com/ValentinKolb/wbKV/lib/backing"
)

// --------------------------------------------------------------------------
// Flusher Loop
// --------------------------------------------------------------------------

// flushLoop is the single background flusher. It collects distinct keys from
// the flush queue into a batch and persists the batch when either the batch
// size threshold is reached or the max-delay timer (armed when the first key
// of a batch arrives) fires - whichever comes first. Independently of queue
// traffic, the flush interval tick persists whatever has accumulated and
// sweeps tabled mutations whose queue entries were dropped.
//
// All backing store I/O happens on this goroutine. Failures are handled
// locally (retry/backoff/re-enqueue) and never propagate to callers.
//
// WARNING: this method must only be started once, by New.
func (e *engineImpl) flushLoop() {
	defer close(e.doneCh)

	ticker := time.NewTicker(e.opts.FlushInterval)
	defer ticker.Stop()

	// delay fires MaxDelay after the first key of the current batch arrived.
	// It starts stopped and drained.
	delay := time.NewTimer(e.opts.MaxDelay)
	if !delay.Stop() {
		<-delay.C
	}
	defer delay.Stop()

	// batch holds the distinct keys of the current collection cycle
	batch := make(map[string]struct{}, e.opts.BatchSize)

	// flush freezes and persists the current batch and disarms the delay
	// timer. Once a drain has started, the persist context carries the drain
	// deadline. Safe to call with an empty batch.
	flush := func() {
		if !delay.Stop() {
			select {
			case <-delay.C:
			default:
			}
		}
		if len(batch) == 0 {
			return
		}
		ctx, cancel := e.flushCtx()
		e.flushBatch(ctx, batch)
		cancel()
		batch = make(map[string]struct{}, e.opts.BatchSize)
	}

	for {
		select {
		case key, ok := <-e.queue.Recv():
			if !ok {
				// queue closed: the engine is draining. Keys collected so
				// far stay tabled - the final flush persists the whole
				// pending table under the drain deadline.
				e.finalFlush()
				return
			}
			if _, dup := batch[key]; !dup {
				if len(batch) == 0 {
					delay.Reset(e.opts.MaxDelay)
				}
				batch[key] = struct{}{}
			}
			if len(batch) >= e.opts.BatchSize {
				flush()
			}

		case <-delay.C:
			flush()

		case <-ticker.C:
			// rescue tabled mutations without a live queue entry (dropped
			// under the drop-oldest policy, or orphaned by a failed
			// re-enqueue after exhausted retries). The sweep tops up the
			// current batch on every tick, so sustained queue traffic
			// cannot starve an orphan.
			for _, key := range e.pending.keys(e.opts.BatchSize) {
				if len(batch) >= e.opts.BatchSize {
					break
				}
				batch[key] = struct{}{}
			}
			flush()
		}
	}
}

// flushCtx returns the context for a persist call: bounded by the drain
// deadline once a drain has started, unbounded otherwise.
func (e *engineImpl) flushCtx() (context.Context, context.CancelFunc) {
	if deadline, ok := e.drainDeadline.Load().(time.Time); ok && !deadline.IsZero() {
		return context.WithDeadline(context.Background(), deadline)
	}
	return context.Background(), func() {}
}

// finalFlush persists all outstanding mutations in batch-sized passes. The
// persist context carries the drain deadline, so a slow or failing backing
// store cannot keep the engine from shutting down.
func (e *engineImpl) finalFlush() {
	ctx, cancel := e.flushCtx()
	defer cancel()

	for {
		keys := e.pending.keys(e.opts.BatchSize)
		if len(keys) == 0 {
			return
		}
		batch := make(map[string]struct{}, len(keys))
		for _, key := range keys {
			batch[key] = struct{}{}
		}
		if !e.flushBatch(ctx, batch) {
			// terminal failure or drain deadline: leave the rest tabled so
			// Drain can report the unflushed count
			return
		}
	}
}

// --------------------------------------------------------------------------
// Batch Assembly and Persistence
// --------------------------------------------------------------------------

// flushBatch assembles the outgoing batch from the pending table and persists
// it. Assembly removes each mutation from the table, freezing the batch:
// concurrent writers start fresh pending mutations without interference.
// A queued key without a tabled mutation was already flushed by an earlier
// cycle and is skipped. Reports whether the batch was persisted.
func (e *engineImpl) flushBatch(ctx context.Context, keys map[string]struct{}) bool {
	upserts := make(map[string][]byte)
	var deletes []string
	muts := make([]Mutation, 0, len(keys))

	for key := range keys {
		mut, ok := e.pending.take(key)
		if !ok {
			continue // already flushed - legal no-op
		}
		muts = append(muts, mut)
		switch mut.Kind {
		case MutationUpsert:
			upserts[mut.Key] = mut.Value
		case MutationDelete:
			deletes = append(deletes, mut.Key)
		}
	}

	if len(muts) == 0 {
		return true
	}
	e.metrics.batchSize.Update(float64(len(muts)))

	if err := e.persist(ctx, upserts, deletes); err != nil {
		e.terminal(muts, err)
		return false
	}
	return true
}

// persist calls the backing store, retrying transient failures with jittered
// exponential backoff until the retry budget is exhausted. Permanent failures
// and context cancellation abort the schedule immediately.
func (e *engineImpl) persist(ctx context.Context, upserts map[string][]byte, deletes []string) error {
	retry := e.opts.Retry

	var lastErr error
	for attempt := 0; attempt < retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			e.metrics.retriesTotal.Inc()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retry.backoff(attempt - 1)):
			}
		}

		start := time.Now()
		err := e.callStore(ctx, upserts, deletes)
		e.metrics.flushDuration.UpdateDuration(start)

		if err == nil {
			e.metrics.flushesTotal.Inc()
			return nil
		}

		lastErr = err
		e.metrics.flushFailuresTotal.Inc()

		if backing.IsPermanent(err) {
			plog.Errorf("permanent backing store failure, aborting retries: %v", err)
			return err
		}
		plog.Warningf("flush attempt %d/%d failed: %v", attempt+1, retry.MaxAttempts, err)
	}

	return lastErr
}

// callStore performs the two batched store calls. Re-calling with the same
// content after a partial failure is safe: the store contract is idempotent
// per key (last value wins).
func (e *engineImpl) callStore(ctx context.Context, upserts map[string][]byte, deletes []string) error {
	if len(upserts) > 0 {
		if err := e.store.UpsertBatch(ctx, upserts); err != nil {
			return err
		}
	}
	if len(deletes) > 0 {
		return e.store.DeleteBatch(ctx, deletes)
	}
	return nil
}

// terminal routes a batch whose retry budget is exhausted (or that failed
// permanently) to its terminal disposition: the dead-letter callback if
// configured, otherwise re-enqueue for another full cycle. Re-enqueued keys
// enter the back of the queue so a repeatedly failing key cannot starve
// others. The restore skips keys for which a newer mutation was recorded
// while the batch was in flight.
func (e *engineImpl) terminal(muts []Mutation, err error) {
	if e.opts.OnDeadLetter != nil {
		e.metrics.deadLettersTotal.Add(len(muts))
		plog.Warningf("routing %d mutations to dead-letter: %v", len(muts), err)
		e.opts.OnDeadLetter(muts, err)
		return
	}

	requeued := 0
	for _, mut := range muts {
		if e.pending.restore(mut) {
			// never block here: the flusher is the queue's only consumer.
			// If the queue is full the mutation stays tabled and is picked
			// up by the periodic sweep.
			e.queue.TryPush(mut.Key)
			requeued++
		}
	}
	plog.Warningf("flush failed terminally, re-enqueued %d of %d mutations: %v", requeued, len(muts), err)
}
