// Package cache implements a write-behind (write-back) caching engine: writes
// are acknowledged with immediate in-memory visibility, coalesced per key,
// and persisted to a durable backing store asynchronously in batches, with
// retry and backoff on transient failures.
//
// The package focuses on:
//   - Non-blocking caller-facing operations: no Put/Get/Delete ever waits on
//     backing store I/O (callers wait only under the "block" admission policy,
//     and only for queue space)
//   - Bounded write amplification for hot keys through per-key coalescing
//   - A bounded flush queue with an explicit admission policy
//   - Local failure handling: retries, backoff and terminal dispositions stay
//     inside the flusher and never propagate to unrelated callers
//
// Key Components:
//
//   - engineImpl: The central structure implementing ICache. It owns the
//     cache map (source of truth for reads, updated synchronously on every
//     write), constructs the other components and exposes lifecycle and
//     introspection operations. Engines are instance-scoped: construction
//     parameters and metrics carry no ambient global state.
//
//   - pendingTable: Maps each key to its single latest not-yet-persisted
//     mutation. Recording is an atomic replace-or-insert, which makes
//     coalescing a table replace instead of a queue scan: N writes to one key
//     between two flush cycles reach the store as exactly one write.
//
//   - flushQueue: A bounded multi-producer/single-consumer queue of bare key
//     references. Mutation content is resolved from the pending table at
//     flush time, so a queued key whose mutation was already flushed is a
//     legal no-op. Overflow behavior is governed by one of three admission
//     policies (block, reject, drop-oldest), fixed at construction.
//
//   - flushLoop: The single background flusher. It assembles batches
//     (freezing them by removing their mutations from the pending table),
//     splits them into an upsert-set and a delete-set, and calls the backing
//     store. A batch is triggered by the size threshold or the max-delay
//     timer, whichever fires first; an independent interval tick flushes
//     stragglers and sweeps orphaned table entries.
//
// Consistency model: reads are read-your-writes against the cache, not the
// store. Same-key ordering to the store is last-write-wins; cross-key order
// is unspecified. The engine is eventually durable - mutations pending at a
// drain timeout (or crash) are lost. The backing store must tolerate
// re-application of an identical batch (idempotent per key).
package cache
