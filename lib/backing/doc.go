// Package backing defines the contract between the write-behind cache engine
// and the durable system of record it persists to.
//
// The engine never writes to a backing store synchronously: all store I/O is
// performed by the engine's single flusher goroutine through the batched
// operations of the IBackingStore interface. Because the flusher retries a
// failed batch with identical content, implementations must be idempotent
// per key (last value wins).
//
// The subpackages provide ready-to-use implementations:
//
//   - backing/memory: process-local store backed by a concurrent map,
//     intended for tests and benchmarks
//   - backing/redis: store backed by a Redis server
//   - backing/sqlite: store backed by an embedded SQLite database
//
// Implementations signal non-retryable failures by wrapping the returned
// error with Permanent. All other errors are treated as transient and are
// retried by the engine with exponential backoff.
package backing
