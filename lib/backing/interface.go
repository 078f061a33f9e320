package backing

import (
	"context"
	"errors"
	"fmt"
)

// --------------------------------------------------------------------------
// Interface Definition
// --------------------------------------------------------------------------

// IBackingStore is the generic interface for the durable system of record the
// cache engine flushes to. Implementations must tolerate re-application of an
// identical batch after a failure: both batch operations are idempotent per
// key with last-value-wins semantics, since the flusher may retry the same
// batch after a partial or transient failure.
//
// All batch operations are only ever invoked from a single flusher goroutine,
// so implementations do not need to support concurrent batch calls from the
// engine. Get may be called concurrently by external tooling.
type IBackingStore interface {
	// UpsertBatch inserts or updates all entries of the given mapping.
	// The passed map must not be retained after the call returns.
	UpsertBatch(ctx context.Context, entries map[string][]byte) (err error)
	// DeleteBatch removes all given keys. Keys that do not exist are ignored.
	DeleteBatch(ctx context.Context, keys []string) (err error)
	// Get returns the stored value for a key. The boolean return value
	// indicates whether a value for the key was found. This method is not
	// used by the engine itself, it exists for verification and recovery
	// tooling.
	Get(ctx context.Context, key string) (value []byte, loaded bool, err error)
	// Close releases all resources held by the store.
	Close() (err error)
}

// --------------------------------------------------------------------------
// Permanent Errors
// --------------------------------------------------------------------------

// PermanentError marks a failure that will not succeed on retry (malformed
// data, constraint violation, ...). The flusher skips its retry schedule for
// such errors and routes the batch directly to its terminal disposition.
type PermanentError struct {
	Err error
}

// Error implements the error interface.
func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent backing store error: %v", e.Err)
}

// Unwrap returns the wrapped error.
func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps an error so that IsPermanent reports true for it.
// A nil error is returned unchanged.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether the error (or any error it wraps) was marked
// with Permanent.
func IsPermanent(err error) bool {
	var perr *PermanentError
	return errors.As(err, &perr)
}
