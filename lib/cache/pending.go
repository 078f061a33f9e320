package cache

import (
	"github.com/puzpuzpuz/xsync/v3"
)

// pendingTable holds the single latest not-yet-persisted mutation per key.
// Coalescing happens here: recording a mutation for a key is an atomic
// replace-or-insert, so N writes to the same key between two flush cycles
// reach the backing store as exactly one write.
type pendingTable struct {
	entries *xsync.MapOf[string, Mutation]
}

func newPendingTable() *pendingTable {
	return &pendingTable{
		entries: xsync.NewMapOf[string, Mutation](),
	}
}

// record registers mut as the latest pending mutation for its key,
// replacing any older mutation (last-write-wins).
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (t *pendingTable) record(mut Mutation) {
	t.entries.Store(mut.Key, mut)
}

// take removes and returns the pending mutation for a key. The flusher calls
// this at batch assembly time, so concurrent writers can start a new pending
// mutation for the key while the batch is in flight.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (t *pendingTable) take(key string) (Mutation, bool) {
	return t.entries.LoadAndDelete(key)
}

// restore re-inserts a mutation after a terminally failed flush, unless a
// newer mutation for the key was recorded while the batch was in flight
// (the newer write must not be clobbered). Reports whether the mutation was
// restored.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (t *pendingTable) restore(mut Mutation) bool {
	_, loaded := t.entries.LoadOrStore(mut.Key, mut)
	return !loaded
}

// size returns the number of pending mutations.
func (t *pendingTable) size() int {
	return t.entries.Size()
}

// keys returns up to max keys with pending mutations (all keys if max <= 0).
// The snapshot is fuzzy under concurrent writes, which is fine for the two
// callers (periodic sweep and final drain) - both tolerate missing or
// already-flushed keys.
func (t *pendingTable) keys(max int) []string {
	var keys []string
	t.entries.Range(func(key string, _ Mutation) bool {
		keys = append(keys, key)
		return max <= 0 || len(keys) < max
	})
	return keys
}
