package memory

import (
	"context"

	"github.com/ValentinKolb/wbKV/lib/backing"
	"github.com/puzpuzpuz/xsync/v3"
)

// Store is a process-local backing store backed by a concurrent map.
// It is mainly useful for tests and benchmarks: it fulfills the idempotency
// contract trivially (a map write is last-value-wins) but provides no
// durability across restarts.
type Store struct {
	data *xsync.MapOf[string, []byte]
}

var _ backing.IBackingStore = (*Store)(nil)

// NewMemoryStore creates a new in-memory backing store.
func NewMemoryStore() *Store {
	return &Store{
		data: xsync.NewMapOf[string, []byte](),
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see backing/interface.go)
// --------------------------------------------------------------------------

func (s *Store) UpsertBatch(ctx context.Context, entries map[string][]byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for key, value := range entries {
		// Copy the value so the store never aliases engine-owned memory
		valueCopy := make([]byte, len(value))
		copy(valueCopy, value)
		s.data.Store(key, valueCopy)
	}
	return nil
}

func (s *Store) DeleteBatch(ctx context.Context, keys []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, key := range keys {
		s.data.Delete(key)
	}
	return nil
}

func (s *Store) Get(_ context.Context, key string) ([]byte, bool, error) {
	value, ok := s.data.Load(key)
	if !ok {
		return nil, false, nil
	}
	valueCopy := make([]byte, len(value))
	copy(valueCopy, value)
	return valueCopy, true, nil
}

func (s *Store) Close() error {
	return nil
}

// --------------------------------------------------------------------------
// Test / Benchmark Helpers
// --------------------------------------------------------------------------

// Snapshot returns a copy of the current store content.
func (s *Store) Snapshot() map[string][]byte {
	snapshot := make(map[string][]byte, s.data.Size())
	s.data.Range(func(key string, value []byte) bool {
		valueCopy := make([]byte, len(value))
		copy(valueCopy, value)
		snapshot[key] = valueCopy
		return true
	})
	return snapshot
}

// Len returns the number of keys currently stored.
func (s *Store) Len() int {
	return s.data.Size()
}
