package testing

import (
	"context"
	"sync"
)

// MockStore is a scriptable IBackingStore for engine tests. It records the
// latest value per key (last-value-wins, like any conforming store), the full
// sequence of values ever upserted per key, and per-operation call counts.
// Failures can be injected for the next N batch calls or unconditionally.
//
// Thread-safety: all methods are safe for concurrent use.
type MockStore struct {
	mu sync.Mutex

	data    map[string][]byte
	history map[string][][]byte

	upsertCalls int
	deleteCalls int

	// failures remaining before calls succeed again; -1 = fail forever
	failRemaining int
	failErr       error

	// hook runs at the start of every batch call, outside the lock
	hook func()
}

// NewMockStore creates an empty mock store.
func NewMockStore() *MockStore {
	return &MockStore{
		data:    make(map[string][]byte),
		history: make(map[string][][]byte),
	}
}

// FailNext makes the next n batch calls (upsert or delete) fail with err.
func (s *MockStore) FailNext(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failRemaining = n
	s.failErr = err
}

// FailAlways makes every batch call fail with err until FailNext(0, nil) is
// called.
func (s *MockStore) FailAlways(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failRemaining = -1
	s.failErr = err
}

// SetHook installs a function invoked at the start of every batch call,
// before any scripted failure or mutation is applied. Useful to block the
// flusher inside a persist call. Must be set before the store is used.
func (s *MockStore) SetHook(hook func()) {
	s.hook = hook
}

func (s *MockStore) runHook() {
	if s.hook != nil {
		s.hook()
	}
}

// checkFail consumes one scripted failure if any is pending.
// Caller must hold s.mu.
func (s *MockStore) checkFail() error {
	if s.failRemaining == 0 {
		return nil
	}
	if s.failRemaining > 0 {
		s.failRemaining--
	}
	return s.failErr
}

// --------------------------------------------------------------------------
// Interface Methods (docu see backing/interface.go)
// --------------------------------------------------------------------------

func (s *MockStore) UpsertBatch(_ context.Context, entries map[string][]byte) error {
	s.runHook()
	s.mu.Lock()
	defer s.mu.Unlock()

	s.upsertCalls++
	if err := s.checkFail(); err != nil {
		return err
	}

	for key, value := range entries {
		valueCopy := make([]byte, len(value))
		copy(valueCopy, value)
		s.data[key] = valueCopy
		s.history[key] = append(s.history[key], valueCopy)
	}
	return nil
}

func (s *MockStore) DeleteBatch(_ context.Context, keys []string) error {
	s.runHook()
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deleteCalls++
	if err := s.checkFail(); err != nil {
		return err
	}

	for _, key := range keys {
		delete(s.data, key)
	}
	return nil
}

func (s *MockStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	value, ok := s.data[key]
	if !ok {
		return nil, false, nil
	}
	valueCopy := make([]byte, len(value))
	copy(valueCopy, value)
	return valueCopy, true, nil
}

func (s *MockStore) Close() error {
	return nil
}

// --------------------------------------------------------------------------
// Inspection Helpers
// --------------------------------------------------------------------------

// Value returns the latest stored value for a key.
func (s *MockStore) Value(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.data[key]
	return value, ok
}

// Has reports whether the store currently holds a value for key.
func (s *MockStore) Has(key string) bool {
	_, ok := s.Value(key)
	return ok
}

// History returns every value ever upserted for a key, in order.
func (s *MockStore) History(key string) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.history[key]...)
}

// UpsertCalls returns how many UpsertBatch calls were made (including failed
// ones).
func (s *MockStore) UpsertCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upsertCalls
}

// DeleteCalls returns how many DeleteBatch calls were made (including failed
// ones).
func (s *MockStore) DeleteCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteCalls
}

// Len returns the number of keys currently stored.
func (s *MockStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}
