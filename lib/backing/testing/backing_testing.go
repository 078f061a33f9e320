package testing

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/ValentinKolb/wbKV/lib/backing"
)

// StoreFactory is a function that creates a new instance of an IBackingStore
// implementation.
type StoreFactory func() backing.IBackingStore

// RunBackingStoreTests runs the contract test suite for an IBackingStore
// implementation. Every implementation shipped with this repository must pass
// this suite, most importantly the idempotency laws the flusher relies on.
func RunBackingStoreTests(t *testing.T, name string, factory StoreFactory) {
	t.Run(name, func(t *testing.T) {
		t.Run("UpsertGet", func(t *testing.T) {
			testUpsertGet(t, factory())
		})

		t.Run("Overwrite", func(t *testing.T) {
			testOverwrite(t, factory())
		})

		t.Run("Delete", func(t *testing.T) {
			testDelete(t, factory())
		})

		t.Run("IdempotentReapply", func(t *testing.T) {
			testIdempotentReapply(t, factory())
		})

		t.Run("EmptyBatches", func(t *testing.T) {
			testEmptyBatches(t, factory())
		})
	})
}

// --------------------------------------------------------------------------
// Test functions
// --------------------------------------------------------------------------

func testUpsertGet(t *testing.T, store backing.IBackingStore) {
	defer store.Close()
	ctx := context.Background()

	if err := store.UpsertBatch(ctx, map[string][]byte{
		"k1": []byte("v1"),
		"k2": []byte("v2"),
	}); err != nil {
		t.Fatalf("UpsertBatch failed: %v", err)
	}

	value, ok, err := store.Get(ctx, "k1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !ok || !bytes.Equal(value, []byte("v1")) {
		t.Errorf("Expected v1, got %q (found=%t)", value, ok)
	}

	_, ok, err = store.Get(ctx, "missing")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if ok {
		t.Error("Expected missing key to not be found")
	}
}

func testOverwrite(t *testing.T, store backing.IBackingStore) {
	defer store.Close()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		value := []byte(fmt.Sprintf("v%d", i))
		if err := store.UpsertBatch(ctx, map[string][]byte{"k": value}); err != nil {
			t.Fatalf("UpsertBatch failed: %v", err)
		}
	}

	value, ok, err := store.Get(ctx, "k")
	if err != nil || !ok {
		t.Fatalf("Get failed: found=%t err=%v", ok, err)
	}
	if !bytes.Equal(value, []byte("v2")) {
		t.Errorf("Expected last written value v2, got %q", value)
	}
}

func testDelete(t *testing.T, store backing.IBackingStore) {
	defer store.Close()
	ctx := context.Background()

	if err := store.UpsertBatch(ctx, map[string][]byte{"k": []byte("v")}); err != nil {
		t.Fatalf("UpsertBatch failed: %v", err)
	}
	if err := store.DeleteBatch(ctx, []string{"k", "never-existed"}); err != nil {
		t.Fatalf("DeleteBatch failed: %v", err)
	}

	_, ok, err := store.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if ok {
		t.Error("Expected key to be deleted")
	}
}

func testIdempotentReapply(t *testing.T, store backing.IBackingStore) {
	defer store.Close()
	ctx := context.Background()

	batch := map[string][]byte{
		"a": []byte("1"),
		"b": []byte("2"),
	}

	// Applying the same batch multiple times (as the flusher does after a
	// transient failure) must yield the same final state as applying it once.
	for i := 0; i < 3; i++ {
		if err := store.UpsertBatch(ctx, batch); err != nil {
			t.Fatalf("UpsertBatch (attempt %d) failed: %v", i+1, err)
		}
	}
	for i := 0; i < 3; i++ {
		if err := store.DeleteBatch(ctx, []string{"b"}); err != nil {
			t.Fatalf("DeleteBatch (attempt %d) failed: %v", i+1, err)
		}
	}

	value, ok, err := store.Get(ctx, "a")
	if err != nil || !ok || !bytes.Equal(value, []byte("1")) {
		t.Errorf("Expected a=1, got %q (found=%t, err=%v)", value, ok, err)
	}
	if _, ok, _ := store.Get(ctx, "b"); ok {
		t.Error("Expected b to stay deleted")
	}
}

func testEmptyBatches(t *testing.T, store backing.IBackingStore) {
	defer store.Close()
	ctx := context.Background()

	if err := store.UpsertBatch(ctx, nil); err != nil {
		t.Errorf("Empty UpsertBatch should be a no-op, got %v", err)
	}
	if err := store.DeleteBatch(ctx, nil); err != nil {
		t.Errorf("Empty DeleteBatch should be a no-op, got %v", err)
	}
}
