package sqlite

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/ValentinKolb/wbKV/lib/backing"
	backingtesting "github.com/ValentinKolb/wbKV/lib/backing/testing"
)

func Test(t *testing.T) {
	backingtesting.RunBackingStoreTests(t, "SQLiteStore", func() backing.IBackingStore {
		store, err := NewSQLiteStore("")
		if err != nil {
			t.Fatalf("Failed to create in-memory sqlite store: %v", err)
		}
		return store
	})
}

// TestPersistenceAcrossReopen verifies that a file-backed store retains its
// data across close and reopen
func TestPersistenceAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kv.db")
	ctx := context.Background()

	store, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("Failed to create sqlite store: %v", err)
	}
	if err := store.UpsertBatch(ctx, map[string][]byte{"k": []byte("v")}); err != nil {
		t.Fatalf("UpsertBatch failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("Failed to reopen sqlite store: %v", err)
	}
	defer reopened.Close()

	value, ok, err := reopened.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !ok || !bytes.Equal(value, []byte("v")) {
		t.Errorf("Expected v after reopen, got %q (found=%t)", value, ok)
	}
}
