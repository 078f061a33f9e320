package cache

import (
	"fmt"
	"testing"
	"time"

	backingtesting "github.com/ValentinKolb/wbKV/lib/backing/testing"
)

// TestTickSweepRescuesOrphanUnderTraffic verifies that a tabled mutation
// without a live queue entry (as left behind by a drop-oldest eviction or a
// failed re-enqueue) is persisted by the periodic sweep even while steady
// queue traffic keeps the flusher's batch non-empty at tick time
func TestTickSweepRescuesOrphanUnderTraffic(t *testing.T) {
	store := backingtesting.NewMockStore()

	opts := DefaultOptions()
	opts.BatchSize = 4
	opts.MaxDelay = 10 * time.Millisecond
	opts.FlushInterval = 25 * time.Millisecond

	c, err := New(store, opts)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	e := c.(*engineImpl)

	// tabled but never enqueued
	e.pending.record(Mutation{
		Key:        "orphan",
		Kind:       MutationUpsert,
		Value:      []byte("v"),
		EnqueuedAt: time.Now(),
	})

	// sustained foreground traffic on other keys
	stop := make(chan struct{})
	trafficDone := make(chan struct{})
	go func() {
		defer close(trafficDone)
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			if err := c.Put(fmt.Sprintf("k%d", i%8), []byte("v")); err != nil {
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !store.Has("orphan") {
		time.Sleep(2 * time.Millisecond)
	}

	close(stop)
	<-trafficDone

	if !store.Has("orphan") {
		t.Fatal("Orphaned mutation was never rescued by the periodic sweep")
	}

	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}
