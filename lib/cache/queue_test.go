package cache

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// waitQueueLen waits until the pump has drained the ring down to n entries
func waitQueueLen(t *testing.T, q *flushQueue, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if q.Len() == n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("Timeout waiting for queue length %d, got %d", n, q.Len())
}

// TestQueueBasicOperations tests basic push and consume functionality
func TestQueueBasicOperations(t *testing.T) {
	q := newFlushQueue(16, AdmissionBlock, nil)
	defer q.Close()

	// Push 10 keys
	for i := 0; i < 10; i++ {
		if err := q.Push(fmt.Sprintf("key-%d", i)); err != nil {
			t.Fatalf("Failed to push key %d: %v", i, err)
		}
	}

	// Consume 10 keys in FIFO order
	for i := 0; i < 10; i++ {
		select {
		case key := <-q.Recv():
			if key != fmt.Sprintf("key-%d", i) {
				t.Errorf("Expected key-%d, got %v", i, key)
			}
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("Timeout waiting for key %d", i)
		}
	}

	// Make sure queue is empty
	select {
	case key := <-q.Recv():
		t.Errorf("Queue should be empty, but got %v", key)
	case <-time.After(10 * time.Millisecond):
		// Expected timeout, queue is empty
	}
}

// TestQueueConcurrentProducers verifies the queue works correctly with
// multiple producers
func TestQueueConcurrentProducers(t *testing.T) {
	q := newFlushQueue(64, AdmissionBlock, nil)
	defer q.Close()

	const numProducers = 10
	const keysPerProducer = 1000
	totalKeys := numProducers * keysPerProducer

	var mu sync.Mutex
	received := make(map[string]bool)

	// Start a consumer goroutine
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < totalKeys; i++ {
			key := <-q.Recv()
			mu.Lock()
			if received[key] {
				t.Errorf("Key %s received twice", key)
			}
			received[key] = true
			mu.Unlock()
		}
	}()

	// Start the producers
	var wg sync.WaitGroup
	for p := 0; p < numProducers; p++ {
		wg.Add(1)
		go func(producer int) {
			defer wg.Done()
			for i := 0; i < keysPerProducer; i++ {
				key := fmt.Sprintf("p%d-k%d", producer, i)
				if err := q.Push(key); err != nil {
					t.Errorf("Push failed: %v", err)
					return
				}
			}
		}(p)
	}

	wg.Wait()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Timeout waiting for all keys to be consumed")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != totalKeys {
		t.Errorf("Expected %d distinct keys, got %d", totalKeys, len(received))
	}
}

// TestQueueRejectPolicy verifies that a full queue fails pushes under the
// reject policy instead of blocking
func TestQueueRejectPolicy(t *testing.T) {
	q := newFlushQueue(2, AdmissionReject, nil)
	defer q.Close()

	// the consumer pump holds one key in hand, so up to capacity+1 pushes
	// can succeed before the ring is full
	full := 0
	for i := 0; i < 10; i++ {
		err := q.Push(fmt.Sprintf("key-%d", i))
		if err == nil {
			continue
		}
		if !HasCode(err, RetCQueueFull) {
			t.Fatalf("Expected RetCQueueFull, got %v", err)
		}
		full++
	}
	if full == 0 {
		t.Error("Expected at least one push to be rejected")
	}

	// consuming frees space again
	<-q.Recv()
	<-q.Recv()
	if err := q.Push("after-consume"); err != nil {
		t.Errorf("Push after consume failed: %v", err)
	}
}

// TestQueueDropOldestPolicy verifies that a full queue evicts the oldest
// entry under the drop-oldest policy and reports each eviction
func TestQueueDropOldestPolicy(t *testing.T) {
	var drops atomic.Int64
	q := newFlushQueue(2, AdmissionDropOldest, func() { drops.Add(1) })

	// nothing receives from the pump yet: key-0 ends up in the pump's hand,
	// the ring holds two keys, every further push evicts the oldest entry
	if err := q.Push("key-0"); err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	waitQueueLen(t, q, 0)
	for i := 1; i < 6; i++ {
		if err := q.Push(fmt.Sprintf("key-%d", i)); err != nil {
			t.Fatalf("Push under drop-oldest must not fail, got %v", err)
		}
	}
	q.Close()

	var survivors []string
	for key := range q.Recv() {
		survivors = append(survivors, key)
	}

	if len(survivors) != 3 {
		t.Errorf("Expected 3 surviving keys (1 in hand + capacity 2), got %d: %v", len(survivors), survivors)
	}
	if drops.Load() != 3 {
		t.Errorf("Expected 3 drops, got %d", drops.Load())
	}
	// the newest key always survives
	if len(survivors) > 0 && survivors[len(survivors)-1] != "key-5" {
		t.Errorf("Expected key-5 to survive as the newest entry, got %v", survivors)
	}
}

// TestQueueTryPush verifies that TryPush never blocks or evicts
func TestQueueTryPush(t *testing.T) {
	q := newFlushQueue(1, AdmissionBlock, nil)

	// key-0 moves into the pump's hand, key-1 fills the single ring slot
	if !q.TryPush("key-0") {
		t.Fatal("TryPush into an empty queue failed")
	}
	waitQueueLen(t, q, 0)
	if !q.TryPush("key-1") {
		t.Fatal("TryPush with a free ring slot failed")
	}

	// the ring is now full and the pump's hand is occupied
	for i := 2; i < 5; i++ {
		if q.TryPush(fmt.Sprintf("key-%d", i)) {
			t.Errorf("TryPush %d must fail on a full queue", i)
		}
	}

	q.Close()
	if q.TryPush("after-close") {
		t.Error("TryPush must fail on a closed queue")
	}
}

// TestQueueCloseUnblocksProducer verifies that closing the queue wakes
// producers blocked on a full queue
func TestQueueCloseUnblocksProducer(t *testing.T) {
	q := newFlushQueue(1, AdmissionBlock, nil)

	// saturate: one key in the pump's hand, one in the ring
	if err := q.Push("k1"); err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if err := q.Push("k2"); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	blocked := make(chan error, 1)
	go func() {
		blocked <- q.Push("k3")
	}()

	select {
	case err := <-blocked:
		t.Fatalf("Push should block on a full queue, returned %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	q.Close()
	select {
	case err := <-blocked:
		if !HasCode(err, RetCClosed) {
			t.Errorf("Expected RetCClosed after close, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Push did not unblock after close")
	}

	// queued keys are still delivered, then the channel closes
	var delivered []string
	for key := range q.Recv() {
		delivered = append(delivered, key)
	}
	if len(delivered) != 2 {
		t.Errorf("Expected the 2 queued keys to be delivered, got %v", delivered)
	}
}

// TestQueueLen verifies the queue depth accounting
func TestQueueLen(t *testing.T) {
	q := newFlushQueue(8, AdmissionBlock, nil)
	defer q.Close()

	for i := 0; i < 4; i++ {
		if err := q.Push(fmt.Sprintf("key-%d", i)); err != nil {
			t.Fatalf("Push failed: %v", err)
		}
	}

	// the pump moves keys from the ring into its hand asynchronously, so
	// Len is at most the number of unconsumed keys
	if n := q.Len(); n > 4 {
		t.Errorf("Expected at most 4 queued keys, got %d", n)
	}

	for i := 0; i < 4; i++ {
		<-q.Recv()
	}
	time.Sleep(10 * time.Millisecond)
	if n := q.Len(); n != 0 {
		t.Errorf("Expected empty queue, got %d", n)
	}
}
