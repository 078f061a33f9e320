package testing

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/wbKV/lib/backing"
	backingtesting "github.com/ValentinKolb/wbKV/lib/backing/testing"
	"github.com/ValentinKolb/wbKV/lib/cache"
)

// CacheFactory is a function that creates a new engine instance on top of
// the given backing store.
type CacheFactory func(store backing.IBackingStore, opts *cache.Options) (cache.ICache, error)

// RunCacheTests runs a comprehensive test suite for an ICache implementation.
func RunCacheTests(t *testing.T, name string, factory CacheFactory) {
	t.Run(name, func(t *testing.T) {
		t.Run("PutGetDelete", func(t *testing.T) {
			testPutGetDelete(t, factory)
		})

		t.Run("ValueCopySafety", func(t *testing.T) {
			testValueCopySafety(t, factory)
		})

		t.Run("CoalescingLaw", func(t *testing.T) {
			testCoalescingLaw(t, factory)
		})

		t.Run("DeleteCoalescesOverPut", func(t *testing.T) {
			testDeleteCoalescesOverPut(t, factory)
		})

		t.Run("ScenarioA", func(t *testing.T) {
			testScenarioA(t, factory)
		})

		t.Run("ScenarioB_FailureRetry", func(t *testing.T) {
			testScenarioB(t, factory)
		})

		t.Run("ScenarioC_Backpressure", func(t *testing.T) {
			testScenarioC(t, factory)
		})

		t.Run("IdempotentRetry", func(t *testing.T) {
			testIdempotentRetry(t, factory)
		})

		t.Run("ExhaustedRetriesRecover", func(t *testing.T) {
			testExhaustedRetriesRecover(t, factory)
		})

		t.Run("DeadLetter", func(t *testing.T) {
			testDeadLetter(t, factory)
		})

		t.Run("AdmissionBlock", func(t *testing.T) {
			testAdmissionBlock(t, factory)
		})

		t.Run("AdmissionDropOldest", func(t *testing.T) {
			testAdmissionDropOldest(t, factory)
		})

		t.Run("DrainConvergence", func(t *testing.T) {
			testDrainConvergence(t, factory)
		})

		t.Run("DrainTimeout", func(t *testing.T) {
			testDrainTimeout(t, factory)
		})

		t.Run("DrainDeadlineBoundsRetries", func(t *testing.T) {
			testDrainDeadlineBoundsRetries(t, factory)
		})

		t.Run("ConcurrentWritersConverge", func(t *testing.T) {
			testConcurrentWritersConverge(t, factory)
		})

		t.Run("ClosedEngine", func(t *testing.T) {
			testClosedEngine(t, factory)
		})

		t.Run("InvalidConfig", func(t *testing.T) {
			testInvalidConfig(t, factory)
		})

		t.Run("Metrics", func(t *testing.T) {
			testMetrics(t, factory)
		})
	})
}

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

// testOptions returns fast-cycling engine options suitable for tests.
func testOptions() *cache.Options {
	return &cache.Options{
		BatchSize:     16,
		MaxDelay:      20 * time.Millisecond,
		FlushInterval: 40 * time.Millisecond,
		QueueCapacity: 64,
		Admission:     cache.AdmissionBlock,
		Retry: cache.RetryConfig{
			MaxAttempts:       3,
			InitialBackoff:    10 * time.Millisecond,
			MaxBackoff:        50 * time.Millisecond,
			BackoffMultiplier: 2.0,
			Jitter:            false,
		},
		ShutdownTimeout: 2 * time.Second,
	}
}

// mustEngine creates an engine or fails the test.
func mustEngine(t *testing.T, factory CacheFactory, store backing.IBackingStore, opts *cache.Options) cache.ICache {
	t.Helper()
	engine, err := factory(store, opts)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return engine
}

// waitFor polls cond until it returns true or the timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("Timeout waiting for: %s", msg)
}

// blockingHook installs a hook on the store that blocks the first batch call
// until release is closed. It returns a channel that is signalled once the
// flusher has entered the store call.
func blockingHook(store *backingtesting.MockStore, release <-chan struct{}) <-chan struct{} {
	entered := make(chan struct{}, 1)
	var once sync.Once
	store.SetHook(func() {
		once.Do(func() {
			entered <- struct{}{}
			<-release
		})
	})
	return entered
}

// --------------------------------------------------------------------------
// Test functions
// --------------------------------------------------------------------------

func testPutGetDelete(t *testing.T, factory CacheFactory) {
	store := backingtesting.NewMockStore()
	engine := mustEngine(t, factory, store, testOptions())
	defer engine.Close()

	// read-your-writes, regardless of flush state
	if err := engine.Put("k", []byte("v")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	value, ok := engine.Get("k")
	if !ok || !bytes.Equal(value, []byte("v")) {
		t.Errorf("Expected v immediately after Put, got %q (found=%t)", value, ok)
	}

	// hard removal, immediately visible
	if err := engine.Delete("k"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, ok := engine.Get("k"); ok {
		t.Error("Expected key to be gone immediately after Delete")
	}

	// no read-through on miss
	if _, ok := engine.Get("never-written"); ok {
		t.Error("Expected miss for a key that was never written")
	}
}

func testValueCopySafety(t *testing.T, factory CacheFactory) {
	store := backingtesting.NewMockStore()
	engine := mustEngine(t, factory, store, testOptions())
	defer engine.Close()

	buf := []byte("original")
	if err := engine.Put("k", buf); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	copy(buf, "XXXXXXXX")

	value, _ := engine.Get("k")
	if !bytes.Equal(value, []byte("original")) {
		t.Errorf("Put must copy the value, got %q", value)
	}

	// mutating the returned slice must not affect the cache
	copy(value, "YYYYYYYY")
	value2, _ := engine.Get("k")
	if !bytes.Equal(value2, []byte("original")) {
		t.Errorf("Get must return a copy, got %q", value2)
	}
}

func testCoalescingLaw(t *testing.T, factory CacheFactory) {
	store := backingtesting.NewMockStore()
	engine := mustEngine(t, factory, store, testOptions())
	defer engine.Close()

	// n writes to the same key before the flush cycle begins ...
	const n = 10
	for i := 1; i <= n; i++ {
		if err := engine.Put("hot", []byte(fmt.Sprintf("v%d", i))); err != nil {
			t.Fatalf("Put %d failed: %v", i, err)
		}
	}

	waitFor(t, 2*time.Second, "hot key flushed", func() bool {
		return store.Has("hot")
	})

	// ... reach the store as exactly one upsert with the latest value
	history := store.History("hot")
	if len(history) != 1 {
		t.Fatalf("Expected exactly 1 upsert for the hot key, got %d", len(history))
	}
	if !bytes.Equal(history[0], []byte(fmt.Sprintf("v%d", n))) {
		t.Errorf("Expected latest value v%d, got %q", n, history[0])
	}
}

func testDeleteCoalescesOverPut(t *testing.T, factory CacheFactory) {
	store := backingtesting.NewMockStore()
	engine := mustEngine(t, factory, store, testOptions())

	if err := engine.Put("k", []byte("v")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := engine.Delete("k"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	if remaining, err := engine.Drain(2 * time.Second); err != nil {
		t.Fatalf("Drain failed with %d remaining: %v", remaining, err)
	}

	// the delete superseded the put, the store never saw the value
	if len(store.History("k")) != 0 {
		t.Errorf("Expected no upsert for a key deleted before the flush, got %d", len(store.History("k")))
	}
	if store.Has("k") {
		t.Error("Expected key to be absent from the store")
	}
}

func testScenarioA(t *testing.T, factory CacheFactory) {
	store := backingtesting.NewMockStore()
	engine := mustEngine(t, factory, store, testOptions())
	defer engine.Close()

	if err := engine.Put("k1", []byte("a")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := engine.Put("k1", []byte("b")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := engine.Put("k2", []byte("x")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	waitFor(t, 2*time.Second, "both keys flushed", func() bool {
		return store.Has("k1") && store.Has("k2")
	})

	if value, _ := store.Value("k1"); !bytes.Equal(value, []byte("b")) {
		t.Errorf("Expected k1=b, got %q", value)
	}
	if value, _ := store.Value("k2"); !bytes.Equal(value, []byte("x")) {
		t.Errorf("Expected k2=x, got %q", value)
	}

	waitFor(t, 2*time.Second, "pending table and queue empty", func() bool {
		info := engine.Info()
		return info.PendingMutations == 0 && info.QueueDepth == 0
	})
}

func testScenarioB(t *testing.T, factory CacheFactory) {
	store := backingtesting.NewMockStore()
	store.FailNext(2, errors.New("store temporarily unavailable"))
	engine := mustEngine(t, factory, store, testOptions())
	defer engine.Close()

	if err := engine.Put("k3", []byte("final")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	waitFor(t, 2*time.Second, "k3 flushed after retries", func() bool {
		return store.Has("k3")
	})

	if value, _ := store.Value("k3"); !bytes.Equal(value, []byte("final")) {
		t.Errorf("Expected k3=final, got %q", value)
	}

	info := engine.Info()
	if info.Retries != 2 {
		t.Errorf("Expected retry count 2, got %d", info.Retries)
	}
	if info.FlushFailures != 2 {
		t.Errorf("Expected 2 flush failures, got %d", info.FlushFailures)
	}
	if info.Flushes != 1 {
		t.Errorf("Expected 1 successful flush, got %d", info.Flushes)
	}
}

func testScenarioC(t *testing.T, factory CacheFactory) {
	store := backingtesting.NewMockStore()
	release := make(chan struct{})
	entered := blockingHook(store, release)

	opts := testOptions()
	opts.Admission = cache.AdmissionReject
	opts.QueueCapacity = 2
	opts.BatchSize = 1
	// keep the timers out of the way, the size trigger drives this test
	opts.MaxDelay = time.Minute
	opts.FlushInterval = time.Minute
	engine := mustEngine(t, factory, store, opts)

	// first put triggers an immediate flush; the store call blocks
	if err := engine.Put("k1", []byte("v1")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	<-entered

	// k2 is handed to the consumer pump; k3 and k4 then fill the ring while
	// the flusher is stuck in the store call
	if err := engine.Put("k2", []byte("v")); err != nil {
		t.Fatalf("Put k2 failed unexpectedly: %v", err)
	}
	waitFor(t, 2*time.Second, "consumer picked up the queued key", func() bool {
		return engine.Info().QueueDepth == 0
	})
	for i := 3; i <= 4; i++ {
		if err := engine.Put(fmt.Sprintf("k%d", i), []byte("v")); err != nil {
			t.Fatalf("Put k%d failed unexpectedly: %v", i, err)
		}
	}
	waitFor(t, 2*time.Second, "queue saturated", func() bool {
		return engine.Info().QueueDepth == opts.QueueCapacity
	})

	// the next put must fail with a backpressure error, not block or drop
	err := engine.Put("k5", []byte("v"))
	if !cache.HasCode(err, cache.RetCQueueFull) {
		t.Fatalf("Expected RetCQueueFull error, got %v", err)
	}
	if engine.Info().Rejected == 0 {
		t.Error("Expected the rejection to be counted")
	}

	// rejected writes have no effect at all
	if _, ok := engine.Get("k5"); ok {
		t.Error("Expected rejected put to not be visible in the cache")
	}

	close(release)
	if remaining, err := engine.Drain(2 * time.Second); err != nil {
		t.Fatalf("Drain failed with %d remaining: %v", remaining, err)
	}
	for i := 1; i <= 4; i++ {
		if !store.Has(fmt.Sprintf("k%d", i)) {
			t.Errorf("Expected k%d to be persisted after drain", i)
		}
	}
}

func testIdempotentRetry(t *testing.T, factory CacheFactory) {
	// persist the same writes through a store that fails the first attempt
	// and through one that doesn't - the final state must be identical
	run := func(failures int) map[string][]byte {
		store := backingtesting.NewMockStore()
		store.FailNext(failures, errors.New("transient"))
		engine := mustEngine(t, factory, store, testOptions())

		for i := 0; i < 5; i++ {
			key := fmt.Sprintf("k%d", i)
			if err := engine.Put(key, []byte(key)); err != nil {
				t.Fatalf("Put failed: %v", err)
			}
		}
		if remaining, err := engine.Drain(2 * time.Second); err != nil {
			t.Fatalf("Drain failed with %d remaining: %v", remaining, err)
		}

		state := make(map[string][]byte)
		for i := 0; i < 5; i++ {
			key := fmt.Sprintf("k%d", i)
			if value, ok := store.Value(key); ok {
				state[key] = value
			}
		}
		return state
	}

	clean := run(0)
	retried := run(2)

	if len(clean) != 5 || len(retried) != 5 {
		t.Fatalf("Expected 5 keys in both runs, got %d and %d", len(clean), len(retried))
	}
	for key, value := range clean {
		if !bytes.Equal(retried[key], value) {
			t.Errorf("State diverged for %s: %q vs %q", key, value, retried[key])
		}
	}
}

func testExhaustedRetriesRecover(t *testing.T, factory CacheFactory) {
	store := backingtesting.NewMockStore()
	// more failures than one retry budget, fewer than two: the batch is
	// re-enqueued after the first budget and succeeds in a later cycle
	store.FailNext(4, errors.New("transient"))

	opts := testOptions()
	opts.Retry.MaxAttempts = 3
	engine := mustEngine(t, factory, store, opts)
	defer engine.Close()

	if err := engine.Put("k", []byte("v")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	waitFor(t, 5*time.Second, "key persisted after re-enqueue", func() bool {
		return store.Has("k")
	})

	if value, _ := store.Value("k"); !bytes.Equal(value, []byte("v")) {
		t.Errorf("Expected v, got %q", value)
	}
}

func testDeadLetter(t *testing.T, factory CacheFactory) {
	store := backingtesting.NewMockStore()
	permanent := backing.Permanent(errors.New("constraint violation"))
	store.FailAlways(permanent)

	var mu sync.Mutex
	var dead []cache.Mutation
	var deadErr error

	opts := testOptions()
	opts.OnDeadLetter = func(mutations []cache.Mutation, err error) {
		mu.Lock()
		defer mu.Unlock()
		dead = append(dead, mutations...)
		deadErr = err
	}
	engine := mustEngine(t, factory, store, opts)
	defer engine.Close()

	if err := engine.Put("bad", []byte("v")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	waitFor(t, 2*time.Second, "mutation dead-lettered", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(dead) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if dead[0].Key != "bad" || dead[0].Kind != cache.MutationUpsert {
		t.Errorf("Unexpected dead-lettered mutation: %+v", dead[0])
	}
	if !backing.IsPermanent(deadErr) {
		t.Errorf("Expected the permanent error to be passed through, got %v", deadErr)
	}

	// permanent failures must not be retried
	if engine.Info().Retries != 0 {
		t.Errorf("Expected no retries for a permanent failure, got %d", engine.Info().Retries)
	}
	if engine.Info().DeadLetters != 1 {
		t.Errorf("Expected 1 dead letter, got %d", engine.Info().DeadLetters)
	}
}

func testAdmissionBlock(t *testing.T, factory CacheFactory) {
	store := backingtesting.NewMockStore()
	release := make(chan struct{})
	entered := blockingHook(store, release)

	opts := testOptions()
	opts.Admission = cache.AdmissionBlock
	opts.QueueCapacity = 1
	opts.BatchSize = 1
	opts.MaxDelay = time.Minute
	opts.FlushInterval = time.Minute
	engine := mustEngine(t, factory, store, opts)

	if err := engine.Put("k1", []byte("v")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	<-entered

	// k2 is handed to the consumer, k3 fills the single queue slot
	if err := engine.Put("k2", []byte("v")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	waitFor(t, 2*time.Second, "consumer picked up the queued key", func() bool {
		return engine.Info().QueueDepth == 0
	})
	if err := engine.Put("k3", []byte("v")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	// the next put must block until the flusher frees queue space
	blocked := make(chan error, 1)
	go func() {
		blocked <- engine.Put("k4", []byte("v"))
	}()

	select {
	case err := <-blocked:
		t.Fatalf("Put should block on a saturated queue, returned %v", err)
	case <-time.After(50 * time.Millisecond):
		// still blocked, as expected
	}

	close(release)
	select {
	case err := <-blocked:
		if err != nil {
			t.Fatalf("Blocked put failed after space freed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Put did not unblock after queue space freed")
	}

	if remaining, err := engine.Drain(2 * time.Second); err != nil {
		t.Fatalf("Drain failed with %d remaining: %v", remaining, err)
	}
	for _, key := range []string{"k1", "k2", "k3", "k4"} {
		if !store.Has(key) {
			t.Errorf("Expected %s to be persisted after drain", key)
		}
	}
}

func testAdmissionDropOldest(t *testing.T, factory CacheFactory) {
	store := backingtesting.NewMockStore()
	release := make(chan struct{})
	entered := blockingHook(store, release)

	opts := testOptions()
	opts.Admission = cache.AdmissionDropOldest
	opts.QueueCapacity = 2
	opts.BatchSize = 1
	opts.MaxDelay = time.Minute
	opts.FlushInterval = time.Minute
	engine := mustEngine(t, factory, store, opts)

	if err := engine.Put("k1", []byte("v")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	<-entered

	// overflow the queue - no put may ever fail under drop-oldest
	for i := 2; i <= 8; i++ {
		if err := engine.Put(fmt.Sprintf("k%d", i), []byte("v")); err != nil {
			t.Fatalf("Put k%d failed under drop-oldest: %v", i, err)
		}
	}
	waitFor(t, 2*time.Second, "drops counted", func() bool {
		return engine.Info().Dropped > 0
	})

	// dropped queue entries keep their tabled mutations: the drain sweep
	// must still persist every write
	close(release)
	if remaining, err := engine.Drain(2 * time.Second); err != nil {
		t.Fatalf("Drain failed with %d remaining: %v", remaining, err)
	}
	for i := 1; i <= 8; i++ {
		key := fmt.Sprintf("k%d", i)
		if !store.Has(key) {
			t.Errorf("Expected %s to be persisted despite queue drops", key)
		}
	}
}

func testDrainConvergence(t *testing.T, factory CacheFactory) {
	store := backingtesting.NewMockStore()
	engine := mustEngine(t, factory, store, testOptions())

	const n = 100
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("k%d", i)
		if err := engine.Put(key, []byte(fmt.Sprintf("v%d", i))); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}
	// delete every third key again
	for i := 0; i < n; i += 3 {
		if err := engine.Delete(fmt.Sprintf("k%d", i)); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
	}

	// capture the cache state at drain invocation time
	expected := make(map[string][]byte)
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("k%d", i)
		if value, ok := engine.Get(key); ok {
			expected[key] = value
		}
	}

	remaining, err := engine.Drain(5 * time.Second)
	if err != nil {
		t.Fatalf("Drain failed with %d remaining: %v", remaining, err)
	}
	if remaining != 0 {
		t.Fatalf("Expected clean drain, %d mutations remaining", remaining)
	}

	// after a successful drain, store and cache agree for every key
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("k%d", i)
		storeValue, inStore := store.Value(key)
		cacheValue, inCache := expected[key]
		if inStore != inCache {
			t.Errorf("Store/cache disagree on presence of %s (store=%t cache=%t)", key, inStore, inCache)
			continue
		}
		if inStore && !bytes.Equal(storeValue, cacheValue) {
			t.Errorf("Store/cache disagree on %s: %q vs %q", key, storeValue, cacheValue)
		}
	}
}

func testDrainTimeout(t *testing.T, factory CacheFactory) {
	store := backingtesting.NewMockStore()
	store.FailAlways(errors.New("store down"))

	opts := testOptions()
	opts.Retry.MaxAttempts = 2
	engine := mustEngine(t, factory, store, opts)

	if err := engine.Put("k", []byte("v")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	remaining, err := engine.Drain(500 * time.Millisecond)
	if !cache.HasCode(err, cache.RetCDrainTimeout) {
		t.Fatalf("Expected RetCDrainTimeout, got %v", err)
	}
	if remaining == 0 {
		t.Error("Expected a non-zero unflushed count")
	}
	if engine.Info().DrainTimeouts != 1 {
		t.Errorf("Expected 1 drain timeout, got %d", engine.Info().DrainTimeouts)
	}

	// the engine must still shut down cleanly
	if err := engine.Close(); err != nil {
		t.Errorf("Close after timed-out drain failed: %v", err)
	}
}

func testDrainDeadlineBoundsRetries(t *testing.T, factory CacheFactory) {
	store := backingtesting.NewMockStore()
	store.FailAlways(errors.New("store down"))

	// slow retry schedule, timers out of the way: the mutation is still
	// tabled when the drain starts, so all persisting happens on the drain
	// path and must respect its deadline
	opts := testOptions()
	opts.MaxDelay = time.Minute
	opts.FlushInterval = time.Minute
	opts.Retry = cache.RetryConfig{
		MaxAttempts:       5,
		InitialBackoff:    200 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            false,
	}
	engine := mustEngine(t, factory, store, opts)

	if err := engine.Put("k", []byte("v")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	remaining, err := engine.Drain(150 * time.Millisecond)
	if !cache.HasCode(err, cache.RetCDrainTimeout) {
		t.Fatalf("Expected RetCDrainTimeout, got %v", err)
	}
	if remaining == 0 {
		t.Error("Expected a non-zero unflushed count")
	}

	// the flusher must stop calling the store once the deadline has passed,
	// instead of finishing its multi-second retry schedule in the background
	time.Sleep(100 * time.Millisecond)
	calls := store.UpsertCalls()
	time.Sleep(400 * time.Millisecond)
	if got := store.UpsertCalls(); got != calls {
		t.Errorf("Store still being called after the drain deadline (%d -> %d calls)", calls, got)
	}
}

func testConcurrentWritersConverge(t *testing.T, factory CacheFactory) {
	store := backingtesting.NewMockStore()
	engine := mustEngine(t, factory, store, testOptions())

	// racing puts and deletes on one contended key: whatever write wins in
	// the cache map must also be the last mutation the store sees
	const writers = 8
	const rounds = 200

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				var err error
				if w%2 == 0 || i%3 != 0 {
					err = engine.Put("contended", []byte(fmt.Sprintf("w%d-i%d", w, i)))
				} else {
					err = engine.Delete("contended")
				}
				if err != nil {
					t.Errorf("Write failed: %v", err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	cacheValue, inCache := engine.Get("contended")
	if remaining, err := engine.Drain(5 * time.Second); err != nil {
		t.Fatalf("Drain failed with %d remaining: %v", remaining, err)
	}

	storeValue, inStore := store.Value("contended")
	if inStore != inCache {
		t.Fatalf("Store/cache disagree on presence (store=%t cache=%t)", inStore, inCache)
	}
	if inStore && !bytes.Equal(storeValue, cacheValue) {
		t.Errorf("Store/cache diverged: %q vs %q", storeValue, cacheValue)
	}
}

func testClosedEngine(t *testing.T, factory CacheFactory) {
	store := backingtesting.NewMockStore()
	engine := mustEngine(t, factory, store, testOptions())

	if _, err := engine.Drain(time.Second); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}

	if err := engine.Put("k", []byte("v")); !cache.HasCode(err, cache.RetCClosed) {
		t.Errorf("Expected RetCClosed from Put after drain, got %v", err)
	}
	if err := engine.Delete("k"); !cache.HasCode(err, cache.RetCClosed) {
		t.Errorf("Expected RetCClosed from Delete after drain, got %v", err)
	}
	if _, err := engine.Drain(time.Second); !cache.HasCode(err, cache.RetCClosed) {
		t.Errorf("Expected RetCClosed from second drain, got %v", err)
	}
	if err := engine.Close(); err != nil {
		t.Errorf("Close after drain should be a no-op, got %v", err)
	}
}

func testInvalidConfig(t *testing.T, factory CacheFactory) {
	store := backingtesting.NewMockStore()

	invalid := []func(o *cache.Options){
		func(o *cache.Options) { o.BatchSize = 0 },
		func(o *cache.Options) { o.BatchSize = -1 },
		func(o *cache.Options) { o.MaxDelay = 0 },
		func(o *cache.Options) { o.MaxDelay = -time.Second },
		func(o *cache.Options) { o.FlushInterval = 0 },
		func(o *cache.Options) { o.QueueCapacity = 0 },
		func(o *cache.Options) { o.Retry.MaxAttempts = 0 },
		func(o *cache.Options) { o.Retry.InitialBackoff = 0 },
		func(o *cache.Options) { o.Retry.BackoffMultiplier = 0.5 },
		func(o *cache.Options) { o.ShutdownTimeout = 0 },
	}

	for i, mutate := range invalid {
		opts := testOptions()
		mutate(opts)
		if _, err := factory(store, opts); !cache.HasCode(err, cache.RetCInvalidConfig) {
			t.Errorf("Case %d: expected RetCInvalidConfig, got %v", i, err)
		}
	}

	if _, err := factory(nil, testOptions()); !cache.HasCode(err, cache.RetCInvalidConfig) {
		t.Errorf("Expected RetCInvalidConfig for nil store, got %v", err)
	}
}

func testMetrics(t *testing.T, factory CacheFactory) {
	store := backingtesting.NewMockStore()
	engine := mustEngine(t, factory, store, testOptions())
	defer engine.Close()

	if err := engine.Put("k", []byte("v")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	waitFor(t, 2*time.Second, "flush counted", func() bool {
		return engine.Info().Flushes >= 1
	})

	var buf bytes.Buffer
	engine.WritePrometheus(&buf)
	exposition := buf.String()
	for _, metric := range []string{
		"wbkv_queue_depth",
		"wbkv_pending_mutations",
		"wbkv_flushes_total",
		"wbkv_flush_retries_total",
	} {
		if !bytes.Contains(buf.Bytes(), []byte(metric)) {
			t.Errorf("Prometheus exposition is missing %s:\n%s", metric, exposition)
		}
	}
}
