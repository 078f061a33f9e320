package cache

import (
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"time"
)

// --------------------------------------------------------------------------
// Interface Definition
// --------------------------------------------------------------------------

// ICache is the generic interface of the write-behind cache engine.
// Writes become visible to readers as soon as the call returns and are
// persisted to the backing store asynchronously by a single background
// flusher. No caller-facing operation ever performs backing store I/O.
type ICache interface {
	// Put writes a value into the cache. The value is immediately visible to
	// concurrent Get calls and is scheduled for asynchronous persistence.
	// Depending on the configured admission policy the call may block until
	// queue space is available or fail with a RetCQueueFull error.
	Put(key string, value []byte) (err error)
	// Get returns the cached value for a key. The boolean return value
	// indicates whether a value for the key was found. Get never touches the
	// backing store. The returned value is a copy and safe to modify.
	Get(key string) (value []byte, loaded bool)
	// Delete removes a key from the cache immediately and schedules the
	// deletion for asynchronous persistence. The same admission policy as
	// for Put applies.
	Delete(key string) (err error)
	// Drain stops accepting new writes, flushes all outstanding mutations
	// within the given timeout and stops the background flusher. It returns
	// the number of mutations still unflushed; a non-zero count comes with a
	// RetCDrainTimeout error. The engine is shut down either way.
	Drain(timeout time.Duration) (remaining int, err error)
	// Close drains the engine with the configured shutdown timeout.
	// Calling Close on an already drained engine is a no-op.
	Close() (err error)
	// Info returns a snapshot of the engine's internal counters.
	Info() (info CacheInfo)
	// WritePrometheus writes all engine metrics in Prometheus text format.
	WritePrometheus(w io.Writer)
}

// --------------------------------------------------------------------------
// Mutations
// --------------------------------------------------------------------------

// MutationKind discriminates the two pending mutation types.
type MutationKind int

const (
	MutationUpsert MutationKind = iota
	MutationDelete
)

func (k MutationKind) String() string {
	switch k {
	case MutationUpsert:
		return "Upsert"
	case MutationDelete:
		return "Delete"
	default:
		return "Unknown"
	}
}

// Mutation is the single latest not-yet-persisted write for a key. At most
// one Mutation exists per key at any instant: a new write always replaces,
// never appends to, the key's existing mutation (coalescing).
type Mutation struct {
	Key        string
	Kind       MutationKind
	Value      []byte // nil for MutationDelete
	EnqueuedAt time.Time
}

// --------------------------------------------------------------------------
// Admission Policy
// --------------------------------------------------------------------------

// AdmissionPolicy governs what happens on Put/Delete when the flush queue is
// at capacity. Exactly one policy is fixed per engine instance at
// construction time.
type AdmissionPolicy int

const (
	// AdmissionBlock blocks the caller until queue space is available.
	AdmissionBlock AdmissionPolicy = iota
	// AdmissionReject fails the call with a RetCQueueFull error.
	AdmissionReject
	// AdmissionDropOldest evicts the oldest queued key and accepts the new
	// one. The evicted key's pending mutation stays in the table and is
	// persisted by a later enqueue of that key, the periodic sweep, or the
	// final drain.
	AdmissionDropOldest
)

func (p AdmissionPolicy) String() string {
	switch p {
	case AdmissionBlock:
		return "block"
	case AdmissionReject:
		return "reject"
	case AdmissionDropOldest:
		return "drop-oldest"
	default:
		return "unknown"
	}
}

// --------------------------------------------------------------------------
// Retry Configuration
// --------------------------------------------------------------------------

// RetryConfig controls how the flusher retries transient backing store
// failures: exponential backoff with optional jitter, capped at MaxBackoff,
// with at most MaxAttempts total persist attempts per batch.
type RetryConfig struct {
	// MaxAttempts is the total number of persist attempts per batch (>= 1).
	// When exhausted, the batch is routed to the terminal disposition
	// (re-enqueue or dead-letter callback).
	MaxAttempts int
	// InitialBackoff is the wait before the first retry.
	InitialBackoff time.Duration
	// MaxBackoff caps the backoff interval.
	MaxBackoff time.Duration
	// BackoffMultiplier is the exponential growth factor (>= 1).
	BackoffMultiplier float64
	// Jitter randomizes each backoff interval to avoid thundering herds.
	Jitter bool
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       5,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
}

// backoff returns the wait interval before retry number `retry` (0-based).
func (c RetryConfig) backoff(retry int) time.Duration {
	interval := float64(c.InitialBackoff) * math.Pow(c.BackoffMultiplier, float64(retry))
	if interval > float64(c.MaxBackoff) {
		interval = float64(c.MaxBackoff)
	}
	if c.Jitter {
		// scale to [0.5, 1.0) of the computed interval
		interval = interval * (0.5 + 0.5*rand.Float64())
	}
	return time.Duration(interval)
}

// --------------------------------------------------------------------------
// Options
// --------------------------------------------------------------------------

// Options configures the engine behavior during initialization.
// All tunables must be positive; New rejects zero or negative values.
type Options struct {
	// BatchSize is the number of distinct keys that triggers a flush.
	BatchSize int
	// MaxDelay is the maximum time the first key of a batch waits before the
	// batch is flushed, even if BatchSize was not reached.
	MaxDelay time.Duration
	// FlushInterval is the period of the background flush tick. Each tick
	// flushes whatever has accumulated and sweeps tabled mutations whose
	// queue entries were dropped. A no-op tick is skipped.
	FlushInterval time.Duration
	// QueueCapacity bounds the flush queue.
	QueueCapacity int
	// Admission is the policy applied when the flush queue is full.
	Admission AdmissionPolicy
	// Retry controls backoff behavior on backing store failures.
	Retry RetryConfig
	// OnDeadLetter, if set, receives batches whose retry budget is exhausted
	// or that failed permanently, instead of them being re-enqueued. The
	// callback runs on the flusher goroutine and must not block for long.
	OnDeadLetter func(mutations []Mutation, err error)
	// ShutdownTimeout is the drain timeout used by Close.
	ShutdownTimeout time.Duration
}

// DefaultOptions returns the default engine options.
func DefaultOptions() *Options {
	return &Options{
		BatchSize:       64,
		MaxDelay:        50 * time.Millisecond,
		FlushInterval:   200 * time.Millisecond,
		QueueCapacity:   1024,
		Admission:       AdmissionBlock,
		Retry:           DefaultRetryConfig(),
		ShutdownTimeout: 5 * time.Second,
	}
}

// validate checks all tunables. It returns a RetCInvalidConfig error for the
// first violated constraint.
func (o *Options) validate() error {
	if o.BatchSize <= 0 {
		return NewError(RetCInvalidConfig, "batch size must be positive")
	}
	if o.MaxDelay <= 0 {
		return NewError(RetCInvalidConfig, "max delay must be positive")
	}
	if o.FlushInterval <= 0 {
		return NewError(RetCInvalidConfig, "flush interval must be positive")
	}
	if o.QueueCapacity <= 0 {
		return NewError(RetCInvalidConfig, "queue capacity must be positive")
	}
	switch o.Admission {
	case AdmissionBlock, AdmissionReject, AdmissionDropOldest:
	default:
		return NewError(RetCInvalidConfig, "unknown admission policy")
	}
	if o.Retry.MaxAttempts <= 0 {
		return NewError(RetCInvalidConfig, "retry max attempts must be positive")
	}
	if o.Retry.InitialBackoff <= 0 {
		return NewError(RetCInvalidConfig, "retry initial backoff must be positive")
	}
	if o.Retry.MaxBackoff < o.Retry.InitialBackoff {
		return NewError(RetCInvalidConfig, "retry max backoff must not be smaller than the initial backoff")
	}
	if o.Retry.BackoffMultiplier < 1 {
		return NewError(RetCInvalidConfig, "retry backoff multiplier must be >= 1")
	}
	if o.ShutdownTimeout <= 0 {
		return NewError(RetCInvalidConfig, "shutdown timeout must be positive")
	}
	return nil
}

// --------------------------------------------------------------------------
// Engine Info
// --------------------------------------------------------------------------

// CacheInfo is a snapshot of the engine's observable state. The same values
// are exposed as Prometheus metrics via WritePrometheus.
type CacheInfo struct {
	QueueDepth       int    `json:"queue_depth"`
	PendingMutations int    `json:"pending_mutations"`
	Flushes          uint64 `json:"flushes"`
	FlushFailures    uint64 `json:"flush_failures"`
	Retries          uint64 `json:"retries"`
	Rejected         uint64 `json:"rejected"`
	Dropped          uint64 `json:"dropped"`
	DeadLetters      uint64 `json:"dead_letters"`
	DrainTimeouts    uint64 `json:"drain_timeouts"`
}

// --------------------------------------------------------------------------
// Custom Error Type
// --------------------------------------------------------------------------

// RetCode classifies engine errors.
type RetCode uint64

const (
	RetCSuccess       RetCode = iota // 0: Operation executed successfully.
	RetCQueueFull                    // 1: Flush queue saturated (reject admission policy).
	RetCClosed                       // 2: Engine is draining or closed.
	RetCDrainTimeout                 // 3: Drain finished with unflushed mutations.
	RetCInvalidConfig                // 4: Invalid construction parameter.
)

func (c RetCode) String() string {
	switch c {
	case RetCSuccess:
		return "Success"
	case RetCQueueFull:
		return "QueueFull"
	case RetCClosed:
		return "Closed"
	case RetCDrainTimeout:
		return "DrainTimeout"
	case RetCInvalidConfig:
		return "InvalidConfig"
	default:
		return "Unknown"
	}
}

// Error is a custom error type that wraps a return code (of type RetCode)
// and an error message.
type Error struct {
	Code RetCode // The return code
	Msg  string  // The error message.
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("CacheError (code %s): %s", e.Code, e.Msg)
}

// NewError creates a new Error with the given code and message.
func NewError(code RetCode, msg string) *Error {
	return &Error{
		Code: code,
		Msg:  msg,
	}
}

// HasCode reports whether err is an engine Error with the given code.
func HasCode(err error, code RetCode) bool {
	var cerr *Error
	return errors.As(err, &cerr) && cerr.Code == code
}
