package cache

import (
	"github.com/VictoriaMetrics/metrics"
)

// engineMetrics is the engine's observability surface. Each engine instance
// owns its own metrics.Set (no ambient global state), exposed through
// ICache.WritePrometheus. The counters double as the data source for
// ICache.Info.
type engineMetrics struct {
	set *metrics.Set

	flushesTotal       *metrics.Counter
	flushFailuresTotal *metrics.Counter
	retriesTotal       *metrics.Counter
	rejectedTotal      *metrics.Counter
	droppedTotal       *metrics.Counter
	deadLettersTotal   *metrics.Counter
	drainTimeoutsTotal *metrics.Counter

	batchSize     *metrics.Histogram
	flushDuration *metrics.Histogram
}

// newEngineMetrics registers all engine metrics. The queue depth and pending
// count gauges read live engine state, so the engine's queue and pending
// table must be in place before the first scrape.
func newEngineMetrics(e *engineImpl) *engineMetrics {
	s := metrics.NewSet()

	m := &engineMetrics{
		set:                s,
		flushesTotal:       s.NewCounter("wbkv_flushes_total"),
		flushFailuresTotal: s.NewCounter("wbkv_flush_failures_total"),
		retriesTotal:       s.NewCounter("wbkv_flush_retries_total"),
		rejectedTotal:      s.NewCounter("wbkv_admission_rejected_total"),
		droppedTotal:       s.NewCounter("wbkv_admission_dropped_total"),
		deadLettersTotal:   s.NewCounter("wbkv_dead_letters_total"),
		drainTimeoutsTotal: s.NewCounter("wbkv_drain_timeouts_total"),
		batchSize:          s.NewHistogram("wbkv_flush_batch_size"),
		flushDuration:      s.NewHistogram("wbkv_flush_duration_seconds"),
	}

	s.NewGauge("wbkv_queue_depth", func() float64 {
		return float64(e.queue.Len())
	})
	s.NewGauge("wbkv_pending_mutations", func() float64 {
		return float64(e.pending.size())
	})

	return m
}
