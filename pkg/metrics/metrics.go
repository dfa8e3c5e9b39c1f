package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// MetricsCollector collects real-time performance metrics for the storage
// and concurrency core: buffer pool page operations, lock manager grants,
// and transaction outcomes.
type MetricsCollector struct {
	// Page fetch metrics (FetchPage: resident hit or disk-backed miss)
	pageFetches     uint64
	pageFetchErrors uint64
	totalFetchTime  uint64 // in nanoseconds

	// Page allocation metrics (NewPage)
	pageAllocations   uint64
	pageAllocErrors   uint64
	totalAllocTime    uint64 // in nanoseconds

	// Page flush metrics (FlushPage / FlushAllPages)
	pageFlushes     uint64
	pageFlushErrors uint64
	totalFlushTime  uint64 // in nanoseconds

	// Transaction metrics
	transactionsStarted   uint64
	transactionsCommitted uint64
	transactionsAborted   uint64

	// Buffer pool residency metrics
	bufferHits   uint64
	bufferMisses uint64

	// Lock manager grant metrics: a request is granted immediately on
	// insertion into an empty-compatible queue, or only after the caller
	// blocked on the queue's condition variable.
	lockGrantsImmediate  uint64
	lockGrantsAfterWait  uint64
	totalLockWaitTime    uint64 // in nanoseconds, for requests that waited
	deadlockVictims      uint64

	// Connection metrics (for the admin HTTP server)
	activeConnections uint64
	totalConnections  uint64

	// Operation timing buckets (histogram)
	mu            sync.RWMutex
	fetchTimings  *TimingHistogram
	allocTimings  *TimingHistogram
	flushTimings  *TimingHistogram
	lockWaitTimes *TimingHistogram

	// Start time for uptime calculation
	startTime time.Time
}

// TimingHistogram stores timing data in buckets for histogram generation
type TimingHistogram struct {
	// Buckets: <1ms, 1-10ms, 10-100ms, 100ms-1s, >1s
	bucket0_1ms      uint64 // 0-1ms
	bucket1_10ms     uint64 // 1-10ms
	bucket10_100ms   uint64 // 10-100ms
	bucket100_1000ms uint64 // 100-1000ms
	bucket1000ms     uint64 // >1s

	// P50, P95, P99 tracking
	mu               sync.Mutex
	recentTimings    []time.Duration // Keep last 1000 timings
	maxRecentTimings int
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		fetchTimings:  NewTimingHistogram(1000),
		allocTimings:  NewTimingHistogram(1000),
		flushTimings:  NewTimingHistogram(1000),
		lockWaitTimes: NewTimingHistogram(1000),
		startTime:     time.Now(),
	}
}

// NewTimingHistogram creates a new timing histogram
func NewTimingHistogram(maxRecent int) *TimingHistogram {
	return &TimingHistogram{
		recentTimings:    make([]time.Duration, 0, maxRecent),
		maxRecentTimings: maxRecent,
	}
}

// RecordPageFetch records a FetchPage call (pin + read, resident or not)
func (mc *MetricsCollector) RecordPageFetch(duration time.Duration, success bool) {
	atomic.AddUint64(&mc.pageFetches, 1)
	if !success {
		atomic.AddUint64(&mc.pageFetchErrors, 1)
	}
	atomic.AddUint64(&mc.totalFetchTime, uint64(duration.Nanoseconds()))
	mc.fetchTimings.Record(duration)
}

// RecordPageAlloc records a NewPage call
func (mc *MetricsCollector) RecordPageAlloc(duration time.Duration, success bool) {
	atomic.AddUint64(&mc.pageAllocations, 1)
	if !success {
		atomic.AddUint64(&mc.pageAllocErrors, 1)
	}
	atomic.AddUint64(&mc.totalAllocTime, uint64(duration.Nanoseconds()))
	mc.allocTimings.Record(duration)
}

// RecordPageFlush records a FlushPage (or per-page FlushAllPages) write-back
func (mc *MetricsCollector) RecordPageFlush(duration time.Duration, success bool) {
	atomic.AddUint64(&mc.pageFlushes, 1)
	if !success {
		atomic.AddUint64(&mc.pageFlushErrors, 1)
	}
	atomic.AddUint64(&mc.totalFlushTime, uint64(duration.Nanoseconds()))
	mc.flushTimings.Record(duration)
}

// RecordTransactionStart records transaction events
func (mc *MetricsCollector) RecordTransactionStart() {
	atomic.AddUint64(&mc.transactionsStarted, 1)
}

func (mc *MetricsCollector) RecordTransactionCommit() {
	atomic.AddUint64(&mc.transactionsCommitted, 1)
}

func (mc *MetricsCollector) RecordTransactionAbort() {
	atomic.AddUint64(&mc.transactionsAborted, 1)
}

// RecordBufferHit records a buffer pool residency hit (page already pinned
// in a frame, no disk read needed)
func (mc *MetricsCollector) RecordBufferHit() {
	atomic.AddUint64(&mc.bufferHits, 1)
}

// RecordBufferMiss records a buffer pool residency miss (frame acquired via
// free list or eviction, page read from disk)
func (mc *MetricsCollector) RecordBufferMiss() {
	atomic.AddUint64(&mc.bufferMisses, 1)
}

// RecordLockGrantImmediate records a lock request granted on first pass
// through the queue's grant procedure, without the caller blocking
func (mc *MetricsCollector) RecordLockGrantImmediate() {
	atomic.AddUint64(&mc.lockGrantsImmediate, 1)
}

// RecordLockGrantAfterWait records a lock request that blocked on the
// queue's condition variable before being granted, and how long it waited
func (mc *MetricsCollector) RecordLockGrantAfterWait(waited time.Duration) {
	atomic.AddUint64(&mc.lockGrantsAfterWait, 1)
	atomic.AddUint64(&mc.totalLockWaitTime, uint64(waited.Nanoseconds()))
	mc.lockWaitTimes.Record(waited)
}

// RecordDeadlockVictim records a transaction aborted by the deadlock
// detector as the youngest member of a detected wait-for cycle
func (mc *MetricsCollector) RecordDeadlockVictim() {
	atomic.AddUint64(&mc.deadlockVictims, 1)
}

// RecordConnectionStart/End record admin HTTP server connection metrics
func (mc *MetricsCollector) RecordConnectionStart() {
	atomic.AddUint64(&mc.totalConnections, 1)
	atomic.AddUint64(&mc.activeConnections, 1)
}

func (mc *MetricsCollector) RecordConnectionEnd() {
	atomic.AddUint64(&mc.activeConnections, ^uint64(0)) // Decrement using two's complement
}

// Record adds a timing to the histogram
func (th *TimingHistogram) Record(duration time.Duration) {
	// Update buckets atomically
	ms := duration.Milliseconds()
	if ms < 1 {
		atomic.AddUint64(&th.bucket0_1ms, 1)
	} else if ms < 10 {
		atomic.AddUint64(&th.bucket1_10ms, 1)
	} else if ms < 100 {
		atomic.AddUint64(&th.bucket10_100ms, 1)
	} else if ms < 1000 {
		atomic.AddUint64(&th.bucket100_1000ms, 1)
	} else {
		atomic.AddUint64(&th.bucket1000ms, 1)
	}

	// Add to recent timings for percentile calculation
	th.mu.Lock()
	defer th.mu.Unlock()

	if len(th.recentTimings) >= th.maxRecentTimings {
		// Shift array to remove oldest
		th.recentTimings = th.recentTimings[1:]
	}
	th.recentTimings = append(th.recentTimings, duration)
}

// GetBuckets returns the histogram bucket counts
func (th *TimingHistogram) GetBuckets() map[string]uint64 {
	return map[string]uint64{
		"0-1ms":      atomic.LoadUint64(&th.bucket0_1ms),
		"1-10ms":     atomic.LoadUint64(&th.bucket1_10ms),
		"10-100ms":   atomic.LoadUint64(&th.bucket10_100ms),
		"100-1000ms": atomic.LoadUint64(&th.bucket100_1000ms),
		">1000ms":    atomic.LoadUint64(&th.bucket1000ms),
	}
}

// GetPercentiles calculates P50, P95, P99 from recent timings
func (th *TimingHistogram) GetPercentiles() map[string]time.Duration {
	th.mu.Lock()
	defer th.mu.Unlock()

	if len(th.recentTimings) == 0 {
		return map[string]time.Duration{
			"p50": 0,
			"p95": 0,
			"p99": 0,
		}
	}

	// Create sorted copy
	sorted := make([]time.Duration, len(th.recentTimings))
	copy(sorted, th.recentTimings)

	// Simple insertion sort (fine for 1000 elements)
	for i := 1; i < len(sorted); i++ {
		key := sorted[i]
		j := i - 1
		for j >= 0 && sorted[j] > key {
			sorted[j+1] = sorted[j]
			j--
		}
		sorted[j+1] = key
	}

	// Calculate percentiles
	p50idx := len(sorted) * 50 / 100
	p95idx := len(sorted) * 95 / 100
	p99idx := len(sorted) * 99 / 100

	return map[string]time.Duration{
		"p50": sorted[p50idx],
		"p95": sorted[p95idx],
		"p99": sorted[p99idx],
	}
}

// GetMetrics returns a snapshot of all metrics
func (mc *MetricsCollector) GetMetrics() map[string]interface{} {
	// Load all atomic counters
	pageFetches := atomic.LoadUint64(&mc.pageFetches)
	pageFetchErrors := atomic.LoadUint64(&mc.pageFetchErrors)
	totalFetchTime := atomic.LoadUint64(&mc.totalFetchTime)

	pageAllocations := atomic.LoadUint64(&mc.pageAllocations)
	pageAllocErrors := atomic.LoadUint64(&mc.pageAllocErrors)
	totalAllocTime := atomic.LoadUint64(&mc.totalAllocTime)

	pageFlushes := atomic.LoadUint64(&mc.pageFlushes)
	pageFlushErrors := atomic.LoadUint64(&mc.pageFlushErrors)
	totalFlushTime := atomic.LoadUint64(&mc.totalFlushTime)

	transactionsStarted := atomic.LoadUint64(&mc.transactionsStarted)
	transactionsCommitted := atomic.LoadUint64(&mc.transactionsCommitted)
	transactionsAborted := atomic.LoadUint64(&mc.transactionsAborted)

	bufferHits := atomic.LoadUint64(&mc.bufferHits)
	bufferMisses := atomic.LoadUint64(&mc.bufferMisses)

	lockGrantsImmediate := atomic.LoadUint64(&mc.lockGrantsImmediate)
	lockGrantsAfterWait := atomic.LoadUint64(&mc.lockGrantsAfterWait)
	totalLockWaitTime := atomic.LoadUint64(&mc.totalLockWaitTime)
	deadlockVictims := atomic.LoadUint64(&mc.deadlockVictims)

	activeConnections := atomic.LoadUint64(&mc.activeConnections)
	totalConnections := atomic.LoadUint64(&mc.totalConnections)

	// Calculate averages (prevent division by zero)
	var avgFetchTime, avgAllocTime, avgFlushTime, avgLockWaitTime float64
	if pageFetches > 0 {
		avgFetchTime = float64(totalFetchTime) / float64(pageFetches) / 1e6 // Convert to ms
	}
	if pageAllocations > 0 {
		avgAllocTime = float64(totalAllocTime) / float64(pageAllocations) / 1e6
	}
	if pageFlushes > 0 {
		avgFlushTime = float64(totalFlushTime) / float64(pageFlushes) / 1e6
	}
	if lockGrantsAfterWait > 0 {
		avgLockWaitTime = float64(totalLockWaitTime) / float64(lockGrantsAfterWait) / 1e6
	}

	// Calculate buffer hit rate
	var bufferHitRate float64
	totalBufferOps := bufferHits + bufferMisses
	if totalBufferOps > 0 {
		bufferHitRate = float64(bufferHits) / float64(totalBufferOps) * 100
	}

	// Calculate uptime
	uptime := time.Since(mc.startTime)

	return map[string]interface{}{
		"uptime_seconds": uptime.Seconds(),

		"page_fetches": map[string]interface{}{
			"total":              pageFetches,
			"failed":             pageFetchErrors,
			"success_rate":       calculateSuccessRate(pageFetches, pageFetchErrors),
			"avg_duration_ms":    avgFetchTime,
			"timing_histogram":   mc.fetchTimings.GetBuckets(),
			"timing_percentiles": mc.fetchTimings.GetPercentiles(),
		},

		"page_allocations": map[string]interface{}{
			"total":              pageAllocations,
			"failed":             pageAllocErrors,
			"success_rate":       calculateSuccessRate(pageAllocations, pageAllocErrors),
			"avg_duration_ms":    avgAllocTime,
			"timing_histogram":   mc.allocTimings.GetBuckets(),
			"timing_percentiles": mc.allocTimings.GetPercentiles(),
		},

		"page_flushes": map[string]interface{}{
			"total":              pageFlushes,
			"failed":             pageFlushErrors,
			"success_rate":       calculateSuccessRate(pageFlushes, pageFlushErrors),
			"avg_duration_ms":    avgFlushTime,
			"timing_histogram":   mc.flushTimings.GetBuckets(),
			"timing_percentiles": mc.flushTimings.GetPercentiles(),
		},

		"transactions": map[string]interface{}{
			"started":     transactionsStarted,
			"committed":   transactionsCommitted,
			"aborted":     transactionsAborted,
			"commit_rate": calculateSuccessRate(transactionsStarted, transactionsAborted),
		},

		"buffer_pool": map[string]interface{}{
			"hits":     bufferHits,
			"misses":   bufferMisses,
			"hit_rate": bufferHitRate,
		},

		"locks": map[string]interface{}{
			"granted_immediate":   lockGrantsImmediate,
			"granted_after_wait":  lockGrantsAfterWait,
			"deadlock_victims":    deadlockVictims,
			"avg_wait_ms":         avgLockWaitTime,
			"wait_time_histogram": mc.lockWaitTimes.GetBuckets(),
			"wait_percentiles":    mc.lockWaitTimes.GetPercentiles(),
		},

		"connections": map[string]interface{}{
			"active": activeConnections,
			"total":  totalConnections,
		},
	}
}

// Reset resets all metrics to zero
func (mc *MetricsCollector) Reset() {
	atomic.StoreUint64(&mc.pageFetches, 0)
	atomic.StoreUint64(&mc.pageFetchErrors, 0)
	atomic.StoreUint64(&mc.totalFetchTime, 0)

	atomic.StoreUint64(&mc.pageAllocations, 0)
	atomic.StoreUint64(&mc.pageAllocErrors, 0)
	atomic.StoreUint64(&mc.totalAllocTime, 0)

	atomic.StoreUint64(&mc.pageFlushes, 0)
	atomic.StoreUint64(&mc.pageFlushErrors, 0)
	atomic.StoreUint64(&mc.totalFlushTime, 0)

	atomic.StoreUint64(&mc.transactionsStarted, 0)
	atomic.StoreUint64(&mc.transactionsCommitted, 0)
	atomic.StoreUint64(&mc.transactionsAborted, 0)

	atomic.StoreUint64(&mc.bufferHits, 0)
	atomic.StoreUint64(&mc.bufferMisses, 0)

	atomic.StoreUint64(&mc.lockGrantsImmediate, 0)
	atomic.StoreUint64(&mc.lockGrantsAfterWait, 0)
	atomic.StoreUint64(&mc.totalLockWaitTime, 0)
	atomic.StoreUint64(&mc.deadlockVictims, 0)

	atomic.StoreUint64(&mc.totalConnections, 0)
	// Don't reset activeConnections as it represents current state

	// Reset histograms
	mc.mu.Lock()
	mc.fetchTimings = NewTimingHistogram(1000)
	mc.allocTimings = NewTimingHistogram(1000)
	mc.flushTimings = NewTimingHistogram(1000)
	mc.lockWaitTimes = NewTimingHistogram(1000)
	mc.mu.Unlock()

	// Reset start time
	mc.startTime = time.Now()
}

// Helper functions

func calculateSuccessRate(total, failed uint64) float64 {
	if total == 0 {
		return 0
	}
	succeeded := total - failed
	return float64(succeeded) / float64(total) * 100
}
