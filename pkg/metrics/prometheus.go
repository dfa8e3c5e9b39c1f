package metrics

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"
)

// PrometheusExporter exports metrics in Prometheus text format
type PrometheusExporter struct {
	collector       *MetricsCollector
	resourceTracker *ResourceTracker
	namespace       string // Metric namespace prefix (e.g., "reldb")
}

// NewPrometheusExporter creates a new Prometheus exporter
func NewPrometheusExporter(collector *MetricsCollector, resourceTracker *ResourceTracker) *PrometheusExporter {
	return &PrometheusExporter{
		collector:       collector,
		resourceTracker: resourceTracker,
		namespace:       "reldb",
	}
}

// SetNamespace sets the metric namespace prefix
func (pe *PrometheusExporter) SetNamespace(namespace string) {
	pe.namespace = namespace
}

// WriteMetrics writes all metrics in Prometheus text format to the writer
// Format: https://prometheus.io/docs/instrumenting/exposition_formats/
func (pe *PrometheusExporter) WriteMetrics(w io.Writer) error {
	// Write uptime metric
	uptime := time.Since(pe.collector.startTime).Seconds()
	if err := pe.writeGauge(w, "uptime_seconds", "Process uptime in seconds", uptime); err != nil {
		return err
	}

	// Page fetch metrics
	pageFetches := atomic.LoadUint64(&pe.collector.pageFetches)
	pageFetchErrors := atomic.LoadUint64(&pe.collector.pageFetchErrors)
	totalFetchTime := atomic.LoadUint64(&pe.collector.totalFetchTime)

	if err := pe.writeCounter(w, "page_fetches_total", "Total number of FetchPage calls", pageFetches); err != nil {
		return err
	}
	if err := pe.writeCounter(w, "page_fetches_failed_total", "Total number of failed FetchPage calls", pageFetchErrors); err != nil {
		return err
	}
	if err := pe.writeCounter(w, "page_fetch_duration_nanoseconds_total", "Total FetchPage time in nanoseconds", totalFetchTime); err != nil {
		return err
	}

	if err := pe.writeHistogram(w, "page_fetch_duration_seconds", "FetchPage duration histogram", pe.collector.fetchTimings); err != nil {
		return err
	}
	if err := pe.writePercentiles(w, "page_fetch_duration_seconds", pe.collector.fetchTimings); err != nil {
		return err
	}

	// Page allocation metrics
	pageAllocations := atomic.LoadUint64(&pe.collector.pageAllocations)
	pageAllocErrors := atomic.LoadUint64(&pe.collector.pageAllocErrors)
	totalAllocTime := atomic.LoadUint64(&pe.collector.totalAllocTime)

	if err := pe.writeCounter(w, "page_allocations_total", "Total number of NewPage calls", pageAllocations); err != nil {
		return err
	}
	if err := pe.writeCounter(w, "page_allocations_failed_total", "Total number of failed NewPage calls (no evictable frame)", pageAllocErrors); err != nil {
		return err
	}
	if err := pe.writeCounter(w, "page_allocation_duration_nanoseconds_total", "Total NewPage time in nanoseconds", totalAllocTime); err != nil {
		return err
	}

	if err := pe.writeHistogram(w, "page_allocation_duration_seconds", "NewPage duration histogram", pe.collector.allocTimings); err != nil {
		return err
	}
	if err := pe.writePercentiles(w, "page_allocation_duration_seconds", pe.collector.allocTimings); err != nil {
		return err
	}

	// Page flush metrics
	pageFlushes := atomic.LoadUint64(&pe.collector.pageFlushes)
	pageFlushErrors := atomic.LoadUint64(&pe.collector.pageFlushErrors)
	totalFlushTime := atomic.LoadUint64(&pe.collector.totalFlushTime)

	if err := pe.writeCounter(w, "page_flushes_total", "Total number of page write-backs", pageFlushes); err != nil {
		return err
	}
	if err := pe.writeCounter(w, "page_flushes_failed_total", "Total number of failed page write-backs", pageFlushErrors); err != nil {
		return err
	}
	if err := pe.writeCounter(w, "page_flush_duration_nanoseconds_total", "Total flush time in nanoseconds", totalFlushTime); err != nil {
		return err
	}

	if err := pe.writeHistogram(w, "page_flush_duration_seconds", "Page flush duration histogram", pe.collector.flushTimings); err != nil {
		return err
	}
	if err := pe.writePercentiles(w, "page_flush_duration_seconds", pe.collector.flushTimings); err != nil {
		return err
	}

	// Transaction metrics
	transactionsStarted := atomic.LoadUint64(&pe.collector.transactionsStarted)
	transactionsCommitted := atomic.LoadUint64(&pe.collector.transactionsCommitted)
	transactionsAborted := atomic.LoadUint64(&pe.collector.transactionsAborted)

	if err := pe.writeCounter(w, "transactions_started_total", "Total number of transactions started", transactionsStarted); err != nil {
		return err
	}
	if err := pe.writeCounter(w, "transactions_committed_total", "Total number of transactions committed", transactionsCommitted); err != nil {
		return err
	}
	if err := pe.writeCounter(w, "transactions_aborted_total", "Total number of transactions aborted", transactionsAborted); err != nil {
		return err
	}

	// Buffer pool residency metrics
	bufferHits := atomic.LoadUint64(&pe.collector.bufferHits)
	bufferMisses := atomic.LoadUint64(&pe.collector.bufferMisses)
	totalBufferOps := bufferHits + bufferMisses
	var bufferHitRate float64
	if totalBufferOps > 0 {
		bufferHitRate = float64(bufferHits) / float64(totalBufferOps)
	}

	if err := pe.writeCounter(w, "buffer_pool_hits_total", "Total number of resident-page fetches", bufferHits); err != nil {
		return err
	}
	if err := pe.writeCounter(w, "buffer_pool_misses_total", "Total number of disk-backed fetches", bufferMisses); err != nil {
		return err
	}
	if err := pe.writeGauge(w, "buffer_pool_hit_rate", "Buffer pool residency hit rate (0-1)", bufferHitRate); err != nil {
		return err
	}

	// Lock manager metrics
	lockGrantsImmediate := atomic.LoadUint64(&pe.collector.lockGrantsImmediate)
	lockGrantsAfterWait := atomic.LoadUint64(&pe.collector.lockGrantsAfterWait)
	totalLocks := lockGrantsImmediate + lockGrantsAfterWait
	deadlockVictims := atomic.LoadUint64(&pe.collector.deadlockVictims)
	var lockWaitRate float64
	if totalLocks > 0 {
		lockWaitRate = float64(lockGrantsAfterWait) / float64(totalLocks)
	}

	if err := pe.writeCounter(w, "lock_grants_immediate_total", "Total lock requests granted without blocking", lockGrantsImmediate); err != nil {
		return err
	}
	if err := pe.writeCounter(w, "lock_grants_after_wait_total", "Total lock requests that blocked before being granted", lockGrantsAfterWait); err != nil {
		return err
	}
	if err := pe.writeGauge(w, "lock_wait_rate", "Fraction of lock requests that had to wait (0-1)", lockWaitRate); err != nil {
		return err
	}
	if err := pe.writeCounter(w, "deadlock_victims_total", "Total transactions aborted by the deadlock detector", deadlockVictims); err != nil {
		return err
	}

	if err := pe.writeHistogram(w, "lock_wait_duration_seconds", "Lock grant wait duration histogram", pe.collector.lockWaitTimes); err != nil {
		return err
	}
	if err := pe.writePercentiles(w, "lock_wait_duration_seconds", pe.collector.lockWaitTimes); err != nil {
		return err
	}

	// Connection metrics
	activeConnections := atomic.LoadUint64(&pe.collector.activeConnections)
	totalConnections := atomic.LoadUint64(&pe.collector.totalConnections)

	if err := pe.writeGauge(w, "active_connections", "Current number of active admin-server connections", float64(activeConnections)); err != nil {
		return err
	}
	if err := pe.writeCounter(w, "connections_total", "Total number of admin-server connections", totalConnections); err != nil {
		return err
	}

	// Resource tracker metrics (if available)
	if pe.resourceTracker != nil {
		stats := pe.resourceTracker.GetStats()

		// Memory metrics
		if err := pe.writeGauge(w, "memory_heap_bytes", "Heap memory in bytes", float64(stats.HeapInUse)); err != nil {
			return err
		}
		if err := pe.writeGauge(w, "memory_stack_bytes", "Stack memory in bytes", float64(stats.StackInUse)); err != nil {
			return err
		}
		if err := pe.writeCounter(w, "memory_allocations_total", "Total memory allocations", stats.AllocBytes); err != nil {
			return err
		}
		if err := pe.writeGauge(w, "memory_objects", "Number of allocated objects", float64(stats.AllocObjects)); err != nil {
			return err
		}

		// Goroutine metrics
		if err := pe.writeGauge(w, "goroutines", "Number of goroutines", float64(stats.NumGoroutines)); err != nil {
			return err
		}

		// I/O metrics
		if err := pe.writeCounter(w, "io_bytes_read_total", "Total bytes read", stats.BytesRead); err != nil {
			return err
		}
		if err := pe.writeCounter(w, "io_bytes_written_total", "Total bytes written", stats.BytesWritten); err != nil {
			return err
		}
		if err := pe.writeCounter(w, "io_read_operations_total", "Total read operations", stats.ReadsCompleted); err != nil {
			return err
		}
		if err := pe.writeCounter(w, "io_write_operations_total", "Total write operations", stats.WritesCompleted); err != nil {
			return err
		}

		// GC metrics
		if err := pe.writeCounter(w, "gc_runs_total", "Total garbage collection runs", uint64(stats.GCRuns)); err != nil {
			return err
		}
		if err := pe.writeGauge(w, "gc_pause_nanoseconds", "Last GC pause time in nanoseconds", float64(stats.LastGCTimeNs)); err != nil {
			return err
		}

		// System info
		if err := pe.writeGauge(w, "cpu_count", "Number of CPUs", float64(stats.NumCPU)); err != nil {
			return err
		}
	}

	return nil
}

// writeCounter writes a counter metric
func (pe *PrometheusExporter) writeCounter(w io.Writer, name, help string, value uint64) error {
	metricName := pe.namespace + "_" + name
	_, err := fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s counter\n%s %d\n",
		metricName, help, metricName, metricName, value)
	return err
}

// writeGauge writes a gauge metric
func (pe *PrometheusExporter) writeGauge(w io.Writer, name, help string, value float64) error {
	metricName := pe.namespace + "_" + name
	_, err := fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s gauge\n%s %g\n",
		metricName, help, metricName, metricName, value)
	return err
}

// writeHistogram writes histogram metrics from timing data
func (pe *PrometheusExporter) writeHistogram(w io.Writer, name, help string, th *TimingHistogram) error {
	metricName := pe.namespace + "_" + name

	// Write HELP and TYPE
	if _, err := fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s histogram\n", metricName, help, metricName); err != nil {
		return err
	}

	// Get bucket counts
	buckets := th.GetBuckets()

	// Convert to cumulative counts and write buckets
	// Prometheus histogram buckets are cumulative
	var cumulative uint64

	// 0-1ms bucket (le="0.001")
	cumulative += buckets["0-1ms"]
	if _, err := fmt.Fprintf(w, "%s_bucket{le=\"0.001\"} %d\n", metricName, cumulative); err != nil {
		return err
	}

	// 1-10ms bucket (le="0.01")
	cumulative += buckets["1-10ms"]
	if _, err := fmt.Fprintf(w, "%s_bucket{le=\"0.01\"} %d\n", metricName, cumulative); err != nil {
		return err
	}

	// 10-100ms bucket (le="0.1")
	cumulative += buckets["10-100ms"]
	if _, err := fmt.Fprintf(w, "%s_bucket{le=\"0.1\"} %d\n", metricName, cumulative); err != nil {
		return err
	}

	// 100-1000ms bucket (le="1.0")
	cumulative += buckets["100-1000ms"]
	if _, err := fmt.Fprintf(w, "%s_bucket{le=\"1.0\"} %d\n", metricName, cumulative); err != nil {
		return err
	}

	// >1000ms bucket (le="+Inf")
	cumulative += buckets[">1000ms"]
	if _, err := fmt.Fprintf(w, "%s_bucket{le=\"+Inf\"} %d\n", metricName, cumulative); err != nil {
		return err
	}

	// Write count (no _sum line is emitted)
	if _, err := fmt.Fprintf(w, "%s_count %d\n", metricName, cumulative); err != nil {
		return err
	}

	return nil
}

// writePercentiles writes percentile metrics as gauges
func (pe *PrometheusExporter) writePercentiles(w io.Writer, baseName string, th *TimingHistogram) error {
	percentiles := th.GetPercentiles()

	// P50
	if err := pe.writeGauge(w, baseName+"_p50",
		fmt.Sprintf("50th percentile of %s", baseName),
		percentiles["p50"].Seconds()); err != nil {
		return err
	}

	// P95
	if err := pe.writeGauge(w, baseName+"_p95",
		fmt.Sprintf("95th percentile of %s", baseName),
		percentiles["p95"].Seconds()); err != nil {
		return err
	}

	// P99
	if err := pe.writeGauge(w, baseName+"_p99",
		fmt.Sprintf("99th percentile of %s", baseName),
		percentiles["p99"].Seconds()); err != nil {
		return err
	}

	return nil
}
