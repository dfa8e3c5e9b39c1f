package metrics

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// SlowLockWaitLog tracks and logs lock acquisitions that blocked longer than a threshold
type SlowLockWaitLog struct {
	threshold      time.Duration
	maxEntries     int
	logFile        *os.File
	entries        []SlowLockWaitEntry
	mu             sync.RWMutex
	enabled        bool
	logToFile      bool
	includeProfile bool // Stored from config; no profiling information is added to entries
}

// SlowLockWaitEntry represents a single slow lock wait log entry
type SlowLockWaitEntry struct {
	Timestamp     time.Time         `json:"timestamp"`
	Duration      time.Duration     `json:"duration_ns"`
	DurationMS    float64           `json:"duration_ms"`
	LockMode      string            `json:"lock_mode"` // "is", "ix", "s", "six", "x"
	Resource      string            `json:"resource"`  // table name, or "table:row_id"
	TxnID         int64             `json:"txn_id"`
	BlockedBy     []int64           `json:"blocked_by,omitempty"`
	WasUpgrade    bool              `json:"was_upgrade,omitempty"`
	CausedAbort   bool              `json:"caused_abort,omitempty"`
	Error         string            `json:"error,omitempty"`
	SessionInfo   map[string]string `json:"session_info,omitempty"` // client, host, session ID
}

// SlowLockWaitLogConfig holds configuration for the slow lock wait log
type SlowLockWaitLogConfig struct {
	Threshold      time.Duration // Minimum wait duration to log (default: 100ms)
	MaxEntries     int           // Maximum in-memory entries (default: 1000)
	LogFilePath    string        // Optional file path for persistent logging
	Enabled        bool          // Enable/disable logging (default: true)
	IncludeProfile bool          // Stored only; entries carry no profiling information (default: true)
}

// DefaultSlowLockWaitLogConfig returns default configuration
func DefaultSlowLockWaitLogConfig() *SlowLockWaitLogConfig {
	return &SlowLockWaitLogConfig{
		Threshold:      100 * time.Millisecond,
		MaxEntries:     1000,
		Enabled:        true,
		IncludeProfile: true,
	}
}

// NewSlowLockWaitLog creates a new slow lock wait log
func NewSlowLockWaitLog(config *SlowLockWaitLogConfig) (*SlowLockWaitLog, error) {
	if config == nil {
		config = DefaultSlowLockWaitLogConfig()
	}

	swl := &SlowLockWaitLog{
		threshold:      config.Threshold,
		maxEntries:     config.MaxEntries,
		entries:        make([]SlowLockWaitEntry, 0, config.MaxEntries),
		enabled:        config.Enabled,
		includeProfile: config.IncludeProfile,
	}

	// Open log file if path is provided
	if config.LogFilePath != "" {
		f, err := os.OpenFile(config.LogFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open slow lock wait log file: %w", err)
		}
		swl.logFile = f
		swl.logToFile = true
	}

	return swl, nil
}

// LogWait logs a lock wait if it exceeds the threshold
func (swl *SlowLockWaitLog) LogWait(entry SlowLockWaitEntry) {
	if !swl.enabled {
		return
	}

	// Only log if duration exceeds threshold
	if entry.Duration < swl.threshold {
		return
	}

	// Set timestamp and duration in ms
	entry.Timestamp = time.Now()
	entry.DurationMS = float64(entry.Duration.Nanoseconds()) / 1e6

	swl.mu.Lock()
	defer swl.mu.Unlock()

	// Add to in-memory buffer
	if len(swl.entries) >= swl.maxEntries {
		// Remove oldest entry (FIFO)
		swl.entries = swl.entries[1:]
	}
	swl.entries = append(swl.entries, entry)

	// Write to file if enabled
	if swl.logToFile && swl.logFile != nil {
		swl.writeToFile(entry)
	}
}

// writeToFile writes an entry to the log file (caller must hold lock)
func (swl *SlowLockWaitLog) writeToFile(entry SlowLockWaitEntry) {
	jsonBytes, err := json.Marshal(entry)
	if err != nil {
		// Silently ignore errors - logging should not crash the application
		return
	}

	_, _ = swl.logFile.Write(jsonBytes)
	_, _ = swl.logFile.Write([]byte("\n"))
}

// GetEntries returns all slow lock wait log entries
func (swl *SlowLockWaitLog) GetEntries() []SlowLockWaitEntry {
	swl.mu.RLock()
	defer swl.mu.RUnlock()

	// Return a copy to prevent modification
	entries := make([]SlowLockWaitEntry, len(swl.entries))
	copy(entries, swl.entries)
	return entries
}

// GetRecentEntries returns the N most recent entries
func (swl *SlowLockWaitLog) GetRecentEntries(n int) []SlowLockWaitEntry {
	swl.mu.RLock()
	defer swl.mu.RUnlock()

	if n > len(swl.entries) {
		n = len(swl.entries)
	}

	// Get last n entries
	start := len(swl.entries) - n
	entries := make([]SlowLockWaitEntry, n)
	copy(entries, swl.entries[start:])
	return entries
}

// GetEntriesByResource returns entries for a specific table or row resource
func (swl *SlowLockWaitLog) GetEntriesByResource(resource string) []SlowLockWaitEntry {
	swl.mu.RLock()
	defer swl.mu.RUnlock()

	var filtered []SlowLockWaitEntry
	for _, entry := range swl.entries {
		if entry.Resource == resource {
			filtered = append(filtered, entry)
		}
	}
	return filtered
}

// GetEntriesByLockMode returns entries for a specific lock mode
func (swl *SlowLockWaitLog) GetEntriesByLockMode(mode string) []SlowLockWaitEntry {
	swl.mu.RLock()
	defer swl.mu.RUnlock()

	var filtered []SlowLockWaitEntry
	for _, entry := range swl.entries {
		if entry.LockMode == mode {
			filtered = append(filtered, entry)
		}
	}
	return filtered
}

// GetEntriesSince returns entries since a specific time
func (swl *SlowLockWaitLog) GetEntriesSince(since time.Time) []SlowLockWaitEntry {
	swl.mu.RLock()
	defer swl.mu.RUnlock()

	var filtered []SlowLockWaitEntry
	for _, entry := range swl.entries {
		if entry.Timestamp.After(since) {
			filtered = append(filtered, entry)
		}
	}
	return filtered
}

// GetStatistics returns statistics about slow lock waits
func (swl *SlowLockWaitLog) GetStatistics() map[string]interface{} {
	swl.mu.RLock()
	defer swl.mu.RUnlock()

	if len(swl.entries) == 0 {
		return map[string]interface{}{
			"total_entries": 0,
			"threshold_ms":  swl.threshold.Milliseconds(),
		}
	}

	// Calculate statistics
	var totalDuration time.Duration
	var maxDuration time.Duration
	var minDuration time.Duration = 1<<63 - 1 // Max int64

	byLockMode := make(map[string]int)
	byResource := make(map[string]int)

	for _, entry := range swl.entries {
		totalDuration += entry.Duration
		if entry.Duration > maxDuration {
			maxDuration = entry.Duration
		}
		if entry.Duration < minDuration {
			minDuration = entry.Duration
		}

		byLockMode[entry.LockMode]++
		if entry.Resource != "" {
			byResource[entry.Resource]++
		}
	}

	avgDuration := totalDuration / time.Duration(len(swl.entries))

	return map[string]interface{}{
		"total_entries":   len(swl.entries),
		"threshold_ms":    swl.threshold.Milliseconds(),
		"avg_duration_ms": float64(avgDuration.Nanoseconds()) / 1e6,
		"min_duration_ms": float64(minDuration.Nanoseconds()) / 1e6,
		"max_duration_ms": float64(maxDuration.Nanoseconds()) / 1e6,
		"by_lock_mode":    byLockMode,
		"by_resource":     byResource,
	}
}

// Clear removes all entries from the log
func (swl *SlowLockWaitLog) Clear() {
	swl.mu.Lock()
	defer swl.mu.Unlock()

	swl.entries = make([]SlowLockWaitEntry, 0, swl.maxEntries)
}

// SetThreshold updates the threshold duration
func (swl *SlowLockWaitLog) SetThreshold(threshold time.Duration) {
	swl.mu.Lock()
	defer swl.mu.Unlock()

	swl.threshold = threshold
}

// GetThreshold returns the current threshold
func (swl *SlowLockWaitLog) GetThreshold() time.Duration {
	swl.mu.RLock()
	defer swl.mu.RUnlock()

	return swl.threshold
}

// Enable enables slow lock wait logging
func (swl *SlowLockWaitLog) Enable() {
	swl.mu.Lock()
	defer swl.mu.Unlock()

	swl.enabled = true
}

// Disable disables slow lock wait logging
func (swl *SlowLockWaitLog) Disable() {
	swl.mu.Lock()
	defer swl.mu.Unlock()

	swl.enabled = false
}

// IsEnabled returns whether logging is enabled
func (swl *SlowLockWaitLog) IsEnabled() bool {
	swl.mu.RLock()
	defer swl.mu.RUnlock()

	return swl.enabled
}

// ExportToJSON exports all entries to a JSON writer
func (swl *SlowLockWaitLog) ExportToJSON(w io.Writer) error {
	swl.mu.RLock()
	defer swl.mu.RUnlock()

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(swl.entries)
}

// Close closes the log file if open
func (swl *SlowLockWaitLog) Close() error {
	swl.mu.Lock()
	defer swl.mu.Unlock()

	if swl.logFile != nil {
		err := swl.logFile.Close()
		swl.logFile = nil
		swl.logToFile = false
		return err
	}
	return nil
}

// GetTopSlowest returns the N slowest lock waits
func (swl *SlowLockWaitLog) GetTopSlowest(n int) []SlowLockWaitEntry {
	swl.mu.RLock()
	defer swl.mu.RUnlock()

	if len(swl.entries) == 0 {
		return nil
	}

	// Create a copy for sorting
	entries := make([]SlowLockWaitEntry, len(swl.entries))
	copy(entries, swl.entries)

	// Sort by duration (descending) using simple insertion sort
	for i := 1; i < len(entries); i++ {
		key := entries[i]
		j := i - 1
		for j >= 0 && entries[j].Duration < key.Duration {
			entries[j+1] = entries[j]
			j--
		}
		entries[j+1] = key
	}

	// Return top N
	if n > len(entries) {
		n = len(entries)
	}
	return entries[:n]
}

// GetSlowestByResource returns the slowest lock wait for each resource
func (swl *SlowLockWaitLog) GetSlowestByResource() map[string]SlowLockWaitEntry {
	swl.mu.RLock()
	defer swl.mu.RUnlock()

	slowest := make(map[string]SlowLockWaitEntry)

	for _, entry := range swl.entries {
		if entry.Resource == "" {
			continue
		}

		if existing, exists := slowest[entry.Resource]; !exists || entry.Duration > existing.Duration {
			slowest[entry.Resource] = entry
		}
	}

	return slowest
}
