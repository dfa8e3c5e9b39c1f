package txn

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/mnohosten/reldb/pkg/metrics"
	"github.com/mnohosten/reldb/pkg/storage"
)

// LockReleaser is what the transaction manager needs from the lock
// manager: release everything a transaction holds. Declared here rather
// than imported from pkg/lockmgr to avoid a import cycle (lockmgr
// depends on txn for Transaction/TxnID, not the other way around).
type LockReleaser interface {
	ReleaseAllLocks(txnID TxnID)
}

// Manager is the transaction manager: it mints transactions and drives
// Commit/Abort, in the order the original implementation settled on
// after its two early variants disagreed — state transition first, then
// the WAL record, then lock release, so a waiter unblocked by the
// release always observes the final state and a durable record.
type Manager struct {
	mu           sync.RWMutex
	nextTxnID    int64
	transactions map[TxnID]*Transaction

	locks LockReleaser
	wal   *storage.WAL // nil disables logging, matching storage's enable_logging flag

	metrics *metrics.MetricsCollector
}

// NewManager creates a transaction manager. wal may be nil to disable
// commit/abort logging entirely.
func NewManager(locks LockReleaser, wal *storage.WAL) *Manager {
	return &Manager{
		transactions: make(map[TxnID]*Transaction),
		locks:        locks,
		wal:          wal,
	}
}

// SetMetricsCollector attaches a metrics collector that transaction
// lifecycle events are reported to. Passing nil disables reporting.
func (m *Manager) SetMetricsCollector(mc *metrics.MetricsCollector) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics = mc
}

// Begin starts a new transaction at the given isolation level.
func (m *Manager) Begin(isolation IsolationLevel) *Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := TxnID(atomic.AddInt64(&m.nextTxnID, 1))
	t := newTransaction(id, isolation)
	m.transactions[id] = t
	if m.metrics != nil {
		m.metrics.RecordTransactionStart()
	}
	return t
}

// Get returns the transaction for id, or ErrUnknownTransaction.
func (m *Manager) Get(id TxnID) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.transactions[id]
	if !ok {
		return nil, ErrUnknownTransaction
	}
	return t, nil
}

// Commit marks txn COMMITTED, appends a COMMIT record if logging is
// enabled, then releases every lock it holds.
func (m *Manager) Commit(txn *Transaction) error {
	if txn.State() == StateCommitted || txn.State() == StateAborted {
		return ErrTransactionNotActive
	}

	txn.SetState(StateCommitted)

	if m.wal != nil {
		if _, err := m.wal.Append(&storage.LogRecord{
			Type:  storage.LogRecordCommit,
			TxnID: uint64(txn.ID()),
		}); err != nil {
			return fmt.Errorf("failed to log commit: %w", err)
		}
	}

	m.locks.ReleaseAllLocks(txn.ID())
	if m.metrics != nil {
		m.metrics.RecordTransactionCommit()
	}
	return nil
}

// Abort marks txn ABORTED, rolls back its write sets (calling each
// record's Undo closure, table writes then index writes, each in reverse
// append order; records with a nil Undo are skipped), appends an ABORT
// record if logging is enabled, then releases every lock it holds.
func (m *Manager) Abort(txn *Transaction) error {
	if txn.State() == StateCommitted || txn.State() == StateAborted {
		return ErrTransactionNotActive
	}

	txn.SetState(StateAborted)

	var firstErr error
	tableSet := txn.TableWriteSet()
	for i := len(tableSet) - 1; i >= 0; i-- {
		rec := tableSet[i]
		if rec.Undo == nil {
			continue
		}
		if err := rec.Undo(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to undo table write on %v: %w", rec.RID, err)
		}
	}
	indexSet := txn.IndexWriteSet()
	for i := len(indexSet) - 1; i >= 0; i-- {
		rec := indexSet[i]
		if rec.Undo == nil {
			continue
		}
		if err := rec.Undo(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to undo index write on %v: %w", rec.RID, err)
		}
	}

	if m.wal != nil {
		if _, err := m.wal.Append(&storage.LogRecord{
			Type:  storage.LogRecordAbort,
			TxnID: uint64(txn.ID()),
		}); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to log abort: %w", err)
		}
	}

	m.locks.ReleaseAllLocks(txn.ID())
	if m.metrics != nil {
		m.metrics.RecordTransactionAbort()
	}
	return firstErr
}

// ActiveCount returns the number of transactions that have not reached a
// terminal state, for observability.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, t := range m.transactions {
		if s := t.State(); s != StateCommitted && s != StateAborted {
			n++
		}
	}
	return n
}
