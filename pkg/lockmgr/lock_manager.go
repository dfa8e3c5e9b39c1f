// Package lockmgr implements hierarchical (multi-granularity) two-phase
// locking at table and row granularity, with isolation-level-aware
// admission rules, lock upgrades, and a background deadlock detector.
package lockmgr

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mnohosten/reldb/pkg/metrics"
	"github.com/mnohosten/reldb/pkg/txn"
)

// AreCompatible reports whether a and b may be held concurrently by two
// different transactions, per the standard multi-granularity lock
// compatibility matrix.
func AreCompatible(a, b txn.LockMode) bool {
	switch a {
	case txn.IntentionShared:
		return b != txn.Exclusive
	case txn.IntentionExclusive:
		return b == txn.IntentionShared || b == txn.IntentionExclusive
	case txn.Shared:
		return b == txn.IntentionShared || b == txn.Shared
	case txn.SharedIntentionExclusive:
		return b == txn.IntentionShared
	case txn.Exclusive:
		return false
	default:
		return false
	}
}

// CanUpgrade reports whether from may be upgraded to to, per the strict
// upgrade lattice: IS -> {S, X, IX, SIX}, S -> {X, SIX}, IX -> {X, SIX},
// SIX -> X. Any other pair (including from == to) is not an upgrade.
func CanUpgrade(from, to txn.LockMode) bool {
	switch from {
	case txn.IntentionShared:
		return to != txn.IntentionShared
	case txn.Shared:
		return to == txn.Exclusive || to == txn.SharedIntentionExclusive
	case txn.IntentionExclusive:
		return to == txn.Exclusive || to == txn.SharedIntentionExclusive
	case txn.SharedIntentionExclusive:
		return to == txn.Exclusive
	default:
		return false
	}
}

// Manager is the hierarchical lock manager: table and row lock request
// queues, each independently latched, plus a background deadlock
// detector over the wait-for graph it rebuilds each round.
//
// Three latch layers, outermost to innermost: the top-level map latches
// (tableMapMu/rowMapMu) guard queue lookup/creation only and are never
// held across a wait; each queue's own mutex guards its request order,
// upgrading field, and condition variable; waitsForMu guards the
// wait-for graph the detector rebuilds.
type Manager struct {
	tableMapMu sync.Mutex
	tableMap   map[txn.TableOID]*requestQueue

	rowMapMu sync.Mutex
	rowMap   map[txn.RID]*requestQueue

	transactions transactionLookup

	waitsForMu sync.Mutex
	waitsFor   map[txn.TxnID]map[txn.TxnID]struct{}

	detectorMu     sync.Mutex
	detectorCancel context.CancelFunc
	detectorWG     sync.WaitGroup

	metrics *metrics.MetricsCollector
	slowLog *metrics.SlowLockWaitLog
}

// transactionLookup is what the deadlock detector needs to check whether
// a transaction is still live and to abort the victim it picks.
type transactionLookup interface {
	Get(id txn.TxnID) (*txn.Transaction, error)
	Abort(t *txn.Transaction) error
}

// NewManager creates a lock manager. txns is consulted by the background
// deadlock detector; pass nil to disable cycle detection entirely
// (RunDetectionOnce returns without doing anything until
// SetTransactionLookup supplies a lookup; HasCycle still works on
// whatever graph is present).
func NewManager(txns transactionLookup) *Manager {
	return &Manager{
		tableMap:     make(map[txn.TableOID]*requestQueue),
		rowMap:       make(map[txn.RID]*requestQueue),
		transactions: txns,
		waitsFor:     make(map[txn.TxnID]map[txn.TxnID]struct{}),
	}
}

// SetTransactionLookup attaches (or replaces) the transaction lookup the
// background deadlock detector consults. Lets callers break the
// construction cycle between a lock manager and the transaction manager
// built on top of it: build the lock manager with a nil lookup, build the
// transaction manager from it, then wire the transaction manager back in
// here before starting the detector.
func (lm *Manager) SetTransactionLookup(txns transactionLookup) {
	lm.transactions = txns
}

// SetMetricsCollector attaches a metrics collector that lock grants are
// reported to. Passing nil disables reporting.
func (lm *Manager) SetMetricsCollector(mc *metrics.MetricsCollector) {
	lm.metrics = mc
}

// SetSlowLockWaitLog attaches a log that waits exceeding its threshold are
// recorded to. Passing nil disables logging.
func (lm *Manager) SetSlowLockWaitLog(log *metrics.SlowLockWaitLog) {
	lm.slowLog = log
}

func lockModeString(mode txn.LockMode) string {
	switch mode {
	case txn.IntentionShared:
		return "is"
	case txn.IntentionExclusive:
		return "ix"
	case txn.Shared:
		return "s"
	case txn.SharedIntentionExclusive:
		return "six"
	case txn.Exclusive:
		return "x"
	default:
		return "unknown"
	}
}

// recordWait reports a lock request that blocked before being granted.
func (lm *Manager) recordWait(t *txn.Transaction, mode txn.LockMode, resource string, waited time.Duration) {
	if lm.metrics != nil {
		lm.metrics.RecordLockGrantAfterWait(waited)
	}
	if lm.slowLog != nil {
		lm.slowLog.LogWait(metrics.SlowLockWaitEntry{
			Duration: waited,
			LockMode: lockModeString(mode),
			Resource: resource,
			TxnID:    int64(t.ID()),
		})
	}
}

func (lm *Manager) tableQueue(oid txn.TableOID) *requestQueue {
	lm.tableMapMu.Lock()
	defer lm.tableMapMu.Unlock()
	q, ok := lm.tableMap[oid]
	if !ok {
		q = newRequestQueue()
		lm.tableMap[oid] = q
	}
	return q
}

func (lm *Manager) rowQueue(rid txn.RID) *requestQueue {
	lm.rowMapMu.Lock()
	defer lm.rowMapMu.Unlock()
	q, ok := lm.rowMap[rid]
	if !ok {
		q = newRequestQueue()
		lm.rowMap[rid] = q
	}
	return q
}

func abort(t *txn.Transaction, reason AbortReason) error {
	t.SetState(txn.StateAborted)
	return &AbortError{TxnID: t.ID(), Reason: reason}
}

// checkIsolationAdmission enforces the isolation-level rules of LockTable
// and LockRow that don't depend on the resource granularity.
func checkIsolationAdmission(t *txn.Transaction, mode txn.LockMode) error {
	level := t.IsolationLevel()
	state := t.State()

	if level == txn.ReadUncommitted {
		if mode == txn.IntentionShared || mode == txn.Shared || mode == txn.SharedIntentionExclusive {
			return abort(t, LockSharedOnReadUncommitted)
		}
		if state == txn.StateShrinking {
			return abort(t, LockOnShrinking)
		}
		return nil
	}

	if level == txn.ReadCommitted {
		if state == txn.StateShrinking && mode != txn.Shared && mode != txn.IntentionShared {
			return abort(t, LockOnShrinking)
		}
		return nil
	}

	// RepeatableRead
	if state == txn.StateShrinking {
		return abort(t, LockOnShrinking)
	}
	return nil
}

// LockTable acquires mode on oid for t, blocking until granted, aborted,
// or immediately failing admission. A typed *AbortError is returned
// whenever t's state transitions to ABORTED as a side effect of the
// call; a plain (false, nil) means t was already aborted on entry.
func (lm *Manager) LockTable(t *txn.Transaction, mode txn.LockMode, oid txn.TableOID) (bool, error) {
	if t.State() == txn.StateAborted {
		return false, nil
	}
	if err := checkIsolationAdmission(t, mode); err != nil {
		return false, err
	}

	q := lm.tableQueue(oid)
	q.mu.Lock()

	if held, ok := lm.heldTableMode(t, oid); ok {
		if held == mode {
			q.mu.Unlock()
			return true, nil
		}
		if !CanUpgrade(held, mode) {
			q.mu.Unlock()
			return false, abort(t, IncompatibleUpgrade)
		}
		if q.upgrading != txn.InvalidTxnID {
			q.mu.Unlock()
			return false, abort(t, UpgradeConflict)
		}
		q.removeRequest(t.ID())
		lm.eraseTableLock(t, held, oid)
		req := &LockRequest{TxnID: t.ID(), Mode: mode, Table: oid}
		q.insertAt(q.firstUngrantedIndex(), req)
		q.upgrading = t.ID()
		q.grantNewLocksIfPossible()
		granted := req.Granted
		if granted {
			q.upgrading = txn.InvalidTxnID
		}
		q.mu.Unlock()
		if granted {
			lm.recordTableLock(t, mode, oid)
			if lm.metrics != nil {
				lm.metrics.RecordLockGrantImmediate()
			}
			return true, nil
		}
		return lm.waitForTable(t, q, req, mode, oid)
	}

	req := &LockRequest{TxnID: t.ID(), Mode: mode, Table: oid}
	q.requests = append(q.requests, req)
	q.grantNewLocksIfPossible()
	granted := req.Granted
	q.mu.Unlock()

	if granted {
		lm.recordTableLock(t, mode, oid)
		if lm.metrics != nil {
			lm.metrics.RecordLockGrantImmediate()
		}
		return true, nil
	}
	return lm.waitForTable(t, q, req, mode, oid)
}

func (lm *Manager) waitForTable(t *txn.Transaction, q *requestQueue, req *LockRequest, mode txn.LockMode, oid txn.TableOID) (bool, error) {
	start := time.Now()
	q.mu.Lock()
	for {
		q.grantNewLocksIfPossible()
		if req.Granted || t.State() == txn.StateAborted {
			break
		}
		q.cond.Wait()
	}
	aborted := t.State() == txn.StateAborted && !req.Granted
	if aborted {
		q.removeRequest(t.ID())
	}
	if q.upgrading == t.ID() {
		q.upgrading = txn.InvalidTxnID
	}
	q.cond.Broadcast()
	q.mu.Unlock()

	if aborted {
		return false, nil
	}
	lm.recordTableLock(t, mode, oid)
	lm.recordWait(t, mode, fmt.Sprintf("table:%d", oid), time.Since(start))
	return true, nil
}

// UnlockTable releases t's lock on oid. Transitions t to SHRINKING on
// the first unlock that the isolation level treats as phase-ending;
// refuses to unlock while t still holds a row lock on oid.
func (lm *Manager) UnlockTable(t *txn.Transaction, oid txn.TableOID) (bool, error) {
	held, ok := lm.heldTableMode(t, oid)
	if !ok {
		return false, abort(t, AttemptedUnlockButNoLockHeld)
	}
	if t.HasAnyRowLock(oid) {
		return false, abort(t, TableUnlockedBeforeUnlockingRows)
	}

	q := lm.tableQueue(oid)
	q.mu.Lock()
	removed := q.removeRequest(t.ID())
	q.cond.Broadcast()
	q.mu.Unlock()
	if !removed {
		return false, abort(t, AttemptedUnlockButNoLockHeld)
	}

	lm.eraseTableLock(t, held, oid)
	lm.maybeEnterShrinking(t, held)
	return true, nil
}

// LockRow acquires mode (S or X only) on rid within oid for t. Requires
// t to already hold at least the matching intention lock on oid.
func (lm *Manager) LockRow(t *txn.Transaction, mode txn.LockMode, oid txn.TableOID, rid txn.RID) (bool, error) {
	if t.State() == txn.StateAborted {
		return false, nil
	}
	if mode == txn.IntentionShared || mode == txn.IntentionExclusive || mode == txn.SharedIntentionExclusive {
		return false, abort(t, AttemptedIntentionLockOnRow)
	}
	if err := checkIsolationAdmission(t, mode); err != nil {
		return false, err
	}
	if !lm.hasAppropriateTableLock(t, oid, mode) {
		return false, abort(t, TableLockNotPresent)
	}

	q := lm.rowQueue(rid)
	q.mu.Lock()

	if held, ok := lm.heldRowMode(t, oid, rid); ok {
		if held == mode {
			q.mu.Unlock()
			return true, nil
		}
		if !CanUpgrade(held, mode) {
			q.mu.Unlock()
			return false, abort(t, IncompatibleUpgrade)
		}
		if q.upgrading != txn.InvalidTxnID {
			q.mu.Unlock()
			return false, abort(t, UpgradeConflict)
		}
		q.removeRequest(t.ID())
		lm.eraseRowLock(t, held, oid, rid)
		req := &LockRequest{TxnID: t.ID(), Mode: mode, Table: oid, RID: rid, IsRow: true}
		q.insertAt(q.firstUngrantedIndex(), req)
		q.upgrading = t.ID()
		q.grantNewLocksIfPossible()
		granted := req.Granted
		if granted {
			q.upgrading = txn.InvalidTxnID
		}
		q.mu.Unlock()
		if granted {
			lm.recordRowLock(t, mode, oid, rid)
			if lm.metrics != nil {
				lm.metrics.RecordLockGrantImmediate()
			}
			return true, nil
		}
		return lm.waitForRow(t, q, req, mode, oid, rid)
	}

	req := &LockRequest{TxnID: t.ID(), Mode: mode, Table: oid, RID: rid, IsRow: true}
	q.requests = append(q.requests, req)
	q.grantNewLocksIfPossible()
	granted := req.Granted
	q.mu.Unlock()

	if granted {
		lm.recordRowLock(t, mode, oid, rid)
		if lm.metrics != nil {
			lm.metrics.RecordLockGrantImmediate()
		}
		return true, nil
	}
	return lm.waitForRow(t, q, req, mode, oid, rid)
}

func (lm *Manager) waitForRow(t *txn.Transaction, q *requestQueue, req *LockRequest, mode txn.LockMode, oid txn.TableOID, rid txn.RID) (bool, error) {
	start := time.Now()
	q.mu.Lock()
	for {
		q.grantNewLocksIfPossible()
		if req.Granted || t.State() == txn.StateAborted {
			break
		}
		q.cond.Wait()
	}
	aborted := t.State() == txn.StateAborted && !req.Granted
	if aborted {
		q.removeRequest(t.ID())
	}
	if q.upgrading == t.ID() {
		q.upgrading = txn.InvalidTxnID
	}
	q.cond.Broadcast()
	q.mu.Unlock()

	if aborted {
		return false, nil
	}
	lm.recordRowLock(t, mode, oid, rid)
	lm.recordWait(t, mode, fmt.Sprintf("table:%d/row:%d:%d", oid, rid.PageID, rid.Slot), time.Since(start))
	return true, nil
}

// UnlockRow releases t's lock on rid. force suppresses the
// GROWING -> SHRINKING transition, for releasing a lock that the
// isolation level doesn't need held until commit (e.g. a READ_COMMITTED
// S lock taken just for a scan).
func (lm *Manager) UnlockRow(t *txn.Transaction, oid txn.TableOID, rid txn.RID, force bool) (bool, error) {
	held, ok := lm.heldRowMode(t, oid, rid)
	if !ok {
		return false, abort(t, AttemptedUnlockButNoLockHeld)
	}

	q := lm.rowQueue(rid)
	q.mu.Lock()
	removed := q.removeRequest(t.ID())
	q.cond.Broadcast()
	q.mu.Unlock()
	if !removed {
		return false, abort(t, AttemptedUnlockButNoLockHeld)
	}

	lm.eraseRowLock(t, held, oid, rid)
	if !force {
		lm.maybeEnterShrinking(t, held)
	}
	return true, nil
}

func (lm *Manager) maybeEnterShrinking(t *txn.Transaction, released txn.LockMode) {
	becomesShrinking := false
	switch t.IsolationLevel() {
	case txn.RepeatableRead:
		becomesShrinking = released == txn.Shared || released == txn.Exclusive
	case txn.ReadCommitted, txn.ReadUncommitted:
		becomesShrinking = released == txn.Exclusive
	}
	if becomesShrinking && t.State() == txn.StateGrowing {
		t.SetState(txn.StateShrinking)
	}
}

// ReleaseAllLocks drops every request txnID holds or is waiting on,
// across every table and row queue. Used by the transaction manager on
// Commit/Abort and it is the only place this manager mutates its maps
// without going through Lock*/Unlock*.
func (lm *Manager) ReleaseAllLocks(txnID txn.TxnID) {
	lm.tableMapMu.Lock()
	tableQueues := make([]*requestQueue, 0, len(lm.tableMap))
	for _, q := range lm.tableMap {
		tableQueues = append(tableQueues, q)
	}
	lm.tableMapMu.Unlock()

	for _, q := range tableQueues {
		q.mu.Lock()
		q.removeRequest(txnID)
		if q.upgrading == txnID {
			q.upgrading = txn.InvalidTxnID
		}
		q.grantNewLocksIfPossible()
		q.cond.Broadcast()
		q.mu.Unlock()
	}

	lm.rowMapMu.Lock()
	rowQueues := make([]*requestQueue, 0, len(lm.rowMap))
	for _, q := range lm.rowMap {
		rowQueues = append(rowQueues, q)
	}
	lm.rowMapMu.Unlock()

	for _, q := range rowQueues {
		q.mu.Lock()
		q.removeRequest(txnID)
		if q.upgrading == txnID {
			q.upgrading = txn.InvalidTxnID
		}
		q.grantNewLocksIfPossible()
		q.cond.Broadcast()
		q.mu.Unlock()
	}

	lm.waitsForMu.Lock()
	delete(lm.waitsFor, txnID)
	for _, edges := range lm.waitsFor {
		delete(edges, txnID)
	}
	lm.waitsForMu.Unlock()
}

// --- bookkeeping helpers on txn.Transaction's lock sets ---

func (lm *Manager) heldTableMode(t *txn.Transaction, oid txn.TableOID) (txn.LockMode, bool) {
	for _, mode := range []txn.LockMode{txn.Shared, txn.Exclusive, txn.IntentionShared, txn.IntentionExclusive, txn.SharedIntentionExclusive} {
		if set := t.TableLockSet(mode); set != nil {
			if _, ok := set[oid]; ok {
				return mode, true
			}
		}
	}
	return 0, false
}

func (lm *Manager) heldRowMode(t *txn.Transaction, oid txn.TableOID, rid txn.RID) (txn.LockMode, bool) {
	for _, mode := range []txn.LockMode{txn.Shared, txn.Exclusive} {
		if set := t.RowLockSet(mode); set != nil {
			if rows, ok := set[oid]; ok {
				if _, ok := rows[rid]; ok {
					return mode, true
				}
			}
		}
	}
	return 0, false
}

func (lm *Manager) recordTableLock(t *txn.Transaction, mode txn.LockMode, oid txn.TableOID) {
	if set := t.TableLockSet(mode); set != nil {
		set[oid] = struct{}{}
	}
}

func (lm *Manager) eraseTableLock(t *txn.Transaction, mode txn.LockMode, oid txn.TableOID) {
	if set := t.TableLockSet(mode); set != nil {
		delete(set, oid)
	}
}

func (lm *Manager) recordRowLock(t *txn.Transaction, mode txn.LockMode, oid txn.TableOID, rid txn.RID) {
	set := t.RowLockSet(mode)
	if set == nil {
		return
	}
	if set[oid] == nil {
		set[oid] = make(map[txn.RID]struct{})
	}
	set[oid][rid] = struct{}{}
}

func (lm *Manager) eraseRowLock(t *txn.Transaction, mode txn.LockMode, oid txn.TableOID, rid txn.RID) {
	set := t.RowLockSet(mode)
	if set == nil || set[oid] == nil {
		return
	}
	delete(set[oid], rid)
	if len(set[oid]) == 0 {
		delete(set, oid)
	}
}

func (lm *Manager) hasAppropriateTableLock(t *txn.Transaction, oid txn.TableOID, rowMode txn.LockMode) bool {
	held, ok := lm.heldTableMode(t, oid)
	if !ok {
		return false
	}
	if rowMode == txn.Shared {
		return true // any table lock mode implies at least IS coverage
	}
	// Exclusive row lock requires at least IX on the table.
	return held == txn.IntentionExclusive || held == txn.Exclusive || held == txn.SharedIntentionExclusive
}
