package lockmgr

import (
	"sync"

	"github.com/mnohosten/reldb/pkg/txn"
)

// LockRequest is one entry in a lock request queue: who wants what mode
// on what resource, and whether it has been granted yet.
type LockRequest struct {
	TxnID   txn.TxnID
	Mode    txn.LockMode
	Table   txn.TableOID
	RID     txn.RID // zero value for table-level requests
	IsRow   bool
	Granted bool
}

// requestQueue is a per-table or per-row lock request queue: an ordered
// list of requests, a condition variable waiters block on, and the id of
// the transaction currently mid-upgrade (or txn.InvalidTxnID).
//
// Lock ordering within the manager: callers take the top-level map latch
// only to look up or create a queue, release it, then take queue.mu for
// everything else — the map latch is never held across a wait.
type requestQueue struct {
	mu        sync.Mutex
	cond      *sync.Cond
	requests  []*LockRequest
	upgrading txn.TxnID
}

func newRequestQueue() *requestQueue {
	q := &requestQueue{upgrading: txn.InvalidTxnID}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// grantNewLocksIfPossible walks the queue from the head: the first
// request is always granted; each subsequent request is granted iff its
// mode is compatible with every mode already granted in this pass. The
// first incompatible request stops the walk, so requests behind it stay
// ungranted even if individually compatible — this is what preserves
// FIFO fairness and keeps an earlier waiter from starving.
//
// Must be called with q.mu held.
func (q *requestQueue) grantNewLocksIfPossible() {
	if len(q.requests) == 0 {
		return
	}
	q.requests[0].Granted = true

	granted := make(map[txn.LockMode]bool, len(q.requests))
	granted[q.requests[0].Mode] = true

	for _, req := range q.requests[1:] {
		compatible := true
		for mode := range granted {
			if !AreCompatible(mode, req.Mode) {
				compatible = false
				break
			}
		}
		if !compatible {
			break
		}
		req.Granted = true
		granted[req.Mode] = true
	}
}

// removeRequest removes txnID's request from the queue, granted or not —
// a transaction has at most one request per queue, and this is also the
// cleanup path for a waiter aborted out from under its still-ungranted
// request (deadlock victim, ReleaseAllLocks). Must be called with q.mu
// held.
func (q *requestQueue) removeRequest(txnID txn.TxnID) bool {
	for i, req := range q.requests {
		if req.TxnID == txnID {
			q.requests = append(q.requests[:i], q.requests[i+1:]...)
			return true
		}
	}
	return false
}

// firstUngrantedIndex returns the index of the first ungranted request,
// or len(requests) if all are granted. Must be called with q.mu held.
func (q *requestQueue) firstUngrantedIndex() int {
	for i, req := range q.requests {
		if !req.Granted {
			return i
		}
	}
	return len(q.requests)
}

// insertAt splices req into the queue at index i. Must be called with
// q.mu held.
func (q *requestQueue) insertAt(i int, req *LockRequest) {
	q.requests = append(q.requests, nil)
	copy(q.requests[i+1:], q.requests[i:])
	q.requests[i] = req
}
