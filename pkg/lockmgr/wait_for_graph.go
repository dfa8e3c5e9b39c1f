package lockmgr

import (
	"sort"

	"github.com/mnohosten/reldb/pkg/txn"
)

// addEdge records that waiter blocks on holder. Idempotent.
func (lm *Manager) addEdge(waiter, holder txn.TxnID) {
	lm.waitsForMu.Lock()
	defer lm.waitsForMu.Unlock()
	if lm.waitsFor[waiter] == nil {
		lm.waitsFor[waiter] = make(map[txn.TxnID]struct{})
	}
	lm.waitsFor[waiter][holder] = struct{}{}
}

// resetWaitsFor clears the graph; rebuildWaitForGraph repopulates it
// from scratch every detector round, so no durable cycle structure is
// ever carried between rounds.
func (lm *Manager) resetWaitsFor() {
	lm.waitsForMu.Lock()
	lm.waitsFor = make(map[txn.TxnID]map[txn.TxnID]struct{})
	lm.waitsForMu.Unlock()
}

// rebuildWaitForGraph walks every table and row queue and, for each
// ungranted request w and granted request h sharing a queue with both
// transactions still non-aborted, adds the edge w -> h.
func (lm *Manager) rebuildWaitForGraph() {
	lm.resetWaitsFor()

	addFromQueue := func(q *requestQueue) {
		q.mu.Lock()
		var holders, waiters []txn.TxnID
		for _, req := range q.requests {
			if req.Granted {
				holders = append(holders, req.TxnID)
			} else {
				waiters = append(waiters, req.TxnID)
			}
		}
		q.mu.Unlock()

		for _, w := range waiters {
			wt, err := lm.transactions.Get(w)
			if err != nil || wt.State() == txn.StateAborted {
				continue
			}
			for _, h := range holders {
				if h == w {
					continue
				}
				ht, err := lm.transactions.Get(h)
				if err != nil || ht.State() == txn.StateAborted {
					continue
				}
				lm.addEdge(w, h)
			}
		}
	}

	lm.tableMapMu.Lock()
	tableQueues := make([]*requestQueue, 0, len(lm.tableMap))
	for _, q := range lm.tableMap {
		tableQueues = append(tableQueues, q)
	}
	lm.tableMapMu.Unlock()
	for _, q := range tableQueues {
		addFromQueue(q)
	}

	lm.rowMapMu.Lock()
	rowQueues := make([]*requestQueue, 0, len(lm.rowMap))
	for _, q := range lm.rowMap {
		rowQueues = append(rowQueues, q)
	}
	lm.rowMapMu.Unlock()
	for _, q := range rowQueues {
		addFromQueue(q)
	}
}

// dfs walks the wait-for graph from start, returning the path to the
// first cycle found, or nil if start's component is acyclic.
func (lm *Manager) dfs(start txn.TxnID, visited map[txn.TxnID]bool) []txn.TxnID {
	var path []txn.TxnID
	onStack := make(map[txn.TxnID]bool)

	var walk func(t txn.TxnID) bool
	walk = func(t txn.TxnID) bool {
		if onStack[t] {
			path = append(path, t)
			return true
		}
		if visited[t] {
			return false
		}
		visited[t] = true
		onStack[t] = true
		path = append(path, t)

		neighbors := make([]txn.TxnID, 0, len(lm.waitsFor[t]))
		for n := range lm.waitsFor[t] {
			neighbors = append(neighbors, n)
		}
		sort.Slice(neighbors, func(i, j int) bool { return neighbors[i] < neighbors[j] })

		for _, n := range neighbors {
			if walk(n) {
				return true
			}
		}
		onStack[t] = false
		path = path[:len(path)-1]
		return false
	}

	if walk(start) {
		return path
	}
	return nil
}

// HasCycle runs DFS from every source transaction in ascending txn-id
// order and returns the highest txn id on the first cycle found (the
// youngest transaction, which is the mandated victim), or
// (txn.InvalidTxnID, false) if the graph is currently acyclic.
func (lm *Manager) HasCycle() (txn.TxnID, bool) {
	lm.waitsForMu.Lock()
	sources := make([]txn.TxnID, 0, len(lm.waitsFor))
	for t := range lm.waitsFor {
		sources = append(sources, t)
	}
	lm.waitsForMu.Unlock()
	sort.Slice(sources, func(i, j int) bool { return sources[i] < sources[j] })

	visited := make(map[txn.TxnID]bool)
	for _, s := range sources {
		if visited[s] {
			continue
		}
		lm.waitsForMu.Lock()
		path := lm.dfs(s, visited)
		lm.waitsForMu.Unlock()
		if path != nil {
			// path is the full DFS walk from the source, which may include
			// an acyclic tail feeding into the cycle (e.g. 1 -> 7 -> 2 -> 3
			// -> 2); the repeated id at path's end marks where the cycle
			// itself starts, so only that suffix is eligible for victim
			// selection.
			closing := path[len(path)-1]
			start := len(path) - 1
			for start > 0 && path[start-1] != closing {
				start--
			}
			cycle := path[start:]

			victim := cycle[0]
			for _, id := range cycle {
				if id > victim {
					victim = id
				}
			}
			return victim, true
		}
	}
	return txn.InvalidTxnID, false
}

// EdgeList returns a snapshot of the wait-for graph's edges, for
// observability (e.g. an admin endpoint rendering the current graph).
func (lm *Manager) EdgeList() [][2]txn.TxnID {
	lm.waitsForMu.Lock()
	defer lm.waitsForMu.Unlock()

	edges := make([][2]txn.TxnID, 0)
	for from, tos := range lm.waitsFor {
		for to := range tos {
			edges = append(edges, [2]txn.TxnID{from, to})
		}
	}
	return edges
}
