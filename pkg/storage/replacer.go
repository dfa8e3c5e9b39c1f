package storage

import (
	"fmt"
	"sync"
)

// FrameID identifies a slot in the buffer pool's frame array, independent of
// whatever page currently occupies it.
type FrameID int

// inf is a backward k-distance larger than any real timestamp difference;
// frames with fewer than k historical accesses are evicted first, in
// earliest-overall-access order, ahead of any frame with a finite distance.
const inf = ^uint64(0)

type frameHistory struct {
	accesses  []uint64 // most recent access timestamps, oldest first, capped at k
	evictable bool
}

// lruKReplacer tracks which frames are candidates for eviction and picks a
// victim using the LRU-K policy: among evictable frames, evict the one with
// the largest backward k-distance (time since the k-th most recent access),
// treating "fewer than k accesses so far" as an infinite distance and
// breaking ties among infinite-distance frames by earliest first access.
//
// It never performs I/O; it only tracks history and evictability for frames
// the buffer pool manager already owns.
type lruKReplacer struct {
	mu        sync.Mutex
	k         int
	clock     uint64
	history   map[FrameID]*frameHistory
	curSize   int // count of evictable frames
}

func newLRUKReplacer(k int) *lruKReplacer {
	if k < 1 {
		k = 1
	}
	return &lruKReplacer{
		k:       k,
		history: make(map[FrameID]*frameHistory),
	}
}

// RecordAccess registers an access to frameID at the current logical
// timestamp, creating its history if this is the first time it's seen.
func (r *lruKReplacer) RecordAccess(frameID FrameID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.clock++
	h, ok := r.history[frameID]
	if !ok {
		h = &frameHistory{}
		r.history[frameID] = h
	}
	h.accesses = append(h.accesses, r.clock)
	if len(h.accesses) > r.k {
		h.accesses = h.accesses[len(h.accesses)-r.k:]
	}
}

// SetEvictable marks a frame as eligible (or ineligible) for eviction. The
// buffer pool manager calls this in lockstep with a page's pin count: pinned
// pages are not evictable, unpinned ones are.
func (r *lruKReplacer) SetEvictable(frameID FrameID, evictable bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.history[frameID]
	if !ok {
		return
	}
	if h.evictable && !evictable {
		r.curSize--
	} else if !h.evictable && evictable {
		r.curSize++
	}
	h.evictable = evictable
}

// Evict selects and removes the highest-k-distance evictable frame, returning
// its id. Returns (0, false) if no frame is currently evictable.
func (r *lruKReplacer) Evict() (FrameID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		victim    FrameID
		found     bool
		bestDist  uint64
		bestFirst uint64
	)

	for fid, h := range r.history {
		if !h.evictable {
			continue
		}

		dist, first := backwardKDistance(h, r.k, r.clock)

		if !found {
			victim, bestDist, bestFirst, found = fid, dist, first, true
			continue
		}

		if dist > bestDist || (dist == bestDist && first < bestFirst) {
			victim, bestDist, bestFirst = fid, dist, first
		}
	}

	if !found {
		return 0, false
	}

	delete(r.history, victim)
	r.curSize--
	return victim, true
}

// backwardKDistance returns the distance from now back to the k-th most
// recent access (inf if fewer than k accesses have been recorded), along
// with the frame's earliest recorded access for tie-breaking.
func backwardKDistance(h *frameHistory, k int, now uint64) (dist uint64, first uint64) {
	first = h.accesses[0]
	if len(h.accesses) < k {
		return inf, first
	}
	kth := h.accesses[len(h.accesses)-k]
	return now - kth, first
}

// Remove evicts frameID's history outright, e.g. when its page is deleted.
// It is an error to remove a frame that is currently pinned/non-evictable.
func (r *lruKReplacer) Remove(frameID FrameID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.history[frameID]
	if !ok {
		return nil
	}
	if !h.evictable {
		return fmt.Errorf("cannot remove pinned frame %d from replacer", frameID)
	}

	delete(r.history, frameID)
	r.curSize--
	return nil
}

// Size returns the number of currently evictable frames.
func (r *lruKReplacer) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.curSize
}
