package storage

import (
	"fmt"
	"sync"
	"time"

	"github.com/mnohosten/reldb/pkg/metrics"
)

// defaultLRUK is the k used by the replacer when callers don't pick one via
// NewBufferPoolWithK. BusTub's own defaults and test suite use k=2.
const defaultLRUK = 2

// PageStore is what the buffer pool manager needs from whatever sits below
// it on disk. DiskManager satisfies it directly; EncryptedDiskManager wraps
// it transparently so the buffer pool never has to know pages are encrypted
// at rest.
type PageStore interface {
	ReadPage(pageID PageID) (*Page, error)
	WritePage(page *Page) error
	AllocatePage() (PageID, error)
	DeallocatePage(pageID PageID) error
}

// BufferPool is the buffer pool manager: it multiplexes a fixed number of
// in-memory frames over an arbitrarily large set of on-disk pages, fetching
// on demand and evicting via an LRU-K replacer when the pool is full.
//
// All bookkeeping (page table, free list, pin counts, dirty bits) is
// protected by a single mutex, matching the course project's own
// coarse-grained buffer pool manager latch.
type BufferPool struct {
	mu       sync.Mutex
	capacity int
	diskMgr  PageStore
	replacer *lruKReplacer

	frames    []*Page          // frames[i] is nil when free
	pageTable map[PageID]FrameID
	freeList  []FrameID

	evictions int
	hits      int
	misses    int

	metrics *metrics.MetricsCollector
}

// NewBufferPool creates a buffer pool manager with the given number of
// frames, backed by diskMgr, using the default LRU-K replacer.
func NewBufferPool(capacity int, diskMgr PageStore) *BufferPool {
	return NewBufferPoolWithK(capacity, diskMgr, defaultLRUK)
}

// NewBufferPoolWithK is like NewBufferPool but lets the caller pick the
// replacer's k.
func NewBufferPoolWithK(capacity int, diskMgr PageStore, k int) *BufferPool {
	free := make([]FrameID, capacity)
	for i := range free {
		free[i] = FrameID(i)
	}

	return &BufferPool{
		capacity:  capacity,
		diskMgr:   diskMgr,
		replacer:  newLRUKReplacer(k),
		frames:    make([]*Page, capacity),
		pageTable: make(map[PageID]FrameID, capacity),
		freeList:  free,
	}
}

// SetMetricsCollector attaches a metrics collector that subsequent
// operations report to. Passing nil disables reporting.
func (bp *BufferPool) SetMetricsCollector(mc *metrics.MetricsCollector) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	bp.metrics = mc
}

// findVictim returns a free frame if one exists, otherwise evicts via the
// replacer, flushing the victim's page first if it is dirty. Must be called
// with bp.mu held.
func (bp *BufferPool) findVictim() (FrameID, error) {
	if n := len(bp.freeList); n > 0 {
		fid := bp.freeList[n-1]
		bp.freeList = bp.freeList[:n-1]
		return fid, nil
	}

	fid, ok := bp.replacer.Evict()
	if !ok {
		return 0, fmt.Errorf("buffer pool exhausted: no unpinned frames to evict")
	}

	victim := bp.frames[fid]
	if victim.IsDirty {
		if err := bp.diskMgr.WritePage(victim); err != nil {
			return 0, fmt.Errorf("failed to flush victim page during eviction: %w", err)
		}
	}
	delete(bp.pageTable, victim.ID)
	bp.frames[fid] = nil
	bp.evictions++

	return fid, nil
}

// NewPage allocates a fresh on-disk page id, installs it in a frame pinned
// once, and returns it.
func (bp *BufferPool) NewPage() (*Page, error) {
	start := time.Now()
	bp.mu.Lock()
	defer bp.mu.Unlock()

	fid, err := bp.findVictim()
	if err != nil {
		bp.recordAlloc(time.Since(start), false)
		return nil, err
	}

	pageID, err := bp.diskMgr.AllocatePage()
	if err != nil {
		bp.recordAlloc(time.Since(start), false)
		return nil, fmt.Errorf("failed to allocate page: %w", err)
	}

	page := NewPage(pageID, PageTypeData)
	page.Pin()

	bp.frames[fid] = page
	bp.pageTable[pageID] = fid
	bp.replacer.RecordAccess(fid)
	bp.replacer.SetEvictable(fid, false)

	bp.recordAlloc(time.Since(start), true)
	return page, nil
}

// recordAlloc reports a NewPage call to the attached metrics collector, if any.
func (bp *BufferPool) recordAlloc(d time.Duration, success bool) {
	if bp.metrics != nil {
		bp.metrics.RecordPageAlloc(d, success)
	}
}

// recordFetch reports a FetchPage call to the attached metrics collector, if any.
func (bp *BufferPool) recordFetch(d time.Duration, success bool) {
	if bp.metrics != nil {
		bp.metrics.RecordPageFetch(d, success)
	}
}

// recordFlush reports a page write-back to the attached metrics collector, if any.
func (bp *BufferPool) recordFlush(d time.Duration, success bool) {
	if bp.metrics != nil {
		bp.metrics.RecordPageFlush(d, success)
	}
}

// FetchPage returns the page for pageID, pinning it, reading it from disk
// and installing it in a frame first if it isn't already resident.
func (bp *BufferPool) FetchPage(pageID PageID) (*Page, error) {
	start := time.Now()
	bp.mu.Lock()
	defer bp.mu.Unlock()

	if fid, ok := bp.pageTable[pageID]; ok {
		page := bp.frames[fid]
		page.Pin()
		bp.replacer.RecordAccess(fid)
		bp.replacer.SetEvictable(fid, false)
		bp.hits++
		if bp.metrics != nil {
			bp.metrics.RecordBufferHit()
		}
		bp.recordFetch(time.Since(start), true)
		return page, nil
	}

	bp.misses++
	if bp.metrics != nil {
		bp.metrics.RecordBufferMiss()
	}

	fid, err := bp.findVictim()
	if err != nil {
		bp.recordFetch(time.Since(start), false)
		return nil, fmt.Errorf("failed to evict page: %w", err)
	}

	page, err := bp.diskMgr.ReadPage(pageID)
	if err != nil {
		bp.recordFetch(time.Since(start), false)
		return nil, fmt.Errorf("failed to read page from disk: %w", err)
	}
	page.Pin()

	bp.frames[fid] = page
	bp.pageTable[pageID] = fid
	bp.replacer.RecordAccess(fid)
	bp.replacer.SetEvictable(fid, false)

	bp.recordFetch(time.Since(start), true)
	return page, nil
}

// UnpinPage decrements pageID's pin count, marking it dirty if isDirty is
// true. Once the pin count reaches zero the frame becomes evictable.
func (bp *BufferPool) UnpinPage(pageID PageID, isDirty bool) error {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	fid, ok := bp.pageTable[pageID]
	if !ok {
		return fmt.Errorf("page %d not in buffer pool", pageID)
	}

	page := bp.frames[fid]
	if !page.IsPinned() {
		return fmt.Errorf("page %d is not pinned", pageID)
	}

	page.Unpin()
	if isDirty {
		page.MarkDirty()
	}

	if !page.IsPinned() {
		bp.replacer.SetEvictable(fid, true)
	}

	return nil
}

// FlushPage writes pageID's current contents to disk unconditionally and
// clears its dirty bit.
func (bp *BufferPool) FlushPage(pageID PageID) error {
	start := time.Now()
	bp.mu.Lock()
	defer bp.mu.Unlock()

	fid, ok := bp.pageTable[pageID]
	if !ok {
		bp.recordFlush(time.Since(start), false)
		return fmt.Errorf("page %d not in buffer pool", pageID)
	}

	page := bp.frames[fid]
	if err := bp.diskMgr.WritePage(page); err != nil {
		bp.recordFlush(time.Since(start), false)
		return fmt.Errorf("failed to write page to disk: %w", err)
	}
	page.IsDirty = false

	bp.recordFlush(time.Since(start), true)
	return nil
}

// FlushAllPages writes every resident page to disk.
func (bp *BufferPool) FlushAllPages() error {
	start := time.Now()
	bp.mu.Lock()
	defer bp.mu.Unlock()

	for pageID, fid := range bp.pageTable {
		page := bp.frames[fid]
		if err := bp.diskMgr.WritePage(page); err != nil {
			bp.recordFlush(time.Since(start), false)
			return fmt.Errorf("failed to write page %d to disk: %w", pageID, err)
		}
		page.IsDirty = false
	}

	bp.recordFlush(time.Since(start), true)
	return nil
}

// DeletePage removes pageID from the buffer pool, flushing it first if
// dirty, and frees its frame. Refuses to delete a pinned page.
func (bp *BufferPool) DeletePage(pageID PageID) error {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	fid, ok := bp.pageTable[pageID]
	if !ok {
		return bp.diskMgr.DeallocatePage(pageID)
	}

	page := bp.frames[fid]
	if page.IsPinned() {
		return fmt.Errorf("cannot delete pinned page %d", pageID)
	}

	if page.IsDirty {
		if err := bp.diskMgr.WritePage(page); err != nil {
			return fmt.Errorf("failed to flush page %d before delete: %w", pageID, err)
		}
		page.IsDirty = false
	}

	if err := bp.replacer.Remove(fid); err != nil {
		return err
	}
	delete(bp.pageTable, pageID)
	bp.frames[fid] = nil
	bp.freeList = append(bp.freeList, fid)

	return bp.diskMgr.DeallocatePage(pageID)
}

// Stats returns buffer pool counters for observability.
func (bp *BufferPool) Stats() map[string]interface{} {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	total := bp.hits + bp.misses
	hitRate := 0.0
	if total > 0 {
		hitRate = float64(bp.hits) / float64(total) * 100
	}

	return map[string]interface{}{
		"capacity":  bp.capacity,
		"size":      len(bp.pageTable),
		"hits":      bp.hits,
		"misses":    bp.misses,
		"evictions": bp.evictions,
		"hit_rate":  hitRate,
	}
}

// FetchPageBasic is FetchPage wrapped in a move-only BasicPageGuard.
func (bp *BufferPool) FetchPageBasic(pageID PageID) (*BasicPageGuard, error) {
	page, err := bp.FetchPage(pageID)
	if err != nil {
		return nil, err
	}
	return newBasicPageGuard(bp, page), nil
}

// FetchPageRead fetches pageID and returns it behind a read latch.
func (bp *BufferPool) FetchPageRead(pageID PageID) (*ReadPageGuard, error) {
	page, err := bp.FetchPage(pageID)
	if err != nil {
		return nil, err
	}
	page.RLatch()
	return newReadPageGuard(bp, page), nil
}

// FetchPageWrite fetches pageID and returns it behind a write latch.
func (bp *BufferPool) FetchPageWrite(pageID PageID) (*WritePageGuard, error) {
	page, err := bp.FetchPage(pageID)
	if err != nil {
		return nil, err
	}
	page.WLatch()
	return newWritePageGuard(bp, page), nil
}

// NewPageGuarded is NewPage wrapped in a move-only BasicPageGuard.
func (bp *BufferPool) NewPageGuarded() (*BasicPageGuard, error) {
	page, err := bp.NewPage()
	if err != nil {
		return nil, err
	}
	return newBasicPageGuard(bp, page), nil
}
