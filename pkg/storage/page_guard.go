package storage

// BasicPageGuard is a move-only RAII-style handle to a pinned page: as long
// as it is alive, the page cannot be evicted. Callers that need to read or
// write the page's content latch it themselves via Page(), or upgrade with
// UpgradeRead/UpgradeWrite; Drop releases the pin exactly once.
//
// A BasicPageGuard must not be copied. Pass it by pointer and hand off
// ownership with Move, mirroring the original's deleted copy constructor
// plus move assignment.
type BasicPageGuard struct {
	bp      *BufferPool
	page    *Page
	dirty   bool
	dropped bool
}

func newBasicPageGuard(bp *BufferPool, page *Page) *BasicPageGuard {
	return &BasicPageGuard{bp: bp, page: page}
}

// Page returns the guarded page.
func (g *BasicPageGuard) Page() *Page { return g.page }

// PageID returns the guarded page's id, or InvalidPageID if the guard has
// already been dropped.
func (g *BasicPageGuard) PageID() PageID {
	if g.dropped {
		return InvalidPageID
	}
	return g.page.ID
}

// MarkDirty records that the page was modified; Drop will unpin with the
// dirty bit set.
func (g *BasicPageGuard) MarkDirty() { g.dirty = true }

// Move transfers ownership of the underlying page to a new guard, leaving g
// empty (its Drop becomes a no-op). Use this instead of sharing a guard.
func (g *BasicPageGuard) Move() *BasicPageGuard {
	moved := &BasicPageGuard{bp: g.bp, page: g.page, dirty: g.dirty}
	g.dropped = true
	g.bp, g.page = nil, nil
	return moved
}

// Drop unpins the page, releasing the guard's hold on it. Safe to call more
// than once; only the first call has effect.
func (g *BasicPageGuard) Drop() {
	if g.dropped || g.bp == nil {
		return
	}
	g.bp.UnpinPage(g.page.ID, g.dirty)
	g.dropped = true
}

// UpgradeRead consumes the basic guard and returns a ReadPageGuard holding
// the page's read latch.
func (g *BasicPageGuard) UpgradeRead() *ReadPageGuard {
	g.page.RLatch()
	rg := newReadPageGuard(g.bp, g.page)
	rg.dirty = g.dirty
	g.dropped = true
	g.bp, g.page = nil, nil
	return rg
}

// UpgradeWrite consumes the basic guard and returns a WritePageGuard holding
// the page's write latch.
func (g *BasicPageGuard) UpgradeWrite() *WritePageGuard {
	g.page.WLatch()
	wg := newWritePageGuard(g.bp, g.page)
	wg.dirty = g.dirty
	g.dropped = true
	g.bp, g.page = nil, nil
	return wg
}

// ReadPageGuard holds a page pinned and read-latched. Drop releases the
// latch before the pin, so a waiting writer is never starved by a pin that
// outlives the latch.
type ReadPageGuard struct {
	bp      *BufferPool
	page    *Page
	dirty   bool
	dropped bool
}

func newReadPageGuard(bp *BufferPool, page *Page) *ReadPageGuard {
	return &ReadPageGuard{bp: bp, page: page}
}

// Page returns the guarded page. Callers may read Data but must not write
// it without a WritePageGuard.
func (g *ReadPageGuard) Page() *Page { return g.page }

// PageID returns the guarded page's id.
func (g *ReadPageGuard) PageID() PageID {
	if g.dropped {
		return InvalidPageID
	}
	return g.page.ID
}

// Move transfers ownership, leaving g empty.
func (g *ReadPageGuard) Move() *ReadPageGuard {
	moved := &ReadPageGuard{bp: g.bp, page: g.page, dirty: g.dirty}
	g.dropped = true
	g.bp, g.page = nil, nil
	return moved
}

// Drop releases the read latch, then the pin.
func (g *ReadPageGuard) Drop() {
	if g.dropped || g.bp == nil {
		return
	}
	g.page.RUnlatch()
	g.bp.UnpinPage(g.page.ID, g.dirty)
	g.dropped = true
}

// WritePageGuard holds a page pinned and write-latched.
type WritePageGuard struct {
	bp      *BufferPool
	page    *Page
	dirty   bool
	dropped bool
}

func newWritePageGuard(bp *BufferPool, page *Page) *WritePageGuard {
	return &WritePageGuard{bp: bp, page: page}
}

// Page returns the guarded page for reading or writing.
func (g *WritePageGuard) Page() *Page { return g.page }

// PageID returns the guarded page's id.
func (g *WritePageGuard) PageID() PageID {
	if g.dropped {
		return InvalidPageID
	}
	return g.page.ID
}

// MarkDirty records that the page was modified; Drop will unpin with the
// dirty bit set.
func (g *WritePageGuard) MarkDirty() { g.dirty = true }

// Move transfers ownership, leaving g empty.
func (g *WritePageGuard) Move() *WritePageGuard {
	moved := &WritePageGuard{bp: g.bp, page: g.page, dirty: g.dirty}
	g.dropped = true
	g.bp, g.page = nil, nil
	return moved
}

// Drop releases the write latch, then the pin.
func (g *WritePageGuard) Drop() {
	if g.dropped || g.bp == nil {
		return
	}
	g.page.WUnlatch()
	g.bp.UnpinPage(g.page.ID, g.dirty)
	g.dropped = true
}
