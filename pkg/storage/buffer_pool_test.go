package storage

import (
	"os"
	"path/filepath"
	"testing"
)

func newTestBufferPool(t *testing.T, dir string, capacity int) (*BufferPool, *DiskManager) {
	t.Helper()
	os.MkdirAll(dir, 0755)
	diskMgr, err := NewDiskManager(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("Failed to create disk manager: %v", err)
	}
	return NewBufferPool(capacity, diskMgr), diskMgr
}

func TestBufferPoolEviction(t *testing.T) {
	dir := "./test_buffer_eviction"
	defer os.RemoveAll(dir)
	bp, diskMgr := newTestBufferPool(t, dir, 3)
	defer diskMgr.Close()

	page1, _ := bp.NewPage()
	page2, _ := bp.NewPage()
	page3, _ := bp.NewPage()

	bp.UnpinPage(page1.ID, false)
	bp.UnpinPage(page2.ID, false)
	bp.UnpinPage(page3.ID, false)

	page4, err := bp.NewPage()
	if err != nil {
		t.Fatalf("Failed to allocate page after buffer full: %v", err)
	}
	if page4 == nil {
		t.Fatal("Expected non-nil page")
	}

	stats := bp.Stats()
	if stats["evictions"].(int) == 0 {
		t.Error("Expected at least one eviction")
	}
}

func TestBufferPoolEvictionWithDirtyPage(t *testing.T) {
	dir := "./test_buffer_eviction_dirty"
	defer os.RemoveAll(dir)
	bp, diskMgr := newTestBufferPool(t, dir, 2)
	defer diskMgr.Close()

	page1, _ := bp.NewPage()
	page2, _ := bp.NewPage()

	copy(page1.Data, []byte("dirty data"))
	page1.MarkDirty()
	bp.UnpinPage(page1.ID, true)
	bp.UnpinPage(page2.ID, false)

	if _, err := bp.NewPage(); err != nil {
		t.Fatalf("Failed to allocate page: %v", err)
	}

	fetchedPage, err := bp.FetchPage(page1.ID)
	if err != nil {
		t.Fatalf("Failed to fetch evicted page: %v", err)
	}
	fetchedData := fetchedPage.Data[:len("dirty data")]
	if string(fetchedData) != "dirty data" {
		t.Errorf("Expected 'dirty data', got '%s'", string(fetchedData))
	}
}

func TestBufferPoolFetchNonExistent(t *testing.T) {
	dir := "./test_buffer_fetch_missing"
	defer os.RemoveAll(dir)
	bp, diskMgr := newTestBufferPool(t, dir, 10)
	defer diskMgr.Close()

	page, err := bp.FetchPage(100)
	if err != nil {
		t.Fatalf("Failed to fetch non-existent page: %v", err)
	}
	if page.ID != 100 {
		t.Errorf("Expected page ID 100, got %d", page.ID)
	}
}

func TestBufferPoolFlushNonExistentPage(t *testing.T) {
	dir := "./test_buffer_flush_missing"
	defer os.RemoveAll(dir)
	bp, diskMgr := newTestBufferPool(t, dir, 10)
	defer diskMgr.Close()

	if err := bp.FlushPage(999); err == nil {
		t.Error("Expected error when flushing non-existent page")
	}
}

func TestBufferPoolFlushCleanPage(t *testing.T) {
	dir := "./test_buffer_flush_clean"
	defer os.RemoveAll(dir)
	bp, diskMgr := newTestBufferPool(t, dir, 10)
	defer diskMgr.Close()

	page, _ := bp.NewPage()
	bp.UnpinPage(page.ID, false)

	if err := bp.FlushPage(page.ID); err != nil {
		t.Fatalf("Failed to flush clean page: %v", err)
	}
}

func TestBufferPoolDeletePageNotInPool(t *testing.T) {
	dir := "./test_buffer_delete_missing"
	defer os.RemoveAll(dir)
	bp, diskMgr := newTestBufferPool(t, dir, 10)
	defer diskMgr.Close()

	if err := bp.DeletePage(999); err == nil {
		t.Fatal("Expected error when deleting a page id never allocated")
	}
}

func TestBufferPoolNewPageWhenFull(t *testing.T) {
	dir := "./test_buffer_new_full"
	defer os.RemoveAll(dir)
	bp, diskMgr := newTestBufferPool(t, dir, 2)
	defer diskMgr.Close()

	page1, _ := bp.NewPage()
	page2, _ := bp.NewPage()

	if page1.PinCount != 1 || page2.PinCount != 1 {
		t.Error("Expected pages to be pinned")
	}

	bp.UnpinPage(page1.ID, false)

	page3, err := bp.NewPage()
	if err != nil {
		t.Fatalf("Failed to allocate page: %v", err)
	}
	if page3 == nil {
		t.Fatal("Expected non-nil page")
	}
}

func TestBufferPoolNewPageAllFramesPinned(t *testing.T) {
	dir := "./test_buffer_all_pinned"
	defer os.RemoveAll(dir)
	bp, diskMgr := newTestBufferPool(t, dir, 2)
	defer diskMgr.Close()

	bp.NewPage()
	bp.NewPage()

	if _, err := bp.NewPage(); err == nil {
		t.Error("Expected error allocating with no evictable frames")
	}
}

func TestBufferPoolUnpinNonExistentPage(t *testing.T) {
	dir := "./test_buffer_unpin_missing"
	defer os.RemoveAll(dir)
	bp, diskMgr := newTestBufferPool(t, dir, 10)
	defer diskMgr.Close()

	if err := bp.UnpinPage(999, false); err == nil {
		t.Error("Expected error when unpinning non-existent page")
	}
}

func TestBufferPoolUnpinAlreadyUnpinned(t *testing.T) {
	dir := "./test_buffer_unpin_twice"
	defer os.RemoveAll(dir)
	bp, diskMgr := newTestBufferPool(t, dir, 10)
	defer diskMgr.Close()

	page, _ := bp.NewPage()
	bp.UnpinPage(page.ID, false)

	if err := bp.UnpinPage(page.ID, false); err == nil {
		t.Error("Expected error unpinning a page with pin count already 0")
	}
}

func TestBufferPoolMultiplePinUnpin(t *testing.T) {
	dir := "./test_buffer_multi_pin"
	defer os.RemoveAll(dir)
	bp, diskMgr := newTestBufferPool(t, dir, 10)
	defer diskMgr.Close()

	page, _ := bp.NewPage()
	pageID := page.ID

	bp.FetchPage(pageID)
	bp.FetchPage(pageID)

	bp.UnpinPage(pageID, false)

	fid := bp.pageTable[pageID]
	if bp.frames[fid].PinCount != 2 {
		t.Errorf("Expected pin count 2, got %d", bp.frames[fid].PinCount)
	}

	bp.UnpinPage(pageID, false)
	bp.UnpinPage(pageID, false)

	if bp.frames[fid].IsPinned() {
		t.Error("Expected page to be unpinned")
	}
}

func TestBufferPoolStatsHitRate(t *testing.T) {
	dir := "./test_buffer_hit_rate"
	defer os.RemoveAll(dir)
	bp, diskMgr := newTestBufferPool(t, dir, 10)
	defer diskMgr.Close()

	page, _ := bp.NewPage()
	pageID := page.ID
	bp.UnpinPage(pageID, false)

	bp.FetchPage(pageID)
	bp.UnpinPage(pageID, false)

	stats := bp.Stats()
	if stats["hits"].(int) == 0 {
		t.Error("Expected at least one cache hit")
	}
	if stats["hit_rate"].(float64) == 0.0 {
		t.Error("Expected non-zero hit rate")
	}
}

func TestBufferPoolDeletePinnedFails(t *testing.T) {
	dir := "./test_buffer_delete_pinned"
	defer os.RemoveAll(dir)
	bp, diskMgr := newTestBufferPool(t, dir, 10)
	defer diskMgr.Close()

	page, _ := bp.NewPage()

	if err := bp.DeletePage(page.ID); err == nil {
		t.Error("Expected error deleting a pinned page")
	}
}

func TestBufferPoolDeleteFreesFrame(t *testing.T) {
	dir := "./test_buffer_delete_frees"
	defer os.RemoveAll(dir)
	bp, diskMgr := newTestBufferPool(t, dir, 1)
	defer diskMgr.Close()

	page, _ := bp.NewPage()
	bp.UnpinPage(page.ID, false)

	if err := bp.DeletePage(page.ID); err != nil {
		t.Fatalf("Failed to delete page: %v", err)
	}

	// The freed frame should immediately be usable for a new page.
	if _, err := bp.NewPage(); err != nil {
		t.Fatalf("Failed to allocate after delete freed a frame: %v", err)
	}
}
