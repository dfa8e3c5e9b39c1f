package storage

import (
	"fmt"
	"os"
	"sync"
)

// DiskManager handles physical page I/O. Page ids are assigned by a
// monotonic counter; AllocatePage never reuses an id, and DeallocatePage is
// bookkeeping only, matching the course project's real disk manager, which
// documents deallocation as a no-op for scope reasons.
type DiskManager struct {
	dataFile    *os.File
	nextPageID  PageID
	mu          sync.Mutex
	totalReads  int64
	totalWrites int64
}

// NewDiskManager opens (or creates) the backing data file at path.
func NewDiskManager(path string) (*DiskManager, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open data file: %w", err)
	}

	fileInfo, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat data file: %w", err)
	}

	return &DiskManager{
		dataFile:   file,
		nextPageID: PageID(fileInfo.Size() / PageSize),
	}, nil
}

// ReadPage reads a page from disk, returning a zeroed page if it has never
// been written.
func (dm *DiskManager) ReadPage(pageID PageID) (*Page, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	return dm.readPageInternal(pageID)
}

func (dm *DiskManager) readPageInternal(pageID PageID) (*Page, error) {
	offset := int64(pageID) * PageSize
	data := make([]byte, PageSize)

	n, err := dm.dataFile.ReadAt(data, offset)
	if err != nil && err.Error() != "EOF" {
		return nil, fmt.Errorf("failed to read page %d: %w", pageID, err)
	}

	if n < PageSize {
		return NewPage(pageID, PageTypeData), nil
	}

	page := NewPage(pageID, PageTypeData)
	if err := page.Deserialize(data); err != nil {
		return nil, fmt.Errorf("failed to deserialize page %d: %w", pageID, err)
	}

	dm.totalReads++
	return page, nil
}

// WritePage writes a page's serialized form to its slot on disk.
func (dm *DiskManager) WritePage(page *Page) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	return dm.writePageInternal(page)
}

func (dm *DiskManager) writePageInternal(page *Page) error {
	offset := int64(page.ID) * PageSize
	data := page.Serialize()

	if _, err := dm.dataFile.WriteAt(data, offset); err != nil {
		return fmt.Errorf("failed to write page %d: %w", page.ID, err)
	}

	dm.totalWrites++
	return nil
}

// AllocatePage returns a fresh, monotonically increasing page id.
func (dm *DiskManager) AllocatePage() (PageID, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	pageID := dm.nextPageID
	dm.nextPageID++
	return pageID, nil
}

// DeallocatePage records that a page id is no longer in use. It does not
// make the id available for reuse; see AllocatePage.
func (dm *DiskManager) DeallocatePage(pageID PageID) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if pageID >= dm.nextPageID {
		return fmt.Errorf("invalid page ID: %d (next page ID: %d)", pageID, dm.nextPageID)
	}
	return nil
}

// Sync flushes all written data to stable storage.
func (dm *DiskManager) Sync() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	return dm.dataFile.Sync()
}

// Close syncs and closes the underlying data file.
func (dm *DiskManager) Close() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if err := dm.dataFile.Sync(); err != nil {
		return err
	}

	return dm.dataFile.Close()
}

// Stats returns disk manager counters for observability.
func (dm *DiskManager) Stats() map[string]interface{} {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	return map[string]interface{}{
		"next_page_id": dm.nextPageID,
		"total_reads":  dm.totalReads,
		"total_writes": dm.totalWrites,
	}
}
