// Package pagecache implements the shared, LRU-evicted buffer pool that
// sits between a cluster's in-memory page objects and its backing
// diskfiles. A single Cache instance can hold frames for several files at
// once (a cluster's data file and its position-map sidecar), keyed by a
// caller-assigned FileID, so both share one eviction budget.
package pagecache

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/ferrodb/ferrodb/core/write_engine/diskfile"
	flushmanager "github.com/ferrodb/ferrodb/core/write_engine/flush_manager"
	pagemanager "github.com/ferrodb/ferrodb/core/write_engine/page_manager"
	"github.com/ferrodb/ferrodb/core/write_engine/wal"
	"go.uber.org/zap"
)

// Key identifies a page across every file registered with a Cache.
type Key struct {
	FileID uint32
	PageID pagemanager.PageID
}

// Cache is a fixed-size pool of page frames shared across registered
// diskfiles, evicted least-recently-used.
type Cache struct {
	log    *wal.LogManager
	logger *zap.Logger

	mu        sync.Mutex
	poolSize  int
	pageSize  int
	files     map[uint32]*diskfile.File
	pages     []*pagemanager.Page
	frameOf   map[Key]int
	lruList   *list.List
	lruElemOf map[int]*list.Element
}

// New creates a Cache with poolSize frames of pageSize bytes each. log may
// be nil, in which case dirty pages are flushed without a WAL sync barrier
// (used for sidecar files that do not need crash-consistent redo).
func New(poolSize, pageSize int, log *wal.LogManager, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Cache{
		log:       log,
		logger:    logger,
		poolSize:  poolSize,
		pageSize:  pageSize,
		files:     make(map[uint32]*diskfile.File),
		pages:     make([]*pagemanager.Page, poolSize),
		frameOf:   make(map[Key]int),
		lruList:   list.New(),
		lruElemOf: make(map[int]*list.Element),
	}
	for i := 0; i < poolSize; i++ {
		c.pages[i] = pagemanager.NewPage(pagemanager.InvalidPageID, pageSize)
	}
	return c
}

// RegisterFile associates fileID with an open diskfile so FetchPage can
// serve pages for it.
func (c *Cache) RegisterFile(fileID uint32, f *diskfile.File) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.files[fileID] = f
}

// UnregisterFile flushes and drops every cached frame belonging to fileID.
func (c *Cache) UnregisterFile(fileID uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, frameIdx := range c.frameOf {
		if key.FileID != fileID {
			continue
		}
		page := c.pages[frameIdx]
		if page.IsDirty() {
			if err := c.flushFrameLocked(key, frameIdx); err != nil {
				return err
			}
		}
		c.evictFrameLocked(key, frameIdx)
	}
	delete(c.files, fileID)
	return nil
}

// FetchPage returns the page for key, pinned, reading it from disk into a
// free or evicted frame if it is not already cached.
func (c *Cache) FetchPage(key Key) (*pagemanager.Page, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if frameIdx, ok := c.frameOf[key]; ok {
		page := c.pages[frameIdx]
		page.Pin()
		if elem, ok := c.lruElemOf[frameIdx]; ok {
			c.lruList.MoveToFront(elem)
		}
		return page, nil
	}

	f, ok := c.files[key.FileID]
	if !ok {
		return nil, fmt.Errorf("pagecache: file %d not registered", key.FileID)
	}

	frameIdx, err := c.victimFrameLocked()
	if err != nil {
		return nil, err
	}

	page := c.pages[frameIdx]
	buf := make([]byte, c.pageSize)
	if err := f.ReadPage(key.PageID, buf); err != nil {
		return nil, err
	}
	page.SetPageID(key.PageID)
	page.SetData(buf)
	page.SetDirty(false)
	page.SetPinCount(0)
	page.Pin()

	c.frameOf[key] = frameIdx
	c.lruElemOf[frameIdx] = c.lruList.PushFront(frameIdx)
	return page, nil
}

// NewPage allocates a fresh page in the given file and returns it pinned
// and zeroed, ready for the caller to populate.
func (c *Cache) NewPage(fileID uint32) (*pagemanager.Page, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	f, ok := c.files[fileID]
	if !ok {
		return nil, fmt.Errorf("pagecache: file %d not registered", fileID)
	}
	pageID, err := f.AllocatePage()
	if err != nil {
		return nil, err
	}

	frameIdx, err := c.victimFrameLocked()
	if err != nil {
		return nil, err
	}
	page := c.pages[frameIdx]
	page.Reset()
	page.SetPageID(pageID)
	page.SetDirty(true)
	page.Pin()

	key := Key{FileID: fileID, PageID: pageID}
	c.frameOf[key] = frameIdx
	c.lruElemOf[frameIdx] = c.lruList.PushFront(frameIdx)
	return page, nil
}

// UnpinPage decrements the page's pin count and marks it dirty if the
// caller mutated it.
func (c *Cache) UnpinPage(key Key, dirty bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	frameIdx, ok := c.frameOf[key]
	if !ok {
		return fmt.Errorf("%w: %v", flushmanager.ErrPageNotFound, key)
	}
	page := c.pages[frameIdx]
	if dirty {
		page.SetDirty(true)
	}
	page.Unpin()
	return nil
}

// FlushPage forces the page for key to disk if dirty, regardless of pin
// state, syncing the WAL first so redo records precede the data write.
func (c *Cache) FlushPage(key Key) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	frameIdx, ok := c.frameOf[key]
	if !ok {
		return fmt.Errorf("%w: %v", flushmanager.ErrPageNotFound, key)
	}
	if !c.pages[frameIdx].IsDirty() {
		return nil
	}
	return c.flushFrameLocked(key, frameIdx)
}

// FlushAllPages flushes every dirty frame belonging to fileID.
func (c *Cache) FlushAllPages(fileID uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, frameIdx := range c.frameOf {
		if key.FileID != fileID || !c.pages[frameIdx].IsDirty() {
			continue
		}
		if err := c.flushFrameLocked(key, frameIdx); err != nil {
			return err
		}
	}
	return nil
}

// InvalidatePage drops a cached frame without flushing it, used to discard
// pages belonging to an aborted atomic operation.
func (c *Cache) InvalidatePage(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if frameIdx, ok := c.frameOf[key]; ok {
		c.pages[frameIdx].SetDirty(false)
		c.evictFrameLocked(key, frameIdx)
	}
}

// InvalidateFile drops every cached frame belonging to fileID without
// flushing, used before a wholesale content swap (ReplaceContentWith) so
// stale in-memory pages never overwrite the replacement on a later evict.
func (c *Cache) InvalidateFile(fileID uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, frameIdx := range c.frameOf {
		if key.FileID != fileID {
			continue
		}
		c.pages[frameIdx].SetDirty(false)
		c.evictFrameLocked(key, frameIdx)
	}
}

func (c *Cache) flushFrameLocked(key Key, frameIdx int) error {
	if c.log != nil {
		if err := c.log.Sync(); err != nil {
			return fmt.Errorf("failed to sync wal before flushing page %v: %w", key, err)
		}
	}
	f, ok := c.files[key.FileID]
	if !ok {
		return fmt.Errorf("pagecache: file %d not registered", key.FileID)
	}
	page := c.pages[frameIdx]
	if err := f.WritePage(key.PageID, page.GetData()); err != nil {
		return err
	}
	page.SetDirty(false)
	return nil
}

// victimFrameLocked finds an unpinned frame to (re)use, preferring the
// least-recently-used frame, then falling back to an empty frame.
func (c *Cache) victimFrameLocked() (int, error) {
	for e := c.lruList.Back(); e != nil; e = e.Prev() {
		frameIdx := e.Value.(int)
		page := c.pages[frameIdx]
		if page.GetPinCount() == 0 {
			if oldKey, ok := c.keyForFrameLocked(frameIdx); ok {
				if page.IsDirty() {
					if err := c.flushFrameLocked(oldKey, frameIdx); err != nil {
						return 0, err
					}
				}
				delete(c.frameOf, oldKey)
			}
			c.lruList.Remove(e)
			delete(c.lruElemOf, frameIdx)
			page.Reset()
			return frameIdx, nil
		}
	}
	for i, page := range c.pages {
		if page.GetPageID() == pagemanager.InvalidPageID {
			return i, nil
		}
	}
	return 0, flushmanager.ErrBufferPoolFull
}

func (c *Cache) evictFrameLocked(key Key, frameIdx int) {
	delete(c.frameOf, key)
	if elem, ok := c.lruElemOf[frameIdx]; ok {
		c.lruList.Remove(elem)
		delete(c.lruElemOf, frameIdx)
	}
	c.pages[frameIdx].Reset()
}

func (c *Cache) keyForFrameLocked(frameIdx int) (Key, bool) {
	for k, idx := range c.frameOf {
		if idx == frameIdx {
			return k, true
		}
	}
	return Key{}, false
}

// PageSize returns the fixed page size frames in this cache hold.
func (c *Cache) PageSize() int { return c.pageSize }
