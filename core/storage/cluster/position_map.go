package cluster

import (
	"encoding/binary"
	"fmt"

	"github.com/ferrodb/ferrodb/core/write_engine/diskfile"
	"github.com/ferrodb/ferrodb/core/write_engine/pagecache"
	pagemanager "github.com/ferrodb/ferrodb/core/write_engine/page_manager"
)

// Status is the lifecycle state of one position-map entry.
type Status byte

const (
	StatusNotExistent Status = 0
	StatusAllocated   Status = 1
	StatusFilled      Status = 2
	StatusRemoved     Status = 3
)

func (s Status) String() string {
	switch s {
	case StatusNotExistent:
		return "NOT_EXISTENT"
	case StatusAllocated:
		return "ALLOCATED"
	case StatusFilled:
		return "FILLED"
	case StatusRemoved:
		return "REMOVED"
	default:
		return "UNKNOWN"
	}
}

const posMapMagic = 0x504D4150 // "PMAP"

// posMapEntrySize: status(1) + pad(3) + pageIndex(8) + slot(4) = 16 bytes.
const posMapEntrySize = 16

// Entry identifies the head chunk of a record.
type Entry struct {
	PageIndex pagemanager.PageID
	Slot      uint32
}

// PositionMap is the sidecar file mapping dense logical cluster_position
// values to (page, slot) entries plus a status byte, backed by its own
// diskfile registered under a dedicated FileID in the shared page cache.
type PositionMap struct {
	file     *diskfile.File
	cache    *pagecache.Cache
	fileID   uint32
	pageSize uint32

	entriesPerPage uint64
}

// CreatePositionMap creates a new position-map file at path and registers
// it with cache under fileID.
func CreatePositionMap(path string, pageSize uint32, fileID uint32, cache *pagecache.Cache) (*PositionMap, error) {
	f, err := diskfile.Create(path, posMapMagic, pageSize)
	if err != nil {
		return nil, err
	}
	pm := &PositionMap{file: f, cache: cache, fileID: fileID, pageSize: pageSize, entriesPerPage: uint64(pageSize) / posMapEntrySize}
	cache.RegisterFile(fileID, f)

	// diskfile.Create already reserves page 0; repurpose it to hold the
	// nextPosition allocator counter.
	key := pagecache.Key{FileID: fileID, PageID: 0}
	header, err := cache.FetchPage(key)
	if err != nil {
		return nil, err
	}
	binary.LittleEndian.PutUint64(header.GetData()[0:], 0)
	return pm, cache.UnpinPage(key, true)
}

// OpenPositionMap opens an existing position-map file and registers it
// with cache under fileID.
func OpenPositionMap(path string, pageSize uint32, fileID uint32, cache *pagecache.Cache) (*PositionMap, error) {
	f, err := diskfile.Open(path, posMapMagic, pageSize)
	if err != nil {
		return nil, err
	}
	cache.RegisterFile(fileID, f)
	return &PositionMap{file: f, cache: cache, fileID: fileID, pageSize: pageSize, entriesPerPage: uint64(pageSize) / posMapEntrySize}, nil
}

func (pm *PositionMap) nextPosition() (uint64, error) {
	key := pagecache.Key{FileID: pm.fileID, PageID: 0}
	header, err := pm.cache.FetchPage(key)
	if err != nil {
		return 0, err
	}
	defer pm.cache.UnpinPage(key, false)
	return binary.LittleEndian.Uint64(header.GetData()[0:]), nil
}

func (pm *PositionMap) setNextPosition(v uint64) error {
	key := pagecache.Key{FileID: pm.fileID, PageID: 0}
	header, err := pm.cache.FetchPage(key)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(header.GetData()[0:], v)
	return pm.cache.UnpinPage(key, true)
}

func (pm *PositionMap) entryPage(pos uint64) pagemanager.PageID {
	return pagemanager.PageID(1 + pos/pm.entriesPerPage)
}

func (pm *PositionMap) entryOffset(pos uint64) int {
	return int(pos%pm.entriesPerPage) * posMapEntrySize
}

func (pm *PositionMap) ensurePage(pageID pagemanager.PageID) error {
	for pm.file.FilledUpTo() <= uint64(pageID) {
		if _, err := pm.cache.NewPage(pm.fileID); err != nil {
			return err
		}
	}
	return nil
}

func (pm *PositionMap) readEntry(pos uint64) (Status, Entry, error) {
	next, err := pm.nextPosition()
	if err != nil {
		return StatusNotExistent, Entry{}, err
	}
	if pos >= next {
		return StatusNotExistent, Entry{}, nil
	}
	pageID := pm.entryPage(pos)
	key := pagecache.Key{FileID: pm.fileID, PageID: pageID}
	page, err := pm.cache.FetchPage(key)
	if err != nil {
		return StatusNotExistent, Entry{}, err
	}
	defer pm.cache.UnpinPage(key, false)

	o := pm.entryOffset(pos)
	d := page.GetData()
	status := Status(d[o])
	entry := Entry{
		PageIndex: pagemanager.PageID(binary.LittleEndian.Uint64(d[o+4:])),
		Slot:      binary.LittleEndian.Uint32(d[o+12:]),
	}
	return status, entry, nil
}

func (pm *PositionMap) writeEntry(pos uint64, status Status, entry Entry) error {
	pageID := pm.entryPage(pos)
	if err := pm.ensurePage(pageID); err != nil {
		return err
	}
	key := pagecache.Key{FileID: pm.fileID, PageID: pageID}
	page, err := pm.cache.FetchPage(key)
	if err != nil {
		return err
	}
	o := pm.entryOffset(pos)
	d := page.GetData()
	d[o] = byte(status)
	d[o+1], d[o+2], d[o+3] = 0, 0, 0
	binary.LittleEndian.PutUint64(d[o+4:], uint64(entry.PageIndex))
	binary.LittleEndian.PutUint32(d[o+12:], entry.Slot)
	return pm.cache.UnpinPage(key, true)
}

// Allocate reserves the next position with status ALLOCATED and no data
// pointer yet.
func (pm *PositionMap) Allocate() (uint64, error) {
	pos, err := pm.nextPosition()
	if err != nil {
		return 0, err
	}
	if err := pm.writeEntry(pos, StatusAllocated, Entry{}); err != nil {
		return 0, err
	}
	if err := pm.setNextPosition(pos + 1); err != nil {
		return 0, err
	}
	return pos, nil
}

// Add allocates a new position and immediately marks it FILLED at entry.
func (pm *PositionMap) Add(entry Entry) (uint64, error) {
	pos, err := pm.nextPosition()
	if err != nil {
		return 0, err
	}
	if err := pm.writeEntry(pos, StatusFilled, entry); err != nil {
		return 0, err
	}
	if err := pm.setNextPosition(pos + 1); err != nil {
		return 0, err
	}
	return pos, nil
}

// Update moves an existing FILLED/ALLOCATED entry to a new (page, slot),
// marking it FILLED.
func (pm *PositionMap) Update(pos uint64, entry Entry) error {
	status, _, err := pm.readEntry(pos)
	if err != nil {
		return err
	}
	if status != StatusAllocated && status != StatusFilled {
		return fmt.Errorf("cluster: position %d is not allocated or filled (status %s)", pos, status)
	}
	return pm.writeEntry(pos, StatusFilled, entry)
}

// Remove marks pos REMOVED. The position is never reused.
func (pm *PositionMap) Remove(pos uint64) error {
	return pm.writeEntry(pos, StatusRemoved, Entry{})
}

// Hide marks pos REMOVED, the same as Remove: the physical entry pointer
// is discarded here too, the only difference is that the caller skips
// reclaiming the chunk pages into the free-list, leaking their bytes.
func (pm *PositionMap) Hide(pos uint64) error {
	status, _, err := pm.readEntry(pos)
	if err != nil {
		return err
	}
	if status != StatusFilled {
		return fmt.Errorf("cluster: position %d is not filled (status %s), cannot hide", pos, status)
	}
	return pm.writeEntry(pos, StatusRemoved, Entry{})
}

// Resurrect requires pos to currently be REMOVED and rebinds it to entry
// with status FILLED.
func (pm *PositionMap) Resurrect(pos uint64, entry Entry) error {
	status, _, err := pm.readEntry(pos)
	if err != nil {
		return err
	}
	if status != StatusRemoved {
		return fmt.Errorf("cluster: position %d is not removed (status %s), cannot resurrect", pos, status)
	}
	return pm.writeEntry(pos, StatusFilled, entry)
}

// Get returns the bound entry for pos, or (nil, nil) if pos is beyond the
// allocated range or is not currently FILLED. pageCountHint is accepted for
// callers that scan sequentially but is not used: no prefetch is issued and
// it never affects the result.
func (pm *PositionMap) Get(pos uint64, pageCountHint int) (*Entry, error) {
	status, entry, err := pm.readEntry(pos)
	if err != nil {
		return nil, err
	}
	if status != StatusFilled {
		return nil, nil
	}
	return &entry, nil
}

// GetStatus returns the lifecycle status of pos.
func (pm *PositionMap) GetStatus(pos uint64) (Status, error) {
	status, _, err := pm.readEntry(pos)
	return status, err
}

// FirstPosition returns the lowest FILLED position, or ok=false if none.
func (pm *PositionMap) FirstPosition() (pos uint64, ok bool, err error) {
	next, err := pm.nextPosition()
	if err != nil {
		return 0, false, err
	}
	for p := uint64(0); p < next; p++ {
		status, _, err := pm.readEntry(p)
		if err != nil {
			return 0, false, err
		}
		if status == StatusFilled {
			return p, true, nil
		}
	}
	return 0, false, nil
}

// LastPosition returns the highest FILLED position, or ok=false if none.
func (pm *PositionMap) LastPosition() (pos uint64, ok bool, err error) {
	next, err := pm.nextPosition()
	if err != nil {
		return 0, false, err
	}
	for p := next; p > 0; p-- {
		status, _, err := pm.readEntry(p - 1)
		if err != nil {
			return 0, false, err
		}
		if status == StatusFilled {
			return p - 1, true, nil
		}
	}
	return 0, false, nil
}

// NextPosition returns the smallest FILLED position strictly greater than
// pos, or ok=false if none.
func (pm *PositionMap) NextPosition(pos uint64) (next uint64, ok bool, err error) {
	allocated, err := pm.nextPosition()
	if err != nil {
		return 0, false, err
	}
	for p := pos + 1; p < allocated; p++ {
		status, _, err := pm.readEntry(p)
		if err != nil {
			return 0, false, err
		}
		if status == StatusFilled {
			return p, true, nil
		}
	}
	return 0, false, nil
}

// pageBound returns the [start, end) position range sharing pos's entries
// page, i.e. the "one bucket worth" of positions the range-navigation
// calls are scoped to.
func (pm *PositionMap) pageBound(pos uint64) (start, end uint64) {
	page := pos / pm.entriesPerPage
	return page * pm.entriesPerPage, (page + 1) * pm.entriesPerPage
}

func (pm *PositionMap) scanBucket(lo, hi uint64, inclusiveLo, inclusiveHi bool) ([]uint64, error) {
	allocated, err := pm.nextPosition()
	if err != nil {
		return nil, err
	}
	if hi > allocated {
		hi = allocated
	}
	var out []uint64
	for p := lo; p < hi; p++ {
		if !inclusiveLo && p == lo {
			continue
		}
		if !inclusiveHi && p == hi-1 {
			continue
		}
		status, _, err := pm.readEntry(p)
		if err != nil {
			return nil, err
		}
		if status == StatusFilled {
			out = append(out, p)
		}
	}
	return out, nil
}

// HigherPositions returns FILLED positions strictly greater than pos,
// within pos's entries page.
func (pm *PositionMap) HigherPositions(pos uint64) ([]uint64, error) {
	_, end := pm.pageBound(pos)
	return pm.scanBucket(pos+1, end, true, true)
}

// CeilingPositions returns FILLED positions greater than or equal to pos,
// within pos's entries page.
func (pm *PositionMap) CeilingPositions(pos uint64) ([]uint64, error) {
	_, end := pm.pageBound(pos)
	return pm.scanBucket(pos, end, true, true)
}

// LowerPositions returns FILLED positions strictly less than pos, within
// pos's entries page.
func (pm *PositionMap) LowerPositions(pos uint64) ([]uint64, error) {
	start, _ := pm.pageBound(pos)
	if pos == 0 {
		return nil, nil
	}
	return pm.scanBucket(start, pos, true, true)
}

// FloorPositions returns FILLED positions less than or equal to pos,
// within pos's entries page.
func (pm *PositionMap) FloorPositions(pos uint64) ([]uint64, error) {
	start, _ := pm.pageBound(pos)
	return pm.scanBucket(start, pos+1, true, true)
}

// Close flushes (when flush is true) and unregisters the position-map
// file from the shared cache, then closes it.
func (pm *PositionMap) Close(flush bool) error {
	if flush {
		if err := pm.cache.FlushAllPages(pm.fileID); err != nil {
			return err
		}
	}
	if err := pm.cache.UnregisterFile(pm.fileID); err != nil {
		return err
	}
	return pm.file.Close()
}

// Flush forces every dirty position-map page to disk.
func (pm *PositionMap) Flush() error {
	return pm.cache.FlushAllPages(pm.fileID)
}

// Delete removes the position-map file from disk.
func (pm *PositionMap) Delete() error {
	pm.cache.UnregisterFile(pm.fileID)
	return pm.file.Delete()
}

// Truncate drops every entries page, keeping only page 0 (the allocator
// counter page), and resets the allocator back to position 0.
func (pm *PositionMap) Truncate() error {
	if err := pm.file.Truncate(1); err != nil {
		return err
	}
	return pm.setNextPosition(0)
}

// Rename moves the backing file to newPath. The caller must re-register
// the PositionMap's diskfile with the cache if fileID changes.
func (pm *PositionMap) Rename(newPath string) error {
	return pm.file.Rename(newPath)
}

// FileID returns the identifier this position map is registered under in
// the shared page cache.
func (pm *PositionMap) FileID() uint32 { return pm.fileID }

// ReplaceFileID re-registers the position map's diskfile under a new
// FileID in the shared cache. Renaming a cluster does not call it; the
// position map keeps its FileID across a rename.
func (pm *PositionMap) ReplaceFileID(newID uint32) error {
	if err := pm.cache.UnregisterFile(pm.fileID); err != nil {
		return err
	}
	pm.fileID = newID
	pm.cache.RegisterFile(newID, pm.file)
	return nil
}

// FullName returns the filesystem path of the backing file.
func (pm *PositionMap) FullName() string { return pm.file.Path() }
