package cluster

import (
	"encoding/binary"

	pagemanager "github.com/ferrodb/ferrodb/core/write_engine/page_manager"
)

// FreeListSize is the number of free-space buckets tracked by the state
// page. Bucket b holds pages whose CalculateFreePageIndex equals b.
const FreeListSize = 64

// LowestFreelistBoundary is subtracted from floor(maxRecordSize/1KiB) when
// classifying a page into a bucket, keeping small-record-heavy clusters
// from wasting the low end of the bucket array on sizes that never occur.
const LowestFreelistBoundary = 0

// stateHeaderSize is the byte layout of page 0: size(8) + recordsSize(8) +
// FreeListSize*8 head pointers + tombstones(8).
const stateHeaderSize = 24 + FreeListSize*8

// tombstonesOffset is where the hidden/removed-position counter lives,
// past the free-list bucket head array.
const tombstonesOffset = 16 + FreeListSize*8

// StatePage wraps page 0 of a cluster's data file, holding the aggregate
// live-record counters and the free-list bucket heads. The cluster fetches
// page 0 through the page cache for each access and unpins it afterwards;
// it is not kept pinned between operations.
type StatePage struct {
	raw *pagemanager.Page
}

// WrapStatePage adapts a fetched frame for page 0. InitEmpty is called on
// it when a cluster's data file is created and again when it is truncated.
func WrapStatePage(raw *pagemanager.Page) *StatePage {
	return &StatePage{raw: raw}
}

// Raw returns the underlying pinned frame, for callers that need the raw
// page image (e.g. to snapshot it for WAL logging).
func (s *StatePage) Raw() *pagemanager.Page { return s.raw }

// InitEmpty zeroes the counters and sets every bucket head to -1.
func (s *StatePage) InitEmpty() {
	d := s.raw.GetData()
	binary.LittleEndian.PutUint64(d[0:], 0)
	binary.LittleEndian.PutUint64(d[8:], 0)
	binary.LittleEndian.PutUint64(d[tombstonesOffset:], 0)
	for i := 0; i < FreeListSize; i++ {
		binary.LittleEndian.PutUint64(d[16+i*8:], uint64(NoNext))
	}
	s.raw.SetDirty(true)
}

// GetSize returns the number of live (FILLED) records.
func (s *StatePage) GetSize() uint64 {
	return binary.LittleEndian.Uint64(s.raw.GetData()[0:])
}

// SetSize overwrites the live-record counter.
func (s *StatePage) SetSize(v uint64) {
	binary.LittleEndian.PutUint64(s.raw.GetData()[0:], v)
	s.raw.SetDirty(true)
}

// GetRecordsSize returns the total byte footprint of live chunks.
func (s *StatePage) GetRecordsSize() uint64 {
	return binary.LittleEndian.Uint64(s.raw.GetData()[8:])
}

// SetRecordsSize overwrites the live-byte-footprint counter.
func (s *StatePage) SetRecordsSize(v uint64) {
	binary.LittleEndian.PutUint64(s.raw.GetData()[8:], v)
	s.raw.SetDirty(true)
}

// GetFreeListPage returns the head page index of bucket i, or -1 if empty.
func (s *StatePage) GetFreeListPage(i int) int64 {
	return int64(binary.LittleEndian.Uint64(s.raw.GetData()[16+i*8:]))
}

// SetFreeListPage updates the head page index of bucket i.
func (s *StatePage) SetFreeListPage(i int, pageIndex int64) {
	binary.LittleEndian.PutUint64(s.raw.GetData()[16+i*8:], uint64(pageIndex))
	s.raw.SetDirty(true)
}

// GetTombstonesCount returns the number of positions currently hidden or
// removed and not yet recycled.
func (s *StatePage) GetTombstonesCount() uint64 {
	return binary.LittleEndian.Uint64(s.raw.GetData()[tombstonesOffset:])
}

// SetTombstonesCount overwrites the tombstone counter.
func (s *StatePage) SetTombstonesCount(v uint64) {
	binary.LittleEndian.PutUint64(s.raw.GetData()[tombstonesOffset:], v)
	s.raw.SetDirty(true)
}

// CalculateFreePageIndex buckets a page by the size of the largest chunk it
// could currently accept.
func CalculateFreePageIndex(maxRecordSize uint32) int {
	b := int(maxRecordSize/1024) - LowestFreelistBoundary
	if b < 0 {
		b = 0
	}
	if b >= FreeListSize {
		b = FreeListSize - 1
	}
	return b
}
