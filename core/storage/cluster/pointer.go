package cluster

import pagemanager "github.com/ferrodb/ferrodb/core/write_engine/page_manager"

// NoNext is the sentinel packed pointer value (all bits set) that
// terminates a chunk chain.
var NoNext int64 = -1

// PackPointer encodes a (pageIndex, slot) pair into the 64-bit value chunks
// embed to point at their successor: pageIndex occupies the upper 48 bits,
// slot the lower 16.
func PackPointer(pageIndex pagemanager.PageID, slot uint32) int64 {
	return int64(uint64(pageIndex)<<16 | uint64(slot&0xFFFF))
}

// UnpackPointer reverses PackPointer. Callers must check for NoNext before
// calling this on a chain terminator.
func UnpackPointer(ptr int64) (pagemanager.PageID, uint32) {
	u := uint64(ptr)
	return pagemanager.PageID(u >> 16), uint32(u & 0xFFFF)
}
