package cluster

import (
	"encoding/binary"
	"fmt"

	pagemanager "github.com/ferrodb/ferrodb/core/write_engine/page_manager"
)

// Page-header layout, fixed at offset 0 of every data-file page:
//
//	0  8  prevPage     (int64, -1 if none)
//	8  8  nextPage     (int64, -1 if none)
//	16 4  slotCount    (uint32)
//	20 4  dataEnd      (uint32, offset where the record area currently begins)
//	24 4  linkedBucket (int32, -1 if this page is not on any free-list bucket)
//	28 4  reserved
const (
	pageHeaderSize  = 32
	slotEntrySize   = 16 // offset(4) length(4) version(4) flags(1)+pad(3)
	slotFlagDeleted = byte(1)
)

// Page interprets one fixed-size frame as a slotted record container: a
// growing slot directory at the front and a record data area that grows
// backward from the end of the page, threaded into a free-list of
// equal-bucket pages via prevPage/nextPage.
type Page struct {
	raw *pagemanager.Page
}

// WrapPage adapts a raw cached frame into a Page view.
func WrapPage(raw *pagemanager.Page) *Page {
	p := &Page{raw: raw}
	if p.slotCountRaw() == 0 && p.dataEndRaw() == 0 {
		p.initEmpty()
	}
	return p
}

func (p *Page) data() []byte { return p.raw.GetData() }

func (p *Page) initEmpty() {
	d := p.data()
	binary.LittleEndian.PutUint64(d[0:], uint64(NoNext))
	binary.LittleEndian.PutUint64(d[8:], uint64(NoNext))
	binary.LittleEndian.PutUint32(d[16:], 0)
	binary.LittleEndian.PutUint32(d[20:], uint32(len(d)))
	linkedBucketNone := int32(-1)
	binary.LittleEndian.PutUint32(d[24:], uint32(linkedBucketNone))
	p.raw.SetDirty(true)
}

// GetLinkedBucket returns the free-list bucket this page currently
// believes it is linked into, or -1 if it is not on any bucket's list
// (typically because it is full).
func (p *Page) GetLinkedBucket() int32 {
	return int32(binary.LittleEndian.Uint32(p.data()[24:]))
}

// SetLinkedBucket records which free-list bucket this page is linked
// into, or -1 when unlinking it.
func (p *Page) SetLinkedBucket(bucket int32) {
	binary.LittleEndian.PutUint32(p.data()[24:], uint32(bucket))
	p.raw.SetDirty(true)
}

func (p *Page) slotCountRaw() uint32 { return binary.LittleEndian.Uint32(p.data()[16:]) }
func (p *Page) dataEndRaw() uint32   { return binary.LittleEndian.Uint32(p.data()[20:]) }

func (p *Page) setSlotCount(n uint32) {
	binary.LittleEndian.PutUint32(p.data()[16:], n)
	p.raw.SetDirty(true)
}

func (p *Page) setDataEnd(n uint32) {
	binary.LittleEndian.PutUint32(p.data()[20:], n)
	p.raw.SetDirty(true)
}

// GetPrevPage returns this page's predecessor in its free-list bucket, or
// -1 if it is the bucket head.
func (p *Page) GetPrevPage() int64 {
	return int64(binary.LittleEndian.Uint64(p.data()[0:]))
}

// SetPrevPage updates the free-list predecessor link.
func (p *Page) SetPrevPage(v int64) {
	binary.LittleEndian.PutUint64(p.data()[0:], uint64(v))
	p.raw.SetDirty(true)
}

// GetNextPage returns this page's successor in its free-list bucket, or -1
// at the tail.
func (p *Page) GetNextPage() int64 {
	return int64(binary.LittleEndian.Uint64(p.data()[8:]))
}

// SetNextPage updates the free-list successor link.
func (p *Page) SetNextPage(v int64) {
	binary.LittleEndian.PutUint64(p.data()[8:], uint64(v))
	p.raw.SetDirty(true)
}

func (p *Page) slotOffset(slot uint32) int {
	return pageHeaderSize + int(slot)*slotEntrySize
}

func (p *Page) readSlotEntry(slot uint32) (offset, length, version uint32, deleted bool, ok bool) {
	if slot >= p.slotCountRaw() {
		return 0, 0, 0, false, false
	}
	d := p.data()
	o := p.slotOffset(slot)
	offset = binary.LittleEndian.Uint32(d[o:])
	length = binary.LittleEndian.Uint32(d[o+4:])
	version = binary.LittleEndian.Uint32(d[o+8:])
	deleted = d[o+12]&slotFlagDeleted != 0
	return offset, length, version, deleted, true
}

func (p *Page) writeSlotEntry(slot, offset, length, version uint32, deleted bool) {
	d := p.data()
	o := p.slotOffset(slot)
	binary.LittleEndian.PutUint32(d[o:], offset)
	binary.LittleEndian.PutUint32(d[o+4:], length)
	binary.LittleEndian.PutUint32(d[o+8:], version)
	flags := byte(0)
	if deleted {
		flags = slotFlagDeleted
	}
	d[o+12] = flags
	p.raw.SetDirty(true)
}

// GetFreeSpace returns the gap between the end of the slot directory and
// the start of the record data area. It may exceed GetMaxRecordSize, which
// additionally reserves room for one new slot entry.
func (p *Page) GetFreeSpace() uint32 {
	used := uint32(pageHeaderSize) + p.slotCountRaw()*uint32(slotEntrySize)
	dataEnd := p.dataEndRaw()
	if dataEnd < used {
		return 0
	}
	return dataEnd - used
}

// GetMaxRecordSize returns the largest chunk AppendRecord could place right
// now: the contiguous gap minus the overhead of the new slot entry itself.
func (p *Page) GetMaxRecordSize() uint32 {
	free := p.GetFreeSpace()
	if free < slotEntrySize {
		return 0
	}
	return free - slotEntrySize
}

// IsEmpty reports whether the page holds no slots at all.
func (p *Page) IsEmpty() bool {
	return p.slotCountRaw() == 0
}

// AppendRecord reserves space for bytes and a new slot entry tagged with
// version, returning the new slot index, or -1 if it would not fit.
func (p *Page) AppendRecord(version uint32, payload []byte) (int32, error) {
	if uint32(len(payload)) > p.GetMaxRecordSize() {
		return -1, nil
	}
	slot := p.slotCountRaw()
	newDataEnd := p.dataEndRaw() - uint32(len(payload))
	copy(p.data()[newDataEnd:p.dataEndRaw()], payload)
	p.writeSlotEntry(slot, newDataEnd, uint32(len(payload)), version, false)
	p.setSlotCount(slot + 1)
	p.setDataEnd(newDataEnd)
	return int32(slot), nil
}

// ReplaceRecord overwrites an existing, equally sized slot in place and
// sets its version to version.
func (p *Page) ReplaceRecord(slot uint32, payload []byte, version uint32) error {
	offset, length, _, deleted, ok := p.readSlotEntry(slot)
	if !ok || deleted {
		return fmt.Errorf("cluster: slot %d not present for replace", slot)
	}
	if length != uint32(len(payload)) {
		return fmt.Errorf("cluster: replace size mismatch: slot holds %d bytes, got %d", length, len(payload))
	}
	copy(p.data()[offset:offset+length], payload)
	p.writeSlotEntry(slot, offset, length, version, false)
	return nil
}

// DeleteRecord marks slot deleted and, when it sits at the physical tail of
// the record area, reclaims its bytes (and its slot directory entry, when
// it is also the last one) back into contiguous free space.
func (p *Page) DeleteRecord(slot uint32) error {
	offset, length, version, deleted, ok := p.readSlotEntry(slot)
	if !ok || deleted {
		return fmt.Errorf("cluster: slot %d already deleted or absent", slot)
	}
	p.writeSlotEntry(slot, offset, length, version, true)

	if offset == p.dataEndRaw() {
		p.setDataEnd(offset + length)
		if slot == p.slotCountRaw()-1 {
			p.setSlotCount(slot)
		}
	}
	return nil
}

// IsDeleted reports whether slot has been deleted (or never existed).
func (p *Page) IsDeleted(slot uint32) bool {
	_, _, _, deleted, ok := p.readSlotEntry(slot)
	return !ok || deleted
}

// GetRecordSize returns the byte length of the chunk stored at slot.
func (p *Page) GetRecordSize(slot uint32) (uint32, error) {
	_, length, _, deleted, ok := p.readSlotEntry(slot)
	if !ok || deleted {
		return 0, fmt.Errorf("cluster: slot %d not present", slot)
	}
	return length, nil
}

// GetRecordVersion returns the version tag stored alongside slot.
func (p *Page) GetRecordVersion(slot uint32) (uint32, error) {
	_, _, version, deleted, ok := p.readSlotEntry(slot)
	if !ok || deleted {
		return 0, fmt.Errorf("cluster: slot %d not present", slot)
	}
	return version, nil
}

// resolveOffset turns a (possibly negative, end-relative) logical offset
// into an absolute index into the chunk's payload.
func resolveOffset(length uint32, offset int) (int, error) {
	o := offset
	if o < 0 {
		o = int(length) + o
	}
	if o < 0 || o >= int(length) {
		return 0, fmt.Errorf("cluster: offset %d out of range for record of length %d", offset, length)
	}
	return o, nil
}

// GetRecordBinaryValue returns length bytes starting at offset (negative
// offsets address from the end of the chunk).
func (p *Page) GetRecordBinaryValue(slot uint32, offset int, length int) ([]byte, error) {
	start, recLen, _, deleted, ok := p.readSlotEntry(slot)
	if !ok || deleted {
		return nil, fmt.Errorf("cluster: slot %d not present", slot)
	}
	localOffset, err := resolveOffset(recLen, offset)
	if err != nil {
		return nil, err
	}
	if localOffset+length > int(recLen) {
		return nil, fmt.Errorf("cluster: read past end of record at slot %d", slot)
	}
	out := make([]byte, length)
	copy(out, p.data()[int(start)+localOffset:int(start)+localOffset+length])
	return out, nil
}

// GetRecordByteValue returns the single byte at offset.
func (p *Page) GetRecordByteValue(slot uint32, offset int) (byte, error) {
	b, err := p.GetRecordBinaryValue(slot, offset, 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// GetRecordLongValue returns the little-endian int64 at offset.
func (p *Page) GetRecordLongValue(slot uint32, offset int) (int64, error) {
	b, err := p.GetRecordBinaryValue(slot, offset, 8)
	if err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(b)), nil
}

// SetRecordLongValue patches an in-place 8-byte field of an existing chunk
// (used to stitch the packed next-pointer into the previous chunk without
// rewriting its whole payload).
func (p *Page) SetRecordLongValue(slot uint32, offset int, value int64) error {
	start, recLen, _, deleted, ok := p.readSlotEntry(slot)
	if !ok || deleted {
		return fmt.Errorf("cluster: slot %d not present", slot)
	}
	localOffset, err := resolveOffset(recLen, offset)
	if err != nil {
		return err
	}
	if localOffset+8 > int(recLen) {
		return fmt.Errorf("cluster: write past end of record at slot %d", slot)
	}
	binary.LittleEndian.PutUint64(p.data()[int(start)+localOffset:], uint64(value))
	p.raw.SetDirty(true)
	return nil
}

// Raw exposes the underlying cached frame, for callers (the Cluster
// orchestrator) that need to pin/unpin or latch it directly.
func (p *Page) Raw() *pagemanager.Page { return p.raw }
