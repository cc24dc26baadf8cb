package cluster

import (
	"testing"

	pagemanager "github.com/ferrodb/ferrodb/core/write_engine/page_manager"
	"github.com/stretchr/testify/require"
)

func newTestPage(t *testing.T) *Page {
	t.Helper()
	raw := pagemanager.NewPage(pagemanager.PageID(0), testPageSize)
	return WrapPage(raw)
}

func TestPageInitEmpty(t *testing.T) {
	p := newTestPage(t)
	require.True(t, p.IsEmpty())
	require.Equal(t, NoNext, p.GetPrevPage())
	require.Equal(t, NoNext, p.GetNextPage())
	require.EqualValues(t, -1, p.GetLinkedBucket())
	require.Equal(t, uint32(testPageSize-pageHeaderSize), p.GetFreeSpace())
}

func TestPageAppendAndReadBack(t *testing.T) {
	p := newTestPage(t)

	slot, err := p.AppendRecord(1, []byte("hello chunk"))
	require.NoError(t, err)
	require.EqualValues(t, 0, slot)
	require.False(t, p.IsEmpty())

	size, err := p.GetRecordSize(uint32(slot))
	require.NoError(t, err)
	require.EqualValues(t, len("hello chunk"), size)

	version, err := p.GetRecordVersion(uint32(slot))
	require.NoError(t, err)
	require.EqualValues(t, 1, version)

	val, err := p.GetRecordBinaryValue(uint32(slot), 0, int(size))
	require.NoError(t, err)
	require.Equal(t, "hello chunk", string(val))
}

func TestPageAppendRejectsOversizedChunk(t *testing.T) {
	p := newTestPage(t)
	huge := make([]byte, testPageSize)
	slot, err := p.AppendRecord(1, huge)
	require.NoError(t, err)
	require.EqualValues(t, -1, slot, "a chunk larger than the page's capacity is rejected, not erred")
}

func TestPageReplaceRecordRequiresExactSize(t *testing.T) {
	p := newTestPage(t)
	slot, err := p.AppendRecord(1, []byte("abcde"))
	require.NoError(t, err)

	require.NoError(t, p.ReplaceRecord(uint32(slot), []byte("xyzzy"), 2))
	val, err := p.GetRecordBinaryValue(uint32(slot), 0, 5)
	require.NoError(t, err)
	require.Equal(t, "xyzzy", string(val))

	err = p.ReplaceRecord(uint32(slot), []byte("short"[:3]), 3)
	require.Error(t, err, "replace must reject a payload of different length")
}

func TestPageDeleteRecordReclaimsTrailingBytes(t *testing.T) {
	p := newTestPage(t)
	slot, err := p.AppendRecord(1, []byte("tail-most chunk"))
	require.NoError(t, err)
	before := p.GetFreeSpace()

	require.NoError(t, p.DeleteRecord(uint32(slot)))
	require.True(t, p.IsDeleted(uint32(slot)))

	after := p.GetFreeSpace()
	require.Greater(t, after, before, "deleting the tail-most (and only) slot reclaims both its bytes and its slot entry")
	require.True(t, p.IsEmpty())
}

func TestPageDeleteNonTrailingSlotDoesNotReclaimBytes(t *testing.T) {
	p := newTestPage(t)
	slotA, err := p.AppendRecord(1, []byte("first"))
	require.NoError(t, err)
	_, err = p.AppendRecord(1, []byte("second"))
	require.NoError(t, err)

	before := p.GetFreeSpace()
	require.NoError(t, p.DeleteRecord(uint32(slotA)))
	after := p.GetFreeSpace()
	require.Equal(t, before, after, "a non-tail delete leaks its bytes until the tail slot is also freed")
}

func TestPageLinkedBucketRoundTrip(t *testing.T) {
	p := newTestPage(t)
	p.SetLinkedBucket(3)
	require.EqualValues(t, 3, p.GetLinkedBucket())
	p.SetLinkedBucket(-1)
	require.EqualValues(t, -1, p.GetLinkedBucket())
}

func TestPageSetRecordLongValuePatchesInPlace(t *testing.T) {
	p := newTestPage(t)
	payload := make([]byte, 20)
	slot, err := p.AppendRecord(1, payload)
	require.NoError(t, err)

	require.NoError(t, p.SetRecordLongValue(uint32(slot), 4, 0x0102030405060708))
	v, err := p.GetRecordLongValue(uint32(slot), 4)
	require.NoError(t, err)
	require.EqualValues(t, 0x0102030405060708, v)
}

func TestPageMaxRecordSizeAccountsForNewSlotEntry(t *testing.T) {
	p := newTestPage(t)
	free := p.GetFreeSpace()
	maxRecord := p.GetMaxRecordSize()
	require.Equal(t, free-slotEntrySize, maxRecord)
}
