package cluster

import (
	"testing"

	pagemanager "github.com/ferrodb/ferrodb/core/write_engine/page_manager"
	"github.com/stretchr/testify/require"
)

func newTestStatePage(t *testing.T) *StatePage {
	t.Helper()
	raw := pagemanager.NewPage(pagemanager.PageID(0), testPageSize)
	s := WrapStatePage(raw)
	s.InitEmpty()
	return s
}

func TestStatePageInitEmpty(t *testing.T) {
	s := newTestStatePage(t)
	require.EqualValues(t, 0, s.GetSize())
	require.EqualValues(t, 0, s.GetRecordsSize())
	require.EqualValues(t, 0, s.GetTombstonesCount())
	for i := 0; i < FreeListSize; i++ {
		require.Equal(t, NoNext, s.GetFreeListPage(i))
	}
}

func TestStatePageCounterRoundTrip(t *testing.T) {
	s := newTestStatePage(t)
	s.SetSize(42)
	s.SetRecordsSize(12345)
	s.SetTombstonesCount(7)

	require.EqualValues(t, 42, s.GetSize())
	require.EqualValues(t, 12345, s.GetRecordsSize())
	require.EqualValues(t, 7, s.GetTombstonesCount())
}

func TestStatePageFreeListRoundTrip(t *testing.T) {
	s := newTestStatePage(t)
	s.SetFreeListPage(5, 100)
	require.EqualValues(t, 100, s.GetFreeListPage(5))
	require.EqualValues(t, NoNext, s.GetFreeListPage(4), "unrelated buckets stay untouched")
}

func TestCalculateFreePageIndexBuckets(t *testing.T) {
	require.Equal(t, 0, CalculateFreePageIndex(0))
	require.Equal(t, 0, CalculateFreePageIndex(1023))
	require.Equal(t, 1, CalculateFreePageIndex(1024))
	require.Equal(t, FreeListSize-1, CalculateFreePageIndex(1<<30), "oversized capacities clamp to the top bucket")
}
