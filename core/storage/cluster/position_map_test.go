package cluster

import (
	"path/filepath"
	"testing"

	"github.com/ferrodb/ferrodb/core/write_engine/pagecache"
	pagemanager "github.com/ferrodb/ferrodb/core/write_engine/page_manager"
	"github.com/stretchr/testify/require"
)

const testPageSize = 4096

func newTestPositionMap(t *testing.T) *PositionMap {
	t.Helper()
	cache := pagecache.New(64, testPageSize, nil, nil)
	pm, err := CreatePositionMap(filepath.Join(t.TempDir(), "test.pcm"), testPageSize, 1, cache)
	require.NoError(t, err)
	t.Cleanup(func() { pm.Close(false) })
	return pm
}

func TestPositionMapAddAndGet(t *testing.T) {
	pm := newTestPositionMap(t)

	entry := Entry{PageIndex: pagemanager.PageID(7), Slot: 3}
	pos, err := pm.Add(entry)
	require.NoError(t, err)
	require.EqualValues(t, 0, pos)

	got, err := pm.Get(pos, 0)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, entry, *got)

	status, err := pm.GetStatus(pos)
	require.NoError(t, err)
	require.Equal(t, StatusFilled, status)
}

func TestPositionMapAllocateThenUpdate(t *testing.T) {
	pm := newTestPositionMap(t)

	pos, err := pm.Allocate()
	require.NoError(t, err)

	status, err := pm.GetStatus(pos)
	require.NoError(t, err)
	require.Equal(t, StatusAllocated, status)

	got, err := pm.Get(pos, 0)
	require.NoError(t, err)
	require.Nil(t, got, "an allocated-but-unfilled position is not yet visible")

	entry := Entry{PageIndex: pagemanager.PageID(1), Slot: 0}
	require.NoError(t, pm.Update(pos, entry))

	got, err = pm.Get(pos, 0)
	require.NoError(t, err)
	require.Equal(t, entry, *got)
}

func TestPositionMapRemoveThenResurrect(t *testing.T) {
	pm := newTestPositionMap(t)

	entry := Entry{PageIndex: pagemanager.PageID(2), Slot: 1}
	pos, err := pm.Add(entry)
	require.NoError(t, err)

	require.NoError(t, pm.Remove(pos))
	status, err := pm.GetStatus(pos)
	require.NoError(t, err)
	require.Equal(t, StatusRemoved, status)

	got, err := pm.Get(pos, 0)
	require.NoError(t, err)
	require.Nil(t, got)

	newEntry := Entry{PageIndex: pagemanager.PageID(9), Slot: 4}
	require.NoError(t, pm.Resurrect(pos, newEntry))

	got, err = pm.Get(pos, 0)
	require.NoError(t, err)
	require.Equal(t, newEntry, *got)

	// Resurrecting something that is already filled must fail.
	require.Error(t, pm.Resurrect(pos, newEntry))
}

func TestPositionMapHideMarksRemoved(t *testing.T) {
	pm := newTestPositionMap(t)

	entry := Entry{PageIndex: pagemanager.PageID(5), Slot: 2}
	pos, err := pm.Add(entry)
	require.NoError(t, err)

	require.NoError(t, pm.Hide(pos))

	status, err := pm.GetStatus(pos)
	require.NoError(t, err)
	require.Equal(t, StatusRemoved, status)

	got, err := pm.Get(pos, 0)
	require.NoError(t, err)
	require.Nil(t, got, "hidden positions are invisible to Get")

	// Hiding something that is not filled must fail.
	require.Error(t, pm.Hide(pos))
}

func TestPositionMapFirstLastNextPosition(t *testing.T) {
	pm := newTestPositionMap(t)

	var positions []uint64
	for i := 0; i < 5; i++ {
		pos, err := pm.Add(Entry{PageIndex: pagemanager.PageID(i), Slot: uint32(i)})
		require.NoError(t, err)
		positions = append(positions, pos)
	}
	require.NoError(t, pm.Remove(positions[2]))

	first, ok, err := pm.FirstPosition()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, positions[0], first)

	last, ok, err := pm.LastPosition()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, positions[4], last)

	next, ok, err := pm.NextPosition(positions[1])
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, positions[3], next, "position 2 was removed, so next after 1 is 3")
}

func TestPositionMapBucketScopedNavigation(t *testing.T) {
	pm := newTestPositionMap(t)

	// entriesPerPage is testPageSize/16, far more than the eight entries
	// added here, so they all land in the same bucket (page).
	var positions []uint64
	for i := 0; i < 8; i++ {
		pos, err := pm.Add(Entry{PageIndex: pagemanager.PageID(i), Slot: uint32(i)})
		require.NoError(t, err)
		positions = append(positions, pos)
	}

	higher, err := pm.HigherPositions(positions[3])
	require.NoError(t, err)
	require.Equal(t, positions[4:], higher)

	ceiling, err := pm.CeilingPositions(positions[3])
	require.NoError(t, err)
	require.Equal(t, positions[3:], ceiling)

	lower, err := pm.LowerPositions(positions[3])
	require.NoError(t, err)
	require.Equal(t, positions[:3], lower)

	floor, err := pm.FloorPositions(positions[3])
	require.NoError(t, err)
	require.Equal(t, positions[:4], floor)
}

func TestPositionMapRenameAndReplaceFileID(t *testing.T) {
	pm := newTestPositionMap(t)
	oldPath := pm.FullName()

	newPath := filepath.Join(filepath.Dir(oldPath), "renamed.pcm")
	require.NoError(t, pm.Rename(newPath))
	require.Equal(t, newPath, pm.FullName())

	require.NoError(t, pm.ReplaceFileID(42))
	require.EqualValues(t, 42, pm.FileID())
}

func TestPositionMapTruncateResetsAllocator(t *testing.T) {
	pm := newTestPositionMap(t)

	for i := 0; i < 3; i++ {
		_, err := pm.Add(Entry{PageIndex: pagemanager.PageID(i), Slot: uint32(i)})
		require.NoError(t, err)
	}

	require.NoError(t, pm.Truncate())

	_, ok, err := pm.FirstPosition()
	require.NoError(t, err)
	require.False(t, ok)

	pos, err := pm.Add(Entry{PageIndex: pagemanager.PageID(99), Slot: 1})
	require.NoError(t, err)
	require.EqualValues(t, 0, pos, "allocator restarts at 0 after truncate")
}
