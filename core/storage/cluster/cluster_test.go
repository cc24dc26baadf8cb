package cluster

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestCluster(t *testing.T, mutate func(*Config)) *Cluster {
	t.Helper()
	cfg := DefaultConfig(1, "widgets")
	if mutate != nil {
		mutate(&cfg)
	}
	c := Configure(t.TempDir(), cfg, nil, nil)
	require.NoError(t, c.Create())
	t.Cleanup(func() { c.Close() })
	return c
}

func TestCreateAndReadSmallRecord(t *testing.T) {
	c := newTestCluster(t, nil)

	pos, version, err := c.CreateRecord([]byte("hello world"), 1, InvalidPosition)
	require.NoError(t, err)
	require.EqualValues(t, 1, version)

	rec, err := c.ReadRecord(pos)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(rec.Data))
	require.EqualValues(t, 1, rec.RecordType)
	require.EqualValues(t, 1, rec.Version)

	entries, err := c.GetEntries()
	require.NoError(t, err)
	require.EqualValues(t, 1, entries)
}

func TestCreateLargeRecordSpansMultipleChunks(t *testing.T) {
	c := newTestCluster(t, nil)

	payload := make([]byte, 200000)
	for i := range payload {
		payload[i] = byte(i % 251)
	}

	pos, _, err := c.CreateRecord(payload, 2, InvalidPosition)
	require.NoError(t, err)

	rec, err := c.ReadRecord(pos)
	require.NoError(t, err)
	require.Equal(t, payload, rec.Data)

	recordsSize, err := c.GetRecordsSize()
	require.NoError(t, err)
	require.Greater(t, recordsSize, uint64(len(payload)), "the chain's on-disk footprint includes per-chunk overhead")
}

func TestUpdateRecordSameSizeUsesInPlaceFastPath(t *testing.T) {
	c := newTestCluster(t, nil)

	pos, _, err := c.CreateRecord([]byte("aaaaaaaaaa"), 1, InvalidPosition)
	require.NoError(t, err)
	before, err := c.GetPhysicalPosition(pos)
	require.NoError(t, err)

	version, err := c.UpdateRecord(pos, []byte("bbbbbbbbbb"), 1, 1)
	require.NoError(t, err)
	require.EqualValues(t, 2, version)

	after, err := c.GetPhysicalPosition(pos)
	require.NoError(t, err)
	require.Equal(t, before, after, "same-size update must not move the chain's head entry")

	rec, err := c.ReadRecord(pos)
	require.NoError(t, err)
	require.Equal(t, "bbbbbbbbbb", string(rec.Data))
}

func TestUpdateRecordDifferentSizeRewritesChain(t *testing.T) {
	c := newTestCluster(t, nil)

	pos, _, err := c.CreateRecord([]byte("short"), 1, InvalidPosition)
	require.NoError(t, err)

	bigger := make([]byte, 5000)
	for i := range bigger {
		bigger[i] = byte('z')
	}
	version, err := c.UpdateRecord(pos, bigger, 1, 1)
	require.NoError(t, err)
	require.EqualValues(t, 2, version)

	rec, err := c.ReadRecord(pos)
	require.NoError(t, err)
	require.Equal(t, bigger, rec.Data)
}

func TestUpdateRecordRejectsStaleVersion(t *testing.T) {
	c := newTestCluster(t, nil)

	pos, _, err := c.CreateRecord([]byte("v1"), 1, InvalidPosition)
	require.NoError(t, err)

	_, err = c.UpdateRecord(pos, []byte("v2"), 1, 1)
	require.NoError(t, err)

	_, err = c.UpdateRecord(pos, []byte("v3-stale"), 1, 1)
	require.Error(t, err, "the conflict strategy must reject an update against an already-superseded version")
}

func TestDeleteThenRecycleRecord(t *testing.T) {
	c := newTestCluster(t, nil)

	pos, _, err := c.CreateRecord([]byte("to be deleted"), 1, InvalidPosition)
	require.NoError(t, err)

	ok, err := c.DeleteRecord(pos)
	require.NoError(t, err)
	require.True(t, ok)

	rec, err := c.ReadRecord(pos)
	require.NoError(t, err)
	require.Nil(t, rec, "a deleted position has no record")

	tombstones, err := c.GetTombstonesCount()
	require.NoError(t, err)
	require.EqualValues(t, 1, tombstones)

	count, err := c.RecycleRecord(pos, []byte("resurrected"), 3)
	require.NoError(t, err)
	require.EqualValues(t, 1, count)

	rec, err = c.ReadRecord(pos)
	require.NoError(t, err)
	require.Equal(t, "resurrected", string(rec.Data))

	tombstones, err = c.GetTombstonesCount()
	require.NoError(t, err)
	require.EqualValues(t, 0, tombstones)
}

func TestHideRecordLeavesBytesAllocated(t *testing.T) {
	c := newTestCluster(t, nil)

	pos, _, err := c.CreateRecord([]byte("hidden but not gone"), 1, InvalidPosition)
	require.NoError(t, err)

	recordsSizeBefore, err := c.GetRecordsSize()
	require.NoError(t, err)

	ok, err := c.HideRecord(pos)
	require.NoError(t, err)
	require.True(t, ok)

	rec, err := c.ReadRecord(pos)
	require.NoError(t, err)
	require.Nil(t, rec, "a hidden record is invisible to ReadRecord")

	recordsSizeAfter, err := c.GetRecordsSize()
	require.NoError(t, err)
	require.Equal(t, recordsSizeBefore, recordsSizeAfter, "hide never reclaims bytes")

	entries, err := c.GetEntries()
	require.NoError(t, err)
	require.EqualValues(t, 0, entries)

	tombstones, err := c.GetTombstonesCount()
	require.NoError(t, err)
	require.EqualValues(t, 1, tombstones)
}

func TestAllocatePositionThenCreateAtAllocated(t *testing.T) {
	c := newTestCluster(t, nil)

	pos, err := c.AllocatePosition()
	require.NoError(t, err)

	bound, version, err := c.CreateRecord([]byte("bound to a preallocated slot"), 1, pos)
	require.NoError(t, err)
	require.Equal(t, pos, bound)
	require.EqualValues(t, 1, version)

	rec, err := c.ReadRecord(pos)
	require.NoError(t, err)
	require.Equal(t, "bound to a preallocated slot", string(rec.Data))
}

func TestNavigationAcrossMultiplePositions(t *testing.T) {
	c := newTestCluster(t, nil)

	var positions []ClusterPosition
	for i := 0; i < 4; i++ {
		pos, _, err := c.CreateRecord([]byte{byte(i)}, 1, InvalidPosition)
		require.NoError(t, err)
		positions = append(positions, pos)
	}

	first, err := c.GetFirstPosition()
	require.NoError(t, err)
	require.Equal(t, positions[0], first)

	last, err := c.GetLastPosition()
	require.NoError(t, err)
	require.Equal(t, positions[3], last)

	next, err := c.GetNextPosition(positions[1])
	require.NoError(t, err)
	require.Equal(t, positions[2], next)
}

func TestReadRecordIfVersionIsNotLatestShortCircuits(t *testing.T) {
	c := newTestCluster(t, nil)

	pos, version, err := c.CreateRecord([]byte("v1"), 1, InvalidPosition)
	require.NoError(t, err)

	rec, err := c.ReadRecordIfVersionIsNotLatest(pos, version)
	require.NoError(t, err)
	require.Nil(t, rec, "caller's version already matches what is stored")

	rec, err = c.ReadRecordIfVersionIsNotLatest(pos, version-1)
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, "v1", string(rec.Data))
}

func TestEncryptedClusterRoundTrips(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	c := newTestCluster(t, func(cfg *Config) {
		cfg.Encryption = "aes-gcm"
		cfg.EncryptionKey = key
	})

	pos, _, err := c.CreateRecord([]byte("top secret payload"), 1, InvalidPosition)
	require.NoError(t, err)

	rec, err := c.ReadRecord(pos)
	require.NoError(t, err)
	require.Equal(t, "top secret payload", string(rec.Data))
}

func TestCompressedClusterRoundTrips(t *testing.T) {
	c := newTestCluster(t, func(cfg *Config) {
		cfg.Compression = "xz"
	})

	payload := []byte("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	pos, _, err := c.CreateRecord(payload, 1, InvalidPosition)
	require.NoError(t, err)

	rec, err := c.ReadRecord(pos)
	require.NoError(t, err)
	require.Equal(t, payload, rec.Data)
}

func TestAbsoluteIteratorWalksLiveRecordsOnly(t *testing.T) {
	c := newTestCluster(t, nil)

	var positions []ClusterPosition
	for i := 0; i < 3; i++ {
		pos, _, err := c.CreateRecord([]byte{byte('a' + i)}, 1, InvalidPosition)
		require.NoError(t, err)
		positions = append(positions, pos)
	}
	ok, err := c.DeleteRecord(positions[1])
	require.NoError(t, err)
	require.True(t, ok)

	it := c.AbsoluteIterator()
	var seen []ClusterPosition
	for {
		has, err := it.HasNext()
		require.NoError(t, err)
		if !has {
			break
		}
		pos, _, err := it.Next()
		require.NoError(t, err)
		seen = append(seen, pos)
	}
	require.Equal(t, []ClusterPosition{positions[0], positions[2]}, seen)
}

func TestTruncateResetsClusterToEmpty(t *testing.T) {
	c := newTestCluster(t, nil)

	for i := 0; i < 3; i++ {
		_, _, err := c.CreateRecord([]byte{byte(i)}, 1, InvalidPosition)
		require.NoError(t, err)
	}

	require.NoError(t, c.Truncate())

	entries, err := c.GetEntries()
	require.NoError(t, err)
	require.EqualValues(t, 0, entries)

	pos, _, err := c.CreateRecord([]byte("fresh start"), 1, InvalidPosition)
	require.NoError(t, err)
	require.EqualValues(t, 0, pos)
}

func TestSetRenamesClusterFiles(t *testing.T) {
	c := newTestCluster(t, nil)

	pos, _, err := c.CreateRecord([]byte("before rename"), 1, InvalidPosition)
	require.NoError(t, err)

	require.NoError(t, c.Set(AttrName, "gadgets"))

	rec, err := c.ReadRecord(pos)
	require.NoError(t, err)
	require.Equal(t, "before rename", string(rec.Data))
}
