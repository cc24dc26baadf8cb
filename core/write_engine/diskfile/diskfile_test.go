package diskfile

import (
	"path/filepath"
	"testing"

	pagemanager "github.com/ferrodb/ferrodb/core/write_engine/page_manager"
	"github.com/stretchr/testify/require"
)

const testMagic = 0xFE12D01A

func TestCreateOpenAndPageRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cluster.pcl")

	df, err := Create(path, testMagic, 1024)
	require.NoError(t, err)

	id, err := df.AllocatePage()
	require.NoError(t, err)
	require.Equal(t, pagemanager.PageID(1), id)

	payload := make([]byte, 1024)
	copy(payload, []byte("hello page"))
	require.NoError(t, df.WritePage(id, payload))
	require.NoError(t, df.Close())

	reopened, err := Open(path, testMagic, 1024)
	require.NoError(t, err)
	defer reopened.Close()

	buf := make([]byte, 1024)
	require.NoError(t, reopened.ReadPage(id, buf))
	require.Equal(t, payload, buf)
}

func TestOpenRejectsWrongMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cluster.pcl")
	df, err := Create(path, testMagic, 1024)
	require.NoError(t, err)
	require.NoError(t, df.Close())

	_, err = Open(path, testMagic+1, 1024)
	require.Error(t, err)
}

func TestReadUnallocatedPageFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cluster.pcl")
	df, err := Create(path, testMagic, 1024)
	require.NoError(t, err)
	defer df.Close()

	buf := make([]byte, 1024)
	err = df.ReadPage(pagemanager.PageID(99), buf)
	require.Error(t, err)
}

func TestTruncateDropsTrailingPages(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cluster.pcl")
	df, err := Create(path, testMagic, 256)
	require.NoError(t, err)
	defer df.Close()

	for i := 0; i < 5; i++ {
		_, err := df.AllocatePage()
		require.NoError(t, err)
	}
	require.Equal(t, uint64(6), df.FilledUpTo())

	require.NoError(t, df.Truncate(2))
	require.Equal(t, uint64(2), df.FilledUpTo())
}
