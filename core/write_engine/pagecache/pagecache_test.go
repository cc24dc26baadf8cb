package pagecache

import (
	"path/filepath"
	"testing"

	"github.com/ferrodb/ferrodb/core/write_engine/diskfile"
	"github.com/stretchr/testify/require"
)

const testMagic = 0xCA7E01

func newTestFile(t *testing.T, pageSize int) *diskfile.File {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.pcl")
	f, err := diskfile.Create(path, testMagic, uint32(pageSize))
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func TestNewPageAndFetchRoundTrip(t *testing.T) {
	f := newTestFile(t, 512)
	c := New(4, 512, nil, nil)
	c.RegisterFile(1, f)

	page, err := c.NewPage(1)
	require.NoError(t, err)
	key := Key{FileID: 1, PageID: page.GetPageID()}

	payload := make([]byte, 512)
	copy(payload, []byte("frame contents"))
	page.SetData(payload)
	require.NoError(t, c.UnpinPage(key, true))
	require.NoError(t, c.FlushPage(key))
	c.InvalidatePage(key)

	fetched, err := c.FetchPage(key)
	require.NoError(t, err)
	require.Equal(t, payload, fetched.GetData())
}

func TestEvictionFlushesDirtyVictims(t *testing.T) {
	f := newTestFile(t, 256)
	c := New(1, 256, nil, nil)
	c.RegisterFile(1, f)

	p1, err := c.NewPage(1)
	require.NoError(t, err)
	k1 := Key{FileID: 1, PageID: p1.GetPageID()}
	p1.SetData([]byte("page one data..."))
	require.NoError(t, c.UnpinPage(k1, true))

	p2, err := c.NewPage(1)
	require.NoError(t, err)
	k2 := Key{FileID: 1, PageID: p2.GetPageID()}
	require.NoError(t, c.UnpinPage(k2, false))

	buf := make([]byte, 256)
	require.NoError(t, f.ReadPage(k1.PageID, buf))
	require.Contains(t, string(buf), "page one data...")
}

func TestFetchUnregisteredFileFails(t *testing.T) {
	c := New(2, 128, nil, nil)
	_, err := c.FetchPage(Key{FileID: 99, PageID: 0})
	require.Error(t, err)
}
