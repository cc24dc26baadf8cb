package wal

import (
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	pagemanager "github.com/ferrodb/ferrodb/core/write_engine/page_manager"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupLogManager(t *testing.T) *LogManager {
	t.Helper()
	tempDir := t.TempDir()
	logDir := filepath.Join(tempDir, "log")
	archiveDir := filepath.Join(tempDir, "archive")

	lm, err := NewLogManager(logDir, archiveDir, 4096, 1<<20, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { lm.Close() })
	return lm
}

func TestAppendAssignsMonotonicLSNs(t *testing.T) {
	lm := setupLogManager(t)
	opID := uuid.New()

	lsn1, err := lm.Append(&LogRecord{OpID: opID, Type: RecordTypeBegin, FileID: 1})
	require.NoError(t, err)

	lsn2, err := lm.Append(&LogRecord{
		OpID:    opID,
		Type:    RecordTypePageUpdate,
		FileID:  1,
		PageID:  pagemanager.PageID(3),
		NewData: []byte("page-image"),
	})
	require.NoError(t, err)

	require.Less(t, lsn1, lsn2)
}

func TestSyncFlushesBufferToDisk(t *testing.T) {
	lm := setupLogManager(t)
	opID := uuid.New()

	_, err := lm.Append(&LogRecord{OpID: opID, Type: RecordTypeCommit, FileID: 1})
	require.NoError(t, err)
	require.NoError(t, lm.Sync())
}

type fakeApplier struct {
	written map[pagemanager.PageID][]byte
}

func (f *fakeApplier) WritePageRaw(pageID pagemanager.PageID, data []byte) error {
	if f.written == nil {
		f.written = make(map[pagemanager.PageID][]byte)
	}
	f.written[pageID] = append([]byte{}, data...)
	return nil
}

func TestRecoverRedoesOnlyCommittedOperations(t *testing.T) {
	lm := setupLogManager(t)

	committedOp := uuid.New()
	_, err := lm.Append(&LogRecord{OpID: committedOp, Type: RecordTypeBegin, FileID: 1})
	require.NoError(t, err)
	_, err = lm.Append(&LogRecord{
		OpID:    committedOp,
		Type:    RecordTypePageUpdate,
		FileID:  1,
		PageID:  pagemanager.PageID(5),
		NewData: []byte("committed-image"),
	})
	require.NoError(t, err)
	_, err = lm.Append(&LogRecord{OpID: committedOp, Type: RecordTypeCommit, FileID: 1})
	require.NoError(t, err)

	abortedOp := uuid.New()
	_, err = lm.Append(&LogRecord{OpID: abortedOp, Type: RecordTypeBegin, FileID: 1})
	require.NoError(t, err)
	_, err = lm.Append(&LogRecord{
		OpID:    abortedOp,
		Type:    RecordTypePageUpdate,
		FileID:  1,
		PageID:  pagemanager.PageID(6),
		NewData: []byte("aborted-image"),
	})
	require.NoError(t, err)
	_, err = lm.Append(&LogRecord{OpID: abortedOp, Type: RecordTypeAbort, FileID: 1})
	require.NoError(t, err)

	require.NoError(t, lm.Sync())

	applier := &fakeApplier{}
	require.NoError(t, lm.Recover(1, applier, InvalidLSN))

	require.Equal(t, []byte("committed-image"), applier.written[pagemanager.PageID(5)])
	_, aborted := applier.written[pagemanager.PageID(6)]
	require.False(t, aborted)
}

func TestLogRecordSerializeRoundTrip(t *testing.T) {
	lr := &LogRecord{
		OpID:    uuid.New(),
		Type:    RecordTypePageUpdate,
		FileID:  2,
		PageID:  pagemanager.PageID(9),
		OldData: []byte("before"),
		NewData: []byte("after"),
	}
	serialized, err := lr.Serialize()
	require.NoError(t, err)
	require.Equal(t, lr.Size(), len(serialized))

	var out LogRecord
	require.NoError(t, out.Deserialize(serialized))
	require.Equal(t, lr.OpID, out.OpID)
	require.Equal(t, lr.Type, out.Type)
	require.Equal(t, lr.FileID, out.FileID)
	require.Equal(t, lr.PageID, out.PageID)
	require.Equal(t, lr.OldData, out.OldData)
	require.Equal(t, lr.NewData, out.NewData)
}
