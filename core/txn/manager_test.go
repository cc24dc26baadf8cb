package txn

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/ferrodb/ferrodb/core/write_engine/wal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	tempDir := t.TempDir()
	log, err := wal.NewLogManager(filepath.Join(tempDir, "log"), filepath.Join(tempDir, "archive"), 4096, 1<<20, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })
	return NewManager(log, 1, zap.NewNop())
}

func TestStartAtomicOperationRejectsConcurrentOperation(t *testing.T) {
	m := newTestManager(t)

	op, err := m.StartAtomicOperation()
	require.NoError(t, err)
	require.Equal(t, StateRunning, op.State)

	_, err = m.StartAtomicOperation()
	require.Error(t, err)

	require.NoError(t, m.EndAtomicOperation(op, false, nil))
}

func TestEndAtomicOperationCommitThenAbort(t *testing.T) {
	m := newTestManager(t)

	op, err := m.StartAtomicOperation()
	require.NoError(t, err)
	require.NoError(t, m.LogPageUpdate(op, wal.RecordTypePageUpdate, 42, nil, []byte("image")))
	require.NoError(t, m.EndAtomicOperation(op, false, nil))
	require.Equal(t, StateCommitted, op.State)
	require.Nil(t, m.GetCurrentOperation())

	op2, err := m.StartAtomicOperation()
	require.NoError(t, err)
	require.NoError(t, m.EndAtomicOperation(op2, true, errors.New("boom")))
	require.Equal(t, StateAborted, op2.State)
}

func TestNamedLocksAreExclusive(t *testing.T) {
	m := newTestManager(t)

	release := m.AcquireExclusiveLock("bucket:3")
	acquired := make(chan struct{})
	go func() {
		r := m.AcquireReadLock("bucket:3")
		r()
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("reader should not acquire while writer holds the lock")
	default:
	}
	release()
	<-acquired
}
