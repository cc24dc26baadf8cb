package txn

import (
	"fmt"
	"sync"

	pagemanager "github.com/ferrodb/ferrodb/core/write_engine/page_manager"
	"github.com/ferrodb/ferrodb/core/write_engine/wal"
	"go.uber.org/zap"
)

// Manager serializes atomic operations against a single backing file and
// ties each one's lifetime to a begin/commit or begin/abort pair in the WAL.
// Only one atomic operation may be active at a time per manager, mirroring
// the storage engine's "one atomic operation in flight per disk cache"
// invariant; callers needing concurrent operations on independent clusters
// run one Manager per cluster.
type Manager struct {
	log    *wal.LogManager
	fileID uint32
	logger *zap.Logger

	mu      sync.RWMutex // guards cur and rwLocks; held only while they are read or changed
	cur     *Operation
	rwLocks map[string]*sync.RWMutex // named resource locks acquired within the current operation
}

// NewManager creates a Manager that appends to log for the given fileID.
func NewManager(log *wal.LogManager, fileID uint32, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{log: log, fileID: fileID, logger: logger, rwLocks: make(map[string]*sync.RWMutex)}
}

// StartAtomicOperation begins a new operation. It does not wait: if an
// operation is already in flight on this manager it returns an error. It
// writes a BEGIN record so recovery can tell where the operation's page
// mutations start.
func (m *Manager) StartAtomicOperation() (*Operation, error) {
	m.mu.Lock()
	if m.cur != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("atomic operation %s already in progress", m.cur.ID)
	}
	op := newOperation()
	m.cur = op
	m.mu.Unlock()

	if _, err := m.log.Append(&wal.LogRecord{OpID: op.ID, Type: wal.RecordTypeBegin, FileID: m.fileID}); err != nil {
		m.mu.Lock()
		m.cur = nil
		m.mu.Unlock()
		return nil, fmt.Errorf("failed to append begin record: %w", err)
	}
	return op, nil
}

// GetCurrentOperation returns the operation in flight on this manager, if
// any.
func (m *Manager) GetCurrentOperation() *Operation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cur
}

// LogPageUpdate appends a redo/undo record for a page mutation performed
// within op and marks the page dirty for this operation.
func (m *Manager) LogPageUpdate(op *Operation, recordType wal.RecordType, pageID uint64, oldData, newData []byte) error {
	_, err := m.log.Append(&wal.LogRecord{
		OpID:    op.ID,
		Type:    recordType,
		FileID:  m.fileID,
		PageID:  pagemanager.PageID(pageID),
		OldData: oldData,
		NewData: newData,
	})
	if err != nil {
		return fmt.Errorf("failed to log page mutation: %w", err)
	}
	op.MarkDirty(fmt.Sprintf("%d:%d", m.fileID, pageID))
	return nil
}

// EndAtomicOperation finalizes the current operation: on rollback=true (or a
// non-nil error) it appends an ABORT record, otherwise a COMMIT record. The
// operation slot is freed either way so the next StartAtomicOperation can
// proceed.
func (m *Manager) EndAtomicOperation(op *Operation, rollback bool, cause error) error {
	m.mu.Lock()
	defer func() {
		m.cur = nil
		m.mu.Unlock()
	}()

	if rollback || cause != nil {
		op.State = StateAborted
		if _, err := m.log.Append(&wal.LogRecord{OpID: op.ID, Type: wal.RecordTypeAbort, FileID: m.fileID}); err != nil {
			return fmt.Errorf("failed to append abort record: %w", err)
		}
		m.logger.Warn("atomic operation aborted", zap.String("opID", op.ID.String()), zap.Error(cause))
		return nil
	}

	op.State = StateCommitted
	if _, err := m.log.Append(&wal.LogRecord{OpID: op.ID, Type: wal.RecordTypeCommit, FileID: m.fileID}); err != nil {
		return fmt.Errorf("failed to append commit record: %w", err)
	}
	if err := m.log.Sync(); err != nil {
		return fmt.Errorf("failed to sync wal for commit: %w", err)
	}
	return nil
}

// AcquireReadLock takes a shared lock on a named resource for the lifetime
// of the caller's critical section. Used for resources (e.g. the free-list
// bucket head) that are addressed by name rather than by a page latch.
func (m *Manager) AcquireReadLock(name string) func() {
	lock := m.namedLock(name)
	lock.RLock()
	return lock.RUnlock
}

// AcquireExclusiveLock takes an exclusive lock on a named resource.
func (m *Manager) AcquireExclusiveLock(name string) func() {
	lock := m.namedLock(name)
	lock.Lock()
	return lock.Unlock
}

func (m *Manager) namedLock(name string) *sync.RWMutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.rwLocks[name]
	if !ok {
		lock = &sync.RWMutex{}
		m.rwLocks[name] = lock
	}
	return lock
}
