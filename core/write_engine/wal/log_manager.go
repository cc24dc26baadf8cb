// Package wal implements the write-ahead log that every atomic operation on
// a paginated cluster appends to before its pages are considered durable.
package wal

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	pagemanager "github.com/ferrodb/ferrodb/core/write_engine/page_manager"
	"go.uber.org/zap"
)

// LSN is a byte offset into the logical (concatenation of all segments) log
// stream. It doubles as a durability watermark: a page carrying LSN N is
// guaranteed redoable as long as the log holds record N.
type LSN pagemanager.LSN

const InvalidLSN LSN = 0

// RecordType identifies the kind of mutation a LogRecord describes.
type RecordType byte

const (
	RecordTypeBegin      RecordType = iota + 1 // start of an atomic operation
	RecordTypePageUpdate                       // full-page image after mutation
	RecordTypeNewPage                          // allocation of a new page
	RecordTypeFreePage                         // deallocation of a page
	RecordTypeCommit                           // atomic operation committed
	RecordTypeAbort                            // atomic operation rolled back
	RecordTypeCheckpoint                       // periodic checkpoint marker
)

func (t RecordType) String() string {
	switch t {
	case RecordTypeBegin:
		return "BEGIN"
	case RecordTypePageUpdate:
		return "PAGE_UPDATE"
	case RecordTypeNewPage:
		return "NEW_PAGE"
	case RecordTypeFreePage:
		return "FREE_PAGE"
	case RecordTypeCommit:
		return "COMMIT"
	case RecordTypeAbort:
		return "ABORT"
	case RecordTypeCheckpoint:
		return "CHECKPOINT"
	default:
		return "UNKNOWN"
	}
}

// LogRecord is a single entry in the write-ahead log.
type LogRecord struct {
	LSN     LSN
	OpID    uuid.UUID // atomic operation this record belongs to
	Type    RecordType
	FileID  uint32             // which backing file (cluster data file, position map, ...)
	PageID  pagemanager.PageID // page affected, if applicable
	OldData []byte             // page image before the mutation, for undo
	NewData []byte             // page image after the mutation, for redo
}

// LogManager owns the active log segment, a bounded in-memory write buffer,
// and a background flusher that periodically syncs buffered records to disk.
type LogManager struct {
	logDir     string
	archiveDir string
	logger     *zap.Logger

	logFile                  *os.File
	currentSegmentID         uint64
	currentLSN               LSN
	currentSegmentFileOffset int64

	buffer           *bytes.Buffer
	mu               sync.Mutex
	flushCond        *sync.Cond
	bufferSize       int
	segmentSizeLimit int64

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewLogManager creates and initializes a new LogManager, locating the most
// recent log segment (or creating the first one) and starting the
// background flusher goroutine.
func NewLogManager(logDir, archiveDir string, bufferSize int, segmentSizeLimit int64, logger *zap.Logger) (*LogManager, error) {
	if bufferSize <= 0 {
		return nil, fmt.Errorf("log buffer size must be positive")
	}
	if segmentSizeLimit <= 0 {
		return nil, fmt.Errorf("log segment size limit must be positive")
	}
	if segmentSizeLimit < int64(bufferSize) {
		return nil, fmt.Errorf("log segment size limit (%d) must be >= buffer size (%d)", segmentSizeLimit, bufferSize)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", logDir, err)
	}
	if err := os.MkdirAll(archiveDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory %s: %w", archiveDir, err)
	}

	lm := &LogManager{
		logDir:           logDir,
		archiveDir:       archiveDir,
		logger:           logger,
		buffer:           bytes.NewBuffer(make([]byte, 0, bufferSize)),
		bufferSize:       bufferSize,
		segmentSizeLimit: segmentSizeLimit,
		stopChan:         make(chan struct{}),
	}
	lm.flushCond = sync.NewCond(&lm.mu)

	if err := lm.findOrCreateLatestLogSegment(); err != nil {
		return nil, fmt.Errorf("failed to initialize log segment: %w", err)
	}

	lm.wg.Add(1)
	go lm.flusher()

	logger.Info("wal log manager initialized",
		zap.String("logDir", logDir),
		zap.Uint64("segmentID", lm.currentSegmentID),
		zap.Uint64("lsn", uint64(lm.currentLSN)))
	return lm, nil
}

// GetCurrentLSN returns the next LSN that will be assigned.
func (lm *LogManager) GetCurrentLSN() LSN {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.currentLSN
}

// findOrCreateLatestLogSegment scans logDir and archiveDir for existing
// segments and resumes at the end of the latest active one, or creates
// segment 1 if none exist. Must be called before any Append.
func (lm *LogManager) findOrCreateLatestLogSegment() error {
	type segInfo struct {
		path string
		id   uint64
		size int64
	}
	var segments []segInfo

	for _, dir := range []string{lm.logDir, lm.archiveDir} {
		files, err := os.ReadDir(dir)
		if err != nil {
			return fmt.Errorf("failed to read directory %s: %w", dir, err)
		}
		for _, file := range files {
			if file.IsDir() || !strings.HasPrefix(file.Name(), "log_") || !strings.HasSuffix(file.Name(), ".log") {
				continue
			}
			parts := strings.Split(strings.TrimSuffix(file.Name(), ".log"), "_")
			if len(parts) != 2 {
				continue
			}
			id, err := strconv.ParseUint(parts[1], 10, 64)
			if err != nil {
				continue
			}
			info, _ := file.Info()
			segments = append(segments, segInfo{filepath.Join(dir, file.Name()), id, info.Size()})
		}
	}

	sort.Slice(segments, func(i, j int) bool { return segments[i].id < segments[j].id })

	var globalLSN LSN
	var latestActiveID uint64
	var latestActiveSize int64
	for _, seg := range segments {
		globalLSN += LSN(seg.size)
		if filepath.Dir(seg.path) == lm.logDir {
			latestActiveID = seg.id
			latestActiveSize = seg.size
		}
	}

	if latestActiveID == 0 {
		lm.currentSegmentID = 1
		lm.currentLSN = 0
		lm.currentSegmentFileOffset = 0
	} else {
		lm.currentSegmentID = latestActiveID
		lm.currentLSN = globalLSN
		lm.currentSegmentFileOffset = latestActiveSize
	}

	path := lm.getLogSegmentPath(lm.currentSegmentID)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		return fmt.Errorf("failed to open/create log segment %s: %w", path, err)
	}
	lm.logFile = f
	return nil
}

func (lm *LogManager) getLogSegmentPath(segmentID uint64) string {
	return filepath.Join(lm.logDir, fmt.Sprintf("log_%05d.log", segmentID))
}

// Append assigns an LSN to record, buffers its serialized form, and flushes
// the buffer to the active segment, rotating segments as needed. The record
// is on the OS's file buffer when Append returns; call Sync for durability.
func (lm *LogManager) Append(record *LogRecord) (LSN, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	record.LSN = lm.currentLSN

	serialized, err := record.Serialize()
	if err != nil {
		return InvalidLSN, fmt.Errorf("failed to serialize log record: %w", err)
	}
	recordSize := int64(len(serialized))

	if lm.buffer.Len()+int(recordSize) > lm.bufferSize {
		if err := lm.flushInternal(); err != nil {
			return InvalidLSN, fmt.Errorf("failed to flush log buffer before append: %w", err)
		}
	}

	if lm.currentSegmentFileOffset+recordSize > lm.segmentSizeLimit {
		if err := lm.rollLogSegment(); err != nil {
			return InvalidLSN, fmt.Errorf("failed to roll log segment before append: %w", err)
		}
	}

	if _, err := lm.buffer.Write(serialized); err != nil {
		return InvalidLSN, fmt.Errorf("failed to write record to log buffer: %w", err)
	}

	lm.currentLSN += LSN(recordSize)
	lm.currentSegmentFileOffset += recordSize

	if lm.buffer.Len() >= lm.bufferSize/2 {
		lm.flushCond.Signal()
	}
	if err := lm.flushInternal(); err != nil {
		return InvalidLSN, fmt.Errorf("failed to flush log buffer after append: %w", err)
	}

	return record.LSN, nil
}

// Sync flushes the buffer and fsyncs the active segment file, guaranteeing
// every record appended so far survives a crash.
func (lm *LogManager) Sync() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if err := lm.flushInternal(); err != nil {
		return fmt.Errorf("failed to flush log buffer: %w", err)
	}
	if lm.logFile != nil {
		if err := lm.logFile.Sync(); err != nil {
			return fmt.Errorf("failed to sync log file: %w", err)
		}
	}
	return nil
}

// PageApplier writes a redone page image to the backing store during
// recovery. A diskfile.File satisfies this interface.
type PageApplier interface {
	WritePageRaw(pageID pagemanager.PageID, data []byte) error
}

// Recover replays every record with LSN >= lastLSN for the given file,
// reapplying committed atomic operations' page images and discarding pages
// touched only by operations that never reached a commit record.
func (lm *LogManager) Recover(fileID uint32, applier PageApplier, lastLSN LSN) error {
	lm.mu.Lock()
	segments, err := lm.getOrderedLogSegments()
	lm.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to enumerate log segments for recovery: %w", err)
	}

	committed := make(map[uuid.UUID]bool)
	pending := make(map[uuid.UUID][]*LogRecord)

	for _, seg := range segments {
		f, err := os.Open(seg.path)
		if err != nil {
			return fmt.Errorf("failed to open log segment %s for recovery: %w", seg.path, err)
		}
		reader := bufio.NewReader(f)
		for {
			lr := &LogRecord{}
			if err := lm.readLogRecord(reader, lr); err != nil {
				if err == io.EOF {
					break
				}
				lm.logger.Warn("stopping recovery scan of segment on read error",
					zap.String("segment", seg.path), zap.Error(err))
				break
			}
			switch lr.Type {
			case RecordTypeCommit:
				committed[lr.OpID] = true
			case RecordTypeAbort:
				delete(pending, lr.OpID)
			case RecordTypePageUpdate, RecordTypeNewPage, RecordTypeFreePage:
				if lr.FileID == fileID {
					pending[lr.OpID] = append(pending[lr.OpID], lr)
				}
			}
		}
		f.Close()
	}

	for opID, records := range pending {
		if !committed[opID] {
			continue
		}
		for _, lr := range records {
			if lr.LSN < lastLSN {
				continue
			}
			switch lr.Type {
			case RecordTypePageUpdate, RecordTypeNewPage:
				if err := applier.WritePageRaw(lr.PageID, lr.NewData); err != nil {
					return fmt.Errorf("failed to redo page %d: %w", lr.PageID, err)
				}
			case RecordTypeFreePage:
				// Free-page records carry the final (post-free) image in NewData.
				if err := applier.WritePageRaw(lr.PageID, lr.NewData); err != nil {
					return fmt.Errorf("failed to redo free of page %d: %w", lr.PageID, err)
				}
			}
		}
	}
	return nil
}

func (lm *LogManager) readLogRecord(reader *bufio.Reader, lr *LogRecord) error {
	fixed := make([]byte, 8+16+1+4+8)
	if _, err := io.ReadFull(reader, fixed); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return io.EOF
		}
		return fmt.Errorf("failed to read fixed log record header: %w", err)
	}
	r := bytes.NewReader(fixed)
	binary.Read(r, binary.LittleEndian, &lr.LSN)
	opIDBytes := make([]byte, 16)
	io.ReadFull(r, opIDBytes)
	copy(lr.OpID[:], opIDBytes)
	binary.Read(r, binary.LittleEndian, &lr.Type)
	binary.Read(r, binary.LittleEndian, &lr.FileID)
	binary.Read(r, binary.LittleEndian, &lr.PageID)

	var oldLen, newLen uint32
	if err := binary.Read(reader, binary.LittleEndian, &oldLen); err != nil {
		return io.ErrUnexpectedEOF
	}
	lr.OldData = make([]byte, oldLen)
	if _, err := io.ReadFull(reader, lr.OldData); err != nil {
		return io.ErrUnexpectedEOF
	}
	if err := binary.Read(reader, binary.LittleEndian, &newLen); err != nil {
		return io.ErrUnexpectedEOF
	}
	lr.NewData = make([]byte, newLen)
	if _, err := io.ReadFull(reader, lr.NewData); err != nil {
		return io.ErrUnexpectedEOF
	}
	return nil
}

type segmentRange struct {
	path           string
	id             uint64
	size           int64
	startGlobalLSN LSN
	endGlobalLSN   LSN
}

func (lm *LogManager) getOrderedLogSegments() ([]segmentRange, error) {
	type segInfo struct {
		path string
		id   uint64
		size int64
	}
	var segments []segInfo
	for _, dir := range []string{lm.logDir, lm.archiveDir} {
		files, err := os.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("failed to read directory %s: %w", dir, err)
		}
		for _, file := range files {
			if file.IsDir() || !strings.HasPrefix(file.Name(), "log_") || !strings.HasSuffix(file.Name(), ".log") {
				continue
			}
			parts := strings.Split(strings.TrimSuffix(file.Name(), ".log"), "_")
			if len(parts) != 2 {
				continue
			}
			id, err := strconv.ParseUint(parts[1], 10, 64)
			if err != nil {
				continue
			}
			info, _ := file.Info()
			segments = append(segments, segInfo{filepath.Join(dir, file.Name()), id, info.Size()})
		}
	}
	sort.Slice(segments, func(i, j int) bool { return segments[i].id < segments[j].id })

	var out []segmentRange
	var lsn LSN
	for _, seg := range segments {
		out = append(out, segmentRange{seg.path, seg.id, seg.size, lsn, lsn + LSN(seg.size)})
		lsn += LSN(seg.size)
	}
	return out, nil
}

func (lm *LogManager) flushInternal() error {
	if lm.buffer.Len() == 0 {
		return nil
	}
	if lm.logFile == nil {
		return fmt.Errorf("log file is not open, cannot flush")
	}
	n, err := lm.logFile.Write(lm.buffer.Bytes())
	if err != nil {
		return fmt.Errorf("failed to write log buffer to file: %w", err)
	}
	if n != lm.buffer.Len() {
		return fmt.Errorf("short write to log file: expected %d, wrote %d", lm.buffer.Len(), n)
	}
	lm.buffer.Reset()
	lm.flushCond.Broadcast()
	return nil
}

// rollLogSegment closes and archives the current segment and opens the next
// one. Must be called with lm.mu held.
func (lm *LogManager) rollLogSegment() error {
	if err := lm.flushInternal(); err != nil {
		return fmt.Errorf("failed to flush buffer before rolling segment: %w", err)
	}
	if lm.logFile != nil {
		if err := lm.logFile.Sync(); err != nil {
			return fmt.Errorf("failed to sync log file before rolling segment: %w", err)
		}
		if err := lm.logFile.Close(); err != nil {
			return fmt.Errorf("failed to close log file %s: %w", lm.getLogSegmentPath(lm.currentSegmentID), err)
		}
		lm.logFile = nil
	}

	oldPath := lm.getLogSegmentPath(lm.currentSegmentID)
	archivePath := filepath.Join(lm.archiveDir, filepath.Base(oldPath))
	if err := os.Rename(oldPath, archivePath); err != nil {
		return fmt.Errorf("failed to archive log segment %s: %w", oldPath, err)
	}

	lm.currentSegmentID++
	newPath := lm.getLogSegmentPath(lm.currentSegmentID)
	f, err := os.OpenFile(newPath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		return fmt.Errorf("failed to open new log segment %s: %w", newPath, err)
	}
	lm.logFile = f
	lm.currentSegmentFileOffset = 0
	lm.logger.Info("rolled wal segment", zap.Uint64("newSegmentID", lm.currentSegmentID))
	return nil
}

func (lm *LogManager) flusher() {
	defer lm.wg.Done()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-lm.stopChan:
			lm.mu.Lock()
			if err := lm.flushInternal(); err != nil {
				lm.logger.Error("final wal flush failed on stop", zap.Error(err))
			}
			if lm.logFile != nil {
				if err := lm.logFile.Sync(); err != nil {
					lm.logger.Error("final wal sync failed on stop", zap.Error(err))
				}
			}
			lm.mu.Unlock()
			return
		case <-ticker.C:
			lm.mu.Lock()
			if lm.buffer.Len() > 0 {
				if err := lm.flushInternal(); err != nil {
					lm.logger.Error("periodic wal flush failed", zap.Error(err))
				}
				if lm.logFile != nil {
					if err := lm.logFile.Sync(); err != nil {
						lm.logger.Error("periodic wal sync failed", zap.Error(err))
					}
				}
			}
			lm.mu.Unlock()
		}
	}
}

// Close stops the background flusher and archives the final segment.
func (lm *LogManager) Close() error {
	close(lm.stopChan)
	lm.wg.Wait()

	lm.mu.Lock()
	defer lm.mu.Unlock()

	if lm.buffer.Len() > 0 || (lm.logFile != nil && lm.currentSegmentFileOffset > 0) {
		if err := lm.rollLogSegment(); err != nil {
			lm.logger.Error("final wal segment roll failed on close", zap.Error(err))
		}
	} else if lm.logFile != nil {
		if err := lm.logFile.Close(); err != nil {
			lm.logger.Error("failed to close empty wal segment on close", zap.Error(err))
		}
		lm.logFile = nil
	}

	if lm.logFile != nil {
		if err := lm.logFile.Close(); err != nil {
			return fmt.Errorf("failed to close log file during final cleanup: %w", err)
		}
		lm.logFile = nil
	}
	return nil
}

// --- LogRecord wire format ---
// LSN(8) OpID(16) Type(1) FileID(4) PageID(8) OldLen(4) OldData NewLen(4) NewData

func (lr *LogRecord) Serialize() ([]byte, error) {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, lr.LSN)
	buf.Write(lr.OpID[:])
	binary.Write(buf, binary.LittleEndian, lr.Type)
	binary.Write(buf, binary.LittleEndian, lr.FileID)
	binary.Write(buf, binary.LittleEndian, lr.PageID)
	binary.Write(buf, binary.LittleEndian, uint32(len(lr.OldData)))
	buf.Write(lr.OldData)
	binary.Write(buf, binary.LittleEndian, uint32(len(lr.NewData)))
	buf.Write(lr.NewData)
	return buf.Bytes(), nil
}

func (lr *LogRecord) Deserialize(data []byte) error {
	r := bufio.NewReader(bytes.NewReader(data))
	lm := &LogManager{}
	return lm.readLogRecord(r, lr)
}

// Size returns the serialized size of the record in bytes.
func (lr *LogRecord) Size() int {
	return 8 + 16 + 1 + 4 + 8 + 4 + len(lr.OldData) + 4 + len(lr.NewData)
}
