// Package cluster implements a paginated record cluster: a fixed-page-size
// data file holding slotted pages threaded into per-bucket free-space
// lists, and a position-map sidecar file giving every record a dense,
// reusable logical address. It is the storage engine's record-level unit,
// analogous to a table's heap segment.
package cluster

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/ferrodb/ferrodb/core/txn"
	"github.com/ferrodb/ferrodb/core/write_engine/diskfile"
	"github.com/ferrodb/ferrodb/core/write_engine/pagecache"
	pagemanager "github.com/ferrodb/ferrodb/core/write_engine/page_manager"
	"github.com/ferrodb/ferrodb/core/write_engine/wal"
	"github.com/ferrodb/ferrodb/internal/clustermetrics"

	"go.uber.org/zap"
)

// PageSize is the fixed frame size of every page in a cluster's data file,
// including its position-map sidecar. One size for both keeps a single
// pagecache.Cache instance able to serve either file.
const PageSize = 65536

// ClusterPosition is a dense logical record address, stable across
// compaction and reopen. InvalidPosition never names a real record.
type ClusterPosition int64

const InvalidPosition ClusterPosition = -1

// Record is a fully decoded, chain-reassembled value returned by reads.
type Record struct {
	Version    int
	RecordType byte
	Data       []byte
}

// Every chunk's last 9 bytes are its trailer: isHead(1) + nextPointer(8),
// at offset len-9. A head chunk additionally carries a 5-byte header
// (type(1) + totalLen(4)) at offset 0, before its data.
const (
	headChunkOverhead = 14 // header(5) + trailer(9)
	contChunkOverhead = 9  // trailer(9)
	chunkTrailerSize  = 9
)

// Cluster is the orchestrator for one paginated record cluster: it owns
// the data file, the position map, and the page cache frames both share,
// and exposes the CRUD surface the rest of the storage engine calls.
type Cluster struct {
	mu sync.RWMutex

	dir string
	cfg Config

	cache        *pagecache.Cache
	dataFileID   uint32
	posMapFileID uint32
	dataFile     *diskfile.File
	posMap       *PositionMap
	log          *wal.LogManager
	txnMgr       *txn.Manager

	compressor Compressor
	cipher     Cipher
	conflict   ConflictStrategy

	logger  *zap.Logger
	metrics *clustermetrics.ClusterMetrics

	isSystem bool
}

// Configure builds a Cluster handle for the files under dir named
// cfg.Name, without touching disk. Call Create for a brand new cluster or
// Open to attach to an existing one.
func Configure(dir string, cfg Config, logger *zap.Logger, metrics *clustermetrics.ClusterMetrics) *Cluster {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cluster{
		dir:          dir,
		cfg:          cfg,
		dataFileID:   1,
		posMapFileID: 2,
		logger:       logger,
		metrics:      metrics,
	}
}

func (c *Cluster) dataPath() string { return filepath.Join(c.dir, c.cfg.Name+".pcl") }
func (c *Cluster) mapPath() string  { return filepath.Join(c.dir, c.cfg.Name+".pcm") }
func (c *Cluster) walDir() string   { return filepath.Join(c.dir, c.cfg.Name+".wal") }

func (c *Cluster) resolveAdapters() error {
	compressor, err := LookupCompression(c.cfg.Compression)
	if err != nil {
		return err
	}
	encryptor, err := LookupEncryption(c.cfg.Encryption)
	if err != nil {
		return err
	}
	cipher, err := encryptor.NewWithKey(c.cfg.EncryptionKey)
	if err != nil {
		return err
	}
	conflict, err := LookupConflictStrategy(c.cfg.ConflictStrategy)
	if err != nil {
		return err
	}
	c.compressor, c.cipher, c.conflict = compressor, cipher, conflict
	return nil
}

// Create creates the cluster's data file, position map, and WAL directory
// from scratch, and initializes page 0's state counters.
func (c *Cluster) Create() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.resolveAdapters(); err != nil {
		return newClusterError(c.cfg.Name, err)
	}

	log, err := wal.NewLogManager(c.walDir(), filepath.Join(c.walDir(), "archive"), walBufferSize, walSegmentSizeLimit, c.logger)
	if err != nil {
		return newClusterError(c.cfg.Name, err)
	}
	c.log = log
	c.cache = pagecache.New(256, PageSize, log, c.logger)
	c.txnMgr = txn.NewManager(log, c.dataFileID, c.logger)

	dataFile, err := diskfile.Create(c.dataPath(), dataFileMagic, PageSize)
	if err != nil {
		return newClusterError(c.cfg.Name, err)
	}
	c.dataFile = dataFile
	c.cache.RegisterFile(c.dataFileID, dataFile)

	key := pagecache.Key{FileID: c.dataFileID, PageID: 0}
	raw, err := c.cache.FetchPage(key)
	if err != nil {
		return newClusterError(c.cfg.Name, err)
	}
	state := WrapStatePage(raw)
	state.InitEmpty()
	if err := c.cache.UnpinPage(key, true); err != nil {
		return newClusterError(c.cfg.Name, err)
	}

	posMap, err := CreatePositionMap(c.mapPath(), PageSize, c.posMapFileID, c.cache)
	if err != nil {
		return newClusterError(c.cfg.Name, err)
	}
	c.posMap = posMap
	return nil
}

const dataFileMagic = 0xFE44A7A0

// Open attaches to an existing cluster's files.
func (c *Cluster) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.resolveAdapters(); err != nil {
		return newClusterError(c.cfg.Name, err)
	}

	log, err := wal.NewLogManager(c.walDir(), filepath.Join(c.walDir(), "archive"), walBufferSize, walSegmentSizeLimit, c.logger)
	if err != nil {
		return newClusterError(c.cfg.Name, err)
	}
	c.log = log
	c.cache = pagecache.New(256, PageSize, log, c.logger)
	c.txnMgr = txn.NewManager(log, c.dataFileID, c.logger)

	dataFile, err := diskfile.Open(c.dataPath(), dataFileMagic, PageSize)
	if err != nil {
		return newClusterError(c.cfg.Name, err)
	}
	c.dataFile = dataFile
	c.cache.RegisterFile(c.dataFileID, dataFile)

	posMap, err := OpenPositionMap(c.mapPath(), PageSize, c.posMapFileID, c.cache)
	if err != nil {
		return newClusterError(c.cfg.Name, err)
	}
	c.posMap = posMap

	if err := log.Recover(c.dataFileID, dataFile, wal.InvalidLSN); err != nil {
		return newClusterError(c.cfg.Name, err)
	}
	return nil
}

const (
	walBufferSize       = 64 * 1024
	walSegmentSizeLimit = 16 * 1024 * 1024
)

// Exists reports whether this cluster's data file is present on disk with a
// valid header, by opening it and closing it again.
func (c *Cluster) Exists() bool {
	f, err := diskfile.Open(c.dataPath(), dataFileMagic, PageSize)
	if err != nil {
		return false
	}
	f.Close()
	return true
}

// Close flushes and releases every open file handle.
func (c *Cluster) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.posMap.Close(true); err != nil {
		return newClusterError(c.cfg.Name, err)
	}
	if err := c.cache.FlushAllPages(c.dataFileID); err != nil {
		return newClusterError(c.cfg.Name, err)
	}
	if err := c.dataFile.Close(); err != nil {
		return newClusterError(c.cfg.Name, err)
	}
	return c.log.Close()
}

// Synch forces every dirty page and the WAL buffer to disk without
// closing any file.
func (c *Cluster) Synch() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.cache.FlushAllPages(c.dataFileID); err != nil {
		return err
	}
	if err := c.posMap.Flush(); err != nil {
		return err
	}
	if err := c.log.Sync(); err != nil {
		return err
	}
	return c.dataFile.Sync()
}

// Delete removes the cluster's files from disk entirely.
func (c *Cluster) Delete() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.posMap.Delete(); err != nil {
		return newClusterError(c.cfg.Name, err)
	}
	return c.dataFile.Delete()
}

// Truncate empties the cluster in place: every record is dropped, counters
// reset, and position numbering restarts at zero.
func (c *Cluster) Truncate() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.dataFile.Truncate(1); err != nil {
		return newClusterError(c.cfg.Name, err)
	}
	c.cache.InvalidateFile(c.dataFileID)
	key := pagecache.Key{FileID: c.dataFileID, PageID: 0}
	raw, err := c.cache.FetchPage(key)
	if err != nil {
		return newClusterError(c.cfg.Name, err)
	}
	WrapStatePage(raw).InitEmpty()
	if err := c.cache.UnpinPage(key, true); err != nil {
		return newClusterError(c.cfg.Name, err)
	}
	return c.posMap.Truncate()
}

// IsSystemCluster reports whether this cluster backs system metadata
// rather than user data. Configure never sets the flag and nothing else
// changes it, so it always reports false.
func (c *Cluster) IsSystemCluster() bool { return c.isSystem }

// RecordGrowFactor returns the configured record grow factor. The value is
// stored and reported as set; chunk sizing does not apply it.
func (c *Cluster) RecordGrowFactor() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg.RecordGrowFactor
}

// RecordOverflowGrowFactor returns the configured overflow grow factor. The
// value is stored and reported as set; chunk sizing does not apply it.
func (c *Cluster) RecordOverflowGrowFactor() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg.RecordOverflowGrowFactor
}

// Compression returns the registry key of this cluster's compressor.
func (c *Cluster) Compression() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg.Compression
}

// Encryption returns the registry key of this cluster's encryptor.
func (c *Cluster) Encryption() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg.Encryption
}

func (c *Cluster) statePage() (*StatePage, func(dirty bool) error, error) {
	key := pagecache.Key{FileID: c.dataFileID, PageID: 0}
	raw, err := c.cache.FetchPage(key)
	if err != nil {
		return nil, nil, err
	}
	release := func(dirty bool) error { return c.cache.UnpinPage(key, dirty) }
	return WrapStatePage(raw), release, nil
}

// GetEntries returns the number of currently visible (FILLED) records.
func (c *Cluster) GetEntries() (uint64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	state, release, err := c.statePage()
	if err != nil {
		return 0, err
	}
	defer release(false)
	return state.GetSize(), nil
}

// GetRecordsSize returns the total byte footprint of every live chunk,
// including chain overhead, across all records (hidden records' bytes are
// included; they are never reclaimed).
func (c *Cluster) GetRecordsSize() (uint64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	state, release, err := c.statePage()
	if err != nil {
		return 0, err
	}
	defer release(false)
	return state.GetRecordsSize(), nil
}

// GetTombstonesCount returns the number of positions currently hidden or
// removed.
func (c *Cluster) GetTombstonesCount() (uint64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	state, release, err := c.statePage()
	if err != nil {
		return 0, err
	}
	defer release(false)
	return state.GetTombstonesCount(), nil
}

func (c *Cluster) bumpCounters(op *txn.Operation, deltaEntries int64, deltaBytes int64, deltaTombstones int64) error {
	state, release, err := c.statePage()
	if err != nil {
		return err
	}
	before := snapshotPage(state.Raw())
	state.SetSize(addClampedUint64(state.GetSize(), deltaEntries))
	state.SetRecordsSize(addClampedUint64(state.GetRecordsSize(), deltaBytes))
	state.SetTombstonesCount(addClampedUint64(state.GetTombstonesCount(), deltaTombstones))
	c.logPageMutation(op, wal.RecordTypePageUpdate, 0, before, snapshotPage(state.Raw()))
	return release(true)
}

func addClampedUint64(base uint64, delta int64) uint64 {
	if delta >= 0 {
		return base + uint64(delta)
	}
	d := uint64(-delta)
	if d > base {
		return 0
	}
	return base - d
}

func (c *Cluster) encode(payload []byte) ([]byte, error) {
	compressed, err := c.compressor.Compress(payload)
	if err != nil {
		return nil, err
	}
	return c.cipher.Encrypt(compressed)
}

func (c *Cluster) decode(wire []byte) ([]byte, error) {
	decrypted, err := c.cipher.Decrypt(wire)
	if err != nil {
		return nil, err
	}
	return c.compressor.Decompress(decrypted)
}

// snapshotPage copies a frame's current bytes so they can be compared
// against, or logged alongside, its state after an in-place mutation.
// raw.GetData() aliases the live buffer, so the copy must happen before
// the caller mutates it.
func snapshotPage(raw *pagemanager.Page) []byte {
	data := raw.GetData()
	out := make([]byte, len(data))
	copy(out, data)
	return out
}

// logPageMutation appends a before/after image of pageID to the WAL under
// op, skipping the append entirely when the mutation turned out to be a
// no-op.
func (c *Cluster) logPageMutation(op *txn.Operation, recordType wal.RecordType, pageID pagemanager.PageID, before, after []byte) error {
	if bytes.Equal(before, after) {
		return nil
	}
	return c.txnMgr.LogPageUpdate(op, recordType, uint64(pageID), before, after)
}

// abortOperation rolls op back: it appends the ABORT record and then drops
// every page op touched from the cache, so a partially applied mutation
// never survives to be read back by a later operation.
func (c *Cluster) abortOperation(op *txn.Operation, cause error) error {
	dirty := op.DirtyResources()
	endErr := c.txnMgr.EndAtomicOperation(op, true, cause)
	for _, resource := range dirty {
		fileIDStr, pageIDStr, ok := strings.Cut(resource, ":")
		if !ok {
			continue
		}
		fileID, err1 := strconv.ParseUint(fileIDStr, 10, 32)
		pageID, err2 := strconv.ParseUint(pageIDStr, 10, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		c.cache.InvalidatePage(pagecache.Key{FileID: uint32(fileID), PageID: pagemanager.PageID(pageID)})
	}
	return endErr
}

// findFreePage returns a page, pinned, with at least desiredTotal bytes of
// room, unlinking it from whatever free-list bucket currently holds it.
// Buckets that turn out to hold a misclassified page (its stored
// linkedBucket disagrees with what its current capacity implies) are
// repaired in place and the scan restarts from that bucket's new head,
// never recursing.
func (c *Cluster) findFreePage(op *txn.Operation, desiredTotal uint32) (*Page, pagemanager.PageID, error) {
	state, release, err := c.statePage()
	if err != nil {
		return nil, 0, err
	}
	stateBefore := snapshotPage(state.Raw())
	defer func() {
		c.logPageMutation(op, wal.RecordTypePageUpdate, 0, stateBefore, snapshotPage(state.Raw()))
		release(true)
	}()

	startBucket := CalculateFreePageIndex(desiredTotal)
	for b := startBucket; b < FreeListSize; b++ {
		headPtr := state.GetFreeListPage(b)
		for headPtr != NoNext {
			pageID := pagemanager.PageID(headPtr)
			key := pagecache.Key{FileID: c.dataFileID, PageID: pageID}
			raw, err := c.cache.FetchPage(key)
			if err != nil {
				return nil, 0, err
			}
			page := WrapPage(raw)
			pageBefore := snapshotPage(raw)
			actualBucket := CalculateFreePageIndex(page.GetMaxRecordSize())

			if int32(actualBucket) != page.GetLinkedBucket() {
				c.unlinkFreePage(op, state, pageID, page)
				if page.GetMaxRecordSize() > 0 {
					c.linkFreePage(op, state, actualBucket, pageID, page)
				}
				c.logPageMutation(op, wal.RecordTypePageUpdate, pageID, pageBefore, snapshotPage(raw))
				c.cache.UnpinPage(key, true)
				headPtr = state.GetFreeListPage(b)
				continue
			}

			if page.GetMaxRecordSize() >= desiredTotal {
				c.unlinkFreePage(op, state, pageID, page)
				c.logPageMutation(op, wal.RecordTypePageUpdate, pageID, pageBefore, snapshotPage(raw))
				return page, pageID, nil
			}

			next := page.GetNextPage()
			c.cache.UnpinPage(key, false)
			headPtr = next
		}
	}

	raw, err := c.cache.NewPage(c.dataFileID)
	if err != nil {
		return nil, 0, err
	}
	c.logPageMutation(op, wal.RecordTypeNewPage, raw.GetPageID(), nil, snapshotPage(raw))
	return WrapPage(raw), raw.GetPageID(), nil
}

// requeueFreePage links page back into the bucket matching its current
// capacity, or leaves it off every bucket's list if it is now full.
func (c *Cluster) requeueFreePage(op *txn.Operation, pageID pagemanager.PageID, page *Page) error {
	state, release, err := c.statePage()
	if err != nil {
		return err
	}
	stateBefore := snapshotPage(state.Raw())
	defer func() {
		c.logPageMutation(op, wal.RecordTypePageUpdate, 0, stateBefore, snapshotPage(state.Raw()))
		release(true)
	}()
	c.unlinkFreePage(op, state, pageID, page)
	if capacity := page.GetMaxRecordSize(); capacity > 0 {
		c.linkFreePage(op, state, CalculateFreePageIndex(capacity), pageID, page)
	}
	return nil
}

func (c *Cluster) unlinkFreePage(op *txn.Operation, state *StatePage, pageID pagemanager.PageID, page *Page) {
	bucket := page.GetLinkedBucket()
	if bucket < 0 {
		return
	}
	prev, next := page.GetPrevPage(), page.GetNextPage()
	if prev == NoNext {
		state.SetFreeListPage(int(bucket), next)
	} else {
		c.withPage(op, pagemanager.PageID(prev), func(p *Page) { p.SetNextPage(next) })
	}
	if next != NoNext {
		c.withPage(op, pagemanager.PageID(next), func(p *Page) { p.SetPrevPage(prev) })
	}
	page.SetPrevPage(NoNext)
	page.SetNextPage(NoNext)
	page.SetLinkedBucket(-1)
}

func (c *Cluster) linkFreePage(op *txn.Operation, state *StatePage, bucket int, pageID pagemanager.PageID, page *Page) {
	head := state.GetFreeListPage(bucket)
	page.SetNextPage(head)
	page.SetPrevPage(NoNext)
	page.SetLinkedBucket(int32(bucket))
	if head != NoNext {
		c.withPage(op, pagemanager.PageID(head), func(p *Page) { p.SetPrevPage(int64(pageID)) })
	}
	state.SetFreeListPage(bucket, int64(pageID))
}

// withPage fetches pageID, applies fn, and unpins it dirty. Errors from
// the fetch are swallowed because withPage is only ever used to patch a
// sibling link that findFreePage/requeueFreePage already proved exists;
// callers that need the error path fetch the page themselves.
func (c *Cluster) withPage(op *txn.Operation, pageID pagemanager.PageID, fn func(p *Page)) {
	key := pagecache.Key{FileID: c.dataFileID, PageID: pageID}
	raw, err := c.cache.FetchPage(key)
	if err != nil {
		return
	}
	before := snapshotPage(raw)
	fn(WrapPage(raw))
	c.logPageMutation(op, wal.RecordTypePageUpdate, pageID, before, snapshotPage(raw))
	c.cache.UnpinPage(key, true)
}

// writeChain splits wire into as many chunks as needed and writes them
// across free (or freshly allocated) pages, returning the head chunk's
// entry and the total bytes the chain now occupies on disk.
func (c *Cluster) writeChain(op *txn.Operation, recordType byte, wire []byte) (Entry, uint64, error) {
	remaining := wire
	totalLen := uint32(len(wire))

	var headEntry Entry
	var prevPageID pagemanager.PageID
	var prevSlot uint32
	var prevLen uint32
	havePrev := false
	var totalBytes uint64
	chunkCount := 0

	for {
		isHead := chunkCount == 0
		overhead := contChunkOverhead
		if isHead {
			overhead = headChunkOverhead
		}

		page, pageID, err := c.findFreePage(op, uint32(len(remaining))+uint32(overhead))
		if err != nil {
			return Entry{}, 0, err
		}
		key := pagecache.Key{FileID: c.dataFileID, PageID: pageID}
		pageBefore := snapshotPage(page.Raw())

		capacity := int(page.GetMaxRecordSize())
		contentSize := len(remaining)
		if contentSize+overhead > capacity {
			contentSize = capacity - overhead
		}
		if contentSize < 0 {
			c.cache.UnpinPage(key, false)
			return Entry{}, 0, newIllegalStateError(c.logger, c.cfg.Name, "free page too small for even an empty chunk", page.Raw())
		}
		chunkData := remaining[:contentSize]
		remaining = remaining[contentSize:]
		isLast := len(remaining) == 0

		payload := make([]byte, overhead+contentSize)
		trailer := len(payload) - chunkTrailerSize
		if isHead {
			payload[0] = recordType
			binary.LittleEndian.PutUint32(payload[1:], totalLen)
			copy(payload[5:trailer], chunkData)
			payload[trailer] = 1
		} else {
			copy(payload[:trailer], chunkData)
			payload[trailer] = 0
		}
		binary.LittleEndian.PutUint64(payload[trailer+1:], uint64(NoNext))

		page.Raw().Lock()
		slot, appendErr := page.AppendRecord(1, payload)
		page.Raw().Unlock()
		if appendErr != nil {
			c.cache.UnpinPage(key, false)
			return Entry{}, 0, appendErr
		}
		if slot < 0 {
			c.cache.UnpinPage(key, false)
			return Entry{}, 0, newIllegalStateError(c.logger, c.cfg.Name, "free page rejected a chunk sized to its own capacity", page.Raw())
		}

		if havePrev {
			ptrOffset := int(prevLen) - chunkTrailerSize + 1
			prevKey := pagecache.Key{FileID: c.dataFileID, PageID: prevPageID}
			prevRaw, err := c.cache.FetchPage(prevKey)
			if err != nil {
				c.cache.UnpinPage(key, false)
				return Entry{}, 0, err
			}
			prevPage := WrapPage(prevRaw)
			prevBefore := snapshotPage(prevRaw)
			prevPage.Raw().Lock()
			err = prevPage.SetRecordLongValue(prevSlot, ptrOffset, PackPointer(pageID, uint32(slot)))
			prevPage.Raw().Unlock()
			c.logPageMutation(op, wal.RecordTypePageUpdate, prevPageID, prevBefore, snapshotPage(prevRaw))
			c.cache.UnpinPage(prevKey, err == nil)
			if err != nil {
				c.cache.UnpinPage(key, false)
				return Entry{}, 0, err
			}
		} else {
			headEntry = Entry{PageIndex: pageID, Slot: uint32(slot)}
		}

		if err := c.requeueFreePage(op, pageID, page); err != nil {
			c.cache.UnpinPage(key, false)
			return Entry{}, 0, err
		}
		c.logPageMutation(op, wal.RecordTypePageUpdate, pageID, pageBefore, snapshotPage(page.Raw()))
		if err := c.cache.UnpinPage(key, true); err != nil {
			return Entry{}, 0, err
		}

		totalBytes += uint64(len(payload))
		chunkCount++
		prevPageID, prevSlot, prevLen, havePrev = pageID, uint32(slot), uint32(len(payload)), true
		if isLast {
			break
		}
	}
	return headEntry, totalBytes, nil
}

// readChain walks a record's chunk chain and returns its record type and
// reassembled wire-encoded bytes.
func (c *Cluster) readChain(head Entry) (byte, []byte, error) {
	var buf bytes.Buffer
	var recordType byte
	pageID, slot := head.PageIndex, head.Slot
	isHead := true

	for {
		key := pagecache.Key{FileID: c.dataFileID, PageID: pageID}
		raw, err := c.cache.FetchPage(key)
		if err != nil {
			return 0, nil, err
		}
		page := WrapPage(raw)
		length, err := page.GetRecordSize(slot)
		if err != nil {
			c.cache.UnpinPage(key, false)
			return 0, nil, err
		}
		payload, err := page.GetRecordBinaryValue(slot, 0, int(length))
		c.cache.UnpinPage(key, false)
		if err != nil {
			return 0, nil, err
		}

		trailer := len(payload) - chunkTrailerSize
		next := int64(binary.LittleEndian.Uint64(payload[trailer+1:]))
		if isHead {
			recordType = payload[0]
			buf.Write(payload[5:trailer])
		} else {
			buf.Write(payload[:trailer])
		}
		if next == NoNext {
			break
		}
		pageID, slot = UnpackPointer(next)
		isHead = false
	}
	return recordType, buf.Bytes(), nil
}

// deleteChain frees every chunk in a record's chain, returning the total
// bytes reclaimed.
func (c *Cluster) deleteChain(op *txn.Operation, head Entry) (uint64, error) {
	var freed uint64
	pageID, slot := head.PageIndex, head.Slot

	for {
		key := pagecache.Key{FileID: c.dataFileID, PageID: pageID}
		raw, err := c.cache.FetchPage(key)
		if err != nil {
			return freed, err
		}
		page := WrapPage(raw)
		pageBefore := snapshotPage(raw)
		length, err := page.GetRecordSize(slot)
		if err != nil {
			c.cache.UnpinPage(key, false)
			return freed, err
		}
		payload, err := page.GetRecordBinaryValue(slot, 0, int(length))
		if err != nil {
			c.cache.UnpinPage(key, false)
			return freed, err
		}

		page.Raw().Lock()
		err = page.DeleteRecord(slot)
		page.Raw().Unlock()
		if err != nil {
			c.cache.UnpinPage(key, false)
			return freed, err
		}
		if err := c.requeueFreePage(op, pageID, page); err != nil {
			c.cache.UnpinPage(key, false)
			return freed, err
		}
		c.logPageMutation(op, wal.RecordTypePageUpdate, pageID, pageBefore, snapshotPage(raw))
		if err := c.cache.UnpinPage(key, true); err != nil {
			return freed, err
		}
		freed += uint64(length)

		next := int64(binary.LittleEndian.Uint64(payload[len(payload)-chunkTrailerSize+1:]))
		if next == NoNext {
			break
		}
		pageID, slot = UnpackPointer(next)
	}
	return freed, nil
}

func (c *Cluster) headVersion(entry Entry) (int, error) {
	key := pagecache.Key{FileID: c.dataFileID, PageID: entry.PageIndex}
	raw, err := c.cache.FetchPage(key)
	if err != nil {
		return 0, err
	}
	defer c.cache.UnpinPage(key, false)
	v, err := WrapPage(raw).GetRecordVersion(entry.Slot)
	return int(v), err
}

// AllocatePosition reserves a cluster_position with no bound record yet,
// for callers (e.g. cross-cluster references) that need a stable address
// before the record content is known.
func (c *Cluster) AllocatePosition() (ClusterPosition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pos, err := c.posMap.Allocate()
	if err != nil {
		return InvalidPosition, newClusterError(c.cfg.Name, err)
	}
	return ClusterPosition(pos), nil
}

// CreateRecord writes payload as a new record, optionally binding it to a
// position obtained earlier from AllocatePosition (pass InvalidPosition to
// allocate a fresh one here).
func (c *Cluster) CreateRecord(payload []byte, recordType byte, allocated ClusterPosition) (ClusterPosition, int, error) {
	defer c.trackOp("create")()
	c.mu.Lock()
	defer c.mu.Unlock()

	wire, err := c.encode(payload)
	if err != nil {
		return InvalidPosition, 0, newClusterError(c.cfg.Name, err)
	}

	op, err := c.txnMgr.StartAtomicOperation()
	if err != nil {
		return InvalidPosition, 0, newClusterError(c.cfg.Name, err)
	}
	headEntry, totalBytes, err := c.writeChain(op, recordType, wire)
	if err != nil {
		c.abortOperation(op, err)
		return InvalidPosition, 0, newClusterError(c.cfg.Name, err)
	}

	var pos uint64
	if allocated != InvalidPosition {
		pos = uint64(allocated)
		err = c.posMap.Update(pos, headEntry)
	} else {
		pos, err = c.posMap.Add(headEntry)
	}
	if err != nil {
		c.abortOperation(op, err)
		return InvalidPosition, 0, newClusterError(c.cfg.Name, err)
	}

	if err := c.bumpCounters(op, 1, int64(totalBytes), 0); err != nil {
		c.abortOperation(op, err)
		return InvalidPosition, 0, newClusterError(c.cfg.Name, err)
	}
	if err := c.txnMgr.EndAtomicOperation(op, false, nil); err != nil {
		return InvalidPosition, 0, newClusterError(c.cfg.Name, err)
	}
	if c.metrics != nil {
		c.metrics.RecordsCreatedCounter.Add(context.Background(), 1)
	}
	return ClusterPosition(pos), 1, nil
}

// ReadRecord returns the fully decoded record at pos.
func (c *Cluster) ReadRecord(pos ClusterPosition) (*Record, error) {
	defer c.trackOp("read")()
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, err := c.posMap.Get(uint64(pos), 0)
	if err != nil {
		return nil, newClusterError(c.cfg.Name, err)
	}
	if entry == nil {
		return nil, nil
	}
	recordType, wire, err := c.readChain(*entry)
	if err != nil {
		return nil, newClusterError(c.cfg.Name, err)
	}
	payload, err := c.decode(wire)
	if err != nil {
		return nil, newClusterError(c.cfg.Name, err)
	}
	version, err := c.headVersion(*entry)
	if err != nil {
		return nil, newClusterError(c.cfg.Name, err)
	}
	if c.metrics != nil {
		c.metrics.RecordsReadCounter.Add(context.Background(), 1)
	}
	return &Record{Version: version, RecordType: recordType, Data: payload}, nil
}

// ReadRecordIfVersionIsNotLatest avoids reassembling and decoding a chain
// the caller already has a current copy of: it returns (nil, nil) when
// currentVersion already matches what is stored.
func (c *Cluster) ReadRecordIfVersionIsNotLatest(pos ClusterPosition, currentVersion int) (*Record, error) {
	c.mu.RLock()
	entry, err := c.posMap.Get(uint64(pos), 0)
	if err != nil {
		c.mu.RUnlock()
		return nil, newClusterError(c.cfg.Name, err)
	}
	if entry == nil {
		c.mu.RUnlock()
		return nil, &NotFoundError{Position: pos}
	}
	storedVersion, err := c.headVersion(*entry)
	c.mu.RUnlock()
	if err != nil {
		return nil, newClusterError(c.cfg.Name, err)
	}
	if storedVersion == currentVersion {
		return nil, nil
	}
	return c.ReadRecord(pos)
}

// UpdateRecord rewrites the record at pos with payload, enforcing
// conflict.OnUpdate(currentVersion, expectedVersion) first. When the new
// wire content is exactly as long as the old one, every chunk is replaced
// in place; otherwise the old chain is freed and a new one written.
func (c *Cluster) UpdateRecord(pos ClusterPosition, payload []byte, recordType byte, expectedVersion int) (int, error) {
	defer c.trackOp("update")()
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, err := c.posMap.Get(uint64(pos), 0)
	if err != nil {
		return 0, newClusterError(c.cfg.Name, err)
	}
	if entry == nil {
		return 0, nil
	}
	currentVersion, err := c.headVersion(*entry)
	if err != nil {
		return 0, newClusterError(c.cfg.Name, err)
	}
	if err := c.conflict.OnUpdate(currentVersion, expectedVersion); err != nil {
		return 0, err
	}

	wire, err := c.encode(payload)
	if err != nil {
		return 0, newClusterError(c.cfg.Name, err)
	}
	newVersion := currentVersion + 1

	op, err := c.txnMgr.StartAtomicOperation()
	if err != nil {
		return 0, newClusterError(c.cfg.Name, err)
	}

	if ok, err := c.tryInPlaceReplace(op, *entry, recordType, wire, newVersion); err != nil {
		c.abortOperation(op, err)
		return 0, newClusterError(c.cfg.Name, err)
	} else if ok {
		if err := c.txnMgr.EndAtomicOperation(op, false, nil); err != nil {
			return 0, newClusterError(c.cfg.Name, err)
		}
		if c.metrics != nil {
			c.metrics.RecordsUpdatedCounter.Add(context.Background(), 1)
		}
		return newVersion, nil
	}

	freed, err := c.deleteChain(op, *entry)
	if err != nil {
		c.abortOperation(op, err)
		return 0, newClusterError(c.cfg.Name, err)
	}
	newEntry, totalBytes, err := c.writeChain(op, recordType, wire)
	if err != nil {
		c.abortOperation(op, err)
		return 0, newClusterError(c.cfg.Name, err)
	}
	if err := c.posMap.Update(uint64(pos), newEntry); err != nil {
		c.abortOperation(op, err)
		return 0, newClusterError(c.cfg.Name, err)
	}
	if err := c.bumpCounters(op, 0, int64(totalBytes)-int64(freed), 0); err != nil {
		c.abortOperation(op, err)
		return 0, newClusterError(c.cfg.Name, err)
	}
	if err := c.setHeadVersion(op, newEntry, newVersion); err != nil {
		c.abortOperation(op, err)
		return 0, newClusterError(c.cfg.Name, err)
	}
	if err := c.txnMgr.EndAtomicOperation(op, false, nil); err != nil {
		return 0, newClusterError(c.cfg.Name, err)
	}
	if c.metrics != nil {
		c.metrics.RecordsUpdatedCounter.Add(context.Background(), 1)
	}
	return newVersion, nil
}

func (c *Cluster) setHeadVersion(op *txn.Operation, entry Entry, version int) error {
	key := pagecache.Key{FileID: c.dataFileID, PageID: entry.PageIndex}
	raw, err := c.cache.FetchPage(key)
	if err != nil {
		return err
	}
	before := snapshotPage(raw)
	page := WrapPage(raw)
	length, err := page.GetRecordSize(entry.Slot)
	if err != nil {
		c.cache.UnpinPage(key, false)
		return err
	}
	payload, err := page.GetRecordBinaryValue(entry.Slot, 0, int(length))
	if err != nil {
		c.cache.UnpinPage(key, false)
		return err
	}
	page.Raw().Lock()
	err = page.ReplaceRecord(entry.Slot, payload, uint32(version))
	page.Raw().Unlock()
	if err == nil {
		c.logPageMutation(op, wal.RecordTypePageUpdate, entry.PageIndex, before, snapshotPage(raw))
	}
	c.cache.UnpinPage(key, err == nil)
	return err
}

// tryInPlaceReplace attempts the fast path of update_record: if wire
// splits into exactly the same per-chunk sizes the existing chain already
// has, every chunk is overwritten via Page.ReplaceRecord with no page
// reallocation and no free-list churn. It returns ok=false (not an error)
// whenever the shapes differ, so the caller falls back to delete+rewrite.
func (c *Cluster) tryInPlaceReplace(op *txn.Operation, head Entry, recordType byte, wire []byte, newVersion int) (bool, error) {
	type chunkLoc struct {
		pageID pagemanager.PageID
		slot   uint32
		length uint32
		isHead bool
	}
	var chain []chunkLoc
	pageID, slot := head.PageIndex, head.Slot
	isHead := true
	for {
		key := pagecache.Key{FileID: c.dataFileID, PageID: pageID}
		raw, err := c.cache.FetchPage(key)
		if err != nil {
			return false, err
		}
		page := WrapPage(raw)
		length, err := page.GetRecordSize(slot)
		if err != nil {
			c.cache.UnpinPage(key, false)
			return false, err
		}
		b, err := page.GetRecordBinaryValue(slot, int(length)-chunkTrailerSize+1, 8)
		c.cache.UnpinPage(key, false)
		if err != nil {
			return false, err
		}
		next := int64(binary.LittleEndian.Uint64(b))
		chain = append(chain, chunkLoc{pageID: pageID, slot: slot, length: length, isHead: isHead})
		if next == NoNext {
			break
		}
		pageID, slot = UnpackPointer(next)
		isHead = false
	}

	remaining := wire
	for i, loc := range chain {
		overhead := contChunkOverhead
		if loc.isHead {
			overhead = headChunkOverhead
		}
		wantLen := uint32(overhead)
		isLastChunk := i == len(chain)-1
		if isLastChunk {
			wantLen += uint32(len(remaining))
		} else {
			contentSize := int(loc.length) - overhead
			if contentSize < 0 || contentSize > len(remaining) {
				return false, nil
			}
			wantLen += uint32(contentSize)
			remaining = remaining[contentSize:]
		}
		if wantLen != loc.length {
			return false, nil
		}
	}

	remaining = wire
	for _, loc := range chain {
		overhead := contChunkOverhead
		if loc.isHead {
			overhead = headChunkOverhead
		}
		contentSize := int(loc.length) - overhead
		chunkData := remaining[:contentSize]
		remaining = remaining[contentSize:]

		payload := make([]byte, loc.length)
		trailer := len(payload) - chunkTrailerSize
		peekKey := pagecache.Key{FileID: c.dataFileID, PageID: loc.pageID}
		peekRaw, err := c.cache.FetchPage(peekKey)
		if err != nil {
			return false, err
		}
		existingNext, err := WrapPage(peekRaw).GetRecordBinaryValue(loc.slot, int(loc.length)-chunkTrailerSize+1, 8)
		c.cache.UnpinPage(peekKey, false)
		if err != nil {
			return false, err
		}
		if loc.isHead {
			payload[0] = recordType
			binary.LittleEndian.PutUint32(payload[1:], uint32(len(wire)))
			copy(payload[5:trailer], chunkData)
			payload[trailer] = 1
		} else {
			copy(payload[:trailer], chunkData)
			payload[trailer] = 0
		}
		copy(payload[trailer+1:], existingNext)

		key := pagecache.Key{FileID: c.dataFileID, PageID: loc.pageID}
		raw, err := c.cache.FetchPage(key)
		if err != nil {
			return false, err
		}
		before := snapshotPage(raw)
		page := WrapPage(raw)
		page.Raw().Lock()
		err = page.ReplaceRecord(loc.slot, payload, uint32(newVersion))
		page.Raw().Unlock()
		if err == nil {
			c.logPageMutation(op, wal.RecordTypePageUpdate, loc.pageID, before, snapshotPage(raw))
		}
		c.cache.UnpinPage(key, err == nil)
		if err != nil {
			return false, err
		}
	}
	return true, nil
}

// DeleteRecord permanently frees pos's chain and reclaims its pages into
// the free-list. The position is never reused. It returns ok=false, not an
// error, when pos does not currently resolve to a live record.
func (c *Cluster) DeleteRecord(pos ClusterPosition) (bool, error) {
	defer c.trackOp("delete")()
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, err := c.posMap.Get(uint64(pos), 0)
	if err != nil {
		return false, newClusterError(c.cfg.Name, err)
	}
	if entry == nil {
		return false, nil
	}

	op, err := c.txnMgr.StartAtomicOperation()
	if err != nil {
		return false, newClusterError(c.cfg.Name, err)
	}
	freed, err := c.deleteChain(op, *entry)
	if err != nil {
		c.abortOperation(op, err)
		return false, newClusterError(c.cfg.Name, err)
	}
	if err := c.posMap.Remove(uint64(pos)); err != nil {
		c.abortOperation(op, err)
		return false, newClusterError(c.cfg.Name, err)
	}
	if err := c.bumpCounters(op, -1, -int64(freed), 1); err != nil {
		c.abortOperation(op, err)
		return false, newClusterError(c.cfg.Name, err)
	}
	if err := c.txnMgr.EndAtomicOperation(op, false, nil); err != nil {
		return false, newClusterError(c.cfg.Name, err)
	}
	if c.metrics != nil {
		c.metrics.RecordsDeletedCounter.Add(context.Background(), 1)
	}
	return true, nil
}

// HideRecord marks pos no longer visible without freeing its chunks: the
// position becomes REMOVED while the chain's bytes stay allocated and
// counted in GetRecordsSize (an intentional leak). The old chain is not
// reachable afterwards; RecycleRecord writes a new chain. It returns
// ok=false, not an error, when pos does not currently resolve to a live
// record.
func (c *Cluster) HideRecord(pos ClusterPosition) (bool, error) {
	defer c.trackOp("hide")()
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, err := c.posMap.Get(uint64(pos), 0)
	if err != nil {
		return false, newClusterError(c.cfg.Name, err)
	}
	if entry == nil {
		return false, nil
	}

	op, err := c.txnMgr.StartAtomicOperation()
	if err != nil {
		return false, newClusterError(c.cfg.Name, err)
	}
	if err := c.posMap.Hide(uint64(pos)); err != nil {
		c.abortOperation(op, err)
		return false, newClusterError(c.cfg.Name, err)
	}
	if err := c.bumpCounters(op, -1, 0, 1); err != nil {
		c.abortOperation(op, err)
		return false, newClusterError(c.cfg.Name, err)
	}
	if err := c.txnMgr.EndAtomicOperation(op, false, nil); err != nil {
		return false, newClusterError(c.cfg.Name, err)
	}
	if c.metrics != nil {
		c.metrics.RecordsHiddenCounter.Add(context.Background(), 1)
	}
	return true, nil
}

// RecycleRecord rebinds a REMOVED position to freshly written content,
// restoring it to FILLED without advancing the position allocator.
func (c *Cluster) RecycleRecord(pos ClusterPosition, payload []byte, recordType byte) (int, error) {
	defer c.trackOp("recycle")()
	c.mu.Lock()
	defer c.mu.Unlock()

	status, err := c.posMap.GetStatus(uint64(pos))
	if err != nil {
		return 0, newClusterError(c.cfg.Name, err)
	}
	if status != StatusRemoved {
		return 0, fmt.Errorf("cluster %q: position %d is not removed, cannot recycle (status %s)", c.cfg.Name, pos, status)
	}

	wire, err := c.encode(payload)
	if err != nil {
		return 0, newClusterError(c.cfg.Name, err)
	}

	op, err := c.txnMgr.StartAtomicOperation()
	if err != nil {
		return 0, newClusterError(c.cfg.Name, err)
	}
	headEntry, totalBytes, err := c.writeChain(op, recordType, wire)
	if err != nil {
		c.abortOperation(op, err)
		return 0, newClusterError(c.cfg.Name, err)
	}
	if err := c.posMap.Resurrect(uint64(pos), headEntry); err != nil {
		c.abortOperation(op, err)
		return 0, newClusterError(c.cfg.Name, err)
	}
	if err := c.bumpCounters(op, 1, int64(totalBytes), -1); err != nil {
		c.abortOperation(op, err)
		return 0, newClusterError(c.cfg.Name, err)
	}
	if err := c.txnMgr.EndAtomicOperation(op, false, nil); err != nil {
		return 0, newClusterError(c.cfg.Name, err)
	}
	if c.metrics != nil {
		c.metrics.RecordsRecycledCounter.Add(context.Background(), 1)
	}
	return 1, nil
}

// GetPhysicalPosition returns the (page, slot) entry bound to pos.
func (c *Cluster) GetPhysicalPosition(pos ClusterPosition) (Entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, err := c.posMap.Get(uint64(pos), 0)
	if err != nil {
		return Entry{}, newClusterError(c.cfg.Name, err)
	}
	if entry == nil {
		return Entry{}, &NotFoundError{Position: pos}
	}
	return *entry, nil
}

// PositionStatus returns the lifecycle status of pos without requiring it
// to be currently visible, for diagnostic callers that need to tell an
// allocated-but-unfilled position apart from one that was never touched.
func (c *Cluster) PositionStatus(pos ClusterPosition) (Status, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	status, err := c.posMap.GetStatus(uint64(pos))
	if err != nil {
		return StatusNotExistent, newClusterError(c.cfg.Name, err)
	}
	return status, nil
}

// FreeListHead returns the page index at the head of free-list bucket, or
// NoNext if the bucket is empty, for diagnostic callers walking the
// free-space lists directly.
func (c *Cluster) FreeListHead(bucket int) (int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if bucket < 0 || bucket >= FreeListSize {
		return NoNext, fmt.Errorf("cluster: bucket %d out of range [0,%d)", bucket, FreeListSize)
	}
	state, release, err := c.statePage()
	if err != nil {
		return NoNext, newClusterError(c.cfg.Name, err)
	}
	defer release(false)
	return state.GetFreeListPage(bucket), nil
}

// GetFirstPosition returns the lowest live position, or InvalidPosition
// if the cluster holds no records.
func (c *Cluster) GetFirstPosition() (ClusterPosition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	pos, ok, err := c.posMap.FirstPosition()
	if err != nil || !ok {
		return InvalidPosition, err
	}
	return ClusterPosition(pos), nil
}

// GetLastPosition returns the highest live position, or InvalidPosition
// if the cluster holds no records.
func (c *Cluster) GetLastPosition() (ClusterPosition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	pos, ok, err := c.posMap.LastPosition()
	if err != nil || !ok {
		return InvalidPosition, err
	}
	return ClusterPosition(pos), nil
}

// GetNextPosition returns the smallest live position strictly greater
// than pos, or InvalidPosition if there is none.
func (c *Cluster) GetNextPosition(pos ClusterPosition) (ClusterPosition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	next, ok, err := c.posMap.NextPosition(uint64(pos))
	if err != nil || !ok {
		return InvalidPosition, err
	}
	return ClusterPosition(next), nil
}

func toPositions(raw []uint64, err error) ([]ClusterPosition, error) {
	if err != nil {
		return nil, err
	}
	out := make([]ClusterPosition, len(raw))
	for i, p := range raw {
		out[i] = ClusterPosition(p)
	}
	return out, nil
}

// HigherPositions returns live positions strictly greater than pos within
// pos's position-map bucket.
func (c *Cluster) HigherPositions(pos ClusterPosition) ([]ClusterPosition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return toPositions(c.posMap.HigherPositions(uint64(pos)))
}

// CeilingPositions returns live positions greater than or equal to pos
// within pos's position-map bucket.
func (c *Cluster) CeilingPositions(pos ClusterPosition) ([]ClusterPosition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return toPositions(c.posMap.CeilingPositions(uint64(pos)))
}

// LowerPositions returns live positions strictly less than pos within
// pos's position-map bucket.
func (c *Cluster) LowerPositions(pos ClusterPosition) ([]ClusterPosition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return toPositions(c.posMap.LowerPositions(uint64(pos)))
}

// FloorPositions returns live positions less than or equal to pos within
// pos's position-map bucket.
func (c *Cluster) FloorPositions(pos ClusterPosition) ([]ClusterPosition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return toPositions(c.posMap.FloorPositions(uint64(pos)))
}

// ReplaceFile atomically swaps the cluster's data file content with
// srcPath, throttled to rateBytesPerSec, used when restoring a data file
// from a backup or a rebuild pass.
func (c *Cluster) ReplaceFile(srcPath string, rateBytesPerSec int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.InvalidateFile(c.dataFileID)
	return c.dataFile.ReplaceContentWith(srcPath, rateBytesPerSec)
}

// ReplaceClusterMapFile atomically swaps the position-map sidecar file's
// content with srcPath.
func (c *Cluster) ReplaceClusterMapFile(srcPath string, rateBytesPerSec int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.InvalidateFile(c.posMapFileID)
	return c.posMap.file.ReplaceContentWith(srcPath, rateBytesPerSec)
}

// Set updates a mutable cluster attribute. NAME renames both backing
// files; ENCRYPTION may only change while the cluster is empty, since
// re-encrypting existing chunks in place is out of scope here.
func (c *Cluster) Set(attribute Attribute, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch attribute {
	case AttrName:
		oldName := c.cfg.Name
		c.cfg.Name = value
		if err := c.dataFile.Rename(c.dataPath()); err != nil {
			c.cfg.Name = oldName
			return newClusterError(oldName, err)
		}
		if err := c.posMap.Rename(c.mapPath()); err != nil {
			return newClusterError(c.cfg.Name, err)
		}
		return nil

	case AttrRecordGrowFactor:
		f, err := parseGrowFactor(value)
		if err != nil {
			return err
		}
		c.cfg.RecordGrowFactor = f
		return nil

	case AttrRecordOverflowGrowFactor:
		f, err := parseGrowFactor(value)
		if err != nil {
			return err
		}
		c.cfg.RecordOverflowGrowFactor = f
		return nil

	case AttrConflictStrategy:
		strategy, err := LookupConflictStrategy(value)
		if err != nil {
			return err
		}
		c.cfg.ConflictStrategy = value
		c.conflict = strategy
		return nil

	case AttrStatus:
		switch ClusterStatus(value) {
		case StatusOnline, StatusOffline:
			c.cfg.Status = ClusterStatus(value)
			return nil
		default:
			return fmt.Errorf("cluster: invalid status %q", value)
		}

	case AttrEncryption:
		state, release, err := c.statePage()
		if err != nil {
			return err
		}
		entries := state.GetSize()
		release(false)
		if entries != 0 {
			return fmt.Errorf("cluster %q: cannot change encryption on a non-empty cluster (%d entries)", c.cfg.Name, entries)
		}
		encryptor, err := LookupEncryption(value)
		if err != nil {
			return err
		}
		cipher, err := encryptor.NewWithKey(c.cfg.EncryptionKey)
		if err != nil {
			return err
		}
		c.cfg.Encryption = value
		c.cipher = cipher
		return nil

	default:
		return fmt.Errorf("cluster: unknown attribute %q", attribute)
	}
}
