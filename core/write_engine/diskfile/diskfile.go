// Package diskfile implements the fixed-page-size backing file shared by a
// cluster's data file and its position-map sidecar file: a small header
// (magic number, version, page size, high-water mark) followed by an array
// of equally sized pages.
package diskfile

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	common "github.com/ferrodb/ferrodb/core/storage_engine/common"
	flushmanager "github.com/ferrodb/ferrodb/core/write_engine/flush_manager"
	pagemanager "github.com/ferrodb/ferrodb/core/write_engine/page_manager"
)

// headerSize is the on-disk size of Header. The header sits at offset zero,
// ahead of page 0, so page N starts at headerSize + N*PageSize regardless
// of the configured page size.
const headerSize = 32

// Header is the fixed-format preamble written at offset 0 of every
// diskfile. Magic discriminates file kinds (data file vs. position map) so
// Open fails fast on a mismatched path.
type Header struct {
	Magic      uint32
	Version    uint32
	PageSize   uint32
	FilledUpTo uint64 // number of pages currently allocated, including page 0
}

// File is an open diskfile: a fixed-size header followed by a flat array of
// fixed-size pages, addressed by zero-based PageID.
type File struct {
	mu       sync.Mutex
	f        *os.File
	path     string
	header   Header
}

// Create creates a new diskfile at path with the given page size and magic
// number, failing if the file already exists.
func Create(path string, magic uint32, pageSize uint32) (*File, error) {
	if pageSize == 0 || int(pageSize) < headerSize {
		return nil, fmt.Errorf("invalid page size %d", pageSize)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", flushmanager.ErrDBFileExists, path, err)
	}

	df := &File{
		f:    f,
		path: path,
		header: Header{
			Magic:      magic,
			Version:    1,
			PageSize:   pageSize,
			FilledUpTo: 0, // growTo(1) below allocates page 0 for the caller's state page
		},
	}
	if err := df.writeHeader(); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	if err := df.growTo(1); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	return df, nil
}

// Open opens an existing diskfile, validating its magic number and page
// size against the caller's expectations.
func Open(path string, expectedMagic uint32, expectedPageSize uint32) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", flushmanager.ErrDBFileNotFound, path)
		}
		return nil, fmt.Errorf("%w: %s: %v", flushmanager.ErrIO, path, err)
	}

	df := &File{f: f, path: path}
	if err := df.readHeader(); err != nil {
		f.Close()
		return nil, err
	}
	if df.header.Magic != expectedMagic {
		f.Close()
		return nil, fmt.Errorf("%w: %s has magic %#x, expected %#x", flushmanager.ErrInvalidPageData, path, df.header.Magic, expectedMagic)
	}
	if expectedPageSize != 0 && df.header.PageSize != expectedPageSize {
		f.Close()
		return nil, fmt.Errorf("%w: %s has page size %d, expected %d", flushmanager.ErrInvalidPageData, path, df.header.PageSize, expectedPageSize)
	}
	return df, nil
}

func (df *File) writeHeader() error {
	buf := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(buf[0:], df.header.Magic)
	binary.LittleEndian.PutUint32(buf[4:], df.header.Version)
	binary.LittleEndian.PutUint32(buf[8:], df.header.PageSize)
	binary.LittleEndian.PutUint64(buf[16:], df.header.FilledUpTo)
	if _, err := df.f.WriteAt(buf, 0); err != nil {
		return fmt.Errorf("%w: write header: %v", flushmanager.ErrIO, err)
	}
	return nil
}

func (df *File) readHeader() error {
	buf := make([]byte, headerSize)
	if _, err := df.f.ReadAt(buf, 0); err != nil {
		return fmt.Errorf("%w: read header: %v", flushmanager.ErrIO, err)
	}
	df.header.Magic = binary.LittleEndian.Uint32(buf[0:])
	df.header.Version = binary.LittleEndian.Uint32(buf[4:])
	df.header.PageSize = binary.LittleEndian.Uint32(buf[8:])
	df.header.FilledUpTo = binary.LittleEndian.Uint64(buf[16:])
	return nil
}

// PageSize returns the fixed page size this file was created with.
func (df *File) PageSize() uint32 {
	return df.header.PageSize
}

// FilledUpTo returns the number of pages currently allocated, including
// page 0.
func (df *File) FilledUpTo() uint64 {
	df.mu.Lock()
	defer df.mu.Unlock()
	return df.header.FilledUpTo
}

func (df *File) offsetOf(pageID pagemanager.PageID) int64 {
	return headerSize + int64(uint64(pageID))*int64(df.header.PageSize)
}

// ReadPage reads the page at pageID into dst, which must be at least
// PageSize bytes.
func (df *File) ReadPage(pageID pagemanager.PageID, dst []byte) error {
	df.mu.Lock()
	defer df.mu.Unlock()
	if uint64(pageID) >= df.header.FilledUpTo {
		return fmt.Errorf("%w: page %d", flushmanager.ErrPageNotFound, pageID)
	}
	n, err := df.f.ReadAt(dst[:df.header.PageSize], df.offsetOf(pageID))
	if err != nil {
		return fmt.Errorf("%w: read page %d: %v", flushmanager.ErrIO, pageID, err)
	}
	if uint32(n) != df.header.PageSize {
		return fmt.Errorf("%w: short read for page %d", flushmanager.ErrInvalidPageData, pageID)
	}
	return nil
}

// WritePage writes src (at most PageSize bytes, zero-padded) to pageID.
// The page must already be allocated via AllocatePage.
func (df *File) WritePage(pageID pagemanager.PageID, src []byte) error {
	df.mu.Lock()
	defer df.mu.Unlock()
	return df.writePageLocked(pageID, src)
}

// WritePageRaw satisfies wal.PageApplier: it writes pageID during recovery
// even if the page index is beyond the current high-water mark, growing the
// file as needed so redone NEW_PAGE records always have somewhere to land.
func (df *File) WritePageRaw(pageID pagemanager.PageID, data []byte) error {
	df.mu.Lock()
	defer df.mu.Unlock()
	if uint64(pageID) >= df.header.FilledUpTo {
		if err := df.growToLocked(uint64(pageID) + 1); err != nil {
			return err
		}
	}
	return df.writePageLocked(pageID, data)
}

func (df *File) writePageLocked(pageID pagemanager.PageID, src []byte) error {
	buf := make([]byte, df.header.PageSize)
	copy(buf, src)
	if _, err := df.f.WriteAt(buf, df.offsetOf(pageID)); err != nil {
		return fmt.Errorf("%w: write page %d: %v", flushmanager.ErrIO, pageID, err)
	}
	return nil
}

// AllocatePage extends the file by one page and returns its PageID.
func (df *File) AllocatePage() (pagemanager.PageID, error) {
	df.mu.Lock()
	defer df.mu.Unlock()
	id := pagemanager.PageID(df.header.FilledUpTo)
	if err := df.growToLocked(df.header.FilledUpTo + 1); err != nil {
		return 0, err
	}
	return id, nil
}

func (df *File) growTo(pages uint64) error {
	df.mu.Lock()
	defer df.mu.Unlock()
	return df.growToLocked(pages)
}

func (df *File) growToLocked(pages uint64) error {
	if pages <= df.header.FilledUpTo {
		return nil
	}
	size := headerSize + int64(pages)*int64(df.header.PageSize)
	if err := df.f.Truncate(size); err != nil {
		return fmt.Errorf("%w: grow file to %d pages: %v", flushmanager.ErrIO, pages, err)
	}
	df.header.FilledUpTo = pages
	if err := df.writeHeader(); err != nil {
		return err
	}
	return nil
}

// Sync fsyncs the underlying file.
func (df *File) Sync() error {
	df.mu.Lock()
	defer df.mu.Unlock()
	if err := df.f.Sync(); err != nil {
		return fmt.Errorf("%w: sync: %v", flushmanager.ErrIO, err)
	}
	return nil
}

// Close closes the underlying file handle.
func (df *File) Close() error {
	df.mu.Lock()
	defer df.mu.Unlock()
	return df.f.Close()
}

// Path returns the filesystem path this File was opened from.
func (df *File) Path() string {
	return df.path
}

// Rename moves the backing file to newPath, keeping the same open handle.
func (df *File) Rename(newPath string) error {
	df.mu.Lock()
	defer df.mu.Unlock()
	if err := os.Rename(df.path, newPath); err != nil {
		return fmt.Errorf("%w: rename %s to %s: %v", flushmanager.ErrIO, df.path, newPath, err)
	}
	df.path = newPath
	return nil
}

// Delete closes and removes the backing file.
func (df *File) Delete() error {
	df.mu.Lock()
	path := df.path
	err := df.f.Close()
	df.mu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: close before delete: %v", flushmanager.ErrIO, err)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: delete %s: %v", flushmanager.ErrIO, path, err)
	}
	return nil
}

// Truncate drops every page beyond keepPages (a keepPages of 0 is raised to
// 1, so page 0 is always kept).
func (df *File) Truncate(keepPages uint64) error {
	df.mu.Lock()
	defer df.mu.Unlock()
	if keepPages == 0 {
		keepPages = 1
	}
	size := headerSize + int64(keepPages)*int64(df.header.PageSize)
	if err := df.f.Truncate(size); err != nil {
		return fmt.Errorf("%w: truncate to %d pages: %v", flushmanager.ErrIO, keepPages, err)
	}
	df.header.FilledUpTo = keepPages
	return df.writeHeader()
}

// ReplaceContentWith atomically swaps this file's content with the content
// of srcPath, rate limiting the copy so a large bulk swap (e.g. after a
// position-map rebuild) does not starve foreground I/O. The replacement
// happens via copy-then-rename so a crash mid-copy never corrupts the
// original file.
func (df *File) ReplaceContentWith(srcPath string, rateBytesPerSec int64) error {
	df.mu.Lock()
	path := df.path
	if err := df.f.Close(); err != nil {
		df.mu.Unlock()
		return fmt.Errorf("%w: close before replace: %v", flushmanager.ErrIO, err)
	}
	df.mu.Unlock()

	tmpPath := path + ".replace.tmp"
	if err := common.CopyThrottled(srcPath, tmpPath, rateBytesPerSec, true); err != nil {
		return fmt.Errorf("copy replacement content: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("%w: rename replacement into place: %v", flushmanager.ErrIO, err)
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("%w: reopen after replace: %v", flushmanager.ErrIO, err)
	}
	df.mu.Lock()
	df.f = f
	df.mu.Unlock()
	return df.readHeaderSynced()
}

func (df *File) readHeaderSynced() error {
	df.mu.Lock()
	defer df.mu.Unlock()
	return df.readHeader()
}
