package cluster

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/ulikunitz/xz"
)

// Compressor transforms chunk payloads before they are written to a page
// and reverses the transform on read. Implementations must be safe for
// concurrent use by multiple clusters.
type Compressor interface {
	Name() string
	Compress(plain []byte) ([]byte, error)
	Decompress(compressed []byte) ([]byte, error)
}

var (
	compressionRegistryMu sync.RWMutex
	compressionRegistry   = map[string]Compressor{}
)

// RegisterCompression makes c available to clusters configured with
// c.Name() as their Compression attribute. Intended to be called from
// package init functions.
func RegisterCompression(c Compressor) {
	compressionRegistryMu.Lock()
	defer compressionRegistryMu.Unlock()
	compressionRegistry[c.Name()] = c
}

// LookupCompression returns the registered Compressor for name.
func LookupCompression(name string) (Compressor, error) {
	compressionRegistryMu.RLock()
	defer compressionRegistryMu.RUnlock()
	c, ok := compressionRegistry[name]
	if !ok {
		return nil, fmt.Errorf("cluster: unknown compression %q", name)
	}
	return c, nil
}

func init() {
	RegisterCompression(nopCompressor{})
	RegisterCompression(xzCompressor{})
}

// nopCompressor is the default: chunk payloads pass through unchanged.
type nopCompressor struct{}

func (nopCompressor) Name() string                          { return "nop" }
func (nopCompressor) Compress(plain []byte) ([]byte, error) { return plain, nil }
func (nopCompressor) Decompress(c []byte) ([]byte, error)   { return c, nil }

// xzCompressor applies LZMA2 compression via ulikunitz/xz, trading CPU for
// disk footprint on clusters holding compressible payloads.
type xzCompressor struct{}

func (xzCompressor) Name() string { return "xz" }

func (xzCompressor) Compress(plain []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := xz.NewWriter(&buf)
	if err != nil {
		return nil, fmt.Errorf("cluster: xz writer: %w", err)
	}
	if _, err := w.Write(plain); err != nil {
		return nil, fmt.Errorf("cluster: xz compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("cluster: xz close: %w", err)
	}
	return buf.Bytes(), nil
}

func (xzCompressor) Decompress(compressed []byte) ([]byte, error) {
	r, err := xz.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("cluster: xz reader: %w", err)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("cluster: xz decompress: %w", err)
	}
	return out, nil
}
