package oc

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/wippyai/wasm-sandbox"
	"github.com/wippyai/wasm-sandbox/errors"
	"github.com/wippyai/wasm-sandbox/fault"
	"github.com/wippyai/wasm-sandbox/ipc"
)

// HeaderSize is the space reserved at the start of the cache file.
const HeaderSize = 4096

// MinCacheSize is the smallest usable cache file.
const MinCacheSize = 1 << 20

// CacheFileName is the name of the cache file inside the data directory.
const CacheFileName = "code_cache.bin"

const formatVersion uint32 = 1

var fileMagic = [8]byte{'s', 'b', 'x', 'o', 'c', 'c', 0, 0}

// header is the fixed prefix of the cache file.
type header struct {
	Magic       [8]byte
	Version     uint32
	Dirty       uint32
	Size        uint64
	IndexOffset uint64
	IndexSize   uint64
}

// indexEntry is one persisted cache entry.
type indexEntry struct {
	Descriptor wasmsandbox.Descriptor `cbor:"1,keyasint"`
	VMType     uint8                  `cbor:"2,keyasint"`
	LastUsed   uint32                 `cbor:"3,keyasint"`
}

func (e indexEntry) codeID() wasmsandbox.CodeID {
	return wasmsandbox.CodeID{Hash: e.Descriptor.CodeHash, VMType: e.VMType, VMVersion: e.Descriptor.VMVersion}
}

// cacheFile is the node's view of the cache file: read-write descriptor for
// the header and index, read-only shared mapping for artifacts.
type cacheFile struct {
	f    *os.File
	data []byte
	size uint64
}

// openCacheFile opens or creates the cache file at path and marks it dirty.
// It returns the entries persisted by the last clean close.
func openCacheFile(path string, size uint64) (*cacheFile, []indexEntry, error) {
	if size < MinCacheSize {
		return nil, nil, errors.InvalidInput(errors.PhaseCache, fmt.Sprintf("cache size %d below minimum %d", size, MinCacheSize))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, errors.Wrap(errors.PhaseCache, errors.KindInvalidInput, err, "create cache directory")
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, nil, errors.Wrap(errors.PhaseCache, errors.KindInvalidInput, err, "open cache file")
	}
	cf := &cacheFile{f: f, size: size}

	entries, err := cf.load()
	if err != nil {
		Logger().Warn("resetting code cache", zap.String("path", path), zap.Error(err))
		entries = nil
		if err := cf.reset(); err != nil {
			_ = f.Close()
			return nil, nil, err
		}
	}
	if err := cf.writeHeader(header{Magic: fileMagic, Version: formatVersion, Dirty: 1, Size: size}); err != nil {
		_ = f.Close()
		return nil, nil, err
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		_ = f.Close()
		return nil, nil, errors.Wrap(errors.PhaseCache, errors.KindInvalidData, err, "map cache file")
	}
	cf.data = data
	return cf, entries, nil
}

func (cf *cacheFile) readHeader() (header, error) {
	buf := make([]byte, binary.Size(header{}))
	if _, err := cf.f.ReadAt(buf, 0); err != nil {
		return header{}, err
	}
	var h header
	err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &h)
	return h, err
}

func (cf *cacheFile) writeHeader(h header) error {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, h); err != nil {
		return errors.Wrap(errors.PhaseCache, errors.KindInvalidData, err, "encode header")
	}
	if _, err := cf.f.WriteAt(buf.Bytes(), 0); err != nil {
		return errors.Wrap(errors.PhaseCache, errors.KindInvalidData, err, "write header")
	}
	if err := cf.f.Sync(); err != nil {
		return errors.Wrap(errors.PhaseCache, errors.KindInvalidData, err, "sync header")
	}
	return nil
}

// load validates the header and reads the index.
func (cf *cacheFile) load() ([]indexEntry, error) {
	st, err := cf.f.Stat()
	if err != nil {
		return nil, err
	}
	if st.Size() == 0 {
		return nil, fmt.Errorf("new cache file")
	}
	h, err := cf.readHeader()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	switch {
	case h.Magic != fileMagic:
		return nil, fmt.Errorf("bad magic")
	case h.Version != formatVersion:
		return nil, fmt.Errorf("format version %d, want %d", h.Version, formatVersion)
	case h.Dirty != 0:
		return nil, fmt.Errorf("cache was not closed cleanly")
	case h.Size != cf.size || uint64(st.Size()) != cf.size:
		return nil, fmt.Errorf("cache size %d, configured %d", h.Size, cf.size)
	}
	if h.IndexSize == 0 {
		return nil, nil
	}
	if h.IndexOffset < HeaderSize || h.IndexOffset+h.IndexSize > cf.size {
		return nil, fmt.Errorf("index [%d, %d) out of range", h.IndexOffset, h.IndexOffset+h.IndexSize)
	}
	buf := make([]byte, h.IndexSize)
	if _, err := cf.f.ReadAt(buf, int64(h.IndexOffset)); err != nil {
		return nil, fmt.Errorf("read index: %w", err)
	}
	var entries []indexEntry
	if err := cbor.Unmarshal(buf, &entries); err != nil {
		return nil, fmt.Errorf("decode index: %w", err)
	}
	for _, e := range entries {
		if e.Descriptor.End() > cf.size || (e.Descriptor.CodeSize > 0 && e.Descriptor.CodeBegin < HeaderSize) {
			return nil, fmt.Errorf("entry %s out of range", e.codeID())
		}
	}
	return entries, nil
}

// reset truncates the file to an empty cache of the configured size.
func (cf *cacheFile) reset() error {
	if err := cf.f.Truncate(0); err != nil {
		return errors.Wrap(errors.PhaseCache, errors.KindInvalidData, err, "truncate cache file")
	}
	if err := cf.f.Truncate(int64(cf.size)); err != nil {
		return errors.Wrap(errors.PhaseCache, errors.KindInvalidData, err, "size cache file")
	}
	return nil
}

// persist writes entries into free space and marks the file clean. live are
// the regions holding artifacts.
func (cf *cacheFile) persist(entries []indexEntry, live []ipc.Region) error {
	h := header{Magic: fileMagic, Version: formatVersion, Size: cf.size}
	if len(entries) > 0 {
		buf, err := cbor.Marshal(entries)
		if err != nil {
			return errors.Wrap(errors.PhaseCache, errors.KindInvalidData, err, "encode index")
		}
		alloc, err := NewAllocator(HeaderSize, cf.size, live)
		if err != nil {
			return errors.Wrap(errors.PhaseCache, errors.KindInvalidData, err, "index allocator")
		}
		off, ok := alloc.Allocate(uint64(len(buf)))
		if !ok {
			return errors.CacheTooFull("index")
		}
		if _, err := cf.f.WriteAt(buf, int64(off)); err != nil {
			return errors.Wrap(errors.PhaseCache, errors.KindInvalidData, err, "write index")
		}
		h.IndexOffset, h.IndexSize = off, uint64(len(buf))
	}
	if err := cf.f.Sync(); err != nil {
		return errors.Wrap(errors.PhaseCache, errors.KindInvalidData, err, "sync cache file")
	}
	return cf.writeHeader(h)
}

// read copies size bytes at off out of the mapping. A fault while reading,
// such as SIGBUS after the file was truncated underneath the mapping, is
// returned as an error.
func (cf *cacheFile) read(off uint64, size uint32) ([]byte, error) {
	if off+uint64(size) > uint64(len(cf.data)) {
		return nil, errors.InvalidData(errors.PhaseCache, fmt.Sprintf("region [%d, %d) outside cache file", off, off+uint64(size)))
	}
	out := make([]byte, size)
	err := fault.Run(func() error {
		copy(out, cf.data[off:off+uint64(size)])
		return nil
	}, func(sig fault.Signal) error {
		return errors.InvalidData(errors.PhaseCache, fmt.Sprintf("%s reading cache region at %d", sig, off))
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (cf *cacheFile) close() error {
	var err error
	if cf.data != nil {
		err = unix.Munmap(cf.data)
		cf.data = nil
	}
	if cerr := cf.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// regions returns the cache file ranges used by d.
func regions(d *wasmsandbox.Descriptor) []ipc.Region {
	var out []ipc.Region
	if d.CodeSize > 0 {
		out = append(out, ipc.Region{Offset: d.CodeBegin, Size: uint64(d.CodeSize)})
	}
	if d.InitDataSize > 0 {
		out = append(out, ipc.Region{Offset: d.InitDataBegin, Size: uint64(d.InitDataSize)})
	}
	return out
}
