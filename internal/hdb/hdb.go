// Package hdb implements the hash-addressed paged record file described in
// spec.md §4.B ("HDB"): an on-disk map from opaque key bytes to opaque
// value bytes, with in-place update, a free-block pool, optional
// compression, write-ahead logging for transactions, and a
// crash-consistent iterator. It is the foundation the B+ tree (internal/bdb)
// and table (internal/tdb) layers are built on.
package hdb

import (
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/edsrzf/mmap-go"
	"github.com/gofrs/flock"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/kinfkong/ejdb/ejerr"
)

// Logger is the package-level structured logger used for open and WAL
// recovery diagnostics; callers may override it (e.g. to attach request-scoped
// attributes or route to a different handler).
var Logger = slog.Default()

// PutMode selects the behavior of Put when a key already exists.
type PutMode int

const (
	Overwrite PutMode = iota
	KeepIfAbsent
	Append
	DupListAppend
)

// Compression selects the per-value transparent compression scheme.
type Compression int

const (
	NoCompression Compression = iota
	Deflate
	Bzip2 // decode-only, see compress.go
)

const (
	headerSize  = 256
	magicString = "ToKyO CaBiNeT"
	// record markers
	recMagicAlive = 0xC8
	recMagicFree  = 0x00
)

// Options configure a newly opened record file.
type Options struct {
	Path           string
	BucketCount    uint64 // bucket table size on create, used as given (0 selects 1031); an existing file keeps its own
	CachedRecords  int    // LRU capacity for decoded records, 0 disables the cache
	Large          bool   // sets the large flag in the header; offsets are 64-bit either way
	Compressed     Compression
	NonBlockingLock bool // lock-nb: fail fast instead of blocking on an already-locked file
}

// File is an open handle to a paged record file.
type File struct {
	opts Options

	mu sync.RWMutex // guards header, bucket table, free pool (spec §5)

	f       *os.File
	mapped  mmap.MMap // memory-mapped header+bucket prefix
	lock    *flock.Flock

	hdr header

	buckets []uint64 // in-memory bucket head offsets, mirrors the mapped prefix

	free *freePool

	cache *lru.Cache[string, []byte]

	wal *walFile

	version uint64 // bumped on every structural mutation; iterators re-seek against it
	fatal   atomic.Bool
	fatalErr error
}

type header struct {
	version           [3]byte
	flags             byte
	bucketCount       uint64
	recordCount       uint64
	fileSize          uint64
	freePoolOffset    uint64
	freePoolSize      uint64
	firstRecordOffset uint64
	alignmentPower    byte
	freePowSize        byte
}

const (
	flagLarge            = 1 << 0
	flagCompressedDeflate = 1 << 1
	flagCompressedBzip    = 1 << 2
)

// Open opens or creates a record file at opts.Path.
func Open(opts Options) (*File, error) {
	if opts.BucketCount == 0 {
		opts.BucketCount = 1031 // small prime default, mirrors tchdb's default bnum
	}

	existed := true
	if _, err := os.Stat(opts.Path); os.IsNotExist(err) {
		existed = false
	}

	f, err := os.OpenFile(opts.Path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, ejerr.Wrap(ejerr.IO, "open record file", err)
	}

	fl := flock.New(opts.Path + ".flock")
	if opts.NonBlockingLock {
		ok, err := fl.TryLock()
		if err != nil || !ok {
			f.Close()
			return nil, ejerr.Wrap(ejerr.Lock, "record file already locked", err)
		}
	} else if err := fl.Lock(); err != nil {
		f.Close()
		return nil, ejerr.Wrap(ejerr.Lock, "acquire record file lock", err)
	}

	hf := &File{opts: opts, f: f, lock: fl, free: newFreePool()}
	hf.wal = newWALFile(opts.Path + ".wal")

	if existed {
		if err := hf.loadExisting(); err != nil {
			fl.Unlock()
			f.Close()
			return nil, err
		}
		Logger.Debug("hdb: opened existing record file", "path", opts.Path, "records", hf.hdr.recordCount)
	} else {
		if err := hf.initNew(); err != nil {
			fl.Unlock()
			f.Close()
			return nil, err
		}
		Logger.Debug("hdb: created record file", "path", opts.Path, "buckets", hf.hdr.bucketCount)
	}

	if walEntries, err := hf.wal.readEntries(); err == nil && len(walEntries) > 0 {
		Logger.Warn("hdb: recovering from stale write-ahead log", "path", opts.Path, "entries", len(walEntries))
		if err := hf.Rollback(); err != nil {
			fl.Unlock()
			f.Close()
			return nil, err
		}
	}

	if opts.CachedRecords > 0 {
		c, _ := lru.New[string, []byte](opts.CachedRecords)
		hf.cache = c
	}

	if err := hf.remapPrefix(); err != nil {
		fl.Unlock()
		f.Close()
		return nil, err
	}

	return hf, nil
}

func (h *File) prefixSize() int64 {
	return int64(headerSize) + int64(h.hdr.bucketCount)*8
}

func (h *File) remapPrefix() error {
	if h.mapped != nil {
		h.mapped.Unmap()
		h.mapped = nil
	}
	sz := h.prefixSize()
	fi, err := h.f.Stat()
	if err != nil {
		return ejerr.Wrap(ejerr.IO, "stat record file", err)
	}
	if fi.Size() < sz {
		if err := h.f.Truncate(sz); err != nil {
			return ejerr.Wrap(ejerr.IO, "grow record file prefix", err)
		}
	}
	m, err := mmap.MapRegion(h.f, int(sz), mmap.RDWR, 0, 0)
	if err != nil {
		// Memory mapping is an optimization; degrade gracefully rather than
		// failing the whole open (e.g. on filesystems that reject mmap).
		h.mapped = nil
		return nil
	}
	h.mapped = m
	return nil
}

func (h *File) initNew() error {
	h.hdr = header{
		bucketCount:       h.opts.BucketCount,
		alignmentPower:    4,
		freePowSize:       10,
		firstRecordOffset: headerSize + h.opts.BucketCount*8,
	}
	if h.opts.Large {
		h.hdr.flags |= flagLarge
	}
	switch h.opts.Compressed {
	case Deflate:
		h.hdr.flags |= flagCompressedDeflate
	case Bzip2:
		h.hdr.flags |= flagCompressedBzip
	}
	h.hdr.fileSize = h.hdr.firstRecordOffset
	h.buckets = make([]uint64, h.hdr.bucketCount)
	return h.flushHeaderLocked()
}

func (h *File) loadExisting() error {
	buf := make([]byte, headerSize)
	if _, err := h.f.ReadAt(buf, 0); err != nil {
		return ejerr.Wrap(ejerr.InvalidMetadata, "read record file header", err)
	}
	if string(buf[0:len(magicString)]) != magicString {
		return ejerr.New(ejerr.InvalidMetadata, "metadata-invalid: bad magic")
	}
	hdr, err := decodeHeader(buf)
	if err != nil {
		return err
	}
	h.hdr = hdr
	h.opts.Large = hdr.flags&flagLarge != 0
	switch {
	case hdr.flags&flagCompressedDeflate != 0:
		h.opts.Compressed = Deflate
	case hdr.flags&flagCompressedBzip != 0:
		h.opts.Compressed = Bzip2
	}

	bucketBuf := make([]byte, hdr.bucketCount*8)
	if _, err := h.f.ReadAt(bucketBuf, headerSize); err != nil {
		return ejerr.Wrap(ejerr.InvalidMetadata, "read bucket table", err)
	}
	h.buckets = make([]uint64, hdr.bucketCount)
	for i := range h.buckets {
		h.buckets[i] = be64(bucketBuf[i*8:])
	}

	if hdr.freePoolSize > 0 {
		if poolBuf, err := os.ReadFile(h.opts.Path + ".free"); err == nil {
			h.free.decode(poolBuf)
		}
	}
	return nil
}

func (h *File) setFatal(err error) error {
	h.fatal.Store(true)
	h.fatalErr = err
	return err
}

func (h *File) checkFatal() error {
	if h.fatal.Load() {
		return ejerr.Wrap(ejerr.Fatal, "handle poisoned by a previous error", h.fatalErr)
	}
	return nil
}

// Close flushes dirty state and releases the file lock.
func (h *File) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	var firstErr error
	if err := h.flushHeaderLocked(); err != nil && firstErr == nil {
		firstErr = err
	}
	if h.mapped != nil {
		h.mapped.Unmap()
	}
	if err := h.f.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	h.lock.Unlock()
	os.Remove(h.opts.Path + ".flock")
	return firstErr
}

// Sync flushes the mapped prefix then fsyncs the file (spec §4.B).
func (h *File) Sync() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.flushHeaderLocked(); err != nil {
		return err
	}
	if h.mapped != nil {
		if err := h.mapped.Flush(); err != nil {
			return ejerr.Wrap(ejerr.IO, "flush mapped prefix", err)
		}
	}
	if err := h.f.Sync(); err != nil {
		return h.setFatal(ejerr.Wrap(ejerr.IO, "fsync record file", err))
	}
	return nil
}

// RecordCount returns the number of live records.
func (h *File) RecordCount() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.hdr.recordCount
}

// Version returns the current structural version, used by iterators to
// detect concurrent mutation (spec §5, §9 open question).
func (h *File) Version() uint64 { return atomic.LoadUint64(&h.version) }

func (h *File) bumpVersion() { atomic.AddUint64(&h.version, 1) }

func be64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func putBE64(b []byte, v uint64) {
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}
