// Package bdb implements the B+ tree index layered over internal/hdb
// (spec.md §4.C "BDB"): ordered keys with duplicate support, pluggable
// comparators, a cursor, and range scans. Leaves and internal nodes are
// stored as ordinary hdb records keyed by a little-endian page id; the
// root page id and comparator live in a dedicated metadata record.
package bdb

import (
	"encoding/binary"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/kinfkong/ejdb/ejerr"
	"github.com/kinfkong/ejdb/internal/hdb"
)

// Comparator selects the key ordering (spec §4.C "Comparators"). The
// chosen comparator is persisted in tree metadata and must match at every
// open, per the spec's invariant.
type Comparator int

const (
	Lexical Comparator = iota
	Decimal
	Int32
	Int64
)

// PutMode mirrors spec §4.C "put" modes.
type PutMode int

const (
	Replace PutMode = iota
	Keep
	ConcatValue
	AppendDupBack
	AppendDupFront
)

const (
	metaKey         = "$bdb-meta"
	defaultLeafCap  = 64
	defaultNodeCap  = 128
)

// Tree is an open B+ tree index.
type Tree struct {
	mu sync.RWMutex

	rec *hdb.File // underlying record file; one tree owns the whole file

	comparator Comparator
	leafCap    int
	nodeCap    int

	rootID  uint64
	nextID  uint64

	leafCache *lru.Cache[uint64, *leafNode]
	nodeCache *lru.Cache[uint64, *internalNode]
}

// Options configures a newly opened tree.
type Options struct {
	Record     *hdb.File
	Comparator Comparator
	LeafCap    int
	NodeCap    int
	CacheSize  int
}

func pageKey(id uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, id)
	return b
}

// Open attaches a B+ tree to an already-open record file, creating its
// metadata record on first use.
func Open(opts Options) (*Tree, error) {
	if opts.LeafCap == 0 {
		opts.LeafCap = defaultLeafCap
	}
	if opts.NodeCap == 0 {
		opts.NodeCap = defaultNodeCap
	}
	if opts.CacheSize == 0 {
		opts.CacheSize = 1024
	}

	t := &Tree{
		rec:        opts.Record,
		comparator: opts.Comparator,
		leafCap:    opts.LeafCap,
		nodeCap:    opts.NodeCap,
	}
	lc, _ := lru.New[uint64, *leafNode](opts.CacheSize)
	nc, _ := lru.New[uint64, *internalNode](opts.CacheSize)
	t.leafCache, t.nodeCache = lc, nc

	meta, err := t.rec.Get([]byte(metaKey))
	if err == nil {
		if len(meta) < 17 {
			return nil, ejerr.New(ejerr.InvalidMetadata, "bdb: short metadata record")
		}
		storedComparator := Comparator(meta[0])
		if storedComparator != t.comparator {
			return nil, ejerr.ErrIndexTypeMismatch
		}
		t.rootID = binary.LittleEndian.Uint64(meta[1:9])
		t.nextID = binary.LittleEndian.Uint64(meta[9:17])
		return t, nil
	}

	// Fresh tree: page 1 is the first (empty) leaf, page ids start at 2.
	t.rootID = 1
	t.nextID = 2
	if err := t.writeLeaf(&leafNode{id: 1}); err != nil {
		return nil, err
	}
	if err := t.saveMeta(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Tree) saveMeta() error {
	buf := make([]byte, 17)
	buf[0] = byte(t.comparator)
	binary.LittleEndian.PutUint64(buf[1:9], t.rootID)
	binary.LittleEndian.PutUint64(buf[9:17], t.nextID)
	return t.rec.Put([]byte(metaKey), buf, hdb.Overwrite)
}

func (t *Tree) allocPage() uint64 {
	id := t.nextID
	t.nextID++
	return id
}

// compare orders two keys under the tree's configured comparator.
func (t *Tree) compare(a, b []byte) int {
	return compareKeys(t.comparator, a, b)
}

func compareKeys(c Comparator, a, b []byte) int {
	switch c {
	case Decimal:
		return compareDecimal(a, b)
	case Int32:
		return compareFixedInt(a, b, 4)
	case Int64:
		return compareFixedInt(a, b, 8)
	default:
		return compareBytes(a, b)
	}
}

func compareBytes(a, b []byte) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

func compareFixedInt(a, b []byte, width int) int {
	av := decodeSignedBigEndian(a, width)
	bv := decodeSignedBigEndian(b, width)
	switch {
	case av < bv:
		return -1
	case av > bv:
		return 1
	default:
		return 0
	}
}

// decodeSignedBigEndian decodes a big-endian two's-complement integer of up
// to width bytes, sign-extending from the leading byte so negative keys
// (e.g. int64(-5)) compare below positive ones instead of wrapping around to
// a huge unsigned value.
func decodeSignedBigEndian(buf []byte, width int) int64 {
	if len(buf) == 0 {
		return 0
	}
	v := int64(int8(buf[0]))
	for i := 1; i < width && i < len(buf); i++ {
		v = v<<8 | int64(buf[i])
	}
	return v
}

// compareDecimal compares numeric strings (leading sign, digits, optional
// decimal point) by value rather than lexically, per spec §4.C.
func compareDecimal(a, b []byte) int {
	af, aok := parseDecimal(a)
	bf, bok := parseDecimal(b)
	if !aok || !bok {
		return compareBytes(a, b)
	}
	switch {
	case af < bf:
		return -1
	case af > bf:
		return 1
	default:
		return 0
	}
}

func parseDecimal(b []byte) (float64, bool) {
	var sign float64 = 1
	i := 0
	if i < len(b) && (b[i] == '+' || b[i] == '-') {
		if b[i] == '-' {
			sign = -1
		}
		i++
	}
	var intPart, fracPart float64
	var fracDiv float64 = 1
	seenDigit := false
	afterPoint := false
	for ; i < len(b); i++ {
		c := b[i]
		switch {
		case c == '.' && !afterPoint:
			afterPoint = true
		case c >= '0' && c <= '9':
			seenDigit = true
			if afterPoint {
				fracDiv *= 10
				fracPart = fracPart*10 + float64(c-'0')
			} else {
				intPart = intPart*10 + float64(c-'0')
			}
		default:
			return 0, false
		}
	}
	if !seenDigit {
		return 0, false
	}
	return sign * (intPart + fracPart/fracDiv), true
}
