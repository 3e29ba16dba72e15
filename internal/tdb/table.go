// Package tdb implements the table layer (spec.md §4.D "TDB"): a record
// file whose values are column maps, with auto-generated primary keys and
// secondary indexes kept consistent across put/out.
package tdb

import (
	"sync"
	"sync/atomic"

	officialBson "go.mongodb.org/mongo-driver/bson"

	ejbson "github.com/kinfkong/ejdb/bson"
	"github.com/kinfkong/ejdb/ejerr"
	"github.com/kinfkong/ejdb/internal/bdb"
	"github.com/kinfkong/ejdb/internal/hdb"
)

// IndexKind enumerates the four index flavors a field path may carry
// simultaneously (spec §3 "Collection").
type IndexKind int

const (
	StringIndex IndexKind = iota
	CaseInsensitiveStringIndex
	NumericIndex
	ArrayTokenIndex
)

type indexDesc struct {
	field string
	kind  IndexKind
	tree  *bdb.Tree
	rec   *hdb.File
}

const counterKey = "$tdb-uid-counter"

// Table binds a primary record file to zero or more secondary indexes.
type Table struct {
	mu      sync.RWMutex // guards the indexes slice and membership
	rec     *hdb.File
	indexes []*indexDesc

	counter   atomic.Uint64
	newIndex  func(path string, cmp bdb.Comparator) (*bdb.Tree, *hdb.File, error)
}

// Options configures an opened table.
type Options struct {
	Record *hdb.File
	// NewIndex opens (creating if absent) the backing record file and B+
	// tree for one secondary index file, identified by its own path. The
	// caller supplies this so the table layer stays agnostic of on-disk
	// naming conventions (owned by the collection layer, spec §6).
	NewIndex func(path string, cmp bdb.Comparator) (*bdb.Tree, *hdb.File, error)
}

func Open(opts Options) (*Table, error) {
	t := &Table{rec: opts.Record, newIndex: opts.NewIndex}
	if buf, err := opts.Record.Get([]byte(counterKey)); err == nil && len(buf) == 8 {
		t.counter.Store(getU64(buf))
	}
	return t, nil
}

func getU64(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

func putU64(v uint64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}

// UIDGenerate returns the next value of the table's persisted primary-key
// counter (spec §4.D "uid-generate()").
func (t *Table) UIDGenerate() (uint64, error) {
	v := t.counter.Add(1)
	if err := t.rec.Put([]byte(counterKey), putU64(v), hdb.Overwrite); err != nil {
		return 0, err
	}
	return v, nil
}

func encodeRow(row officialBson.M) ([]byte, error) {
	var buf []byte
	tmp := make([]byte, 4)
	for name, value := range row {
		elem, err := officialBson.Marshal(officialBson.D{{Key: name, Value: value}})
		if err != nil {
			return nil, ejerr.Wrap(ejerr.DecodeBSON, "tdb: encode column "+name, err)
		}
		putU32(tmp, uint32(len(name)))
		buf = append(buf, tmp...)
		buf = append(buf, name...)
		putU32(tmp, uint32(len(elem)))
		buf = append(buf, tmp...)
		buf = append(buf, elem...)
	}
	return buf, nil
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

func getU32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func decodeRow(buf []byte) (officialBson.M, error) {
	row := officialBson.M{}
	pos := 0
	for pos < len(buf) {
		if pos+4 > len(buf) {
			return nil, ejerr.New(ejerr.InvalidMetadata, "tdb: truncated row (name length)")
		}
		nlen := int(getU32(buf[pos:]))
		pos += 4
		if pos+nlen > len(buf) {
			return nil, ejerr.New(ejerr.InvalidMetadata, "tdb: truncated row (name)")
		}
		name := string(buf[pos : pos+nlen])
		pos += nlen
		if pos+4 > len(buf) {
			return nil, ejerr.New(ejerr.InvalidMetadata, "tdb: truncated row (value length)")
		}
		vlen := int(getU32(buf[pos:]))
		pos += 4
		if pos+vlen > len(buf) {
			return nil, ejerr.New(ejerr.InvalidMetadata, "tdb: truncated row (value)")
		}
		var d officialBson.D
		if err := officialBson.Unmarshal(buf[pos:pos+vlen], &d); err != nil {
			return nil, ejerr.Wrap(ejerr.DecodeBSON, "tdb: decode column "+name, err)
		}
		pos += vlen
		if len(d) == 1 {
			row[name] = d[0].Value
		}
	}
	return row, nil
}

// Get returns the decoded column map stored under primary key pk.
func (t *Table) Get(pk []byte) (officialBson.M, error) {
	buf, err := t.rec.Get(pk)
	if err != nil {
		return nil, err
	}
	return decodeRow(buf)
}

// Put stores row under pk (generating one via UIDGenerate when pk is nil),
// updating every secondary index whose field changed (spec §4.D "Index
// maintenance"). Returns the primary key actually used.
func (t *Table) Put(pk []byte, row officialBson.M, mode hdb.PutMode) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if pk == nil {
		uid, err := t.UIDGenerate()
		if err != nil {
			return nil, err
		}
		pk = putU64(uid)
	}

	var oldRow officialBson.M
	if buf, err := t.rec.Get(pk); err == nil {
		oldRow, _ = decodeRow(buf)
	}

	encoded, err := encodeRow(row)
	if err != nil {
		return nil, err
	}
	if err := t.rec.Put(pk, encoded, mode); err != nil {
		return nil, err
	}

	for _, idx := range t.indexes {
		oldVal, oldOK := ejbson.Get(ejbson.M(oldRow), idx.field)
		newVal, newOK := ejbson.Get(ejbson.M(row), idx.field)
		if oldOK && (!newOK || ejbson.Compare(oldVal, newVal) != 0) {
			removeIndexEntries(idx, oldVal, pk)
		}
		if newOK && (!oldOK || ejbson.Compare(oldVal, newVal) != 0) {
			if err := addIndexEntries(idx, newVal, pk); err != nil {
				return nil, err
			}
		}
	}
	return pk, nil
}

// Out removes the row at pk, stripping it from every secondary index.
func (t *Table) Out(pk []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	buf, err := t.rec.Get(pk)
	if err != nil {
		return err
	}
	row, err := decodeRow(buf)
	if err != nil {
		return err
	}
	if err := t.rec.Out(pk); err != nil {
		return err
	}
	for _, idx := range t.indexes {
		if v, ok := ejbson.Get(ejbson.M(row), idx.field); ok {
			removeIndexEntries(idx, v, pk)
		}
	}
	return nil
}

// Iterate returns a sequential scan over every (pk, row) in the table,
// used by query full-scans and index rebuilds.
func (t *Table) Iterate() *hdb.Iterator {
	return t.rec.Iterate(0)
}

// RowIterator decodes each underlying record into its column map as it
// scans, skipping the table's own persisted uid counter record. Used by
// the collection layer's export and truncate-on-replace-import paths.
type RowIterator struct {
	it *hdb.Iterator
}

// IterateRows is Iterate plus column-map decoding, for callers that want
// every live row rather than raw record bytes.
func (t *Table) IterateRows() *RowIterator {
	return &RowIterator{it: t.rec.Iterate(0)}
}

// Next returns the next (pk, row) pair, or ok=false once exhausted.
func (r *RowIterator) Next() (pk []byte, row officialBson.M, ok bool) {
	for {
		k, v, _, more := r.it.Next()
		if !more {
			return nil, nil, false
		}
		if string(k) == counterKey {
			continue
		}
		decoded, err := decodeRow(v)
		if err != nil {
			continue
		}
		return k, decoded, true
	}
}

// RecordCount reports the number of live document rows, excluding the
// table's own persisted uid counter record.
func (t *Table) RecordCount() uint64 {
	n := t.rec.RecordCount()
	if n > 0 {
		if _, err := t.rec.Get([]byte(counterKey)); err == nil {
			n--
		}
	}
	return n
}

func (t *Table) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, idx := range t.indexes {
		if idx.rec != nil {
			idx.rec.Close()
		}
	}
	return t.rec.Close()
}
