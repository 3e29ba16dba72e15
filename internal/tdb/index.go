package tdb

import (
	"fmt"
	"math"

	"golang.org/x/text/cases"

	ejbson "github.com/kinfkong/ejdb/bson"
	"github.com/kinfkong/ejdb/ejerr"
	"github.com/kinfkong/ejdb/internal/bdb"
)

var caseFolder = cases.Fold()

// comparatorFor maps an index kind onto the B+ tree comparator that
// realizes its ordering (spec §3 "Index").
func comparatorFor(kind IndexKind) bdb.Comparator {
	switch kind {
	case NumericIndex:
		return bdb.Decimal
	default:
		return bdb.Lexical
	}
}

// encodeIndexKey projects a BSON scalar value into the byte key stored in
// an index's B+ tree, per the field path's index kind.
func encodeIndexKey(kind IndexKind, v interface{}) ([]byte, error) {
	switch kind {
	case NumericIndex:
		f, ok := asFloat(v)
		if !ok {
			return nil, ejerr.New(ejerr.InvalidArgument, "tdb: non-numeric value for numeric index")
		}
		return []byte(formatDecimalKey(f)), nil
	case CaseInsensitiveStringIndex:
		return []byte(caseFolder.String(fmt.Sprint(v))), nil
	default:
		return []byte(fmt.Sprint(v)), nil
	}
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func formatDecimalKey(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return fmt.Sprintf("%.0f", f)
	}
	s := fmt.Sprintf("%.17g", f)
	return s
}

// EnsureIndex creates (or returns the existing) secondary index on field
// with the given kind, backed by its own record file via newIndex.
func (t *Table) EnsureIndex(field string, kind IndexKind, path string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, idx := range t.indexes {
		if idx.field == field && idx.kind == kind {
			return nil
		}
	}
	if t.newIndex == nil {
		return ejerr.New(ejerr.InvalidArgument, "tdb: no index-file factory configured")
	}
	tree, rec, err := t.newIndex(path, comparatorFor(kind))
	if err != nil {
		return err
	}
	desc := &indexDesc{field: field, kind: kind, tree: tree, rec: rec}
	t.indexes = append(t.indexes, desc)
	return t.rebuildLocked(desc)
}

// DropIndex removes the descriptor and closes its backing file; the file
// itself is left for the caller (collection layer) to unlink.
func (t *Table) DropIndex(field string, kind IndexKind) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, idx := range t.indexes {
		if idx.field == field && idx.kind == kind {
			if idx.rec != nil {
				idx.rec.Close()
			}
			t.indexes = append(t.indexes[:i], t.indexes[i+1:]...)
			return nil
		}
	}
	return ejerr.ErrNotFound
}

// RebuildIndex re-projects the entire row set into the index tree. The tree
// is not truncated first: a (key, pk) pair already present is kept once,
// and entries whose row no longer holds that value (or no longer exists)
// are not removed.
func (t *Table) RebuildIndex(field string, kind IndexKind) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, idx := range t.indexes {
		if idx.field == field && idx.kind == kind {
			return t.rebuildLocked(idx)
		}
	}
	return ejerr.ErrNotFound
}

func (t *Table) rebuildLocked(idx *indexDesc) error {
	it := t.rec.Iterate(0)
	for {
		pk, val, _, ok := it.Next()
		if !ok {
			break
		}
		if string(pk) == counterKey {
			continue
		}
		row, err := decodeRow(val)
		if err != nil {
			continue
		}
		if v, ok := ejbson.Get(ejbson.M(row), idx.field); ok {
			if err := addIndexEntries(idx, v, pk); err != nil {
				return err
			}
		}
	}
	return nil
}

// addIndexEntries projects value into idx's tree, fanning an array value
// out into one entry per element for an ArrayTokenIndex (spec §3: "array
// indexes" key on "the element's type").
func addIndexEntries(idx *indexDesc, value interface{}, pk []byte) error {
	for _, v := range elementsFor(idx.kind, value) {
		key, err := encodeIndexKey(idx.kind, v)
		if err != nil {
			continue
		}
		idx.tree.OutValue(key, pk) // never hold the same (key, pk) pair twice
		if err := idx.tree.Put(key, pk, bdb.AppendDupBack); err != nil {
			return err
		}
	}
	return nil
}

func removeIndexEntries(idx *indexDesc, value interface{}, pk []byte) {
	for _, v := range elementsFor(idx.kind, value) {
		key, err := encodeIndexKey(idx.kind, v)
		if err != nil {
			continue
		}
		idx.tree.OutValue(key, pk)
	}
}

func elementsFor(kind IndexKind, value interface{}) []interface{} {
	if kind != ArrayTokenIndex {
		return []interface{}{value}
	}
	if a, ok := ejbson.AsArray(value); ok {
		return a
	}
	return []interface{}{value}
}

// IndexKindFor reports whether field carries a secondary index and, if so,
// its kind — used by the query planner to score index candidates (spec
// §4.G "Planning").
func (t *Table) IndexKindFor(field string) (IndexKind, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, idx := range t.indexes {
		if idx.field == field {
			return idx.kind, true
		}
	}
	return 0, false
}

// IndexEqual returns every primary key indexed under value on field (an
// index-lookup execution strategy, spec §4.G step 1).
func (t *Table) IndexEqual(field string, value interface{}) ([][]byte, error) {
	t.mu.RLock()
	idx := t.indexDesc(field)
	t.mu.RUnlock()
	if idx == nil {
		return nil, ejerr.ErrNotFound
	}
	key, err := encodeIndexKey(idx.kind, value)
	if err != nil {
		return nil, err
	}
	vs, err := idx.tree.GetAll(key)
	if err != nil {
		return nil, nil
	}
	return vs, nil
}

// IndexRange returns the primary key of every entry on field's index with a
// key between low and high inclusive (either may be nil for unbounded), in
// key order; an index-scan execution strategy.
func (t *Table) IndexRange(field string, low, high interface{}, max int) ([][]byte, error) {
	t.mu.RLock()
	idx := t.indexDesc(field)
	t.mu.RUnlock()
	if idx == nil {
		return nil, ejerr.ErrNotFound
	}
	var lowKey, highKey []byte
	if low != nil {
		k, err := encodeIndexKey(idx.kind, low)
		if err != nil {
			return nil, err
		}
		lowKey = k
	}
	if high != nil {
		k, err := encodeIndexKey(idx.kind, high)
		if err != nil {
			return nil, err
		}
		highKey = k
	}
	pairs, err := idx.tree.Range(lowKey, highKey, max)
	if err != nil {
		return nil, err
	}
	pks := make([][]byte, len(pairs))
	for i, p := range pairs {
		pks[i] = p[1]
	}
	return pks, nil
}

func (t *Table) indexDesc(field string) *indexDesc {
	for _, idx := range t.indexes {
		if idx.field == field {
			return idx
		}
	}
	return nil
}
