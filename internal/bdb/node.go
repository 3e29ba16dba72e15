package bdb

import (
	"encoding/binary"

	"github.com/kinfkong/ejdb/ejerr"
	"github.com/kinfkong/ejdb/internal/hdb"
)

// leafEntry holds one key and its (possibly multiple, for duplicate-key
// support) values, in the order the put modes place them (AppendDupBack
// adds at the end, AppendDupFront at the front).
type leafEntry struct {
	key    []byte
	values [][]byte
}

type leafNode struct {
	id      uint64
	prev    uint64
	next    uint64
	entries []leafEntry
}

type internalEntry struct {
	key   []byte
	child uint64
}

type internalNode struct {
	id       uint64
	leftmost uint64 // child to the left of entries[0].key
	entries  []internalEntry
}

func putU32(b []byte, v uint32) { binary.LittleEndian.PutUint32(b, v) }
func getU32(b []byte) uint32    { return binary.LittleEndian.Uint32(b) }
func putU64(b []byte, v uint64) { binary.LittleEndian.PutUint64(b, v) }
func getU64(b []byte) uint64    { return binary.LittleEndian.Uint64(b) }

const nodeKindLeaf = 0x4C     // 'L'
const nodeKindInternal = 0x49 // 'I'

func (n *leafNode) encode() []byte {
	buf := []byte{nodeKindLeaf}
	tmp := make([]byte, 8)
	putU64(tmp, n.prev)
	buf = append(buf, tmp...)
	putU64(tmp, n.next)
	buf = append(buf, tmp...)
	putU32(tmp[:4], uint32(len(n.entries)))
	buf = append(buf, tmp[:4]...)
	for _, e := range n.entries {
		putU32(tmp[:4], uint32(len(e.key)))
		buf = append(buf, tmp[:4]...)
		buf = append(buf, e.key...)
		putU32(tmp[:4], uint32(len(e.values)))
		buf = append(buf, tmp[:4]...)
		for _, v := range e.values {
			putU32(tmp[:4], uint32(len(v)))
			buf = append(buf, tmp[:4]...)
			buf = append(buf, v...)
		}
	}
	return buf
}

func decodeLeaf(id uint64, buf []byte) (*leafNode, error) {
	if len(buf) < 21 || buf[0] != nodeKindLeaf {
		return nil, ejerr.New(ejerr.InvalidMetadata, "bdb: malformed leaf page")
	}
	n := &leafNode{id: id}
	pos := 1
	n.prev = getU64(buf[pos:])
	pos += 8
	n.next = getU64(buf[pos:])
	pos += 8
	count := int(getU32(buf[pos:]))
	pos += 4
	for i := 0; i < count; i++ {
		if pos+4 > len(buf) {
			return nil, ejerr.New(ejerr.InvalidMetadata, "bdb: truncated leaf page")
		}
		klen := int(getU32(buf[pos:]))
		pos += 4
		key := append([]byte(nil), buf[pos:pos+klen]...)
		pos += klen
		vcount := int(getU32(buf[pos:]))
		pos += 4
		values := make([][]byte, vcount)
		for j := 0; j < vcount; j++ {
			vlen := int(getU32(buf[pos:]))
			pos += 4
			values[j] = append([]byte(nil), buf[pos:pos+vlen]...)
			pos += vlen
		}
		n.entries = append(n.entries, leafEntry{key: key, values: values})
	}
	return n, nil
}

func (n *internalNode) encode() []byte {
	buf := []byte{nodeKindInternal}
	tmp := make([]byte, 8)
	putU64(tmp, n.leftmost)
	buf = append(buf, tmp...)
	putU32(tmp[:4], uint32(len(n.entries)))
	buf = append(buf, tmp[:4]...)
	for _, e := range n.entries {
		putU32(tmp[:4], uint32(len(e.key)))
		buf = append(buf, tmp[:4]...)
		buf = append(buf, e.key...)
		putU64(tmp, e.child)
		buf = append(buf, tmp...)
	}
	return buf
}

func decodeInternal(id uint64, buf []byte) (*internalNode, error) {
	if len(buf) < 13 || buf[0] != nodeKindInternal {
		return nil, ejerr.New(ejerr.InvalidMetadata, "bdb: malformed internal page")
	}
	n := &internalNode{id: id}
	pos := 1
	n.leftmost = getU64(buf[pos:])
	pos += 8
	count := int(getU32(buf[pos:]))
	pos += 4
	for i := 0; i < count; i++ {
		klen := int(getU32(buf[pos:]))
		pos += 4
		key := append([]byte(nil), buf[pos:pos+klen]...)
		pos += klen
		child := getU64(buf[pos:])
		pos += 8
		n.entries = append(n.entries, internalEntry{key: key, child: child})
	}
	return n, nil
}

func (t *Tree) readLeaf(id uint64) (*leafNode, error) {
	if n, ok := t.leafCache.Get(id); ok {
		return n, nil
	}
	buf, err := t.rec.Get(pageKey(id))
	if err != nil {
		return nil, ejerr.Wrap(ejerr.IO, "bdb: read leaf page", err)
	}
	n, err := decodeLeaf(id, buf)
	if err != nil {
		return nil, err
	}
	t.leafCache.Add(id, n)
	return n, nil
}

func (t *Tree) writeLeaf(n *leafNode) error {
	t.leafCache.Add(n.id, n)
	return t.rec.Put(pageKey(n.id), n.encode(), hdb.Overwrite)
}

func (t *Tree) readInternal(id uint64) (*internalNode, error) {
	if n, ok := t.nodeCache.Get(id); ok {
		return n, nil
	}
	buf, err := t.rec.Get(pageKey(id))
	if err != nil {
		return nil, ejerr.Wrap(ejerr.IO, "bdb: read internal page", err)
	}
	n, err := decodeInternal(id, buf)
	if err != nil {
		return nil, err
	}
	t.nodeCache.Add(id, n)
	return n, nil
}

func (t *Tree) writeInternal(n *internalNode) error {
	t.nodeCache.Add(n.id, n)
	return t.rec.Put(pageKey(n.id), n.encode(), hdb.Overwrite)
}

// isLeafPage distinguishes a page's kind without fully decoding it.
func (t *Tree) isLeafPage(id uint64) (bool, error) {
	buf, err := t.rec.Get(pageKey(id))
	if err != nil {
		return false, err
	}
	if len(buf) == 0 {
		return false, ejerr.New(ejerr.InvalidMetadata, "bdb: empty page")
	}
	return buf[0] == nodeKindLeaf, nil
}
