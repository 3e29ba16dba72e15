package hdb

import (
	"hash/fnv"

	"github.com/kinfkong/ejdb/ejerr"
)

// recordHeaderSize is the fixed, uncompressed prefix of every on-disk
// record: magic(1) keySize(4) valSize(4) padSize(4) left(8) right(8)
// hashHighByte(1). The sizes are 4 bytes each; the child offsets (like the
// bucket-table entries) are always 8 bytes, whether or not the "large"
// flag is set.
const recordHeaderSize = 1 + 4 + 4 + 4 + 8 + 8 + 1

type record struct {
	offset   uint64
	magic    byte
	keySize  uint32
	valSize  uint32
	padSize  uint32
	left     uint64
	right    uint64
	hashHigh byte
	key      []byte
	value    []byte
}

func hashKey(key []byte) (bucket func(n uint64) uint64, hashHigh byte, full uint64) {
	h := fnv.New64a()
	h.Write(key)
	sum := h.Sum64()
	return func(n uint64) uint64 { return sum % n }, byte(sum >> 56), sum
}

func (r *record) totalSize() uint64 {
	return recordHeaderSize + uint64(r.keySize) + uint64(r.valSize) + uint64(r.padSize)
}

func (r *record) encode() []byte {
	buf := make([]byte, r.totalSize())
	buf[0] = r.magic
	putBE32(buf[1:], r.keySize)
	putBE32(buf[5:], r.valSize)
	putBE32(buf[9:], r.padSize)
	putBE64(buf[13:], r.left)
	putBE64(buf[21:], r.right)
	buf[29] = r.hashHigh
	off := recordHeaderSize
	copy(buf[off:], r.key)
	off += int(r.keySize)
	copy(buf[off:], r.value)
	return buf
}

func putBE32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

func be32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// readRecordHeader reads just the fixed header at offset, without the
// key/value payload.
func (h *File) readRecordHeader(offset uint64) (*record, error) {
	buf := make([]byte, recordHeaderSize)
	if _, err := h.f.ReadAt(buf, int64(offset)); err != nil {
		return nil, ejerr.Wrap(ejerr.IO, "read record header", err)
	}
	r := &record{
		offset:   offset,
		magic:    buf[0],
		keySize:  be32(buf[1:]),
		valSize:  be32(buf[5:]),
		padSize:  be32(buf[9:]),
		left:     be64(buf[13:]),
		right:    be64(buf[21:]),
		hashHigh: buf[29],
	}
	return r, nil
}

// readRecordFull reads the header plus key and value payload.
func (h *File) readRecordFull(offset uint64) (*record, error) {
	r, err := h.readRecordHeader(offset)
	if err != nil {
		return nil, err
	}
	if r.magic != recMagicAlive {
		return nil, ejerr.New(ejerr.InvalidMetadata, "metadata-invalid: record magic mismatch")
	}
	payload := make([]byte, r.keySize+r.valSize)
	if _, err := h.f.ReadAt(payload, int64(offset)+recordHeaderSize); err != nil {
		return nil, ejerr.Wrap(ejerr.IO, "read record payload", err)
	}
	r.key = payload[:r.keySize]
	r.value = payload[r.keySize:]
	return r, nil
}

func (h *File) writeRecordAt(offset uint64, r *record) error {
	if err := h.wal.append(h.f, offset, r.totalSize()); err != nil {
		return h.setFatal(err)
	}
	buf := r.encode()
	if _, err := h.f.WriteAt(buf, int64(offset)); err != nil {
		return h.setFatal(ejerr.Wrap(ejerr.IO, "write record", err))
	}
	return nil
}

func compareKeys(aHigh byte, aKey []byte, bHigh byte, bKey []byte) int {
	if aHigh != bHigh {
		if aHigh < bHigh {
			return -1
		}
		return 1
	}
	for i := 0; i < len(aKey) && i < len(bKey); i++ {
		if aKey[i] != bKey[i] {
			if aKey[i] < bKey[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(aKey) < len(bKey):
		return -1
	case len(aKey) > len(bKey):
		return 1
	default:
		return 0
	}
}

// allocate finds space (from the free pool, or by growing the file) for a
// record of the given total size and returns its offset.
func (h *File) allocate(size uint64) (uint64, error) {
	if off, ok := h.free.bestFit(size); ok {
		return off, nil
	}
	off := h.hdr.fileSize
	h.hdr.fileSize += size
	if err := h.f.Truncate(int64(h.hdr.fileSize)); err != nil {
		return 0, h.setFatal(ejerr.Wrap(ejerr.IO, "grow record file", err))
	}
	return off, nil
}

func (h *File) freeSlot(offset uint64, size uint64) {
	h.free.insert(offset, size)
}
