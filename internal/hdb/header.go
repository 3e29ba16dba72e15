package hdb

import (
	"os"

	"github.com/kinfkong/ejdb/ejerr"
)

// encodeHeader serializes the fixed 256-byte header (spec §6 "Record file
// magic"): magic string + 3-byte version at byte 16, flags at byte 32,
// alignment-power at byte 36, free-pool-size-power at byte 37, followed by
// the 64-bit counters used by this implementation (bucket count, record
// count, file size, free-pool offset/size, first-record offset).
func encodeHeader(h header) []byte {
	buf := make([]byte, headerSize)
	copy(buf, magicString)
	copy(buf[16:19], h.version[:])
	buf[32] = h.flags
	buf[36] = h.alignmentPower
	buf[37] = h.freePowSize

	off := 40
	putBE64(buf[off:], h.bucketCount)
	off += 8
	putBE64(buf[off:], h.recordCount)
	off += 8
	putBE64(buf[off:], h.fileSize)
	off += 8
	putBE64(buf[off:], h.freePoolOffset)
	off += 8
	putBE64(buf[off:], h.freePoolSize)
	off += 8
	putBE64(buf[off:], h.firstRecordOffset)
	return buf
}

func decodeHeader(buf []byte) (header, error) {
	if len(buf) < headerSize {
		return header{}, ejerr.New(ejerr.InvalidMetadata, "metadata-invalid: short header")
	}
	var h header
	copy(h.version[:], buf[16:19])
	h.flags = buf[32]
	h.alignmentPower = buf[36]
	h.freePowSize = buf[37]

	off := 40
	h.bucketCount = be64(buf[off:])
	off += 8
	h.recordCount = be64(buf[off:])
	off += 8
	h.fileSize = be64(buf[off:])
	off += 8
	h.freePoolOffset = be64(buf[off:])
	off += 8
	h.freePoolSize = be64(buf[off:])
	off += 8
	h.firstRecordOffset = be64(buf[off:])
	return h, nil
}

// flushHeaderLocked writes the header, bucket table, and free pool. The
// free pool is kept in a small ".free" sidecar rather than inline in the
// record region, so persisting it never collides with the live record
// span as the file grows. Caller must hold h.mu for write.
func (h *File) flushHeaderLocked() error {
	poolBytes := h.free.encode()
	h.hdr.freePoolSize = uint64(len(poolBytes))
	h.hdr.freePoolOffset = 0

	buf := encodeHeader(h.hdr)
	if _, err := h.f.WriteAt(buf, 0); err != nil {
		return h.setFatal(ejerr.Wrap(ejerr.IO, "write record file header", err))
	}

	bucketBuf := make([]byte, len(h.buckets)*8)
	for i, v := range h.buckets {
		putBE64(bucketBuf[i*8:], v)
	}
	if _, err := h.f.WriteAt(bucketBuf, headerSize); err != nil {
		return h.setFatal(ejerr.Wrap(ejerr.IO, "write bucket table", err))
	}

	if len(poolBytes) > 0 {
		if err := os.WriteFile(h.opts.Path+".free", poolBytes, 0644); err != nil {
			return h.setFatal(ejerr.Wrap(ejerr.IO, "write free pool", err))
		}
	}
	return nil
}
