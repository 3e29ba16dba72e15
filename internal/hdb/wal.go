package hdb

import (
	"encoding/binary"
	"os"
	"sync"

	"github.com/kinfkong/ejdb/ejerr"
)

// walFile is the write-ahead log sidecar described in spec §4.B
// "Transactions / WAL": on tran-begin it comes into existence; every write
// thereafter appends (offset, length, old-bytes) before the in-place
// write; tran-commit truncates it; tran-abort replays entries in reverse.
type walFile struct {
	mu     sync.Mutex
	path   string
	f      *os.File // nil unless a transaction is active
	active bool
}

func newWALFile(path string) *walFile { return &walFile{path: path} }

func (w *walFile) begin() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.active {
		return ejerr.ErrTransactionConflict
	}
	f, err := os.OpenFile(w.path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return ejerr.Wrap(ejerr.IO, "create WAL", err)
	}
	w.f = f
	w.active = true
	return nil
}

// append records the pre-image of [offset, offset+length) from src before
// it is overwritten. A no-op when no transaction is active.
func (w *walFile) append(src *os.File, offset, length uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.active {
		return nil
	}
	old := make([]byte, length)
	n, _ := src.ReadAt(old, int64(offset))
	old = old[:n] // record may not exist yet (fresh allocation): shorter/empty pre-image

	var hdr [24]byte
	binary.BigEndian.PutUint64(hdr[0:8], offset)
	binary.BigEndian.PutUint64(hdr[8:16], uint64(len(old)))
	binary.BigEndian.PutUint64(hdr[16:24], length)
	if _, err := w.f.Write(hdr[:]); err != nil {
		return ejerr.Wrap(ejerr.IO, "append WAL header", err)
	}
	if _, err := w.f.Write(old); err != nil {
		return ejerr.Wrap(ejerr.IO, "append WAL payload", err)
	}
	return nil
}

type walEntry struct {
	offset     uint64
	oldLen     uint64
	coveredLen uint64
	old        []byte
}

func (w *walFile) readEntries() ([]walEntry, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, ejerr.Wrap(ejerr.IO, "read WAL", err)
	}
	var entries []walEntry
	off := 0
	for off+24 <= len(data) {
		e := walEntry{
			offset:     binary.BigEndian.Uint64(data[off : off+8]),
			oldLen:     binary.BigEndian.Uint64(data[off+8 : off+16]),
			coveredLen: binary.BigEndian.Uint64(data[off+16 : off+24]),
		}
		off += 24
		end := off + int(e.oldLen)
		if end > len(data) {
			break
		}
		e.old = data[off:end]
		off = end
		entries = append(entries, e)
	}
	return entries, nil
}

func (w *walFile) commit() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.active {
		return nil
	}
	w.f.Close()
	os.Remove(w.path)
	w.f = nil
	w.active = false
	return nil
}

// abort replays WAL entries in reverse order against dst, restoring its
// pre-transaction state, then truncates the log.
func (w *walFile) abort(dst *os.File) error {
	w.mu.Lock()
	entries, err := w.readEntries()
	w.mu.Unlock()
	if err != nil {
		return err
	}
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if e.oldLen == 0 {
			// This write was a fresh allocation with no pre-image; undo by
			// zeroing the span it wrote.
			zero := make([]byte, e.coveredLen)
			if _, err := dst.WriteAt(zero, int64(e.offset)); err != nil {
				return ejerr.Wrap(ejerr.IO, "WAL replay (zero)", err)
			}
			continue
		}
		if _, err := dst.WriteAt(e.old, int64(e.offset)); err != nil {
			return ejerr.Wrap(ejerr.IO, "WAL replay", err)
		}
	}
	w.mu.Lock()
	if w.f != nil {
		w.f.Close()
	}
	os.Remove(w.path)
	w.f = nil
	w.active = false
	w.mu.Unlock()
	return nil
}

// Begin starts a transaction on the underlying record file.
func (h *File) Begin() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.wal.active {
		return ejerr.ErrTransactionConflict
	}
	// Rollback reloads header/bucket/free-pool state from disk, so that
	// state must be on disk as of Begin.
	if err := h.flushHeaderLocked(); err != nil {
		return err
	}
	return h.wal.begin()
}

// Commit ends the transaction, making its writes durable after Sync.
func (h *File) Commit() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.wal.commit(); err != nil {
		return err
	}
	return h.flushHeaderLocked()
}

// Rollback restores the file to its pre-Begin state by replaying the WAL
// in reverse, then reloads in-memory header/bucket/free-pool state from
// disk (spec: "indexes are rebuilt lazily from the restored records").
func (h *File) Rollback() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.wal.abort(h.f); err != nil {
		return err
	}
	return h.loadExisting()
}
