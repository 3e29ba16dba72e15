package hdb

import "github.com/kinfkong/ejdb/ejerr"

// CASFunc is the callback for a compare-and-swap Put: given the current
// value (nil if absent), it returns the new value to store and whether to
// proceed at all.
type CASFunc func(current []byte, exists bool) (next []byte, proceed bool)

// linkRef identifies how a node is referenced by its parent, so an update
// can repoint that single pointer without re-scanning the tree: either a
// bucket head, or a specific child slot of a parent record.
type linkRef struct {
	isBucket bool
	bucket   uint64
	parent   uint64
	isLeft   bool
}

func (h *File) relink(ref linkRef, newOffset uint64) error {
	if ref.isBucket {
		h.buckets[ref.bucket] = newOffset
		return nil
	}
	parent, err := h.readRecordFull(ref.parent)
	if err != nil {
		return err
	}
	if ref.isLeft {
		parent.left = newOffset
	} else {
		parent.right = newOffset
	}
	return h.writeRecordAt(ref.parent, parent)
}

// descend walks the per-bucket BST for key, returning the matching record
// (nil if absent) and the linkRef describing how its parent points at it.
func (h *File) descend(key []byte, hashHigh byte, bucket uint64) (*record, linkRef, error) {
	ref := linkRef{isBucket: true, bucket: bucket}
	cur := h.buckets[bucket]
	for cur != 0 {
		r, err := h.readRecordFull(cur)
		if err != nil {
			return nil, ref, err
		}
		cmp := compareKeys(hashHigh, key, r.hashHigh, r.key)
		if cmp == 0 {
			return r, ref, nil
		}
		ref = linkRef{parent: cur, isLeft: cmp < 0}
		if cmp < 0 {
			cur = r.left
		} else {
			cur = r.right
		}
	}
	return nil, ref, nil
}

// Put inserts or updates the value for key according to mode (spec §4.B).
func (h *File) Put(key, value []byte, mode PutMode) error {
	_, err := h.put(key, value, mode, nil)
	return err
}

// PutCAS performs a compare-and-swap style update driven by fn.
func (h *File) PutCAS(key []byte, fn CASFunc) error {
	_, err := h.put(key, nil, Overwrite, fn)
	return err
}

func (h *File) put(key, value []byte, mode PutMode, cas CASFunc) (bool, error) {
	if err := h.checkFatal(); err != nil {
		return false, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	bucketFn, hashHigh, _ := hashKey(key)
	bucket := bucketFn(h.hdr.bucketCount)

	existing, ref, err := h.descend(key, hashHigh, bucket)
	if err != nil {
		return false, h.setFatal(err)
	}

	if existing != nil {
		existingValue, derr := h.decompressValue(existing.value)
		if derr != nil {
			return false, derr
		}
		newValue := value
		switch mode {
		case KeepIfAbsent:
			return false, ejerr.ErrAlreadyExists
		case Append:
			newValue = append(append([]byte{}, existingValue...), value...)
		case DupListAppend:
			newValue = append(append(append([]byte{}, existingValue...), 0), value...)
		default: // Overwrite, or CAS below
		}
		if cas != nil {
			v, proceed := cas(existingValue, true)
			if !proceed {
				return false, nil
			}
			newValue = v
		}
		if err := h.rewriteRecord(existing, ref, key, newValue); err != nil {
			return false, err
		}
		if h.cache != nil {
			h.cache.Remove(string(key))
		}
		h.bumpVersion()
		return true, nil
	}

	newValue := value
	if cas != nil {
		v, proceed := cas(nil, false)
		if !proceed {
			return false, nil
		}
		newValue = v
	}
	compressed, err := h.compressValue(newValue)
	if err != nil {
		return false, err
	}
	rec := &record{
		magic:    recMagicAlive,
		keySize:  uint32(len(key)),
		valSize:  uint32(len(compressed)),
		hashHigh: hashHigh,
		key:      key,
		value:    compressed,
	}
	offset, err := h.allocate(rec.totalSize())
	if err != nil {
		return false, err
	}
	rec.offset = offset
	if err := h.wal.append(h.f, offset, rec.totalSize()); err != nil {
		return false, h.setFatal(err)
	}
	if err := h.writeRecordAt(offset, rec); err != nil {
		return false, err
	}
	if err := h.relink(ref, offset); err != nil {
		return false, h.setFatal(err)
	}
	h.hdr.recordCount++
	h.bumpVersion()
	return true, nil
}

// rewriteRecord updates an existing record's value in place when its
// current padding allows, otherwise relocates it to a fresh slot (via
// ref, the link the caller already resolved) and frees the old span.
func (h *File) rewriteRecord(old *record, ref linkRef, key, newValue []byte) error {
	compressed, err := h.compressValue(newValue)
	if err != nil {
		return err
	}
	needed := recordHeaderSize + uint64(len(key)) + uint64(len(compressed))
	available := old.totalSize()

	if needed <= available {
		old.valSize = uint32(len(compressed))
		old.padSize = uint32(available - needed)
		old.value = compressed
		if err := h.wal.append(h.f, old.offset, available); err != nil {
			return h.setFatal(err)
		}
		return h.writeRecordAt(old.offset, old)
	}

	newRec := &record{
		magic:    recMagicAlive,
		keySize:  uint32(len(key)),
		valSize:  uint32(len(compressed)),
		left:     old.left,
		right:    old.right,
		hashHigh: old.hashHigh,
		key:      key,
		value:    compressed,
	}
	newOffset, err := h.allocate(newRec.totalSize())
	if err != nil {
		return err
	}
	newRec.offset = newOffset
	if err := h.writeRecordAt(newOffset, newRec); err != nil {
		return err
	}
	if err := h.relink(ref, newOffset); err != nil {
		return h.setFatal(err)
	}
	if err := h.wal.append(h.f, old.offset, old.totalSize()); err != nil {
		return h.setFatal(err)
	}
	h.zeroSlot(old.offset, old.totalSize())
	h.freeSlot(old.offset, old.totalSize())
	return nil
}

func (h *File) zeroSlot(offset, size uint64) {
	h.wal.append(h.f, offset, size)
	buf := make([]byte, size)
	h.f.WriteAt(buf, int64(offset))
}

// Get returns the (decompressed) value for key.
func (h *File) Get(key []byte) ([]byte, error) {
	if err := h.checkFatal(); err != nil {
		return nil, err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.cache != nil {
		if v, ok := h.cache.Get(string(key)); ok {
			return v, nil
		}
	}

	bucketFn, hashHigh, _ := hashKey(key)
	r, _, err := h.descend(key, hashHigh, bucketFn(h.hdr.bucketCount))
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, ejerr.ErrNotFound
	}
	v, err := h.decompressValue(r.value)
	if err != nil {
		return nil, err
	}
	if h.cache != nil {
		h.cache.Add(string(key), v)
	}
	return v, nil
}

// Vsiz returns the length of the stored (decompressed) value for key.
func (h *File) Vsiz(key []byte) (int, error) {
	v, err := h.Get(key)
	if err != nil {
		return 0, err
	}
	return len(v), nil
}

// Out removes key, pushing its span onto the free pool (spec §4.B "out").
func (h *File) Out(key []byte) error {
	if err := h.checkFatal(); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	bucketFn, hashHigh, _ := hashKey(key)
	bucket := bucketFn(h.hdr.bucketCount)
	r, ref, err := h.descend(key, hashHigh, bucket)
	if err != nil {
		return err
	}
	if r == nil {
		return ejerr.ErrNotFound
	}
	if err := h.removeNode(r, ref); err != nil {
		return err
	}
	if h.cache != nil {
		h.cache.Remove(string(key))
	}
	h.hdr.recordCount--
	h.bumpVersion()
	return nil
}

// removeNode splices r out of its bucket's BST via ref, the pointer its
// parent (or bucket head) uses to reach it. Two-child nodes are replaced
// by their in-order successor (leftmost node of the right subtree).
func (h *File) removeNode(r *record, ref linkRef) error {
	var replacement uint64
	switch {
	case r.left == 0 && r.right == 0:
		replacement = 0
	case r.left == 0:
		replacement = r.right
	case r.right == 0:
		replacement = r.left
	default:
		succOffset := r.right
		succ, err := h.readRecordFull(succOffset)
		if err != nil {
			return err
		}
		succRef := linkRef{parent: r.offset, isLeft: false}
		for succ.left != 0 {
			succRef = linkRef{parent: succOffset, isLeft: true}
			succOffset = succ.left
			succ, err = h.readRecordFull(succOffset)
			if err != nil {
				return err
			}
		}
		if succRef.parent != r.offset {
			if err := h.relink(succRef, succ.right); err != nil {
				return err
			}
			succ.right = r.right
		}
		succ.left = r.left
		if err := h.writeRecordAt(succOffset, succ); err != nil {
			return err
		}
		replacement = succOffset
	}

	if err := h.relink(ref, replacement); err != nil {
		return err
	}
	h.zeroSlot(r.offset, r.totalSize())
	h.freeSlot(r.offset, r.totalSize())
	return nil
}

// Defrag performs step shift-merge operations on the free pool.
func (h *File) Defrag(step int) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.free.step(step)
}
