package bdb

import "github.com/kinfkong/ejdb/ejerr"

// Cursor walks the tree in key order across sibling-linked leaves, as
// described in spec §4.C "Cursor". It holds only leaf id + in-leaf index,
// so a concurrent split elsewhere in the tree cannot invalidate it; at
// worst a step re-reads a leaf that has since been split and continues
// from its replacement via the leaf's next pointer.
type Cursor struct {
	t       *Tree
	leafID  uint64
	idx     int
	valIdx  int
	atEnd   bool
	started bool
}

// First returns a cursor positioned at the smallest key in the tree.
func (t *Tree) First() (*Cursor, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	leaf, err := t.firstLeaf()
	if err != nil {
		return nil, err
	}
	c := &Cursor{t: t, leafID: leaf.id}
	return c, nil
}

// Seek positions a cursor at the first entry with key >= from.
func (t *Tree) Seek(from []byte) (*Cursor, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	leaf, _, err := t.descendToLeaf(from)
	if err != nil {
		return nil, err
	}
	pos := findInsertPos(leaf.entries, from, t.compare)
	c := &Cursor{t: t, leafID: leaf.id, idx: pos}
	for pos >= len(leaf.entries) {
		if leaf.next == 0 {
			c.atEnd = true
			return c, nil
		}
		leaf, err = t.readLeaf(leaf.next)
		if err != nil {
			return nil, err
		}
		c.leafID = leaf.id
		c.idx = 0
		pos = 0
		if len(leaf.entries) > 0 {
			break
		}
	}
	return c, nil
}

// Next advances the cursor and returns the entry it now points to.
func (c *Cursor) Next() (key, value []byte, ok bool) {
	if c.atEnd {
		return nil, nil, false
	}
	c.t.mu.RLock()
	defer c.t.mu.RUnlock()

	leaf, err := c.t.readLeaf(c.leafID)
	if err != nil {
		c.atEnd = true
		return nil, nil, false
	}

	if !c.started {
		c.started = true
	} else {
		c.valIdx++
		if c.idx < len(leaf.entries) && c.valIdx >= len(leaf.entries[c.idx].values) {
			c.valIdx = 0
			c.idx++
		}
	}

	for c.idx >= len(leaf.entries) {
		if leaf.next == 0 {
			c.atEnd = true
			return nil, nil, false
		}
		leaf, err = c.t.readLeaf(leaf.next)
		if err != nil {
			c.atEnd = true
			return nil, nil, false
		}
		c.leafID = leaf.id
		c.idx = 0
		c.valIdx = 0
	}

	e := leaf.entries[c.idx]
	return e.key, e.values[c.valIdx], true
}

// Range returns up to max (key, value) pairs with low <= key <= high
// (either bound may be nil to mean unbounded), per spec §4.C "range".
func (t *Tree) Range(low, high []byte, max int) ([][2][]byte, error) {
	var cur *Cursor
	var err error
	if low != nil {
		cur, err = t.Seek(low)
	} else {
		cur, err = t.First()
	}
	if err != nil {
		return nil, err
	}

	var out [][2][]byte
	for {
		k, v, ok := cur.Next()
		if !ok {
			break
		}
		if high != nil && t.compare(k, high) > 0 {
			break
		}
		out = append(out, [2][]byte{k, v})
		if max > 0 && len(out) >= max {
			break
		}
	}
	return out, nil
}

// Count returns the number of distinct keys in the tree.
func (t *Tree) Count() (int, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	leaf, err := t.firstLeaf()
	if err != nil {
		return 0, err
	}
	n := 0
	for {
		n += len(leaf.entries)
		if leaf.next == 0 {
			break
		}
		leaf, err = t.readLeaf(leaf.next)
		if err != nil {
			return 0, ejerr.Wrap(ejerr.IO, "bdb: count scan", err)
		}
	}
	return n, nil
}
