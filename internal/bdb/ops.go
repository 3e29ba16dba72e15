package bdb

import "github.com/kinfkong/ejdb/ejerr"

// pathStep records, for one internal node visited while descending, which
// child pointer was followed, so a split can be propagated back up without
// a second traversal.
type pathStep struct {
	nodeID    uint64
	childIdx  int // -1 selects leftmost, else entries[childIdx].child
}

// childForKey returns the index of the entry whose child subtree contains
// key, or -1 if key belongs in the leftmost subtree.
func (t *Tree) childForKey(n *internalNode, key []byte) int {
	idx := -1
	for i, e := range n.entries {
		if t.compare(key, e.key) >= 0 {
			idx = i
		} else {
			break
		}
	}
	return idx
}

func (t *Tree) childIDAt(n *internalNode, idx int) uint64 {
	if idx < 0 {
		return n.leftmost
	}
	return n.entries[idx].child
}

// descendToLeaf walks from the root to the leaf that should contain key,
// recording the internal path taken.
func (t *Tree) descendToLeaf(key []byte) (*leafNode, []pathStep, error) {
	var path []pathStep
	id := t.rootID
	for {
		isLeaf, err := t.isLeafPage(id)
		if err != nil {
			return nil, nil, err
		}
		if isLeaf {
			leaf, err := t.readLeaf(id)
			return leaf, path, err
		}
		n, err := t.readInternal(id)
		if err != nil {
			return nil, nil, err
		}
		idx := t.childForKey(n, key)
		path = append(path, pathStep{nodeID: id, childIdx: idx})
		id = t.childIDAt(n, idx)
	}
}

func findInsertPos(entries []leafEntry, key []byte, cmp func(a, b []byte) int) int {
	lo, hi := 0, len(entries)
	for lo < hi {
		mid := (lo + hi) / 2
		if cmp(entries[mid].key, key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// Put inserts value under key according to mode (spec §4.C "put").
func (t *Tree) Put(key, value []byte, mode PutMode) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	leaf, path, err := t.descendToLeaf(key)
	if err != nil {
		return err
	}

	pos := findInsertPos(leaf.entries, key, t.compare)
	if pos < len(leaf.entries) && t.compare(leaf.entries[pos].key, key) == 0 {
		e := &leaf.entries[pos]
		switch mode {
		case Keep:
			return ejerr.ErrAlreadyExists
		case ConcatValue:
			if len(e.values) == 0 {
				e.values = [][]byte{value}
			} else {
				e.values[len(e.values)-1] = append(append([]byte{}, e.values[len(e.values)-1]...), value...)
			}
		case AppendDupFront:
			e.values = append([][]byte{value}, e.values...)
		case AppendDupBack:
			e.values = append(e.values, value)
		default: // Replace
			e.values = [][]byte{value}
		}
	} else {
		entry := leafEntry{key: append([]byte(nil), key...), values: [][]byte{value}}
		leaf.entries = append(leaf.entries, leafEntry{})
		copy(leaf.entries[pos+1:], leaf.entries[pos:])
		leaf.entries[pos] = entry
	}

	if len(leaf.entries) <= t.leafCap {
		return t.writeLeaf(leaf)
	}
	return t.splitLeaf(leaf, path)
}

// splitLeaf divides an overflowing leaf in two and propagates the new
// separator key up the recorded path, splitting internal nodes as needed.
func (t *Tree) splitLeaf(leaf *leafNode, path []pathStep) error {
	mid := len(leaf.entries) / 2
	right := &leafNode{
		id:      t.allocPage(),
		next:    leaf.next,
		entries: append([]leafEntry(nil), leaf.entries[mid:]...),
	}
	leaf.entries = leaf.entries[:mid]
	right.prev = leaf.id
	leaf.next = right.id

	if right.next != 0 {
		nextLeaf, err := t.readLeaf(right.next)
		if err != nil {
			return err
		}
		nextLeaf.prev = right.id
		if err := t.writeLeaf(nextLeaf); err != nil {
			return err
		}
	}

	if err := t.writeLeaf(leaf); err != nil {
		return err
	}
	if err := t.writeLeaf(right); err != nil {
		return err
	}

	sepKey := right.entries[0].key
	return t.insertIntoParent(path, sepKey, right.id)
}

// insertIntoParent threads a new (separatorKey, childID) pair into the
// parent recorded at the end of path, splitting internal nodes upward as
// needed and creating a new root when the path is empty.
func (t *Tree) insertIntoParent(path []pathStep, sepKey []byte, childID uint64) error {
	if len(path) == 0 {
		newRoot := &internalNode{
			id:       t.allocPage(),
			leftmost: t.rootID,
			entries:  []internalEntry{{key: append([]byte(nil), sepKey...), child: childID}},
		}
		if err := t.writeInternal(newRoot); err != nil {
			return err
		}
		t.rootID = newRoot.id
		return t.saveMeta()
	}

	last := path[len(path)-1]
	parent, err := t.readInternal(last.nodeID)
	if err != nil {
		return err
	}

	insertAt := last.childIdx + 1
	entry := internalEntry{key: append([]byte(nil), sepKey...), child: childID}
	parent.entries = append(parent.entries, internalEntry{})
	copy(parent.entries[insertAt+1:], parent.entries[insertAt:])
	parent.entries[insertAt] = entry

	if len(parent.entries) <= t.nodeCap {
		return t.writeInternal(parent)
	}
	return t.splitInternal(parent, path[:len(path)-1])
}

func (t *Tree) splitInternal(n *internalNode, parentPath []pathStep) error {
	mid := len(n.entries) / 2
	upKey := n.entries[mid].key

	right := &internalNode{
		id:       t.allocPage(),
		leftmost: n.entries[mid].child,
		entries:  append([]internalEntry(nil), n.entries[mid+1:]...),
	}
	n.entries = n.entries[:mid]

	if err := t.writeInternal(n); err != nil {
		return err
	}
	if err := t.writeInternal(right); err != nil {
		return err
	}
	return t.insertIntoParent(parentPath, upKey, right.id)
}

// Get returns the first value stored for key.
func (t *Tree) Get(key []byte) ([]byte, error) {
	vs, err := t.GetAll(key)
	if err != nil {
		return nil, err
	}
	return vs[0], nil
}

// GetAll returns every value stored under key (duplicate-key support).
func (t *Tree) GetAll(key []byte) ([][]byte, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	leaf, _, err := t.descendToLeaf(key)
	if err != nil {
		return nil, err
	}
	pos := findInsertPos(leaf.entries, key, t.compare)
	if pos >= len(leaf.entries) || t.compare(leaf.entries[pos].key, key) != 0 {
		return nil, ejerr.ErrNotFound
	}
	return leaf.entries[pos].values, nil
}

// Out removes key. If all is false and the key holds duplicate values,
// only the first value is removed.
func (t *Tree) Out(key []byte, all bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	leaf, _, err := t.descendToLeaf(key)
	if err != nil {
		return err
	}
	pos := findInsertPos(leaf.entries, key, t.compare)
	if pos >= len(leaf.entries) || t.compare(leaf.entries[pos].key, key) != 0 {
		return ejerr.ErrNotFound
	}
	if !all && len(leaf.entries[pos].values) > 1 {
		leaf.entries[pos].values = leaf.entries[pos].values[1:]
	} else {
		leaf.entries = append(leaf.entries[:pos], leaf.entries[pos+1:]...)
	}
	return t.writeLeaf(leaf)
}

// OutValue removes the single duplicate entry under key whose value is
// byte-equal to value, leaving any other duplicates under the same key
// untouched. Used by secondary-index maintenance, where several primary
// keys can share one indexed value (spec §4.D "Index maintenance").
func (t *Tree) OutValue(key, value []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	leaf, _, err := t.descendToLeaf(key)
	if err != nil {
		return err
	}
	pos := findInsertPos(leaf.entries, key, t.compare)
	if pos >= len(leaf.entries) || t.compare(leaf.entries[pos].key, key) != 0 {
		return ejerr.ErrNotFound
	}
	values := leaf.entries[pos].values
	for i, v := range values {
		if bytesEqual(v, value) {
			leaf.entries[pos].values = append(values[:i:i], values[i+1:]...)
			if len(leaf.entries[pos].values) == 0 {
				leaf.entries = append(leaf.entries[:pos], leaf.entries[pos+1:]...)
			}
			return t.writeLeaf(leaf)
		}
	}
	return ejerr.ErrNotFound
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// firstLeaf returns the leftmost leaf in the tree.
func (t *Tree) firstLeaf() (*leafNode, error) {
	id := t.rootID
	for {
		isLeaf, err := t.isLeafPage(id)
		if err != nil {
			return nil, err
		}
		if isLeaf {
			return t.readLeaf(id)
		}
		n, err := t.readInternal(id)
		if err != nil {
			return nil, err
		}
		id = n.leftmost
	}
}
