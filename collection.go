package ejdb

import (
	"os"
	"sync"

	officialBson "go.mongodb.org/mongo-driver/bson"

	ejbson "github.com/kinfkong/ejdb/bson"
	"github.com/kinfkong/ejdb/ejerr"
	"github.com/kinfkong/ejdb/internal/hdb"
	"github.com/kinfkong/ejdb/internal/query"
	"github.com/kinfkong/ejdb/internal/tdb"
)

// Collection is a named set of documents with unique OIDs (spec §3
// "Collection"), binding a primary record file to zero or more secondary
// indexes via internal/tdb.Table.
type Collection struct {
	db   *DB
	name string

	mu   sync.Mutex // serializes begin/commit/rollback; a BeginTx while inTx fails with ErrTransactionConflict
	inTx bool

	rec        *hdb.File // primary record file; same handle wrapped by table
	table      *tdb.Table
	indexFiles map[string]*hdb.File
	opts       CollectionOptions
	indexes    []indexDescriptor
}

// Name returns the collection's name.
func (c *Collection) Name() string { return c.name }

// Save inserts or updates doc, assigning a fresh OID when doc carries no
// `_id` (spec §3 invariant: "Save either preserves the caller's `_id` or
// inserts a freshly generated one; duplicates within a collection are
// rejected"). merge=false rejects a save over a pre-existing `_id` with
// ejerr.ErrAlreadyExists (spec §8 scenario b).
func (c *Collection) Save(doc officialBson.M, merge bool) (ejbson.OID, error) {
	var id ejbson.OID
	switch raw := doc["_id"].(type) {
	case ejbson.OID:
		id = raw
	case string:
		parsed, err := ejbson.OIDFromHex(raw)
		if err != nil {
			return id, ejerr.New(ejerr.InvalidArgument, "save: malformed _id")
		}
		id = parsed
	case interface{ Hex() string }: // the driver's ObjectID, as decoded rows carry it
		parsed, err := ejbson.OIDFromHex(raw.Hex())
		if err != nil {
			return id, ejerr.New(ejerr.InvalidArgument, "save: malformed _id")
		}
		id = parsed
	case nil:
		id = ejbson.NewOID()
	default:
		return id, ejerr.New(ejerr.InvalidArgument, "save: _id must be an OID or hex string")
	}
	doc["_id"] = id

	mode := hdb.Overwrite
	if !merge {
		mode = hdb.KeepIfAbsent
	}
	if _, err := c.table.Put(id[:], doc, mode); err != nil {
		return id, err
	}
	return id, nil
}

// Load returns the document stored under id.
func (c *Collection) Load(id ejbson.OID) (officialBson.M, error) {
	return c.table.Get(id[:])
}

// Remove deletes the document at id from the primary record file and
// every secondary index (spec §4.D "On out, it removes every indexed
// field's entry").
func (c *Collection) Remove(id ejbson.OID) error {
	return c.table.Out(id[:])
}

// Query compiles query+hints (plus any OR-branches) into a plan and runs
// it against the collection (spec §4.F/§4.G).
func (c *Collection) Query(q, hints officialBson.M, orBranches ...officialBson.M) (*query.Result, error) {
	plan, err := query.Compile(q, orBranches, hints)
	if err != nil {
		return nil, err
	}
	return query.NewExecutor(c.table).Execute(plan)
}

// Count returns the number of documents matching q.
func (c *Collection) Count(q officialBson.M) (int, error) {
	res, err := c.Query(q, officialBson.M{"onlycount": true})
	if err != nil {
		return 0, err
	}
	return res.Count, nil
}

// EnsureIndex creates (or confirms) a secondary index on field with the
// given kind (spec §4.D "set-index"), persisting the updated catalog entry.
func (c *Collection) EnsureIndex(field string, kind IndexKind) error {
	path := indexFilePath(c.db.dir, c.name, field, kind)
	ikind := toInternalKind(kind)
	if err := c.table.EnsureIndex(field, ikind, path); err != nil {
		return err
	}
	c.mu.Lock()
	found := false
	for _, id := range c.indexes {
		if id.Field == field && id.Kind == int(ikind) {
			found = true
			break
		}
	}
	if !found {
		c.indexes = append(c.indexes, indexDescriptor{Field: field, Kind: int(ikind)})
	}
	c.mu.Unlock()
	return c.db.saveCollectionDescriptor(c)
}

// DropIndex removes the secondary index on field/kind and unlinks its
// backing files.
func (c *Collection) DropIndex(field string, kind IndexKind) error {
	ikind := toInternalKind(kind)
	path := indexFilePath(c.db.dir, c.name, field, kind)
	if err := c.table.DropIndex(field, ikind); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.indexFiles, path)
	for i, id := range c.indexes {
		if id.Field == field && id.Kind == int(ikind) {
			c.indexes = append(c.indexes[:i], c.indexes[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
	os.Remove(path)
	os.Remove(path + ".flock")
	os.Remove(path + ".wal")
	os.Remove(path + ".free")
	return c.db.saveCollectionDescriptor(c)
}

// RebuildIndex re-projects the entire row set into the field's index tree
// via tdb.Table.RebuildIndex; the tree is not truncated first.
func (c *Collection) RebuildIndex(field string, kind IndexKind) error {
	return c.table.RebuildIndex(field, toInternalKind(kind))
}

// rebuildAllIndexes re-projects every secondary index from the current
// primary record set, used after a transaction rollback (spec §3
// "indexes are rebuilt lazily from the restored records").
func (c *Collection) rebuildAllIndexes() error {
	c.mu.Lock()
	indexes := append([]indexDescriptor(nil), c.indexes...)
	c.mu.Unlock()
	for _, id := range indexes {
		if err := c.table.RebuildIndex(id.Field, tdb.IndexKind(id.Kind)); err != nil {
			return err
		}
	}
	return nil
}

// BeginTx starts a transaction on the collection's primary record file
// (spec §4.E "Transactions": begin/commit/abort are per-collection).
// A BeginTx while another transaction on the same collection is in
// progress does not wait: it returns ejerr.ErrTransactionConflict at once.
func (c *Collection) BeginTx() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inTx {
		return ejerr.ErrTransactionConflict
	}
	if err := c.rec.Begin(); err != nil {
		return err
	}
	c.inTx = true
	return nil
}

// CommitTx durably persists every write since BeginTx (spec §3
// "Transaction either commits (all changes durable after sync)").
func (c *Collection) CommitTx() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.inTx {
		return ejerr.New(ejerr.InvalidArgument, "commit_tx: no transaction in progress")
	}
	err := c.rec.Commit()
	c.inTx = false
	return err
}

// RollbackTx restores the primary record file to its pre-begin state and
// rebuilds every secondary index from the restored records (spec §3
// "aborts (record file restored to its pre-begin state from the WAL;
// indexes are rebuilt lazily from the restored records)").
func (c *Collection) RollbackTx() error {
	c.mu.Lock()
	if !c.inTx {
		c.mu.Unlock()
		return ejerr.New(ejerr.InvalidArgument, "rollback_tx: no transaction in progress")
	}
	err := c.rec.Rollback()
	c.inTx = false
	c.mu.Unlock()
	if err != nil {
		return err
	}
	return c.rebuildAllIndexes()
}

// Sync flushes the primary record file and every secondary index.
func (c *Collection) Sync() error {
	if err := c.rec.Sync(); err != nil {
		return err
	}
	c.mu.Lock()
	files := make([]*hdb.File, 0, len(c.indexFiles))
	for _, f := range c.indexFiles {
		files = append(files, f)
	}
	c.mu.Unlock()
	for _, f := range files {
		if err := f.Sync(); err != nil {
			return err
		}
	}
	return nil
}

// truncate removes every document row (and its index entries), used by
// Import's replace mode.
func (c *Collection) truncate() error {
	it := c.table.IterateRows()
	var pks [][]byte
	for {
		pk, _, ok := it.Next()
		if !ok {
			break
		}
		pks = append(pks, append([]byte(nil), pk...))
	}
	for _, pk := range pks {
		if err := c.table.Out(pk); err != nil {
			return err
		}
	}
	return nil
}

// exportTo writes every document row as a sequence of length-prefixed
// BSON blobs to path (spec §4.E "Export dumps each requested collection
// as a sequence of BSON records").
func (c *Collection) exportTo(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return ejerr.Wrap(ejerr.IO, "create export file", err)
	}
	defer f.Close()
	it := c.table.IterateRows()
	for {
		_, row, ok := it.Next()
		if !ok {
			break
		}
		buf, err := officialBson.Marshal(row)
		if err != nil {
			return ejerr.Wrap(ejerr.DecodeBSON, "encode exported document", err)
		}
		if _, err := f.Write(buf); err != nil {
			return ejerr.Wrap(ejerr.IO, "write export file", err)
		}
	}
	return nil
}
