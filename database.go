package ejdb

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	officialBson "go.mongodb.org/mongo-driver/bson"

	"github.com/kinfkong/ejdb/ejerr"
	"github.com/kinfkong/ejdb/internal/bdb"
	"github.com/kinfkong/ejdb/internal/hdb"
	"github.com/kinfkong/ejdb/internal/tdb"
)

// metaFileName is the catalog record file's name within the database
// directory (spec §6 "db — metadata record file (catalog)").
const metaFileName = "db"

// CollectionOptions configures a collection created via EnsureCollection
// (spec §3 "Collection": "records hint, cached-records cap, large flag ...,
// compressed flag").
type CollectionOptions struct {
	Records       uint64
	CachedRecords int
	Large         bool
	Compressed    hdb.Compression
}

// indexDescriptor is the catalog's persisted record of one secondary index.
type indexDescriptor struct {
	Field string `bson:"field"`
	Kind  int    `bson:"kind"`
}

// collectionDescriptor is the BSON-encoded catalog entry for one
// collection (spec §4.E "Catalog"): `{name, file, options, indexes}`.
type collectionDescriptor struct {
	Name       string            `bson:"name"`
	File       string            `bson:"file"`
	Records    uint64            `bson:"records"`
	Cached     int               `bson:"cached"`
	Large      bool              `bson:"large"`
	Compressed int               `bson:"compressed"`
	Indexes    []indexDescriptor `bson:"indexes"`
}

// DB is an open database directory: one catalog record file plus one
// record file (and N index files) per collection (spec §3 "Database
// (EJDB)").
type DB struct {
	dir  string
	meta *hdb.File

	mu          sync.RWMutex
	collections map[string]*Collection
}

// Open opens (creating if absent) the database directory at dir, rereading
// every collection descriptor from the catalog and opening every
// collection's backing table before it returns; tables are not opened
// lazily on first use.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, ejerr.Wrap(ejerr.IO, "create database directory", err)
	}
	meta, err := hdb.Open(hdb.Options{Path: filepath.Join(dir, metaFileName)})
	if err != nil {
		return nil, err
	}
	db := &DB{dir: dir, meta: meta, collections: map[string]*Collection{}}
	if err := db.loadCatalog(); err != nil {
		meta.Close()
		return nil, err
	}
	Logger.Info("ejdb: opened database", "dir", dir, "collections", len(db.collections))
	return db, nil
}

func (db *DB) loadCatalog() error {
	it := db.meta.Iterate(0)
	for {
		key, val, _, ok := it.Next()
		if !ok {
			break
		}
		var desc collectionDescriptor
		if err := officialBson.Unmarshal(val, &desc); err != nil {
			return ejerr.Wrap(ejerr.InvalidMetadata, "decode catalog entry "+string(key), err)
		}
		coll, err := db.openCollectionFromDescriptor(desc)
		if err != nil {
			return err
		}
		db.collections[desc.Name] = coll
	}
	return nil
}

func (db *DB) openCollectionFromDescriptor(desc collectionDescriptor) (*Collection, error) {
	rec, err := hdb.Open(hdb.Options{
		Path:          filepath.Join(db.dir, desc.File),
		BucketCount:   desc.Records,
		CachedRecords: desc.Cached,
		Large:         desc.Large,
		Compressed:    hdb.Compression(desc.Compressed),
	})
	if err != nil {
		return nil, err
	}

	c := &Collection{
		db:         db,
		name:       desc.Name,
		rec:        rec,
		opts:       CollectionOptions{Records: desc.Records, CachedRecords: desc.Cached, Large: desc.Large, Compressed: hdb.Compression(desc.Compressed)},
		indexFiles: map[string]*hdb.File{},
	}

	table, err := tdb.Open(tdb.Options{Record: rec, NewIndex: c.newIndexFile})
	if err != nil {
		rec.Close()
		return nil, err
	}
	c.table = table

	for _, id := range desc.Indexes {
		kind := fromInternalKind(tdb.IndexKind(id.Kind))
		path := indexFilePath(db.dir, desc.Name, id.Field, kind)
		if err := table.EnsureIndex(id.Field, tdb.IndexKind(id.Kind), path); err != nil {
			c.table.Close()
			return nil, err
		}
		c.indexes = append(c.indexes, indexDescriptor{Field: id.Field, Kind: id.Kind})
	}
	return c, nil
}

func (c *Collection) newIndexFile(path string, cmp bdb.Comparator) (*bdb.Tree, *hdb.File, error) {
	f, err := hdb.Open(hdb.Options{Path: path})
	if err != nil {
		return nil, nil, err
	}
	tree, err := bdb.Open(bdb.Options{Record: f, Comparator: cmp})
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	c.mu.Lock()
	c.indexFiles[path] = f
	c.mu.Unlock()
	return tree, f, nil
}

// indexFilePath derives a secondary index's on-disk path per spec §6's
// filesystem layout (`db_{collection}.idx.s{field}.lex` etc). The
// case-insensitive kind has no literal spec suffix; `.ilex` is this
// implementation's own extension of that naming scheme.
func indexFilePath(dir, collection, field string, kind IndexKind) string {
	base := fmt.Sprintf("db_%s.idx", collection)
	switch kind {
	case NumericIndex:
		return filepath.Join(dir, fmt.Sprintf("%s.s%s.dec", base, field))
	case ArrayTokenIndex:
		return filepath.Join(dir, fmt.Sprintf("%s.a%s.tok", base, field))
	case CaseInsensitiveStringIndex:
		return filepath.Join(dir, fmt.Sprintf("%s.s%s.ilex", base, field))
	default:
		return filepath.Join(dir, fmt.Sprintf("%s.s%s.lex", base, field))
	}
}

// EnsureCollection opens the named collection, creating it (and persisting
// its catalog descriptor) if it doesn't already exist.
func (db *DB) EnsureCollection(name string, opts CollectionOptions) (*Collection, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if c, ok := db.collections[name]; ok {
		return c, nil
	}
	desc := collectionDescriptor{
		Name:       name,
		File:       "db_" + name,
		Records:    opts.Records,
		Cached:     opts.CachedRecords,
		Large:      opts.Large,
		Compressed: int(opts.Compressed),
	}
	c, err := db.openCollectionFromDescriptor(desc)
	if err != nil {
		return nil, err
	}
	if err := db.saveCollectionDescriptorLocked(c); err != nil {
		c.table.Close()
		return nil, err
	}
	db.collections[name] = c
	Logger.Info("ejdb: created collection", "name", name)
	return c, nil
}

// Collection returns the named collection, already opened on Open or a
// prior EnsureCollection call.
func (db *DB) Collection(name string) (*Collection, error) {
	db.mu.RLock()
	c, ok := db.collections[name]
	db.mu.RUnlock()
	if !ok {
		return nil, ejerr.New(ejerr.NotFound, "collection not found: "+name)
	}
	return c, nil
}

// Collections lists every collection name currently in the catalog.
func (db *DB) Collections() []string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	names := make([]string, 0, len(db.collections))
	for name := range db.collections {
		names = append(names, name)
	}
	return names
}

func (c *Collection) descriptor() collectionDescriptor {
	d := collectionDescriptor{
		Name:       c.name,
		File:       "db_" + c.name,
		Records:    c.opts.Records,
		Cached:     c.opts.CachedRecords,
		Large:      c.opts.Large,
		Compressed: int(c.opts.Compressed),
	}
	for _, id := range c.indexes {
		d.Indexes = append(d.Indexes, id)
	}
	return d
}

func (db *DB) saveCollectionDescriptorLocked(c *Collection) error {
	buf, err := officialBson.Marshal(c.descriptor())
	if err != nil {
		return ejerr.Wrap(ejerr.DecodeBSON, "encode catalog entry", err)
	}
	return db.meta.Put([]byte(c.name), buf, hdb.Overwrite)
}

// saveCollectionDescriptor re-persists c's catalog entry, used after
// EnsureIndex/DropIndex change its index set.
func (db *DB) saveCollectionDescriptor(c *Collection) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.saveCollectionDescriptorLocked(c)
}

// Sync flushes every open collection (and its indexes) plus the catalog
// (spec §6 "sync" command).
func (db *DB) Sync() error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	var firstErr error
	for _, c := range db.collections {
		if err := c.Sync(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := db.meta.Sync(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Meta returns a BSON snapshot of the catalog: every collection's name,
// file, record count, and index descriptors (spec §6 "meta" command).
func (db *DB) Meta() officialBson.M {
	db.mu.RLock()
	defer db.mu.RUnlock()
	colls := make([]officialBson.M, 0, len(db.collections))
	for name, c := range db.collections {
		idxs := make([]officialBson.M, 0, len(c.indexes))
		for _, id := range c.indexes {
			idxs = append(idxs, officialBson.M{
				"field": id.Field,
				"kind":  fromInternalKind(tdb.IndexKind(id.Kind)).String(),
			})
		}
		colls = append(colls, officialBson.M{
			"name":    name,
			"file":    "db_" + name,
			"records": c.table.RecordCount(),
			"indexes": idxs,
		})
	}
	return officialBson.M{"collections": colls}
}

// Close flushes dirty pages and releases every open handle (spec §3
// "Lifecycle": "open handles are closed by an explicit shutdown which
// flushes dirty pages and truncates the WAL").
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	var firstErr error
	for _, c := range db.collections {
		if err := c.table.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := db.meta.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
