package ejdb

import (
	"encoding/binary"
	"os"
	"path/filepath"

	officialBson "go.mongodb.org/mongo-driver/bson"
	"golang.org/x/sync/errgroup"

	"github.com/kinfkong/ejdb/ejerr"
	"github.com/kinfkong/ejdb/internal/hdb"
	"github.com/kinfkong/ejdb/internal/tdb"
)

// exportMeta is the metadata blob written alongside an export's per-collection
// BSON dumps (spec §4.E "Export dumps ... plus a metadata blob").
type exportMeta struct {
	Collections []collectionDescriptor `bson:"collections"`
}

// Export dumps each named collection to `<dir>/<name>.bson` (a sequence of
// BSON records) plus a `meta.bson` metadata blob, fanning collections out
// concurrently via errgroup (spec §4.E "Import/export").
func (db *DB) Export(dir string, names []string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ejerr.Wrap(ejerr.IO, "create export directory", err)
	}
	if len(names) == 0 {
		names = db.Collections()
	}

	g := new(errgroup.Group)
	for _, name := range names {
		name := name
		g.Go(func() error {
			coll, err := db.Collection(name)
			if err != nil {
				return err
			}
			return coll.exportTo(filepath.Join(dir, name+".bson"))
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	db.mu.RLock()
	meta := exportMeta{}
	for _, name := range names {
		if c, ok := db.collections[name]; ok {
			meta.Collections = append(meta.Collections, c.descriptor())
		}
	}
	db.mu.RUnlock()

	buf, err := officialBson.Marshal(meta)
	if err != nil {
		return ejerr.Wrap(ejerr.DecodeBSON, "encode export metadata", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "meta.bson"), buf, 0o644); err != nil {
		return ejerr.Wrap(ejerr.IO, "write export metadata", err)
	}
	Logger.Info("ejdb: exported collections", "dir", dir, "collections", names)
	return nil
}

// ImportMode selects how Import reconciles incoming documents with an
// existing collection (spec §4.E "Import ... either replaces
// (truncate-then-load) or updates (upsert-by-_id) the target collection").
type ImportMode string

const (
	ImportReplace ImportMode = "replace"
	ImportUpdate  ImportMode = "update"
)

// Import reads the export form written at dir back into this database,
// creating any missing collections (with their original index set) and
// applying mode per collection, fanned out concurrently via errgroup.
func (db *DB) Import(dir string, mode ImportMode) error {
	buf, err := os.ReadFile(filepath.Join(dir, "meta.bson"))
	if err != nil {
		return ejerr.Wrap(ejerr.IO, "read import metadata", err)
	}
	var meta exportMeta
	if err := officialBson.Unmarshal(buf, &meta); err != nil {
		return ejerr.Wrap(ejerr.DecodeBSON, "decode import metadata", err)
	}

	g := new(errgroup.Group)
	for _, desc := range meta.Collections {
		desc := desc
		g.Go(func() error {
			coll, err := db.EnsureCollection(desc.Name, CollectionOptions{
				Records:       desc.Records,
				CachedRecords: desc.Cached,
				Large:         desc.Large,
				Compressed:    hdb.Compression(desc.Compressed),
			})
			if err != nil {
				return err
			}
			for _, id := range desc.Indexes {
				if err := coll.EnsureIndex(id.Field, fromInternalKind(tdb.IndexKind(id.Kind))); err != nil {
					return err
				}
			}
			if mode == ImportReplace {
				if err := coll.truncate(); err != nil {
					return err
				}
			}
			docs, err := readBSONStream(filepath.Join(dir, desc.Name+".bson"))
			if err != nil {
				return err
			}
			for _, doc := range docs {
				if _, err := coll.Save(doc, true); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	Logger.Info("ejdb: imported collections", "dir", dir, "mode", mode)
	return nil
}

// readBSONStream parses a file of back-to-back length-prefixed BSON
// documents, the format Collection.exportTo writes.
func readBSONStream(path string) ([]officialBson.M, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, ejerr.Wrap(ejerr.IO, "read import file", err)
	}
	var docs []officialBson.M
	pos := 0
	for pos < len(data) {
		if pos+4 > len(data) {
			return nil, ejerr.New(ejerr.InvalidMetadata, "truncated bson stream")
		}
		n := int(int32(binary.LittleEndian.Uint32(data[pos:])))
		if n <= 0 || pos+n > len(data) {
			return nil, ejerr.New(ejerr.InvalidMetadata, "corrupt bson length prefix")
		}
		var m officialBson.M
		if err := officialBson.Unmarshal(data[pos:pos+n], &m); err != nil {
			return nil, ejerr.Wrap(ejerr.DecodeBSON, "decode imported document", err)
		}
		docs = append(docs, m)
		pos += n
	}
	return docs, nil
}
