package ejdb_test

import (
	"path/filepath"
	"testing"

	officialBson "go.mongodb.org/mongo-driver/bson"

	"github.com/kinfkong/ejdb"
)

func openTemp(t *testing.T) *ejdb.DB {
	t.Helper()
	db, err := ejdb.Open(filepath.Join(t.TempDir(), "db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSaveAndFind(t *testing.T) {
	db := openTemp(t)
	coll, err := db.EnsureCollection("users", ejdb.CollectionOptions{})
	if err != nil {
		t.Fatalf("EnsureCollection: %v", err)
	}

	if _, err := coll.Save(officialBson.M{"name": "alice", "age": int32(30)}, true); err != nil {
		t.Fatalf("Save alice: %v", err)
	}
	if _, err := coll.Save(officialBson.M{"name": "bob", "age": int32(25)}, true); err != nil {
		t.Fatalf("Save bob: %v", err)
	}

	res, err := coll.Query(officialBson.M{"name": "alice"}, officialBson.M{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(res.Docs) != 1 || res.Docs[0]["name"] != "alice" {
		t.Fatalf("expected exactly alice, got %v", res.Docs)
	}
}

func TestSaveDuplicateIDRejected(t *testing.T) {
	db := openTemp(t)
	coll, err := db.EnsureCollection("users", ejdb.CollectionOptions{})
	if err != nil {
		t.Fatalf("EnsureCollection: %v", err)
	}

	id, err := coll.Save(officialBson.M{"name": "alice"}, true)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	_, err = coll.Save(officialBson.M{"_id": id, "name": "alice2"}, false)
	if err == nil {
		t.Fatalf("expected duplicate _id save to be rejected")
	}

	doc, err := coll.Load(id)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if doc["name"] != "alice" {
		t.Fatalf("expected the original document to survive a rejected duplicate save, got %v", doc)
	}
}

func TestQueryBetweenOrderedBySkipMax(t *testing.T) {
	db := openTemp(t)
	coll, err := db.EnsureCollection("scores", ejdb.CollectionOptions{})
	if err != nil {
		t.Fatalf("EnsureCollection: %v", err)
	}
	for i := 0; i < 10; i++ {
		if _, err := coll.Save(officialBson.M{"n": int32(i)}, true); err != nil {
			t.Fatalf("Save %d: %v", i, err)
		}
	}

	res, err := coll.Query(
		officialBson.M{"n": officialBson.M{"$bt": []interface{}{int32(2), int32(8)}}},
		officialBson.M{"orderby": officialBson.M{"n": int32(1)}, "skip": int32(1), "max": int32(2)},
	)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(res.Docs) != 2 {
		t.Fatalf("expected 2 docs after skip/max, got %d", len(res.Docs))
	}
	if res.Docs[0]["n"] != int32(3) || res.Docs[1]["n"] != int32(4) {
		t.Fatalf("unexpected ordered window: %v", res.Docs)
	}
}

func TestIndexedAndScanQueriesAgree(t *testing.T) {
	db := openTemp(t)
	coll, err := db.EnsureCollection("items", ejdb.CollectionOptions{})
	if err != nil {
		t.Fatalf("EnsureCollection: %v", err)
	}
	for i := 0; i < 50; i++ {
		tag := "even"
		if i%2 != 0 {
			tag = "odd"
		}
		if _, err := coll.Save(officialBson.M{"tag": tag, "n": int32(i)}, true); err != nil {
			t.Fatalf("Save %d: %v", i, err)
		}
	}

	unindexed, err := coll.Query(officialBson.M{"tag": "even"}, officialBson.M{})
	if err != nil {
		t.Fatalf("Query before index: %v", err)
	}

	if err := coll.EnsureIndex("tag", ejdb.StringIndex); err != nil {
		t.Fatalf("EnsureIndex: %v", err)
	}

	indexed, err := coll.Query(officialBson.M{"tag": "even"}, officialBson.M{})
	if err != nil {
		t.Fatalf("Query after index: %v", err)
	}

	if len(indexed.Docs) != len(unindexed.Docs) {
		t.Fatalf("indexed result set size %d != scan result set size %d", len(indexed.Docs), len(unindexed.Docs))
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	db := openTemp(t)
	coll, err := db.EnsureCollection("people", ejdb.CollectionOptions{})
	if err != nil {
		t.Fatalf("EnsureCollection: %v", err)
	}
	if err := coll.EnsureIndex("name", ejdb.StringIndex); err != nil {
		t.Fatalf("EnsureIndex: %v", err)
	}
	for _, name := range []string{"alice", "bob", "carol"} {
		if _, err := coll.Save(officialBson.M{"name": name}, true); err != nil {
			t.Fatalf("Save %s: %v", name, err)
		}
	}

	exportDir := filepath.Join(t.TempDir(), "export")
	if err := db.Export(exportDir, nil); err != nil {
		t.Fatalf("Export: %v", err)
	}

	db2 := openTemp(t)
	if err := db2.Import(exportDir, ejdb.ImportUpdate); err != nil {
		t.Fatalf("Import: %v", err)
	}
	coll2, err := db2.Collection("people")
	if err != nil {
		t.Fatalf("Collection after import: %v", err)
	}
	res, err := coll2.Query(officialBson.M{}, officialBson.M{})
	if err != nil {
		t.Fatalf("Query after import: %v", err)
	}
	if len(res.Docs) != 3 {
		t.Fatalf("expected 3 imported documents, got %d", len(res.Docs))
	}
}

func TestTransactionRollbackRestoresState(t *testing.T) {
	db := openTemp(t)
	coll, err := db.EnsureCollection("ledger", ejdb.CollectionOptions{})
	if err != nil {
		t.Fatalf("EnsureCollection: %v", err)
	}
	if err := coll.EnsureIndex("kind", ejdb.StringIndex); err != nil {
		t.Fatalf("EnsureIndex: %v", err)
	}
	if _, err := coll.Save(officialBson.M{"kind": "deposit"}, true); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if err := coll.BeginTx(); err != nil {
		t.Fatalf("BeginTx: %v", err)
	}
	if _, err := coll.Save(officialBson.M{"kind": "withdrawal"}, true); err != nil {
		t.Fatalf("Save inside tx: %v", err)
	}
	if err := coll.RollbackTx(); err != nil {
		t.Fatalf("RollbackTx: %v", err)
	}

	res, err := coll.Query(officialBson.M{}, officialBson.M{})
	if err != nil {
		t.Fatalf("Query after rollback: %v", err)
	}
	if len(res.Docs) != 1 || res.Docs[0]["kind"] != "deposit" {
		t.Fatalf("expected only the pre-transaction document to survive, got %v", res.Docs)
	}

	indexed, err := coll.Query(officialBson.M{"kind": "deposit"}, officialBson.M{})
	if err != nil {
		t.Fatalf("indexed query after rollback: %v", err)
	}
	if len(indexed.Docs) != 1 {
		t.Fatalf("expected the index to still find the surviving document after rollback, got %v", indexed.Docs)
	}
}

func TestUpsertInsertsOnEmptyMatch(t *testing.T) {
	db := openTemp(t)
	coll, err := db.EnsureCollection("counters", ejdb.CollectionOptions{})
	if err != nil {
		t.Fatalf("EnsureCollection: %v", err)
	}

	_, err = coll.Query(
		officialBson.M{"name": "hits", "$inc": officialBson.M{"value": int32(1)}, "$upsert": officialBson.M{"value": int32(0)}},
		officialBson.M{},
	)
	if err != nil {
		t.Fatalf("Query with $upsert: %v", err)
	}

	res, err := coll.Query(officialBson.M{"name": "hits"}, officialBson.M{})
	if err != nil {
		t.Fatalf("Query after upsert: %v", err)
	}
	if len(res.Docs) != 1 {
		t.Fatalf("expected the upsert to insert exactly one document, got %v", res.Docs)
	}
}
