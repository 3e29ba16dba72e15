package ejdb

import (
	officialBson "go.mongodb.org/mongo-driver/bson"

	ejbson "github.com/kinfkong/ejdb/bson"
	"github.com/kinfkong/ejdb/ejerr"
)

// commandFunc handles one BSON command envelope (spec §6 "Commands").
type commandFunc func(*DB, officialBson.M) (officialBson.M, error)

var commandTable = map[string]commandFunc{
	"save":          cmdSave,
	"load":          cmdLoad,
	"remove":        cmdRemove,
	"query":         cmdQuery,
	"count":         cmdCount,
	"explain":       cmdExplain,
	"ensure_index":  cmdEnsureIndex,
	"drop_index":    cmdDropIndex,
	"rebuild_index": cmdRebuildIndex,
	"export":        cmdExport,
	"import":        cmdImport,
	"begin_tx":      cmdBeginTx,
	"commit_tx":     cmdCommitTx,
	"rollback_tx":   cmdRollbackTx,
	"sync":          cmdSync,
	"meta":          cmdMeta,
}

// Command executes one BSON command document against the database — the
// protocol the collection layer surfaces over the wire (spec §6
// "Commands": save, load, remove, query, count, explain, ensure_index,
// drop_index, rebuild_index, export, import, begin_tx, commit_tx,
// rollback_tx, sync, meta).
func (db *DB) Command(cmd officialBson.M) (officialBson.M, error) {
	for name, handler := range commandTable {
		if _, ok := cmd[name]; ok {
			return handler(db, cmd)
		}
	}
	return nil, ejerr.New(ejerr.InvalidArgument, "unrecognized command")
}

func getString(cmd officialBson.M, key string) (string, error) {
	v, ok := cmd[key]
	s, ok2 := v.(string)
	if !ok || !ok2 {
		return "", ejerr.New(ejerr.InvalidArgument, "command missing string field "+key)
	}
	return s, nil
}

func getM(cmd officialBson.M, key string) officialBson.M {
	m, _ := cmd[key].(officialBson.M)
	return m
}

func getOID(cmd officialBson.M, key string) (ejbson.OID, error) {
	hexStr, err := getString(cmd, key)
	if err != nil {
		return ejbson.OID{}, err
	}
	id, err := ejbson.OIDFromHex(hexStr)
	if err != nil {
		return ejbson.OID{}, ejerr.New(ejerr.InvalidArgument, "malformed "+key)
	}
	return id, nil
}

func cmdSave(db *DB, cmd officialBson.M) (officialBson.M, error) {
	name, err := getString(cmd, "save")
	if err != nil {
		return nil, err
	}
	coll, err := db.Collection(name)
	if err != nil {
		return nil, err
	}
	merge, _ := cmd["merge"].(bool)
	id, err := coll.Save(getM(cmd, "doc"), merge)
	if err != nil {
		return nil, err
	}
	return officialBson.M{"_id": id.Hex()}, nil
}

func cmdLoad(db *DB, cmd officialBson.M) (officialBson.M, error) {
	name, err := getString(cmd, "load")
	if err != nil {
		return nil, err
	}
	coll, err := db.Collection(name)
	if err != nil {
		return nil, err
	}
	id, err := getOID(cmd, "_id")
	if err != nil {
		return nil, err
	}
	doc, err := coll.Load(id)
	if err != nil {
		return nil, err
	}
	return officialBson.M{"doc": doc}, nil
}

func cmdRemove(db *DB, cmd officialBson.M) (officialBson.M, error) {
	name, err := getString(cmd, "remove")
	if err != nil {
		return nil, err
	}
	coll, err := db.Collection(name)
	if err != nil {
		return nil, err
	}
	id, err := getOID(cmd, "_id")
	if err != nil {
		return nil, err
	}
	if err := coll.Remove(id); err != nil {
		return nil, err
	}
	return officialBson.M{}, nil
}

func orBranches(cmd officialBson.M) []officialBson.M {
	raw, ok := cmd["or"].(officialBson.A)
	if !ok {
		return nil
	}
	var branches []officialBson.M
	for _, b := range raw {
		if m, ok := b.(officialBson.M); ok {
			branches = append(branches, m)
		}
	}
	return branches
}

func runQuery(db *DB, name string, q, hints officialBson.M, branches []officialBson.M) (officialBson.M, error) {
	coll, err := db.Collection(name)
	if err != nil {
		return nil, err
	}
	res, err := coll.Query(q, hints, branches...)
	if err != nil {
		return nil, err
	}
	out := officialBson.M{"docs": res.Docs, "count": res.Count}
	if res.ExplainLog != "" {
		out["explain"] = res.ExplainLog
	}
	return out, nil
}

func cmdQuery(db *DB, cmd officialBson.M) (officialBson.M, error) {
	name, err := getString(cmd, "query")
	if err != nil {
		return nil, err
	}
	return runQuery(db, name, getM(cmd, "q"), getM(cmd, "hints"), orBranches(cmd))
}

func cmdCount(db *DB, cmd officialBson.M) (officialBson.M, error) {
	name, err := getString(cmd, "count")
	if err != nil {
		return nil, err
	}
	coll, err := db.Collection(name)
	if err != nil {
		return nil, err
	}
	n, err := coll.Count(getM(cmd, "q"))
	if err != nil {
		return nil, err
	}
	return officialBson.M{"count": n}, nil
}

func cmdExplain(db *DB, cmd officialBson.M) (officialBson.M, error) {
	name, err := getString(cmd, "explain")
	if err != nil {
		return nil, err
	}
	hints := getM(cmd, "hints")
	if hints == nil {
		hints = officialBson.M{}
	}
	hints["explain"] = true
	return runQuery(db, name, getM(cmd, "q"), hints, orBranches(cmd))
}

func collAndKind(db *DB, name string, cmd officialBson.M) (*Collection, string, IndexKind, error) {
	coll, err := db.Collection(name)
	if err != nil {
		return nil, "", 0, err
	}
	field, err := getString(cmd, "field")
	if err != nil {
		return nil, "", 0, err
	}
	kindStr, _ := cmd["kind"].(string)
	kind, ok := parseIndexKind(kindStr)
	if !ok {
		return nil, "", 0, ejerr.New(ejerr.InvalidArgument, "unknown index kind: "+kindStr)
	}
	return coll, field, kind, nil
}

func cmdEnsureIndex(db *DB, cmd officialBson.M) (officialBson.M, error) {
	name, err := getString(cmd, "ensure_index")
	if err != nil {
		return nil, err
	}
	coll, field, kind, err := collAndKind(db, name, cmd)
	if err != nil {
		return nil, err
	}
	if err := coll.EnsureIndex(field, kind); err != nil {
		return nil, err
	}
	return officialBson.M{}, nil
}

func cmdDropIndex(db *DB, cmd officialBson.M) (officialBson.M, error) {
	name, err := getString(cmd, "drop_index")
	if err != nil {
		return nil, err
	}
	coll, field, kind, err := collAndKind(db, name, cmd)
	if err != nil {
		return nil, err
	}
	if err := coll.DropIndex(field, kind); err != nil {
		return nil, err
	}
	return officialBson.M{}, nil
}

func cmdRebuildIndex(db *DB, cmd officialBson.M) (officialBson.M, error) {
	name, err := getString(cmd, "rebuild_index")
	if err != nil {
		return nil, err
	}
	coll, field, kind, err := collAndKind(db, name, cmd)
	if err != nil {
		return nil, err
	}
	if err := coll.RebuildIndex(field, kind); err != nil {
		return nil, err
	}
	return officialBson.M{}, nil
}

func cmdExport(db *DB, cmd officialBson.M) (officialBson.M, error) {
	opts := getM(cmd, "export")
	path, _ := opts["path"].(string)
	var names []string
	if arr, ok := opts["collections"].(officialBson.A); ok {
		for _, v := range arr {
			if s, ok := v.(string); ok {
				names = append(names, s)
			}
		}
	}
	if err := db.Export(path, names); err != nil {
		return nil, err
	}
	return officialBson.M{"collections": names}, nil
}

func cmdImport(db *DB, cmd officialBson.M) (officialBson.M, error) {
	opts := getM(cmd, "import")
	path, _ := opts["path"].(string)
	mode := ImportUpdate
	if m, ok := opts["mode"].(string); ok && m == string(ImportReplace) {
		mode = ImportReplace
	}
	if err := db.Import(path, mode); err != nil {
		return nil, err
	}
	return officialBson.M{}, nil
}

func cmdBeginTx(db *DB, cmd officialBson.M) (officialBson.M, error) {
	name, err := getString(cmd, "begin_tx")
	if err != nil {
		return nil, err
	}
	coll, err := db.Collection(name)
	if err != nil {
		return nil, err
	}
	if err := coll.BeginTx(); err != nil {
		return nil, err
	}
	return officialBson.M{}, nil
}

func cmdCommitTx(db *DB, cmd officialBson.M) (officialBson.M, error) {
	name, err := getString(cmd, "commit_tx")
	if err != nil {
		return nil, err
	}
	coll, err := db.Collection(name)
	if err != nil {
		return nil, err
	}
	if err := coll.CommitTx(); err != nil {
		return nil, err
	}
	return officialBson.M{}, nil
}

func cmdRollbackTx(db *DB, cmd officialBson.M) (officialBson.M, error) {
	name, err := getString(cmd, "rollback_tx")
	if err != nil {
		return nil, err
	}
	coll, err := db.Collection(name)
	if err != nil {
		return nil, err
	}
	if err := coll.RollbackTx(); err != nil {
		return nil, err
	}
	return officialBson.M{}, nil
}

func cmdSync(db *DB, cmd officialBson.M) (officialBson.M, error) {
	if name, ok := cmd["sync"].(string); ok {
		coll, err := db.Collection(name)
		if err != nil {
			return nil, err
		}
		if err := coll.Sync(); err != nil {
			return nil, err
		}
		return officialBson.M{}, nil
	}
	if err := db.Sync(); err != nil {
		return nil, err
	}
	return officialBson.M{}, nil
}

func cmdMeta(db *DB, _ officialBson.M) (officialBson.M, error) {
	return db.Meta(), nil
}
