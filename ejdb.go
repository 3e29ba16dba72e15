// Package ejdb implements the collection and database layer of an
// embeddable, schema-free document store (spec.md §4.E "Collection and
// database"): it binds named collections to internal/tdb tables, persists
// a BSON-encoded catalog of collection/index descriptors, drives
// per-collection transactions, and offers BSON-document import/export.
//
// The lower layers — the BSON document model (bson/), the hash-addressed
// record file (internal/hdb), the B+ tree index (internal/bdb), the table
// layer (internal/tdb) and the query compiler/executor (internal/query) —
// are implementation details; callers interact with a *DB and its
// *Collection values, or with the BSON command protocol in commands.go.
package ejdb

import (
	"log/slog"

	"github.com/kinfkong/ejdb/internal/tdb"
)

// Logger is the package-level structured logger used to report database
// open, collection creation, export and import. Callers may override it,
// e.g. to attach request-scoped attributes.
var Logger = slog.Default()

// IndexKind enumerates the four index flavors a field path may carry
// simultaneously (spec §3 "Collection"). This mirrors internal/tdb.IndexKind
// with its own type so external callers never need to import an internal
// package to call EnsureIndex/DropIndex/RebuildIndex.
type IndexKind int

const (
	StringIndex IndexKind = iota
	CaseInsensitiveStringIndex
	NumericIndex
	ArrayTokenIndex
)

func (k IndexKind) String() string {
	switch k {
	case CaseInsensitiveStringIndex:
		return "icase"
	case NumericIndex:
		return "numeric"
	case ArrayTokenIndex:
		return "array"
	default:
		return "string"
	}
}

func toInternalKind(k IndexKind) tdb.IndexKind {
	switch k {
	case CaseInsensitiveStringIndex:
		return tdb.CaseInsensitiveStringIndex
	case NumericIndex:
		return tdb.NumericIndex
	case ArrayTokenIndex:
		return tdb.ArrayTokenIndex
	default:
		return tdb.StringIndex
	}
}

func fromInternalKind(k tdb.IndexKind) IndexKind {
	switch k {
	case tdb.CaseInsensitiveStringIndex:
		return CaseInsensitiveStringIndex
	case tdb.NumericIndex:
		return NumericIndex
	case tdb.ArrayTokenIndex:
		return ArrayTokenIndex
	default:
		return StringIndex
	}
}

// parseIndexKind maps the command/CLI-facing kind string onto an IndexKind
// (spec §6 "ensure_index {field, kind}").
func parseIndexKind(s string) (IndexKind, bool) {
	switch s {
	case "", "string":
		return StringIndex, true
	case "icase":
		return CaseInsensitiveStringIndex, true
	case "numeric":
		return NumericIndex, true
	case "array":
		return ArrayTokenIndex, true
	default:
		return 0, false
	}
}
