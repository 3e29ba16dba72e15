package bson

import (
	"strconv"
	"strings"

	officialBson "go.mongodb.org/mongo-driver/bson"
)

// MaxNestingDepth is the maximum document nesting level (spec §4.A edge
// cases). Depth measures a document against it; Encode, Decode and the
// patch helpers do not check it and do not return ejerr.MaxNesting.
const MaxNestingDepth = 1000

// D and M alias the driver's ordered/unordered document shapes so callers
// don't need to import the driver package directly for everyday use.
type D = officialBson.D
type E = officialBson.E
type M = officialBson.M
type A = officialBson.A

// Encode produces a length-prefixed BSON blob for doc.
func Encode(doc interface{}) ([]byte, error) {
	return officialBson.Marshal(doc)
}

// Decode parses a length-prefixed BSON blob into an ordered D, the
// representation every dotted-path helper below operates over.
func Decode(data []byte) (D, error) {
	var d D
	if err := officialBson.Unmarshal(data, &d); err != nil {
		return nil, err
	}
	return d, nil
}

// splitPath splits a dotted field path "a.b.0.c" into its components.
func splitPath(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, ".")
}

// Get performs a dotted-path lookup (spec §3 "Field path"). The second
// return value reports whether the path resolved to a value.
func Get(doc interface{}, path string) (interface{}, bool) {
	return getParts(doc, splitPath(path))
}

func getParts(cur interface{}, parts []string) (interface{}, bool) {
	if len(parts) == 0 {
		return cur, true
	}
	key := parts[0]
	switch v := cur.(type) {
	case D:
		for _, e := range v {
			if e.Key == key {
				return getParts(e.Value, parts[1:])
			}
		}
		return nil, false
	case M:
		val, ok := v[key]
		if !ok {
			return nil, false
		}
		return getParts(val, parts[1:])
	case A:
		idx, err := strconv.Atoi(key)
		if err != nil || idx < 0 || idx >= len(v) {
			return nil, false
		}
		return getParts(v[idx], parts[1:])
	case []interface{}:
		idx, err := strconv.Atoi(key)
		if err != nil || idx < 0 || idx >= len(v) {
			return nil, false
		}
		return getParts(v[idx], parts[1:])
	default:
		return nil, false
	}
}

// AsArray returns v's elements when v is a decoded array, whether it
// surfaced as the driver's named A type (the common case for anything
// round-tripped through officialBson.Unmarshal) or as a bare
// []interface{} (the common case for values built directly by Go callers).
// The two share an identical underlying type but are distinct named types,
// so a plain type assertion against one misses the other.
func AsArray(v interface{}) ([]interface{}, bool) {
	switch t := v.(type) {
	case A:
		return []interface{}(t), true
	case []interface{}:
		return t, true
	default:
		return nil, false
	}
}

// AsDoc returns v as an M when v is an embedded document, accepting both
// the unordered M and the ordered D the driver produces when unmarshaling
// into an interface{} field, for the same reason AsArray accepts both
// array shapes.
func AsDoc(v interface{}) (M, bool) {
	switch t := v.(type) {
	case M:
		return t, true
	case D:
		m := make(M, len(t))
		for _, e := range t {
			m[e.Key] = e.Value
		}
		return m, true
	default:
		return nil, false
	}
}

// Set writes value at the dotted path, creating intermediate D documents
// (never arrays — array creation is not implied by a bare dotted path,
// matching the original evaluator) as needed. doc must be a pointer to a D
// or M.
func Set(doc interface{}, path string, value interface{}) bool {
	parts := splitPath(path)
	if len(parts) == 0 {
		return false
	}
	switch d := doc.(type) {
	case *D:
		*d = setD(*d, parts, value)
		return true
	case M:
		setM(d, parts, value)
		return true
	}
	return false
}

func setD(doc D, parts []string, value interface{}) D {
	key := parts[0]
	if len(parts) == 1 {
		for i, e := range doc {
			if e.Key == key {
				doc[i].Value = value
				return doc
			}
		}
		return append(doc, E{Key: key, Value: value})
	}
	for i, e := range doc {
		if e.Key == key {
			child, _ := e.Value.(D)
			doc[i].Value = setD(child, parts[1:], value)
			return doc
		}
	}
	return append(doc, E{Key: key, Value: setD(nil, parts[1:], value)})
}

func setM(doc M, parts []string, value interface{}) {
	key := parts[0]
	if len(parts) == 1 {
		doc[key] = value
		return
	}
	child, ok := doc[key].(M)
	if !ok {
		child = M{}
		doc[key] = child
	}
	setM(child, parts[1:], value)
}

// Remove deletes the value at the dotted path, if present, returning
// whether a deletion occurred.
func Remove(doc interface{}, path string) bool {
	parts := splitPath(path)
	if len(parts) == 0 {
		return false
	}
	switch d := doc.(type) {
	case *D:
		newDoc, removed := removeD(*d, parts)
		*d = newDoc
		return removed
	case M:
		return removeM(d, parts)
	}
	return false
}

func removeD(doc D, parts []string) (D, bool) {
	key := parts[0]
	for i, e := range doc {
		if e.Key != key {
			continue
		}
		if len(parts) == 1 {
			return append(doc[:i:i], doc[i+1:]...), true
		}
		child, _ := e.Value.(D)
		newChild, removed := removeD(child, parts[1:])
		doc[i].Value = newChild
		return doc, removed
	}
	return doc, false
}

func removeM(doc M, parts []string) bool {
	key := parts[0]
	val, ok := doc[key]
	if !ok {
		return false
	}
	if len(parts) == 1 {
		delete(doc, key)
		return true
	}
	child, ok := val.(M)
	if !ok {
		return false
	}
	return removeM(child, parts[1:])
}

// Depth computes the maximum nesting level of a decoded document tree, for
// comparison against MaxNestingDepth.
func Depth(v interface{}) int {
	switch t := v.(type) {
	case D:
		best := 0
		for _, e := range t {
			if d := Depth(e.Value); d > best {
				best = d
			}
		}
		return best + 1
	case M:
		best := 0
		for _, val := range t {
			if d := Depth(val); d > best {
				best = d
			}
		}
		return best + 1
	case A:
		best := 0
		for _, val := range t {
			if d := Depth(val); d > best {
				best = d
			}
		}
		return best + 1
	case []interface{}:
		best := 0
		for _, val := range t {
			if d := Depth(val); d > best {
				best = d
			}
		}
		return best + 1
	default:
		return 0
	}
}
