package bson

import "strings"

// MergePatch applies an RFC 7386 merge patch with the non-standard
// extensions called out in spec §4.A: a special "increment" wrapper value
// `M{"$increment": n}` adds n to the existing numeric field, and
// "add_create" forces creation of intermediate objects rather than
// skipping missing branches (RFC 7386 already creates intermediates for
// object patches; add_create additionally creates them when the target
// holds a non-object value in the way).
func MergePatch(target M, patch M, addCreate bool) M {
	if target == nil {
		target = M{}
	}
	for k, pv := range patch {
		if pv == nil {
			delete(target, k)
			continue
		}
		if inc, ok := asIncrement(pv); ok {
			cur, _ := asFloat(target[k])
			target[k] = cur + inc
			continue
		}
		if pm, ok := pv.(M); ok {
			tm, ok := target[k].(M)
			if !ok {
				if _, present := target[k]; present && !addCreate {
					continue
				}
				tm = M{}
			}
			target[k] = MergePatch(tm, pm, addCreate)
			continue
		}
		target[k] = pv
	}
	return target
}

func asIncrement(v interface{}) (float64, bool) {
	m, ok := v.(M)
	if !ok || len(m) != 1 {
		return 0, false
	}
	n, ok := m["$increment"]
	if !ok {
		return 0, false
	}
	f, ok := asFloat(n)
	return f, ok
}

// JSONPatchOp is a single RFC 6902 operation, extended with "swap" (swap
// the values at path and from) alongside the standard op set.
type JSONPatchOp struct {
	Op    string      `json:"op"`
	Path  string      `json:"path"`
	From  string      `json:"from,omitempty"`
	Value interface{} `json:"value,omitempty"`
}

// pointerToDotted converts an RFC 6901 JSON pointer ("/a/b/0") to our
// internal dotted path ("a.b.0"), undoing the ~1/~0 escapes.
func pointerToDotted(ptr string) string {
	ptr = strings.TrimPrefix(ptr, "/")
	parts := strings.Split(ptr, "/")
	for i, p := range parts {
		p = strings.ReplaceAll(p, "~1", "/")
		p = strings.ReplaceAll(p, "~0", "~")
		parts[i] = p
	}
	return strings.Join(parts, ".")
}

// ApplyJSONPatch applies a sequence of RFC 6902 (+ "swap") operations to
// doc in place. doc must be a *D.
func ApplyJSONPatch(doc *D, ops []JSONPatchOp) error {
	for _, op := range ops {
		path := pointerToDotted(op.Path)
		switch op.Op {
		case "add", "replace":
			Set(doc, path, op.Value)
		case "remove":
			Remove(doc, path)
		case "copy":
			if v, ok := Get(*doc, pointerToDotted(op.From)); ok {
				Set(doc, path, v)
			}
		case "move":
			from := pointerToDotted(op.From)
			if v, ok := Get(*doc, from); ok {
				Remove(doc, from)
				Set(doc, path, v)
			}
		case "swap":
			from := pointerToDotted(op.From)
			va, oka := Get(*doc, from)
			vb, okb := Get(*doc, path)
			if oka {
				Set(doc, path, va)
			} else {
				Remove(doc, path)
			}
			if okb {
				Set(doc, from, vb)
			} else {
				Remove(doc, from)
			}
		case "test":
			v, ok := Get(*doc, path)
			if !ok || Compare(v, op.Value) != 0 {
				return errTestFailed
			}
		}
	}
	return nil
}

var errTestFailed = &patchTestError{}

type patchTestError struct{}

func (*patchTestError) Error() string { return "bson: json-patch test operation failed" }
