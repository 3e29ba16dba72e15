package query

import (
	officialBson "go.mongodb.org/mongo-driver/bson"

	"github.com/kinfkong/ejdb/ejerr"
)

var fieldOps = map[string]Op{
	"$not": OpNot, "$begin": OpBegin, "$gt": OpGt, "$gte": OpGte,
	"$lt": OpLt, "$lte": OpLte, "$bt": OpBetween, "$in": OpIn, "$nin": OpNin,
	"$strand": OpStrand, "$stror": OpStror, "$exists": OpExists,
	"$icase": OpIcase, "$elemMatch": OpElem,
}

// compileField normalizes one query field into one or more predicates. A
// bare scalar/array value means equality; a map value carries one or more
// operator keys (spec §4.F "Predicate operators").
func compileField(path string, val interface{}) ([]Predicate, error) {
	m, isOpDoc := asOperatorDoc(val)
	if !isOpDoc || !looksLikeOperatorDoc(m) {
		if sym, ok := val.(officialBson.Symbol); ok {
			_ = sym
			return nil, ejerr.New(ejerr.InvalidQuery, "symbol values are not permitted outside $upsert")
		}
		return []Predicate{{Path: path, Op: OpEq, Value: val}}, nil
	}

	var preds []Predicate
	for key, opVal := range m {
		op, known := fieldOps[key]
		if !known {
			return nil, ejerr.New(ejerr.InvalidQuery, "unknown operator "+key+" on field "+path)
		}
		switch op {
		case OpNot:
			sub, err := compileField(path, opVal)
			if err != nil {
				return nil, err
			}
			for i := range sub {
				sub[i].Negate = !sub[i].Negate
			}
			preds = append(preds, sub...)
		case OpIcase:
			sub, err := compileICase(path, opVal)
			if err != nil {
				return nil, err
			}
			preds = append(preds, sub...)
		case OpElem:
			sub, ok := asOperatorDoc(opVal)
			if !ok {
				return nil, ejerr.New(ejerr.InvalidQuery, "$elemMatch requires a document")
			}
			subPreds, _, err := splitQuery(sub)
			if err != nil {
				return nil, err
			}
			preds = append(preds, Predicate{Path: path, Op: OpElem, SubPlan: subPreds})
		default:
			preds = append(preds, Predicate{Path: path, Op: op, Value: opVal})
		}
	}
	return preds, nil
}

// looksLikeOperatorDoc reports whether every key of m is a known predicate
// operator; a sub-document used as a plain equality target (e.g. matching
// a nested object literally) has no operator keys at all.
func looksLikeOperatorDoc(m officialBson.M) bool {
	if len(m) == 0 {
		return false
	}
	for k := range m {
		if _, ok := fieldOps[k]; !ok {
			return false
		}
	}
	return true
}

// compileICase handles both `{field: {$icase: "literal"}}` (case-insensitive
// equality) and `{field: {$icase: {$begin: "pre"}}}` (case-insensitive
// nested operator), per spec §4.F.
func compileICase(path string, val interface{}) ([]Predicate, error) {
	if nested, ok := asOperatorDoc(val); ok {
		if _, known := fieldOps[firstKey(nested)]; known {
			sub, err := compileField(path, val)
			if err != nil {
				return nil, err
			}
			for i := range sub {
				sub[i].ICase = true
			}
			return sub, nil
		}
	}
	return []Predicate{{Path: path, Op: OpEq, Value: val, ICase: true}}, nil
}

func firstKey(m officialBson.M) string {
	for k := range m {
		return k
	}
	return ""
}

// asOperatorDoc reports whether val is a BSON sub-document (the shape used
// for every operator form), normalizing D to M for uniform lookup.
func asOperatorDoc(val interface{}) (officialBson.M, bool) {
	switch v := val.(type) {
	case officialBson.M:
		return v, true
	case officialBson.D:
		m := officialBson.M{}
		for _, e := range v {
			m[e.Key] = e.Value
		}
		return m, true
	default:
		return nil, false
	}
}
