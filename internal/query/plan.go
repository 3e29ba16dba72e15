// Package query implements the query compiler (spec.md §4.F) and executor
// (§4.G): it turns a BSON query document, a set of OR-branch documents,
// and a BSON hints document into a normalized plan, then runs that plan
// against a table, optionally applying update operators to every match.
package query

import (
	officialBson "go.mongodb.org/mongo-driver/bson"

	ejbson "github.com/kinfkong/ejdb/bson"
	"github.com/kinfkong/ejdb/ejerr"
)

// Op enumerates the predicate operators from spec §4.F, exactly.
type Op string

const (
	OpEq      Op = "$eq"
	OpNot     Op = "$not"
	OpBegin   Op = "$begin"
	OpGt      Op = "$gt"
	OpGte     Op = "$gte"
	OpLt      Op = "$lt"
	OpLte     Op = "$lte"
	OpBetween Op = "$bt"
	OpIn      Op = "$in"
	OpNin     Op = "$nin"
	OpStrand  Op = "$strand"
	OpStror   Op = "$stror"
	OpExists  Op = "$exists"
	OpIcase   Op = "$icase"
	OpElem    Op = "$elemMatch"
)

// Predicate is one normalized field condition (spec §4.F "Output").
type Predicate struct {
	Path    string
	Op      Op
	Value   interface{}
	Negate  bool
	ICase   bool
	SubPlan []Predicate // populated for Op == OpElem
}

// OrderField is one entry of an `orderby` hint.
type OrderField struct {
	Path string
	Desc bool
}

// UpdateKind enumerates the update operators from spec §4.F.
type UpdateKind string

const (
	UpdSet          UpdateKind = "$set"
	UpdInc          UpdateKind = "$inc"
	UpdUpsert       UpdateKind = "$upsert"
	UpdDropAll      UpdateKind = "$dropall"
	UpdAddToSet     UpdateKind = "$addToSet"
	UpdAddToSetAll  UpdateKind = "$addToSetAll"
	UpdPull         UpdateKind = "$pull"
	UpdPullAll      UpdateKind = "$pullAll"
)

// Update is one update-operator directive attached to the plan.
type Update struct {
	Kind UpdateKind
	Doc  officialBson.M
}

// Plan is the compiled, normalized form of a query + hints (spec §4.F).
type Plan struct {
	Predicates  []Predicate
	OrBranches  [][]Predicate
	OrderBy     []OrderField
	Skip        int
	Max         int
	Fields      map[string]int // 1 = keep, 0 = drop
	OnlyCount   bool
	Explain     bool
	Updates     []Update
	IsUpdate    bool
}

var updateKinds = map[string]UpdateKind{
	"$set": UpdSet, "$inc": UpdInc, "$upsert": UpdUpsert, "$dropall": UpdDropAll,
	"$addToSet": UpdAddToSet, "$addToSetAll": UpdAddToSetAll, "$pull": UpdPull, "$pullAll": UpdPullAll,
}

// Compile normalizes query, its OR-branches, and hints into a Plan.
func Compile(query officialBson.M, orBranches []officialBson.M, hints officialBson.M) (*Plan, error) {
	plan := &Plan{Fields: map[string]int{}}

	preds, updates, err := splitQuery(query)
	if err != nil {
		return nil, err
	}
	plan.Predicates = preds
	plan.Updates = updates
	plan.IsUpdate = len(updates) > 0

	for _, branch := range orBranches {
		bpreds, _, err := splitQuery(branch)
		if err != nil {
			return nil, err
		}
		plan.OrBranches = append(plan.OrBranches, bpreds)
	}

	if err := applyHints(plan, hints); err != nil {
		return nil, err
	}
	if err := validate(plan); err != nil {
		return nil, err
	}
	return plan, nil
}

// splitQuery separates a query document into field predicates and
// top-level update-operator directives.
func splitQuery(query officialBson.M) ([]Predicate, []Update, error) {
	var preds []Predicate
	var updates []Update
	for key, val := range query {
		if kind, ok := updateKinds[key]; ok {
			doc, ok := val.(officialBson.M)
			if !ok {
				return nil, nil, ejerr.ErrInvalidQuery
			}
			updates = append(updates, Update{Kind: kind, Doc: doc})
			continue
		}
		if len(key) > 0 && key[0] == '$' {
			return nil, nil, ejerr.New(ejerr.InvalidQuery, "unknown top-level operator "+key)
		}
		ps, err := compileField(key, val)
		if err != nil {
			return nil, nil, err
		}
		preds = append(preds, ps...)
	}
	return preds, updates, nil
}

func applyHints(plan *Plan, hints officialBson.M) error {
	if hints == nil {
		return nil
	}
	if ob, ok := hints["orderby"]; ok {
		m, ok := ob.(officialBson.M)
		if !ok {
			return ejerr.ErrInvalidQuery
		}
		for field, dir := range m {
			desc := false
			switch d := dir.(type) {
			case int32:
				desc = d < 0
			case int64:
				desc = d < 0
			case int:
				desc = d < 0
			case float64:
				desc = d < 0
			}
			plan.OrderBy = append(plan.OrderBy, OrderField{Path: field, Desc: desc})
		}
	}
	if v, ok := hints["skip"]; ok {
		plan.Skip = toInt(v)
	}
	if v, ok := hints["max"]; ok {
		plan.Max = toInt(v)
	}
	if v, ok := hints["onlycount"]; ok {
		if b, ok := v.(bool); ok {
			plan.OnlyCount = b
		}
	}
	if v, ok := hints["explain"]; ok {
		if b, ok := v.(bool); ok {
			plan.Explain = b
		}
	}
	if fields, ok := hints["fields"].(officialBson.M); ok {
		for field, v := range fields {
			plan.Fields[field] = toInt(v)
		}
		for _, ob := range plan.OrderBy {
			plan.Fields[ob.Path] = 1
		}
	}
	return nil
}

func toInt(v interface{}) int {
	switch n := v.(type) {
	case int32:
		return int(n)
	case int64:
		return int(n)
	case int:
		return n
	case float64:
		return int(n)
	default:
		return 0
	}
}

// validate enforces the compile-time checks from spec §4.F "Validation".
func validate(plan *Plan) error {
	keep, drop := 0, 0
	for _, v := range plan.Fields {
		if v == 1 {
			keep++
		} else {
			drop++
		}
	}
	if keep > 0 && drop > 0 {
		return ejerr.New(ejerr.InvalidQuery, "projection cannot mix keep and drop forms")
	}
	elemMatchCount := map[string]int{}
	for _, p := range plan.Predicates {
		if p.Op == OpElem {
			elemMatchCount[p.Path]++
		}
		if p.Op == OpBetween {
			arr, ok := ejbson.AsArray(p.Value)
			if !ok || len(arr) != 2 {
				return ejerr.New(ejerr.InvalidQuery, "$bt requires a 2-element array")
			}
		}
	}
	for field, n := range elemMatchCount {
		if n > 1 {
			return ejerr.New(ejerr.InvalidQuery, "more than one $elemMatch on field "+field)
		}
	}
	return nil
}
