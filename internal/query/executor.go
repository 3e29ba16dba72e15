package query

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	officialBson "go.mongodb.org/mongo-driver/bson"
	stats "github.com/montanaflynn/stats"

	ejbson "github.com/kinfkong/ejdb/bson"
	"github.com/kinfkong/ejdb/internal/hdb"
	"github.com/kinfkong/ejdb/internal/tdb"
)

// Executor runs a compiled Plan against a table (spec.md §4.G).
type Executor struct {
	table *tdb.Table

	mu             sync.Mutex
	explainHistory map[string][]float64 // strategy|field -> elapsed-ms samples, for $explain's aggregated stats
}

func NewExecutor(table *tdb.Table) *Executor {
	return &Executor{table: table, explainHistory: map[string][]float64{}}
}

// Result holds a query's matched/mutated documents plus the optional
// $explain narrative (spec §4.G "Explain").
type Result struct {
	Docs      []officialBson.M
	Count     int
	ExplainLog string
}

// strategy names the chosen access path, used only for the explain log.
type strategy string

const (
	stratScan   strategy = "scan-all"
	stratEqual  strategy = "index-lookup"
	stratRange  strategy = "index-scan"
)

// matchedRow pairs a table primary key with its decoded document, kept
// together through ordering/skip/update so updates can be persisted without
// re-deriving the key from document content.
type matchedRow struct {
	pk  []byte
	doc officialBson.M
}

// Execute plans and runs the query, applying any update operators to every
// match (spec §4.G "Execution").
func (e *Executor) Execute(plan *Plan) (*Result, error) {
	started := time.Now()
	candidates, chosenField, strat, err := e.planCandidates(plan)
	if err != nil {
		return nil, err
	}

	var matched []matchedRow
	scanned := 0
	for _, pk := range candidates {
		scanned++
		row, err := e.table.Get(pk)
		if err != nil {
			continue // spec §4.B: out-of-band deletion mid-scan is silently skipped
		}
		if !matchesAll(row, plan.Predicates) {
			continue
		}
		if len(plan.OrBranches) > 0 && !matchesAnyBranch(row, plan.OrBranches) {
			continue
		}
		matched = append(matched, matchedRow{pk: pk, doc: row})
	}

	matched = applyOrdering(matched, plan.OrderBy)
	matched = applySkipMax(matched, plan.Skip, plan.Max)

	if plan.IsUpdate {
		if len(matched) == 0 && hasUpsert(plan.Updates) {
			doc, err := e.upsertInsert(plan)
			if err != nil {
				return nil, err
			}
			matched = []matchedRow{{doc: doc}}
		} else if err := e.applyUpdates(plan, matched); err != nil {
			return nil, err
		}
	}

	docs := make([]officialBson.M, len(matched))
	for i, m := range matched {
		docs[i] = m.doc
	}
	docs = applyProjection(docs, plan.Fields)

	res := &Result{Docs: docs, Count: len(docs)}
	if plan.Explain {
		elapsedMs := float64(time.Since(started)) / float64(time.Millisecond)
		res.ExplainLog = e.explainLog(strat, chosenField, scanned, len(docs), elapsedMs)
	}
	return res, nil
}

// explainLog renders the human-readable $explain narrative (spec §4.G
// "Explain": "chosen index, record-scan count, match count, elapsed ms"),
// plus a median/95th-percentile elapsed-ms roll-up across every prior
// explain of the same strategy+field, aggregated via montanaflynn/stats
// (the original engine only logs the single call, see SPEC_FULL.md
// "SUPPLEMENTED FEATURES").
func (e *Executor) explainLog(strat strategy, field string, scanned, matched int, elapsedMs float64) string {
	key := string(strat) + "|" + field
	e.mu.Lock()
	e.explainHistory[key] = append(e.explainHistory[key], elapsedMs)
	hist := append([]float64(nil), e.explainHistory[key]...)
	e.mu.Unlock()

	median, _ := stats.Median(stats.Float64Data(hist))
	p95, _ := stats.Percentile(stats.Float64Data(hist), 95)

	var b strings.Builder
	b.WriteString("strategy=")
	b.WriteString(string(strat))
	if field != "" {
		b.WriteString(" field=")
		b.WriteString(field)
	}
	b.WriteString(" scanned=")
	b.WriteString(itoa(scanned))
	b.WriteString(" matched=")
	b.WriteString(itoa(matched))
	fmt.Fprintf(&b, " elapsed_ms=%.3f median_ms=%.3f p95_ms=%.3f (n=%d)", elapsedMs, median, p95, len(hist))
	return b.String()
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// planCandidates selects at most one index per spec §4.G "Planning":
// equality beats range beats prefix beats none; ties favor the first
// predicate declared.
func (e *Executor) planCandidates(plan *Plan) ([][]byte, string, strategy, error) {
	best := -1
	bestScore := 0
	for i, p := range plan.Predicates {
		// A negated or case-insensitive predicate matches rows whose exact
		// index key differs from p.Value, so it cannot drive a lookup.
		if p.Negate || p.ICase {
			continue
		}
		if _, ok := e.table.IndexKindFor(p.Path); !ok {
			continue
		}
		score := scoreOp(p.Op)
		if score > bestScore {
			bestScore = score
			best = i
		}
	}
	if best < 0 {
		return e.fullScan(), "", stratScan, nil
	}

	p := plan.Predicates[best]
	switch p.Op {
	case OpEq:
		pks, err := e.table.IndexEqual(p.Path, p.Value)
		if err != nil {
			return e.fullScan(), p.Path, stratScan, nil
		}
		return pks, p.Path, stratEqual, nil
	case OpBegin:
		prefix, _ := p.Value.(string)
		pks, err := e.table.IndexRange(p.Path, prefix, prefix+"\xff\xff\xff\xff", 0)
		if err != nil {
			return e.fullScan(), p.Path, stratScan, nil
		}
		return pks, p.Path, stratRange, nil
	default:
		low, high := rangeBounds(plan.Predicates, p.Path)
		pks, err := e.table.IndexRange(p.Path, low, high, 0)
		if err != nil {
			return e.fullScan(), p.Path, stratScan, nil
		}
		return pks, p.Path, stratRange, nil
	}
}

func scoreOp(op Op) int {
	switch op {
	case OpEq:
		return 3
	case OpGt, OpGte, OpLt, OpLte, OpBetween:
		return 2
	case OpBegin:
		return 1
	default:
		return 0
	}
}

// rangeBounds folds every range predicate on path into a single [low, high]
// bound for an index-scan strategy.
func rangeBounds(preds []Predicate, path string) (low, high interface{}) {
	for _, p := range preds {
		if p.Path != path {
			continue
		}
		switch p.Op {
		case OpGt, OpGte:
			low = p.Value
		case OpLt, OpLte:
			high = p.Value
		case OpBetween:
			if arr, ok := ejbson.AsArray(p.Value); ok && len(arr) == 2 {
				low, high = arr[0], arr[1]
			}
		}
	}
	return low, high
}

func (e *Executor) fullScan() [][]byte {
	var pks [][]byte
	it := e.table.Iterate()
	for {
		pk, _, _, ok := it.Next()
		if !ok {
			break
		}
		pks = append(pks, append([]byte(nil), pk...))
	}
	return pks
}

func matchesAll(doc officialBson.M, preds []Predicate) bool {
	for _, p := range preds {
		if !matchesOne(doc, p) {
			return false
		}
	}
	return true
}

func matchesAnyBranch(doc officialBson.M, branches [][]Predicate) bool {
	for _, b := range branches {
		if matchesAll(doc, b) {
			return true
		}
	}
	return false
}

func matchesOne(doc officialBson.M, p Predicate) bool {
	result := evalPredicate(doc, p)
	if p.Negate {
		return !result
	}
	return result
}

func evalPredicate(doc officialBson.M, p Predicate) bool {
	val, found := ejbson.Get(ejbson.M(doc), p.Path)

	switch p.Op {
	case OpExists:
		want, _ := p.Value.(bool)
		return found == want
	case OpElem:
		arr, ok := ejbson.AsArray(val)
		if !ok || !found {
			return false
		}
		for _, elem := range arr {
			em, ok := ejbson.AsDoc(elem)
			if !ok {
				continue
			}
			if matchesAll(em, p.SubPlan) {
				return true
			}
		}
		return false
	}

	if !found {
		return false
	}

	switch p.Op {
	case OpEq:
		return equalValues(val, p.Value, p.ICase)
	case OpBegin:
		s, ok1 := val.(string)
		pre, ok2 := p.Value.(string)
		if !ok1 || !ok2 {
			return false
		}
		if p.ICase {
			return strings.HasPrefix(strings.ToLower(s), strings.ToLower(pre))
		}
		return strings.HasPrefix(s, pre)
	case OpGt:
		return ejbson.Compare(val, p.Value) > 0
	case OpGte:
		return ejbson.Compare(val, p.Value) >= 0
	case OpLt:
		return ejbson.Compare(val, p.Value) < 0
	case OpLte:
		return ejbson.Compare(val, p.Value) <= 0
	case OpBetween:
		arr, ok := ejbson.AsArray(p.Value)
		if !ok || len(arr) != 2 {
			return false
		}
		return ejbson.Compare(val, arr[0]) >= 0 && ejbson.Compare(val, arr[1]) <= 0
	case OpIn:
		return inSet(val, p.Value, p.ICase)
	case OpNin:
		return !inSet(val, p.Value, p.ICase)
	case OpStrand:
		return tokenMatch(val, p.Value, true, p.ICase)
	case OpStror:
		return tokenMatch(val, p.Value, false, p.ICase)
	default:
		return false
	}
}

func equalValues(a, b interface{}, icase bool) bool {
	if icase {
		sa, oka := a.(string)
		sb, okb := b.(string)
		if oka && okb {
			return strings.EqualFold(sa, sb)
		}
	}
	if arr, ok := ejbson.AsArray(a); ok {
		for _, elem := range arr {
			if equalValues(elem, b, icase) {
				return true
			}
		}
		return false
	}
	return ejbson.Compare(a, b) == 0
}

func inSet(val, set interface{}, icase bool) bool {
	arr, ok := ejbson.AsArray(set)
	if !ok {
		return false
	}
	for _, candidate := range arr {
		if equalValues(val, candidate, icase) {
			return true
		}
	}
	return false
}

func tokenMatch(val, want interface{}, all, icase bool) bool {
	tokens := toTokens(want)
	have := toTokens(val)
	haveSet := map[string]bool{}
	for _, h := range have {
		if icase {
			h = strings.ToLower(h)
		}
		haveSet[h] = true
	}
	anyFound := false
	for _, t := range tokens {
		key := t
		if icase {
			key = strings.ToLower(key)
		}
		if haveSet[key] {
			anyFound = true
		} else if all {
			return false
		}
	}
	if all {
		return true
	}
	return anyFound
}

func toTokens(v interface{}) []string {
	if s, ok := v.(string); ok {
		return strings.Fields(s)
	}
	if arr, ok := ejbson.AsArray(v); ok {
		out := make([]string, 0, len(arr))
		for _, e := range arr {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func applyOrdering(rows []matchedRow, order []OrderField) []matchedRow {
	if len(order) == 0 {
		return rows
	}
	sort.SliceStable(rows, func(i, j int) bool {
		for _, ob := range order {
			c := ejbson.CompareAtPath(ejbson.M(rows[i].doc), ejbson.M(rows[j].doc), ob.Path)
			if c == 0 {
				continue
			}
			if ob.Desc {
				return c > 0
			}
			return c < 0
		}
		return false
	})
	return rows
}

func applySkipMax(rows []matchedRow, skip, max int) []matchedRow {
	if skip > 0 {
		if skip >= len(rows) {
			return nil
		}
		rows = rows[skip:]
	}
	if max > 0 && max < len(rows) {
		rows = rows[:max]
	}
	return rows
}

// hasUpsert reports whether plan carries a $upsert directive.
func hasUpsert(updates []Update) bool {
	for _, u := range updates {
		if u.Kind == UpdUpsert {
			return true
		}
	}
	return false
}

// upsertInsert builds and persists the document $upsert creates when no
// record matches the query: the query's equality predicates merged with
// the upsert payload (spec §4.F "$upsert", §8 testable property 7).
func (e *Executor) upsertInsert(plan *Plan) (officialBson.M, error) {
	doc := officialBson.M{}
	for _, p := range plan.Predicates {
		if p.Op == OpEq && !p.Negate {
			doc[p.Path] = p.Value
		}
	}
	for _, upd := range plan.Updates {
		if upd.Kind == UpdUpsert {
			for k, v := range upd.Doc {
				doc[k] = v
			}
		}
	}
	if _, err := e.table.Put(nil, doc, hdb.Overwrite); err != nil {
		return nil, err
	}
	return doc, nil
}

// applyUpdates applies every update-operator directive on the plan to each
// matched row and persists the result (spec §4.F "Update operators").
func (e *Executor) applyUpdates(plan *Plan, rows []matchedRow) error {
	for _, row := range rows {
		doc := row.doc
		for _, upd := range plan.Updates {
			applyUpdate(doc, upd)
		}
		if _, err := e.table.Put(row.pk, doc, hdb.Overwrite); err != nil {
			return err
		}
	}
	return nil
}

func applyUpdate(doc officialBson.M, upd Update) {
	switch upd.Kind {
	case UpdSet, UpdUpsert:
		for k, v := range upd.Doc {
			doc[k] = v
		}
	case UpdInc:
		for k, v := range upd.Doc {
			delta, ok := asFloat(v)
			if !ok {
				continue
			}
			cur, _ := asFloat(doc[k])
			doc[k] = cur + delta
		}
	case UpdDropAll:
		for k := range upd.Doc {
			delete(doc, k)
		}
	case UpdAddToSet, UpdAddToSetAll:
		for k, v := range upd.Doc {
			addToSet(doc, k, v, upd.Kind == UpdAddToSetAll)
		}
	case UpdPull, UpdPullAll:
		for k, v := range upd.Doc {
			pullFrom(doc, k, v, upd.Kind == UpdPullAll)
		}
	}
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// addToSet appends v (or, for the *All variant, each element of the array
// v) to the array field k, skipping values already present.
func addToSet(doc officialBson.M, k string, v interface{}, all bool) {
	arr, _ := ejbson.AsArray(doc[k])
	additions := []interface{}{v}
	if all {
		if a, ok := ejbson.AsArray(v); ok {
			additions = a
		}
	}
	for _, add := range additions {
		found := false
		for _, e := range arr {
			if ejbson.Compare(e, add) == 0 {
				found = true
				break
			}
		}
		if !found {
			arr = append(arr, add)
		}
	}
	doc[k] = arr
}

func pullFrom(doc officialBson.M, k string, v interface{}, all bool) {
	arr, ok := ejbson.AsArray(doc[k])
	if !ok {
		return
	}
	removals := []interface{}{v}
	if all {
		if a, ok := ejbson.AsArray(v); ok {
			removals = a
		}
	}
	out := arr[:0:0]
	for _, e := range arr {
		remove := false
		for _, r := range removals {
			if ejbson.Compare(e, r) == 0 {
				remove = true
				break
			}
		}
		if !remove {
			out = append(out, e)
		}
	}
	doc[k] = out
}

func applyProjection(docs []officialBson.M, fields map[string]int) []officialBson.M {
	if len(fields) == 0 {
		return docs
	}
	keepMode := false
	for _, v := range fields {
		if v == 1 {
			keepMode = true
		}
	}
	out := make([]officialBson.M, len(docs))
	for i, d := range docs {
		nd := officialBson.M{}
		if keepMode {
			for f := range fields {
				if v, ok := d[f]; ok {
					nd[f] = v
				}
			}
			nd["_id"] = d["_id"]
		} else {
			for k, v := range d {
				nd[k] = v
			}
			for f, v := range fields {
				if v == 0 {
					delete(nd, f)
				}
			}
		}
		out[i] = nd
	}
	return out
}
