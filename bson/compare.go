package bson

import (
	"strings"
	"time"
)

// typeRank implements the BSON type ordering from spec §4.A:
// null < number < string < object < array < binary < object-id < boolean < date < regex.
func typeRank(v interface{}) int {
	switch v.(type) {
	case nil:
		return 0
	case float64, int32, int64, float32, int:
		return 1
	case string:
		return 2
	case D, M:
		return 3
	case A, []interface{}:
		return 4
	case []byte:
		return 5
	case OID:
		return 6
	case bool:
		return 7
	case time.Time:
		return 8
	default:
		return 9
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

// Compare orders two decoded BSON values per the type-ordering rule, then
// naturally within a type (numeric types are unified; arrays compare
// element by element, then by length). Two documents, two binary values or
// two values of the catch-all last rank (e.g. regex) always compare equal.
func Compare(a, b interface{}) int {
	ra, rb := typeRank(a), typeRank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	switch ra {
	case 0:
		return 0
	case 1:
		fa, _ := asFloat(a)
		fb, _ := asFloat(b)
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		default:
			return 0
		}
	case 2:
		return strings.Compare(a.(string), b.(string))
	case 4:
		xa, _ := AsArray(a)
		xb, _ := AsArray(b)
		for i := 0; i < len(xa) && i < len(xb); i++ {
			if c := Compare(xa[i], xb[i]); c != 0 {
				return c
			}
		}
		switch {
		case len(xa) < len(xb):
			return -1
		case len(xa) > len(xb):
			return 1
		}
		return 0
	case 7:
		ba, bb := a.(bool), b.(bool)
		if ba == bb {
			return 0
		}
		if !ba {
			return -1
		}
		return 1
	case 8:
		ta, tb := a.(time.Time), b.(time.Time)
		switch {
		case ta.Before(tb):
			return -1
		case ta.After(tb):
			return 1
		default:
			return 0
		}
	case 6:
		oa, ob := a.(OID), b.(OID)
		for i := range oa {
			if oa[i] != ob[i] {
				if oa[i] < ob[i] {
					return -1
				}
				return 1
			}
		}
		return 0
	default:
		return 0
	}
}

// CompareAtPath compares the values found at path within two documents,
// honoring "not found" as sorting before any present value (used by
// orderby).
func CompareAtPath(docA, docB interface{}, path string) int {
	va, oka := Get(docA, path)
	vb, okb := Get(docB, path)
	switch {
	case !oka && !okb:
		return 0
	case !oka:
		return -1
	case !okb:
		return 1
	default:
		return Compare(va, vb)
	}
}
