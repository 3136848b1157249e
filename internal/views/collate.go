// Package views implements a minimal map-function view runtime backing
// the "views"/"maps" buckets spec.md §6 names as belonging to an
// external "query collaborator". Key ordering follows CouchDB's JSON
// collation rule: no pack dependency implements this, so it is written
// by hand (see DESIGN.md).
package views

import (
	"encoding/json"
)

// typeRank orders JSON value kinds per CouchDB's collation rule:
// null < false < true < number < string < array < object.
func typeRank(v interface{}) int {
	switch val := v.(type) {
	case nil:
		return 0
	case bool:
		if !val {
			return 1
		}
		return 2
	case float64:
		return 3
	case string:
		return 4
	case []interface{}:
		return 5
	case map[string]interface{}:
		return 6
	default:
		return 7
	}
}

// Compare orders two decoded JSON values per CouchDB's collation rule.
// Returns <0, 0, >0 as a sorts before, equal to, or after b.
func Compare(a, b interface{}) int {
	ra, rb := typeRank(a), typeRank(b)
	if ra != rb {
		return ra - rb
	}
	switch ra {
	case 0, 1, 2:
		return 0
	case 3:
		fa, fb := a.(float64), b.(float64)
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		default:
			return 0
		}
	case 4:
		sa, sb := a.(string), b.(string)
		switch {
		case sa < sb:
			return -1
		case sa > sb:
			return 1
		default:
			return 0
		}
	case 5:
		aa, ab := a.([]interface{}), b.([]interface{})
		n := len(aa)
		if len(ab) < n {
			n = len(ab)
		}
		for i := 0; i < n; i++ {
			if c := Compare(aa[i], ab[i]); c != 0 {
				return c
			}
		}
		return len(aa) - len(ab)
	case 6:
		ma, mb := a.(map[string]interface{}), b.(map[string]interface{})
		return compareObjects(ma, mb)
	default:
		return 0
	}
}

func compareObjects(a, b map[string]interface{}) int {
	ak := sortedKeys(a)
	bk := sortedKeys(b)
	n := len(ak)
	if len(bk) < n {
		n = len(bk)
	}
	for i := 0; i < n; i++ {
		if ak[i] != bk[i] {
			if ak[i] < bk[i] {
				return -1
			}
			return 1
		}
		if c := Compare(a[ak[i]], b[bk[i]]); c != 0 {
			return c
		}
	}
	return len(ak) - len(bk)
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// insertion sort: view keysets are small, and this avoids importing
	// sort just for a handful of object fields.
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	return keys
}

// CollationKey returns a value decoded from raw JSON suitable for
// passing to Compare.
func CollationKey(raw json.RawMessage) (interface{}, error) {
	var v interface{}
	if len(raw) == 0 {
		return nil, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}
