package validator

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/yalp/jsonpath"
)

// NumericTolerance is the absolute difference allowed between numbers.
const NumericTolerance = 0.01

// argMismatches lists every expected key whose value the actual arguments do
// not satisfy. Keys may be dotted paths into nested objects.
func argMismatches(expected, actual map[string]any) []string {
	keys := make([]string, 0, len(expected))
	for k := range expected {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var mismatches []string
	for _, key := range keys {
		want := expected[key]
		got, ok := lookupArg(actual, key)
		if !ok {
			mismatches = append(mismatches, fmt.Sprintf("missing argument '%s'", key))
			continue
		}
		if !valuesMatch(want, got) {
			mismatches = append(mismatches, fmt.Sprintf("argument '%s': expected %v, got %v", key, want, got))
		}
	}
	return mismatches
}

func lookupArg(args map[string]any, key string) (any, bool) {
	if v, ok := args[key]; ok {
		return v, true
	}
	if !strings.Contains(key, ".") {
		return nil, false
	}
	path := key
	if !strings.HasPrefix(path, "$") {
		path = "$." + key
	}
	v, err := jsonpath.Read(args, path)
	if err != nil {
		return nil, false
	}
	return v, true
}

// valuesMatch compares numbers within NumericTolerance and everything else
// by JSON kind and value. A numeric string on either side counts as a number
// when the other side is numeric.
func valuesMatch(want, got any) bool {
	wf, wIsNum := asNumber(want)
	gf, gIsNum := asNumber(got)
	switch {
	case wIsNum && gIsNum:
		return withinTolerance(wf, gf)
	case wIsNum:
		if f, ok := parseNumeric(got); ok {
			return withinTolerance(wf, f)
		}
		return false
	case gIsNum:
		if f, ok := parseNumeric(want); ok {
			return withinTolerance(f, gf)
		}
		return false
	}
	return sameKindEqual(want, got, valuesMatch)
}

func withinTolerance(a, b float64) bool {
	// Epsilon absorbs float noise exactly at the boundary.
	return math.Abs(a-b) <= NumericTolerance+1e-9
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func parseNumeric(v any) (float64, bool) {
	s, ok := v.(string)
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return f, err == nil
}

// DeepEqual reports whether a and b are the same JSON value. Numbers compare
// by value regardless of their Go type; no other kinds convert.
func DeepEqual(a, b any) bool {
	af, aIsNum := asNumber(a)
	bf, bIsNum := asNumber(b)
	if aIsNum || bIsNum {
		return aIsNum && bIsNum && af == bf
	}
	return sameKindEqual(a, b, DeepEqual)
}

// sameKindEqual compares two non-numeric values that must share a JSON kind.
// Nested elements are compared with elem.
func sameKindEqual(a, b any, elem func(a, b any) bool) bool {
	switch av := a.(type) {
	case nil:
		return b == nil
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	}
	if b == nil {
		return false
	}

	ra, rb := reflect.ValueOf(a), reflect.ValueOf(b)
	switch ra.Kind() {
	case reflect.Slice, reflect.Array:
		if (rb.Kind() != reflect.Slice && rb.Kind() != reflect.Array) || ra.Len() != rb.Len() {
			return false
		}
		for i := 0; i < ra.Len(); i++ {
			if !elem(ra.Index(i).Interface(), rb.Index(i).Interface()) {
				return false
			}
		}
		return true
	case reflect.Map:
		if rb.Kind() != reflect.Map || ra.Len() != rb.Len() {
			return false
		}
		entries := make(map[string]any, rb.Len())
		iter := rb.MapRange()
		for iter.Next() {
			entries[fmt.Sprint(iter.Key().Interface())] = iter.Value().Interface()
		}
		iter = ra.MapRange()
		for iter.Next() {
			bv, ok := entries[fmt.Sprint(iter.Key().Interface())]
			if !ok || !elem(iter.Value().Interface(), bv) {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(a, b)
}
