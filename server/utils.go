// Generic data manipulation utilities.

package main

import (
	"reflect"

	"github.com/oklog/ulid/v2"
)

// nextID returns a fresh unique identifier for server-generated changes and
// requests. ULIDs from the same process sort by creation time.
func nextID() string {
	return ulid.Make().String()
}

// cloneValue deep-copies a JSON-shaped value (nil, bool, string, numbers,
// []any, map[string]any). Values of other types are returned as is.
func cloneValue(v any) any {
	switch val := v.(type) {
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

// asInt64 coerces JSON numbers to int64. Floats are accepted only when they
// carry an integral value.
func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		if n == float64(int64(n)) {
			return int64(n), true
		}
	}
	return 0, false
}

// asFloat64 coerces JSON numbers to float64.
func asFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	}
	return 0, false
}

// asArray accepts a JSON array value.
func asArray(v any) ([]any, bool) {
	if v == nil {
		return nil, false
	}
	arr, ok := v.([]any)
	return arr, ok
}

// containsValue reports whether arr has an element deep-equal to item.
func containsValue(arr []any, item any) bool {
	for _, v := range arr {
		if reflect.DeepEqual(v, item) {
			return true
		}
	}
	return false
}
