package store

import (
	"encoding/json"
	"sort"
)

/*
Filter restricts a query to records whose metadata equals every listed value.
An empty filter matches everything.
*/
type Filter map[string]any

// Matches reports whether metadata satisfies every condition of the filter.
func (f Filter) Matches(metadata map[string]any) bool {
	for key, want := range f {
		got, ok := metadata[key]
		if !ok || !scalarEqual(got, want) {
			return false
		}
	}
	return true
}

// Keys returns the filtered keys in a stable order.
func (f Filter) Keys() []string {
	keys := make([]string, 0, len(f))
	for key := range f {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Validate checks that every condition compares against a scalar.
func (f Filter) Validate() error {
	return ValidateMetadata(f)
}

func scalarEqual(a, b any) bool {
	if x, ok := toFloat(a); ok {
		y, ok := toFloat(b)
		return ok && x == y
	}
	switch x := a.(type) {
	case string:
		y, ok := b.(string)
		return ok && x == y
	case bool:
		y, ok := b.(bool)
		return ok && x == y
	}
	return false
}

func toFloat(v any) (float64, bool) {
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
