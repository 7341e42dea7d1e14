package registry

import (
	"encoding/json"
	"fmt"
	"math"
)

// canonical returns a comparison key for a JSON-like value. Numbers of
// different Go types compare equal when their JSON forms do.
func canonical(v any) string {
	if f, ok := toFloat(v); ok {
		v = f
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%T:%v", v, v)
	}
	return string(b)
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

// sum adds additive values; nil counts as zero.
func sum(field string, vals ...any) (float64, error) {
	var total float64
	for _, v := range vals {
		if v == nil {
			continue
		}
		f, ok := toFloat(v)
		if !ok || math.IsNaN(f) {
			return 0, fmt.Errorf("%w: %s=%v", ErrNotNumeric, field, v)
		}
		total += f
	}
	return total, nil
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case Record:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	}
	return v
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}
