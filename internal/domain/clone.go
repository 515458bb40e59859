package domain

// cloneMap returns a deep copy of a JSON-like map. Nested maps and slices are
// copied; other values are shared.
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

// CloneMap is the exported form of cloneMap for packages holding JSON-like maps.
func CloneMap(m map[string]any) map[string]any {
	return cloneMap(m)
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	case []map[string]any:
		out := make([]map[string]any, len(val))
		for i, item := range val {
			out[i] = cloneMap(item)
		}
		return out
	default:
		return v
	}
}
