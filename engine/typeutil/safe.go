// Package typeutil provides safe type assertion helpers for the dynamic
// values held in pipeline state and tool payloads. All helpers use the
// comma-ok idiom so a malformed payload can never panic a request.
package typeutil

// AsMap safely asserts value to map[string]any.
func AsMap(value any) (map[string]any, bool) {
	if value == nil {
		return nil, false
	}
	m, ok := value.(map[string]any)
	return m, ok
}

// AsMapDefault asserts value to map[string]any, falling back to defaultVal.
func AsMapDefault(value any, defaultVal map[string]any) map[string]any {
	if m, ok := AsMap(value); ok {
		return m
	}
	return defaultVal
}

// AsString safely asserts value to string.
func AsString(value any) (string, bool) {
	if value == nil {
		return "", false
	}
	s, ok := value.(string)
	return s, ok
}

// AsStringDefault asserts value to string, falling back to defaultVal.
func AsStringDefault(value any, defaultVal string) string {
	if s, ok := AsString(value); ok {
		return s
	}
	return defaultVal
}

// AsInt safely asserts value to int.
// Handles float64 and the other numeric widths JSON unmarshaling produces.
func AsInt(value any) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case int32:
		return int(v), true
	case float64:
		return int(v), true
	case float32:
		return int(v), true
	default:
		return 0, false
	}
}

// AsBool safely asserts value to bool.
func AsBool(value any) (bool, bool) {
	if value == nil {
		return false, false
	}
	b, ok := value.(bool)
	return b, ok
}

// AsSlice safely asserts value to []any.
func AsSlice(value any) ([]any, bool) {
	if value == nil {
		return nil, false
	}
	s, ok := value.([]any)
	return s, ok
}

// AsStringSlice asserts value to []string, accepting []any of strings
// as produced by JSON unmarshaling.
func AsStringSlice(value any) ([]string, bool) {
	if value == nil {
		return nil, false
	}
	if s, ok := value.([]string); ok {
		return s, true
	}
	anySlice, ok := value.([]any)
	if !ok {
		return nil, false
	}
	result := make([]string, 0, len(anySlice))
	for _, item := range anySlice {
		str, ok := item.(string)
		if !ok {
			return nil, false
		}
		result = append(result, str)
	}
	return result, true
}

// Nested resolves a dot-separated path inside nested map[string]any values.
func Nested(data map[string]any, path string) (any, bool) {
	if data == nil || path == "" {
		return nil, false
	}
	current := any(data)
	for _, key := range splitPath(path) {
		m, ok := AsMap(current)
		if !ok {
			return nil, false
		}
		current, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// NestedString resolves a dot-separated path to a string value.
func NestedString(data map[string]any, path string) (string, bool) {
	v, ok := Nested(data, path)
	if !ok {
		return "", false
	}
	return AsString(v)
}

func splitPath(path string) []string {
	result := make([]string, 0, 4)
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			if i > start {
				result = append(result, path[start:i])
			}
			start = i + 1
		}
	}
	if start < len(path) {
		result = append(result, path[start:])
	}
	return result
}
