package schema

import (
	"bytes"
	"encoding/json"
)

// Canonical encodes v with sorted object keys. Two documents are
// structurally equal exactly when their canonical forms are.
func Canonical(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Equal reports structural equality of two JSON-compatible values,
// independent of map iteration order.
func Equal(a, b any) bool {
	ca, err := Canonical(a)
	if err != nil {
		return false
	}
	cb, err := Canonical(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ca, cb)
}

// Copy deep-copies a decoded JSON object.
func Copy(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	c, _ := copyValue(m).(map[string]any)
	return c
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, vv := range t {
			m[k] = copyValue(vv)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i := range t {
			s[i] = copyValue(t[i])
		}
		return s
	default:
		return v
	}
}
