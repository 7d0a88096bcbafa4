package openapi

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
)

// UnresolvedRefs lists every local "$ref" in doc that does not point at an
// existing node.
func UnresolvedRefs(doc map[string]any) []string {
	seen := make(map[string]bool)
	var walk func(v any)
	walk = func(v any) {
		switch t := v.(type) {
		case map[string]any:
			for k, vv := range t {
				if s, ok := vv.(string); ok && k == "$ref" {
					if strings.HasPrefix(s, "#") && !resolves(doc, s) {
						seen[s] = true
					}
					continue
				}
				walk(vv)
			}
		case []any:
			for _, vv := range t {
				walk(vv)
			}
		}
	}
	walk(doc)

	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func resolves(doc map[string]any, ref string) bool {
	ptr := strings.TrimPrefix(ref, "#")
	if ptr == "" {
		return true
	}
	var cur any = doc
	for _, seg := range strings.Split(strings.TrimPrefix(ptr, "/"), "/") {
		seg = unescapePointer(seg)
		switch t := cur.(type) {
		case map[string]any:
			next, ok := t[seg]
			if !ok {
				return false
			}
			cur = next
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(t) {
				return false
			}
			cur = t[i]
		default:
			return false
		}
	}
	return true
}

func unescapePointer(s string) string {
	return strings.NewReplacer("~1", "/", "~0", "~").Replace(s)
}

func escapePointer(s string) string {
	return strings.NewReplacer("~", "~0", "/", "~1").Replace(s)
}

// Validate loads the encoded document with kin-openapi, which resolves every
// reference, and runs its structural validation.
func Validate(ctx context.Context, raw []byte) error {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(raw)
	if err != nil {
		return fmt.Errorf("load composed document: %w", err)
	}
	if err := doc.Validate(ctx); err != nil {
		return fmt.Errorf("validate composed document: %w", err)
	}
	return nil
}
