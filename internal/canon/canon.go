// Package canon converts rule payloads between the two field-naming
// conventions used across the platform boundary. The canonical internal
// form is snake_case; the legacy client convention is camelCase. Every
// payload crossing an external boundary is normalized once on receipt so
// internal components only ever see canonical keys.
package canon

import (
	"strings"
	"unicode"
)

// Normalize recursively converts every map key in v between the two
// naming conventions. With toCanonical=true keys become snake_case,
// otherwise camelCase. Values that are not maps or slices pass through
// unchanged. The transform is pure and idempotent in the canonical
// direction: normalizing already-canonical data returns an equal value.
func Normalize(v any, toCanonical bool) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[Key(k, toCanonical)] = Normalize(item, toCanonical)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = Normalize(item, toCanonical)
		}
		return out
	default:
		return v
	}
}

// Key converts a single field name between the two conventions.
func Key(k string, toCanonical bool) string {
	if toCanonical {
		return toSnake(k)
	}
	return toCamel(k)
}

// toSnake converts camelCase to snake_case. Snake_case input is returned
// unchanged, which is what makes canonical normalization idempotent.
// Uppercase runs are treated as acronyms: "tenantID" becomes "tenant_id".
func toSnake(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 4)

	runes := []rune(s)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			prevLower := i > 0 && (unicode.IsLower(runes[i-1]) || unicode.IsDigit(runes[i-1]))
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if i > 0 && runes[i-1] != '_' && (prevLower || nextLower) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// toCamel converts snake_case to camelCase. Input without underscores is
// returned unchanged.
func toCamel(s string) string {
	if !strings.Contains(s, "_") {
		return s
	}

	parts := strings.Split(s, "_")
	var b strings.Builder
	b.Grow(len(s))

	wrote := false
	for _, p := range parts {
		if p == "" {
			continue
		}
		if !wrote {
			b.WriteString(p)
			wrote = true
			continue
		}
		r := []rune(p)
		b.WriteRune(unicode.ToUpper(r[0]))
		b.WriteString(string(r[1:]))
	}
	return b.String()
}
