package normalize

import "strings"

const (
	// MaxStringLength is the length, in runes, that raw string values are truncated to.
	MaxStringLength  = 256
	maxSanitizeDepth = 8
)

var sensitiveKeyFragments = []string{
	"password",
	"passwd",
	"secret",
	"token",
	"apikey",
	"credential",
	"auth",
	"privatekey",
}

func isSensitiveKey(key string) bool {
	k := strings.ToLower(key)
	k = strings.NewReplacer("_", "", "-", "", " ", "", ".", "").Replace(k)
	for _, fragment := range sensitiveKeyFragments {
		if strings.Contains(k, fragment) {
			return true
		}
	}
	return false
}

// Sanitize returns a copy of raw with credential-like keys removed and long strings truncated.
// Nested maps and slices are sanitized recursively; nesting deeper than a fixed limit is dropped.
// It returns nil when nothing is left.
func Sanitize(raw map[string]any) map[string]any {
	out := sanitizeMap(raw, 0)
	if len(out) == 0 {
		return nil
	}
	return out
}

func sanitizeMap(m map[string]any, depth int) map[string]any {
	if m == nil || depth > maxSanitizeDepth {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if isSensitiveKey(k) {
			continue
		}
		if clean, ok := sanitizeValue(v, depth+1); ok {
			out[k] = clean
		}
	}
	return out
}

func sanitizeValue(v any, depth int) (any, bool) {
	if depth > maxSanitizeDepth {
		return nil, false
	}
	switch t := v.(type) {
	case string:
		return truncate(t), true
	case map[string]any:
		return sanitizeMap(t, depth), true
	case []any:
		out := make([]any, 0, len(t))
		for _, item := range t {
			if clean, ok := sanitizeValue(item, depth+1); ok {
				out = append(out, clean)
			}
		}
		return out, true
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = truncate(s)
		}
		return out, true
	case []byte:
		return append([]byte(nil), t...), true
	}
	return v, true
}

func truncate(s string) string {
	if len(s) <= MaxStringLength {
		return s
	}
	runes := []rune(s)
	if len(runes) <= MaxStringLength {
		return s
	}
	return string(runes[:MaxStringLength])
}
