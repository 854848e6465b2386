package persist

import "strings"

const redacted = "<redacted>"

var secretKeyFragments = []string{"api_key", "authorization", "token", "secret"}

// isSecretKey reports whether a mapping key name should have its value
// redacted before the value reaches disk.
func isSecretKey(key string) bool {
	lower := strings.ToLower(key)
	for _, frag := range secretKeyFragments {
		if strings.Contains(lower, frag) {
			return true
		}
	}
	return false
}

// Scrub returns a copy of v with every mapping value whose key matches
// isSecretKey replaced by the literal "<redacted>", recursing through
// nested maps and slices. Scalars and non-map/slice values pass through
// unchanged. This is the hard invariant from spec §4.2: no raw secret may
// reach logs/ or state/.
func Scrub(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, vv := range val {
			if isSecretKey(k) {
				out[k] = redacted
				continue
			}
			out[k] = Scrub(vv)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, vv := range val {
			out[i] = Scrub(vv)
		}
		return out
	default:
		return v
	}
}
