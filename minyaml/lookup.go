package minyaml

import (
	"strconv"
	"strings"
)

// Lookup resolves a dotted path ("providers.openai.api_key") against a
// parsed document, returning (value, true) if every segment resolves to a
// nested map and the final key is present with a non-nil value.
func Lookup(doc map[string]any, path string) (any, bool) {
	segments := strings.Split(path, ".")
	var cur any = doc
	for _, seg := range segments {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, present := m[seg]
		if !present {
			return nil, false
		}
		cur = v
	}
	if cur == nil {
		return nil, false
	}
	return cur, true
}

// LookupString resolves path and coerces the result to a string, returning
// ("", false) if absent or not representable as a plain string/number/bool.
func LookupString(doc map[string]any, path string) (string, bool) {
	v, ok := Lookup(doc, path)
	if !ok {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, true
	case int64:
		return strconv.FormatInt(t, 10), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(t), true
	default:
		return "", false
	}
}
