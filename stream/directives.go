package stream

import (
	"regexp"
	"strings"
)

var (
	nodeDirectiveRe  = regexp.MustCompile(`/node:(\S+)`)
	modelDirectiveRe = regexp.MustCompile(`/model:(\S+)`)
)

// ParseDirectives extracts and strips /node:<key> and /model:<key> tokens
// from prompt text (spec §4.10: "inline directives ... stripped from the
// prompt"). Either directive may appear, in either order, at most once.
func ParseDirectives(text string) (nodeKey, modelKey, cleaned string) {
	cleaned = text
	if loc := nodeDirectiveRe.FindStringSubmatchIndex(cleaned); loc != nil {
		nodeKey = cleaned[loc[2]:loc[3]]
		cleaned = cleaned[:loc[0]] + cleaned[loc[1]:]
	}
	if loc := modelDirectiveRe.FindStringSubmatchIndex(cleaned); loc != nil {
		modelKey = cleaned[loc[2]:loc[3]]
		cleaned = cleaned[:loc[0]] + cleaned[loc[1]:]
	}
	return nodeKey, modelKey, strings.TrimSpace(cleaned)
}
