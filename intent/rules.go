package intent

import "regexp"

// rule is one row of the fixed, ordered rule table (spec §4.7 step 2).
// Rules are evaluated in table order; the first match wins, no
// backtracking across rules.
type rule struct {
	name       string
	pattern    *regexp.Regexp
	intent     string
	confidence float64
	payload    func(groups []string) map[string]any
}

func trimmedGroup(groups []string, i int) string {
	if i >= len(groups) {
		return ""
	}
	return groups[i]
}

// ruleTable is deliberately ordered: folder operations before interview
// operations before spec/plan before memory before model listing before
// the generic model-chat catch-all, matching the spec's own enumeration
// order in §4.7 step 2.
var ruleTable = []rule{
	{
		name:       "folder.list",
		pattern:    regexp.MustCompile(`(?i)^list (?:the )?folders?$`),
		intent:     "workflow.folder.list",
		confidence: 0.95,
		payload:    func(g []string) map[string]any { return map[string]any{} },
	},
	{
		name:       "folder.create",
		pattern:    regexp.MustCompile(`(?i)^create (?:a )?(?:new )?folder (?:named |called )?(.+)$`),
		intent:     "workflow.folder.create",
		confidence: 0.9,
		payload:    func(g []string) map[string]any { return map[string]any{"name": trimmedGroup(g, 1)} },
	},
	{
		name:       "folder.switch",
		pattern:    regexp.MustCompile(`(?i)^(?:switch|use|cd)\s+(?:to\s+)?(?:folder\s+)?(.+)$`),
		intent:     "workflow.folder.switch",
		confidence: 0.85,
		payload:    func(g []string) map[string]any { return map[string]any{"name": trimmedGroup(g, 1)} },
	},
	{
		name:       "interview.start",
		pattern:    regexp.MustCompile(`(?i)^start (?:an? )?interview(?: for (.+))?$`),
		intent:     "workflow.interview.start",
		confidence: 0.95,
		payload: func(g []string) map[string]any {
			p := map[string]any{}
			if topic := trimmedGroup(g, 1); topic != "" {
				p["topic"] = topic
			}
			return p
		},
	},
	{
		name:       "interview.continue",
		pattern:    regexp.MustCompile(`(?i)^(?:continue|resume) (?:the )?interview$`),
		intent:     "workflow.interview.continue",
		confidence: 0.9,
		payload:    func(g []string) map[string]any { return map[string]any{} },
	},
	{
		name:       "interview.complete",
		pattern:    regexp.MustCompile(`(?i)^(?:complete|finish|end) (?:the )?interview$`),
		intent:     "workflow.interview.complete",
		confidence: 0.9,
		payload:    func(g []string) map[string]any { return map[string]any{} },
	},
	{
		name:       "spec.propose_save",
		pattern:    regexp.MustCompile(`(?i)^(?:save|propose) (?:the )?spec$`),
		intent:     "workflow.spec.propose_save",
		confidence: 0.9,
		payload:    func(g []string) map[string]any { return map[string]any{} },
	},
	{
		name:       "spec.generate",
		pattern:    regexp.MustCompile(`(?i)^(?:generate|draft|write) (?:a |the )?spec(?: for (.+))?$`),
		intent:     "workflow.spec.generate",
		confidence: 0.9,
		payload: func(g []string) map[string]any {
			p := map[string]any{}
			if subject := trimmedGroup(g, 1); subject != "" {
				p["subject"] = subject
			}
			return p
		},
	},
	{
		name:       "plan.propose_save",
		pattern:    regexp.MustCompile(`(?i)^(?:save|propose) (?:the )?plan$`),
		intent:     "workflow.plan.propose_save",
		confidence: 0.9,
		payload:    func(g []string) map[string]any { return map[string]any{} },
	},
	{
		name:       "plan.generate",
		pattern:    regexp.MustCompile(`(?i)^(?:generate|draft|write) (?:a |the )?plan(?: for (.+))?$`),
		intent:     "workflow.plan.generate",
		confidence: 0.9,
		payload: func(g []string) map[string]any {
			p := map[string]any{}
			if subject := trimmedGroup(g, 1); subject != "" {
				p["subject"] = subject
			}
			return p
		},
	},
	{
		name:       "memory.list",
		pattern:    regexp.MustCompile(`(?i)^list memor(?:y|ies)$`),
		intent:     "memory.list",
		confidence: 0.95,
		payload:    func(g []string) map[string]any { return map[string]any{} },
	},
	{
		name:       "memory.search",
		pattern:    regexp.MustCompile(`(?i)^search memor(?:y|ies)(?: for)? (.+)$`),
		intent:     "memory.search",
		confidence: 0.9,
		payload:    func(g []string) map[string]any { return map[string]any{"query": trimmedGroup(g, 1)} },
	},
	{
		name:       "memory.write",
		pattern:    regexp.MustCompile(`(?i)^(?:write|set) memory (\S+)\s*[:=]\s*(.+)$`),
		intent:     "memory.write",
		confidence: 0.9,
		payload: func(g []string) map[string]any {
			return map[string]any{"key": trimmedGroup(g, 1), "value": trimmedGroup(g, 2)}
		},
	},
	{
		name:       "memory.edit",
		pattern:    regexp.MustCompile(`(?i)^edit memory (\S+)\s*[:=]\s*(.+)$`),
		intent:     "memory.edit",
		confidence: 0.9,
		payload: func(g []string) map[string]any {
			return map[string]any{"key": trimmedGroup(g, 1), "value": trimmedGroup(g, 2)}
		},
	},
	{
		name:       "memory.delete",
		pattern:    regexp.MustCompile(`(?i)^delete memory (.+)$`),
		intent:     "memory.delete",
		confidence: 0.9,
		payload:    func(g []string) map[string]any { return map[string]any{"key": trimmedGroup(g, 1)} },
	},
	{
		name:       "memory.read",
		pattern:    regexp.MustCompile(`(?i)^(?:read|show|get) memory (.+)$`),
		intent:     "memory.read",
		confidence: 0.9,
		payload:    func(g []string) map[string]any { return map[string]any{"key": trimmedGroup(g, 1)} },
	},
	{
		name:       "model.list",
		pattern:    regexp.MustCompile(`(?i)^list models?$`),
		intent:     "model.list",
		confidence: 0.95,
		payload:    func(g []string) map[string]any { return map[string]any{} },
	},
	{
		name:       "model.chat.stream",
		pattern:    regexp.MustCompile(`(?i)^stream[: ]\s*(.+)$`),
		intent:     "model.chat.stream",
		confidence: 0.85,
		payload:    func(g []string) map[string]any { return map[string]any{"text": trimmedGroup(g, 1)} },
	},
	{
		name:       "model.chat.complete",
		pattern:    regexp.MustCompile(`(?i)^complete[: ]\s*(.+)$`),
		intent:     "model.chat.complete",
		confidence: 0.85,
		payload:    func(g []string) map[string]any { return map[string]any{"text": trimmedGroup(g, 1)} },
	},
}
