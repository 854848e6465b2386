package stream

import "testing"

func TestParseDirectivesStripsBothTokens(t *testing.T) {
	nodeKey, modelKey, cleaned := ParseDirectives("/node:worker-1 /model:fast summarize this file")
	if nodeKey != "worker-1" {
		t.Fatalf("nodeKey = %q, want worker-1", nodeKey)
	}
	if modelKey != "fast" {
		t.Fatalf("modelKey = %q, want fast", modelKey)
	}
	if cleaned != "summarize this file" {
		t.Fatalf("cleaned = %q, want %q", cleaned, "summarize this file")
	}
}

func TestParseDirectivesNoneReturnsOriginal(t *testing.T) {
	nodeKey, modelKey, cleaned := ParseDirectives("plain prompt text")
	if nodeKey != "" || modelKey != "" {
		t.Fatalf("expected no directives, got node=%q model=%q", nodeKey, modelKey)
	}
	if cleaned != "plain prompt text" {
		t.Fatalf("cleaned = %q, want unchanged", cleaned)
	}
}

func TestParseDirectivesModelOnly(t *testing.T) {
	_, modelKey, cleaned := ParseDirectives("/model:big write a poem")
	if modelKey != "big" {
		t.Fatalf("modelKey = %q, want big", modelKey)
	}
	if cleaned != "write a poem" {
		t.Fatalf("cleaned = %q, want %q", cleaned, "write a poem")
	}
}
