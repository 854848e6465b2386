package minyaml

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseNestedMappingsAndScalars(t *testing.T) {
	doc := []byte(`
# provider config
providers:
  openai:
    api_key: "sk-test-123"
    base_url: https://api.openai.com/v1
    enabled: true
    priority: 10
  anthropic:
    enabled: false
default_provider: openai
temperature: 0.7
`)
	out, err := Parse(doc)
	require.NoError(t, err)

	v, ok := Lookup(out, "providers.openai.api_key")
	require.True(t, ok)
	require.Equal(t, "sk-test-123", v)

	v, ok = Lookup(out, "providers.openai.enabled")
	require.True(t, ok)
	require.Equal(t, true, v)

	v, ok = Lookup(out, "providers.openai.priority")
	require.True(t, ok)
	require.Equal(t, int64(10), v)

	v, ok = Lookup(out, "temperature")
	require.True(t, ok)
	require.Equal(t, 0.7, v)

	s, ok := LookupString(out, "default_provider")
	require.True(t, ok)
	require.Equal(t, "openai", s)
}

func TestParseListOfScalars(t *testing.T) {
	doc := []byte(`
models:
  - gpt-4o
  - gpt-4o-mini
`)
	out, err := Parse(doc)
	require.NoError(t, err)
	v, ok := Lookup(out, "models")
	require.True(t, ok)
	list, ok := v.([]any)
	require.True(t, ok)
	require.Equal(t, []any{"gpt-4o", "gpt-4o-mini"}, list)
}

func TestParseRejectsFlowStyle(t *testing.T) {
	_, err := Parse([]byte("providers: {openai: true}"))
	require.Error(t, err)
	var unsupported *ErrUnsupported
	require.ErrorAs(t, err, &unsupported)
}

func TestParseRejectsTabs(t *testing.T) {
	_, err := Parse([]byte("providers:\n\topenai: true\n"))
	require.Error(t, err)
}

func TestParseEmptyDocumentReturnsEmptyMap(t *testing.T) {
	out, err := Parse([]byte("# just a comment\n"))
	require.NoError(t, err)
	require.NotNil(t, out)
	require.Empty(t, out)
}

func TestLookupMissingPathIsFalse(t *testing.T) {
	out, err := Parse([]byte("a:\n  b: 1\n"))
	require.NoError(t, err)
	_, ok := Lookup(out, "a.c")
	require.False(t, ok)
	_, ok = Lookup(out, "x.y")
	require.False(t, ok)
}
