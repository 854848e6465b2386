package persist

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestScrubRedactsNestedSecrets(t *testing.T) {
	in := map[string]any{
		"name": "alice",
		"auth": map[string]any{
			"api_key":             "sk-live-xyz",
			"Authorization_Token": "Bearer abc",
			"nested": []any{
				map[string]any{"client_secret": "shh", "ok": "fine"},
			},
		},
	}
	out := Scrub(in).(map[string]any)
	require.Equal(t, "alice", out["name"])
	auth := out["auth"].(map[string]any)
	require.Equal(t, redacted, auth["api_key"])
	require.Equal(t, redacted, auth["Authorization_Token"])
	nested := auth["nested"].([]any)[0].(map[string]any)
	require.Equal(t, redacted, nested["client_secret"])
	require.Equal(t, "fine", nested["ok"])
}

func TestSaveLoadStateRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	require.NoError(t, err)
	defer s.Close()

	type payload struct {
		Count int    `json:"count"`
		Name  string `json:"name"`
	}
	require.NoError(t, s.SaveState("widget", payload{Count: 3, Name: "gear"}))

	var out payload
	require.NoError(t, s.LoadState("widget", &out))
	require.Equal(t, 3, out.Count)
	require.Equal(t, "gear", out.Name)

	require.FileExists(t, filepath.Join(dir, "state", "widget.json"))
	require.NoFileExists(t, filepath.Join(dir, "state", "widget.json.tmp"))
}

func TestLoadStateMissingKeepsDefault(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	require.NoError(t, err)
	defer s.Close()

	out := map[string]any{"active_folder": ""}
	require.NoError(t, s.LoadState("nope", &out))
	require.Equal(t, "", out["active_folder"])
}

func TestAppendLogScrubsSecretsAndAppendsLines(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.EmitEvent("router", "router.node_registered", map[string]any{
		"node_id":            "node-a",
		"registration_token": "secret-abc",
	}))
	require.NoError(t, s.EmitEvent("router", "router.route_dispatched", map[string]any{"node_id": "node-a"}))

	data, err := readAll(filepath.Join(dir, "logs", "router.jsonl"))
	require.NoError(t, err)
	require.Contains(t, data, "<redacted>")
	require.NotContains(t, data, "secret-abc")
	require.Equal(t, 2, countLines(data))
}
