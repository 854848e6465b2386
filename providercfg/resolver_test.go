package providercfg

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func fakeGetenv(vars map[string]string) func(string) string {
	return func(k string) string { return vars[k] }
}

func TestResolveRequestOverrideWins(t *testing.T) {
	r, err := Load(Config{Getenv: fakeGetenv(map[string]string{EnvProvider: "env-provider"})})
	require.NoError(t, err)

	sel := r.Resolve(map[string]any{"provider": "anthropic", "model": "claude-x"})
	require.Equal(t, "anthropic", sel.Provider)
	require.Equal(t, SourceRequestOverride, sel.ProviderSource)
	require.Equal(t, "claude-x", sel.Model)
	require.Equal(t, SourceRequestOverride, sel.ModelSource)
}

func TestResolveFallsThroughLayers(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "providers.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("default_provider: openai\n"), 0o644))

	r, err := Load(Config{
		UserConfigPath: cfgPath,
		Getenv:         fakeGetenv(map[string]string{EnvModel: "gpt-4o-mini"}),
	})
	require.NoError(t, err)

	sel := r.Resolve(nil)
	require.Equal(t, "openai", sel.Provider)
	require.Equal(t, SourceUserConfig, sel.ProviderSource)
	require.Equal(t, "gpt-4o-mini", sel.Model)
	require.Equal(t, SourceEnv, sel.ModelSource)
}

func TestResolveFallsBackToBuiltin(t *testing.T) {
	r, err := Load(Config{Getenv: fakeGetenv(nil)})
	require.NoError(t, err)
	sel := r.Resolve(nil)
	require.Equal(t, FallbackProvider, sel.Provider)
	require.Equal(t, SourceFallback, sel.ProviderSource)
	require.Equal(t, FallbackModel, sel.Model)
	require.Equal(t, SourceFallback, sel.ModelSource)
}

func TestPrerequisitesSatisfiedViaEnv(t *testing.T) {
	r, err := Load(Config{Getenv: fakeGetenv(map[string]string{"OPENAI_API_KEY": "sk-xxx"})})
	require.NoError(t, err)
	ok, reason := r.PrerequisitesSatisfied("openai")
	require.True(t, ok)
	require.Empty(t, reason)
}

func TestPrerequisitesUnsatisfied(t *testing.T) {
	r, err := Load(Config{Getenv: fakeGetenv(nil)})
	require.NoError(t, err)
	ok, reason := r.PrerequisitesSatisfied("openai")
	require.False(t, ok)
	require.Contains(t, reason, "openai")
}

func TestStartupNoticeNeverLeaksSecrets(t *testing.T) {
	r, err := Load(Config{Getenv: fakeGetenv(nil)})
	require.NoError(t, err)
	sel := r.Resolve(map[string]any{"provider": "openai", "model": "gpt-4o"})
	notice := r.StartupNotice(sel)
	require.NotContains(t, notice, "sk-")
	require.Contains(t, notice, "request override")
}
