package providercfg

import (
	"fmt"
	"os"
	"strings"

	"github.com/noderouter/noderouter/minyaml"
)

// Source tags the provenance of a resolved field (spec §4.6).
type Source string

const (
	SourceRequestOverride Source = "request override"
	SourceUserConfig      Source = "user config"
	SourceEnv             Source = ".env"
	SourceFallback        Source = "fallback"
)

// Env var names and built-in fallback. The fallback pair is overridable via
// Config.FallbackProvider/FallbackModel; the env var names are fixed.
const (
	EnvProvider = "NODEROUTER_PROVIDER"
	EnvModel    = "NODEROUTER_MODEL"

	FallbackProvider = "local"
	FallbackModel    = "default"
)

// Selection is the resolved {provider, model} pair with provenance.
type Selection struct {
	Provider       string
	Model          string
	ProviderSource Source
	ModelSource    Source
}

// Config parameterizes a Resolver.
type Config struct {
	// UserConfigPath is the path to the minyaml user config file. Empty
	// disables this layer.
	UserConfigPath string

	// Getenv defaults to os.Getenv; tests may override it.
	Getenv func(string) string

	FallbackProvider string
	FallbackModel    string
}

// Resolver implements the layered {provider, model} selection of spec §4.6.
type Resolver struct {
	userDoc          map[string]any
	getenv           func(string) string
	fallbackProvider string
	fallbackModel    string
}

// Load builds a Resolver, reading and parsing the user config file if
// Config.UserConfigPath is set. A missing file is not an error: the layer
// is simply empty, matching load_state's "on any failure, default stands"
// philosophy elsewhere in the router.
func Load(cfg Config) (*Resolver, error) {
	r := &Resolver{
		userDoc:          map[string]any{},
		getenv:           cfg.Getenv,
		fallbackProvider: cfg.FallbackProvider,
		fallbackModel:    cfg.FallbackModel,
	}
	if r.getenv == nil {
		r.getenv = os.Getenv
	}
	if r.fallbackProvider == "" {
		r.fallbackProvider = FallbackProvider
	}
	if r.fallbackModel == "" {
		r.fallbackModel = FallbackModel
	}
	if cfg.UserConfigPath != "" {
		data, err := os.ReadFile(cfg.UserConfigPath)
		if err != nil {
			if os.IsNotExist(err) {
				return r, nil
			}
			return nil, fmt.Errorf("providercfg: read user config: %w", err)
		}
		doc, err := minyaml.Parse(data)
		if err != nil {
			return nil, fmt.Errorf("providercfg: parse user config: %w", err)
		}
		r.userDoc = doc
	}
	return r, nil
}

// Resolve picks {provider, model}, consulting override (typically
// message.extensions.llm from the request) first, then the user config
// file, then environment variables, then the built-in fallback.
func (r *Resolver) Resolve(override map[string]any) Selection {
	var sel Selection

	if v, ok := stringField(override, "provider"); ok {
		sel.Provider, sel.ProviderSource = v, SourceRequestOverride
	} else if v, ok := minyaml.LookupString(r.userDoc, "default_provider"); ok {
		sel.Provider, sel.ProviderSource = v, SourceUserConfig
	} else if v := r.getenv(EnvProvider); v != "" {
		sel.Provider, sel.ProviderSource = v, SourceEnv
	} else {
		sel.Provider, sel.ProviderSource = r.fallbackProvider, SourceFallback
	}

	if v, ok := stringField(override, "model"); ok {
		sel.Model, sel.ModelSource = v, SourceRequestOverride
	} else if v, ok := minyaml.LookupString(r.userDoc, "default_model"); ok {
		sel.Model, sel.ModelSource = v, SourceUserConfig
	} else if v := r.getenv(EnvModel); v != "" {
		sel.Model, sel.ModelSource = v, SourceEnv
	} else {
		sel.Model, sel.ModelSource = r.fallbackModel, SourceFallback
	}

	return sel
}

func stringField(m map[string]any, key string) (string, bool) {
	if m == nil {
		return "", false
	}
	v, ok := m[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

// PrerequisitesSatisfied answers "are the prerequisites for this provider
// satisfied?" (spec §4.6): an API key present either in the user config
// (providers.<name>.api_key) or as an environment variable
// (<NAME>_API_KEY), or a base_url configured. It never returns the secret
// itself, only whether one is present.
func (r *Resolver) PrerequisitesSatisfied(provider string) (bool, string) {
	if provider == "" {
		return false, "provider is empty"
	}
	if provider == r.fallbackProvider {
		// The built-in fallback names a provider that requires no external
		// credentials by construction; there is nothing to validate.
		return true, ""
	}
	if _, ok := minyaml.LookupString(r.userDoc, "providers."+provider+".api_key"); ok {
		return true, ""
	}
	if _, ok := minyaml.LookupString(r.userDoc, "providers."+provider+".base_url"); ok {
		return true, ""
	}
	envKey := strings.ToUpper(provider) + "_API_KEY"
	if r.getenv(envKey) != "" {
		return true, ""
	}
	return false, fmt.Sprintf("no api_key configured for provider %q (checked providers.%s.api_key, providers.%s.base_url, %s)", provider, provider, provider, envKey)
}

// StartupNotice renders a one-line, secret-free observability string for a
// resolved Selection (spec §4.6: "never includes secret values" — trivially
// true here since Selection never carries credential material).
func (r *Resolver) StartupNotice(sel Selection) string {
	return fmt.Sprintf("provider=%s (%s) model=%s (%s)",
		sel.Provider, sel.ProviderSource, sel.Model, sel.ModelSource)
}
