// Package providercfg implements the Config Resolver (spec §4.6): layered
// {provider, model} selection for model.* intents, with per-field
// provenance tags for auditability and a secret-free startup notice.
//
// Layering mirrors the teacher's config/loader.go precedence idea
// (defaults -> file -> env), narrowed to the spec's four-source chain:
// request override -> user config file -> environment -> built-in
// fallback. The user config file is read with minyaml, not
// gopkg.in/yaml.v3, per the spec's explicit minimal-YAML decision (§9).
package providercfg
