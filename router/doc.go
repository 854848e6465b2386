// Package router implements the Router Core (spec §4.5): the nine-step
// route(message) pipeline that turns an intent into a dispatched
// invocation against a capability node, with provider pinning for model.*
// intents, filesystem-fingerprint side-effect detection, and per-node
// health feedback into the registry.
//
// Structurally this generalizes llm/router/router.go's weighted-candidate
// selection loop: the teacher scores and randomly samples across LLM model
// candidates, this package walks a deterministically pre-sorted candidate
// list (registry.CapabilityRegistry.EligibleNodes) until one produces a
// valid, policy-compliant response.
package router
