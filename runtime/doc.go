// Package runtime is the composition root that owns the Registry, Router
// Core, Workflow State, Approval Gate, Intent Analyzer, and Async Pipeline,
// and injects a bound `route` capability into every in-process node it
// constructs (spec §9, "Cyclic/back references").
//
// Ownership stays acyclic: Runtime owns Registry and Router; nodes are only
// ever handed a NodeContext carrying a weak function reference to route, not
// a pointer back into Runtime itself.
package runtime
