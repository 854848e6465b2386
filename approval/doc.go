// Package approval implements the Approval Gate (spec §4.8): a
// capability-provider exposing approval.request and approval.resolve,
// backed by the same persist.Store-backed state convergence the rest of
// the router uses (records are reloaded from state name "approvals" before
// every operation, single exclusive lock).
//
// Grounded on agent/hitl/interrupt.go's pending/resolve shape, narrowed to
// the spec's request/resolve pair: no handler registry, no timeout-driven
// channel wait (the spec models approval as a stateless create/look-up/
// resolve cycle over persisted records, not a blocking in-memory wait).
package approval
