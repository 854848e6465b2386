// Package async implements the Asynchronous Execution Pipeline: durable
// enqueue of a Message onto a capability queue, a worker consume loop with
// idempotency, retry/backoff, and dead-lettering, and a control plane
// (status/events/idempotency/side-effect/cached-response) that either
// Redis backs or, for single-process use, an in-memory store backs.
//
// The capability/log/DLQ exchanges are realized as Go channels keyed by
// capability name rather than a message broker client — no AMQP dependency
// appears anywhere in the retrieved corpus to ground one on, so durability
// across process restarts comes entirely from the control plane store, not
// from the channel layer (see DESIGN.md).
package async
