// Package registry implements the Capability Registry (spec §4.4): the
// single shared mutable table of NodeRecords, indexed by node_id, with
// lease-based heartbeats, EWMA health tracking, and crash-recovered
// snapshots.
//
// Locking discipline mirrors agent/discovery/registry.go in the teacher
// codebase: one sync.RWMutex guards the map, every read method prunes
// expired leases under the lock, clones what it hands back, and releases
// the lock before returning — callers never observe a record while it is
// still mutable by another goroutine.
package registry
