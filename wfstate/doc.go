// Package wfstate implements the reload-on-read locked key-value store
// described in spec §4.3. It is a thin layer over persist.Store: every
// operation reloads the snapshot from disk before acting, so that multiple
// processes sharing a data root converge on the same state.
package wfstate
