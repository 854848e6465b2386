// Package persist provides the two on-disk primitives every other
// component in the router builds on: an append-only JSONL event log under
// logs/, and atomically-written JSON snapshots under state/. Every value
// passed through either primitive is first run through a recursive secret
// scrubber so that raw credentials never reach disk.
//
// The write pattern (write to "<name>.json.tmp", then os.Rename) mirrors
// agent/persistence/file_task_store.go in the teacher codebase.
package persist
