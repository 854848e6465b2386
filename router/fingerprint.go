package router

import (
	"io/fs"
	"path/filepath"
)

// FileStamp is one entry of a filesystem fingerprint: relative path, size,
// and modification time in nanoseconds.
type FileStamp struct {
	RelPath   string
	Size      int64
	ModTimeNS int64
}

// Fingerprint walks root and returns a deterministic, sorted-by-traversal
// list of FileStamp (spec §4.5 step 8b: "a recursive sorted list of
// (relpath, size, mtime_ns)"). filepath.WalkDir already visits entries in
// lexical order within each directory, which is sufficient for a stable,
// reproducible traversal order. A missing or unreadable root yields an
// empty, non-nil fingerprint rather than an error — fingerprinting is a
// best-effort side-effect detector, not a correctness-critical read.
func Fingerprint(root string) []FileStamp {
	out := []FileStamp{}
	if root == "" {
		return out
	}
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil //nolint:nilerr // best-effort: skip unreadable entries
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil //nolint:nilerr
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			rel = path
		}
		out = append(out, FileStamp{
			RelPath:   rel,
			Size:      info.Size(),
			ModTimeNS: info.ModTime().UnixNano(),
		})
		return nil
	})
	return out
}

// FingerprintsDiffer reports whether two fingerprints captured before and
// after an invocation differ in any entry (added, removed, resized, or
// touched).
func FingerprintsDiffer(before, after []FileStamp) bool {
	if len(before) != len(after) {
		return true
	}
	for i := range before {
		if before[i] != after[i] {
			return true
		}
	}
	return false
}
