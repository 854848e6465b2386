package registry

import (
	"github.com/Masterminds/semver/v3"
)

// parseVersion parses a node_version string into a comparable semver.
// Versions that fail to parse sort as the lowest possible version rather
// than panicking or erroring out of selection — a malformed node_version
// should lose ties, not break routing.
func parseVersion(v string) *semver.Version {
	parsed, err := semver.NewVersion(v)
	if err != nil {
		return semver.MustParse("0.0.0")
	}
	return parsed
}

// candidateLess implements the total order from spec invariant 5:
// (-priority, -version, +node_id). It returns true when a must sort
// strictly before b, i.e. a is the stronger candidate.
func candidateLess(a, b Candidate) bool {
	if a.Node.Descriptor.Priority != b.Node.Descriptor.Priority {
		return a.Node.Descriptor.Priority > b.Node.Descriptor.Priority
	}
	va := parseVersion(a.Node.Descriptor.NodeVersion)
	vb := parseVersion(b.Node.Descriptor.NodeVersion)
	if cmp := va.Compare(vb); cmp != 0 {
		return cmp > 0
	}
	return a.Node.Descriptor.NodeID < b.Node.Descriptor.NodeID
}

// sortCandidates sorts in place by the total selection order, strongest
// candidate first.
func sortCandidates(cs []Candidate) {
	// Insertion sort is sufficient: candidate lists are per-capability and
	// small (one entry per registered provider of that capability).
	for i := 1; i < len(cs); i++ {
		for j := i; j > 0 && candidateLess(cs[j], cs[j-1]); j-- {
			cs[j], cs[j-1] = cs[j-1], cs[j]
		}
	}
}
