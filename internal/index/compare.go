package index

import (
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Comparator orders two version strings: negative when a < b, zero when
// equal, positive when a > b.
type Comparator func(a, b string) int

// CompareVersions is the default comparator: dotted-numeric (semver-style)
// comparison when both sides parse, plain lexicographic comparison
// otherwise. Lexicographic ordering of numeric versions sorts "10.0.0"
// below "2.0.0", which is why parsing is attempted first.
func CompareVersions(a, b string) int {
	va, errA := semver.NewVersion(a)
	vb, errB := semver.NewVersion(b)
	if errA == nil && errB == nil {
		return va.Compare(vb)
	}
	return strings.Compare(a, b)
}

// CompareLexicographic orders versions as opaque strings, matching stores
// that treat versions as plain tags.
func CompareLexicographic(a, b string) int {
	return strings.Compare(a, b)
}
