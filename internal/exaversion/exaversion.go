// Package exaversion implements dotted-decimal version parsing and
// component-wise comparison, transcribed from the original
// exa_version.c (common/lib/exa_version.c in original_source/).
package exaversion

import "strings"

// Version is a dotted-decimal version string, e.g. "2.1.4".
type Version string

// IsMajor reports whether v has exactly one dot (a "major.minor" form),
// mirroring exa_version_is_major.
func (v Version) IsMajor() bool {
	s := string(v)
	first := strings.IndexByte(s, '.')
	if first < 0 {
		return false
	}
	return strings.LastIndexByte(s, '.') == first
}

// Major returns the first two dotted components of v, mirroring
// exa_version_get_major: "2.1.4" -> "2.1", "2.1" -> "2.1".
func (v Version) Major() (Version, bool) {
	s := string(v)
	firstDot := strings.IndexByte(s, '.')
	if firstDot < 0 {
		return "", false
	}
	rest := s[firstDot+1:]
	secondDot := strings.IndexByte(rest, '.')
	if secondDot < 0 {
		return v, true
	}
	return Version(s[:firstDot+1+secondDot]), true
}

// components splits v into its dotted integer components, treating a
// non-numeric or empty component as 0.
func (v Version) components() []int {
	parts := strings.Split(string(v), ".")
	out := make([]int, len(parts))
	for i, p := range parts {
		n := 0
		for _, c := range p {
			if c < '0' || c > '9' {
				n = 0
				break
			}
			n = n*10 + int(c-'0')
		}
		out[i] = n
	}
	return out
}

// Compare returns -1, 0, or 1 as v is less than, equal to, or greater
// than other, comparing components left to right; a version with fewer
// components is padded with zeros.
func (v Version) Compare(other Version) int {
	a, b := v.components(), other.components()
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		var x, y int
		if i < len(a) {
			x = a[i]
		}
		if i < len(b) {
			y = b[i]
		}
		if x != y {
			if x < y {
				return -1
			}
			return 1
		}
	}
	return 0
}

// CompatibleMajor reports whether v and other share the same major
// version, the compatibility rule spec §4.6 requires of superblocks.
func (v Version) CompatibleMajor(other Version) bool {
	am, aok := v.Major()
	bm, bok := other.Major()
	if !aok || !bok {
		return false
	}
	return am.Compare(bm) == 0
}
