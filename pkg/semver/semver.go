// Package semver parses and orders firmware version strings.
package semver

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind is the pre-release kind, ordered alpha < beta < rc < other.
type Kind int

// Pre-release kinds.
const (
	Alpha Kind = iota
	Beta
	RC
	Other
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case Alpha:
		return "alpha"
	case Beta:
		return "beta"
	case RC:
		return "rc"
	default:
		return "other"
	}
}

// PreRelease is the pre-release component of a version, e.g. "beta.1".
type PreRelease struct {
	Kind Kind
	// Label keeps the original text for Other kinds.
	Label string
	// Number is the optional numeric suffix.
	Number    uint32
	HasNumber bool
}

// SemVer is a parsed major.minor.patch[-pre[.n]] version.
type SemVer struct {
	Major      uint32
	Minor      uint32
	Patch      uint32
	PreRelease *PreRelease
}

// Parse parses a version string like "1.2.3", "v1.2.3" or "V1.2.3-rc.1".
// It reports false on any malformed input.
func Parse(s string) (SemVer, bool) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "v") || strings.HasPrefix(s, "V") {
		s = s[1:]
	}
	core, pre, hasPre := strings.Cut(s, "-")
	parts := strings.Split(core, ".")
	if len(parts) != 3 {
		return SemVer{}, false
	}
	var nums [3]uint32
	for i, part := range parts {
		n, ok := parseUint(part)
		if !ok {
			return SemVer{}, false
		}
		nums[i] = n
	}
	v := SemVer{Major: nums[0], Minor: nums[1], Patch: nums[2]}
	if hasPre {
		v.PreRelease = parsePreRelease(pre)
	}
	return v, true
}

func parseUint(s string) (uint32, bool) {
	if s == "" || s[0] == '+' {
		return 0, false
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}

func parsePreRelease(s string) *PreRelease {
	lower := strings.ToLower(s)
	pre := &PreRelease{Kind: Other}
	var rest string
	switch {
	case strings.HasPrefix(lower, "alpha"):
		pre.Kind, rest = Alpha, lower[5:]
	case strings.HasPrefix(lower, "beta"):
		pre.Kind, rest = Beta, lower[4:]
	case strings.HasPrefix(lower, "rc"):
		pre.Kind, rest = RC, lower[2:]
	default:
		if n, ok := parseUint(strings.TrimPrefix(lower, ".")); ok {
			pre.Number, pre.HasNumber = n, true
			return pre
		}
		pre.Label = lower
		if i := strings.LastIndexByte(lower, '.'); i >= 0 {
			if n, ok := parseUint(lower[i+1:]); ok {
				pre.Label, pre.Number, pre.HasNumber = lower[:i], n, true
			}
		}
		return pre
	}
	if rest != "" {
		if n, ok := parseUint(strings.TrimPrefix(rest, ".")); ok {
			pre.Number, pre.HasNumber = n, true
		}
	}
	return pre
}

// String formats the version without the "v" prefix.
func (v SemVer) String() string {
	s := fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
	if p := v.PreRelease; p != nil {
		s += "-" + p.String()
	}
	return s
}

// String implements fmt.Stringer.
func (p PreRelease) String() string {
	s := p.Kind.String()
	if p.Kind == Other {
		s = p.Label
	}
	if p.HasNumber {
		if s != "" {
			s += "."
		}
		s += strconv.FormatUint(uint64(p.Number), 10)
	}
	return s
}

// Compare returns -1, 0 or 1 when v is older, equal or newer than o.
func (v SemVer) Compare(o SemVer) int {
	if c := cmpUint(v.Major, o.Major); c != 0 {
		return c
	}
	if c := cmpUint(v.Minor, o.Minor); c != 0 {
		return c
	}
	if c := cmpUint(v.Patch, o.Patch); c != 0 {
		return c
	}
	switch {
	case v.PreRelease == nil && o.PreRelease == nil:
		return 0
	case v.PreRelease == nil:
		return 1
	case o.PreRelease == nil:
		return -1
	}
	return v.PreRelease.Compare(*o.PreRelease)
}

// Compare orders pre-releases by kind, then by numeric suffix.
// An absent suffix ranks below any present one.
func (p PreRelease) Compare(o PreRelease) int {
	if p.Kind != o.Kind {
		if p.Kind < o.Kind {
			return -1
		}
		return 1
	}
	switch {
	case !p.HasNumber && !o.HasNumber:
		return 0
	case !p.HasNumber:
		return -1
	case !o.HasNumber:
		return 1
	}
	return cmpUint(p.Number, o.Number)
}

// IsGreaterThan reports whether v is strictly newer than o.
func (v SemVer) IsGreaterThan(o SemVer) bool {
	return v.Compare(o) > 0
}

// Equal reports whether v and o have the same precedence.
func (v SemVer) Equal(o SemVer) bool {
	return v.Compare(o) == 0
}

func cmpUint(a, b uint32) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
