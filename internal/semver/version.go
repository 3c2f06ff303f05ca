// Package semver implements semantic version parsing, comparison, and
// range satisfaction for plugin compatibility checking.
//
// Versions follow the MAJOR.MINOR.PATCH[-PRERELEASE] shape. Comparison is
// numeric per field (1.9.0 < 1.10.0) and a pre-release version sorts below
// its corresponding release. The package is pure: no side effects, no
// failure modes beyond parse errors.
package semver

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Version is a parsed semantic version.
type Version struct {
	Major      uint64
	Minor      uint64
	Patch      uint64
	Prerelease string // empty for release versions
}

// ParseError reports a version or range string that failed to parse.
// Token names the offending portion of the input.
type ParseError struct {
	Input string
	Token string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("semver: cannot parse %q: bad token %q", e.Input, e.Token)
}

// versionPattern matches MAJOR.MINOR.PATCH with an optional prerelease tag.
var versionPattern = regexp.MustCompile(`^(\d+)\.(\d+)\.(\d+)(?:-([0-9A-Za-z.-]+))?$`)

// Parse parses a version string. Any shape other than
// MAJOR.MINOR.PATCH[-PRERELEASE] is a *ParseError naming the offending token.
func Parse(s string) (Version, error) {
	m := versionPattern.FindStringSubmatch(s)
	if m == nil {
		return Version{}, &ParseError{Input: s, Token: badToken(s)}
	}

	// The pattern guarantees digits, so these cannot fail except on
	// overflow, which is still a parse error.
	major, err := strconv.ParseUint(m[1], 10, 64)
	if err != nil {
		return Version{}, &ParseError{Input: s, Token: m[1]}
	}
	minor, err := strconv.ParseUint(m[2], 10, 64)
	if err != nil {
		return Version{}, &ParseError{Input: s, Token: m[2]}
	}
	patch, err := strconv.ParseUint(m[3], 10, 64)
	if err != nil {
		return Version{}, &ParseError{Input: s, Token: m[3]}
	}

	return Version{Major: major, Minor: minor, Patch: patch, Prerelease: m[4]}, nil
}

// MustParse parses a version string and panics on error.
// Intended for tests and compile-time constants.
func MustParse(s string) Version {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// badToken isolates the first portion of s that breaks the version shape,
// so parse errors can name it.
func badToken(s string) string {
	if s == "" {
		return "<empty>"
	}
	parts := strings.SplitN(s, ".", 3)
	for _, p := range parts {
		core := p
		if i := strings.IndexByte(p, '-'); i >= 0 {
			core = p[:i]
		}
		if core == "" {
			return p
		}
		if _, err := strconv.ParseUint(core, 10, 64); err != nil {
			return p
		}
	}
	if len(parts) < 3 {
		return s
	}
	return parts[2]
}

// String returns the canonical string form.
func (v Version) String() string {
	s := fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
	if v.Prerelease != "" {
		s += "-" + v.Prerelease
	}
	return s
}

// IsPrerelease returns true if the version carries a prerelease tag.
func (v Version) IsPrerelease() bool {
	return v.Prerelease != ""
}

// Compare orders two versions by semver precedence.
// Returns -1 if a < b, 0 if equal, 1 if a > b.
func Compare(a, b Version) int {
	switch {
	case a.Major != b.Major:
		return cmpUint(a.Major, b.Major)
	case a.Minor != b.Minor:
		return cmpUint(a.Minor, b.Minor)
	case a.Patch != b.Patch:
		return cmpUint(a.Patch, b.Patch)
	}
	return comparePrerelease(a.Prerelease, b.Prerelease)
}

// Less reports whether v has lower precedence than other.
func (v Version) Less(other Version) bool {
	return Compare(v, other) < 0
}

// Equal reports whether v and other have equal precedence.
func (v Version) Equal(other Version) bool {
	return Compare(v, other) == 0
}

func cmpUint(a, b uint64) int {
	if a < b {
		return -1
	}
	if a > b {
		return 1
	}
	return 0
}

// comparePrerelease implements semver precedence for prerelease tags:
// a release (empty tag) sorts above any prerelease; tags compare by
// dot-separated identifiers, numeric identifiers numerically and below
// alphanumeric ones, with a shorter identifier list sorting first when all
// shared identifiers are equal.
func comparePrerelease(a, b string) int {
	if a == b {
		return 0
	}
	if a == "" {
		return 1
	}
	if b == "" {
		return -1
	}

	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) && i < len(bs); i++ {
		if as[i] == bs[i] {
			continue
		}
		an, aNum := parseNumericIdent(as[i])
		bn, bNum := parseNumericIdent(bs[i])
		switch {
		case aNum && bNum:
			return cmpUint(an, bn)
		case aNum:
			return -1
		case bNum:
			return 1
		default:
			if as[i] < bs[i] {
				return -1
			}
			return 1
		}
	}
	if len(as) < len(bs) {
		return -1
	}
	return 1
}

func parseNumericIdent(s string) (uint64, bool) {
	n, err := strconv.ParseUint(s, 10, 64)
	return n, err == nil
}
