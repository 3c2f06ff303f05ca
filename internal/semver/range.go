package semver

import "strings"

// rangeKind distinguishes the supported range shapes.
type rangeKind int

const (
	rangeBounds rangeKind = iota // min..max, inclusive low / exclusive high
	rangeGTE                     // >=x
	rangeLTE                     // <=x
	rangeEQ                      // ==x
)

// Range is a constraint over versions. It is either a bound pair
// ("1.0.0..2.0.0", inclusive low and exclusive high by convention) or a
// single comparator expression (">=1.2.0", "<=1.2.0", "==1.2.0").
type Range struct {
	kind rangeKind
	lo   Version
	hi   Version
	raw  string
}

// ParseRange parses a range string.
func ParseRange(s string) (Range, error) {
	trimmed := strings.TrimSpace(s)

	if lo, hi, ok := strings.Cut(trimmed, ".."); ok {
		loV, err := Parse(strings.TrimSpace(lo))
		if err != nil {
			return Range{}, err
		}
		hiV, err := Parse(strings.TrimSpace(hi))
		if err != nil {
			return Range{}, err
		}
		return Range{kind: rangeBounds, lo: loV, hi: hiV, raw: trimmed}, nil
	}

	for _, c := range []struct {
		op   string
		kind rangeKind
	}{
		{">=", rangeGTE},
		{"<=", rangeLTE},
		{"==", rangeEQ},
	} {
		if rest, ok := strings.CutPrefix(trimmed, c.op); ok {
			v, err := Parse(strings.TrimSpace(rest))
			if err != nil {
				return Range{}, err
			}
			return Range{kind: c.kind, lo: v, raw: trimmed}, nil
		}
	}

	// A bare version is shorthand for exact match.
	v, err := Parse(trimmed)
	if err != nil {
		return Range{}, err
	}
	return Range{kind: rangeEQ, lo: v, raw: trimmed}, nil
}

// MustParseRange parses a range string and panics on error.
func MustParseRange(s string) Range {
	r, err := ParseRange(s)
	if err != nil {
		panic(err)
	}
	return r
}

// ParseConstraint parses an operator and version given separately, as they
// appear in manifest dependency declarations ("id op version").
func ParseConstraint(op, version string) (Range, error) {
	return ParseRange(strings.TrimSpace(op) + strings.TrimSpace(version))
}

// Satisfies reports whether v is contained in the range.
func (r Range) Satisfies(v Version) bool {
	switch r.kind {
	case rangeBounds:
		return Compare(v, r.lo) >= 0 && Compare(v, r.hi) < 0
	case rangeGTE:
		return Compare(v, r.lo) >= 0
	case rangeLTE:
		return Compare(v, r.lo) <= 0
	case rangeEQ:
		return Compare(v, r.lo) == 0
	default:
		return false
	}
}

// Satisfies reports whether the version string satisfies the range string.
// Either side failing to parse yields the parse error.
func Satisfies(version, rng string) (bool, error) {
	v, err := Parse(version)
	if err != nil {
		return false, err
	}
	r, err := ParseRange(rng)
	if err != nil {
		return false, err
	}
	return r.Satisfies(v), nil
}

// String returns the range as written.
func (r Range) String() string {
	return r.raw
}
