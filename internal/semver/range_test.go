package semver

import "testing"

func TestParseRange(t *testing.T) {
	tests := []struct {
		input   string
		wantErr bool
	}{
		{"1.0.0..2.0.0", false},
		{">=1.2.0", false},
		{"<=1.2.0", false},
		{"==1.2.0", false},
		{"1.2.0", false}, // bare version is exact match
		{">= 1.2.0", false},
		{"1.0.0..", true},
		{"..2.0.0", true},
		{">1.2.0", true}, // strict comparators are not part of the grammar
		{"~1.2.0", true},
		{"", true},
	}

	for _, tt := range tests {
		_, err := ParseRange(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseRange(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
		}
	}
}

// Bound ranges are inclusive at the low bound and exclusive at the high
// bound by convention.
func TestBoundRangeInclusiveLowExclusiveHigh(t *testing.T) {
	r := MustParseRange("1.0.0..2.0.0")

	tests := []struct {
		version string
		want    bool
	}{
		{"1.0.0", true}, // equal to inclusive bound: satisfied
		{"1.5.0", true},
		{"1.99.99", true},
		{"2.0.0", false}, // equal to exclusive bound: not satisfied
		{"2.0.1", false},
		{"0.9.9", false},
		{"1.0.0-alpha", false}, // prerelease sorts below the low bound
	}

	for _, tt := range tests {
		if got := r.Satisfies(MustParse(tt.version)); got != tt.want {
			t.Errorf("(1.0.0..2.0.0).Satisfies(%s) = %v, want %v", tt.version, got, tt.want)
		}
	}
}

func TestComparatorRanges(t *testing.T) {
	tests := []struct {
		rng     string
		version string
		want    bool
	}{
		{">=1.2.0", "1.2.0", true},
		{">=1.2.0", "1.10.0", true},
		{">=1.2.0", "1.1.9", false},
		{">=1.0.0", "0.9.0", false},
		{"<=1.2.0", "1.2.0", true},
		{"<=1.2.0", "1.2.1", false},
		{"==1.2.0", "1.2.0", true},
		{"==1.2.0", "1.2.1", false},
		{"1.2.0", "1.2.0", true},
		{"1.2.0", "1.2.1", false},
	}

	for _, tt := range tests {
		got, err := Satisfies(tt.version, tt.rng)
		if err != nil {
			t.Fatalf("Satisfies(%q, %q) error: %v", tt.version, tt.rng, err)
		}
		if got != tt.want {
			t.Errorf("Satisfies(%q, %q) = %v, want %v", tt.version, tt.rng, got, tt.want)
		}
	}
}

func TestParseConstraint(t *testing.T) {
	r, err := ParseConstraint(">=", "1.0.0")
	if err != nil {
		t.Fatalf("ParseConstraint: %v", err)
	}
	if !r.Satisfies(MustParse("1.0.0")) {
		t.Error("constraint >=1.0.0 should accept 1.0.0")
	}
	if r.Satisfies(MustParse("0.9.0")) {
		t.Error("constraint >=1.0.0 should reject 0.9.0")
	}
}
