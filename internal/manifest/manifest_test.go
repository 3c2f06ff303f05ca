package manifest

import (
	"errors"
	"testing"

	"github.com/stencilworks/pluginhost/internal/semver"
)

func validDoc() []byte {
	return []byte(`{
		"plugin_id": "com.example.exporter",
		"name": "Exporter",
		"version": "1.2.0",
		"author": "Example Org",
		"description": "Exports templates",
		"entry_point": "init.lua",
		"dependencies": ["com.example.core >= 1.0.0"],
		"compatibility": ">=2.0.0",
		"config_schema": {
			"format": {"type": "string", "default": "pdf"}
		}
	}`)
}

func TestDecode(t *testing.T) {
	m, err := Decode(validDoc())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if m.ID != "com.example.exporter" {
		t.Errorf("ID = %q", m.ID)
	}
	if m.Version != "1.2.0" {
		t.Errorf("Version = %q", m.Version)
	}
	if len(m.Dependencies) != 1 {
		t.Fatalf("Dependencies = %d, want 1", len(m.Dependencies))
	}
	dep := m.Dependencies[0]
	if dep.ID != "com.example.core" {
		t.Errorf("dependency ID = %q", dep.ID)
	}
	if !dep.Range.Satisfies(semver.MustParse("1.0.0")) {
		t.Error("dependency range should accept 1.0.0")
	}
	if dep.Range.Satisfies(semver.MustParse("0.9.0")) {
		t.Error("dependency range should reject 0.9.0")
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"not json", `{{{`},
		{"not an object", `[1,2,3]`},
		{"missing id", `{"version":"1.0.0","entry_point":"init.lua"}`},
		{"bad id shape", `{"plugin_id":"NoDots","version":"1.0.0","entry_point":"init.lua"}`},
		{"missing version", `{"plugin_id":"com.example.x","entry_point":"init.lua"}`},
		{"bad version", `{"plugin_id":"com.example.x","version":"1.x","entry_point":"init.lua"}`},
		{"missing entry point", `{"plugin_id":"com.example.x","version":"1.0.0"}`},
		{"bad dependency", `{"plugin_id":"com.example.x","version":"1.0.0","entry_point":"init.lua","dependencies":["nonsense"]}`},
		{"bad compatibility", `{"plugin_id":"com.example.x","version":"1.0.0","entry_point":"init.lua","compatibility":"~1.0"}`},
		{"bad config type", `{"plugin_id":"com.example.x","version":"1.0.0","entry_point":"init.lua","config_schema":{"k":{"type":"integer"}}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode([]byte(tt.doc)); err == nil {
				t.Error("Decode accepted malformed document")
			}
		})
	}
}

func TestDecodeValidationErrorCarriesID(t *testing.T) {
	doc := []byte(`{"plugin_id":"com.example.x","version":"1.0.0"}`)
	_, err := Decode(doc)

	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
	if verr.ID != "com.example.x" {
		t.Errorf("ValidationError.ID = %q", verr.ID)
	}
	if !errors.Is(err, ErrMissingEntryPoint) {
		t.Error("expected ErrMissingEntryPoint in chain")
	}
}

func TestParseDependency(t *testing.T) {
	tests := []struct {
		input   string
		wantID  string
		wantErr bool
	}{
		{"com.example.a >= 1.0.0", "com.example.a", false},
		{"com.example.a <= 2.0.0", "com.example.a", false},
		{"com.example.a == 1.5.0", "com.example.a", false},
		{"com.example.a 1.0.0..2.0.0", "com.example.a", false},
		{"com.example.a", "", true},
		{"com.example.a ~ 1.0.0", "", true},
	}

	for _, tt := range tests {
		dep, err := ParseDependency(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseDependency(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			continue
		}
		if err == nil && dep.ID != tt.wantID {
			t.Errorf("ParseDependency(%q).ID = %q, want %q", tt.input, dep.ID, tt.wantID)
		}
	}
}

func TestCompatibleWith(t *testing.T) {
	m, err := Decode(validDoc())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if !m.CompatibleWith(semver.MustParse("2.1.0")) {
		t.Error("host 2.1.0 should satisfy >=2.0.0")
	}
	if m.CompatibleWith(semver.MustParse("1.9.0")) {
		t.Error("host 1.9.0 should not satisfy >=2.0.0")
	}

	m.Compatibility = ""
	if !m.CompatibleWith(semver.MustParse("0.0.1")) {
		t.Error("empty compatibility should accept any host")
	}
}

func TestEntryPointKinds(t *testing.T) {
	m := &Manifest{EntryPoint: "init.lua"}
	if !m.IsLuaEntryPoint() {
		t.Error("init.lua should be a Lua entry point")
	}

	m.EntryPoint = "go:exporter"
	if m.IsLuaEntryPoint() {
		t.Error("go:exporter should not be a Lua entry point")
	}
	name, ok := m.FactoryName()
	if !ok || name != "exporter" {
		t.Errorf("FactoryName() = %q, %v", name, ok)
	}
}

func TestClone(t *testing.T) {
	m, err := Decode(validDoc())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	clone := m.Clone()
	clone.Dependencies[0].ID = "com.example.other"
	clone.ConfigSchema["format"] = ConfigProperty{Type: "number"}

	if m.Dependencies[0].ID != "com.example.core" {
		t.Error("Clone shares dependency slice with original")
	}
	if m.ConfigSchema["format"].Type != "string" {
		t.Error("Clone shares config schema map with original")
	}
}

func TestConfigDefault(t *testing.T) {
	m, err := Decode(validDoc())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	v, ok := m.ConfigDefault("format")
	if !ok || v != "pdf" {
		t.Errorf("ConfigDefault(format) = %v, %v", v, ok)
	}
	if _, ok := m.ConfigDefault("missing"); ok {
		t.Error("ConfigDefault should miss undeclared keys")
	}
}
