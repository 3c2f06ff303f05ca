// Package manifest defines the static plugin description consumed by the
// registry: identity, version, dependency constraints, host compatibility,
// entry point, and configuration schema.
//
// A manifest is immutable once registered. How manifest documents are read
// from disk or network is the caller's concern; this package only decodes
// and validates already-read JSON.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/stencilworks/pluginhost/internal/semver"
)

// Manifest describes a plugin's metadata and requirements.
type Manifest struct {
	// Identity
	ID          string `json:"plugin_id"` // Unique reverse-domain id (e.g., "com.example.exporter")
	Name        string `json:"name"`      // Human-readable name
	Version     string `json:"version"`   // Semver (e.g., "1.2.0")
	Author      string `json:"author"`
	Description string `json:"description"`

	// Entry point reference. Either a Lua script path ("init.lua") or a
	// registered native factory ("go:factory-name").
	EntryPoint string `json:"entry_point"`

	// Requirements
	Dependencies  []Dependency `json:"dependencies"`  // decoded from "id op version" strings
	Compatibility string       `json:"compatibility"` // host version range, optional

	// Configuration schema
	ConfigSchema map[string]ConfigProperty `json:"config_schema"`
}

// Dependency is one required plugin with its version constraint.
type Dependency struct {
	ID    string
	Range semver.Range
}

// UnmarshalJSON decodes the manifest wire form "id op version".
func (d *Dependency) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	dep, err := ParseDependency(s)
	if err != nil {
		return err
	}
	*d = dep
	return nil
}

// MarshalJSON encodes the dependency back to its wire form.
func (d Dependency) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// String returns the "id op version" wire form.
func (d Dependency) String() string {
	return d.ID + " " + d.Range.String()
}

// ConfigProperty describes one configuration option in the schema.
type ConfigProperty struct {
	Type        string   `json:"type"` // string, number, boolean, array, object
	Default     any      `json:"default"`
	Description string   `json:"description"`
	Enum        []string `json:"enum"`
	Minimum     *float64 `json:"minimum"`
	Maximum     *float64 `json:"maximum"`
}

// Validation errors.
var (
	ErrMissingID         = errors.New("manifest: plugin_id is required")
	ErrInvalidID         = errors.New("manifest: plugin_id must be a reverse-domain identifier")
	ErrMissingVersion    = errors.New("manifest: version is required")
	ErrMissingEntryPoint = errors.New("manifest: entry_point is required")
	ErrInvalidConfigType = errors.New("manifest: invalid config property type")
	ErrNotAnObject       = errors.New("manifest: document is not a JSON object")
)

// ValidationError wraps a validation failure with the offending plugin id
// when one is known.
type ValidationError struct {
	ID  string // may be empty if the id itself is missing or malformed
	Err error
}

func (e *ValidationError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("invalid manifest: %v", e.Err)
	}
	return fmt.Sprintf("invalid manifest %q: %v", e.ID, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// idPattern validates reverse-domain plugin ids: at least two dot-separated
// labels of lowercase alphanumerics and hyphens.
var idPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?(\.[a-z0-9]([a-z0-9-]*[a-z0-9])?)+$`)

// validConfigTypes are the allowed configuration property types.
var validConfigTypes = map[string]bool{
	"string":  true,
	"number":  true,
	"boolean": true,
	"array":   true,
	"object":  true,
}

// depPattern splits "id op version" dependency declarations.
var depPattern = regexp.MustCompile(`^(\S+)\s+(>=|<=|==)\s*(\S+)$`)

// ParseDependency parses an "id op version" declaration, or "id range" when
// the range uses the bound form ("com.example.a 1.0.0..2.0.0").
func ParseDependency(s string) (Dependency, error) {
	trimmed := strings.TrimSpace(s)
	if m := depPattern.FindStringSubmatch(trimmed); m != nil {
		r, err := semver.ParseConstraint(m[2], m[3])
		if err != nil {
			return Dependency{}, fmt.Errorf("dependency %q: %w", s, err)
		}
		return Dependency{ID: m[1], Range: r}, nil
	}

	// Fall back to "id range" with a self-delimiting range expression.
	id, rng, ok := strings.Cut(trimmed, " ")
	if !ok {
		return Dependency{}, fmt.Errorf("dependency %q: expected \"id op version\"", s)
	}
	r, err := semver.ParseRange(rng)
	if err != nil {
		return Dependency{}, fmt.Errorf("dependency %q: %w", s, err)
	}
	return Dependency{ID: id, Range: r}, nil
}

// Decode parses and validates a raw manifest document.
func Decode(data []byte) (*Manifest, error) {
	// Shape check before struct decode so malformed documents fail with a
	// useful error instead of a partial zero value.
	if !gjson.ValidBytes(data) {
		return nil, &ValidationError{Err: errors.New("manifest: malformed JSON")}
	}
	doc := gjson.ParseBytes(data)
	if !doc.IsObject() {
		return nil, &ValidationError{Err: ErrNotAnObject}
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, &ValidationError{ID: doc.Get("plugin_id").String(), Err: err}
	}

	if err := m.Validate(); err != nil {
		return nil, &ValidationError{ID: m.ID, Err: err}
	}
	return &m, nil
}

// Validate checks that the manifest is complete and internally consistent.
func (m *Manifest) Validate() error {
	if m.ID == "" {
		return ErrMissingID
	}
	if !idPattern.MatchString(m.ID) {
		return fmt.Errorf("%w: %s", ErrInvalidID, m.ID)
	}

	if m.Version == "" {
		return ErrMissingVersion
	}
	if _, err := semver.Parse(m.Version); err != nil {
		return err
	}

	if m.EntryPoint == "" {
		return ErrMissingEntryPoint
	}

	if m.Compatibility != "" {
		if _, err := semver.ParseRange(m.Compatibility); err != nil {
			return err
		}
	}

	for name, prop := range m.ConfigSchema {
		if prop.Type != "" && !validConfigTypes[prop.Type] {
			return fmt.Errorf("%w: %s.%s has type %q", ErrInvalidConfigType, m.ID, name, prop.Type)
		}
	}

	return nil
}

// SemVersion returns the parsed plugin version. Validate guarantees it
// parses, so errors after validation indicate a programming error.
func (m *Manifest) SemVersion() semver.Version {
	v, err := semver.Parse(m.Version)
	if err != nil {
		panic(fmt.Sprintf("manifest %q passed validation with bad version: %v", m.ID, err))
	}
	return v
}

// CompatibleWith reports whether the manifest accepts the given host
// version. A manifest with no compatibility range accepts any host.
func (m *Manifest) CompatibleWith(host semver.Version) bool {
	if m.Compatibility == "" {
		return true
	}
	r, err := semver.ParseRange(m.Compatibility)
	if err != nil {
		return false
	}
	return r.Satisfies(host)
}

// ConfigDefault returns the schema default for a config key.
func (m *Manifest) ConfigDefault(key string) (any, bool) {
	if prop, ok := m.ConfigSchema[key]; ok && prop.Default != nil {
		return prop.Default, true
	}
	return nil, false
}

// HasConfigKey reports whether the schema declares the key.
func (m *Manifest) HasConfigKey(key string) bool {
	_, ok := m.ConfigSchema[key]
	return ok
}

// IsLuaEntryPoint reports whether the entry point is a Lua script.
func (m *Manifest) IsLuaEntryPoint() bool {
	return strings.HasSuffix(m.EntryPoint, ".lua")
}

// FactoryName returns the native factory name for "go:" entry points.
func (m *Manifest) FactoryName() (string, bool) {
	return strings.CutPrefix(m.EntryPoint, "go:")
}

// String returns a short human-readable identity.
func (m *Manifest) String() string {
	name := m.Name
	if name == "" {
		name = m.ID
	}
	return fmt.Sprintf("%s v%s", name, m.Version)
}

// Clone creates a deep copy of the manifest.
func (m *Manifest) Clone() *Manifest {
	clone := *m

	if m.Dependencies != nil {
		clone.Dependencies = make([]Dependency, len(m.Dependencies))
		copy(clone.Dependencies, m.Dependencies)
	}

	if m.ConfigSchema != nil {
		clone.ConfigSchema = make(map[string]ConfigProperty, len(m.ConfigSchema))
		for k, v := range m.ConfigSchema {
			clone.ConfigSchema[k] = v
		}
	}

	return &clone
}
