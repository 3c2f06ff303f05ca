// Package registry holds plugin manifests and discovery state.
//
// The registry is an in-memory index keyed by plugin id. It validates and
// indexes already-read manifest documents; reading them from disk is the
// discovery layer's concern. An availability flag per plugin (Enable and
// Disable) is tracked independently of lifecycle state so a plugin can stay
// loaded but inactive.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/stencilworks/pluginhost/internal/manifest"
)

// Registry errors.
var (
	ErrNotRegistered = errors.New("registry: plugin not registered")
	ErrDuplicateID   = errors.New("registry: duplicate plugin id")
)

// entry pairs a manifest with its registry-level availability flag.
type entry struct {
	manifest *manifest.Manifest
	enabled  bool
}

// Registry is the in-memory manifest index. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Discover validates a batch of raw manifest documents and registers each
// valid one. Duplicate or malformed manifests are rejected with errors
// collected per document; valid documents in the same batch still register.
// Returns the registered manifests in input order and the joined error, if
// any.
func (r *Registry) Discover(sources [][]byte) ([]*manifest.Manifest, error) {
	var registered []*manifest.Manifest
	var errs []error

	for i, src := range sources {
		m, err := manifest.Decode(src)
		if err != nil {
			errs = append(errs, fmt.Errorf("source %d: %w", i, err))
			continue
		}
		if err := r.Register(m); err != nil {
			errs = append(errs, err)
			continue
		}
		registered = append(registered, m)
	}

	return registered, errors.Join(errs...)
}

// Register adds a validated manifest. Registering an id twice is an error;
// manifests are immutable, so replacement requires Unregister first.
func (r *Registry) Register(m *manifest.Manifest) error {
	if m == nil {
		return errors.New("registry: nil manifest")
	}
	if err := m.Validate(); err != nil {
		return &manifest.ValidationError{ID: m.ID, Err: err}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[m.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateID, m.ID)
	}
	r.entries[m.ID] = &entry{manifest: m, enabled: true}
	return nil
}

// Unregister removes a plugin's manifest and availability state.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[id]; !exists {
		return fmt.Errorf("%w: %s", ErrNotRegistered, id)
	}
	delete(r.entries, id)
	return nil
}

// Get returns the manifest for a plugin id.
func (r *Registry) Get(id string) (*manifest.Manifest, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return e.manifest, true
}

// Filter selects manifests during List.
type Filter func(*manifest.Manifest) bool

// List returns registered manifests sorted by id. A nil filter selects all.
func (r *Registry) List(filter Filter) []*manifest.Manifest {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*manifest.Manifest, 0, len(r.entries))
	for _, e := range r.entries {
		if filter == nil || filter(e.manifest) {
			result = append(result, e.manifest)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ID < result[j].ID
	})
	return result
}

// IDs returns all registered plugin ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Search returns manifests whose id, name, or description contains the
// query, case-insensitive, sorted by id.
func (r *Registry) Search(query string) []*manifest.Manifest {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return r.List(nil)
	}
	return r.List(func(m *manifest.Manifest) bool {
		return strings.Contains(strings.ToLower(m.ID), q) ||
			strings.Contains(strings.ToLower(m.Name), q) ||
			strings.Contains(strings.ToLower(m.Description), q)
	})
}

// Enable marks a plugin as available. Availability gates hook dispatch but
// does not touch lifecycle state.
func (r *Registry) Enable(id string) error {
	return r.setEnabled(id, true)
}

// Disable marks a plugin as unavailable without unloading it.
func (r *Registry) Disable(id string) error {
	return r.setEnabled(id, false)
}

func (r *Registry) setEnabled(id string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRegistered, id)
	}
	e.enabled = enabled
	return nil
}

// Enabled reports the availability flag for a plugin. Unknown ids are
// reported as unavailable.
func (r *Registry) Enabled(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	return ok && e.enabled
}

// Count returns the number of registered plugins.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Snapshot is a consistent view of the registry taken at one instant, used
// by the resolver and marketplace so one resolution pass never observes a
// half-applied mutation.
type Snapshot struct {
	Manifests map[string]*manifest.Manifest
	Enabled   map[string]bool
}

// Snapshot captures the current manifest set and availability flags.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := Snapshot{
		Manifests: make(map[string]*manifest.Manifest, len(r.entries)),
		Enabled:   make(map[string]bool, len(r.entries)),
	}
	for id, e := range r.entries {
		snap.Manifests[id] = e.manifest
		snap.Enabled[id] = e.enabled
	}
	return snap
}
