package lifecycle

import (
	"fmt"

	"github.com/stencilworks/pluginhost/internal/manifest"
	"github.com/stencilworks/pluginhost/internal/sandbox"
)

// Plugin is the executable surface of a loaded plugin. OnLoad runs inside a
// fresh sandbox context; returning an error fails the load.
type Plugin interface {
	OnLoad(ctx *sandbox.Context) error
}

// Unloader is implemented by plugins that want teardown notification.
// OnUnload is best-effort: a failure is logged, never fatal.
type Unloader interface {
	OnUnload(ctx *sandbox.Context) error
}

// Factory constructs a native plugin instance. Registered under a name
// referenced by "go:<name>" entry points.
type Factory func() Plugin

// EntryPointResolver turns a manifest's entry point reference into a
// runnable Plugin instance.
type EntryPointResolver interface {
	ResolveEntryPoint(m *manifest.Manifest) (Plugin, error)
}

// FactoryTable resolves "go:<name>" entry points from registered
// factories.
type FactoryTable struct {
	factories map[string]Factory
}

// NewFactoryTable creates an empty factory table.
func NewFactoryTable() *FactoryTable {
	return &FactoryTable{factories: make(map[string]Factory)}
}

// Register adds a named factory. Later registrations replace earlier ones.
func (t *FactoryTable) Register(name string, f Factory) {
	t.factories[name] = f
}

// ResolveEntryPoint implements EntryPointResolver.
func (t *FactoryTable) ResolveEntryPoint(m *manifest.Manifest) (Plugin, error) {
	name, ok := m.FactoryName()
	if !ok {
		return nil, fmt.Errorf("entry point %q is not a native factory reference", m.EntryPoint)
	}
	f, ok := t.factories[name]
	if !ok {
		return nil, fmt.Errorf("no factory registered for %q", name)
	}
	return f(), nil
}

// ResolverChain tries each resolver in order, returning the first success.
type ResolverChain []EntryPointResolver

// ResolveEntryPoint implements EntryPointResolver.
func (c ResolverChain) ResolveEntryPoint(m *manifest.Manifest) (Plugin, error) {
	var lastErr error
	for _, r := range c {
		p, err := r.ResolveEntryPoint(m)
		if err == nil {
			return p, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no resolver for entry point %q", m.EntryPoint)
	}
	return nil, lastErr
}

// LoadError reports an entry point that could not be resolved or whose
// OnLoad failed.
type LoadError struct {
	Plugin string
	Cause  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("plugin %q failed to load: %v", e.Plugin, e.Cause)
}

func (e *LoadError) Unwrap() error { return e.Cause }
