// Package sandbox provides the restricted per-plugin façade handed to
// plugin code.
//
// A Context is created immediately before a plugin's entry point runs and
// released when the plugin unloads. It exposes only hook and filter
// registration, a private key-value store, and schema-validated
// configuration. It holds a non-owning handle to the shared hook bus and
// never a reference to the lifecycle manager, so plugins cannot reach the
// registry, other plugins' sandboxes, or host internals beyond what the
// host passes into hook invocations.
package sandbox

import (
	"fmt"
	"sort"
	"sync"

	"github.com/stencilworks/pluginhost/internal/hook"
	"github.com/stencilworks/pluginhost/internal/manifest"
)

// ConfigValidationError reports a configuration key or value outside the
// plugin's declared schema.
type ConfigValidationError struct {
	Plugin string
	Key    string
	Reason string
}

func (e *ConfigValidationError) Error() string {
	return fmt.Sprintf("plugin %q: config %q: %s", e.Plugin, e.Key, e.Reason)
}

// Context is one plugin's sandbox. Safe for concurrent use.
type Context struct {
	pluginID string
	manifest *manifest.Manifest
	bus      *hook.Bus

	mu     sync.RWMutex
	data   map[string]any
	config map[string]any
	tokens []string
}

// NewContext creates a sandbox for the plugin. The config map holds
// host-supplied overrides; schema defaults fill the gaps at read time.
func NewContext(m *manifest.Manifest, bus *hook.Bus, config map[string]any) (*Context, error) {
	c := &Context{
		pluginID: m.ID,
		manifest: m,
		bus:      bus,
		data:     make(map[string]any),
		config:   make(map[string]any),
	}
	for k, v := range config {
		if err := c.validateConfigValue(k, v); err != nil {
			return nil, err
		}
		c.config[k] = v
	}
	return c, nil
}

// PluginID returns the owning plugin's id.
func (c *Context) PluginID() string {
	return c.pluginID
}

// RegisterHook registers a hook callback tagged with this plugin's id.
func (c *Context) RegisterHook(name string, priority int, fn hook.HookFunc) string {
	token := c.bus.RegisterHook(name, c.pluginID, priority, fn)
	c.trackToken(token)
	return token
}

// RegisterFilter registers a filter callback tagged with this plugin's id.
func (c *Context) RegisterFilter(name string, priority int, fn hook.FilterFunc) string {
	token := c.bus.RegisterFilter(name, c.pluginID, priority, fn)
	c.trackToken(token)
	return token
}

func (c *Context) trackToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens = append(c.tokens, token)
}

// GetConfig returns the configuration value for a schema-declared key,
// falling back to the schema default when unset. Undeclared keys are a
// ConfigValidationError.
func (c *Context) GetConfig(key string) (any, error) {
	if !c.manifest.HasConfigKey(key) {
		return nil, &ConfigValidationError{
			Plugin: c.pluginID,
			Key:    key,
			Reason: "key not declared in config schema",
		}
	}

	c.mu.RLock()
	v, ok := c.config[key]
	c.mu.RUnlock()
	if ok {
		return v, nil
	}

	if def, ok := c.manifest.ConfigDefault(key); ok {
		return def, nil
	}
	return nil, nil
}

// SetConfig sets a configuration value after schema validation.
func (c *Context) SetConfig(key string, value any) error {
	if err := c.validateConfigValue(key, value); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.config[key] = value
	return nil
}

// validateConfigValue checks a value against the manifest schema.
func (c *Context) validateConfigValue(key string, value any) error {
	prop, ok := c.manifest.ConfigSchema[key]
	if !ok {
		return &ConfigValidationError{
			Plugin: c.pluginID,
			Key:    key,
			Reason: "key not declared in config schema",
		}
	}
	if prop.Type == "" || value == nil {
		return nil
	}

	fail := func(reason string) error {
		return &ConfigValidationError{Plugin: c.pluginID, Key: key, Reason: reason}
	}

	switch prop.Type {
	case "string":
		s, ok := value.(string)
		if !ok {
			return fail(fmt.Sprintf("expected string, got %T", value))
		}
		if len(prop.Enum) > 0 && !contains(prop.Enum, s) {
			return fail(fmt.Sprintf("%q not in enum %v", s, prop.Enum))
		}
	case "number":
		n, ok := toFloat(value)
		if !ok {
			return fail(fmt.Sprintf("expected number, got %T", value))
		}
		if prop.Minimum != nil && n < *prop.Minimum {
			return fail(fmt.Sprintf("%v below minimum %v", n, *prop.Minimum))
		}
		if prop.Maximum != nil && n > *prop.Maximum {
			return fail(fmt.Sprintf("%v above maximum %v", n, *prop.Maximum))
		}
	case "boolean":
		if _, ok := value.(bool); !ok {
			return fail(fmt.Sprintf("expected boolean, got %T", value))
		}
	case "array":
		if _, ok := value.([]any); !ok {
			return fail(fmt.Sprintf("expected array, got %T", value))
		}
	case "object":
		if _, ok := value.(map[string]any); !ok {
			return fail(fmt.Sprintf("expected object, got %T", value))
		}
	}
	return nil
}

func contains(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// SetData stores a value in the plugin's private store.
func (c *Context) SetData(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
}

// GetData reads a value from the plugin's private store.
func (c *Context) GetData(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.data[key]
	return v, ok
}

// DeleteData removes a key from the plugin's private store.
func (c *Context) DeleteData(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
}

// DataKeys returns the keys in the plugin's private store, sorted.
func (c *Context) DataKeys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := make([]string, 0, len(c.data))
	for k := range c.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Release purges every hook and filter registration made through this
// context and clears the private store. Called by the lifecycle manager on
// unload; the context must not be used afterwards.
func (c *Context) Release() int {
	removed := c.bus.UnregisterPlugin(c.pluginID)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = make(map[string]any)
	c.tokens = nil
	return removed
}
