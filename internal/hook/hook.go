// Package hook maintains named hook and filter pipelines, independent of
// plugin identity or lifecycle.
//
// A hook is a side-effect extension point: triggering one invokes every
// registered callback in priority order (higher priority first, stable ties
// by registration order). A failing callback is caught and recorded and
// never prevents later callbacks from running. A filter threads a value
// through its callbacks in the same order; a failing callback
// short-circuits the chain and the last good value is returned alongside
// the recorded error, so one misbehaving plugin cannot break the host's
// data pipeline.
//
// Dispatch never holds the registration lock: callbacks may re-enter the
// bus to register or unregister, so the dispatcher snapshots the pipeline
// under lock and invokes against the snapshot.
package hook

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Context carries the host-provided payload of one hook or filter
// invocation.
type Context map[string]any

// HookFunc is a hook callback. It runs for side effects; a non-nil error is
// recorded without interrupting the pipeline.
type HookFunc func(ctx context.Context, event string, data Context) error

// FilterFunc transforms a value. Each callback receives the previous
// callback's output.
type FilterFunc func(ctx context.Context, value any, data Context) (any, error)

// ExecutionError records one callback's failure during hook dispatch.
type ExecutionError struct {
	Hook   string
	Plugin string
	Cause  error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("hook %q: plugin %q: %v", e.Hook, e.Plugin, e.Cause)
}

func (e *ExecutionError) Unwrap() error { return e.Cause }

// FilterError records the callback failure that short-circuited a filter
// chain.
type FilterError struct {
	Filter string
	Plugin string
	Cause  error
}

func (e *FilterError) Error() string {
	return fmt.Sprintf("filter %q: plugin %q: %v", e.Filter, e.Plugin, e.Cause)
}

func (e *FilterError) Unwrap() error { return e.Cause }

// Result is the per-callback outcome of a Trigger call.
type Result struct {
	Plugin string
	Err    error // nil on success; *ExecutionError on failure
}

// registration is one hook or filter pipeline entry. seq breaks priority
// ties by registration order.
type registration struct {
	token    string
	plugin   string
	priority int
	seq      uint64
	hookFn   HookFunc
	filterFn FilterFunc
}

// Gate decides whether a plugin's registrations are currently eligible for
// dispatch. The lifecycle layer installs one that excludes plugins that are
// not enabled; registrations themselves stay intact across disable/enable.
type Gate func(pluginID string) bool

// Bus holds all hook and filter pipelines. Safe for concurrent use.
type Bus struct {
	mu      sync.RWMutex
	hooks   map[string][]*registration
	filters map[string][]*registration
	tokens  map[string]string // token -> pipeline name, for Unregister
	seq     uint64
	gate    Gate
	logger  *zap.Logger
}

// Option configures a Bus.
type Option func(*Bus)

// WithGate installs the dispatch eligibility predicate.
func WithGate(g Gate) Option {
	return func(b *Bus) { b.gate = g }
}

// New creates an empty bus. A nil logger falls back to zap.NewNop.
func New(logger *zap.Logger, opts ...Option) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Bus{
		hooks:   make(map[string][]*registration),
		filters: make(map[string][]*registration),
		tokens:  make(map[string]string),
		logger:  logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SetGate replaces the dispatch gate. Intended for the runtime composition
// step, before dispatch begins.
func (b *Bus) SetGate(g Gate) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gate = g
}

// RegisterHook adds a callback to the named hook pipeline and returns its
// registration token.
func (b *Bus) RegisterHook(name, pluginID string, priority int, fn HookFunc) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	reg := &registration{
		token:    uuid.NewString(),
		plugin:   pluginID,
		priority: priority,
		seq:      b.nextSeq(),
		hookFn:   fn,
	}
	b.hooks[name] = insertOrdered(b.hooks[name], reg)
	b.tokens[reg.token] = name
	return reg.token
}

// RegisterFilter adds a transform to the named filter pipeline and returns
// its registration token.
func (b *Bus) RegisterFilter(name, pluginID string, priority int, fn FilterFunc) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	reg := &registration{
		token:    uuid.NewString(),
		plugin:   pluginID,
		priority: priority,
		seq:      b.nextSeq(),
		filterFn: fn,
	}
	b.filters[name] = insertOrdered(b.filters[name], reg)
	b.tokens[reg.token] = name
	return reg.token
}

// nextSeq must be called with mu held.
func (b *Bus) nextSeq() uint64 {
	b.seq++
	return b.seq
}

// insertOrdered keeps pipelines sorted: higher priority first, then
// registration order.
func insertOrdered(regs []*registration, reg *registration) []*registration {
	i := sort.Search(len(regs), func(i int) bool {
		if regs[i].priority != reg.priority {
			return regs[i].priority < reg.priority
		}
		return regs[i].seq > reg.seq
	})
	regs = append(regs, nil)
	copy(regs[i+1:], regs[i:])
	regs[i] = reg
	return regs
}

// Unregister removes a single registration by token.
func (b *Bus) Unregister(token string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	name, ok := b.tokens[token]
	if !ok {
		return false
	}
	delete(b.tokens, token)
	b.hooks[name] = removeToken(b.hooks[name], token)
	b.filters[name] = removeToken(b.filters[name], token)
	return true
}

// UnregisterPlugin atomically removes every hook and filter registration
// owned by a plugin. Returns the number removed. After it returns, no
// callback tagged with that plugin id can fire.
func (b *Bus) UnregisterPlugin(pluginID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	count := 0
	for name, regs := range b.hooks {
		kept := regs[:0:0]
		for _, reg := range regs {
			if reg.plugin == pluginID {
				delete(b.tokens, reg.token)
				count++
				continue
			}
			kept = append(kept, reg)
		}
		b.hooks[name] = kept
	}
	for name, regs := range b.filters {
		kept := regs[:0:0]
		for _, reg := range regs {
			if reg.plugin == pluginID {
				delete(b.tokens, reg.token)
				count++
				continue
			}
			kept = append(kept, reg)
		}
		b.filters[name] = kept
	}
	return count
}

func removeToken(regs []*registration, token string) []*registration {
	for i, reg := range regs {
		if reg.token == token {
			return append(regs[:i:i], regs[i+1:]...)
		}
	}
	return regs
}

// snapshotHooks copies the eligible pipeline under lock so dispatch can run
// without holding it.
func (b *Bus) snapshotHooks(name string) []*registration {
	b.mu.RLock()
	defer b.mu.RUnlock()

	regs := b.hooks[name]
	snap := make([]*registration, 0, len(regs))
	for _, reg := range regs {
		if b.gate == nil || b.gate(reg.plugin) {
			snap = append(snap, reg)
		}
	}
	return snap
}

func (b *Bus) snapshotFilters(name string) []*registration {
	b.mu.RLock()
	defer b.mu.RUnlock()

	regs := b.filters[name]
	snap := make([]*registration, 0, len(regs))
	for _, reg := range regs {
		if b.gate == nil || b.gate(reg.plugin) {
			snap = append(snap, reg)
		}
	}
	return snap
}

// Trigger invokes every eligible callback registered on the hook, in
// order, and returns one Result per callback. Errors and panics are caught
// per callback; later callbacks always run.
func (b *Bus) Trigger(ctx context.Context, name string, data Context) []Result {
	snap := b.snapshotHooks(name)

	results := make([]Result, 0, len(snap))
	for _, reg := range snap {
		err := b.invokeHook(ctx, name, reg, data)
		if err != nil {
			err = &ExecutionError{Hook: name, Plugin: reg.plugin, Cause: err}
			b.logger.Warn("hook callback failed",
				zap.String("hook", name),
				zap.String("plugin", reg.plugin),
				zap.Error(err))
		}
		results = append(results, Result{Plugin: reg.plugin, Err: err})
	}
	return results
}

func (b *Bus) invokeHook(ctx context.Context, name string, reg *registration, data Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return reg.hookFn(ctx, name, data)
}

// ApplyFilter threads value through every eligible callback in order. A
// failing callback short-circuits the chain: the last good value is
// returned together with a *FilterError describing the failure, and later
// callbacks are never invoked.
func (b *Bus) ApplyFilter(ctx context.Context, name string, value any, data Context) (any, error) {
	snap := b.snapshotFilters(name)

	for _, reg := range snap {
		next, err := b.invokeFilter(ctx, reg, value, data)
		if err != nil {
			ferr := &FilterError{Filter: name, Plugin: reg.plugin, Cause: err}
			b.logger.Warn("filter callback failed",
				zap.String("filter", name),
				zap.String("plugin", reg.plugin),
				zap.Error(ferr))
			return value, ferr
		}
		value = next
	}
	return value, nil
}

func (b *Bus) invokeFilter(ctx context.Context, reg *registration, value any, data Context) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return reg.filterFn(ctx, value, data)
}

// HookCount returns the number of hook registrations across all pipelines.
func (b *Bus) HookCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0
	for _, regs := range b.hooks {
		n += len(regs)
	}
	return n
}

// FilterCount returns the number of filter registrations across all
// pipelines.
func (b *Bus) FilterCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0
	for _, regs := range b.filters {
		n += len(regs)
	}
	return n
}

// PluginRegistrations returns how many registrations a plugin currently
// owns, hooks and filters combined.
func (b *Bus) PluginRegistrations(pluginID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0
	for _, regs := range b.hooks {
		for _, reg := range regs {
			if reg.plugin == pluginID {
				n++
			}
		}
	}
	for _, regs := range b.filters {
		for _, reg := range regs {
			if reg.plugin == pluginID {
				n++
			}
		}
	}
	return n
}

// HookNames returns the names of hooks with at least one registration,
// sorted.
func (b *Bus) HookNames() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	names := make([]string, 0, len(b.hooks))
	for name, regs := range b.hooks {
		if len(regs) > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// FilterNames returns the names of filters with at least one registration,
// sorted.
func (b *Bus) FilterNames() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	names := make([]string, 0, len(b.filters))
	for name, regs := range b.filters {
		if len(regs) > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
