// Package lifecycle drives each plugin through its state machine: it
// consumes resolver plans, invokes entry points inside fresh sandbox
// contexts, and guarantees that a plugin's hook and filter registrations
// are purged atomically when it unloads.
//
// Failure semantics: a load failure for one plugin never aborts loading of
// independent plugins later in the resolved order; plugins whose dependency
// failed are marked Failed with a DependencyFailedError rather than
// attempted. Failed is terminal.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/stencilworks/pluginhost/internal/hook"
	"github.com/stencilworks/pluginhost/internal/manifest"
	"github.com/stencilworks/pluginhost/internal/registry"
	"github.com/stencilworks/pluginhost/internal/resolver"
	"github.com/stencilworks/pluginhost/internal/sandbox"
	"github.com/stencilworks/pluginhost/internal/semver"
)

// Manager errors.
var (
	ErrUnknownPlugin = errors.New("lifecycle: unknown plugin")
	ErrNotLoaded     = errors.New("lifecycle: plugin is not loaded")
	ErrFailedState   = errors.New("lifecycle: plugin is in failed state")
)

// DependencyPolicy selects which dependency states allow a dependent to
// load.
type DependencyPolicy int

const (
	// DepsLoaded accepts dependencies that are loaded, whether enabled,
	// disabled, or merely loaded. The default.
	DepsLoaded DependencyPolicy = iota

	// DepsEnabled requires dependencies to be explicitly enabled.
	DepsEnabled
)

// Config tunes the lifecycle manager.
type Config struct {
	// DependencyPolicy selects the dependency state required for loading.
	DependencyPolicy DependencyPolicy

	// ParallelLoad loads independent plugins of the same dependency depth
	// concurrently. Dependents are always serialized behind their
	// dependencies.
	ParallelLoad bool

	// MaxParallel bounds concurrent loads when ParallelLoad is set.
	MaxParallel int

	// HostVersion, when non-empty, is checked against each manifest's
	// compatibility range during resolution.
	HostVersion string

	// PluginConfig carries host-supplied configuration overrides per
	// plugin id, validated against each manifest's schema at load.
	PluginConfig map[string]map[string]any
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{MaxParallel: 4}
}

// Manager owns all plugin lifecycle state. Sandbox contexts are held
// exclusively in an id-keyed map; contexts hold only a non-owning handle to
// the shared hook bus, never to the manager.
type Manager struct {
	registry *registry.Registry
	bus      *hook.Bus
	entry    EntryPointResolver
	logger   *zap.Logger
	config   Config

	mu        sync.RWMutex
	states    map[string]State
	errs      map[string]error
	contexts  map[string]*sandbox.Context
	instances map[string]Plugin
	loadOrder []string
}

// NewManager creates a lifecycle manager over the given registry and bus.
// A nil logger falls back to zap.NewNop.
func NewManager(reg *registry.Registry, bus *hook.Bus, entry EntryPointResolver, logger *zap.Logger, cfg Config) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 1
	}
	return &Manager{
		registry:  reg,
		bus:       bus,
		entry:     entry,
		logger:    logger,
		config:    cfg,
		states:    make(map[string]State),
		errs:      make(map[string]error),
		contexts:  make(map[string]*sandbox.Context),
		instances: make(map[string]Plugin),
	}
}

// Track marks a freshly registered plugin as Discovered. Plugins already
// tracked keep their state.
func (m *Manager) Track(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.states[id]; !ok {
		m.states[id] = StateDiscovered
	}
}

// State returns a plugin's lifecycle state.
func (m *Manager) State(id string) (State, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.states[id]
	return s, ok
}

// Err returns the recorded error for a plugin, if any.
func (m *Manager) Err(id string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.errs[id]
}

// Errors returns all plugins in Failed state with their recorded errors.
func (m *Manager) Errors() map[string]error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]error)
	for id, s := range m.states {
		if s == StateFailed && m.errs[id] != nil {
			out[id] = m.errs[id]
		}
	}
	return out
}

// CountByState returns the number of plugins in each state.
func (m *Manager) CountByState() map[State]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[State]int)
	for _, s := range m.states {
		counts[s]++
	}
	return counts
}

// DispatchEligible reports whether a plugin's callbacks may currently
// fire. Installed as the hook bus gate by the runtime. Ids the manager
// does not track, such as the host's own registrations, always pass.
func (m *Manager) DispatchEligible(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[id]
	if !ok {
		return true
	}
	return st.DispatchEligible()
}

// Context returns the live sandbox context for a loaded plugin.
func (m *Manager) Context(id string) (*sandbox.Context, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.contexts[id]
	return c, ok
}

// LoadAll resolves every registered plugin and loads the resulting plan.
// Per-plugin failures are recorded on the plugin and joined into the
// returned error; they never abort the rest of the plan.
func (m *Manager) LoadAll(ctx context.Context) error {
	return m.loadPlan(ctx, nil)
}

// Load resolves and loads one plugin plus its transitive dependencies.
func (m *Manager) Load(ctx context.Context, id string) error {
	if _, ok := m.registry.Get(id); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPlugin, id)
	}
	return m.loadPlan(ctx, []string{id})
}

func (m *Manager) loadPlan(ctx context.Context, requested []string) error {
	snap := m.registry.Snapshot()

	opts := resolver.Options{}
	if m.config.HostVersion != "" {
		host, err := semver.Parse(m.config.HostVersion)
		if err != nil {
			return err
		}
		opts.HostVersion = &host
	}

	plan, _ := resolver.Resolve(snap, requested, opts)

	// Resolution failures fail the affected plugins before any loading
	// begins; plugins already loaded are left alone.
	var errs []error
	for id, cause := range plan.Failed {
		if st, ok := m.State(id); ok && (st.IsLoaded() || st == StateFailed) {
			continue
		}
		m.fail(ctx, id, cause)
		errs = append(errs, cause)
	}

	// Mark the survivors resolved.
	m.mu.Lock()
	var pending []string
	for _, id := range plan.Order {
		if m.states[id].IsLoaded() || m.states[id] == StateFailed {
			continue
		}
		m.states[id] = StateResolved
		pending = append(pending, id)
	}
	m.mu.Unlock()

	if m.config.ParallelLoad {
		errs = append(errs, m.loadStaged(ctx, snap, pending)...)
	} else {
		for _, id := range pending {
			if err := m.loadOne(ctx, id, snap.Manifests[id]); err != nil {
				errs = append(errs, err)
			}
		}
	}

	return errors.Join(errs...)
}

// loadStaged groups pending plugins by dependency depth and loads each
// stage's plugins concurrently, bounded by MaxParallel. Stages run in
// order, so a dependent never races its dependency.
func (m *Manager) loadStaged(ctx context.Context, snap registry.Snapshot, pending []string) []error {
	inStage := make(map[string]int, len(pending))
	depth := func(id string) int { return inStage[id] }

	pendingSet := make(map[string]bool, len(pending))
	for _, id := range pending {
		pendingSet[id] = true
	}

	maxDepth := 0
	// pending is dependency-ordered, so dependencies are assigned first.
	for _, id := range pending {
		d := 0
		for _, dep := range snap.Manifests[id].Dependencies {
			if pendingSet[dep.ID] && depth(dep.ID)+1 > d {
				d = depth(dep.ID) + 1
			}
		}
		inStage[id] = d
		if d > maxDepth {
			maxDepth = d
		}
	}

	var mu sync.Mutex
	var errs []error
	for d := 0; d <= maxDepth; d++ {
		var wg sync.WaitGroup
		sem := make(chan struct{}, m.config.MaxParallel)
		for _, id := range pending {
			if inStage[id] != d {
				continue
			}
			wg.Add(1)
			sem <- struct{}{}
			go func(id string) {
				defer wg.Done()
				defer func() { <-sem }()
				if err := m.loadOne(ctx, id, snap.Manifests[id]); err != nil {
					mu.Lock()
					errs = append(errs, err)
					mu.Unlock()
				}
			}(id)
		}
		wg.Wait()
	}
	return errs
}

// loadOne runs one plugin's entry point. The dependency pre-check runs
// against live state so a dependency that failed earlier in this plan
// poisons its dependents here.
func (m *Manager) loadOne(ctx context.Context, id string, man *manifest.Manifest) error {
	if depErr := m.checkDependencies(id, man); depErr != nil {
		m.fail(ctx, id, depErr)
		return depErr
	}

	m.mu.Lock()
	m.states[id] = StateLoading
	m.mu.Unlock()

	sctx, err := sandbox.NewContext(man, m.bus, m.config.PluginConfig[id])
	if err != nil {
		lerr := &LoadError{Plugin: id, Cause: err}
		m.fail(ctx, id, lerr)
		return lerr
	}

	inst, err := m.entry.ResolveEntryPoint(man)
	if err != nil {
		lerr := &LoadError{Plugin: id, Cause: err}
		m.fail(ctx, id, lerr)
		return lerr
	}

	// Entry point runs outside the manager lock: it may call back into
	// the bus, and it may be slow.
	if err := safeOnLoad(inst, sctx); err != nil {
		sctx.Release() // drop any registrations the failed load made
		lerr := &LoadError{Plugin: id, Cause: err}
		m.fail(ctx, id, lerr)
		return lerr
	}

	m.mu.Lock()
	m.states[id] = StateLoaded
	delete(m.errs, id)
	m.contexts[id] = sctx
	m.instances[id] = inst
	m.loadOrder = append(m.loadOrder, id)
	m.mu.Unlock()

	m.logger.Info("plugin loaded", zap.String("plugin", id), zap.String("version", man.Version))
	m.bus.Trigger(ctx, hook.PluginLoaded, hook.Context{"plugin": id, "version": man.Version})
	return nil
}

func (m *Manager) checkDependencies(id string, man *manifest.Manifest) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, dep := range man.Dependencies {
		st := m.states[dep.ID]
		if st == StateFailed {
			return &resolver.DependencyFailedError{
				Plugin:     id,
				Dependency: dep.ID,
				Cause:      m.errs[dep.ID],
			}
		}
		ok := st.IsLoaded()
		if m.config.DependencyPolicy == DepsEnabled {
			ok = st == StateEnabled
		}
		if !ok {
			return &resolver.DependencyFailedError{
				Plugin:     id,
				Dependency: dep.ID,
				Cause:      fmt.Errorf("dependency in state %s", st),
			}
		}
	}
	return nil
}

func safeOnLoad(p Plugin, sctx *sandbox.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in OnLoad: %v", r)
		}
	}()
	return p.OnLoad(sctx)
}

// fail moves a plugin to the terminal Failed state, records the cause, and
// announces it on the plugin:error hook.
func (m *Manager) fail(ctx context.Context, id string, cause error) {
	m.mu.Lock()
	m.states[id] = StateFailed
	m.errs[id] = cause
	m.mu.Unlock()

	m.logger.Error("plugin failed", zap.String("plugin", id), zap.Error(cause))
	m.bus.Trigger(ctx, hook.PluginError, hook.Context{"plugin": id, "error": cause.Error()})
}

// Enable makes a loaded plugin eligible for hook dispatch. It does not
// re-run the entry point.
func (m *Manager) Enable(ctx context.Context, id string) error {
	if err := m.toggle(id, StateEnabled); err != nil {
		return err
	}
	m.bus.Trigger(ctx, hook.PluginEnabled, hook.Context{"plugin": id})
	return nil
}

// Disable excludes a loaded plugin from hook dispatch. Its registrations
// stay intact for fast re-enable; the dispatch gate skips them.
func (m *Manager) Disable(ctx context.Context, id string) error {
	if err := m.toggle(id, StateDisabled); err != nil {
		return err
	}
	m.bus.Trigger(ctx, hook.PluginDisabled, hook.Context{"plugin": id})
	return nil
}

func (m *Manager) toggle(id string, target State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.states[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPlugin, id)
	}
	if st == StateFailed {
		return fmt.Errorf("%w: %s", ErrFailedState, id)
	}
	if !st.IsLoaded() {
		return fmt.Errorf("%w: %s (state %s)", ErrNotLoaded, id, st)
	}
	m.states[id] = target
	return nil
}

// Unload tears down a plugin. Loaded plugins that depend on it, directly
// or transitively, are cascade-unloaded first, deepest dependents first,
// each with a warning.
func (m *Manager) Unload(ctx context.Context, id string) error {
	m.mu.RLock()
	st, ok := m.states[id]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPlugin, id)
	}
	if !st.IsLoaded() {
		return fmt.Errorf("%w: %s (state %s)", ErrNotLoaded, id, st)
	}

	order := m.cascadeOrder(id)
	for _, victim := range order {
		if victim != id {
			m.logger.Warn("cascade unloading dependent plugin",
				zap.String("plugin", victim),
				zap.String("because", id))
		}
		m.unloadOne(ctx, victim)
	}
	return nil
}

// cascadeOrder returns id plus its loaded transitive dependents, dependents
// first.
func (m *Manager) cascadeOrder(id string) []string {
	snap := m.registry.Snapshot()

	dependents := make(map[string][]string)
	for pid, man := range snap.Manifests {
		for _, dep := range man.Dependencies {
			dependents[dep.ID] = append(dependents[dep.ID], pid)
		}
	}

	m.mu.RLock()
	loaded := func(pid string) bool { return m.states[pid].IsLoaded() }
	var order []string
	seen := make(map[string]bool)
	var visit func(pid string)
	visit = func(pid string) {
		if seen[pid] || !loaded(pid) {
			return
		}
		seen[pid] = true
		deps := append([]string(nil), dependents[pid]...)
		sort.Strings(deps)
		for _, d := range deps {
			visit(d)
		}
		order = append(order, pid)
	}
	visit(id)
	m.mu.RUnlock()

	return order
}

// unloadOne runs best-effort teardown, purges the plugin's registrations,
// and releases its sandbox.
func (m *Manager) unloadOne(ctx context.Context, id string) {
	m.mu.Lock()
	inst := m.instances[id]
	sctx := m.contexts[id]
	delete(m.instances, id)
	delete(m.contexts, id)
	m.states[id] = StateUnloaded
	m.removeFromLoadOrder(id)
	m.mu.Unlock()

	if u, ok := inst.(Unloader); ok && sctx != nil {
		if err := safeOnUnload(u, sctx); err != nil {
			m.logger.Warn("plugin OnUnload failed", zap.String("plugin", id), zap.Error(err))
		}
	}

	if sctx != nil {
		removed := sctx.Release()
		m.logger.Info("plugin unloaded",
			zap.String("plugin", id),
			zap.Int("registrations_purged", removed))
	}

	m.bus.Trigger(ctx, hook.PluginUnloaded, hook.Context{"plugin": id})
}

func safeOnUnload(u Unloader, sctx *sandbox.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in OnUnload: %v", r)
		}
	}()
	return u.OnUnload(sctx)
}

// UnloadAll unloads every loaded plugin in reverse load order.
func (m *Manager) UnloadAll(ctx context.Context) {
	m.mu.RLock()
	names := make([]string, len(m.loadOrder))
	for i, id := range m.loadOrder {
		names[len(m.loadOrder)-1-i] = id
	}
	m.mu.RUnlock()

	for _, id := range names {
		m.mu.RLock()
		loaded := m.states[id].IsLoaded()
		m.mu.RUnlock()
		if loaded {
			m.unloadOne(ctx, id)
		}
	}
}

// LoadOrder returns the ids of loaded plugins in the order they finished
// loading.
func (m *Manager) LoadOrder() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.loadOrder...)
}

// removeFromLoadOrder must be called with mu held.
func (m *Manager) removeFromLoadOrder(id string) {
	for i, n := range m.loadOrder {
		if n == id {
			m.loadOrder = append(m.loadOrder[:i], m.loadOrder[i+1:]...)
			return
		}
	}
}
