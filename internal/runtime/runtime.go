// Package runtime assembles the plugin host: discovery, registry,
// resolution, lifecycle, hook dispatch, and the marketplace behind one
// façade.
package runtime

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/stencilworks/pluginhost/internal/config"
	"github.com/stencilworks/pluginhost/internal/discovery"
	"github.com/stencilworks/pluginhost/internal/hook"
	"github.com/stencilworks/pluginhost/internal/lifecycle"
	"github.com/stencilworks/pluginhost/internal/luaplug"
	"github.com/stencilworks/pluginhost/internal/manifest"
	"github.com/stencilworks/pluginhost/internal/marketplace"
	"github.com/stencilworks/pluginhost/internal/registry"
)

// Runtime owns every host component. Construct with New, seed it through
// Initialize or RegisterManifest, then drive plugins with the lifecycle
// methods.
type Runtime struct {
	cfg    *config.Config
	logger *zap.Logger

	registry  *registry.Registry
	bus       *hook.Bus
	factories *lifecycle.FactoryTable
	luaRes    *luaplug.Resolver
	manager   *lifecycle.Manager
	scanner   *discovery.Scanner
	watcher   *discovery.Watcher
	market    *marketplace.Marketplace
}

// New wires a runtime from configuration. A nil config gets defaults; a
// nil logger falls back to zap.NewNop.
func New(cfg *config.Config, logger *zap.Logger) *Runtime {
	if cfg == nil {
		cfg = &config.Config{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	reg := registry.New()
	bus := hook.New(logger.Named("hook"))
	factories := lifecycle.NewFactoryTable()
	luaRes := luaplug.NewResolver(logger.Named("lua"))

	mcfg := lifecycle.Config{
		ParallelLoad: cfg.Plugins.ParallelLoad,
		MaxParallel:  cfg.Plugins.MaxParallel,
		HostVersion:  cfg.Host.Version,
		PluginConfig: cfg.PluginValues(),
	}
	if cfg.Plugins.RequireEnabledDep {
		mcfg.DependencyPolicy = lifecycle.DepsEnabled
	}

	chain := lifecycle.ResolverChain{factories, luaRes}
	mgr := lifecycle.NewManager(reg, bus, chain, logger.Named("lifecycle"), mcfg)

	// Callbacks fire only for plugins that are currently loaded or enabled
	// and still available in the registry. Host registrations are untracked
	// and always pass.
	bus.SetGate(func(id string) bool {
		if _, tracked := mgr.State(id); !tracked {
			return true
		}
		return mgr.DispatchEligible(id) && reg.Enabled(id)
	})

	return &Runtime{
		cfg:       cfg,
		logger:    logger,
		registry:  reg,
		bus:       bus,
		factories: factories,
		luaRes:    luaRes,
		manager:   mgr,
		scanner:   discovery.NewScanner(logger.Named("discovery"), cfg.Plugins.Paths...),
		market:    marketplace.New(logger.Named("marketplace")),
	}
}

// Registry exposes the manifest registry.
func (r *Runtime) Registry() *registry.Registry { return r.registry }

// Bus exposes the hook bus for host-side registrations and dispatch.
func (r *Runtime) Bus() *hook.Bus { return r.bus }

// Marketplace exposes the plugin catalog.
func (r *Runtime) Marketplace() *marketplace.Marketplace { return r.market }

// Manager exposes the lifecycle manager.
func (r *Runtime) Manager() *lifecycle.Manager { return r.manager }

// RegisterFactory installs a native factory for "go:<name>" entry points.
func (r *Runtime) RegisterFactory(name string, f lifecycle.Factory) {
	r.factories.Register(name, f)
}

// RegisterManifest registers an in-process plugin that needs no discovery,
// typically a native one.
func (r *Runtime) RegisterManifest(m *manifest.Manifest) error {
	if err := r.registry.Register(m); err != nil {
		return err
	}
	r.manager.Track(m.ID)
	return nil
}

// Initialize scans the search paths and registers everything found. Broken
// manifests and duplicate ids are joined into the returned error without
// stopping registration of the rest. When watching is configured, manifest
// changes on disk trigger automatic rescans until Shutdown.
func (r *Runtime) Initialize(ctx context.Context) error {
	errs := []error{r.rescan()}

	if r.cfg.Plugins.Watch && r.watcher == nil {
		w, err := discovery.NewWatcher(r.logger.Named("discovery"), r.cfg.Plugins.Paths...)
		if err != nil {
			errs = append(errs, err)
		} else {
			r.watcher = w
			go r.watchLoop()
		}
	}

	r.bus.Trigger(ctx, hook.RuntimeReady, hook.Context{"plugins": r.registry.Count()})
	return errors.Join(errs...)
}

func (r *Runtime) watchLoop() {
	for ev := range r.watcher.Events() {
		r.logger.Info("plugin directory changed, rescanning", zap.String("dir", ev.Dir))
		if err := r.rescan(); err != nil {
			r.logger.Warn("rescan failed", zap.Error(err))
		}
	}
}

// rescan registers newly discovered plugins. Already registered ids are
// left untouched; unloading a replaced plugin remains an explicit
// operation.
func (r *Runtime) rescan() error {
	found, err := r.scanner.Scan()
	errs := []error{err}

	for _, f := range found {
		r.luaRes.SetDir(f.Manifest.ID, f.Dir)
		if _, ok := r.registry.Get(f.Manifest.ID); ok {
			continue
		}
		if rerr := r.registry.Register(f.Manifest); rerr != nil {
			errs = append(errs, rerr)
			continue
		}
		r.manager.Track(f.Manifest.ID)
		r.logger.Info("plugin discovered",
			zap.String("plugin", f.Manifest.ID),
			zap.String("version", f.Manifest.Version),
			zap.String("dir", f.Dir))
	}
	return errors.Join(errs...)
}

// LoadAll resolves and loads every registered plugin, enabling the loaded
// ones when auto-enable is configured. Per-plugin failures are joined into
// the returned error; healthy plugins still load.
func (r *Runtime) LoadAll(ctx context.Context) error {
	errs := []error{r.manager.LoadAll(ctx)}
	if r.cfg.Plugins.AutoEnable {
		for _, id := range r.manager.LoadOrder() {
			if st, _ := r.manager.State(id); st == lifecycle.StateLoaded {
				errs = append(errs, r.manager.Enable(ctx, id))
			}
		}
	}
	return errors.Join(errs...)
}

// Load resolves and loads one plugin and its dependencies.
func (r *Runtime) Load(ctx context.Context, id string) error {
	if err := r.manager.Load(ctx, id); err != nil {
		return err
	}
	if r.cfg.Plugins.AutoEnable {
		if st, _ := r.manager.State(id); st == lifecycle.StateLoaded {
			return r.manager.Enable(ctx, id)
		}
	}
	return nil
}

// Enable makes a loaded plugin dispatch-eligible again.
func (r *Runtime) Enable(ctx context.Context, id string) error {
	return r.manager.Enable(ctx, id)
}

// Disable keeps a plugin loaded but excludes it from dispatch.
func (r *Runtime) Disable(ctx context.Context, id string) error {
	return r.manager.Disable(ctx, id)
}

// Unload tears the plugin down, cascading to loaded dependents.
func (r *Runtime) Unload(ctx context.Context, id string) error {
	return r.manager.Unload(ctx, id)
}

// Install fetches a plugin's manifest from the marketplace and registers
// it. The caller still loads it explicitly.
func (r *Runtime) Install(id string) error {
	m, err := r.market.Fetch(id)
	if err != nil {
		return err
	}
	if err := r.RegisterManifest(m); err != nil {
		return fmt.Errorf("installing %s: %w", id, err)
	}
	return nil
}

// Trigger dispatches a hook to every eligible callback.
func (r *Runtime) Trigger(ctx context.Context, name string, data hook.Context) []hook.Result {
	return r.bus.Trigger(ctx, name, data)
}

// ApplyFilter threads a value through the filter pipeline.
func (r *Runtime) ApplyFilter(ctx context.Context, name string, value any, data hook.Context) (any, error) {
	return r.bus.ApplyFilter(ctx, name, value, data)
}

// Statistics is a point-in-time snapshot of the host.
type Statistics struct {
	Registered int
	ByState    map[lifecycle.State]int
	Hooks      int
	Filters    int
	Listings   int
}

// Statistics reports current host counters.
func (r *Runtime) Statistics() Statistics {
	return Statistics{
		Registered: r.registry.Count(),
		ByState:    r.manager.CountByState(),
		Hooks:      r.bus.HookCount(),
		Filters:    r.bus.FilterCount(),
		Listings:   r.market.Count(),
	}
}

// Shutdown announces shutdown, unloads every plugin, and stops the
// watcher.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.bus.Trigger(ctx, hook.RuntimeShutdown, nil)
	r.manager.UnloadAll(ctx)

	if r.watcher != nil {
		if err := r.watcher.Close(); err != nil {
			return err
		}
		r.watcher = nil
	}
	return nil
}
