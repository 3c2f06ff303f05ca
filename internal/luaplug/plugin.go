package luaplug

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/stencilworks/pluginhost/internal/hook"
	"github.com/stencilworks/pluginhost/internal/lifecycle"
	"github.com/stencilworks/pluginhost/internal/manifest"
	"github.com/stencilworks/pluginhost/internal/sandbox"
)

// Resolver resolves ".lua" entry points into script-backed plugins. The
// discovery layer registers each plugin's directory so relative entry
// points can be resolved against it.
type Resolver struct {
	mu     sync.RWMutex
	dirs   map[string]string
	logger *zap.Logger
}

// NewResolver creates a Lua entry point resolver. A nil logger falls back
// to zap.NewNop.
func NewResolver(logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{dirs: make(map[string]string), logger: logger}
}

// SetDir records the directory holding a plugin's scripts.
func (r *Resolver) SetDir(id, dir string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dirs[id] = dir
}

// ResolveEntryPoint implements lifecycle.EntryPointResolver.
func (r *Resolver) ResolveEntryPoint(m *manifest.Manifest) (lifecycle.Plugin, error) {
	if !m.IsLuaEntryPoint() {
		return nil, fmt.Errorf("luaplug: entry point %q is not a Lua script", m.EntryPoint)
	}

	r.mu.RLock()
	dir, ok := r.dirs[m.ID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("luaplug: no script directory registered for %q", m.ID)
	}

	return &Plugin{
		id:     m.ID,
		path:   filepath.Join(dir, m.EntryPoint),
		logger: r.logger.With(zap.String("plugin", m.ID)),
	}, nil
}

// Plugin runs one Lua script as a plugin. The script registers callbacks
// through the `host` global; an optional on_load function runs after the
// script body, and an optional on_unload runs at teardown.
type Plugin struct {
	id     string
	path   string
	logger *zap.Logger
	state  *State
}

// OnLoad implements lifecycle.Plugin.
func (p *Plugin) OnLoad(sctx *sandbox.Context) error {
	st := NewState()
	p.installHostModule(st, sctx)

	if err := st.DoFile(p.path); err != nil {
		st.Close()
		return fmt.Errorf("script %s: %w", filepath.Base(p.path), err)
	}
	if st.HasGlobalFunc("on_load") {
		if _, err := st.CallGlobal("on_load"); err != nil {
			st.Close()
			return fmt.Errorf("on_load: %w", err)
		}
	}

	p.state = st
	return nil
}

// OnUnload implements lifecycle.Unloader. The interpreter is closed even
// when on_unload fails.
func (p *Plugin) OnUnload(*sandbox.Context) error {
	if p.state == nil {
		return nil
	}
	defer func() {
		p.state.Close()
		p.state = nil
	}()

	if p.state.HasGlobalFunc("on_unload") {
		if _, err := p.state.CallGlobal("on_unload"); err != nil {
			return fmt.Errorf("on_unload: %w", err)
		}
	}
	return nil
}

// installHostModule binds the host API to the plugin's sandbox context.
// The LGFunctions run inside the interpreter with the state mutex already
// held, so they touch L directly; only the deferred hook and filter
// callbacks re-enter through the locking State methods.
func (p *Plugin) installHostModule(st *State, sctx *sandbox.Context) {
	st.SetModule("host", map[string]lua.LGFunction{
		"register_hook": func(L *lua.LState) int {
			name := L.CheckString(1)
			priority := L.CheckInt(2)
			fn := L.CheckFunction(3)

			token := sctx.RegisterHook(name, priority, func(_ context.Context, event string, data hook.Context) error {
				_, err := st.CallFuncGo(fn, event, map[string]any(data))
				return err
			})
			L.Push(lua.LString(token))
			return 1
		},

		"register_filter": func(L *lua.LState) int {
			name := L.CheckString(1)
			priority := L.CheckInt(2)
			fn := L.CheckFunction(3)

			token := sctx.RegisterFilter(name, priority, func(_ context.Context, value any, data hook.Context) (any, error) {
				out, err := st.CallFuncGo(fn, value, map[string]any(data))
				if err != nil {
					return nil, err
				}
				if len(out) == 0 {
					return value, nil
				}
				return out[0], nil
			})
			L.Push(lua.LString(token))
			return 1
		},

		"get_config": func(L *lua.LState) int {
			key := L.CheckString(1)
			v, err := sctx.GetConfig(key)
			if err != nil {
				L.RaiseError("%s", err.Error())
				return 0
			}
			L.Push(toLua(L, v))
			return 1
		},

		"set_config": func(L *lua.LState) int {
			key := L.CheckString(1)
			if err := sctx.SetConfig(key, toGo(L.Get(2))); err != nil {
				L.Push(lua.LNil)
				L.Push(lua.LString(err.Error()))
				return 2
			}
			L.Push(lua.LTrue)
			return 1
		},

		"set_data": func(L *lua.LState) int {
			sctx.SetData(L.CheckString(1), toGo(L.Get(2)))
			return 0
		},

		"get_data": func(L *lua.LState) int {
			v, ok := sctx.GetData(L.CheckString(1))
			if !ok {
				L.Push(lua.LNil)
				return 1
			}
			L.Push(toLua(L, v))
			return 1
		},

		"log": func(L *lua.LState) int {
			level := L.CheckString(1)
			msg := L.CheckString(2)
			switch level {
			case "debug":
				p.logger.Debug(msg)
			case "warn":
				p.logger.Warn(msg)
			case "error":
				p.logger.Error(msg)
			default:
				p.logger.Info(msg)
			}
			return 0
		},
	})
}
