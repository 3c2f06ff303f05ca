// Package luaplug runs Lua-scripted plugins. Each plugin gets its own
// hardened interpreter state; the host API is exposed as a `host` global
// bound to the plugin's sandbox context.
package luaplug

import (
	"errors"
	"fmt"
	"sync"

	lua "github.com/yuin/gopher-lua"
)

// ErrStateClosed is returned by operations on a closed interpreter state.
var ErrStateClosed = errors.New("luaplug: state is closed")

// State wraps one plugin's Lua interpreter.
//
// gopher-lua's LState is not goroutine-safe. The mutex serializes every
// entry from Go, including hook callbacks dispatched from arbitrary
// goroutines.
type State struct {
	mu     sync.Mutex
	L      *lua.LState
	closed bool
}

// NewState creates a hardened interpreter: only the base, table, string,
// and math libraries are opened, and globals that load code from disk or
// strings are removed.
func NewState() *State {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})

	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	// io, os, debug, and package stay closed; these erase the remaining
	// escape hatches from base.
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "require"} {
		L.SetGlobal(name, lua.LNil)
	}

	return &State{L: L}
}

// DoFile executes a Lua script file.
func (s *State) DoFile(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStateClosed
	}
	return s.recovered(func() error { return s.L.DoFile(path) })
}

// DoString executes Lua source.
func (s *State) DoString(code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStateClosed
	}
	return s.recovered(func() error { return s.L.DoString(code) })
}

// HasGlobalFunc reports whether a global function with the name exists.
func (s *State) HasGlobalFunc(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	return s.L.GetGlobal(name).Type() == lua.LTFunction
}

// CallGlobal invokes a global function with the given arguments and
// returns its results. Missing globals are an error; use HasGlobalFunc to
// probe for optional entry points.
func (s *State) CallGlobal(name string, args ...lua.LValue) ([]lua.LValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStateClosed
	}

	fn := s.L.GetGlobal(name)
	if fn.Type() != lua.LTFunction {
		return nil, fmt.Errorf("luaplug: %q is not a function (got %s)", name, fn.Type())
	}
	return s.callLocked(fn.(*lua.LFunction), args...)
}

// CallFunc invokes a Lua function value. The caller must already hold no
// other entry into this state.
func (s *State) CallFunc(fn *lua.LFunction, args ...lua.LValue) ([]lua.LValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStateClosed
	}
	return s.callLocked(fn, args...)
}

func (s *State) callLocked(fn *lua.LFunction, args ...lua.LValue) ([]lua.LValue, error) {
	top := s.L.GetTop()
	s.L.Push(fn)
	for _, a := range args {
		s.L.Push(a)
	}

	var callErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				callErr = fmt.Errorf("lua panic: %v", r)
			}
		}()
		callErr = s.L.PCall(len(args), lua.MultRet, nil)
	}()
	if callErr != nil {
		return nil, callErr
	}

	n := s.L.GetTop() - top
	if n <= 0 {
		return nil, nil
	}
	out := make([]lua.LValue, n)
	for i := 0; i < n; i++ {
		out[i] = s.L.Get(top + i + 1)
	}
	s.L.Pop(n)
	return out, nil
}

// CallFuncGo invokes a Lua function with Go arguments and converts its
// results back to Go values. Conversion happens under the state mutex.
func (s *State) CallFuncGo(fn *lua.LFunction, args ...any) ([]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStateClosed
	}

	largs := make([]lua.LValue, len(args))
	for i, a := range args {
		largs[i] = toLua(s.L, a)
	}
	res, err := s.callLocked(fn, largs...)
	if err != nil {
		return nil, err
	}
	out := make([]any, len(res))
	for i, r := range res {
		out[i] = toGo(r)
	}
	return out, nil
}

// SetModule installs a table of Go functions as a global module.
func (s *State) SetModule(name string, funcs map[string]lua.LGFunction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	mod := s.L.SetFuncs(s.L.NewTable(), funcs)
	s.L.SetGlobal(name, mod)
}

func (s *State) recovered(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lua panic: %v", r)
		}
	}()
	return fn()
}

// Close releases the interpreter. Further calls return ErrStateClosed.
func (s *State) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.L.Close()
	s.closed = true
}
