package luaplug

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stencilworks/pluginhost/internal/hook"
	"github.com/stencilworks/pluginhost/internal/manifest"
	"github.com/stencilworks/pluginhost/internal/sandbox"
)

func writeScript(t *testing.T, dir, name, src string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}
}

func luaManifest(t *testing.T, id string) *manifest.Manifest {
	t.Helper()
	doc := `{
		"plugin_id": "` + id + `",
		"version": "1.0.0",
		"entry_point": "init.lua",
		"config_schema": {
			"format": {"type": "string", "default": "pdf", "enum": ["pdf", "html"]}
		}
	}`
	m, err := manifest.Decode([]byte(doc))
	if err != nil {
		t.Fatal(err)
	}
	return m
}

// loadScript resolves and loads a Lua plugin from the given script source.
func loadScript(t *testing.T, bus *hook.Bus, src string) (*Plugin, *sandbox.Context) {
	t.Helper()

	dir := t.TempDir()
	writeScript(t, dir, "init.lua", src)

	m := luaManifest(t, "com.example.lua")
	r := NewResolver(nil)
	r.SetDir(m.ID, dir)

	p, err := r.ResolveEntryPoint(m)
	if err != nil {
		t.Fatalf("ResolveEntryPoint: %v", err)
	}

	sctx, err := sandbox.NewContext(m, bus, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.OnLoad(sctx); err != nil {
		t.Fatalf("OnLoad: %v", err)
	}
	return p.(*Plugin), sctx
}

func TestScriptHookRegistration(t *testing.T) {
	bus := hook.New(nil)
	p, sctx := loadScript(t, bus, `
		host.register_hook("doc:open", 10, function(event, data)
			host.set_data("last_event", event)
			host.set_data("path", data.path)
		end)

		function on_load()
			host.set_data("loaded", true)
		end
	`)
	defer p.OnUnload(sctx)

	if v, _ := sctx.GetData("loaded"); v != true {
		t.Error("on_load did not run")
	}

	results := bus.Trigger(context.Background(), "doc:open", hook.Context{"path": "/tmp/a.md"})
	if len(results) != 1 || results[0].Err != nil {
		t.Fatalf("results = %+v", results)
	}
	if v, _ := sctx.GetData("last_event"); v != "doc:open" {
		t.Errorf("last_event = %v", v)
	}
	if v, _ := sctx.GetData("path"); v != "/tmp/a.md" {
		t.Errorf("path = %v", v)
	}
}

func TestScriptFilterTransformsValue(t *testing.T) {
	bus := hook.New(nil)
	p, sctx := loadScript(t, bus, `
		host.register_filter("doc:render", 0, function(value, data)
			return value .. "-lua"
		end)
	`)
	defer p.OnUnload(sctx)

	out, err := bus.ApplyFilter(context.Background(), "doc:render", "base", nil)
	if err != nil {
		t.Fatalf("ApplyFilter: %v", err)
	}
	if out != "base-lua" {
		t.Errorf("out = %v", out)
	}
}

func TestScriptReadsConfig(t *testing.T) {
	bus := hook.New(nil)
	p, sctx := loadScript(t, bus, `
		function on_load()
			host.set_data("fmt", host.get_config("format"))
		end
	`)
	defer p.OnUnload(sctx)

	if v, _ := sctx.GetData("fmt"); v != "pdf" {
		t.Errorf("fmt = %v, want schema default", v)
	}
}

func TestScriptHookErrorSurfaces(t *testing.T) {
	bus := hook.New(nil)
	p, sctx := loadScript(t, bus, `
		host.register_hook("doc:open", 0, function(event, data)
			error("scripted failure")
		end)
	`)
	defer p.OnUnload(sctx)

	results := bus.Trigger(context.Background(), "doc:open", nil)
	if len(results) != 1 || results[0].Err == nil {
		t.Fatalf("results = %+v", results)
	}
	if !strings.Contains(results[0].Err.Error(), "scripted failure") {
		t.Errorf("err = %v", results[0].Err)
	}
}

func TestOnUnloadRunsAndStateCloses(t *testing.T) {
	bus := hook.New(nil)
	p, sctx := loadScript(t, bus, `
		function on_unload()
			host.set_data("torn_down", true)
		end
	`)

	if err := p.OnUnload(sctx); err != nil {
		t.Fatalf("OnUnload: %v", err)
	}
	if v, _ := sctx.GetData("torn_down"); v != true {
		t.Error("on_unload did not run")
	}
	if p.state != nil {
		t.Error("interpreter not released")
	}
}

func TestScriptSyntaxErrorFailsLoad(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "init.lua", `this is not lua`)

	m := luaManifest(t, "com.example.lua")
	r := NewResolver(nil)
	r.SetDir(m.ID, dir)
	p, err := r.ResolveEntryPoint(m)
	if err != nil {
		t.Fatal(err)
	}

	sctx, err := sandbox.NewContext(m, hook.New(nil), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.OnLoad(sctx); err == nil {
		t.Fatal("broken script loaded")
	}
}

func TestSandboxBlocksCodeLoading(t *testing.T) {
	bus := hook.New(nil)
	dir := t.TempDir()
	writeScript(t, dir, "init.lua", `dofile("/etc/passwd")`)

	m := luaManifest(t, "com.example.lua")
	r := NewResolver(nil)
	r.SetDir(m.ID, dir)
	p, err := r.ResolveEntryPoint(m)
	if err != nil {
		t.Fatal(err)
	}

	sctx, err := sandbox.NewContext(m, bus, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.OnLoad(sctx); err == nil {
		t.Fatal("dofile was callable inside the sandbox")
	}
}

func TestResolverRejectsNonLuaEntryPoint(t *testing.T) {
	doc := `{"plugin_id": "com.example.native", "version": "1.0.0", "entry_point": "go:native"}`
	m, err := manifest.Decode([]byte(doc))
	if err != nil {
		t.Fatal(err)
	}

	r := NewResolver(nil)
	if _, err := r.ResolveEntryPoint(m); err == nil {
		t.Fatal("non-Lua entry point accepted")
	}
}

func TestResolverRequiresDirectory(t *testing.T) {
	m := luaManifest(t, "com.example.lua")
	r := NewResolver(nil)
	if _, err := r.ResolveEntryPoint(m); err == nil {
		t.Fatal("resolved without a registered directory")
	}
}
