package registry

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stencilworks/pluginhost/internal/manifest"
)

func testManifest(t *testing.T, id string) *manifest.Manifest {
	t.Helper()
	doc := fmt.Sprintf(`{
		"plugin_id": %q,
		"name": "Plugin %s",
		"version": "1.0.0",
		"entry_point": "init.lua"
	}`, id, id)
	m, err := manifest.Decode([]byte(doc))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return m
}

func TestRegisterAndGet(t *testing.T) {
	r := New()
	m := testManifest(t, "com.example.a")

	if err := r.Register(m); err != nil {
		t.Fatalf("Register: %v", err)
	}

	got, ok := r.Get("com.example.a")
	if !ok {
		t.Fatal("Get missed registered plugin")
	}
	if got.ID != m.ID {
		t.Errorf("Get returned %q", got.ID)
	}
	if !r.Enabled("com.example.a") {
		t.Error("freshly registered plugin should be enabled")
	}
}

func TestRegisterDuplicate(t *testing.T) {
	r := New()
	if err := r.Register(testManifest(t, "com.example.a")); err != nil {
		t.Fatalf("Register: %v", err)
	}

	err := r.Register(testManifest(t, "com.example.a"))
	if !errors.Is(err, ErrDuplicateID) {
		t.Errorf("expected ErrDuplicateID, got %v", err)
	}
}

func TestUnregister(t *testing.T) {
	r := New()
	if err := r.Register(testManifest(t, "com.example.a")); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := r.Unregister("com.example.a"); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	if _, ok := r.Get("com.example.a"); ok {
		t.Error("Get found unregistered plugin")
	}
	if err := r.Unregister("com.example.a"); !errors.Is(err, ErrNotRegistered) {
		t.Errorf("expected ErrNotRegistered, got %v", err)
	}
}

func TestDiscoverPartialFailure(t *testing.T) {
	r := New()
	sources := [][]byte{
		[]byte(`{"plugin_id":"com.example.a","version":"1.0.0","entry_point":"init.lua"}`),
		[]byte(`not json at all`),
		[]byte(`{"plugin_id":"com.example.b","version":"2.0.0","entry_point":"init.lua"}`),
		// Duplicate of the first.
		[]byte(`{"plugin_id":"com.example.a","version":"1.0.1","entry_point":"init.lua"}`),
	}

	registered, err := r.Discover(sources)
	if err == nil {
		t.Fatal("Discover should report the malformed and duplicate sources")
	}
	if len(registered) != 2 {
		t.Fatalf("registered %d manifests, want 2", len(registered))
	}
	if r.Count() != 2 {
		t.Errorf("Count = %d, want 2", r.Count())
	}
	if !errors.Is(err, ErrDuplicateID) {
		t.Errorf("expected ErrDuplicateID in joined error, got %v", err)
	}
}

func TestListSortedAndFiltered(t *testing.T) {
	r := New()
	for _, id := range []string{"com.example.c", "com.example.a", "com.example.b"} {
		if err := r.Register(testManifest(t, id)); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}

	all := r.List(nil)
	if len(all) != 3 {
		t.Fatalf("List returned %d", len(all))
	}
	for i, want := range []string{"com.example.a", "com.example.b", "com.example.c"} {
		if all[i].ID != want {
			t.Errorf("List[%d] = %q, want %q", i, all[i].ID, want)
		}
	}

	only := r.List(func(m *manifest.Manifest) bool { return m.ID == "com.example.b" })
	if len(only) != 1 || only[0].ID != "com.example.b" {
		t.Errorf("filtered List = %v", only)
	}
}

func TestSearch(t *testing.T) {
	r := New()
	a := testManifest(t, "com.example.exporter")
	a.Description = "Exports templates to PDF"
	b := testManifest(t, "com.example.importer")

	if err := r.Register(a); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(b); err != nil {
		t.Fatal(err)
	}

	if got := r.Search("pdf"); len(got) != 1 || got[0].ID != "com.example.exporter" {
		t.Errorf("Search(pdf) = %v", got)
	}
	if got := r.Search("example"); len(got) != 2 {
		t.Errorf("Search(example) returned %d", len(got))
	}
	if got := r.Search(""); len(got) != 2 {
		t.Errorf("Search(empty) returned %d", len(got))
	}
}

func TestEnableDisable(t *testing.T) {
	r := New()
	if err := r.Register(testManifest(t, "com.example.a")); err != nil {
		t.Fatal(err)
	}

	if err := r.Disable("com.example.a"); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	if r.Enabled("com.example.a") {
		t.Error("plugin should be disabled")
	}
	if err := r.Enable("com.example.a"); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if !r.Enabled("com.example.a") {
		t.Error("plugin should be enabled")
	}

	if err := r.Enable("com.example.missing"); !errors.Is(err, ErrNotRegistered) {
		t.Errorf("expected ErrNotRegistered, got %v", err)
	}
	if r.Enabled("com.example.missing") {
		t.Error("unknown id should report unavailable")
	}
}

func TestSnapshotIsolation(t *testing.T) {
	r := New()
	if err := r.Register(testManifest(t, "com.example.a")); err != nil {
		t.Fatal(err)
	}

	snap := r.Snapshot()
	if err := r.Register(testManifest(t, "com.example.b")); err != nil {
		t.Fatal(err)
	}
	if err := r.Disable("com.example.a"); err != nil {
		t.Fatal(err)
	}

	if len(snap.Manifests) != 1 {
		t.Errorf("snapshot gained entries after mutation: %d", len(snap.Manifests))
	}
	if !snap.Enabled["com.example.a"] {
		t.Error("snapshot availability changed after mutation")
	}
}
