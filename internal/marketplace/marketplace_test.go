package marketplace

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/stencilworks/pluginhost/internal/manifest"
	"github.com/stencilworks/pluginhost/internal/semver"
)

func listedManifest(t *testing.T, id, name, version, desc string) *manifest.Manifest {
	t.Helper()
	doc := fmt.Sprintf(`{
		"plugin_id": %q,
		"name": %q,
		"version": %q,
		"author": "example",
		"description": %q,
		"entry_point": "init.lua"
	}`, id, name, version, desc)
	m, err := manifest.Decode([]byte(doc))
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func newMarket(t *testing.T) *Marketplace {
	t.Helper()
	m := New(nil)
	m.now = func() time.Time { return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC) }
	return m
}

func TestPublishAndGet(t *testing.T) {
	m := newMarket(t)
	if err := m.Publish(listedManifest(t, "com.example.export", "Exporter", "1.0.0", "exports documents")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	l, err := m.Get("com.example.export")
	if err != nil {
		t.Fatal(err)
	}
	if l.Name != "Exporter" || l.Version != "1.0.0" || l.Rating != 0 {
		t.Errorf("listing = %+v", l)
	}

	if _, err := m.Get("com.example.missing"); !errors.Is(err, ErrNotListed) {
		t.Errorf("missing listing: %v", err)
	}
}

func TestPublishRequiresNewerVersion(t *testing.T) {
	m := newMarket(t)
	if err := m.Publish(listedManifest(t, "com.example.a", "A", "1.1.0", "")); err != nil {
		t.Fatal(err)
	}

	// Same and older versions are rejected.
	if err := m.Publish(listedManifest(t, "com.example.a", "A", "1.1.0", "")); !errors.Is(err, ErrStaleVersion) {
		t.Errorf("same version: %v", err)
	}
	if err := m.Publish(listedManifest(t, "com.example.a", "A", "1.0.9", "")); !errors.Is(err, ErrStaleVersion) {
		t.Errorf("older version: %v", err)
	}

	if err := m.Publish(listedManifest(t, "com.example.a", "A", "1.2.0", "")); err != nil {
		t.Fatalf("newer version: %v", err)
	}
	l, _ := m.Get("com.example.a")
	if l.Version != "1.2.0" {
		t.Errorf("version = %s", l.Version)
	}
}

func TestRatingsAverage(t *testing.T) {
	m := newMarket(t)
	if err := m.Publish(listedManifest(t, "com.example.a", "A", "1.0.0", "")); err != nil {
		t.Fatal(err)
	}

	if err := m.Rate("com.example.a", 4); err != nil {
		t.Fatal(err)
	}
	if err := m.Rate("com.example.a", 2); err != nil {
		t.Fatal(err)
	}

	l, _ := m.Get("com.example.a")
	if l.Rating != 3.0 || l.RatingCount != 2 {
		t.Errorf("rating = %v count = %d", l.Rating, l.RatingCount)
	}

	if err := m.Rate("com.example.a", 0); !errors.Is(err, ErrInvalidRating) {
		t.Errorf("stars 0: %v", err)
	}
	if err := m.Rate("com.example.a", 6); !errors.Is(err, ErrInvalidRating) {
		t.Errorf("stars 6: %v", err)
	}
	if err := m.Rate("com.example.missing", 3); !errors.Is(err, ErrNotListed) {
		t.Errorf("unlisted: %v", err)
	}
}

func TestFetchCountsDownloads(t *testing.T) {
	m := newMarket(t)
	if err := m.Publish(listedManifest(t, "com.example.a", "A", "1.0.0", "")); err != nil {
		t.Fatal(err)
	}

	man, err := m.Fetch("com.example.a")
	if err != nil {
		t.Fatal(err)
	}
	if man.ID != "com.example.a" {
		t.Errorf("manifest id = %s", man.ID)
	}

	// The returned manifest is a copy.
	man.Version = "9.9.9"
	l, _ := m.Get("com.example.a")
	if l.Version != "1.0.0" {
		t.Error("Fetch leaked internal manifest")
	}

	m.Fetch("com.example.a")
	l, _ = m.Get("com.example.a")
	if l.Downloads != 2 {
		t.Errorf("downloads = %d", l.Downloads)
	}

	if err := m.RecordDownload("com.example.a"); err != nil {
		t.Fatal(err)
	}
	l, _ = m.Get("com.example.a")
	if l.Downloads != 3 {
		t.Errorf("downloads after RecordDownload = %d", l.Downloads)
	}
	if err := m.RecordDownload("com.example.missing"); !errors.Is(err, ErrNotListed) {
		t.Errorf("unlisted: %v", err)
	}
}

func TestSearch(t *testing.T) {
	m := newMarket(t)
	m.Publish(listedManifest(t, "com.example.export", "PDF Exporter", "1.0.0", "renders documents to pdf"))
	m.Publish(listedManifest(t, "com.example.spell", "Spell Checker", "1.0.0", "checks spelling"))

	got := m.Search("PDF")
	if len(got) != 1 || got[0].ID != "com.example.export" {
		t.Errorf("Search(PDF) = %+v", got)
	}

	if got := m.Search(""); len(got) != 2 || got[0].ID != "com.example.export" {
		t.Errorf("Search() = %+v", got)
	}
	if got := m.Search("nothing-matches"); len(got) != 0 {
		t.Errorf("Search(miss) = %+v", got)
	}
}

func TestMatchingVersion(t *testing.T) {
	m := newMarket(t)
	m.Publish(listedManifest(t, "com.example.old", "Old", "0.9.0", ""))
	m.Publish(listedManifest(t, "com.example.new", "New", "2.0.0", ""))

	got := m.MatchingVersion(semver.MustParseRange(">=1.0.0"))
	if len(got) != 1 || got[0].ID != "com.example.new" {
		t.Errorf("MatchingVersion = %+v", got)
	}
}

func TestFeaturedRanking(t *testing.T) {
	m := newMarket(t)
	m.Publish(listedManifest(t, "com.example.a", "A", "1.0.0", ""))
	m.Publish(listedManifest(t, "com.example.b", "B", "1.0.0", ""))
	m.Publish(listedManifest(t, "com.example.c", "C", "1.0.0", ""))

	m.Rate("com.example.b", 5)
	m.Rate("com.example.c", 3)
	m.Fetch("com.example.a")

	got := m.Featured(2)
	if len(got) != 2 || got[0].ID != "com.example.b" || got[1].ID != "com.example.c" {
		t.Errorf("Featured = %+v", got)
	}
}

func TestExport(t *testing.T) {
	m := newMarket(t)
	m.Publish(listedManifest(t, "com.example.a", "A", "1.0.0", ""))
	m.Publish(listedManifest(t, "com.example.b", "B", "2.1.0", ""))
	m.Rate("com.example.a", 4)

	out, err := m.Export()
	if err != nil {
		t.Fatal(err)
	}

	if n := gjson.GetBytes(out, "count").Int(); n != 2 {
		t.Errorf("count = %d", n)
	}
	a := gjson.GetBytes(out, `listings.com\.example\.a`)
	if a.Get("version").String() != "1.0.0" || a.Get("rating").Float() != 4.0 {
		t.Errorf("listing a = %s", a.Raw)
	}
}
