// Package marketplace implements an in-memory catalog of publishable
// plugins: listings carry a manifest, a download counter, and a running
// rating average.
package marketplace

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/sjson"
	"go.uber.org/zap"

	"github.com/stencilworks/pluginhost/internal/manifest"
	"github.com/stencilworks/pluginhost/internal/semver"
)

// Marketplace errors.
var (
	ErrNotListed     = errors.New("marketplace: plugin is not listed")
	ErrStaleVersion  = errors.New("marketplace: published version is not newer")
	ErrInvalidRating = errors.New("marketplace: rating must be between 1 and 5")
)

// Listing is one published plugin as returned to callers. Rating is the
// running average across all submitted ratings, 0 when unrated.
type Listing struct {
	ID          string    `json:"plugin_id"`
	Name        string    `json:"name"`
	Version     string    `json:"version"`
	Author      string    `json:"author"`
	Description string    `json:"description"`
	Downloads   int64     `json:"downloads"`
	Rating      float64   `json:"rating"`
	RatingCount int64     `json:"rating_count"`
	Published   time.Time `json:"published"`
}

type entry struct {
	manifest    *manifest.Manifest
	downloads   int64
	ratingSum   int64
	ratingCount int64
	published   time.Time
}

func (e *entry) listing() Listing {
	l := Listing{
		ID:          e.manifest.ID,
		Name:        e.manifest.Name,
		Version:     e.manifest.Version,
		Author:      e.manifest.Author,
		Description: e.manifest.Description,
		Downloads:   e.downloads,
		RatingCount: e.ratingCount,
		Published:   e.published,
	}
	if e.ratingCount > 0 {
		l.Rating = float64(e.ratingSum) / float64(e.ratingCount)
	}
	return l
}

// Marketplace is a concurrency-safe plugin catalog.
type Marketplace struct {
	mu      sync.RWMutex
	entries map[string]*entry
	logger  *zap.Logger
	now     func() time.Time
}

// New creates an empty marketplace. A nil logger falls back to zap.NewNop.
func New(logger *zap.Logger) *Marketplace {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Marketplace{
		entries: make(map[string]*entry),
		logger:  logger,
		now:     time.Now,
	}
}

// Publish lists a plugin. Re-publishing requires a strictly newer version;
// downloads and ratings carry over across versions.
func (m *Marketplace) Publish(man *manifest.Manifest) error {
	if err := man.Validate(); err != nil {
		return err
	}
	v := man.SemVersion()

	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.entries[man.ID]; ok {
		if !prev.manifest.SemVersion().Less(v) {
			return fmt.Errorf("%w: %s has %s, got %s", ErrStaleVersion, man.ID, prev.manifest.Version, man.Version)
		}
		prev.manifest = man.Clone()
		prev.published = m.now()
		m.logger.Info("listing updated", zap.String("plugin", man.ID), zap.String("version", man.Version))
		return nil
	}

	m.entries[man.ID] = &entry{manifest: man.Clone(), published: m.now()}
	m.logger.Info("plugin published", zap.String("plugin", man.ID), zap.String("version", man.Version))
	return nil
}

// Unpublish removes a listing.
func (m *Marketplace) Unpublish(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotListed, id)
	}
	delete(m.entries, id)
	return nil
}

// Get returns a plugin's listing.
func (m *Marketplace) Get(id string) (Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[id]
	if !ok {
		return Listing{}, fmt.Errorf("%w: %s", ErrNotListed, id)
	}
	return e.listing(), nil
}

// Fetch returns the published manifest for installation and counts the
// download.
func (m *Marketplace) Fetch(id string) (*manifest.Manifest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotListed, id)
	}
	e.downloads++
	return e.manifest.Clone(), nil
}

// RecordDownload counts a download without handing out the manifest, for
// hosts that serve plugin artifacts through another channel.
func (m *Marketplace) RecordDownload(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotListed, id)
	}
	e.downloads++
	return nil
}

// Rate records a 1 to 5 star rating, folding it into the running average.
func (m *Marketplace) Rate(id string, stars int) error {
	if stars < 1 || stars > 5 {
		return fmt.Errorf("%w: %d", ErrInvalidRating, stars)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotListed, id)
	}
	e.ratingSum += int64(stars)
	e.ratingCount++
	return nil
}

// Search returns listings whose id, name, or description contains the
// query, case-insensitive, sorted by id. An empty query returns all.
func (m *Marketplace) Search(query string) []Listing {
	q := strings.ToLower(strings.TrimSpace(query))

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Listing
	for _, e := range m.entries {
		if q == "" ||
			strings.Contains(strings.ToLower(e.manifest.ID), q) ||
			strings.Contains(strings.ToLower(e.manifest.Name), q) ||
			strings.Contains(strings.ToLower(e.manifest.Description), q) {
			out = append(out, e.listing())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// MatchingVersion returns listings whose published version satisfies the
// given range.
func (m *Marketplace) MatchingVersion(rng semver.Range) []Listing {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Listing
	for _, e := range m.entries {
		if !rng.Satisfies(e.manifest.SemVersion()) {
			continue
		}
		out = append(out, e.listing())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Featured returns up to limit listings ranked by rating, then downloads,
// then id.
func (m *Marketplace) Featured(limit int) []Listing {
	m.mu.RLock()
	all := make([]Listing, 0, len(m.entries))
	for _, e := range m.entries {
		all = append(all, e.listing())
	}
	m.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].Rating != all[j].Rating {
			return all[i].Rating > all[j].Rating
		}
		if all[i].Downloads != all[j].Downloads {
			return all[i].Downloads > all[j].Downloads
		}
		return all[i].ID < all[j].ID
	})

	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all
}

// Count returns the number of listings.
func (m *Marketplace) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Export serializes the catalog as a JSON document keyed by plugin id.
func (m *Marketplace) Export() ([]byte, error) {
	listings := m.Search("")

	out := []byte(`{"listings":{}}`)
	var err error
	for _, l := range listings {
		raw, jerr := json.Marshal(l)
		if jerr != nil {
			return nil, jerr
		}
		out, err = sjson.SetRawBytes(out, "listings."+escapePath(l.ID), raw)
		if err != nil {
			return nil, err
		}
	}
	out, err = sjson.SetBytes(out, "count", len(listings))
	if err != nil {
		return nil, err
	}
	return out, nil
}

// escapePath protects the dots in reverse-domain ids from being read as
// JSON path separators.
func escapePath(id string) string {
	return strings.ReplaceAll(id, ".", `\.`)
}
