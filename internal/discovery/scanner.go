// Package discovery locates plugin manifests on disk. Each plugin lives in
// its own directory containing a plugin.json manifest; search paths are
// checked in order and the first directory claiming a plugin id wins.
package discovery

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"

	"github.com/stencilworks/pluginhost/internal/manifest"
)

// ManifestFile is the manifest filename inside each plugin directory.
const ManifestFile = "plugin.json"

// Found is one discovered plugin: its decoded manifest and the directory
// holding it, against which relative entry points resolve.
type Found struct {
	Manifest *manifest.Manifest
	Dir      string
}

// Scanner walks configured search paths for plugin directories.
type Scanner struct {
	paths  []string
	logger *zap.Logger
}

// NewScanner creates a scanner over the given search paths. A nil logger
// falls back to zap.NewNop.
func NewScanner(logger *zap.Logger, paths ...string) *Scanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scanner{paths: paths, logger: logger}
}

// Paths returns the configured search paths.
func (s *Scanner) Paths() []string {
	return append([]string(nil), s.paths...)
}

// Scan discovers plugins across all search paths. Directories with broken
// manifests are reported in the joined error and skipped; they never abort
// the scan. Missing search paths are not errors. Results are sorted by
// plugin id.
func (s *Scanner) Scan() ([]Found, error) {
	byID := make(map[string]Found)
	var errs []error

	for _, base := range s.paths {
		entries, err := os.ReadDir(base)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			errs = append(errs, fmt.Errorf("discovery: reading %s: %w", base, err))
			continue
		}

		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			dir := filepath.Join(base, entry.Name())
			m, err := s.readManifest(dir)
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					// Directory without a manifest; not a plugin.
					continue
				}
				errs = append(errs, err)
				continue
			}

			if prev, exists := byID[m.ID]; exists {
				s.logger.Debug("plugin shadowed by earlier search path",
					zap.String("plugin", m.ID),
					zap.String("kept", prev.Dir),
					zap.String("shadowed", dir))
				continue
			}
			byID[m.ID] = Found{Manifest: m, Dir: dir}
		}
	}

	out := make([]Found, 0, len(byID))
	for _, f := range byID {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Manifest.ID < out[j].Manifest.ID })
	return out, errors.Join(errs...)
}

func (s *Scanner) readManifest(dir string) (*manifest.Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, err
	}
	m, err := manifest.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("discovery: %s: %w", dir, err)
	}
	return m, nil
}
