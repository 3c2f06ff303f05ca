// Package config loads host configuration from a YAML file, with
// environment variable overrides.
package config

import (
	"errors"
	"strings"

	"github.com/spf13/viper"
)

// Config is the host configuration.
type Config struct {
	Host    HostConfig     `mapstructure:"host" json:"host"`
	Plugins PluginsConfig  `mapstructure:"plugins" json:"plugins"`
	Log     LogConfig      `mapstructure:"log" json:"log"`
	Values  map[string]any `mapstructure:"values" json:"values"` // per-plugin config overrides, keyed by plugin id
}

// HostConfig identifies the host to plugin compatibility checks.
type HostConfig struct {
	Version string `mapstructure:"version" json:"version"`
}

// PluginsConfig tunes discovery and loading.
type PluginsConfig struct {
	Paths             []string `mapstructure:"paths" json:"paths"`
	AutoEnable        bool     `mapstructure:"auto_enable" json:"auto_enable"`
	Watch             bool     `mapstructure:"watch" json:"watch"`
	ParallelLoad      bool     `mapstructure:"parallel_load" json:"parallel_load"`
	MaxParallel       int      `mapstructure:"max_parallel" json:"max_parallel"`
	RequireEnabledDep bool     `mapstructure:"require_enabled_dep" json:"require_enabled_dep"`
}

// LogConfig tunes the zap logger.
type LogConfig struct {
	Level  string `mapstructure:"level" json:"level"`
	Format string `mapstructure:"format" json:"format"` // json or console
}

// PluginValues extracts the per-plugin override maps from Values. Entries
// that are not objects are ignored.
func (c *Config) PluginValues() map[string]map[string]any {
	out := make(map[string]map[string]any, len(c.Values))
	for id, v := range c.Values {
		if m, ok := v.(map[string]any); ok {
			out[id] = m
		}
	}
	return out
}

// Load reads configuration from the given file, or searches for
// pluginhost.yaml in the working directory and ./config when path is
// empty. A missing search-path file falls back to defaults; a missing
// explicit path is an error. Environment variables prefixed PLUGINHOST_
// override file values.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("pluginhost")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetDefault("host.version", "1.0.0")
	v.SetDefault("plugins.paths", []string{"./plugins"})
	v.SetDefault("plugins.auto_enable", true)
	v.SetDefault("plugins.watch", false)
	v.SetDefault("plugins.parallel_load", false)
	v.SetDefault("plugins.max_parallel", 4)
	v.SetDefault("plugins.require_enabled_dep", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetEnvPrefix("PLUGINHOST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
