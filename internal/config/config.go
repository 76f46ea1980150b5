// Package config handles loading, validating, and defaulting the
// configuration for the fuse-img2heic mount daemon.
package config

import (
	"fmt"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

// Config is the top-level configuration for a mount of the virtual
// filesystem. It maps directly onto the configuration contract in
// spec.md §6.
type Config struct {
	MountPoint  string             `yaml:"mountPoint"  mapstructure:"mountPoint"`
	SourcePaths []SourceRootConfig `yaml:"sourcePaths" mapstructure:"sourcePaths"`
	Heic        HeicConfig         `yaml:"heic"        mapstructure:"heic"`
	Cache       CacheConfig        `yaml:"cache"       mapstructure:"cache"`
	Workers     int                `yaml:"workers"     mapstructure:"workers"`
}

// SourceRootConfig describes one configured source directory tree.
type SourceRootConfig struct {
	Path      string   `yaml:"path"      mapstructure:"path"`
	Recursive bool     `yaml:"recursive" mapstructure:"recursive"`
	MountName string   `yaml:"mountName" mapstructure:"mountName"`
	Patterns  []string `yaml:"patterns"  mapstructure:"patterns"`
}

// HeicConfig controls the encoder knobs passed to internal/heicenc.
type HeicConfig struct {
	Quality   int `yaml:"quality"   mapstructure:"quality"`
	Speed     int `yaml:"speed"     mapstructure:"speed"`
	Chroma    int `yaml:"chroma"    mapstructure:"chroma"`
	MaxWidth  int `yaml:"maxWidth"  mapstructure:"maxWidth"`
	MaxHeight int `yaml:"maxHeight" mapstructure:"maxHeight"`
}

// CacheConfig controls the artifact cache's disk budget and location.
type CacheConfig struct {
	MaxSizeBytes int64  `yaml:"maxSizeBytes" mapstructure:"maxSizeBytes"`
	RootPath     string `yaml:"rootPath"     mapstructure:"rootPath"`
}

// Default returns a Config populated with sensible default values, mirroring
// the teacher's Default()/Load() pair: defaults first, file values layered
// on top.
func Default() *Config {
	return &Config{
		Heic: HeicConfig{
			Quality: 75,
			Speed:   6,
			Chroma:  420,
		},
		Cache: CacheConfig{
			MaxSizeBytes: 10 * 1024 * 1024 * 1024,
		},
		Workers: runtime.NumCPU(),
	}
}

// Load reads a configuration file from configPath (YAML or TOML, sniffed
// from the extension exactly as the teacher's config loader does) and
// returns a Config with defaults applied first and file values layered on
// top, then validated.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	v := viper.New()

	ext := strings.TrimPrefix(filepath.Ext(configPath), ".")
	switch ext {
	case "yaml", "yml":
		v.SetConfigType("yaml")
	case "toml":
		v.SetConfigType("toml")
	default:
		v.SetConfigType("yaml")
	}

	v.SetConfigFile(configPath)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Validate checks invariants that must hold before the filesystem can be
// mounted: mount names unique, HEIC params in range, the mount point and
// source roots made absolute, and no source root equal to the mount point
// (invariant I5's config-time half; the runtime half lives in
// internal/pathmap).
func (c *Config) Validate() error {
	if c.MountPoint == "" {
		return fmt.Errorf("mountPoint is required")
	}
	mountPoint, err := filepath.Abs(c.MountPoint)
	if err != nil {
		return fmt.Errorf("resolving mount point: %w", err)
	}
	c.MountPoint = mountPoint

	if len(c.SourcePaths) == 0 {
		return fmt.Errorf("at least one entry in sourcePaths is required")
	}

	seenNames := make(map[string]bool, len(c.SourcePaths))
	for i := range c.SourcePaths {
		sr := &c.SourcePaths[i]
		if sr.MountName == "" {
			return fmt.Errorf("sourcePaths[%d]: mountName is required", i)
		}
		if strings.ContainsRune(sr.MountName, filepath.Separator) {
			return fmt.Errorf("sourcePaths[%d]: mountName %q must be a single path component", i, sr.MountName)
		}
		if seenNames[sr.MountName] {
			return fmt.Errorf("sourcePaths[%d]: duplicate mountName %q", i, sr.MountName)
		}
		seenNames[sr.MountName] = true

		if sr.Path == "" {
			return fmt.Errorf("sourcePaths[%d]: path is required", i)
		}
		abs, err := filepath.Abs(sr.Path)
		if err != nil {
			return fmt.Errorf("sourcePaths[%d]: resolving path: %w", i, err)
		}
		sr.Path = abs

		// A source root may legitimately contain the mount point (spec.md
		// §9's nested-mount scenario): pathmap's runtime projection excludes
		// the mount point subtree from directory listings (invariant I5).
		// Only a source root that *is* the mount point is rejected here.
		if abs == mountPoint {
			return fmt.Errorf("sourcePaths[%d]: %q is the mount point itself", i, abs)
		}

		for _, pat := range sr.Patterns {
			if _, err := regexp.Compile(pat); err != nil {
				return fmt.Errorf("sourcePaths[%d]: invalid pattern %q: %w", i, pat, err)
			}
		}
	}

	h := c.Heic
	if h.Quality < 1 || h.Quality > 100 {
		return fmt.Errorf("heic.quality must be in 1..=100, got %d", h.Quality)
	}
	if h.Speed < 1 || h.Speed > 10 {
		return fmt.Errorf("heic.speed must be in 1..=10, got %d", h.Speed)
	}
	switch h.Chroma {
	case 420, 422, 444:
	default:
		return fmt.Errorf("heic.chroma must be one of 420, 422, 444, got %d", h.Chroma)
	}

	if c.Cache.RootPath == "" {
		return fmt.Errorf("cache.rootPath is required")
	}
	if c.Cache.MaxSizeBytes <= 0 {
		return fmt.Errorf("cache.maxSizeBytes must be positive")
	}

	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU()
	}

	return nil
}
