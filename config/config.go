// Package config handles kiln.toml runtime configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents a kiln.toml runtime configuration.
type Config struct {
	Runtime   Runtime  `toml:"runtime"`
	Boot      Boot     `toml:"boot"`
	ClassPath []string `toml:"classpath"`
	AOT       AOT      `toml:"aot"`
	Server    Server   `toml:"server"`

	// Dir is the directory containing the kiln.toml file (set at load time).
	Dir string `toml:"-"`
}

// Runtime configures the class machinery.
type Runtime struct {
	// HeapLimit bounds the class record budget in bytes; 0 is unlimited.
	HeapLimit int64 `toml:"heap-limit"`
	// PublishMode selects the visibly-initialized backend:
	// "auto", "fence", or "checkpoint".
	PublishMode string `toml:"publish-mode"`
	// PublishBatch caps classes per publication round; 0 uses the default.
	PublishBatch int `toml:"publish-batch"`
}

// Boot configures the boot class path.
type Boot struct {
	Containers []string `toml:"containers"`
}

// AOT configures the ahead-of-time prelink pipeline.
type AOT struct {
	Database   string `toml:"database"`
	Initialize bool   `toml:"initialize"`
}

// Server configures the inspection service.
type Server struct {
	Listen string `toml:"listen"`
}

// Default returns the configuration used when no kiln.toml exists,
// anchored at dir.
func Default(dir string) *Config {
	abs, err := filepath.Abs(dir)
	if err != nil {
		abs = dir
	}
	return &Config{
		Runtime: Runtime{PublishMode: "auto"},
		AOT:     AOT{Database: filepath.Join(".kiln", "prelink.db")},
		Server:  Server{Listen: "127.0.0.1:7333"},
		Dir:     abs,
	}
}

// Load parses a kiln.toml file from the given directory.
func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, "kiln.toml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	// Validate the raw decoding first so typoed keys and wrong-typed
	// values are reported against what the user actually wrote.
	var raw map[string]any
	if err := toml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	if err := validate(raw); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", path, err)
	}

	var c Config
	if err := toml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	c.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	// Defaults
	if c.Runtime.PublishMode == "" {
		c.Runtime.PublishMode = "auto"
	}
	if c.AOT.Database == "" {
		c.AOT.Database = filepath.Join(".kiln", "prelink.db")
	}
	if c.Server.Listen == "" {
		c.Server.Listen = "127.0.0.1:7333"
	}

	return &c, nil
}

// FindAndLoad walks up from startDir to find a kiln.toml file, then
// loads and returns the configuration. Returns nil if none is found.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, "kiln.toml")
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// BootPaths returns absolute paths for the configured boot containers.
func (c *Config) BootPaths() []string {
	return c.absAll(c.Boot.Containers)
}

// ClassPaths returns absolute paths for the configured class path,
// duplicates dropped in first-mention order.
func (c *Config) ClassPaths() []string {
	seen := make(map[string]bool)
	var paths []string
	for _, p := range c.absAll(c.ClassPath) {
		if seen[p] {
			continue
		}
		seen[p] = true
		paths = append(paths, p)
	}
	return paths
}

// DataDir returns the path to the .kiln directory.
func (c *Config) DataDir() string {
	return filepath.Join(c.Dir, ".kiln")
}

// DatabasePath returns the resolved AOT database location.
func (c *Config) DatabasePath() string {
	if filepath.IsAbs(c.AOT.Database) {
		return c.AOT.Database
	}
	return filepath.Join(c.Dir, c.AOT.Database)
}

func (c *Config) absAll(rel []string) []string {
	var paths []string
	for _, p := range rel {
		if !filepath.IsAbs(p) {
			p = filepath.Join(c.Dir, p)
		}
		paths = append(paths, p)
	}
	return paths
}
