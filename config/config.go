// Package config loads the kvrepo command configuration.
//
// Config file locations (priority order):
//  1. $KVREPO_CONFIG
//  2. ./kvrepo.yaml
//  3. ~/.config/kvrepo/config.yaml
//  4. /etc/kvrepo/config.yaml
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Load finds and loads the config file, or returns defaults if none found
func Load() (*Config, string, error) {
	path := FindConfigPath()
	if path == "" {
		return DefaultConfig(), "", nil
	}
	return LoadFromPath(path)
}

// LoadFromPath loads config from a specific path
func LoadFromPath(path string) (*Config, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, path, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, path, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, path, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, path, nil
}

// Save writes config to the specified path
func (c *Config) Save(path string) error {
	if err := EnsureConfigDir(path); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0644)
}

// DefaultConfig returns a config that stores data in ./kvrepo.db
func DefaultConfig() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.Version == 0 {
		c.Version = 1
	}
	if c.Engine.Kind == "" {
		c.Engine.Kind = "bolt"
	}
	if c.Engine.Path == "" && c.Engine.Kind != "memory" && c.Engine.Kind != "postgres" {
		switch c.Engine.Kind {
		case "pebble":
			c.Engine.Path = "./kvrepo.pebble"
		case "sqlite":
			c.Engine.Path = "./kvrepo.sqlite"
		default:
			c.Engine.Path = "./kvrepo.db"
		}
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 5
	}
	if c.Retry.BaseDelay == 0 {
		c.Retry.BaseDelay = Duration(time.Millisecond)
	}
	if c.Retry.MaxDelay == 0 {
		c.Retry.MaxDelay = Duration(25 * time.Millisecond)
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Journal.Dir != "" && c.Journal.MaxFileSize == 0 {
		c.Journal.MaxFileSize = 4 * 1024 * 1024
	}
}

// Validate reports the first structural problem in the config.
func (c *Config) Validate() error {
	switch c.Engine.Kind {
	case "bolt", "pebble", "sqlite", "memory":
	case "postgres":
		if c.Engine.DSN == "" {
			return fmt.Errorf("engine.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("unknown engine.kind %q", c.Engine.Kind)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log.format %q", c.Log.Format)
	}
	seen := make(map[string]bool)
	for i, coll := range c.Collections {
		if coll.Name == "" {
			return fmt.Errorf("collections[%d]: name is required", i)
		}
		if seen[coll.Name] {
			return fmt.Errorf("collections[%d]: duplicate collection %q", i, coll.Name)
		}
		seen[coll.Name] = true
		idxs := make(map[string]bool)
		for j, idx := range coll.Indexes {
			if idx.Name == "" {
				return fmt.Errorf("collections[%d].indexes[%d]: name is required", i, j)
			}
			if idxs[idx.Name] {
				return fmt.Errorf("collections[%d].indexes[%d]: duplicate index %q", i, j, idx.Name)
			}
			idxs[idx.Name] = true
		}
		for j, rel := range coll.Relations {
			if rel.Name == "" || rel.Target == "" {
				return fmt.Errorf("collections[%d].relations[%d]: name and target are required", i, j)
			}
		}
		if coll.Schema != nil && coll.Schema.Path == "" {
			return fmt.Errorf("collections[%d].schema: path is required", i)
		}
	}
	for i, coll := range c.Collections {
		for j, rel := range coll.Relations {
			if !seen[rel.Target] {
				return fmt.Errorf("collections[%d].relations[%d]: unknown target %q", i, j, rel.Target)
			}
		}
	}
	return nil
}

// Collection returns the named collection config, or nil.
func (c *Config) Collection(name string) *CollectionConfig {
	for i := range c.Collections {
		if c.Collections[i].Name == name {
			return &c.Collections[i]
		}
	}
	return nil
}

// EnginePath returns the DSN for postgres and the file path otherwise.
func (c *Config) EnginePath() string {
	if c.Engine.Kind == "postgres" {
		return c.Engine.DSN
	}
	return c.Engine.Path
}
