package config

import "time"

// Config is the root of kvrepo.yaml
type Config struct {
	Version     int                `yaml:"version"`
	Engine      EngineConfig       `yaml:"engine"`
	Retry       RetryConfig        `yaml:"retry"`
	Log         LogConfig          `yaml:"log"`
	Journal     JournalConfig      `yaml:"journal,omitempty"`
	Collections []CollectionConfig `yaml:"collections,omitempty"`
}

// EngineConfig selects the KV backend
type EngineConfig struct {
	Kind string `yaml:"kind"`           // bolt, pebble, sqlite, postgres, memory
	Path string `yaml:"path,omitempty"` // file or directory
	DSN  string `yaml:"dsn,omitempty"`  // postgres only
	Sync bool   `yaml:"sync,omitempty"`
}

// RetryConfig bounds the write conflict retry loop
type RetryConfig struct {
	MaxAttempts int      `yaml:"max_attempts"`
	BaseDelay   Duration `yaml:"base_delay"`
	MaxDelay    Duration `yaml:"max_delay"`
}

type LogConfig struct {
	Level   string `yaml:"level"`  // debug, info, warn, error
	Format  string `yaml:"format"` // text, json
	Verbose bool   `yaml:"verbose,omitempty"`
}

// JournalConfig enables the change journal when Dir is set
type JournalConfig struct {
	Dir         string `yaml:"dir,omitempty"`
	MaxFileSize int64  `yaml:"max_file_size,omitempty"`
	Fsync       bool   `yaml:"fsync,omitempty"`
}

type CollectionConfig struct {
	Name           string           `yaml:"name"`
	Indexes        []IndexConfig    `yaml:"indexes,omitempty"`
	Relations      []RelationConfig `yaml:"relations,omitempty"`
	Schema         *SchemaConfig    `yaml:"schema,omitempty"`
	SchemaVersion  uint64           `yaml:"schema_version,omitempty"`
	SuppressValues bool             `yaml:"suppress_values,omitempty"`
}

// IndexConfig indexes the value at a dotted field path. Field defaults
// to the index name.
type IndexConfig struct {
	Name   string `yaml:"name"`
	Field  string `yaml:"field,omitempty"`
	Unique bool   `yaml:"unique,omitempty"`
}

func (ic IndexConfig) FieldPath() string {
	if ic.Field == "" {
		return ic.Name
	}
	return ic.Field
}

// RelationConfig resolves ids stored at Field against the Target collection.
type RelationConfig struct {
	Name   string `yaml:"name"`
	Field  string `yaml:"field,omitempty"`
	Target string `yaml:"target"`
}

func (rc RelationConfig) FieldPath() string {
	if rc.Field == "" {
		return rc.Name
	}
	return rc.Field
}

// SchemaConfig points at a CUE file and the definition records must satisfy
type SchemaConfig struct {
	Path       string `yaml:"path"`
	Definition string `yaml:"definition,omitempty"`
}

// Duration wraps time.Duration for YAML unmarshaling
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Duration returns the underlying time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}
