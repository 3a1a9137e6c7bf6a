package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
engine:
  kind: pebble
  sync: true
retry:
  max_attempts: 3
  base_delay: 2ms
log:
  level: debug
  format: json
journal:
  dir: ./journal
collections:
  - name: users
    indexes:
      - name: email
        unique: true
      - name: city
        field: address.city
    schema:
      path: users.cue
      definition: "#User"
  - name: orders
    indexes:
      - name: status
    relations:
      - name: customer
        field: customerId
        target: users
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kvrepo.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadFromPath(t *testing.T) {
	cfg, path, err := LoadFromPath(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	assert.NotEmpty(t, path)

	assert.Equal(t, 1, cfg.Version)
	assert.Equal(t, "pebble", cfg.Engine.Kind)
	assert.Equal(t, "./kvrepo.pebble", cfg.Engine.Path)
	assert.True(t, cfg.Engine.Sync)

	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 2*time.Millisecond, cfg.Retry.BaseDelay.Duration())
	assert.Equal(t, 25*time.Millisecond, cfg.Retry.MaxDelay.Duration())

	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, int64(4*1024*1024), cfg.Journal.MaxFileSize)

	users := cfg.Collection("users")
	require.NotNil(t, users)
	require.Len(t, users.Indexes, 2)
	assert.Equal(t, "email", users.Indexes[0].FieldPath())
	assert.True(t, users.Indexes[0].Unique)
	assert.Equal(t, "address.city", users.Indexes[1].FieldPath())
	require.NotNil(t, users.Schema)
	assert.Equal(t, "#User", users.Schema.Definition)

	orders := cfg.Collection("orders")
	require.NotNil(t, orders)
	assert.Equal(t, "customerId", orders.Relations[0].FieldPath())
	assert.Nil(t, cfg.Collection("nope"))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "bolt", cfg.Engine.Kind)
	assert.Equal(t, "./kvrepo.db", cfg.EnginePath())
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Empty(t, cfg.Journal.Dir)
	assert.Zero(t, cfg.Journal.MaxFileSize)
	assert.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		body string
		err  string
	}{
		{"unknown engine", "engine: {kind: rocks}", `unknown engine.kind "rocks"`},
		{"postgres without dsn", "engine: {kind: postgres}", "engine.dsn is required"},
		{"bad log format", "log: {format: xml}", `unknown log.format "xml"`},
		{"duplicate collection", "collections: [{name: a}, {name: a}]", `duplicate collection "a"`},
		{"duplicate index", "collections: [{name: a, indexes: [{name: x}, {name: x}]}]", `duplicate index "x"`},
		{"unknown target", "collections: [{name: a, relations: [{name: r, target: b}]}]", `unknown target "b"`},
		{"schema without path", "collections: [{name: a, schema: {definition: '#A'}}]", "schema: path is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := LoadFromPath(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.err)
		})
	}
}

func TestLoadFromPath_BadDuration(t *testing.T) {
	_, _, err := LoadFromPath(writeConfig(t, "retry: {base_delay: soon}"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config")
}

func TestSaveRoundTrip(t *testing.T) {
	cfg, _, err := LoadFromPath(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	require.NoError(t, cfg.Save(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "base_delay: 2ms")

	again, _, err := LoadFromPath(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, again)
}

func TestFindConfigPath_Env(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	t.Setenv(EnvConfigPath, path)
	assert.Equal(t, path, FindConfigPath())

	cfg, found, err := Load()
	require.NoError(t, err)
	assert.Equal(t, path, found)
	assert.Len(t, cfg.Collections, 2)
}
