package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoaderLoad(t *testing.T) {
	t.Run("should load defaults when the file does not exist", func(t *testing.T) {
		dir := t.TempDir()

		cfg, err := NewLoader(filepath.Join(dir, "missing.yaml")).Load()
		require.NoError(t, err)

		assert.Equal(t, 8000, cfg.Server.Port)
		assert.Len(t, cfg.Agents, 4)
		assert.Empty(t, cfg.BaseDir)
	})

	t.Run("should merge a YAML file over the defaults", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "curie.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
data_dir: `+dir+`
server:
  port: 9000
  turn_timeout: 90s
store:
  driver: redis
  addr: localhost:6379
  ttl: 2h
agents:
  - role: manager
    provider: openai
    model: gpt-4o-mini
    instructions_file: manager.md
    tools: [get_files_with_description]
`), 0644))

		cfg, err := NewLoader(path).Load()
		require.NoError(t, err)

		assert.Equal(t, 9000, cfg.Server.Port)
		assert.Equal(t, "0.0.0.0", cfg.Server.Host, "unset keys keep their default")
		assert.Equal(t, 90*time.Second, cfg.Server.TurnTimeout)
		assert.Equal(t, "redis", cfg.Store.Driver)
		assert.Equal(t, 2*time.Hour, cfg.Store.TTL)
		require.Len(t, cfg.Agents, 1)
		assert.Equal(t, "manager.md", cfg.Agents[0].InstructionsFile)
		assert.Len(t, cfg.Providers, 2)
		assert.Equal(t, dir, cfg.BaseDir)
		assert.Equal(t, filepath.Join(dir, "conversations.db"), cfg.Store.Path)
		assert.Equal(t, filepath.Join(dir, "index.db"), cfg.VectorIndex.Path)
		assert.Equal(t, filepath.Join(dir, "curie.log"), cfg.Logging.File)
	})

	t.Run("should load JSON files", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "curie.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"server": {"default_role": "coder"}, "data_dir": "`+dir+`"}`), 0644))

		cfg, err := NewLoader(path).Load()
		require.NoError(t, err)
		assert.Equal(t, "coder", cfg.Server.DefaultRole)
	})

	t.Run("should apply environment overrides", func(t *testing.T) {
		dir := t.TempDir()
		t.Setenv("CURIE_SERVER_PORT", "7070")
		t.Setenv("CURIE_LOGGING_LEVEL", "debug")
		t.Setenv("CURIE_DATA_DIR", dir)

		cfg, err := NewLoader(filepath.Join(dir, "missing.yaml")).Load()
		require.NoError(t, err)
		assert.Equal(t, 7070, cfg.Server.Port)
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.Equal(t, dir, cfg.DataDir)
	})

	t.Run("should reject unreadable files", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "curie.yaml")
		require.NoError(t, os.WriteFile(path, []byte("server: [unclosed"), 0644))

		_, err := NewLoader(path).Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to read config file")
	})
}

func TestLoaderSave(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "curie.yaml")

	cfg := DefaultConfig()
	cfg.DataDir = dir
	cfg.Server.Port = 8123
	cfg.Agents = cfg.Agents[:2]

	loader := NewLoader(path)
	require.NoError(t, loader.Save(cfg))

	loaded, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, 8123, loaded.Server.Port)
	assert.Equal(t, []string{"manager", "coder"}, loaded.Roles())
	assert.Equal(t, cfg.Store.TTL, loaded.Store.TTL)
}

func TestLoaderGetConfigPath(t *testing.T) {
	assert.Equal(t, "/etc/curie.yaml", NewLoader("/etc/curie.yaml").GetConfigPath())
	assert.Contains(t, NewLoader("").GetConfigPath(), filepath.Join(".curie", "curie.yaml"))
}
