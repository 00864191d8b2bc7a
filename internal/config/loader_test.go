package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoader(t *testing.T) {
	loader := NewLoader("/path/to/config.json")
	assert.NotNil(t, loader)
	assert.Equal(t, "/path/to/config.json", loader.GetConfigPath())
}

func TestLoaderLoad(t *testing.T) {
	t.Run("load default config when file doesn't exist", func(t *testing.T) {
		tmpDir := t.TempDir()
		cfg, err := NewLoader(filepath.Join(tmpDir, "nonexistent.json")).Load()

		require.NoError(t, err)
		assert.Equal(t, 18790, cfg.Gateway.Port)
		assert.NotEmpty(t, cfg.DataDir)
		assert.Equal(t, filepath.Join(cfg.DataDir, "vigil.log"), cfg.Logging.File)
	})

	t.Run("load json with durations", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "vigil.json")
		content := `{
			"data_dir": "` + tmpDir + `",
			"gateway": {"host": "127.0.0.1", "port": 19000, "tick_interval": "15s"},
			"ai": {"profiles": [{"id": "a1", "provider": "anthropic", "api_key": "sk-ant-x"}]},
			"agents": [{"id": "main", "chain": [{"model": "claude-haiku-4-5", "provider": "anthropic"}]}],
			"scheduler": {"jobs": [{"id": "digest", "schedule": "0 8 * * *", "agent_id": "main"}]}
		}`
		require.NoError(t, os.WriteFile(configPath, []byte(content), 0600))

		cfg, err := NewLoader(configPath).Load()
		require.NoError(t, err)

		assert.Equal(t, 19000, cfg.Gateway.Port)
		assert.Equal(t, 15*time.Second, cfg.Gateway.TickInterval)
		require.Len(t, cfg.Agents, 1)
		assert.Equal(t, "main", cfg.Agents[0].ID)
		assert.Equal(t, 10, cfg.Agents[0].MaxModelCalls)
		assert.Equal(t, "container", cfg.Agents[0].Sandbox.Isolation)
		assert.Equal(t, 150000, cfg.Agents[0].Context.InputBudgetTokens)
		assert.Equal(t, "internal", cfg.Scheduler.Jobs[0].Delivery)
		assert.Equal(t, filepath.Join(tmpDir, "workspace"), cfg.WorkspacePath)
		assert.NoError(t, cfg.Validate())
	})

	t.Run("load yaml by extension", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "vigil.yaml")
		content := "gateway:\n  host: 127.0.0.1\n  port: 19001\nlogging:\n  level: debug\n"
		require.NoError(t, os.WriteFile(configPath, []byte(content), 0600))

		cfg, err := NewLoader(configPath).Load()
		require.NoError(t, err)
		assert.Equal(t, 19001, cfg.Gateway.Port)
		assert.Equal(t, "debug", cfg.Logging.Level)
	})

	t.Run("invalid file", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "vigil.json")
		require.NoError(t, os.WriteFile(configPath, []byte("{not json"), 0600))

		_, err := NewLoader(configPath).Load()
		assert.Error(t, err)
	})
}

func TestLoaderSave(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "nested", "vigil.json")

	cfg := validConfig()
	cfg.DataDir = tmpDir
	cfg.Gateway.Port = 19555

	loader := NewLoader(configPath)
	require.NoError(t, loader.Save(cfg))

	info, err := os.Stat(configPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, 19555, loaded.Gateway.Port)
	assert.Len(t, loaded.AI.Profiles, 2)
}
