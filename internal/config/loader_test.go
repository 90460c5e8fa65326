package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stewardmcp/steward/pkg/mcp"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	loader := NewLoader(filepath.Join(t.TempDir(), "steward.json"))

	cfg, err := loader.Load()
	require.NoError(t, err)

	assert.Empty(t, cfg.Servers)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.NotEmpty(t, cfg.DataDir)
	assert.NotEmpty(t, cfg.Logging.File)
}

func TestLoadParsesServers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "steward.json")
	content := `{
		"servers": {
			"files": {"transport": "stdio", "command": "mcp-files", "args": ["--root", "/tmp"]},
			"search": {"transport": "http", "url": "https://search.example.com/mcp", "timeout_seconds": 15}
		},
		"retry": {"max_attempts": 5},
		"logging": {"level": "debug"}
	}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Len(t, cfg.Servers, 2)
	assert.Equal(t, "stdio", cfg.Servers["files"].Transport)
	assert.Equal(t, []string{"--root", "/tmp"}, cfg.Servers["files"].Args)
	assert.Equal(t, "https://search.example.com/mcp", cfg.Servers["search"].URL)
	assert.Equal(t, 15, cfg.Servers["search"].TimeoutSeconds)

	// File values override defaults; untouched sections keep them.
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
}

func TestLoadInvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "steward.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "steward.json")
	loader := NewLoader(path)

	cfg := DefaultConfig()
	cfg.Servers = map[string]mcp.Definition{
		"files": {Transport: "stdio", Command: "mcp-files"},
	}
	cfg.Cleanup.RetentionDays = 14
	cfg.DataDir = t.TempDir()

	require.NoError(t, loader.Save(cfg))

	loaded, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, "mcp-files", loaded.Servers["files"].Command)
	assert.Equal(t, 14, loaded.Cleanup.RetentionDays)
}

func TestGetConfigPath(t *testing.T) {
	loader := NewLoader("/tmp/custom.json")
	assert.Equal(t, "/tmp/custom.json", loader.GetConfigPath())

	loader = NewLoader("")
	assert.Contains(t, loader.GetConfigPath(), ".steward")
}
